// Package redis implements the latest-value cache on a Redis hash per meter.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/nicktill/tinymeter/pkg/reading"
)

const keyPrefix = "tinymeter:latest:"

// setIfNewerScript writes the hash unless the stored ts_ms is strictly greater.
// Returns 1 when applied, 0 when a newer entry was kept.
const setIfNewerScript = `
local cur = tonumber(redis.call("HGET", KEYS[1], "ts_ms"))
local incoming = tonumber(ARGV[2])
if cur ~= nil and incoming < cur then
  return 0
end
redis.call("HSET", KEYS[1], "reading", ARGV[1], "ts_ms", ARGV[2], "ts", ARGV[3], "updated", ARGV[4])
return 1
`

// Cache stores each meter's latest value in a Redis hash.
type Cache struct {
	client goredis.UniversalClient
	script *goredis.Script
}

// Options configures the client built by Dial
type Options struct {
	Addr     string
	Password string
	DB       int
}

// Dial connects to Redis and verifies the connection with PING
func Dial(ctx context.Context, opts Options) (*Cache, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return New(client), nil
}

// New wraps an existing client
func New(client goredis.UniversalClient) *Cache {
	return &Cache{
		client: client,
		script: goredis.NewScript(setIfNewerScript),
	}
}

// Set applies v unless a newer timestamp is cached
func (c *Cache) Set(ctx context.Context, v reading.Latest) (bool, error) {
	res, err := c.script.Run(ctx, c.client, []string{keyPrefix + v.MeterID},
		strconv.FormatFloat(v.Reading, 'f', -1, 64),
		v.Timestamp.UnixMilli(),
		v.Timestamp.Format(time.RFC3339Nano),
		v.UpdatedAt.Format(time.RFC3339Nano),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("redis set latest %s: %w", v.MeterID, err)
	}
	return res == 1, nil
}

// Get returns the cached entry for meterID
func (c *Cache) Get(ctx context.Context, meterID string) (reading.Latest, bool, error) {
	fields, err := c.client.HGetAll(ctx, keyPrefix+meterID).Result()
	if errors.Is(err, goredis.Nil) || (err == nil && len(fields) == 0) {
		return reading.Latest{}, false, nil
	}
	if err != nil {
		return reading.Latest{}, false, fmt.Errorf("redis get latest %s: %w", meterID, err)
	}

	v := reading.Latest{MeterID: meterID}
	if v.Reading, err = strconv.ParseFloat(fields["reading"], 64); err != nil {
		return reading.Latest{}, false, fmt.Errorf("redis latest %s: bad reading: %w", meterID, err)
	}
	if v.Timestamp, err = time.Parse(time.RFC3339Nano, fields["ts"]); err != nil {
		return reading.Latest{}, false, fmt.Errorf("redis latest %s: bad timestamp: %w", meterID, err)
	}
	if updated, ok := fields["updated"]; ok {
		v.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	}
	return v, true, nil
}

// Close closes the underlying client
func (c *Cache) Close() error {
	return c.client.Close()
}
