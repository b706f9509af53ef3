package badger

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"go.uber.org/zap"

	"github.com/nicktill/tinymeter/pkg/reading"
	"github.com/nicktill/tinymeter/pkg/storage"
)

// Key prefixes. Each record family lives under its own prefix so Truncate can
// drop raw readings without touching archived rows.
const (
	prefixRaw     byte = 'r'
	prefixDaily   byte = 'd'
	prefixMonthly byte = 'm'
)

var seqKey = []byte("!seq/readings")

// slowOpThreshold controls when slow scans are logged
const slowOpThreshold = 5 * time.Second

// Storage implements storage.Storage using BadgerDB (LSM tree)
type Storage struct {
	db  *badger.DB
	seq *badger.Sequence
	log *zap.Logger
}

// Config holds BadgerDB configuration
type Config struct {
	// Path to store database files
	Path string

	// InMemory mode (for testing)
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage in MB (0 = use defaults based on environment)
	// Recommended: 64-128 MB for local dev, 256-512 MB for production
	MaxMemoryMB int64

	// Logger receives slow-scan warnings (nil = no logging)
	Logger *zap.Logger
}

// New creates a BadgerDB storage backend
func New(cfg Config) (*Storage, error) {
	opts := badger.DefaultOptions(cfg.Path)

	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}
	// Badger's own logger is chatty at INFO
	opts = opts.WithLogger(nil)

	// SAFETY: Conservative memory limits for small hosts
	// BadgerDB defaults: 64 MB memtable, 5 x 64 MB = 320 MB total
	var memTableSize int64 = 16 * 1024 * 1024
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB * 1024 * 1024 / 3 // ~33% for memtable
	}

	// Block and index caches are otherwise unbounded
	blockCacheSize := memTableSize / 2
	indexCacheSize := memTableSize / 4

	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(blockCacheSize).
		WithIndexCacheSize(indexCacheSize).
		WithMaxLevels(4).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithNumCompactors(1).
		WithValueLogMaxEntries(5000).
		WithValueLogFileSize(64 << 20) // CRITICAL: 64 MB value log files instead of default 2GB

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	seq, err := db.GetSequence(seqKey, 1000)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to allocate sequence: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Storage{db: db, seq: seq, log: logger.Named("badger")}, nil
}

// run executes fn on its own goroutine and returns early when ctx is done.
// CRITICAL: badger transactions cannot be interrupted, so callers must not
// block shutdown waiting on a long scan.
func run[T any](ctx context.Context, op string, fn func() (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{val: v, err: err}
	}()

	select {
	case res := <-done:
		return res.val, res.err
	case <-ctx.Done():
		return zero, fmt.Errorf("%s operation cancelled: %w", op, ctx.Err())
	}
}

// storedRecord carries the insertion sequence alongside the record so ReadAll
// can restore arrival order, which key order does not preserve.
type storedRecord struct {
	reading.Record
	Seq uint64 `json:"seq"`
}

// Append stores one raw record
func (s *Storage) Append(ctx context.Context, rec reading.Record) error {
	_, err := run(ctx, "append", func() (struct{}, error) {
		n, err := s.seq.Next()
		if err != nil {
			return struct{}{}, fmt.Errorf("failed to allocate sequence: %w", err)
		}
		value, err := json.Marshal(storedRecord{Record: rec, Seq: n})
		if err != nil {
			return struct{}{}, fmt.Errorf("failed to encode record: %w", err)
		}
		return struct{}{}, s.db.Update(func(txn *badger.Txn) error {
			return txn.Set(rawKey(rec.MeterID, rec.Timestamp, n), value)
		})
	})
	return err
}

// ReadAll returns the current period in insertion order
func (s *Storage) ReadAll(ctx context.Context) ([]reading.Record, error) {
	return run(ctx, "read", func() ([]reading.Record, error) {
		var stored []storedRecord
		err := s.scan(ctx, []byte{prefixRaw}, nil, func(item *badger.Item) (bool, error) {
			var sr storedRecord
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &sr)
			}); err != nil {
				return false, fmt.Errorf("failed to decode record: %w", err)
			}
			stored = append(stored, sr)
			return true, nil
		})
		if err != nil {
			return nil, err
		}

		sort.Slice(stored, func(i, j int) bool { return stored[i].Seq < stored[j].Seq })
		out := make([]reading.Record, len(stored))
		for i, sr := range stored {
			out[i] = sr.Record
		}
		return out, nil
	})
}

// Truncate drops every raw record. Archived rows are untouched.
func (s *Storage) Truncate(ctx context.Context) error {
	_, err := run(ctx, "truncate", func() (struct{}, error) {
		return struct{}{}, s.db.DropPrefix([]byte{prefixRaw})
	})
	return err
}

// TruncateBefore deletes raw records stamped before cutoff. Later records
// keep their keys, so arrival order survives.
func (s *Storage) TruncateBefore(ctx context.Context, cutoff time.Time) error {
	_, err := run(ctx, "truncate before", func() (struct{}, error) {
		var keys [][]byte
		err := s.scan(ctx, []byte{prefixRaw}, nil, func(item *badger.Item) (bool, error) {
			if keyTime(item.Key()).Before(cutoff) {
				keys = append(keys, item.KeyCopy(nil))
			}
			return true, nil
		})
		if err != nil {
			return struct{}{}, err
		}

		// Commit in chunks when a transaction grows too big
		txn := s.db.NewTransaction(true)
		defer func() { txn.Discard() }()
		for _, key := range keys {
			err := txn.Delete(key)
			if errors.Is(err, badger.ErrTxnTooBig) {
				if err := txn.Commit(); err != nil {
					return struct{}{}, fmt.Errorf("failed to commit deletes: %w", err)
				}
				txn = s.db.NewTransaction(true)
				err = txn.Delete(key)
			}
			if err != nil {
				return struct{}{}, fmt.Errorf("failed to delete record: %w", err)
			}
		}
		return struct{}{}, txn.Commit()
	})
	return err
}

// Query retrieves raw records matching the request. A meter filter narrows
// the scan to that meter's key range and seeks straight to Start.
func (s *Storage) Query(ctx context.Context, req storage.QueryRequest) ([]reading.Record, error) {
	return run(ctx, "query", func() ([]reading.Record, error) {
		prefix := []byte{prefixRaw}
		var seek []byte
		if req.MeterID != "" {
			prefix = meterPrefix(prefixRaw, req.MeterID)
			// Keys before the epoch do not exist; seeking to one would wrap
			if req.Start.After(reading.MinTimestamp) {
				seek = rawKey(req.MeterID, req.Start, 0)
			}
		}

		var results []reading.Record
		err := s.scan(ctx, prefix, seek, func(item *badger.Item) (bool, error) {
			if req.MeterID != "" && !req.End.IsZero() && keyTime(item.Key()).After(req.End) {
				return false, nil
			}
			var sr storedRecord
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &sr)
			}); err != nil {
				return false, fmt.Errorf("failed to decode record: %w", err)
			}
			if !req.Matches(sr.Record) {
				return true, nil
			}
			results = append(results, sr.Record)
			return req.Limit <= 0 || len(results) < req.Limit, nil
		})
		return results, err
	})
}

// AppendAggregates upserts daily rows in one transaction
func (s *Storage) AppendAggregates(ctx context.Context, rows []reading.DailyAggregate) error {
	_, err := run(ctx, "append aggregates", func() (struct{}, error) {
		return struct{}{}, s.db.Update(func(txn *badger.Txn) error {
			for _, row := range rows {
				key := rowKey(prefixDaily, row.MeterID, row.Date)
				var cur reading.DailyAggregate
				found, err := getJSON(txn, key, &cur)
				if err != nil {
					return err
				}
				if found && !storage.Newer(row.LastTimestamp, cur.LastTimestamp) {
					continue
				}
				if err := setJSON(txn, key, row); err != nil {
					return err
				}
			}
			return nil
		})
	})
	return err
}

// ReadAggregates returns daily rows ordered by meter then date
func (s *Storage) ReadAggregates(ctx context.Context, filter storage.AggregateFilter) ([]reading.DailyAggregate, error) {
	return run(ctx, "read aggregates", func() ([]reading.DailyAggregate, error) {
		prefix := []byte{prefixDaily}
		if filter.MeterID != "" {
			prefix = meterPrefix(prefixDaily, filter.MeterID)
		}

		var out []reading.DailyAggregate
		err := s.scan(ctx, prefix, nil, func(item *badger.Item) (bool, error) {
			var row reading.DailyAggregate
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &row)
			}); err != nil {
				return false, fmt.Errorf("failed to decode aggregate: %w", err)
			}
			if filter.Matches(row) {
				out = append(out, row)
			}
			return true, nil
		})
		if err != nil {
			return nil, err
		}

		sort.Slice(out, func(i, j int) bool {
			if out[i].MeterID != out[j].MeterID {
				return out[i].MeterID < out[j].MeterID
			}
			return out[i].Date < out[j].Date
		})
		return out, nil
	})
}

// AppendMonthly upserts monthly summaries in one transaction
func (s *Storage) AppendMonthly(ctx context.Context, rows []reading.MonthlySummary) error {
	_, err := run(ctx, "append monthly", func() (struct{}, error) {
		return struct{}{}, s.db.Update(func(txn *badger.Txn) error {
			for _, row := range rows {
				key := rowKey(prefixMonthly, row.MeterID, row.Month)
				var cur reading.MonthlySummary
				found, err := getJSON(txn, key, &cur)
				if err != nil {
					return err
				}
				if found && !storage.Newer(row.LastTimestamp, cur.LastTimestamp) {
					continue
				}
				if err := setJSON(txn, key, row); err != nil {
					return err
				}
			}
			return nil
		})
	})
	return err
}

// ReadMonthly returns monthly summaries ordered by meter then month
func (s *Storage) ReadMonthly(ctx context.Context, filter storage.MonthlyFilter) ([]reading.MonthlySummary, error) {
	return run(ctx, "read monthly", func() ([]reading.MonthlySummary, error) {
		prefix := []byte{prefixMonthly}
		if filter.MeterID != "" {
			prefix = meterPrefix(prefixMonthly, filter.MeterID)
		}

		var out []reading.MonthlySummary
		err := s.scan(ctx, prefix, nil, func(item *badger.Item) (bool, error) {
			var row reading.MonthlySummary
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &row)
			}); err != nil {
				return false, fmt.Errorf("failed to decode monthly summary: %w", err)
			}
			if filter.Matches(row) {
				out = append(out, row)
			}
			return true, nil
		})
		if err != nil {
			return nil, err
		}

		sort.Slice(out, func(i, j int) bool {
			if out[i].MeterID != out[j].MeterID {
				return out[i].MeterID < out[j].MeterID
			}
			return out[i].Month < out[j].Month
		})
		return out, nil
	})
}

// Close releases the sequence and shuts down BadgerDB cleanly
func (s *Storage) Close() error {
	var errs []error
	if err := s.seq.Release(); err != nil {
		errs = append(errs, fmt.Errorf("release sequence: %w", err))
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// RunGC runs BadgerDB's value log garbage collection
// This reclaims disk space from truncated periods
// discardRatio: run GC if this fraction of file can be discarded (0.5 = 50%)
// Returns error only if GC failed, nil if GC not needed or succeeded
func (s *Storage) RunGC(discardRatio float64) error {
	err := s.db.RunValueLogGC(discardRatio)
	if errors.Is(err, badger.ErrNoRewrite) {
		return nil
	}
	return err
}

// Stats returns storage statistics
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	return run(ctx, "stats", func() (*storage.Stats, error) {
		stats := &storage.Stats{}

		err := s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false

			it := txn.NewIterator(opts)
			defer it.Close()

			meters := make(map[uint64]struct{})
			var iterCount int

			for it.Rewind(); it.Valid(); it.Next() {
				iterCount++

				// Check context periodically (every 1000 iterations)
				if iterCount%1000 == 0 {
					select {
					case <-ctx.Done():
						return ctx.Err()
					default:
					}
				}

				key := it.Item().Key()
				switch key[0] {
				case prefixRaw:
					stats.Readings++
					meters[binary.BigEndian.Uint64(key[1:9])] = struct{}{}

					ts := keyTime(key)
					if stats.OldestReading.IsZero() || ts.Before(stats.OldestReading) {
						stats.OldestReading = ts
					}
					if stats.NewestReading.IsZero() || ts.After(stats.NewestReading) {
						stats.NewestReading = ts
					}
				case prefixDaily:
					stats.Aggregates++
				case prefixMonthly:
					stats.MonthlySummaries++
				}
			}

			stats.Meters = uint64(len(meters))
			return nil
		})
		if err != nil {
			return nil, err
		}

		// Get DB size from LSM
		lsmSize, vlogSize := s.db.Size()
		stats.SizeBytes = uint64(lsmSize + vlogSize)
		return stats, nil
	})
}

// scan iterates keys under prefix (starting at seek when set) until fn
// returns false. It checks ctx every 1000 keys and logs slow scans.
func (s *Storage) scan(ctx context.Context, prefix, seek []byte, fn func(*badger.Item) (bool, error)) error {
	startTime := time.Now()
	var iterCount int

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchSize = 100
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		if seek == nil {
			seek = prefix
		}
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			iterCount++

			// CRITICAL: Check for context cancellation every 1000 iterations
			if iterCount%1000 == 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
			}

			more, err := fn(it.Item())
			if err != nil {
				return err
			}
			if !more {
				break
			}
		}
		return nil
	})

	if elapsed := time.Since(startTime); elapsed > slowOpThreshold {
		s.log.Warn("slow scan",
			zap.Duration("elapsed", elapsed),
			zap.Int("iterations", iterCount),
			zap.ByteString("prefix", prefix[:1]),
		)
	}
	return err
}

// meterPrefix returns [family (1 byte)][meter hash (8 bytes)]
func meterPrefix(family byte, meterID string) []byte {
	key := make([]byte, 9)
	key[0] = family
	binary.BigEndian.PutUint64(key[1:9], xxhash.Sum64String(meterID))
	return key
}

// rawKey creates a sortable raw key
// Format: [r][meter hash (8 bytes)][timestamp (8 bytes)][sequence (8 bytes)]
func rawKey(meterID string, ts time.Time, seq uint64) []byte {
	key := make([]byte, 25)
	copy(key, meterPrefix(prefixRaw, meterID))
	binary.BigEndian.PutUint64(key[9:17], uint64(ts.UnixNano()))
	binary.BigEndian.PutUint64(key[17:25], seq)
	return key
}

// keyTime extracts the timestamp from a raw key
func keyTime(key []byte) time.Time {
	return time.Unix(0, int64(binary.BigEndian.Uint64(key[9:17])))
}

// rowKey creates an archived-row key
// Format: [family][meter hash (8 bytes)][period][0x00][meter id]
// The meter id suffix keeps hash collisions from sharing a key.
func rowKey(family byte, meterID, period string) []byte {
	var buf bytes.Buffer
	buf.Write(meterPrefix(family, meterID))
	buf.WriteString(period)
	buf.WriteByte(0)
	buf.WriteString(meterID)
	return buf.Bytes()
}

func getJSON(txn *badger.Txn, key []byte, v any) (bool, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	value, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode row: %w", err)
	}
	return txn.Set(key, value)
}
