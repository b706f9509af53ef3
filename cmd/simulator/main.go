// Command simulator registers a fleet of meters and feeds them steadily
// increasing readings, so a local server has data to query.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/nicktill/tinymeter/pkg/account"
	"github.com/nicktill/tinymeter/pkg/client"
	"github.com/nicktill/tinymeter/pkg/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "simulator: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		endpoint = flag.String("endpoint", envOr("TINYMETER_ENDPOINT", client.DefaultEndpoint), "server base URL")
		meters   = flag.Int("meters", 5, "number of meters to simulate")
		areas    = flag.Int("areas", 2, "number of areas to spread meters over")
		interval = flag.Duration("interval", 3*time.Second, "time between submissions per meter")
		logLevel = flag.String("log-level", envOr("TINYMETER_LOG_LEVEL", "info"), "log level")
	)
	flag.Parse()

	if *meters <= 0 || *areas <= 0 {
		return errors.New("meters and areas must be positive")
	}

	log, err := logging.New(logging.Config{Level: *logLevel, Format: "console"})
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	c, err := client.New(client.Config{Endpoint: *endpoint})
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	fleet := make([]*meter, 0, *meters)
	for i := 0; i < *meters; i++ {
		m := newMeter(i, *areas)
		if err := register(ctx, c, m); err != nil {
			return err
		}
		fleet = append(fleet, m)
	}
	log.Info("simulator started",
		zap.String("endpoint", *endpoint),
		zap.Int("meters", len(fleet)),
		zap.Duration("interval", *interval),
	)

	simulate(ctx, c, fleet, *interval, log)
	log.Info("simulator stopped")
	return nil
}

// register creates the meter account, treating an existing account as success
func register(ctx context.Context, c *client.Client, m *meter) error {
	_, err := c.Register(ctx, account.Account{
		MeterID:      m.id,
		Name:         "Simulated " + m.id,
		Area:         m.area,
		DwellingType: m.dwelling,
	})
	if err != nil && !errors.Is(err, account.ErrAlreadyRegistered) {
		return fmt.Errorf("register %s: %w", m.id, err)
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
