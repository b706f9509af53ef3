/*
Package storage provides the pluggable persistence abstraction for tinymeter.

# Storage Interface

Two record families live behind one interface:
  - raw readings of the current accounting period (Append, ReadAll, Truncate, Query)
  - archived rows that are kept indefinitely (daily aggregates, monthly summaries)

Backends:
  - memory: slices and maps, for tests and ephemeral runs
  - badger: BadgerDB (LSM tree + Snappy compression) for persistent storage

# Period Guard

Only the asynchronous writer and the archiver mutate storage, and both do it
through a Guard:

	guard := storage.NewGuard(store)

	// writer
	err := guard.Append(ctx, rec)

	// archiver
	err := guard.Exclusive(ctx, func(ctx context.Context, s storage.Storage) error {
	    recs, err := s.ReadAll(ctx)
	    ...
	    return s.Truncate(ctx)
	})

Readers (usage queries, export, stats) call guard.Storage() and never block
archival. Backends must therefore tolerate concurrent reads and appends on
their own.

# Replacement Rule

AppendAggregates and AppendMonthly never remove rows. A row for an existing
(meter, date) or (meter, month) key replaces the stored one when its
LastTimestamp is the same or newer. Re-running an archival that crashed after
writing aggregates but before truncating therefore converges on the same rows.

# Usage Example

	store, err := badger.New(badger.Config{Path: "./data"})
	if err != nil {
	    log.Fatal(err)
	}
	defer store.Close()

	recs, err := store.Query(ctx, storage.QueryRequest{
	    MeterID: "M1",
	    Start:   time.Now().Add(-1 * time.Hour),
	    End:     time.Now(),
	})

	rows, err := store.ReadAggregates(ctx, storage.AggregateFilter{
	    MeterID: "M1",
	    From:    "2024-03-01",
	    To:      "2024-03-31",
	})
*/
package storage
