/*
Package archive closes accounting periods.

# What Archival Does

Raw readings accumulate in the reading store for the current period. Once a
day, inside the maintenance window, the archiver folds them into one daily row
per (meter, calendar date) and resets the store:

	raw period                          daily rows
	M1 2024-03-05 10:00  5.0            M1 2024-03-05  8.0  (3 samples)
	M1 2024-03-05 11:00  8.0      →     M2 2024-03-05  2.1  (1 sample)
	M1 2024-03-05 12:00  8.0
	M2 2024-03-05 09:15  2.1

A daily row keeps the last reading of the day by timestamp. When several
records share that timestamp, the one inserted last wins.

# Atomicity

	snapshot → group → write rows → truncate

All four steps run while holding storage.Guard's exclusive lock, so the writer
cannot append in between. Truncate only runs after the rows are durable:

  - rows fail to write: ErrArchivalIntegrity, raw data kept, retried next tick
  - truncate fails: ErrStorageFailure, rows and raw data both kept; the next
    run rewrites the same rows (same key, same timestamp) and truncates

Rows are never deleted by archival.

# Monthly Roll-up

On the first day of a month the scheduler calls RollupMonth for the previous
month. It reads that month's daily rows and writes one summary per meter with
the opening reading, closing reading, clamped usage and day count.

# Usage Example

	guard := storage.NewGuard(store)
	arch := archive.New(guard, archive.Config{Location: loc, Logger: log})

	res, err := arch.Archive(ctx)
	if err != nil {
	    // raw data is intact; try again later
	}
	log.Info("archived", zap.Int("rows", res.Rows))

	_, err = arch.RollupMonth(ctx, "2024-02")
*/
package archive
