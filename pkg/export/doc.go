// Package export writes stored meter data out as JSON or CSV.
//
// # Datasets
//
//   - readings: raw records of the current period
//   - daily: archived daily rows (last reading of each meter and day)
//   - monthly: monthly summaries produced by the roll-up
//
// JSON exports carry a metadata header (export time, dataset, range, row
// count) followed by the rows. CSV exports have one header line and a fixed
// column set per dataset.
//
// # HTTP API
//
// Export endpoint: GET /v1/export
//
//	curl "http://localhost:8080/v1/export?dataset=daily&format=csv&meter=M1&start=2024-03-01" \
//	  -o march.csv
//
// Exports are read-only; there is no import.
package export
