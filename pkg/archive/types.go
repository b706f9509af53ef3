package archive

import (
	"time"

	"github.com/google/uuid"
)

// Status of an archival or roll-up run
type Status string

const (
	// StatusArchived means rows were written (and, for Archive, the period reset)
	StatusArchived Status = "archived"

	// StatusNoData means there was nothing to archive; nothing changed
	StatusNoData Status = "no_data"
)

// Result describes one Archive call
type Result struct {
	RunID    uuid.UUID     `json:"run_id"`
	Status   Status        `json:"status"`
	Records  int           `json:"records"` // raw records consumed
	Rows     int           `json:"rows"`    // daily rows written
	Meters   int           `json:"meters"`
	Duration time.Duration `json:"duration"`
}

// RollupResult describes one RollupMonth call
type RollupResult struct {
	RunID  uuid.UUID `json:"run_id"`
	Month  string    `json:"month"`
	Status Status    `json:"status"`
	Rows   int       `json:"rows"`
}
