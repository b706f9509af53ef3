package export

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/nicktill/tinymeter/pkg/config"
	"github.com/nicktill/tinymeter/pkg/httpx"
	"github.com/nicktill/tinymeter/pkg/reading"
	"github.com/nicktill/tinymeter/pkg/storage"
)

// Handler handles export HTTP endpoints
type Handler struct {
	exporter *Exporter
	clock    clockwork.Clock
	loc      *time.Location
	log      *zap.Logger
}

// NewHandler creates a new export handler
func NewHandler(store storage.Storage, clock clockwork.Clock, loc *time.Location, log *zap.Logger) *Handler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if loc == nil {
		loc = time.Local
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		exporter: NewExporter(store, clock, loc),
		clock:    clock,
		loc:      loc,
		log:      log.Named("export"),
	}
}

// HandleExport handles GET /v1/export
// Query params:
//   - dataset: "readings", "daily" or "monthly" (default: daily)
//   - format: "json" or "csv" (default: json)
//   - meter: meter ID filter (optional)
//   - start: timestamp or YYYY-MM-DD (default: end - DefaultExportWindow)
//   - end: timestamp or YYYY-MM-DD (default: now)
func (h *Handler) HandleExport(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	dataset, err := ParseDataset(query.Get("dataset"))
	if err != nil {
		httpx.RespondFromError(w, err)
		return
	}

	format := query.Get("format")
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "csv" {
		httpx.RespondErrorString(w, http.StatusBadRequest, "Invalid format. Must be 'json' or 'csv'")
		return
	}

	end, err := h.parseTimeParam(query.Get("end"), h.clock.Now())
	if err != nil {
		httpx.RespondFromError(w, err)
		return
	}
	start, err := h.parseTimeParam(query.Get("start"), end.Add(-config.DefaultExportWindow))
	if err != nil {
		httpx.RespondFromError(w, err)
		return
	}
	if end.Before(start) {
		httpx.RespondFromError(w, fmt.Errorf("%w: start must not be after end", reading.ErrInvalidRange))
		return
	}
	if end.Sub(start) > config.MaxExportWindow {
		httpx.RespondErrorString(w, http.StatusBadRequest,
			fmt.Sprintf("Time range too large. Maximum is %v", config.MaxExportWindow))
		return
	}

	opts := ExportOptions{
		Dataset: dataset,
		MeterID: query.Get("meter"),
		Start:   start,
		End:     end,
		Format:  format,
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.ExportTimeout)
	defer cancel()

	// Load before writing headers so errors still map to a status
	t, err := h.exporter.load(ctx, opts)
	if err != nil {
		httpx.RespondFromError(w, err)
		return
	}

	timestamp := h.clock.Now().Format("20060102-150405")
	filename := fmt.Sprintf("tinymeter-%s-%s.%s", dataset, timestamp, format)
	if format == "json" {
		w.Header().Set("Content-Type", "application/json")
	} else {
		w.Header().Set("Content-Type", "text/csv")
	}
	w.Header().Set("Content-Disposition", "attachment; filename="+filename)

	var result *ExportResult
	if format == "json" {
		result, err = h.exporter.writeJSON(w, opts, t)
	} else {
		result, err = h.exporter.writeCSV(w, opts, t)
	}
	if err != nil {
		h.log.Error("export failed", zap.String("dataset", string(dataset)), zap.Error(err))
		return
	}

	h.log.Info("export completed",
		zap.String("dataset", string(dataset)),
		zap.String("format", format),
		zap.Int("rows", result.Rows),
		zap.String("range", result.TimeRange),
	)
}

// parseTimeParam parses a time parameter or returns def when empty
func (h *Handler) parseTimeParam(param string, def time.Time) (time.Time, error) {
	if param == "" {
		return def, nil
	}
	if d, err := time.ParseInLocation(reading.DateLayout, param, h.loc); err == nil {
		return d, nil
	}
	return reading.ParseTimestamp(param, h.loc)
}
