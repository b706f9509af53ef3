package ingest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/nicktill/tinymeter/pkg/config"
	"github.com/nicktill/tinymeter/pkg/httpx"
	"github.com/nicktill/tinymeter/pkg/reading"
)

// SubmitRequest is the body of POST /v1/readings. Reading may be a JSON
// number or a numeric string.
type SubmitRequest struct {
	MeterID string          `json:"meter_id"`
	Time    string          `json:"time"`
	Reading json.RawMessage `json:"reading"`
}

// SubmitResponse acknowledges a queued reading
type SubmitResponse struct {
	Status string         `json:"status"`
	Record reading.Record `json:"record"`
}

// Handler exposes the gateway over HTTP
type Handler struct {
	gateway *Gateway
}

// NewHandler creates a new ingest handler
func NewHandler(gateway *Gateway) *Handler {
	return &Handler{gateway: gateway}
}

// HandleSubmit handles POST /v1/readings. 202 means queued, not persisted.
func (h *Handler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, config.MaxRequestBodySize)

	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("%w: invalid JSON body: %v", reading.ErrMalformedInput, err))
		return
	}

	value, err := parseReading(req.Reading)
	if err != nil {
		httpx.RespondFromError(w, err)
		return
	}

	rec, err := h.gateway.Submit(r.Context(), Submission{
		MeterID: req.MeterID,
		Time:    req.Time,
		Reading: value,
	})
	if err != nil {
		httpx.RespondFromError(w, err)
		return
	}

	httpx.RespondJSON(w, http.StatusAccepted, SubmitResponse{Status: "accepted", Record: rec})
}

func parseReading(raw json.RawMessage) (*float64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var v float64
	if err := json.Unmarshal(raw, &v); err == nil {
		return &v, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("%w: reading must be a number", reading.ErrMalformedInput)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %q is not a number", reading.ErrMalformedInput, s)
	}
	return &v, nil
}
