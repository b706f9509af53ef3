package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/nicktill/tinymeter/pkg/config"
	"github.com/nicktill/tinymeter/pkg/httpx"
	"github.com/nicktill/tinymeter/pkg/reading"
)

// Handler exposes the engine over HTTP. Every route takes the meter from the
// {id} path variable and the window from ?window=&start=&end=.
type Handler struct {
	engine *Engine
}

// NewHandler creates a new usage handler
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// BudgetRequest is the body of PUT /v1/meters/{id}/budget
type BudgetRequest struct {
	LimitKWh *float64 `json:"limit_kwh"`
}

// HandleUsage handles GET /v1/meters/{id}/usage
func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	h.withWindow(w, r, config.DefaultUsageWindow, func(ctx context.Context, meterID string, win Window) (interface{}, error) {
		return h.engine.Usage(ctx, meterID, win)
	})
}

// HandleBreakdown handles GET /v1/meters/{id}/usage/breakdown
func (h *Handler) HandleBreakdown(w http.ResponseWriter, r *http.Request) {
	h.withWindow(w, r, config.DefaultUsageWindow, func(ctx context.Context, meterID string, win Window) (interface{}, error) {
		return h.engine.Breakdown(ctx, meterID, win)
	})
}

// HandleCompare handles GET /v1/meters/{id}/compare
func (h *Handler) HandleCompare(w http.ResponseWriter, r *http.Request) {
	h.withWindow(w, r, config.DefaultUsageWindow, func(ctx context.Context, meterID string, win Window) (interface{}, error) {
		return h.engine.CompareArea(ctx, meterID, win)
	})
}

// HandleBudgetCheck handles GET /v1/meters/{id}/budget/check
func (h *Handler) HandleBudgetCheck(w http.ResponseWriter, r *http.Request) {
	h.withWindow(w, r, WindowThisMonth, func(ctx context.Context, meterID string, win Window) (interface{}, error) {
		return h.engine.CheckBudget(ctx, meterID, win)
	})
}

// HandleGetBudget handles GET /v1/meters/{id}/budget
func (h *Handler) HandleGetBudget(w http.ResponseWriter, r *http.Request) {
	bud, err := h.engine.Budget(mux.Vars(r)["id"])
	if err != nil {
		httpx.RespondFromError(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, bud)
}

// HandlePutBudget handles PUT /v1/meters/{id}/budget
func (h *Handler) HandlePutBudget(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, config.MaxRequestBodySize)

	var req BudgetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("%w: invalid JSON body: %v", reading.ErrMalformedInput, err))
		return
	}
	if req.LimitKWh == nil {
		httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("%w: limit_kwh is required", reading.ErrMalformedInput))
		return
	}

	bud, err := h.engine.SetBudget(r.Context(), mux.Vars(r)["id"], *req.LimitKWh)
	if err != nil {
		httpx.RespondFromError(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, bud)
}

func (h *Handler) withWindow(
	w http.ResponseWriter,
	r *http.Request,
	defaultWindow string,
	fn func(ctx context.Context, meterID string, win Window) (interface{}, error),
) {
	q := r.URL.Query()
	name := q.Get("window")
	if name == "" {
		name = defaultWindow
		if q.Get("start") != "" || q.Get("end") != "" {
			name = WindowCustom
		}
	}

	win, err := h.engine.Window(name, q.Get("start"), q.Get("end"))
	if err != nil {
		httpx.RespondFromError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	result, err := fn(ctx, mux.Vars(r)["id"], win)
	if err != nil {
		httpx.RespondFromError(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, result)
}
