package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nicktill/tinymeter/pkg/config"
	"github.com/nicktill/tinymeter/pkg/export"
	"github.com/nicktill/tinymeter/pkg/httpx"
	"github.com/nicktill/tinymeter/pkg/ingest"
	"github.com/nicktill/tinymeter/pkg/maintenance"
	"github.com/nicktill/tinymeter/pkg/server/monitor"
	"github.com/nicktill/tinymeter/pkg/storage"
	"github.com/nicktill/tinymeter/pkg/telemetry"
	"github.com/nicktill/tinymeter/pkg/usage"
	"github.com/nicktill/tinymeter/pkg/writer"
)

var startTime = time.Now()

// StorageUsage represents current storage usage stats.
type StorageUsage struct {
	UsedBytes int64 `json:"used_bytes"`
	MaxBytes  int64 `json:"max_bytes"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status      string                 `json:"status"`
	Version     string                 `json:"version"`
	Uptime      string                 `json:"uptime"`
	Maintenance maintenance.Status     `json:"maintenance"`
	Archival    monitor.ArchivalStatus `json:"archival"`
	Writer      writer.Stats           `json:"writer"`
}

// StatsResponse reports pipeline counters
type StatsResponse struct {
	Storage     *storage.Stats     `json:"storage"`
	Writer      writer.Stats       `json:"writer"`
	Maintenance maintenance.Status `json:"maintenance"`
	PeriodStart *time.Time         `json:"period_start,omitempty"`
}

// Handlers groups what SetupRoutes mounts
type Handlers struct {
	Ingest   *ingest.Handler
	Usage    *usage.Handler
	Export   *export.Handler
	Accounts *AccountsHandler
	Status   *App
	Hub      *ingest.ReadingsHub
	Log      *zap.Logger
}

// handleHealth returns service health status. Archival failing repeatedly or
// going stale reports degraded with 503.
func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	archival := a.ArchivalMonitor.Status()

	overallStatus := "healthy"
	statusCode := http.StatusOK
	if !archival.Healthy {
		overallStatus = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	httpx.RespondJSON(w, statusCode, HealthResponse{
		Status:      overallStatus,
		Version:     "1.0.0",
		Uptime:      time.Since(startTime).Round(time.Second).String(),
		Maintenance: a.Scheduler.Status(),
		Archival:    archival,
		Writer:      a.Writer.Stats(),
	})
}

// handleStorageUsage returns current data-dir usage.
func (a *App) handleStorageUsage(w http.ResponseWriter, r *http.Request) {
	usedBytes, err := a.StorageMonitor.GetUsage()
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}

	httpx.RespondJSON(w, http.StatusOK, StorageUsage{
		UsedBytes: usedBytes,
		MaxBytes:  a.StorageMonitor.GetLimit(),
	})
}

// handleStats returns store, writer and scheduler counters.
func (a *App) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), config.StatsTimeout)
	defer cancel()

	st, err := a.Store.Stats(ctx)
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}

	resp := StatsResponse{
		Storage:     st,
		Writer:      a.Writer.Stats(),
		Maintenance: a.Scheduler.Status(),
	}
	if ps := a.Archiver.PeriodStart(); !ps.IsZero() {
		resp.PeriodStart = &ps
	}
	httpx.RespondJSON(w, http.StatusOK, resp)
}

// SetupRoutes configures all HTTP routes for the server.
func SetupRoutes(router *mux.Router, h Handlers, port string) {
	router.Use(corsMiddleware(port))
	router.Use(telemetry.Middleware(h.Log))

	api := router.PathPrefix("/v1").Subrouter()

	// Ingestion
	api.HandleFunc("/readings", h.Ingest.HandleSubmit).Methods("POST")

	// Accounts
	api.HandleFunc("/meters", h.Accounts.HandleRegister).Methods("POST")
	api.HandleFunc("/meters", h.Accounts.HandleList).Methods("GET")
	api.HandleFunc("/meters/{id}", h.Accounts.HandleGet).Methods("GET")
	api.HandleFunc("/meters/{id}/latest", h.Accounts.HandleLatest).Methods("GET")

	// Usage queries
	api.HandleFunc("/meters/{id}/usage", h.Usage.HandleUsage).Methods("GET")
	api.HandleFunc("/meters/{id}/usage/breakdown", h.Usage.HandleBreakdown).Methods("GET")
	api.HandleFunc("/meters/{id}/compare", h.Usage.HandleCompare).Methods("GET")
	api.HandleFunc("/meters/{id}/budget", h.Usage.HandleGetBudget).Methods("GET")
	api.HandleFunc("/meters/{id}/budget", h.Usage.HandlePutBudget).Methods("PUT")
	api.HandleFunc("/meters/{id}/budget/check", h.Usage.HandleBudgetCheck).Methods("GET")

	// Export
	api.HandleFunc("/export", h.Export.HandleExport).Methods("GET")

	// Operations
	api.HandleFunc("/stats", h.Status.handleStats).Methods("GET")
	api.HandleFunc("/storage", h.Status.handleStorageUsage).Methods("GET")
	api.HandleFunc("/health", h.Status.handleHealth).Methods("GET")

	// WebSocket for persisted readings
	api.HandleFunc("/ws", h.Hub.HandleWebSocket).Methods("GET")

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
}

// corsMiddleware creates CORS middleware that restricts to localhost origins only.
func corsMiddleware(port string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowedOrigins := []string{
				"http://localhost:" + port,
				"http://127.0.0.1:" + port,
				"http://localhost:3000",
				"http://127.0.0.1:3000",
			}

			allowed := false
			for _, allowedOrigin := range allowedOrigins {
				if origin == allowedOrigin {
					allowed = true
					break
				}
			}

			// Only set CORS headers for allowed origins
			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
