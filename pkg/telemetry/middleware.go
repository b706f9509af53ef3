package telemetry

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// RequestIDHeader carries the request ID in both directions
const RequestIDHeader = "X-Request-ID"

// Middleware records request metrics labelled by mux route template and logs
// each request at debug level (info for 5xx). Requests without an
// X-Request-ID get a fresh one, echoed on the response.
func Middleware(log *zap.Logger) mux.MiddlewareFunc {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("http")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqID := r.Header.Get(RequestIDHeader)
			if reqID == "" {
				reqID = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, reqID)

			rr := &StatusRecorder{ResponseWriter: w, Status: http.StatusOK}
			next.ServeHTTP(rr, r)
			dur := time.Since(start)

			route := routeLabel(r)
			httpRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(rr.Status)).Inc()
			httpRequestDurationSeconds.WithLabelValues(route, r.Method).Observe(dur.Seconds())

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rr.Status),
				zap.Duration("duration", dur),
				zap.String("remote", r.RemoteAddr),
				zap.String("request_id", reqID),
			}
			if rr.Status >= http.StatusInternalServerError {
				log.Info("request", fields...)
			} else {
				log.Debug("request", fields...)
			}
		})
	}
}

func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "other"
}

// StatusRecorder captures the response status
type StatusRecorder struct {
	http.ResponseWriter
	Status      int
	wroteHeader bool
}

func (r *StatusRecorder) WriteHeader(status int) {
	if r.wroteHeader {
		return
	}
	r.Status = status
	r.wroteHeader = true
	r.ResponseWriter.WriteHeader(status)
}

func (r *StatusRecorder) Write(p []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	return r.ResponseWriter.Write(p)
}

// Hijack lets websocket upgrades pass through the recorder
func (r *StatusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.Status = http.StatusSwitchingProtocols
	r.wroteHeader = true
	return h.Hijack()
}

// Flush forwards to the wrapped writer when supported
func (r *StatusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
