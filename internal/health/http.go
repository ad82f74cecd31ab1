package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Reporter is what the HTTP endpoints need from a Manager
type Reporter interface {
	Run(ctx context.Context) Report
	Cached() Report
	Live() bool
}

// HTTPHandler serves the health endpoints
type HTTPHandler struct {
	reporter Reporter
	logger   *zap.Logger
}

// NewHTTPHandler creates the handler
func NewHTTPHandler(reporter Reporter, logger *zap.Logger) *HTTPHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPHandler{reporter: reporter, logger: logger}
}

// RegisterRoutes mounts /health, /health/ready, /health/live and /health/detailed
func (h *HTTPHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.overall)
	mux.HandleFunc("GET /health/ready", h.ready)
	mux.HandleFunc("GET /health/live", h.live)
	mux.HandleFunc("GET /health/detailed", h.detailed)
}

func (h *HTTPHandler) overall(w http.ResponseWriter, r *http.Request) {
	report := h.reporter.Run(r.Context())
	report.Components = nil
	h.write(w, statusCode(report.Status), report)
}

// ready answers the orchestrator's readiness probe: 503 while a critical
// dependency is down so traffic is routed elsewhere.
func (h *HTTPHandler) ready(w http.ResponseWriter, r *http.Request) {
	report := h.reporter.Run(r.Context())
	body := map[string]interface{}{
		"status":     "ready",
		"ready":      report.Ready,
		"checked_at": report.CheckedAt,
	}
	code := http.StatusOK
	if !report.Ready {
		code = http.StatusServiceUnavailable
		body["status"] = "not ready"
		body["failing"] = report.Failing()
	}
	h.write(w, code, body)
}

func (h *HTTPHandler) live(w http.ResponseWriter, r *http.Request) {
	code, status := http.StatusOK, "alive"
	if !h.reporter.Live() {
		code, status = http.StatusServiceUnavailable, "not alive"
	}
	h.write(w, code, map[string]interface{}{"status": status, "live": code == http.StatusOK, "timestamp": time.Now().UTC()})
}

// detailed returns per-component results. ?cached=true answers from the
// latest round without probing anything.
func (h *HTTPHandler) detailed(w http.ResponseWriter, r *http.Request) {
	var report Report
	if r.URL.Query().Get("cached") == "true" {
		report = h.reporter.Cached()
	} else {
		report = h.reporter.Run(r.Context())
	}
	h.write(w, statusCode(report.Status), report)
}

func statusCode(s CheckStatus) int {
	switch s {
	case StatusHealthy, StatusDegraded:
		return http.StatusOK
	default:
		return http.StatusServiceUnavailable
	}
}

func (h *HTTPHandler) write(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode health response", zap.Error(err))
	}
}
