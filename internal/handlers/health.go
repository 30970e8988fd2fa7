package handlers

import (
	"context"
	"net/http"
	"time"

	"luna-backend/internal/metrics"
)

type pinger interface {
	Ping(ctx context.Context) error
}

type HealthHandler struct {
	store   pinger
	metrics *metrics.Collector
	live    func() int
}

// NewHealthHandler serves health and metrics. live reports how many sessions
// have a connected client and may be nil.
func NewHealthHandler(store pinger, m *metrics.Collector, live func() int) *HealthHandler {
	return &HealthHandler{store: store, metrics: m, live: live}
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"store":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HealthHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	live := 0
	if h.live != nil {
		live = h.live()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"live_sessions": live,
		"metrics":       h.metrics.Snapshot(),
	})
}
