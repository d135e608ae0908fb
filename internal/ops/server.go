// Package ops exposes the worker's operational HTTP surface: liveness,
// leadership-aware readiness and Prometheus metrics.
package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/you/inboxd/internal/metrics"
	"github.com/you/inboxd/internal/poller"
)

// Pinger checks database connectivity, satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Router builds the ops router for one poll loop.
func Router(loop *poller.Loop, db Pinger, m *metrics.Collector) chi.Router {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
		defer cancel()
		if err := db.Ping(ctx); err != nil {
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// Readiness reflects the loop state, not leadership alone: a follower is
	// still a ready standby.
	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		state := loop.State()
		code := http.StatusOK
		if state == poller.StateStopping || state == poller.StateStopped {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"state":  state.String(),
			"leader": state == poller.StateLeading,
		})
	})

	r.Method(http.MethodGet, "/metrics", m.Handler())

	return r
}
