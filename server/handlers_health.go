package server

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// aggregateStaleAfter is how stale the aggregation heartbeat may get before
// the service reports not ready.
const aggregateStaleAfter = 5 * time.Minute

// HandleHealthz responds to liveness probe requests by checking database connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.db.PingContext(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probe requests with detailed system checks.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error { return h.db.PingContext(r.Context()) }},
		{"aggregation", func() error {
			var raw string
			err := h.db.QueryRowContext(r.Context(),
				"SELECT value FROM kv WHERE key='job_aggregate_last'").Scan(&raw)
			if err == sql.ErrNoRows {
				// Not started yet; fine right after boot.
				return nil
			}
			if err != nil {
				return err
			}
			ts, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return fmt.Errorf("bad heartbeat value %q", raw)
			}
			if time.Since(ts) > aggregateStaleAfter {
				return fmt.Errorf("aggregation heartbeat stale (%s)", time.Since(ts).Truncate(time.Second))
			}
			return nil
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}
