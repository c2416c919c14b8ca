package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/dixxew/banchostats/backend/telemetry"
)

type statusResponse struct {
	Messages      int64             `json:"messages"`
	Users         int64             `json:"users"`
	Words         int64             `json:"words"`
	IngestOffsets map[string]int64  `json:"ingest_offsets"`
	Jobs          map[string]string `json:"jobs"`
	GeneratedAt   time.Time         `json:"generated_at"`
}

// HandleStatus reports pipeline counters: totals, per-day aggregation cursors,
// and background job heartbeats.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	resp := statusResponse{
		IngestOffsets: map[string]int64{},
		Jobs:          map[string]string{},
		GeneratedAt:   time.Now().UTC(),
	}

	counts := []struct {
		query string
		dst   *int64
	}{
		{`SELECT COUNT(*) FROM messages`, &resp.Messages},
		{`SELECT COUNT(*) FROM chat_users`, &resp.Users},
		{`SELECT COUNT(*) FROM words`, &resp.Words},
	}
	for _, c := range counts {
		if err := h.db.QueryRowContext(ctx, c.query).Scan(c.dst); err != nil {
			telemetry.LoggerWithCorr(ctx).Error("status count query", slog.Any("err", err))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
	}

	rows, err := h.db.QueryContext(ctx,
		`SELECT day, last_seq FROM ingest_offsets ORDER BY day DESC LIMIT 14`)
	if err != nil {
		telemetry.LoggerWithCorr(ctx).Error("status offsets query", slog.Any("err", err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	for rows.Next() {
		var day time.Time
		var seq int64
		if err := rows.Scan(&day, &seq); err != nil {
			_ = rows.Close()
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		resp.IngestOffsets[day.Format("2006-01-02")] = seq
	}
	_ = rows.Close()

	jobRows, err := h.db.QueryContext(ctx,
		`SELECT key, value FROM kv WHERE key LIKE 'job_%_last'`)
	if err == nil {
		for jobRows.Next() {
			var k, v string
			if err := jobRows.Scan(&k, &v); err != nil {
				break
			}
			resp.Jobs[k] = v
		}
		_ = jobRows.Close()
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
