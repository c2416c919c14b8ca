package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dixxew/banchostats/backend/telemetry"
)

const (
	defaultTopLimit = 50
	maxTopLimit     = 500
)

type wordCount struct {
	Word  string `json:"word"`
	Count int64  `json:"count"`
}

// HandleTopWords returns the most frequent words over a day range.
// Query params: from, to (YYYY-MM-DD, default: last 7 days), limit.
func (h *Handlers) HandleTopWords(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	from, to, err := parseDayRange(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	limit := parseLimit(r)

	rows, err := h.db.QueryContext(ctx,
		`SELECT w.lemma, SUM(wd.cnt) AS total
		 FROM word_days wd JOIN words w ON w.id = wd.word_id
		 WHERE wd.day >= $1::date AND wd.day <= $2::date
		 GROUP BY w.lemma
		 ORDER BY total DESC, w.lemma ASC
		 LIMIT $3`, from, to, limit)
	if err != nil {
		telemetry.LoggerWithCorr(ctx).Error("top words query", slog.Any("err", err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer func() { _ = rows.Close() }()

	out := make([]wordCount, 0, limit)
	for rows.Next() {
		var wc wordCount
		if err := rows.Scan(&wc.Word, &wc.Count); err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		out = append(out, wc)
	}
	if err := rows.Err(); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"from": from, "to": to, "words": out,
	})
}

// HandleUsersDispatcher routes /users/{nick}/words.
func (h *Handlers) HandleUsersDispatcher(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/users/")
	parts := strings.Split(rest, "/")
	if len(parts) == 2 && parts[1] == "words" && parts[0] != "" {
		h.handleUserWords(w, r, parts[0])
		return
	}
	http.NotFound(w, r)
}

// handleUserWords returns a user's all-time word counts, most frequent first.
// The nick matches the current nickname or any recorded previous one.
func (h *Handlers) handleUserWords(w http.ResponseWriter, r *http.Request, nick string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	limit := parseLimit(r)

	var userID string
	err := h.db.QueryRowContext(ctx,
		`SELECT id FROM chat_users WHERE LOWER(nickname)=LOWER($1)
		 UNION
		 SELECT chat_user_id FROM chat_user_nick_history WHERE LOWER(nickname)=LOWER($1)
		 LIMIT 1`, nick).Scan(&userID)
	if err != nil {
		http.Error(w, "user not found", http.StatusNotFound)
		return
	}

	rows, err := h.db.QueryContext(ctx,
		`SELECT w.lemma, wu.cnt
		 FROM word_users wu JOIN words w ON w.id = wu.word_id
		 WHERE wu.user_id = $1::uuid
		 ORDER BY wu.cnt DESC, w.lemma ASC
		 LIMIT $2`, userID, limit)
	if err != nil {
		telemetry.LoggerWithCorr(ctx).Error("user words query", slog.Any("err", err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer func() { _ = rows.Close() }()

	out := make([]wordCount, 0, limit)
	for rows.Next() {
		var wc wordCount
		if err := rows.Scan(&wc.Word, &wc.Count); err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		out = append(out, wc)
	}
	if err := rows.Err(); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"nick": nick, "words": out,
	})
}

func parseDayRange(r *http.Request) (string, string, error) {
	now := time.Now().UTC()
	from := now.AddDate(0, 0, -7).Format("2006-01-02")
	to := now.Format("2006-01-02")
	if v := r.URL.Query().Get("from"); v != "" {
		if _, err := time.Parse("2006-01-02", v); err != nil {
			return "", "", errBadDay("from", v)
		}
		from = v
	}
	if v := r.URL.Query().Get("to"); v != "" {
		if _, err := time.Parse("2006-01-02", v); err != nil {
			return "", "", errBadDay("to", v)
		}
		to = v
	}
	return from, to, nil
}

type badDayError struct{ param, value string }

func (e badDayError) Error() string {
	return "invalid " + e.param + " date: " + e.value + " (want YYYY-MM-DD)"
}

func errBadDay(param, value string) error { return badDayError{param: param, value: value} }

func parseLimit(r *http.Request) int {
	limit := defaultTopLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxTopLimit {
		limit = maxTopLimit
	}
	return limit
}
