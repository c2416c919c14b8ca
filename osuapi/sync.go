package osuapi

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"time"

	"github.com/dixxew/banchostats/backend/db"
)

const (
	syncBatchSize = 50
	// staleAfter is how old osu! metadata may get before a row is re-synced.
	staleAfter = 24 * time.Hour
)

// Fetcher abstracts the API call for tests.
type Fetcher interface {
	GetUser(ctx context.Context, id int64) (*User, error)
}

// StartUserSyncJob periodically enriches chat_users rows with osu! profile
// metadata (country, rename history from previous_usernames).
func StartUserSyncJob(ctx context.Context, dbc *sql.DB, api Fetcher, interval time.Duration) {
	if interval <= 0 {
		interval = 20 * time.Second
	}
	slog.Info("osu user sync job starting", slog.Duration("interval", interval))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("osu user sync job stopped")
			return
		case <-ticker.C:
			if err := syncOnce(ctx, dbc, api); err != nil {
				slog.Warn("user sync once", slog.Any("err", err))
			}
		}
	}
}

func syncOnce(ctx context.Context, dbc *sql.DB, api Fetcher) error {
	db.TouchJobHeartbeat(ctx, dbc, "user_sync")
	rows, err := dbc.QueryContext(ctx,
		`SELECT id, osu_user_id FROM chat_users
		 WHERE osu_user_id IS NOT NULL
		   AND (osu_synced_at IS NULL OR osu_synced_at < NOW() - $1::interval)
		 ORDER BY last_message_at DESC NULLS LAST
		 LIMIT $2`,
		staleAfter.String(), syncBatchSize)
	if err != nil {
		return err
	}
	type row struct {
		userID string
		osuID  int64
	}
	var todo []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.userID, &r.osuID); err != nil {
			_ = rows.Close()
			return err
		}
		todo = append(todo, r)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, r := range todo {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		u, err := api.GetUser(ctx, r.osuID)
		if err != nil {
			slog.Warn("osu user fetch failed", slog.Int64("osu_user_id", r.osuID), slog.Any("err", err))
			continue
		}
		if u == nil {
			// Deleted/restricted account: mark synced so we don't hammer the API.
			_, _ = dbc.ExecContext(ctx, `UPDATE chat_users SET osu_synced_at=NOW() WHERE id=$1`, r.userID)
			continue
		}
		if err := applyUser(ctx, dbc, r.userID, u); err != nil {
			slog.Warn("osu user apply failed", slog.Int64("osu_user_id", r.osuID), slog.Any("err", err))
		}
	}
	return nil
}

func applyUser(ctx context.Context, dbc *sql.DB, userID string, u *User) error {
	if _, err := dbc.ExecContext(ctx,
		`UPDATE chat_users SET country_code=$1, osu_synced_at=NOW() WHERE id=$2`,
		u.CountryCode, userID); err != nil {
		return err
	}
	if len(u.PreviousUsernames) == 0 {
		return nil
	}
	existing := make(map[string]struct{})
	rows, err := dbc.QueryContext(ctx,
		`SELECT nickname FROM chat_user_nick_history WHERE chat_user_id=$1`, userID)
	if err != nil {
		return err
	}
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			_ = rows.Close()
			return err
		}
		existing[strings.ToLower(n)] = struct{}{}
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, nick := range u.PreviousUsernames {
		if _, ok := existing[strings.ToLower(nick)]; ok {
			continue
		}
		if _, err := dbc.ExecContext(ctx,
			`INSERT INTO chat_user_nick_history (chat_user_id, nickname) VALUES ($1,$2)`,
			userID, nick); err != nil {
			return err
		}
	}
	return nil
}
