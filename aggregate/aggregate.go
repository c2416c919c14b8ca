// Package aggregate incrementally folds persisted chat messages into per-day
// and per-user word counts.
//
// A cursor row in ingest_offsets marks the highest message sequence already
// counted for each calendar day. Each pass scans messages past the cursor in
// bounded batches and merges token counts into the summary tables with
// additive upserts, advancing the cursor in the same transaction. The cursor
// only moves after commit and counts are summed rather than replaced, so a
// crash between read and commit re-processes at most one batch and never
// skips or double-counts.
package aggregate

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/dixxew/banchostats/backend/db"
	"github.com/dixxew/banchostats/backend/telemetry"
)

// batchSize bounds how many messages one transaction folds in.
var batchSize = 20000

type userWord struct {
	userID string
	lemma  string
}

// StartAggregationJob runs aggregation passes at an interval over a lookback
// window of recent UTC days (lookbackDays back through today).
func StartAggregationJob(ctx context.Context, dbc *sql.DB, interval time.Duration, lookbackDays int) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	slog.Info("aggregation job starting", slog.Duration("interval", interval), slog.Int("lookback_days", lookbackDays))
	// Kick an immediate run so we don't wait a full interval after boot.
	if err := aggregateOnce(ctx, dbc, lookbackDays); err != nil {
		slog.Warn("aggregate once", slog.Any("err", err))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("aggregation job stopped")
			return
		case <-ticker.C:
			if err := aggregateOnce(ctx, dbc, lookbackDays); err != nil {
				slog.Warn("aggregate once", slog.Any("err", err))
			}
		}
	}
}

// aggregateOnce processes each day in the lookback window. A failing day is
// logged and does not block the others.
func aggregateOnce(ctx context.Context, dbc *sql.DB, lookbackDays int) error {
	db.TouchJobHeartbeat(ctx, dbc, "aggregate")
	today := time.Now().UTC().Truncate(24 * time.Hour)
	for i := lookbackDays; i >= 0; i-- {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		day := today.AddDate(0, 0, -i)
		if err := processDay(ctx, dbc, day); err != nil {
			slog.Warn("aggregation day failed", slog.Time("day", day), slog.Any("err", err), slog.String("component", "aggregate"))
		}
	}
	return nil
}

// processDay drains the day's unprocessed messages batch by batch until a
// short batch signals the day is exhausted for now.
func processDay(ctx context.Context, dbc *sql.DB, day time.Time) error {
	from := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 1)

	var lastSeq int64
	err := dbc.QueryRowContext(ctx, `SELECT last_seq FROM ingest_offsets WHERE day=$1::date`, from).Scan(&lastSeq)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("read ingest offset: %w", err)
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, batchLast, err := processBatch(ctx, dbc, from, to, lastSeq)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		lastSeq = batchLast
		if n < batchSize {
			return nil
		}
	}
}

// processBatch reads one batch past the cursor, tokenizes, and commits the
// count merge plus the cursor advance in a single transaction.
func processBatch(ctx context.Context, dbc *sql.DB, from, to time.Time, afterSeq int64) (int, int64, error) {
	start := time.Now()
	rows, err := dbc.QueryContext(ctx,
		`SELECT seq, text, user_id FROM messages
		 WHERE date >= $1 AND date < $2 AND seq > $3
		 ORDER BY seq ASC
		 LIMIT $4`,
		from, to, afterSeq, batchSize)
	if err != nil {
		return 0, 0, fmt.Errorf("select messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	dayCounts := make(map[string]int64)
	userCounts := make(map[userWord]int64)
	var n int
	var lastSeq int64
	var tokens int64
	for rows.Next() {
		var seq int64
		var text, userID string
		if err := rows.Scan(&seq, &text, &userID); err != nil {
			return 0, 0, fmt.Errorf("scan message: %w", err)
		}
		for _, w := range Tokenize(text) {
			dayCounts[w]++
			userCounts[userWord{userID: userID, lemma: w}]++
			tokens++
		}
		lastSeq = seq
		n++
	}
	if err := rows.Err(); err != nil {
		return 0, 0, fmt.Errorf("iterate messages: %w", err)
	}
	if n == 0 {
		return 0, afterSeq, nil
	}

	tx, err := dbc.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if len(dayCounts) > 0 {
		if err := mergeCounts(ctx, tx, from, dayCounts, userCounts); err != nil {
			return 0, 0, err
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ingest_offsets (day, last_seq, updated_at) VALUES ($1::date, $2, NOW())
		 ON CONFLICT (day) DO UPDATE SET last_seq = GREATEST(ingest_offsets.last_seq, EXCLUDED.last_seq), updated_at = NOW()`,
		from, lastSeq); err != nil {
		return 0, 0, fmt.Errorf("advance ingest offset: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit aggregation batch: %w", err)
	}

	if telemetry.AggBatches != nil {
		telemetry.AggBatches.Inc()
		telemetry.AggTokens.Add(float64(tokens))
		telemetry.AggBatchDuration.Observe(time.Since(start).Seconds())
	}
	slog.Debug("aggregation batch committed",
		slog.Time("day", from), slog.Int("messages", n), slog.Int64("tokens", tokens),
		slog.Int64("last_seq", lastSeq), slog.String("component", "aggregate"))
	return n, lastSeq, nil
}

// mergeCounts upserts the batch's maps set-based: one statement per table via
// unnest arrays, summing into existing counters.
func mergeCounts(ctx context.Context, tx *sql.Tx, day time.Time, dayCounts map[string]int64, userCounts map[userWord]int64) error {
	lemmaSet := make(map[string]struct{}, len(dayCounts))
	for w := range dayCounts {
		lemmaSet[w] = struct{}{}
	}
	for uw := range userCounts {
		lemmaSet[uw.lemma] = struct{}{}
	}
	lemmas := make([]string, 0, len(lemmaSet))
	for w := range lemmaSet {
		lemmas = append(lemmas, w)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO words (lemma) SELECT x FROM unnest($1::text[]) AS x
		 ON CONFLICT (lemma) DO NOTHING`, lemmas); err != nil {
		return fmt.Errorf("insert words: %w", err)
	}

	wordIDs := make(map[string]int64, len(lemmas))
	rows, err := tx.QueryContext(ctx, `SELECT id, lemma FROM words WHERE lemma = ANY($1)`, lemmas)
	if err != nil {
		return fmt.Errorf("map lemmas: %w", err)
	}
	for rows.Next() {
		var id int64
		var lemma string
		if err := rows.Scan(&id, &lemma); err != nil {
			_ = rows.Close()
			return fmt.Errorf("scan word id: %w", err)
		}
		wordIDs[lemma] = id
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate word ids: %w", err)
	}

	dayWids := make([]int64, 0, len(dayCounts))
	dayCnts := make([]int64, 0, len(dayCounts))
	for w, c := range dayCounts {
		dayWids = append(dayWids, wordIDs[w])
		dayCnts = append(dayCnts, c)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO word_days (day, word_id, cnt)
		 SELECT $1::date, wid, c FROM unnest($2::bigint[], $3::bigint[]) AS t(wid, c)
		 ON CONFLICT (day, word_id) DO UPDATE SET cnt = word_days.cnt + EXCLUDED.cnt`,
		day, dayWids, dayCnts); err != nil {
		return fmt.Errorf("merge word_days: %w", err)
	}

	if len(userCounts) > 0 {
		uids := make([]string, 0, len(userCounts))
		uWids := make([]int64, 0, len(userCounts))
		uCnts := make([]int64, 0, len(userCounts))
		for uw, c := range userCounts {
			uids = append(uids, uw.userID)
			uWids = append(uWids, wordIDs[uw.lemma])
			uCnts = append(uCnts, c)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO word_users (user_id, word_id, cnt)
			 SELECT u::uuid, wid, c FROM unnest($1::text[], $2::bigint[], $3::bigint[]) AS t(u, wid, c)
			 ON CONFLICT (user_id, word_id) DO UPDATE SET cnt = word_users.cnt + EXCLUDED.cnt`,
			uids, uWids, uCnts); err != nil {
			return fmt.Errorf("merge word_users: %w", err)
		}
	}
	return nil
}
