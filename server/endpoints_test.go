package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/dixxew/banchostats/backend/testutil"
)

func seedWordDay(t *testing.T, db *sql.DB, day time.Time, lemma string, cnt int64) {
	t.Helper()
	ctx := context.Background()
	var wordID int64
	err := db.QueryRowContext(ctx,
		`INSERT INTO words (lemma) VALUES ($1)
		 ON CONFLICT (lemma) DO UPDATE SET lemma=EXCLUDED.lemma
		 RETURNING id`, lemma).Scan(&wordID)
	if err != nil {
		t.Fatalf("seed word: %v", err)
	}
	if _, err := db.ExecContext(ctx,
		`INSERT INTO word_days (day, word_id, cnt) VALUES ($1::date,$2,$3)
		 ON CONFLICT (day, word_id) DO UPDATE SET cnt=EXCLUDED.cnt`, day, wordID, cnt); err != nil {
		t.Fatalf("seed word_days: %v", err)
	}
}

func TestHealthz(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := httptest.NewServer(NewMux(ctx, db))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if resp.Header.Get("X-Correlation-ID") == "" {
		t.Error("responses should carry a correlation id")
	}
}

func TestReadyz(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := httptest.NewServer(NewMux(ctx, db))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	defer resp.Body.Close()
	// No heartbeat row yet counts as ready (fresh boot).
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ready" {
		t.Errorf("status = %q, want ready", body["status"])
	}
}

func TestStatusEndpoint(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := httptest.NewServer(NewMux(ctx, db))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Messages < 0 || body.GeneratedAt.IsZero() {
		t.Errorf("implausible status payload: %+v", body)
	}
}

func TestTopWords(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	day := time.Date(2002, 4, 5, 0, 0, 0, 0, time.UTC)
	first := "topword" + uuid.NewString()[:8]
	second := "topword" + uuid.NewString()[:8]
	seedWordDay(t, db, day, first, 10)
	seedWordDay(t, db, day, second, 3)

	srv := httptest.NewServer(NewMux(ctx, db))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/words/top?from=2002-04-05&to=2002-04-05&limit=10")
	if err != nil {
		t.Fatalf("GET /words/top: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Words []wordCount `json:"words"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Words) != 2 {
		t.Fatalf("got %d words, want 2", len(body.Words))
	}
	if body.Words[0].Word != first || body.Words[0].Count != 10 {
		t.Errorf("top entry = %+v, want %s/10", body.Words[0], first)
	}
}

func TestTopWordsRejectsBadDate(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := httptest.NewServer(NewMux(ctx, db))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/words/top?from=yesterday")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestUserWords(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	nick := "statuser" + uuid.NewString()[:8]
	userID := uuid.NewString()
	if _, err := db.ExecContext(ctx,
		`INSERT INTO chat_users (id, osu_user_id, nickname) VALUES ($1,$2,$3)`,
		userID, time.Now().UnixNano(), nick); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	lemma := "userword" + uuid.NewString()[:8]
	var wordID int64
	if err := db.QueryRowContext(ctx,
		`INSERT INTO words (lemma) VALUES ($1) RETURNING id`, lemma).Scan(&wordID); err != nil {
		t.Fatalf("seed word: %v", err)
	}
	if _, err := db.ExecContext(ctx,
		`INSERT INTO word_users (user_id, word_id, cnt) VALUES ($1::uuid,$2,$3)`,
		userID, wordID, 7); err != nil {
		t.Fatalf("seed word_users: %v", err)
	}

	srv := httptest.NewServer(NewMux(ctx, db))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/users/" + nick + "/words")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Words []wordCount `json:"words"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Words) != 1 || body.Words[0].Word != lemma || body.Words[0].Count != 7 {
		t.Errorf("user words = %+v, want [%s/7]", body.Words, lemma)
	}
}

func TestUserWordsUnknownNick(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := httptest.NewServer(NewMux(ctx, db))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/users/definitely-not-a-user-" + uuid.NewString() + "/words")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}
