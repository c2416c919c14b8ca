// Package wal implements the durable ingestion queue: a two-file write-ahead
// log that buffers chat events between IRC receipt and the message store.
//
// Records are appended to pending.jsonl; a drain tick seals that file by
// renaming it to pending.jsonl.processing and works through the sealed batch.
// The processing file is only deleted once every record in it has been either
// persisted or re-appended to pending, so a crash at any point re-delivers
// rather than loses (the store absorbs duplicates on a natural key).
package wal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dixxew/banchostats/backend/identity"
	"github.com/dixxew/banchostats/backend/telemetry"
)

const (
	pendingFile    = "pending.jsonl"
	processingFile = "pending.jsonl.processing"

	// requeueDelay throttles records waiting on identity resolution so the
	// drain loop doesn't busy-spin against an unanswered WHOIS.
	requeueDelay = 10 * time.Millisecond
)

// Event is one chat message awaiting persistence. Never mutated after
// enqueue; requeued as-is on transient failure.
type Event struct {
	Channel string    `json:"channel"`
	Nick    string    `json:"nick"`
	Text    string    `json:"text"`
	DateUTC time.Time `json:"dateUtc"`
}

// Resolver answers identity lookups; found=false means "not yet available".
type Resolver interface {
	Lookup(nick string) (identity.Record, bool)
}

// Sink commits a resolved event to the primary message store.
type Sink interface {
	Persist(ctx context.Context, ev Event, id identity.Record) error
}

// Queue owns the WAL files under dir. All file reads, appends and renames
// happen under one mutex; DrainOnce additionally refuses to overlap itself.
type Queue struct {
	dir      string
	mu       sync.Mutex
	draining atomic.Bool
}

// New returns a queue rooted at dir. The directory is created on first use.
func New(dir string) *Queue {
	return &Queue{dir: dir}
}

func (q *Queue) pendingPath() string    { return filepath.Join(q.dir, pendingFile) }
func (q *Queue) processingPath() string { return filepath.Join(q.dir, processingFile) }

// Enqueue appends the event to the pending file and syncs it. This is the
// durability point: callers must not acknowledge receipt before it returns.
func (q *Queue) Enqueue(ev Event) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal wal record: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.appendLocked(append(line, '\n'))
}

func (q *Queue) appendLocked(line []byte) error {
	if err := os.MkdirAll(q.dir, 0o755); err != nil {
		return fmt.Errorf("mkdir wal dir: %w", err)
	}
	f, err := os.OpenFile(q.pendingPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open wal: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("append wal: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync wal: %w", err)
	}
	return f.Close()
}

// beginDrain seals the current pending file. If a processing file already
// exists a previous run crashed mid-drain; it is left untouched and drained
// as-is (idempotent recovery).
func (q *Queue) beginDrain() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, err := os.Stat(q.processingPath()); err == nil {
		return nil
	}
	if _, err := os.Stat(q.pendingPath()); os.IsNotExist(err) {
		return nil
	}
	if err := os.Rename(q.pendingPath(), q.processingPath()); err != nil {
		return fmt.Errorf("seal wal batch: %w", err)
	}
	return nil
}

// readBatch loads the sealed batch, reporting whether a batch file existed at
// all. Malformed lines are counted, logged and skipped; they never poison the
// rest of the batch. A read error aborts the whole tick with the file left
// intact.
func (q *Queue) readBatch() ([]Event, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	f, err := os.Open(q.processingPath())
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("open wal batch: %w", err)
	}
	defer func() { _ = f.Close() }()

	var batch []Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			slog.Warn("skipping malformed wal line", slog.Any("err", err), slog.String("component", "wal"))
			if telemetry.MalformedWALLines != nil {
				telemetry.MalformedWALLines.Inc()
			}
			continue
		}
		batch = append(batch, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, true, fmt.Errorf("scan wal batch: %w", err)
	}
	return batch, true, nil
}

// commit deletes the drained processing file.
func (q *Queue) commit() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := os.Remove(q.processingPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("commit wal batch: %w", err)
	}
	return nil
}

// DrainOnce runs a single drain cycle: seal, resolve+persist each record,
// re-queue what couldn't go through, commit. Non-reentrant; an overlapping
// call is a no-op. Errors abort the tick with the batch file intact so the
// next tick retries (duplicates are absorbed downstream).
func (q *Queue) DrainOnce(ctx context.Context, res Resolver, sink Sink) error {
	if !q.draining.CompareAndSwap(false, true) {
		return nil
	}
	defer q.draining.Store(false)
	if telemetry.DrainCycles != nil {
		telemetry.DrainCycles.Inc()
	}

	if err := q.beginDrain(); err != nil {
		return err
	}
	batch, sealed, err := q.readBatch()
	if err != nil {
		return err
	}
	if !sealed {
		return nil
	}
	// A sealed file must always commit, even when every line in it was
	// malformed; leaving it behind would block sealing forever.

	var requeue []Event
	for _, ev := range batch {
		if ctx.Err() != nil {
			// Shutdown mid-batch: keep the rest for the next run.
			requeue = append(requeue, ev)
			continue
		}
		rec, ok := res.Lookup(ev.Nick)
		if !ok || rec.StableID == nil {
			if ok {
				slog.Warn("whois gave no stable id, retrying after ttl", slog.String("nick", ev.Nick), slog.String("component", "wal"))
			}
			requeue = append(requeue, ev)
			if telemetry.MessagesRequeued != nil {
				telemetry.MessagesRequeued.Inc()
			}
			sleepCtx(ctx, requeueDelay)
			continue
		}
		if err := sink.Persist(ctx, ev, rec); err != nil {
			slog.Warn("persist failed, re-queueing record", slog.Any("err", err), slog.String("nick", ev.Nick), slog.String("component", "wal"))
			requeue = append(requeue, ev)
			if telemetry.MessagesRequeued != nil {
				telemetry.MessagesRequeued.Inc()
			}
			continue
		}
		if telemetry.MessagesPersisted != nil {
			telemetry.MessagesPersisted.Inc()
		}
	}

	for _, ev := range requeue {
		if err := q.Enqueue(ev); err != nil {
			// Can't safely drop the batch if a record failed to re-queue;
			// leave processing in place and let the next tick re-deliver.
			return fmt.Errorf("requeue wal record: %w", err)
		}
	}
	telemetry.SetWALBacklog(len(requeue))
	return q.commit()
}

// StartDrainJob runs DrainOnce on a fixed interval until ctx is done.
func (q *Queue) StartDrainJob(ctx context.Context, res Resolver, sink Sink, interval time.Duration) {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	slog.Info("wal drain job starting", slog.Duration("interval", interval), slog.String("dir", q.dir))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("wal drain job stopped")
			return
		case <-ticker.C:
			telemetry.TimeFunc(telemetry.DrainDuration, func() {
				if err := q.DrainOnce(ctx, res, sink); err != nil {
					slog.Warn("wal drain tick failed", slog.Any("err", err), slog.String("component", "wal"))
				}
			})
		}
	}
}

// Backlog counts records currently sitting in both WAL files. Used by /status.
func (q *Queue) Backlog() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return countLines(q.pendingPath()) + countLines(q.processingPath())
}

func countLines(path string) int {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer func() { _ = f.Close() }()
	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) > 0 {
			n++
		}
	}
	return n
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
