// Package identity maps transient IRC display names to stable osu! user ids.
//
// Resolution is eventually consistent: a Lookup miss dispatches an async WHOIS
// over IRC (at most once per cooldown window per nick) and reports "not yet
// available"; the reply lands later via HandleReply. The cache is the runtime
// authority and is mirrored to a JSON snapshot on every update so a crash
// loses at most the entries that expired anyway.
package identity

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dixxew/banchostats/backend/telemetry"
)

const (
	// DefaultTTL is how long a WHOIS answer stays authoritative.
	DefaultTTL = 30 * time.Minute
	// DefaultCooldown bounds how often an unresolved nick re-dispatches WHOIS.
	DefaultCooldown = 20 * time.Second
)

// Record is one cached WHOIS answer. StableID stays nil when the reply could
// not be parsed; that is a terminal state for the TTL window and is retried
// after expiry.
type Record struct {
	StableID   *int64    `json:"stableId"`
	ProfileURL string    `json:"profileUrl"`
	UpdatedUTC time.Time `json:"updatedUtc"`
}

// Expired reports whether the record is older than ttl.
func (r Record) Expired(ttl time.Duration, now time.Time) bool {
	return now.Sub(r.UpdatedUTC) > ttl
}

// Requester dispatches a WHOIS for a nick; false means not connected.
type Requester interface {
	RequestWhois(nick string) bool
}

// Resolver is the process-wide identity cache. Constructed once at startup,
// injected into the WAL drain loop and the IRC event dispatcher.
type Resolver struct {
	mu          sync.RWMutex
	entries     map[string]Record // keyed by lower(nick)
	lastRequest map[string]time.Time

	path     string // snapshot file
	req      Requester
	ttl      time.Duration
	cooldown time.Duration
	now      func() time.Time
}

// NewResolver creates a resolver snapshotting to path and dispatching lookups
// through req. Call Load before first use to restore prior state.
func NewResolver(path string, req Requester) *Resolver {
	return &Resolver{
		entries:     make(map[string]Record),
		lastRequest: make(map[string]time.Time),
		path:        path,
		req:         req,
		ttl:         DefaultTTL,
		cooldown:    DefaultCooldown,
		now:         time.Now,
	}
}

// Load restores the snapshot, keeping only entries that have not expired.
// A missing snapshot is not an error.
func (r *Resolver) Load() error {
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read identity snapshot: %w", err)
	}
	var dict map[string]Record
	if err := json.Unmarshal(data, &dict); err != nil {
		return fmt.Errorf("parse identity snapshot: %w", err)
	}
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := 0
	for nick, rec := range dict {
		if !rec.Expired(r.ttl, now) {
			r.entries[strings.ToLower(nick)] = rec
			kept++
		}
	}
	slog.Info("identity snapshot restored", slog.Int("kept", kept), slog.Int("total", len(dict)), slog.String("component", "identity"))
	return nil
}

// Lookup returns the cached record for nick when fresh. On a miss or an
// expired entry it dispatches at most one WHOIS per cooldown window and
// returns found=false; callers retry later.
func (r *Resolver) Lookup(nick string) (Record, bool) {
	key := strings.ToLower(nick)
	now := r.now()

	r.mu.RLock()
	rec, ok := r.entries[key]
	r.mu.RUnlock()
	if ok && !rec.Expired(r.ttl, now) {
		if telemetry.WhoisCacheHits != nil {
			telemetry.WhoisCacheHits.Inc()
		}
		return rec, true
	}
	if telemetry.WhoisCacheMisses != nil {
		telemetry.WhoisCacheMisses.Inc()
	}

	// The cooldown stamp is only recorded when the dispatch actually went out;
	// a failed send (disconnected) must not delay the retry after reconnect.
	r.mu.Lock()
	last, requested := r.lastRequest[key]
	if !requested || now.Sub(last) >= r.cooldown {
		if r.req != nil && r.req.RequestWhois(nick) {
			r.lastRequest[key] = now
			if telemetry.WhoisRequests != nil {
				telemetry.WhoisRequests.Inc()
			}
		}
	}
	r.mu.Unlock()
	return Record{}, false
}

// HandleReply ingests a WHOIS reply. The stable id is the numeric suffix of
// the profile URL; an unparseable URL stores a nil id (terminal until TTL).
// The snapshot is rewritten after every update.
func (r *Resolver) HandleReply(nick, profileURL string) {
	if telemetry.WhoisReplies != nil {
		telemetry.WhoisReplies.Inc()
	}
	rec := Record{
		StableID:   ParseStableID(profileURL),
		ProfileURL: profileURL,
		UpdatedUTC: r.now().UTC(),
	}
	if rec.StableID == nil {
		slog.Warn("whois reply without parseable id", slog.String("nick", nick), slog.String("url", profileURL), slog.String("component", "identity"))
	}
	r.mu.Lock()
	r.entries[strings.ToLower(nick)] = rec
	snapshot := make(map[string]Record, len(r.entries))
	for k, v := range r.entries {
		snapshot[k] = v
	}
	r.mu.Unlock()

	if err := r.persist(snapshot); err != nil {
		slog.Error("identity snapshot write failed", slog.Any("err", err), slog.String("component", "identity"))
	}
}

// persist rewrites the snapshot wholesale via a temp file + rename so an
// abrupt kill never leaves a torn file.
func (r *Resolver) persist(snapshot map[string]Record) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal identity snapshot: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("mkdir snapshot dir: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write identity snapshot: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("rename identity snapshot: %w", err)
	}
	return nil
}

// ParseStableID extracts the trailing numeric id from a profile URL like
// https://osu.ppy.sh/u/124493. Returns nil when no id can be parsed.
func ParseStableID(profileURL string) *int64 {
	last := strings.LastIndex(profileURL, "/")
	if last < 0 || last == len(profileURL)-1 {
		return nil
	}
	id, err := strconv.ParseInt(profileURL[last+1:], 10, 64)
	if err != nil {
		return nil
	}
	return &id
}
