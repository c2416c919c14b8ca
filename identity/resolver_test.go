package identity

import (
	"path/filepath"
	"testing"
	"time"
)

type fakeRequester struct {
	calls []string
	ok    bool
}

func (f *fakeRequester) RequestWhois(nick string) bool {
	f.calls = append(f.calls, nick)
	return f.ok
}

func TestParseStableID(t *testing.T) {
	cases := []struct {
		url  string
		want int64
		ok   bool
	}{
		{"https://osu.ppy.sh/u/124493", 124493, true},
		{"http://osu.ppy.sh/u/1", 1, true},
		{"https://osu.ppy.sh/u/", 0, false},
		{"not a url", 0, false},
		{"https://osu.ppy.sh/u/abc", 0, false},
		{"", 0, false},
	}
	for _, c := range cases {
		got := ParseStableID(c.url)
		if c.ok {
			if got == nil || *got != c.want {
				t.Errorf("ParseStableID(%q) = %v, want %d", c.url, got, c.want)
			}
		} else if got != nil {
			t.Errorf("ParseStableID(%q) = %d, want nil", c.url, *got)
		}
	}
}

func TestLookupDispatchesOncePerCooldown(t *testing.T) {
	req := &fakeRequester{ok: true}
	r := NewResolver(filepath.Join(t.TempDir(), "whois.json"), req)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	r.now = func() time.Time { return now }

	if _, ok := r.Lookup("Alice"); ok {
		t.Fatal("expected miss on cold cache")
	}
	if _, ok := r.Lookup("alice"); ok {
		t.Fatal("expected miss while unresolved")
	}
	// Case-insensitive nick, still inside the cooldown window.
	if len(req.calls) != 1 {
		t.Fatalf("expected exactly 1 whois dispatch, got %d", len(req.calls))
	}

	now = base.Add(DefaultCooldown)
	r.Lookup("alice")
	if len(req.calls) != 2 {
		t.Fatalf("expected re-dispatch after cooldown, got %d calls", len(req.calls))
	}
}

func TestFailedDispatchDoesNotStartCooldown(t *testing.T) {
	req := &fakeRequester{ok: false} // disconnected
	r := NewResolver(filepath.Join(t.TempDir(), "whois.json"), req)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return base }

	if _, ok := r.Lookup("alice"); ok {
		t.Fatal("expected miss")
	}
	if len(req.calls) != 1 {
		t.Fatalf("expected 1 attempted dispatch, got %d", len(req.calls))
	}

	// Connection comes back one second later; the lookup must retry
	// immediately instead of waiting out a cooldown that never dispatched.
	req.ok = true
	r.now = func() time.Time { return base.Add(time.Second) }
	if _, ok := r.Lookup("alice"); ok {
		t.Fatal("expected miss")
	}
	if len(req.calls) != 2 {
		t.Fatalf("expected immediate re-dispatch after reconnect, got %d calls", len(req.calls))
	}

	// The successful dispatch starts the cooldown as usual.
	r.Lookup("alice")
	if len(req.calls) != 2 {
		t.Fatalf("expected cooldown after successful dispatch, got %d calls", len(req.calls))
	}
}

func TestHandleReplyThenLookupHit(t *testing.T) {
	req := &fakeRequester{ok: true}
	r := NewResolver(filepath.Join(t.TempDir(), "whois.json"), req)

	r.HandleReply("Alice", "https://osu.ppy.sh/u/42")
	rec, ok := r.Lookup("alice")
	if !ok {
		t.Fatal("expected cache hit after reply")
	}
	if rec.StableID == nil || *rec.StableID != 42 {
		t.Fatalf("StableID = %v, want 42", rec.StableID)
	}
	if len(req.calls) != 0 {
		t.Fatalf("fresh hit must not dispatch whois, got %d calls", len(req.calls))
	}
}

func TestLookupExpiredEntryRedispatches(t *testing.T) {
	req := &fakeRequester{ok: true}
	r := NewResolver(filepath.Join(t.TempDir(), "whois.json"), req)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	r.now = func() time.Time { return now }

	r.HandleReply("bob", "https://osu.ppy.sh/u/7")
	now = base.Add(DefaultTTL + time.Second)
	if _, ok := r.Lookup("bob"); ok {
		t.Fatal("expected miss after ttl expiry")
	}
	if len(req.calls) != 1 {
		t.Fatalf("expected whois re-dispatch for expired entry, got %d", len(req.calls))
	}
}

func TestUnparseableReplyStoresNilID(t *testing.T) {
	r := NewResolver(filepath.Join(t.TempDir(), "whois.json"), &fakeRequester{ok: true})
	r.HandleReply("carol", "https://osu.ppy.sh/u/")
	rec, ok := r.Lookup("carol")
	if !ok {
		t.Fatal("record should be cached even without a parseable id")
	}
	if rec.StableID != nil {
		t.Fatalf("StableID = %d, want nil", *rec.StableID)
	}
}

func TestSnapshotRoundTripDropsExpired(t *testing.T) {
	path := filepath.Join(t.TempDir(), "whois.json")
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	r1 := NewResolver(path, &fakeRequester{ok: true})
	now := base
	r1.now = func() time.Time { return now }
	r1.HandleReply("old", "https://osu.ppy.sh/u/1")
	now = base.Add(DefaultTTL)
	r1.HandleReply("fresh", "https://osu.ppy.sh/u/2")

	r2 := NewResolver(path, &fakeRequester{ok: true})
	r2.now = func() time.Time { return base.Add(DefaultTTL + time.Minute) }
	if err := r2.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := r2.Lookup("fresh"); !ok {
		t.Error("fresh entry should survive the snapshot round trip")
	}
	if _, ok := r2.Lookup("old"); ok {
		t.Error("expired entry should be dropped on load")
	}
}

func TestLoadMissingSnapshotIsNotAnError(t *testing.T) {
	r := NewResolver(filepath.Join(t.TempDir(), "nope.json"), nil)
	if err := r.Load(); err != nil {
		t.Fatalf("Load on missing snapshot: %v", err)
	}
}
