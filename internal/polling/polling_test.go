package polling

import (
	"testing"
	"time"

	"github.com/kalambet/caseline/internal/investigation"
)

func TestRecommendedInterval(t *testing.T) {
	cases := []struct {
		name   string
		status investigation.Status
		stage  investigation.Stage
		idle   time.Duration
		want   time.Duration
	}{
		{"setup created", investigation.StatusCreated, investigation.StageCreated, 0, SetupInterval},
		{"setup settings", investigation.StatusSettings, investigation.StageSettings, 0, SetupInterval},
		{"active", investigation.StatusInProgress, investigation.StageInProgress, time.Minute, ActiveInterval},
		{"idle", investigation.StatusInProgress, investigation.StageInProgress, 6 * time.Minute, IdleInterval},
		{"completed", investigation.StatusCompleted, investigation.StageCompleted, 0, TerminalInterval},
		{"cancelled beats idle", investigation.StatusCancelled, investigation.StageInProgress, time.Hour, TerminalInterval},
	}
	for _, c := range cases {
		if got := RecommendedInterval(c.status, c.stage, c.idle); got != c.want {
			t.Errorf("%s: RecommendedInterval = %v, want %v", c.name, got, c.want)
		}
	}
}

// TestIntervalOrderingNeverInverts samples the full input space and checks
// the cadence ordering: idle >= active >= setup, terminal between.
func TestIntervalOrderingNeverInverts(t *testing.T) {
	statuses := []investigation.Status{
		investigation.StatusCreated, investigation.StatusSettings, investigation.StatusInProgress,
		investigation.StatusCompleted, investigation.StatusError, investigation.StatusCancelled,
	}
	stages := []investigation.Stage{
		investigation.StageCreated, investigation.StageSettings,
		investigation.StageInProgress, investigation.StageCompleted,
	}
	idles := []time.Duration{0, time.Minute, 5 * time.Minute, time.Hour}

	for _, status := range statuses {
		for _, stage := range stages {
			for _, idle := range idles {
				got := RecommendedInterval(status, stage, idle)
				if got < SetupInterval || got > IdleInterval {
					t.Fatalf("RecommendedInterval(%s,%s,%v) = %v outside [setup, idle]", status, stage, idle, got)
				}
				if idle >= 5*time.Minute && !status.Terminal() && got < ActiveInterval {
					t.Fatalf("idle investigation polling faster than active: %v", got)
				}
			}
		}
	}
}

func TestETagDeterministic(t *testing.T) {
	a := ETag("inv-1", 3)
	b := ETag("inv-1", 3)
	if a != b {
		t.Errorf("same inputs produced different etags: %q vs %q", a, b)
	}
	if ETag("inv-1", 3) == ETag("inv-1", 4) {
		t.Error("version change did not change etag")
	}
	if ETag("inv-1", 3) == ETag("inv-2", 3) {
		t.Error("id change did not change etag")
	}
}

func TestETagMatches(t *testing.T) {
	etag := ETag("inv-1", 7)
	if !ETagMatches(7, etag) {
		t.Errorf("ETagMatches(7, %q) = false, want true", etag)
	}
	if ETagMatches(8, etag) {
		t.Error("etag for version 7 matched version 8")
	}
}

func TestETagMalformedNeverMatches(t *testing.T) {
	malformed := []string{"", `W/""`, `"v"`, `W/"v-abc"`, `W/"vX-12"`, `W/"v0-12"`, "garbage", `W/"7"`}
	for _, etag := range malformed {
		if ETagMatches(7, etag) {
			t.Errorf("malformed etag %q matched", etag)
		}
	}
}

func TestStatusCacheHitWithinTTL(t *testing.T) {
	c := NewStatusCache(time.Minute)
	c.Set("inv-1", "caller-1", "payload")

	got, ok := c.Get("inv-1", "caller-1")
	if !ok || got != "payload" {
		t.Errorf("Get = (%v, %v), want (payload, true)", got, ok)
	}

	// Different caller is a separate entry.
	if _, ok := c.Get("inv-1", "caller-2"); ok {
		t.Error("cache leaked across callers")
	}
}

func TestStatusCacheExpiry(t *testing.T) {
	c := NewStatusCache(time.Second)
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Set("inv-1", "caller-1", "payload")
	now = now.Add(2 * time.Second)

	if _, ok := c.Get("inv-1", "caller-1"); ok {
		t.Error("expired entry served from cache")
	}
}

func TestStatusCacheInvalidate(t *testing.T) {
	c := NewStatusCache(time.Minute)
	c.Set("inv-1", "caller-1", "a")
	c.Set("inv-1", "caller-2", "b")
	c.Set("inv-2", "caller-1", "c")

	c.Invalidate("inv-1")

	if _, ok := c.Get("inv-1", "caller-1"); ok {
		t.Error("invalidated entry still cached")
	}
	if _, ok := c.Get("inv-1", "caller-2"); ok {
		t.Error("invalidated entry (other caller) still cached")
	}
	if _, ok := c.Get("inv-2", "caller-1"); !ok {
		t.Error("unrelated investigation evicted")
	}
}

func TestStatusCacheEvictExpired(t *testing.T) {
	c := NewStatusCache(time.Second)
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Set("inv-1", "caller-1", "a")
	c.Set("inv-2", "caller-1", "b")
	now = now.Add(5 * time.Second)
	c.Set("inv-3", "caller-1", "c")

	c.evictExpired()

	if c.Len() != 1 {
		t.Errorf("Len after eviction = %d, want 1", c.Len())
	}
	if _, ok := c.Get("inv-3", "caller-1"); !ok {
		t.Error("fresh entry evicted")
	}
}
