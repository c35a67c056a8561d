package classcache

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/iptvrelay/iptv-relay/internal/classify"
)

func openTestCache(t *testing.T, ttl time.Duration) *Cache {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "verdicts.db"), ttl)
	if err != nil {
		t.Skipf("sqlite not available: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCache_putGet(t *testing.T) {
	c := openTestCache(t, time.Hour)
	url := "http://origin/live/u/p/42"
	want := classify.Result{Kind: classify.KindPlaylist, Rule: "playlist-magic"}
	if err := c.Put(url, want); err != nil {
		t.Fatal(err)
	}
	got, ok := c.Get(url)
	if !ok {
		t.Fatal("verdict missing")
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
	if _, ok := c.Get("http://origin/other"); ok {
		t.Error("unexpected hit for unknown url")
	}
}

func TestCache_ttlExpiry(t *testing.T) {
	c := openTestCache(t, time.Hour)
	url := "http://origin/live/u/p/42"
	if err := c.Put(url, classify.Result{Kind: classify.KindMediaSegment, Rule: "numeric-tail"}); err != nil {
		t.Fatal(err)
	}
	c.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if _, ok := c.Get(url); ok {
		t.Error("stale verdict returned")
	}
}

func TestCache_overwrite(t *testing.T) {
	c := openTestCache(t, time.Hour)
	url := "http://origin/live/u/p/42"
	c.Put(url, classify.Result{Kind: classify.KindMediaSegment, Rule: "stream-path-segment"})
	c.Put(url, classify.Result{Kind: classify.KindPlaylist, Rule: "playlist-magic"})
	got, ok := c.Get(url)
	if !ok || got.Kind != classify.KindPlaylist {
		t.Errorf("got %+v ok=%t, want refreshed playlist verdict", got, ok)
	}
}

func TestCache_prune(t *testing.T) {
	c := openTestCache(t, time.Hour)
	c.Put("http://origin/a", classify.Result{Kind: classify.KindOpaque, Rule: "default"})
	c.now = func() time.Time { return time.Now().Add(3 * time.Hour) }
	if err := c.Prune(); err != nil {
		t.Fatal(err)
	}
	c.now = time.Now
	if _, ok := c.Get("http://origin/a"); ok {
		t.Error("pruned row still readable")
	}
}
