// Package classcache persists classification verdicts in sqlite so ambiguous
// URLs are not re-sniffed on every playlist refresh. Only the verdict is
// cached, never fetched content.
package classcache

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/iptvrelay/iptv-relay/internal/classify"
)

const schema = `
CREATE TABLE IF NOT EXISTS verdicts (
	url        TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	rule       TEXT NOT NULL,
	checked_at INTEGER NOT NULL
);`

// Cache is a TTL'd URL -> verdict store. Safe for concurrent use.
type Cache struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time // test seam
}

// Open opens (creating if needed) the cache at path. Verdicts older than ttl
// are treated as absent.
func Open(path string, ttl time.Duration) (*Cache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open class cache: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init class cache: %w", err)
	}
	if ttl <= 0 {
		ttl = 4 * time.Hour
	}
	return &Cache{db: db, ttl: ttl, now: time.Now}, nil
}

// Get returns the cached verdict for url, if present and fresh.
func (c *Cache) Get(url string) (classify.Result, bool) {
	var kind, rule string
	var checkedAt int64
	err := c.db.QueryRow(
		"SELECT kind, rule, checked_at FROM verdicts WHERE url = ?", url,
	).Scan(&kind, &rule, &checkedAt)
	if err != nil {
		return classify.Result{}, false
	}
	if c.now().Unix()-checkedAt > int64(c.ttl/time.Second) {
		return classify.Result{}, false
	}
	return classify.Result{Kind: classify.Kind(kind), Rule: rule}, true
}

// Put stores (or refreshes) the verdict for url.
func (c *Cache) Put(url string, res classify.Result) error {
	_, err := c.db.Exec(
		"INSERT INTO verdicts (url, kind, rule, checked_at) VALUES (?, ?, ?, ?) "+
			"ON CONFLICT(url) DO UPDATE SET kind=excluded.kind, rule=excluded.rule, checked_at=excluded.checked_at",
		url, string(res.Kind), res.Rule, c.now().Unix(),
	)
	return err
}

// Prune deletes stale rows. Callers may run it periodically; correctness does
// not depend on it since Get checks freshness itself.
func (c *Cache) Prune() error {
	cutoff := c.now().Add(-c.ttl).Unix()
	_, err := c.db.Exec("DELETE FROM verdicts WHERE checked_at < ?", cutoff)
	return err
}

func (c *Cache) Close() error {
	return c.db.Close()
}
