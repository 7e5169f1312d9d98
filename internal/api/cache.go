package api

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"halong/internal/marker"
	"halong/internal/store"
)

// Snapshot is one consistent load of the served stores.
type Snapshot struct {
	Loaded    time.Time
	Breadth   []store.BreadthRecord
	Technical map[string][]store.TechnicalRecord
	Ranking   []store.RankingRecord
}

// LatestBreadthDate returns the most recent breadth date, or 0.
func (s *Snapshot) LatestBreadthDate() int64 {
	var d int64
	for _, r := range s.Breadth {
		d = max(d, r.Date)
	}
	return d
}

// Cache holds the last Snapshot and reloads it when the invalidation marker
// is consumed or the snapshot is older than maxAge.
type Cache struct {
	tables store.Tables
	marker marker.Marker
	maxAge time.Duration
	now    func() time.Time
	log    *slog.Logger

	mu     sync.RWMutex
	snap   *Snapshot
	loads  int
	onLoad func(*Snapshot)
}

// NewCache creates a Cache. mk may be nil, in which case only maxAge
// triggers reloads.
func NewCache(tables store.Tables, mk marker.Marker, maxAge time.Duration, log *slog.Logger) *Cache {
	if log == nil {
		log = slog.Default()
	}
	return &Cache{tables: tables, marker: mk, maxAge: maxAge, now: time.Now, log: log}
}

// OnLoad registers a callback run after every successful load.
func (c *Cache) OnLoad(fn func(*Snapshot)) {
	c.mu.Lock()
	c.onLoad = fn
	c.mu.Unlock()
}

// Loads returns the number of successful loads.
func (c *Cache) Loads() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loads
}

// Get returns the current snapshot, reloading first if the marker was set,
// the snapshot expired, or nothing is loaded yet. A consumed marker is
// restored when the reload fails.
func (c *Cache) Get(ctx context.Context) (*Snapshot, error) {
	invalidated := false
	if c.marker != nil {
		ok, err := c.marker.Consume(ctx)
		if err != nil {
			c.log.Warn("checking invalidation marker", "error", err)
		}
		invalidated = ok
	}

	c.mu.RLock()
	snap := c.snap
	c.mu.RUnlock()
	if snap != nil && !invalidated && !c.expired(snap) {
		return snap, nil
	}

	reason := "expired"
	switch {
	case snap == nil:
		reason = "initial"
	case invalidated:
		reason = "invalidated"
	}
	fresh, err := c.Reload(ctx, reason)
	if err != nil && invalidated {
		// Put the marker back so the next Get retries the reload.
		if perr := c.marker.Publish(ctx); perr != nil {
			c.log.Warn("restoring invalidation marker", "error", perr)
		}
	}
	return fresh, err
}

func (c *Cache) expired(s *Snapshot) bool {
	return c.maxAge > 0 && c.now().Sub(s.Loaded) > c.maxAge
}

// Reload reads every served store and swaps in the new snapshot. On error
// the previous snapshot stays in place.
func (c *Cache) Reload(ctx context.Context, reason string) (*Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	breadth, err := c.tables.Breadth.Read(ctx)
	if err != nil {
		return c.snap, fmt.Errorf("loading breadth: %w", err)
	}
	tech, err := c.tables.Technical.Read(ctx)
	if err != nil {
		return c.snap, fmt.Errorf("loading technical: %w", err)
	}
	rank, err := c.tables.Ranking.Read(ctx)
	if err != nil {
		return c.snap, fmt.Errorf("loading ranking: %w", err)
	}
	sort.Slice(rank, func(i, j int) bool { return rank[i].Rank < rank[j].Rank })

	c.snap = &Snapshot{
		Loaded:    c.now(),
		Breadth:   breadth,
		Technical: store.GroupRows(tech),
		Ranking:   rank,
	}
	c.loads++
	c.log.Info("stores loaded",
		"reason", reason,
		"breadth_rows", len(breadth),
		"symbols", len(c.snap.Technical),
		"ranking_rows", len(rank),
	)
	if c.onLoad != nil {
		c.onLoad(c.snap)
	}
	return c.snap, nil
}
