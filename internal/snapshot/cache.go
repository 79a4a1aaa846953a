// Package snapshot keeps a depth-limited, time-bounded view of each book so
// readers never touch the matching goroutine on the hot path.
package snapshot

import (
	"context"
	"sync"
	"time"

	"github.com/reggieyam998/ctf-exchange/internal/metrics"
	"github.com/reggieyam998/ctf-exchange/pkg/model"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Source produces a consistent copy of the top levels of a book.
type Source interface {
	Capture(ctx context.Context, depth int) (model.MarketDepth, error)
}

// Replicator pushes every rebuilt snapshot somewhere else (redis, websocket
// subscribers). Failures are logged and never reach readers.
type Replicator interface {
	Name() string
	Replicate(ctx context.Context, snap model.Snapshot) error
}

const replicateTimeout = 5 * time.Second

type Options struct {
	TTL             time.Duration
	RefreshInterval time.Duration
	Depth           int
	Replicators     []Replicator
	Metrics         *metrics.Metrics
	Logger          zerolog.Logger
	Now             func() time.Time
}

type Cache struct {
	symbol string
	source Source
	opts   Options

	mu         sync.RWMutex
	current    *model.Snapshot
	stale      bool
	generation uint64
	// epoch counts invalidations; a rebuild only clears stale when none
	// arrived while it was capturing
	epoch uint64

	group singleflight.Group

	replicateMu sync.Mutex
	replicated  uint64
}

func NewCache(symbol string, source Source, opts Options) *Cache {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	opts.Logger = opts.Logger.With().Str("symbol", symbol).Str("component", "snapshot").Logger()
	return &Cache{symbol: symbol, source: source, opts: opts}
}

func (c *Cache) Symbol() string {
	return c.symbol
}

// Get returns the cached snapshot while it is younger than the TTL and has
// not been invalidated, rebuilding it otherwise. The returned slices are
// shared between readers and must not be modified.
func (c *Cache) Get(ctx context.Context) (model.Snapshot, error) {
	if snap, ok := c.fresh(); ok {
		return snap, nil
	}
	return c.rebuild(ctx, "expired")
}

func (c *Cache) fresh() (model.Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current == nil || c.stale || c.opts.Now().Sub(c.current.BuiltAt) >= c.opts.TTL {
		return model.Snapshot{}, false
	}
	return *c.current, true
}

// Invalidate makes the next Get rebuild.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.stale = true
	c.epoch++
	c.mu.Unlock()
}

// Refresh rebuilds unconditionally.
func (c *Cache) Refresh(ctx context.Context) (model.Snapshot, error) {
	return c.rebuild(ctx, "forced")
}

// Run rebuilds the snapshot every RefreshInterval until ctx is done.
func (c *Cache) Run(ctx context.Context) error {
	if c.opts.RefreshInterval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(c.opts.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := c.rebuild(ctx, "interval"); err != nil && ctx.Err() == nil {
				c.opts.Logger.Warn().Err(err).Msg("periodic rebuild failed")
			}
		}
	}
}

// rebuild collapses concurrent callers into one capture. The capture runs
// detached from any single caller, so a caller that gives up does not fail
// the others waiting on it.
func (c *Cache) rebuild(ctx context.Context, trigger string) (model.Snapshot, error) {
	flightCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(c.symbol, func() (any, error) {
		return c.build(flightCtx, trigger)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return model.Snapshot{}, res.Err
		}
		return *res.Val.(*model.Snapshot), nil
	case <-ctx.Done():
		return model.Snapshot{}, ctx.Err()
	}
}

func (c *Cache) build(ctx context.Context, trigger string) (*model.Snapshot, error) {
	// a caller that lost the race to a finished rebuild reuses it
	if trigger == "expired" {
		if snap, ok := c.fresh(); ok {
			return &snap, nil
		}
	}
	c.mu.RLock()
	epoch := c.epoch
	c.mu.RUnlock()

	depth, err := c.source.Capture(ctx, c.opts.Depth)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.generation++
	snap := &model.Snapshot{
		Symbol:     c.symbol,
		Bids:       depth.Bids,
		Asks:       depth.Asks,
		Generation: c.generation,
		Sequence:   depth.Sequence,
		BuiltAt:    c.opts.Now(),
	}
	c.current = snap
	c.stale = c.epoch != epoch
	c.mu.Unlock()

	if c.opts.Metrics != nil {
		c.opts.Metrics.SnapshotRebuilds.WithLabelValues(c.symbol, trigger).Inc()
	}
	if len(c.opts.Replicators) > 0 {
		go c.replicate(ctx, *snap)
	}
	return snap, nil
}

// replicate runs off the reader path. Replicas only move forward: a
// generation older than one already pushed is skipped.
func (c *Cache) replicate(ctx context.Context, snap model.Snapshot) {
	c.replicateMu.Lock()
	defer c.replicateMu.Unlock()
	if snap.Generation <= c.replicated {
		return
	}
	c.replicated = snap.Generation

	ctx, cancel := context.WithTimeout(ctx, replicateTimeout)
	defer cancel()
	for _, r := range c.opts.Replicators {
		if err := r.Replicate(ctx, snap); err != nil {
			c.opts.Logger.Warn().Err(err).Str("target", r.Name()).Uint64("generation", snap.Generation).Msg("snapshot replication failed")
			if c.opts.Metrics != nil {
				c.opts.Metrics.ReplicationErrors.WithLabelValues(r.Name()).Inc()
			}
		}
	}
}
