// Package stats keeps a TTL-gated snapshot of the expensive aggregates.
//
// Readers load the last published *Snapshot without locking. Recomputation
// is serialized by a mutex so concurrent callers past the TTL trigger one
// refresh between them.
package stats

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"rbs/internal/eventbus"
	"rbs/internal/model"
	"rbs/internal/storage"
	logx "rbs/pkg/logx"
)

const (
	DefaultTTL  = 600 * time.Second
	DefaultTopN = 5
)

// StateSource returns the last committed engine state.
type StateSource func() *model.State

type Cache struct {
	store  storage.Store
	source StateSource
	bus    eventbus.Bus
	log    logx.Logger

	ttl  atomic.Int64
	topN int

	snap atomic.Pointer[Snapshot]
	// gen counts invalidations; clean is the gen the published snapshot
	// was computed at.
	gen        atomic.Uint64
	clean      atomic.Uint64
	mu         sync.Mutex
	recomputes atomic.Uint64
}

func New(store storage.Store, source StateSource, ttl time.Duration, bus eventbus.Bus, log logx.Logger) *Cache {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Cache{store: store, source: source, bus: bus, topN: DefaultTopN, log: log.With(logx.String("comp", "stats"))}
	c.SetTTL(ttl)
	return c
}

func (c *Cache) SetTTL(ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c.ttl.Store(int64(ttl))
}

func (c *Cache) TTL() time.Duration { return time.Duration(c.ttl.Load()) }

// Current returns the last published snapshot, or nil before the first one.
func (c *Cache) Current() *Snapshot { return c.snap.Load() }

// Recomputes counts full recomputations since start.
func (c *Cache) Recomputes() uint64 { return c.recomputes.Load() }

// Invalidate forces the next read to recompute.
func (c *Cache) Invalidate() { c.gen.Add(1) }

// Seed publishes a persisted snapshot, e.g. after restart. It does not
// replace a snapshot computed in this process.
func (c *Cache) Seed(s *Snapshot) {
	if s == nil {
		return
	}
	c.snap.CompareAndSwap(nil, s)
}

func (c *Cache) fresh(s *Snapshot, now time.Time) bool {
	return s != nil && c.clean.Load() == c.gen.Load() && now.Sub(s.ComputedAt) < c.TTL()
}

// GetOrRefresh returns the cached snapshot while it is younger than the TTL
// and recomputes it otherwise.
func (c *Cache) GetOrRefresh(ctx context.Context, now time.Time) (*Snapshot, error) {
	if s := c.snap.Load(); c.fresh(s, now) {
		return s, nil
	}
	return c.refresh(ctx, now, nil)
}

// ActiveSince returns how many participants were active since round started,
// as of the cached snapshot. A snapshot taken for another round is refreshed.
func (c *Cache) ActiveSince(ctx context.Context, now time.Time, round model.Round) (int, error) {
	s := c.snap.Load()
	if c.fresh(s, now) && s.RoundID == round.ID && s.RoundStart.Equal(round.CreatedAt) {
		return s.SeenCurrent, nil
	}
	s, err := c.refresh(ctx, now, &round)
	if err != nil {
		return 0, err
	}
	return s.SeenCurrent, nil
}

func (c *Cache) refresh(ctx context.Context, now time.Time, round *model.Round) (*Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Another caller may have refreshed while we waited.
	if s := c.snap.Load(); c.fresh(s, now) && (round == nil || (s.RoundID == round.ID && s.RoundStart.Equal(round.CreatedAt))) {
		return s, nil
	}

	// An Invalidate during compute leaves the result stale.
	gen := c.gen.Load()
	s, err := c.compute(ctx, now, round)
	if err != nil {
		return nil, err
	}
	c.snap.Store(s)
	c.clean.Store(gen)
	c.recomputes.Add(1)
	if c.bus != nil {
		c.bus.Publish(eventbus.Event{
			Type: eventbus.StatsRefreshed,
			Time: now,
			Data: eventbus.StatsEvent{CostMS: s.Cost.Milliseconds(), Members: s.Counters.Members, Active1h: s.Active1h},
		})
	}
	c.log.Debug("stats refreshed", logx.Duration("cost", s.Cost), logx.Int64("round", s.RoundID))
	return s, nil
}

func (c *Cache) compute(ctx context.Context, now time.Time, round *model.Round) (*Snapshot, error) {
	start := time.Now()
	st := c.source()
	if st == nil {
		st = model.NewState(now)
	}
	if round == nil {
		r := st.Round
		round = &r
	}

	s := &Snapshot{
		RoundID:    round.ID,
		RoundStart: round.CreatedAt,
		Counters:   st.Counters,
		Broadcasts: st.Clone().Broadcasts,
		StartedAt:  st.StartedAt,
		ComputedAt: now,
	}

	counts := []struct {
		dst   *int
		since time.Time
	}{
		{&s.Active1h, now.Add(-time.Hour)},
		{&s.Active24h, now.Add(-24 * time.Hour)},
		{&s.Active7d, now.Add(-7 * 24 * time.Hour)},
		{&s.SeenCurrent, round.CreatedAt},
	}
	for _, q := range counts {
		since := q.since
		if since.IsZero() {
			since = now
		}
		n, err := c.store.CountParticipants(ctx, storage.Filter{ExcludeBanned: true, ActiveSince: since})
		if err != nil {
			return nil, fmt.Errorf("stats count: %w", err)
		}
		*q.dst = n
	}

	tops := []struct {
		dst *[]model.ArchivedPost
		q   storage.TopQuery
	}{
		{&s.MostUpvoted, storage.TopQuery{Field: storage.TopUpvotes, Desc: true, Limit: c.topN}},
		{&s.MostDownvoted, storage.TopQuery{Field: storage.TopDownvotes, Desc: true, Limit: c.topN}},
		{&s.MostPopular, storage.TopQuery{Field: storage.TopRatio, Desc: true, Limit: c.topN}},
		{&s.LeastPopular, storage.TopQuery{Field: storage.TopRatio, Desc: false, Limit: c.topN}},
	}
	for _, t := range tops {
		posts, err := c.store.TopPosts(ctx, t.q)
		if err != nil {
			return nil, fmt.Errorf("stats top %s: %w", t.q.Field, err)
		}
		*t.dst = posts
	}

	s.Cost = time.Since(start)
	return s, nil
}
