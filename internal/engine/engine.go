// Package engine owns the broadcast state and serializes every mutation
// behind one writer lock.
//
// Each entry point runs the rotation gate first, then its own operation,
// each in a ledger transaction committed by a single store call. Events are
// published and notifications dispatched after the lock is released.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"rbs/internal/ballot"
	"rbs/internal/clock"
	"rbs/internal/eventbus"
	"rbs/internal/ledger"
	"rbs/internal/model"
	"rbs/internal/moderation"
	"rbs/internal/rotation"
	"rbs/internal/stats"
	"rbs/internal/storage"
	"rbs/internal/token"
	logx "rbs/pkg/logx"
)

// Notifier delivers notifications out of band. Implementations must not
// block on the transport.
type Notifier interface {
	Notify(ctx context.Context, n model.Notification) error
}

// Translator detects the language of a broadcast and translates it.
type Translator interface {
	Translate(ctx context.Context, text string) (lang string, translations map[string]string, err error)
}

type Deps struct {
	Store      storage.Store
	Clock      clock.Clock
	Tokens     *token.Issuer
	Rotation   rotation.Policy
	Rule       ballot.Rule
	StatsTTL   time.Duration
	Notifier   Notifier
	Translator Translator
	// TranslateTimeout bounds the translator call; 0 means 5s.
	TranslateTimeout time.Duration
	Bus              eventbus.Bus
	Log              logx.Logger
	// RotationOptions are passed to the scheduler, e.g. a seeded draw.
	RotationOptions []rotation.Option
}

type Engine struct {
	mu sync.Mutex

	store      storage.Store
	clock      clock.Clock
	tokens     *token.Issuer
	rot        *rotation.Scheduler
	mod        *moderation.Actions
	ballot     *ballot.Aggregator
	stats      *stats.Cache
	notifier   Notifier
	translator Translator
	bus        eventbus.Bus
	log        logx.Logger

	translateTimeout atomic.Int64
	state            atomic.Pointer[model.State]
}

func New(d Deps) *Engine {
	if d.Clock == nil {
		d.Clock = clock.System{}
	}
	if d.Tokens == nil {
		d.Tokens = token.New()
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.TranslateTimeout <= 0 {
		d.TranslateTimeout = 5 * time.Second
	}
	e := &Engine{
		store:      d.Store,
		clock:      d.Clock,
		tokens:     d.Tokens,
		notifier:   d.Notifier,
		translator: d.Translator,
		bus:        d.Bus,
		log:        d.Log.With(logx.String("comp", "engine")),
	}
	e.translateTimeout.Store(int64(d.TranslateTimeout))
	e.rot = rotation.New(d.Rotation, d.Tokens, d.Log, d.RotationOptions...)
	e.mod = moderation.New(d.Tokens, d.Log)
	e.stats = stats.New(d.Store, e.committed, d.StatsTTL, d.Bus, d.Log)
	e.ballot = ballot.New(d.Rule, e.stats, e.mod, d.Log)
	return e
}

func (e *Engine) committed() *model.State { return e.state.Load() }

// StatsCache exposes the stats cache.
func (e *Engine) StatsCache() *stats.Cache { return e.stats }

// Reconfigure applies hot-reloadable policy.
func (e *Engine) Reconfigure(p rotation.Policy, r ballot.Rule, statsTTL, translateTimeout time.Duration) {
	e.rot.SetPolicy(p)
	e.ballot.SetRule(r)
	e.stats.SetTTL(statsTTL)
	if translateTimeout > 0 {
		e.translateTimeout.Store(int64(translateTimeout))
	}
}

// Load reads the persisted state, or commits a cold-start state when the
// store is empty, and seeds the stats cache.
func (e *Engine) Load(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok, err := e.store.LoadState(ctx)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	if !ok {
		st = model.NewState(e.clock.Now())
		if err := e.store.Commit(ctx, storage.Change{State: st}); err != nil {
			return fmt.Errorf("init state: %w", err)
		}
		e.log.Info("initialized empty state")
	}
	e.state.Store(st)

	if blob, ok, err := e.store.LoadSnapshot(ctx); err != nil {
		e.log.Warn("stats snapshot not loaded", logx.Err(err))
	} else if ok {
		var snap stats.Snapshot
		if err := json.Unmarshal(blob, &snap); err != nil {
			e.log.Warn("stats snapshot corrupt", logx.Err(err))
		} else {
			e.stats.Seed(&snap)
		}
	}
	e.log.Info("state loaded",
		logx.Int64("round", st.Round.ID),
		logx.String("author", st.Round.AuthorID),
		logx.Int("members", st.Counters.Members),
	)
	return nil
}

// Flush persists the current stats snapshot. Engine state is already
// durable after every commit.
func (e *Engine) Flush(ctx context.Context) error {
	s := e.stats.Current()
	if s == nil {
		return nil
	}
	blob, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode stats snapshot: %w", err)
	}
	if err := e.store.SaveSnapshot(ctx, blob); err != nil {
		return fmt.Errorf("save stats snapshot: %w", err)
	}
	return nil
}

type outcome struct {
	notes  []model.Notification
	events []eventbus.Event
}

func (o *outcome) collect(tx *ledger.Txn) {
	o.notes = append(o.notes, tx.Notifications()...)
	o.events = append(o.events, tx.Events()...)
}

// commit persists tx and publishes its state. Caller holds e.mu.
func (e *Engine) commit(ctx context.Context, tx *ledger.Txn, out *outcome) error {
	if tx.Dirty() {
		if err := e.store.Commit(ctx, tx.Change()); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		e.state.Store(tx.State)
	}
	if tx.Rotated() {
		e.stats.Invalidate()
	}
	out.collect(tx)
	return nil
}

// gate runs the rotation check in its own transaction. A stalled rotation is
// reported but does not block the caller's operation. Caller holds e.mu.
func (e *Engine) gate(ctx context.Context, now time.Time, out *outcome) (rotation.Result, error) {
	tx := ledger.Begin(e.state.Load(), e.store, now)
	res, err := e.rot.Advance(ctx, tx)
	if err != nil {
		if errors.Is(err, model.ErrNoEligibleAuthor) {
			r := e.state.Load().Round
			e.log.Error("rotation stalled: no eligible author",
				logx.Int64("round", r.ID),
				logx.String("author", r.AuthorID),
			)
			out.events = append(out.events, eventbus.Event{
				Type: eventbus.RotationStalled,
				Time: now,
				Data: eventbus.RoundEvent{RoundID: r.ID, AuthorID: r.AuthorID},
			})
		} else {
			e.log.Error("rotation failed", logx.Err(err))
		}
		return rotation.Unchanged, err
	}
	if err := e.commit(ctx, tx, out); err != nil {
		e.log.Error("rotation commit failed", logx.Err(err))
		return rotation.Unchanged, err
	}
	return res, nil
}

// run executes op under the writer lock after the rotation gate.
func (e *Engine) run(ctx context.Context, op func(tx *ledger.Txn) error) error {
	var out outcome
	err := func() error {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.state.Load() == nil {
			return errors.New("engine: state not loaded")
		}
		now := e.clock.Now()
		_, _ = e.gate(ctx, now, &out)

		tx := ledger.Begin(e.state.Load(), e.store, now)
		if err := op(tx); err != nil {
			return err
		}
		return e.commit(ctx, tx, &out)
	}()
	e.dispatch(ctx, out)
	return err
}

func (e *Engine) dispatch(ctx context.Context, out outcome) {
	if e.bus != nil {
		for _, ev := range out.events {
			e.bus.Publish(ev)
		}
	}
	if e.notifier == nil {
		return
	}
	for _, n := range out.notes {
		if err := e.notifier.Notify(context.WithoutCancel(ctx), n); err != nil {
			e.log.Warn("notification not queued",
				logx.String("template", n.Template),
				logx.Err(err),
			)
		}
	}
}

// Advance runs the rotation gate alone.
func (e *Engine) Advance(ctx context.Context) (rotation.Result, error) {
	var out outcome
	res, err := func() (rotation.Result, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.state.Load() == nil {
			return rotation.Unchanged, errors.New("engine: state not loaded")
		}
		return e.gate(ctx, e.clock.Now(), &out)
	}()
	e.dispatch(ctx, out)
	return res, err
}

// Tick is the scheduled form of Advance; errors are already logged.
func (e *Engine) Tick(ctx context.Context) {
	res, err := e.Advance(ctx)
	if err == nil && res != rotation.Unchanged {
		e.log.Debug("tick", logx.String("result", res.String()))
	}
}

// Current returns the committed round.
func (e *Engine) Current() model.Round {
	st := e.state.Load()
	if st == nil {
		return model.Round{}
	}
	return st.Clone().Round
}

// State returns a copy of the committed aggregate.
func (e *Engine) State() *model.State { return e.state.Load().Clone() }

// Remaining returns the time left before the current round closes.
func (e *Engine) Remaining() time.Duration {
	return e.rot.Policy().Remaining(e.Current(), e.clock.Now())
}

// Stats returns the cached stats snapshot, refreshing it past the TTL.
func (e *Engine) Stats(ctx context.Context) (*stats.Snapshot, error) {
	return e.stats.GetOrRefresh(ctx, e.clock.Now())
}

// StatsView renders the stats snapshot for external consumers.
func (e *Engine) StatsView(ctx context.Context) (stats.View, error) {
	s, err := e.Stats(ctx)
	if err != nil {
		return stats.View{}, err
	}
	return s.View(e.clock.Now(), e.Remaining()), nil
}
