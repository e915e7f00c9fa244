// Package rotation decides when the broadcast round closes and who speaks
// next.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"strconv"
	"sync/atomic"
	"time"

	"rbs/internal/eventbus"
	"rbs/internal/ledger"
	"rbs/internal/model"
	"rbs/internal/token"
	logx "rbs/pkg/logx"
)

type Result int

const (
	Unchanged Result = iota
	Reminded
	Rotated
)

func (r Result) String() string {
	switch r {
	case Reminded:
		return "reminded"
	case Rotated:
		return "closed_and_reselected"
	default:
		return "unchanged"
	}
}

type Scheduler struct {
	policy atomic.Pointer[Policy]
	tokens *token.Issuer
	log    logx.Logger
	intN   func(n int) int
}

type Option func(*Scheduler)

// WithIntN replaces the uniform draw used for random selection.
func WithIntN(fn func(n int) int) Option { return func(s *Scheduler) { s.intN = fn } }

func New(p Policy, tokens *token.Issuer, log logx.Logger, opts ...Option) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Scheduler{tokens: tokens, log: log.With(logx.String("comp", "rotation")), intN: rand.IntN}
	for _, o := range opts {
		o(s)
	}
	s.SetPolicy(p)
	return s
}

// SetPolicy swaps the timing policy; safe while Advance runs.
func (s *Scheduler) SetPolicy(p Policy) {
	p = p.normalized()
	s.policy.Store(&p)
}

func (s *Scheduler) Policy() Policy { return *s.policy.Load() }

// Advance evaluates the round in tx and, when due, sends reminders or closes
// the round and selects the next author. Calling it again with the same
// clock after a rotation is a no-op because the new round is fresh.
//
// On error the transaction must be discarded; the round stays open.
func (s *Scheduler) Advance(ctx context.Context, tx *ledger.Txn) (Result, error) {
	p := s.Policy()
	r := tx.Round()
	now := tx.Now

	switch {
	case r.AuthorID == "" && r.Content == "":
		// cold start
	case r.Redacted():
	case r.Live():
		if now.Sub(r.CreatedAt) < p.EvaluationWindow {
			return Unchanged, nil
		}
	default:
		elapsed := now.Sub(r.LastAdvancedAt)
		if elapsed < p.PublishWindow {
			return s.remind(ctx, tx, p, p.PublishWindow-elapsed)
		}
	}
	return s.rotate(ctx, tx, p)
}

func (s *Scheduler) remind(ctx context.Context, tx *ledger.Txn, p Policy, remaining time.Duration) (Result, error) {
	r := tx.Round()
	var tmpl string
	switch {
	case remaining <= p.FinalReminder && !r.Reminders.Final:
		tmpl = model.TemplateReminder1h
		r.Reminders.Final = true
		r.Reminders.Early = true
	case remaining <= p.FirstReminder && !r.Reminders.Early:
		tmpl = model.TemplateReminder12h
		r.Reminders.Early = true
	default:
		return Unchanged, nil
	}
	tx.Touch()

	author, err := tx.Dir.Get(ctx, r.AuthorID)
	switch {
	case err != nil && !errors.Is(err, model.ErrNotFound):
		return Unchanged, fmt.Errorf("reminder author: %w", err)
	case err == nil && author.Reachable():
		tx.Notify(model.Notification{
			To:       author.Email,
			Template: tmpl,
			Lang:     author.Lang,
			Params: map[string]string{
				"name":      author.DisplayName,
				"round":     strconv.FormatInt(r.ID, 10),
				"remaining": remaining.Round(time.Minute).String(),
			},
		})
	default:
		s.log.Warn("reminder not deliverable", logx.String("author", r.AuthorID), logx.String("template", tmpl))
	}
	tx.Emit(eventbus.RoundReminded, eventbus.RoundEvent{RoundID: r.ID, AuthorID: r.AuthorID, Template: tmpl})
	return Reminded, nil
}

func (s *Scheduler) rotate(ctx context.Context, tx *ledger.Txn, p Policy) (Result, error) {
	out := tx.State.Round
	now := tx.Now

	switch {
	case out.Live():
		if _, err := tx.CloseRound(p.Ratio); err != nil {
			return Unchanged, err
		}
		tx.Emit(eventbus.RoundArchived, eventbus.RoundEvent{RoundID: out.ID, AuthorID: out.AuthorID, Words: model.CountWords(out.Content)})
		tx.Audit("system", eventbus.RoundArchived, out.AuthorID, "")
	case out.Redacted():
		tx.Emit(eventbus.RoundRedacted, eventbus.RoundEvent{RoundID: out.ID, AuthorID: out.AuthorID})
		tx.Audit("system", eventbus.RoundRedacted, out.AuthorID, "")
	case out.AuthorID != "":
		if err := s.missed(ctx, tx, out); err != nil {
			return Unchanged, err
		}
	}

	for id, at := range tx.State.Preselected {
		if now.Sub(at) > p.PreselectedTTL {
			delete(tx.State.Preselected, id)
			tx.Touch()
		}
	}

	next, source, err := s.selectAuthor(ctx, tx, out.AuthorID)
	if err != nil {
		return Unchanged, err
	}

	s.tokens.Revoke(tx.State.Tokens, model.PurposeBroadcast, "")
	round := tx.OpenRound(next)
	tok, err := s.tokens.Issue(tx.State.Tokens, model.PurposeBroadcast, next.ID, now)
	if err != nil {
		return Unchanged, fmt.Errorf("broadcast token: %w", err)
	}

	tx.Notify(model.Notification{
		To:       next.Email,
		Template: model.TemplateBroadcasterSelected,
		Lang:     next.Lang,
		Params: map[string]string{
			"name":     next.DisplayName,
			"round":    strconv.FormatInt(round.ID, 10),
			"code":     tok.Secret,
			"deadline": now.Add(p.PublishWindow).Format(time.RFC3339),
		},
	})
	tx.Emit(eventbus.AuthorSelected, eventbus.SelectionEvent{RoundID: round.ID, AuthorID: next.ID, Source: source})
	tx.Audit("system", eventbus.AuthorSelected, next.ID, source)
	s.log.Info("round rotated",
		logx.Int64("from", out.ID),
		logx.Int64("to", round.ID),
		logx.String("author", next.ID),
		logx.String("source", source),
	)
	return Rotated, nil
}

func (s *Scheduler) missed(ctx context.Context, tx *ledger.Txn, out model.Round) error {
	tx.State.Counters.Missed++
	tx.State.Preselected[out.AuthorID] = tx.Now
	tx.Emit(eventbus.RoundMissed, eventbus.RoundEvent{RoundID: out.ID, AuthorID: out.AuthorID})
	tx.Audit("system", eventbus.RoundMissed, out.AuthorID, "")

	author, err := tx.Dir.Get(ctx, out.AuthorID)
	if errors.Is(err, model.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("missed author: %w", err)
	}
	if author.Reachable() && !author.Ban.Banned {
		tx.Notify(model.Notification{
			To:       author.Email,
			Template: model.TemplateMissed,
			Lang:     author.Lang,
			Params:   map[string]string{"name": author.DisplayName, "round": strconv.FormatInt(out.ID, 10)},
		})
	}
	return nil
}

// selectAuthor pops the queue head, skipping banned or unknown entries, and
// falls back to a uniform draw over eligible participants. Unreachable
// candidates are reported and excluded; an empty pool is an error.
func (s *Scheduler) selectAuthor(ctx context.Context, tx *ledger.Txn, outgoing string) (model.Participant, string, error) {
	roundID := tx.State.Round.ID + 1

	for len(tx.State.Queue) > 0 {
		id := tx.State.Queue[0]
		tx.State.Queue = tx.State.Queue[1:]
		tx.Touch()
		tx.Emit(eventbus.QueueChanged, eventbus.QueueEvent{Subject: id, Length: len(tx.State.Queue)})

		p, err := tx.Dir.Get(ctx, id)
		if errors.Is(err, model.ErrNotFound) {
			continue
		}
		if err != nil {
			return model.Participant{}, "", fmt.Errorf("queued author: %w", err)
		}
		if p.Ban.Banned {
			continue
		}
		if !p.Reachable() {
			s.unreachable(tx, roundID, id, "queue")
			continue
		}
		return p, "queue", nil
	}

	var exclude []string
	if outgoing != "" {
		exclude = append(exclude, outgoing)
	}
	pool, err := tx.Dir.EligibleIDs(ctx, exclude)
	if err != nil {
		return model.Participant{}, "", err
	}
	for len(pool) > 0 {
		i := s.intN(len(pool))
		id := pool[i]
		pool = slices.Delete(pool, i, i+1)

		p, err := tx.Dir.Get(ctx, id)
		if err != nil {
			return model.Participant{}, "", fmt.Errorf("random author: %w", err)
		}
		if !p.Reachable() {
			s.unreachable(tx, roundID, id, "random")
			continue
		}
		return p, "random", nil
	}
	return model.Participant{}, "", model.ErrNoEligibleAuthor
}

func (s *Scheduler) unreachable(tx *ledger.Txn, roundID int64, id, source string) {
	tx.Emit(eventbus.AuthorUnreachable, eventbus.SelectionEvent{
		RoundID:  roundID,
		AuthorID: id,
		Source:   source,
		Error:    model.ErrUnreachableAuthor.Error(),
	})
	s.log.Warn("selected author unreachable, retrying",
		logx.String("author", id),
		logx.String("source", source),
		logx.Err(model.ErrUnreachableAuthor),
	)
}
