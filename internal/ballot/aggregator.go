// Package ballot applies votes and reports to the live round and runs the
// automatic ban rule.
package ballot

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"rbs/internal/eventbus"
	"rbs/internal/ledger"
	"rbs/internal/model"
	"rbs/internal/moderation"
	"rbs/internal/validation"
	logx "rbs/pkg/logx"
)

// SeenCounter reports how many participants were active since the round
// started. The stats cache implements it.
type SeenCounter interface {
	ActiveSince(ctx context.Context, now time.Time, round model.Round) (int, error)
}

type VoteResult struct {
	Applied    bool
	ToggledOff bool
	Direction  model.Direction
}

type ReportResult struct {
	Accepted bool
	Banned   bool
}

type Aggregator struct {
	rule atomic.Pointer[Rule]
	seen SeenCounter
	mod  *moderation.Actions
	log  logx.Logger
}

func New(rule Rule, seen SeenCounter, mod *moderation.Actions, log logx.Logger) *Aggregator {
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Aggregator{seen: seen, mod: mod, log: log.With(logx.String("comp", "ballot"))}
	a.SetRule(rule)
	return a
}

func (a *Aggregator) SetRule(r Rule) {
	r = r.normalized()
	a.rule.Store(&r)
}

func (a *Aggregator) Rule() Rule { return *a.rule.Load() }

func (a *Aggregator) voter(ctx context.Context, tx *ledger.Txn, userID string) (model.Participant, error) {
	if !tx.Round().Live() {
		return model.Participant{}, model.ErrNoActiveBroadcast
	}
	p, err := tx.Dir.Get(ctx, userID)
	if err != nil {
		return p, err
	}
	if p.Ban.Banned {
		return p, model.ErrForbidden
	}
	return p, nil
}

// Vote applies dir for userID. Repeating the held direction withdraws it;
// the opposite direction moves the vote.
func (a *Aggregator) Vote(ctx context.Context, tx *ledger.Txn, userID string, dir model.Direction) (VoteResult, error) {
	if dir != model.Up && dir != model.Down {
		return VoteResult{}, fmt.Errorf("vote direction %d: %w", dir, model.ErrInvalidInput)
	}
	p, err := a.voter(ctx, tx, userID)
	if err != nil {
		return VoteResult{}, err
	}
	r := tx.Round()
	prev := p.VoteOn(r.ID)
	adjust(r, prev, -1)

	res := VoteResult{Applied: true, Direction: dir}
	effect := "applied"
	switch prev {
	case dir:
		res = VoteResult{Applied: true, ToggledOff: true}
		p.Vote = model.VoteMark{}
		effect = "toggled_off"
	case model.NoVote:
		p.Vote = model.VoteMark{RoundID: r.ID, Direction: dir}
		adjust(r, dir, 1)
	default:
		p.Vote = model.VoteMark{RoundID: r.ID, Direction: dir}
		adjust(r, dir, 1)
		effect = "switched"
	}
	p.LastActiveAt = tx.Now
	tx.Put(p)
	tx.Emit(eventbus.VoteCast, eventbus.VoteEvent{RoundID: r.ID, Direction: dir.String(), Effect: effect})
	return res, nil
}

func adjust(r *model.Round, d model.Direction, delta int) {
	switch d {
	case model.Up:
		r.Upvotes = max(r.Upvotes+delta, 0)
	case model.Down:
		r.Downvotes = max(r.Downvotes+delta, 0)
	}
}

// Report records one report by userID against the live round and, when the
// ban rule trips, bans the author. Self-reports count like any other.
func (a *Aggregator) Report(ctx context.Context, tx *ledger.Txn, userID, reason, quote string) (ReportResult, error) {
	p, err := a.voter(ctx, tx, userID)
	if err != nil {
		return ReportResult{}, err
	}
	r := tx.Round()
	if p.ReportedOn(r.ID) {
		return ReportResult{}, model.ErrAlreadyReported
	}
	if err := validation.Struct(validation.ReportInput{Content: r.Content, Reason: reason, Quote: quote}); err != nil {
		return ReportResult{}, err
	}
	if reason == model.ReasonOffensiveName {
		quote = ""
	}

	p.Report = model.ReportMark{RoundID: r.ID, Reason: reason, Quote: quote, At: tx.Now}
	p.LastActiveAt = tx.Now
	tx.Put(p)
	r.Reports++
	tx.Emit(eventbus.ReportAccepted, eventbus.ReportEvent{RoundID: r.ID, Reason: reason, Count: r.Reports})

	seen, err := a.seen.ActiveSince(ctx, tx.Now, *r)
	if err != nil {
		return ReportResult{}, fmt.Errorf("ban rule: %w", err)
	}
	members := tx.State.Counters.Members
	if !a.Rule().ShouldBan(seen, members, r.Reports) {
		return ReportResult{Accepted: true}, nil
	}

	req, err := a.banRequest(ctx, tx)
	if err != nil {
		return ReportResult{}, err
	}
	a.log.Warn("report threshold reached, banning author",
		logx.String("author", r.AuthorID),
		logx.Int64("round", r.ID),
		logx.Int("reports", r.Reports),
		logx.Int("seen", seen),
		logx.Int("members", members),
		logx.String("reason", req.Reason),
	)
	if err := a.mod.Ban(ctx, tx, req); err != nil {
		return ReportResult{}, fmt.Errorf("auto ban: %w", err)
	}
	return ReportResult{Accepted: true, Banned: true}, nil
}

func (a *Aggregator) banRequest(ctx context.Context, tx *ledger.Txn) (moderation.BanRequest, error) {
	r := tx.Round()
	rows, err := tx.Dir.Reports(ctx, r.ID)
	if err != nil {
		return moderation.BanRequest{}, err
	}
	reason := WinningReason(rows)
	req := moderation.BanRequest{
		Subject: r.AuthorID,
		Message: r.Content,
		Reason:  reason,
		Source:  moderation.SourceAuto,
	}
	if reason == model.ReasonOffensiveName {
		req.MostQuoted = r.AuthorName
		return req, nil
	}
	var quotes []string
	for _, row := range rows {
		if row.Reason == reason {
			quotes = append(quotes, row.Quote)
		}
	}
	req.MostQuoted = MostQuoted(quotes)
	return req, nil
}
