// Package moderation bans, unbans and handles appeals. Each action mutates
// one participant, keeps the member counters in step and queues at most one
// notification.
package moderation

import (
	"context"

	"rbs/internal/eventbus"
	"rbs/internal/ledger"
	"rbs/internal/model"
	"rbs/internal/token"
	"rbs/internal/validation"
	logx "rbs/pkg/logx"
)

// Ban sources.
const (
	SourceAuto     = "auto"
	SourceOperator = "operator"
)

type BanRequest struct {
	Subject    string
	Message    string
	Reason     string
	MostQuoted string
	Silent     bool
	Source     string
}

type Actions struct {
	tokens *token.Issuer
	log    logx.Logger
}

func New(tokens *token.Issuer, log logx.Logger) *Actions {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Actions{tokens: tokens, log: log.With(logx.String("comp", "moderation"))}
}

// Ban marks req.Subject banned. If the subject is the current author the
// round is redacted, which makes the next Advance rotate immediately.
func (a *Actions) Ban(ctx context.Context, tx *ledger.Txn, req BanRequest) error {
	p, err := tx.Dir.Get(ctx, req.Subject)
	if err != nil {
		return err
	}
	if p.Ban.Banned {
		return model.ErrAlreadyBanned
	}
	if req.Source == "" {
		req.Source = SourceOperator
	}

	p.Ban = model.BanStatus{
		Banned:     true,
		Message:    req.Message,
		Reason:     req.Reason,
		MostQuoted: req.MostQuoted,
		At:         tx.Now,
	}
	c := &tx.State.Counters
	c.Members = max(c.Members-1, 0)
	c.Banned++
	tx.State.Dequeue(p.ID)
	delete(tx.State.Preselected, p.ID)

	if r := tx.Round(); r.AuthorID == p.ID && !r.Redacted() {
		tx.Redact()
		a.tokens.Revoke(tx.State.Tokens, model.PurposeBroadcast, "")
		tx.Emit(eventbus.RoundRedacted, eventbus.RoundEvent{RoundID: r.ID, AuthorID: p.ID})
	}

	appeal, err := a.tokens.Issue(tx.State.Tokens, model.PurposeBanAppeal, p.ID, tx.Now)
	if err != nil {
		return err
	}
	tx.Put(p)
	tx.Emit(eventbus.ParticipantBanned, eventbus.ModerationEvent{Subject: p.ID, Reason: req.Reason, Source: req.Source})
	tx.Audit(req.Source, eventbus.ParticipantBanned, p.ID, req.Reason)

	if !req.Silent && p.Reachable() {
		tx.Notify(model.Notification{
			To:       p.Email,
			Template: model.TemplateBanned,
			Lang:     p.Lang,
			Params: map[string]string{
				"name":        p.DisplayName,
				"reason":      req.Reason,
				"message":     req.Message,
				"most_quoted": req.MostQuoted,
				"appeal_code": appeal.Secret,
			},
		})
	}
	a.log.Info("participant banned",
		logx.String("subject", p.ID),
		logx.String("reason", req.Reason),
		logx.String("source", req.Source),
		logx.Int64("round", tx.State.Round.ID),
	)
	return nil
}

// Unban lifts the ban on subject.
func (a *Actions) Unban(ctx context.Context, tx *ledger.Txn, subject string, silent bool) error {
	p, err := tx.Dir.Get(ctx, subject)
	if err != nil {
		return err
	}
	if !p.Ban.Banned {
		return model.ErrNotBanned
	}
	a.unban(tx, p, silent)
	return nil
}

func (a *Actions) unban(tx *ledger.Txn, p model.Participant, silent bool) {
	p.Ban = model.BanStatus{}
	c := &tx.State.Counters
	c.Members++
	c.Banned = max(c.Banned-1, 0)
	a.tokens.Revoke(tx.State.Tokens, model.PurposeBanAppeal, p.ID)
	tx.Put(p)
	tx.Emit(eventbus.ParticipantUnbanned, eventbus.ModerationEvent{Subject: p.ID, Source: SourceOperator})
	tx.Audit(SourceOperator, eventbus.ParticipantUnbanned, p.ID, "")
	if !silent && p.Reachable() {
		tx.Notify(model.Notification{
			To:       p.Email,
			Template: model.TemplateUnbanned,
			Lang:     p.Lang,
			Params:   map[string]string{"name": p.DisplayName},
		})
	}
}

// ResolveAppeal accepts (unbans) or refuses the pending appeal of subject.
// A refused participant receives a fresh appeal code at the next login.
func (a *Actions) ResolveAppeal(ctx context.Context, tx *ledger.Txn, subject string, accept, silent bool) error {
	p, err := tx.Dir.Get(ctx, subject)
	if err != nil {
		return err
	}
	if !p.Ban.Banned || p.Ban.AppealText == "" {
		return model.ErrNoAppeal
	}
	tx.Emit(eventbus.AppealResolved, eventbus.ModerationEvent{Subject: p.ID, Accept: accept, Source: SourceOperator})
	if accept {
		a.unban(tx, p, silent)
		return nil
	}

	p.Ban.AppealText = ""
	tx.Put(p)
	tx.Audit(SourceOperator, eventbus.AppealResolved, p.ID, "refused")
	if !silent && p.Reachable() {
		tx.Notify(model.Notification{
			To:       p.Email,
			Template: model.TemplateAppealRefused,
			Lang:     p.Lang,
			Params:   map[string]string{"name": p.DisplayName},
		})
	}
	return nil
}

// SubmitAppeal stores the appeal text of a banned participant. The appeal
// code is consumed; operators are alerted through the log pipeline.
func (a *Actions) SubmitAppeal(ctx context.Context, tx *ledger.Txn, subject, secret, text string) error {
	p, err := tx.Dir.Get(ctx, subject)
	if err != nil {
		return err
	}
	if !p.Ban.Banned {
		return model.ErrNotBanned
	}
	if p.Ban.AppealText != "" {
		return model.ErrAlreadyAppealed
	}
	if err := validation.Struct(validation.AppealInput{Text: text}); err != nil {
		return err
	}
	if err := a.tokens.Consume(tx.State.Tokens, model.PurposeBanAppeal, subject, secret); err != nil {
		return err
	}

	p.Ban.AppealText = text
	tx.Put(p)
	tx.Emit(eventbus.AppealSubmitted, eventbus.ModerationEvent{Subject: p.ID, Reason: p.Ban.Reason})
	tx.Audit(p.ID, eventbus.AppealSubmitted, p.ID, "")
	a.log.Warn("ban appeal submitted",
		logx.String("subject", p.ID),
		logx.String("reason", p.Ban.Reason),
		logx.String("banned_at", p.Ban.At.Format("2006-01-02 15:04")),
		logx.String("appeal", text),
		logx.Int("words", model.CountWords(text)),
	)
	return nil
}
