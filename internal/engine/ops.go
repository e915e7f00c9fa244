package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"rbs/internal/ballot"
	"rbs/internal/eventbus"
	"rbs/internal/identity"
	"rbs/internal/ledger"
	"rbs/internal/model"
	"rbs/internal/moderation"
	"rbs/internal/validation"
	logx "rbs/pkg/logx"
)

// LoginResult is returned by Login. AppealCode is set when a banned
// participant was issued a new appeal code.
type LoginResult struct {
	Participant model.Participant
	Created     bool
	AppealCode  string
}

// Login registers or refreshes the participant behind an identity-provider
// account.
func (e *Engine) Login(ctx context.Context, provider string, prof identity.Profile) (LoginResult, error) {
	id, err := identity.ParticipantID(provider, prof.ExternalID)
	if err != nil {
		return LoginResult{}, err
	}
	email := strings.TrimSpace(prof.Email)

	var res LoginResult
	err = e.run(ctx, func(tx *ledger.Txn) error {
		p, err := tx.Dir.Get(ctx, id)
		switch {
		case errors.Is(err, model.ErrNotFound):
			p = model.Participant{
				ID:          id,
				DisplayName: strings.TrimSpace(prof.DisplayName),
				Lang:        identity.Lang(prof.LocaleHint),
				CreatedAt:   tx.Now,
			}
			res.Created = true
		case err != nil:
			return err
		}

		if email != "" && !strings.EqualFold(email, p.Email) {
			other, err := tx.Dir.ByEmail(ctx, email)
			switch {
			case err == nil && other.ID != id:
				return model.ErrDuplicateAccount
			case err != nil && !errors.Is(err, model.ErrNotFound):
				return err
			}
			p.Email = email
		}
		if p.DisplayName == "" {
			p.DisplayName = strings.TrimSpace(prof.DisplayName)
		}
		p.LastActiveAt = tx.Now

		if res.Created {
			tx.State.Counters.Members++
			tx.Emit(eventbus.ParticipantJoined, eventbus.ParticipantEvent{ID: id, Provider: identity.Provider(id)})
			tx.Audit(id, eventbus.ParticipantJoined, id, "")
		}
		if p.Ban.Banned && p.Ban.AppealText == "" && !e.tokens.Has(tx.State.Tokens, model.PurposeBanAppeal, id) {
			tok, err := e.tokens.Issue(tx.State.Tokens, model.PurposeBanAppeal, id, tx.Now)
			if err != nil {
				return err
			}
			res.AppealCode = tok.Secret
		}
		tx.Put(p)
		res.Participant = p
		return nil
	})
	return res, err
}

// Touch records activity for userID.
func (e *Engine) Touch(ctx context.Context, userID string) error {
	return e.run(ctx, func(tx *ledger.Txn) error {
		p, err := tx.Dir.Get(ctx, userID)
		if err != nil {
			return err
		}
		p.LastActiveAt = tx.Now
		tx.Put(p)
		return nil
	})
}

// Publish submits the current author's broadcast. The broadcast code is
// consumed on success.
func (e *Engine) Publish(ctx context.Context, userID, secret, content, displayName string) (model.Round, error) {
	content = strings.TrimSpace(content)
	displayName = strings.TrimSpace(displayName)
	if err := validation.Struct(validation.BroadcastInput{Content: content, DisplayName: displayName}); err != nil {
		return model.Round{}, err
	}

	// Translation runs before the writer lock is taken.
	var (
		lang         string
		translations map[string]string
	)
	if e.translator != nil {
		tctx, cancel := context.WithTimeout(ctx, time.Duration(e.translateTimeout.Load()))
		l, tr, err := e.translator.Translate(tctx, content)
		cancel()
		if err != nil {
			e.log.Warn("translation failed", logx.String("author", userID), logx.Err(err))
		} else {
			lang, translations = l, tr
		}
	}

	var round model.Round
	err := e.run(ctx, func(tx *ledger.Txn) error {
		r := tx.Round()
		if r.AuthorID != userID || r.Redacted() {
			return model.ErrNotAuthor
		}
		if err := e.tokens.Consume(tx.State.Tokens, model.PurposeBroadcast, userID, secret); err != nil {
			return err
		}
		if r.Content != "" {
			return model.ErrAlreadyPublished
		}
		p, err := tx.Dir.Get(ctx, userID)
		if err != nil {
			return err
		}
		if displayName != "" {
			r.AuthorName = displayName
			p.DisplayName = displayName
		}
		p.LastActiveAt = tx.Now
		tx.Put(p)
		r.Content = content
		r.CreatedAt = tx.Now
		r.Language = lang
		r.Translations = translations
		tx.Touch()
		tx.Emit(eventbus.RoundPublished, eventbus.RoundEvent{RoundID: r.ID, AuthorID: userID, Words: model.CountWords(content)})
		tx.Audit(userID, eventbus.RoundPublished, userID, lang)
		round = *r
		return nil
	})
	if err != nil {
		return model.Round{}, err
	}
	e.stats.Invalidate()
	return round, nil
}

// Vote applies a vote to the live broadcast.
func (e *Engine) Vote(ctx context.Context, userID string, dir model.Direction) (ballot.VoteResult, error) {
	var res ballot.VoteResult
	err := e.run(ctx, func(tx *ledger.Txn) error {
		var err error
		res, err = e.ballot.Vote(ctx, tx, userID, dir)
		return err
	})
	return res, err
}

// Report files a report against the live broadcast and may ban its author.
func (e *Engine) Report(ctx context.Context, userID, reason, quote string) (ballot.ReportResult, error) {
	var res ballot.ReportResult
	err := e.run(ctx, func(tx *ledger.Txn) error {
		var err error
		res, err = e.ballot.Report(ctx, tx, userID, reason, strings.TrimSpace(quote))
		return err
	})
	return res, err
}

// SubmitAppeal stores a banned participant's appeal.
func (e *Engine) SubmitAppeal(ctx context.Context, userID, secret, text string) error {
	return e.run(ctx, func(tx *ledger.Txn) error {
		return e.mod.SubmitAppeal(ctx, tx, userID, secret, strings.TrimSpace(text))
	})
}

// Window estimates when a re-queued author will be selected.
type Window struct {
	Position    int
	Optimistic  time.Duration
	Pessimistic time.Duration
}

// Reselect answers a missed-window prompt. Accepting puts the author back in
// the queue; declining just clears the prompt.
func (e *Engine) Reselect(ctx context.Context, userID string, accept bool) (Window, error) {
	var w Window
	err := e.run(ctx, func(tx *ledger.Txn) error {
		if _, ok := tx.State.Preselected[userID]; !ok {
			return model.ErrNotPreselected
		}
		delete(tx.State.Preselected, userID)
		tx.Touch()
		if !accept {
			return nil
		}
		p, err := tx.Dir.Get(ctx, userID)
		if err != nil {
			return err
		}
		if p.Ban.Banned {
			return model.ErrForbidden
		}
		if !tx.State.Queued(userID) {
			tx.State.Queue = append(tx.State.Queue, userID)
			tx.Emit(eventbus.QueueChanged, eventbus.QueueEvent{Subject: userID, Length: len(tx.State.Queue)})
		}
		w = e.window(tx, userID)
		return nil
	})
	return w, err
}

func (e *Engine) window(tx *ledger.Txn, userID string) Window {
	p := e.rot.Policy()
	pos := 0
	for i, id := range tx.State.Queue {
		if id == userID {
			pos = i + 1
			break
		}
	}
	left := p.Remaining(tx.State.Round, tx.Now)
	ahead := time.Duration(max(pos-1, 0))
	return Window{
		Position:    pos,
		Optimistic:  left + ahead*p.PublishWindow,
		Pessimistic: left + ahead*(p.PublishWindow+p.EvaluationWindow),
	}
}

// IssueAdminToken replaces the admin-action token and returns its secret.
func (e *Engine) IssueAdminToken(ctx context.Context) (string, error) {
	var secret string
	err := e.run(ctx, func(tx *ledger.Txn) error {
		tok, err := e.tokens.Issue(tx.State.Tokens, model.PurposeAdminAction, "", tx.Now)
		if err != nil {
			return err
		}
		secret = tok.Secret
		tx.Audit(moderation.SourceOperator, "admin.token_issued", "", "")
		return nil
	})
	return secret, err
}

// admin consumes the admin-action token and then runs op. If op fails the
// transaction is dropped and the token stays valid.
func (e *Engine) admin(ctx context.Context, secret string, op func(tx *ledger.Txn) error) error {
	return e.run(ctx, func(tx *ledger.Txn) error {
		if err := e.tokens.Consume(tx.State.Tokens, model.PurposeAdminAction, "", secret); err != nil {
			e.log.Warn("admin action rejected", logx.Err(err))
			return fmt.Errorf("%w: %v", model.ErrForbidden, err)
		}
		tx.Touch()
		return op(tx)
	})
}

// Ban is the operator-facing ban.
func (e *Engine) Ban(ctx context.Context, adminSecret string, req moderation.BanRequest) error {
	req.Source = moderation.SourceOperator
	return e.admin(ctx, adminSecret, func(tx *ledger.Txn) error {
		return e.mod.Ban(ctx, tx, req)
	})
}

func (e *Engine) Unban(ctx context.Context, adminSecret, subject string, silent bool) error {
	return e.admin(ctx, adminSecret, func(tx *ledger.Txn) error {
		return e.mod.Unban(ctx, tx, subject, silent)
	})
}

func (e *Engine) ResolveAppeal(ctx context.Context, adminSecret, subject string, accept, silent bool) error {
	return e.admin(ctx, adminSecret, func(tx *ledger.Txn) error {
		return e.mod.ResolveAppeal(ctx, tx, subject, accept, silent)
	})
}

// QueueBroadcaster appends subject to the future-broadcasters queue.
func (e *Engine) QueueBroadcaster(ctx context.Context, adminSecret, subject string) error {
	return e.admin(ctx, adminSecret, func(tx *ledger.Txn) error {
		p, err := tx.Dir.Get(ctx, subject)
		if err != nil {
			return err
		}
		if p.Ban.Banned {
			return model.ErrAlreadyBanned
		}
		if !tx.State.Queued(subject) {
			tx.State.Queue = append(tx.State.Queue, subject)
			tx.Emit(eventbus.QueueChanged, eventbus.QueueEvent{Subject: subject, Length: len(tx.State.Queue)})
		}
		tx.Audit(moderation.SourceOperator, eventbus.QueueChanged, subject, "")
		return nil
	})
}
