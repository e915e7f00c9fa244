// Package ledger holds the current round and the post archive for the
// duration of one writer transaction.
//
// A Txn mutates a private copy of the committed state. Nothing is visible to
// readers until the engine hands Change() to storage.Store.Commit; a failed
// operation simply drops the Txn.
package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"rbs/internal/directory"
	"rbs/internal/eventbus"
	"rbs/internal/model"
	"rbs/internal/storage"
)

type Txn struct {
	Now   time.Time
	State *model.State
	Dir   *directory.Directory

	archive  []model.ArchivedPost
	audit    []storage.AuditEntry
	notes    []model.Notification
	events   []eventbus.Event
	dirty    bool
	rotated  bool
	archived map[int64]bool
}

// Begin starts a transaction over a copy of base.
func Begin(base *model.State, store storage.Store, now time.Time) *Txn {
	st := base.Clone()
	if st == nil {
		st = model.NewState(now)
	}
	return &Txn{
		Now:      now,
		State:    st,
		Dir:      directory.New(store),
		archived: map[int64]bool{},
	}
}

// Round returns the mutable current round.
func (t *Txn) Round() *model.Round { return &t.State.Round }

// Touch marks the state as changed.
func (t *Txn) Touch() { t.dirty = true }

func (t *Txn) Dirty() bool { return t.dirty }

// Rotated reports whether the round identity changed in this transaction.
func (t *Txn) Rotated() bool { return t.rotated }

// Put stages a participant write.
func (t *Txn) Put(p model.Participant) {
	t.Dir.Put(p)
	t.dirty = true
}

// Notify queues a notification for dispatch after commit and gives it an
// id when it has none.
func (t *Txn) Notify(n model.Notification) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	t.notes = append(t.notes, n)
}

// Emit queues a bus event for publication after commit.
func (t *Txn) Emit(typ string, data any) {
	t.events = append(t.events, eventbus.Event{Type: typ, Time: t.Now, Data: data})
}

// Audit appends an audit entry for the current round.
func (t *Txn) Audit(actor, action, subject, detail string) {
	t.audit = append(t.audit, storage.AuditEntry{
		At:      t.Now,
		Actor:   actor,
		Action:  action,
		Subject: subject,
		RoundID: t.State.Round.ID,
		Detail:  detail,
	})
	t.dirty = true
}

func (t *Txn) Notifications() []model.Notification { return t.notes }

func (t *Txn) Events() []eventbus.Event { return t.events }

// Change returns everything the transaction wants persisted.
func (t *Txn) Change() storage.Change {
	if !t.dirty {
		return storage.Change{}
	}
	return storage.Change{
		State:        t.State,
		Participants: t.Dir.Dirty(),
		Archive:      t.archive,
		Audit:        t.audit,
	}
}

// CloseRound archives the current round when it carries a live broadcast and
// folds it into the running broadcast statistics. Empty and redacted rounds
// are not archived. It returns whether a post was written.
func (t *Txn) CloseRound(policy model.RatioPolicy) (bool, error) {
	r := t.State.Round
	if !r.Live() {
		return false, nil
	}
	if t.archived[r.ID] {
		return false, fmt.Errorf("round %d archived twice", r.ID)
	}
	t.archived[r.ID] = true
	t.archive = append(t.archive, r.Archive(t.Now, policy))
	t.State.Broadcasts.Fold(r.Content, r.Language)
	t.dirty = true
	return true, nil
}

// OpenRound replaces the current round with a fresh one for author.
func (t *Txn) OpenRound(author model.Participant) model.Round {
	t.State.Round = model.Round{
		ID:             t.State.Round.ID + 1,
		AuthorID:       author.ID,
		AuthorName:     author.DisplayName,
		CreatedAt:      t.Now,
		LastAdvancedAt: t.Now,
	}
	t.State.Counters.Rotations++
	t.rotated = true
	t.dirty = true
	return t.State.Round
}

// Redact tombstones the current round's content and author name.
func (t *Txn) Redact() {
	r := &t.State.Round
	r.Content = model.Tombstone
	r.AuthorName = model.Tombstone
	r.Translations = nil
	t.dirty = true
}
