// Package directory answers participant eligibility queries for one
// transaction. Writes land in an overlay that the ledger flushes with the
// rest of the transaction; reads see the overlay first.
package directory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"rbs/internal/model"
	"rbs/internal/storage"
)

type Directory struct {
	store storage.Store
	dirty map[string]model.Participant
	order []string
}

func New(store storage.Store) *Directory {
	return &Directory{store: store, dirty: map[string]model.Participant{}}
}

// Get returns the participant with id, or model.ErrNotFound.
func (d *Directory) Get(ctx context.Context, id string) (model.Participant, error) {
	if p, ok := d.dirty[id]; ok {
		return p, nil
	}
	if strings.TrimSpace(id) == "" {
		return model.Participant{}, fmt.Errorf("participant: %w", model.ErrNotFound)
	}
	return d.store.Participant(ctx, id)
}

// ByEmail looks a participant up by contact address.
func (d *Directory) ByEmail(ctx context.Context, email string) (model.Participant, error) {
	want := strings.ToLower(strings.TrimSpace(email))
	for _, id := range d.order {
		if p := d.dirty[id]; strings.ToLower(p.Email) == want {
			return p, nil
		}
	}
	p, err := d.store.ParticipantByEmail(ctx, email)
	if err != nil {
		return p, err
	}
	if over, ok := d.dirty[p.ID]; ok && !strings.EqualFold(over.Email, email) {
		return model.Participant{}, fmt.Errorf("participant email: %w", model.ErrNotFound)
	}
	return p, nil
}

// Exists reports whether id is a known participant.
func (d *Directory) Exists(ctx context.Context, id string) (bool, error) {
	_, err := d.Get(ctx, id)
	if errors.Is(err, model.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Put stages p for the next commit.
func (d *Directory) Put(p model.Participant) {
	if _, seen := d.dirty[p.ID]; !seen {
		d.order = append(d.order, p.ID)
	}
	d.dirty[p.ID] = p
}

// Dirty returns staged participants in first-write order.
func (d *Directory) Dirty() []model.Participant {
	out := make([]model.Participant, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, d.dirty[id])
	}
	return out
}

// EligibleIDs lists non-banned participants not in exclude, sorted by id.
func (d *Directory) EligibleIDs(ctx context.Context, exclude []string) ([]string, error) {
	ids, err := d.store.ParticipantIDs(ctx, storage.Filter{ExcludeBanned: true, ExcludeIDs: exclude})
	if err != nil {
		return nil, fmt.Errorf("eligible participants: %w", err)
	}
	if len(d.dirty) == 0 {
		return ids, nil
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	for id, p := range d.dirty {
		if p.Ban.Banned || slices.Contains(exclude, id) {
			delete(set, id)
			continue
		}
		set[id] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// Reports returns every report against roundID in report order, including
// reports staged in this transaction.
func (d *Directory) Reports(ctx context.Context, roundID int64) ([]storage.ReportRow, error) {
	rows, err := d.store.Reports(ctx, roundID)
	if err != nil {
		return nil, fmt.Errorf("reports for round %d: %w", roundID, err)
	}
	rows = slices.DeleteFunc(rows, func(r storage.ReportRow) bool {
		_, over := d.dirty[r.ParticipantID]
		return over
	})
	for _, id := range d.order {
		p := d.dirty[id]
		if p.ReportedOn(roundID) {
			rows = append(rows, storage.ReportRow{ParticipantID: p.ID, Reason: p.Report.Reason, Quote: p.Report.Quote, At: p.Report.At})
		}
	}
	storage.SortReports(rows)
	return rows, nil
}
