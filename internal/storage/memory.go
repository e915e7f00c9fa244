package storage

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"rbs/internal/model"
)

type memStore struct {
	mu sync.RWMutex

	state        *model.State
	participants map[string]model.Participant
	byEmail      map[string]string
	archive      map[int64]model.ArchivedPost
	audit        []AuditEntry
	snapshot     []byte
	dedup        map[string]time.Time
}

// NewMemory returns an empty in-process store.
func NewMemory() Store {
	return &memStore{
		participants: map[string]model.Participant{},
		byEmail:      map[string]string{},
		archive:      map[int64]model.ArchivedPost{},
		dedup:        map[string]time.Time{},
	}
}

func (m *memStore) LoadState(context.Context) (*model.State, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state == nil {
		return nil, false, nil
	}
	return m.state.Clone(), true, nil
}

func (m *memStore) Participant(_ context.Context, id string) (model.Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.participants[id]
	if !ok {
		return model.Participant{}, fmt.Errorf("participant %q: %w", id, model.ErrNotFound)
	}
	return p, nil
}

func (m *memStore) ParticipantByEmail(_ context.Context, email string) (model.Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byEmail[normEmail(email)]
	if !ok {
		return model.Participant{}, fmt.Errorf("participant email: %w", model.ErrNotFound)
	}
	return m.participants[id], nil
}

func (m *memStore) match(p model.Participant, f Filter) bool {
	if f.ExcludeBanned && p.Ban.Banned {
		return false
	}
	if !f.ActiveSince.IsZero() && p.LastActiveAt.Before(f.ActiveSince) {
		return false
	}
	return !slices.Contains(f.ExcludeIDs, p.ID)
}

func (m *memStore) ParticipantIDs(_ context.Context, f Filter) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.participants))
	for _, p := range m.participants {
		if m.match(p, f) {
			out = append(out, p.ID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *memStore) CountParticipants(_ context.Context, f Filter) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, p := range m.participants {
		if m.match(p, f) {
			n++
		}
	}
	return n, nil
}

func (m *memStore) Reports(_ context.Context, roundID int64) ([]ReportRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ReportRow
	for _, p := range m.participants {
		if p.ReportedOn(roundID) {
			out = append(out, ReportRow{ParticipantID: p.ID, Reason: p.Report.Reason, Quote: p.Report.Quote, At: p.Report.At})
		}
	}
	SortReports(out)
	return out, nil
}

func (m *memStore) ArchivedPost(_ context.Context, id int64) (model.ArchivedPost, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.archive[id]
	if !ok {
		return model.ArchivedPost{}, fmt.Errorf("archived post %d: %w", id, model.ErrNotFound)
	}
	p.Translations = maps.Clone(p.Translations)
	return p, nil
}

func (m *memStore) TopPosts(_ context.Context, q TopQuery) ([]model.ArchivedPost, error) {
	if !q.Field.Valid() {
		return nil, fmt.Errorf("top posts: unsupported field %q", q.Field)
	}
	m.mu.RLock()
	posts := make([]model.ArchivedPost, 0, len(m.archive))
	for _, p := range m.archive {
		p.Translations = maps.Clone(p.Translations)
		posts = append(posts, p)
	}
	m.mu.RUnlock()

	key := func(p model.ArchivedPost) float64 {
		switch q.Field {
		case TopUpvotes:
			return float64(p.Upvotes)
		case TopDownvotes:
			return float64(p.Downvotes)
		default:
			return p.Ratio
		}
	}
	sort.Slice(posts, func(i, j int) bool {
		a, b := key(posts[i]), key(posts[j])
		if a != b {
			if q.Desc {
				return a > b
			}
			return a < b
		}
		return posts[i].ID < posts[j].ID
	})
	if q.Limit > 0 && len(posts) > q.Limit {
		posts = posts[:q.Limit]
	}
	return posts, nil
}

func (m *memStore) Commit(_ context.Context, c Change) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Validate first so a failing change leaves nothing behind.
	for _, a := range c.Archive {
		if _, dup := m.archive[a.ID]; dup {
			return fmt.Errorf("archive post %d already exists", a.ID)
		}
	}
	emails := maps.Clone(m.byEmail)
	for _, p := range c.Participants {
		if old, ok := m.participants[p.ID]; ok && old.Email != "" {
			delete(emails, normEmail(old.Email))
		}
		if p.Email == "" {
			continue
		}
		if owner, ok := emails[normEmail(p.Email)]; ok && owner != p.ID {
			return fmt.Errorf("participant %q: %w", p.ID, model.ErrDuplicateAccount)
		}
		emails[normEmail(p.Email)] = p.ID
	}

	if c.State != nil {
		m.state = c.State.Clone()
	}
	for _, p := range c.Participants {
		m.participants[p.ID] = p
	}
	m.byEmail = emails
	for _, a := range c.Archive {
		a.Translations = maps.Clone(a.Translations)
		m.archive[a.ID] = a
	}
	for _, e := range c.Audit {
		m.audit = append(m.audit, stampAudit(e))
	}
	return nil
}

func (m *memStore) SaveSnapshot(_ context.Context, blob []byte) error {
	m.mu.Lock()
	m.snapshot = slices.Clone(blob)
	m.mu.Unlock()
	return nil
}

func (m *memStore) LoadSnapshot(context.Context) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.snapshot == nil {
		return nil, false, nil
	}
	return slices.Clone(m.snapshot), true, nil
}

func (m *memStore) AppendAudit(_ context.Context, e AuditEntry) error {
	m.mu.Lock()
	m.audit = append(m.audit, stampAudit(e))
	m.mu.Unlock()
	return nil
}

func (m *memStore) PutDedup(_ context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	m.mu.Lock()
	m.dedup[key] = until
	m.mu.Unlock()
	return nil
}

func (m *memStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	until, ok := m.dedup[key]
	return until, ok, nil
}

func (m *memStore) Close() error { return nil }

func normEmail(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
