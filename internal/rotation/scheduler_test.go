package rotation

import (
	"context"
	"errors"
	"testing"
	"time"

	"rbs/internal/eventbus"
	"rbs/internal/ledger"
	"rbs/internal/model"
	"rbs/internal/storage"
	"rbs/internal/token"
	logx "rbs/pkg/logx"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store storage.Store
	sched *Scheduler
	state *model.State
}

func newFixture(t *testing.T, ps ...model.Participant) *fixture {
	t.Helper()
	st := storage.NewMemory()
	if err := st.Commit(context.Background(), storage.Change{Participants: ps}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	first := func(int) int { return 0 }
	return &fixture{
		store: st,
		sched: New(DefaultPolicy(), token.New(), logx.Nop(), WithIntN(first)),
		state: model.NewState(t0),
	}
}

// step runs one Advance and commits it the way the engine does.
func (f *fixture) step(t *testing.T, now time.Time) (Result, *ledger.Txn, error) {
	t.Helper()
	tx := ledger.Begin(f.state, f.store, now)
	res, err := f.sched.Advance(context.Background(), tx)
	if err != nil {
		return res, tx, err
	}
	if err := f.store.Commit(context.Background(), tx.Change()); err != nil {
		t.Fatalf("commit: %v", err)
	}
	f.state = tx.State
	return res, tx, nil
}

func user(id string) model.Participant {
	return model.Participant{ID: id, Email: id + "@x.io", DisplayName: id}
}

func TestColdStartSelectsAuthor(t *testing.T) {
	t.Parallel()
	f := newFixture(t, user("a"), user("b"))
	res, tx, err := f.step(t, t0)
	if err != nil || res != Rotated {
		t.Fatalf("Advance = %v, %v", res, err)
	}
	r := f.state.Round
	if r.ID != 1 || r.AuthorID != "a" || !r.LastAdvancedAt.Equal(t0) {
		t.Fatalf("round = %+v", r)
	}
	notes := tx.Notifications()
	if len(notes) != 1 || notes[0].Template != model.TemplateBroadcasterSelected || notes[0].To != "a@x.io" {
		t.Fatalf("notifications = %+v", notes)
	}
	tok, ok := f.state.Tokens[model.TokenKey(model.PurposeBroadcast, "")]
	if !ok || tok.Subject != "a" || notes[0].Params["code"] != tok.Secret {
		t.Fatalf("broadcast token = %+v", tok)
	}
}

func TestAdvanceIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, user("a"), user("b"), user("c"))
	f.state.Round = model.Round{ID: 7, AuthorID: "a", Content: "old news here", CreatedAt: t0, LastAdvancedAt: t0}

	due := t0.Add(25 * time.Hour)
	var notes int
	for i := 0; i < 2; i++ {
		_, tx, err := f.step(t, due)
		if err != nil {
			t.Fatalf("Advance #%d: %v", i, err)
		}
		notes += len(tx.Notifications())
	}
	if f.state.Round.ID != 8 {
		t.Fatalf("round id = %d, want 8", f.state.Round.ID)
	}
	if notes != 1 {
		t.Fatalf("notifications = %d, want 1", notes)
	}
	post, err := f.store.ArchivedPost(context.Background(), 7)
	if err != nil || post.Content != "old news here" {
		t.Fatalf("archive = %+v, %v", post, err)
	}
	if f.state.Round.AuthorID == "a" {
		t.Fatal("outgoing author reselected")
	}
}

func TestRemindersFireOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t, user("a"), user("b"))
	f.state.Round = model.Round{ID: 2, AuthorID: "a", CreatedAt: t0, LastAdvancedAt: t0}

	steps := []struct {
		at   time.Duration
		want Result
		tmpl string
	}{
		{at: 11 * time.Hour, want: Unchanged},
		{at: 12 * time.Hour, want: Reminded, tmpl: model.TemplateReminder12h},
		{at: 12*time.Hour + time.Minute, want: Unchanged},
		{at: 23 * time.Hour, want: Reminded, tmpl: model.TemplateReminder1h},
		{at: 23*time.Hour + 30*time.Minute, want: Unchanged},
	}
	for _, s := range steps {
		res, tx, err := f.step(t, t0.Add(s.at))
		if err != nil || res != s.want {
			t.Fatalf("at %v: Advance = %v, %v; want %v", s.at, res, err, s.want)
		}
		notes := tx.Notifications()
		if s.tmpl == "" && len(notes) != 0 {
			t.Fatalf("at %v: unexpected notifications %+v", s.at, notes)
		}
		if s.tmpl != "" && (len(notes) != 1 || notes[0].Template != s.tmpl) {
			t.Fatalf("at %v: notifications = %+v, want %s", s.at, notes, s.tmpl)
		}
	}
}

func TestLateFirstCheckSendsOnlyFinalReminder(t *testing.T) {
	t.Parallel()
	f := newFixture(t, user("a"))
	f.state.Round = model.Round{ID: 2, AuthorID: "a", LastAdvancedAt: t0}
	_, tx, _ := f.step(t, t0.Add(23*time.Hour+30*time.Minute))
	if n := tx.Notifications(); len(n) != 1 || n[0].Template != model.TemplateReminder1h {
		t.Fatalf("notifications = %+v", n)
	}
	if !f.state.Round.Reminders.Early || !f.state.Round.Reminders.Final {
		t.Fatalf("flags = %+v", f.state.Round.Reminders)
	}
}

func TestQueueIsFIFOAndSkipsIneligible(t *testing.T) {
	t.Parallel()
	banned := user("banned")
	banned.Ban.Banned = true
	f := newFixture(t, user("a"), banned, user("c"), user("d"))
	f.state.Round = model.Round{ID: 1, AuthorID: "a", LastAdvancedAt: t0}
	f.state.Queue = []string{"ghost", "banned", "c", "d"}

	res, _, err := f.step(t, t0.Add(25*time.Hour))
	if err != nil || res != Rotated {
		t.Fatalf("Advance = %v, %v", res, err)
	}
	if f.state.Round.AuthorID != "c" {
		t.Fatalf("author = %q, want c", f.state.Round.AuthorID)
	}
	if len(f.state.Queue) != 1 || f.state.Queue[0] != "d" {
		t.Fatalf("queue = %v", f.state.Queue)
	}
}

func TestMissedWindowPreselectsAuthor(t *testing.T) {
	t.Parallel()
	f := newFixture(t, user("a"), user("b"))
	f.state.Round = model.Round{ID: 3, AuthorID: "a", LastAdvancedAt: t0}
	f.state.Preselected["stale"] = t0.Add(-31 * 24 * time.Hour)

	due := t0.Add(24 * time.Hour)
	_, tx, err := f.step(t, due)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if _, err := f.store.ArchivedPost(context.Background(), 3); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("missed round archived: %v", err)
	}
	if at, ok := f.state.Preselected["a"]; !ok || !at.Equal(due) {
		t.Fatalf("preselected = %v", f.state.Preselected)
	}
	if _, ok := f.state.Preselected["stale"]; ok {
		t.Fatal("expired preselection kept")
	}
	if f.state.Counters.Missed != 1 {
		t.Fatalf("missed = %d", f.state.Counters.Missed)
	}
	var missed bool
	for _, n := range tx.Notifications() {
		missed = missed || (n.Template == model.TemplateMissed && n.To == "a@x.io")
	}
	if !missed {
		t.Fatalf("no missed notification in %+v", tx.Notifications())
	}
}

func TestRedactedRoundRotatesImmediately(t *testing.T) {
	t.Parallel()
	f := newFixture(t, user("a"), user("b"))
	f.state.Round = model.Round{ID: 5, AuthorID: "a", Content: model.Tombstone, AuthorName: model.Tombstone, CreatedAt: t0, LastAdvancedAt: t0}
	res, _, err := f.step(t, t0.Add(time.Minute))
	if err != nil || res != Rotated {
		t.Fatalf("Advance = %v, %v", res, err)
	}
	if _, err := f.store.ArchivedPost(context.Background(), 5); !errors.Is(err, model.ErrNotFound) {
		t.Fatal("redacted round archived")
	}
}

func TestUnreachableAuthorIsSkipped(t *testing.T) {
	t.Parallel()
	f := newFixture(t, model.Participant{ID: "a"}, user("b"), user("z"))
	f.state.Round = model.Round{ID: 1, AuthorID: "z", LastAdvancedAt: t0}

	_, tx, err := f.step(t, t0.Add(25*time.Hour))
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if f.state.Round.AuthorID != "b" {
		t.Fatalf("author = %q, want b", f.state.Round.AuthorID)
	}
	var skipped bool
	for _, e := range tx.Events() {
		skipped = skipped || e.Type == eventbus.AuthorUnreachable
	}
	if !skipped {
		t.Fatal("unreachable author not reported")
	}
}

func TestNoEligibleAuthorKeepsRoundOpen(t *testing.T) {
	t.Parallel()
	f := newFixture(t, user("a"))
	f.state.Round = model.Round{ID: 9, AuthorID: "a", Content: "still here", CreatedAt: t0, LastAdvancedAt: t0}

	_, _, err := f.step(t, t0.Add(48*time.Hour))
	if !errors.Is(err, model.ErrNoEligibleAuthor) {
		t.Fatalf("err = %v, want ErrNoEligibleAuthor", err)
	}
	if f.state.Round.ID != 9 || f.state.Round.Content != "still here" {
		t.Fatalf("round changed: %+v", f.state.Round)
	}
	if _, err := f.store.ArchivedPost(context.Background(), 9); !errors.Is(err, model.ErrNotFound) {
		t.Fatal("archive written for a failed rotation")
	}
}

func TestRemaining(t *testing.T) {
	t.Parallel()
	p := DefaultPolicy()
	tests := []struct {
		name string
		r    model.Round
		now  time.Time
		want time.Duration
	}{
		{name: "cold", r: model.Round{}, now: t0, want: 0},
		{name: "waiting", r: model.Round{AuthorID: "a", LastAdvancedAt: t0}, now: t0.Add(time.Hour), want: 23 * time.Hour},
		{name: "live", r: model.Round{AuthorID: "a", Content: "x y", CreatedAt: t0}, now: t0.Add(20 * time.Hour), want: 4 * time.Hour},
		{name: "overdue", r: model.Round{AuthorID: "a", LastAdvancedAt: t0}, now: t0.Add(30 * time.Hour), want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.Remaining(tt.r, tt.now); got != tt.want {
				t.Fatalf("Remaining = %v, want %v", got, tt.want)
			}
		})
	}
}
