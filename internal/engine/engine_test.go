package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"rbs/internal/ballot"
	"rbs/internal/clock"
	"rbs/internal/eventbus"
	"rbs/internal/identity"
	"rbs/internal/model"
	"rbs/internal/moderation"
	"rbs/internal/notifier"
	"rbs/internal/rotation"
	"rbs/internal/storage"
	logx "rbs/pkg/logx"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type recorder struct {
	mu    sync.Mutex
	notes []model.Notification
}

func (r *recorder) Notify(_ context.Context, n model.Notification) error {
	r.mu.Lock()
	r.notes = append(r.notes, n)
	r.mu.Unlock()
	return nil
}

func (r *recorder) byTemplate(tmpl string) []model.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Notification
	for _, n := range r.notes {
		if n.Template == tmpl {
			out = append(out, n)
		}
	}
	return out
}

func (r *recorder) lastCode(t *testing.T) string {
	t.Helper()
	sel := r.byTemplate(model.TemplateBroadcasterSelected)
	if len(sel) == 0 {
		t.Fatal("no broadcaster_selected notification")
	}
	return sel[len(sel)-1].Params["code"]
}

type harness struct {
	e     *Engine
	clock *clock.Fake
	store storage.Store
	rec   *recorder
}

func newHarness(t *testing.T, rule ballot.Rule) *harness {
	t.Helper()
	h := &harness{clock: clock.NewFake(t0), store: storage.NewMemory(), rec: &recorder{}}
	h.e = New(Deps{
		Store:           h.store,
		Clock:           h.clock,
		Rule:            rule,
		Notifier:        h.rec,
		Bus:             eventbus.New(),
		RotationOptions: []rotation.Option{rotation.WithIntN(func(int) int { return 0 })},
	})
	if err := h.e.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return h
}

func (h *harness) login(t *testing.T, names ...string) {
	t.Helper()
	for _, n := range names {
		_, err := h.e.Login(context.Background(), "google", identity.Profile{ExternalID: n, DisplayName: n, Email: n + "@x.io"})
		if err != nil {
			t.Fatalf("Login %s: %v", n, err)
		}
	}
}

func (h *harness) participant(t *testing.T, id string) model.Participant {
	t.Helper()
	p, err := h.store.Participant(context.Background(), id)
	if err != nil {
		t.Fatalf("participant %s: %v", id, err)
	}
	return p
}

func TestFirstLoginsSelectAuthor(t *testing.T) {
	t.Parallel()
	h := newHarness(t, ballot.DefaultRule())
	if _, err := h.e.Advance(context.Background()); !errors.Is(err, model.ErrNoEligibleAuthor) {
		t.Fatalf("empty pool Advance = %v", err)
	}
	h.login(t, "a", "b", "c")
	r := h.e.Current()
	if r.ID != 1 || r.AuthorID != "ggl_a" {
		t.Fatalf("round = %+v", r)
	}
	if got := h.e.State().Counters.Members; got != 3 {
		t.Fatalf("members = %d", got)
	}
	if n := h.rec.byTemplate(model.TemplateBroadcasterSelected); len(n) != 1 || n[0].To != "a@x.io" {
		t.Fatalf("selection notifications = %+v", n)
	}
}

func TestIdempotentRollover(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, ballot.DefaultRule())
	h.login(t, "a", "b", "c")
	if _, err := h.e.Publish(ctx, "ggl_a", h.rec.lastCode(t), "hello there world", "Ann"); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	h.clock.Advance(25 * time.Hour)
	first, err := h.e.Advance(ctx)
	if err != nil || first != rotation.Rotated {
		t.Fatalf("first Advance = %v, %v", first, err)
	}
	second, err := h.e.Advance(ctx)
	if err != nil || second != rotation.Unchanged {
		t.Fatalf("second Advance = %v, %v", second, err)
	}
	if id := h.e.Current().ID; id != 2 {
		t.Fatalf("round id = %d, want 2", id)
	}
	if n := h.rec.byTemplate(model.TemplateBroadcasterSelected); len(n) != 2 {
		t.Fatalf("selection notifications = %d, want 2", len(n))
	}
	post, err := h.store.ArchivedPost(ctx, 1)
	if err != nil || post.AuthorName != "Ann" || post.Content != "hello there world" {
		t.Fatalf("archive = %+v, %v", post, err)
	}
	v, err := h.e.StatsView(ctx)
	if err != nil || v.Broadcasts.Messages != 1 || v.Broadcasts.Words != 3 {
		t.Fatalf("stats view = %+v, %v", v, err)
	}
}

func TestConcurrentAdvanceRotatesOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, ballot.DefaultRule())
	h.login(t, "a", "b", "c")
	h.clock.Advance(30 * time.Hour)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		rotated int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.e.Advance(ctx)
			if err == nil && res == rotation.Rotated {
				mu.Lock()
				rotated++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if rotated != 1 || h.e.Current().ID != 2 {
		t.Fatalf("rotated = %d, round = %d", rotated, h.e.Current().ID)
	}
}

func TestBroadcastTokenSingleUse(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, ballot.DefaultRule())
	h.login(t, "a", "b")
	code := h.rec.lastCode(t)

	if _, err := h.e.Publish(ctx, "ggl_b", code, "not my turn", ""); !errors.Is(err, model.ErrNotAuthor) {
		t.Fatalf("wrong author = %v", err)
	}
	if _, err := h.e.Publish(ctx, "ggl_a", "guess", "hello there", ""); !errors.Is(err, model.ErrInvalidOrReusedToken) {
		t.Fatalf("wrong code = %v", err)
	}
	if _, err := h.e.Publish(ctx, "ggl_a", code, "hi", ""); !errors.Is(err, model.ErrInvalidInput) {
		t.Fatalf("one-word broadcast = %v", err)
	}
	if _, err := h.e.Publish(ctx, "ggl_a", code, "hello there", ""); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if _, err := h.e.Publish(ctx, "ggl_a", code, "hello again", ""); !errors.Is(err, model.ErrInvalidOrReusedToken) {
		t.Fatalf("replayed code = %v", err)
	}
	if got := h.e.Current().Content; got != "hello there" {
		t.Fatalf("content = %q", got)
	}
}

func TestAdminActionsRequireToken(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, ballot.DefaultRule())
	h.login(t, "a", "b", "c")
	before := h.e.State()

	err := h.e.Ban(ctx, "bogus", moderation.BanRequest{Subject: "ggl_b"})
	if !errors.Is(err, model.ErrForbidden) {
		t.Fatalf("Ban without token = %v", err)
	}
	if h.participant(t, "ggl_b").Ban.Banned || h.e.State().Counters != before.Counters {
		t.Fatal("forbidden action mutated state")
	}

	secret, err := h.e.IssueAdminToken(ctx)
	if err != nil {
		t.Fatalf("IssueAdminToken: %v", err)
	}
	if err := h.e.Unban(ctx, secret, "ggl_b", false); !errors.Is(err, model.ErrNotBanned) {
		t.Fatalf("Unban of unbanned = %v", err)
	}
	if err := h.e.Ban(ctx, secret, moderation.BanRequest{Subject: "ggl_b", Reason: model.ReasonLink}); err != nil {
		t.Fatalf("Ban after failed action: %v", err)
	}
	if err := h.e.Ban(ctx, secret, moderation.BanRequest{Subject: "ggl_c"}); !errors.Is(err, model.ErrForbidden) {
		t.Fatalf("replayed admin token = %v", err)
	}
	if h.participant(t, "ggl_c").Ban.Banned {
		t.Fatal("replay banned a participant")
	}
	if c := h.e.State().Counters; c.Members != 2 || c.Banned != 1 {
		t.Fatalf("counters = %+v", c)
	}
}

func TestAutoBanRedactsAndRotates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, ballot.Rule{SeenFactor: 1, ReportShare: 0.5})
	h.login(t, "a", "b", "c", "d")
	if _, err := h.e.Publish(ctx, "ggl_a", h.rec.lastCode(t), "you are all fools here", ""); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	h.clock.Advance(time.Minute)
	for _, id := range []string{"ggl_b", "ggl_c", "ggl_d"} {
		if err := h.e.Touch(ctx, id); err != nil {
			t.Fatalf("Touch: %v", err)
		}
	}

	for i, id := range []string{"ggl_b", "ggl_c", "ggl_d"} {
		res, err := h.e.Report(ctx, id, model.ReasonHarassment, "fools here")
		if err != nil {
			t.Fatalf("Report %s: %v", id, err)
		}
		if want := i == 2; res.Banned != want {
			t.Fatalf("report %d banned = %v, want %v", i+1, res.Banned, want)
		}
	}

	if !h.e.Current().Redacted() {
		t.Fatal("round not redacted")
	}
	author := h.participant(t, "ggl_a")
	if !author.Ban.Banned || author.Ban.MostQuoted != "fools here" || author.Ban.Reason != model.ReasonHarassment {
		t.Fatalf("ban = %+v", author.Ban)
	}
	if n := h.rec.byTemplate(model.TemplateBanned); len(n) != 1 || n[0].Params["appeal_code"] == "" {
		t.Fatalf("banned notifications = %+v", n)
	}

	res, err := h.e.Advance(ctx)
	if err != nil || res != rotation.Rotated {
		t.Fatalf("Advance after redaction = %v, %v", res, err)
	}
	if r := h.e.Current(); r.ID != 2 || r.AuthorID != "ggl_b" {
		t.Fatalf("next round = %+v", r)
	}
	if _, err := h.store.ArchivedPost(ctx, 1); !errors.Is(err, model.ErrNotFound) {
		t.Fatal("redacted round archived")
	}
}

func TestMissedAuthorReselect(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, ballot.DefaultRule())
	h.login(t, "a", "b", "c")

	h.clock.Advance(24 * time.Hour)
	if _, err := h.e.Advance(ctx); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if n := h.rec.byTemplate(model.TemplateMissed); len(n) != 1 || n[0].To != "a@x.io" {
		t.Fatalf("missed notifications = %+v", n)
	}

	w, err := h.e.Reselect(ctx, "ggl_a", true)
	if err != nil {
		t.Fatalf("Reselect: %v", err)
	}
	if w.Position != 1 || w.Optimistic != 24*time.Hour || w.Pessimistic != 24*time.Hour {
		t.Fatalf("window = %+v", w)
	}
	if _, err := h.e.Reselect(ctx, "ggl_a", true); !errors.Is(err, model.ErrNotPreselected) {
		t.Fatalf("second Reselect = %v", err)
	}

	h.clock.Advance(24 * time.Hour)
	if _, err := h.e.Advance(ctx); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if r := h.e.Current(); r.ID != 3 || r.AuthorID != "ggl_a" {
		t.Fatalf("queued author not selected: %+v", r)
	}
}

func TestLoginRules(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, ballot.DefaultRule())
	h.login(t, "a", "b")

	_, err := h.e.Login(ctx, "github", identity.Profile{ExternalID: "9", Email: "A@x.io"})
	if !errors.Is(err, model.ErrDuplicateAccount) {
		t.Fatalf("duplicate email = %v", err)
	}
	again, err := h.e.Login(ctx, "google", identity.Profile{ExternalID: "a", Email: "a@x.io"})
	if err != nil || again.Created {
		t.Fatalf("repeat login = %+v, %v", again, err)
	}
	if got := h.e.State().Counters.Members; got != 2 {
		t.Fatalf("members = %d", got)
	}

	secret, _ := h.e.IssueAdminToken(ctx)
	if err := h.e.Ban(ctx, secret, moderation.BanRequest{Subject: "ggl_b", Silent: true}); err != nil {
		t.Fatal(err)
	}
	code := h.e.State().Tokens[model.TokenKey(model.PurposeBanAppeal, "ggl_b")].Secret
	if res, _ := h.e.Login(ctx, "google", identity.Profile{ExternalID: "b"}); res.AppealCode != "" {
		t.Fatal("appeal code reissued while one is live")
	}
	if err := h.e.SubmitAppeal(ctx, "ggl_b", code, "please let me back"); err != nil {
		t.Fatalf("SubmitAppeal: %v", err)
	}
	secret, _ = h.e.IssueAdminToken(ctx)
	if err := h.e.ResolveAppeal(ctx, secret, "ggl_b", false, false); err != nil {
		t.Fatalf("ResolveAppeal: %v", err)
	}
	res, err := h.e.Login(ctx, "google", identity.Profile{ExternalID: "b"})
	if err != nil || res.AppealCode == "" {
		t.Fatalf("refused participant login = %+v, %v", res, err)
	}
}

func TestQueueBroadcaster(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, ballot.DefaultRule())
	h.login(t, "a", "b", "c")
	secret, _ := h.e.IssueAdminToken(ctx)
	if err := h.e.QueueBroadcaster(ctx, secret, "ggl_c"); err != nil {
		t.Fatalf("QueueBroadcaster: %v", err)
	}
	if q := h.e.State().Queue; len(q) != 1 || q[0] != "ggl_c" {
		t.Fatalf("queue = %v", q)
	}
	h.clock.Advance(24 * time.Hour)
	_, _ = h.e.Advance(ctx)
	if r := h.e.Current(); r.AuthorID != "ggl_c" {
		t.Fatalf("author = %q, want ggl_c", r.AuthorID)
	}
}

func TestFlushPersistsSnapshot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, ballot.DefaultRule())
	h.login(t, "a", "b")
	if _, err := h.e.Stats(ctx); err != nil {
		t.Fatal(err)
	}
	if err := h.e.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if _, ok, _ := h.store.LoadSnapshot(ctx); !ok {
		t.Fatal("snapshot not persisted")
	}

	reloaded := New(Deps{Store: h.store, Clock: h.clock})
	if err := reloaded.Load(ctx); err != nil {
		t.Fatal(err)
	}
	if reloaded.Current().ID != 1 || reloaded.StatsCache().Current() == nil {
		t.Fatal("state or snapshot not restored")
	}
}

type mailbox struct {
	mu   sync.Mutex
	tmpl []string
}

func (m *mailbox) Send(_ context.Context, _, tmpl string, _ map[string]string) error {
	m.mu.Lock()
	m.tmpl = append(m.tmpl, tmpl)
	m.mu.Unlock()
	return nil
}

func (m *mailbox) count(tmpl string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.tmpl {
		if s == tmpl {
			n++
		}
	}
	return n
}

func TestRepeatedModerationIsDeliveredThroughDedup(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	box := &mailbox{}
	svc := notifier.New(notifier.Config{
		Enabled:     true,
		Workers:     1,
		QueueSize:   16,
		RatePerSec:  100,
		RetryMax:    1,
		RetryBase:   time.Millisecond,
		DedupWindow: time.Minute,
	}, box, logx.Nop(), nil, nil)
	svc.Start(ctx)
	defer svc.Stop(ctx)

	h := &harness{clock: clock.NewFake(t0), store: storage.NewMemory(), rec: &recorder{}}
	h.e = New(Deps{
		Store:           h.store,
		Clock:           h.clock,
		Rule:            ballot.DefaultRule(),
		Notifier:        svc,
		Bus:             eventbus.New(),
		RotationOptions: []rotation.Option{rotation.WithIntN(func(int) int { return 0 })},
	})
	if err := h.e.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	h.login(t, "a", "b", "c")

	for i := range 2 {
		secret, err := h.e.IssueAdminToken(ctx)
		if err != nil {
			t.Fatalf("IssueAdminToken: %v", err)
		}
		if err := h.e.Ban(ctx, secret, moderation.BanRequest{Subject: "ggl_c", Reason: model.ReasonLink}); err != nil {
			t.Fatalf("Ban #%d: %v", i, err)
		}
		if secret, err = h.e.IssueAdminToken(ctx); err != nil {
			t.Fatalf("IssueAdminToken: %v", err)
		}
		if err := h.e.Unban(ctx, secret, "ggl_c", false); err != nil {
			t.Fatalf("Unban #%d: %v", i, err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for box.count(model.TemplateUnbanned) < 2 || box.count(model.TemplateBanned) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("delivered banned=%d unbanned=%d, want 2 each",
				box.count(model.TemplateBanned), box.count(model.TemplateUnbanned))
		}
		time.Sleep(5 * time.Millisecond)
	}
}
