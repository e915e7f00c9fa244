package ballot

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"rbs/internal/ledger"
	"rbs/internal/model"
	"rbs/internal/moderation"
	"rbs/internal/storage"
	"rbs/internal/token"
	logx "rbs/pkg/logx"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fixedSeen int

func (f fixedSeen) ActiveSince(context.Context, time.Time, model.Round) (int, error) { return int(f), nil }

const content = "you are all rude people here"

func newTxn(t *testing.T, priorReports int, ps ...model.Participant) *ledger.Txn {
	t.Helper()
	all := append([]model.Participant{{ID: "author", Email: "author@x.io", DisplayName: "Rex"}}, ps...)
	for i := 0; i < priorReports; i++ {
		all = append(all, model.Participant{
			ID:     fmt.Sprintf("r%02d", i),
			Report: model.ReportMark{RoundID: 4, Reason: model.ReasonHarassment, Quote: "rude people", At: t0.Add(time.Duration(i) * time.Second)},
		})
	}
	st := storage.NewMemory()
	if err := st.Commit(context.Background(), storage.Change{Participants: all}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	base := model.NewState(t0)
	base.Counters.Members = 100
	base.Round = model.Round{ID: 4, AuthorID: "author", AuthorName: "Rex", Content: content, CreatedAt: t0, Reports: priorReports}
	return ledger.Begin(base, st, t0.Add(time.Hour))
}

func newAggregator(seen int) *Aggregator {
	return New(DefaultRule(), fixedSeen(seen), moderation.New(token.New(), logx.Nop()), logx.Nop())
}

func TestShouldBan(t *testing.T) {
	t.Parallel()
	tests := []struct {
		seen, n, reports int
		want             bool
	}{
		{seen: 31, n: 100, reports: 16, want: true},
		{seen: 31, n: 100, reports: 15, want: false},
		{seen: 30, n: 100, reports: 30, want: false},
		{seen: 0, n: 0, reports: 0, want: false},
		{seen: 1, n: 0, reports: 1, want: true},
	}
	for _, tt := range tests {
		if got := DefaultRule().ShouldBan(tt.seen, tt.n, tt.reports); got != tt.want {
			t.Fatalf("ShouldBan(%d,%d,%d) = %v, want %v", tt.seen, tt.n, tt.reports, got, tt.want)
		}
	}
}

func TestMostQuoted(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		quotes []string
		want   string
	}{
		{name: "containment wins", quotes: []string{"abc", "abcd", "xabcx"}, want: "abc"},
		{name: "tie goes to first seen", quotes: []string{"foo bar", "baz qux"}, want: "foo bar"},
		{name: "duplicates count", quotes: []string{"x y", "a b", "a b"}, want: "a b"},
		{name: "empty", quotes: nil, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MostQuoted(tt.quotes); got != tt.want {
				t.Fatalf("MostQuoted(%q) = %q, want %q", tt.quotes, got, tt.want)
			}
		})
	}
}

func TestWinningReasonTieBreak(t *testing.T) {
	t.Parallel()
	rows := []storage.ReportRow{
		{Reason: model.ReasonLink},
		{Reason: model.ReasonHarassment},
		{Reason: model.ReasonHarassment},
		{Reason: model.ReasonLink},
	}
	if got := WinningReason(rows); got != model.ReasonLink {
		t.Fatalf("WinningReason = %q, want link", got)
	}
	rows = append(rows, storage.ReportRow{Reason: model.ReasonHarassment})
	if got := WinningReason(rows); got != model.ReasonHarassment {
		t.Fatalf("WinningReason = %q, want harassment", got)
	}
}

func TestVoteSingleChoice(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tx := newTxn(t, 0, model.Participant{ID: "v"})
	agg := newAggregator(0)

	steps := []struct {
		dir        model.Direction
		up, down   int
		toggledOff bool
	}{
		{dir: model.Up, up: 1},
		{dir: model.Up, toggledOff: true},
		{dir: model.Down, down: 1},
		{dir: model.Up, up: 1},
		{dir: model.Down, down: 1},
	}
	for i, s := range steps {
		res, err := agg.Vote(ctx, tx, "v", s.dir)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		r := tx.Round()
		if r.Upvotes != s.up || r.Downvotes != s.down || res.ToggledOff != s.toggledOff {
			t.Fatalf("step %d: up=%d down=%d toggled=%v", i, r.Upvotes, r.Downvotes, res.ToggledOff)
		}
	}
}

func TestVoteRequiresLiveRound(t *testing.T) {
	t.Parallel()
	tx := newTxn(t, 0, model.Participant{ID: "v"})
	tx.Round().Content = ""
	if _, err := newAggregator(0).Vote(context.Background(), tx, "v", model.Up); !errors.Is(err, model.ErrNoActiveBroadcast) {
		t.Fatalf("err = %v", err)
	}
	tx.Round().Content = model.Tombstone
	tx.Round().AuthorName = model.Tombstone
	if _, err := newAggregator(0).Report(context.Background(), tx, "v", model.ReasonLink, "x y"); !errors.Is(err, model.ErrNoActiveBroadcast) {
		t.Fatalf("report on redacted round = %v", err)
	}
}

func TestReportThreshold(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		prior  int
		banned bool
	}{
		{name: "sixteenth report bans", prior: 15, banned: true},
		{name: "fifteenth report does not", prior: 14, banned: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			tx := newTxn(t, tt.prior, model.Participant{ID: "z"})
			res, err := newAggregator(31).Report(ctx, tx, "z", model.ReasonHarassment, "rude people here")
			if err != nil {
				t.Fatalf("Report: %v", err)
			}
			if !res.Accepted || res.Banned != tt.banned {
				t.Fatalf("result = %+v", res)
			}
			author, _ := tx.Dir.Get(ctx, "author")
			if author.Ban.Banned != tt.banned {
				t.Fatalf("author banned = %v", author.Ban.Banned)
			}
			if !tt.banned {
				return
			}
			if !tx.Round().Redacted() {
				t.Fatal("round not redacted")
			}
			if author.Ban.Reason != model.ReasonHarassment || author.Ban.MostQuoted != "rude people" || author.Ban.Message != content {
				t.Fatalf("ban = %+v", author.Ban)
			}
			if tx.State.Counters.Banned != 1 || tx.State.Counters.Members != 99 {
				t.Fatalf("counters = %+v", tx.State.Counters)
			}
		})
	}
}

func TestOffensiveNameRecordsAuthorName(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tx := newTxn(t, 0, model.Participant{ID: "z"})
	tx.State.Counters.Members = 0
	res, err := newAggregator(1).Report(ctx, tx, "z", model.ReasonOffensiveName, "")
	if err != nil || !res.Banned {
		t.Fatalf("Report = %+v, %v", res, err)
	}
	author, _ := tx.Dir.Get(ctx, "author")
	if author.Ban.MostQuoted != "Rex" {
		t.Fatalf("most quoted = %q", author.Ban.MostQuoted)
	}
}

func TestReportOncePerRound(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tx := newTxn(t, 0, model.Participant{ID: "z"})
	agg := newAggregator(0)
	if _, err := agg.Report(ctx, tx, "z", model.ReasonLink, "lazy fox"); !errors.Is(err, model.ErrInvalidInput) {
		t.Fatalf("quote outside content = %v", err)
	}
	if _, err := agg.Report(ctx, tx, "z", model.ReasonLink, "rude people"); err != nil {
		t.Fatalf("Report: %v", err)
	}
	if _, err := agg.Report(ctx, tx, "z", model.ReasonMildLanguage, "rude people"); !errors.Is(err, model.ErrAlreadyReported) {
		t.Fatalf("second report = %v", err)
	}
	if tx.Round().Reports != 1 {
		t.Fatalf("reports = %d", tx.Round().Reports)
	}
}
