package directory

import (
	"context"
	"errors"
	"testing"
	"time"

	"rbs/internal/model"
	"rbs/internal/storage"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T, ps ...model.Participant) storage.Store {
	t.Helper()
	st := storage.NewMemory()
	if err := st.Commit(context.Background(), storage.Change{Participants: ps}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return st
}

func TestOverlayShadowsStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := seed(t,
		model.Participant{ID: "a", Email: "a@x.io"},
		model.Participant{ID: "b", Email: "b@x.io"},
		model.Participant{ID: "c", Email: "c@x.io", Ban: model.BanStatus{Banned: true}},
	)
	d := New(st)

	ids, err := d.EligibleIDs(ctx, []string{"a"})
	if err != nil || len(ids) != 1 || ids[0] != "b" {
		t.Fatalf("EligibleIDs = %v, %v", ids, err)
	}

	b, _ := d.Get(ctx, "b")
	b.Ban.Banned = true
	d.Put(b)
	d.Put(model.Participant{ID: "c", Email: "c@x.io"})
	d.Put(model.Participant{ID: "d"})

	ids, _ = d.EligibleIDs(ctx, []string{"a"})
	if want := []string{"c", "d"}; len(ids) != 2 || ids[0] != want[0] || ids[1] != want[1] {
		t.Fatalf("EligibleIDs after overlay = %v, want %v", ids, want)
	}
	if got, _ := d.Get(ctx, "b"); !got.Ban.Banned {
		t.Fatal("overlay not visible to Get")
	}
	if stored, _ := st.Participant(ctx, "b"); stored.Ban.Banned {
		t.Fatal("overlay leaked into store before commit")
	}
	if len(d.Dirty()) != 3 || d.Dirty()[0].ID != "b" {
		t.Fatalf("dirty order = %+v", d.Dirty())
	}
	if _, err := d.Get(ctx, "zz"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("Get unknown = %v", err)
	}
}

func TestReportsMergeOverlay(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := seed(t,
		model.Participant{ID: "a", Report: model.ReportMark{RoundID: 4, Reason: model.ReasonLink, At: t0.Add(2 * time.Second)}},
		model.Participant{ID: "b", Report: model.ReportMark{RoundID: 3, Reason: model.ReasonLink, At: t0}},
	)
	d := New(st)
	d.Put(model.Participant{ID: "c", Report: model.ReportMark{RoundID: 4, Reason: model.ReasonHarassment, At: t0.Add(time.Second)}})
	d.Put(model.Participant{ID: "e", Report: model.ReportMark{RoundID: 4, Reason: model.ReasonHarassment, At: t0.Add(time.Second)}})

	rows, err := d.Reports(ctx, 4)
	if err != nil {
		t.Fatalf("Reports: %v", err)
	}
	var got []string
	for _, r := range rows {
		got = append(got, r.ParticipantID)
	}
	if len(got) != 3 || got[0] != "c" || got[1] != "e" || got[2] != "a" {
		t.Fatalf("report order = %v", got)
	}
}
