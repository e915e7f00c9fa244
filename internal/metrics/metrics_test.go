package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"rbs/internal/eventbus"
)

func TestRecordEvent(t *testing.T) {
	tests := []struct {
		name  string
		event eventbus.Event
		check func(t *testing.T)
	}{
		{
			name:  "selection",
			event: eventbus.Event{Type: eventbus.AuthorSelected, Data: eventbus.SelectionEvent{RoundID: 9, Source: "queue"}},
			check: func(t *testing.T) {
				if got := testutil.ToFloat64(RoundID); got != 9 {
					t.Fatalf("round id = %v", got)
				}
				if got := testutil.ToFloat64(RotationStalled); got != 0 {
					t.Fatalf("stalled = %v", got)
				}
			},
		},
		{
			name:  "stall",
			event: eventbus.Event{Type: eventbus.RotationStalled, Data: eventbus.RoundEvent{RoundID: 9}},
			check: func(t *testing.T) {
				if got := testutil.ToFloat64(RotationStalled); got != 1 {
					t.Fatalf("stalled = %v", got)
				}
			},
		},
		{
			name:  "notification",
			event: eventbus.Event{Type: eventbus.NotifierFailed, Data: eventbus.NotificationEvent{Template: "banned"}},
			check: func(t *testing.T) {
				if got := testutil.ToFloat64(Notifications.WithLabelValues("failed", "banned")); got < 1 {
					t.Fatalf("failed notifications = %v", got)
				}
			},
		},
		{
			name:  "stats",
			event: eventbus.Event{Type: eventbus.StatsRefreshed, Data: eventbus.StatsEvent{Members: 12, Active1h: 4}},
			check: func(t *testing.T) {
				if testutil.ToFloat64(Members) != 12 || testutil.ToFloat64(ActiveParticipants) != 4 {
					t.Fatal("stats gauges not set")
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			RecordEvent(tt.event)
			tt.check(t)
		})
	}
}

func TestConsumeStopsOnClose(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4)
	before := testutil.ToFloat64(Bans.WithLabelValues("auto"))

	done := make(chan error, 1)
	go func() { done <- Consume(context.Background(), ch) }()
	bus.Publish(eventbus.Event{Type: eventbus.ParticipantBanned, Data: eventbus.ModerationEvent{Subject: "ggl_a", Source: "auto"}})

	deadline := time.Now().Add(2 * time.Second)
	for testutil.ToFloat64(Bans.WithLabelValues("auto")) == before {
		if time.Now().After(deadline) {
			t.Fatal("ban not recorded")
		}
		time.Sleep(5 * time.Millisecond)
	}
	unsub()
	if err := <-done; err != nil {
		t.Fatalf("Consume = %v", err)
	}
}

func TestSetBreakerState(t *testing.T) {
	for state, want := range map[string]float64{"closed": 0, "open": 1, "half-open": 2} {
		SetBreakerState("mail", state)
		if got := testutil.ToFloat64(BreakerState.WithLabelValues("mail")); got != want {
			t.Fatalf("%s = %v, want %v", state, got, want)
		}
	}
}
