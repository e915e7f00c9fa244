package eventbus

import (
	"testing"
	"time"
)

func TestPublishFanout(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: RoundArchived, Data: RoundEvent{RoundID: 3}})
	for _, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			if e.Type != RoundArchived || e.Time.IsZero() {
				t.Fatalf("unexpected event %+v", e)
			}
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()
	b.PublishAll([]Event{{Type: VoteCast}, {Type: VoteCast}, {Type: VoteCast}})
	if got := b.Dropped(); got != 2 {
		t.Fatalf("dropped = %d, want 2", got)
	}
}

func TestUnsubscribeCloses(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	b.Publish(Event{Type: VoteCast})
}

func TestHasPrefix(t *testing.T) {
	t.Parallel()
	if !(Event{Type: RoundMissed}).HasPrefix("round.") {
		t.Fatal("expected round family")
	}
	if (Event{Type: VoteCast}).HasPrefix("round.") {
		t.Fatal("vote is not a round event")
	}
}
