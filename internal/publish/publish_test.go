package publish

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"

	"rbs/internal/eventbus"
	logx "rbs/pkg/logx"
)

func TestEnvelopeKeys(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		data any
		want string
	}{
		{"round", eventbus.RoundEvent{RoundID: 12}, "round:12"},
		{"selection", eventbus.SelectionEvent{AuthorID: "ggl_a"}, "ggl_a"},
		{"ban", eventbus.ModerationEvent{Subject: "gthb_7"}, "gthb_7"},
		{"other", eventbus.StatsEvent{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := NewEnvelope(eventbus.Event{Type: "x", Time: time.Now(), Data: tt.data})
			if env.Key != tt.want || env.ID == "" {
				t.Fatalf("envelope = %+v", env)
			}
		})
	}
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}
func (w *fakeWriter) Close() error { return nil }

func TestKafkaSinkMessages(t *testing.T) {
	t.Parallel()
	w := &fakeWriter{}
	sink := &KafkaSink{w: w}
	env := NewEnvelope(eventbus.Event{Type: eventbus.ParticipantBanned, Time: time.Now(), Data: eventbus.ModerationEvent{Subject: "ggl_a", Source: "auto"}})
	if err := sink.Publish(context.Background(), []Envelope{env}); err != nil {
		t.Fatal(err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("messages = %d", len(w.msgs))
	}
	m := w.msgs[0]
	if string(m.Key) != "ggl_a" || string(m.Headers[0].Value) != eventbus.ParticipantBanned {
		t.Fatalf("message = %+v", m)
	}
	var back map[string]any
	if err := json.Unmarshal(m.Value, &back); err != nil || back["type"] != eventbus.ParticipantBanned {
		t.Fatalf("value = %s (%v)", m.Value, err)
	}

	w.err = errors.New("leader not available")
	if err := sink.Publish(context.Background(), []Envelope{env}); err == nil {
		t.Fatal("write error swallowed")
	}
	if _, err := NewKafkaSink(KafkaConfig{}); err == nil {
		t.Fatal("empty config accepted")
	}
}

type recordingSink struct {
	mu      sync.Mutex
	batches [][]Envelope
	fail    bool
}

func (s *recordingSink) Name() string { return "rec" }
func (s *recordingSink) Publish(_ context.Context, b []Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Envelope(nil), b...))
	if s.fail {
		return errors.New("sink down")
	}
	return nil
}
func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, b := range s.batches {
		for _, e := range b {
			out = append(out, e.Type)
		}
	}
	return out
}

func TestForwarderBatchesAndSkips(t *testing.T) {
	t.Parallel()
	good, bad := &recordingSink{}, &recordingSink{fail: true}
	f := NewForwarder(ForwarderConfig{BatchSize: 2, FlushInterval: time.Hour, Skip: []string{"notifier."}}, logx.Nop(), good, bad)

	ch := make(chan eventbus.Event, 8)
	ch <- eventbus.Event{Type: eventbus.VoteCast, Data: eventbus.VoteEvent{RoundID: 1}}
	ch <- eventbus.Event{Type: eventbus.NotifierSent}
	ch <- eventbus.Event{Type: eventbus.ReportAccepted, Data: eventbus.ReportEvent{RoundID: 1}}
	ch <- eventbus.Event{Type: eventbus.RoundArchived, Data: eventbus.RoundEvent{RoundID: 1}}
	close(ch)

	if err := f.Run(context.Background(), ch); err != nil {
		t.Fatalf("Run = %v", err)
	}
	got := strings.Join(good.types(), ",")
	if got != "vote.cast,report.accepted,round.archived" {
		t.Fatalf("forwarded %s", got)
	}
	if len(good.batches) != 2 || len(bad.batches) != 2 {
		t.Fatalf("batches good=%d bad=%d", len(good.batches), len(bad.batches))
	}
}

func TestNeedsView(t *testing.T) {
	t.Parallel()
	if needsView([]Envelope{{Type: eventbus.VoteCast}}) {
		t.Fatal("vote should not refresh the mirrored view")
	}
	if !needsView([]Envelope{{Type: eventbus.VoteCast}, {Type: eventbus.StatsRefreshed}}) {
		t.Fatal("stats refresh should update the mirrored view")
	}
}
