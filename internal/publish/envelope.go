// Package publish forwards committed domain events to external sinks: a
// Kafka topic for downstream consumers and a Redis mirror for read-side
// caches.
package publish

import (
	"context"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"rbs/internal/eventbus"
)

// Envelope is the wire form of one event.
type Envelope struct {
	ID   string    `json:"id"`
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	// Key groups events about the same participant or round.
	Key  string `json:"key"`
	Data any    `json:"data,omitempty"`
}

func NewEnvelope(e eventbus.Event) Envelope {
	return Envelope{
		ID:   uuid.NewString(),
		Type: e.Type,
		Time: e.Time.UTC(),
		Key:  keyOf(e.Data),
		Data: e.Data,
	}
}

func (e Envelope) Encode() ([]byte, error) { return json.Marshal(e) }

func keyOf(data any) string {
	switch d := data.(type) {
	case eventbus.RoundEvent:
		return "round:" + itoa(d.RoundID)
	case eventbus.SelectionEvent:
		return d.AuthorID
	case eventbus.VoteEvent:
		return "round:" + itoa(d.RoundID)
	case eventbus.ReportEvent:
		return "round:" + itoa(d.RoundID)
	case eventbus.ModerationEvent:
		return d.Subject
	case eventbus.ParticipantEvent:
		return d.ID
	case eventbus.QueueEvent:
		return d.Subject
	default:
		return ""
	}
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }

// Sink receives batches of envelopes.
type Sink interface {
	Name() string
	Publish(ctx context.Context, batch []Envelope) error
	Close() error
}
