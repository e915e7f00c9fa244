// Package metrics exports Prometheus metrics for the engine and its services.
//
// Domain counters are driven by the event bus through Consume, so the engine
// itself never imports this package.
package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"rbs/internal/eventbus"
)

var (
	Events = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rbs_events_total",
			Help: "Domain events observed on the event bus, by type",
		},
		[]string{"type"},
	)

	Rotations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rbs_rotations_total",
			Help: "Author selections, by source (queue, random)",
		},
		[]string{"source"},
	)

	Votes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rbs_votes_total",
			Help: "Votes applied to the live broadcast",
		},
		[]string{"direction", "effect"},
	)

	Reports = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rbs_reports_total",
			Help: "Accepted reports, by reason",
		},
		[]string{"reason"},
	)

	Bans = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rbs_bans_total",
			Help: "Bans, by source (auto, operator)",
		},
		[]string{"source"},
	)

	Notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rbs_notifications_total",
			Help: "Notifier outcomes (queued, sent, failed, dropped, deduped), by template",
		},
		[]string{"outcome", "template"},
	)

	RoundID = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rbs_round_id",
		Help: "Id of the current round",
	})

	RotationStalled = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rbs_rotation_stalled",
		Help: "1 while rotation has no eligible author",
	})

	StatsRecompute = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rbs_stats_recompute_seconds",
		Help:    "Duration of stats cache recomputation",
		Buckets: prometheus.DefBuckets,
	})

	ActiveParticipants = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rbs_active_participants_1h",
		Help: "Non-banned participants active in the last hour",
	})

	Members = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rbs_members",
		Help: "Non-banned registered participants",
	})

	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rbs_circuit_breaker_state",
			Help: "Circuit breaker state: 0=closed, 1=open, 2=half-open",
		},
		[]string{"name"},
	)

	PublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rbs_publish_errors_total",
			Help: "Failed event forwards, by sink",
		},
		[]string{"sink"},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rbs_http_requests_total",
			Help: "Ops server requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rbs_http_request_duration_seconds",
			Help:    "Ops server request latency",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		},
		[]string{"method", "route"},
	)
)

// RecordEvent updates the counters an event maps to.
func RecordEvent(e eventbus.Event) {
	Events.WithLabelValues(e.Type).Inc()

	switch d := e.Data.(type) {
	case eventbus.SelectionEvent:
		if e.Type == eventbus.AuthorSelected {
			Rotations.WithLabelValues(d.Source).Inc()
			RoundID.Set(float64(d.RoundID))
			RotationStalled.Set(0)
		}
	case eventbus.RoundEvent:
		if e.Type == eventbus.RotationStalled {
			RotationStalled.Set(1)
		}
	case eventbus.VoteEvent:
		Votes.WithLabelValues(d.Direction, d.Effect).Inc()
	case eventbus.ReportEvent:
		Reports.WithLabelValues(d.Reason).Inc()
	case eventbus.ModerationEvent:
		if e.Type == eventbus.ParticipantBanned {
			Bans.WithLabelValues(d.Source).Inc()
		}
	case eventbus.NotificationEvent:
		Notifications.WithLabelValues(outcome(e.Type), d.Template).Inc()
	case eventbus.StatsEvent:
		StatsRecompute.Observe(float64(d.CostMS) / 1000)
		ActiveParticipants.Set(float64(d.Active1h))
		Members.Set(float64(d.Members))
	}
}

func outcome(typ string) string {
	const prefix = "notifier."
	if len(typ) > len(prefix) {
		return typ[len(prefix):]
	}
	return typ
}

// Consume records events from ch until it closes or ctx ends.
func Consume(ctx context.Context, ch <-chan eventbus.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			RecordEvent(e)
		}
	}
}

// SetBreakerState maps a gobreaker state name onto the gauge.
func SetBreakerState(name, state string) {
	v := 0.0
	switch state {
	case "open":
		v = 1
	case "half-open":
		v = 2
	}
	BreakerState.WithLabelValues(name).Set(v)
}

func RecordHTTP(method, route string, status int, took time.Duration) {
	HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	HTTPDuration.WithLabelValues(method, route).Observe(took.Seconds())
}
