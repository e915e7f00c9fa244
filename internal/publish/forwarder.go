package publish

import (
	"context"
	"time"

	"rbs/internal/eventbus"
	"rbs/internal/metrics"
	logx "rbs/pkg/logx"
)

type ForwarderConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	Timeout       time.Duration
	// Skip lists event type prefixes that are not forwarded.
	Skip []string
}

// Forwarder batches bus events and hands each batch to every sink. A
// failing sink loses its batch; events are a feed, not a log.
type Forwarder struct {
	cfg   ForwarderConfig
	sinks []Sink
	log   logx.Logger
}

func NewForwarder(cfg ForwarderConfig, log logx.Logger, sinks ...Sink) *Forwarder {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Forwarder{cfg: cfg, sinks: sinks, log: log.With(logx.String("comp", "publish"))}
}

// Run forwards events from ch until it closes or ctx ends, flushing what is
// pending on the way out.
func (f *Forwarder) Run(ctx context.Context, ch <-chan eventbus.Event) error {
	if len(f.sinks) == 0 {
		return nil
	}
	t := time.NewTicker(f.cfg.FlushInterval)
	defer t.Stop()

	batch := make([]Envelope, 0, f.cfg.BatchSize)
	flush := func(base context.Context) {
		if len(batch) == 0 {
			return
		}
		f.send(base, batch)
		batch = batch[:0]
	}
	for {
		select {
		case <-ctx.Done():
			flush(context.WithoutCancel(ctx))
			return ctx.Err()
		case e, ok := <-ch:
			if !ok {
				flush(context.WithoutCancel(ctx))
				return nil
			}
			if f.skipped(e) {
				continue
			}
			batch = append(batch, NewEnvelope(e))
			if len(batch) >= f.cfg.BatchSize {
				flush(ctx)
			}
		case <-t.C:
			flush(ctx)
		}
	}
}

func (f *Forwarder) skipped(e eventbus.Event) bool {
	for _, p := range f.cfg.Skip {
		if e.HasPrefix(p) {
			return true
		}
	}
	return false
}

func (f *Forwarder) send(ctx context.Context, batch []Envelope) {
	for _, s := range f.sinks {
		cctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
		err := s.Publish(cctx, batch)
		cancel()
		if err != nil {
			metrics.PublishErrors.WithLabelValues(s.Name()).Inc()
			f.log.Warn("publish failed", logx.String("sink", s.Name()), logx.Int("events", len(batch)), logx.Err(err))
		}
	}
}

// Close closes every sink.
func (f *Forwarder) Close() error {
	var first error
	for _, s := range f.sinks {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
