package mail

import (
	"context"
	"errors"
	"fmt"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	logx "rbs/pkg/logx"
)

// ErrUnavailable is returned while the breaker is open.
var ErrUnavailable = errors.New("mail transport unavailable")

// Transport is what a Breaker wraps.
type Transport interface {
	Send(ctx context.Context, to, templateKey string, params map[string]string) error
}

type BreakerConfig struct {
	Name             string
	FailureThreshold uint32
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	// OnStateChange is called after the breaker logs a transition.
	OnStateChange func(from, to string)
}

// Breaker short-circuits sends after consecutive failures so retries in the
// notifier back off instead of piling onto a dead mailer.
type Breaker struct {
	next Transport
	cb   *gobreaker.CircuitBreaker[struct{}]
}

func NewBreaker(next Transport, cfg BreakerConfig, log logx.Logger) *Breaker {
	if cfg.Name == "" {
		cfg.Name = "mail"
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "mail"))

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("mail breaker state change",
				logx.String("breaker", name),
				logx.String("from", from.String()),
				logx.String("to", to.String()),
			)
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(from.String(), to.String())
			}
		},
	}
	return &Breaker{next: next, cb: gobreaker.NewCircuitBreaker[struct{}](settings)}
}

func (b *Breaker) Send(ctx context.Context, to, templateKey string, params map[string]string) error {
	_, err := b.cb.Execute(func() (struct{}, error) {
		return struct{}{}, b.next.Send(ctx, to, templateKey, params)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

// State reports "closed", "half-open" or "open".
func (b *Breaker) State() string { return b.cb.State().String() }
