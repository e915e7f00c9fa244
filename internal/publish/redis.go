package publish

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"

	"rbs/internal/eventbus"
	"rbs/internal/stats"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	Timeout  time.Duration
	// StatsTTL bounds how long a mirrored view is served after the
	// process stops refreshing it.
	StatsTTL time.Duration
}

// ViewSource returns the current stats view.
type ViewSource func(ctx context.Context) (stats.View, error)

// RedisMirror publishes each envelope on <prefix>events and keeps
// <prefix>stats and <prefix>round:current up to date for readers that
// should not hit the engine.
type RedisMirror struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	view   ViewSource
}

func NewRedisMirror(ctx context.Context, cfg RedisConfig, view ViewSource) (*RedisMirror, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis: addr is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "rbs:"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.StatsTTL <= 0 {
		cfg.StatsTTL = 20 * time.Minute
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})
	pctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisMirror{client: client, prefix: cfg.Prefix, ttl: cfg.StatsTTL, view: view}, nil
}

func (m *RedisMirror) Name() string { return "redis" }

func (m *RedisMirror) Publish(ctx context.Context, batch []Envelope) error {
	pipe := m.client.Pipeline()
	for _, env := range batch {
		b, err := env.Encode()
		if err != nil {
			return fmt.Errorf("encode %s: %w", env.Type, err)
		}
		pipe.Publish(ctx, m.prefix+"events", b)
		if env.Type == eventbus.AuthorSelected || env.Type == eventbus.RoundPublished {
			pipe.Set(ctx, m.prefix+"round:current", b, 0)
		}
	}
	if m.view != nil && needsView(batch) {
		v, err := m.view(ctx)
		if err != nil {
			return fmt.Errorf("stats view: %w", err)
		}
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		pipe.Set(ctx, m.prefix+"stats", b, m.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

func (m *RedisMirror) Close() error { return m.client.Close() }

// needsView reports whether the batch changes what the stats view shows.
func needsView(batch []Envelope) bool {
	for _, env := range batch {
		switch env.Type {
		case eventbus.StatsRefreshed, eventbus.RoundArchived, eventbus.ParticipantBanned, eventbus.ParticipantUnbanned:
			return true
		}
	}
	return false
}
