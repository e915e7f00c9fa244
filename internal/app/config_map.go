package app

import (
	"strings"
	"time"

	"rbs/internal/ballot"
	"rbs/internal/config"
	"rbs/internal/mail"
	"rbs/internal/model"
	"rbs/internal/notifier"
	"rbs/internal/opsserver"
	"rbs/internal/publish"
	"rbs/internal/rotation"
	"rbs/internal/storage"
	"rbs/internal/transport/telegram"
	logx "rbs/pkg/logx"
)

const (
	defaultTick         = "every:1m"
	defaultStatsRefresh = "every:5m"
	defaultFlush        = "every:10m"
	defaultJobTimeout   = 30 * time.Second
	defaultStatsTTL     = time.Minute
)

// Every map function assumes cfg passed config.Validate, so duration parse
// errors are returned only for callers that skipped it.

func mapLogging(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Alert: logx.AlertConfig{
			Enabled:    l.Telegram.Enabled,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

func mapTelegram(cfg *config.Config) (telegram.Config, bool, error) {
	t := cfg.Telegram
	if strings.TrimSpace(t.Token) == "" {
		return telegram.Config{}, false, nil
	}
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", t.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, false, err
	}
	return telegram.Config{
		Token:       t.Token,
		ChatID:      t.ChatID,
		ThreadID:    t.ThreadID,
		PollTimeout: poll,
		Commands:    t.Commands,
		APIURL:      t.APIURL,
	}, true, nil
}

// policy is the hot-reloadable part of the engine configuration.
type policy struct {
	rotation         rotation.Policy
	rule             ballot.Rule
	statsTTL         time.Duration
	translateTimeout time.Duration
}

func mapPolicy(cfg *config.Config) (policy, error) {
	def := rotation.DefaultPolicy()
	r := cfg.Rotation
	var (
		p   policy
		err error
	)
	if p.rotation.EvaluationWindow, err = config.ParseDurationOrDefault("rotation.evaluation_window", r.EvaluationWindow, def.EvaluationWindow); err != nil {
		return policy{}, err
	}
	if p.rotation.PublishWindow, err = config.ParseDurationOrDefault("rotation.publish_window", r.PublishWindow, def.PublishWindow); err != nil {
		return policy{}, err
	}
	if p.rotation.FirstReminder, err = config.ParseDurationOrDefault("rotation.first_reminder", r.FirstReminder, def.FirstReminder); err != nil {
		return policy{}, err
	}
	if p.rotation.FinalReminder, err = config.ParseDurationOrDefault("rotation.final_reminder", r.FinalReminder, def.FinalReminder); err != nil {
		return policy{}, err
	}
	if p.rotation.PreselectedTTL, err = config.ParseDurationOrDefault("rotation.preselected_ttl", r.PreselectedTTL, def.PreselectedTTL); err != nil {
		return policy{}, err
	}
	if p.translateTimeout, err = config.ParseDurationField("rotation.translate_timeout", r.TranslateTimeout); err != nil {
		return policy{}, err
	}
	p.rotation.Ratio = model.RatioUpvotes
	if cfg.Moderation.RatioOnZeroDownvotes == string(model.RatioOne) {
		p.rotation.Ratio = model.RatioOne
	}

	p.rule = ballot.DefaultRule()
	if cfg.Moderation.SeenFactor > 0 {
		p.rule.SeenFactor = cfg.Moderation.SeenFactor
	}
	if cfg.Moderation.ReportShare > 0 {
		p.rule.ReportShare = cfg.Moderation.ReportShare
	}

	if p.statsTTL, err = config.ParseDurationOrDefault("stats.ttl", cfg.Stats.TTL, defaultStatsTTL); err != nil {
		return policy{}, err
	}
	return p, nil
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	s := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", s.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	timeout, err := config.ParseDurationField("storage.timeout", s.Timeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:       strings.TrimSpace(s.Driver),
		Path:         strings.TrimSpace(s.Path),
		DSN:          s.DSN,
		BusyTimeout:  busy,
		Timeout:      timeout,
		MaxOpenConns: s.MaxOpenConns,
	}, nil
}

func mapNotifier(cfg *config.Config) (notifier.Config, error) {
	n := config.EffectiveNotifier(cfg)
	var d [4]time.Duration
	for i, f := range []struct{ path, raw string }{
		{"notifier.retry_base", n.RetryBase},
		{"notifier.retry_max_delay", n.RetryMaxDelay},
		{"notifier.send_timeout", n.SendTimeout},
		{"notifier.dedup_window", n.DedupWindow},
	} {
		v, err := config.ParseDurationField(f.path, f.raw)
		if err != nil {
			return notifier.Config{}, err
		}
		d[i] = v
	}
	return notifier.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		RetryBase:       d[0],
		RetryMaxDelay:   d[1],
		SendTimeout:     d[2],
		DedupWindow:     d[3],
		DedupMaxEntries: n.DedupMaxEntries,
		PersistDedup:    n.PersistDedup,
	}, nil
}

// mapMail returns the webhook config, or ok=false when mail should go to
// the log.
func mapMail(cfg *config.Config) (mail.HTTPConfig, mail.BreakerConfig, bool, error) {
	m := cfg.Mail
	timeout, err := config.ParseDurationOrDefault("mail.timeout", m.Timeout, 10*time.Second)
	if err != nil {
		return mail.HTTPConfig{}, mail.BreakerConfig{}, false, err
	}
	interval, err := config.ParseDurationField("mail.breaker.interval", m.Breaker.Interval)
	if err != nil {
		return mail.HTTPConfig{}, mail.BreakerConfig{}, false, err
	}
	open, err := config.ParseDurationField("mail.breaker.timeout", m.Breaker.Timeout)
	if err != nil {
		return mail.HTTPConfig{}, mail.BreakerConfig{}, false, err
	}
	bc := mail.BreakerConfig{
		Name:             "mail",
		FailureThreshold: m.Breaker.FailureThreshold,
		MaxRequests:      m.Breaker.MaxRequests,
		Interval:         interval,
		Timeout:          open,
	}
	if strings.TrimSpace(m.WebhookURL) == "" {
		return mail.HTTPConfig{}, bc, false, nil
	}
	return mail.HTTPConfig{URL: m.WebhookURL, Token: m.Token, Timeout: timeout}, bc, true, nil
}

func mapOps(cfg *config.Config) (opsserver.Config, error) {
	o := cfg.Ops
	rt, err := config.ParseDurationOrDefault("ops.read_timeout", o.ReadTimeout, 10*time.Second)
	if err != nil {
		return opsserver.Config{}, err
	}
	wt, err := config.ParseDurationField("ops.write_timeout", o.WriteTimeout)
	if err != nil {
		return opsserver.Config{}, err
	}
	addr := strings.TrimSpace(o.Addr)
	if addr == "" {
		addr = "127.0.0.1:9090"
	}
	return opsserver.Config{
		Enabled:      o.Enabled,
		Addr:         addr,
		AdminToken:   o.AdminToken,
		Pprof:        o.Pprof,
		ReadTimeout:  rt,
		WriteTimeout: wt,
	}, nil
}

func mapForwarder(cfg *config.Config) (publish.ForwarderConfig, error) {
	p := cfg.Publish
	flush, err := config.ParseDurationField("publish.flush_interval", p.FlushInterval)
	if err != nil {
		return publish.ForwarderConfig{}, err
	}
	timeout, err := config.ParseDurationField("publish.timeout", p.Timeout)
	if err != nil {
		return publish.ForwarderConfig{}, err
	}
	return publish.ForwarderConfig{
		BatchSize:     p.BatchSize,
		FlushInterval: flush,
		Timeout:       timeout,
		Skip:          p.Skip,
	}, nil
}

func mapRedis(cfg *config.Config) (publish.RedisConfig, bool, error) {
	r := cfg.Redis
	if r == nil {
		return publish.RedisConfig{}, false, nil
	}
	timeout, err := config.ParseDurationField("redis.timeout", r.Timeout)
	if err != nil {
		return publish.RedisConfig{}, false, err
	}
	ttl, err := config.ParseDurationField("redis.stats_ttl", r.StatsTTL)
	if err != nil {
		return publish.RedisConfig{}, false, err
	}
	return publish.RedisConfig{
		Addr:     r.Addr,
		Password: r.Password,
		DB:       r.DB,
		Prefix:   r.Prefix,
		Timeout:  timeout,
		StatsTTL: ttl,
	}, true, nil
}

func mapKafka(cfg *config.Config) (publish.KafkaConfig, bool, error) {
	k := cfg.Kafka
	if k == nil {
		return publish.KafkaConfig{}, false, nil
	}
	bt, err := config.ParseDurationField("kafka.batch_timeout", k.BatchTimeout)
	if err != nil {
		return publish.KafkaConfig{}, false, err
	}
	wt, err := config.ParseDurationField("kafka.write_timeout", k.WriteTimeout)
	if err != nil {
		return publish.KafkaConfig{}, false, err
	}
	return publish.KafkaConfig{Brokers: k.Brokers, Topic: k.Topic, BatchTimeout: bt, WriteTimeout: wt}, true, nil
}

// jobSpecs returns the trigger of each scheduled job, defaults filled in.
func jobSpecs(cfg *config.Config) map[string]string {
	or := func(v, def string) string {
		if strings.TrimSpace(v) == "" {
			return def
		}
		return v
	}
	s := cfg.Schedule
	return map[string]string{
		jobTick:         or(s.Tick, defaultTick),
		jobStatsRefresh: or(s.StatsRefresh, defaultStatsRefresh),
		jobFlush:        or(s.Flush, defaultFlush),
	}
}
