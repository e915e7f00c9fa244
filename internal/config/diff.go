package config

import (
	"reflect"
	"sort"
	"strings"

	logx "rbs/pkg/logx"
)

// defaultNotifier mirrors the runtime defaults so an omitted section and an
// explicit default section compare equal.
var defaultNotifier = NotifierConfig{
	Enabled:         true,
	Workers:         2,
	QueueSize:       512,
	RatePerSec:      5,
	RetryMax:        3,
	RetryBase:       "500ms",
	RetryMaxDelay:   "30s",
	DedupWindow:     "1m",
	DedupMaxEntries: 2000,
}

// EffectiveNotifier returns the notifier section with defaults for an
// omitted block.
func EffectiveNotifier(cfg *Config) NotifierConfig {
	if cfg == nil || cfg.Notifier == nil {
		return defaultNotifier
	}
	return *cfg.Notifier
}

// RestartRequired lists sections whose changes only apply after a restart.
var RestartRequired = map[string]bool{
	"storage":  true,
	"telegram": true,
	"mail":     true,
	"ops":      true,
	"publish":  true,
	"redis":    true,
	"kafka":    true,
}

// SummarizeConfigChange returns the sorted names of changed sections and
// log attributes describing the new values. Secrets (tokens, passwords,
// DSNs) only ever appear as *_set booleans.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)
	set := func(s string) bool { return strings.TrimSpace(s) != "" }

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot != nt {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", set(nt.Token)),
			logx.Bool("telegram.chat_set", nt.ChatID != 0),
			logx.Bool("telegram.commands", nt.Commands),
		)
	}

	if oldCfg.Rotation != newCfg.Rotation {
		changed = append(changed, "rotation")
		attrs = append(attrs,
			logx.String("rotation.evaluation_window", newCfg.Rotation.EvaluationWindow),
			logx.String("rotation.publish_window", newCfg.Rotation.PublishWindow),
		)
	}
	if oldCfg.Moderation != newCfg.Moderation {
		changed = append(changed, "moderation")
		attrs = append(attrs,
			logx.String("moderation.ratio_on_zero_downvotes", newCfg.Moderation.RatioOnZeroDownvotes),
			logx.Float64("moderation.seen_factor", newCfg.Moderation.SeenFactor),
			logx.Float64("moderation.report_share", newCfg.Moderation.ReportShare),
		)
	}
	if oldCfg.Stats != newCfg.Stats {
		changed = append(changed, "stats")
		attrs = append(attrs, logx.String("stats.ttl", newCfg.Stats.TTL))
	}
	if oldCfg.Tokens != newCfg.Tokens {
		changed = append(changed, "tokens")
		attrs = append(attrs, logx.Int("tokens.bytes", newCfg.Tokens.Bytes))
	}

	if ns := newCfg.Storage; oldCfg.Storage != ns {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", ns.Driver),
			logx.Bool("storage.path_set", set(ns.Path)),
			logx.Bool("storage.dsn_set", set(ns.DSN)),
		)
	}

	if on, nn := EffectiveNotifier(oldCfg), EffectiveNotifier(newCfg); on != nn {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", nn.Enabled),
			logx.Int("notifier.workers", nn.Workers),
			logx.Int("notifier.rate_per_sec", nn.RatePerSec),
			logx.Int("notifier.retry_max", nn.RetryMax),
			logx.Bool("notifier.persist_dedup", nn.PersistDedup),
		)
	}

	if oldCfg.Mail != newCfg.Mail {
		changed = append(changed, "mail")
		attrs = append(attrs,
			logx.Bool("mail.webhook_set", set(newCfg.Mail.WebhookURL)),
			logx.Bool("mail.token_set", set(newCfg.Mail.Token)),
		)
	}
	if oldCfg.Schedule != newCfg.Schedule {
		changed = append(changed, "schedule")
		attrs = append(attrs,
			logx.String("schedule.timezone", newCfg.Schedule.Timezone),
			logx.String("schedule.tick", newCfg.Schedule.Tick),
			logx.String("schedule.stats_refresh", newCfg.Schedule.StatsRefresh),
			logx.String("schedule.flush", newCfg.Schedule.Flush),
		)
	}

	if no := newCfg.Ops; oldCfg.Ops != no {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", no.Enabled),
			logx.String("ops.addr", no.Addr),
			logx.Bool("ops.admin_token_set", set(no.AdminToken)),
			logx.Bool("ops.pprof", no.Pprof),
		)
	}

	if !reflect.DeepEqual(oldCfg.Publish, newCfg.Publish) {
		changed = append(changed, "publish")
		attrs = append(attrs, logx.Int("publish.batch_size", newCfg.Publish.BatchSize))
	}
	if !reflect.DeepEqual(oldCfg.Redis, newCfg.Redis) {
		changed = append(changed, "redis")
		attrs = append(attrs, logx.Bool("redis.enabled", newCfg.Redis != nil))
	}
	if !reflect.DeepEqual(oldCfg.Kafka, newCfg.Kafka) {
		changed = append(changed, "kafka")
		attrs = append(attrs, logx.Bool("kafka.enabled", newCfg.Kafka != nil))
	}

	sort.Strings(changed)
	return changed, attrs
}
