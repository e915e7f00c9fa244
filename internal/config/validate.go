package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"rbs/internal/schedule"
	"rbs/internal/validation"
)

// Validate checks enum and range tags, every duration string, the timezone
// and the schedule triggers. All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config: nil")
	}
	var errs []error
	if err := validation.Struct(cfg); err != nil {
		errs = append(errs, fmt.Errorf("config: %w", err))
	}

	var d durations
	for path, raw := range durationFields(cfg) {
		d.get(path, raw, 0)
	}
	if err := d.err(); err != nil {
		errs = append(errs, err)
	}

	if tz := strings.TrimSpace(cfg.Schedule.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("schedule.timezone: invalid %q: %w", tz, err))
		}
	}
	for path, raw := range map[string]string{
		"schedule.tick":          cfg.Schedule.Tick,
		"schedule.stats_refresh": cfg.Schedule.StatsRefresh,
		"schedule.flush":         cfg.Schedule.Flush,
	} {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		if _, err := schedule.Parse(raw); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
		}
	}

	r := cfg.Rotation
	if first, final := parseOr(r.FirstReminder), parseOr(r.FinalReminder); first > 0 && final > 0 && final >= first {
		errs = append(errs, fmt.Errorf("rotation.final_reminder must be shorter than rotation.first_reminder"))
	}
	if pw, first := parseOr(r.PublishWindow), parseOr(r.FirstReminder); pw > 0 && first >= pw {
		errs = append(errs, fmt.Errorf("rotation.first_reminder must be shorter than rotation.publish_window"))
	}
	return errors.Join(errs...)
}

func parseOr(raw string) time.Duration {
	d, err := ParseDurationField("", raw)
	if err != nil {
		return 0
	}
	return d
}

// durationFields maps the dotted path of every duration string to its value.
func durationFields(cfg *Config) map[string]string {
	out := map[string]string{
		"telegram.poll_timeout":       cfg.Telegram.PollTimeout,
		"rotation.evaluation_window":  cfg.Rotation.EvaluationWindow,
		"rotation.publish_window":     cfg.Rotation.PublishWindow,
		"rotation.first_reminder":     cfg.Rotation.FirstReminder,
		"rotation.final_reminder":     cfg.Rotation.FinalReminder,
		"rotation.preselected_ttl":    cfg.Rotation.PreselectedTTL,
		"rotation.translate_timeout":  cfg.Rotation.TranslateTimeout,
		"stats.ttl":                   cfg.Stats.TTL,
		"storage.busy_timeout":        cfg.Storage.BusyTimeout,
		"storage.timeout":             cfg.Storage.Timeout,
		"mail.timeout":                cfg.Mail.Timeout,
		"mail.breaker.interval":       cfg.Mail.Breaker.Interval,
		"mail.breaker.timeout":        cfg.Mail.Breaker.Timeout,
		"schedule.job_timeout":        cfg.Schedule.JobTimeout,
		"ops.read_timeout":            cfg.Ops.ReadTimeout,
		"ops.write_timeout":           cfg.Ops.WriteTimeout,
		"publish.flush_interval":      cfg.Publish.FlushInterval,
		"publish.timeout":             cfg.Publish.Timeout,
	}
	if n := cfg.Notifier; n != nil {
		out["notifier.retry_base"] = n.RetryBase
		out["notifier.retry_max_delay"] = n.RetryMaxDelay
		out["notifier.send_timeout"] = n.SendTimeout
		out["notifier.dedup_window"] = n.DedupWindow
	}
	if r := cfg.Redis; r != nil {
		out["redis.timeout"] = r.Timeout
		out["redis.stats_ttl"] = r.StatsTTL
	}
	if k := cfg.Kafka; k != nil {
		out["kafka.batch_timeout"] = k.BatchTimeout
		out["kafka.write_timeout"] = k.WriteTimeout
	}
	return out
}
