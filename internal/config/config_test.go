package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: debug
  console: true
telegram:
  token: "123:abc"
  chat_id: -100123
  poll_timeout: 10s
rotation:
  evaluation_window: 24h
  publish_window: 12h
  first_reminder: 6h
  final_reminder: 1h
moderation:
  ratio_on_zero_downvotes: one
  seen_factor: 3
  report_share: 0.5
stats:
  ttl: 30s
storage:
  driver: sqlite
  path: ./rbs.db
notifier:
  enabled: true
  workers: 4
  retry_base: 1s
mail:
  webhook_url: https://mail.example.com/send
  breaker:
    failure_threshold: 5
schedule:
  timezone: UTC
  tick: "every:1m"
  stats_refresh: "*/5 * * * *"
  flush: "03:00"
ops:
  enabled: true
  addr: 127.0.0.1:9090
kafka:
  brokers: [localhost:9092]
  topic: rbs.events
`

func TestDecodeYAML(t *testing.T) {
	t.Parallel()

	cfg, err := Decode("config.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Telegram.ChatID != -100123 {
		t.Fatalf("chat_id = %d", cfg.Telegram.ChatID)
	}
	if cfg.Moderation.SeenFactor != 3 || cfg.Moderation.ReportShare != 0.5 {
		t.Fatalf("moderation = %+v", cfg.Moderation)
	}
	if cfg.Notifier == nil || cfg.Notifier.Workers != 4 {
		t.Fatalf("notifier = %+v", cfg.Notifier)
	}
	if cfg.Redis != nil {
		t.Fatalf("redis should stay nil when omitted")
	}
	if cfg.Kafka == nil || cfg.Kafka.Topic != "rbs.events" || len(cfg.Kafka.Brokers) != 1 {
		t.Fatalf("kafka = %+v", cfg.Kafka)
	}
	if cfg.Mail.Breaker.FailureThreshold != 5 {
		t.Fatalf("breaker = %+v", cfg.Mail.Breaker)
	}
}

func TestDecodeRejects(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		file string
		body string
		want string
	}{
		{"unknown json key", "c.json", `{"logging":{"levle":"info"}}`, "levle"},
		{"unknown yaml key", "c.yaml", "stats:\n  tll: 1s\n", "tll"},
		{"trailing data", "c.json", `{} {}`, "trailing"},
		{"bad level", "c.json", `{"logging":{"level":"loud"}}`, "Level"},
		{"bad driver", "c.json", `{"storage":{"driver":"postgres"}}`, "Driver"},
		{"sqlite without path", "c.json", `{"storage":{"driver":"sqlite"}}`, "Path"},
		{"share above one", "c.json", `{"moderation":{"report_share":1.5}}`, "ReportShare"},
		{"bad duration", "c.json", `{"stats":{"ttl":"soon"}}`, "stats.ttl"},
		{"negative duration", "c.json", `{"rotation":{"publish_window":"-1h"}}`, "rotation.publish_window"},
		{"bad schedule", "c.json", `{"schedule":{"tick":"whenever"}}`, "schedule.tick"},
		{"bad timezone", "c.json", `{"schedule":{"timezone":"Mars/Olympus"}}`, "schedule.timezone"},
		{"reminder order", "c.json", `{"rotation":{"first_reminder":"1h","final_reminder":"2h"}}`, "final_reminder"},
		{"kafka without topic", "c.json", `{"kafka":{"brokers":["k:9092"]}}`, "Topic"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode(tc.file, []byte(tc.body))
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestDecodeEmpty(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"c.yaml", "c.json"} {
		body := ""
		if name == "c.json" {
			body = "{}"
		}
		cfg, err := Decode(name, []byte(body))
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if cfg.Notifier != nil {
			t.Fatalf("%s: notifier should be nil", name)
		}
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{"  ", 0, false},
		{"90s", 90 * time.Second, false},
		{"1h30m", 90 * time.Minute, false},
		{"-1s", 0, true},
		{"10", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseDurationField("x", tc.raw)
		if (err != nil) != tc.wantErr {
			t.Fatalf("%q: err = %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("%q: got %v want %v", tc.raw, got, tc.want)
		}
	}

	if d, _ := ParseDurationOrDefault("x", "", time.Minute); d != time.Minute {
		t.Fatalf("default not applied: %v", d)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	def := defaultNotifier
	oldCfg := &Config{}
	newCfg := &Config{Notifier: &def}
	if changed, _ := SummarizeConfigChange(oldCfg, newCfg); len(changed) != 0 {
		t.Fatalf("omitted notifier vs defaults should not differ: %v", changed)
	}

	newCfg = &Config{
		Telegram: TelegramConfig{Token: "secret-token"},
		Stats:    StatsConfig{TTL: "1m"},
		Storage:  StorageConfig{Driver: "mysql", DSN: "u:p@tcp(db)/rbs"},
	}
	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	want := []string{"stats", "storage", "telegram"}
	if strings.Join(changed, ",") != strings.Join(want, ",") {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
	if len(attrs) == 0 {
		t.Fatalf("expected attrs")
	}
	for _, s := range changed {
		if s == "stats" && RestartRequired[s] {
			t.Fatalf("stats must apply live")
		}
	}
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestManagerReload(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, `{"stats":{"ttl":"10s"}}`)

	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)
	ctx := context.Background()

	if m.reload(ctx) {
		t.Fatalf("unchanged file must not publish")
	}

	writeFile(t, path, `{"stats":{"ttl":"20s"}}`)
	if !m.reload(ctx) {
		t.Fatalf("changed file should publish")
	}
	select {
	case got := <-sub:
		if got.Stats.TTL != "20s" {
			t.Fatalf("published ttl = %q", got.Stats.TTL)
		}
	default:
		t.Fatalf("subscriber got nothing")
	}
	if m.Get().Stats.TTL != "20s" {
		t.Fatalf("commit missing")
	}

	writeFile(t, path, `{"stats":{"ttl":"nope"}}`)
	if m.reload(ctx) {
		t.Fatalf("invalid file must not publish")
	}
	if m.Get().Stats.TTL != "20s" {
		t.Fatalf("invalid file replaced committed config")
	}

	m.SetValidator(func(context.Context, *Config) error { return context.Canceled })
	writeFile(t, path, `{"stats":{"ttl":"30s"}}`)
	if m.reload(ctx) {
		t.Fatalf("rejected config must not publish")
	}
}

func TestPublishKeepsNewest(t *testing.T) {
	t.Parallel()

	m := NewConfigManager("unused.json")
	sub := m.Subscribe(1)
	a := &Config{Stats: StatsConfig{TTL: "1s"}}
	b := &Config{Stats: StatsConfig{TTL: "2s"}}
	m.publish(a)
	m.publish(b)
	if got := <-sub; got != b {
		t.Fatalf("expected newest config, got %+v", got)
	}
	m.Unsubscribe(sub)
	if _, ok := <-sub; ok {
		t.Fatalf("unsubscribed channel should be closed")
	}
}
