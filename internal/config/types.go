package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("500ms", "10s", "24h"); an empty string means the package default.
//
// Optional sections are pointers so "omitted" and "zero" stay distinct:
// a missing notifier section keeps the notifier enabled with defaults, a
// missing redis or kafka section disables that sink.
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Telegram   TelegramConfig   `json:"telegram"`
	Rotation   RotationConfig   `json:"rotation"`
	Moderation ModerationConfig `json:"moderation"`
	Stats      StatsConfig      `json:"stats"`
	Tokens     TokensConfig     `json:"tokens"`
	Storage    StorageConfig    `json:"storage"`
	Notifier   *NotifierConfig  `json:"notifier,omitempty"`
	Mail       MailConfig       `json:"mail"`
	Schedule   ScheduleConfig   `json:"schedule"`
	Ops        OpsConfig        `json:"ops"`
	Publish    PublishConfig    `json:"publish"`
	Redis      *RedisConfig     `json:"redis,omitempty"`
	Kafka      *KafkaConfig     `json:"kafka,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path" validate:"required_if=Enabled true"`
}

// LoggingTelegram forwards high-severity lines to the operator chat.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level" validate:"omitempty,oneof=warn error"`
	RatePerSec int    `json:"rate_per_sec" validate:"gte=0"`
}

type TelegramConfig struct {
	// Token is never logged.
	Token       string `json:"token"`
	ChatID      int64  `json:"chat_id"`
	ThreadID    int    `json:"thread_id" validate:"gte=0"`
	PollTimeout string `json:"poll_timeout"`
	// Commands enables /stats and /round in the operator chat.
	Commands bool   `json:"commands"`
	APIURL   string `json:"api_url,omitempty" validate:"omitempty,url"`
}

// RotationConfig holds the broadcast slot timings.
//
// Defaults:
//   - evaluation_window: "24h"
//   - publish_window: "24h"
//   - first_reminder: "12h" before the publish window ends
//   - final_reminder: "1h" before the publish window ends
//   - preselected_ttl: "720h"
type RotationConfig struct {
	EvaluationWindow string `json:"evaluation_window"`
	PublishWindow    string `json:"publish_window"`
	FirstReminder    string `json:"first_reminder"`
	FinalReminder    string `json:"final_reminder"`
	PreselectedTTL   string `json:"preselected_ttl"`
	TranslateTimeout string `json:"translate_timeout,omitempty"`
}

// ModerationConfig tunes the automatic ban rule and the archive ratio.
type ModerationConfig struct {
	// RatioOnZeroDownvotes is "upvotes" (default) or "one".
	RatioOnZeroDownvotes string  `json:"ratio_on_zero_downvotes" validate:"omitempty,oneof=upvotes one"`
	SeenFactor           float64 `json:"seen_factor" validate:"gte=0"`
	ReportShare          float64 `json:"report_share" validate:"gte=0,lte=1"`
}

type StatsConfig struct {
	TTL string `json:"ttl"`
}

type TokensConfig struct {
	// Bytes is the secret size before encoding; 0 means the issuer default.
	Bytes int `json:"bytes" validate:"omitempty,gte=16,lte=64"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./rbs.db" }
type StorageConfig struct {
	Driver       string `json:"driver" validate:"omitempty,oneof=memory sqlite mysql"`
	Path         string `json:"path,omitempty" validate:"required_if=Driver sqlite"`
	DSN          string `json:"dsn,omitempty" validate:"required_if=Driver mysql"`
	BusyTimeout  string `json:"busy_timeout,omitempty"`
	Timeout      string `json:"timeout,omitempty"`
	MaxOpenConns int    `json:"max_open_conns,omitempty" validate:"gte=0"`
}

// NotifierConfig controls the async notification pipeline.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers" validate:"gte=0"`
	QueueSize       int    `json:"queue_size" validate:"gte=0"`
	RatePerSec      int    `json:"rate_per_sec" validate:"gte=0"`
	RetryMax        int    `json:"retry_max" validate:"gte=0"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	SendTimeout     string `json:"send_timeout,omitempty"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries" validate:"gte=0"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

// MailConfig selects the mail transport. With no webhook URL mail is
// written to the log.
type MailConfig struct {
	WebhookURL string        `json:"webhook_url,omitempty" validate:"omitempty,url"`
	Token      string        `json:"token,omitempty"`
	Timeout    string        `json:"timeout,omitempty"`
	Breaker    BreakerConfig `json:"breaker"`
}

type BreakerConfig struct {
	FailureThreshold uint32 `json:"failure_threshold"`
	MaxRequests      uint32 `json:"max_requests"`
	Interval         string `json:"interval,omitempty"`
	Timeout          string `json:"timeout,omitempty"`
}

// ScheduleConfig holds the job triggers. Each trigger accepts a cron
// expression, "cron:<expr>", "every:<duration>" or "HH:MM".
type ScheduleConfig struct {
	Timezone     string `json:"timezone,omitempty"`
	Tick         string `json:"tick"`
	StatsRefresh string `json:"stats_refresh"`
	Flush        string `json:"flush"`
	JobTimeout   string `json:"job_timeout,omitempty"`
}

// OpsConfig controls the operator HTTP server.
//
// Security note: binding to a non-loopback address requires admin_token.
type OpsConfig struct {
	Enabled      bool   `json:"enabled"`
	Addr         string `json:"addr,omitempty" validate:"omitempty,hostname_port"`
	AdminToken   string `json:"admin_token,omitempty"`
	Pprof        bool   `json:"pprof,omitempty"`
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
}

// PublishConfig tunes the event forwarder shared by redis and kafka.
type PublishConfig struct {
	BatchSize     int      `json:"batch_size" validate:"gte=0"`
	FlushInterval string   `json:"flush_interval,omitempty"`
	Timeout       string   `json:"timeout,omitempty"`
	Skip          []string `json:"skip,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr" validate:"required,hostname_port"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db" validate:"gte=0"`
	Prefix   string `json:"prefix,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
	StatsTTL string `json:"stats_ttl,omitempty"`
}

type KafkaConfig struct {
	Brokers      []string `json:"brokers" validate:"required,min=1,dive,hostname_port"`
	Topic        string   `json:"topic" validate:"required"`
	BatchTimeout string   `json:"batch_timeout,omitempty"`
	WriteTimeout string   `json:"write_timeout,omitempty"`
}
