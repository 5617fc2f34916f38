package config

import "strings"

// Modes decide between long polling and webhook delivery.
const (
	ModeDevelopment = "development"
	ModeProduction  = "production"
)

// Config is the whole bot configuration. Durations are Go duration strings.
//
// The file is optional; every field has a default, and the environment
// overlay (see ApplyEnv) can supply the rest.
type Config struct {
	Mode      string          `json:"mode,omitempty"`
	Telegram  TelegramConfig  `json:"telegram"`
	HTTP      HTTPConfig      `json:"http"`
	Storage   StorageConfig   `json:"storage"`
	Profiles  ProfilesConfig  `json:"profiles"`
	Chrono    ChronoConfig    `json:"chrono"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Notifier  NotifierConfig  `json:"notifier"`
	Logging   LoggingConfig   `json:"logging"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// WebhookURL is the public base URL; the bot listens on <url>/bot<token>.
	WebhookURL  string `json:"webhook_url,omitempty"`
	PollTimeout string `json:"poll_timeout,omitempty"`
	OpsChatID   int64  `json:"ops_chat_id,omitempty"`
}

type HTTPConfig struct {
	Enabled      bool   `json:"enabled"`
	Addr         string `json:"addr,omitempty"` // default ":3000"
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	// ExposeData serves the data directory under /data. It holds session
	// cookies, so it is off unless asked for.
	ExposeData bool `json:"expose_data,omitempty"`
	// Pprof mounts /debug/pprof. Off a loopback address it needs PprofToken.
	Pprof      bool   `json:"pprof,omitempty"`
	PprofToken string `json:"pprof_token,omitempty"`
}

// StorageConfig selects the backend for tasks, file-driver profiles, audit
// and notifier dedup.
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"` // file | sqlite
	Dir         string `json:"dir,omitempty"`
	SQLitePath  string `json:"sqlite_path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type ProfilesConfig struct {
	Driver    string `json:"driver,omitempty"` // storage | redis | memory
	RedisURL  string `json:"redis_url,omitempty"`
	KeyPrefix string `json:"key_prefix,omitempty"`
	Grace     string `json:"grace,omitempty"`
}

type ChronoConfig struct {
	Scheme        string  `json:"scheme,omitempty"`
	Timeout       string  `json:"timeout,omitempty"`
	ActionTimeout string  `json:"action_timeout,omitempty"`
	RatePerSec    float64 `json:"rate_per_sec,omitempty"`
	Burst         int     `json:"burst,omitempty"`
	UserAgent     string  `json:"user_agent,omitempty"`
}

type SchedulerConfig struct {
	// Enabled is a pointer so an omitted key means on.
	Enabled    *bool  `json:"enabled,omitempty"`
	Spec       string `json:"spec,omitempty"`
	Timezone   string `json:"timezone,omitempty"`
	RunOnStart bool   `json:"run_on_start,omitempty"`
}

type NotifierConfig struct {
	Workers         int    `json:"workers,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level,omitempty"`
	Console  *bool           `json:"console,omitempty"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// LoggingTelegram forwards log lines to telegram.ops_chat_id.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

func (c *Config) Development() bool {
	return strings.EqualFold(strings.TrimSpace(c.Mode), ModeDevelopment)
}

// UseWebhook reports whether updates arrive by webhook.
func (c *Config) UseWebhook() bool {
	return !c.Development() && strings.TrimSpace(c.Telegram.WebhookURL) != ""
}

// HTTPEnabled reports whether the HTTP surface runs.
func (c *Config) HTTPEnabled() bool {
	return c.UseWebhook() || c.HTTP.Enabled
}

// DeliveryMode names the update delivery for health output.
func (c *Config) DeliveryMode() string {
	if c.UseWebhook() {
		return "webhook"
	}
	return "polling"
}

func (c *Config) SchedulerEnabled() bool {
	return c.Scheduler.Enabled == nil || *c.Scheduler.Enabled
}

func (c *Config) DataExposed() bool {
	return c.HTTP.ExposeData
}

func (c *Config) ConsoleLogging() bool {
	return c.Logging.Console == nil || *c.Logging.Console
}
