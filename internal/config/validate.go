package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

var ErrNoToken = errors.New("telegram token required (telegram.token or TELEGRAM_BOT_TOKEN)")

// Normalize fills defaults in place.
func Normalize(cfg *Config) {
	if !strings.EqualFold(strings.TrimSpace(cfg.Mode), ModeDevelopment) {
		cfg.Mode = ModeProduction
	} else {
		cfg.Mode = ModeDevelopment
	}
	cfg.Telegram.WebhookURL = strings.TrimRight(strings.TrimSpace(cfg.Telegram.WebhookURL), "/")
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":3000"
	}
	if cfg.Storage.Dir == "" {
		cfg.Storage.Dir = "data"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// Validate rejects configs that cannot start. It does not mutate cfg.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return ErrNoToken
	}
	if w := cfg.Telegram.WebhookURL; w != "" {
		u, err := url.Parse(w)
		if err != nil || u.Scheme != "https" && u.Scheme != "http" || u.Host == "" {
			return fmt.Errorf("telegram.webhook_url: invalid %q", w)
		}
	}
	switch strings.ToLower(cfg.Storage.Driver) {
	case "", "file", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("storage.driver: unknown %q", cfg.Storage.Driver)
	}
	switch strings.ToLower(cfg.Profiles.Driver) {
	case "", "storage", "file", "sqlite", "memory":
	case "redis":
		if cfg.Profiles.RedisURL == "" {
			return errors.New("profiles.redis_url required for the redis driver")
		}
	default:
		return fmt.Errorf("profiles.driver: unknown %q", cfg.Profiles.Driver)
	}
	if tz := cfg.Scheduler.Timezone; tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: %w", err)
		}
	}

	durations := map[string]string{
		"telegram.poll_timeout":    cfg.Telegram.PollTimeout,
		"http.read_timeout":        cfg.HTTP.ReadTimeout,
		"http.write_timeout":       cfg.HTTP.WriteTimeout,
		"storage.busy_timeout":     cfg.Storage.BusyTimeout,
		"profiles.grace":           cfg.Profiles.Grace,
		"chrono.timeout":           cfg.Chrono.Timeout,
		"chrono.action_timeout":    cfg.Chrono.ActionTimeout,
		"notifier.retry_base":      cfg.Notifier.RetryBase,
		"notifier.retry_max_delay": cfg.Notifier.RetryMaxDelay,
		"notifier.dedup_window":    cfg.Notifier.DedupWindow,
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}
	return nil
}
