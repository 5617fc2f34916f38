package config

import (
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// LoadDotEnv reads .env files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) {
	if len(paths) == 0 {
		_ = godotenv.Load()
		return
	}
	for _, p := range paths {
		_ = godotenv.Load(p)
	}
}

// ApplyEnv overlays environment variables onto cfg. getenv is os.Getenv in
// production and a map lookup in tests.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	get := func(k string) string { return strings.TrimSpace(getenv(k)) }

	if v := get("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := get("APP_ENV"); v != "" {
		cfg.Mode = v
	} else if v := get("NODE_ENV"); v != "" {
		cfg.Mode = v
	}
	if v := get("WEBHOOK_URL"); v != "" {
		cfg.Telegram.WebhookURL = v
	} else if d := get("RAILWAY_PUBLIC_DOMAIN"); d != "" && cfg.Telegram.WebhookURL == "" {
		cfg.Telegram.WebhookURL = "https://" + d
	}
	if v := get("PORT"); v != "" {
		if _, err := strconv.Atoi(v); err == nil {
			cfg.HTTP.Addr = ":" + v
		}
	}
	if v := get("ENABLE_HTTP_SERVER"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.HTTP.Enabled = b
		}
	}
	if v := get("DATA_DIR"); v != "" {
		cfg.Storage.Dir = v
	}
	if v := get("STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := get("REDIS_URL"); v != "" {
		cfg.Profiles.RedisURL = v
		if cfg.Profiles.Driver == "" {
			cfg.Profiles.Driver = "redis"
		}
	}
	if v := get("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := get("OPS_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Telegram.OpsChatID = id
		}
	}
}
