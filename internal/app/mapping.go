package app

import (
	"time"

	"clockbot/internal/bot"
	"clockbot/internal/chrono"
	"clockbot/internal/config"
	"clockbot/internal/httpserver"
	"clockbot/internal/notifier"
	"clockbot/internal/profile"
	"clockbot/internal/storage"
	"clockbot/internal/task/scheduler"
	telegram "clockbot/internal/transport/telegram/adapter"
	logx "clockbot/pkg/logx"
)

// The mappers below expect a config that passed config.Validate; bad
// durations fall back to defaults instead of failing.

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.ConsoleLogging(),
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		OpsChat: logx.OpsChatConfig{
			Enabled:    cfg.Logging.Telegram.Enabled && cfg.Telegram.OpsChatID != 0,
			ChatID:     cfg.Telegram.OpsChatID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapTelegram(cfg *config.Config) telegram.Config {
	tc := telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: config.Dur(cfg.Telegram.PollTimeout, 10*time.Second),
	}
	if cfg.UseWebhook() {
		tc.WebhookURL = cfg.Telegram.WebhookURL
	}
	return tc
}

func mapStorage(cfg *config.Config) storage.Config {
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Dir:         cfg.Storage.Dir,
		SQLitePath:  cfg.Storage.SQLitePath,
		BusyTimeout: config.Dur(cfg.Storage.BusyTimeout, 0),
	}
}

func mapProfiles(cfg *config.Config) profile.Config {
	return profile.Config{
		Driver:    cfg.Profiles.Driver,
		RedisURL:  cfg.Profiles.RedisURL,
		KeyPrefix: cfg.Profiles.KeyPrefix,
		Grace:     config.Dur(cfg.Profiles.Grace, 0),
	}
}

func mapChrono(cfg *config.Config) chrono.Config {
	return chrono.Config{
		Scheme:     cfg.Chrono.Scheme,
		Timeout:    config.Dur(cfg.Chrono.Timeout, 30*time.Second),
		RatePerSec: cfg.Chrono.RatePerSec,
		Burst:      cfg.Chrono.Burst,
		UserAgent:  cfg.Chrono.UserAgent,
	}
}

func actionTimeout(cfg *config.Config) time.Duration {
	return config.Dur(cfg.Chrono.ActionTimeout, 90*time.Second)
}

func mapBot(cfg *config.Config) bot.Config {
	return bot.Config{ActionTimeout: actionTimeout(cfg)}
}

func mapNotifier(cfg *config.Config) notifier.Config {
	n := cfg.Notifier
	return notifier.Config{
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		RetryBase:       config.Dur(n.RetryBase, 0),
		RetryMaxDelay:   config.Dur(n.RetryMaxDelay, 0),
		DedupWindow:     config.Dur(n.DedupWindow, 0),
		DedupMaxEntries: n.DedupMaxEntries,
		PersistDedup:    n.PersistDedup,
	}
}

func mapScheduler(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Enabled:    cfg.SchedulerEnabled(),
		Spec:       cfg.Scheduler.Spec,
		Timezone:   cfg.Scheduler.Timezone,
		RunOnStart: cfg.Scheduler.RunOnStart,
	}
}

func mapHTTP(cfg *config.Config) httpserver.Config {
	hc := httpserver.Config{
		Addr:         cfg.HTTP.Addr,
		ReadTimeout:  config.Dur(cfg.HTTP.ReadTimeout, 15*time.Second),
		WriteTimeout: config.Dur(cfg.HTTP.WriteTimeout, 30*time.Second),
		Mode:         cfg.DeliveryMode(),
		Pprof:        cfg.HTTP.Pprof,
		PprofToken:   cfg.HTTP.PprofToken,
	}
	if cfg.DataExposed() {
		hc.DataDir = cfg.Storage.Dir
	}
	return hc
}
