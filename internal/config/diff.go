package config

import (
	"reflect"

	logx "clockbot/pkg/logx"
)

// SummarizeConfigChange lists the sections that differ and log fields for
// the new values. Secrets (token, redis URL) are reported only as set/unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Mode != newCfg.Mode {
		changed = append(changed, "mode")
		attrs = append(attrs, logx.String("mode", newCfg.Mode))
	}
	if oldCfg.Telegram.Token != newCfg.Telegram.Token ||
		oldCfg.Telegram.WebhookURL != newCfg.Telegram.WebhookURL ||
		oldCfg.Telegram.PollTimeout != newCfg.Telegram.PollTimeout ||
		oldCfg.Telegram.OpsChatID != newCfg.Telegram.OpsChatID {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_changed", oldCfg.Telegram.Token != newCfg.Telegram.Token),
			logx.String("telegram.delivery", newCfg.DeliveryMode()),
			logx.Bool("telegram.ops_chat_set", newCfg.Telegram.OpsChatID != 0),
		)
	}
	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs, logx.Bool("http.enabled", newCfg.HTTPEnabled()), logx.String("http.addr", newCfg.HTTP.Addr))
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver), logx.String("storage.dir", newCfg.Storage.Dir))
	}
	if oldCfg.Profiles != newCfg.Profiles {
		changed = append(changed, "profiles")
		attrs = append(attrs, logx.String("profiles.driver", newCfg.Profiles.Driver), logx.Bool("profiles.redis_set", newCfg.Profiles.RedisURL != ""))
	}
	if oldCfg.Chrono != newCfg.Chrono {
		changed = append(changed, "chrono")
		attrs = append(attrs, logx.String("chrono.timeout", newCfg.Chrono.Timeout))
	}
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.SchedulerEnabled()),
			logx.String("scheduler.spec", newCfg.Scheduler.Spec),
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
		)
	}
	if oldCfg.Notifier != newCfg.Notifier {
		changed = append(changed, "notifier")
		attrs = append(attrs, logx.Int("notifier.rate_per_sec", newCfg.Notifier.RatePerSec))
	}
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram", newCfg.Logging.Telegram.Enabled),
		)
	}
	return changed, attrs
}

// RestartRequired reports changes that only take effect after a restart.
func RestartRequired(oldCfg, newCfg *Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var out []string
	if oldCfg.Mode != newCfg.Mode || oldCfg.Telegram.Token != newCfg.Telegram.Token || oldCfg.Telegram.WebhookURL != newCfg.Telegram.WebhookURL {
		out = append(out, "telegram")
	}
	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		out = append(out, "http")
	}
	if oldCfg.Storage != newCfg.Storage {
		out = append(out, "storage")
	}
	if oldCfg.Profiles != newCfg.Profiles {
		out = append(out, "profiles")
	}
	if oldCfg.Chrono != newCfg.Chrono {
		out = append(out, "chrono")
	}
	return out
}
