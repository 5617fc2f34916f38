package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestParseFormats(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		file string
		body string
	}{
		{name: "json", file: "config.json", body: `{"telegram":{"token":"t"},"scheduler":{"spec":"@every 5m","timezone":"Europe/Madrid"}}`},
		{name: "yaml", file: "config.yaml", body: "telegram:\n  token: t\nscheduler:\n  spec: \"@every 5m\"\n  timezone: Europe/Madrid\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := NewConfigManager(writeFile(t, tt.file, tt.body))
			m.SetEnv(envMap(nil))
			cfg, err := m.Load()
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if cfg.Scheduler.Spec != "@every 5m" || cfg.Scheduler.Timezone != "Europe/Madrid" {
				t.Fatalf("scheduler = %+v", cfg.Scheduler)
			}
			if cfg.Mode != ModeProduction || cfg.HTTP.Addr != ":3000" || cfg.Storage.Dir != "data" {
				t.Fatalf("defaults not applied: %+v", cfg)
			}
			if !cfg.SchedulerEnabled() || !cfg.ConsoleLogging() {
				t.Fatalf("omitted toggles should default on")
			}
			if cfg.DataExposed() {
				t.Fatalf("data directory should not be exposed by default")
			}
		})
	}
}

func TestParseRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body string
	}{
		{name: "unknown field", body: `{"telegram":{"token":"t","owner_ids":[1]}}`},
		{name: "trailing data", body: `{"telegram":{"token":"t"}} {}`},
		{name: "bad duration", body: `{"telegram":{"token":"t"},"chrono":{"timeout":"soon"}}`},
		{name: "bad zone", body: `{"telegram":{"token":"t"},"scheduler":{"timezone":"Mars/Base"}}`},
		{name: "redis without url", body: `{"telegram":{"token":"t"},"profiles":{"driver":"redis"}}`},
		{name: "bad storage", body: `{"telegram":{"token":"t"},"storage":{"driver":"mongo"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := NewConfigManager(writeFile(t, "config.json", tt.body))
			m.SetEnv(envMap(nil))
			if _, err := m.Parse(); err == nil {
				t.Fatalf("Parse accepted %s", tt.body)
			}
		})
	}
}

func TestEnvOnly(t *testing.T) {
	t.Parallel()
	m := NewConfigManager("")
	m.SetEnv(envMap(nil))
	if _, err := m.Parse(); !errors.Is(err, ErrNoToken) {
		t.Fatalf("Parse without token = %v", err)
	}

	m.SetEnv(envMap(map[string]string{
		"TELEGRAM_BOT_TOKEN":    "123:abc",
		"RAILWAY_PUBLIC_DOMAIN": "bot.up.railway.app",
		"PORT":                  "8080",
		"DATA_DIR":              "/srv/data",
		"REDIS_URL":             "redis://localhost:6379/0",
	}))
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" || cfg.Telegram.WebhookURL != "https://bot.up.railway.app" {
		t.Fatalf("telegram = %+v", cfg.Telegram)
	}
	if cfg.HTTP.Addr != ":8080" || cfg.Storage.Dir != "/srv/data" || cfg.Profiles.Driver != "redis" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if !cfg.UseWebhook() || !cfg.HTTPEnabled() || cfg.DeliveryMode() != "webhook" {
		t.Fatalf("production with webhook URL should use webhook")
	}
}

func TestDeliveryMode(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		env     map[string]string
		webhook bool
		httpOn  bool
	}{
		{name: "development ignores webhook", env: map[string]string{"NODE_ENV": "development", "WEBHOOK_URL": "https://x.example"}, webhook: false, httpOn: false},
		{name: "production webhook", env: map[string]string{"NODE_ENV": "production", "WEBHOOK_URL": "https://x.example/"}, webhook: true, httpOn: true},
		{name: "production polling", env: map[string]string{"APP_ENV": "staging"}, webhook: false, httpOn: false},
		{name: "polling with http", env: map[string]string{"ENABLE_HTTP_SERVER": "true"}, webhook: false, httpOn: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			env := map[string]string{"TELEGRAM_BOT_TOKEN": "t"}
			for k, v := range tt.env {
				env[k] = v
			}
			m := NewConfigManager("")
			m.SetEnv(envMap(env))
			cfg, err := m.Parse()
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if cfg.UseWebhook() != tt.webhook || cfg.HTTPEnabled() != tt.httpOn {
				t.Fatalf("webhook=%v http=%v", cfg.UseWebhook(), cfg.HTTPEnabled())
			}
		})
	}
}

func TestWatchPublishesChanges(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json", `{"telegram":{"token":"t"},"logging":{"level":"info"}}`)
	m := NewConfigManager(path)
	m.SetEnv(envMap(nil))
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(path, []byte(`{"telegram":{"token":"t"},"logging":{"level":"debug"}}`), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	select {
	case cfg := <-ch:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("published level = %q", cfg.Logging.Level)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no reload published")
	}
	if m.Get().Logging.Level != "debug" {
		t.Fatalf("Get not updated")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	a := &Config{Telegram: TelegramConfig{Token: "a"}, Logging: LoggingConfig{Level: "info"}}
	b := &Config{Telegram: TelegramConfig{Token: "b"}, Logging: LoggingConfig{Level: "debug"}}
	changed, _ := SummarizeConfigChange(a, b)
	if len(changed) != 2 || changed[0] != "telegram" || changed[1] != "logging" {
		t.Fatalf("changed = %v", changed)
	}
	if r := RestartRequired(a, b); len(r) != 1 || r[0] != "telegram" {
		t.Fatalf("RestartRequired = %v", r)
	}
}

func TestYAMLToJSON(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "empty", in: "", want: `{}`},
		{name: "comment only", in: "# nothing yet\n", want: `{}`},
		{name: "numeric keys", in: "a:\n  1: x\n", want: `{"a":{"1":"x"}}`},
		{name: "list", in: "l:\n  - k: v\n", want: `{"l":[{"k":"v"}]}`},
		{name: "two documents", in: "a: 1\n---\nb: 2\n", wantErr: true},
		{name: "broken", in: "a: [1\n", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := yamlToJSON([]byte(tt.in))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("yamlToJSON(%q) = %s, want error", tt.in, got)
				}
				return
			}
			if err != nil || string(got) != tt.want {
				t.Fatalf("yamlToJSON(%q) = %s, %v; want %s", tt.in, got, err, tt.want)
			}
		})
	}
}
