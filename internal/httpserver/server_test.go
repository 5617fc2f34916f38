package httpserver

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "clockbot/pkg/logx"
)

func newTestService(t *testing.T, routes Routes) (*Service, string) {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "public")
	if err := os.MkdirAll(filepath.Join(dir, "nested"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for name, body := range map[string]string{
		"tasks.json":      `[]`,
		"b.txt":           "hello",
		"nested/x.json":   `{}`,
		"../secret.txt":   "nope",
		"profiles.sqlite": "bin",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	s := New(Config{Mode: "webhook", DataDir: dir}, routes, logx.Nop())
	s.now = func() time.Time { return time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC) }
	return s, dir
}

func do(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestHealth(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t, Routes{})
	h := s.Handler()
	for _, path := range []string{"/", "/health"} {
		rec := do(t, h, http.MethodGet, path)
		if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "application/json" {
			t.Fatalf("%s: code=%d type=%q", path, rec.Code, rec.Header().Get("Content-Type"))
		}
		var body map[string]string
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("%s: %v", path, err)
		}
		if body["status"] != "ok" || body["mode"] != "webhook" || body["timestamp"] != "2026-06-10T12:00:00.000Z" {
			t.Fatalf("%s: body = %v", path, body)
		}
	}
}

func TestDataListing(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t, Routes{})
	h := s.Handler()
	for _, path := range []string{"/data", "/data/"} {
		rec := do(t, h, http.MethodGet, path)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: code = %d", path, rec.Code)
		}
		var body struct {
			Files []string `json:"files"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("%s: %v", path, err)
		}
		if strings.Join(body.Files, ",") != "b.txt,profiles.sqlite,tasks.json" {
			t.Fatalf("%s: files = %v", path, body.Files)
		}
	}
}

func TestDataFiles(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t, Routes{})
	h := s.Handler()
	tests := []struct {
		name   string
		target string
		code   int
		ctype  string
		body   string
	}{
		{name: "json", target: "/data/tasks.json", code: http.StatusOK, ctype: "application/json", body: "[]"},
		{name: "text", target: "/data/b.txt", code: http.StatusOK, ctype: "text/plain; charset=utf-8", body: "hello"},
		{name: "nested", target: "/data/nested/x.json", code: http.StatusOK, ctype: "application/json", body: "{}"},
		{name: "unknown ext", target: "/data/profiles.sqlite", code: http.StatusOK, ctype: "application/octet-stream", body: "bin"},
		{name: "missing", target: "/data/none.json", code: http.StatusNotFound},
		{name: "directory", target: "/data/nested", code: http.StatusNotFound},
		{name: "encoded traversal", target: "/data/%2e%2e/secret.txt", code: http.StatusForbidden},
		{name: "encoded slash traversal", target: "/data/..%2fsecret.txt", code: http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := do(t, h, http.MethodGet, tt.target)
			if rec.Code != tt.code {
				t.Fatalf("code = %d, want %d", rec.Code, tt.code)
			}
			if tt.code != http.StatusOK {
				return
			}
			if got := rec.Header().Get("Content-Type"); got != tt.ctype {
				t.Fatalf("content type = %q, want %q", got, tt.ctype)
			}
			if got, _ := io.ReadAll(rec.Body); string(got) != tt.body {
				t.Fatalf("body = %q", got)
			}
		})
	}
}

func TestWebhookAndMetricsRoutes(t *testing.T) {
	t.Parallel()
	hooked := 0
	s, _ := newTestService(t, Routes{
		WebhookPath: "/bot123:abc",
		Webhook:     http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { hooked++; w.WriteHeader(http.StatusOK) }),
		Metrics:     http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = io.WriteString(w, "clockbot_up 1\n") }),
	})
	h := s.Handler()
	if rec := do(t, h, http.MethodPost, "/bot123:abc"); rec.Code != http.StatusOK || hooked != 1 {
		t.Fatalf("webhook: code=%d hooked=%d", rec.Code, hooked)
	}
	if rec := do(t, h, http.MethodPost, "/botwrong"); rec.Code != http.StatusNotFound || hooked != 1 {
		t.Fatalf("wrong webhook path: code=%d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/metrics"); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "clockbot_up") {
		t.Fatalf("metrics: code=%d body=%q", rec.Code, rec.Body.String())
	}
}

func TestDataDisabled(t *testing.T) {
	t.Parallel()
	s := New(Config{}, Routes{}, logx.Nop())
	if rec := do(t, s.Handler(), http.MethodGet, "/data"); rec.Code != http.StatusNotFound {
		t.Fatalf("code = %d", rec.Code)
	}
}

func TestPprofAuth(t *testing.T) {
	t.Parallel()
	s := New(Config{Addr: "0.0.0.0:0", Pprof: true, PprofToken: "s3cret"}, Routes{}, logx.Nop())
	h := s.Handler()
	if rec := do(t, h, http.MethodGet, "/debug/pprof/"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: code = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/debug/pprof/?token=s3cret"); rec.Code != http.StatusOK {
		t.Fatalf("with token: code = %d", rec.Code)
	}

	open := New(Config{Addr: "0.0.0.0:0", Pprof: true}, Routes{}, logx.Nop())
	if rec := do(t, open.Handler(), http.MethodGet, "/debug/pprof/"); rec.Code != http.StatusNotFound {
		t.Fatalf("public addr without token should not mount pprof, code = %d", rec.Code)
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	s := New(Config{Addr: "127.0.0.1:0"}, Routes{}, logx.Nop())
	if err := s.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Stop(t.Context()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
