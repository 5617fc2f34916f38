package bot

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"clockbot/internal/i18n"
	"clockbot/internal/profile"
	"clockbot/internal/storage"
	"clockbot/internal/task"
	"clockbot/internal/token"
	kit "clockbot/internal/transport"
	logx "clockbot/pkg/logx"
)

type fakeAdapter struct {
	mu      sync.Mutex
	sent    []string
	files   map[string][]byte
	sentSig chan struct{}
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{files: map[string][]byte{}, sentSig: make(chan struct{}, 16)}
}

func (a *fakeAdapter) SendText(_ context.Context, _ kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	a.mu.Lock()
	a.sent = append(a.sent, text)
	a.mu.Unlock()
	select {
	case a.sentSig <- struct{}{}:
	default:
	}
	return kit.MessageRef{}, nil
}

func (a *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (a *fakeAdapter) Stop(context.Context) error                     { return nil }

func (a *fakeAdapter) OpenFile(_ context.Context, id string) (io.ReadCloser, error) {
	b, ok := a.files[id]
	if !ok {
		return nil, errors.New("no such file")
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (a *fakeAdapter) last() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.sent) == 0 {
		return ""
	}
	return a.sent[len(a.sent)-1]
}

type invokerFunc func(ctx context.Context, s profile.Session) error

func (f invokerFunc) ClockIn(ctx context.Context, s profile.Session) error { return f(ctx, s) }

type auditLog struct {
	mu      sync.Mutex
	entries []storage.AuditEntry
}

func (l *auditLog) AppendAudit(_ context.Context, e storage.AuditEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	return nil
}

const chatID = int64(1001)

var now = time.Date(2026, 6, 10, 10, 0, 0, 0, time.UTC)

type fixture struct {
	bot      *Bot
	adapter  *fakeAdapter
	tasks    *task.Store
	profiles *profile.Memory
	audit    *auditLog
}

func newFixture(t *testing.T, inv Invoker) *fixture {
	t.Helper()
	backend, err := storage.Open(storage.Config{Dir: t.TempDir()}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = backend.Close() })
	if inv == nil {
		inv = invokerFunc(func(context.Context, profile.Session) error { return nil })
	}
	f := &fixture{
		adapter:  newFakeAdapter(),
		tasks:    task.Open(context.Background(), backend, logx.Nop(), task.WithClock(func() time.Time { return now })),
		profiles: profile.NewMemory(),
		audit:    &auditLog{},
	}
	f.bot = New(Config{Workers: 2}, Deps{
		Adapter:  f.adapter,
		Tasks:    f.tasks,
		Profiles: f.profiles,
		Invoker:  inv,
		Audit:    f.audit,
		Now:      func() time.Time { return now },
	})
	return f
}

func (f *fixture) text(t *testing.T, text string) string {
	t.Helper()
	return f.textFrom(t, chatID, text)
}

func (f *fixture) textFrom(t *testing.T, chat int64, text string) string {
	t.Helper()
	up := kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{Sender: kit.Sender{ChatID: chat, FromID: chat}, Text: text}}
	if err := f.bot.Handle(context.Background(), up); err != nil {
		t.Fatalf("Handle(%q): %v", text, err)
	}
	return f.adapter.last()
}

func (f *fixture) login(t *testing.T, expires time.Time) {
	t.Helper()
	p := profile.Profile{
		UserID:   42,
		Geo:      profile.Geo{Lat: 40.4, Long: -3.7, Accuracy: 20},
		TimeZone: "Europe/Madrid",
		Cookies: profile.Cookies{
			Hcmex:   "tok",
			Domain:  "app.example.com",
			Expires: expires.UnixMilli(),
		},
	}
	p.Cookies.Geo = profile.EncodeGeo(p.Geo)
	if err := f.profiles.Put(context.Background(), chatID, p); err != nil {
		t.Fatalf("Put: %v", err)
	}
}

func sessionToken(uid byte) string {
	b := []byte{131, 116}
	b = binary.BigEndian.AppendUint32(b, 1)
	b = append(b, 109)
	b = binary.BigEndian.AppendUint32(b, uint32(len("user_id")))
	b = append(b, "user_id"...)
	b = append(b, 97, uid)
	return token.FormatTag + "." + base64.RawURLEncoding.EncodeToString(b) + ".sig"
}

func exportJSON(tok string) []byte {
	geo := profile.EncodeGeo(profile.Geo{Lat: 41.38, Long: 2.17, Accuracy: 15})
	return []byte(`[
		{"name":"geo","value":"` + geo + `","domain":"app.example.com"},
		{"name":"_hcmex_key","value":"` + tok + `","domain":".app.example.com","expirationDate":1781136000},
		{"name":"device_id","value":"dev-1","domain":"app.example.com"}
	]`)
}

func TestParseCommand(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		name string
		args []string
		ok   bool
	}{
		{in: "/start", name: "start", ok: true},
		{in: "/setTimeZone Europe/Madrid", name: "settimezone", args: []string{"Europe/Madrid"}, ok: true},
		{in: "/clockin@clock_bot  5:20 pm", name: "clockin", args: []string{"5:20", "pm"}, ok: true},
		{in: "hello", ok: false},
		{in: "/", ok: false},
		{in: "", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			name, args, ok := parseCommand(tt.in)
			if ok != tt.ok || name != tt.name || strings.Join(args, ",") != strings.Join(tt.args, ",") {
				t.Fatalf("parseCommand(%q) = %q %v %v", tt.in, name, args, ok)
			}
		})
	}
}

func TestLoginGate(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	if got := f.text(t, "/data"); got != i18n.T(i18n.EN, "loginRequired") {
		t.Fatalf("/data without profile = %q", got)
	}

	f.login(t, now.Add(-time.Minute))
	if got := f.text(t, "/clocknow"); got != i18n.T(i18n.EN, "sessionExpired") {
		t.Fatalf("/clocknow with expired session = %q", got)
	}
	if _, ok, _ := f.profiles.Get(context.Background(), chatID); ok {
		t.Fatalf("expired profile should be removed")
	}
}

type corruptProfiles struct {
	*profile.Memory
	removed []int64
}

func (c *corruptProfiles) Get(context.Context, int64) (profile.Profile, bool, error) {
	return profile.Profile{}, false, fmt.Errorf("%w: owner %d", profile.ErrCorrupt, chatID)
}

func (c *corruptProfiles) Remove(_ context.Context, owner int64) error {
	c.removed = append(c.removed, owner)
	return nil
}

func TestUnreadableProfileAsksForLogin(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	store := &corruptProfiles{Memory: profile.NewMemory()}
	f.bot.deps.Profiles = store

	if got := f.text(t, "/clockin 9:00"); got != i18n.T(i18n.EN, "profileUnreadable") {
		t.Fatalf("/clockin with unreadable profile = %q", got)
	}
	if len(store.removed) != 1 || store.removed[0] != chatID {
		t.Fatalf("removed = %v", store.removed)
	}
	if n := len(f.tasks.All()); n != 0 {
		t.Fatalf("%d tasks scheduled", n)
	}
}

func TestUploadScheduleListCancel(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.adapter.files["f1"] = exportJSON(sessionToken(42))

	up := kit.Update{Kind: kit.UpdateDocument, Document: &kit.Document{
		Sender:   kit.Sender{ChatID: chatID, LanguageCode: "es"},
		FileID:   "f1",
		FileName: "Cookies.JSON",
		FileSize: 512,
	}}
	if err := f.bot.Handle(context.Background(), up); err != nil {
		t.Fatalf("document: %v", err)
	}
	if got := f.adapter.last(); !strings.HasPrefix(got, "✅ Parseado") || !strings.Contains(got, "app.example.com") {
		t.Fatalf("upload reply = %q", got)
	}
	p, ok, _ := f.profiles.Get(context.Background(), chatID)
	if !ok || p.UserID != 42 || p.TimeZone != "Europe/Madrid" || p.Cookies.DeviceID != "dev-1" {
		t.Fatalf("profile = %+v", p)
	}

	reply := f.text(t, "/clockin 14:00")
	pending := f.tasks.ByOwner(chatID)
	if len(pending) != 1 {
		t.Fatalf("tasks = %+v", pending)
	}
	tk := pending[0]
	if want := time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC); !tk.ScheduledAt.Equal(want) {
		t.Fatalf("scheduled at %v, want %v", tk.ScheduledAt, want)
	}
	if !strings.Contains(reply, tk.ID) || !strings.Contains(reply, "14:00 (Europe/Madrid)") {
		t.Fatalf("/clockin reply = %q", reply)
	}

	if got := f.text(t, "/list"); !strings.Contains(got, "⏳ "+tk.ID) {
		t.Fatalf("/list = %q", got)
	}
	if got := f.textFrom(t, 2002, "/cancel "+tk.ID); got != i18n.T(i18n.EN, "cancelNotFound") {
		t.Fatalf("foreign cancel = %q", got)
	}
	if got := f.text(t, "/cancel "+tk.ID); !strings.Contains(got, tk.ID) {
		t.Fatalf("/cancel = %q", got)
	}
	if got, _ := f.tasks.Get(tk.ID); !got.Cancelled() {
		t.Fatalf("task not cancelled: %+v", got)
	}
	if got := f.text(t, "/cancel all"); got != i18n.T(i18n.EN, "cancelAllNone") {
		t.Fatalf("/cancel all = %q", got)
	}
	if got := f.text(t, "/list"); !strings.Contains(got, "❌ "+tk.ID) || !strings.Contains(got, "cancelled") {
		t.Fatalf("/list after cancel = %q", got)
	}
}

func TestDocumentRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		doc  kit.Document
		body []byte
		want string
	}{
		{name: "not json", doc: kit.Document{FileName: "cookies.txt", FileSize: 10}, want: i18n.T(i18n.EN, "docInvalid")},
		{name: "too large", doc: kit.Document{FileName: "c.json", FileSize: MaxExportSize + 1}, want: i18n.T(i18n.EN, "docTooLarge")},
		{name: "bad json", doc: kit.Document{FileName: "c.json", FileSize: 3}, body: []byte("{[}"), want: "Invalid JSON"},
		{name: "no identity", doc: kit.Document{FileName: "c.json", FileSize: 100}, body: exportJSON(sessionToken(0)), want: i18n.T(i18n.EN, "docNoUser")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, nil)
			doc := tt.doc
			doc.Sender = kit.Sender{ChatID: chatID}
			doc.FileID = "f"
			f.adapter.files["f"] = tt.body
			if err := f.bot.Handle(context.Background(), kit.Update{Kind: kit.UpdateDocument, Document: &doc}); err != nil {
				t.Fatalf("Handle: %v", err)
			}
			if got := f.adapter.last(); !strings.Contains(got, tt.want) {
				t.Fatalf("reply = %q, want %q", got, tt.want)
			}
			if _, ok, _ := f.profiles.Get(context.Background(), chatID); ok {
				t.Fatalf("rejected upload stored a profile")
			}
		})
	}
}

func TestClockNowAudits(t *testing.T) {
	t.Parallel()
	t.Run("ok", func(t *testing.T) {
		t.Parallel()
		var got profile.Session
		f := newFixture(t, invokerFunc(func(_ context.Context, s profile.Session) error { got = s; return nil }))
		f.login(t, now.Add(time.Hour))
		if reply := f.text(t, "/clocknow"); reply != i18n.T(i18n.EN, "clockedInNow") {
			t.Fatalf("reply = %q", reply)
		}
		if got.UserID != 42 || got.Domain != "app.example.com" {
			t.Fatalf("session = %+v", got)
		}
		if len(f.audit.entries) != 1 || !f.audit.entries[0].OK || f.audit.entries[0].Action != "clockin.now" {
			t.Fatalf("audit = %+v", f.audit.entries)
		}
	})
	t.Run("remote failure", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, invokerFunc(func(context.Context, profile.Session) error { return errors.New("HTTP 500") }))
		f.login(t, now.Add(time.Hour))
		if reply := f.text(t, "/clocknow"); reply != "❌ Error: HTTP 500" {
			t.Fatalf("reply = %q", reply)
		}
		if len(f.audit.entries) != 1 || f.audit.entries[0].OK || f.audit.entries[0].Error != "HTTP 500" {
			t.Fatalf("audit = %+v", f.audit.entries)
		}
	})
}

func TestClockInValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	if got := f.text(t, "/clockin"); got != i18n.T(i18n.EN, "usageClockin") {
		t.Fatalf("no args = %q", got)
	}
	if got := f.text(t, "/clockin 25:00"); got != i18n.T(i18n.EN, "invalidClockin") {
		t.Fatalf("bad time = %q", got)
	}
	if got := f.text(t, "/clockin 5pm"); got != i18n.T(i18n.EN, "loginRequired") {
		t.Fatalf("logged out = %q", got)
	}
	if n := len(f.tasks.All()); n != 0 {
		t.Fatalf("rejected requests created %d tasks", n)
	}
}

func TestSetTimeZone(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.login(t, now.Add(time.Hour))
	if got := f.text(t, "/SETTIMEZONE America/New_York"); got != "✅ Time zone updated to America/New_York" {
		t.Fatalf("reply = %q", got)
	}
	if got := f.text(t, "/settimezone Mars/Base"); got != i18n.T(i18n.EN, "setTimeZoneInvalid") {
		t.Fatalf("invalid zone reply = %q", got)
	}
	f.text(t, "/clockin 9am")
	tasks := f.tasks.ByOwner(chatID)
	if len(tasks) != 1 || tasks[0].TimeZone != "America/New_York" {
		t.Fatalf("tasks = %+v", tasks)
	}
	// 10:00 UTC is 06:00 in New York, so 9am is later the same day.
	if want := time.Date(2026, 6, 10, 13, 0, 0, 0, time.UTC); !tasks[0].ScheduledAt.Equal(want) {
		t.Fatalf("scheduled at %v, want %v", tasks[0].ScheduledAt, want)
	}
}

func TestLocationUpdate(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.login(t, now.Add(time.Hour))
	up := kit.Update{Kind: kit.UpdateLocation, Location: &kit.Location{Sender: kit.Sender{ChatID: chatID}, Lat: 37.5, Long: -5.9}}
	if err := f.bot.Handle(context.Background(), up); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	p, _, _ := f.profiles.Get(context.Background(), chatID)
	if p.Geo.Lat != 37.5 || p.Geo.Accuracy != profile.SharedLocationAccuracy {
		t.Fatalf("geo = %+v", p.Geo)
	}
	if g, err := profile.DecodeGeo(p.Cookies.Geo); err != nil || g != p.Geo {
		t.Fatalf("geo cookie = %+v, %v", g, err)
	}
	if got := f.text(t, "/location"); got != p.Geo.MapLink() {
		t.Fatalf("/location = %q", got)
	}
}

func TestPanicAnswersInternalError(t *testing.T) {
	t.Parallel()
	f := newFixture(t, invokerFunc(func(context.Context, profile.Session) error { panic("boom") }))
	f.login(t, now.Add(time.Hour))
	up := kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{Sender: kit.Sender{ChatID: chatID}, Text: "/clocknow"}}
	if err := f.bot.Handle(context.Background(), up); err == nil || !strings.Contains(err.Error(), "panic: boom") {
		t.Fatalf("err = %v", err)
	}
	if got := f.adapter.last(); got != i18n.T(i18n.EN, "internalError") {
		t.Fatalf("reply = %q", got)
	}
}

func TestRunDispatches(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan kit.Update, 4)
	done := make(chan error, 1)
	go func() { done <- f.bot.Run(ctx, updates) }()

	updates <- kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{Sender: kit.Sender{ChatID: chatID}, Text: "plain text is ignored"}}
	updates <- kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{Sender: kit.Sender{ChatID: chatID}, Text: "/nope"}}
	select {
	case <-f.adapter.sentSig:
	case <-time.After(3 * time.Second):
		t.Fatalf("no reply dispatched")
	}
	if got := f.adapter.last(); got != i18n.T(i18n.EN, "unknownCommand") {
		t.Fatalf("reply = %q", got)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return")
	}
}
