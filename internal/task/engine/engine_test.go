package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	_ "time/tzdata"

	"clockbot/internal/chrono"
	"clockbot/internal/clock"
	"clockbot/internal/eventbus"
	"clockbot/internal/i18n"
	"clockbot/internal/profile"
	"clockbot/internal/storage"
	"clockbot/internal/task"
	logx "clockbot/pkg/logx"
)

type invokerFunc func(ctx context.Context, s profile.Session) error

func (f invokerFunc) ClockIn(ctx context.Context, s profile.Session) error { return f(ctx, s) }

type sentNote struct {
	owner int64
	text  string
}

type recorder struct {
	mu    sync.Mutex
	notes []sentNote
}

func (r *recorder) Notify(_ context.Context, owner int64, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, sentNote{owner, text})
}

func (r *recorder) all() []sentNote {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sentNote(nil), r.notes...)
}

type failingProfiles struct{ profile.Store }

func (failingProfiles) Get(context.Context, int64) (profile.Profile, bool, error) {
	return profile.Profile{}, false, errors.New("disk on fire")
}

type fixture struct {
	backend  storage.Store
	tasks    *task.Store
	profiles *profile.Memory
	notes    *recorder
	now      time.Time
}

func newFixture(t *testing.T, now time.Time) *fixture {
	t.Helper()
	backend, err := storage.Open(storage.Config{Dir: t.TempDir()}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = backend.Close() })
	return &fixture{
		backend:  backend,
		tasks:    task.Open(context.Background(), backend, logx.Nop(), task.WithClock(func() time.Time { return now })),
		profiles: profile.NewMemory(),
		notes:    &recorder{},
		now:      now,
	}
}

func (f *fixture) engine(inv Invoker, opts ...Option) *Engine {
	opts = append([]Option{WithClock(func() time.Time { return f.now }), WithAudit(f.backend)}, opts...)
	return New(f.tasks, f.profiles, inv, f.notes, opts...)
}

func (f *fixture) login(t *testing.T, owner int64, expires time.Time) {
	t.Helper()
	p := profile.Profile{
		UserID:  owner * 10,
		Geo:     profile.Geo{Lat: 40.4, Long: -3.7, Accuracy: 10},
		Cookies: profile.Cookies{Hcmex: "SFMyNTY.x.y", DeviceID: "dev", Domain: "acme.example", Expires: expires.UnixMilli(), Geo: "e30="},
	}
	if err := f.profiles.Put(context.Background(), owner, p); err != nil {
		t.Fatalf("Put profile: %v", err)
	}
}

func TestTickOutcomes(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC)
	ok := invokerFunc(func(context.Context, profile.Session) error { return nil })

	tests := []struct {
		name        string
		login       bool
		expires     time.Time
		invoker     Invoker
		wantStatus  task.Status
		wantError   string
		wantNote    string
		wantProfile bool
	}{
		{
			name:        "success",
			login:       true,
			expires:     now.Add(time.Hour),
			invoker:     ok,
			wantStatus:  task.StatusExecuted,
			wantNote:    i18n.F(i18n.ES, "clockedInScheduled", i18n.Vars{"time": clock.FormatLocal(now.Add(-time.Minute), "Europe/Madrid")}),
			wantProfile: true,
		},
		{
			name:       "owner missing",
			invoker:    ok,
			wantStatus: task.StatusFailed,
			wantError:  MsgOwnerNotFound,
		},
		{
			name:       "session expired",
			login:      true,
			expires:    now,
			invoker:    ok,
			wantStatus: task.StatusFailed,
			wantError:  MsgSessionExpired,
			wantNote:   i18n.T(i18n.ES, "sessionExpired"),
		},
		{
			name:        "remote failure",
			login:       true,
			expires:     now.Add(time.Hour),
			invoker:     invokerFunc(func(context.Context, profile.Session) error { return &chrono.StatusError{Code: 500} }),
			wantStatus:  task.StatusFailed,
			wantError:   "HTTP 500",
			wantNote:    i18n.F(i18n.ES, "scheduledFailed", i18n.Vars{"error": "HTTP 500"}),
			wantProfile: true,
		},
		{
			name:        "panic",
			login:       true,
			expires:     now.Add(time.Hour),
			invoker:     invokerFunc(func(context.Context, profile.Session) error { panic("boom") }),
			wantStatus:  task.StatusFailed,
			wantError:   "panic: boom",
			wantProfile: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, now)
			if tt.login {
				f.login(t, 5, tt.expires)
			}
			tk := f.tasks.Add(context.Background(), 5, now.Add(-time.Minute), "es", "Europe/Madrid")

			if !f.engine(tt.invoker).Tick(context.Background()) {
				t.Fatalf("Tick skipped")
			}

			got, _ := f.tasks.Get(tk.ID)
			if got.Status != tt.wantStatus || got.Error != tt.wantError {
				t.Fatalf("task = %s/%q, want %s/%q", got.Status, got.Error, tt.wantStatus, tt.wantError)
			}
			if tt.wantStatus == task.StatusExecuted && !got.ExecutedAt.Equal(now) {
				t.Fatalf("executedAt = %s", got.ExecutedAt)
			}

			notes := f.notes.all()
			switch {
			case tt.wantNote == "" && len(notes) != 0:
				t.Fatalf("unexpected notes %+v", notes)
			case tt.wantNote != "" && (len(notes) != 1 || notes[0].owner != 5 || notes[0].text != tt.wantNote):
				t.Fatalf("notes = %+v, want %q", notes, tt.wantNote)
			}

			_, has, _ := f.profiles.Get(context.Background(), 5)
			if has != tt.wantProfile {
				t.Fatalf("profile present = %v, want %v", has, tt.wantProfile)
			}
		})
	}
}

func TestTickDropsOverlap(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC)
	f := newFixture(t, now)
	f.login(t, 1, now.Add(time.Hour))
	f.tasks.Add(context.Background(), 1, now.Add(-time.Second), "en", "UTC")

	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	e := f.engine(invokerFunc(func(context.Context, profile.Session) error {
		if calls.Add(1) == 1 {
			close(entered)
		}
		<-release
		return nil
	}))

	done := make(chan bool)
	go func() { done <- e.Tick(context.Background()) }()
	<-entered

	if !e.Running() {
		t.Fatalf("Running() = false during a pass")
	}
	if e.Tick(context.Background()) {
		t.Fatalf("overlapping Tick ran")
	}
	close(release)
	if !<-done {
		t.Fatalf("first Tick reported skip")
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("invoker called %d times", n)
	}
	if e.Running() {
		t.Fatalf("Running() = true after pass")
	}
	if !e.Tick(context.Background()) {
		t.Fatalf("Tick after pass skipped")
	}
}

func TestScheduleMadridEndToEnd(t *testing.T) {
	t.Parallel()
	madrid, err := clock.LoadZone("Europe/Madrid")
	if err != nil {
		t.Fatalf("LoadZone: %v", err)
	}
	// 12:00 in Madrid (CEST).
	now := time.Date(2026, 6, 10, 10, 0, 0, 0, time.UTC)
	f := newFixture(t, now)
	f.login(t, 3, now.Add(48*time.Hour))

	at := clock.NextOccurrence(14, 0, madrid, now)
	if want := time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC); !at.Equal(want) {
		t.Fatalf("NextOccurrence = %s, want %s", at, want)
	}
	tk := f.tasks.Add(context.Background(), 3, at, "en", "Europe/Madrid")

	var sessions []profile.Session
	e := f.engine(invokerFunc(func(_ context.Context, s profile.Session) error {
		sessions = append(sessions, s)
		return nil
	}))

	f.now = at.Add(-time.Minute)
	e.Tick(context.Background())
	if len(sessions) != 0 {
		t.Fatalf("task ran early")
	}

	f.now = at
	e.Tick(context.Background())
	if len(sessions) != 1 || sessions[0].UserID != 30 || sessions[0].Domain != "acme.example" {
		t.Fatalf("sessions = %+v", sessions)
	}
	got, _ := f.tasks.Get(tk.ID)
	if got.Status != task.StatusExecuted {
		t.Fatalf("status = %s", got.Status)
	}
	notes := f.notes.all()
	if len(notes) != 1 || !strings.Contains(notes[0].text, "Wed 10 Jun 2026 14:00") {
		t.Fatalf("notes = %+v", notes)
	}

	f.now = at.Add(time.Hour)
	e.Tick(context.Background())
	if len(sessions) != 1 {
		t.Fatalf("executed task ran again")
	}
}

func TestTickOrderAndEvents(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC)
	f := newFixture(t, now)
	f.login(t, 1, now.Add(time.Hour))
	late := f.tasks.Add(context.Background(), 1, now.Add(-time.Minute), "en", "UTC")
	early := f.tasks.Add(context.Background(), 1, now.Add(-time.Hour), "en", "UTC")
	future := f.tasks.Add(context.Background(), 1, now.Add(time.Minute), "en", "UTC")

	bus := eventbus.New()
	events, unsub := bus.Subscribe(32)
	defer unsub()

	e := f.engine(invokerFunc(func(context.Context, profile.Session) error { return nil }), WithBus(bus))
	e.Tick(context.Background())

	var executed []string
	for len(events) > 0 {
		ev := <-events
		if ev.Type == eventbus.TaskExecuted {
			executed = append(executed, ev.Data.(TaskEvent).ID)
		}
	}
	if len(executed) != 2 || executed[0] != early.ID || executed[1] != late.ID {
		t.Fatalf("executed order = %v, want [%s %s]", executed, early.ID, late.ID)
	}
	if got, _ := f.tasks.Get(future.ID); !got.Pending() {
		t.Fatalf("future task status = %s", got.Status)
	}
}

func TestProfileLookupErrorLeavesTaskPending(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC)
	f := newFixture(t, now)
	tk := f.tasks.Add(context.Background(), 1, now.Add(-time.Minute), "en", "UTC")

	e := New(f.tasks, failingProfiles{}, invokerFunc(func(context.Context, profile.Session) error {
		t.Fatalf("invoker called")
		return nil
	}), f.notes, WithClock(func() time.Time { return now }))
	e.Tick(context.Background())

	if got, _ := f.tasks.Get(tk.ID); !got.Pending() {
		t.Fatalf("status = %s, want pending", got.Status)
	}
}

func TestUnreadableProfileFailsTask(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC)
	f := newFixture(t, now)
	if err := f.backend.PutProfile(context.Background(), 1, []byte(`{"userId":"abc"}`)); err != nil {
		t.Fatalf("PutProfile: %v", err)
	}
	tk := f.tasks.Add(context.Background(), 1, now.Add(-time.Minute), "es", "UTC")

	calls := 0
	e := New(f.tasks, profile.NewBacked(f.backend), invokerFunc(func(context.Context, profile.Session) error {
		calls++
		return nil
	}), f.notes, WithClock(func() time.Time { return now }))
	e.Tick(context.Background())

	got, _ := f.tasks.Get(tk.ID)
	if got.Status != task.StatusFailed || got.Error != MsgProfileUnreadable {
		t.Fatalf("task = %s %q, want failed %q", got.Status, got.Error, MsgProfileUnreadable)
	}
	if calls != 0 {
		t.Fatalf("invoker called %d times", calls)
	}
	notes := f.notes.all()
	if len(notes) != 1 || notes[0].owner != 1 || notes[0].text != i18n.T(i18n.ES, "profileUnreadable") {
		t.Fatalf("notes = %+v", notes)
	}
	if _, ok, _ := f.backend.GetProfile(context.Background(), 1); ok {
		t.Fatalf("unreadable profile should be removed")
	}

	// A second pass has nothing left to do.
	e.Tick(context.Background())
	if len(f.notes.all()) != 1 {
		t.Fatalf("second tick notified again")
	}
}

type panickyNotifier struct{}

func (panickyNotifier) Notify(context.Context, int64, string) { panic("chat down") }

func TestPanicAfterOutcomeKeepsOutcome(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC)
	f := newFixture(t, now)
	f.login(t, 1, now.Add(time.Hour))
	tk := f.tasks.Add(context.Background(), 1, now.Add(-time.Minute), "en", "UTC")

	bus := eventbus.New()
	events, unsub := bus.Subscribe(32)
	defer unsub()

	e := New(f.tasks, f.profiles, invokerFunc(func(context.Context, profile.Session) error { return nil }), panickyNotifier{},
		WithClock(func() time.Time { return now }), WithBus(bus))
	e.Tick(context.Background())

	if got, _ := f.tasks.Get(tk.ID); got.Status != task.StatusExecuted || got.Error != "" {
		t.Fatalf("task = %s %q, want executed", got.Status, got.Error)
	}
	var executed, failed int
	for len(events) > 0 {
		switch (<-events).Type {
		case eventbus.TaskExecuted:
			executed++
		case eventbus.TaskFailed:
			failed++
		}
	}
	if executed != 1 || failed != 0 {
		t.Fatalf("events executed=%d failed=%d, want 1/0", executed, failed)
	}
}
