// Package engine runs due clock-in tasks.
//
// One call to Tick is one pass: snapshot the clock, collect pending tasks
// scheduled at or before it, and run them in ascending order. A Tick that
// starts while another is still running returns immediately and does
// nothing. Nothing a single task does can escape the pass; every outcome is
// recorded on the task and, where the owner can act on it, sent as a
// notification.
package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"clockbot/internal/clock"
	"clockbot/internal/eventbus"
	"clockbot/internal/i18n"
	"clockbot/internal/profile"
	"clockbot/internal/storage"
	"clockbot/internal/task"
	logx "clockbot/pkg/logx"
)

// Outcome messages recorded on failed tasks.
const (
	MsgOwnerNotFound     = "owner not found"
	MsgSessionExpired    = "session expired"
	MsgProfileUnreadable = "profile unreadable"
)

// Invoker performs the remote clock-in.
type Invoker interface {
	ClockIn(ctx context.Context, s profile.Session) error
}

// Notifier delivers a message to an owner. It must not block the tick.
type Notifier interface {
	Notify(ctx context.Context, owner int64, text string)
}

// Auditor records each remote attempt. storage.Store satisfies it.
type Auditor interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

// TaskEvent is the payload of engine events on the bus.
type TaskEvent struct {
	ID       string        `json:"id"`
	Owner    int64         `json:"owner"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// TickEvent is the payload of tick events on the bus.
type TickEvent struct {
	At  time.Time `json:"at"`
	Due int       `json:"due"`
}

type Engine struct {
	tasks    *task.Store
	profiles profile.Store
	invoker  Invoker
	notifier Notifier

	audit         Auditor
	bus           eventbus.Bus
	log           logx.Logger
	now           func() time.Time
	actionTimeout time.Duration

	mu      sync.Mutex
	running bool
}

type Option func(*Engine)

func WithLogger(log logx.Logger) Option {
	return func(e *Engine) {
		if !log.IsZero() {
			e.log = log
		}
	}
}

func WithBus(bus eventbus.Bus) Option {
	return func(e *Engine) {
		if bus != nil {
			e.bus = bus
		}
	}
}

func WithAudit(a Auditor) Option {
	return func(e *Engine) { e.audit = a }
}

// WithClock overrides the tick snapshot source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithActionTimeout bounds each remote attempt. Zero leaves it to ctx.
func WithActionTimeout(d time.Duration) Option {
	return func(e *Engine) { e.actionTimeout = d }
}

func New(tasks *task.Store, profiles profile.Store, invoker Invoker, notifier Notifier, opts ...Option) *Engine {
	e := &Engine{
		tasks:         tasks,
		profiles:      profiles,
		invoker:       invoker,
		notifier:      notifier,
		bus:           eventbus.Nop{},
		log:           logx.Nop(),
		now:           time.Now,
		actionTimeout: 90 * time.Second,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Running reports whether a pass is in progress.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Tick runs one pass over due tasks. It returns false without doing anything
// if another pass is still running.
func (e *Engine) Tick(ctx context.Context) bool {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		e.log.Debug("tick skipped: previous pass still running")
		e.bus.Publish(eventbus.Event{Type: eventbus.TickSkipped})
		return false
	}
	e.running = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	now := e.now()
	due := e.tasks.Due(now)
	e.bus.Publish(eventbus.Event{Type: eventbus.TickStarted, Time: now, Data: TickEvent{At: now, Due: len(due)}})
	if len(due) == 0 {
		return true
	}
	e.log.Info("running due tasks", logx.Int("due", len(due)), logx.Time("at", now))

	for _, t := range due {
		if ctx.Err() != nil {
			e.log.Warn("tick interrupted", logx.Int("remaining", len(due)), logx.Err(ctx.Err()))
			return true
		}
		e.runOne(ctx, t, now)
	}
	return true
}

func (e *Engine) runOne(ctx context.Context, t task.Task, now time.Time) {
	start := time.Now()
	log := e.log.With(logx.String("task", t.ID), logx.Int64("owner", t.Owner))
	lang := i18n.FromCode(t.Locale)

	// finished is set once the outcome is recorded; a later panic (in notify,
	// say) must not record a second one.
	finished := false
	finish := func(runErr error) {
		finished = true
		e.finish(ctx, t, start, runErr)
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error("task panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			if !finished {
				e.finish(ctx, t, start, fmt.Errorf("panic: %v", r))
			}
		}
	}()

	p, ok, err := e.profiles.Get(ctx, t.Owner)
	if errors.Is(err, profile.ErrCorrupt) {
		// Decoding fails the same way on every pass, so this is terminal.
		log.Error("stored profile unreadable; removing it", logx.Err(err))
		if err := e.profiles.Remove(ctx, t.Owner); err != nil {
			log.Warn("profile removal failed", logx.Err(err))
		}
		finish(errors.New(MsgProfileUnreadable))
		e.notify(ctx, t.Owner, i18n.T(lang, "profileUnreadable"))
		return
	}
	if err != nil {
		// Storage trouble is transient; the task stays pending for the next pass.
		log.Error("profile lookup failed; task left pending", logx.Err(err))
		return
	}
	if !ok {
		log.Warn("owner has no profile")
		finish(errors.New(MsgOwnerNotFound))
		return
	}
	if p.Expired(now) {
		log.Info("owner session expired; removing profile", logx.Time("expired_at", p.ExpiresAt()))
		if err := e.profiles.Remove(ctx, t.Owner); err != nil {
			log.Warn("profile removal failed", logx.Err(err))
		}
		finish(errors.New(MsgSessionExpired))
		e.notify(ctx, t.Owner, i18n.T(lang, "sessionExpired"))
		return
	}

	err = e.invoke(ctx, p.Session())
	e.recordAudit(ctx, t, start, err)

	if err != nil {
		log.Warn("scheduled clock-in failed", logx.Err(err))
		e.bus.Publish(eventbus.Event{Type: eventbus.ActionFailed, Data: TaskEvent{ID: t.ID, Owner: t.Owner, Error: err.Error()}})
		finish(err)
		e.notify(ctx, t.Owner, i18n.F(lang, "scheduledFailed", i18n.Vars{"error": err.Error()}))
		return
	}
	log.Info("scheduled clock-in done", logx.Duration("took", time.Since(start)))
	finish(nil)
	e.notify(ctx, t.Owner, i18n.F(lang, "clockedInScheduled", i18n.Vars{"time": clock.FormatLocal(t.ScheduledAt, t.TimeZone)}))
}

func (e *Engine) invoke(ctx context.Context, s profile.Session) error {
	if e.actionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.actionTimeout)
		defer cancel()
	}
	return e.invoker.ClockIn(ctx, s)
}

func (e *Engine) finish(ctx context.Context, t task.Task, start time.Time, runErr error) {
	if !e.tasks.MarkExecuted(ctx, t.ID, runErr) {
		e.log.Warn("task vanished before its outcome was recorded", logx.String("task", t.ID))
	}
	ev := TaskEvent{ID: t.ID, Owner: t.Owner, Duration: time.Since(start)}
	typ := eventbus.TaskExecuted
	if runErr != nil {
		ev.Error = runErr.Error()
		typ = eventbus.TaskFailed
	}
	e.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}

func (e *Engine) notify(ctx context.Context, owner int64, text string) {
	if e.notifier == nil {
		return
	}
	e.notifier.Notify(ctx, owner, text)
}

func (e *Engine) recordAudit(ctx context.Context, t task.Task, start time.Time, err error) {
	if e.audit == nil {
		return
	}
	entry := storage.AuditEntry{
		At:     start.UTC(),
		Owner:  t.Owner,
		TaskID: t.ID,
		Action: "clockin.scheduled",
		OK:     err == nil,
		TookMS: time.Since(start).Milliseconds(),
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if aerr := e.audit.AppendAudit(context.WithoutCancel(ctx), entry); aerr != nil {
		e.log.Warn("audit append failed", logx.Err(aerr))
	}
}
