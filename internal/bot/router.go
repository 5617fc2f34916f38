// Package bot turns chat updates into clock-in operations: the slash
// commands, the cookie export upload and shared locations.
package bot

import (
	"context"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"clockbot/internal/eventbus"
	"clockbot/internal/i18n"
	"clockbot/internal/profile"
	rtsup "clockbot/internal/runtime/supervisor"
	"clockbot/internal/storage"
	"clockbot/internal/task"
	kit "clockbot/internal/transport"
	logx "clockbot/pkg/logx"
)

// Invoker performs the remote clock-in.
type Invoker interface {
	ClockIn(ctx context.Context, s profile.Session) error
}

type Auditor interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

// Deps are the collaborators a Bot needs. Bus, Audit and Now are optional.
type Deps struct {
	Adapter  kit.Adapter
	Tasks    *task.Store
	Profiles profile.Store
	Invoker  Invoker
	Audit    Auditor
	Bus      eventbus.Bus
	Log      logx.Logger
	Now      func() time.Time
}

type Config struct {
	// Workers defaults to NumCPU, at least 2.
	Workers int
	// QueueSize bounds pending requests; extra updates are dropped.
	QueueSize int
	// HandlerTimeout caps one request, the remote action included.
	HandlerTimeout time.Duration
	// ActionTimeout caps the remote call of /clocknow.
	ActionTimeout time.Duration
}

type Request struct {
	Update  kit.Update
	Sender  kit.Sender
	Lang    i18n.Lang
	Command string // lowercased, without slash or @bot suffix
	Args    []string
	Logger  logx.Logger

	reply func(ctx context.Context, text string)
}

func (r *Request) T(key string) string { return i18n.T(r.Lang, key) }

func (r *Request) F(key string, vars i18n.Vars) string { return i18n.F(r.Lang, key, vars) }

// Reply answers in the chat the request came from.
func (r *Request) Reply(ctx context.Context, text string) {
	if r.reply != nil {
		r.reply(ctx, text)
	}
}

type Bot struct {
	deps Deps
	cfg  Config
	log  logx.Logger

	commands map[string]HandlerFunc
	mw       []Middleware

	runMu   sync.Mutex
	running bool
	jobs    chan func()
}

func New(cfg Config, deps Deps) *Bot {
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.Nop{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if cfg.Workers <= 0 {
		cfg.Workers = max(runtime.NumCPU(), 2)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 2 * time.Minute
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = 90 * time.Second
	}
	b := &Bot{deps: deps, cfg: cfg, log: deps.Log}
	b.mw = []Middleware{
		MWRequestLog(b.log),
		MWInternalError(),
		MWPanicRecover(b.log),
		MWTimeout(cfg.HandlerTimeout),
	}
	b.commands = map[string]HandlerFunc{
		"start":       b.handleStart,
		"help":        b.handleStart,
		"data":        b.handleData,
		"clocknow":    b.handleClockNow,
		"clockin":     b.handleClockIn,
		"list":        b.handleList,
		"cancel":      b.handleCancel,
		"location":    b.handleLocation,
		"settimezone": b.handleSetTimeZone,
	}
	return b
}

// PublishMenus sets the default (English) and Spanish command menus when the
// adapter supports it.
func (b *Bot) PublishMenus(ctx context.Context) {
	up, ok := b.deps.Adapter.(kit.CommandMenuUpdater)
	if !ok {
		return
	}
	for lang, code := range map[i18n.Lang]string{i18n.EN: "", i18n.ES: "es"} {
		cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := up.UpdateMenuCommands(cctx, code, i18n.Commands(lang)); err != nil {
			b.log.Warn("menu update failed", logx.String("language", code), logx.Err(err))
		}
		cancel()
	}
}

// Run dispatches updates to a bounded worker pool until ctx is done or
// updates is closed. Pending requests are drained briefly on exit.
func (b *Bot) Run(ctx context.Context, updates <-chan kit.Update) error {
	b.runMu.Lock()
	if b.running {
		b.runMu.Unlock()
		return nil
	}
	b.running = true
	jobs := make(chan func(), b.cfg.QueueSize)
	b.jobs = jobs
	b.runMu.Unlock()

	sup := rtsup.New(ctx,
		rtsup.WithLogger(b.log.With(logx.String("comp", "bot.dispatch"))),
		rtsup.WithCancelOnError(false),
	)
	b.log.Info("dispatcher started", logx.Int("workers", b.cfg.Workers), logx.Int("queue_cap", cap(jobs)))

	for i := 0; i < b.cfg.Workers; i++ {
		idx := i
		sup.GoRestart("bot.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-jobs:
					if !ok {
						return nil
					}
					b.runJob(idx, job)
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithStopOnCleanExit(true),
		)
	}

	defer func() {
		b.runMu.Lock()
		b.running = false
		b.jobs = nil
		close(jobs)
		b.runMu.Unlock()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		b.log.Info("dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			b.route(ctx, up)
		}
	}
}

func (b *Bot) runJob(worker int, job func()) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("panic in bot job", logx.Int("worker", worker), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	job()
}

func (b *Bot) enqueue(fn func()) bool {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	if !b.running {
		return false
	}
	select {
	case b.jobs <- fn:
		return true
	default:
		return false
	}
}

// route builds the request and hands it to a worker.
func (b *Bot) route(ctx context.Context, up kit.Update) {
	req, h := b.match(up)
	if h == nil {
		return
	}
	handler := Chain(h, b.mw...)
	if !b.enqueue(func() { _ = handler(ctx, req) }) {
		b.log.Warn("request dropped (queue full)", logx.String("cmd", req.Command), logx.Int64("chat_id", req.Sender.ChatID))
	}
}

// Handle runs one update synchronously. Run uses the same path through the
// worker pool.
func (b *Bot) Handle(ctx context.Context, up kit.Update) error {
	req, h := b.match(up)
	if h == nil {
		return nil
	}
	return Chain(h, b.mw...)(ctx, req)
}

func (b *Bot) match(up kit.Update) (*Request, HandlerFunc) {
	var (
		s kit.Sender
		h HandlerFunc
	)
	req := &Request{Update: up}
	switch up.Kind {
	case kit.UpdateMessage:
		if up.Message == nil {
			return nil, nil
		}
		s = up.Message.Sender
		name, args, ok := parseCommand(up.Message.Text)
		if !ok {
			return nil, nil
		}
		req.Command, req.Args = name, args
		if h = b.commands[name]; h == nil {
			h = b.handleUnknown
		}
	case kit.UpdateDocument:
		if up.Document == nil {
			return nil, nil
		}
		s = up.Document.Sender
		req.Command = "document"
		h = b.handleDocument
	case kit.UpdateLocation:
		if up.Location == nil {
			return nil, nil
		}
		s = up.Location.Sender
		req.Command = "location_update"
		h = b.handleLocationUpdate
	default:
		return nil, nil
	}
	req.Sender = s
	req.Lang = i18n.FromCode(s.LanguageCode)
	req.Logger = b.log.With(logx.Int64("chat_id", s.ChatID), logx.String("cmd", req.Command))
	req.reply = func(ctx context.Context, text string) {
		if _, err := b.deps.Adapter.SendText(ctx, kit.ChatTarget{ChatID: s.ChatID}, text, &kit.SendOptions{DisablePreview: true}); err != nil {
			req.Logger.Warn("reply failed", logx.Err(err))
		}
	}
	return req, h
}

// parseCommand splits "/SetTimeZone@my_bot Europe/Madrid" into
// "settimezone" and its arguments. Text without a leading slash is not a
// command.
func parseCommand(text string) (string, []string, bool) {
	parts := strings.Fields(strings.TrimSpace(text))
	if len(parts) == 0 || !strings.HasPrefix(parts[0], "/") {
		return "", nil, false
	}
	word := strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	if word == "" {
		return "", nil, false
	}
	return strings.ToLower(word), parts[1:], true
}
