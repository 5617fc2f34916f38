// Package adapter connects kit.Adapter to the Telegram Bot API through
// telebot, by long polling or by webhook.
package adapter

import (
	"context"
	"errors"
	"hash/fnv"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "clockbot/internal/runtime/supervisor"
	kit "clockbot/internal/transport"
	logx "clockbot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// WebhookURL switches to webhook delivery; Telegram posts to
	// WebhookURL + WebhookPath().
	WebhookURL  string
	SecretToken string
	// Offline skips the getMe call in New. Tests only.
	Offline bool
}

// WebhookPath is the HTTP path Telegram posts updates to.
func (c Config) WebhookPath() string { return "/bot" + c.Token }

type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	webhook *tele.Webhook
	out     atomic.Value // chan<- kit.Update
	polling atomic.Bool

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	droppedUpdates atomic.Uint64

	menuMu sync.Mutex
	menus  map[string]uint64 // language -> hash of last published menu
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	a := &Adapter{cfg: cfg, log: log, menus: map[string]uint64{}}
	var poller tele.Poller = &tele.LongPoller{Timeout: timeout}
	if u := strings.TrimRight(strings.TrimSpace(cfg.WebhookURL), "/"); u != "" {
		a.webhook = &tele.Webhook{
			SecretToken: cfg.SecretToken,
			Endpoint:    &tele.WebhookEndpoint{PublicURL: u + cfg.WebhookPath()},
		}
		poller = a.webhook
	}

	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Poller:  poller,
		Offline: cfg.Offline,
		OnError: func(err error, c tele.Context) {
			log.Warn("telebot error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, err
	}
	a.bot = b

	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

// Webhook reports whether updates arrive over HTTP.
func (a *Adapter) Webhook() bool { return a.webhook != nil }

// WebhookHandler serves Telegram's update posts. It answers 503 until the
// adapter is started.
func (a *Adapter) WebhookHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.webhook == nil || !a.polling.Load() {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		a.webhook.ServeHTTP(w, r)
	})
}

func (a *Adapter) registerHandlers() {
	forward := func(c tele.Context) error {
		if up, ok := toUpdate(c.Message()); ok {
			a.sendUpdate(up)
		}
		return nil
	}
	a.bot.Handle(tele.OnText, forward)
	a.bot.Handle(tele.OnDocument, forward)
	a.bot.Handle(tele.OnLocation, forward)
}

// toUpdate maps a telebot message to a transport update. Messages without a
// chat or sender, and kinds the bot does not handle, are skipped.
func toUpdate(m *tele.Message) (kit.Update, bool) {
	if m == nil || m.Chat == nil {
		return kit.Update{}, false
	}
	s := kit.Sender{ChatID: m.Chat.ID}
	if m.Sender != nil {
		s.FromID = m.Sender.ID
		s.FromUsername = m.Sender.Username
		s.LanguageCode = m.Sender.LanguageCode
	}

	switch {
	case m.Document != nil:
		return kit.Update{Kind: kit.UpdateDocument, Document: &kit.Document{
			Sender:   s,
			FileID:   m.Document.FileID,
			FileName: m.Document.FileName,
			FileSize: int64(m.Document.FileSize),
		}}, true
	case m.Location != nil:
		return kit.Update{Kind: kit.UpdateLocation, Location: &kit.Location{
			Sender: s,
			Lat:    float64(m.Location.Lat),
			Long:   float64(m.Location.Lng),
		}}, true
	case m.Text != "":
		return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{Sender: s, ID: m.ID, Text: m.Text}}, true
	}
	return kit.Update{}, false
}

func (a *Adapter) sendUpdate(up kit.Update) {
	out, _ := a.out.Load().(chan<- kit.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		a.droppedUpdates.Add(1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log))
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		report := func() {
			if n := a.droppedUpdates.Swap(0); n > 0 {
				a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", cap(out)))
			}
		}
		for {
			select {
			case <-c.Done():
				report()
				return
			case <-ticker.C:
				report()
			}
		}
	})

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.polling.Store(false)
		a.bot.Stop()
	})

	mode := "polling"
	if a.webhook != nil {
		mode = "webhook"
	}
	// bot.Start blocks until Stop; restart it if it returns early.
	sup.GoRestart("telebot."+mode, func(c context.Context) error {
		a.log.Info("updates started", logx.String("mode", mode))
		a.polling.Store(true)
		a.bot.Start()
		a.polling.Store(false)
		a.log.Info("updates stopped", logx.String("mode", mode))
		if c.Err() != nil {
			return context.Canceled
		}
		return errors.New("telebot returned while running")
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.Uint64("dropped_updates_pending", a.droppedUpdates.Load()))
	sup.Cancel()

	// A pending getUpdates long poll should not hold shutdown for long.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}

const telegramTextLimit = 4000

// splitTelegramText cuts s into chunks of at most limit runes, preferring
// newline boundaries that do not leave tiny chunks.
func splitTelegramText(s string, limit int) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chat := &tele.Chat{ID: to.ChatID}

	var first kit.MessageRef
	for i, chunk := range splitTelegramText(text, telegramTextLimit) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		msg, err := a.bot.Send(chat, chunk, &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		})
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, MessageID: msg.ID}
		}
	}
	return first, nil
}

// OpenFile streams an uploaded document. Cancelling ctx closes the stream.
func (a *Adapter) OpenFile(ctx context.Context, fileID string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rc, err := a.bot.File(&tele.File{FileID: fileID})
	if err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { _ = rc.Close() })
	return &ctxReadCloser{ReadCloser: rc, stop: stop}, nil
}

type ctxReadCloser struct {
	io.ReadCloser
	stop func() bool
}

func (r *ctxReadCloser) Close() error {
	r.stop()
	return r.ReadCloser.Close()
}

// UpdateMenuCommands publishes the command menu for language ("" is the
// default menu). Unchanged menus are not re-sent.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, language string, cmds []kit.BotCommand) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.menuMu.Lock()
	defer a.menuMu.Unlock()

	h := fnv.New64a()
	tc := make([]tele.Command, 0, len(cmds))
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		d := c.Description
		if d == "" {
			d = c.Command
		}
		if len(d) > 256 {
			d = d[:256]
		}
		tc = append(tc, tele.Command{Text: c.Command, Description: d})
		_, _ = h.Write([]byte(c.Command + "\x00" + d + "\x00"))
	}
	sum := h.Sum64()
	if a.menus[language] == sum {
		return nil
	}

	args := []any{tc}
	if language != "" {
		args = append(args, language)
	}
	if err := a.bot.SetCommands(args...); err != nil {
		return err
	}
	a.menus[language] = sum
	a.log.Info("menu commands updated", logx.String("language", language), logx.Int("count", len(tc)))
	return nil
}
