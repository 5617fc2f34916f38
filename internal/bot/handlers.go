package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"clockbot/internal/clock"
	"clockbot/internal/eventbus"
	"clockbot/internal/i18n"
	"clockbot/internal/profile"
	"clockbot/internal/storage"
	"clockbot/internal/task"
	"clockbot/internal/token"
	logx "clockbot/pkg/logx"
)

// MaxExportSize is the largest cookie export accepted.
const MaxExportSize = 5 << 20

// ActionEvent is published with eventbus.ActionFailed for /clocknow.
type ActionEvent struct {
	Owner int64
	Error string
}

func (b *Bot) handleStart(ctx context.Context, req *Request) error {
	req.Reply(ctx, req.T("start"))
	return nil
}

func (b *Bot) handleUnknown(ctx context.Context, req *Request) error {
	req.Reply(ctx, req.T("unknownCommand"))
	return nil
}

// session returns the caller's profile when logged in with a live session.
// Otherwise it has already answered the user and ok is false.
func (b *Bot) session(ctx context.Context, req *Request) (p profile.Profile, ok bool, err error) {
	owner := req.Sender.ChatID
	p, found, err := b.deps.Profiles.Get(ctx, owner)
	if errors.Is(err, profile.ErrCorrupt) {
		req.Logger.Error("stored profile unreadable; removing it", logx.Err(err))
		if err := b.deps.Profiles.Remove(ctx, owner); err != nil {
			req.Logger.Warn("profile removal failed", logx.Err(err))
		}
		req.Reply(ctx, req.T("profileUnreadable"))
		return profile.Profile{}, false, nil
	}
	if err != nil {
		return profile.Profile{}, false, fmt.Errorf("profile lookup: %w", err)
	}
	if !found {
		req.Reply(ctx, req.T("loginRequired"))
		return profile.Profile{}, false, nil
	}
	if p.Expired(b.deps.Now()) {
		if err := b.deps.Profiles.Remove(ctx, owner); err != nil {
			req.Logger.Warn("profile removal failed", logx.Err(err))
		}
		req.Logger.Info("session expired; profile removed", logx.Time("expired_at", p.ExpiresAt()))
		req.Reply(ctx, req.T("sessionExpired"))
		return profile.Profile{}, false, nil
	}
	return p, true, nil
}

func (b *Bot) handleData(ctx context.Context, req *Request) error {
	p, ok, err := b.session(ctx, req)
	if !ok {
		return err
	}
	status := func(v string) string {
		if strings.TrimSpace(v) == "" {
			return req.T("statusMissing")
		}
		return req.T("statusSet")
	}
	lines := []string{
		req.T("dataHeader"),
		req.F("dataUserId", i18n.Vars{"userId": p.UserID}),
		req.F("dataLocation", i18n.Vars{"lat": p.Geo.Lat, "long": p.Geo.Long, "accuracy": p.Geo.Accuracy}),
		req.F("dataDomain", i18n.Vars{"domain": p.Cookies.Domain}),
		req.F("dataTimeZone", i18n.Vars{"tz": p.Zone()}),
		req.T("dataCookies"),
		req.F("dataCookieHcmex", i18n.Vars{"status": status(p.Cookies.Hcmex)}),
		req.F("dataCookieDevice", i18n.Vars{"status": status(p.Cookies.DeviceID)}),
		req.F("dataCookieGeo", i18n.Vars{"status": status(p.Cookies.Geo)}),
		req.F("dataExpires", i18n.Vars{"expires": clock.FormatLocal(p.ExpiresAt(), p.Zone())}),
	}
	req.Reply(ctx, strings.Join(lines, "\n"))
	return nil
}

func (b *Bot) handleClockNow(ctx context.Context, req *Request) error {
	p, ok, err := b.session(ctx, req)
	if !ok {
		return err
	}
	start := time.Now()
	actx, cancel := context.WithTimeout(ctx, b.cfg.ActionTimeout)
	err = b.deps.Invoker.ClockIn(actx, p.Session())
	cancel()
	b.audit(ctx, req.Sender.ChatID, "", "clockin.now", start, err)
	if err != nil {
		req.Logger.Warn("clock-in failed", logx.Err(err))
		b.deps.Bus.Publish(eventbus.Event{Type: eventbus.ActionFailed, Data: ActionEvent{Owner: req.Sender.ChatID, Error: err.Error()}})
		req.Reply(ctx, req.F("clocknowError", i18n.Vars{"error": err.Error()}))
		return nil
	}
	req.Reply(ctx, req.T("clockedInNow"))
	return nil
}

func (b *Bot) handleClockIn(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		req.Reply(ctx, req.T("usageClockin"))
		return nil
	}
	hour, minute, err := clock.ParseClockTime(strings.Join(req.Args, " "))
	if err != nil {
		req.Reply(ctx, req.T("invalidClockin"))
		return nil
	}
	p, ok, err := b.session(ctx, req)
	if !ok {
		return err
	}
	zone := p.Zone()
	loc, err := clock.LoadZone(zone)
	if err != nil {
		// A stored zone that no longer resolves falls back to the default.
		req.Logger.Warn("stored time zone invalid", logx.String("tz", zone), logx.Err(err))
		zone = clock.DefaultZone
		if loc, err = clock.LoadZone(zone); err != nil {
			return err
		}
	}
	at := clock.NextOccurrence(hour, minute, loc, b.deps.Now())
	locale := req.Sender.LanguageCode
	if locale == "" {
		locale = string(req.Lang)
	}
	t := b.deps.Tasks.Add(ctx, req.Sender.ChatID, at, locale, zone)
	req.Logger.Info("clock-in scheduled", logx.String("task", t.ID), logx.Time("at", at))
	req.Reply(ctx, req.F("scheduledClockin", i18n.Vars{"time": clock.FormatLocal(at, zone), "id": t.ID}))
	return nil
}

func statusIcon(t task.Task) string {
	switch {
	case t.Pending():
		return "⏳"
	case t.Status == task.StatusExecuted:
		return "✅"
	default:
		return "❌"
	}
}

func (b *Bot) statusText(req *Request, t task.Task) string {
	if t.Cancelled() {
		return req.T("status.cancelled")
	}
	return req.T("status." + string(t.Status))
}

func (b *Bot) handleList(ctx context.Context, req *Request) error {
	tasks := b.deps.Tasks.ByOwner(req.Sender.ChatID)
	if len(tasks) == 0 {
		req.Reply(ctx, req.T("listEmpty"))
		return nil
	}
	var sb strings.Builder
	sb.WriteString(req.T("listHeader"))
	for _, t := range tasks {
		fmt.Fprintf(&sb, "\n%s %s | %s | %s", statusIcon(t), t.ID, clock.FormatLocal(t.ScheduledAt, t.TimeZone), b.statusText(req, t))
	}
	req.Reply(ctx, sb.String())
	return nil
}

func (b *Bot) handleCancel(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		req.Reply(ctx, req.T("cancelUsage"))
		return nil
	}
	owner := req.Sender.ChatID
	id := strings.TrimSpace(req.Args[0])
	if strings.EqualFold(id, "all") {
		n := b.deps.Tasks.CancelOwner(ctx, owner)
		b.audit(ctx, owner, "", "cancel.all", time.Now(), nil)
		if n == 0 {
			req.Reply(ctx, req.T("cancelAllNone"))
			return nil
		}
		req.Reply(ctx, req.F("cancelAllOk", i18n.Vars{"count": n}))
		return nil
	}

	t, found := b.deps.Tasks.Get(id)
	if !found || t.Owner != owner {
		req.Reply(ctx, req.T("cancelNotFound"))
		return nil
	}
	if !t.Pending() || !b.deps.Tasks.Cancel(ctx, id) {
		req.Reply(ctx, req.T("cancelFail"))
		return nil
	}
	b.audit(ctx, owner, id, "cancel", time.Now(), nil)
	req.Reply(ctx, req.F("cancelOk", i18n.Vars{"id": id}))
	return nil
}

func (b *Bot) handleLocation(ctx context.Context, req *Request) error {
	p, ok, err := b.session(ctx, req)
	if !ok {
		return err
	}
	req.Reply(ctx, p.Geo.MapLink())
	return nil
}

func (b *Bot) handleSetTimeZone(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		req.Reply(ctx, req.T("setTimeZoneUsage"))
		return nil
	}
	loc, err := clock.LoadZone(req.Args[0])
	if err != nil {
		req.Reply(ctx, req.T("setTimeZoneInvalid"))
		return nil
	}
	p, ok, err := b.session(ctx, req)
	if !ok {
		return err
	}
	p.TimeZone = loc.String()
	if err := b.deps.Profiles.Put(ctx, req.Sender.ChatID, p); err != nil {
		return fmt.Errorf("profile save: %w", err)
	}
	req.Reply(ctx, req.F("setTimeZoneOk", i18n.Vars{"tz": p.TimeZone}))
	return nil
}

func (b *Bot) handleDocument(ctx context.Context, req *Request) error {
	doc := req.Update.Document
	if !strings.HasSuffix(strings.ToLower(doc.FileName), ".json") {
		req.Reply(ctx, req.T("docInvalid"))
		return nil
	}
	if doc.FileSize > MaxExportSize {
		req.Reply(ctx, req.T("docTooLarge"))
		return nil
	}

	rc, err := b.deps.Adapter.OpenFile(ctx, doc.FileID)
	if err != nil {
		req.Logger.Warn("download failed", logx.Err(err))
		req.Reply(ctx, req.F("docError", i18n.Vars{"error": err.Error()}))
		return nil
	}
	data, err := io.ReadAll(io.LimitReader(rc, MaxExportSize+1))
	_ = rc.Close()
	if err != nil {
		req.Reply(ctx, req.F("docError", i18n.Vars{"error": err.Error()}))
		return nil
	}
	if len(data) > MaxExportSize {
		req.Reply(ctx, req.T("docTooLarge"))
		return nil
	}

	p, err := profile.FromExport(data)
	if err != nil {
		req.Logger.Info("cookie export rejected", logx.Err(err))
		req.Reply(ctx, req.F("docError", i18n.Vars{"error": b.exportError(req, err)}))
		return nil
	}
	p.TimeZone = clock.DefaultZone
	if err := b.deps.Profiles.Put(ctx, req.Sender.ChatID, p); err != nil {
		return fmt.Errorf("profile save: %w", err)
	}
	req.Logger.Info("profile saved", logx.Int64("user_id", p.UserID), logx.String("domain", p.Cookies.Domain))

	details := req.F("docDetails", i18n.Vars{
		"lat":     p.Geo.Lat,
		"long":    p.Geo.Long,
		"link":    p.Geo.MapLink(),
		"domain":  p.Cookies.Domain,
		"expires": clock.FormatLocal(p.ExpiresAt(), p.Zone()),
	})
	req.Reply(ctx, req.F("docParsed", i18n.Vars{"details": details}))
	return nil
}

// exportError maps upload failures to chat text.
func (b *Bot) exportError(req *Request, err error) string {
	var syn *json.SyntaxError
	var typ *json.UnmarshalTypeError
	switch {
	case errors.Is(err, token.ErrNoIdentity):
		return req.T("docNoUser")
	case errors.As(err, &syn), errors.As(err, &typ):
		return req.T("docInvalidJson")
	default:
		return err.Error()
	}
}

func (b *Bot) handleLocationUpdate(ctx context.Context, req *Request) error {
	loc := req.Update.Location
	p, ok, err := b.session(ctx, req)
	if !ok {
		return err
	}
	p = p.WithLocation(loc.Lat, loc.Long)
	if err := b.deps.Profiles.Put(ctx, req.Sender.ChatID, p); err != nil {
		return fmt.Errorf("profile save: %w", err)
	}
	req.Logger.Info("location updated",
		logx.String("lat", strconv.FormatFloat(loc.Lat, 'f', 6, 64)),
		logx.String("long", strconv.FormatFloat(loc.Long, 'f', 6, 64)),
	)
	req.Reply(ctx, req.F("locationUpdated", i18n.Vars{"link": p.Geo.MapLink()}))
	return nil
}

func (b *Bot) audit(ctx context.Context, owner int64, taskID, action string, start time.Time, err error) {
	if b.deps.Audit == nil {
		return
	}
	e := storage.AuditEntry{
		At:     start.UTC(),
		Owner:  owner,
		TaskID: taskID,
		Action: action,
		OK:     err == nil,
		TookMS: time.Since(start).Milliseconds(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	if aerr := b.deps.Audit.AppendAudit(context.WithoutCancel(ctx), e); aerr != nil {
		b.log.Warn("audit append failed", logx.Err(aerr))
	}
}
