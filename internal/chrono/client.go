// Package chrono talks to the remote time-tracking site: it harvests the two
// anti-forgery tokens and posts the clock-in form.
//
// Requests carry only three cookies (session token, device id, geo). No call
// is retried here; a failed clock-in is reported to the caller as is.
package chrono

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"clockbot/internal/profile"
	logx "clockbot/pkg/logx"
)

const maxBodyBytes = 2 << 20

// Doer is the HTTP transport. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

type Config struct {
	// Scheme defaults to "https".
	Scheme string
	// Timeout applies per request when the default transport is used.
	Timeout time.Duration
	// RatePerSec caps outbound requests across all users; 0 disables.
	RatePerSec float64
	Burst      int
	UserAgent  string
}

// StatusError is a non-2xx answer to the clock-in POST.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string { return "HTTP " + strconv.Itoa(e.Code) }

// TokenPair holds the page-level (meta) and form-level (input) tokens. Either
// may be missing; neither is reused across invocations.
type TokenPair struct {
	Page    string
	HasPage bool
	Form    string
	HasForm bool
}

type Client struct {
	http    Doer
	scheme  string
	ua      string
	limiter *rate.Limiter
	log     logx.Logger
}

// New builds a client. A nil doer means an *http.Client with cfg.Timeout.
func New(cfg Config, doer Doer, log logx.Logger) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	if doer == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		doer = &http.Client{Timeout: timeout}
	}
	c := &Client{
		http:   doer,
		scheme: strings.TrimSuffix(strings.TrimSpace(cfg.Scheme), "://"),
		ua:     cfg.UserAgent,
		log:    log,
	}
	if c.scheme == "" {
		c.scheme = "https"
	}
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	return c
}

func (c *Client) origin(s profile.Session) string {
	return c.scheme + "://" + s.Domain
}

// CookieHeader renders the three cookies sent with every request.
func CookieHeader(s profile.Session) string {
	return strings.Join([]string{
		"_hcmex_key=" + s.Token,
		"device_id=" + s.DeviceID,
		"geo=" + s.Geo,
	}, "; ")
}

// FetchTokens reads the page-level token from the site root, then the
// form-level token from the user's chrono fragment. Missing elements are not
// errors; transport failures are.
func (c *Client) FetchTokens(ctx context.Context, s profile.Session) (TokenPair, error) {
	var pair TokenPair
	if strings.TrimSpace(s.Domain) == "" {
		return pair, fmt.Errorf("chrono: session has no domain")
	}

	root, err := c.get(ctx, s, c.origin(s)+"/")
	if err != nil {
		return pair, fmt.Errorf("chrono: fetch root page: %w", err)
	}
	pair.Page, pair.HasPage = findAttr(root, "meta", "csrf", "content")

	form, err := c.get(ctx, s, fmt.Sprintf("%s/chrono/%d/hub_chrono", c.origin(s), s.UserID))
	if err != nil {
		return pair, fmt.Errorf("chrono: fetch chrono form: %w", err)
	}
	pair.Form, pair.HasForm = findAttr(form, "input", "_csrf_token", "value")

	if !pair.HasPage || !pair.HasForm {
		c.log.Warn("anti-forgery token missing",
			logx.String("domain", s.Domain),
			logx.Bool("page", pair.HasPage),
			logx.Bool("form", pair.HasForm),
		)
	}
	return pair, nil
}

// ClockIn harvests fresh tokens and posts the clock-in form.
func (c *Client) ClockIn(ctx context.Context, s profile.Session) error {
	start := time.Now()
	pair, err := c.FetchTokens(ctx, s)
	if err != nil {
		return err
	}

	userID := ""
	if s.UserID > 0 {
		userID = strconv.FormatInt(s.UserID, 10)
	}
	form := url.Values{}
	form.Set("_csrf_token", pair.Form)
	form.Set("location_id", "")
	form.Set("user_id", userID)
	form.Set("shift_id", "")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.origin(s)+"/chrono", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	c.decorate(req, s)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Csrf-Token", pair.Page)
	req.Header.Set("Hx-Request", "true")
	req.Header.Set("Hx-Target", "chronometer-wrapper")
	req.Header.Set("Hx-Trigger", "chrono-form-hub_chrono")
	req.Header.Set("Origin", c.origin(s))
	req.Header.Set("Referer", c.origin(s)+"/")

	resp, err := c.do(ctx, req)
	if err != nil {
		return fmt.Errorf("chrono: post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.log.Warn("clock-in rejected", logx.String("domain", s.Domain), logx.Int("status", resp.StatusCode), logx.Duration("took", time.Since(start)))
		return &StatusError{Code: resp.StatusCode}
	}
	c.log.Info("clock-in accepted", logx.String("domain", s.Domain), logx.Int64("user_id", s.UserID), logx.Duration("took", time.Since(start)))
	return nil
}

func (c *Client) get(ctx context.Context, s profile.Session, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	c.decorate(req, s)
	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.log.Debug("token page returned non-2xx", logx.String("url", u), logx.Int("status", resp.StatusCode))
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
}

func (c *Client) decorate(req *http.Request, s profile.Session) {
	req.Header.Set("Cookie", CookieHeader(s))
	req.Header.Set("Accept", "*/*")
	if c.ua != "" {
		req.Header.Set("User-Agent", c.ua)
	}
}

func (c *Client) do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	return c.http.Do(req)
}
