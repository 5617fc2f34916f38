// Package profile stores the per-chat login captured from a browser cookie
// export: the remote user id, the session cookies and the location sent with
// every clock-in.
package profile

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"clockbot/internal/clock"
	"clockbot/internal/token"
)

// Cookie names read from a browser export.
const (
	CookieGeo      = "geo"
	CookieSession  = "_hcmex_key"
	CookieDeviceID = "device_id"
)

// SharedLocationAccuracy is stored when the user sends a Telegram location.
const SharedLocationAccuracy = 10

var (
	ErrNoSessionCookie = errors.New("profile: export has no " + CookieSession + " cookie")
	ErrBadGeo          = errors.New("profile: geo cookie is not base64 JSON")
	// ErrCorrupt wraps a stored profile that exists but does not decode.
	ErrCorrupt = errors.New("profile: stored record does not decode")
)

type Geo struct {
	Lat      float64 `json:"lat"`
	Long     float64 `json:"long"`
	Accuracy float64 `json:"accuracy"`
}

// Cookies is the minimal cookie set needed by the remote site.
type Cookies struct {
	Geo      string `json:"geo"`
	Hcmex    string `json:"hcmex"`
	DeviceID string `json:"deviceId"`
	Domain   string `json:"domain"`
	Expires  int64  `json:"expires"` // epoch milliseconds
}

type Profile struct {
	UserID   int64   `json:"userId"`
	Geo      Geo     `json:"geo"`
	TimeZone string  `json:"timeZone,omitempty"`
	Cookies  Cookies `json:"cookies"`
}

// Session is the read-only view handed to the remote protocol.
type Session struct {
	UserID   int64
	Domain   string
	DeviceID string
	Geo      string
	Token    string
	Expires  int64 // epoch milliseconds
}

func (p Profile) Session() Session {
	return Session{
		UserID:   p.UserID,
		Domain:   p.Cookies.Domain,
		DeviceID: p.Cookies.DeviceID,
		Geo:      p.Cookies.Geo,
		Token:    p.Cookies.Hcmex,
		Expires:  p.Cookies.Expires,
	}
}

// Expired reports whether the session cookie is unusable at now. A missing
// expiry counts as expired.
func (p Profile) Expired(now time.Time) bool {
	return p.Cookies.Expires <= 0 || p.Cookies.Expires <= now.UnixMilli()
}

func (p Profile) ExpiresAt() time.Time {
	if p.Cookies.Expires <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(p.Cookies.Expires)
}

// Zone returns the configured zone name, or clock.DefaultZone.
func (p Profile) Zone() string {
	if strings.TrimSpace(p.TimeZone) == "" {
		return clock.DefaultZone
	}
	return p.TimeZone
}

// WithLocation replaces the stored location and re-encodes the geo cookie.
func (p Profile) WithLocation(lat, long float64) Profile {
	p.Geo = Geo{Lat: lat, Long: long, Accuracy: SharedLocationAccuracy}
	p.Cookies.Geo = EncodeGeo(p.Geo)
	return p
}

// MapLink is a search link for the stored coordinates.
func (g Geo) MapLink() string {
	return fmt.Sprintf("https://www.google.com/search?q=%.6f%%2C+%.6f", g.Lat, g.Long)
}

type exportedCookie struct {
	Name           string          `json:"name"`
	Value          string          `json:"value"`
	Domain         string          `json:"domain"`
	ExpirationDate json.RawMessage `json:"expirationDate"`
}

// ParseCookieExport reads a browser cookie export (a JSON array of cookie
// objects) and keeps the three cookies the remote site needs.
func ParseCookieExport(data []byte) (Cookies, error) {
	var list []exportedCookie
	if err := json.Unmarshal(data, &list); err != nil {
		return Cookies{}, fmt.Errorf("profile: invalid cookie export: %w", err)
	}

	var out Cookies
	seen := false
	for _, c := range list {
		switch c.Name {
		case CookieGeo:
			out.Geo = c.Value
		case CookieSession:
			seen = true
			out.Hcmex = c.Value
			out.Domain = strings.TrimPrefix(strings.TrimSpace(c.Domain), ".")
			out.Expires = expiryMillis(c.ExpirationDate)
		case CookieDeviceID:
			out.DeviceID = c.Value
		}
	}
	if !seen || out.Hcmex == "" {
		return Cookies{}, ErrNoSessionCookie
	}
	return out, nil
}

// expirationDate is seconds since epoch, as a number or a numeric string.
func expiryMillis(raw json.RawMessage) int64 {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f <= 0 {
		return 0
	}
	return int64(math.Round(f * 1000))
}

// FromExport builds a profile from a cookie export, decoding the session
// token for the remote user id and the geo cookie for the location.
func FromExport(data []byte) (Profile, error) {
	cookies, err := ParseCookieExport(data)
	if err != nil {
		return Profile{}, err
	}
	geo, err := DecodeGeo(cookies.Geo)
	if err != nil {
		return Profile{}, err
	}
	uid, err := token.UserIDFrom(cookies.Hcmex)
	if err != nil {
		return Profile{}, err
	}
	return Profile{
		UserID:   uid,
		Geo:      geo,
		TimeZone: clock.DefaultZone,
		Cookies:  cookies,
	}, nil
}

func DecodeGeo(cookie string) (Geo, error) {
	cookie = strings.TrimSpace(cookie)
	if cookie == "" {
		return Geo{}, ErrBadGeo
	}
	var (
		raw []byte
		err error
	)
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if raw, err = enc.DecodeString(cookie); err == nil {
			break
		}
	}
	if err != nil {
		return Geo{}, fmt.Errorf("%w: %v", ErrBadGeo, err)
	}
	var g Geo
	if err := json.Unmarshal(raw, &g); err != nil {
		return Geo{}, fmt.Errorf("%w: %v", ErrBadGeo, err)
	}
	return g, nil
}

func EncodeGeo(g Geo) string {
	b, _ := json.Marshal(g)
	return base64.StdEncoding.EncodeToString(b)
}
