// Package clock turns user-entered times into absolute instants.
package clock

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DefaultZone is used when a profile has no time zone set.
const DefaultZone = "Europe/Madrid"

var (
	ErrInvalidTime = errors.New("clock: invalid time")
	ErrInvalidZone = errors.New("clock: invalid time zone")
)

var clockRe = regexp.MustCompile(`^(\d{1,2})(?::(\d{2}))?(am|pm)?$`)

// ParseClockTime accepts "14", "14:30", "9am", "9:15 PM" and similar.
func ParseClockTime(text string) (hour, minute int, err error) {
	s := strings.ToLower(strings.Join(strings.Fields(text), ""))
	m := clockRe.FindStringSubmatch(s)
	if m == nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidTime, text)
	}
	hour, _ = strconv.Atoi(m[1])
	if m[2] != "" {
		minute, _ = strconv.Atoi(m[2])
	}
	if minute > 59 {
		return 0, 0, fmt.Errorf("%w: minute %d", ErrInvalidTime, minute)
	}

	switch m[3] {
	case "am", "pm":
		if hour < 1 || hour > 12 {
			return 0, 0, fmt.Errorf("%w: hour %d with %s", ErrInvalidTime, hour, m[3])
		}
		if m[3] == "pm" && hour != 12 {
			hour += 12
		}
		if m[3] == "am" && hour == 12 {
			hour = 0
		}
	default:
		if hour > 23 {
			return 0, 0, fmt.Errorf("%w: hour %d", ErrInvalidTime, hour)
		}
	}
	return hour, minute, nil
}

// LoadZone resolves an IANA zone name. Empty means DefaultZone.
func LoadZone(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultZone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidZone, name)
	}
	return loc, nil
}

// NextOccurrence returns the first instant after now whose wall clock in loc
// reads hour:minute. Rolling over adds one calendar day in loc, so the result
// keeps its wall time across DST transitions.
func NextOccurrence(hour, minute int, loc *time.Location, now time.Time) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	at := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
	if !at.After(now) {
		at = time.Date(local.Year(), local.Month(), local.Day()+1, hour, minute, 0, 0, loc)
	}
	return at.UTC()
}

// FormatLocal renders t in zone for chat replies, e.g. "Mon 02 Jan 15:04 (Europe/Madrid)".
func FormatLocal(t time.Time, zone string) string {
	loc, err := LoadZone(zone)
	if err != nil {
		loc = time.UTC
	}
	return t.In(loc).Format("Mon 02 Jan 2006 15:04") + " (" + loc.String() + ")"
}
