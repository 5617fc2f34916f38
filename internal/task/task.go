// Package task holds scheduled clock-in tasks and their persistence.
//
// A task moves one way: pending -> executed or pending -> failed. Tasks are
// never deleted; cancellation is a failed transition carrying
// CancelledMarker as its error.
package task

import (
	"fmt"
	"time"

	"clockbot/internal/clock"
	"clockbot/internal/storage"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusExecuted Status = "executed"
	StatusFailed   Status = "failed"
)

// CancelledMarker is the error text stored on cancelled tasks.
const CancelledMarker = "cancelled"

type Task struct {
	ID          string
	Owner       int64
	ScheduledAt time.Time
	CreatedAt   time.Time
	Locale      string
	TimeZone    string
	Status      Status
	ExecutedAt  time.Time // zero unless executed
	Error       string
}

func (t Task) Pending() bool   { return t.Status == StatusPending }
func (t Task) Cancelled() bool { return t.Status == StatusFailed && t.Error == CancelledMarker }

// Due reports whether t is pending and scheduled at or before now.
func (t Task) Due(now time.Time) bool {
	return t.Pending() && !t.ScheduledAt.After(now)
}

func (t Task) record() storage.TaskRecord {
	return storage.TaskRecord{
		ID:            t.ID,
		Owner:         t.Owner,
		ScheduledTime: storage.FormatTime(t.ScheduledAt),
		CreatedAt:     storage.FormatTime(t.CreatedAt),
		Locale:        t.Locale,
		TimeZone:      t.TimeZone,
		Status:        string(t.Status),
		ExecutedAt:    storage.FormatTime(t.ExecutedAt),
		Error:         t.Error,
	}
}

func fromRecord(r storage.TaskRecord) (Task, error) {
	t := Task{
		ID:       r.ID,
		Owner:    r.Owner,
		Locale:   r.Locale,
		TimeZone: r.TimeZone,
		Status:   Status(r.Status),
		Error:    r.Error,
	}
	if t.Owner == 0 {
		t.Owner = r.LegacyUserID
	}
	if t.ID == "" || t.Owner == 0 {
		return Task{}, fmt.Errorf("task record missing id or owner")
	}
	if t.Locale == "" {
		t.Locale = "en"
	}
	if t.TimeZone == "" {
		t.TimeZone = clock.DefaultZone
	}
	switch t.Status {
	case StatusPending, StatusExecuted, StatusFailed:
	default:
		return Task{}, fmt.Errorf("task %s: unknown status %q", t.ID, r.Status)
	}

	var err error
	if t.ScheduledAt, err = storage.ParseTime(r.ScheduledTime); err != nil || t.ScheduledAt.IsZero() {
		return Task{}, fmt.Errorf("task %s: bad scheduledTime %q", t.ID, r.ScheduledTime)
	}
	if t.CreatedAt, err = storage.ParseTime(r.CreatedAt); err != nil {
		return Task{}, fmt.Errorf("task %s: bad createdAt %q", t.ID, r.CreatedAt)
	}
	if t.ExecutedAt, err = storage.ParseTime(r.ExecutedAt); err != nil {
		return Task{}, fmt.Errorf("task %s: bad executedAt %q", t.ID, r.ExecutedAt)
	}
	return t, nil
}
