package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrClosed  = errors.New("storage closed")
	ErrCorrupt = errors.New("storage: malformed document")
)

// Config configures storage.
//
// Driver values:
//   - "file": documents under Dir
//   - "sqlite": database at SQLitePath (defaults to Dir/clockbot.db)
//
// An empty Driver means "file".
type Config struct {
	Driver      string
	Dir         string
	SQLitePath  string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// TaskRecord is the persisted shape of a scheduled task. Timestamps are
// ISO-8601 UTC strings with millisecond precision.
type TaskRecord struct {
	ID            string `json:"id"`
	Owner         int64  `json:"owner"`
	ScheduledTime string `json:"scheduledTime"`
	CreatedAt     string `json:"createdAt"`
	Locale        string `json:"locale"`
	TimeZone      string `json:"timeZone"`
	Status        string `json:"status"`
	ExecutedAt    string `json:"executedAt,omitempty"`
	Error         string `json:"error,omitempty"`

	// Older task files keyed the owner as userId.
	LegacyUserID int64 `json:"userId,omitempty"`
}

// TimeLayout is the timestamp format of TaskRecord fields.
const TimeLayout = "2006-01-02T15:04:05.000Z"

// FormatTime renders t in TimeLayout. The zero time renders as "".
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(TimeLayout)
}

// ParseTime accepts TimeLayout and any RFC 3339 timestamp. "" is the zero time.
func ParseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// AuditEntry records one attempt of the remote action or a user-visible
// change to the schedule.
type AuditEntry struct {
	At     time.Time `json:"at"`
	Owner  int64     `json:"owner"`
	TaskID string    `json:"taskId,omitempty"`
	Action string    `json:"action"`
	OK     bool      `json:"ok"`
	Error  string    `json:"error,omitempty"`
	TookMS int64     `json:"tookMs"`
}

// Store is the persistence API used by the rest of clockbot.
type Store interface {
	// LoadTasks returns the persisted task list in stored order. A missing
	// document yields an empty list; a malformed one yields ErrCorrupt.
	LoadTasks(ctx context.Context) ([]TaskRecord, error)
	// SaveTasks replaces the whole task list.
	SaveTasks(ctx context.Context, tasks []TaskRecord) error

	GetProfile(ctx context.Context, owner int64) (data []byte, ok bool, err error)
	PutProfile(ctx context.Context, owner int64, data []byte) error
	DeleteProfile(ctx context.Context, owner int64) error

	AppendAudit(ctx context.Context, e AuditEntry) error

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	// Describe names the backing files for the HTTP data listing.
	Describe() string
	Close() error
}
