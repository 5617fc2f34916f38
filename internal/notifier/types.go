package notifier

import "time"

// Config controls the async notification pipeline.
type Config struct {
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

// Message is one queued notification.
type Message struct {
	Owner int64
	Text  string
	// DedupKey suppresses repeats of the same key within the dedup window.
	// Empty means never suppressed.
	DedupKey string
}

// Event is published on the event bus for notifier lifecycle events.
type Event struct {
	Owner int64     `json:"owner"`
	Key   string    `json:"key,omitempty"`
	At    time.Time `json:"at"`
	Error string    `json:"error,omitempty"`
}
