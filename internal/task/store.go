package task

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"clockbot/internal/storage"
	logx "clockbot/pkg/logx"
)

// Store keeps every task in memory and rewrites the whole collection through
// the storage backend after each mutation. A failed write is logged and the
// in-memory state stays authoritative; the next mutation (or Flush) retries.
type Store struct {
	backend storage.Store
	log     logx.Logger
	now     func() time.Time
	newID   func() string

	mu    sync.Mutex
	tasks []Task
	dirty bool
}

type Option func(*Store)

// WithClock overrides the time source used for createdAt/executedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDFunc overrides task id generation.
func WithIDFunc(fn func() string) Option {
	return func(s *Store) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// Open loads the persisted collection. It never fails: a missing document is
// an empty collection, and an unreadable one is logged and treated as empty.
func Open(ctx context.Context, backend storage.Store, log logx.Logger, opts ...Option) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Store{
		backend: backend,
		log:     log,
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, o := range opts {
		o(s)
	}

	recs, err := backend.LoadTasks(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrCorrupt) {
			log.Error("task document malformed; starting with an empty schedule", logx.Err(err))
		} else {
			log.Error("task load failed; starting with an empty schedule", logx.Err(err))
		}
		return s
	}
	for _, r := range recs {
		t, err := fromRecord(r)
		if err != nil {
			log.Warn("skipping unreadable task record", logx.String("id", r.ID), logx.Err(err))
			continue
		}
		s.tasks = append(s.tasks, t)
	}
	log.Info("tasks loaded", logx.Int("total", len(s.tasks)), logx.Int("pending", s.countPending()))
	return s
}

func (s *Store) stamp() time.Time {
	return s.now().UTC().Truncate(time.Millisecond)
}

// Add creates a pending task and persists the collection.
func (s *Store) Add(ctx context.Context, owner int64, at time.Time, locale, timeZone string) Task {
	t := Task{
		ID:          s.newID(),
		Owner:       owner,
		ScheduledAt: at.UTC().Truncate(time.Millisecond),
		CreatedAt:   s.stamp(),
		Locale:      locale,
		TimeZone:    timeZone,
		Status:      StatusPending,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, t)
	s.persistLocked(ctx)
	return t
}

// Pending returns pending tasks, earliest scheduled first.
func (s *Store) Pending() []Task {
	return s.filter(func(t Task) bool { return t.Pending() })
}

// Due returns pending tasks scheduled at or before now, earliest first.
func (s *Store) Due(now time.Time) []Task {
	return s.filter(func(t Task) bool { return t.Due(now) })
}

// ByOwner returns every task of owner regardless of status, earliest first.
func (s *Store) ByOwner(owner int64) []Task {
	return s.filter(func(t Task) bool { return t.Owner == owner })
}

func (s *Store) Get(id string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexLocked(id); i >= 0 {
		return s.tasks[i], true
	}
	return Task{}, false
}

// All returns a copy of the collection in stored order.
func (s *Store) All() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.tasks)
}

// MarkExecuted records the outcome of a run. A nil runErr means executed,
// anything else means failed with runErr's message. Unknown ids return false.
// A task that already reached a terminal status keeps its first outcome.
func (s *Store) MarkExecuted(ctx context.Context, id string, runErr error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(id)
	if i < 0 {
		return false
	}
	t := &s.tasks[i]
	if !t.Pending() {
		s.log.Warn("outcome for finished task ignored", logx.String("id", id), logx.String("status", string(t.Status)), logx.Err(runErr))
		return true
	}
	if runErr == nil {
		t.Status = StatusExecuted
		t.ExecutedAt = s.stamp()
	} else {
		t.Status = StatusFailed
		t.Error = runErr.Error()
	}
	s.persistLocked(ctx)
	return true
}

// Cancel fails a pending task with CancelledMarker. Cancelling a task that is
// already cancelled or failed rewrites the marker; an executed task is left
// as is. Unknown ids return false.
func (s *Store) Cancel(ctx context.Context, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(id)
	if i < 0 {
		return false
	}
	t := &s.tasks[i]
	if t.Status == StatusExecuted {
		return true
	}
	t.Status = StatusFailed
	t.Error = CancelledMarker
	s.persistLocked(ctx)
	return true
}

// CancelOwner cancels every pending task of owner and returns how many.
func (s *Store) CancelOwner(ctx context.Context, owner int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i := range s.tasks {
		t := &s.tasks[i]
		if t.Owner != owner || !t.Pending() {
			continue
		}
		t.Status = StatusFailed
		t.Error = CancelledMarker
		n++
	}
	if n > 0 {
		s.persistLocked(ctx)
	}
	return n
}

// Flush retries a write that previously failed.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}
	return s.persistLocked(ctx)
}

func (s *Store) persistLocked(ctx context.Context) error {
	recs := make([]storage.TaskRecord, len(s.tasks))
	for i, t := range s.tasks {
		recs[i] = t.record()
	}
	if err := s.backend.SaveTasks(ctx, recs); err != nil {
		s.dirty = true
		s.log.Error("task save failed; keeping in-memory state", logx.Int("tasks", len(recs)), logx.Err(err))
		return err
	}
	s.dirty = false
	return nil
}

func (s *Store) filter(keep func(Task) bool) []Task {
	s.mu.Lock()
	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if keep(t) {
			out = append(out, t)
		}
	}
	s.mu.Unlock()

	slices.SortStableFunc(out, func(a, b Task) int {
		return a.ScheduledAt.Compare(b.ScheduledAt)
	})
	return out
}

func (s *Store) indexLocked(id string) int {
	for i := range s.tasks {
		if s.tasks[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) countPending() int {
	n := 0
	for _, t := range s.tasks {
		if t.Pending() {
			n++
		}
	}
	return n
}
