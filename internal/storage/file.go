package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	logx "clockbot/pkg/logx"
)

// File names inside Config.Dir.
const (
	TasksFile    = "scheduled_tasks.json"
	ProfilesFile = "user_data.json"
	AuditFile    = "audit.jsonl"
	DedupFile    = "dedup.json"
)

// fileStore keeps each collection in its own JSON document and rewrites the
// whole document on every change. Profiles and dedup entries are cached in
// memory; tasks are owned by the caller and only passed through.
type fileStore struct {
	log logx.Logger
	dir string

	mu        sync.Mutex
	closed    bool
	auditFile *os.File
	profiles  map[string]json.RawMessage
	dedup     map[string]int64 // unix milli
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	af, err := os.OpenFile(filepath.Join(dir, AuditFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	s := &fileStore{
		log:       log,
		dir:       dir,
		auditFile: af,
		profiles:  map[string]json.RawMessage{},
		dedup:     map[string]int64{},
	}
	if err := readJSON(s.path(ProfilesFile), &s.profiles); err != nil && !errors.Is(err, os.ErrNotExist) {
		// Unreadable profiles are set aside rather than overwritten by the next save.
		log.Error("profiles document unreadable; starting empty", logx.Err(err))
		s.quarantine(ProfilesFile)
		s.profiles = map[string]json.RawMessage{}
	}
	if err := readJSON(s.path(DedupFile), &s.dedup); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Debug("dedup document unreadable", logx.Err(err))
		s.dedup = map[string]int64{}
	}
	if s.profiles == nil {
		s.profiles = map[string]json.RawMessage{}
	}
	if s.dedup == nil {
		s.dedup = map[string]int64{}
	}
	pruneExpiredDedup(s.dedup, time.Now())
	return s, nil
}

func (s *fileStore) path(name string) string { return filepath.Join(s.dir, name) }

func (s *fileStore) Describe() string { return "file:" + s.dir }

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.auditFile != nil {
		err := s.auditFile.Close()
		s.auditFile = nil
		return err
	}
	return nil
}

func (s *fileStore) LoadTasks(ctx context.Context) ([]TaskRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	var out []TaskRecord
	err := readJSON(s.path(TasksFile), &out)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil, nil
	case err != nil:
		s.quarantine(TasksFile)
		return nil, err
	}
	return out, nil
}

func (s *fileStore) SaveTasks(ctx context.Context, tasks []TaskRecord) error {
	_ = ctx
	if tasks == nil {
		tasks = []TaskRecord{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return writeJSONAtomic(s.path(TasksFile), tasks)
}

func (s *fileStore) GetProfile(ctx context.Context, owner int64) ([]byte, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, ErrClosed
	}
	raw, ok := s.profiles[ownerKey(owner)]
	if !ok {
		return nil, false, nil
	}
	return bytes.Clone(raw), true, nil
}

func (s *fileStore) PutProfile(ctx context.Context, owner int64, data []byte) error {
	_ = ctx
	if !json.Valid(data) {
		return fmt.Errorf("profile %d: invalid JSON", owner)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	key := ownerKey(owner)
	prev, had := s.profiles[key]
	s.profiles[key] = bytes.Clone(data)
	if err := writeJSONAtomic(s.path(ProfilesFile), s.profiles); err != nil {
		if had {
			s.profiles[key] = prev
		} else {
			delete(s.profiles, key)
		}
		return err
	}
	return nil
}

func (s *fileStore) DeleteProfile(ctx context.Context, owner int64) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	key := ownerKey(owner)
	prev, had := s.profiles[key]
	if !had {
		return nil
	}
	delete(s.profiles, key)
	if err := writeJSONAtomic(s.path(ProfilesFile), s.profiles); err != nil {
		s.profiles[key] = prev
		return err
	}
	return nil
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.auditFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.dedup[key] = until.UnixMilli()
	pruneExpiredDedup(s.dedup, time.Now())
	return writeJSONAtomic(s.path(DedupFile), s.dedup)
}

func (s *fileStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return time.Time{}, false, ErrClosed
	}
	ms, ok := s.dedup[key]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

// quarantine renames a malformed document so the next save cannot destroy it.
func (s *fileStore) quarantine(name string) {
	src := s.path(name)
	dst := src + ".corrupt-" + time.Now().UTC().Format("20060102T150405")
	if err := os.Rename(src, dst); err != nil {
		s.log.Warn("could not set malformed document aside", logx.String("path", src), logx.Err(err))
		return
	}
	s.log.Warn("malformed document set aside", logx.String("path", dst))
}

func ownerKey(owner int64) string { return strconv.FormatInt(owner, 10) }

func readJSON(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, filepath.Base(path), err)
	}
	return nil
}

// writeJSONAtomic writes v to a sibling tmp file and renames it over path.
func writeJSONAtomic(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func pruneExpiredDedup(m map[string]int64, now time.Time) {
	ms := now.UnixMilli()
	for k, v := range m {
		if v < ms {
			delete(m, k)
		}
	}
}
