package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"clockbot/internal/storage"
)

// Store is the profile collaborator keyed by chat (owner) id.
type Store interface {
	Get(ctx context.Context, owner int64) (Profile, bool, error)
	Put(ctx context.Context, owner int64, p Profile) error
	Remove(ctx context.Context, owner int64) error
}

// Config selects a profile driver.
//
//   - "storage" (default): the main storage backend (file or sqlite)
//   - "redis": a Redis server at RedisURL
//   - "memory": process memory only
type Config struct {
	Driver    string
	RedisURL  string
	KeyPrefix string
	// Grace keeps a Redis profile this long past its session expiry so the
	// engine can still report "session expired" instead of "owner not found".
	Grace time.Duration
}

// Open returns the configured driver. backend is used by the storage driver.
func Open(ctx context.Context, cfg Config, backend storage.Store) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "storage", "file", "sqlite":
		if backend == nil {
			return nil, errors.New("profile: storage driver needs a storage backend")
		}
		return NewBacked(backend), nil
	case "redis":
		return OpenRedis(ctx, cfg)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("profile: unknown driver %q", cfg.Driver)
	}
}

// Backed stores profiles as JSON documents in a storage.Store.
type Backed struct {
	st storage.Store
}

func NewBacked(st storage.Store) *Backed { return &Backed{st: st} }

func (b *Backed) Get(ctx context.Context, owner int64) (Profile, bool, error) {
	raw, ok, err := b.st.GetProfile(ctx, owner)
	if err != nil || !ok {
		return Profile{}, false, err
	}
	var p Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		return Profile{}, false, fmt.Errorf("%w: owner %d: %w", ErrCorrupt, owner, err)
	}
	return p, true, nil
}

func (b *Backed) Put(ctx context.Context, owner int64, p Profile) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return b.st.PutProfile(ctx, owner, raw)
}

func (b *Backed) Remove(ctx context.Context, owner int64) error {
	return b.st.DeleteProfile(ctx, owner)
}

// Memory is an in-process Store.
type Memory struct {
	mu sync.RWMutex
	m  map[int64]Profile
}

func NewMemory() *Memory { return &Memory{m: map[int64]Profile{}} }

func (m *Memory) Get(_ context.Context, owner int64) (Profile, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.m[owner]
	return p, ok, nil
}

func (m *Memory) Put(_ context.Context, owner int64, p Profile) error {
	m.mu.Lock()
	m.m[owner] = p
	m.mu.Unlock()
	return nil
}

func (m *Memory) Remove(_ context.Context, owner int64) error {
	m.mu.Lock()
	delete(m.m, owner)
	m.mu.Unlock()
	return nil
}
