package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix = "clockbot:profile:"
	defaultGrace     = 30 * 24 * time.Hour
)

// Redis keeps one JSON value per owner. Keys expire Grace after the session
// cookie does; profiles without an expiry never expire.
type Redis struct {
	client *redis.Client
	prefix string
	grace  time.Duration
	now    func() time.Time
}

func OpenRedis(ctx context.Context, cfg Config) (*Redis, error) {
	url := strings.TrimSpace(cfg.RedisURL)
	if url == "" {
		return nil, errors.New("profile: redis url is required")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("profile: redis ping: %w", err)
	}
	return NewRedis(client, cfg), nil
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client, cfg Config) *Redis {
	r := &Redis{client: client, prefix: cfg.KeyPrefix, grace: cfg.Grace, now: time.Now}
	if r.prefix == "" {
		r.prefix = defaultKeyPrefix
	}
	if r.grace <= 0 {
		r.grace = defaultGrace
	}
	return r
}

func (r *Redis) key(owner int64) string { return r.prefix + strconv.FormatInt(owner, 10) }

// ttl returns 0 (no expiry) for profiles without a session expiry.
func (r *Redis) ttl(p Profile) time.Duration {
	exp := p.ExpiresAt()
	if exp.IsZero() {
		return 0
	}
	d := exp.Add(r.grace).Sub(r.now())
	if d < time.Second {
		d = time.Second
	}
	return d
}

func (r *Redis) Get(ctx context.Context, owner int64) (Profile, bool, error) {
	raw, err := r.client.Get(ctx, r.key(owner)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Profile{}, false, nil
	}
	if err != nil {
		return Profile{}, false, err
	}
	var p Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		return Profile{}, false, fmt.Errorf("%w: owner %d: %w", ErrCorrupt, owner, err)
	}
	return p, true, nil
}

func (r *Redis) Put(ctx context.Context, owner int64, p Profile) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key(owner), raw, r.ttl(p)).Err()
}

func (r *Redis) Remove(ctx context.Context, owner int64) error {
	return r.client.Del(ctx, r.key(owner)).Err()
}

func (r *Redis) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}
