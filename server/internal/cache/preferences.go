package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/nestlog/nestlog/server/internal/nudge"
)

const (
	defaultTTL    = 5 * time.Minute
	defaultPrefix = "nestlog:pref:"
)

// PreferenceWriter is implemented by preference sources that accept updates.
type PreferenceWriter interface {
	PutPreference(ctx context.Context, p nudge.Preference) error
}

// NewClient returns a Redis client for addr.
func NewClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// PreferenceCache serves preferences from Redis and falls back to the wrapped
// source on a miss. Redis errors degrade to the source; they never fail a
// lookup on their own.
type PreferenceCache struct {
	rdb    redis.Cmdable
	next   nudge.PreferenceSource
	ttl    time.Duration
	prefix string
	logger *slog.Logger
}

// NewPreferenceCache wraps next. A zero ttl or empty prefix selects the defaults.
func NewPreferenceCache(rdb redis.Cmdable, next nudge.PreferenceSource, ttl time.Duration, prefix string, logger *slog.Logger) *PreferenceCache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if prefix == "" {
		prefix = defaultPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PreferenceCache{rdb: rdb, next: next, ttl: ttl, prefix: prefix, logger: logger}
}

// Preference returns the cached record for key, loading and caching it from
// the wrapped source on a miss. Not-found results are not cached.
func (c *PreferenceCache) Preference(ctx context.Context, key string) (*nudge.Preference, error) {
	raw, err := c.rdb.Get(ctx, c.prefix+key).Bytes()
	switch {
	case err == nil:
		var p nudge.Preference
		if jerr := json.Unmarshal(raw, &p); jerr == nil {
			return &p, nil
		}
		c.logger.Warn("cache: dropping undecodable preference", "caregiver", key)
		c.rdb.Del(ctx, c.prefix+key)
	case errors.Is(err, redis.Nil):
	default:
		c.logger.Warn("cache: redis get failed, reading through", "caregiver", key, "err", err)
	}

	p, err := c.next.Preference(ctx, key)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, &nudge.PreferenceNotFoundError{CaregiverKey: key}
	}

	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode preference %q: %w", key, err)
	}
	if err := c.rdb.Set(ctx, c.prefix+key, data, c.ttl).Err(); err != nil {
		c.logger.Warn("cache: redis set failed", "caregiver", key, "err", err)
	}
	return p, nil
}

// PutPreference writes p through to the wrapped source and drops the cached
// copy. It fails when the source is read-only or rejects the write. A failed
// invalidation is only logged: the write has landed and a stale entry
// expires after the TTL.
func (c *PreferenceCache) PutPreference(ctx context.Context, p nudge.Preference) error {
	w, ok := c.next.(PreferenceWriter)
	if !ok {
		return errors.New("cache: preference source is read-only")
	}
	if err := w.PutPreference(ctx, p); err != nil {
		return err
	}
	if err := c.Invalidate(ctx, p.CaregiverKey); err != nil {
		c.logger.Warn("cache: stale preference until ttl", "caregiver", p.CaregiverKey, "ttl", c.ttl, "err", err)
	}
	return nil
}

// Invalidate removes the cached record for key.
func (c *PreferenceCache) Invalidate(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, c.prefix+key).Err(); err != nil {
		return fmt.Errorf("cache: invalidate %q: %w", key, err)
	}
	return nil
}
