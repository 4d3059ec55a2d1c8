package cache

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nestlog/nestlog/server/internal/nudge"
	"github.com/nestlog/nestlog/server/internal/store"
)

type countingSource struct {
	*store.StaticPreferences
	calls int
}

func (c *countingSource) Preference(ctx context.Context, key string) (*nudge.Preference, error) {
	c.calls++
	return c.StaticPreferences.Preference(ctx, key)
}

func setupTestCache(t *testing.T) (*miniredis.Miniredis, *countingSource, *PreferenceCache) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	src := &countingSource{StaticPreferences: store.NewStaticPreferences([]nudge.Preference{
		{CaregiverKey: "demo-user", OptInEmail: true, OptInPush: true, OptInChat: true},
	})}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return mr, src, NewPreferenceCache(rdb, src, time.Minute, "test:pref:", logger)
}

func TestPreferenceCache_ReadThrough(t *testing.T) {
	mr, src, c := setupTestCache(t)
	ctx := context.Background()

	p, err := c.Preference(ctx, "demo-user")
	require.NoError(t, err)
	assert.True(t, p.OptInEmail)
	assert.Equal(t, 1, src.calls)

	raw, err := mr.Get("test:pref:demo-user")
	require.NoError(t, err)
	var cached nudge.Preference
	require.NoError(t, json.Unmarshal([]byte(raw), &cached))
	assert.Equal(t, *p, cached)
	assert.Equal(t, time.Minute, mr.TTL("test:pref:demo-user"))

	_, err = c.Preference(ctx, "demo-user")
	require.NoError(t, err)
	assert.Equal(t, 1, src.calls, "second lookup should hit redis")
}

func TestPreferenceCache_Expiry(t *testing.T) {
	mr, src, c := setupTestCache(t)
	ctx := context.Background()

	_, err := c.Preference(ctx, "demo-user")
	require.NoError(t, err)
	mr.FastForward(2 * time.Minute)

	_, err = c.Preference(ctx, "demo-user")
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls)
}

func TestPreferenceCache_NotFoundNotCached(t *testing.T) {
	mr, _, c := setupTestCache(t)

	_, err := c.Preference(context.Background(), "ghost")
	var nf *nudge.PreferenceNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.False(t, mr.Exists("test:pref:ghost"))
}

func TestPreferenceCache_PutInvalidates(t *testing.T) {
	mr, _, c := setupTestCache(t)
	ctx := context.Background()

	_, err := c.Preference(ctx, "demo-user")
	require.NoError(t, err)
	require.True(t, mr.Exists("test:pref:demo-user"))

	require.NoError(t, c.PutPreference(ctx, nudge.Preference{CaregiverKey: "demo-user", OptInPush: true}))
	assert.False(t, mr.Exists("test:pref:demo-user"))

	p, err := c.Preference(ctx, "demo-user")
	require.NoError(t, err)
	assert.False(t, p.OptInEmail)
	assert.True(t, p.OptInPush)
}

func TestPreferenceCache_PutSucceedsWhenRedisDown(t *testing.T) {
	mr, src, c := setupTestCache(t)
	ctx := context.Background()
	mr.Close()

	require.NoError(t, c.PutPreference(ctx, nudge.Preference{CaregiverKey: "demo-user", OptInChat: true}))

	p, err := src.StaticPreferences.Preference(ctx, "demo-user")
	require.NoError(t, err)
	assert.True(t, p.OptInChat)
	assert.False(t, p.OptInEmail)
}

func TestPreferenceCache_RedisDownFallsBack(t *testing.T) {
	mr, src, c := setupTestCache(t)
	mr.Close()

	p, err := c.Preference(context.Background(), "demo-user")
	require.NoError(t, err)
	assert.Equal(t, "demo-user", p.CaregiverKey)
	assert.Equal(t, 1, src.calls)
}

func TestPreferenceCache_CorruptEntry(t *testing.T) {
	mr, src, c := setupTestCache(t)
	require.NoError(t, mr.Set("test:pref:demo-user", "{not json"))

	p, err := c.Preference(context.Background(), "demo-user")
	require.NoError(t, err)
	assert.True(t, p.OptInChat)
	assert.Equal(t, 1, src.calls)
}
