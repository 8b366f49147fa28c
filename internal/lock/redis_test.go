package lock

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testRedis connects to REDIS_URL and skips the test when it is unset.
func testRedis(t *testing.T) *redis.Client {
	t.Helper()
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	opt, err := redis.ParseURL(url)
	require.NoError(t, err)
	rdb := redis.NewClient(opt)
	t.Cleanup(func() { rdb.Close() })
	require.NoError(t, rdb.Ping(context.Background()).Err())
	return rdb
}

func TestRedisLocker_LockUnlock(t *testing.T) {
	rdb := testRedis(t)
	prefix := "test:lock:" + newToken() + ":"
	l := NewRedisLocker(rdb, prefix, 5*time.Second)
	l.poll = 10 * time.Millisecond
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, rdb.Exists(ctx, prefix+"u1").Val())

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = l.Lock(short, "u1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := l.Lock(ctx, "u2")
	require.NoError(t, err)
	other()

	unlock()
	assert.Zero(t, rdb.Exists(ctx, prefix+"u1").Val())
}

func TestRedisLocker_ExpiredUnlockKeepsNewHolder(t *testing.T) {
	rdb := testRedis(t)
	prefix := "test:lock:" + newToken() + ":"
	ctx := context.Background()

	first := NewRedisLocker(rdb, prefix, 50*time.Millisecond)
	staleUnlock, err := first.Lock(ctx, "u1")
	require.NoError(t, err)

	// The first holder stalls past its TTL and a second instance takes over.
	second := NewRedisLocker(rdb, prefix, 5*time.Second)
	second.poll = 10 * time.Millisecond
	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	unlock, err := second.Lock(waitCtx, "u1")
	require.NoError(t, err)
	held, err := rdb.Get(ctx, prefix+"u1").Result()
	require.NoError(t, err)

	staleUnlock()

	got, err := rdb.Get(ctx, prefix+"u1").Result()
	require.NoError(t, err, "stale release must not delete the new holder's lock")
	assert.Equal(t, held, got)

	unlock()
	assert.Zero(t, rdb.Exists(ctx, prefix+"u1").Val())
}

func TestReleaseScript_ComparesToken(t *testing.T) {
	rdb := testRedis(t)
	ctx := context.Background()
	key := "test:lock:" + newToken()
	t.Cleanup(func() { rdb.Del(ctx, key) })

	require.NoError(t, rdb.Set(ctx, key, "mine", time.Minute).Err())

	n, err := releaseScript.Run(ctx, rdb, []string{key}, "theirs").Int()
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.EqualValues(t, 1, rdb.Exists(ctx, key).Val())

	n, err = releaseScript.Run(ctx, rdb, []string{key}, "mine").Int()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, rdb.Exists(ctx, key).Val())
}

func TestNewToken_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		tok := newToken()
		assert.Len(t, tok, 32)
		assert.False(t, seen[tok])
		seen[tok] = true
	}
}
