package registry

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRedisDedup(t *testing.T) (*RedisDedup, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisDedup(RedisDedupConfig{Client: client, TTL: time.Minute, Logger: testLogger()}), mr
}

func TestRedisDedup_ClaimIsAtomicAcrossProcesses(t *testing.T) {
	ctx := context.Background()
	first, mr := newTestRedisDedup(t)
	second := NewRedisDedup(RedisDedupConfig{
		Client: redis.NewClient(&redis.Options{Addr: mr.Addr()}),
		TTL:    time.Minute,
		Logger: testLogger(),
	})

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := range 20 {
		d := first
		if i%2 == 1 {
			d = second
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := d.Claim(ctx, "a1:slack:99")
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)

	dup, err := first.IsDuplicate(ctx, "a1:slack:99")
	require.NoError(t, err)
	assert.True(t, dup)
	assert.True(t, mr.Exists("chanbridge:dedup:a1:slack:99"))
}

func TestRedisDedup_ClaimExpiresWithTTL(t *testing.T) {
	ctx := context.Background()
	d, mr := newTestRedisDedup(t)

	ok, err := d.Claim(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, time.Minute, mr.TTL("chanbridge:dedup:k"))

	mr.FastForward(time.Minute + time.Second)
	ok, err = d.Claim(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisDedup_ClaimErrorWhenUnavailable(t *testing.T) {
	d, mr := newTestRedisDedup(t)
	mr.Close()

	ok, err := d.Claim(context.Background(), "k")
	require.Error(t, err)
	assert.False(t, ok)
}
