package kv

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeys(t *testing.T) {
	assert.Equal(t, "wallet:alice", WalletKey("@alice"))
	assert.Equal(t, "agent:wallet:vibebot", AgentWalletKey(" @vibebot "))
	assert.Equal(t, "ratelimit:tip:alice", RateLimitKey("tip", "@alice"))
}

func TestMemoryStore_GetSet(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	_, err := m.Get(ctx, "wallet:alice")
	assert.ErrorIs(t, err, ErrNotFound)

	blob := []byte(`{"privateKey":"0x01"}`)
	require.NoError(t, m.Set(ctx, "wallet:alice", blob, 0))

	got, err := m.Get(ctx, "wallet:alice")
	require.NoError(t, err)
	assert.Equal(t, blob, got)

	// Callers zero what they receive; the stored copy must survive.
	for i := range got {
		got[i] = 0
	}
	again, _ := m.Get(ctx, "wallet:alice")
	assert.Equal(t, blob, again)
}

func TestMemoryStore_Expiry(t *testing.T) {
	now := time.Unix(1000, 0)
	m := NewMemoryStore()
	m.SetClock(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", []byte("v"), time.Minute))
	now = now.Add(time.Minute)
	_, err := m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_Incr(t *testing.T) {
	now := time.Unix(1000, 0)
	m := NewMemoryStore()
	m.SetClock(func() time.Time { return now })
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		n, ttl, err := m.Incr(ctx, "ratelimit:tip:alice", time.Hour)
		require.NoError(t, err)
		assert.Equal(t, i, n)
		assert.Equal(t, time.Hour, ttl)
	}

	now = now.Add(30 * time.Minute)
	n, ttl, _ := m.Incr(ctx, "ratelimit:tip:alice", time.Hour)
	assert.Equal(t, int64(4), n)
	assert.Equal(t, 30*time.Minute, ttl)

	now = now.Add(30 * time.Minute)
	n, _, _ = m.Incr(ctx, "ratelimit:tip:alice", time.Hour)
	assert.Equal(t, int64(1), n, "window rolls over")
}

func TestMemoryStore_LockExcludes(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	var mu sync.Mutex
	inside, maxInside := 0, 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := m.Lock(ctx, "agent:spend:vibebot", time.Minute)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			inside++
			if inside > maxInside {
				maxInside = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxInside)
}

func TestMemoryStore_LockTimeout(t *testing.T) {
	m := NewMemoryStore()
	unlock, err := m.Lock(context.Background(), "k", time.Minute)
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Lock(ctx, "k", time.Minute)
	assert.True(t, errors.Is(err, ErrLockTimeout))

	// Independent keys do not contend.
	other, err := m.Lock(context.Background(), "other", time.Minute)
	require.NoError(t, err)
	other()
}

func TestMemoryStore_UnlockIdempotent(t *testing.T) {
	m := NewMemoryStore()
	unlock, err := m.Lock(context.Background(), "k", time.Minute)
	require.NoError(t, err)
	unlock()
	unlock()

	again, err := m.Lock(context.Background(), "k", time.Minute)
	require.NoError(t, err)
	again()
}

func TestOpen_InvalidURL(t *testing.T) {
	_, err := Open(context.Background(), "not a url")
	assert.Error(t, err)
}

func TestOpen_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := Open(ctx, "redis://127.0.0.1:1/0")
	assert.Error(t, err)
}

var _ Store = (*MemoryStore)(nil)
var _ Store = (*RedisStore)(nil)
