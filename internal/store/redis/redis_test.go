package redis

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/HMasataka/presence/internal/logging"
	"github.com/HMasataka/presence/pkg/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T, prefix, origin string) *Store {
	t.Helper()

	addr := os.Getenv("PRESENCE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("PRESENCE_TEST_REDIS_ADDR not set, skipping redis store tests")
	}

	s, err := New(context.Background(), Config{Addr: addr, KeyPrefix: prefix}, origin, logging.Discard())
	if err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	t.Cleanup(func() {
		ctx := context.Background()
		keys, _ := s.client.Keys(ctx, prefix+"*").Result()
		if len(keys) > 0 {
			s.client.Del(ctx, keys...)
		}
		_ = s.Close()
	})
	return s
}

func testPrefix() string {
	return "presence-test:" + uuid.NewString() + ":"
}

func TestRedisPutGetLastWriteWins(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t, testPrefix(), "a")
	t0 := time.Now().UTC().Truncate(time.Microsecond)

	newer := domain.Record{
		UserID:   "alice",
		Status:   domain.StatusBusy,
		LastSeen: t0.Add(time.Second),
		Metadata: domain.Metadata{"device": domain.StringValue("phone")},
	}
	require.NoError(t, s.Put(ctx, newer))
	require.NoError(t, s.Put(ctx, domain.Record{UserID: "alice", Status: domain.StatusOnline, LastSeen: t0}))

	got, err := s.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusBusy, got.Status)
	assert.Equal(t, "phone", got.Metadata["device"].Str())

	_, err = s.Get(ctx, "nobody")
	assert.ErrorIs(t, err, domain.ErrRecordNotFound)

	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestRedisBulkTransition(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t, testPrefix(), "a")
	t0 := time.Now().Add(-time.Hour)

	require.NoError(t, s.Put(ctx, domain.Record{UserID: "alice", Status: domain.StatusOnline, LastSeen: t0}))
	require.NoError(t, s.Put(ctx, domain.Record{UserID: "bob", Status: domain.StatusOffline, LastSeen: t0}))

	n, err := s.BulkTransitionOnlineToOffline(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOffline, got.Status)
}

func TestRedisChangeFeedSkipsOwnOrigin(t *testing.T) {
	ctx := context.Background()
	prefix := testPrefix()
	a := setupTestStore(t, prefix, "a")
	b := setupTestStore(t, prefix, "b")

	var (
		mu  sync.Mutex
		got []domain.Record
	)
	unsubscribe, err := a.Subscribe(ctx, func(r domain.Record) {
		mu.Lock()
		got = append(got, r)
		mu.Unlock()
	})
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, a.Put(ctx, domain.Record{UserID: "alice", Status: domain.StatusOnline, LastSeen: now}))
	require.NoError(t, b.Put(ctx, domain.Record{UserID: "bob", Status: domain.StatusAway, LastSeen: now}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 10*time.Millisecond)

	unsubscribe()
	require.NoError(t, b.Put(ctx, domain.Record{UserID: "carol", Status: domain.StatusOnline, LastSeen: now}))
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "bob", got[0].UserID)
}
