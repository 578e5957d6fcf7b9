package idempotency

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newMemoryManager(t *testing.T) (*Manager, *MemoryStore, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := NewMemoryStore()
	return NewManager(store, WithClock(clock.Now), WithReservationTTL(time.Minute)), store, clock
}

func TestKeyIsDeterministicAndUnambiguous(t *testing.T) {
	assert.Equal(t, Key("op", "alice", "42"), Key("op", "alice", "42"))
	assert.NotEqual(t, Key("op", "alice", "42"), Key("op", "bob", "42"))
	// Same concatenation, different split.
	assert.NotEqual(t, Key("ab", "c", ""), Key("a", "bc", ""))
	assert.Len(t, Key("op", "alice", "42"), 64)
}

func TestTTLHours(t *testing.T) {
	assert.Equal(t, 24*time.Hour, TTLHours(24))
}

func TestReserveCompleteReplay(t *testing.T) {
	m, _, _ := newMemoryManager(t)
	ctx := context.Background()
	key := Key("process_refund", "alice", "7:corr-1")

	st, _, err := m.Reserve(ctx, key, "")
	require.NoError(t, err)
	assert.Equal(t, StatusNew, st)

	st, _, err = m.Reserve(ctx, key, "")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, st, "second attempt must not take over a live reservation")

	require.NoError(t, m.Complete(ctx, key, "", `{"ok":true}`, time.Hour))

	st, rec, err := m.Reserve(ctx, key, "")
	require.NoError(t, err)
	assert.Equal(t, StatusExisting, st)
	assert.Equal(t, `{"ok":true}`, rec.Result)
}

func TestExpiredRecordIsTreatedAsNew(t *testing.T) {
	m, _, clock := newMemoryManager(t)
	ctx := context.Background()
	key := Key("op", "alice", "1")

	_, _, err := m.Reserve(ctx, key, "")
	require.NoError(t, err)
	require.NoError(t, m.Complete(ctx, key, "", "done", time.Hour))

	clock.Advance(2 * time.Hour)

	st, _, err := m.Check(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, st)

	st, _, err = m.Reserve(ctx, key, "")
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, st)

	st, _, err = m.Check(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, st, "expired key was re-claimed")
}

func TestStaleReservationCanBeTakenOver(t *testing.T) {
	m, _, clock := newMemoryManager(t)
	ctx := context.Background()
	key := Key("op", "alice", "1")

	_, _, err := m.Reserve(ctx, key, "")
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)

	st, _, err := m.Reserve(ctx, key, "")
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, st)
}

func TestFingerprintMismatch(t *testing.T) {
	m, _, _ := newMemoryManager(t)
	ctx := context.Background()
	key := Key("create_refund", "alice", "client-key")

	_, _, err := m.Reserve(ctx, key, "hash-a")
	require.NoError(t, err)
	require.NoError(t, m.Complete(ctx, key, "hash-a", "1", time.Hour))

	_, _, err = m.Reserve(ctx, key, "hash-b")
	assert.ErrorIs(t, err, ErrFingerprintMismatch)

	st, _, err := m.Reserve(ctx, key, "hash-a")
	require.NoError(t, err)
	assert.Equal(t, StatusExisting, st)
}

func TestReleaseAllowsFreshAttempt(t *testing.T) {
	m, _, _ := newMemoryManager(t)
	ctx := context.Background()
	key := Key("op", "alice", "1")

	_, _, err := m.Reserve(ctx, key, "")
	require.NoError(t, err)
	require.NoError(t, m.Release(ctx, key))

	st, _, err := m.Reserve(ctx, key, "")
	require.NoError(t, err)
	assert.Equal(t, StatusNew, st)
}

func TestCleanupRemovesOnlyExpired(t *testing.T) {
	m, store, clock := newMemoryManager(t)
	ctx := context.Background()

	require.NoError(t, m.Complete(ctx, "short", "", "x", time.Hour))
	require.NoError(t, m.Complete(ctx, "long", "", "y", 48*time.Hour))
	clock.Advance(3 * time.Hour)

	n, err := m.Cleanup(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	assert.Equal(t, 1, store.Len())
}

func TestConcurrentReserveHasSingleWinner(t *testing.T) {
	m, _, _ := newMemoryManager(t)
	ctx := context.Background()
	key := Key("process_refund", "alice", "9:corr")

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st, _, err := m.Reserve(ctx, key, "")
			if err == nil && st == StatusNew {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

// racedStore loses every Claim to a winner that leaves the record written by
// winner behind, or nothing when winner is nil.
type racedStore struct {
	*MemoryStore
	winner func(key string) *Record
}

func (s *racedStore) Claim(ctx context.Context, rec Record, now time.Time) (bool, error) {
	if w := s.winner(rec.Key); w != nil {
		if err := s.MemoryStore.Save(ctx, *w); err != nil {
			return false, err
		}
	}
	return false, nil
}

func TestLostClaimNeverGrantsOwnership(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	cases := []struct {
		name   string
		winner func(key string) *Record
		want   Status
	}{
		{"winner record already expired", func(key string) *Record {
			return &Record{Key: key, State: StateInProgress, CreatedAt: now.Add(-time.Hour), ExpiresAt: now.Add(-time.Second)}
		}, StatusInProgress},
		{"winner released before read back", func(string) *Record { return nil }, StatusInProgress},
		{"winner still running", func(key string) *Record {
			return &Record{Key: key, State: StateInProgress, CreatedAt: now, ExpiresAt: now.Add(time.Minute)}
		}, StatusInProgress},
		{"winner completed", func(key string) *Record {
			return &Record{Key: key, State: StateCompleted, Result: "done", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
		}, StatusExisting},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := &racedStore{MemoryStore: NewMemoryStore(), winner: tc.winner}
			m := NewManager(store, WithClock(func() time.Time { return now }))

			st, _, err := m.Reserve(ctx, Key("process_refund", "alice", "3:corr"), "")
			require.NoError(t, err)
			assert.Equal(t, tc.want, st)
		})
	}
}

func setupMiniRedis(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewRedisStore(client)
}

func TestRedisStoreReserveAndReplay(t *testing.T) {
	_, store := setupMiniRedis(t)
	m := NewManager(store)
	ctx := context.Background()
	key := Key("process_refund", "alice", "3:corr")

	st, _, err := m.Reserve(ctx, key, "")
	require.NoError(t, err)
	assert.Equal(t, StatusNew, st)

	st, _, err = m.Reserve(ctx, key, "")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, st)

	require.NoError(t, m.Complete(ctx, key, "", "result", time.Hour))
	st, rec, err := m.Reserve(ctx, key, "")
	require.NoError(t, err)
	assert.Equal(t, StatusExisting, st)
	assert.Equal(t, "result", rec.Result)
}

func TestRedisStoreNativeExpiry(t *testing.T) {
	mr, store := setupMiniRedis(t)
	m := NewManager(store)
	ctx := context.Background()

	require.NoError(t, m.Complete(ctx, "k", "", "v", time.Hour))
	mr.FastForward(2 * time.Hour)

	st, _, err := m.Check(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, StatusNew, st)

	n, err := m.Cleanup(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRedisStoreDelete(t *testing.T) {
	_, store := setupMiniRedis(t)
	ctx := context.Background()

	ok, err := store.Claim(ctx, Record{Key: "k", State: StateInProgress, ExpiresAt: time.Now().Add(time.Minute)}, time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, store.Delete(ctx, "k"))
	_, err = store.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}
