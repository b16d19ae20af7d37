package lock

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/modfin/offer/internal/dao"
	"github.com/modfin/offer/internal/timex"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

func acquired(_ string, ok bool) bool {
	return ok
}

func TestMemory(t *testing.T) {
	ctx := context.Background()
	clock := timex.NewManual(t0)
	m := NewMemory(clock)

	a, ok := m.TryAcquire(ctx, "a", time.Minute)
	assert.True(t, ok)
	assert.NotEmpty(t, a)
	assert.False(t, acquired(m.TryAcquire(ctx, "a", time.Minute)))
	assert.True(t, acquired(m.TryAcquire(ctx, "b", time.Minute)))

	m.Release(ctx, "a", "someone-else")
	assert.False(t, acquired(m.TryAcquire(ctx, "a", time.Minute)), "release with a foreign token is a no-op")

	m.Release(ctx, "a", a)
	assert.True(t, acquired(m.TryAcquire(ctx, "a", time.Minute)))

	clock.Advance(time.Minute)
	assert.True(t, acquired(m.TryAcquire(ctx, "b", time.Minute)), "expired lock is re-acquirable")

	clock.Advance(2 * time.Minute)
	m.CleanupExpired(ctx)
	assert.Equal(t, 0, m.Len())
}

func TestMemory_LateReleaseKeepsNewHolder(t *testing.T) {
	ctx := context.Background()
	clock := timex.NewManual(t0)
	m := NewMemory(clock)

	first, ok := m.TryAcquire(ctx, "k", time.Minute)
	require.True(t, ok)

	clock.Advance(time.Minute)
	second, ok := m.TryAcquire(ctx, "k", time.Minute)
	require.True(t, ok)
	assert.NotEqual(t, first, second)

	// the first holder finishes after its lock expired
	m.Release(ctx, "k", first)
	assert.False(t, acquired(m.TryAcquire(ctx, "k", time.Minute)), "second holder must keep the lock")

	m.Release(ctx, "k", second)
	assert.True(t, acquired(m.TryAcquire(ctx, "k", time.Minute)))
}

func TestMemory_Exclusive(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)

	var won int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := m.TryAcquire(ctx, "k", time.Minute); ok {
				atomic.AddInt32(&won, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), won)
}

func TestShared(t *testing.T) {
	ctx := context.Background()
	db, err := dao.NewSQLite(filepath.Join(t.TempDir(), "lock.db"), nil)
	require.NoError(t, err)
	defer db.Close()

	clock := timex.NewManual(t0)
	a := NewShared(db, "node-a", clock, nil)
	b := NewShared(db, "node-b", clock, nil)

	ta, ok := a.TryAcquire(ctx, "k", time.Minute)
	assert.True(t, ok)
	assert.False(t, acquired(b.TryAcquire(ctx, "k", time.Minute)))

	b.Release(ctx, "k", "node-b/forged") // not the owner
	assert.False(t, acquired(b.TryAcquire(ctx, "k", time.Minute)))

	clock.Advance(time.Minute)
	tb, ok := b.TryAcquire(ctx, "k", time.Minute)
	assert.True(t, ok)

	// a's lease expired and was taken over, its late release frees nothing
	a.Release(ctx, "k", ta)
	assert.False(t, acquired(a.TryAcquire(ctx, "k", time.Minute)))

	b.Release(ctx, "k", tb)
	assert.True(t, acquired(a.TryAcquire(ctx, "k", time.Minute)))
}

func TestShared_SameProcessWorkersExclude(t *testing.T) {
	ctx := context.Background()
	db, err := dao.NewSQLite(filepath.Join(t.TempDir(), "lock.db"), nil)
	require.NoError(t, err)
	defer db.Close()

	clock := timex.NewManual(t0)
	s := NewShared(db, "node-a", clock, nil)

	first, ok := s.TryAcquire(ctx, "k", time.Minute)
	require.True(t, ok)
	assert.False(t, acquired(s.TryAcquire(ctx, "k", time.Minute)))

	clock.Advance(time.Minute)
	second, ok := s.TryAcquire(ctx, "k", time.Minute)
	require.True(t, ok)

	s.Release(ctx, "k", first)
	assert.False(t, acquired(s.TryAcquire(ctx, "k", time.Minute)))
	s.Release(ctx, "k", second)
	assert.True(t, acquired(s.TryAcquire(ctx, "k", time.Minute)))
}

type brokenStore struct{}

func (brokenStore) AcquireLease(context.Context, string, string, time.Time, time.Time) (bool, error) {
	return false, errors.New("db gone")
}
func (brokenStore) ReleaseLease(context.Context, string, string) error {
	return errors.New("db gone")
}
func (brokenStore) DeleteExpiredLeases(context.Context, time.Time) (int64, error) {
	return 0, errors.New("db gone")
}

func TestShared_StoreErrorIsContention(t *testing.T) {
	ctx := context.Background()
	s := NewShared(brokenStore{}, "node", nil, nil)
	assert.False(t, acquired(s.TryAcquire(ctx, "k", time.Minute)))
	s.Release(ctx, "k", "node/x")
	s.CleanupExpired(ctx)
}
