// Package lock provides the per record mutual exclusion used by the delivery
// worker. A lock is best effort: it expires after its ttl, so the work done
// under it must also be guarded by conditional updates in the store.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/modfin/offer/internal/dao"
	"github.com/modfin/offer/internal/timex"
	"github.com/modfin/offer/pkg/zid"
	"github.com/modfin/offer/tools"
	"github.com/sirupsen/logrus"
)

type Locker interface {
	// TryAcquire never blocks. It returns false if key is held and not expired,
	// otherwise a token identifying this acquisition.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool)
	// Release frees key if it is still held under token. A holder whose lock
	// expired and was taken over releases nothing.
	Release(ctx context.Context, key string, token string)
	CleanupExpired(ctx context.Context)
}

// Memory is a process local Locker. It only excludes workers in the same
// process; run a single worker process or use Shared.
type Memory struct {
	mu    sync.Mutex
	cache *ttlcache.Cache[string, held]
	clock timex.Clock
}

func NewMemory(clock timex.Clock) *Memory {
	if clock == nil {
		clock = timex.System
	}
	return &Memory{
		cache: ttlcache.New[string, held](ttlcache.WithDisableTouchOnHit[string, held]()),
		clock: clock,
	}
}

type held struct {
	token   string
	expires time.Time
}

func (m *Memory) TryAcquire(_ context.Context, key string, ttl time.Duration) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if item := m.cache.Get(key); item != nil && now.Before(item.Value().expires) {
		return "", false
	}
	// expiry is tracked against the injected clock, the cache ttl only bounds memory
	token := zid.NewString()
	m.cache.Set(key, held{token: token, expires: now.Add(ttl)}, ttl)
	return token, true
}

func (m *Memory) Release(_ context.Context, key string, token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if item := m.cache.Get(key); item != nil && item.Value().token == token {
		m.cache.Delete(key)
	}
}

func (m *Memory) CleanupExpired(_ context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	for key, item := range m.cache.Items() {
		if !now.Before(item.Value().expires) {
			m.cache.Delete(key)
		}
	}
	m.cache.DeleteExpired()
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cache.Len()
}

// Shared keeps leases in the database, so it excludes workers across
// processes sharing that database.
type Shared struct {
	store dao.LeaseStore
	owner string
	clock timex.Clock
	log   *logrus.Logger
}

func NewShared(store dao.LeaseStore, owner string, clock timex.Clock, lc *tools.Logger) *Shared {
	if clock == nil {
		clock = timex.System
	}
	return &Shared{
		store: store,
		owner: owner,
		clock: clock,
		log:   lc.New("lock"),
	}
}

// TryAcquire stores owner/token as the lease owner, so workers of the same
// process are told apart as well.
func (s *Shared) TryAcquire(ctx context.Context, key string, ttl time.Duration) (string, bool) {
	now := s.clock.Now()
	token := s.owner + "/" + zid.NewString()
	ok, err := s.store.AcquireLease(ctx, key, token, now, now.Add(ttl))
	if err != nil {
		s.log.WithError(err).WithField("key", key).Warn("could not acquire lease, treating as held")
		return "", false
	}
	if !ok {
		return "", false
	}
	return token, true
}

func (s *Shared) Release(ctx context.Context, key string, token string) {
	if token == "" {
		return
	}
	err := s.store.ReleaseLease(ctx, key, token)
	if err != nil {
		s.log.WithError(err).WithField("key", key).Warn("could not release lease, it will expire")
	}
}

func (s *Shared) CleanupExpired(ctx context.Context) {
	n, err := s.store.DeleteExpiredLeases(ctx, s.clock.Now())
	if err != nil {
		s.log.WithError(err).Warn("could not delete expired leases")
		return
	}
	if n > 0 {
		s.log.WithField("count", n).Debug("deleted expired leases")
	}
}
