package rates

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"marketflow/money"
)

// Loader is the source a CachedStore refreshes from.
type Loader interface {
	Load(ctx context.Context) (money.Schedule, error)
}

// Fallback is the schedule used when the configuration store cannot be
// reached and no cached snapshot exists. Rate-lookup outages must degrade,
// not block money movement.
var Fallback = money.Schedule{
	DefaultFeeRate: decimal.NewFromInt(10),
	DefaultVATRate: decimal.NewFromInt(15),
}

// CachedStore serves schedule snapshots with a TTL. A failed refresh serves
// the stale snapshot (or Fallback) and logs.
type CachedStore struct {
	loader Loader
	ttl    time.Duration
	now    func() time.Time

	mu       sync.Mutex
	cached   money.Schedule
	cachedAt time.Time
	warm     bool
}

func NewCachedStore(loader Loader, ttl time.Duration) *CachedStore {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &CachedStore{loader: loader, ttl: ttl, now: time.Now}
}

// WithClock overrides the time source for deterministic tests.
func (s *CachedStore) WithClock(now func() time.Time) *CachedStore {
	s.now = now
	return s
}

// Current returns the schedule snapshot for this transaction.
func (s *CachedStore) Current(ctx context.Context) money.Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.warm && s.now().Sub(s.cachedAt) < s.ttl {
		return s.cached
	}

	sched, err := s.loader.Load(ctx)
	if err != nil {
		log.Printf("rates: refresh failed, degrading: %v", err)
		if s.warm {
			return s.cached
		}
		return Fallback
	}

	s.cached = sched
	s.cachedAt = s.now()
	s.warm = true
	return sched
}

// Invalidate drops the cached snapshot so the next read refreshes.
func (s *CachedStore) Invalidate() {
	s.mu.Lock()
	s.warm = false
	s.mu.Unlock()
}
