package relance

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// Suppressor is a keyed TTL set. TrySuppress must be atomic: of concurrent
// callers for the same key, exactly one observes true.
type Suppressor interface {
	TrySuppress(ctx context.Context, key string, ttl time.Duration) (bool, error)
	IsSuppressed(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// MemorySuppressor keeps suppression windows in process memory.
type MemorySuppressor struct {
	cache *gocache.Cache
}

// NewMemorySuppressor creates an in-process suppressor. Expired keys are
// dropped lazily and by Prune.
func NewMemorySuppressor() *MemorySuppressor {
	return &MemorySuppressor{cache: gocache.New(gocache.NoExpiration, 0)}
}

func (s *MemorySuppressor) TrySuppress(_ context.Context, key string, ttl time.Duration) (bool, error) {
	return s.cache.Add(key, struct{}{}, ttl) == nil, nil
}

func (s *MemorySuppressor) IsSuppressed(_ context.Context, key string) (bool, error) {
	_, found := s.cache.Get(key)
	return found, nil
}

func (s *MemorySuppressor) Release(_ context.Context, key string) error {
	s.cache.Delete(key)
	return nil
}

// Prune removes expired windows.
func (s *MemorySuppressor) Prune() {
	s.cache.DeleteExpired()
}

// RedisSuppressor shares suppression windows between engine processes.
type RedisSuppressor struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisSuppressor creates a suppressor storing keys under prefix.
func NewRedisSuppressor(client redis.UniversalClient, prefix string) *RedisSuppressor {
	return &RedisSuppressor{client: client, prefix: prefix}
}

func (s *RedisSuppressor) TrySuppress(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, s.prefix+key, 1, ttl).Result()
}

func (s *RedisSuppressor) IsSuppressed(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.prefix+key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *RedisSuppressor) Release(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key).Err()
}

// GuardKey is the loop guard key of an entity.
func GuardKey(entityType, entityID string) string {
	return entityType + "|" + entityID
}

// LoopGuard owns the per-entity suppression windows and serializes
// evaluations of the same entity within the process.
type LoopGuard struct {
	suppressor Suppressor
	ttl        time.Duration

	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

// NewLoopGuard creates a guard with the given suppression window.
func NewLoopGuard(suppressor Suppressor, ttl time.Duration) *LoopGuard {
	return &LoopGuard{
		suppressor: suppressor,
		ttl:        ttl,
		locks:      make(map[string]*keyLock),
	}
}

// Lock blocks until the caller holds key or ctx is done.
func (g *LoopGuard) Lock(ctx context.Context, key string) (func(), error) {
	g.mu.Lock()
	kl, ok := g.locks[key]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		g.locks[key] = kl
	}
	kl.refs++
	g.mu.Unlock()

	select {
	case kl.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-kl.ch
				g.release(key, kl)
			})
		}, nil
	case <-ctx.Done():
		g.release(key, kl)
		return nil, ctx.Err()
	}
}

func (g *LoopGuard) release(key string, kl *keyLock) {
	g.mu.Lock()
	defer g.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(g.locks, key)
	}
}

// Suppress opens a window for key. It returns false when one is already open.
func (g *LoopGuard) Suppress(ctx context.Context, key string) (bool, error) {
	return g.suppressor.TrySuppress(ctx, key, g.ttl)
}

// IsSuppressed reports whether a window is open for key.
func (g *LoopGuard) IsSuppressed(ctx context.Context, key string) (bool, error) {
	return g.suppressor.IsSuppressed(ctx, key)
}

// Release closes the window for key early.
func (g *LoopGuard) Release(ctx context.Context, key string) error {
	return g.suppressor.Release(ctx, key)
}

// TTL returns the suppression window length.
func (g *LoopGuard) TTL() time.Duration {
	return g.ttl
}

// Prune drops expired in-memory windows.
func (g *LoopGuard) Prune() {
	if p, ok := g.suppressor.(interface{ Prune() }); ok {
		p.Prune()
	}
}

// lockCount is the number of keys currently held or awaited.
func (g *LoopGuard) lockCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.locks)
}
