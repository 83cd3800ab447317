package enrollment

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"checkout-gateway/internal/logging"
)

// Key identifies one enrollment attempt: a transaction granting one course to
// one contact.
type Key struct {
	TransactionID string
	ContactID     int64
	CourseID      string
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%d:%s", k.TransactionID, k.ContactID, k.CourseID)
}

// Tracker suppresses repeated enrollment attempts for the same Key.
//
// ShouldProcess returns true exactly once per key and marks it seen. It is a
// best-effort optimisation only: the remote enrollment pre-check is what keeps
// duplicate grants from happening, so a Tracker may forget keys (restart, TTL,
// eviction) without breaking correctness.
type Tracker interface {
	ShouldProcess(ctx context.Context, key Key) bool
}

// MemoryTracker is a process-local Tracker. With zero TTL and zero MaxEntries
// keys are kept for the life of the process.
type MemoryTracker struct {
	mu         sync.Mutex
	seen       map[Key]time.Time
	order      []Key
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

func NewMemoryTracker(ttl time.Duration, maxEntries int) *MemoryTracker {
	return &MemoryTracker{
		seen:       make(map[Key]time.Time),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

func (t *MemoryTracker) ShouldProcess(_ context.Context, key Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.expire(now)

	if _, ok := t.seen[key]; ok {
		return false
	}

	t.seen[key] = now
	t.order = append(t.order, key)
	if t.maxEntries > 0 {
		for len(t.seen) > t.maxEntries {
			t.evictOldest()
		}
	}
	return true
}

// Len reports the number of keys currently remembered.
func (t *MemoryTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.seen)
}

// expire drops keys older than ttl. order is insertion-ordered, so it stops
// at the first live key.
func (t *MemoryTracker) expire(now time.Time) {
	if t.ttl <= 0 {
		return
	}
	for len(t.order) > 0 {
		oldest := t.order[0]
		at, ok := t.seen[oldest]
		if ok && now.Sub(at) < t.ttl {
			return
		}
		t.evictOldest()
	}
}

func (t *MemoryTracker) evictOldest() {
	if len(t.order) == 0 {
		return
	}
	delete(t.seen, t.order[0])
	t.order[0] = Key{}
	t.order = t.order[1:]
}

// RedisTracker shares seen keys between instances with SET NX. It is still
// not a lock: on Redis errors it answers true and lets the remote pre-check
// decide.
type RedisTracker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

func NewRedisTracker(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisTracker {
	return &RedisTracker{
		client: client,
		prefix: "enrollment:seen:",
		ttl:    ttl,
		logger: logging.OrNop(logger),
	}
}

func (t *RedisTracker) ShouldProcess(ctx context.Context, key Key) bool {
	ok, err := t.client.SetNX(ctx, t.prefix+key.String(), 1, t.ttl).Result()
	if err != nil {
		t.logger.Warn("idempotency tracker unavailable, proceeding",
			zap.String("key", key.String()),
			zap.Error(err),
		)
		return true
	}
	return ok
}
