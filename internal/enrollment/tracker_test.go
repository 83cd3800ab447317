package enrollment

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryTracker_FirstCallOnly(t *testing.T) {
	tr := NewMemoryTracker(0, 0)
	ctx := context.Background()
	key := Key{TransactionID: "cs_1", ContactID: 7, CourseID: "c1"}

	assert.True(t, tr.ShouldProcess(ctx, key))
	for i := 0; i < 5; i++ {
		assert.False(t, tr.ShouldProcess(ctx, key))
	}

	assert.True(t, tr.ShouldProcess(ctx, Key{TransactionID: "cs_1", ContactID: 7, CourseID: "c2"}))
	assert.True(t, tr.ShouldProcess(ctx, Key{TransactionID: "cs_2", ContactID: 7, CourseID: "c1"}))
}

func TestMemoryTracker_ConcurrentCallersSeeOneTrue(t *testing.T) {
	tr := NewMemoryTracker(0, 0)
	key := Key{TransactionID: "cs_1", ContactID: 7, CourseID: "c1"}

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tr.ShouldProcess(context.Background(), key) {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins)
}

func TestMemoryTracker_TTL(t *testing.T) {
	tr := NewMemoryTracker(time.Minute, 0)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }
	key := Key{TransactionID: "cs_1", ContactID: 7, CourseID: "c1"}

	assert.True(t, tr.ShouldProcess(context.Background(), key))
	now = now.Add(30 * time.Second)
	assert.False(t, tr.ShouldProcess(context.Background(), key))
	now = now.Add(time.Minute)
	assert.True(t, tr.ShouldProcess(context.Background(), key))
}

func TestMemoryTracker_MaxEntriesEvictsOldest(t *testing.T) {
	tr := NewMemoryTracker(0, 2)
	ctx := context.Background()
	a := Key{TransactionID: "a"}
	b := Key{TransactionID: "b"}
	c := Key{TransactionID: "c"}

	require.True(t, tr.ShouldProcess(ctx, a))
	require.True(t, tr.ShouldProcess(ctx, b))
	require.True(t, tr.ShouldProcess(ctx, c))
	assert.Equal(t, 2, tr.Len())

	assert.False(t, tr.ShouldProcess(ctx, c))
	assert.True(t, tr.ShouldProcess(ctx, a))
}

func redisForTest(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skipf("redis not available at %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisTracker_FirstCallOnly(t *testing.T) {
	client := redisForTest(t)
	tr := NewRedisTracker(client, time.Minute, nil)
	tr.prefix = "test:" + uuid.NewString() + ":"
	key := Key{TransactionID: "cs_1", ContactID: 7, CourseID: "c1"}

	assert.True(t, tr.ShouldProcess(context.Background(), key))
	assert.False(t, tr.ShouldProcess(context.Background(), key))
}

func TestRedisTracker_FailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer client.Close()
	tr := NewRedisTracker(client, time.Minute, nil)
	key := Key{TransactionID: "cs_1", ContactID: 7, CourseID: "c1"}

	assert.True(t, tr.ShouldProcess(context.Background(), key))
	assert.True(t, tr.ShouldProcess(context.Background(), key))
}
