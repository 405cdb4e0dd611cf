package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"paysupport/internal/config"
	"paysupport/internal/model"
	"paysupport/internal/repository"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

var testIdemConfig = config.IdempotentConfig{
	RedisTTL:   10 * time.Minute,
	DurableTTL: 24 * time.Hour,
	MemoryTTL:  10 * time.Minute,
}

// flakyEventStore 内存版台账，down 为 true 时模拟数据库不可用
type flakyEventStore struct {
	mu   sync.Mutex
	seen map[string]bool
	down bool
}

func newFlakyEventStore() *flakyEventStore {
	return &flakyEventStore{seen: make(map[string]bool)}
}

func (s *flakyEventStore) Insert(_ context.Context, event *model.ProcessedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return errors.New("connection refused")
	}
	key := event.Source + ":" + event.EventID
	if s.seen[key] {
		return repository.ErrDuplicateEvent
	}
	s.seen[key] = true
	return nil
}

func (s *flakyEventStore) Delete(_ context.Context, source, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return errors.New("connection refused")
	}
	delete(s.seen, source+":"+eventID)
	return nil
}

func TestIdempotency_RedisAndLedger(t *testing.T) {
	mr, rdb := newTestRedis(t)
	guard := NewIdempotencyGuard(rdb, repository.NewProcessedEventRepository(newTestDB(t)), testIdemConfig, zap.NewNop())
	ctx := context.Background()

	assert.False(t, guard.IsDuplicate(ctx, "m1", "chat"))
	assert.True(t, guard.IsDuplicate(ctx, "m1", "chat"))
	assert.True(t, mr.Exists("idem:chat:m1"))

	// 同一个 ID 不同来源互不影响
	assert.False(t, guard.IsDuplicate(ctx, "m1", "payment"))

	// Redis 键过期后由台账的唯一索引兜住
	mr.FlushAll()
	assert.True(t, guard.IsDuplicate(ctx, "m1", "chat"))
}

func TestIdempotency_RedisDownFallsBackToLedger(t *testing.T) {
	mr, rdb := newTestRedis(t)
	guard := NewIdempotencyGuard(rdb, newFlakyEventStore(), testIdemConfig, zap.NewNop())
	mr.Close()
	ctx := context.Background()

	assert.False(t, guard.IsDuplicate(ctx, "m1", "chat"))
	assert.True(t, guard.IsDuplicate(ctx, "m1", "chat"))
	assert.Empty(t, guard.memory)
}

func TestIdempotency_LedgerDownTrustsRedis(t *testing.T) {
	_, rdb := newTestRedis(t)
	store := newFlakyEventStore()
	store.down = true
	guard := NewIdempotencyGuard(rdb, store, testIdemConfig, zap.NewNop())
	ctx := context.Background()

	assert.False(t, guard.IsDuplicate(ctx, "m1", "chat"))
	assert.True(t, guard.IsDuplicate(ctx, "m1", "chat"))
	assert.Empty(t, guard.memory)
}

func TestIdempotency_MemoryTierWhenBothDown(t *testing.T) {
	mr, rdb := newTestRedis(t)
	store := newFlakyEventStore()
	store.down = true
	guard := NewIdempotencyGuard(rdb, store, testIdemConfig, zap.NewNop())
	mr.Close()

	clock := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	guard.now = func() time.Time { return clock }
	ctx := context.Background()

	assert.False(t, guard.IsDuplicate(ctx, "m1", "chat"))
	assert.True(t, guard.IsDuplicate(ctx, "m1", "chat"))

	clock = clock.Add(testIdemConfig.MemoryTTL)
	assert.False(t, guard.IsDuplicate(ctx, "m1", "chat"))
}

func TestIdempotency_NoRedisConfigured(t *testing.T) {
	guard := NewIdempotencyGuard(nil, newFlakyEventStore(), testIdemConfig, zap.NewNop())

	assert.False(t, guard.IsDuplicate(context.Background(), "evt_1", "payment"))
	assert.True(t, guard.IsDuplicate(context.Background(), "evt_1", "payment"))
}

func TestIdempotency_ReleaseClearsEveryTier(t *testing.T) {
	mr, rdb := newTestRedis(t)
	store := newFlakyEventStore()
	guard := NewIdempotencyGuard(rdb, store, testIdemConfig, zap.NewNop())
	ctx := context.Background()

	assert.False(t, guard.IsDuplicate(ctx, "evt_9", "payment"))
	guard.Release(ctx, "evt_9", "payment")
	assert.False(t, mr.Exists("idem:payment:evt_9"))
	assert.False(t, guard.IsDuplicate(ctx, "evt_9", "payment"))
	assert.True(t, guard.IsDuplicate(ctx, "evt_9", "payment"))

	// 只剩进程内一层时同样可以撤销
	mr.Close()
	store.mu.Lock()
	store.down = true
	store.mu.Unlock()
	assert.False(t, guard.IsDuplicate(ctx, "evt_10", "payment"))
	assert.True(t, guard.IsDuplicate(ctx, "evt_10", "payment"))
	guard.Release(ctx, "evt_10", "payment")
	assert.False(t, guard.IsDuplicate(ctx, "evt_10", "payment"))
}
