package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"paysupport/internal/config"
	"paysupport/internal/model"
	"paysupport/internal/repository"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// ============================================================================
// 幂等守卫
// ============================================================================
//
// 聊天平台和支付渠道都会重投 webhook，同一个事件可能被多个进程同时收到。
//
// 第一层：Redis SETNX idem:{source}:{event_id}，TTL 几分钟
//   已存在 -> 重复；设置成功 -> 新事件，继续写第二层留底
// 第二层：processed_events 唯一索引 (source, event_id)
//   唯一键冲突 -> 重复（Redis 挂了也能判出来）；插入成功 -> 新事件
// 第三层：进程内 TTL map，只有前两层都不可用时才用，重启即丢失
//
// 前两层出错不算重复，只是往下一层走
//
// ============================================================================

type ProcessedEventStore interface {
	Insert(ctx context.Context, event *model.ProcessedEvent) error
	Delete(ctx context.Context, source, eventID string) error
}

type IdempotencyGuard struct {
	rdb   *redis.Client
	store ProcessedEventStore
	cfg   config.IdempotentConfig
	log   *zap.Logger
	now   func() time.Time

	mu     sync.Mutex
	memory map[string]time.Time
}

func NewIdempotencyGuard(rdb *redis.Client, store ProcessedEventStore, cfg config.IdempotentConfig, log *zap.Logger) *IdempotencyGuard {
	return &IdempotencyGuard{
		rdb:    rdb,
		store:  store,
		cfg:    cfg,
		log:    log,
		now:    time.Now,
		memory: make(map[string]time.Time),
	}
}

// IsDuplicate 事件是否已经处理过，返回 false 的同时完成登记
func (g *IdempotencyGuard) IsDuplicate(ctx context.Context, eventID, source string) bool {
	key := fmt.Sprintf("idem:%s:%s", source, eventID)

	fastNew := false
	if g.rdb != nil {
		ok, err := g.rdb.SetNX(ctx, key, 1, g.cfg.RedisTTL).Result()
		if err == nil {
			if !ok {
				return true
			}
			fastNew = true
		} else {
			g.log.Warn("幂等检查 Redis 不可用", zap.String("key", key), zap.Error(err))
		}
	}

	err := g.store.Insert(ctx, &model.ProcessedEvent{
		Source:    source,
		EventID:   eventID,
		ExpiresAt: g.now().Add(g.cfg.DurableTTL),
	})
	switch {
	case err == nil:
		return false
	case errors.Is(err, repository.ErrDuplicateEvent):
		return true
	}

	g.log.Warn("幂等台账写入失败", zap.String("key", key), zap.Error(err))
	if fastNew {
		return false
	}
	return g.seenInMemory(key)
}

// Release 撤销三层登记
// 登记在处理之前完成，处理失败时必须撤销，否则发送方重投会被当成重复，事件永远丢失
func (g *IdempotencyGuard) Release(ctx context.Context, eventID, source string) {
	key := fmt.Sprintf("idem:%s:%s", source, eventID)

	if g.rdb != nil {
		if err := g.rdb.Del(ctx, key).Err(); err != nil {
			g.log.Warn("撤销幂等登记失败：Redis", zap.String("key", key), zap.Error(err))
		}
	}
	if err := g.store.Delete(ctx, source, eventID); err != nil {
		g.log.Warn("撤销幂等登记失败：台账", zap.String("key", key), zap.Error(err))
	}

	g.mu.Lock()
	delete(g.memory, key)
	g.mu.Unlock()
}

func (g *IdempotencyGuard) seenInMemory(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if expiresAt, ok := g.memory[key]; ok && now.Before(expiresAt) {
		return true
	}

	for k, expiresAt := range g.memory {
		if !now.Before(expiresAt) {
			delete(g.memory, k)
		}
	}
	g.memory[key] = now.Add(g.cfg.MemoryTTL)
	return false
}
