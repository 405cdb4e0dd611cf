package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ============================================================================
// 分布式锁实现
// ============================================================================
//
// 【客服核心里哪些地方需要锁？】
//
// 场景1：同一笔交易的退款原因被并发提交（用户连点两下 / 平台重投 + 用户重发）
//   goroutine1: 读到 reason_asked -> 跑决策表 -> 退款
//   goroutine2: 读到 reason_asked -> 跑决策表 -> 又退一次  重复退款！
//
// 场景2：同一个会话被并发升级人工
//   两个进程都发现没有工单 -> 各建一张工单  客户被两个坐席同时接待
//
// 【锁只是第一道防线】
//
// Redis 不可用时拿不到锁，此时业务不能停：协商阶段的条件更新
// （WHERE refund_stage = ? AND negotiation_attempts = ?）才是真正的串行化点，
// 锁的作用是让并发请求在进入数据库之前就排队，减少无效的决策计算
//
// 加锁：SET key value NX EX timeout
// 释放：Lua 脚本"比较 value 再删除"，避免误删别人的锁
//
// ============================================================================

var (
	ErrLockFailed  = errors.New("获取分布式锁失败")
	ErrLockExpired = errors.New("锁已过期")
)

var unlockScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`)

// DistributedLock 分布式锁
type DistributedLock struct {
	client     *redis.Client
	key        string        // 锁的 key
	value      string        // 锁的 value（用于验证锁的持有者）
	expiration time.Duration // 锁的过期时间
}

// NewDistributedLock 创建分布式锁
func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// TryLock 尝试获取锁（非阻塞）
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	success, err := l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
	if err != nil {
		return false, err
	}
	return success, nil
}

// Lock 阻塞式获取锁（带重试）
// 返回 ErrLockFailed 表示锁被别人持有；其他错误表示 Redis 本身不可用，调用方自行决定是否降级
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		success, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if success {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
	return ErrLockFailed
}

// Unlock 释放锁
func (l *DistributedLock) Unlock(ctx context.Context) error {
	res, err := unlockScript.Run(ctx, l.client, []string{l.key}, l.value).Int64()
	if err != nil {
		return err
	}
	if res == 0 {
		return ErrLockExpired
	}
	return nil
}

// NewNegotiationLock 按 (用户, 交易, 会话) 维度的协商锁，和 RefundRequest 的唯一键保持一致
func NewNegotiationLock(client *redis.Client, userID, txnID, channelURL string) *DistributedLock {
	key := fmt.Sprintf("refund:lock:%s:%s:%s", userID, txnID, channelURL)
	return NewDistributedLock(client, key, uuid.NewString(), 30*time.Second)
}

// NewEscalationLock 按会话维度的升级锁
func NewEscalationLock(client *redis.Client, channelURL string) *DistributedLock {
	key := fmt.Sprintf("escalate:lock:channel:%s", channelURL)
	return NewDistributedLock(client, key, uuid.NewString(), 30*time.Second)
}
