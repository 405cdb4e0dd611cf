package service

import (
	"context"
	"fmt"
	"time"

	"paysupport/internal/config"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	WindowMinute = "minute"
	WindowDay    = "day"
)

// slidingWindowScript 删除窗口外的记录、计数、未超限才写入，三步在 Redis 内原子完成
// 判断用的是写入前的计数，所以第 limit 次请求仍然放行
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count < limit then
	redis.call('ZADD', key, now, ARGV[4])
	redis.call('PEXPIRE', key, window)
	return {1, limit - count - 1}
end
return {0, 0}
`)

type RateLimitResult struct {
	Allowed   bool
	Remaining int
}

// RateLimiter 基于有序集合的滑动窗口限流，Redis 出错时放行
type RateLimiter struct {
	rdb *redis.Client
	cfg config.RateLimitConfig
	log *zap.Logger
	now func() time.Time
}

func NewRateLimiter(rdb *redis.Client, cfg config.RateLimitConfig, log *zap.Logger) *RateLimiter {
	return &RateLimiter{rdb: rdb, cfg: cfg, log: log, now: time.Now}
}

func (l *RateLimiter) CheckWindow(ctx context.Context, identity, window string, limit int, windowDur time.Duration) RateLimitResult {
	if limit <= 0 {
		return RateLimitResult{Allowed: true}
	}

	key := fmt.Sprintf("ratelimit:%s:%s", identity, window)
	nowMs := l.now().UnixMilli()
	member := fmt.Sprintf("%d-%s", nowMs, uuid.NewString())

	res, err := slidingWindowScript.Run(ctx, l.rdb, []string{key},
		nowMs, windowDur.Milliseconds(), limit, member).Slice()
	if err != nil || len(res) != 2 {
		l.log.Warn("限流检查失败，放行", zap.String("key", key), zap.Error(err))
		return RateLimitResult{Allowed: true, Remaining: limit}
	}

	allowed, _ := res[0].(int64)
	remaining, _ := res[1].(int64)
	return RateLimitResult{Allowed: allowed == 1, Remaining: int(remaining)}
}

// CheckMessage 消息主链路：先查分钟窗口控节奏，再查天窗口控总量，任一超限立即返回
func (l *RateLimiter) CheckMessage(ctx context.Context, identity string) (RateLimitResult, string) {
	minute := l.CheckWindow(ctx, identity, WindowMinute, l.cfg.MinuteLimit, time.Minute)
	if !minute.Allowed {
		return minute, WindowMinute
	}
	day := l.CheckWindow(ctx, identity, WindowDay, l.cfg.DayLimit, 24*time.Hour)
	return day, WindowDay
}

// AllowClassification 远程意图识别的全局每日额度
func (l *RateLimiter) AllowClassification(ctx context.Context) bool {
	return l.CheckWindow(ctx, "classify:global", WindowDay, l.cfg.ClassifyQuota, 24*time.Hour).Allowed
}
