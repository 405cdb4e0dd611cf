package service

import (
	"context"
	"sync"
	"time"

	"paysupport/internal/model"

	"go.uber.org/zap"
)

// 功能开关名
const (
	FeatureClassification    = "classification"
	FeatureAutoApproval      = "auto_approval"
	FeatureFraudScoring      = "fraud_scoring"
	FeatureSecondaryChannels = "secondary_channels"
)

type FeatureFlagStore interface {
	List(ctx context.Context) ([]*model.FeatureFlag, error)
}

// FeatureGate 功能开关，数据库覆盖配置默认值，本地缓存 ttl 时间
// 数据库读取失败时沿用上一次的结果，从未读到过则用配置默认值
type FeatureGate struct {
	store    FeatureFlagStore
	defaults map[string]bool
	ttl      time.Duration
	log      *zap.Logger
	now      func() time.Time

	mu       sync.Mutex
	flags    map[string]bool
	loadedAt time.Time
}

func NewFeatureGate(store FeatureFlagStore, defaults map[string]bool, ttl time.Duration, log *zap.Logger) *FeatureGate {
	return &FeatureGate{
		store:    store,
		defaults: defaults,
		ttl:      ttl,
		log:      log,
		now:      time.Now,
	}
}

func (g *FeatureGate) Enabled(ctx context.Context, name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.flags == nil || g.now().Sub(g.loadedAt) >= g.ttl {
		g.refresh(ctx)
	}
	return g.flags[name]
}

func (g *FeatureGate) refresh(ctx context.Context) {
	g.loadedAt = g.now()

	rows, err := g.store.List(ctx)
	if err != nil {
		g.log.Warn("读取功能开关失败，沿用缓存", zap.Error(err))
		if g.flags == nil {
			g.flags = g.copyDefaults()
		}
		return
	}

	flags := g.copyDefaults()
	for _, row := range rows {
		flags[row.Name] = row.Enabled
	}
	g.flags = flags
}

func (g *FeatureGate) copyDefaults() map[string]bool {
	flags := make(map[string]bool, len(g.defaults))
	for k, v := range g.defaults {
		flags[k] = v
	}
	return flags
}
