// Package bittrex 源交易所余额缓存。
// 余额通过 REST 周期刷新，查询始终返回缓存值；
// 刷新失败时保留上次缓存，避免瞬时故障导致合成订单簿塌缩为空。
package bittrex

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// balanceFetcher 余额拉取函数
type balanceFetcher func(ctx context.Context) (map[string]decimal.Decimal, error)

// balanceCache 源交易所余额缓存
type balanceCache struct {
	// fetch 余额拉取函数
	fetch balanceFetcher
	// interval 刷新间隔
	interval time.Duration
	// logger 日志记录器
	logger *zap.Logger

	// mu 缓存锁
	mu sync.Mutex
	// balances 最近一次成功拉取的余额
	balances map[string]decimal.Decimal
	// primed 是否已完成首次成功拉取
	primed bool
}

// newBalanceCache 创建余额缓存
// 参数 fetch: 余额拉取函数
// 参数 interval: 刷新间隔
func newBalanceCache(fetch balanceFetcher, interval time.Duration, logger *zap.Logger) *balanceCache {
	return &balanceCache{
		fetch:    fetch,
		interval: interval,
		logger:   logger,
		balances: make(map[string]decimal.Decimal),
	}
}

// start 首次拉取并启动周期刷新
// 首次拉取失败返回错误（启动时没有可回退的缓存值）
func (b *balanceCache) start(ctx context.Context) error {
	if err := b.refresh(ctx); err != nil {
		return err
	}
	go b.refreshLoop(ctx)
	return nil
}

// refreshLoop 周期刷新循环
func (b *balanceCache) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.refresh(ctx); err != nil {
				// 保留上次缓存值
				b.logger.Warn("刷新源交易所余额失败，保留缓存值", zap.Error(err))
			}
		}
	}
}

// refresh 拉取最新余额并替换缓存
func (b *balanceCache) refresh(ctx context.Context) error {
	balances, err := b.fetch(ctx)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.balances = balances
	b.primed = true
	b.mu.Unlock()
	return nil
}

// free 获取指定资产的缓存可用余额
// 未知资产返回 0
func (b *balanceCache) free(asset string) decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balances[asset]
}
