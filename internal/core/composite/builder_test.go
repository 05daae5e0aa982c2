// Package composite 合成订单簿构建器测试
package composite

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"orderbook-mirror/internal/core/book"
	"orderbook-mirror/internal/core/model"
	"orderbook-mirror/internal/market"
)

func lv(price, size string) model.PriceLevel {
	return model.PriceLevel{
		Price: decimal.RequireFromString(price),
		Size:  decimal.RequireFromString(size),
	}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// fakeBalances 固定余额的源余额提供方
type fakeBalances struct {
	free map[string]decimal.Decimal
}

func (f *fakeBalances) FreeBalance(_ context.Context, asset string) (decimal.Decimal, error) {
	return f.free[asset], nil
}

func TestTruncateBids_ClipToRemainder(t *testing.T) {
	// 场景: 源订单簿 bids=[{price:100,size:5}]，源余额 2 ⇒ 截断为 [{price:100,size:2}]
	got := TruncateBids([]model.PriceLevel{lv("100", "5")}, dec("2"))

	require.Len(t, got, 1)
	assert.Equal(t, "100", got[0].Price.String())
	assert.Equal(t, "2", got[0].Size.String())
}

func TestTruncateBids_DropBeyondBoundary(t *testing.T) {
	levels := []model.PriceLevel{lv("100", "3"), lv("99", "4"), lv("98", "10")}
	got := TruncateBids(levels, dec("5"))

	// 第一档全取，第二档被裁剪到 2，第三档丢弃
	require.Len(t, got, 2)
	assert.Equal(t, "3", got[0].Size.String())
	assert.Equal(t, "2", got[1].Size.String())
}

func TestTruncateBids_ZeroBudget(t *testing.T) {
	got := TruncateBids([]model.PriceLevel{lv("100", "5")}, decimal.Zero)
	assert.Empty(t, got)
}

func TestTruncateAsks_ClipByNotional(t *testing.T) {
	// 预算 0.5 BTC: 第一档名义 0.004×100=0.4 全取，第二档名义 0.005×100=0.5 > 0.1，
	// 裁剪为 0.1/0.005=20
	levels := []model.PriceLevel{lv("0.004", "100"), lv("0.005", "100")}
	got := TruncateAsks(levels, dec("0.5"))

	require.Len(t, got, 2)
	assert.Equal(t, "100", got[0].Size.String())
	assert.Equal(t, "20", got[1].Size.String())
}

func TestTriangulate_PivotLimited(t *testing.T) {
	// 枢轴档位名义 5×0.003=0.015 BTC，第二腿档位 1 BTC 充足 ⇒ 枢轴受限
	pivot := []model.PriceLevel{lv("0.003", "5")}
	second := []model.PriceLevel{lv("50000", "1")}

	got := Triangulate(pivot, second)
	require.Len(t, got, 1)
	assert.Equal(t, "150", got[0].Price.String()) // 50000 × 0.003
	assert.Equal(t, "5", got[0].Size.String())
	assert.Equal(t, "0.015", got[0].PivotSize.String())
}

func TestTriangulate_SecondLimited(t *testing.T) {
	// 第二腿只有 0.009 BTC，枢轴名义 0.015 ⇒ 第二腿受限，剩余枢轴与下一第二腿档位续配
	pivot := []model.PriceLevel{lv("0.003", "5")}
	second := []model.PriceLevel{lv("50000", "0.009"), lv("49000", "1")}

	got := Triangulate(pivot, second)
	require.Len(t, got, 2)

	// 第一步: 消耗 0.009 BTC ⇒ size = 0.009/0.003 = 3
	assert.Equal(t, "150", got[0].Price.String())
	assert.Equal(t, "3", got[0].Size.String())
	assert.Equal(t, "0.009", got[0].PivotSize.String())

	// 第二步: 剩余 0.006 BTC 名义在 49000 档消化 ⇒ size = 2
	assert.Equal(t, "147", got[1].Price.String())
	assert.Equal(t, "2", got[1].Size.String())
	assert.Equal(t, "0.006", got[1].PivotSize.String())
}

func TestTriangulate_SimultaneousDepletionAdvancesPivotFirst(t *testing.T) {
	// 两腿在同一步耗尽（名义 0.015 == 第二腿数量 0.015）：
	// 决胜顺序为先前进枢轴腿，第二档枢轴继续消耗第二腿的下一档位
	pivot := []model.PriceLevel{lv("0.003", "5"), lv("0.002", "5")}
	second := []model.PriceLevel{lv("50000", "0.015"), lv("49000", "1")}

	got := Triangulate(pivot, second)
	require.Len(t, got, 2)
	assert.Equal(t, "150", got[0].Price.String())
	assert.Equal(t, "5", got[0].Size.String())

	// 第二档枢轴（名义 0.01）与第二腿第二档位（49000）配对
	assert.Equal(t, "98", got[1].Price.String())
	assert.Equal(t, "5", got[1].Size.String())
	assert.Equal(t, "0.01", got[1].PivotSize.String())
}

func TestTriangulate_EmptyLeg(t *testing.T) {
	assert.Empty(t, Triangulate(nil, []model.PriceLevel{lv("50000", "1")}))
	assert.Empty(t, Triangulate([]model.PriceLevel{lv("0.003", "5")}, nil))
}

func TestBuilder_SingleMarket(t *testing.T) {
	chain, err := market.NewChain("GBYTE-BTC", "")
	require.NoError(t, err)

	store := book.New("GBYTE-BTC")
	require.NoError(t, store.ApplySnapshot("GBYTE-BTC",
		[]model.PriceLevel{lv("0.003", "5"), lv("0.002", "4")},
		[]model.PriceLevel{lv("0.004", "2")}))

	balances := &fakeBalances{free: map[string]decimal.Decimal{
		"GBYTE": dec("2"),
		"BTC":   dec("1"),
	}}

	b := NewBuilder(store, balances, chain, decimal.Zero, decimal.Zero, zap.NewNop())
	got, err := b.Build(context.Background())
	require.NoError(t, err)

	// 基础资产余额 2 只够最优买档的一部分
	require.Len(t, got.Bids, 1)
	assert.Equal(t, "0.003", got.Bids[0].Price.String())
	assert.Equal(t, "2", got.Bids[0].Size.String())

	require.Len(t, got.Asks, 1)
	assert.Equal(t, "0.004", got.Asks[0].Price.String())

	best, ok := got.BestBid()
	require.True(t, ok)
	assert.Equal(t, "0.003", best.String())
}

func TestBuilder_ReserveSubtracted(t *testing.T) {
	chain, err := market.NewChain("GBYTE-BTC", "")
	require.NoError(t, err)

	store := book.New("GBYTE-BTC")
	require.NoError(t, store.ApplySnapshot("GBYTE-BTC",
		[]model.PriceLevel{lv("0.003", "5")}, nil))

	balances := &fakeBalances{free: map[string]decimal.Decimal{
		"GBYTE": dec("2"),
		"BTC":   dec("1"),
	}}

	// 保留 2 ⇒ 可用 0 ⇒ 买侧为空，最优买价按哨兵处理
	b := NewBuilder(store, balances, chain, dec("2"), decimal.Zero, zap.NewNop())
	got, err := b.Build(context.Background())
	require.NoError(t, err)

	assert.Empty(t, got.Bids)
	_, ok := got.BestBid()
	assert.False(t, ok)
}

func TestBuilder_Triangulated(t *testing.T) {
	chain, err := market.NewChain("GBYTE-BTC", "BTC-USD")
	require.NoError(t, err)

	store := book.New("GBYTE-BTC", "BTC-USD")
	require.NoError(t, store.ApplySnapshot("GBYTE-BTC",
		[]model.PriceLevel{lv("0.003", "5")},
		[]model.PriceLevel{lv("0.004", "5")}))
	require.NoError(t, store.ApplySnapshot("BTC-USD",
		[]model.PriceLevel{lv("50000", "1")},
		[]model.PriceLevel{lv("50100", "1")}))

	balances := &fakeBalances{free: map[string]decimal.Decimal{
		"GBYTE": dec("100"),
		"BTC":   dec("100"),
	}}

	b := NewBuilder(store, balances, chain, decimal.Zero, decimal.Zero, zap.NewNop())
	got, err := b.Build(context.Background())
	require.NoError(t, err)

	require.Len(t, got.Bids, 1)
	assert.Equal(t, "150", got.Bids[0].Price.String())
	require.Len(t, got.Asks, 1)
	assert.Equal(t, "200.4", got.Asks[0].Price.String()) // 50100 × 0.004
}
