// Package book 订单簿缓存属性测试
package book

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"

	"orderbook-mirror/internal/core/model"
)

// randomLevels 由价格/数量序列构造档位切片
// 价格去重由 map 键保证，这里允许重复价格以覆盖覆盖语义
func randomLevels(prices, sizes []float64) []model.PriceLevel {
	n := len(prices)
	if len(sizes) < n {
		n = len(sizes)
	}
	out := make([]model.PriceLevel, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, model.PriceLevel{
			Price: decimal.NewFromFloat(prices[i]),
			Size:  decimal.NewFromFloat(sizes[i]),
		})
	}
	return out
}

// sameLevels 判断两份排序档位完全一致
func sameLevels(a, b []model.PriceLevel) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Price.Equal(b[i].Price) || !a[i].Size.Equal(b[i].Size) {
			return false
		}
	}
	return true
}

// **Feature: orderbook-mirror, Property 1: Snapshot Idempotence**
// **Validates: Requirements 1.1, 1.3**

// TestStore_SnapshotIdempotent_Property 测试快照应用的幂等性
// 属性: 任意快照应用两次与应用一次得到相同的排序订单簿
func TestStore_SnapshotIdempotent_Property(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("快照应用两次与一次状态相同", prop.ForAll(
		func(prices, sizes []float64) bool {
			levels := randomLevels(prices, sizes)

			s := New("GBYTE-BTC")
			if err := s.ApplySnapshot("GBYTE-BTC", levels, levels); err != nil {
				return false
			}
			bids1 := s.Bids("GBYTE-BTC")
			asks1 := s.Asks("GBYTE-BTC")

			if err := s.ApplySnapshot("GBYTE-BTC", levels, levels); err != nil {
				return false
			}
			return sameLevels(bids1, s.Bids("GBYTE-BTC")) &&
				sameLevels(asks1, s.Asks("GBYTE-BTC"))
		},
		gen.SliceOf(gen.Float64Range(0.0001, 1000)),
		gen.SliceOf(gen.Float64Range(0, 100)),
	))

	// 属性: 快照应用后不存在数量为 0 的档位，且买方降序、卖方升序
	properties.Property("快照结果无零档位且有序", prop.ForAll(
		func(prices, sizes []float64) bool {
			levels := randomLevels(prices, sizes)

			s := New("GBYTE-BTC")
			if err := s.ApplySnapshot("GBYTE-BTC", levels, levels); err != nil {
				return false
			}

			bids := s.Bids("GBYTE-BTC")
			for i, lv := range bids {
				if !lv.Size.IsPositive() {
					return false
				}
				if i > 0 && bids[i-1].Price.LessThanOrEqual(lv.Price) {
					return false
				}
			}
			asks := s.Asks("GBYTE-BTC")
			for i, lv := range asks {
				if !lv.Size.IsPositive() {
					return false
				}
				if i > 0 && asks[i-1].Price.GreaterThanOrEqual(lv.Price) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Float64Range(0.0001, 1000)),
		gen.SliceOf(gen.Float64Range(0, 100)),
	))

	properties.TestingRun(t)
}
