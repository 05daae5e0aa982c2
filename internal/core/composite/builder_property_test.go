// Package composite 合成订单簿构建器属性测试
package composite

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"

	"orderbook-mirror/internal/core/model"
)

// genLevels 按给定数量档位生成价格降序（买方）或升序（卖方）的档位序列
func genLevels(prices, sizes []float64) []model.PriceLevel {
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

func sumSizes(levels []model.PriceLevel) decimal.Decimal {
	total := decimal.Zero
	for _, lv := range levels {
		total = total.Add(lv.Size)
	}
	return total
}

// **Feature: orderbook-mirror, Property 2: Balance Truncation Conservation**
// **Validates: Requirements 2.1, 2.2**

func TestTruncateBids_Conservation_Property(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("截断后总数量 = min(余额, 簿深)，且不改变价格顺序", prop.ForAll(
		func(s1, s2, s3, budget float64) bool {
			levels := genLevels([]float64{100, 99, 98}, []float64{s1, s2, s3})
			b := decimal.NewFromFloat(budget)

			got := TruncateBids(levels, b)

			depth := sumSizes(levels)
			want := depth
			if b.LessThan(depth) {
				want = b
			}
			if !sumSizes(got).Equal(want) {
				return false
			}

			// 截断只裁剪边界档位，不重排价格
			for i, lv := range got {
				if !lv.Price.Equal(levels[i].Price) {
					return false
				}
				if lv.Size.GreaterThan(levels[i].Size) {
					return false
				}
			}
			return true
		},
		gen.Float64Range(0.001, 50),
		gen.Float64Range(0.001, 50),
		gen.Float64Range(0.001, 50),
		gen.Float64Range(0.001, 200),
	))

	properties.Property("卖方截断后总名义金额不超过计价资产余额", prop.ForAll(
		func(s1, s2, budget float64) bool {
			levels := genLevels([]float64{0.004, 0.005}, []float64{s1, s2})
			b := decimal.NewFromFloat(budget)

			got := TruncateAsks(levels, b)

			notional := decimal.Zero
			for _, lv := range got {
				notional = notional.Add(lv.Size.Mul(lv.Price))
			}
			// 裁剪档位的数量由 remaining/price 反推，除法精度损失只会向下偏差
			return notional.LessThanOrEqual(b.Add(decimal.New(1, -12)))
		},
		gen.Float64Range(0.001, 1000),
		gen.Float64Range(0.001, 1000),
		gen.Float64Range(0.0001, 10),
	))

	properties.TestingRun(t)
}

// **Feature: orderbook-mirror, Property 3: Triangulation Liquidity Conservation**
// **Validates: Requirements 3.1, 3.3**

func TestTriangulate_Conservation_Property(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("消耗的中间资产总量 = min(枢轴总名义, 第二腿总深度)", prop.ForAll(
		func(p1, p2, q1, q2 float64) bool {
			pivot := genLevels([]float64{0.003, 0.002}, []float64{p1, p2})
			second := genLevels([]float64{50000, 49000}, []float64{q1, q2})

			got := Triangulate(pivot, second)

			pivotNotional := decimal.Zero
			for _, lv := range pivot {
				pivotNotional = pivotNotional.Add(lv.Size.Mul(lv.Price))
			}
			secondDepth := sumSizes(second)

			want := pivotNotional
			if secondDepth.LessThan(want) {
				want = secondDepth
			}

			consumed := decimal.Zero
			for _, o := range got {
				consumed = consumed.Add(o.PivotSize)
			}
			return consumed.Equal(want)
		},
		gen.Float64Range(0.01, 100),
		gen.Float64Range(0.01, 100),
		gen.Float64Range(0.0001, 1),
		gen.Float64Range(0.0001, 1),
	))

	properties.Property("每个合成档位的消耗量不超过两腿对应档位的剩余量", prop.ForAll(
		func(p1, q1 float64) bool {
			pivot := genLevels([]float64{0.003}, []float64{p1})
			second := genLevels([]float64{50000}, []float64{q1})

			got := Triangulate(pivot, second)
			if len(got) != 1 {
				return false
			}

			notional := pivot[0].Size.Mul(pivot[0].Price)
			if got[0].PivotSize.GreaterThan(notional) {
				return false
			}
			return !got[0].PivotSize.GreaterThan(second[0].Size)
		},
		gen.Float64Range(0.01, 100),
		gen.Float64Range(0.0001, 1),
	))

	properties.Property("合成价格 = 第二腿价格 × 枢轴价格", prop.ForAll(
		func(pp, sp, sz float64) bool {
			pivot := genLevels([]float64{pp}, []float64{sz})
			second := genLevels([]float64{sp}, []float64{1000000})

			got := Triangulate(pivot, second)
			if len(got) != 1 {
				return false
			}
			want := decimal.NewFromFloat(sp).Mul(decimal.NewFromFloat(pp))
			return got[0].Price.Equal(want)
		},
		gen.Float64Range(0.0001, 10),
		gen.Float64Range(1, 100000),
		gen.Float64Range(0.01, 100),
	))

	properties.TestingRun(t)
}
