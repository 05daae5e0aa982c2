// Package composite 实现合成订单簿构建。
// 将一个或两个源市场的原始订单簿转换为以最终计价资产计价、
// 受余额约束、可选三角转换的单一有效订单簿，供对账器消费。
package composite

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"orderbook-mirror/internal/core/book"
	"orderbook-mirror/internal/core/model"
	"orderbook-mirror/internal/market"
)

// BalanceSource 源交易所余额提供方
// 由带周期刷新的余额缓存实现，瞬时失败时返回上次缓存值
type BalanceSource interface {
	// FreeBalance 查询指定资产的可用余额
	FreeBalance(ctx context.Context, asset string) (decimal.Decimal, error)
}

// Book 合成订单簿
// 每次重建都从头生成（派生数据，非权威状态）
type Book struct {
	// Bids 买方合成档位，按价格降序
	Bids []model.CompositeOrder
	// Asks 卖方合成档位，按价格升序
	Asks []model.CompositeOrder
}

// BestBid 获取最优买价
// 返回: 价格和是否存在；空侧视为 −∞ 哨兵，由调用方按"存在性变化"处理
func (b *Book) BestBid() (decimal.Decimal, bool) {
	if len(b.Bids) == 0 {
		return decimal.Zero, false
	}
	return b.Bids[0].Price, true
}

// BestAsk 获取最优卖价
// 返回: 价格和是否存在；空侧视为 +∞ 哨兵
func (b *Book) BestAsk() (decimal.Decimal, bool) {
	if len(b.Asks) == 0 {
		return decimal.Zero, false
	}
	return b.Asks[0].Price, true
}

// Builder 合成订单簿构建器
// 不决定是否对新订单簿采取行动（再报价阈值由对账器把关）
type Builder struct {
	// store 原始订单簿缓存
	store *book.Store
	// balances 源交易所余额提供方
	balances BalanceSource
	// chain 源市场链路
	chain market.Chain
	// baseReserve 源交易所基础资产最低保留
	baseReserve decimal.Decimal
	// quoteReserve 源交易所计价资产（枢轴腿计价资产）最低保留
	quoteReserve decimal.Decimal
	// logger 日志记录器
	logger *zap.Logger
}

// NewBuilder 创建合成订单簿构建器
// 参数 store: 原始订单簿缓存
// 参数 balances: 源交易所余额提供方
// 参数 chain: 源市场链路
// 参数 baseReserve/quoteReserve: 源交易所余额保留
func NewBuilder(store *book.Store, balances BalanceSource, chain market.Chain, baseReserve, quoteReserve decimal.Decimal, logger *zap.Logger) *Builder {
	return &Builder{
		store:        store,
		balances:     balances,
		chain:        chain,
		baseReserve:  baseReserve,
		quoteReserve: quoteReserve,
		logger:       logger.Named("composite"),
	}
}

// Build 构建合成订单簿
// 流程: 取源余额 → 按余额截断枢轴腿买卖盘 → 可选三角转换 → 排序
// 返回: 合成订单簿；余额查询失败时返回错误（调用方跳过本轮对账）
func (b *Builder) Build(ctx context.Context) (*Book, error) {
	baseBal, err := b.balances.FreeBalance(ctx, b.chain.BaseAsset())
	if err != nil {
		return nil, fmt.Errorf("查询源基础资产余额失败: %w", err)
	}
	quoteBal, err := b.balances.FreeBalance(ctx, b.chain.First.Quote)
	if err != nil {
		return nil, fmt.Errorf("查询源计价资产余额失败: %w", err)
	}

	baseAvail := baseBal.Sub(b.baseReserve)
	quoteAvail := quoteBal.Sub(b.quoteReserve)

	pivotBids := TruncateBids(b.store.Bids(b.chain.First.ID), baseAvail)
	pivotAsks := TruncateAsks(b.store.Asks(b.chain.First.ID), quoteAvail)

	out := &Book{}
	if !b.chain.Triangulated {
		out.Bids = toComposite(pivotBids)
		out.Asks = toComposite(pivotAsks)
	} else {
		out.Bids = Triangulate(pivotBids, b.store.Bids(b.chain.Second.ID))
		out.Asks = Triangulate(pivotAsks, b.store.Asks(b.chain.Second.ID))
	}

	// 买方降序、卖方升序（三角合并本身保序，这里统一兜底）
	sort.Slice(out.Bids, func(i, j int) bool { return out.Bids[i].Price.GreaterThan(out.Bids[j].Price) })
	sort.Slice(out.Asks, func(i, j int) bool { return out.Asks[i].Price.LessThan(out.Asks[j].Price) })

	b.logger.Debug("合成订单簿已重建",
		zap.Int("bids", len(out.Bids)),
		zap.Int("asks", len(out.Asks)),
		zap.Bool("triangulated", b.chain.Triangulated),
	)
	return out, nil
}

// TruncateBids 按基础资产余额截断买方档位
// 按价格降序累计数量，越过余额边界的档位被裁剪到剩余额度，其后档位丢弃；
// 这样总敞口不会超过实际可交割的数量
// 参数 levels: 按价格降序的买方档位
// 参数 budget: 可用基础资产余额
func TruncateBids(levels []model.PriceLevel, budget decimal.Decimal) []model.PriceLevel {
	out := make([]model.PriceLevel, 0, len(levels))
	remaining := budget
	for _, lv := range levels {
		if !remaining.IsPositive() {
			break
		}
		take := lv.Size
		if take.GreaterThan(remaining) {
			take = remaining
		}
		out = append(out, model.PriceLevel{Price: lv.Price, Size: take})
		remaining = remaining.Sub(take)
	}
	return out
}

// TruncateAsks 按计价资产余额截断卖方档位
// 按价格升序累计名义金额 size×price，越界档位按剩余金额反推数量裁剪
// 参数 levels: 按价格升序的卖方档位
// 参数 budget: 可用计价资产余额
func TruncateAsks(levels []model.PriceLevel, budget decimal.Decimal) []model.PriceLevel {
	out := make([]model.PriceLevel, 0, len(levels))
	remaining := budget
	for _, lv := range levels {
		if !remaining.IsPositive() {
			break
		}
		cost := lv.Size.Mul(lv.Price)
		take := lv.Size
		if cost.GreaterThan(remaining) {
			take = remaining.Div(lv.Price)
			cost = remaining
		}
		if take.IsPositive() {
			out = append(out, model.PriceLevel{Price: lv.Price, Size: take})
		}
		remaining = remaining.Sub(cost)
	}
	return out
}

// Triangulate 将截断后的枢轴腿与第二腿原始订单簿按消耗合并
// 并行遍历两个已排序序列，每步消耗 min(枢轴档位以第二腿基础资产计的名义量, 第二腿档位数量)，
// 产出价格为 leg2.price × leg1.price 的合成档位，PivotSize 记录本步消耗的中间资产量；
// 消耗尽的一侧前进，任一序列耗尽即停止。无需前瞻即可得到保序、流动性守恒的合成簿。
// 两腿同时耗尽时优先前进枢轴腿（确定性决胜，保留第二腿剩余流动性给下一枢轴档位）。
// 参数 pivot: 截断后的枢轴腿档位（优先级顺序）
// 参数 second: 第二腿原始档位（优先级顺序）
func Triangulate(pivot, second []model.PriceLevel) []model.CompositeOrder {
	out := make([]model.CompositeOrder, 0, len(pivot)+len(second))

	i, j := 0, 0
	var pivotRemNotional decimal.Decimal // 当前枢轴档位剩余名义量（中间资产计）
	var secondRem decimal.Decimal        // 当前第二腿档位剩余数量（中间资产计）
	if i < len(pivot) {
		pivotRemNotional = pivot[i].Size.Mul(pivot[i].Price)
	}
	if j < len(second) {
		secondRem = second[j].Size
	}

	for i < len(pivot) && j < len(second) {
		// 枢轴腿优先前进（同时耗尽时的决胜顺序）
		if !pivotRemNotional.IsPositive() {
			i++
			if i < len(pivot) {
				pivotRemNotional = pivot[i].Size.Mul(pivot[i].Price)
			}
			continue
		}
		if !secondRem.IsPositive() {
			j++
			if j < len(second) {
				secondRem = second[j].Size
			}
			continue
		}

		take := pivotRemNotional
		if secondRem.LessThan(take) {
			take = secondRem
		}

		out = append(out, model.CompositeOrder{
			Price:     second[j].Price.Mul(pivot[i].Price),
			Size:      take.Div(pivot[i].Price),
			PivotSize: take,
		})

		pivotRemNotional = pivotRemNotional.Sub(take)
		secondRem = secondRem.Sub(take)
	}

	return out
}

// toComposite 将价格档位直接映射为合成档位（单市场镜像，无三角转换）
func toComposite(levels []model.PriceLevel) []model.CompositeOrder {
	out := make([]model.CompositeOrder, 0, len(levels))
	for _, lv := range levels {
		out = append(out, model.CompositeOrder{Price: lv.Price, Size: lv.Size})
	}
	return out
}
