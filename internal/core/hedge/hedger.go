// Package hedge 实现目标交易所成交后的源交易所对冲。
// 小额成交累积到对冲队列，带符号净额化（买为正、卖为负），
// 绝对值达到源最小订单数量才真正下市价单；三角转换时依次执行两腿。
package hedge

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"orderbook-mirror/internal/core/model"
	"orderbook-mirror/internal/core/reconcile"
	"orderbook-mirror/internal/market"
	"orderbook-mirror/internal/util/lock"
	"orderbook-mirror/internal/venue"
)

// FillApplier 在途挂单成交登记方
// 由挂单对账器实现；查找与扣减在对账器内部的同一临界区完成，
// 对冲循环不直接持有在途挂单
type FillApplier interface {
	// ApplyFill 将一笔成交应用到在途挂单
	// 返回: 应用结果；命中方是否为 maker
	ApplyFill(makerHash, takerHash string, amount decimal.Decimal) (reconcile.FillOutcome, bool)
}

// Params 对冲参数
type Params struct {
	// MinSourceOrderSize 源交易所最小订单数量，对冲队列的触发阈值
	MinSourceOrderSize decimal.Decimal
	// FeeRate 源交易所市价单手续费率（0-1），第二腿净额计算用
	FeeRate decimal.Decimal
	// DryRun 演练模式，只记录不下单
	DryRun bool
}

// Hedger 成交对冲器
// queued 为带符号的待对冲数量（基础资产）：正数表示待买入，负数表示待卖出；
// 所有状态变更都在 source_trade 临界区内发生
type Hedger struct {
	// source 源交易所客户端
	source venue.SourceVenue
	// orders 在途挂单成交登记方
	orders FillApplier
	// chain 源市场链路
	chain market.Chain
	// params 对冲参数
	params Params
	// sections 命名临界区
	sections *lock.Sections
	// logger 日志记录器
	logger *zap.Logger

	// queued 带符号的待对冲数量
	queued decimal.Decimal
}

// New 创建成交对冲器
// 参数 source: 源交易所客户端
// 参数 orders: 在途挂单成交登记方
// 参数 chain: 源市场链路
// 参数 params: 对冲参数
func New(source venue.SourceVenue, orders FillApplier, chain market.Chain, params Params, sections *lock.Sections, logger *zap.Logger) *Hedger {
	return &Hedger{
		source:   source,
		orders:   orders,
		chain:    chain,
		params:   params,
		sections: sections,
		logger:   logger.Named("hedge"),
	}
}

// QueuedAmount 当前待对冲数量（带符号，正买负卖）
func (h *Hedger) QueuedAmount() decimal.Decimal {
	unlock := h.sections.Lock(lock.SectionSourceTrade)
	defer unlock()
	return h.queued
}

// OnTradeMatch 处理目标交易所成交匹配
// 逐笔登记成交并净额入队；双方都不是己方订单的成交视为重复通知
// 或与己方无关，跳过不报错；
// 返回错误表示本地与远端状态失配（自成交、通知格式损坏），调用方必须终止进程
// 参数 m: 成交匹配通知
func (h *Hedger) OnTradeMatch(ctx context.Context, m *model.TradeMatch) error {
	unlock := h.sections.Lock(lock.SectionSourceTrade)
	defer unlock()

	for i, trade := range m.Trades {
		if !trade.Amount.IsPositive() {
			continue
		}

		outcome, makerOurs := h.orders.ApplyFill(trade.MakerOrderHash, trade.TakerOrderHash, trade.Amount)
		switch outcome {
		case reconcile.FillSelfTrade:
			// 同一笔成交的两侧都是己方订单：自成交，状态已不可信
			return fmt.Errorf("检测到自成交: maker=%s taker=%s", trade.MakerOrderHash, trade.TakerOrderHash)
		case reconcile.FillNone:
			h.logger.Debug("成交通知未命中任何在途挂单，跳过",
				zap.String("maker", trade.MakerOrderHash),
				zap.String("taker", trade.TakerOrderHash),
				zap.String("amount", trade.Amount.String()),
			)
			continue
		case reconcile.FillDuplicate:
			// 已标记成交的订单再次出现在成交通知中：重放保护，跳过
			h.logger.Debug("忽略已完全成交订单的重复成交通知",
				zap.String("maker", trade.MakerOrderHash),
				zap.String("taker", trade.TakerOrderHash),
			)
			continue
		}

		var ourSide model.Side
		if makerOurs {
			if i >= len(m.MakerSides) {
				return fmt.Errorf("成交匹配缺少 maker 方向: index=%d sides=%d", i, len(m.MakerSides))
			}
			ourSide = m.MakerSides[i]
		} else {
			ourSide = m.TakerSide
		}

		// 目标买单成交表示收到基础资产，源端反向卖出对冲
		h.enqueue(ctx, ourSide.Opposite(), trade.Amount)
	}
	return nil
}

// enqueue 净额入队并在达到阈值时触发对冲
// 参数 side: 源端对冲方向
// 参数 amount: 本笔成交数量（基础资产）
func (h *Hedger) enqueue(ctx context.Context, side model.Side, amount decimal.Decimal) {
	delta := amount
	if side == model.SideSell {
		delta = amount.Neg()
	}
	combined := h.queued.Add(delta)

	if combined.Abs().LessThan(h.params.MinSourceOrderSize) {
		h.queued = combined
		h.logger.Info("成交数量低于源最小订单数量，累积到对冲队列",
			zap.String("amount", amount.String()),
			zap.String("queued", combined.String()),
		)
		return
	}

	h.queued = decimal.Zero
	orderSide := model.SideBuy
	if combined.IsNegative() {
		orderSide = model.SideSell
	}
	h.execute(ctx, orderSide, combined.Abs())
}

// execute 执行对冲市价单
// 第一腿失败时数量回到队列，等待下次成交一并对冲；
// 三角转换时第一腿完全成交后按净额执行第二腿
func (h *Hedger) execute(ctx context.Context, side model.Side, size decimal.Decimal) {
	if h.params.DryRun {
		h.logger.Info("演练模式，跳过对冲市价单",
			zap.String("pair", h.chain.First.ID),
			zap.String("side", string(side)),
			zap.String("size", size.String()),
		)
		return
	}

	res, err := h.source.CreateMarketOrder(ctx, h.chain.First.ID, side, size)
	if err != nil {
		h.logger.Error("对冲市价单失败，数量回到队列",
			zap.String("pair", h.chain.First.ID),
			zap.String("side", string(side)),
			zap.String("size", size.String()),
			zap.Error(err),
		)
		if side == model.SideSell {
			size = size.Neg()
		}
		h.queued = h.queued.Add(size)
		return
	}

	h.logger.Info("对冲市价单已成交",
		zap.String("pair", h.chain.First.ID),
		zap.String("side", string(side)),
		zap.String("size", size.String()),
		zap.String("cost", res.Cost.String()),
	)

	if !h.chain.Triangulated {
		return
	}
	if !res.Closed() {
		h.logger.Warn("第一腿未完全成交，跳过第二腿对冲",
			zap.String("pair", h.chain.First.ID),
			zap.String("status", res.Status),
		)
		return
	}
	h.executeSecondLeg(ctx, side, res)
}

// executeSecondLeg 按第一腿净额执行第二腿对冲
// 卖出第一腿实收 cost−fee 的中间资产，再原方向卖出；
// 买入第一腿实付 cost+fee，再原方向买入补足中间资产
func (h *Hedger) executeSecondLeg(ctx context.Context, side model.Side, first venue.MarketOrderResult) {
	fee := first.FeeCost
	// 回执未附带手续费时按配置费率估算
	if fee.IsZero() && h.params.FeeRate.IsPositive() {
		fee = first.Cost.Mul(h.params.FeeRate)
	}

	var size decimal.Decimal
	if side == model.SideSell {
		size = first.Cost.Sub(fee)
	} else {
		size = first.Cost.Add(fee)
	}
	if !size.IsPositive() {
		h.logger.Warn("第二腿净额非正，跳过",
			zap.String("cost", first.Cost.String()),
			zap.String("fee", first.FeeCost.String()),
		)
		return
	}

	res, err := h.source.CreateMarketOrder(ctx, h.chain.Second.ID, side, size)
	if err != nil {
		// 第二腿失败只能记录，中间资产敞口留待人工处理
		h.logger.Error("第二腿对冲市价单失败",
			zap.String("pair", h.chain.Second.ID),
			zap.String("side", string(side)),
			zap.String("size", size.String()),
			zap.Error(err),
		)
		return
	}

	h.logger.Info("第二腿对冲市价单已成交",
		zap.String("pair", h.chain.Second.ID),
		zap.String("side", string(side)),
		zap.String("size", size.String()),
		zap.String("cost", res.Cost.String()),
	)
}
