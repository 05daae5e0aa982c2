// Package reconcile 负责将合成订单簿对账到目标交易所的挂单集合。
// 核心约束：同一价格键先撤旧单、后挂新单，绝不在撤单完成前提交替换单，
// 防止同价双挂导致的敞口翻倍；预算按目标交易所余额减保留逐档扣减。
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"orderbook-mirror/internal/core/composite"
	"orderbook-mirror/internal/core/model"
	"orderbook-mirror/internal/market"
	"orderbook-mirror/internal/util/lock"
	"orderbook-mirror/internal/venue"
)

// TrackedOrder 目标交易所在途挂单
// 以合成价格键索引，成交后由对冲器就地扣减剩余数量
type TrackedOrder struct {
	// Hash 目标交易所订单哈希
	Hash string
	// Side 订单方向
	Side model.Side
	// Price 目标挂单价格（已含加价）
	Price decimal.Decimal
	// Size 剩余数量（基础资产）
	Size decimal.Decimal
	// PivotSize 该档位对应的中间资产消耗量（三角转换时有效）
	PivotSize decimal.Decimal
	// SourceKey 合成价格键（加价前）
	SourceKey string
	// Filled 是否已全部成交（等待下轮对账清理）
	Filled bool
}

// ErrZeroSizedOrder 在途挂单数量为零且未标记成交
// 本地与远端状态失配，调用方必须执行退出清扫后终止进程
var ErrZeroSizedOrder = errors.New("在途挂单数量为零")

// Params 对账参数
type Params struct {
	// MarkupPct 加价比例（百分比）
	MarkupPct decimal.Decimal
	// HysteresisPct 再报价阈值（百分比），最优价相对变动低于此值时跳过该侧
	HysteresisPct decimal.Decimal
	// BaseReserve 目标交易所基础资产最低保留
	BaseReserve decimal.Decimal
	// QuoteReserve 目标交易所计价资产最低保留
	QuoteReserve decimal.Decimal
	// MinOrderSize 目标交易所最小订单数量
	MinOrderSize decimal.Decimal
	// AlwaysUpdate 强制每次更新（绕过再报价阈值）
	AlwaysUpdate bool
}

// pendingCreate 待提交的新挂单
// 撤单阶段收集，全部撤单完成后统一提交
type pendingCreate struct {
	key       string
	side      model.Side
	price     decimal.Decimal
	size      decimal.Decimal
	pivotSize decimal.Decimal
}

// Reconciler 挂单对账器
// 持有在途挂单的权威视图；对账变更在 bids/asks 临界区内发生，
// 跟踪集合本身另由 trackedMu 保护，供成交对冲协程并发读写
type Reconciler struct {
	// dest 目标交易所客户端
	dest venue.DestVenue
	// destPair 目标交易所挂单交易对
	destPair market.Pair
	// params 对账参数
	params Params
	// sections 命名临界区
	sections *lock.Sections
	// logger 日志记录器
	logger *zap.Logger

	// trackedMu 保护 tracked/byHash 及其中订单的 Size/Filled 字段；
	// 对账循环与成交对冲循环跑在不同协程，命名临界区不覆盖两者之间的竞争
	trackedMu sync.Mutex
	// tracked 按合成价格键索引的在途挂单
	tracked map[string]*TrackedOrder
	// byHash 按订单哈希索引（成交通知查找用）
	byHash map[string]*TrackedOrder

	// lastBestBid/lastBestAsk 上次对账时的最优价（再报价阈值判断用）
	lastBestBid    decimal.Decimal
	hasLastBestBid bool
	lastBestAsk    decimal.Decimal
	hasLastBestAsk bool
}

// New 创建挂单对账器
// 参数 dest: 目标交易所客户端
// 参数 destPair: 目标交易所挂单交易对
// 参数 params: 对账参数
// 参数 sections: 命名临界区
func New(dest venue.DestVenue, destPair market.Pair, params Params, sections *lock.Sections, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		dest:     dest,
		destPair: destPair,
		params:   params,
		sections: sections,
		logger:   logger.Named("reconcile"),
		tracked:  make(map[string]*TrackedOrder),
		byHash:   make(map[string]*TrackedOrder),
	}
}

// Reconcile 将合成订单簿对账到目标交易所
// 每侧独立判断再报价阈值：最优价相对变动不足且存在性未变时跳过该侧；
// force 为 true（快照重建、恢复重建）时两侧都强制更新
// 参数 book: 最新合成订单簿
// 参数 force: 是否绕过再报价阈值
func (r *Reconciler) Reconcile(ctx context.Context, book *composite.Book, force bool) error {
	if r.shouldUpdateBids(book, force) {
		if err := r.UpdateBids(ctx, book.Bids); err != nil {
			return err
		}
		r.lastBestBid, r.hasLastBestBid = book.BestBid()
	}
	if r.shouldUpdateAsks(book, force) {
		if err := r.UpdateAsks(ctx, book.Asks); err != nil {
			return err
		}
		r.lastBestAsk, r.hasLastBestAsk = book.BestAsk()
	}
	return nil
}

// shouldUpdateBids 判断买侧是否需要重算
func (r *Reconciler) shouldUpdateBids(book *composite.Book, force bool) bool {
	if force || r.params.AlwaysUpdate {
		return true
	}
	best, ok := book.BestBid()
	// 存在性变化（空↔非空）必须更新
	if ok != r.hasLastBestBid {
		return true
	}
	if !ok {
		return false
	}
	return exceedsThreshold(best, r.lastBestBid, r.params.HysteresisPct)
}

// shouldUpdateAsks 判断卖侧是否需要重算
func (r *Reconciler) shouldUpdateAsks(book *composite.Book, force bool) bool {
	if force || r.params.AlwaysUpdate {
		return true
	}
	best, ok := book.BestAsk()
	if ok != r.hasLastBestAsk {
		return true
	}
	if !ok {
		return false
	}
	return exceedsThreshold(best, r.lastBestAsk, r.params.HysteresisPct)
}

// exceedsThreshold 判断最优价相对变动是否达到再报价阈值
func exceedsThreshold(current, last, thresholdPct decimal.Decimal) bool {
	if last.IsZero() {
		return true
	}
	move := current.Sub(last).Abs().Div(last).Mul(decimal.NewFromInt(100))
	return move.GreaterThanOrEqual(thresholdPct)
}

// UpdateBids 对账买侧挂单
// 目标买单价 = 合成价 × (1 - markup/100)，预算为目标计价资产余额减保留；
// 逐档扣减预算，越界档位裁剪数量，预算耗尽后的已有挂单撤销
// 参数 orders: 按价格降序的合成买方档位
func (r *Reconciler) UpdateBids(ctx context.Context, orders []model.CompositeOrder) error {
	unlock := r.sections.Lock(lock.SectionBids)
	defer unlock()

	budget, err := r.destBudget(ctx, r.destPair.Quote, r.params.QuoteReserve)
	if err != nil {
		return err
	}

	one := decimal.NewFromInt(1)
	factor := one.Sub(r.params.MarkupPct.Div(decimal.NewFromInt(100)))
	return r.updateSide(ctx, model.SideBuy, orders, budget, func(o model.CompositeOrder, budget decimal.Decimal) (price, size, cost decimal.Decimal) {
		price = o.Price.Mul(factor)
		size = o.Size
		cost = size.Mul(price)
		if cost.GreaterThan(budget) {
			size = budget.Div(price)
			cost = budget
		}
		return price, size, cost
	})
}

// UpdateAsks 对账卖侧挂单
// 目标卖单价 = 合成价 × (1 + markup/100)，预算为目标基础资产余额减保留
// 参数 orders: 按价格升序的合成卖方档位
func (r *Reconciler) UpdateAsks(ctx context.Context, orders []model.CompositeOrder) error {
	unlock := r.sections.Lock(lock.SectionAsks)
	defer unlock()

	budget, err := r.destBudget(ctx, r.destPair.Base, r.params.BaseReserve)
	if err != nil {
		return err
	}

	one := decimal.NewFromInt(1)
	factor := one.Add(r.params.MarkupPct.Div(decimal.NewFromInt(100)))
	return r.updateSide(ctx, model.SideSell, orders, budget, func(o model.CompositeOrder, budget decimal.Decimal) (price, size, cost decimal.Decimal) {
		price = o.Price.Mul(factor)
		size = o.Size
		// 卖侧预算以基础资产计，成本即数量
		if size.GreaterThan(budget) {
			size = budget
		}
		return price, size, size
	})
}

// updateSide 对账一侧挂单的通用流程
// 撤单（变更撤旧、预算耗尽撤销、过期清扫）全部同步完成后才提交新挂单；
// 预算只在档位确定挂出后扣减，被最小订单数量过滤掉的碎档不占预算
// 参数 budget: 本轮可用预算（买侧计价资产、卖侧基础资产）
// 参数 clip: 按剩余预算裁剪档位，返回目标价格、裁剪后数量和本档成本
func (r *Reconciler) updateSide(ctx context.Context, side model.Side, orders []model.CompositeOrder, budget decimal.Decimal, clip func(o model.CompositeOrder, budget decimal.Decimal) (price, size, cost decimal.Decimal)) error {
	r.trackedMu.Lock()
	defer r.trackedMu.Unlock()

	touched := make(map[string]bool, len(orders))
	var creates []pendingCreate

	for _, o := range orders {
		key := o.PriceKey()
		price, size, cost := clip(o, budget)

		// 预算耗尽或裁剪后过小：该档不挂单，已有挂单撤销
		if !size.IsPositive() || size.LessThan(r.params.MinOrderSize) {
			if existing, ok := r.tracked[key]; ok && existing.Side == side {
				if err := r.cancelTracked(ctx, existing); err != nil {
					return err
				}
			}
			if size.IsPositive() {
				r.logger.Debug("档位数量低于目标最小订单数量，跳过",
					zap.String("side", string(side)),
					zap.String("price", price.String()),
					zap.String("size", size.String()),
				)
			}
			continue
		}

		budget = budget.Sub(cost)
		touched[key] = true

		if existing, ok := r.tracked[key]; ok && existing.Side == side {
			if err := checkTrackedSize(existing); err != nil {
				return err
			}
			// 价格和数量均未变化：保留原挂单
			if !existing.Filled && existing.Price.Equal(price) && existing.Size.Equal(size) {
				continue
			}
			// 已变化（或已成交待清理）：先撤旧单
			if err := r.cancelTracked(ctx, existing); err != nil {
				return err
			}
		}

		creates = append(creates, pendingCreate{
			key:       key,
			side:      side,
			price:     price,
			size:      size,
			pivotSize: o.PivotSize,
		})
	}

	// 过期清扫：不再出现在合成簿中的同侧挂单撤销
	for key, order := range r.tracked {
		if order.Side != side || touched[key] {
			continue
		}
		if err := checkTrackedSize(order); err != nil {
			return err
		}
		if err := r.cancelTracked(ctx, order); err != nil {
			return err
		}
	}

	// 所有撤单完成后统一提交新挂单
	for _, c := range creates {
		if err := r.createTracked(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

// checkTrackedSize 校验在途挂单数量不变量
// 数量为零但未标记成交说明本地视图已失配，向上返回致命错误
func checkTrackedSize(order *TrackedOrder) error {
	if order.Size.IsZero() && !order.Filled {
		return fmt.Errorf("%w: %s (source_key=%s)", ErrZeroSizedOrder, order.Hash, order.SourceKey)
	}
	return nil
}

// destBudget 查询目标交易所余额并扣除保留
func (r *Reconciler) destBudget(ctx context.Context, asset string, reserve decimal.Decimal) (decimal.Decimal, error) {
	balances, err := r.dest.Balances(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("查询目标交易所余额失败: %w", err)
	}
	budget := balances[asset].Sub(reserve)
	if budget.IsNegative() {
		budget = decimal.Zero
	}
	return budget, nil
}

// cancelTracked 撤销在途挂单并从跟踪集合移除
// 撤单竞态（已成交、已撤销、不存在）视为良性：订单已不在簿上，目的已达成
func (r *Reconciler) cancelTracked(ctx context.Context, order *TrackedOrder) error {
	err := r.dest.CancelOrder(ctx, order.Hash)
	if err != nil {
		ve, ok := err.(*venue.Error)
		if !ok || !ve.Benign() {
			return fmt.Errorf("撤销目标挂单 %s 失败: %w", order.Hash, err)
		}
		r.logger.Debug("撤单竞态，订单已不在簿上",
			zap.String("hash", order.Hash),
			zap.String("kind", ve.Kind.String()),
		)
	}
	delete(r.tracked, order.SourceKey)
	delete(r.byHash, order.Hash)
	return nil
}

// createTracked 提交新挂单并登记跟踪
func (r *Reconciler) createTracked(ctx context.Context, c pendingCreate) error {
	hash, err := r.dest.CreateOrder(ctx, r.destPair.ID, c.side, c.size, c.price)
	if err != nil {
		ve, ok := err.(*venue.Error)
		if ok && ve.Fatal() {
			return fmt.Errorf("提交目标挂单失败（致命）: %w", err)
		}
		// 瞬时失败：跳过该档，下轮对账重试
		r.logger.Warn("提交目标挂单失败，下轮重试",
			zap.String("side", string(c.side)),
			zap.String("price", c.price.String()),
			zap.Error(err),
		)
		return nil
	}

	order := &TrackedOrder{
		Hash:      hash,
		Side:      c.side,
		Price:     c.price,
		Size:      c.size,
		PivotSize: c.pivotSize,
		SourceKey: c.key,
	}
	r.tracked[c.key] = order
	r.byHash[hash] = order

	r.logger.Info("已挂出目标订单",
		zap.String("hash", hash),
		zap.String("side", string(c.side)),
		zap.String("price", c.price.String()),
		zap.String("size", c.size.String()),
	)
	return nil
}

// FillOutcome 成交通知应用到在途挂单的结果
type FillOutcome int

const (
	// FillNone 成交双方都不是己方订单（重复通知或与己方无关）
	FillNone FillOutcome = iota
	// FillApplied 已扣减命中订单的剩余数量（或标记完全成交）
	FillApplied
	// FillDuplicate 命中订单此前已标记完全成交，重放保护
	FillDuplicate
	// FillSelfTrade 成交双方均为己方订单，本地状态已不可信
	FillSelfTrade
)

// ApplyFill 将一笔成交应用到在途挂单
// 依次按 maker、taker 哈希定位己方订单；命中后扣减剩余数量，
// 成交量覆盖剩余数量时标记完全成交（等待下轮对账清理）。
// 查找与扣减在同一临界区内完成，对冲循环与对账循环之间不会交错
// 参数 makerHash: maker 方订单哈希
// 参数 takerHash: taker 方订单哈希
// 参数 amount: 成交数量（基础资产）
// 返回: 应用结果；命中方是否为 maker
func (r *Reconciler) ApplyFill(makerHash, takerHash string, amount decimal.Decimal) (FillOutcome, bool) {
	r.trackedMu.Lock()
	defer r.trackedMu.Unlock()

	maker, makerOk := r.byHash[makerHash]
	taker, takerOk := r.byHash[takerHash]
	if makerOk && takerOk {
		return FillSelfTrade, true
	}

	var order *TrackedOrder
	switch {
	case makerOk:
		order = maker
	case takerOk:
		order = taker
	default:
		return FillNone, false
	}

	if order.Filled {
		return FillDuplicate, makerOk
	}

	if amount.GreaterThanOrEqual(order.Size) {
		order.Filled = true
		order.Size = decimal.Zero
	} else {
		order.Size = order.Size.Sub(amount)
	}
	return FillApplied, makerOk
}

// OrderByHash 按订单哈希查找在途挂单的快照副本
func (r *Reconciler) OrderByHash(hash string) (TrackedOrder, bool) {
	r.trackedMu.Lock()
	defer r.trackedMu.Unlock()
	order, ok := r.byHash[hash]
	if !ok {
		return TrackedOrder{}, false
	}
	return *order, true
}

// TrackedCount 当前在途挂单数量
func (r *Reconciler) TrackedCount() int {
	r.trackedMu.Lock()
	defer r.trackedMu.Unlock()
	return len(r.tracked)
}

// CancelAllTracked 撤销全部在途挂单并清空跟踪集合
// 断连恢复和退出清扫时调用；单笔撤单失败不中断，尽力撤完
func (r *Reconciler) CancelAllTracked(ctx context.Context) {
	unlockBids := r.sections.Lock(lock.SectionBids)
	defer unlockBids()
	unlockAsks := r.sections.Lock(lock.SectionAsks)
	defer unlockAsks()
	r.trackedMu.Lock()
	defer r.trackedMu.Unlock()

	for _, order := range r.tracked {
		if err := r.dest.CancelOrder(ctx, order.Hash); err != nil {
			if ve, ok := err.(*venue.Error); ok && ve.Benign() {
				continue
			}
			r.logger.Warn("退出清扫撤单失败",
				zap.String("hash", order.Hash),
				zap.Error(err),
			)
		}
	}
	r.tracked = make(map[string]*TrackedOrder)
	r.byHash = make(map[string]*TrackedOrder)

	// 阈值状态一并重置，恢复后首轮对账强制重算
	r.hasLastBestBid = false
	r.hasLastBestAsk = false
}

// ForgetTracked 仅清空跟踪集合，不发撤单请求
// 用于交易所已确认全部订单失效（reset_orders）的恢复路径
func (r *Reconciler) ForgetTracked() {
	unlockBids := r.sections.Lock(lock.SectionBids)
	defer unlockBids()
	unlockAsks := r.sections.Lock(lock.SectionAsks)
	defer unlockAsks()
	r.trackedMu.Lock()
	defer r.trackedMu.Unlock()

	r.tracked = make(map[string]*TrackedOrder)
	r.byHash = make(map[string]*TrackedOrder)
	r.hasLastBestBid = false
	r.hasLastBestAsk = false
}
