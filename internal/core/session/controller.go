// Package session 实现会话生命周期控制。
// 持有两条事件循环：源订单簿循环（应用变更 → 重建 → 对账）和
// 目标事件循环（成交对冲、断连恢复、错误分流）；
// 断连恢复按固定顺序执行：撤在途挂单 → 等待订单重置 → 全量撤单 → 重新订阅 → 强制重建。
package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"orderbook-mirror/internal/core/book"
	"orderbook-mirror/internal/core/composite"
	"orderbook-mirror/internal/core/hedge"
	"orderbook-mirror/internal/core/reconcile"
	"orderbook-mirror/internal/market"
	"orderbook-mirror/internal/util/lock"
	"orderbook-mirror/internal/venue"
)

// State 会话状态
type State int32

const (
	// StateConnected 正常运行
	StateConnected State = iota
	// StateDisconnected 目标交易所连接断开，等待重连
	StateDisconnected
	// StateAwaitingReset 已重连，等待交易所下发订单重置通知
	StateAwaitingReset
	// StateResyncing 订单重置完成，正在全量撤单并重建
	StateResyncing
)

// String 获取状态的可读名称
func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateAwaitingReset:
		return "awaiting_reset"
	case StateResyncing:
		return "resyncing"
	default:
		return "unknown"
	}
}

// Journal 审计日志写入方
// 由异步 JSONL 写入器实现；为 nil 时不输出
type Journal interface {
	// Write 异步写入一条记录
	Write(v any) error
}

// Controller 会话控制器
// 串联订单簿缓存、合成构建器、对账器和对冲器，驱动完整的镜像生命周期
type Controller struct {
	// source 源交易所客户端
	source venue.SourceVenue
	// dest 目标交易所客户端
	dest venue.DestVenue
	// store 订单簿缓存
	store *book.Store
	// builder 合成订单簿构建器
	builder *composite.Builder
	// reconciler 挂单对账器
	reconciler *reconcile.Reconciler
	// hedger 成交对冲器
	hedger *hedge.Hedger
	// chain 源市场链路
	chain market.Chain
	// destPair 目标交易所挂单交易对
	destPair string
	// sections 命名临界区
	sections *lock.Sections
	// journal 审计日志写入方，可为 nil
	journal Journal
	// logger 日志记录器
	logger *zap.Logger

	// state 当前会话状态
	state atomic.Int32
	// exiting 退出清扫已开始，事件循环只消费不行动
	exiting atomic.Bool
	// recovering 恢复流程进行中（防止断连事件重复触发）
	recovering atomic.Bool
	// resetCh 订单重置通知转发通道
	resetCh chan struct{}
}

// New 创建会话控制器
func New(
	source venue.SourceVenue,
	dest venue.DestVenue,
	store *book.Store,
	builder *composite.Builder,
	reconciler *reconcile.Reconciler,
	hedger *hedge.Hedger,
	chain market.Chain,
	destPair string,
	sections *lock.Sections,
	journal Journal,
	logger *zap.Logger,
) *Controller {
	return &Controller{
		source:     source,
		dest:       dest,
		store:      store,
		builder:    builder,
		reconciler: reconciler,
		hedger:     hedger,
		chain:      chain,
		destPair:   destPair,
		sections:   sections,
		journal:    journal,
		logger:     logger.Named("session"),
		resetCh:    make(chan struct{}, 1),
	}
}

// State 获取当前会话状态
func (c *Controller) State() State {
	return State(c.state.Load())
}

func (c *Controller) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	if old != s {
		c.logger.Info("会话状态变更",
			zap.String("from", old.String()),
			zap.String("to", s.String()),
		)
		c.record("state_change", map[string]string{"from": old.String(), "to": s.String()})
	}
}

// record 写入审计日志
func (c *Controller) record(event string, detail any) {
	if c.journal == nil {
		return
	}
	_ = c.journal.Write(map[string]any{"event": event, "detail": detail})
}

// Run 启动会话并阻塞直到出错或 ctx 取消
// 启动顺序：订阅目标事件 → 跟踪本账户订单 → 撤销遗留挂单 → 订阅源订单簿；
// 返回非 nil 错误表示不可恢复失败，调用方应执行退出清扫后终止进程
func (c *Controller) Run(ctx context.Context) error {
	if err := c.startup(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := c.sourceLoop(ctx); err != nil {
			errCh <- err
		}
	}()
	go func() {
		defer wg.Done()
		if err := c.destLoop(ctx); err != nil {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}
	wg.Wait()
	return runErr
}

// startup 执行启动序列
func (c *Controller) startup(ctx context.Context) error {
	if err := c.dest.SubscribeOrdersAndTrades(ctx, c.destPair); err != nil {
		return fmt.Errorf("订阅目标交易所事件失败: %w", err)
	}
	if err := c.dest.TrackMyOrders(ctx); err != nil {
		return fmt.Errorf("跟踪本账户订单失败: %w", err)
	}

	// 上次进程残留的挂单在建簿前全部撤销
	c.cancelOrphans(ctx)

	if err := c.source.SubscribeLevel2(ctx, c.chain.First.ID); err != nil {
		return fmt.Errorf("订阅源市场 %s 失败: %w", c.chain.First.ID, err)
	}
	if c.chain.Triangulated {
		if err := c.source.SubscribeLevel2(ctx, c.chain.Second.ID); err != nil {
			return fmt.Errorf("订阅源市场 %s 失败: %w", c.chain.Second.ID, err)
		}
	}

	c.setState(StateConnected)
	c.logger.Info("会话已启动",
		zap.String("first_pair", c.chain.First.ID),
		zap.Bool("triangulated", c.chain.Triangulated),
		zap.String("dest_pair", c.destPair),
	)
	return nil
}

// cancelOrphans 撤销交易所记录的本账户全部挂单
// 覆盖本地跟踪集合之外的遗留订单；撤单竞态视为良性
func (c *Controller) cancelOrphans(ctx context.Context) {
	hashes := c.dest.MyOrderHashes()
	for _, hash := range hashes {
		if err := c.dest.CancelOrder(ctx, hash); err != nil {
			if ve, ok := err.(*venue.Error); ok && ve.Benign() {
				continue
			}
			c.logger.Warn("撤销遗留挂单失败",
				zap.String("hash", hash),
				zap.Error(err),
			)
		}
	}
	if len(hashes) > 0 {
		c.logger.Info("已撤销遗留挂单", zap.Int("count", len(hashes)))
	}
}

// sourceLoop 源订单簿事件循环
// 整个"应用变更 → 重建 → 对账"序列在 update 临界区内执行，
// 恢复流程的强制重建与此串行，不会交错
func (c *Controller) sourceLoop(ctx context.Context) error {
	events := c.source.BookEvents()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return fmt.Errorf("源订单簿事件通道已关闭")
			}
			if c.exiting.Load() {
				continue
			}
			if err := c.handleBookEvent(ctx, ev); err != nil {
				return err
			}
		}
	}
}

// handleBookEvent 处理一条源订单簿事件
func (c *Controller) handleBookEvent(ctx context.Context, ev *venue.SourceBookEvent) error {
	unlock := c.sections.Lock(lock.SectionUpdate)
	defer unlock()

	var err error
	force := false
	switch ev.Type {
	case venue.SourceBookSnapshot:
		err = c.store.ApplySnapshot(ev.Market, ev.Bids, ev.Asks)
		// 快照替换整簿，绕过再报价阈值强制重算
		force = true
	case venue.SourceBookDelta:
		err = c.store.ApplyDelta(ev.Market, ev.Bids, ev.Asks)
	}
	if err != nil {
		return fmt.Errorf("应用源订单簿事件失败: %w", err)
	}

	// 恢复流程尚未完成时只维护订单簿，不对账
	if c.State() != StateConnected {
		return nil
	}
	return c.rebuildAndReconcile(ctx, force)
}

// rebuildAndReconcile 重建合成订单簿并对账
// 余额查询失败只跳过本轮，不中断会话
func (c *Controller) rebuildAndReconcile(ctx context.Context, force bool) error {
	b, err := c.builder.Build(ctx)
	if err != nil {
		c.logger.Warn("重建合成订单簿失败，跳过本轮对账", zap.Error(err))
		return nil
	}
	return c.reconciler.Reconcile(ctx, b, force)
}

// destLoop 目标交易所事件循环
// 断连恢复在独立协程中执行，避免在循环内等待订单重置通知造成死锁
func (c *Controller) destLoop(ctx context.Context) error {
	events := c.dest.Events()
	errCh := make(chan error, 1)
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			return err
		case ev, ok := <-events:
			if !ok {
				return fmt.Errorf("目标交易所事件通道已关闭")
			}
			if err := c.handleDestEvent(ctx, ev, errCh); err != nil {
				return err
			}
		}
	}
}

// handleDestEvent 处理一条目标交易所事件
func (c *Controller) handleDestEvent(ctx context.Context, ev *venue.DestEvent, errCh chan<- error) error {
	switch ev.Type {
	case venue.DestOrderMatched:
		c.record("trade_match", ev.Matches)
		if err := c.hedger.OnTradeMatch(ctx, ev.Matches); err != nil {
			c.dumpDiagnostics(err)
			return err
		}

	case venue.DestDisconnected:
		if c.exiting.Load() {
			return nil
		}
		c.setState(StateDisconnected)
		// 恢复流程只允许一个在途
		if c.recovering.CompareAndSwap(false, true) {
			go func() {
				defer c.recovering.Store(false)
				if err := c.recover(ctx); err != nil {
					errCh <- err
				}
			}()
		}

	case venue.DestResetOrders:
		select {
		case c.resetCh <- struct{}{}:
		default:
		}

	case venue.DestError:
		return c.handleDestError(ev.Err)

	case venue.DestOrderAdded:
		c.logger.Debug("目标订单已挂出",
			zap.String("hash", ev.OrderHash),
			zap.String("price", ev.Price),
		)

	case venue.DestOrderCancelled:
		c.logger.Debug("目标订单已取消",
			zap.String("hash", ev.OrderHash),
		)
	}
	return nil
}

// handleDestError 分流目标交易所错误
// 良性竞态记录后忽略；状态失配类错误倾倒诊断信息后终止；其余记录告警
func (c *Controller) handleDestError(err *venue.Error) error {
	if err == nil {
		return nil
	}
	if err.Benign() {
		c.logger.Debug("目标交易所良性错误",
			zap.String("kind", err.Kind.String()),
			zap.String("msg", err.Msg),
		)
		return nil
	}
	if err.Fatal() {
		c.dumpDiagnostics(err)
		return fmt.Errorf("目标交易所致命错误: %w", err)
	}
	c.logger.Warn("目标交易所错误",
		zap.String("kind", err.Kind.String()),
		zap.String("msg", err.Msg),
	)
	return nil
}

// dumpDiagnostics 终止前倾倒诊断信息
func (c *Controller) dumpDiagnostics(err error) {
	hashes := c.dest.MyOrderHashes()
	c.logger.Error("本地与远端状态失配，倾倒诊断信息",
		zap.Error(err),
		zap.String("state", c.State().String()),
		zap.Int("tracked_orders", c.reconciler.TrackedCount()),
		zap.Int("exchange_orders", len(hashes)),
		zap.Strings("exchange_order_hashes", hashes),
	)
	c.record("diagnostics", map[string]any{
		"error":           err.Error(),
		"state":           c.State().String(),
		"tracked_orders":  c.reconciler.TrackedCount(),
		"exchange_orders": hashes,
	})
}

// recover 执行断连恢复流程
// 顺序固定：撤在途挂单 → 等待订单重置通知 → 全量撤单 → 重新订阅 → 强制重建；
// 整个流程持有 update 临界区：进行中的对账轮次先跑完、新轮次全部排队，
// 撤单清扫与挂单提交不会交错出幻影在途挂单
func (c *Controller) recover(ctx context.Context) error {
	unlock := c.sections.Lock(lock.SectionUpdate)
	defer unlock()

	c.logger.Warn("目标交易所连接断开，开始恢复流程")

	// 尽力撤销在途挂单并清空跟踪集合
	c.reconciler.CancelAllTracked(ctx)
	c.setState(StateAwaitingReset)

	select {
	case <-ctx.Done():
		return nil
	case <-c.resetCh:
	}

	c.setState(StateResyncing)

	// 交易所已重置订单状态，剩余挂单全量撤销
	c.cancelOrphans(ctx)

	if err := c.dest.SubscribeOrdersAndTrades(ctx, c.destPair); err != nil {
		return fmt.Errorf("恢复流程重新订阅失败: %w", err)
	}
	if err := c.dest.TrackMyOrders(ctx); err != nil {
		return fmt.Errorf("恢复流程重新跟踪订单失败: %w", err)
	}

	c.setState(StateConnected)
	if err := c.rebuildAndReconcile(ctx, true); err != nil {
		return err
	}

	c.logger.Info("恢复流程完成")
	return nil
}

// ExitSweep 退出清扫
// 置退出标记让事件循环停止行动，然后撤销全部在途挂单；幂等
func (c *Controller) ExitSweep(ctx context.Context) {
	if !c.exiting.CompareAndSwap(false, true) {
		return
	}
	c.logger.Info("开始退出清扫")
	c.reconciler.CancelAllTracked(ctx)
	c.record("exit_sweep", map[string]int{"remaining_tracked": c.reconciler.TrackedCount()})
	c.logger.Info("退出清扫完成")
}
