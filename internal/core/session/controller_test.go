// Package session 会话控制器测试
package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"orderbook-mirror/internal/core/book"
	"orderbook-mirror/internal/core/composite"
	"orderbook-mirror/internal/core/hedge"
	"orderbook-mirror/internal/core/model"
	"orderbook-mirror/internal/core/reconcile"
	"orderbook-mirror/internal/market"
	"orderbook-mirror/internal/util/lock"
	"orderbook-mirror/internal/venue"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// fakeSource 通道驱动的源交易所假实现
type fakeSource struct {
	mu         sync.Mutex
	bookCh     chan *venue.SourceBookEvent
	subscribed []string
	balances   map[string]decimal.Decimal
	orders     []string
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		bookCh: make(chan *venue.SourceBookEvent, 16),
		balances: map[string]decimal.Decimal{
			"GBYTE": dec("100"),
			"BTC":   dec("10"),
		},
	}
}

func (f *fakeSource) SubscribeLevel2(_ context.Context, market string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, market)
	return nil
}

func (f *fakeSource) BookEvents() <-chan *venue.SourceBookEvent { return f.bookCh }

func (f *fakeSource) FreeBalance(_ context.Context, asset string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[asset], nil
}

func (f *fakeSource) CreateMarketOrder(_ context.Context, pair string, side model.Side, size decimal.Decimal) (venue.MarketOrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders = append(f.orders, fmt.Sprintf("%s %s %s", pair, side, size.String()))
	return venue.MarketOrderResult{Status: "closed"}, nil
}

func (f *fakeSource) orderCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.orders)
}

// fakeDest 通道驱动的目标交易所假实现
type fakeDest struct {
	mu        sync.Mutex
	evCh      chan *venue.DestEvent
	balances  map[string]decimal.Decimal
	myHashes  []string
	created   []string
	cancelled []string
	nextID    int

	// createGate 非 nil 时 CreateOrder 在提交前阻塞，等待通道放行；
	// 用于在挂单进行中注入断连等事件
	createGate chan struct{}
	// createStarted 已进入 CreateOrder 的调用数（含被闸门拦住的）
	createStarted int
}

func newFakeDest() *fakeDest {
	return &fakeDest{
		evCh: make(chan *venue.DestEvent, 16),
		balances: map[string]decimal.Decimal{
			"GBYTE": dec("100"),
			"OUSD":  dec("10000"),
		},
	}
}

func (f *fakeDest) Balances(_ context.Context) (map[string]decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances, nil
}

func (f *fakeDest) CreateOrder(_ context.Context, _ string, _ model.Side, _, _ decimal.Decimal) (string, error) {
	f.mu.Lock()
	f.createStarted++
	gate := f.createGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	hash := fmt.Sprintf("order-%d", f.nextID)
	f.created = append(f.created, hash)
	return hash, nil
}

func (f *fakeDest) CancelOrder(_ context.Context, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, hash)
	return nil
}

func (f *fakeDest) TrackMyOrders(_ context.Context) error                      { return nil }
func (f *fakeDest) SubscribeOrdersAndTrades(_ context.Context, _ string) error { return nil }
func (f *fakeDest) Events() <-chan *venue.DestEvent                            { return f.evCh }

func (f *fakeDest) MyOrderHashes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.myHashes...)
}

func (f *fakeDest) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *fakeDest) cancelledCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cancelled)
}

func (f *fakeDest) createStartedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createStarted
}

// harness 测试用会话装配
type harness struct {
	source     *fakeSource
	dest       *fakeDest
	controller *Controller
	reconciler *reconcile.Reconciler
	runErr     chan error
	cancel     context.CancelFunc
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	source := newFakeSource()
	dest := newFakeDest()
	sections := lock.NewSections()
	logger := zap.NewNop()

	chain, err := market.NewChain("GBYTE-BTC", "")
	require.NoError(t, err)
	destPair, err := market.ParsePair("GBYTE-OUSD")
	require.NoError(t, err)

	store := book.New(chain.First.ID)
	builder := composite.NewBuilder(store, source, chain, decimal.Zero, decimal.Zero, logger)
	reconciler := reconcile.New(dest, destPair, reconcile.Params{
		MarkupPct:     dec("2"),
		HysteresisPct: dec("1"),
		MinOrderSize:  dec("0.01"),
	}, sections, logger)
	hedger := hedge.New(source, reconciler, chain, hedge.Params{
		MinSourceOrderSize: dec("0.2"),
	}, sections, logger)

	controller := New(source, dest, store, builder, reconciler, hedger,
		chain, destPair.ID, sections, nil, logger)

	return &harness{
		source:     source,
		dest:       dest,
		controller: controller,
		reconciler: reconciler,
		runErr:     make(chan error, 1),
	}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	t.Cleanup(cancel)
	go func() {
		h.runErr <- h.controller.Run(ctx)
	}()
}

func (h *harness) stop(t *testing.T) error {
	t.Helper()
	h.cancel()
	select {
	case err := <-h.runErr:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("会话未在超时内退出")
		return nil
	}
}

func (h *harness) waitErr(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.runErr:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("会话未在超时内返回错误")
		return nil
	}
}

func snapshot(bids, asks []model.PriceLevel) *venue.SourceBookEvent {
	return &venue.SourceBookEvent{
		Type:   venue.SourceBookSnapshot,
		Market: "GBYTE-BTC",
		Bids:   bids,
		Asks:   asks,
	}
}

func lv(price, size string) model.PriceLevel {
	return model.PriceLevel{Price: dec(price), Size: dec(size)}
}

func TestController_StartupCancelsOrphans(t *testing.T) {
	h := newHarness(t)
	h.dest.myHashes = []string{"stale-1", "stale-2"}

	h.start(t)

	require.Eventually(t, func() bool {
		return h.dest.cancelledCount() == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateConnected, h.controller.State())

	require.NoError(t, h.stop(t))
}

func TestController_SnapshotTriggersReconcile(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.source.bookCh <- snapshot(
		[]model.PriceLevel{lv("0.003", "5")},
		[]model.PriceLevel{lv("0.004", "5")},
	)

	// 快照 → 重建 → 对账：两侧各挂出一单
	require.Eventually(t, func() bool {
		return h.dest.createdCount() == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, h.reconciler.TrackedCount())

	require.NoError(t, h.stop(t))
}

func TestController_MatchedTradeHedges(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.source.bookCh <- snapshot([]model.PriceLevel{lv("0.003", "5")}, nil)
	require.Eventually(t, func() bool {
		return h.dest.createdCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	// 挂出的买单成交 0.5 ≥ 源最小订单数量 ⇒ 源端反向市价单
	h.dest.evCh <- &venue.DestEvent{
		Type: venue.DestOrderMatched,
		Matches: &model.TradeMatch{
			Trades:     []model.Trade{{MakerOrderHash: "order-1", TakerOrderHash: "theirs", Amount: dec("0.5")}},
			MakerSides: []model.Side{model.SideBuy},
			TakerSide:  model.SideSell,
		},
	}

	require.Eventually(t, func() bool {
		return h.source.orderCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.stop(t))
}

func TestController_DisconnectRecoveryFlow(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.source.bookCh <- snapshot([]model.PriceLevel{lv("0.003", "5")}, nil)
	require.Eventually(t, func() bool {
		return h.dest.createdCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	// 断连：撤销在途挂单后等待订单重置
	h.dest.evCh <- &venue.DestEvent{Type: venue.DestDisconnected}
	require.Eventually(t, func() bool {
		return h.controller.State() == StateAwaitingReset
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, h.reconciler.TrackedCount())

	// 订单重置通知：恢复流程走完并强制重建
	h.dest.evCh <- &venue.DestEvent{Type: venue.DestResetOrders}
	require.Eventually(t, func() bool {
		return h.controller.State() == StateConnected && h.reconciler.TrackedCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.stop(t))
}

func TestController_RecoveryWaitsForInFlightReconcile(t *testing.T) {
	h := newHarness(t)
	gate := make(chan struct{})
	h.dest.createGate = gate
	h.start(t)

	h.source.bookCh <- snapshot(
		[]model.PriceLevel{lv("0.003", "5")},
		[]model.PriceLevel{lv("0.004", "5")},
	)

	// 第一笔挂单被闸门拦住：对账轮次尚在进行中
	require.Eventually(t, func() bool {
		return h.dest.createStartedCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	// 断连与订单重置都在对账轮次完成前到达
	h.dest.evCh <- &venue.DestEvent{Type: venue.DestDisconnected}
	h.dest.evCh <- &venue.DestEvent{Type: venue.DestResetOrders}
	time.Sleep(50 * time.Millisecond)
	close(gate)

	require.Eventually(t, func() bool {
		return h.controller.State() == StateConnected
	}, 2*time.Second, 10*time.Millisecond)

	// 恢复流程必须等进行中的轮次（两侧挂单）全部落地后才开始撤单：
	// 断连前的两单都被撤销，重建后跟踪集合只含重建挂出的两单，无幻影挂单
	assert.Equal(t, 2, h.dest.cancelledCount())
	assert.Equal(t, 4, h.dest.createdCount())
	assert.Equal(t, 2, h.reconciler.TrackedCount())

	require.NoError(t, h.stop(t))
}

func TestController_FatalDestErrorStopsRun(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.dest.evCh <- &venue.DestEvent{
		Type: venue.DestError,
		Err:  &venue.Error{Kind: venue.ErrKindInsufficientBalance, Msg: "not enough funds"},
	}

	assert.Error(t, h.waitErr(t))
}

func TestController_BenignDestErrorIgnored(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.dest.evCh <- &venue.DestEvent{
		Type: venue.DestError,
		Err:  &venue.Error{Kind: venue.ErrKindCancelFilled, Msg: "already filled"},
	}
	h.source.bookCh <- snapshot([]model.PriceLevel{lv("0.003", "5")}, nil)

	// 良性错误不影响后续对账
	require.Eventually(t, func() bool {
		return h.dest.createdCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.stop(t))
}

func TestController_SelfTradeStopsRun(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.source.bookCh <- snapshot(
		[]model.PriceLevel{lv("0.003", "5")},
		[]model.PriceLevel{lv("0.004", "5")},
	)
	require.Eventually(t, func() bool {
		return h.dest.createdCount() == 2
	}, 2*time.Second, 10*time.Millisecond)

	// 成交两侧都是己方订单：自成交，进程必须终止
	h.dest.evCh <- &venue.DestEvent{
		Type: venue.DestOrderMatched,
		Matches: &model.TradeMatch{
			Trades:     []model.Trade{{MakerOrderHash: "order-1", TakerOrderHash: "order-2", Amount: dec("0.5")}},
			MakerSides: []model.Side{model.SideBuy},
			TakerSide:  model.SideSell,
		},
	}

	assert.Error(t, h.waitErr(t))
}

func TestController_ExitSweep(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.source.bookCh <- snapshot([]model.PriceLevel{lv("0.003", "5")}, nil)
	require.Eventually(t, func() bool {
		return h.dest.createdCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	h.controller.ExitSweep(context.Background())
	assert.Equal(t, 1, h.dest.cancelledCount())
	assert.Equal(t, 0, h.reconciler.TrackedCount())

	// 幂等：重复调用不再发撤单
	h.controller.ExitSweep(context.Background())
	assert.Equal(t, 1, h.dest.cancelledCount())

	// 退出清扫后的订单簿事件不再触发挂单
	h.source.bookCh <- snapshot([]model.PriceLevel{lv("0.005", "5")}, nil)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.dest.createdCount())

	require.NoError(t, h.stop(t))
}
