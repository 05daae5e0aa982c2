// Package venue 定义源交易所与目标交易所协作方的接口和事件类型。
// 引擎核心只依赖这些接口；具体的 WebSocket/REST 客户端在子包中实现。
package venue

import (
	"context"

	"github.com/shopspring/decimal"

	"orderbook-mirror/internal/core/model"
)

// SourceBookEventType 源交易所订单簿事件类型
type SourceBookEventType int

const (
	// SourceBookSnapshot 全量快照，替换整个订单簿
	SourceBookSnapshot SourceBookEventType = iota
	// SourceBookDelta 增量更新，数量为 0 表示删除档位
	SourceBookDelta
)

// SourceBookEvent 源交易所 level2 订单簿事件
type SourceBookEvent struct {
	// Type 事件类型: 快照或增量
	Type SourceBookEventType
	// Market 市场标识，如 GBYTE-BTC
	Market string
	// Bids 买方档位
	Bids []model.PriceLevel
	// Asks 卖方档位
	Asks []model.PriceLevel
}

// MarketOrderResult 源交易所市价单回执
type MarketOrderResult struct {
	// Status 订单状态，closed 表示已完全成交
	Status string
	// Cost 成交金额（计价资产）
	Cost decimal.Decimal
	// FeeCost 手续费（计价资产）
	FeeCost decimal.Decimal
}

// Closed 判断市价单是否已完全成交
func (r MarketOrderResult) Closed() bool {
	return r.Status == "closed"
}

// SourceVenue 源交易所协作方
// 提供行情订阅、余额查询和市价单下单能力
type SourceVenue interface {
	// SubscribeLevel2 订阅指定市场的 level2 订单簿
	SubscribeLevel2(ctx context.Context, market string) error
	// BookEvents 获取订单簿事件通道
	BookEvents() <-chan *SourceBookEvent
	// FreeBalance 查询指定资产的可用余额
	FreeBalance(ctx context.Context, asset string) (decimal.Decimal, error)
	// CreateMarketOrder 按市价下单
	// 参数 pair: 交易对，如 GBYTE-BTC
	// 参数 side: 方向
	// 参数 size: 数量（基础资产）
	CreateMarketOrder(ctx context.Context, pair string, side model.Side, size decimal.Decimal) (MarketOrderResult, error)
}

// DestEventType 目标交易所事件类型
type DestEventType int

const (
	// DestOrderAdded 订单已挂出
	DestOrderAdded DestEventType = iota
	// DestOrderCancelled 订单已取消
	DestOrderCancelled
	// DestOrderMatched 订单发生成交
	DestOrderMatched
	// DestError 交易所报告错误
	DestError
	// DestDisconnected 连接断开
	DestDisconnected
	// DestResetOrders 交易所已重置本账户订单状态（重连后下发一次）
	DestResetOrders
)

// DestEvent 目标交易所事件
type DestEvent struct {
	// Type 事件类型
	Type DestEventType
	// OrderHash 相关订单哈希（OrderAdded/OrderCancelled）
	OrderHash string
	// Price 相关订单价格字符串（OrderAdded/OrderCancelled）
	Price string
	// Status 订单状态（OrderAdded）
	Status string
	// Matches 成交匹配（OrderMatched）
	Matches *model.TradeMatch
	// Err 错误详情（Error）
	Err *Error
}

// DestVenue 目标交易所协作方
// 提供余额查询、限价单下单/撤单和订单事件流
type DestVenue interface {
	// Balances 查询所有资产余额（已按精度换算为十进制数）
	Balances(ctx context.Context) (map[string]decimal.Decimal, error)
	// CreateOrder 挂出限价单
	// 返回: 订单哈希
	CreateOrder(ctx context.Context, pair string, side model.Side, size, price decimal.Decimal) (string, error)
	// CancelOrder 取消指定订单
	CancelOrder(ctx context.Context, hash string) error
	// TrackMyOrders 开始跟踪本账户订单
	TrackMyOrders(ctx context.Context) error
	// SubscribeOrdersAndTrades 订阅指定交易对的订单与成交事件
	SubscribeOrdersAndTrades(ctx context.Context, pair string) error
	// Events 获取事件通道
	Events() <-chan *DestEvent
	// MyOrderHashes 获取交易所当前归属本账户的全部订单哈希
	// 用于重连后的全量撤单（覆盖本地缓存丢失跟踪的订单）
	MyOrderHashes() []string
}
