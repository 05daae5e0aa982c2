// Package odex 目标交易所消息类型定义。
package odex

import (
	"encoding/json"
)

// WSMessage WebSocket 消息信封
// 所有入站/出站消息都采用 channel + event 结构
type WSMessage struct {
	// Channel 频道名: orders, orderbook, trades, raw_orderbook
	Channel string `json:"channel"`
	// Event 事件体
	Event WSEvent `json:"event"`
}

// WSEvent WebSocket 事件体
type WSEvent struct {
	// Type 事件类型: ORDER_ADDED, ORDER_CANCELLED, ORDER_MATCHED, ERROR, RESET_ORDERS, SUBSCRIBE
	Type string `json:"type"`
	// Payload 事件负载，按类型延迟解析
	Payload json.RawMessage `json:"payload"`
}

// OrderPayload ORDER_ADDED/ORDER_CANCELLED 事件负载
type OrderPayload struct {
	// Hash 订单哈希
	Hash string `json:"hash"`
	// Price 订单价格字符串
	Price string `json:"price"`
	// Status 订单状态
	Status string `json:"status"`
}

// MatchesPayload ORDER_MATCHED 事件负载
type MatchesPayload struct {
	// Matches 成交匹配
	Matches MatchesData `json:"matches"`
}

// MatchesData 成交匹配数据
type MatchesData struct {
	// Trades 成交列表
	Trades []TradeData `json:"trades"`
	// MakerOrders 各笔成交的 maker 方订单（与 Trades 对应）
	MakerOrders []OrderSideData `json:"makerOrders"`
	// TakerOrder taker 方订单
	TakerOrder OrderSideData `json:"takerOrder"`
}

// TradeData 单笔成交
type TradeData struct {
	// MakerOrderHash maker 方订单哈希
	MakerOrderHash string `json:"makerOrderHash"`
	// TakerOrderHash taker 方订单哈希
	TakerOrderHash string `json:"takerOrderHash"`
	// Amount 成交数量（整数表示，需按基础资产精度缩放）
	Amount int64 `json:"amount"`
}

// OrderSideData 订单方向信息
type OrderSideData struct {
	// Side 订单方向: BUY 或 SELL
	Side string `json:"side"`
}

// SubscribePayload SUBSCRIBE 事件负载
type SubscribePayload struct {
	// Name 交易对名称
	Name string `json:"name"`
}

// CreateOrderRequest 下单 REST 请求
type CreateOrderRequest struct {
	// PairName 交易对名称
	PairName string `json:"pairName"`
	// Side 订单方向
	Side string `json:"side"`
	// Amount 数量字符串
	Amount string `json:"amount"`
	// Price 价格字符串
	Price string `json:"price"`
}

// CreateOrderResponse 下单 REST 响应
type CreateOrderResponse struct {
	// Hash 订单哈希
	Hash string `json:"hash"`
}

// CancelOrderRequest 撤单 REST 请求
type CancelOrderRequest struct {
	// Hash 订单哈希
	Hash string `json:"hash"`
}

// BalancesResponse 余额查询 REST 响应
// 各资产余额为整数表示，需按资产精度缩放
type BalancesResponse map[string]int64

// MyOrdersResponse 本账户挂单列表 REST 响应
type MyOrdersResponse struct {
	// Orders 挂单列表
	Orders []OrderPayload `json:"orders"`
}

// ConnectionMetrics 连接指标
type ConnectionMetrics struct {
	// MessageCount 收到的消息总数
	MessageCount int64 `json:"message_count"`
	// ReconnectCount 重连次数
	ReconnectCount int64 `json:"reconnect_count"`
	// ParseErrorCount 解析错误次数
	ParseErrorCount int64 `json:"parse_error_count"`
	// LastMessageAgeMs 最后消息距今时间（毫秒）
	LastMessageAgeMs int64 `json:"last_message_age_ms"`
}
