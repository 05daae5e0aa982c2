// Package bittrex 源交易所消息类型定义。
package bittrex

// WSMessage WebSocket 行情消息
type WSMessage struct {
	// Type 消息类型: l2snapshot, l2update, pong
	Type string `json:"type"`
	// Market 市场标识，如 GBYTE-BTC
	Market string `json:"market"`
	// Bids 买方档位，格式 [[价格, 数量], ...]
	Bids [][]string `json:"bids"`
	// Asks 卖方档位，格式 [[价格, 数量], ...]
	Asks [][]string `json:"asks"`
}

// SubscribeRequest 订阅请求
type SubscribeRequest struct {
	// Type 固定为 subscribe
	Type string `json:"type"`
	// Channel 固定为 level2
	Channel string `json:"channel"`
	// Market 市场标识
	Market string `json:"market"`
}

// BalanceEntry 余额查询 REST 响应条目
type BalanceEntry struct {
	// CurrencySymbol 资产标识
	CurrencySymbol string `json:"currencySymbol"`
	// Available 可用余额字符串
	Available string `json:"available"`
}

// CreateOrderRequest 市价单 REST 请求
type CreateOrderRequest struct {
	// MarketSymbol 市场标识
	MarketSymbol string `json:"marketSymbol"`
	// Direction 方向: BUY 或 SELL
	Direction string `json:"direction"`
	// Type 订单类型，固定为 MARKET
	Type string `json:"type"`
	// Quantity 数量字符串（基础资产）
	Quantity string `json:"quantity"`
	// TimeInForce 成交要求，市价单用 IMMEDIATE_OR_CANCEL
	TimeInForce string `json:"timeInForce"`
}

// CreateOrderResponse 市价单 REST 响应
type CreateOrderResponse struct {
	// Status 订单状态: CLOSED 表示已完全成交
	Status string `json:"status"`
	// Proceeds 成交金额字符串（计价资产）
	Proceeds string `json:"proceeds"`
	// Commission 手续费字符串（计价资产）
	Commission string `json:"commission"`
}
