// Package model 定义做市引擎中使用的核心数据结构。
// 包含订单簿档位、合成订单、成交匹配等核心类型。
package model

import (
	"github.com/shopspring/decimal"
)

// Side 订单方向
type Side string

const (
	// SideBuy 买入方向
	SideBuy Side = "BUY"
	// SideSell 卖出方向
	SideSell Side = "SELL"
)

// Opposite 获取相反方向
// 用于根据目标交易所的成交方向推导源交易所的对冲方向
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// PriceLevel 订单簿深度档位
// 表示某一价格档位的价格和数量；数量为 0 表示删除该档位
type PriceLevel struct {
	// Price 价格
	Price decimal.Decimal
	// Size 数量
	Size decimal.Decimal
}

// PriceKey 获取价格的规范化字符串表示
// 用作按源价格索引的 map key，保证同一价格只有一个键
func (l PriceLevel) PriceKey() string {
	return l.Price.String()
}

// CompositeOrder 合成订单簿档位
// 由一个或两个源市场的订单簿经余额截断（和可选的三角转换）派生，
// 每次重建都从头生成，不跨重建持久化
type CompositeOrder struct {
	// Price 合成价格（最终计价资产）
	// 三角转换时为 leg2.price × leg1.price
	Price decimal.Decimal
	// Size 可挂出的数量（最终基础资产）
	Size decimal.Decimal
	// PivotSize 三角转换时从中间腿消耗的数量（中间资产计）
	// 仅在启用第二个源市场时有效
	PivotSize decimal.Decimal
}

// PriceKey 获取合成价格的规范化字符串表示
func (o CompositeOrder) PriceKey() string {
	return o.Price.String()
}

// Trade 目标交易所单笔成交
type Trade struct {
	// MakerOrderHash maker 方订单哈希
	MakerOrderHash string
	// TakerOrderHash taker 方订单哈希
	TakerOrderHash string
	// Amount 成交数量（基础资产，已按精度换算）
	Amount decimal.Decimal
}

// TradeMatch 目标交易所成交匹配通知
// 一次撮合可能包含多笔成交；MakerSides 与 Trades 按下标对应
type TradeMatch struct {
	// Trades 成交列表
	Trades []Trade
	// MakerSides 各笔成交 maker 方订单的方向（与 Trades 对应）
	MakerSides []Side
	// TakerSide taker 方订单的方向（一次撮合只有一个 taker）
	TakerSide Side
}
