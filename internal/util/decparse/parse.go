// Package decparse 提供热路径上的十进制数解析函数。
// 交易所 WebSocket 消息中的价格和数量均为字符串，统一在此转换为 decimal，
// 避免 float64 中转引入的二进制舍入误差污染余额截断和对账计算。
package decparse

import (
	"github.com/shopspring/decimal"
)

// Parse 解析十进制数字符串
// 参数 s: 待解析的字符串，如 "12345.67"
// 返回: 解析后的 decimal 和可能的错误
func Parse(s string) (decimal.Decimal, error) {
	return decimal.NewFromString(s)
}

// MustParse 解析十进制数字符串，失败时返回 0
// 用于已知格式正确的场景，简化错误处理
// 参数 s: 待解析的字符串
// 返回: 解析后的 decimal，失败返回 0
func MustParse(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return v
}

// ParsePair 解析 [price, size] 形式的字符串对
// 用于解析深度消息中的单个档位
// 参数 px: 价格字符串
// 参数 sz: 数量字符串
// 返回: 价格、数量和可能的错误（任一字段解析失败即返回）
func ParsePair(px, sz string) (decimal.Decimal, decimal.Decimal, error) {
	p, err := decimal.NewFromString(px)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	s, err := decimal.NewFromString(sz)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return p, s, nil
}
