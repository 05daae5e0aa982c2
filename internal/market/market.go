// Package market 负责市场标识解析和三角转换链路校验。
// 市场标识格式为 BASE-QUOTE，如 GBYTE-BTC；
// 启用第二个源市场时要求 second.base == first.quote 构成转换链。
package market

import (
	"fmt"
	"strings"
)

// Pair 交易对
type Pair struct {
	// ID 原始市场标识，如 GBYTE-BTC
	ID string
	// Base 基础资产
	Base string
	// Quote 计价资产
	Quote string
}

// ParsePair 解析市场标识
// 参数 id: 市场标识，格式 BASE-QUOTE
// 返回: 解析后的交易对，格式非法时返回错误
func ParsePair(id string) (Pair, error) {
	parts := strings.Split(id, "-")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Pair{}, fmt.Errorf("非法市场标识: %q，期望格式 BASE-QUOTE", id)
	}
	return Pair{
		ID:    id,
		Base:  strings.ToUpper(parts[0]),
		Quote: strings.ToUpper(parts[1]),
	}, nil
}

// Chain 源市场链路
// 单市场镜像时只有 First；三角转换时 First 为枢轴腿，Second 为中间腿
type Chain struct {
	// First 第一个源市场（枢轴腿）
	First Pair
	// Second 第二个源市场（中间腿），未启用时为零值
	Second Pair
	// Triangulated 是否启用三角转换
	Triangulated bool
}

// NewChain 构建并校验源市场链路
// 参数 firstID: 第一个源市场标识（必填）
// 参数 secondID: 第二个源市场标识（可为空）
// 返回: 校验后的链路；三角转换要求 second.base == first.quote
func NewChain(firstID, secondID string) (Chain, error) {
	first, err := ParsePair(firstID)
	if err != nil {
		return Chain{}, fmt.Errorf("第一个源市场: %w", err)
	}

	if secondID == "" {
		return Chain{First: first}, nil
	}

	second, err := ParsePair(secondID)
	if err != nil {
		return Chain{}, fmt.Errorf("第二个源市场: %w", err)
	}
	if second.Base != first.Quote {
		return Chain{}, fmt.Errorf("三角转换链路断裂: %s 的计价资产 %s 与 %s 的基础资产 %s 不一致",
			first.ID, first.Quote, second.ID, second.Base)
	}

	return Chain{First: first, Second: second, Triangulated: true}, nil
}

// BaseAsset 最终基础资产（目标交易所挂单的基础资产）
func (c Chain) BaseAsset() string {
	return c.First.Base
}

// QuoteAsset 最终计价资产
// 三角转换时为第二腿的计价资产，否则为第一腿的计价资产
func (c Chain) QuoteAsset() string {
	if c.Triangulated {
		return c.Second.Quote
	}
	return c.First.Quote
}

// IntermediateAsset 中间资产（仅三角转换时有意义）
func (c Chain) IntermediateAsset() string {
	return c.First.Quote
}
