// Package bittrex 源交易所 level2 消息解析。
package bittrex

import (
	"encoding/json"
	"fmt"

	"orderbook-mirror/internal/core/model"
	"orderbook-mirror/internal/util/decparse"
	"orderbook-mirror/internal/venue"
)

// Parser 源交易所消息解析器
type Parser struct{}

// NewParser 创建源交易所消息解析器
func NewParser() *Parser {
	return &Parser{}
}

// Parse 解析一条 WebSocket 行情消息
// 参数 data: 原始消息字节
// 返回: 订单簿事件；非 level2 消息返回 nil
func (p *Parser) Parse(data []byte) (*venue.SourceBookEvent, error) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("解析源交易所消息失败: %w", err)
	}

	var eventType venue.SourceBookEventType
	switch msg.Type {
	case "l2snapshot":
		eventType = venue.SourceBookSnapshot
	case "l2update":
		eventType = venue.SourceBookDelta
	default:
		return nil, nil
	}

	if msg.Market == "" {
		return nil, fmt.Errorf("level2 消息缺少市场标识")
	}

	bids, err := parseLevels(msg.Bids)
	if err != nil {
		return nil, fmt.Errorf("解析买方档位失败: %w", err)
	}
	asks, err := parseLevels(msg.Asks)
	if err != nil {
		return nil, fmt.Errorf("解析卖方档位失败: %w", err)
	}

	return &venue.SourceBookEvent{
		Type:   eventType,
		Market: msg.Market,
		Bids:   bids,
		Asks:   asks,
	}, nil
}

// parseLevels 解析 [[价格, 数量], ...] 形式的档位列表
// 增量消息中数量为 0 的档位保留，由订单簿缓存按删除处理
func parseLevels(raw [][]string) ([]model.PriceLevel, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]model.PriceLevel, 0, len(raw))
	for _, pair := range raw {
		if len(pair) < 2 {
			return nil, fmt.Errorf("档位字段不足: %v", pair)
		}
		price, size, err := decparse.ParsePair(pair[0], pair[1])
		if err != nil {
			return nil, err
		}
		out = append(out, model.PriceLevel{Price: price, Size: size})
	}
	return out, nil
}
