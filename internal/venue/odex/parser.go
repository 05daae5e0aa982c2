// Package odex 目标交易所消息解析。
// 错误文本在此处映射为错误种类枚举，引擎核心不做字符串匹配；
// 成交数量在此处按基础资产精度从整数缩放为十进制数。
package odex

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"orderbook-mirror/internal/core/model"
	"orderbook-mirror/internal/venue"
)

// 交易所错误文本的分类规则
var (
	reCancelFilled    = regexp.MustCompile(`Cannot cancel order .+\. Status is FILLED`)
	reCancelCancelled = regexp.MustCompile(`Cannot cancel order .+\. Status is CANCELLED`)
	reCancelNotFound  = regexp.MustCompile(`failed to find the order to be cancelled`)
	reInsufficient    = regexp.MustCompile(`(?s)^Insufficient.+open orders:\n(.*)$`)
	reUnknownOrder    = regexp.MustCompile(`unknown order`)
	reLineHash        = regexp.MustCompile(`^\S+`)
)

// Parser 目标交易所消息解析器
type Parser struct {
	// baseScale 基础资产整数缩放因子（成交数量换算用）
	baseScale decimal.Decimal
}

// NewParser 创建目标交易所消息解析器
// 参数 baseScale: 基础资产整数缩放因子，如 1e9；非正数时取 1
func NewParser(baseScale float64) *Parser {
	scale := decimal.NewFromFloat(baseScale)
	if !scale.IsPositive() {
		scale = decimal.NewFromInt(1)
	}
	return &Parser{baseScale: scale}
}

// Parse 解析一条 WebSocket 消息
// 参数 data: 原始消息字节
// 返回: 目标交易所事件；非 orders 频道的消息返回 nil
func (p *Parser) Parse(data []byte) (*venue.DestEvent, error) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("解析目标交易所消息失败: %w", err)
	}
	if msg.Channel != "orders" {
		return nil, nil
	}

	switch msg.Event.Type {
	case "ORDER_ADDED":
		return p.parseOrderEvent(venue.DestOrderAdded, msg.Event.Payload)
	case "ORDER_CANCELLED":
		return p.parseOrderEvent(venue.DestOrderCancelled, msg.Event.Payload)
	case "ORDER_MATCHED":
		return p.parseMatches(msg.Event.Payload)
	case "ERROR":
		return p.parseError(msg.Event.Payload)
	case "RESET_ORDERS":
		return &venue.DestEvent{Type: venue.DestResetOrders}, nil
	default:
		return nil, nil
	}
}

// parseOrderEvent 解析 ORDER_ADDED/ORDER_CANCELLED 事件
func (p *Parser) parseOrderEvent(eventType venue.DestEventType, payload json.RawMessage) (*venue.DestEvent, error) {
	var order OrderPayload
	if err := json.Unmarshal(payload, &order); err != nil {
		return nil, fmt.Errorf("解析订单事件负载失败: %w", err)
	}
	return &venue.DestEvent{
		Type:      eventType,
		OrderHash: order.Hash,
		Price:     order.Price,
		Status:    order.Status,
	}, nil
}

// parseMatches 解析 ORDER_MATCHED 事件
// 成交数量按基础资产精度缩放为十进制数
func (p *Parser) parseMatches(payload json.RawMessage) (*venue.DestEvent, error) {
	var m MatchesPayload
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("解析成交匹配负载失败: %w", err)
	}
	// 成交与 maker 订单按下标对应，长度不足说明负载已损坏
	if len(m.Matches.MakerOrders) < len(m.Matches.Trades) {
		return nil, fmt.Errorf("成交匹配负载损坏: trades=%d makerOrders=%d",
			len(m.Matches.Trades), len(m.Matches.MakerOrders))
	}

	match := &model.TradeMatch{
		Trades:     make([]model.Trade, 0, len(m.Matches.Trades)),
		MakerSides: make([]model.Side, 0, len(m.Matches.MakerOrders)),
		TakerSide:  model.Side(m.Matches.TakerOrder.Side),
	}
	for _, t := range m.Matches.Trades {
		match.Trades = append(match.Trades, model.Trade{
			MakerOrderHash: t.MakerOrderHash,
			TakerOrderHash: t.TakerOrderHash,
			Amount:         decimal.NewFromInt(t.Amount).Div(p.baseScale),
		})
	}
	for _, o := range m.Matches.MakerOrders {
		match.MakerSides = append(match.MakerSides, model.Side(o.Side))
	}

	return &venue.DestEvent{
		Type:    venue.DestOrderMatched,
		Matches: match,
	}, nil
}

// parseError 解析 ERROR 事件
// 负载为错误文本字符串，按分类规则映射为错误种类
func (p *Parser) parseError(payload json.RawMessage) (*venue.DestEvent, error) {
	var msg string
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("解析错误事件负载失败: %w", err)
	}
	return &venue.DestEvent{
		Type: venue.DestError,
		Err:  ClassifyError(msg),
	}, nil
}

// ClassifyError 将交易所错误文本映射为带种类的错误
// 余额不足错误会附带交易所视角的挂单哈希列表，供诊断倾倒使用
func ClassifyError(msg string) *venue.Error {
	switch {
	case reCancelFilled.MatchString(msg):
		return &venue.Error{Kind: venue.ErrKindCancelFilled, Msg: msg}
	case reCancelCancelled.MatchString(msg):
		return &venue.Error{Kind: venue.ErrKindCancelCancelled, Msg: msg}
	case reCancelNotFound.MatchString(msg):
		return &venue.Error{Kind: venue.ErrKindCancelNotFound, Msg: msg}
	case reUnknownOrder.MatchString(msg):
		return &venue.Error{Kind: venue.ErrKindUnknownOrder, Msg: msg}
	}

	if matches := reInsufficient.FindStringSubmatch(msg); matches != nil {
		return &venue.Error{
			Kind:        venue.ErrKindInsufficientBalance,
			Msg:         msg,
			OrderHashes: extractOrderHashes(matches[1]),
		}
	}

	return &venue.Error{Kind: venue.ErrKindUnknown, Msg: msg}
}

// extractOrderHashes 从余额不足错误附带的挂单列表中提取订单哈希
// 每行格式: "<hash>: <size> at <price>"
func extractOrderHashes(lines string) []string {
	var hashes []string
	for _, line := range strings.Split(lines, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if hash := reLineHash.FindString(line); hash != "" {
			hashes = append(hashes, strings.TrimSuffix(hash, ":"))
		}
	}
	return hashes
}
