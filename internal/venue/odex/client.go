// Package odex 实现目标交易所的 WebSocket + REST 客户端。
// WebSocket 承载订单与成交事件流，REST 承载下单、撤单和余额查询；
// 心跳机制: 控制帧 ping/pong，断连后指数退避重连并自动重新订阅。
package odex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"orderbook-mirror/internal/config"
	"orderbook-mirror/internal/core/model"
	"orderbook-mirror/internal/util/backoff"
	"orderbook-mirror/internal/util/timeutil"
	"orderbook-mirror/internal/venue"
)

// Client 目标交易所客户端
type Client struct {
	// cfg 目标交易所配置
	cfg *config.DestConfig
	// parser 消息解析器
	parser *Parser
	// logger 日志记录器
	logger *zap.Logger
	// http REST 客户端
	http *http.Client
	// conn WebSocket 连接
	conn *websocket.Conn
	// connMu 连接锁
	connMu sync.Mutex
	// eventCh 事件输出通道
	eventCh chan *venue.DestEvent
	// backoff 重连退避
	backoff *backoff.Backoff
	// closed 是否已关闭
	closed int32

	// subscribedPair 已订阅的交易对（重连后自动重新订阅）
	subscribedPair atomic.Value

	// myOrders 交易所视角的本账户挂单哈希集合
	myOrders map[string]struct{}
	// myOrdersMu 挂单集合锁
	myOrdersMu sync.Mutex

	// lastPongRecvNs 上次收到 pong 的时间（纳秒）
	lastPongRecvNs int64
	// lastPingSentNs 上次发送 ping 的时间（纳秒）
	lastPingSentNs int64

	// parseErrSampleCount 解析错误计数（用于采样日志）
	parseErrSampleCount uint64
	// lastParseErrLogNs 上次解析错误日志时间（纳秒）
	lastParseErrLogNs int64

	// messageCount 收到的消息总数
	messageCount int64
	// reconnectCount 重连次数
	reconnectCount int64
	// lastMsgNs 最后消息时间（纳秒）
	lastMsgNs int64
}

// NewClient 创建目标交易所客户端
// 参数 cfg: 目标交易所配置
// 参数 logger: 日志记录器
func NewClient(cfg *config.DestConfig, logger *zap.Logger) *Client {
	base := strings.SplitN(cfg.Pair, "-", 2)[0]
	return &Client{
		cfg:      cfg,
		parser:   NewParser(cfg.BalanceScale[base]),
		logger:   logger.Named("odex"),
		http:     &http.Client{Timeout: 10 * time.Second},
		eventCh:  make(chan *venue.DestEvent, 1000),
		backoff:  backoff.NewDefault(),
		myOrders: make(map[string]struct{}),
	}
}

// Connect 建立 WebSocket 连接
// 参数 ctx: 上下文，用于取消连接
func (c *Client) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, c.cfg.WS.URL, nil)
	if err != nil {
		return fmt.Errorf("连接目标交易所 WebSocket 失败: %w", err)
	}

	conn.SetPongHandler(func(string) error {
		atomic.StoreInt64(&c.lastPongRecvNs, timeutil.NowNano())
		return nil
	})

	c.conn = conn
	c.backoff.Reset()
	c.logger.Info("目标交易所 WebSocket 连接成功", zap.String("url", c.cfg.WS.URL))
	return nil
}

// Run 启动客户端主循环
// 包含读取循环和心跳循环
func (c *Client) Run(ctx context.Context) {
	go c.heartbeatLoop(ctx)
	c.readLoop(ctx)
}

// readLoop 读取循环
// 读取失败时发出断连事件并退避重连
func (c *Client) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if atomic.LoadInt32(&c.closed) == 1 {
			return
		}

		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()

		if conn == nil {
			c.reconnect(ctx)
			continue
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			c.logger.Warn("读取目标交易所消息失败", zap.Error(err))
			c.emit(&venue.DestEvent{Type: venue.DestDisconnected})
			c.reconnect(ctx)
			continue
		}

		atomic.AddInt64(&c.messageCount, 1)
		atomic.StoreInt64(&c.lastMsgNs, timeutil.NowNano())

		event, err := c.parser.Parse(data)
		if err != nil {
			c.maybeLogParseError(err, data)
			continue
		}
		if event == nil {
			continue
		}

		c.applyOrderBookkeeping(event)
		c.emit(event)
	}
}

// applyOrderBookkeeping 按事件维护交易所视角的挂单集合
func (c *Client) applyOrderBookkeeping(event *venue.DestEvent) {
	switch event.Type {
	case venue.DestOrderAdded:
		c.myOrdersMu.Lock()
		c.myOrders[event.OrderHash] = struct{}{}
		c.myOrdersMu.Unlock()
	case venue.DestOrderCancelled:
		c.myOrdersMu.Lock()
		delete(c.myOrders, event.OrderHash)
		c.myOrdersMu.Unlock()
	}
}

// emit 发送事件到通道
func (c *Client) emit(event *venue.DestEvent) {
	select {
	case c.eventCh <- event:
	default:
		c.logger.Warn("目标交易所事件通道已满，丢弃事件",
			zap.Int("type", int(event.Type)),
		)
	}
}

// heartbeatLoop 心跳循环
// 定期发送控制帧 ping，超时未收到 pong 时关闭连接触发重连
func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(c.cfg.WS.PingIntervalMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if atomic.LoadInt32(&c.closed) == 1 {
				return
			}

			c.connMu.Lock()
			conn := c.conn
			if conn == nil {
				c.connMu.Unlock()
				continue
			}
			pingTime := timeutil.NowNano()
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				c.connMu.Unlock()
				c.logger.Warn("发送目标交易所 ping 失败", zap.Error(err))
				continue
			}
			atomic.StoreInt64(&c.lastPingSentNs, pingTime)
			c.connMu.Unlock()

			lastPing := atomic.LoadInt64(&c.lastPingSentNs)
			lastPong := atomic.LoadInt64(&c.lastPongRecvNs)
			if lastPing > 0 && lastPong < lastPing {
				if timeutil.NowNano()-lastPing > int64(c.cfg.WS.PongTimeoutMs)*1_000_000 {
					c.logger.Warn("目标交易所心跳超时，触发重连")
					c.closeConn()
				}
			}
		}
	}
}

// reconnect 重连并重新订阅
func (c *Client) reconnect(ctx context.Context) {
	c.closeConn()
	atomic.AddInt64(&c.reconnectCount, 1)

	delay := c.backoff.Next()
	c.logger.Info("目标交易所准备重连", zap.Duration("delay", delay))

	select {
	case <-ctx.Done():
		return
	case <-time.After(delay):
	}

	if err := c.Connect(ctx); err != nil {
		c.logger.Error("目标交易所重连失败", zap.Error(err))
		return
	}

	if pair, ok := c.subscribedPair.Load().(string); ok && pair != "" {
		if err := c.SubscribeOrdersAndTrades(ctx, pair); err != nil {
			c.logger.Error("目标交易所重新订阅失败", zap.Error(err))
		}
	}
}

// closeConn 关闭连接
func (c *Client) closeConn() {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// Close 关闭客户端
func (c *Client) Close() error {
	atomic.StoreInt32(&c.closed, 1)
	c.closeConn()
	close(c.eventCh)
	c.logger.Info("目标交易所客户端已关闭")
	return nil
}

// SubscribeOrdersAndTrades 订阅指定交易对的订单与成交事件
func (c *Client) SubscribeOrdersAndTrades(_ context.Context, pair string) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("WebSocket 未连接")
	}

	payload, err := json.Marshal(SubscribePayload{Name: pair})
	if err != nil {
		return fmt.Errorf("序列化订阅请求失败: %w", err)
	}
	msg := WSMessage{
		Channel: "orders",
		Event:   WSEvent{Type: "SUBSCRIBE", Payload: payload},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("序列化订阅消息失败: %w", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("发送订阅请求失败: %w", err)
	}

	c.subscribedPair.Store(pair)
	c.logger.Info("目标交易所订阅请求已发送", zap.String("pair", pair))
	return nil
}

// Events 获取事件通道
func (c *Client) Events() <-chan *venue.DestEvent {
	return c.eventCh
}

// Metrics 获取连接指标快照
func (c *Client) Metrics() ConnectionMetrics {
	m := ConnectionMetrics{
		MessageCount:    atomic.LoadInt64(&c.messageCount),
		ReconnectCount:  atomic.LoadInt64(&c.reconnectCount),
		ParseErrorCount: int64(atomic.LoadUint64(&c.parseErrSampleCount)),
	}
	if last := atomic.LoadInt64(&c.lastMsgNs); last > 0 {
		m.LastMessageAgeMs = (timeutil.NowNano() - last) / 1_000_000
	}
	return m
}

// Balances 查询所有资产余额
// 交易所返回整数表示，按配置的缩放因子换算为十进制数
func (c *Client) Balances(ctx context.Context) (map[string]decimal.Decimal, error) {
	var raw BalancesResponse
	if err := c.doJSON(ctx, http.MethodGet, "/account/balances", nil, &raw); err != nil {
		return nil, fmt.Errorf("查询目标交易所余额失败: %w", err)
	}

	out := make(map[string]decimal.Decimal, len(raw))
	for asset, amount := range raw {
		scale := decimal.NewFromFloat(c.cfg.BalanceScale[asset])
		if !scale.IsPositive() {
			scale = decimal.NewFromInt(1)
		}
		out[asset] = decimal.NewFromInt(amount).Div(scale)
	}
	return out, nil
}

// CreateOrder 挂出限价单
// 返回: 订单哈希
func (c *Client) CreateOrder(ctx context.Context, pair string, side model.Side, size, price decimal.Decimal) (string, error) {
	req := CreateOrderRequest{
		PairName: pair,
		Side:     string(side),
		Amount:   size.String(),
		Price:    price.String(),
	}
	var resp CreateOrderResponse
	if err := c.doJSON(ctx, http.MethodPost, "/orders", req, &resp); err != nil {
		return "", err
	}

	c.myOrdersMu.Lock()
	c.myOrders[resp.Hash] = struct{}{}
	c.myOrdersMu.Unlock()
	return resp.Hash, nil
}

// CancelOrder 取消指定订单
func (c *Client) CancelOrder(ctx context.Context, hash string) error {
	if err := c.doJSON(ctx, http.MethodPost, "/orders/cancel", CancelOrderRequest{Hash: hash}, nil); err != nil {
		return err
	}

	c.myOrdersMu.Lock()
	delete(c.myOrders, hash)
	c.myOrdersMu.Unlock()
	return nil
}

// TrackMyOrders 拉取交易所记录的本账户全部挂单
func (c *Client) TrackMyOrders(ctx context.Context) error {
	var resp MyOrdersResponse
	if err := c.doJSON(ctx, http.MethodGet, "/account/orders", nil, &resp); err != nil {
		return fmt.Errorf("拉取本账户挂单失败: %w", err)
	}

	c.myOrdersMu.Lock()
	for _, order := range resp.Orders {
		c.myOrders[order.Hash] = struct{}{}
	}
	c.myOrdersMu.Unlock()

	c.logger.Info("已同步本账户挂单", zap.Int("count", len(resp.Orders)))
	return nil
}

// MyOrderHashes 获取交易所当前归属本账户的全部订单哈希
func (c *Client) MyOrderHashes() []string {
	c.myOrdersMu.Lock()
	defer c.myOrdersMu.Unlock()

	out := make([]string, 0, len(c.myOrders))
	for hash := range c.myOrders {
		out = append(out, hash)
	}
	return out
}

// doJSON 执行一次 JSON REST 请求
// 非 2xx 响应的正文按错误文本分类规则映射为带种类的错误
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("序列化请求失败: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.RestURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("构建请求失败: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &venue.Error{Kind: venue.ErrKindTransient, Msg: err.Error()}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &venue.Error{Kind: venue.ErrKindTransient, Msg: err.Error()}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ClassifyError(string(data))
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("解析响应失败: %w", err)
		}
	}
	return nil
}

// maybeLogParseError 采样记录解析错误原始消息，避免刷盘
// 采样策略：每 100 次错误记录 1 条，且同一类日志至少间隔 1 分钟。
func (c *Client) maybeLogParseError(err error, data []byte) {
	count := atomic.AddUint64(&c.parseErrSampleCount, 1)
	if count%100 != 1 {
		return
	}

	nowNs := timeutil.NowNano()
	last := atomic.LoadInt64(&c.lastParseErrLogNs)
	if last > 0 && nowNs-last < int64(time.Minute) {
		return
	}
	atomic.StoreInt64(&c.lastParseErrLogNs, nowNs)

	sample := data
	if len(sample) > 200 {
		sample = sample[:200]
	}
	c.logger.Warn("解析目标交易所消息失败（采样）", zap.Error(err), zap.ByteString("data", sample))
}
