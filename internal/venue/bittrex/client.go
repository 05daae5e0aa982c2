// Package bittrex 实现源交易所的 WebSocket + REST 客户端。
// WebSocket 承载 level2 订单簿流，REST 承载余额查询和对冲市价单；
// REST 鉴权: Api-Key + HMAC-SHA512 签名（timestamp + uri + method + contentHash）。
package bittrex

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
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
	"orderbook-mirror/internal/util/decparse"
	"orderbook-mirror/internal/util/timeutil"
	"orderbook-mirror/internal/venue"
)

// Client 源交易所客户端
type Client struct {
	// cfg 源交易所配置
	cfg *config.SourceConfig
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
	// bookCh 订单簿事件输出通道
	bookCh chan *venue.SourceBookEvent
	// backoff 重连退避
	backoff *backoff.Backoff
	// closed 是否已关闭
	closed int32

	// balances 余额缓存
	balances *balanceCache

	// subscribed 已订阅的市场（重连后自动重新订阅）
	subscribed []string
	// subscribedMu 订阅列表锁
	subscribedMu sync.Mutex

	// lastPingSentNs 上次发送 ping 的时间（纳秒）
	lastPingSentNs int64
	// lastPongRecvNs 上次收到 pong 的时间（纳秒）
	lastPongRecvNs int64

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

// NewClient 创建源交易所客户端
// 参数 cfg: 源交易所配置
// 参数 logger: 日志记录器
func NewClient(cfg *config.SourceConfig, logger *zap.Logger) *Client {
	c := &Client{
		cfg:     cfg,
		parser:  NewParser(),
		logger:  logger.Named("bittrex"),
		http:    &http.Client{Timeout: 10 * time.Second},
		bookCh:  make(chan *venue.SourceBookEvent, 1000),
		backoff: backoff.NewDefault(),
	}
	c.balances = newBalanceCache(
		c.fetchBalances,
		time.Duration(cfg.BalanceRefreshMs)*time.Millisecond,
		c.logger,
	)
	return c
}

// Start 建立连接、完成首次余额拉取并启动主循环
// 参数 ctx: 上下文，用于取消所有后台循环
func (c *Client) Start(ctx context.Context) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	if err := c.balances.start(ctx); err != nil {
		return fmt.Errorf("首次拉取源交易所余额失败: %w", err)
	}
	go c.Run(ctx)
	return nil
}

// Connect 建立 WebSocket 连接
func (c *Client) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, c.cfg.WS.URL, nil)
	if err != nil {
		return fmt.Errorf("连接源交易所 WebSocket 失败: %w", err)
	}

	conn.SetPongHandler(func(string) error {
		atomic.StoreInt64(&c.lastPongRecvNs, timeutil.NowNano())
		return nil
	})

	c.conn = conn
	c.backoff.Reset()
	c.logger.Info("源交易所 WebSocket 连接成功", zap.String("url", c.cfg.WS.URL))
	return nil
}

// Run 启动客户端主循环
func (c *Client) Run(ctx context.Context) {
	go c.heartbeatLoop(ctx)
	c.readLoop(ctx)
}

// readLoop 读取循环
// 读取失败时退避重连；重连后重新订阅，服务端会重发快照
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
			c.logger.Warn("读取源交易所消息失败", zap.Error(err))
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

		select {
		case c.bookCh <- event:
		default:
			c.logger.Warn("源交易所事件通道已满，丢弃事件",
				zap.String("market", event.Market),
			)
		}
	}
}

// heartbeatLoop 心跳循环
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
				c.logger.Warn("发送源交易所 ping 失败", zap.Error(err))
				continue
			}
			atomic.StoreInt64(&c.lastPingSentNs, pingTime)
			c.connMu.Unlock()

			lastPing := atomic.LoadInt64(&c.lastPingSentNs)
			lastPong := atomic.LoadInt64(&c.lastPongRecvNs)
			if lastPing > 0 && lastPong < lastPing {
				if timeutil.NowNano()-lastPing > int64(c.cfg.WS.PongTimeoutMs)*1_000_000 {
					c.logger.Warn("源交易所心跳超时，触发重连")
					c.closeConn()
				}
			}
		}
	}
}

// reconnect 重连并重新订阅全部市场
func (c *Client) reconnect(ctx context.Context) {
	c.closeConn()
	atomic.AddInt64(&c.reconnectCount, 1)

	delay := c.backoff.Next()
	c.logger.Info("源交易所准备重连", zap.Duration("delay", delay))

	select {
	case <-ctx.Done():
		return
	case <-time.After(delay):
	}

	if err := c.Connect(ctx); err != nil {
		c.logger.Error("源交易所重连失败", zap.Error(err))
		return
	}

	c.subscribedMu.Lock()
	markets := append([]string(nil), c.subscribed...)
	c.subscribedMu.Unlock()
	for _, market := range markets {
		if err := c.sendSubscribe(market); err != nil {
			c.logger.Error("源交易所重新订阅失败",
				zap.String("market", market),
				zap.Error(err),
			)
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
	close(c.bookCh)
	c.logger.Info("源交易所客户端已关闭")
	return nil
}

// SubscribeLevel2 订阅指定市场的 level2 订单簿
// 订阅成功后服务端先发一条全量快照，随后持续推送增量
func (c *Client) SubscribeLevel2(_ context.Context, market string) error {
	if err := c.sendSubscribe(market); err != nil {
		return err
	}

	c.subscribedMu.Lock()
	c.subscribed = append(c.subscribed, market)
	c.subscribedMu.Unlock()

	c.logger.Info("源交易所订阅请求已发送", zap.String("market", market))
	return nil
}

// sendSubscribe 发送订阅请求
func (c *Client) sendSubscribe(market string) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("WebSocket 未连接")
	}

	data, err := json.Marshal(SubscribeRequest{
		Type:    "subscribe",
		Channel: "level2",
		Market:  market,
	})
	if err != nil {
		return fmt.Errorf("序列化订阅请求失败: %w", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("发送订阅请求失败: %w", err)
	}
	return nil
}

// BookEvents 获取订单簿事件通道
func (c *Client) BookEvents() <-chan *venue.SourceBookEvent {
	return c.bookCh
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

// FreeBalance 查询指定资产的可用余额（缓存值）
func (c *Client) FreeBalance(_ context.Context, asset string) (decimal.Decimal, error) {
	return c.balances.free(asset), nil
}

// CreateMarketOrder 按市价下单并在成交后刷新余额缓存
// 参数 pair: 交易对，如 GBYTE-BTC
// 参数 side: 方向
// 参数 size: 数量（基础资产）
func (c *Client) CreateMarketOrder(ctx context.Context, pair string, side model.Side, size decimal.Decimal) (venue.MarketOrderResult, error) {
	req := CreateOrderRequest{
		MarketSymbol: pair,
		Direction:    string(side),
		Type:         "MARKET",
		Quantity:     size.String(),
		TimeInForce:  "IMMEDIATE_OR_CANCEL",
	}
	var resp CreateOrderResponse
	if err := c.doJSON(ctx, http.MethodPost, "/orders", req, &resp); err != nil {
		return venue.MarketOrderResult{}, fmt.Errorf("源交易所市价单失败: %w", err)
	}

	// 市价单改变余额，立即刷新缓存
	if err := c.balances.refresh(ctx); err != nil {
		c.logger.Warn("市价单后刷新余额失败", zap.Error(err))
	}

	return venue.MarketOrderResult{
		Status:  strings.ToLower(resp.Status),
		Cost:    decparse.MustParse(resp.Proceeds),
		FeeCost: decparse.MustParse(resp.Commission),
	}, nil
}

// fetchBalances 通过 REST 拉取全部资产余额
func (c *Client) fetchBalances(ctx context.Context) (map[string]decimal.Decimal, error) {
	var entries []BalanceEntry
	if err := c.doJSON(ctx, http.MethodGet, "/balances", nil, &entries); err != nil {
		return nil, err
	}

	out := make(map[string]decimal.Decimal, len(entries))
	for _, e := range entries {
		out[e.CurrencySymbol] = decparse.MustParse(e.Available)
	}
	return out, nil
}

// doJSON 执行一次带签名的 JSON REST 请求
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("序列化请求失败: %w", err)
		}
		payload = data
	}

	url := c.cfg.RestURL + path
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("构建请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.sign(req, method, url, payload)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("源交易所 REST 错误 %d: %s", resp.StatusCode, string(data))
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("解析响应失败: %w", err)
		}
	}
	return nil
}

// sign 为请求附加鉴权头
// 签名串: timestamp + uri + method + SHA512(body)
func (c *Client) sign(req *http.Request, method, url string, payload []byte) {
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)

	contentHash := sha512.Sum512(payload)
	contentHashHex := hex.EncodeToString(contentHash[:])

	mac := hmac.New(sha512.New, []byte(c.cfg.APISecret))
	mac.Write([]byte(timestamp + url + method + contentHashHex))

	req.Header.Set("Api-Key", c.cfg.APIKey)
	req.Header.Set("Api-Timestamp", timestamp)
	req.Header.Set("Api-Content-Hash", contentHashHex)
	req.Header.Set("Api-Signature", hex.EncodeToString(mac.Sum(nil)))
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
	c.logger.Warn("解析源交易所消息失败（采样）", zap.Error(err), zap.ByteString("data", sample))
}
