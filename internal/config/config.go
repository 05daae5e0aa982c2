// Package config 负责加载和验证 YAML 配置文件。
// 提供应用程序所需的所有配置项，包括源/目标交易所连接、加价比例、
// 余额保留、最小订单数量、再报价阈值等。
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config 应用配置根结构
// 包含所有子模块的配置项
type Config struct {
	// App 应用基础配置
	App AppConfig `yaml:"app"`
	// Source 源交易所配置
	Source SourceConfig `yaml:"source"`
	// Dest 目标交易所配置
	Dest DestConfig `yaml:"dest"`
	// Strategy 做市策略参数配置
	Strategy StrategyConfig `yaml:"strategy"`
	// Journal 审计日志输出配置
	Journal JournalConfig `yaml:"journal"`
}

// AppConfig 应用基础配置
type AppConfig struct {
	// Name 应用名称，用于日志标识
	Name string `yaml:"name"`
	// LogLevel 日志级别: debug, info, warn, error
	LogLevel string `yaml:"log_level"`
	// DryRun 演练模式，抑制真实的源交易所市价单
	DryRun bool `yaml:"dry_run"`
}

// SourceConfig 源交易所配置
type SourceConfig struct {
	// FirstPair 第一个源市场标识（枢轴腿），如 GBYTE-BTC
	FirstPair string `yaml:"first_pair"`
	// SecondPair 第二个源市场标识（中间腿），为空表示不启用三角转换
	SecondPair string `yaml:"second_pair"`
	// WS WebSocket 连接配置
	WS ExchangeWSConfig `yaml:"ws"`
	// RestURL REST API 地址（余额查询、市价单）
	RestURL string `yaml:"rest_url"`
	// APIKey API Key
	APIKey string `yaml:"api_key"`
	// APISecret API Secret
	APISecret string `yaml:"api_secret"`
	// BalanceRefreshMs 余额缓存刷新间隔（毫秒）
	BalanceRefreshMs int `yaml:"balance_refresh_ms"`
	// FeeRate 市价单手续费率（0-1），用于三角对冲第二腿的净额计算
	FeeRate float64 `yaml:"fee_rate"`
	// AlwaysUpdate 源市场流动性不足时强制每次更新（绕过再报价阈值）
	AlwaysUpdate bool `yaml:"always_update"`
}

// DestConfig 目标交易所配置
type DestConfig struct {
	// Pair 目标交易所挂单交易对，如 GBYTE-OUSD
	Pair string `yaml:"pair"`
	// WS WebSocket 连接配置
	WS ExchangeWSConfig `yaml:"ws"`
	// RestURL REST API 地址（下单、撤单、余额）
	RestURL string `yaml:"rest_url"`
	// BalanceScale 各资产余额的整数缩放因子，如 {"OUSD": 1e8, "GBYTE": 1e9}
	BalanceScale map[string]float64 `yaml:"balance_scale"`
}

// ExchangeWSConfig 单个交易所的 WebSocket 配置
type ExchangeWSConfig struct {
	// URL WebSocket 连接地址
	URL string `yaml:"url"`
	// PingIntervalMs 心跳间隔（毫秒）
	PingIntervalMs int `yaml:"ping_interval_ms"`
	// PongTimeoutMs 心跳响应超时（毫秒）
	PongTimeoutMs int `yaml:"pong_timeout_ms"`
}

// StrategyConfig 做市策略参数配置
type StrategyConfig struct {
	// MarkupPct 加价比例（百分比），目标买单价 = 源价 × (1 - markup/100)
	MarkupPct float64 `yaml:"markup_pct"`
	// HysteresisPct 再报价阈值（百分比），最优价相对变动超过此值才重算该侧
	// 为 0 时默认取 markup 的一半
	HysteresisPct float64 `yaml:"hysteresis_pct"`
	// MinDestBaseReserve 目标交易所基础资产最低保留
	MinDestBaseReserve float64 `yaml:"min_dest_base_reserve"`
	// MinDestQuoteReserve 目标交易所计价资产最低保留
	MinDestQuoteReserve float64 `yaml:"min_dest_quote_reserve"`
	// MinSourceBaseReserve 源交易所基础资产最低保留
	MinSourceBaseReserve float64 `yaml:"min_source_base_reserve"`
	// MinSourceQuoteReserve 源交易所计价资产最低保留
	MinSourceQuoteReserve float64 `yaml:"min_source_quote_reserve"`
	// MinDestOrderSize 目标交易所最小订单数量（基础资产）
	MinDestOrderSize float64 `yaml:"min_dest_order_size"`
	// MinSourceOrderSize 源交易所最小订单数量（基础资产），对冲队列的阈值
	MinSourceOrderSize float64 `yaml:"min_source_order_size"`
}

// JournalConfig 审计日志输出配置
type JournalConfig struct {
	// Enabled 是否输出审计日志
	Enabled bool `yaml:"enabled"`
	// Dir 输出目录
	Dir string `yaml:"dir"`
	// BufferSize 异步写入缓冲区大小
	BufferSize int `yaml:"buffer_size"`
}

// Load 从文件加载配置并验证
// 参数 path: 配置文件路径
// 返回: 解析后的配置对象，若失败则返回错误
func Load(path string) (*Config, error) {
	// 读取配置文件
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	// 解析 YAML
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	// 设置默认值
	cfg.setDefaults()

	// 验证配置
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	return &cfg, nil
}

// setDefaults 设置配置默认值
func (c *Config) setDefaults() {
	// 应用默认值
	if c.App.Name == "" {
		c.App.Name = "orderbook-mirror"
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}

	// 源交易所默认值
	if c.Source.BalanceRefreshMs == 0 {
		c.Source.BalanceRefreshMs = 60000 // 60 秒
	}
	if c.Source.WS.PingIntervalMs == 0 {
		c.Source.WS.PingIntervalMs = 25000 // 25 秒
	}
	if c.Source.WS.PongTimeoutMs == 0 {
		c.Source.WS.PongTimeoutMs = 10000 // 10 秒
	}

	// 目标交易所默认值
	if c.Dest.WS.PingIntervalMs == 0 {
		c.Dest.WS.PingIntervalMs = 25000
	}
	if c.Dest.WS.PongTimeoutMs == 0 {
		c.Dest.WS.PongTimeoutMs = 10000
	}

	// 策略默认值
	if c.Strategy.MarkupPct == 0 {
		c.Strategy.MarkupPct = 2 // 2%
	}
	if c.Strategy.HysteresisPct == 0 {
		c.Strategy.HysteresisPct = c.Strategy.MarkupPct / 2
	}
	if c.Strategy.MinDestOrderSize == 0 {
		c.Strategy.MinDestOrderSize = 0.01
	}
	if c.Strategy.MinSourceOrderSize == 0 {
		c.Strategy.MinSourceOrderSize = 0.2
	}

	// 审计日志默认值
	if c.Journal.Dir == "" {
		c.Journal.Dir = "./output"
	}
	if c.Journal.BufferSize == 0 {
		c.Journal.BufferSize = 1000
	}
}

// Validate 验证配置合法性
// 检查所有必填项和数值范围
// 返回: 若配置无效则返回描述性错误
func (c *Config) Validate() error {
	var errs []string

	// 验证源市场配置
	if c.Source.FirstPair == "" {
		errs = append(errs, "source.first_pair: 第一个源市场不能为空")
	}
	if c.Source.WS.URL == "" {
		errs = append(errs, "source.ws.url: 源交易所 WebSocket 地址不能为空")
	}
	if c.Source.RestURL == "" {
		errs = append(errs, "source.rest_url: 源交易所 REST 地址不能为空")
	}
	if c.Source.FeeRate < 0 || c.Source.FeeRate > 1 {
		errs = append(errs, fmt.Sprintf("source.fee_rate: 费率必须在 0-1 之间，当前值: %f", c.Source.FeeRate))
	}
	if c.Source.BalanceRefreshMs < 0 {
		errs = append(errs, "source.balance_refresh_ms: 刷新间隔不能为负数")
	}

	// 验证目标交易所配置
	if c.Dest.Pair == "" {
		errs = append(errs, "dest.pair: 目标交易所交易对不能为空")
	}
	if c.Dest.WS.URL == "" {
		errs = append(errs, "dest.ws.url: 目标交易所 WebSocket 地址不能为空")
	}
	if c.Dest.RestURL == "" {
		errs = append(errs, "dest.rest_url: 目标交易所 REST 地址不能为空")
	}

	// 验证策略参数
	if c.Strategy.MarkupPct <= 0 {
		errs = append(errs, "strategy.markup_pct: 加价比例必须为正数")
	}
	if c.Strategy.MarkupPct >= 100 {
		errs = append(errs, "strategy.markup_pct: 加价比例必须小于 100")
	}
	if c.Strategy.HysteresisPct < 0 {
		errs = append(errs, "strategy.hysteresis_pct: 再报价阈值不能为负数")
	}
	if c.Strategy.MinDestOrderSize <= 0 {
		errs = append(errs, "strategy.min_dest_order_size: 目标最小订单数量必须为正数")
	}
	if c.Strategy.MinSourceOrderSize <= 0 {
		errs = append(errs, "strategy.min_source_order_size: 源最小订单数量必须为正数")
	}
	if c.Strategy.MinDestBaseReserve < 0 || c.Strategy.MinDestQuoteReserve < 0 ||
		c.Strategy.MinSourceBaseReserve < 0 || c.Strategy.MinSourceQuoteReserve < 0 {
		errs = append(errs, "strategy.*_reserve: 余额保留不能为负数")
	}

	// 验证日志级别
	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[strings.ToLower(c.App.LogLevel)] {
		errs = append(errs, fmt.Sprintf("app.log_level: 无效的日志级别 '%s'，有效值: debug, info, warn, error", c.App.LogLevel))
	}

	if len(errs) > 0 {
		return fmt.Errorf("配置验证错误:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}
