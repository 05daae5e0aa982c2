// Package main 是订单簿镜像引擎的入口点。
// 本引擎将源交易所（1-2 个市场）的订单簿按加价比例镜像到目标交易所挂单，
// 目标侧成交后在源交易所市价对冲，保持头寸中性。
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"orderbook-mirror/internal/config"
	"orderbook-mirror/internal/core/book"
	"orderbook-mirror/internal/core/composite"
	"orderbook-mirror/internal/core/hedge"
	"orderbook-mirror/internal/core/reconcile"
	"orderbook-mirror/internal/core/session"
	"orderbook-mirror/internal/market"
	"orderbook-mirror/internal/output/jsonl"
	"orderbook-mirror/internal/util/lock"
	"orderbook-mirror/internal/venue/bittrex"
	"orderbook-mirror/internal/venue/odex"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "配置文件路径")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.App.LogLevel)
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 捕获 SIGINT/SIGTERM，触发优雅退出
	sigCh := make(chan os.Signal, 2)
	ossignal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("收到退出信号，开始优雅关闭")
		cancel()
	}()

	// 校验源市场链路和目标交易对
	chain, err := market.NewChain(cfg.Source.FirstPair, cfg.Source.SecondPair)
	if err != nil {
		logger.Error("源市场链路校验失败", zap.Error(err))
		os.Exit(1)
	}
	destPair, err := market.ParsePair(cfg.Dest.Pair)
	if err != nil {
		logger.Error("目标交易对解析失败", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("市场链路就绪",
		zap.String("first_pair", chain.First.ID),
		zap.Bool("triangulated", chain.Triangulated),
		zap.String("dest_pair", destPair.ID),
		zap.Bool("dry_run", cfg.App.DryRun),
	)

	markets := []string{chain.First.ID}
	if chain.Triangulated {
		markets = append(markets, chain.Second.ID)
	}
	bookStore := book.New(markets...)
	sections := lock.NewSections()

	sourceClient := bittrex.NewClient(&cfg.Source, logger)
	destClient := odex.NewClient(&cfg.Dest, logger)

	startCtx, startCancel := context.WithTimeout(ctx, 10*time.Second)
	defer startCancel()

	if err := sourceClient.Start(startCtx); err != nil {
		logger.Error("源交易所连接失败", zap.Error(err))
		os.Exit(1)
	}
	if err := destClient.Connect(startCtx); err != nil {
		logger.Error("目标交易所连接失败", zap.Error(err))
		os.Exit(1)
	}
	go destClient.Run(ctx)

	var journalWriter *jsonl.Writer
	if cfg.Journal.Enabled {
		journalWriter, err = jsonl.NewWriter(fmt.Sprintf("%s/journal.jsonl", cfg.Journal.Dir), cfg.Journal.BufferSize)
		if err != nil {
			logger.Error("创建审计日志 writer 失败", zap.Error(err))
			os.Exit(1)
		}
	}

	// 初始化核心组件
	builder := composite.NewBuilder(
		bookStore,
		sourceClient,
		chain,
		decimal.NewFromFloat(cfg.Strategy.MinSourceBaseReserve),
		decimal.NewFromFloat(cfg.Strategy.MinSourceQuoteReserve),
		logger,
	)
	reconciler := reconcile.New(destClient, destPair, reconcile.Params{
		MarkupPct:     decimal.NewFromFloat(cfg.Strategy.MarkupPct),
		HysteresisPct: decimal.NewFromFloat(cfg.Strategy.HysteresisPct),
		BaseReserve:   decimal.NewFromFloat(cfg.Strategy.MinDestBaseReserve),
		QuoteReserve:  decimal.NewFromFloat(cfg.Strategy.MinDestQuoteReserve),
		MinOrderSize:  decimal.NewFromFloat(cfg.Strategy.MinDestOrderSize),
		AlwaysUpdate:  cfg.Source.AlwaysUpdate,
	}, sections, logger)
	hedger := hedge.New(sourceClient, reconciler, chain, hedge.Params{
		MinSourceOrderSize: decimal.NewFromFloat(cfg.Strategy.MinSourceOrderSize),
		FeeRate:            decimal.NewFromFloat(cfg.Source.FeeRate),
		DryRun:             cfg.App.DryRun,
	}, sections, logger)

	var journal session.Journal
	if journalWriter != nil {
		journal = journalWriter
		// 周期性落盘连接指标，便于离线复盘
		go func() {
			ticker := time.NewTicker(10 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					_ = journalWriter.WriteEvent("connection_metrics", map[string]any{
						"source": sourceClient.Metrics(),
						"dest":   destClient.Metrics(),
					})
				}
			}
		}()
	}
	controller := session.New(
		sourceClient,
		destClient,
		bookStore,
		builder,
		reconciler,
		hedger,
		chain,
		destPair.ID,
		sections,
		journal,
		logger,
	)

	if err := controller.Run(ctx); err != nil {
		logger.Error("会话退出", zap.Error(err))
	}

	// 退出清扫：撤销全部在途挂单（独立超时，不受主 ctx 取消影响）
	sweepCtx, sweepCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer sweepCancel()
	controller.ExitSweep(sweepCtx)

	// 优雅关闭（10s 超时）
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sourceClient.Close()
		_ = destClient.Close()
		if journalWriter != nil {
			_ = journalWriter.Close()
		}
	}()

	select {
	case <-shutdownCtx.Done():
		logger.Warn("关闭超时，强制退出")
	case <-done:
		logger.Info("关闭完成")
	}
}

func newLogger(level string) *zap.Logger {
	lvl := zapcore.InfoLevel
	if err := lvl.Set(level); err != nil {
		lvl = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
