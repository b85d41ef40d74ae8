package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"carry-hedger/internal/app"
	"carry-hedger/internal/config"
	"carry-hedger/internal/log"
	"carry-hedger/internal/store"
)

func main() {
	var (
		configPath string
		action     string
		symbol     string
		sizeRaw    string
	)
	flag.StringVar(&configPath, "config", "", "配置文件路径，默认使用 configs/config.yaml")
	flag.StringVar(&action, "action", "", "open 或 close")
	flag.StringVar(&symbol, "symbol", "", "标的符号，如 SOL")
	flag.StringVar(&sizeRaw, "size", "", "开仓为计价币金额，平仓为合约数量；平仓时留空表示使用已记录的仓位")
	flag.Parse()

	req, err := parseRequest(action, symbol, sizeRaw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "参数错误: %v\n", err)
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	logger, err := log.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	code := run(cfg, logger, req)
	_ = logger.Sync()
	os.Exit(code)
}

func run(cfg *config.Config, logger *zap.Logger, req app.Request) int {
	sqliteStore, err := store.NewSQLite(cfg.Database)
	if err != nil {
		logger.Error("初始化数据库失败", zap.Error(err))
		return 1
	}
	defer func() {
		if closeErr := sqliteStore.Close(); closeErr != nil {
			logger.Warn("关闭数据库失败", zap.Error(closeErr))
		}
	}()

	positions, closePositions, err := app.OpenPositionStore(cfg.Position, logger)
	if err != nil {
		logger.Error("初始化仓位存储失败", zap.Error(err))
		return 1
	}
	defer closePositions()

	hedgerApp := app.New(cfg, logger, sqliteStore, positions)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report, err := hedgerApp.Run(ctx, req)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		logger.Warn("收到退出信号，会话已停止",
			zap.String("session_id", report.SessionID),
			zap.String("filled_base", report.FilledBase.String()),
		)
		return 0
	default:
		logger.Error("对冲会话失败", zap.Error(err))
		return 1
	}

	logger.Info("系统已安全退出", zap.String("outcome", string(report.Outcome)))
	return 0
}

func parseRequest(action, symbol, sizeRaw string) (app.Request, error) {
	req := app.Request{Action: app.Action(action), Symbol: symbol}
	if req.Action != app.ActionOpen && req.Action != app.ActionClose {
		return req, fmt.Errorf("-action 必须为 open 或 close")
	}
	if symbol == "" {
		return req, errors.New("-symbol 不能为空")
	}
	if sizeRaw != "" {
		size, err := decimal.NewFromString(sizeRaw)
		if err != nil {
			return req, fmt.Errorf("-size 无效: %w", err)
		}
		if !size.IsPositive() {
			return req, errors.New("-size 必须为正")
		}
		req.Size = size
	}
	if req.Action == app.ActionOpen && !req.Size.IsPositive() {
		return req, errors.New("开仓必须指定 -size")
	}
	return req, nil
}
