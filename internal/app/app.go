package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"carry-hedger/internal/config"
	"carry-hedger/internal/hedge"
	"carry-hedger/internal/metrics"
	"carry-hedger/internal/monitor"
	"carry-hedger/internal/position"
	"carry-hedger/internal/store"
)

// Action 为一次运行要执行的操作。
type Action string

const (
	ActionOpen  Action = "open"
	ActionClose Action = "close"
)

var (
	// ErrPositionExists 表示已有未平仓位，拒绝再次开仓。
	ErrPositionExists = errors.New("app: a position is already open")
	// ErrNoPosition 表示平仓时既未指定数量也没有已记录的仓位。
	ErrNoPosition = errors.New("app: no open position")
)

// Request 描述一次运行。平仓时 Size 为 0 表示使用已记录的仓位数量。
type Request struct {
	Action Action
	Symbol string
	Size   decimal.Decimal
}

// App 聚合核心依赖并驱动一次开仓或平仓会话。
type App struct {
	cfg       *config.Config
	logger    *zap.Logger
	store     *store.Store
	positions *position.Store
	registry  *prometheus.Registry
	metrics   *metrics.Metrics

	mu       sync.Mutex
	adapters map[string]adapters
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store, positions *position.Store) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	registry := prometheus.NewRegistry()
	return &App{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		positions: positions,
		registry:  registry,
		metrics:   metrics.New(registry),
		adapters:  make(map[string]adapters),
	}
}

// Run 执行一次会话并返回终态报告。调用方取消 ctx 时会话停止并撤单。
func (a *App) Run(ctx context.Context, req Request) (hedge.Report, error) {
	market, ok := a.cfg.Hedge.Market(req.Symbol)
	if !ok {
		return hedge.Report{}, fmt.Errorf("app: 未配置标的 %s", req.Symbol)
	}
	a.logger.Info("对冲系统已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("mode", a.cfg.App.Mode),
		zap.String("action", string(req.Action)),
		zap.String("symbol", req.Symbol),
		zap.String("instrument", market.Instrument),
	)

	ad, err := a.adaptersFor(market.Instrument)
	if err != nil {
		return hedge.Report{}, err
	}
	monitorSvc, err := monitor.NewService(a.store, a.logger)
	if err != nil {
		return hedge.Report{}, fmt.Errorf("初始化监控服务失败: %w", err)
	}

	hedger, err := hedge.NewHedger(hedge.Dependencies{
		Feed:     ad.feed,
		Venue:    ad.venue,
		Swapper:  ad.swapper,
		Recorder: monitorSvc,
		Metrics:  a.metrics,
	}, a.hedgeConfig(), a.logger)
	if err != nil {
		return hedge.Report{}, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if a.cfg.Monitor.Enabled {
		router := newMonitorRouter(monitorSvc, a.registry, []healthCheck{
			{name: "sqlite", check: a.store.Ping},
			{name: "redis", check: a.positions.Ping},
		}, a.logger)
		if err := startMonitorServer(runCtx, router, a.cfg.Monitor.Port, a.logger); err != nil {
			return hedge.Report{}, err
		}
	}

	s := &runner{
		app:     a,
		hedger:  hedger,
		market:  market,
		symbol:  strings.ToUpper(strings.TrimSpace(req.Symbol)),
		reader:  position.NewReader(ad.positions, a.logger),
		monitor: monitorSvc,
	}
	if ad.reference != nil {
		if q, err := ad.reference(runCtx, market.Instrument); err != nil {
			a.logger.Warn("读取参考报价失败", zap.Error(err))
		} else {
			a.logger.Info("参考报价",
				zap.String("bid", q.Bid.String()),
				zap.String("ask", q.Ask.String()),
			)
		}
	}

	g, gctx := errgroup.WithContext(runCtx)
	if ad.background != nil {
		g.Go(func() error { return ad.background(gctx) })
	}

	var report hedge.Report
	g.Go(func() error {
		defer cancel()
		var err error
		switch req.Action {
		case ActionOpen:
			report, err = s.open(gctx, req.Size)
		case ActionClose:
			report, err = s.close(gctx, req.Size)
		default:
			err = fmt.Errorf("app: 未知操作 %q", req.Action)
		}
		return err
	})

	err = g.Wait()
	if report.SessionID != "" {
		a.logger.Info("会话结束",
			zap.String("session_id", report.SessionID),
			zap.String("outcome", string(report.Outcome)),
			zap.String("filled_base", report.FilledBase.String()),
			zap.String("residual", report.Residual.String()),
			zap.Uint64("executed_raw", report.Ledger.ExecutedRaw),
			zap.Uint64("received_raw", report.Ledger.ReceivedRaw),
		)
	}
	return report, err
}

// adaptersFor 按合约复用外部依赖，同一 App 内多次运行共享连接与模拟市场状态。
func (a *App) adaptersFor(instrument string) (adapters, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ad, ok := a.adapters[instrument]; ok {
		return ad, nil
	}
	ad, err := buildAdapters(a.cfg, instrument, a.logger)
	if err != nil {
		return adapters{}, err
	}
	a.adapters[instrument] = ad
	return ad, nil
}

func (a *App) hedgeConfig() hedge.Config {
	h := a.cfg.Hedge
	return hedge.Config{
		SettleDelay:   h.SettleDelay,
		StartupGrace:  h.StartupGrace,
		PollInterval:  h.PollInterval,
		DrainInterval: h.DrainInterval,
		Tolerance:     h.Tolerance,
		CancelTimeout: h.CancelTimeout,
		QuoteDecimals: h.QuoteAsset.Decimals,
	}
}

// runner 执行单次会话并维护 Redis 中的当前仓位。
type runner struct {
	app     *App
	hedger  *hedge.Hedger
	market  config.MarketConfig
	symbol  string
	reader  *position.Reader
	monitor *monitor.Service
}

func (r *runner) open(ctx context.Context, size decimal.Decimal) (hedge.Report, error) {
	logger := r.app.logger
	if _, ok, err := r.app.positions.Current(ctx); err != nil {
		return hedge.Report{}, err
	} else if ok {
		return hedge.Report{}, ErrPositionExists
	}
	if exp, err := r.reader.Short(ctx, r.market.Instrument); err != nil {
		logger.Warn("读取交易所持仓失败", zap.Error(err))
	} else if exp.Size.IsPositive() {
		logger.Warn("交易所已有未记录的空头持仓", zap.String("size", exp.Size.String()))
	}

	report, err := r.hedger.Open(ctx, hedge.OpenRequest{
		Instrument: r.market.Instrument,
		Input:      r.app.cfg.Hedge.QuoteAsset,
		Output:     r.market.Token,
		QuoteSize:  size,
	})
	if report.FilledBase.IsPositive() {
		pos := position.Position{
			Symbol:     r.symbol,
			Instrument: r.market.Instrument,
			AmountRaw:  report.Ledger.ReceivedRaw,
			BaseSize:   report.FilledBase,
			Token:      r.market.Token,
			SessionID:  report.SessionID,
			OpenedAt:   report.StartedAt,
		}
		if saveErr := r.app.positions.Save(context.WithoutCancel(ctx), pos); saveErr != nil {
			r.monitor.RecordError(context.WithoutCancel(ctx), "保存仓位失败", saveErr, map[string]interface{}{"session_id": report.SessionID})
			return report, multierr.Append(err, saveErr)
		}
	}
	return report, err
}

func (r *runner) close(ctx context.Context, size decimal.Decimal) (hedge.Report, error) {
	logger := r.app.logger
	stored, ok, err := r.app.positions.Current(ctx)
	if err != nil {
		return hedge.Report{}, err
	}
	if ok && !strings.EqualFold(stored.Symbol, r.symbol) {
		return hedge.Report{}, fmt.Errorf("app: 当前仓位为 %s，不能平 %s", stored.Symbol, r.symbol)
	}
	if !size.IsPositive() {
		if !ok {
			return hedge.Report{}, ErrNoPosition
		}
		size = stored.BaseSize
	}

	// 平仓只能卖出开仓时实际换到的代币
	var held uint64
	if ok {
		if stored.AmountRaw == 0 {
			return hedge.Report{}, fmt.Errorf("app: 仓位 %s 记录的代币数量为 0，无法对冲平仓", stored.Symbol)
		}
		held = stored.AmountRaw
	}

	exp, err := r.reader.Short(ctx, r.market.Instrument)
	if err != nil {
		return hedge.Report{}, err
	}
	if !exp.Size.IsPositive() {
		return hedge.Report{}, fmt.Errorf("app: 交易所没有 %s 空头持仓: %w", r.market.Instrument, ErrNoPosition)
	}
	if exp.Size.LessThan(size) {
		logger.Warn("平仓数量超过交易所持仓，按持仓平仓",
			zap.String("requested", size.String()),
			zap.String("exposure", exp.Size.String()),
		)
		size = exp.Size
	}

	report, err := r.hedger.Close(ctx, hedge.CloseRequest{
		Instrument: r.market.Instrument,
		Token:      r.market.Token,
		Quote:      r.app.cfg.Hedge.QuoteAsset,
		BaseSize:   size,
		HeldRaw:    held,
	})
	if report.Ledger.CappedRaw > 0 {
		logger.Warn("平仓成交超过持有代币，超出部分未兑换",
			zap.Uint64("capped_raw", report.Ledger.CappedRaw),
			zap.Uint64("held_raw", held),
		)
	}
	if ok && report.FilledBase.IsPositive() {
		if updErr := r.reduce(context.WithoutCancel(ctx), stored, report); updErr != nil {
			return report, multierr.Append(err, updErr)
		}
	}
	return report, err
}

// reduce 按本次平仓成交扣减记录，全部平掉时清除。
func (r *runner) reduce(ctx context.Context, stored position.Position, report hedge.Report) error {
	remaining := stored.BaseSize.Sub(report.FilledBase)
	if !remaining.IsPositive() {
		return r.app.positions.Clear(ctx)
	}
	stored.BaseSize = remaining
	if report.Ledger.ExecutedRaw >= stored.AmountRaw {
		stored.AmountRaw = 0
	} else {
		stored.AmountRaw -= report.Ledger.ExecutedRaw
	}
	return r.app.positions.Save(ctx, stored)
}

// OpenPositionStore 连接仓位存储；addr 为 "memory" 时启动进程内 Redis，仅用于模拟演练。
func OpenPositionStore(cfg config.PositionConfig, logger *zap.Logger) (*position.Store, func(), error) {
	closeFns := []func(){}
	if strings.EqualFold(cfg.Addr, "memory") {
		mr, err := miniredis.Run()
		if err != nil {
			return nil, nil, fmt.Errorf("启动内存 Redis 失败: %w", err)
		}
		cfg.Addr = mr.Addr()
		closeFns = append(closeFns, mr.Close)
	}

	positions, err := position.NewStore(cfg, logger)
	if err != nil {
		for _, fn := range closeFns {
			fn()
		}
		return nil, nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := positions.Ping(ctx); err != nil {
		_ = positions.Close()
		for _, fn := range closeFns {
			fn()
		}
		return nil, nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}

	closer := func() {
		_ = positions.Close()
		for _, fn := range closeFns {
			fn()
		}
	}
	return positions, closer, nil
}
