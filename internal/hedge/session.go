package hedge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"carry-hedger/internal/domain"
	"carry-hedger/internal/metrics"
)

// Dependencies 为会话依赖的外部组件。
type Dependencies struct {
	Feed     Feed
	Venue    Venue
	Swapper  Swapper
	Recorder Recorder
	Metrics  *metrics.Metrics
}

// OpenRequest 描述开仓：在永续合约上挂卖单，成交额兑换为链上代币。
type OpenRequest struct {
	Instrument string
	Input      domain.Asset // 计价币，如 USDC
	Output     domain.Asset // 对冲代币
	QuoteSize  decimal.Decimal
}

// CloseRequest 描述平仓：挂只减仓买单，成交数量的代币兑换回计价币。
type CloseRequest struct {
	Instrument string
	Token      domain.Asset
	Quote      domain.Asset
	BaseSize   decimal.Decimal
	// HeldRaw 为钱包中可卖出的代币原始数量，0 表示不限；超出部分记入 Ledger.CappedRaw
	HeldRaw uint64
}

// Hedger 编排一次对冲会话：订阅行情、追价挂单与批量兑换。
type Hedger struct {
	feed     Feed
	venue    Venue
	swapper  Swapper
	recorder Recorder
	metrics  *metrics.Metrics
	cfg      Config
	logger   *zap.Logger
}

// NewHedger 创建会话编排器。
func NewHedger(deps Dependencies, cfg Config, logger *zap.Logger) (*Hedger, error) {
	if deps.Feed == nil || deps.Venue == nil || deps.Swapper == nil {
		return nil, errors.New("hedge: feed, venue and swapper are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}
	return &Hedger{
		feed:     deps.Feed,
		venue:    deps.Venue,
		swapper:  deps.Swapper,
		recorder: deps.Recorder,
		metrics:  deps.Metrics,
		cfg:      cfg.normalize(),
		logger:   logger.Named("hedge"),
	}, nil
}

// Open 开仓：卖单挂在卖一并追价，成交额按批兑换为 Output。
func (h *Hedger) Open(ctx context.Context, req OpenRequest) (Report, error) {
	if !req.QuoteSize.IsPositive() {
		return Report{}, fmt.Errorf("hedge: 开仓金额必须为正: %s", req.QuoteSize)
	}
	return h.run(ctx, plan{
		direction:   DirectionOpen,
		instrument:  req.Instrument,
		side:        domain.SideSell,
		sizing:      SizeInQuote,
		target:      req.QuoteSize,
		input:       req.Input,
		output:      req.Output,
		settleDelay: h.cfg.SettleDelay,
	})
}

// Close 平仓：只减仓买单挂在买一并追价，成交数量的代币按批兑换回计价币。
func (h *Hedger) Close(ctx context.Context, req CloseRequest) (Report, error) {
	if !req.BaseSize.IsPositive() {
		return Report{}, fmt.Errorf("hedge: 平仓数量必须为正: %s", req.BaseSize)
	}
	return h.run(ctx, plan{
		direction:  DirectionClose,
		instrument: req.Instrument,
		side:       domain.SideBuy,
		sizing:     SizeInBase,
		target:     req.BaseSize,
		reduceOnly: true,
		input:      req.Token,
		output:     req.Quote,
		inputCap:   req.HeldRaw,
	})
}

type plan struct {
	direction   Direction
	instrument  string
	side        domain.Side
	sizing      Sizing
	target      decimal.Decimal
	reduceOnly  bool
	input       domain.Asset
	output      domain.Asset
	inputCap    uint64
	settleDelay time.Duration
}

type session struct {
	id     string
	plan   plan
	logger *zap.Logger

	mu    sync.Mutex
	state State
}

func (s *session) setState(state State) {
	s.mu.Lock()
	prev := s.state
	s.state = state
	s.mu.Unlock()
	if prev != state {
		s.logger.Info("会话状态变更", zap.String("from", string(prev)), zap.String("to", string(state)))
	}
}

func (s *session) current() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (h *Hedger) run(ctx context.Context, p plan) (report Report, err error) {
	sess := &session{
		id:   uuid.NewString(),
		plan: p,
	}
	sess.logger = h.logger.With(
		zap.String("session_id", sess.id),
		zap.String("direction", string(p.direction)),
		zap.String("instrument", p.instrument),
	)

	report = Report{
		SessionID:   sess.id,
		Direction:   p.direction,
		Instrument:  p.instrument,
		TargetSize:  p.target,
		FilledBase:  decimal.Zero,
		Residual:    p.target,
		HedgeInput:  p.input,
		HedgeOutput: p.output,
		StartedAt:   time.Now().UTC(),
	}
	report.Ledger.TotalTargetRaw = p.input.ToRaw(p.target)
	if p.inputCap > 0 && report.Ledger.TotalTargetRaw > p.inputCap {
		report.Ledger.TotalTargetRaw = p.inputCap
	}

	sess.logger.Info("对冲会话开始",
		zap.Stringer("target", p.target),
		zap.String("hedge_input", p.input.Symbol),
		zap.String("hedge_output", p.output.Symbol),
	)
	h.recorder.RecordSessionStarted(ctx, sess.id, p.direction, p.instrument, p.target)

	defer func() {
		report.FinishedAt = time.Now().UTC()
		report.State = sess.current()
		h.metrics.IncSession(string(p.direction), string(report.Outcome))
		h.recorder.RecordSessionFinished(context.WithoutCancel(ctx), report)
		fields := []zap.Field{
			zap.String("state", string(report.State)),
			zap.String("outcome", string(report.Outcome)),
			zap.Stringer("filled_base", report.FilledBase),
			zap.Stringer("residual", report.Residual),
			zap.Uint64("executed_raw", report.Ledger.ExecutedRaw),
			zap.Uint64("unhedged_raw", report.Ledger.Unhedged()),
			zap.Uint64("received_raw", report.Ledger.ReceivedRaw),
			zap.Uint64("capped_raw", report.Ledger.CappedRaw),
		}
		if err != nil {
			sess.logger.Error("对冲会话结束", append(fields, zap.Error(err))...)
			return
		}
		sess.logger.Info("对冲会话结束", fields...)
	}()

	spec, err := h.venue.MarketSpec(ctx, p.instrument)
	if err != nil {
		return h.startupFailed(ctx, sess, report, fmt.Errorf("load market spec: %w", err))
	}

	sess.setState(StateSubscribing)
	quotes := NewQuoteCache()

	var trailer *Trailer
	var trailerMu sync.Mutex
	pendingFills := make([]domain.Fill, 0)

	quoteSub, err := h.feed.SubscribeQuotes(ctx, p.instrument, quotes.Update)
	if err != nil {
		return h.startupFailed(ctx, sess, report, fmt.Errorf("subscribe quotes: %w", err))
	}
	fillSub, err := h.feed.SubscribeFills(ctx, p.instrument, func(fill domain.Fill) {
		trailerMu.Lock()
		tr := trailer
		if tr == nil {
			if len(pendingFills) < maxBufferedFills {
				pendingFills = append(pendingFills, fill)
			}
			trailerMu.Unlock()
			return
		}
		trailerMu.Unlock()
		matched := tr.HandleFill(fill)
		h.recorder.RecordFill(ctx, sess.id, fill, matched)
	})
	if err != nil {
		err = multierr.Append(fmt.Errorf("subscribe fills: %w", err), quoteSub.Unsubscribe())
		return h.startupFailed(ctx, sess, report, err)
	}
	defer func() {
		if uerr := multierr.Combine(quoteSub.Unsubscribe(), fillSub.Unsubscribe()); uerr != nil {
			sess.logger.Warn("取消订阅失败", zap.Error(uerr))
			err = multierr.Append(err, fmt.Errorf("hedge: unsubscribe: %w", uerr))
		}
	}()

	if p.settleDelay > 0 {
		if serr := sleepCtx(ctx, p.settleDelay); serr != nil {
			return h.startupFailed(ctx, sess, report, serr)
		}
	}

	sess.setState(StateAwaitingFirstQuote)
	first, err := quotes.WaitFirst(ctx, h.cfg.StartupGrace)
	if err != nil {
		return h.startupFailed(ctx, sess, report, err)
	}
	sess.logger.Info("收到首个报价", zap.Stringer("bid", first.Bid), zap.Stringer("ask", first.Ask))

	acc := NewAccumulator(AccumulatorParams{
		SessionID:      sess.id,
		Swapper:        h.swapper,
		Input:          p.input,
		Output:         p.output,
		TotalTargetRaw: report.Ledger.TotalTargetRaw,
		MaxInputRaw:    p.inputCap,
		Interval:       h.cfg.DrainInterval,
		Tolerance:      h.cfg.Tolerance,
		Recorder:       h.recorder,
		Metrics:        h.metrics,
		Logger:         sess.logger,
	})

	tr := NewTrailer(TrailerParams{
		SessionID:     sess.id,
		Venue:         h.venue,
		Quotes:        quotes,
		Spec:          spec,
		Side:          p.side,
		Sizing:        p.sizing,
		Target:        p.target,
		ReduceOnly:    p.reduceOnly,
		QuoteDecimals: h.cfg.QuoteDecimals,
		PollInterval:  h.cfg.PollInterval,
		OnFill:        acc.Add,
		Recorder:      h.recorder,
		Metrics:       h.metrics,
		Logger:        sess.logger,
	})

	if _, err = tr.Place(ctx, p.instrument); err != nil {
		return h.startupFailed(ctx, sess, report, fmt.Errorf("place first order: %w", err))
	}

	trailerMu.Lock()
	trailer = tr
	early := pendingFills
	pendingFills = nil
	trailerMu.Unlock()
	for _, fill := range early {
		matched := tr.HandleFill(fill)
		h.recorder.RecordFill(ctx, sess.id, fill, matched)
	}

	sess.setState(StateTrailing)

	var outcome TrailOutcome
	trailDone := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ignoreCanceled(acc.Run(gctx))
	})

	g.Go(func() error {
		defer close(trailDone)
		var terr error
		outcome, terr = tr.Run(gctx, p.instrument)
		if outcome.Reason != TrailFilled {
			h.cancelOrder(ctx, sess, outcome.Order)
		}
		acc.Seal()
		sess.setState(StateDraining)
		return ignoreCanceled(terr)
	})

	g.Go(func() error {
		return watchSubscriptions(gctx, trailDone, acc.Done(), quoteSub, fillSub)
	})

	runErr := g.Wait()
	acc.Wait()

	report.Ledger = acc.Snapshot()
	report.FilledBase = tr.FilledBase()
	report.Residual = tr.Remaining()
	if order, ok := tr.Order(); ok {
		report.OrderID = order.ID
	}

	switch {
	case runErr != nil:
		report.Outcome = OutcomeStopped
		sess.setState(StateAbandoned)
		return report, runErr
	case ctx.Err() != nil:
		report.Outcome = OutcomeStopped
		sess.setState(StateAbandoned)
		return report, ctx.Err()
	case outcome.Reason == TrailPartial:
		report.Outcome = OutcomePartial
		report.Residual = outcome.Residual
	default:
		report.Outcome = OutcomeFilled
		if report.Residual.IsNegative() {
			report.Residual = decimal.Zero
		}
	}
	sess.setState(StateCompleted)
	return report, nil
}

func (h *Hedger) startupFailed(ctx context.Context, sess *session, report Report, cause error) (Report, error) {
	report.Outcome = OutcomeStartupFailed
	sess.setState(StateAbandoned)
	h.recorder.RecordError(context.WithoutCancel(ctx), "对冲会话启动失败", cause, map[string]interface{}{
		"session_id": sess.id,
		"direction":  string(sess.plan.direction),
		"instrument": sess.plan.instrument,
	})
	return report, fmt.Errorf("%w: %w", ErrStartupFailed, cause)
}

// cancelOrder 在追价非完全成交结束时撤掉挂单，避免会话结束后仍有成交。
func (h *Hedger) cancelOrder(ctx context.Context, sess *session, order domain.Order) {
	if order.ID == "" {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.cfg.CancelTimeout)
	defer cancel()

	if err := h.venue.Cancel(cctx, sess.plan.instrument, order.ID); err != nil {
		sess.logger.Warn("撤单失败", zap.String("order_id", order.ID), zap.Error(err))
		h.recorder.RecordError(cctx, "撤单失败", err, map[string]interface{}{
			"session_id": sess.id,
			"order_id":   order.ID,
		})
		return
	}
	sess.logger.Info("已撤销剩余挂单", zap.String("order_id", order.ID))
	h.recorder.RecordOrder(cctx, sess.id, "cancelled", order)
}

// watchSubscriptions 在追价与对冲都结束前监听订阅错误，任一订阅报错即终止会话。
func watchSubscriptions(ctx context.Context, trailDone, accDone <-chan struct{}, quoteSub, fillSub Subscription) error {
	quoteErr, fillErr := quoteSub.Err(), fillSub.Err()

	for trailDone != nil || accDone != nil {
		select {
		case <-ctx.Done():
			return nil
		case <-trailDone:
			trailDone = nil
		case <-accDone:
			accDone = nil
		case err, ok := <-quoteErr:
			if !ok {
				quoteErr = nil
				continue
			}
			if err != nil {
				return fmt.Errorf("hedge: quote feed: %w", err)
			}
		case err, ok := <-fillErr:
			if !ok {
				fillErr = nil
				continue
			}
			if err != nil {
				return fmt.Errorf("hedge: fill feed: %w", err)
			}
		}
	}
	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
