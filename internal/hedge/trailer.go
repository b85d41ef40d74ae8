package hedge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"carry-hedger/internal/domain"
	"carry-hedger/internal/metrics"
)

// Sizing 决定剩余目标量的计量单位。
type Sizing int

const (
	// SizeInQuote 剩余量以计价币计量，下单数量 = 剩余/价格（开仓）。
	SizeInQuote Sizing = iota
	// SizeInBase 剩余量以标的数量计量（平仓）。
	SizeInBase
)

// TrailReason 为追价循环的终止原因。
type TrailReason string

const (
	TrailFilled  TrailReason = "filled"
	TrailPartial TrailReason = "partial"
	TrailStopped TrailReason = "stopped"
)

// TrailOutcome 为追价结果；Residual 为未成交的剩余目标量。
type TrailOutcome struct {
	Reason   TrailReason
	Residual decimal.Decimal
	Order    domain.Order
}

// 未匹配的成交暂存，待其订单号被确认后回放
const maxBufferedFills = 256

// 连续多次改单都报订单不存在时视为挂单已失效；留出几个周期等待迟到的成交回报
const maxOrderNotFound = 3

var errOrderGone = errors.New("hedge: 挂单已不在交易所")

// TrailerParams 构造 Trailer 所需参数。
type TrailerParams struct {
	SessionID     string
	Venue         Venue
	Quotes        *QuoteCache
	Spec          domain.MarketSpec
	Side          domain.Side
	Sizing        Sizing
	Target        decimal.Decimal
	ReduceOnly    bool
	QuoteDecimals int32
	PollInterval  time.Duration
	OnFill        func(decimal.Decimal)
	Recorder      Recorder
	Metrics       *metrics.Metrics
	Logger        *zap.Logger
}

// Trailer 维护单个挂单：按盘口价挂出，随后定时改价追踪盘口，直至剩余量归零或被拒绝。
// 挂单句柄只由 Trailer 修改；本地副本在每次改单返回后与交易所对齐。
type Trailer struct {
	sessionID     string
	venue         Venue
	quotes        *QuoteCache
	spec          domain.MarketSpec
	side          domain.Side
	sizing        Sizing
	reduceOnly    bool
	quoteDecimals int32
	pollInterval  time.Duration
	onFill        func(decimal.Decimal)
	recorder      Recorder
	metrics       *metrics.Metrics
	logger        *zap.Logger

	mu         sync.Mutex
	order      domain.Order
	placed     bool
	remaining  decimal.Decimal
	filledBase decimal.Decimal
	buffered   []domain.Fill

	// 仅由 Run 所在协程访问
	notFound int
}

// NewTrailer 创建追价控制器。
func NewTrailer(p TrailerParams) *Trailer {
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	if p.Recorder == nil {
		p.Recorder = nopRecorder{}
	}
	if p.PollInterval <= 0 {
		p.PollInterval = DefaultConfig().PollInterval
	}
	if p.OnFill == nil {
		p.OnFill = func(decimal.Decimal) {}
	}
	return &Trailer{
		sessionID:     p.SessionID,
		venue:         p.Venue,
		quotes:        p.Quotes,
		spec:          p.Spec,
		side:          p.Side,
		sizing:        p.Sizing,
		reduceOnly:    p.ReduceOnly,
		quoteDecimals: p.QuoteDecimals,
		pollInterval:  p.PollInterval,
		onFill:        p.OnFill,
		recorder:      p.Recorder,
		metrics:       p.Metrics,
		logger:        p.Logger.Named("trailer"),
		remaining:     p.Target,
		filledBase:    decimal.Zero,
	}
}

// OrderSize 根据剩余目标量与价格计算下单数量，向下取整到最小步长。
func (t *Trailer) OrderSize(remaining, price decimal.Decimal) decimal.Decimal {
	if !remaining.IsPositive() {
		return decimal.Zero
	}
	if t.sizing == SizeInBase {
		return t.spec.FloorSize(remaining)
	}
	if !price.IsPositive() {
		return decimal.Zero
	}
	return t.spec.FloorSize(remaining.Div(price))
}

// Remaining 返回剩余目标量。
func (t *Trailer) Remaining() decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remaining
}

// FilledBase 返回已成交的标的数量。
func (t *Trailer) FilledBase() decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.filledBase
}

// Order 返回本地挂单副本。
func (t *Trailer) Order() (domain.Order, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.order, t.placed
}

// Place 在当前盘口价挂出首单。
func (t *Trailer) Place(ctx context.Context, instrument string) (domain.Order, error) {
	quote, ok := t.quotes.Latest()
	if !ok {
		return domain.Order{}, ErrNoQuote
	}
	price := quote.Touch(t.side)
	size := t.OrderSize(t.Remaining(), price)
	if !t.spec.Tradable(size) {
		return domain.Order{}, fmt.Errorf("hedge: 首单数量 %s 低于最小下单量 %s: %w", size, t.spec.MinSize, domain.ErrSizeTooSmall)
	}

	t.logger.Info("挂出首单",
		zap.String("session_id", t.sessionID),
		zap.String("side", string(t.side)),
		zap.Stringer("price", price),
		zap.Stringer("size", size),
	)

	order, err := t.venue.Place(ctx, domain.PlaceRequest{
		Instrument: instrument,
		Side:       t.side,
		Price:      price,
		Size:       size,
		ReduceOnly: t.reduceOnly,
	})
	if err != nil {
		return domain.Order{}, err
	}
	if order.Price.IsZero() {
		order.Price = price
	}
	if order.Size.IsZero() {
		order.Size = size
	}
	order.Side = t.side

	replay := t.confirm(order)
	t.recorder.RecordOrder(ctx, t.sessionID, "placed", order)
	t.replay(ctx, replay)
	return order, nil
}

// HandleFill 处理成交回报，仅匹配最近一次确认的订单号；返回是否匹配。
func (t *Trailer) HandleFill(fill domain.Fill) bool {
	t.mu.Lock()
	if !t.placed || fill.OrderID != t.order.ID {
		if len(t.buffered) < maxBufferedFills {
			t.buffered = append(t.buffered, fill)
		}
		t.mu.Unlock()
		t.metrics.IncFill(string(t.side), false)
		t.logger.Debug("成交回报未匹配当前订单，暂存",
			zap.String("session_id", t.sessionID),
			zap.String("fill_order_id", fill.OrderID),
			zap.Stringer("size", fill.Size),
		)
		return false
	}
	decrement := t.applyLocked(fill)
	remaining := t.remaining
	// 在持锁期间交给累加器，保证剩余量归零时对冲数量已入账
	t.onFill(decrement)
	t.mu.Unlock()

	t.metrics.IncFill(string(t.side), true)
	t.logger.Info("订单成交",
		zap.String("session_id", t.sessionID),
		zap.String("order_id", fill.OrderID),
		zap.Stringer("size", fill.Size),
		zap.Stringer("price", fill.Price),
		zap.Stringer("remaining", remaining),
	)
	return true
}

func (t *Trailer) applyLocked(fill domain.Fill) decimal.Decimal {
	decrement := fill.Size
	if t.sizing == SizeInQuote {
		decrement = domain.FloorToDecimals(fill.Size.Mul(fill.Price), t.quoteDecimals)
	}
	t.remaining = t.remaining.Sub(decrement)
	t.filledBase = t.filledBase.Add(fill.Size)
	return decrement
}

// confirm 更新本地挂单副本，并取出引用该订单号的暂存成交。
func (t *Trailer) confirm(order domain.Order) []domain.Fill {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.order = order
	t.placed = true

	var matched []domain.Fill
	kept := t.buffered[:0]
	for _, f := range t.buffered {
		if f.OrderID == order.ID {
			matched = append(matched, f)
			continue
		}
		kept = append(kept, f)
	}
	t.buffered = kept
	return matched
}

func (t *Trailer) replay(ctx context.Context, fills []domain.Fill) {
	for _, f := range fills {
		if t.HandleFill(f) {
			t.recorder.RecordFill(ctx, t.sessionID, f, true)
		}
	}
}

// Run 定时追价，直至剩余量归零、剩余量无法下单、挂单失效或 ctx 取消。
func (t *Trailer) Run(ctx context.Context, instrument string) (TrailOutcome, error) {
	for {
		if remaining := t.Remaining(); !remaining.IsPositive() {
			order, _ := t.Order()
			t.logger.Info("订单已全部成交", zap.String("session_id", t.sessionID), zap.String("order_id", order.ID))
			return TrailOutcome{Reason: TrailFilled, Residual: decimal.Zero, Order: order}, nil
		}

		if err := t.step(ctx, instrument); err != nil {
			if errors.Is(err, domain.ErrSizeTooSmall) || errors.Is(err, errOrderGone) {
				order, _ := t.Order()
				residual := t.Remaining()
				t.logger.Warn("停止追价，剩余部分未成交",
					zap.String("session_id", t.sessionID),
					zap.String("order_id", order.ID),
					zap.Stringer("residual", residual),
					zap.Error(err),
				)
				return TrailOutcome{Reason: TrailPartial, Residual: residual, Order: order}, nil
			}
			if ctx.Err() != nil {
				return t.stopped(), ctx.Err()
			}
		}

		timer := time.NewTimer(t.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return t.stopped(), ctx.Err()
		case <-timer.C:
		}
	}
}

func (t *Trailer) stopped() TrailOutcome {
	order, _ := t.Order()
	return TrailOutcome{Reason: TrailStopped, Residual: t.Remaining(), Order: order}
}

// step 在盘口价变动时改单；返回 ErrSizeTooSmall 表示追价应终止。
func (t *Trailer) step(ctx context.Context, instrument string) error {
	quote, ok := t.quotes.Latest()
	if !ok {
		return nil
	}
	price := quote.Touch(t.side)
	if !price.IsPositive() {
		return nil
	}

	t.mu.Lock()
	shadow := t.order
	remaining := t.remaining
	t.mu.Unlock()

	if !remaining.IsPositive() {
		return nil
	}

	// 剩余量已不足一个可下单数量时，盘口不动也要结束
	size := t.OrderSize(remaining, price)
	if !t.spec.Tradable(size) {
		t.metrics.IncAmend("too_small")
		return fmt.Errorf("hedge: 剩余下单数量 %s 低于最小下单量 %s: %w", size, t.spec.MinSize, domain.ErrSizeTooSmall)
	}

	if price.Equal(shadow.Price) {
		return nil
	}

	t.logger.Debug("改单追价",
		zap.String("session_id", t.sessionID),
		zap.String("order_id", shadow.ID),
		zap.Stringer("from", shadow.Price),
		zap.Stringer("to", price),
		zap.Stringer("size", size),
	)

	amended, err := t.venue.Amend(ctx, domain.AmendRequest{
		Instrument: instrument,
		OrderID:    shadow.ID,
		Side:       t.side,
		Price:      price,
		Size:       size,
	})
	if err != nil {
		if errors.Is(err, domain.ErrSizeTooSmall) {
			t.metrics.IncAmend("too_small")
			return err
		}
		if errors.Is(err, domain.ErrOrderNotFound) {
			t.notFound++
			t.metrics.IncAmend("not_found")
			t.logger.Warn("改单时交易所找不到订单",
				zap.String("session_id", t.sessionID),
				zap.String("order_id", shadow.ID),
				zap.Int("attempt", t.notFound),
				zap.Error(err),
			)
			if t.notFound >= maxOrderNotFound {
				return fmt.Errorf("%w: %s: %w", errOrderGone, shadow.ID, err)
			}
			return err
		}
		t.metrics.IncAmend("rejected")
		t.logger.Warn("改单失败，下个周期重试",
			zap.String("session_id", t.sessionID),
			zap.String("order_id", shadow.ID),
			zap.Error(err),
		)
		return err
	}

	if amended.ID == "" {
		amended.ID = shadow.ID
	}
	if amended.Price.IsZero() {
		amended.Price = price
	}
	if amended.Size.IsZero() {
		amended.Size = size
	}
	amended.Side = t.side

	t.notFound = 0
	replay := t.confirm(amended)
	t.metrics.IncAmend("accepted")
	if amended.ID != shadow.ID {
		t.logger.Info("改单后订单号变更",
			zap.String("session_id", t.sessionID),
			zap.String("old_order_id", shadow.ID),
			zap.String("new_order_id", amended.ID),
		)
	}
	t.recorder.RecordOrder(ctx, t.sessionID, "amended", amended)
	t.replay(ctx, replay)
	return nil
}
