// Package paper 提供本地模拟的交易所、行情推送与链上兑换，用于演练完整的对冲流程。
package paper

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"carry-hedger/internal/config"
	"carry-hedger/internal/domain"
	"carry-hedger/internal/hedge"
)

var (
	_ hedge.Venue = (*Market)(nil)
	_ hedge.Feed  = (*Market)(nil)
)

type restingOrder struct {
	id         string
	side       domain.Side
	price      decimal.Decimal
	remaining  decimal.Decimal
	reduceOnly bool
}

// Market 为单合约的模拟撮合：报价按 tick 随机游走，位于盘口的挂单每次行情变动按比例成交。
type Market struct {
	mu         sync.Mutex
	instrument string
	spec       domain.MarketSpec
	bid        decimal.Decimal
	ask        decimal.Decimal
	tick       decimal.Decimal
	fillRatio  decimal.Decimal
	interval   time.Duration
	rnd        *rand.Rand

	orders   map[string]*restingOrder
	orderSeq int

	subSeq int
	quotes map[int]func(domain.Quote)
	fills  map[int]func(domain.Fill)

	// 模拟账户的空头敞口与开仓均价
	short      decimal.Decimal
	entryPrice decimal.Decimal

	logger *zap.Logger
}

// NewMarket 按配置创建模拟市场。
func NewMarket(instrument string, cfg config.PaperConfig, logger *zap.Logger) (*Market, error) {
	if cfg.Bid <= 0 || cfg.Ask <= 0 || cfg.Bid >= cfg.Ask {
		return nil, fmt.Errorf("paper: 初始报价无效 bid=%v ask=%v", cfg.Bid, cfg.Ask)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	tick := decimal.NewFromFloat(cfg.TickSize)
	if !tick.IsPositive() {
		tick = decimal.New(1, -2)
	}
	ratio := decimal.NewFromFloat(cfg.FillRatio)
	if !ratio.IsPositive() || ratio.GreaterThan(decimal.NewFromInt(1)) {
		ratio = decimal.NewFromInt(1)
	}
	interval := cfg.QuoteInterval
	if interval <= 0 {
		interval = time.Second
	}
	return &Market{
		instrument: instrument,
		spec: domain.MarketSpec{
			Instrument:     instrument,
			SizeIncrement:  decimal.NewFromFloat(cfg.SizeIncrement),
			MinSize:        decimal.NewFromFloat(cfg.MinSize),
			PriceIncrement: tick,
		},
		bid:       decimal.NewFromFloat(cfg.Bid),
		ask:       decimal.NewFromFloat(cfg.Ask),
		tick:      tick,
		fillRatio: ratio,
		interval:  interval,
		rnd:       rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		orders:    make(map[string]*restingOrder),
		quotes:    make(map[int]func(domain.Quote)),
		fills:     make(map[int]func(domain.Fill)),
		logger:    logger.Named("paper"),
	}, nil
}

// Run 按 QuoteInterval 推进行情，直到 ctx 结束。
func (m *Market) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.mu.Lock()
			delta := m.rnd.IntN(3) - 1
			m.mu.Unlock()
			m.Tick(delta)
		}
	}
}

// Tick 将盘口移动 delta 个 tick，然后撮合位于盘口的挂单并推送报价与成交。
func (m *Market) Tick(delta int) {
	m.mu.Lock()
	shift := m.tick.Mul(decimal.NewFromInt(int64(delta)))
	if m.bid.Add(shift).IsPositive() {
		m.bid = m.bid.Add(shift)
		m.ask = m.ask.Add(shift)
	}
	q := domain.Quote{Bid: m.bid, Ask: m.ask, Time: time.Now().UTC()}
	fills := m.matchLocked(q.Time)
	quoteSubs := snapshot(m.quotes)
	fillSubs := snapshot(m.fills)
	m.mu.Unlock()

	for _, fn := range quoteSubs {
		fn(q)
	}
	for _, f := range fills {
		for _, fn := range fillSubs {
			fn(f)
		}
	}
}

func (m *Market) matchLocked(ts time.Time) []domain.Fill {
	var fills []domain.Fill
	for id, o := range m.orders {
		atTouch := (o.side == domain.SideSell && o.price.LessThanOrEqual(m.ask)) ||
			(o.side == domain.SideBuy && o.price.GreaterThanOrEqual(m.bid))
		if !atTouch {
			continue
		}
		size := m.spec.FloorSize(o.remaining.Mul(m.fillRatio))
		if !m.spec.Tradable(size) || size.GreaterThan(o.remaining) {
			size = o.remaining
		}
		o.remaining = o.remaining.Sub(size)
		m.applyExposureLocked(o.side, size, o.price)
		fills = append(fills, domain.Fill{OrderID: id, Size: size, Price: o.price, Time: ts})
		if !o.remaining.IsPositive() {
			delete(m.orders, id)
		}
	}
	return fills
}

// applyExposureLocked 卖出增加空头，买入减少空头。
func (m *Market) applyExposureLocked(side domain.Side, size, price decimal.Decimal) {
	if side == domain.SideSell {
		notional := m.short.Mul(m.entryPrice).Add(size.Mul(price))
		m.short = m.short.Add(size)
		m.entryPrice = notional.Div(m.short)
		return
	}
	m.short = m.short.Sub(size)
	if !m.short.IsPositive() {
		m.short = decimal.Zero
		m.entryPrice = decimal.Zero
	}
}

// Quote 返回当前盘口。
func (m *Market) Quote() domain.Quote {
	m.mu.Lock()
	defer m.mu.Unlock()
	return domain.Quote{Bid: m.bid, Ask: m.ask, Time: time.Now().UTC()}
}

// Mid 返回中间价。
func (m *Market) Mid() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bid.Add(m.ask).Div(decimal.NewFromInt(2))
}

// MarketSpec 返回配置中的精度约束。
func (m *Market) MarketSpec(_ context.Context, instrument string) (domain.MarketSpec, error) {
	if err := m.checkInstrument(instrument); err != nil {
		return domain.MarketSpec{}, err
	}
	return m.spec, nil
}

// Place 挂出限价单。
func (m *Market) Place(_ context.Context, req domain.PlaceRequest) (domain.Order, error) {
	if err := m.checkInstrument(req.Instrument); err != nil {
		return domain.Order{}, err
	}
	if !m.spec.Tradable(req.Size) {
		return domain.Order{}, fmt.Errorf("paper: 数量 %s: %w", req.Size, domain.ErrSizeTooSmall)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if req.ReduceOnly && req.Side == domain.SideBuy && req.Size.GreaterThan(m.short) {
		return domain.Order{}, fmt.Errorf("paper: 只减仓数量 %s 超过持仓 %s: %w", req.Size, m.short, domain.ErrOrderRejected)
	}
	o := &restingOrder{
		id:         m.nextIDLocked(),
		side:       req.Side,
		price:      req.Price,
		remaining:  req.Size,
		reduceOnly: req.ReduceOnly,
	}
	m.orders[o.id] = o
	m.logger.Debug("模拟挂单", zap.String("order_id", o.id), zap.String("side", string(o.side)),
		zap.String("price", o.price.String()), zap.String("size", o.remaining.String()))
	return o.view(), nil
}

// Amend 改价改量，并像部分交易所一样分配新的订单号。
func (m *Market) Amend(_ context.Context, req domain.AmendRequest) (domain.Order, error) {
	if !m.spec.Tradable(req.Size) {
		return domain.Order{}, fmt.Errorf("paper: 数量 %s: %w", req.Size, domain.ErrSizeTooSmall)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[req.OrderID]
	if !ok {
		return domain.Order{}, fmt.Errorf("paper: 订单 %s 不存在: %w", req.OrderID, domain.ErrOrderNotFound)
	}
	delete(m.orders, o.id)
	o.id = m.nextIDLocked()
	o.price = req.Price
	o.remaining = req.Size
	m.orders[o.id] = o
	return o.view(), nil
}

// Cancel 撤单，订单不存在时视为成功。
func (m *Market) Cancel(_ context.Context, _ string, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.orders, orderID)
	return nil
}

// Positions 以 ccxt 格式返回模拟空头。
func (m *Market) Positions(context.Context) ([]ccxt.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.short.IsPositive() {
		return nil, nil
	}
	symbol := m.instrument
	side := "short"
	contracts := m.short.InexactFloat64()
	entry := m.entryPrice.InexactFloat64()
	return []ccxt.Position{{Symbol: &symbol, Side: &side, Contracts: &contracts, EntryPrice: &entry}}, nil
}

// OpenOrders 返回当前挂单数量。
func (m *Market) OpenOrders() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

// SubscribeQuotes 订阅模拟报价，订阅时立即推送当前盘口。
func (m *Market) SubscribeQuotes(_ context.Context, instrument string, onQuote func(domain.Quote)) (hedge.Subscription, error) {
	if err := m.checkInstrument(instrument); err != nil {
		return nil, err
	}
	m.mu.Lock()
	id := m.nextSubLocked()
	m.quotes[id] = onQuote
	q := domain.Quote{Bid: m.bid, Ask: m.ask, Time: time.Now().UTC()}
	m.mu.Unlock()

	onQuote(q)
	return m.subscription(func() { delete(m.quotes, id) }), nil
}

// SubscribeFills 订阅模拟成交。
func (m *Market) SubscribeFills(_ context.Context, instrument string, onFill func(domain.Fill)) (hedge.Subscription, error) {
	if err := m.checkInstrument(instrument); err != nil {
		return nil, err
	}
	m.mu.Lock()
	id := m.nextSubLocked()
	m.fills[id] = onFill
	m.mu.Unlock()
	return m.subscription(func() { delete(m.fills, id) }), nil
}

func (m *Market) subscription(remove func()) *subscription {
	return &subscription{
		errCh: make(chan error),
		remove: func() {
			m.mu.Lock()
			remove()
			m.mu.Unlock()
		},
	}
}

func (m *Market) checkInstrument(instrument string) error {
	if !strings.EqualFold(instrument, m.instrument) {
		return fmt.Errorf("paper: 未知合约 %s", instrument)
	}
	return nil
}

func (m *Market) nextIDLocked() string {
	m.orderSeq++
	return fmt.Sprintf("paper-%d", m.orderSeq)
}

func (m *Market) nextSubLocked() int {
	m.subSeq++
	return m.subSeq
}

func (o *restingOrder) view() domain.Order {
	return domain.Order{ID: o.id, Side: o.side, Price: o.price, Size: o.remaining, Remaining: o.remaining}
}

func snapshot[T any](subs map[int]T) []T {
	out := make([]T, 0, len(subs))
	for _, fn := range subs {
		out = append(out, fn)
	}
	return out
}

type subscription struct {
	once   sync.Once
	remove func()
	errCh  chan error
}

func (s *subscription) Unsubscribe() error {
	s.once.Do(s.remove)
	return nil
}

func (s *subscription) Err() <-chan error {
	return s.errCh
}
