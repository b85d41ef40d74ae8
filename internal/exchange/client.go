package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"carry-hedger/internal/config"
	"carry-hedger/internal/domain"
	"carry-hedger/internal/hedge"
)

var _ hedge.Venue = (*Client)(nil)

type orderAPI interface {
	CreateLimitOrder(symbol string, side string, amount float64, price float64, options ...ccxt.CreateLimitOrderOptions) (ccxt.Order, error)
	EditOrder(id string, symbol string, typeVar string, side string, options ...ccxt.EditOrderOptions) (ccxt.Order, error)
	CancelOrder(id string, options ...ccxt.CancelOrderOptions) (ccxt.Order, error)
	FetchOrderBook(symbol string, options ...ccxt.FetchOrderBookOptions) (ccxt.OrderBook, error)
	FetchPositions(options ...ccxt.FetchPositionsOptions) ([]ccxt.Position, error)
}

// marketLoader 返回 ccxt 统一格式的市场元数据。
type marketLoader func(symbol string) (map[string]interface{}, error)

// Client 负责与永续合约交易所交互：挂单、改单、撤单与精度查询。
type Client struct {
	cfg     config.VenueConfig
	logger  *zap.Logger
	api     orderAPI
	markets marketLoader
	limiter *rate.Limiter

	specMu sync.Mutex
	specs  map[string]domain.MarketSpec
}

// NewClient 构造 Binance USDⓈ-M 客户端。
func NewClient(cfg config.VenueConfig, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, errors.New("exchange: api_key 与 api_secret 不能为空")
	}

	userConfig := map[string]interface{}{
		"enableRateLimit": true,
		"apiKey":          cfg.APIKey,
		"secret":          cfg.APISecret,
		"options": map[string]interface{}{
			"adjustForTimeDifference": true,
			"defaultType":             "future",
		},
	}

	ex := ccxt.NewBinanceusdm(userConfig)
	if cfg.UseSandbox {
		ex.SetSandboxMode(true)
	}

	loader := func(symbol string) (map[string]interface{}, error) {
		if _, err := ex.LoadMarkets(); err != nil {
			return nil, err
		}
		market, ok := ex.Market(symbol).(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("exchange: 未知合约 %s", symbol)
		}
		return market, nil
	}

	return newClient(cfg, ex, loader, logger), nil
}

func newClient(cfg config.VenueConfig, api orderAPI, markets marketLoader, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	if cfg.AmendRate > 0 {
		limit = rate.Limit(cfg.AmendRate)
	}
	burst := cfg.AmendBurst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		cfg:     cfg,
		logger:  logger.Named("exchange"),
		api:     api,
		markets: markets,
		limiter: rate.NewLimiter(limit, burst),
		specs:   make(map[string]domain.MarketSpec),
	}
}

// MarketSpec 读取合约的数量步长与最小下单量，结果按合约缓存。
func (c *Client) MarketSpec(ctx context.Context, instrument string) (domain.MarketSpec, error) {
	c.specMu.Lock()
	defer c.specMu.Unlock()

	if spec, ok := c.specs[instrument]; ok {
		return spec, nil
	}

	var market map[string]interface{}
	err := c.callWithRetry(ctx, "load_markets", func() error {
		m, err := c.markets(instrument)
		if err != nil {
			return err
		}
		market = m
		return nil
	})
	if err != nil {
		return domain.MarketSpec{}, err
	}

	spec := parseMarketSpec(instrument, market)
	c.specs[instrument] = spec
	c.logger.Info("已加载合约精度",
		zap.String("instrument", instrument),
		zap.Stringer("size_increment", spec.SizeIncrement),
		zap.Stringer("min_size", spec.MinSize),
		zap.Stringer("price_increment", spec.PriceIncrement),
	)
	return spec, nil
}

// Place 提交 GTC 限价单。下单不做盲目重试，失败由调用方决定。
func (c *Client) Place(ctx context.Context, req domain.PlaceRequest) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}

	params := map[string]interface{}{
		"timeInForce":   "GTC",
		"clientOrderId": "hedger-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:20],
	}
	if req.ReduceOnly {
		params["reduceOnly"] = true
	}

	start := time.Now()
	raw, err := c.api.CreateLimitOrder(
		req.Instrument,
		string(req.Side),
		req.Size.InexactFloat64(),
		req.Price.InexactFloat64(),
		ccxt.WithCreateLimitOrderParams(params),
	)
	if err != nil {
		normalized, _ := c.classifyError(err)
		c.logger.Warn("下单失败",
			zap.String("instrument", req.Instrument),
			zap.String("side", string(req.Side)),
			zap.Stringer("price", req.Price),
			zap.Stringer("size", req.Size),
			zap.Error(normalized),
		)
		return domain.Order{}, fmt.Errorf("exchange: 下单失败: %w", normalized)
	}

	order := convertOrder(raw, req.Side, req.Price, req.Size)
	c.logger.Info("限价单已提交",
		zap.String("order_id", order.ID),
		zap.String("instrument", req.Instrument),
		zap.Stringer("price", order.Price),
		zap.Stringer("size", order.Size),
		zap.Bool("reduce_only", req.ReduceOnly),
		zap.Duration("latency", time.Since(start)),
	)
	return order, nil
}

// Amend 修改挂单价格与数量，受改单限速约束。
func (c *Client) Amend(ctx context.Context, req domain.AmendRequest) (domain.Order, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return domain.Order{}, err
	}

	raw, err := c.api.EditOrder(
		req.OrderID,
		req.Instrument,
		"limit",
		string(req.Side),
		ccxt.WithEditOrderAmount(req.Size.InexactFloat64()),
		ccxt.WithEditOrderPrice(req.Price.InexactFloat64()),
	)
	if err != nil {
		normalized, _ := c.classifyError(err)
		return domain.Order{}, fmt.Errorf("exchange: 改单失败: %w", normalized)
	}

	order := convertOrder(raw, req.Side, req.Price, req.Size)
	if order.ID == "" {
		order.ID = req.OrderID
	}
	return order, nil
}

// Cancel 撤销挂单；订单已不存在视为成功。
func (c *Client) Cancel(ctx context.Context, instrument, orderID string) error {
	err := c.callWithRetry(ctx, "cancel_order", func() error {
		_, err := c.api.CancelOrder(orderID, ccxt.WithCancelOrderSymbol(instrument))
		return err
	})
	if errors.Is(err, ErrOrderNotFound) {
		c.logger.Info("订单已不存在，无需撤单", zap.String("order_id", orderID))
		return nil
	}
	return err
}

// FetchQuote 读取订单簿最优买卖价。
func (c *Client) FetchQuote(ctx context.Context, instrument string) (domain.Quote, error) {
	var book ccxt.OrderBook
	err := c.callWithRetry(ctx, "fetch_order_book", func() error {
		ob, err := c.api.FetchOrderBook(instrument, ccxt.WithFetchOrderBookLimit(5))
		if err != nil {
			return err
		}
		book = ob
		return nil
	})
	if err != nil {
		return domain.Quote{}, err
	}

	quote := domain.Quote{Time: time.Now().UTC()}
	if book.Timestamp != nil {
		quote.Time = time.UnixMilli(*book.Timestamp).UTC()
	}
	if len(book.Bids) > 0 && len(book.Bids[0]) > 0 {
		quote.Bid = decimal.NewFromFloat(book.Bids[0][0])
	}
	if len(book.Asks) > 0 && len(book.Asks[0]) > 0 {
		quote.Ask = decimal.NewFromFloat(book.Asks[0][0])
	}
	if !quote.Valid() {
		return domain.Quote{}, fmt.Errorf("exchange: %s 订单簿为空", instrument)
	}
	return quote, nil
}

// Positions 读取账户全部合约持仓。
func (c *Client) Positions(ctx context.Context) ([]ccxt.Position, error) {
	var out []ccxt.Position
	err := c.callWithRetry(ctx, "fetch_positions", func() error {
		ps, err := c.api.FetchPositions()
		if err != nil {
			return err
		}
		out = ps
		return nil
	})
	return out, err
}

func convertOrder(raw ccxt.Order, side domain.Side, price, size decimal.Decimal) domain.Order {
	order := domain.Order{
		Side:      side,
		Price:     price,
		Size:      size,
		Remaining: size,
	}
	if raw.Id != nil {
		order.ID = *raw.Id
	}
	if raw.Price != nil && *raw.Price > 0 {
		order.Price = decimal.NewFromFloat(*raw.Price)
	}
	if raw.Amount != nil && *raw.Amount > 0 {
		order.Size = decimal.NewFromFloat(*raw.Amount)
	}
	if raw.Remaining != nil {
		order.Remaining = decimal.NewFromFloat(*raw.Remaining)
	}
	return order
}

func parseMarketSpec(instrument string, market map[string]interface{}) domain.MarketSpec {
	spec := domain.MarketSpec{Instrument: instrument}

	if precision, ok := market["precision"].(map[string]interface{}); ok {
		spec.SizeIncrement = toDecimal(precision["amount"])
		spec.PriceIncrement = toDecimal(precision["price"])
	}
	if limits, ok := market["limits"].(map[string]interface{}); ok {
		if amount, ok := limits["amount"].(map[string]interface{}); ok {
			spec.MinSize = toDecimal(amount["min"])
		}
	}
	return spec
}

func toDecimal(v interface{}) decimal.Decimal {
	switch n := v.(type) {
	case float64:
		return decimal.NewFromFloat(n)
	case int64:
		return decimal.NewFromInt(n)
	case int:
		return decimal.NewFromInt(int64(n))
	case string:
		d, err := decimal.NewFromString(n)
		if err != nil {
			return decimal.Zero
		}
		return d
	default:
		return decimal.Zero
	}
}
