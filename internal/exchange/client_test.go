package exchange

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carry-hedger/internal/config"
	"carry-hedger/internal/domain"
)

type limitCall struct {
	symbol string
	side   string
	amount float64
	price  float64
}

type editCall struct {
	id     string
	symbol string
	side   string
}

type mockOrderAPI struct {
	mu         sync.Mutex
	limitCalls []limitCall
	editCalls  []editCall
	cancels    []string
	createErr  error
	editErr    error
	cancelErrs []error
	book       ccxt.OrderBook
	positions  []ccxt.Position
}

func strPtr(s string) *string     { return &s }
func floatPtr(f float64) *float64 { return &f }
func int64Ptr(v int64) *int64     { return &v }

func (m *mockOrderAPI) CreateLimitOrder(symbol string, side string, amount float64, price float64, _ ...ccxt.CreateLimitOrderOptions) (ccxt.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limitCalls = append(m.limitCalls, limitCall{symbol: symbol, side: side, amount: amount, price: price})
	if m.createErr != nil {
		return ccxt.Order{}, m.createErr
	}
	return ccxt.Order{Id: strPtr("1001"), Price: floatPtr(price), Amount: floatPtr(amount), Remaining: floatPtr(amount)}, nil
}

func (m *mockOrderAPI) EditOrder(id string, symbol string, _ string, side string, _ ...ccxt.EditOrderOptions) (ccxt.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.editCalls = append(m.editCalls, editCall{id: id, symbol: symbol, side: side})
	if m.editErr != nil {
		return ccxt.Order{}, m.editErr
	}
	return ccxt.Order{Id: strPtr("1002")}, nil
}

func (m *mockOrderAPI) CancelOrder(id string, _ ...ccxt.CancelOrderOptions) (ccxt.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancels = append(m.cancels, id)
	if len(m.cancelErrs) > 0 {
		err := m.cancelErrs[0]
		m.cancelErrs = m.cancelErrs[1:]
		if err != nil {
			return ccxt.Order{}, err
		}
	}
	return ccxt.Order{Id: strPtr(id)}, nil
}

func (m *mockOrderAPI) FetchOrderBook(string, ...ccxt.FetchOrderBookOptions) (ccxt.OrderBook, error) {
	return m.book, nil
}

func (m *mockOrderAPI) FetchPositions(...ccxt.FetchPositionsOptions) ([]ccxt.Position, error) {
	return m.positions, nil
}

func testVenueConfig() config.VenueConfig {
	return config.VenueConfig{
		AmendRate:  1000,
		AmendBurst: 10,
		Retry: config.RetryConfig{
			MaxAttempts: 3,
			MinDelay:    time.Millisecond,
			MaxDelay:    2 * time.Millisecond,
		},
	}
}

func solMarket() map[string]interface{} {
	return map[string]interface{}{
		"symbol": "SOL/USDT:USDT",
		"precision": map[string]interface{}{
			"amount": 0.01,
			"price":  0.001,
		},
		"limits": map[string]interface{}{
			"amount": map[string]interface{}{"min": 0.01},
		},
	}
}

func TestClientMarketSpecParsesAndCaches(t *testing.T) {
	loads := 0
	loader := func(string) (map[string]interface{}, error) {
		loads++
		return solMarket(), nil
	}
	c := newClient(testVenueConfig(), &mockOrderAPI{}, loader, nil)

	spec, err := c.MarketSpec(context.Background(), "SOL/USDT:USDT")
	require.NoError(t, err)
	assert.True(t, spec.SizeIncrement.Equal(decimal.RequireFromString("0.01")))
	assert.True(t, spec.MinSize.Equal(decimal.RequireFromString("0.01")))
	assert.True(t, spec.PriceIncrement.Equal(decimal.RequireFromString("0.001")))

	_, err = c.MarketSpec(context.Background(), "SOL/USDT:USDT")
	require.NoError(t, err)
	assert.Equal(t, 1, loads)
}

func TestClientPlaceConvertsOrder(t *testing.T) {
	api := &mockOrderAPI{}
	c := newClient(testVenueConfig(), api, nil, nil)

	order, err := c.Place(context.Background(), domain.PlaceRequest{
		Instrument: "SOL/USDT:USDT",
		Side:       domain.SideSell,
		Price:      decimal.RequireFromString("150.25"),
		Size:       decimal.RequireFromString("3.5"),
	})
	require.NoError(t, err)
	assert.Equal(t, "1001", order.ID)
	assert.Equal(t, domain.SideSell, order.Side)
	assert.True(t, order.Price.Equal(decimal.RequireFromString("150.25")))

	require.Len(t, api.limitCalls, 1)
	assert.Equal(t, "sell", api.limitCalls[0].side)
	assert.InDelta(t, 3.5, api.limitCalls[0].amount, 1e-9)
}

func TestClientClassifiesSizeTooSmall(t *testing.T) {
	api := &mockOrderAPI{
		editErr: &ccxt.Error{Type: ccxt.InvalidOrderErrType, Message: `binanceusdm {"code":-4164,"msg":"Order's notional must be no smaller than 5 (unless you choose reduce only)."}`},
	}
	c := newClient(testVenueConfig(), api, nil, nil)

	_, err := c.Amend(context.Background(), domain.AmendRequest{
		Instrument: "SOL/USDT:USDT",
		OrderID:    "1001",
		Side:       domain.SideSell,
		Price:      decimal.RequireFromString("150"),
		Size:       decimal.RequireFromString("0.01"),
	})
	require.ErrorIs(t, err, domain.ErrSizeTooSmall)
	require.Len(t, api.editCalls, 1)
	assert.Equal(t, "1001", api.editCalls[0].id)
}

func TestClientClassifiesRejection(t *testing.T) {
	api := &mockOrderAPI{
		createErr: &ccxt.Error{Type: ccxt.InsufficientFundsErrType, Message: "Margin is insufficient."},
	}
	c := newClient(testVenueConfig(), api, nil, nil)

	_, err := c.Place(context.Background(), domain.PlaceRequest{
		Instrument: "SOL/USDT:USDT",
		Side:       domain.SideBuy,
		Price:      decimal.NewFromInt(100),
		Size:       decimal.NewFromInt(1),
		ReduceOnly: true,
	})
	require.ErrorIs(t, err, domain.ErrOrderRejected)
	assert.NotErrorIs(t, err, domain.ErrSizeTooSmall)
}

func TestClientAmendKeepsOrderIDFromResponse(t *testing.T) {
	c := newClient(testVenueConfig(), &mockOrderAPI{}, nil, nil)
	order, err := c.Amend(context.Background(), domain.AmendRequest{
		OrderID: "1001",
		Side:    domain.SideBuy,
		Price:   decimal.NewFromInt(99),
		Size:    decimal.NewFromInt(2),
	})
	require.NoError(t, err)
	assert.Equal(t, "1002", order.ID)
	assert.True(t, order.Price.Equal(decimal.NewFromInt(99)))
	assert.True(t, order.Size.Equal(decimal.NewFromInt(2)))
}

func TestClientAmendMissingOrder(t *testing.T) {
	api := &mockOrderAPI{
		editErr: &ccxt.Error{Type: ccxt.OrderNotFoundErrType, Message: "Order does not exist."},
	}
	c := newClient(testVenueConfig(), api, nil, nil)

	_, err := c.Amend(context.Background(), domain.AmendRequest{
		OrderID: "1001",
		Side:    domain.SideBuy,
		Price:   decimal.NewFromInt(99),
		Size:    decimal.NewFromInt(2),
	})
	require.ErrorIs(t, err, ErrOrderNotFound)
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestClientCancelRetriesNetworkErrors(t *testing.T) {
	api := &mockOrderAPI{
		cancelErrs: []error{&ccxt.Error{Type: ccxt.NetworkErrorErrType, Message: "connection reset"}, nil},
	}
	c := newClient(testVenueConfig(), api, nil, nil)

	require.NoError(t, c.Cancel(context.Background(), "SOL/USDT:USDT", "1001"))
	assert.Equal(t, []string{"1001", "1001"}, api.cancels)
}

func TestClientCancelIgnoresMissingOrder(t *testing.T) {
	api := &mockOrderAPI{
		cancelErrs: []error{&ccxt.Error{Type: ccxt.OrderNotFoundErrType, Message: "Unknown order sent."}},
	}
	c := newClient(testVenueConfig(), api, nil, nil)

	require.NoError(t, c.Cancel(context.Background(), "SOL/USDT:USDT", "1001"))
	assert.Len(t, api.cancels, 1)
}

func TestClientFetchQuote(t *testing.T) {
	api := &mockOrderAPI{book: ccxt.OrderBook{
		Bids:      [][]float64{{149.9, 10}},
		Asks:      [][]float64{{150.1, 8}},
		Timestamp: int64Ptr(1_700_000_000_000),
	}}
	c := newClient(testVenueConfig(), api, nil, nil)

	q, err := c.FetchQuote(context.Background(), "SOL/USDT:USDT")
	require.NoError(t, err)
	assert.True(t, q.Bid.Equal(decimal.RequireFromString("149.9")))
	assert.True(t, q.Ask.Equal(decimal.RequireFromString("150.1")))
	assert.Equal(t, int64(1_700_000_000_000), q.Time.UnixMilli())
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(errors.New("plain")))
	assert.True(t, IsRetryable(&ccxt.Error{Type: ccxt.RequestTimeoutErrType}))
	assert.False(t, IsRetryable(&ccxt.Error{Type: ccxt.InvalidOrderErrType}))
}
