package feed

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"carry-hedger/internal/domain"
)

// bookTickerEvent 为 <symbol>@bookTicker 推送。
type bookTickerEvent struct {
	Event     string `json:"e"`
	Symbol    string `json:"s"`
	Bid       string `json:"b"`
	Ask       string `json:"a"`
	EventTime int64  `json:"E"`
}

// userEvent 为用户数据流推送，仅解析成交相关字段。
type userEvent struct {
	Event string          `json:"e"`
	Time  int64           `json:"E"`
	Order *orderTradeData `json:"o"`
}

type orderTradeData struct {
	Symbol        string `json:"s"`
	Side          string `json:"S"`
	ExecutionType string `json:"x"`
	Status        string `json:"X"`
	OrderID       int64  `json:"i"`
	LastQty       string `json:"l"`
	LastPrice     string `json:"L"`
	TradeTime     int64  `json:"T"`
}

const (
	eventBookTicker       = "bookTicker"
	eventOrderTradeUpdate = "ORDER_TRADE_UPDATE"
	eventListenKeyExpired = "listenKeyExpired"
	executionTrade        = "TRADE"
)

// StreamSymbol 将统一合约符号转为推送流符号，如 SOL/USDT:USDT -> solusdt。
func StreamSymbol(instrument string) string {
	s := instrument
	if i := strings.Index(s, ":"); i >= 0 {
		s = s[:i]
	}
	s = strings.ReplaceAll(s, "/", "")
	s = strings.ReplaceAll(s, "-", "")
	return strings.ToLower(strings.TrimSpace(s))
}

func parseQuote(msg []byte) (domain.Quote, bool) {
	var ev bookTickerEvent
	if err := json.Unmarshal(msg, &ev); err != nil {
		return domain.Quote{}, false
	}
	if ev.Event != "" && ev.Event != eventBookTicker {
		return domain.Quote{}, false
	}
	bid, err := decimal.NewFromString(ev.Bid)
	if err != nil {
		return domain.Quote{}, false
	}
	ask, err := decimal.NewFromString(ev.Ask)
	if err != nil {
		return domain.Quote{}, false
	}
	ts := time.Now().UTC()
	if ev.EventTime > 0 {
		ts = time.UnixMilli(ev.EventTime).UTC()
	}
	q := domain.Quote{Bid: bid, Ask: ask, Time: ts}
	return q, q.Valid()
}

// parseFill 解析成交事件；symbol 为推送流符号，非该合约或非成交事件返回 false。
func parseFill(ev userEvent, symbol string) (domain.Fill, bool) {
	if ev.Event != eventOrderTradeUpdate || ev.Order == nil {
		return domain.Fill{}, false
	}
	o := ev.Order
	if o.ExecutionType != executionTrade || strings.ToLower(o.Symbol) != symbol {
		return domain.Fill{}, false
	}
	size, err := decimal.NewFromString(o.LastQty)
	if err != nil || !size.IsPositive() {
		return domain.Fill{}, false
	}
	price, err := decimal.NewFromString(o.LastPrice)
	if err != nil {
		return domain.Fill{}, false
	}
	ts := time.Now().UTC()
	if o.TradeTime > 0 {
		ts = time.UnixMilli(o.TradeTime).UTC()
	}
	return domain.Fill{
		OrderID: strconv.FormatInt(o.OrderID, 10),
		Size:    size,
		Price:   price,
		Time:    ts,
	}, true
}
