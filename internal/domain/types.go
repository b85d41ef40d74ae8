package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side 表示委托方向。
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite 返回反方向。
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Quote 为最新一档买卖价，仅保留最后一次推送。
type Quote struct {
	Bid  decimal.Decimal
	Ask  decimal.Decimal
	Time time.Time
}

// Touch 返回挂单方向对应的盘口价：卖单挂卖一，买单挂买一。
func (q Quote) Touch(side Side) decimal.Decimal {
	if side == SideSell {
		return q.Ask
	}
	return q.Bid
}

// Valid 判断报价是否可用于下单。
func (q Quote) Valid() bool {
	return q.Bid.IsPositive() && q.Ask.IsPositive()
}

// Fill 为成交回报。
type Fill struct {
	OrderID string
	Size    decimal.Decimal
	Price   decimal.Decimal
	Time    time.Time
}

// Order 为交易所返回的挂单状态。
type Order struct {
	ID        string
	Side      Side
	Price     decimal.Decimal
	Size      decimal.Decimal
	Remaining decimal.Decimal
}

// PlaceRequest 描述首次挂单。
type PlaceRequest struct {
	Instrument string
	Side       Side
	Price      decimal.Decimal
	Size       decimal.Decimal
	ReduceOnly bool
}

// AmendRequest 描述改单。
type AmendRequest struct {
	Instrument string
	OrderID    string
	Side       Side
	Price      decimal.Decimal
	Size       decimal.Decimal
}

// SwapRequest 描述一次链上兑换。
type SwapRequest struct {
	Input     Asset
	Output    Asset
	RawAmount uint64
}

// SwapResult 为已确认的兑换结果。
type SwapResult struct {
	Signature string
	InputRaw  uint64
	OutputRaw uint64
	Slot      uint64
}
