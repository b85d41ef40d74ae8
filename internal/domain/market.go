package domain

import "github.com/shopspring/decimal"

// MarketSpec 为交易所合约的下单精度约束。
type MarketSpec struct {
	Instrument     string
	SizeIncrement  decimal.Decimal
	MinSize        decimal.Decimal
	PriceIncrement decimal.Decimal
}

// FloorSize 将数量向下取整到最小步长，从不向上取整。
func (m MarketSpec) FloorSize(size decimal.Decimal) decimal.Decimal {
	if !size.IsPositive() {
		return decimal.Zero
	}
	if !m.SizeIncrement.IsPositive() {
		return size
	}
	return size.Div(m.SizeIncrement).Floor().Mul(m.SizeIncrement)
}

// Tradable 判断数量是否满足最小下单量。
func (m MarketSpec) Tradable(size decimal.Decimal) bool {
	if !size.IsPositive() {
		return false
	}
	if m.MinSize.IsPositive() && size.LessThan(m.MinSize) {
		return false
	}
	return true
}
