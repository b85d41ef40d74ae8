package domain

import (
	"math"
	"math/big"

	"github.com/shopspring/decimal"
)

var maxRaw = decimal.NewFromBigInt(new(big.Int).SetUint64(math.MaxUint64), 0)

// Asset 描述链上代币。
type Asset struct {
	Symbol   string `json:"symbol" mapstructure:"symbol"`
	Mint     string `json:"mint" mapstructure:"mint"`
	Decimals int32  `json:"decimals" mapstructure:"decimals"`
}

// ToRaw 将可读数量换算为整数原始单位，向下取整；负数记为 0。
func ToRaw(ui decimal.Decimal, decimals int32) uint64 {
	raw := ui.Shift(decimals).Floor()
	if !raw.IsPositive() {
		return 0
	}
	if raw.GreaterThanOrEqual(maxRaw) {
		return math.MaxUint64
	}
	return raw.BigInt().Uint64()
}

// FromRaw 将原始单位还原为可读数量。
func FromRaw(raw uint64, decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(raw), -decimals)
}

// ToRaw 按资产精度换算。
func (a Asset) ToRaw(ui decimal.Decimal) uint64 {
	return ToRaw(ui, a.Decimals)
}

// FromRaw 按资产精度还原。
func (a Asset) FromRaw(raw uint64) decimal.Decimal {
	return FromRaw(raw, a.Decimals)
}

// FloorToDecimals 按小数位向下截断。
func FloorToDecimals(v decimal.Decimal, decimals int32) decimal.Decimal {
	return v.Shift(decimals).Floor().Shift(-decimals)
}
