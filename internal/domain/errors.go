package domain

import "errors"

var (
	// ErrSizeTooSmall 表示改单后数量低于交易所最小挂单量，交易所拒绝提供流动性。
	ErrSizeTooSmall = errors.New("size too small to provide liquidity")
	// ErrOrderRejected 表示交易所拒绝委托。
	ErrOrderRejected = errors.New("order rejected")
	// ErrOrderNotFound 表示交易所已找不到该订单（已成交、已撤销或被自动撤单）。
	ErrOrderNotFound = errors.New("order not found")
	// ErrValidityExpired 表示交易有效区块高度已过，需要重新询价构造新交易。
	ErrValidityExpired = errors.New("transaction validity window expired")
	// ErrNoRoute 表示兑换路由为空。
	ErrNoRoute = errors.New("no swap route")
	// ErrFeedFatal 表示行情连接出现不可恢复错误（例如鉴权被拒）。
	ErrFeedFatal = errors.New("feed fatal error")
)
