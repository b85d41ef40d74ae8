package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	ccxt "github.com/ccxt/ccxt/go/v4"

	"carry-hedger/internal/domain"
)

var (
	// ErrMaintenance 表示交易所处于维护状态。
	ErrMaintenance = errors.New("exchange on maintenance")
	// ErrOrderNotFound 表示订单已成交或已撤销。
	ErrOrderNotFound = errors.New("exchange: order not found")
)

// 交易所对数量过小的拒单没有独立错误类型，只能按消息识别
var sizeTooSmallMarkers = []string{
	"too small",
	"min_notional",
	"notional must be no smaller",
	"lot_size",
	"-4164",
	"-4003",
}

// IsRetryable 判断错误是否可重试。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		switch ccxtErr.Type {
		case ccxt.NetworkErrorErrType,
			ccxt.RequestTimeoutErrType,
			ccxt.ExchangeNotAvailableErrType,
			ccxt.RateLimitExceededErrType,
			ccxt.DDoSProtectionErrType,
			ccxt.BadResponseErrType,
			ccxt.NullResponseErrType:
			return true
		default:
			return false
		}
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// classifyError 将 ccxt 错误归一为领域错误，并返回是否可重试。
func (c *Client) classifyError(err error) (error, bool) {
	if err == nil {
		return nil, false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err, false
	}

	if isSizeTooSmall(err.Error()) {
		return fmt.Errorf("%w: %s", domain.ErrSizeTooSmall, strings.TrimSpace(err.Error())), false
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		switch ccxtErr.Type {
		case ccxt.OnMaintenanceErrType:
			message := strings.TrimSpace(ccxtErr.Message)
			if message == "" {
				message = "exchange under maintenance"
			}
			return fmt.Errorf("%w: %s", ErrMaintenance, message), false
		case ccxt.OrderNotFoundErrType:
			return fmt.Errorf("%w: %w: %s", ErrOrderNotFound, domain.ErrOrderNotFound, ccxtErr.Message), false
		case ccxt.InvalidOrderErrType, ccxt.InsufficientFundsErrType:
			return fmt.Errorf("%w: %s", domain.ErrOrderRejected, ccxtErr.Message), false
		}
	}

	return err, IsRetryable(err)
}

func isSizeTooSmall(message string) bool {
	lower := strings.ToLower(message)
	for _, marker := range sizeTooSmallMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
