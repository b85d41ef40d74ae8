package position

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type positionClient interface {
	Positions(ctx context.Context) ([]ccxt.Position, error)
}

// Exposure 为交易所上单个合约方向的持仓。
type Exposure struct {
	Instrument string
	Side       string
	Size       decimal.Decimal
	EntryPrice float64
	MarkPrice  float64
	Unrealized float64
	Leverage   float64
	MarginMode string
	Timestamp  time.Time
}

// Reader 读取交易所持仓，用于平仓前核对 Redis 记录。
type Reader struct {
	client positionClient
	logger *zap.Logger
}

// NewReader 创建持仓读取器。
func NewReader(client positionClient, logger *zap.Logger) *Reader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reader{client: client, logger: logger.Named("position")}
}

// Short 返回 instrument 的空头持仓，无持仓时 Size 为 0。
func (r *Reader) Short(ctx context.Context, instrument string) (Exposure, error) {
	raw, err := r.client.Positions(ctx)
	if err != nil {
		return Exposure{}, fmt.Errorf("position: 获取持仓失败: %w", err)
	}

	now := time.Now().UTC()
	for _, p := range raw {
		symbol := derefString(p.Symbol)
		if symbol == "" || !strings.EqualFold(symbol, instrument) {
			continue
		}
		size := derefFloat(p.Contracts)
		if size == 0 && p.Info != nil {
			// 部分返回只在 info.positionAmt 中带符号给出数量
			size = parseNumeric(p.Info["positionAmt"])
		}
		side := strings.ToLower(strings.TrimSpace(derefString(p.Side)))
		if side == "" && size < 0 {
			side = "short"
		}
		if side != "short" || size == 0 {
			continue
		}
		if size < 0 {
			size = -size
		}
		return Exposure{
			Instrument: symbol,
			Side:       side,
			Size:       decimal.NewFromFloat(size),
			EntryPrice: derefFloat(p.EntryPrice),
			MarkPrice:  derefFloat(p.MarkPrice),
			Unrealized: derefFloat(p.UnrealizedPnl),
			Leverage:   derefFloat(p.Leverage),
			MarginMode: strings.ToUpper(strings.TrimSpace(derefString(p.MarginMode))),
			Timestamp:  now,
		}, nil
	}
	return Exposure{Instrument: instrument, Size: decimal.Zero, Timestamp: now}, nil
}

func derefFloat(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func parseNumeric(value interface{}) float64 {
	switch v := value.(type) {
	case float64:
		return v
	case *float64:
		if v != nil {
			return *v
		}
	case int64:
		return float64(v)
	case int:
		return float64(v)
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	return 0
}
