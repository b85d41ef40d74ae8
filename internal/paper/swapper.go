package paper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"carry-hedger/internal/config"
	"carry-hedger/internal/domain"
	"carry-hedger/internal/hedge"
)

var _ hedge.Swapper = (*Swapper)(nil)

// Swapper 按模拟市场中间价成交，可配置延迟与周期性失败。
type Swapper struct {
	market    *Market
	quote     domain.Asset
	latency   time.Duration
	failEvery int
	logger    *zap.Logger

	mu    sync.Mutex
	calls int
}

// NewSwapper 创建模拟兑换；quote 为计价资产，用于判断兑换方向。
func NewSwapper(market *Market, quote domain.Asset, cfg config.PaperConfig, logger *zap.Logger) *Swapper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Swapper{
		market:    market,
		quote:     quote,
		latency:   cfg.SwapLatency,
		failEvery: cfg.SwapFailEvery,
		logger:    logger.Named("paper"),
	}
}

// Swap 实现 hedge.Swapper。
func (s *Swapper) Swap(ctx context.Context, req domain.SwapRequest) (domain.SwapResult, error) {
	s.mu.Lock()
	s.calls++
	n := s.calls
	s.mu.Unlock()

	if s.latency > 0 {
		timer := time.NewTimer(s.latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return domain.SwapResult{}, ctx.Err()
		case <-timer.C:
		}
	}
	if s.failEvery > 0 && n%s.failEvery == 0 {
		return domain.SwapResult{}, fmt.Errorf("paper: 第 %d 次兑换模拟失败", n)
	}

	mid := s.market.Mid()
	in := req.Input.FromRaw(req.RawAmount)
	var out decimal.Decimal
	if req.Input.Mint == s.quote.Mint {
		out = in.Div(mid)
	} else {
		out = in.Mul(mid)
	}

	res := domain.SwapResult{
		Signature: fmt.Sprintf("paper-swap-%d", n),
		InputRaw:  req.RawAmount,
		OutputRaw: req.Output.ToRaw(out),
	}
	s.logger.Debug("模拟兑换完成",
		zap.String("input", req.Input.Symbol),
		zap.String("output", req.Output.Symbol),
		zap.Uint64("input_raw", res.InputRaw),
		zap.Uint64("output_raw", res.OutputRaw),
	)
	return res, nil
}
