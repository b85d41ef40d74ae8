// Package swap 通过 Jupiter 路由与 Solana RPC 执行对冲兑换。
package swap

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"carry-hedger/internal/config"
	"carry-hedger/internal/domain"
	"carry-hedger/internal/hedge"
)

// NativeMint 为 wSOL 的 mint，作为兑换输出时按 lamports 余额计量。
const NativeMint = "So11111111111111111111111111111111111111112"

const (
	defaultConfirmTimeout = 120 * time.Second
	defaultRetryDelay     = 500 * time.Millisecond
	confirmPollInterval   = time.Second
)

var _ hedge.Swapper = (*Executor)(nil)

// ErrConfirmTimeout 表示交易在确认超时内未上链。
var ErrConfirmTimeout = errors.New("swap: confirmation timed out")

// ErrTransactionFailed 表示交易已上链但执行失败。
var ErrTransactionFailed = errors.New("swap: transaction failed on chain")

type routeAPI interface {
	Quote(ctx context.Context, input, output domain.Asset, rawAmount uint64) (Route, error)
	BuildSwap(ctx context.Context, route Route, owner string) (SwapTx, error)
}

type chainAPI interface {
	SendTransaction(ctx context.Context, tx []byte) (string, error)
	SignatureStatus(ctx context.Context, sig string) (SignatureStatus, bool, error)
	BlockHeight(ctx context.Context) (uint64, error)
	TransactionMeta(ctx context.Context, sig string) (TransactionMeta, bool, error)
}

type txSigner interface {
	PublicKey() string
	Sign(tx []byte) ([]byte, string, error)
}

// Executor 实现 hedge.Swapper：报价、构造、签名、广播并等待确认。
type Executor struct {
	router routeAPI
	chain  chainAPI
	signer txSigner
	cfg    config.SwapConfig
	poll   time.Duration
	logger *zap.Logger
}

// NewExecutor 按配置创建执行器。
func NewExecutor(cfg config.SwapConfig, logger *zap.Logger) (*Executor, error) {
	signer, err := NewSigner(cfg.SecretKey)
	if err != nil {
		return nil, err
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return newExecutor(cfg, NewRouter(cfg.RouterURL, cfg.SlippageBps, timeout), NewRPC(cfg.RPCURL, timeout), signer, logger), nil
}

func newExecutor(cfg config.SwapConfig, router routeAPI, chain chainAPI, signer txSigner, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = defaultConfirmTimeout
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	return &Executor{
		router: router,
		chain:  chain,
		signer: signer,
		cfg:    cfg,
		poll:   confirmPollInterval,
		logger: logger.Named("swap"),
	}
}

// Swap 执行一次兑换。交易有效期过期时重新报价并构造新交易，次数受 MaxRequotes 限制（0 表示不限）。
func (e *Executor) Swap(ctx context.Context, req domain.SwapRequest) (domain.SwapResult, error) {
	if req.RawAmount == 0 {
		return domain.SwapResult{}, errors.New("swap: 数量为 0")
	}

	for requote := 0; ; requote++ {
		res, err := e.attempt(ctx, req)
		if !errors.Is(err, domain.ErrValidityExpired) {
			return res, err
		}
		if e.cfg.MaxRequotes > 0 && requote+1 >= e.cfg.MaxRequotes {
			return domain.SwapResult{}, fmt.Errorf("swap: 重新报价 %d 次仍过期: %w", requote+1, err)
		}
		e.logger.Warn("交易有效期已过，重新报价",
			zap.String("input", req.Input.Symbol),
			zap.Uint64("raw_amount", req.RawAmount),
			zap.Int("requote", requote+1),
		)
	}
}

func (e *Executor) attempt(ctx context.Context, req domain.SwapRequest) (domain.SwapResult, error) {
	route, err := e.router.Quote(ctx, req.Input, req.Output, req.RawAmount)
	if err != nil {
		return domain.SwapResult{}, err
	}
	built, err := e.router.BuildSwap(ctx, route, e.signer.PublicKey())
	if err != nil {
		return domain.SwapResult{}, err
	}
	signed, sig, err := e.signer.Sign(built.Transaction)
	if err != nil {
		return domain.SwapResult{}, err
	}

	slot, err := e.sendAndConfirm(ctx, signed, sig, built.LastValidBlockHeight)
	if err != nil {
		return domain.SwapResult{}, err
	}

	res := domain.SwapResult{
		Signature: sig,
		InputRaw:  route.InAmount,
		OutputRaw: route.OutAmount,
		Slot:      slot,
	}
	if out, ok := e.settledOutput(ctx, sig, req.Output); ok {
		res.OutputRaw = out
	}
	e.logger.Info("兑换已确认",
		zap.String("signature", sig),
		zap.String("input", req.Input.Symbol),
		zap.String("output", req.Output.Symbol),
		zap.Uint64("input_raw", res.InputRaw),
		zap.Uint64("output_raw", res.OutputRaw),
	)
	return res, nil
}

// sendAndConfirm 重复广播同一笔交易直到确认；有效期过期返回 domain.ErrValidityExpired。
func (e *Executor) sendAndConfirm(ctx context.Context, tx []byte, sig string, lastValid uint64) (uint64, error) {
	var lastErr error
	for attempt := 1; ; attempt++ {
		slot, err := e.sendOnce(ctx, tx, sig, lastValid)
		if err == nil {
			return slot, nil
		}
		if errors.Is(err, domain.ErrValidityExpired) || ctx.Err() != nil {
			return 0, err
		}
		lastErr = err
		if e.cfg.MaxSendAttempts > 0 && attempt >= e.cfg.MaxSendAttempts {
			return 0, fmt.Errorf("swap: 广播 %d 次失败: %w", attempt, lastErr)
		}
		e.logger.Warn("交易未确认，稍后重试",
			zap.String("signature", sig),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if err := sleepCtx(ctx, e.cfg.RetryDelay); err != nil {
			return 0, err
		}
	}
}

func (e *Executor) sendOnce(ctx context.Context, tx []byte, sig string, lastValid uint64) (uint64, error) {
	if _, err := e.chain.SendTransaction(ctx, tx); err != nil {
		return 0, err
	}

	confirmCtx, cancel := context.WithTimeout(ctx, e.cfg.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(e.poll)
	defer ticker.Stop()

	for {
		status, seen, err := e.chain.SignatureStatus(confirmCtx, sig)
		switch {
		case err != nil:
			e.logger.Debug("查询交易状态失败", zap.String("signature", sig), zap.Error(err))
		case seen && status.Failed():
			return 0, fmt.Errorf("%w: %s", ErrTransactionFailed, string(status.Err))
		case seen && status.Confirmed():
			return status.Slot, nil
		}

		if lastValid > 0 {
			if height, err := e.chain.BlockHeight(confirmCtx); err == nil && height > lastValid {
				return 0, fmt.Errorf("swap: 区块高度 %d 超过 %d: %w", height, lastValid, domain.ErrValidityExpired)
			}
		}

		select {
		case <-confirmCtx.Done():
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			return 0, ErrConfirmTimeout
		case <-ticker.C:
		}
	}
}

// settledOutput 从交易余额变化中读取实际到账数量。
func (e *Executor) settledOutput(ctx context.Context, sig string, output domain.Asset) (uint64, bool) {
	meta, ok, err := e.chain.TransactionMeta(ctx, sig)
	if err != nil || !ok {
		if err != nil {
			e.logger.Debug("读取交易余额失败，使用报价数量", zap.String("signature", sig), zap.Error(err))
		}
		return 0, false
	}
	return outputDelta(meta, e.signer.PublicKey(), output.Mint)
}

func outputDelta(meta TransactionMeta, owner, mint string) (uint64, bool) {
	if mint == NativeMint {
		if len(meta.PreBalances) == 0 || len(meta.PostBalances) == 0 {
			return 0, false
		}
		post := meta.PostBalances[0] + meta.Fee
		if post < meta.PreBalances[0] {
			return 0, false
		}
		return post - meta.PreBalances[0], true
	}

	find := func(balances []tokenBalance) (uint64, bool) {
		for _, b := range balances {
			if b.Owner == owner && b.Mint == mint {
				v, err := strconv.ParseUint(b.UITokenAmount.Amount, 10, 64)
				return v, err == nil
			}
		}
		return 0, false
	}
	post, ok := find(meta.PostTokenBalances)
	if !ok {
		return 0, false
	}
	// 首次持有该代币时没有 pre 记录
	pre, _ := find(meta.PreTokenBalances)
	if post < pre {
		return 0, false
	}
	return post - pre, true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
