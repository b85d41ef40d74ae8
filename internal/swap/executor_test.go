package swap

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"carry-hedger/internal/config"
	"carry-hedger/internal/domain"
)

type fakeRouter struct {
	mu       sync.Mutex
	quotes   int
	quoteErr error
	heights  []uint64
}

func (f *fakeRouter) Quote(context.Context, domain.Asset, domain.Asset, uint64) (Route, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quotes++
	if f.quoteErr != nil {
		return Route{}, f.quoteErr
	}
	return Route{InAmount: 1_000_000, OutAmount: 6_000_000}, nil
}

func (f *fakeRouter) BuildSwap(context.Context, Route, string) (SwapTx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := uint64(100)
	if len(f.heights) >= f.quotes {
		h = f.heights[f.quotes-1]
	}
	return SwapTx{Transaction: []byte{byte(f.quotes)}, LastValidBlockHeight: h}, nil
}

func (f *fakeRouter) Quotes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.quotes
}

type fakeChain struct {
	mu      sync.Mutex
	sends   int
	sendErr func(n int) error
	status  func(sends int) (SignatureStatus, bool)
	height  uint64
	meta    *TransactionMeta
}

func (f *fakeChain) SendTransaction(context.Context, []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends++
	if f.sendErr != nil {
		if err := f.sendErr(f.sends); err != nil {
			return "", err
		}
	}
	return "sig", nil
}

func (f *fakeChain) SignatureStatus(context.Context, string) (SignatureStatus, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status == nil {
		return SignatureStatus{}, false, nil
	}
	st, seen := f.status(f.sends)
	return st, seen, nil
}

func (f *fakeChain) BlockHeight(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.height, nil
}

func (f *fakeChain) TransactionMeta(context.Context, string) (TransactionMeta, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.meta == nil {
		return TransactionMeta{}, false, nil
	}
	return *f.meta, true, nil
}

func (f *fakeChain) Sends() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sends
}

type fakeSigner struct{}

func (fakeSigner) PublicKey() string { return "owner" }

func (fakeSigner) Sign(tx []byte) ([]byte, string, error) { return tx, "sig", nil }

func confirmed(slot uint64) func(int) (SignatureStatus, bool) {
	return func(int) (SignatureStatus, bool) {
		return SignatureStatus{Slot: slot, ConfirmationStatus: "confirmed"}, true
	}
}

func newTestExecutor(cfg config.SwapConfig, r *fakeRouter, c *fakeChain) *Executor {
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Millisecond
	}
	e := newExecutor(cfg, r, c, fakeSigner{}, zap.NewNop())
	e.poll = time.Millisecond
	return e
}

var req = domain.SwapRequest{Input: usdc, Output: sol, RawAmount: 1_000_000}

func TestSwapConfirmed(t *testing.T) {
	r := &fakeRouter{}
	c := &fakeChain{status: confirmed(42), height: 10}
	e := newTestExecutor(config.SwapConfig{}, r, c)

	res, err := e.Swap(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "sig", res.Signature)
	assert.Equal(t, uint64(1_000_000), res.InputRaw)
	assert.Equal(t, uint64(6_000_000), res.OutputRaw, "falls back to quoted amount")
	assert.Equal(t, uint64(42), res.Slot)
	assert.Equal(t, 1, c.Sends())
}

func TestSwapUsesSettledBalances(t *testing.T) {
	r := &fakeRouter{}
	c := &fakeChain{
		status: confirmed(42),
		meta:   &TransactionMeta{Fee: 5000, PreBalances: []uint64{1_000_000}, PostBalances: []uint64{6_990_000}},
	}
	e := newTestExecutor(config.SwapConfig{}, r, c)

	res, err := e.Swap(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, uint64(5_995_000), res.OutputRaw)
}

func TestSwapRetriesSendUntilConfirmed(t *testing.T) {
	r := &fakeRouter{}
	c := &fakeChain{
		sendErr: func(n int) error {
			if n < 3 {
				return errors.New("node busy")
			}
			return nil
		},
		status: confirmed(1),
	}
	e := newTestExecutor(config.SwapConfig{}, r, c)

	_, err := e.Swap(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 3, c.Sends())
	assert.Equal(t, 1, r.Quotes(), "same transaction is resent")
}

func TestSwapMaxSendAttempts(t *testing.T) {
	r := &fakeRouter{}
	c := &fakeChain{sendErr: func(int) error { return errors.New("down") }}
	e := newTestExecutor(config.SwapConfig{MaxSendAttempts: 2}, r, c)

	_, err := e.Swap(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, 2, c.Sends())
}

func TestSwapRequotesWhenValidityExpires(t *testing.T) {
	r := &fakeRouter{heights: []uint64{5, 1000}}
	c := &fakeChain{
		height: 10,
		status: func(sends int) (SignatureStatus, bool) {
			if sends < 2 {
				return SignatureStatus{}, false
			}
			return SignatureStatus{Slot: 7, ConfirmationStatus: "finalized"}, true
		},
	}
	e := newTestExecutor(config.SwapConfig{}, r, c)

	res, err := e.Swap(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 2, r.Quotes())
	assert.Equal(t, uint64(7), res.Slot)
}

func TestSwapMaxRequotes(t *testing.T) {
	r := &fakeRouter{heights: []uint64{1, 1, 1}}
	c := &fakeChain{height: 10}
	e := newTestExecutor(config.SwapConfig{MaxRequotes: 2}, r, c)

	_, err := e.Swap(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrValidityExpired)
	assert.Equal(t, 2, r.Quotes())
}

func TestSwapFailedOnChainIsRetried(t *testing.T) {
	r := &fakeRouter{}
	c := &fakeChain{
		status: func(sends int) (SignatureStatus, bool) {
			if sends == 1 {
				return SignatureStatus{ConfirmationStatus: "confirmed", Err: []byte(`{"InstructionError":[2,{"Custom":6001}]}`)}, true
			}
			return SignatureStatus{Slot: 3, ConfirmationStatus: "confirmed"}, true
		},
	}
	e := newTestExecutor(config.SwapConfig{}, r, c)

	_, err := e.Swap(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Sends())
}

func TestSwapConfirmTimeout(t *testing.T) {
	r := &fakeRouter{}
	c := &fakeChain{}
	e := newTestExecutor(config.SwapConfig{ConfirmTimeout: 5 * time.Millisecond, MaxSendAttempts: 1}, r, c)

	_, err := e.Swap(context.Background(), req)
	assert.ErrorIs(t, err, ErrConfirmTimeout)
}

func TestSwapNoRouteAndCancel(t *testing.T) {
	r := &fakeRouter{quoteErr: domain.ErrNoRoute}
	e := newTestExecutor(config.SwapConfig{}, r, &fakeChain{})
	_, err := e.Swap(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrNoRoute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e = newTestExecutor(config.SwapConfig{}, &fakeRouter{}, &fakeChain{})
	_, err = e.Swap(ctx, req)
	assert.ErrorIs(t, err, context.Canceled)

	_, err = e.Swap(context.Background(), domain.SwapRequest{Input: usdc, Output: sol})
	assert.Error(t, err)
}

func TestOutputDeltaTokenBalances(t *testing.T) {
	bal := func(owner, mint, amount string) tokenBalance {
		b := tokenBalance{Owner: owner, Mint: mint}
		b.UITokenAmount.Amount = amount
		return b
	}
	meta := TransactionMeta{
		PreTokenBalances:  []tokenBalance{bal("owner", usdc.Mint, "100"), bal("pool", usdc.Mint, "9999")},
		PostTokenBalances: []tokenBalance{bal("owner", usdc.Mint, "350"), bal("pool", usdc.Mint, "1")},
	}
	got, ok := outputDelta(meta, "owner", usdc.Mint)
	require.True(t, ok)
	assert.Equal(t, uint64(250), got)

	meta.PreTokenBalances = nil
	got, ok = outputDelta(meta, "owner", usdc.Mint)
	require.True(t, ok)
	assert.Equal(t, uint64(350), got)

	_, ok = outputDelta(meta, "other", usdc.Mint)
	assert.False(t, ok)
}
