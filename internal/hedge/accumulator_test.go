package hedge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carry-hedger/internal/domain"
)

func newTestAccumulator(swapper Swapper, target uint64) (*Accumulator, *memRecorder) {
	rec := &memRecorder{}
	acc := NewAccumulator(AccumulatorParams{
		SessionID:      "test",
		Swapper:        swapper,
		Input:          usdc,
		Output:         token,
		TotalTargetRaw: target,
		Interval:       time.Millisecond,
		Recorder:       rec,
	})
	return acc, rec
}

func TestAccumulatorSingleFillConverges(t *testing.T) {
	swapper := &fakeSwapper{}
	acc, rec := newTestAccumulator(swapper, 1_000_000)
	ctx := context.Background()

	acc.AddRaw(1_000_000)
	require.Equal(t, DrainDispatched, acc.Drain(ctx))
	acc.Wait()

	calls := swapper.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, uint64(1_000_000), calls[0].RawAmount)
	assert.Equal(t, usdc, calls[0].Input)
	assert.Equal(t, token, calls[0].Output)

	ledger := acc.Snapshot()
	assert.Equal(t, uint64(1_000_000), ledger.ExecutedRaw)
	assert.Equal(t, uint64(0), ledger.PendingRaw)
	assert.Equal(t, uint64(500_000), ledger.ReceivedRaw)
	assert.False(t, ledger.InFlight)

	require.Equal(t, DrainConverged, acc.Drain(ctx))
	select {
	case <-acc.Done():
	default:
		t.Fatal("done channel should be closed after convergence")
	}
	assert.Equal(t, []recordedSwap{
		{status: SwapDispatched, raw: 1_000_000},
		{status: SwapSettled, raw: 1_000_000},
	}, rec.Swaps())
}

func TestAccumulatorFailedSwapRequeues(t *testing.T) {
	swapper := &fakeSwapper{
		fn: func(_ domain.SwapRequest, call int) (domain.SwapResult, error) {
			if call == 1 {
				return domain.SwapResult{}, errors.New("blockhash not found")
			}
			return domain.SwapResult{Signature: "ok", OutputRaw: 1}, nil
		},
	}
	acc, _ := newTestAccumulator(swapper, 1_000_000)
	ctx := context.Background()

	acc.AddRaw(500_000)
	before := acc.Snapshot().PendingRaw
	require.Equal(t, DrainDispatched, acc.Drain(ctx))
	acc.Wait()

	ledger := acc.Snapshot()
	assert.Equal(t, uint64(500_000), ledger.PendingRaw)
	assert.Equal(t, before, ledger.PendingRaw)
	assert.False(t, ledger.InFlight)
	assert.Equal(t, uint64(0), ledger.InFlightRaw)
	assert.Equal(t, uint64(0), ledger.ExecutedRaw)

	require.Equal(t, DrainDispatched, acc.Drain(ctx))
	acc.Wait()

	calls := swapper.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, uint64(500_000), calls[1].RawAmount)
	assert.Equal(t, uint64(500_000), acc.Snapshot().ExecutedRaw)
}

func TestAccumulatorSkipsWhileInFlight(t *testing.T) {
	swapper := &fakeSwapper{release: make(chan struct{}), started: make(chan uint64, 4)}
	acc, _ := newTestAccumulator(swapper, 10_000)
	ctx := context.Background()

	acc.AddRaw(3_000)
	require.Equal(t, DrainDispatched, acc.Drain(ctx))
	require.Equal(t, uint64(3_000), <-swapper.started)

	acc.AddRaw(2_000)
	assert.Equal(t, DrainSkipped, acc.Drain(ctx))
	assert.Equal(t, DrainSkipped, acc.Drain(ctx))

	ledger := acc.Snapshot()
	assert.True(t, ledger.InFlight)
	assert.Equal(t, uint64(3_000), ledger.InFlightRaw)
	assert.Equal(t, uint64(2_000), ledger.PendingRaw)
	assert.Equal(t, uint64(5_000), ledger.Unhedged())

	swapper.release <- struct{}{}
	acc.Wait()

	require.Equal(t, DrainDispatched, acc.Drain(ctx))
	require.Equal(t, uint64(2_000), <-swapper.started)
	swapper.release <- struct{}{}
	acc.Wait()

	assert.Len(t, swapper.Calls(), 2)
	assert.Equal(t, uint64(5_000), acc.Snapshot().ExecutedRaw)
	assert.Equal(t, 1, swapper.MaxActive())
}

func TestAccumulatorIdleWithoutPending(t *testing.T) {
	acc, _ := newTestAccumulator(&fakeSwapper{}, 1_000)
	assert.Equal(t, DrainIdle, acc.Drain(context.Background()))
}

func TestAccumulatorAddConvertsUiAmount(t *testing.T) {
	swapper := &fakeSwapper{}
	acc, _ := newTestAccumulator(swapper, 10_000_000)

	acc.Add(decimal.RequireFromString("1.2345678"))
	acc.Add(decimal.Zero)
	assert.Equal(t, uint64(1_234_567), acc.Snapshot().PendingRaw)

	require.Equal(t, DrainDispatched, acc.Drain(context.Background()))
	acc.Wait()
	assert.Equal(t, uint64(1_234_567), swapper.Calls()[0].RawAmount)
}

func TestAccumulatorToleranceAbsorbsTruncation(t *testing.T) {
	acc, _ := newTestAccumulator(&fakeSwapper{}, 1_000_000)
	ctx := context.Background()

	acc.AddRaw(995_000)
	require.Equal(t, DrainDispatched, acc.Drain(ctx))
	acc.Wait()
	assert.Equal(t, DrainConverged, acc.Drain(ctx))
}

func TestAccumulatorBelowToleranceKeepsRunningUntilSealed(t *testing.T) {
	acc, _ := newTestAccumulator(&fakeSwapper{}, 1_000_000)
	ctx := context.Background()

	acc.AddRaw(400_000)
	require.Equal(t, DrainDispatched, acc.Drain(ctx))
	acc.Wait()
	assert.Equal(t, DrainIdle, acc.Drain(ctx))

	acc.Seal()
	assert.Equal(t, DrainConverged, acc.Drain(ctx))
	assert.Equal(t, uint64(400_000), acc.Snapshot().ExecutedRaw)
}

func TestAccumulatorRunStopsOnConvergence(t *testing.T) {
	acc, _ := newTestAccumulator(&fakeSwapper{}, 1_000_000)
	acc.AddRaw(1_000_000)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, acc.Run(ctx))
	assert.Equal(t, uint64(1_000_000), acc.Snapshot().ExecutedRaw)
}

func TestAccumulatorRunReturnsOnCancel(t *testing.T) {
	acc, _ := newTestAccumulator(&fakeSwapper{}, 1_000_000)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, acc.Run(ctx), context.Canceled)
}

func TestAccumulatorConcurrentAddsSingleFlight(t *testing.T) {
	swapper := &fakeSwapper{
		fn: func(req domain.SwapRequest, _ int) (domain.SwapResult, error) {
			time.Sleep(time.Millisecond)
			return domain.SwapResult{OutputRaw: req.RawAmount}, nil
		},
	}
	const (
		workers = 8
		adds    = 50
		each    = 1_000
	)
	acc, _ := newTestAccumulator(swapper, workers*adds*each)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- acc.Run(ctx) }()

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < adds; j++ {
				acc.AddRaw(each)
			}
		}()
	}
	wg.Wait()

	require.NoError(t, <-runErr)
	assert.Equal(t, 1, swapper.MaxActive())

	var dispatched uint64
	for _, c := range swapper.Calls() {
		dispatched += c.RawAmount
	}
	ledger := acc.Snapshot()
	assert.Equal(t, ledger.ExecutedRaw, dispatched)
	assert.Equal(t, uint64(workers*adds*each), ledger.ExecutedRaw+ledger.PendingRaw)
}

func TestAccumulatorCapsAtMaxInput(t *testing.T) {
	swapper := &fakeSwapper{}
	acc := NewAccumulator(AccumulatorParams{
		SessionID:      "test",
		Swapper:        swapper,
		Input:          token,
		Output:         usdc,
		TotalTargetRaw: 10_000,
		MaxInputRaw:    9_900,
		Interval:       time.Millisecond,
	})
	ctx := context.Background()
	assert.Equal(t, uint64(9_900), acc.Snapshot().TotalTargetRaw)

	acc.AddRaw(6_000)
	require.Equal(t, DrainDispatched, acc.Drain(ctx))
	acc.Wait()

	acc.AddRaw(4_000)
	ledger := acc.Snapshot()
	assert.Equal(t, uint64(3_900), ledger.PendingRaw)
	assert.Equal(t, uint64(100), ledger.CappedRaw)

	require.Equal(t, DrainDispatched, acc.Drain(ctx))
	acc.Wait()
	acc.AddRaw(50)
	assert.Equal(t, uint64(0), acc.Snapshot().PendingRaw)
	assert.Equal(t, uint64(150), acc.Snapshot().CappedRaw)

	assert.Equal(t, DrainConverged, acc.Drain(ctx))
	calls := swapper.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, uint64(6_000), calls[0].RawAmount)
	assert.Equal(t, uint64(3_900), calls[1].RawAmount)
}

func TestAccumulatorCapCountsFailedSwapOnce(t *testing.T) {
	swapper := &fakeSwapper{fn: func(domain.SwapRequest, int) (domain.SwapResult, error) {
		return domain.SwapResult{}, errors.New("rpc unavailable")
	}}
	acc := NewAccumulator(AccumulatorParams{
		SessionID:      "test",
		Swapper:        swapper,
		Input:          token,
		Output:         usdc,
		TotalTargetRaw: 1_000,
		MaxInputRaw:    1_000,
		Interval:       time.Millisecond,
	})

	acc.AddRaw(800)
	require.Equal(t, DrainDispatched, acc.Drain(context.Background()))
	acc.Wait()
	acc.AddRaw(300)

	ledger := acc.Snapshot()
	assert.Equal(t, uint64(1_000), ledger.PendingRaw)
	assert.Equal(t, uint64(100), ledger.CappedRaw)
}

func TestReachedToleranceExactForLargeAmounts(t *testing.T) {
	target := uint64(1) << 60
	// float64 下 target-1 与 target 相等
	assert.False(t, reachedTolerance(target-1, target, bpsScale))
	assert.True(t, reachedTolerance(target, target, bpsScale))

	assert.True(t, reachedTolerance(995_000, 1_000_000, 9_950))
	assert.False(t, reachedTolerance(994_999, 1_000_000, 9_950))
	assert.True(t, reachedTolerance(0, 0, 9_950))

	top := ^uint64(0)
	assert.True(t, reachedTolerance(top, top, bpsScale))
	assert.False(t, reachedTolerance(top/2, top, 9_950))
}

func TestAccumulatorToleranceInBasisPoints(t *testing.T) {
	acc, _ := newTestAccumulator(&fakeSwapper{}, 1_000_000)
	assert.Equal(t, uint64(9_950), acc.toleranceBps)
}
