package hedge

import (
	"context"
	"math"
	"math/bits"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"carry-hedger/internal/domain"
	"carry-hedger/internal/metrics"
)

// DrainAction 为单次 tick 的处理结果。
type DrainAction int

const (
	DrainIdle DrainAction = iota
	DrainDispatched
	DrainSkipped
	DrainConverged
)

// AccumulatorParams 构造 Accumulator 所需参数。
type AccumulatorParams struct {
	SessionID      string
	Swapper        Swapper
	Input          domain.Asset
	Output         domain.Asset
	TotalTargetRaw uint64
	// MaxInputRaw 为可兑换输入资产的上限（如钱包持有量），0 表示不限
	MaxInputRaw uint64
	Interval    time.Duration
	Tolerance   float64
	Recorder    Recorder
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
}

// Accumulator 将零散成交累积为周期性的批量兑换，同一时间最多一笔兑换在途。
// 账本只能通过 Add/AddRaw 追加，失败的兑换数量回滚到待执行。
type Accumulator struct {
	sessionID string
	swapper   Swapper
	input     domain.Asset
	output    domain.Asset
	interval  time.Duration
	// 收敛阈值，单位为万分之一
	toleranceBps uint64
	maxInputRaw  uint64
	recorder     Recorder
	metrics      *metrics.Metrics
	logger       *zap.Logger

	mu     sync.Mutex
	ledger Ledger
	sealed bool

	done     chan struct{}
	doneOnce sync.Once
	wg       sync.WaitGroup
}

// NewAccumulator 创建对冲累加器。
func NewAccumulator(p AccumulatorParams) *Accumulator {
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	if p.Recorder == nil {
		p.Recorder = nopRecorder{}
	}
	if p.Interval <= 0 {
		p.Interval = DefaultConfig().DrainInterval
	}
	if p.Tolerance <= 0 || p.Tolerance > 1 {
		p.Tolerance = DefaultConfig().Tolerance
	}
	target := p.TotalTargetRaw
	if p.MaxInputRaw > 0 && target > p.MaxInputRaw {
		target = p.MaxInputRaw
	}
	return &Accumulator{
		sessionID:    p.SessionID,
		swapper:      p.Swapper,
		input:        p.Input,
		output:       p.Output,
		interval:     p.Interval,
		toleranceBps: uint64(math.Round(p.Tolerance * bpsScale)),
		maxInputRaw:  p.MaxInputRaw,
		recorder:     p.Recorder,
		metrics:      p.Metrics,
		logger:       p.Logger.Named("accumulator"),
		ledger:       Ledger{TotalTargetRaw: target},
		done:         make(chan struct{}),
	}
}

// Add 以输入资产的可读单位追加待对冲数量。
func (a *Accumulator) Add(size decimal.Decimal) {
	a.AddRaw(a.input.ToRaw(size))
}

// AddRaw 追加原始单位的待对冲数量，不阻塞。超过 MaxInputRaw 的部分不再兑换，计入 CappedRaw。
func (a *Accumulator) AddRaw(raw uint64) {
	if raw == 0 {
		return
	}
	a.mu.Lock()
	capped := uint64(0)
	if a.maxInputRaw > 0 {
		accepted := a.ledger.ExecutedRaw + a.ledger.PendingRaw + a.ledger.InFlightRaw
		room := uint64(0)
		if a.maxInputRaw > accepted {
			room = a.maxInputRaw - accepted
		}
		if raw > room {
			capped = raw - room
			raw = room
		}
		a.ledger.CappedRaw += capped
	}
	a.ledger.PendingRaw += raw
	pending, executed := a.ledger.PendingRaw, a.ledger.ExecutedRaw
	a.mu.Unlock()

	if capped > 0 {
		a.logger.Warn("待对冲数量超过可兑换上限，超出部分不兑换",
			zap.String("session_id", a.sessionID),
			zap.Uint64("capped_raw", capped),
			zap.Uint64("max_input_raw", a.maxInputRaw),
		)
	}
	a.metrics.SetLedger(pending, executed)
}

// Seal 表示不再有新的成交；此后待执行清空即视为收敛。
func (a *Accumulator) Seal() {
	a.mu.Lock()
	a.sealed = true
	a.mu.Unlock()
}

// Snapshot 返回账本快照。
func (a *Accumulator) Snapshot() Ledger {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ledger
}

// Done 在收敛后关闭。
func (a *Accumulator) Done() <-chan struct{} {
	return a.done
}

// Wait 等待在途兑换返回。
func (a *Accumulator) Wait() {
	a.wg.Wait()
}

// Run 按固定周期执行 Drain，直至收敛或 ctx 取消；返回前等待在途兑换结束。
func (a *Accumulator) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	defer a.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.done:
			return nil
		case <-ticker.C:
			if a.Drain(ctx) == DrainConverged {
				return nil
			}
		}
	}
}

// Drain 执行一次 tick：判断收敛、派发兑换或因在途而跳过。
func (a *Accumulator) Drain(ctx context.Context) DrainAction {
	a.mu.Lock()
	if a.ledger.PendingRaw == 0 && !a.ledger.InFlight && a.convergedLocked() {
		ledger := a.ledger
		a.mu.Unlock()
		a.doneOnce.Do(func() {
			close(a.done)
			a.logger.Info("对冲已完成",
				zap.String("session_id", a.sessionID),
				zap.Uint64("executed_raw", ledger.ExecutedRaw),
				zap.Uint64("target_raw", ledger.TotalTargetRaw),
			)
		})
		return DrainConverged
	}

	if a.ledger.InFlight {
		a.mu.Unlock()
		return DrainSkipped
	}

	if a.ledger.PendingRaw == 0 {
		a.mu.Unlock()
		return DrainIdle
	}

	amount := a.ledger.PendingRaw
	a.ledger.PendingRaw = 0
	a.ledger.InFlight = true
	a.ledger.InFlightRaw = amount
	a.mu.Unlock()

	a.logger.Info("派发对冲兑换",
		zap.String("session_id", a.sessionID),
		zap.Uint64("raw_amount", amount),
		zap.String("input", a.input.Symbol),
		zap.String("output", a.output.Symbol),
	)
	a.recorder.RecordSwap(ctx, SwapAttempt{SessionID: a.sessionID, RawAmount: amount, Status: SwapDispatched})

	a.wg.Add(1)
	go a.execute(ctx, amount)
	return DrainDispatched
}

const bpsScale = 10_000

func (a *Accumulator) convergedLocked() bool {
	if a.sealed {
		return true
	}
	return reachedTolerance(a.ledger.ExecutedRaw, a.ledger.TotalTargetRaw, a.toleranceBps)
}

// reachedTolerance 判断 executed*10000 >= target*bps，按 128 位比较避免溢出与精度损失。
func reachedTolerance(executed, target, bps uint64) bool {
	eHi, eLo := bits.Mul64(executed, bpsScale)
	tHi, tLo := bits.Mul64(target, bps)
	if eHi != tHi {
		return eHi > tHi
	}
	return eLo >= tLo
}

func (a *Accumulator) execute(ctx context.Context, amount uint64) {
	defer a.wg.Done()

	start := time.Now()
	result, err := a.swapper.Swap(ctx, domain.SwapRequest{
		Input:     a.input,
		Output:    a.output,
		RawAmount: amount,
	})
	latency := time.Since(start)
	recCtx := context.WithoutCancel(ctx)

	a.mu.Lock()
	if err != nil {
		a.ledger.PendingRaw += amount
	} else {
		a.ledger.ExecutedRaw += amount
		a.ledger.ReceivedRaw += result.OutputRaw
	}
	a.ledger.InFlight = false
	a.ledger.InFlightRaw = 0
	pending, executed := a.ledger.PendingRaw, a.ledger.ExecutedRaw
	a.mu.Unlock()

	a.metrics.SetLedger(pending, executed)

	if err != nil {
		a.metrics.ObserveSwap(SwapFailed, latency)
		a.logger.Warn("对冲兑换失败，数量已回滚待重试",
			zap.String("session_id", a.sessionID),
			zap.Uint64("raw_amount", amount),
			zap.Uint64("pending_raw", pending),
			zap.Duration("latency", latency),
			zap.Error(err),
		)
		a.recorder.RecordSwap(recCtx, SwapAttempt{
			SessionID: a.sessionID,
			RawAmount: amount,
			Status:    SwapFailed,
			Error:     err.Error(),
			Latency:   latency,
		})
		return
	}

	a.metrics.ObserveSwap(SwapSettled, latency)
	a.logger.Info("对冲兑换已确认",
		zap.String("session_id", a.sessionID),
		zap.Uint64("raw_amount", amount),
		zap.Uint64("output_raw", result.OutputRaw),
		zap.Uint64("executed_raw", executed),
		zap.String("signature", result.Signature),
		zap.Duration("latency", latency),
	)
	a.recorder.RecordSwap(recCtx, SwapAttempt{
		SessionID: a.sessionID,
		RawAmount: amount,
		Status:    SwapSettled,
		Signature: result.Signature,
		OutputRaw: result.OutputRaw,
		Latency:   latency,
	})
}
