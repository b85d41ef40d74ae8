package hedge

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"carry-hedger/internal/domain"
)

var (
	// ErrStartupFailed 表示会话在挂出首单前失败，未建立任何仓位。
	ErrStartupFailed = errors.New("hedge: startup failed, no position opened")
	// ErrNoQuote 表示启动宽限期内未收到任何报价。
	ErrNoQuote = errors.New("hedge: no quote within startup grace period")
)

// Feed 为行情与成交推送源。
type Feed interface {
	SubscribeQuotes(ctx context.Context, instrument string, onQuote func(domain.Quote)) (Subscription, error)
	SubscribeFills(ctx context.Context, instrument string, onFill func(domain.Fill)) (Subscription, error)
}

// Subscription 为一次订阅句柄。Err 在推送源出现不可恢复错误时返回该错误。
type Subscription interface {
	Unsubscribe() error
	Err() <-chan error
}

// Venue 为订单簿交易所客户端。
type Venue interface {
	MarketSpec(ctx context.Context, instrument string) (domain.MarketSpec, error)
	Place(ctx context.Context, req domain.PlaceRequest) (domain.Order, error)
	Amend(ctx context.Context, req domain.AmendRequest) (domain.Order, error)
	Cancel(ctx context.Context, instrument, orderID string) error
}

// Swapper 执行一次链上兑换；返回的任何错误都视为可重试。
type Swapper interface {
	Swap(ctx context.Context, req domain.SwapRequest) (domain.SwapResult, error)
}

// Direction 区分开仓与平仓。
type Direction string

const (
	DirectionOpen  Direction = "open"
	DirectionClose Direction = "close"
)

// State 为会话状态。
type State string

const (
	StateSubscribing        State = "subscribing"
	StateAwaitingFirstQuote State = "awaiting_first_quote"
	StateTrailing           State = "trailing"
	StateDraining           State = "draining"
	StateCompleted          State = "completed"
	StateAbandoned          State = "abandoned"
)

// Outcome 为会话终止原因。
type Outcome string

const (
	OutcomeFilled        Outcome = "filled"
	OutcomePartial       Outcome = "partial"
	OutcomeStopped       Outcome = "stopped"
	OutcomeStartupFailed Outcome = "startup_failed"
)

// Ledger 为对冲账本快照。InFlightRaw 为当前在途兑换数量，不计入 PendingRaw。
// CappedRaw 为超过可兑换上限而未兑换的数量，不计入 Unhedged。
type Ledger struct {
	TotalTargetRaw uint64 `json:"total_target_raw"`
	ExecutedRaw    uint64 `json:"executed_raw"`
	PendingRaw     uint64 `json:"pending_raw"`
	InFlightRaw    uint64 `json:"in_flight_raw"`
	InFlight       bool   `json:"in_flight"`
	ReceivedRaw    uint64 `json:"received_raw"`
	CappedRaw      uint64 `json:"capped_raw,omitempty"`
}

// Unhedged 返回尚未完成对冲的原始数量。
func (l Ledger) Unhedged() uint64 {
	return l.PendingRaw + l.InFlightRaw
}

// Report 汇总一次会话的终态。
type Report struct {
	SessionID   string          `json:"session_id"`
	Direction   Direction       `json:"direction"`
	Instrument  string          `json:"instrument"`
	State       State           `json:"state"`
	Outcome     Outcome         `json:"outcome"`
	OrderID     string          `json:"order_id,omitempty"`
	TargetSize  decimal.Decimal `json:"target_size"`
	FilledBase  decimal.Decimal `json:"filled_base"`
	Residual    decimal.Decimal `json:"residual"`
	Ledger      Ledger          `json:"ledger"`
	HedgeInput  domain.Asset    `json:"hedge_input"`
	HedgeOutput domain.Asset    `json:"hedge_output"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  time.Time       `json:"finished_at"`
}

// SwapAttempt 描述一次兑换尝试的结果。
type SwapAttempt struct {
	SessionID string        `json:"session_id"`
	RawAmount uint64        `json:"raw_amount"`
	Status    string        `json:"status"`
	Signature string        `json:"signature,omitempty"`
	OutputRaw uint64        `json:"output_raw,omitempty"`
	Error     string        `json:"error,omitempty"`
	Latency   time.Duration `json:"latency"`
}

const (
	SwapDispatched = "dispatched"
	SwapSettled    = "settled"
	SwapFailed     = "failed"
)

// Recorder 持久化会话事件，实现方需自行处理写入失败。
type Recorder interface {
	RecordSessionStarted(ctx context.Context, sessionID string, direction Direction, instrument string, target decimal.Decimal)
	RecordOrder(ctx context.Context, sessionID, action string, order domain.Order)
	RecordFill(ctx context.Context, sessionID string, fill domain.Fill, matched bool)
	RecordSwap(ctx context.Context, attempt SwapAttempt)
	RecordSessionFinished(ctx context.Context, report Report)
	RecordError(ctx context.Context, msg string, err error, ctxMap map[string]interface{})
}

type nopRecorder struct{}

func (nopRecorder) RecordSessionStarted(context.Context, string, Direction, string, decimal.Decimal) {
}
func (nopRecorder) RecordOrder(context.Context, string, string, domain.Order)          {}
func (nopRecorder) RecordFill(context.Context, string, domain.Fill, bool)              {}
func (nopRecorder) RecordSwap(context.Context, SwapAttempt)                            {}
func (nopRecorder) RecordSessionFinished(context.Context, Report)                      {}
func (nopRecorder) RecordError(context.Context, string, error, map[string]interface{}) {}
