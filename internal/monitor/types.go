package monitor

import (
	"time"

	"github.com/shopspring/decimal"

	"carry-hedger/internal/domain"
	"carry-hedger/internal/hedge"
)

// EventType 表示监控事件类型。
type EventType string

const (
	EventSessionStarted  EventType = "session_started"
	EventOrderPlaced     EventType = "order_placed"
	EventOrderAmended    EventType = "order_amended"
	EventOrderCancelled  EventType = "order_cancelled"
	EventFill            EventType = "fill"
	EventSwapDispatched  EventType = "swap_dispatched"
	EventSwapSettled     EventType = "swap_settled"
	EventSwapFailed      EventType = "swap_failed"
	EventSessionFinished EventType = "session_finished"
	EventError           EventType = "error"
)

// Event 封装通用监控事件。
type Event struct {
	Type      EventType   `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// SessionStartedPayload 记录会话参数。
type SessionStartedPayload struct {
	Direction  hedge.Direction `json:"direction"`
	Instrument string          `json:"instrument"`
	Target     decimal.Decimal `json:"target"`
}

// OrderPayload 记录挂单变更。
type OrderPayload struct {
	OrderID string          `json:"order_id"`
	Side    domain.Side     `json:"side"`
	Price   decimal.Decimal `json:"price"`
	Size    decimal.Decimal `json:"size"`
}

// FillPayload 记录成交回报。
type FillPayload struct {
	OrderID string          `json:"order_id"`
	Size    decimal.Decimal `json:"size"`
	Price   decimal.Decimal `json:"price"`
	Matched bool            `json:"matched"`
}

// ErrorPayload 记录异常。
type ErrorPayload struct {
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}
