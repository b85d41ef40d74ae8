package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"carry-hedger/internal/domain"
	"carry-hedger/internal/hedge"
	"carry-hedger/internal/store"
)

var _ hedge.Recorder = (*Service)(nil)

// Service 负责持久化会话事件，实现 hedge.Recorder。写入失败只记录日志，不影响会话。
type Service struct {
	store  *store.Store
	logger *zap.Logger
}

// NewService 初始化监控服务；表结构由 store 在打开时迁移。
func NewService(st *store.Store, logger *zap.Logger) (*Service, error) {
	if st == nil {
		return nil, fmt.Errorf("monitor: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:  st,
		logger: logger.Named("monitor"),
	}, nil
}

// Record 写入单个事件。
func (s *Service) Record(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("monitor: 序列化事件失败: %w", err)
	}
	if err := s.store.InsertEvent(ctx, store.EventRecord{
		Type:      string(event.Type),
		SessionID: event.SessionID,
		Payload:   payload,
		CreatedAt: event.Timestamp,
	}); err != nil {
		return fmt.Errorf("monitor: %w", err)
	}
	return nil
}

func (s *Service) record(ctx context.Context, typ EventType, sessionID string, payload interface{}) {
	if err := s.Record(ctx, Event{
		Type:      typ,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}); err != nil {
		s.logger.Warn("记录监控事件失败", zap.String("type", string(typ)), zap.Error(err))
	}
}

// RecordSessionStarted 记录会话开始。
func (s *Service) RecordSessionStarted(ctx context.Context, sessionID string, direction hedge.Direction, instrument string, target decimal.Decimal) {
	s.record(ctx, EventSessionStarted, sessionID, SessionStartedPayload{
		Direction:  direction,
		Instrument: instrument,
		Target:     target,
	})
}

// RecordOrder 记录挂单、改单与撤单。
func (s *Service) RecordOrder(ctx context.Context, sessionID, action string, order domain.Order) {
	typ := EventOrderAmended
	switch action {
	case "placed":
		typ = EventOrderPlaced
	case "cancelled":
		typ = EventOrderCancelled
	}
	s.record(ctx, typ, sessionID, OrderPayload{
		OrderID: order.ID,
		Side:    order.Side,
		Price:   order.Price,
		Size:    order.Size,
	})
}

// RecordFill 记录成交回报。
func (s *Service) RecordFill(ctx context.Context, sessionID string, fill domain.Fill, matched bool) {
	s.record(ctx, EventFill, sessionID, FillPayload{
		OrderID: fill.OrderID,
		Size:    fill.Size,
		Price:   fill.Price,
		Matched: matched,
	})
}

// RecordSwap 记录兑换派发与结果。
func (s *Service) RecordSwap(ctx context.Context, attempt hedge.SwapAttempt) {
	typ := EventSwapDispatched
	switch attempt.Status {
	case hedge.SwapSettled:
		typ = EventSwapSettled
	case hedge.SwapFailed:
		typ = EventSwapFailed
	}
	s.record(ctx, typ, attempt.SessionID, attempt)
}

// RecordSessionFinished 记录会话终态。
func (s *Service) RecordSessionFinished(ctx context.Context, report hedge.Report) {
	s.record(ctx, EventSessionFinished, report.SessionID, report)
}

// RecordError 记录异常。
func (s *Service) RecordError(ctx context.Context, msg string, err error, ctxMap map[string]interface{}) {
	payload := ErrorPayload{
		Message: msg,
		Context: ctxMap,
	}
	if err != nil {
		payload.Error = err.Error()
	}
	sessionID, _ := ctxMap["session_id"].(string)
	s.record(ctx, EventError, sessionID, payload)
}

// ListEvents 按类型检索最近事件，eventType 为空时返回全部类型。
func (s *Service) ListEvents(ctx context.Context, eventType EventType, limit int) ([]Event, error) {
	return s.query(ctx, eventType, "", limit)
}

// SessionEvents 返回某个会话的事件，按时间倒序。
func (s *Service) SessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	return s.query(ctx, "", sessionID, limit)
}

func (s *Service) query(ctx context.Context, eventType EventType, sessionID string, limit int) ([]Event, error) {
	records, err := s.store.QueryEvents(ctx, store.EventFilter{
		Type:      string(eventType),
		SessionID: sessionID,
		Limit:     limit,
	})
	if err != nil {
		return nil, fmt.Errorf("monitor: %w", err)
	}

	events := make([]Event, 0, len(records))
	for _, rec := range records {
		events = append(events, Event{
			Type:      EventType(rec.Type),
			SessionID: rec.SessionID,
			Timestamp: rec.CreatedAt,
			Payload:   json.RawMessage(rec.Payload),
		})
	}
	return events, nil
}
