package position

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"carry-hedger/internal/config"
	"carry-hedger/internal/domain"
)

const currentKey = "currentPosition"

// Position 为已开仓的对冲组合：交易所空单与链上现货。
type Position struct {
	Symbol     string          `json:"symbol"`
	Instrument string          `json:"instrument"`
	AmountRaw  uint64          `json:"amountRaw"`
	BaseSize   decimal.Decimal `json:"baseSize"`
	Token      domain.Asset    `json:"token"`
	SessionID  string          `json:"sessionId,omitempty"`
	OpenedAt   time.Time       `json:"openedAt"`
}

// Store 在 Redis 中保存当前仓位，同一时间最多一个。
type Store struct {
	client *redis.Client
	key    string
	logger *zap.Logger
}

// NewStore 连接 Redis。
func NewStore(cfg config.PositionConfig, logger *zap.Logger) (*Store, error) {
	if cfg.Addr == "" {
		return nil, errors.New("position: redis 地址不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return newStore(client, cfg.KeyPrefix, logger), nil
}

func newStore(client *redis.Client, prefix string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	key := currentKey
	if prefix != "" {
		key = prefix + ":" + currentKey
	}
	return &Store{client: client, key: key, logger: logger.Named("position")}
}

// Ping 检查 Redis 连接。
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close 关闭连接。
func (s *Store) Close() error {
	return s.client.Close()
}

// Current 读取当前仓位，不存在时 ok 为 false。
func (s *Store) Current(ctx context.Context) (Position, bool, error) {
	raw, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Position{}, false, nil
	}
	if err != nil {
		return Position{}, false, fmt.Errorf("position: 读取当前仓位失败: %w", err)
	}
	var pos Position
	if err := json.Unmarshal(raw, &pos); err != nil {
		s.logger.Warn("当前仓位记录无法解析，视为空仓", zap.ByteString("raw", raw), zap.Error(err))
		return Position{}, false, nil
	}
	return pos, true, nil
}

// Save 覆盖当前仓位。
func (s *Store) Save(ctx context.Context, pos Position) error {
	raw, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("position: 序列化仓位失败: %w", err)
	}
	if err := s.client.Set(ctx, s.key, raw, 0).Err(); err != nil {
		return fmt.Errorf("position: 保存仓位失败: %w", err)
	}
	s.logger.Info("当前仓位已保存",
		zap.String("symbol", pos.Symbol),
		zap.String("base_size", pos.BaseSize.String()),
		zap.Uint64("amount_raw", pos.AmountRaw),
	)
	return nil
}

// Clear 删除当前仓位。
func (s *Store) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("position: 清除仓位失败: %w", err)
	}
	s.logger.Info("当前仓位已清除")
	return nil
}
