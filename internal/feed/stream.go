package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"carry-hedger/internal/config"
	"carry-hedger/internal/domain"
	"carry-hedger/internal/hedge"
)

var _ hedge.Feed = (*Stream)(nil)

// errResubscribe 表示当前连接需要以新的地址重连。
var errResubscribe = errors.New("feed: resubscribe required")

// Stream 通过 Binance USDⓈ-M websocket 推送报价与成交，每个订阅独占一条连接并自动重连。
type Stream struct {
	cfg    config.FeedConfig
	keys   *listenKeys
	dialer *websocket.Dialer
	logger *zap.Logger
}

// NewStream 创建推送源；apiKey 用于用户数据流。
func NewStream(cfg config.FeedConfig, apiKey string, logger *zap.Logger) *Stream {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 2 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 15 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = 30 * time.Minute
	}
	cfg.StreamURL = strings.TrimSuffix(cfg.StreamURL, "/")

	return &Stream{
		cfg:    cfg,
		keys:   newListenKeys(cfg.RestURL, apiKey, cfg.HandshakeTimeout),
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		logger: logger.Named("feed"),
	}
}

// SubscribeQuotes 订阅最优买卖价。
func (s *Stream) SubscribeQuotes(ctx context.Context, instrument string, onQuote func(domain.Quote)) (hedge.Subscription, error) {
	symbol := StreamSymbol(instrument)
	url := fmt.Sprintf("%s/ws/%s@bookTicker", s.cfg.StreamURL, symbol)

	sub := s.start(ctx, "quotes", symbol,
		func(context.Context) (string, error) { return url, nil },
		func(msg []byte) error {
			if q, ok := parseQuote(msg); ok {
				onQuote(q)
			}
			return nil
		},
	)
	return sub, nil
}

// SubscribeFills 订阅用户数据流中该合约的成交。listenKey 鉴权失败时返回 domain.ErrFeedFatal。
func (s *Stream) SubscribeFills(ctx context.Context, instrument string, onFill func(domain.Fill)) (hedge.Subscription, error) {
	symbol := StreamSymbol(instrument)

	key, err := s.keys.Create(ctx)
	if err != nil {
		return nil, err
	}

	var (
		keyMu sync.Mutex
		stale bool
	)
	current := key

	sub := s.start(ctx, "fills", symbol,
		func(ctx context.Context) (string, error) {
			keyMu.Lock()
			defer keyMu.Unlock()
			if stale {
				fresh, err := s.keys.Create(ctx)
				if err != nil {
					return "", err
				}
				current, stale = fresh, false
			}
			return fmt.Sprintf("%s/ws/%s", s.cfg.StreamURL, current), nil
		},
		func(msg []byte) error {
			var ev userEvent
			if err := json.Unmarshal(msg, &ev); err != nil {
				return nil
			}
			if ev.Event == eventListenKeyExpired {
				keyMu.Lock()
				stale = true
				keyMu.Unlock()
				s.logger.Warn("listenKey 已过期，重新订阅", zap.String("symbol", symbol))
				return errResubscribe
			}
			if fill, ok := parseFill(ev, symbol); ok {
				onFill(fill)
			}
			return nil
		},
	)

	sub.wg.Add(1)
	go func() {
		defer sub.wg.Done()
		s.keepAlive(sub)
	}()
	sub.onClose = func() error {
		closeCtx, cancel := context.WithTimeout(context.Background(), s.cfg.HandshakeTimeout)
		defer cancel()
		return s.keys.Close(closeCtx)
	}
	return sub, nil
}

func (s *Stream) keepAlive(sub *subscription) {
	ticker := time.NewTicker(s.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sub.ctx.Done():
			return
		case <-ticker.C:
			if err := s.keys.KeepAlive(sub.ctx); err != nil {
				if errors.Is(err, domain.ErrFeedFatal) {
					sub.fail(err)
					return
				}
				s.logger.Warn("listenKey 续期失败", zap.Error(err))
			}
		}
	}
}

func (s *Stream) start(parent context.Context, kind, symbol string, url func(context.Context) (string, error), handle func([]byte) error) *subscription {
	ctx, cancel := context.WithCancel(parent)
	sub := &subscription{
		ctx:    ctx,
		cancel: cancel,
		errCh:  make(chan error, 1),
	}
	logger := s.logger.With(zap.String("stream", kind), zap.String("symbol", symbol))

	sub.wg.Add(1)
	go func() {
		defer sub.wg.Done()
		s.run(sub, logger, url, handle)
	}()
	return sub
}

// run 维持连接：断线后等待 ReconnectDelay 重连，致命错误上报后退出。
func (s *Stream) run(sub *subscription, logger *zap.Logger, url func(context.Context) (string, error), handle func([]byte) error) {
	ctx := sub.ctx
	for {
		if ctx.Err() != nil {
			return
		}

		target, err := url(ctx)
		if err == nil {
			err = s.serve(ctx, logger, target, handle)
		}
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, domain.ErrFeedFatal) {
			logger.Error("推送源不可恢复", zap.Error(err))
			sub.fail(err)
			return
		}
		if err != nil && !errors.Is(err, errResubscribe) {
			logger.Warn("推送连接断开，准备重连", zap.Duration("delay", s.cfg.ReconnectDelay), zap.Error(err))
		}

		timer := time.NewTimer(s.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (s *Stream) serve(ctx context.Context, logger *zap.Logger, target string, handle func([]byte) error) error {
	conn, _, err := s.dialer.DialContext(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("feed: 连接失败: %w", err)
	}
	defer conn.Close()
	logger.Info("推送已连接")

	readTimeout := 3 * s.cfg.PingInterval
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(s.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				_ = conn.Close()
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					logger.Debug("发送 ping 失败", zap.Error(err))
				}
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		if err := handle(msg); err != nil {
			return err
		}
	}
}

// subscription 实现 hedge.Subscription。
type subscription struct {
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	errCh   chan error
	onClose func() error

	once     sync.Once
	closeErr error
}

// Unsubscribe 停止连接并等待后台协程退出，可重复调用。
func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
		if s.onClose != nil {
			s.closeErr = s.onClose()
		}
	})
	return s.closeErr
}

// Err 在推送源出现不可恢复错误时返回该错误。
func (s *subscription) Err() <-chan error {
	return s.errCh
}

func (s *subscription) fail(err error) {
	select {
	case s.errCh <- err:
	default:
	}
}
