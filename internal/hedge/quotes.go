package hedge

import (
	"context"
	"sync"
	"time"

	"carry-hedger/internal/domain"
)

// QuoteCache 保存最新报价（仅保留最后一次），由行情回调写入、追价循环读取。
type QuoteCache struct {
	mu     sync.RWMutex
	quote  domain.Quote
	ready  chan struct{}
	readyO sync.Once
}

// NewQuoteCache 创建空缓存。
func NewQuoteCache() *QuoteCache {
	return &QuoteCache{ready: make(chan struct{})}
}

// Update 写入最新报价，无效报价被忽略。
func (c *QuoteCache) Update(q domain.Quote) {
	if !q.Valid() {
		return
	}
	if q.Time.IsZero() {
		q.Time = time.Now().UTC()
	}
	c.mu.Lock()
	c.quote = q
	c.mu.Unlock()
	c.readyO.Do(func() { close(c.ready) })
}

// Latest 返回最新报价；尚未收到报价时 ok 为 false。
func (c *QuoteCache) Latest() (domain.Quote, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.quote, c.quote.Valid()
}

// WaitFirst 等待首个有效报价，超过 grace 返回 ErrNoQuote。
func (c *QuoteCache) WaitFirst(ctx context.Context, grace time.Duration) (domain.Quote, error) {
	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-c.ready:
		q, _ := c.Latest()
		return q, nil
	case <-timer.C:
		return domain.Quote{}, ErrNoQuote
	case <-ctx.Done():
		return domain.Quote{}, ctx.Err()
	}
}
