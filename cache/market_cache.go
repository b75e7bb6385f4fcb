package cache

import (
	"context"
	"fmt"
	"time"

	"krx-trader/broker"
	"krx-trader/llm"
)

// quoteTTL keeps stale quotes from surviving a dead stream.
const quoteTTL = 10 * time.Minute

// llmTTL covers one trading day; reasoner replies are day-scoped.
const llmTTL = 24 * time.Hour

// MarketCache is the latest-by-symbol quote and order-book store fed by
// both the stream reader and REST polling. Consumers treat
// latest-by-timestamp as authoritative; older writes are discarded.
type MarketCache struct {
	redis *RedisClient
}

// NewMarketCache wraps a Redis client; redis may be nil (cache off).
func NewMarketCache(redis *RedisClient) *MarketCache {
	return &MarketCache{redis: redis}
}

// SetQuote writes the latest quote unless a newer one is already cached.
func (m *MarketCache) SetQuote(ctx context.Context, q *broker.Quote) error {
	if m.redis == nil {
		return nil
	}
	var cur broker.Quote
	if err := m.redis.Get(ctx, quoteKey(q.Symbol), &cur); err == nil && cur.Timestamp.After(q.Timestamp) {
		return nil
	}
	return m.redis.Set(ctx, quoteKey(q.Symbol), q, quoteTTL)
}

// GetQuote returns the cached quote or nil on a miss.
func (m *MarketCache) GetQuote(ctx context.Context, symbol string) *broker.Quote {
	if m.redis == nil {
		return nil
	}
	var q broker.Quote
	if err := m.redis.Get(ctx, quoteKey(symbol), &q); err != nil {
		return nil
	}
	return &q
}

// SetOrderBookTop writes the latest book top unless a newer one exists.
func (m *MarketCache) SetOrderBookTop(ctx context.Context, top *broker.OrderBookTop) error {
	if m.redis == nil {
		return nil
	}
	var cur broker.OrderBookTop
	if err := m.redis.Get(ctx, bookKey(top.Symbol), &cur); err == nil && cur.Timestamp.After(top.Timestamp) {
		return nil
	}
	return m.redis.Set(ctx, bookKey(top.Symbol), top, quoteTTL)
}

// GetOrderBookTop returns the cached book top or nil on a miss.
func (m *MarketCache) GetOrderBookTop(ctx context.Context, symbol string) *broker.OrderBookTop {
	if m.redis == nil {
		return nil
	}
	var top broker.OrderBookTop
	if err := m.redis.Get(ctx, bookKey(symbol), &top); err != nil {
		return nil
	}
	return &top
}

// SetLLMResponse stores one reasoner reply under a caller-chosen key.
func (m *MarketCache) SetLLMResponse(ctx context.Context, key string, c *llm.Completion) {
	if m.redis == nil {
		return
	}
	m.redis.Set(ctx, llmKey(key), c, llmTTL)
}

// GetLLMResponse returns the cached reply or nil on a miss.
func (m *MarketCache) GetLLMResponse(ctx context.Context, key string) *llm.Completion {
	if m.redis == nil {
		return nil
	}
	var c llm.Completion
	if err := m.redis.Get(ctx, llmKey(key), &c); err != nil {
		return nil
	}
	return &c
}

// CountSubscribeFailure bumps the rolling per-symbol subscribe failure
// counter (10 minute window) and returns the running total; the stream
// manager alerts the operator at five.
func (m *MarketCache) CountSubscribeFailure(ctx context.Context, symbol string) int64 {
	if m.redis == nil {
		return 0
	}
	n, err := m.redis.Incr(ctx, fmt.Sprintf("subfail:%s", symbol), 10*time.Minute)
	if err != nil {
		return 0
	}
	return n
}

func quoteKey(symbol string) string { return "quote:" + symbol }
func bookKey(symbol string) string  { return "book:" + symbol }
func llmKey(key string) string      { return "llm:" + key }
