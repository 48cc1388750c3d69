package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/positionengine/internal/domain"
)

const marketTTL = 5 * time.Minute

// MarketCache implements domain.MarketCache with JSON-serialized markets.
//
// Key schema:
//
//	market:{exchange}:{symbol} - string containing the JSON market
type MarketCache struct {
	client *Client
	ttl    time.Duration
}

// NewMarketCache creates a MarketCache backed by the given Client. A
// non-positive ttl selects the default of five minutes.
func NewMarketCache(c *Client, ttl time.Duration) *MarketCache {
	if ttl <= 0 {
		ttl = marketTTL
	}
	return &MarketCache{client: c, ttl: ttl}
}

func marketKey(exchange, symbol string) string { return "market:" + exchange + ":" + symbol }

// Set stores a Market in the cache.
func (mc *MarketCache) Set(ctx context.Context, market domain.Market) error {
	data, err := json.Marshal(market)
	if err != nil {
		return fmt.Errorf("redis: marshal market %s: %w", market.Symbol, err)
	}
	if err := mc.client.Underlying().Set(ctx, marketKey(market.Exchange, market.Symbol), data, mc.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set market %s: %w", market.Symbol, err)
	}
	return nil
}

// Get retrieves a Market. It returns domain.ErrNotFound when absent.
func (mc *MarketCache) Get(ctx context.Context, exchange, symbol string) (domain.Market, error) {
	data, err := mc.client.Underlying().Get(ctx, marketKey(exchange, symbol)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("redis: get market %s: %w", symbol, err)
	}

	var market domain.Market
	if err := json.Unmarshal(data, &market); err != nil {
		return domain.Market{}, fmt.Errorf("redis: unmarshal market %s: %w", symbol, err)
	}
	return market, nil
}

// Invalidate removes a Market from the cache.
func (mc *MarketCache) Invalidate(ctx context.Context, exchange, symbol string) error {
	if err := mc.client.Underlying().Del(ctx, marketKey(exchange, symbol)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate market %s: %w", symbol, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.MarketCache = (*MarketCache)(nil)
