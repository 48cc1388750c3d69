package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/positionengine/internal/domain"
)

// PriceCache implements domain.PriceCache using Redis hashes.
// Each market's mark price is stored as a hash at key
// "price:{exchange}:{symbol}" with fields "price" (decimal string) and "ts"
// (Unix nanosecond timestamp).
type PriceCache struct {
	client *Client
}

// NewPriceCache creates a PriceCache backed by the given Client.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{client: c}
}

func priceKey(exchange, symbol string) string {
	return "price:" + exchange + ":" + symbol
}

// SetPrice stores the latest price and timestamp for a market.
func (pc *PriceCache) SetPrice(ctx context.Context, exchange, symbol string, price decimal.Decimal, ts time.Time) error {
	fields := map[string]interface{}{
		"price": price.String(),
		"ts":    strconv.FormatInt(ts.UnixNano(), 10),
	}
	if err := pc.client.Underlying().HSet(ctx, priceKey(exchange, symbol), fields).Err(); err != nil {
		return fmt.Errorf("redis: set price %s:%s: %w", exchange, symbol, err)
	}
	return nil
}

// GetPrice retrieves the latest price and timestamp for a market.
// It returns domain.ErrNotFound when the key does not exist.
func (pc *PriceCache) GetPrice(ctx context.Context, exchange, symbol string) (decimal.Decimal, time.Time, error) {
	vals, err := pc.client.Underlying().HGetAll(ctx, priceKey(exchange, symbol)).Result()
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("redis: get price %s:%s: %w", exchange, symbol, err)
	}
	return parsePrice(vals)
}

func parsePrice(vals map[string]string) (decimal.Decimal, time.Time, error) {
	priceStr, ok := vals["price"]
	if !ok {
		return decimal.Zero, time.Time{}, domain.ErrNotFound
	}
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("redis: parse price %q: %w", priceStr, err)
	}
	tsStr, ok := vals["ts"]
	if !ok {
		return decimal.Zero, time.Time{}, domain.ErrNotFound
	}
	tsNano, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("redis: parse ts %q: %w", tsStr, err)
	}
	return price, time.Unix(0, tsNano).UTC(), nil
}

// GetPrices retrieves the latest prices for several symbols of one exchange
// in a single pipeline. Missing symbols are omitted from the result.
func (pc *PriceCache) GetPrices(ctx context.Context, exchange string, symbols []string) (map[string]decimal.Decimal, error) {
	if len(symbols) == 0 {
		return map[string]decimal.Decimal{}, nil
	}
	pipe := pc.client.Underlying().Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(symbols))
	for _, s := range symbols {
		cmds[s] = pipe.HGetAll(ctx, priceKey(exchange, s))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis: get prices pipeline: %w", err)
	}

	out := make(map[string]decimal.Decimal, len(symbols))
	for s, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil {
			continue
		}
		price, _, err := parsePrice(vals)
		if err != nil {
			continue
		}
		out[s] = price
	}
	return out, nil
}

// Compile-time interface check.
var _ domain.PriceCache = (*PriceCache)(nil)
