package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/alanyoungcy/positionengine/internal/domain"
)

// CachedCatalog resolves markets through a cache in front of the gateway
// and registers every market it returns with the cost model.
type CachedCatalog struct {
	source domain.MarketCatalog
	cache  domain.MarketCache
	costs  *CostModel
	logger *slog.Logger
	fetch  singleflight.Group
}

// NewCachedCatalog creates a CachedCatalog.
func NewCachedCatalog(source domain.MarketCatalog, cache domain.MarketCache, costs *CostModel, logger *slog.Logger) *CachedCatalog {
	return &CachedCatalog{
		source: source,
		cache:  cache,
		costs:  costs,
		logger: logger.With(slog.String("component", "market_catalog")),
	}
}

// Market returns market metadata, preferring the cache. Cache failures
// degrade to the gateway.
func (c *CachedCatalog) Market(ctx context.Context, exchange, symbol string) (domain.Market, error) {
	m, err := c.cache.Get(ctx, exchange, symbol)
	if err == nil {
		if m.Exchange == "" {
			m.Exchange = exchange
		}
		c.costs.Register(m)
		return m, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		c.logger.Warn("gateway: market cache read failed",
			slog.String("symbol", symbol),
			slog.String("error", err.Error()),
		)
	}

	// Concurrent misses for one market share a single gateway call.
	v, err, _ := c.fetch.Do(exchange+"|"+symbol, func() (any, error) {
		return c.load(ctx, exchange, symbol)
	})
	if err != nil {
		return domain.Market{}, err
	}
	return v.(domain.Market), nil
}

func (c *CachedCatalog) load(ctx context.Context, exchange, symbol string) (domain.Market, error) {
	m, err := c.source.Market(ctx, exchange, symbol)
	if err != nil {
		return domain.Market{}, err
	}
	if m.Exchange == "" {
		m.Exchange = exchange
	}
	if err := c.cache.Set(ctx, m); err != nil {
		c.logger.Warn("gateway: market cache write failed",
			slog.String("symbol", symbol),
			slog.String("error", err.Error()),
		)
	}
	c.costs.Register(m)
	return m, nil
}

// Handler returns the cost model of exchange, loading the market of symbol
// first when its contract terms are not registered yet.
func (c *CachedCatalog) Handler(ctx context.Context, exchange, symbol string) (domain.ExchangeHandler, error) {
	if !c.costs.Known(exchange, symbol) {
		if _, err := c.Market(ctx, exchange, symbol); err != nil {
			return nil, fmt.Errorf("gateway: contract terms %s/%s: %w", exchange, symbol, err)
		}
	}
	return c.costs.For(exchange), nil
}

// Compile-time interface checks.
var (
	_ domain.MarketCatalog = (*CachedCatalog)(nil)
	_ domain.HandlerSource = (*CachedCatalog)(nil)
)
