// Package redis implements the lock store, caches and signal bus on
// go-redis/v9.
package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"

	"github.com/redis/go-redis/v9"
)

// ClientConfig holds connection parameters for the Redis client.
type ClientConfig struct {
	// Addrs lists the primary then the secondary endpoint.
	Addrs      []string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	TLSEnabled bool
}

// Client wraps a go-redis Client bound to one of several endpoints and
// fails over between them when the liveness probe fails.
type Client struct {
	cfg    ClientConfig
	logger *slog.Logger
	pick   func(n int) int

	mu   sync.RWMutex
	rdb  *redis.Client
	addr string
}

// New connects to the first endpoint in cfg.Addrs that answers PING.
func New(ctx context.Context, cfg ClientConfig, logger *slog.Logger) (*Client, error) {
	if len(cfg.Addrs) == 0 {
		return nil, errors.New("redis: no endpoints configured")
	}
	c := &Client{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "redis")),
		pick:   rand.IntN,
	}
	var errs []error
	for _, addr := range cfg.Addrs {
		rdb, err := c.dial(ctx, addr)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		c.rdb, c.addr = rdb, addr
		return c, nil
	}
	return nil, fmt.Errorf("redis: connect: %w", errors.Join(errs...))
}

func (c *Client) options(addr string) *redis.Options {
	opts := &redis.Options{
		Addr:       addr,
		Password:   c.cfg.Password,
		DB:         c.cfg.DB,
		PoolSize:   c.cfg.PoolSize,
		MaxRetries: c.cfg.MaxRetries,
	}
	if c.cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}
	return opts
}

func (c *Client) dial(ctx context.Context, addr string) (*redis.Client, error) {
	rdb := redis.NewClient(c.options(addr))
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", addr, err)
	}
	return rdb, nil
}

// Ensure probes the current connection and, when it is dead, reconnects to
// a randomly chosen endpoint, trying up to twice the number of endpoints.
func (c *Client) Ensure(ctx context.Context) error {
	c.mu.RLock()
	rdb, addr := c.rdb, c.addr
	c.mu.RUnlock()
	if rdb != nil && rdb.Ping(ctx).Err() == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rdb != rdb {
		// Another caller already reconnected.
		return nil
	}
	attempts := 2 * len(c.cfg.Addrs)
	var errs []error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("redis: reconnect: %w", err)
		}
		next := c.cfg.Addrs[c.pick(len(c.cfg.Addrs))]
		fresh, err := c.dial(ctx, next)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if c.rdb != nil {
			_ = c.rdb.Close()
		}
		c.rdb, c.addr = fresh, next
		c.logger.Warn("redis: failed over",
			slog.String("from", addr),
			slog.String("to", next),
			slog.Int("attempt", i+1),
		)
		return nil
	}
	return fmt.Errorf("redis: no endpoint answered after %d attempts: %w", attempts, errors.Join(errs...))
}

// Ping checks the Redis connection.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.Underlying().Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	return nil
}

// Addr returns the endpoint currently in use.
func (c *Client) Addr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.addr
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}

// Underlying returns the raw *redis.Client currently in use.
func (c *Client) Underlying() *redis.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rdb
}
