// Package gateway talks to the exchange gateway sidecar: a signed REST JSON
// API that fronts every supported exchange behind one order model.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/alanyoungcy/positionengine/internal/crypto"
	"github.com/alanyoungcy/positionengine/internal/domain"
)

// Connection headers identify the user account a call acts for.
const (
	headerUser         = "X-PE-USER"
	headerAccount      = "X-PE-EXCHANGE-ACCOUNT"
	headerExchange     = "X-PE-EXCHANGE"
	headerExchangeType = "X-PE-EXCHANGE-TYPE"
)

// Error codes returned by the gateway.
const (
	codeOrderNotFound      = "ORDER_NOT_FOUND"
	codeInvalidCredentials = "INVALID_CREDENTIALS"
	codeMarketNotFound     = "MARKET_NOT_FOUND"
)

// Config configures the gateway client.
type Config struct {
	BaseURL string
	Key     string
	Secret  string
	Timeout time.Duration
	// RetryCount retries idempotent reads on transport errors and 5xx.
	RetryCount int
}

// APIError is a non-2xx gateway response.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway: status %d %s: %s", e.Status, e.Code, e.Message)
}

// Unwrap maps gateway codes onto domain sentinels.
func (e *APIError) Unwrap() error {
	switch e.Code {
	case codeOrderNotFound:
		return domain.ErrOrderNotFound
	case codeInvalidCredentials:
		return domain.ErrInvalidCredentials
	case codeMarketNotFound:
		return domain.ErrNotFound
	}
	return nil
}

// Client implements domain.ExchangeCalls and domain.MarketCatalog.
type Client struct {
	http   *resty.Client
	auth   *crypto.HMACAuth
	logger *slog.Logger
}

// NewClient creates a gateway client.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("gateway: base url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	rc := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetHeader("Accept", "application/json").
		SetTimeout(timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if r == nil || r.Request == nil || r.Request.Method != http.MethodGet {
				return false
			}
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		})

	return &Client{
		http:   rc,
		auth:   &crypto.HMACAuth{Key: cfg.Key, Secret: cfg.Secret},
		logger: logger.With(slog.String("component", "gateway")),
	}, nil
}

// CancelOrder cancels an order and returns the exchange's final view of it.
func (c *Client) CancelOrder(ctx context.Context, conn domain.Connection, symbol, orderID string) (domain.ExchangeOrder, error) {
	var out domain.ExchangeOrder
	body := map[string]string{"symbol": symbol, "orderId": orderID}
	if err := c.do(ctx, http.MethodPost, "/v1/orders/cancel", nil, &conn, body, &out); err != nil {
		return domain.ExchangeOrder{}, fmt.Errorf("gateway: cancel order %s: %w", orderID, err)
	}
	return out, nil
}

// FetchOrder returns the exchange's view of an order.
func (c *Client) FetchOrder(ctx context.Context, conn domain.Connection, symbol, orderID string) (domain.ExchangeOrder, error) {
	var out domain.ExchangeOrder
	q := url.Values{"symbol": {symbol}}
	if err := c.do(ctx, http.MethodGet, "/v1/orders/"+url.PathEscape(orderID), q, &conn, nil, &out); err != nil {
		return domain.ExchangeOrder{}, fmt.Errorf("gateway: fetch order %s: %w", orderID, err)
	}
	return out, nil
}

// FetchOrderTrades returns the fills of an order.
func (c *Client) FetchOrderTrades(ctx context.Context, conn domain.Connection, symbol, orderID string) ([]domain.Trade, error) {
	var out []domain.Trade
	q := url.Values{"symbol": {symbol}}
	if err := c.do(ctx, http.MethodGet, "/v1/orders/"+url.PathEscape(orderID)+"/trades", q, &conn, nil, &out); err != nil {
		return nil, fmt.Errorf("gateway: fetch trades %s: %w", orderID, err)
	}
	for i := range out {
		if out[i].OrderID == "" {
			out[i].OrderID = orderID
		}
	}
	return out, nil
}

// FetchForcedOrders returns liquidation orders on symbol since a time.
func (c *Client) FetchForcedOrders(ctx context.Context, conn domain.Connection, symbol string, since time.Time) ([]domain.ExchangeOrder, error) {
	var out []domain.ExchangeOrder
	q := url.Values{"symbol": {symbol}, "since": {since.UTC().Format(time.RFC3339)}}
	if err := c.do(ctx, http.MethodGet, "/v1/forced-orders", q, &conn, nil, &out); err != nil {
		return nil, fmt.Errorf("gateway: forced orders %s: %w", symbol, err)
	}
	return out, nil
}

// FetchOpenContracts returns the live derivatives positions of a connection.
func (c *Client) FetchOpenContracts(ctx context.Context, conn domain.Connection) ([]domain.Contract, error) {
	var out []domain.Contract
	if err := c.do(ctx, http.MethodGet, "/v1/contracts", nil, &conn, nil, &out); err != nil {
		return nil, fmt.Errorf("gateway: open contracts: %w", err)
	}
	return out, nil
}

// FetchFundingIncome returns funding fee income records on symbol.
func (c *Client) FetchFundingIncome(ctx context.Context, conn domain.Connection, symbol string, since time.Time) ([]domain.Income, error) {
	var out []domain.Income
	q := url.Values{
		"symbol": {symbol},
		"type":   {domain.IncomeFunding},
		"since":  {since.UTC().Format(time.RFC3339)},
	}
	if err := c.do(ctx, http.MethodGet, "/v1/income", q, &conn, nil, &out); err != nil {
		return nil, fmt.Errorf("gateway: funding income %s: %w", symbol, err)
	}
	return out, nil
}

// Market returns market metadata.
func (c *Client) Market(ctx context.Context, exchange, symbol string) (domain.Market, error) {
	var out domain.Market
	path := "/v1/markets/" + url.PathEscape(exchange) + "/" + url.PathEscape(symbol)
	if err := c.do(ctx, http.MethodGet, path, nil, nil, nil, &out); err != nil {
		return domain.Market{}, fmt.Errorf("gateway: market %s/%s: %w", exchange, symbol, err)
	}
	if out.Exchange == "" {
		out.Exchange = exchange
	}
	return out, nil
}

// do signs and sends one request, decoding a 2xx body into out.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, conn *domain.Connection, body, out any) error {
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	var payload string
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		payload = string(raw)
	}

	req := c.http.R().
		SetContext(ctx).
		SetHeaders(c.auth.Headers(method, path, payload)).
		SetResult(out).
		SetError(&APIError{})
	if conn != nil {
		req.SetHeaders(map[string]string{
			headerUser:         conn.UserID,
			headerAccount:      conn.ExchangeInternalID,
			headerExchange:     conn.ExchangeName,
			headerExchangeType: string(conn.ExchangeType),
		})
	}
	if payload != "" {
		req.SetHeader("Content-Type", "application/json").SetBody(payload)
	}

	start := time.Now()
	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	c.logger.Debug("gateway: request",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", resp.StatusCode()),
		slog.Duration("took", time.Since(start)),
	)
	if resp.IsError() {
		apiErr, ok := resp.Error().(*APIError)
		if !ok || (apiErr.Code == "" && apiErr.Message == "") {
			apiErr = &APIError{Message: resp.String()}
		}
		apiErr.Status = resp.StatusCode()
		return apiErr
	}
	return nil
}

// Compile-time interface checks.
var (
	_ domain.ExchangeCalls = (*Client)(nil)
	_ domain.MarketCatalog = (*Client)(nil)
)
