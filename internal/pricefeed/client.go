// Package pricefeed adapts the external market-data feed to the settlement
// engine's PriceSource. The engine never fetches prices itself; this client
// is the collaborator that does.
package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
)

// Client fetches last-trade prices from the feed service.
type Client struct {
	baseURL string
	httpc   *http.Client
}

// NewClient creates a price feed client.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{baseURL: baseURL, httpc: &http.Client{Timeout: timeout}}
}

// Price returns the current price for a symbol.
func (c *Client) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	u := fmt.Sprintf("%s/v1/prices/%s", c.baseURL, url.PathEscape(symbol))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return decimal.Zero, err
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("price feed request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("price feed: status %d for %s", resp.StatusCode, symbol)
	}

	var out struct {
		Price decimal.Decimal `json:"price"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return decimal.Zero, fmt.Errorf("price feed: decode failed: %w", err)
	}
	if !out.Price.IsPositive() {
		return decimal.Zero, fmt.Errorf("price feed: no price for %s", symbol)
	}
	return out.Price, nil
}
