package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/pixtrade/pixtrade/pkg/metrics"
)

// Client defines the PIX payment gateway capability. All operations are
// stateless beyond the remote call; authentication tokens are cached
// internally and refreshed on expiry or 401.
type Client interface {
	ListCurrencies(ctx context.Context) ([]Currency, error)
	FindCurrency(ctx context.Context, kind, code string) (*Currency, error)
	EnsureCustomer(ctx context.Context, profile CustomerProfile) (string, error)
	CreateCharge(ctx context.Context, amount decimal.Decimal, customerID, currencyID string) (*ChargeResult, error)
	CreatePayout(ctx context.Context, amount decimal.Decimal, customerID, currencyID, pixKeyType, pixKey string) (*PayoutResult, error)
	QueryStatus(ctx context.Context, externalID string) (string, error)
}

// Currency is a payment method supported by the gateway.
type Currency struct {
	ID   string `json:"id"`
	Kind string `json:"type"` // e.g. "PIX"
	Code string `json:"code"` // e.g. "BRL"
	Name string `json:"name"`
}

// CustomerProfile carries the fields required to register a gateway customer.
type CustomerProfile struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Document string `json:"document"`
	Phone    string `json:"phone,omitempty"`
}

// ChargeResult is the gateway response to a created PIX charge.
type ChargeResult struct {
	ExternalID string `json:"id"`
	PayCode    string `json:"pay_code"` // PIX copy-paste code
	Status     string `json:"status"`
}

// PayoutResult is the gateway response to a created PIX payout.
type PayoutResult struct {
	ExternalID string `json:"id"`
	Status     string `json:"status"`
}

// HTTPClient implements Client against the gateway REST API.
type HTTPClient struct {
	baseURL      string
	clientID     string
	clientSecret string
	httpc        *http.Client
	maxRetries   int
	logger       *zap.Logger

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

// NewHTTPClient creates a gateway client. timeout bounds every remote call so
// no request thread blocks on the gateway indefinitely.
func NewHTTPClient(baseURL, clientID, clientSecret string, timeout time.Duration, maxRetries int, logger *zap.Logger) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &HTTPClient{
		baseURL:      strings.TrimRight(baseURL, "/"),
		clientID:     clientID,
		clientSecret: clientSecret,
		httpc:        &http.Client{Timeout: timeout},
		maxRetries:   maxRetries,
		logger:       logger,
	}
}

type authResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// authenticate fetches a fresh access token. Callers must hold c.mu.
func (c *HTTPClient) authenticate(ctx context.Context) error {
	body, _ := json.Marshal(map[string]string{
		"client_id":     c.clientID,
		"client_secret": c.clientSecret,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/auth/token", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return NewUnavailable("authenticate", 0, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return NewUnavailable("authenticate", resp.StatusCode, "gateway auth unavailable")
	}
	if resp.StatusCode != http.StatusOK {
		return NewRejected("authenticate", resp.StatusCode, "auth_failed", "invalid gateway credentials")
	}

	var ar authResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return fmt.Errorf("failed to decode auth response: %w", err)
	}
	c.token = ar.AccessToken
	// Renew one minute before the reported expiry.
	c.tokenExp = time.Now().Add(time.Duration(ar.ExpiresIn)*time.Second - time.Minute)
	return nil
}

func (c *HTTPClient) bearerToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == "" || time.Now().After(c.tokenExp) {
		if err := c.authenticate(ctx); err != nil {
			return "", err
		}
	}
	return c.token, nil
}

func (c *HTTPClient) invalidateToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

type gatewayErrorBody struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
}

// call performs an authenticated request with bounded retries. Network errors
// and 5xx responses are retried with backoff; a 401 triggers one re-auth and
// retry. The response body and final status are returned for the caller to
// interpret, so operations like EnsureCustomer can treat 409 as success.
func (c *HTTPClient) call(ctx context.Context, op, method, path string, payload interface{}) (int, []byte, error) {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to marshal %s payload: %w", op, err)
		}
	}

	reauthed := false
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * 200 * time.Millisecond
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return 0, nil, ctx.Err()
			}
		}

		token, err := c.bearerToken(ctx)
		if err != nil {
			lastErr = err
			if IsRejected(err) {
				return 0, nil, err
			}
			continue
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return 0, nil, fmt.Errorf("failed to build %s request: %w", op, err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)

		start := time.Now()
		resp, err := c.httpc.Do(req)
		metrics.GatewayLatency.Observe(time.Since(start).Seconds())
		if err != nil {
			lastErr = NewUnavailable(op, 0, err.Error())
			metrics.GatewayRequests.WithLabelValues(op, "network_error").Inc()
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = NewUnavailable(op, resp.StatusCode, err.Error())
			continue
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized && !reauthed:
			// Token expired server-side; refresh once and retry.
			reauthed = true
			c.invalidateToken()
			lastErr = NewUnavailable(op, resp.StatusCode, "token expired")
			continue
		case resp.StatusCode >= 500:
			lastErr = NewUnavailable(op, resp.StatusCode, "gateway unavailable")
			metrics.GatewayRequests.WithLabelValues(op, "unavailable").Inc()
			continue
		default:
			metrics.GatewayRequests.WithLabelValues(op, fmt.Sprintf("%d", resp.StatusCode)).Inc()
			return resp.StatusCode, respBody, nil
		}
	}

	c.logger.Warn("gateway call exhausted retries",
		zap.String("operation", op),
		zap.Int("max_retries", c.maxRetries),
		zap.Error(lastErr))
	return 0, nil, lastErr
}

// rejected parses an error body into a non-retryable gateway error.
func rejected(op string, status int, body []byte) *Error {
	var eb gatewayErrorBody
	if err := json.Unmarshal(body, &eb); err != nil || eb.Message == "" {
		return NewRejected(op, status, "", string(body))
	}
	return NewRejected(op, status, eb.Code, eb.Message)
}

// ListCurrencies returns the payment methods the gateway supports.
func (c *HTTPClient) ListCurrencies(ctx context.Context) ([]Currency, error) {
	status, body, err := c.call(ctx, "list_currencies", http.MethodGet, "/v1/currencies", nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, rejected("list_currencies", status, body)
	}

	var out struct {
		Data []Currency `json:"data"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to decode currencies: %w", err)
	}
	return out.Data, nil
}

// FindCurrency resolves a payment method by type and code, e.g. ("PIX", "BRL").
func (c *HTTPClient) FindCurrency(ctx context.Context, kind, code string) (*Currency, error) {
	currencies, err := c.ListCurrencies(ctx)
	if err != nil {
		return nil, err
	}
	for i := range currencies {
		if strings.EqualFold(currencies[i].Kind, kind) && strings.EqualFold(currencies[i].Code, code) {
			return &currencies[i], nil
		}
	}
	return nil, NewRejected("find_currency", http.StatusNotFound, "currency_not_found",
		fmt.Sprintf("no %s currency with code %s", kind, code))
}

type customerResponse struct {
	ID string `json:"id"`
}

type customerConflictBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details struct {
		ExistingID string `json:"existing_id"`
	} `json:"details"`
}

// EnsureCustomer registers a customer with the gateway. A 409 conflict means
// the customer already exists; the existing id is extracted from the conflict
// payload and returned as success.
func (c *HTTPClient) EnsureCustomer(ctx context.Context, profile CustomerProfile) (string, error) {
	status, body, err := c.call(ctx, "ensure_customer", http.MethodPost, "/v1/customers", profile)
	if err != nil {
		return "", err
	}

	switch status {
	case http.StatusOK, http.StatusCreated:
		var cr customerResponse
		if err := json.Unmarshal(body, &cr); err != nil {
			return "", fmt.Errorf("failed to decode customer response: %w", err)
		}
		return cr.ID, nil
	case http.StatusConflict:
		var cb customerConflictBody
		if err := json.Unmarshal(body, &cb); err == nil && cb.Details.ExistingID != "" {
			return cb.Details.ExistingID, nil
		}
		return "", NewRejected("ensure_customer", status, "conflict_without_id",
			"customer conflict without an existing id in the payload")
	default:
		return "", rejected("ensure_customer", status, body)
	}
}

// CreateCharge creates a PIX charge for a deposit.
func (c *HTTPClient) CreateCharge(ctx context.Context, amount decimal.Decimal, customerID, currencyID string) (*ChargeResult, error) {
	payload := map[string]interface{}{
		"amount":      amount.String(),
		"customer_id": customerID,
		"currency_id": currencyID,
	}
	status, body, err := c.call(ctx, "create_charge", http.MethodPost, "/v1/charges", payload)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return nil, rejected("create_charge", status, body)
	}

	var cr ChargeResult
	if err := json.Unmarshal(body, &cr); err != nil {
		return nil, fmt.Errorf("failed to decode charge response: %w", err)
	}
	return &cr, nil
}

// CreatePayout creates a PIX payout for a withdrawal addressed to the user's
// pix key.
func (c *HTTPClient) CreatePayout(ctx context.Context, amount decimal.Decimal, customerID, currencyID, pixKeyType, pixKey string) (*PayoutResult, error) {
	payload := map[string]interface{}{
		"amount":       amount.String(),
		"customer_id":  customerID,
		"currency_id":  currencyID,
		"pix_key_type": pixKeyType,
		"pix_key":      pixKey,
	}
	status, body, err := c.call(ctx, "create_payout", http.MethodPost, "/v1/payouts", payload)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return nil, rejected("create_payout", status, body)
	}

	var pr PayoutResult
	if err := json.Unmarshal(body, &pr); err != nil {
		return nil, fmt.Errorf("failed to decode payout response: %w", err)
	}
	return &pr, nil
}

// QueryStatus fetches the current status of a charge or payout by its
// gateway id. Used by the reconciliation poll path when webhooks are delayed.
func (c *HTTPClient) QueryStatus(ctx context.Context, externalID string) (string, error) {
	status, body, err := c.call(ctx, "query_status", http.MethodGet, "/v1/transactions/"+externalID, nil)
	if err != nil {
		return "", err
	}
	if status == http.StatusNotFound {
		return "", NewRejected("query_status", status, "not_found", "transaction not found at gateway")
	}
	if status != http.StatusOK {
		return "", rejected("query_status", status, body)
	}

	var out struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("failed to decode status response: %w", err)
	}
	return out.Status, nil
}
