// Package venue implements the execution venue and wallet interfaces
// against the trading gateway's REST API.
package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hedgeworks/hedgebot/internal/domain"
)

// Client is the REST client for the venue trading gateway. It places
// single-leg liquidity orders, quotes execution pools and reports
// transaction status.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a venue client for the given gateway root, e.g.
// "https://gateway.example.com".
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

var (
	_ domain.ExecutionVenue = (*Client)(nil)
	_ domain.WalletProvider = (*Client)(nil)
)

// PlaceLiquidityOrder submits one order leg and returns the venue
// transaction signature.
func (c *Client) PlaceLiquidityOrder(ctx context.Context, userID, poolRef string, amount float64, slippageBps int) (string, error) {
	body := map[string]any{
		"user_id":      userID,
		"pool":         poolRef,
		"amount":       amount,
		"slippage_bps": slippageBps,
	}

	respBody, err := c.doRequest(ctx, http.MethodPost, "/v1/orders", body)
	if err != nil {
		return "", fmt.Errorf("venue: place order: %w", err)
	}

	var result struct {
		Signature string `json:"signature"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("venue: decode order response: %w", err)
	}
	if result.Signature == "" {
		return "", fmt.Errorf("venue: order response missing signature")
	}
	return result.Signature, nil
}

// BestExecutionPool quotes the pool with the best expected output for a
// trade between two assets.
func (c *Client) BestExecutionPool(ctx context.Context, base, quote string, amount float64) (domain.PoolQuote, error) {
	q := url.Values{}
	q.Set("base", base)
	q.Set("quote", quote)
	q.Set("amount", strconv.FormatFloat(amount, 'f', -1, 64))

	respBody, err := c.doRequest(ctx, http.MethodGet, "/v1/pools/best?"+q.Encode(), nil)
	if err != nil {
		return domain.PoolQuote{}, fmt.Errorf("venue: best pool %s/%s: %w", base, quote, err)
	}

	var result struct {
		Ref            string  `json:"ref"`
		ExpectedOutput float64 `json:"expected_output"`
		PriceImpact    float64 `json:"price_impact"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return domain.PoolQuote{}, fmt.Errorf("venue: decode pool quote: %w", err)
	}
	if result.Ref == "" {
		return domain.PoolQuote{}, fmt.Errorf("venue: no pool for %s/%s: %w", base, quote, domain.ErrNotFound)
	}
	return domain.PoolQuote{
		Ref:            result.Ref,
		ExpectedOutput: result.ExpectedOutput,
		PriceImpact:    result.PriceImpact,
	}, nil
}

// ExecutionStatus reports the confirmation state of a signature.
func (c *Client) ExecutionStatus(ctx context.Context, signature string) (domain.TxStatus, error) {
	respBody, err := c.doRequest(ctx, http.MethodGet, "/v1/tx/"+url.PathEscape(signature), nil)
	if err != nil {
		return "", fmt.Errorf("venue: tx status %s: %w", signature, err)
	}

	var result struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("venue: decode tx status: %w", err)
	}

	switch result.Status {
	case "pending":
		return domain.TxStatusPending, nil
	case "confirmed":
		return domain.TxStatusConfirmed, nil
	case "failed":
		return domain.TxStatusFailed, nil
	default:
		return "", fmt.Errorf("venue: unknown tx status %q", result.Status)
	}
}

// SigningKey resolves the key reference the gateway holds for a user.
func (c *Client) SigningKey(ctx context.Context, userID string) (string, error) {
	respBody, err := c.doRequest(ctx, http.MethodGet, "/v1/wallets/"+url.PathEscape(userID)+"/key", nil)
	if err != nil {
		return "", fmt.Errorf("venue: signing key %s: %w", userID, err)
	}

	var result struct {
		KeyRef string `json:"key_ref"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("venue: decode key response: %w", err)
	}
	return result.KeyRef, nil
}

// CheckBalance reports a user's balance in the given asset.
func (c *Client) CheckBalance(ctx context.Context, userID, asset string) (float64, error) {
	q := url.Values{}
	q.Set("asset", asset)

	respBody, err := c.doRequest(ctx, http.MethodGet, "/v1/wallets/"+url.PathEscape(userID)+"/balance?"+q.Encode(), nil)
	if err != nil {
		return 0, fmt.Errorf("venue: balance %s: %w", userID, err)
	}

	var result struct {
		Balance float64 `json:"balance"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return 0, fmt.Errorf("venue: decode balance: %w", err)
	}
	return result.Balance, nil
}

// doRequest builds, sends and reads one HTTP request, mapping transport
// failures and non-2xx statuses to domain errors.
func (c *Client) doRequest(ctx context.Context, method, path string, body any) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &domain.NetworkError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &domain.NetworkError{Op: "read response", Err: err}
	}

	if err := checkHTTPStatus(resp, respBody); err != nil {
		return nil, err
	}
	return respBody, nil
}

// checkHTTPStatus maps non-2xx statuses to domain errors. 429 becomes a
// RateLimitError carrying the Retry-After hint; 5xx is transient; other 4xx
// is terminal.
func checkHTTPStatus(resp *http.Response, body []byte) error {
	code := resp.StatusCode
	if code >= 200 && code < 300 {
		return nil
	}

	if code == http.StatusTooManyRequests {
		var retryAfter time.Duration
		if v := resp.Header.Get("Retry-After"); v != "" {
			if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return &domain.RateLimitError{RetryAfter: retryAfter}
	}

	if code >= 500 {
		return &domain.NetworkError{
			Op:  "gateway",
			Err: fmt.Errorf("HTTP %d: %s", code, truncate(body, 256)),
		}
	}

	return &domain.ValidationError{
		Field:  "request",
		Reason: fmt.Sprintf("HTTP %d: %s", code, truncate(body, 256)),
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
