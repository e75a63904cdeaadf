package venue

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hedgeworks/hedgebot/internal/domain"
)

func TestPlaceLiquidityOrder(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/orders" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]string{"signature": "sig-123"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	sig, err := c.PlaceLiquidityOrder(context.Background(), "u1", "pool-a", 50, 75)
	if err != nil {
		t.Fatalf("place order: %v", err)
	}
	if sig != "sig-123" {
		t.Errorf("signature = %q, want sig-123", sig)
	}
	if gotBody["user_id"] != "u1" || gotBody["pool"] != "pool-a" {
		t.Errorf("request body = %v", gotBody)
	}
	if gotBody["slippage_bps"].(float64) != 75 {
		t.Errorf("slippage_bps = %v, want 75", gotBody["slippage_bps"])
	}
}

func TestBestExecutionPool(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/pools/best" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("base") != "SOL" || q.Get("quote") != "USDC" || q.Get("amount") != "10" {
			t.Errorf("unexpected query %v", q)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"ref":             "pool-xyz",
			"expected_output": 1042.5,
			"price_impact":    0.002,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	quote, err := c.BestExecutionPool(context.Background(), "SOL", "USDC", 10)
	if err != nil {
		t.Fatalf("best pool: %v", err)
	}
	if quote.Ref != "pool-xyz" || quote.ExpectedOutput != 1042.5 || quote.PriceImpact != 0.002 {
		t.Errorf("quote = %+v", quote)
	}
}

func TestBestExecutionPoolMissingRef(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.BestExecutionPool(context.Background(), "SOL", "USDC", 10)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestExecutionStatus(t *testing.T) {
	statuses := map[string]domain.TxStatus{
		"pending":   domain.TxStatusPending,
		"confirmed": domain.TxStatusConfirmed,
		"failed":    domain.TxStatusFailed,
	}
	for raw, want := range statuses {
		t.Run(raw, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/v1/tx/sig-1" {
					t.Errorf("unexpected path %s", r.URL.Path)
				}
				json.NewEncoder(w).Encode(map[string]string{"status": raw})
			}))
			defer srv.Close()

			c := NewClient(srv.URL)
			got, err := c.ExecutionStatus(context.Background(), "sig-1")
			if err != nil {
				t.Fatalf("status: %v", err)
			}
			if got != want {
				t.Errorf("status = %q, want %q", got, want)
			}
		})
	}
}

func TestWalletEndpoints(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/wallets/u1/key":
			json.NewEncoder(w).Encode(map[string]string{"key_ref": "key-ref-1"})
		case "/v1/wallets/u1/balance":
			if r.URL.Query().Get("asset") != "USDC" {
				t.Errorf("asset = %q", r.URL.Query().Get("asset"))
			}
			json.NewEncoder(w).Encode(map[string]float64{"balance": 250.75})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	key, err := c.SigningKey(context.Background(), "u1")
	if err != nil || key != "key-ref-1" {
		t.Errorf("signing key = %q, %v", key, err)
	}
	bal, err := c.CheckBalance(context.Background(), "u1", "USDC")
	if err != nil || bal != 250.75 {
		t.Errorf("balance = %v, %v", bal, err)
	}
}

func TestStatusErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		retryAfter string
		check      func(t *testing.T, err error)
	}{
		{
			name:       "rate limited with retry-after",
			status:     http.StatusTooManyRequests,
			retryAfter: "7",
			check: func(t *testing.T, err error) {
				var rl *domain.RateLimitError
				if !errors.As(err, &rl) {
					t.Fatalf("err = %v, want RateLimitError", err)
				}
				if rl.RetryAfter != 7*time.Second {
					t.Errorf("retry after = %s, want 7s", rl.RetryAfter)
				}
			},
		},
		{
			name:   "server error is transient",
			status: http.StatusBadGateway,
			check: func(t *testing.T, err error) {
				var ne *domain.NetworkError
				if !errors.As(err, &ne) {
					t.Fatalf("err = %v, want NetworkError", err)
				}
				if !domain.Retryable(err) {
					t.Error("5xx should be retryable")
				}
			},
		},
		{
			name:   "client error is terminal",
			status: http.StatusBadRequest,
			check: func(t *testing.T, err error) {
				var ve *domain.ValidationError
				if !errors.As(err, &ve) {
					t.Fatalf("err = %v, want ValidationError", err)
				}
				if domain.Retryable(err) {
					t.Error("4xx should not be retryable")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"error":"nope"}`))
			}))
			defer srv.Close()

			c := NewClient(srv.URL)
			_, err := c.PlaceLiquidityOrder(context.Background(), "u1", "pool", 10, 50)
			if err == nil {
				t.Fatal("expected error")
			}
			tt.check(t, err)
		})
	}
}

func TestTransportFailure(t *testing.T) {
	c := NewClient("http://127.0.0.1:1")
	_, err := c.CheckBalance(context.Background(), "u1", "USDC")
	var ne *domain.NetworkError
	if !errors.As(err, &ne) {
		t.Fatalf("err = %v, want NetworkError", err)
	}
}
