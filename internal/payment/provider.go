package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/clinicbook/booking-engine/internal/metrics"
)

// Provider session statuses, as reported by the status endpoint.
const (
	ProviderCompleted = "Completed"
	ProviderPending   = "Pending"
	ProviderInitiated = "Initiated"
	ProviderExpired   = "Expired"
	ProviderCanceled  = "User canceled"
	ProviderRefunded  = "Refunded"
)

// ErrProviderUnavailable is a transient failure talking to the provider.
// Callers must surface it as "still processing, retry", never as a payment
// failure.
var ErrProviderUnavailable = errors.New("payment provider unavailable")

type InitiateRequest struct {
	AmountCents       int64  `json:"amount"`
	PurchaseOrderID   string `json:"purchase_order_id"`
	PurchaseOrderName string `json:"purchase_order_name"`
	ReturnURL         string `json:"return_url"`
}

type InitiateResponse struct {
	Pidx       string `json:"pidx"`
	PaymentURL string `json:"payment_url"`
}

type StatusResponse struct {
	Status        string `json:"status"`
	TransactionID string `json:"transaction_id"`
	TotalAmount   int64  `json:"total_amount"`
}

// ProviderClient talks to the external payment provider's HTTP API:
// POST {base}/initiate and GET {base}/status/{pidx}. Calls run through a
// circuit breaker so a dead provider fails fast instead of tying up
// request handlers.
type ProviderClient struct {
	baseURL    string
	secretKey  string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[*http.Response]
	metrics    *metrics.Collector
	log        *zap.Logger
}

func NewProviderClient(baseURL, secretKey string, collector *metrics.Collector, log *zap.Logger) *ProviderClient {
	if log == nil {
		log = zap.NewNop()
	}

	breaker := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:    "payment-provider",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &ProviderClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		secretKey:  secretKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		breaker:    breaker,
		metrics:    collector,
		log:        log,
	}
}

// WithHTTPClient overrides the HTTP client (tests).
func (c *ProviderClient) WithHTTPClient(client *http.Client) *ProviderClient {
	c.httpClient = client
	return c
}

// Initiate opens a payment session with the provider and returns the pidx
// plus the URL the patient must be redirected to.
func (c *ProviderClient) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("provider initiate payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/initiate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("provider initiate request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Key "+c.secretKey)
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.do(httpReq)
	c.metrics.ObserveProviderCall("initiate", time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed InitiateResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("provider initiate decode: %w", err)
	}
	if parsed.Pidx == "" || parsed.PaymentURL == "" {
		return nil, fmt.Errorf("provider initiate response missing pidx or payment_url")
	}

	return &parsed, nil
}

// Status asks the provider for the authoritative state of a session. The
// result, not any client-supplied flag, decides whether a payment is
// verified.
func (c *ProviderClient) Status(ctx context.Context, pidx string) (*StatusResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status/"+pidx, nil)
	if err != nil {
		return nil, fmt.Errorf("provider status request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Key "+c.secretKey)

	start := time.Now()
	resp, err := c.do(httpReq)
	c.metrics.ObserveProviderCall("status", time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("provider status decode: %w", err)
	}
	if parsed.Status == "" {
		return nil, fmt.Errorf("provider status response missing status")
	}

	return &parsed, nil
}

func (c *ProviderClient) do(req *http.Request) (*http.Response, error) {
	resp, err := c.breaker.Execute(func() (*http.Response, error) {
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			_ = resp.Body.Close()
			return nil, fmt.Errorf("provider status %d: %s", resp.StatusCode, string(body))
		}
		return resp, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: circuit open", ErrProviderUnavailable)
		}
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("provider rejected request: status %d: %s", resp.StatusCode, string(body))
	}

	return resp, nil
}
