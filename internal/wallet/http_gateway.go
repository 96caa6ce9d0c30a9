package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/propagation"

	"github.com/mbd888/carpool/internal/circuitbreaker"
	"github.com/mbd888/carpool/internal/money"
	"github.com/mbd888/carpool/internal/traces"
)

// HTTPGateway calls the wallet service's JSON API:
//
//	POST {base}/v1/accounts/{account}/debit   {"amount":"10.00","currency":"USD","reference":"..."}
//	POST {base}/v1/accounts/{account}/credit
//
// 200/201 return {"transactionId":"..."}; 402 means insufficient funds;
// 409 with a transactionId is a replayed reference.
type HTTPGateway struct {
	baseURL  string
	token    string
	currency string
	client   *http.Client
	breaker  *circuitbreaker.Breaker
}

// HTTPOption configures an HTTPGateway.
type HTTPOption func(*HTTPGateway)

// WithHTTPClient replaces the default client (tests).
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(g *HTTPGateway) { g.client = c }
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(b *circuitbreaker.Breaker) HTTPOption {
	return func(g *HTTPGateway) { g.breaker = b }
}

// WithCurrency sets the currency sent with every movement.
func WithCurrency(code string) HTTPOption {
	return func(g *HTTPGateway) { g.currency = code }
}

// NewHTTPGateway creates a gateway for the wallet service at baseURL.
func NewHTTPGateway(baseURL, token string, opts ...HTTPOption) *HTTPGateway {
	g := &HTTPGateway{
		baseURL:  strings.TrimRight(baseURL, "/"),
		token:    token,
		currency: money.DefaultCurrency,
		client:   &http.Client{Timeout: 10 * time.Second},
		breaker:  circuitbreaker.New(5, 30*time.Second),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

type movementRequest struct {
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	Reference string `json:"reference"`
}

type movementResponse struct {
	TransactionID string `json:"transactionId"`
	Error         string `json:"error,omitempty"`
	Message       string `json:"message,omitempty"`
}

// Debit implements Gateway.
func (g *HTTPGateway) Debit(ctx context.Context, accountID string, amount money.Amount, ref string) (string, error) {
	return g.move(ctx, "debit", accountID, amount, ref)
}

// Credit implements Gateway.
func (g *HTTPGateway) Credit(ctx context.Context, accountID string, amount money.Amount, ref string) (string, error) {
	return g.move(ctx, "credit", accountID, amount, ref)
}

func (g *HTTPGateway) move(ctx context.Context, op, accountID string, amount money.Amount, ref string) (string, error) {
	if err := validate(amount, ref); err != nil {
		return "", err
	}

	var txnID string
	err := g.breaker.Execute("wallet:"+op, IsTransient, func() error {
		var err error
		txnID, err = g.post(ctx, op, accountID, amount, ref)
		return err
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		err = fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	if err != nil {
		return "", &MovementError{Op: op, AccountID: accountID, Ref: ref, Err: err}
	}
	return txnID, nil
}

func (g *HTTPGateway) post(ctx context.Context, op, accountID string, amount money.Amount, ref string) (string, error) {
	body, err := json.Marshal(movementRequest{
		Amount:    amount.String(),
		Currency:  g.currency,
		Reference: ref,
	})
	if err != nil {
		return "", err
	}

	endpoint := fmt.Sprintf("%s/v1/accounts/%s/%s", g.baseURL, url.PathEscape(accountID), op)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", ref)
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}
	traces.Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := g.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return "", fmt.Errorf("%w: %v", ErrGatewayTimeout, err)
		}
		return "", fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var out movementResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = json.Unmarshal(raw, &out)

	switch {
	case resp.StatusCode == http.StatusOK, resp.StatusCode == http.StatusCreated:
		if out.TransactionID == "" {
			return "", fmt.Errorf("%w: response missing transactionId", ErrGatewayUnavailable)
		}
		return out.TransactionID, nil
	case resp.StatusCode == http.StatusConflict && out.TransactionID != "":
		return out.TransactionID, nil
	case resp.StatusCode == http.StatusPaymentRequired:
		return "", ErrInsufficientFunds
	case resp.StatusCode == http.StatusNotFound:
		return "", ErrUnknownAccount
	case resp.StatusCode == http.StatusGatewayTimeout, resp.StatusCode == http.StatusRequestTimeout:
		return "", ErrGatewayTimeout
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
		return "", fmt.Errorf("%w: status %d", ErrGatewayUnavailable, resp.StatusCode)
	default:
		return "", fmt.Errorf("wallet: unexpected status %d: %s", resp.StatusCode, out.Message)
	}
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
