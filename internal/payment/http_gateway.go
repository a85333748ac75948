package payment

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

	"github.com/avast/retry-go"
	"github.com/rs/zerolog"
)

// HTTPGateway calls a JSON checkout API:
//
//	POST {base}/checkouts        -> {session_id, redirect_url}
//	GET  {base}/checkouts/{id}   -> {session_id, status, transaction_id}
//
// Transport errors and 5xx responses are retried with exponential backoff;
// 4xx responses fail immediately with *StatusError.
type HTTPGateway struct {
	BaseURL  string
	APIKey   string
	Client   *http.Client
	Attempts uint
	Delay    time.Duration
	MaxDelay time.Duration
}

// NewHTTPGateway returns a gateway for baseURL.
func NewHTTPGateway(baseURL, apiKey string, timeout time.Duration, attempts uint, delay time.Duration) *HTTPGateway {
	return &HTTPGateway{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		APIKey:   apiKey,
		Client:   &http.Client{Timeout: timeout},
		Attempts: attempts,
		Delay:    delay,
		MaxDelay: 5 * time.Second,
	}
}

// CreateCheckout implements Gateway.
func (g *HTTPGateway) CreateCheckout(ctx context.Context, req CheckoutRequest) (*Checkout, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	raw, err := g.do(ctx, http.MethodPost, "/checkouts", body, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	var out Checkout
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: decode checkout: %v", ErrGateway, err)
	}
	if out.SessionID == "" || out.RedirectURL == "" {
		return nil, fmt.Errorf("%w: checkout response missing session_id or redirect_url", ErrGateway)
	}
	out.Raw = raw
	return &out, nil
}

// Confirm implements Gateway.
func (g *HTTPGateway) Confirm(ctx context.Context, sessionID string) (*Confirmation, error) {
	raw, err := g.do(ctx, http.MethodGet, "/checkouts/"+url.PathEscape(sessionID), nil, "")
	if err != nil {
		return nil, err
	}
	var out Confirmation
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: decode confirmation: %v", ErrGateway, err)
	}
	if out.SessionID == "" {
		out.SessionID = sessionID
	}
	return &out, nil
}

func (g *HTTPGateway) do(ctx context.Context, method, path string, body []byte, idemKey string) ([]byte, error) {
	var out []byte
	err := retry.Do(
		func() error {
			var rdr io.Reader
			if body != nil {
				rdr = bytes.NewReader(body)
			}
			req, err := http.NewRequestWithContext(ctx, method, g.BaseURL+path, rdr)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			req.Header.Set("Accept", "application/json")
			if body != nil {
				req.Header.Set("Content-Type", "application/json")
			}
			if g.APIKey != "" {
				req.Header.Set("Authorization", "Bearer "+g.APIKey)
			}
			if idemKey != "" {
				req.Header.Set("Idempotency-Key", idemKey)
			}

			resp, err := g.Client.Do(req)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrGateway, err)
			}
			defer resp.Body.Close()
			b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			if err != nil {
				return fmt.Errorf("%w: read body: %v", ErrGateway, err)
			}
			switch {
			case resp.StatusCode >= 500:
				return fmt.Errorf("%w: status %d", ErrGateway, resp.StatusCode)
			case resp.StatusCode >= 400:
				return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
			}
			out = b
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(g.attempts()),
		retry.Delay(g.Delay),
		retry.MaxDelay(g.MaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, ErrGateway)
		}),
		retry.OnRetry(func(n uint, err error) {
			zerolog.Ctx(ctx).Warn().Err(err).Uint("attempt", n+1).Str("path", path).Msg("payment gateway call failed")
		}),
	)
	return out, err
}

func (g *HTTPGateway) attempts() uint {
	if g.Attempts == 0 {
		return 1
	}
	return g.Attempts
}
