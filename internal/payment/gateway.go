// Package payment talks to the external checkout collaborator. The gateway
// is opaque: it hands out a session id and a redirect URL, and later reports
// whether that session was paid. Two implementations exist: HTTPGateway for
// a real provider and SandboxGateway for local development and tests.
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Remote session states as reported by a gateway.
const (
	StatusPending   = "pending"
	StatusSucceeded = "succeeded"
	StatusCancelled = "cancelled"
)

// ErrGateway marks failures of the gateway itself (transport, 5xx, bad
// payload) as opposed to a rejected request.
var ErrGateway = errors.New("payment gateway error")

// StatusError is a non-retryable rejection from the gateway (4xx).
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("payment gateway rejected request: status %d: %s", e.Code, e.Body)
}

// CheckoutRequest describes the payment to collect.
type CheckoutRequest struct {
	ApplicationID  string          `json:"application_id"`
	PostID         string          `json:"post_id"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	Subject        string          `json:"subject"`
	PayerEmail     string          `json:"payer_email"`
	PayerName      string          `json:"payer_name"`
	PayeeEmail     string          `json:"payee_email"`
	PayeeName      string          `json:"payee_name"`
	IdempotencyKey string          `json:"-"`
}

// Checkout is the gateway's answer to CheckoutRequest.
type Checkout struct {
	SessionID   string          `json:"session_id"`
	RedirectURL string          `json:"redirect_url"`
	Raw         json.RawMessage `json:"-"`
}

// Confirmation is the gateway's view of a session.
type Confirmation struct {
	SessionID     string `json:"session_id"`
	Status        string `json:"status"`
	TransactionID string `json:"transaction_id"`
}

// Gateway is the checkout collaborator.
type Gateway interface {
	CreateCheckout(ctx context.Context, req CheckoutRequest) (*Checkout, error)
	Confirm(ctx context.Context, sessionID string) (*Confirmation, error)
}
