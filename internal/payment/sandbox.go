package payment

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// SandboxGateway is an in-process gateway. Every checkout succeeds on
// Confirm unless it was marked with Cancel.
type SandboxGateway struct {
	RedirectBase string

	mu        sync.Mutex
	cancelled map[string]bool
}

// NewSandboxGateway returns a sandbox that builds redirect URLs under base.
func NewSandboxGateway(base string) *SandboxGateway {
	return &SandboxGateway{RedirectBase: strings.TrimRight(base, "/"), cancelled: map[string]bool{}}
}

// CreateCheckout implements Gateway.
func (s *SandboxGateway) CreateCheckout(ctx context.Context, req CheckoutRequest) (*Checkout, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := "sbx_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	raw, _ := json.Marshal(map[string]any{
		"session_id": id,
		"amount":     req.Amount.StringFixed(2),
		"currency":   req.Currency,
		"sandbox":    true,
	})
	return &Checkout{
		SessionID:   id,
		RedirectURL: s.RedirectBase + "/checkout/" + id,
		Raw:         raw,
	}, nil
}

// Confirm implements Gateway.
func (s *SandboxGateway) Confirm(ctx context.Context, sessionID string) (*Confirmation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	cancelled := s.cancelled[sessionID]
	s.mu.Unlock()
	if cancelled {
		return &Confirmation{SessionID: sessionID, Status: StatusCancelled}, nil
	}
	return &Confirmation{
		SessionID:     sessionID,
		Status:        StatusSucceeded,
		TransactionID: "sbx-txn-" + strings.TrimPrefix(sessionID, "sbx_"),
	}, nil
}

// Cancel makes later Confirm calls for sessionID report cancelled.
func (s *SandboxGateway) Cancel(sessionID string) {
	s.mu.Lock()
	s.cancelled[sessionID] = true
	s.mu.Unlock()
}
