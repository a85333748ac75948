// Package services defines the business logic for users, tuition posts,
// applications, and payments. This file centralizes the error taxonomy so
// that every service method fails with a value callers can classify.
//
// Each specific error wraps exactly one kind sentinel (ErrForbidden,
// ErrInvalidState, ...). Handlers translate kinds into HTTP statuses with
// errors.Is and surface the specific message to clients. Translation into
// user-facing codes belongs to the handler layer.
package services

import (
	"errors"
	"fmt"
)

// Error kinds.
var (
	// ErrUnauthorized means the caller has no valid identity.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden means the caller lacks the role or ownership required.
	ErrForbidden = errors.New("forbidden")

	// ErrInvalidState means an entity's status does not allow the operation.
	ErrInvalidState = errors.New("invalid state")

	// ErrNotFound means a referenced id does not exist or is hidden from the caller.
	ErrNotFound = errors.New("not found")

	// ErrConflict means the operation collides with an existing record or an
	// in-flight duplicate.
	ErrConflict = errors.New("conflict")

	// ErrValidation means the input is malformed.
	ErrValidation = errors.New("validation failed")

	// ErrUnavailable means an external collaborator failed; the operation may
	// be retried.
	ErrUnavailable = errors.New("unavailable")
)

// Error is a specific failure of one kind.
type Error struct {
	Kind error
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

// Unwrap returns the kind so errors.Is(err, ErrInvalidState) works.
func (e *Error) Unwrap() error { return e.Kind }

func newError(kind error, msg string) *Error { return &Error{Kind: kind, Msg: msg} }

func invalid(format string, args ...any) error {
	return newError(ErrValidation, fmt.Sprintf(format, args...))
}

func unavailable(op string, cause error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, cause)
}

// Specific errors.
var (
	ErrNoIdentity    = newError(ErrUnauthorized, "authentication required")
	ErrNotRegistered = newError(ErrForbidden, "register as a student or tutor first")
	ErrWrongRole     = newError(ErrForbidden, "your role does not allow this operation")
	ErrNotOwner      = newError(ErrForbidden, "you do not own this resource")
	ErrBadSignature  = newError(ErrUnauthorized, "invalid webhook signature")
	ErrRoleTaken     = newError(ErrConflict, "already registered with a different role")
	ErrAdminRegister = newError(ErrConflict, "administrators are configured, not registered")

	ErrPostNotFound = newError(ErrNotFound, "tuition post not found")
	ErrPostBooked   = newError(ErrInvalidState, "tuition post is already booked")
	ErrPostNotOpen  = newError(ErrInvalidState, "tuition post is not open for applications")

	ErrApplicationNotFound = newError(ErrNotFound, "application not found")
	ErrAlreadyApplied      = newError(ErrConflict, "you already applied to this post")
	ErrApplicationLocked   = newError(ErrForbidden, "application can only be edited while pending")
	ErrAlreadyReviewed     = newError(ErrInvalidState, "application has already been reviewed")
	ErrNotPending          = newError(ErrInvalidState, "application is no longer pending")
	ErrAlreadyPaid         = newError(ErrInvalidState, "application is already paid")
	ErrNotApproved         = newError(ErrInvalidState, "application has not been approved")

	ErrSessionNotFound  = newError(ErrNotFound, "payment session not found")
	ErrSessionCancelled = newError(ErrInvalidState, "payment session was cancelled")
	ErrSessionSettled   = newError(ErrInvalidState, "payment session already succeeded")
	ErrNotSettled       = newError(ErrInvalidState, "payment has not been completed at the gateway")
	ErrPaymentInFlight  = newError(ErrConflict, "a payment for this application is already being processed")
	ErrIdempotencyReuse = newError(ErrConflict, "idempotency key was used for a different application")
)

// Kind returns a stable snake_case name for err's kind, or "internal".
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	}
	return "internal"
}
