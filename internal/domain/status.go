package domain

// Role classifies an identity for authorization decisions.
type Role string

const (
	RoleStudent Role = "student"
	RoleTutor   Role = "tutor"
	RoleAdmin   Role = "admin"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleStudent, RoleTutor, RoleAdmin:
		return true
	}
	return false
}

// ModerationStatus is the admin-controlled visibility gate of a TuitionPost.
type ModerationStatus string

const (
	ModerationPending  ModerationStatus = "pending"
	ModerationApproved ModerationStatus = "approved"
	ModerationRejected ModerationStatus = "rejected"
)

// IsDecision reports whether s is a decision an admin may issue.
// Pending is only ever the initial state.
func (s ModerationStatus) IsDecision() bool {
	return s == ModerationApproved || s == ModerationRejected
}

// FulfillmentStatus tracks whether a TuitionPost has been booked.
// The transition open -> booked happens once and never reverses.
type FulfillmentStatus string

const (
	FulfillmentOpen   FulfillmentStatus = "open"
	FulfillmentBooked FulfillmentStatus = "booked"
)

// ReviewStatus is the student's decision on an Application.
type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "pending"
	ReviewApproved ReviewStatus = "approved"
	ReviewRejected ReviewStatus = "rejected"
)

// IsDecision reports whether s is a decision a student may issue.
func (s ReviewStatus) IsDecision() bool {
	return s == ReviewApproved || s == ReviewRejected
}

// PaymentStatus is the payment axis of an Application, independent of review.
type PaymentStatus string

const (
	PaymentUnpaid PaymentStatus = "unpaid"
	PaymentPaid   PaymentStatus = "paid"
)

// SessionStatus is the state of an external checkout.
type SessionStatus string

const (
	SessionInitiated SessionStatus = "initiated"
	SessionSucceeded SessionStatus = "succeeded"
	SessionCancelled SessionStatus = "cancelled"
)

// Terminal reports whether no further transition is possible from s.
func (s SessionStatus) Terminal() bool {
	return s == SessionSucceeded || s == SessionCancelled
}
