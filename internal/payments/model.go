package payments

import (
	"errors"
	"fmt"
	"time"
)

// Status is the authorization state of a payment.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
)

// Terminal reports whether the status is a final decision.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusDenied
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	return s == StatusPending || s.Terminal()
}

var (
	// ErrNotFound indicates no payment matches the lookup.
	ErrNotFound = errors.New("payment not found")
	// ErrAlreadyDecided is matched by AlreadyDecidedError.
	ErrAlreadyDecided = errors.New("payment already decided")
	// ErrInvalidTarget rejects transitions to anything but approved or denied.
	ErrInvalidTarget = errors.New("invalid target status")
	// ErrPushAlreadyAttached indicates a push-request handle is already recorded.
	ErrPushAlreadyAttached = errors.New("push request already attached")
	// ErrInvalidPayment wraps creation validation failures.
	ErrInvalidPayment = errors.New("invalid payment")
)

// AlreadyDecidedError reports a transition attempt on a payment that already
// left pending. Status is the decision that stands.
type AlreadyDecidedError struct {
	Status Status
}

func (e *AlreadyDecidedError) Error() string {
	return fmt.Sprintf("payment already %s", e.Status)
}

// Is makes errors.Is(err, ErrAlreadyDecided) hold.
func (e *AlreadyDecidedError) Is(target error) bool {
	return target == ErrAlreadyDecided
}

// Payment is a single authorization attempt. ProviderID links it to the
// requesting user through the verification provider's namespace. PushID is
// set only once a push approval was requested.
type Payment struct {
	ID         string    `dynamodbav:"id"`
	ProviderID string    `dynamodbav:"provider_id"`
	Recipient  string    `dynamodbav:"recipient"`
	Amount     int64     `dynamodbav:"amount"`
	PushID     string    `dynamodbav:"push_id,omitempty"`
	Status     Status    `dynamodbav:"status"`
	CreatedAt  time.Time `dynamodbav:"created_at"`
	UpdatedAt  time.Time `dynamodbav:"updated_at"`
}
