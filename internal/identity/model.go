package identity

import (
	"errors"
	"time"
)

var (
	// ErrNotFound indicates no user matches the lookup.
	ErrNotFound = errors.New("user not found")
	// ErrConflict indicates the email or phone number is already registered.
	ErrConflict = errors.New("user already exists")
	// ErrAlreadyEnrolled indicates the user already has a provider identity.
	ErrAlreadyEnrolled = errors.New("user already enrolled")
	// ErrInvalidCredentials is returned for unknown emails and wrong passwords alike.
	ErrInvalidCredentials = errors.New("invalid email or password")
	// ErrInvalidInput wraps registration validation failures.
	ErrInvalidInput = errors.New("invalid registration")
)

// User is a registered account holder. ProviderID is the verification
// provider's handle for the user and stays empty until phone enrollment
// completes.
type User struct {
	ID           string    `dynamodbav:"id"`
	Email        string    `dynamodbav:"email"`
	PasswordHash []byte    `dynamodbav:"password_hash"`
	Phone        string    `dynamodbav:"phone"`
	ProviderID   string    `dynamodbav:"provider_id,omitempty"`
	CreatedAt    time.Time `dynamodbav:"created_at"`
}

// Verified reports whether the user completed phone enrollment.
func (u User) Verified() bool {
	return u.ProviderID != ""
}

// Registration carries the data needed to create a user.
type Registration struct {
	Email    string
	Password string
	Phone    string
}
