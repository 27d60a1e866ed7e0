package identity

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nyaruka/phonenumbers"
	"golang.org/x/crypto/bcrypt"
)

const minPasswordLength = 8

// Service manages identity lifecycle.
type Service struct {
	repo Repository
}

// NewService creates a new identity service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Register creates an unverified user and stores a hashed password.
func (s *Service) Register(ctx context.Context, reg Registration) (User, error) {
	email := strings.ToLower(strings.TrimSpace(reg.Email))
	if email == "" || !strings.Contains(email, "@") {
		return User{}, fmt.Errorf("email is required: %w", ErrInvalidInput)
	}
	if len(reg.Password) < minPasswordLength {
		return User{}, fmt.Errorf("password must be at least %d characters: %w", minPasswordLength, ErrInvalidInput)
	}
	phone, err := NormalizePhone(reg.Phone)
	if err != nil {
		return User{}, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(reg.Password), bcrypt.DefaultCost)
	if err != nil {
		return User{}, err
	}

	user := User{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: hash,
		Phone:        phone,
		CreatedAt:    time.Now().UTC(),
	}

	if err := s.repo.Create(ctx, user); err != nil {
		return User{}, err
	}

	return user, nil
}

// Authenticate verifies email and password.
func (s *Service) Authenticate(ctx context.Context, email, password string) (User, error) {
	user, err := s.repo.FindByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return User{}, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(password)); err != nil {
		return User{}, ErrInvalidCredentials
	}

	return user, nil
}

// Get loads a user by id.
func (s *Service) Get(ctx context.Context, id string) (User, error) {
	return s.repo.FindByID(ctx, id)
}

// FindByProviderID loads the user owning a provider identity handle.
func (s *Service) FindByProviderID(ctx context.Context, providerID string) (User, error) {
	return s.repo.FindByProviderID(ctx, providerID)
}

// Ping checks the backing store.
func (s *Service) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

// LinkProvider records the provider identity handle after enrollment. It is
// the only mutation a user sees after registration.
func (s *Service) LinkProvider(ctx context.Context, id, providerID string) (User, error) {
	if providerID == "" {
		return User{}, fmt.Errorf("provider id is required: %w", ErrInvalidInput)
	}
	if err := s.repo.SetProviderID(ctx, id, providerID); err != nil {
		return User{}, err
	}
	return s.repo.FindByID(ctx, id)
}

// NormalizePhone parses a phone number and returns it in E.164 form.
func NormalizePhone(raw string) (string, error) {
	num, err := phonenumbers.Parse(strings.TrimSpace(raw), "")
	if err != nil || !phonenumbers.IsPossibleNumber(num) {
		return "", fmt.Errorf("phone must be in E.164 format: %w", ErrInvalidInput)
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}
