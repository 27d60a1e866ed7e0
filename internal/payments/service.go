package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/payfriend/payfriend/internal/logging"
)

// Service owns payment records and their status transitions.
type Service struct {
	repo   Repository
	logger *slog.Logger
	now    func() time.Time
}

// NewService constructs a payment service.
func NewService(repo Repository, logger *slog.Logger) *Service {
	return &Service{
		repo:   repo,
		logger: logging.Component(logger, "payments"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// CreateInput captures the transfer intent.
type CreateInput struct {
	ProviderID string
	Recipient  string
	Amount     int64
}

// Create persists a new pending payment under a random v4 UUID.
func (s *Service) Create(ctx context.Context, input CreateInput) (Payment, error) {
	if input.ProviderID == "" {
		return Payment{}, fmt.Errorf("provider id is required: %w", ErrInvalidPayment)
	}
	recipient := strings.TrimSpace(input.Recipient)
	if recipient == "" {
		return Payment{}, fmt.Errorf("recipient is required: %w", ErrInvalidPayment)
	}
	if input.Amount <= 0 {
		return Payment{}, fmt.Errorf("amount must be positive: %w", ErrInvalidPayment)
	}

	now := s.now()
	p := Payment{
		ID:         uuid.NewString(),
		ProviderID: input.ProviderID,
		Recipient:  recipient,
		Amount:     input.Amount,
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.repo.Create(ctx, p); err != nil {
		return Payment{}, err
	}
	s.logger.Info("payment created", slog.String("payment_id", p.ID), slog.Int64("amount", p.Amount))
	return p, nil
}

// Get loads a payment by id.
func (s *Service) Get(ctx context.Context, id string) (Payment, error) {
	return s.repo.Get(ctx, id)
}

// FindByPushID resolves a push-request handle.
func (s *Service) FindByPushID(ctx context.Context, pushID string) (Payment, error) {
	return s.repo.FindByPushID(ctx, pushID)
}

// ListByOwner returns the payments of a provider identity, newest first.
func (s *Service) ListByOwner(ctx context.Context, providerID string) ([]Payment, error) {
	return s.repo.ListByOwner(ctx, providerID)
}

// AttachPushID stores the push-request handle on a pending payment that has
// none yet.
func (s *Service) AttachPushID(ctx context.Context, payment Payment, pushID string) (Payment, error) {
	if pushID == "" {
		return Payment{}, fmt.Errorf("push id is required: %w", ErrInvalidPayment)
	}
	ok, err := s.repo.AttachPushID(ctx, payment.ID, pushID, s.now())
	if err != nil {
		return Payment{}, err
	}
	current, err := s.repo.Get(ctx, payment.ID)
	if err != nil {
		return Payment{}, err
	}
	if ok {
		return current, nil
	}
	if current.Status.Terminal() {
		return current, &AlreadyDecidedError{Status: current.Status}
	}
	return current, ErrPushAlreadyAttached
}

// Transition moves a pending payment to approved or denied. Exactly one of
// any number of concurrent callers succeeds; the rest get an
// *AlreadyDecidedError carrying the status that won. Nothing is written on
// failure.
func (s *Service) Transition(ctx context.Context, payment Payment, target Status) (Payment, error) {
	if !target.Terminal() {
		return Payment{}, fmt.Errorf("%q: %w", target, ErrInvalidTarget)
	}

	ok, err := s.repo.CompareAndSetStatus(ctx, payment.ID, StatusPending, target, s.now())
	if err != nil {
		return Payment{}, err
	}

	current, err := s.repo.Get(ctx, payment.ID)
	if err != nil {
		return Payment{}, err
	}
	if ok {
		s.logger.Info("payment decided", slog.String("payment_id", current.ID), slog.String("status", string(current.Status)))
		return current, nil
	}
	if current.Status == StatusPending {
		// The conditional write missed yet the row still reads pending; only
		// possible with a misbehaving backend.
		return Payment{}, errors.New("status transition was not applied")
	}
	s.logger.Debug("transition rejected", slog.String("payment_id", current.ID), slog.String("status", string(current.Status)))
	return current, &AlreadyDecidedError{Status: current.Status}
}

// Ping checks the backing store.
func (s *Service) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}
