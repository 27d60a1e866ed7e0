// Package authorization drives a payment from creation to a final decision
// through push approval, SMS one-time codes and provider callbacks.
package authorization

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/google/uuid"

	"github.com/payfriend/payfriend/internal/identity"
	"github.com/payfriend/payfriend/internal/logging"
	"github.com/payfriend/payfriend/internal/notification"
	"github.com/payfriend/payfriend/internal/payments"
	"github.com/payfriend/payfriend/internal/verification"
)

var (
	// ErrEnrollmentRequired is returned when an unverified user tries to pay.
	// An SMS enrollment code has been sent by the time it is returned.
	ErrEnrollmentRequired = errors.New("phone verification required")
	// ErrPushAlreadyRequested guards against a second approval request for a
	// payment that already has a push handle.
	ErrPushAlreadyRequested = errors.New("push approval already requested")
	// ErrInvalidChannel rejects approval channels other than push and sms.
	ErrInvalidChannel = errors.New("channel must be push or sms")
	// ErrNotFound covers unknown payments and payments owned by someone else.
	ErrNotFound = payments.ErrNotFound
)

// Channel selects how a payment is approved.
type Channel string

const (
	ChannelPush Channel = "push"
	ChannelSMS  Channel = "sms"
)

// Requester is the authenticated user a workflow call acts for.
type Requester struct {
	UserID string
}

// Controller composes identity, payments and verification into the
// authorization workflow. It keeps no state between calls.
type Controller struct {
	users    *identity.Service
	payments *payments.Service
	verifier *verification.Orchestrator
	notifier notification.Notifier
	logger   *slog.Logger
}

// NewController wires the workflow. A nil notifier disables notifications.
func NewController(users *identity.Service, paymentSvc *payments.Service, verifier *verification.Orchestrator, notifier notification.Notifier, logger *slog.Logger) *Controller {
	if notifier == nil {
		notifier = notification.NewLoggerNotifier(nil)
	}
	return &Controller{
		users:    users,
		payments: paymentSvc,
		verifier: verifier,
		notifier: notifier,
		logger:   logging.Component(logger, "authorization"),
	}
}

// StartEnrollment sends a phone ownership code and returns the provider's
// message.
func (c *Controller) StartEnrollment(ctx context.Context, r Requester, channel verification.Channel) (string, error) {
	user, err := c.users.Get(ctx, r.UserID)
	if err != nil {
		return "", err
	}
	if user.Verified() {
		return "", identity.ErrAlreadyEnrolled
	}
	return c.verifier.Enroll(ctx, user, channel)
}

// CompleteEnrollment checks the code and links the new provider identity to
// the user.
func (c *Controller) CompleteEnrollment(ctx context.Context, r Requester, code string) (identity.User, error) {
	user, err := c.users.Get(ctx, r.UserID)
	if err != nil {
		return identity.User{}, err
	}
	if user.Verified() {
		return identity.User{}, identity.ErrAlreadyEnrolled
	}
	providerID, err := c.verifier.CompleteEnrollment(ctx, user, code)
	if err != nil {
		return identity.User{}, err
	}
	return c.users.LinkProvider(ctx, user.ID, providerID)
}

// CreateInput is a transfer intent.
type CreateInput struct {
	Recipient string
	Amount    int64
}

// Create records a pending payment for a verified user. For an unverified
// user it starts SMS enrollment instead and returns ErrEnrollmentRequired.
func (c *Controller) Create(ctx context.Context, r Requester, input CreateInput) (payments.Payment, error) {
	user, err := c.users.Get(ctx, r.UserID)
	if err != nil {
		return payments.Payment{}, err
	}
	if !user.Verified() {
		if _, err := c.verifier.Enroll(ctx, user, verification.ChannelSMS); err != nil {
			c.logger.Warn("enrollment redirect failed", slog.String("user_id", user.ID), slog.String("error", err.Error()))
		}
		return payments.Payment{}, ErrEnrollmentRequired
	}
	return c.payments.Create(ctx, payments.CreateInput{
		ProviderID: user.ProviderID,
		Recipient:  input.Recipient,
		Amount:     input.Amount,
	})
}

// RequestPushApproval sends the push approval request for a pending payment
// and stores the returned handle. On provider failure the payment stays
// pending without a handle.
func (c *Controller) RequestPushApproval(ctx context.Context, r Requester, paymentID, originIP string) (payments.Payment, error) {
	user, payment, err := c.owned(ctx, r, paymentID)
	if err != nil {
		return payments.Payment{}, err
	}
	if err := requestable(payment); err != nil {
		return payment, err
	}

	handle, err := c.verifier.RequestPushApproval(ctx, user, payment, originIP)
	if err != nil {
		return payment, err
	}
	updated, err := c.payments.AttachPushID(ctx, payment, handle)
	if errors.Is(err, payments.ErrPushAlreadyAttached) {
		return updated, ErrPushAlreadyRequested
	}
	if err != nil {
		return updated, err
	}
	c.logger.Info("push approval requested", slog.String("payment_id", updated.ID))
	return updated, nil
}

// RequestSMSApproval sends an OTP bound to the payment. It is refused once a
// push request exists for the payment.
func (c *Controller) RequestSMSApproval(ctx context.Context, r Requester, paymentID string) (payments.Payment, error) {
	user, payment, err := c.owned(ctx, r, paymentID)
	if err != nil {
		return payments.Payment{}, err
	}
	if err := requestable(payment); err != nil {
		return payment, err
	}
	if err := c.verifier.RequestSMSOTP(ctx, user, payment); err != nil {
		return payment, err
	}
	return payment, nil
}

// SubmitInput is a transfer intent with its approval channel.
type SubmitInput struct {
	Recipient string
	Amount    int64
	Channel   Channel
	ClientIP  string
}

// Submit creates a payment and requests approval on the chosen channel. When
// the approval request fails, the created payment is returned alongside the
// error so the caller can fall back.
func (c *Controller) Submit(ctx context.Context, r Requester, input SubmitInput) (payments.Payment, error) {
	if input.Channel != ChannelPush && input.Channel != ChannelSMS {
		return payments.Payment{}, ErrInvalidChannel
	}
	payment, err := c.Create(ctx, r, CreateInput{Recipient: input.Recipient, Amount: input.Amount})
	if err != nil {
		return payments.Payment{}, err
	}
	if input.Channel == ChannelPush {
		return c.RequestPushApproval(ctx, r, payment.ID, input.ClientIP)
	}
	return c.RequestSMSApproval(ctx, r, payment.ID)
}

// CheckOTP approves the payment when code is correct. A wrong code returns
// verification.ErrIncorrect and leaves the payment pending.
func (c *Controller) CheckOTP(ctx context.Context, r Requester, paymentID, code string) (payments.Payment, error) {
	user, payment, err := c.owned(ctx, r, paymentID)
	if err != nil {
		return payments.Payment{}, err
	}
	if payment.Status.Terminal() {
		return payment, &payments.AlreadyDecidedError{Status: payment.Status}
	}

	ok, err := c.verifier.CheckSMSOTP(ctx, user, payment, code)
	if err != nil {
		return payment, err
	}
	if !ok {
		return payment, verification.ErrIncorrect
	}

	decided, err := c.payments.Transition(ctx, payment, payments.StatusApproved)
	if err != nil {
		return decided, err
	}
	c.notify(ctx, user, decided)
	return decided, nil
}

// CallbackRequest is an inbound provider callback exactly as received.
type CallbackRequest struct {
	Header http.Header
	Method string
	URL    string
	Body   []byte
}

type callbackBody struct {
	UUID    string      `json:"uuid"`
	Status  string      `json:"status"`
	AuthyID json.Number `json:"authy_id"`
}

// HandleCallback applies a push approval outcome. Only an unauthentic
// request returns verification.ErrAuthenticationFailed; unknown handles,
// owner mismatches, non-final statuses and duplicates return nil so nothing
// about the payment leaks to the caller. Other errors are store failures.
func (c *Controller) HandleCallback(ctx context.Context, req CallbackRequest) error {
	if !c.verifier.AuthenticateCallback(req.Header, req.Method, req.URL, req.Body) {
		c.logger.Warn("callback rejected", slog.String("method", req.Method), slog.String("path", pathOf(req.URL)))
		return verification.ErrAuthenticationFailed
	}

	var body callbackBody
	if err := json.Unmarshal(req.Body, &body); err != nil {
		c.logger.Warn("callback body unreadable", slog.String("error", err.Error()))
		return nil
	}
	target := payments.Status(body.Status)
	if !target.Terminal() {
		c.logger.Debug("callback ignored", slog.String("status", body.Status))
		return nil
	}

	payment, err := c.payments.FindByPushID(ctx, body.UUID)
	if errors.Is(err, payments.ErrNotFound) {
		c.logger.Info("callback for unknown push request")
		return nil
	}
	if err != nil {
		return err
	}
	if body.AuthyID != "" && body.AuthyID.String() != payment.ProviderID {
		c.logger.Warn("callback owner mismatch", slog.String("payment_id", payment.ID))
		return nil
	}

	decided, err := c.payments.Transition(ctx, payment, target)
	if errors.Is(err, payments.ErrAlreadyDecided) {
		c.logger.Info("duplicate callback", slog.String("payment_id", payment.ID), slog.String("status", string(decided.Status)))
		return nil
	}
	if err != nil {
		return err
	}

	user, err := c.users.FindByProviderID(ctx, decided.ProviderID)
	if err != nil {
		c.logger.Warn("payer lookup failed", slog.String("payment_id", decided.ID), slog.String("error", err.Error()))
		return nil
	}
	c.notify(ctx, user, decided)
	return nil
}

// Status returns the stored status of the requester's payment.
func (c *Controller) Status(ctx context.Context, r Requester, paymentID string) (payments.Status, error) {
	_, payment, err := c.owned(ctx, r, paymentID)
	if err != nil {
		return "", err
	}
	return payment.Status, nil
}

// List returns the requester's payments, newest first.
func (c *Controller) List(ctx context.Context, r Requester) ([]payments.Payment, error) {
	user, err := c.users.Get(ctx, r.UserID)
	if err != nil {
		return nil, err
	}
	if !user.Verified() {
		return []payments.Payment{}, nil
	}
	return c.payments.ListByOwner(ctx, user.ProviderID)
}

func (c *Controller) owned(ctx context.Context, r Requester, paymentID string) (identity.User, payments.Payment, error) {
	if _, err := uuid.Parse(paymentID); err != nil {
		return identity.User{}, payments.Payment{}, ErrNotFound
	}
	user, err := c.users.Get(ctx, r.UserID)
	if err != nil {
		return identity.User{}, payments.Payment{}, err
	}
	payment, err := c.payments.Get(ctx, paymentID)
	if err != nil {
		return identity.User{}, payments.Payment{}, err
	}
	if !user.Verified() || payment.ProviderID != user.ProviderID {
		return identity.User{}, payments.Payment{}, ErrNotFound
	}
	return user, payment, nil
}

func (c *Controller) notify(ctx context.Context, user identity.User, payment payments.Payment) {
	kind, verb := notification.KindPaymentApproved, "approved"
	if payment.Status == payments.StatusDenied {
		kind, verb = notification.KindPaymentDenied, "denied"
	}
	msg := notification.Message{
		Kind:        kind,
		Destination: user.Phone,
		Body:        fmt.Sprintf("Your payment of %s to %s was %s.", verification.FormatAmount(payment.Amount), payment.Recipient, verb),
	}
	if err := c.notifier.Send(ctx, msg); err != nil {
		c.logger.Warn("notification failed", slog.String("payment_id", payment.ID), slog.String("error", err.Error()))
	}
}

func requestable(payment payments.Payment) error {
	if payment.Status.Terminal() {
		return &payments.AlreadyDecidedError{Status: payment.Status}
	}
	if payment.PushID != "" {
		return ErrPushAlreadyRequested
	}
	return nil
}

func pathOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Path
}
