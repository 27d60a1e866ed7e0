// Package verification translates workflow intents into verification
// provider calls and provider outcomes into workflow error kinds.
package verification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nyaruka/phonenumbers"

	"github.com/payfriend/payfriend/internal/identity"
	"github.com/payfriend/payfriend/internal/logging"
	"github.com/payfriend/payfriend/internal/payments"
	"github.com/payfriend/payfriend/internal/verification/authy"
)

var (
	// ErrProviderUnavailable covers transport failures, timeouts and
	// provider-side errors. Safe to retry.
	ErrProviderUnavailable = errors.New("verification provider unavailable")
	// ErrVerificationFailed is an explicit rejection of an enrollment step.
	ErrVerificationFailed = errors.New("verification failed")
	// ErrApprovalRejected is a provider refusal of a push or SMS approval
	// request for a payment.
	ErrApprovalRejected = errors.New("approval request rejected")
	// ErrIncorrect is a rejected one-time code.
	ErrIncorrect = errors.New("incorrect code")
	// ErrAuthenticationFailed marks a callback whose signature did not verify.
	ErrAuthenticationFailed = errors.New("callback authentication failed")
	// ErrNotEnrolled is returned when the user has no provider identity.
	ErrNotEnrolled = errors.New("user is not enrolled with the verification provider")
	// ErrInvalidChannel rejects enrollment channels other than sms and call.
	ErrInvalidChannel = errors.New("channel must be sms or call")
)

// PushExpiry bounds how long a push approval request stays answerable.
const PushExpiry = 20 * time.Minute

// Channel is how an enrollment code is delivered.
type Channel string

const (
	ChannelSMS  Channel = "sms"
	ChannelCall Channel = "call"
)

// Orchestrator wraps the provider for the authorization workflow. It never
// retries.
type Orchestrator struct {
	provider Provider
	logger   *slog.Logger
}

// NewOrchestrator constructs an orchestrator over provider.
func NewOrchestrator(provider Provider, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{provider: provider, logger: logging.Component(logger, "verification")}
}

// Enroll starts phone ownership verification and returns the provider's
// human-readable message. The user is not modified.
func (o *Orchestrator) Enroll(ctx context.Context, user identity.User, channel Channel) (string, error) {
	if channel != ChannelSMS && channel != ChannelCall {
		return "", ErrInvalidChannel
	}
	phone, err := splitPhone(user.Phone)
	if err != nil {
		return "", err
	}
	msg, err := o.provider.StartPhoneVerification(ctx, phone, string(channel))
	if err != nil {
		return "", o.classify("start phone verification", err, ErrVerificationFailed)
	}
	return msg, nil
}

// CompleteEnrollment checks the code and creates the provider identity,
// returning its handle for the caller to persist.
func (o *Orchestrator) CompleteEnrollment(ctx context.Context, user identity.User, code string) (string, error) {
	phone, err := splitPhone(user.Phone)
	if err != nil {
		return "", err
	}
	if _, err := o.provider.CheckPhoneVerification(ctx, phone, code); err != nil {
		return "", o.classify("check phone verification", err, ErrVerificationFailed)
	}
	providerID, err := o.provider.CreateUser(ctx, user.Email, phone)
	if err != nil {
		return "", o.classify("create provider user", err, ErrVerificationFailed)
	}
	o.logger.Info("provider identity created", slog.String("user_id", user.ID))
	return providerID, nil
}

// RequestPushApproval sends a push approval request for payment and returns
// the provider's push handle. Each call creates a new provider-side request.
func (o *Orchestrator) RequestPushApproval(ctx context.Context, user identity.User, payment payments.Payment, originIP string) (string, error) {
	if user.ProviderID == "" {
		return "", ErrNotEnrolled
	}
	details := map[string]string{
		"Sending to": payment.Recipient,
		"Amount":     FormatAmount(payment.Amount),
	}
	if originIP != "" {
		details["Origin IP"] = originIP
	}
	handle, err := o.provider.SendApprovalRequest(ctx, user.ProviderID, authy.ApprovalRequest{
		Message:       "Request to send money",
		Details:       details,
		HiddenDetails: map[string]string{"payment_id": payment.ID},
		ExpiresIn:     PushExpiry,
	})
	if err != nil {
		return "", o.classify("send approval request", err, ErrApprovalRejected)
	}
	return handle, nil
}

// RequestSMSOTP sends a one-time code bound to the payment id.
func (o *Orchestrator) RequestSMSOTP(ctx context.Context, user identity.User, payment payments.Payment) error {
	if user.ProviderID == "" {
		return ErrNotEnrolled
	}
	message := fmt.Sprintf("Send %s to %s", FormatAmount(payment.Amount), payment.Recipient)
	if err := o.provider.RequestSMS(ctx, user.ProviderID, payment.ID, message); err != nil {
		return o.classify("request sms token", err, ErrApprovalRejected)
	}
	return nil
}

// CheckSMSOTP validates code against the payment's bound action. A rejected
// code is (false, nil); it does not touch the payment.
func (o *Orchestrator) CheckSMSOTP(ctx context.Context, user identity.User, payment payments.Payment, code string) (bool, error) {
	if user.ProviderID == "" {
		return false, ErrNotEnrolled
	}
	if code == "" {
		return false, nil
	}
	err := o.provider.VerifyToken(ctx, user.ProviderID, code, payment.ID)
	switch {
	case err == nil:
		return true, nil
	case authy.IsRejection(err):
		return false, nil
	default:
		return false, o.classify("verify token", err, ErrIncorrect)
	}
}

// AuthenticateCallback reports whether a callback carries a valid signature
// for exactly this method, URL and body. Missing headers fail.
func (o *Orchestrator) AuthenticateCallback(headers http.Header, method, rawURL string, body []byte) bool {
	return authy.ValidSignature(
		o.provider.CallbackSecret(),
		headers.Get(authy.SignatureHeader),
		headers.Get(authy.NonceHeader),
		method,
		rawURL,
		body,
	)
}

func (o *Orchestrator) classify(op string, err error, rejection error) error {
	var apiErr *authy.APIError
	if errors.As(err, &apiErr) {
		o.logger.Info("provider rejected request", slog.String("op", op), slog.Int("status", apiErr.Status))
		return fmt.Errorf("%w: %s", rejection, apiErr.Message)
	}
	o.logger.Warn("provider call failed", slog.String("op", op), slog.String("error", err.Error()))
	return fmt.Errorf("%s: %w", op, ErrProviderUnavailable)
}

// FormatAmount renders minor units as a decimal string, 2500 -> "25.00".
func FormatAmount(minor int64) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%02d", sign, minor/100, minor%100)
}

func splitPhone(e164 string) (authy.Phone, error) {
	num, err := phonenumbers.Parse(e164, "")
	if err != nil {
		return authy.Phone{}, fmt.Errorf("parse phone: %w", identity.ErrInvalidInput)
	}
	return authy.Phone{
		CountryCode: num.GetCountryCode(),
		Number:      phonenumbers.GetNationalSignificantNumber(num),
	}, nil
}
