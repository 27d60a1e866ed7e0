package middleware

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/payfriend/payfriend/internal/auth"
	"github.com/payfriend/payfriend/internal/authorization"
	"github.com/payfriend/payfriend/internal/identity"
	"github.com/payfriend/payfriend/internal/payments"
	"github.com/payfriend/payfriend/internal/verification"
)

// paymentScoped errors name the payment a failed request created, so the
// client can poll it or fall back to another channel.
type paymentScoped interface {
	PaymentID() string
}

type errorKind struct {
	target  error
	status  int
	code    string
	message string
}

// Ordered: the first matching kind wins.
var errorKinds = []errorKind{
	{verification.ErrProviderUnavailable, http.StatusServiceUnavailable, "provider_unavailable", "verification service unavailable, please try again"},
	{verification.ErrVerificationFailed, http.StatusUnprocessableEntity, "verification_failed", "phone verification was rejected; check the code or request a new one"},
	{verification.ErrApprovalRejected, http.StatusUnprocessableEntity, "approval_rejected", "the approval request could not be sent; try again or use another channel"},
	{verification.ErrIncorrect, http.StatusUnprocessableEntity, "incorrect_code", "the code you entered is incorrect"},
	{verification.ErrAuthenticationFailed, http.StatusBadRequest, "bad_request", "bad request"},
	{verification.ErrInvalidChannel, http.StatusBadRequest, "invalid_channel", "channel must be sms or call"},
	{verification.ErrNotEnrolled, http.StatusForbidden, "enrollment_required", "verify your phone number before continuing"},
	{authorization.ErrEnrollmentRequired, http.StatusForbidden, "enrollment_required", "verify your phone number before continuing; a code has been sent"},
	{authorization.ErrPushAlreadyRequested, http.StatusConflict, "push_already_requested", "an approval request was already sent for this payment"},
	{authorization.ErrInvalidChannel, http.StatusBadRequest, "invalid_channel", "channel must be push or sms"},
	{payments.ErrAlreadyDecided, http.StatusConflict, "already_decided", "this payment has already been decided; create a new payment to retry"},
	{payments.ErrNotFound, http.StatusNotFound, "not_found", "payment not found"},
	{payments.ErrInvalidPayment, http.StatusBadRequest, "invalid_payment", "recipient and a positive amount are required"},
	{identity.ErrInvalidCredentials, http.StatusUnauthorized, "invalid_credentials", "invalid email or password"},
	{identity.ErrNotFound, http.StatusUnauthorized, "unauthorized", "unauthorized"},
	{auth.ErrInvalidToken, http.StatusUnauthorized, "unauthorized", "unauthorized"},
	{identity.ErrConflict, http.StatusConflict, "conflict", "email or phone number already registered"},
	{identity.ErrAlreadyEnrolled, http.StatusConflict, "already_enrolled", "phone number already verified"},
	{identity.ErrInvalidInput, http.StatusBadRequest, "invalid_input", "email, a password of at least 8 characters and an E.164 phone are required"},
}

// ErrorHandler renders workflow errors as JSON with a stable status and code.
// Unknown errors become a generic 500 and are logged; their text never
// reaches the client.
func ErrorHandler(logger *slog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		body := fiber.Map{}
		var scoped paymentScoped
		if errors.As(err, &scoped) {
			body["payment_id"] = scoped.PaymentID()
		}

		status := http.StatusInternalServerError
		var fiberErr *fiber.Error
		if errors.As(err, &fiberErr) {
			status = fiberErr.Code
			body["error"] = fiberErr.Message
		} else if kind, ok := classify(err); ok {
			status = kind.status
			body["error"] = kind.message
			body["code"] = kind.code
		} else {
			body["error"] = "internal server error"
		}

		var decided *payments.AlreadyDecidedError
		if errors.As(err, &decided) {
			body["status"] = decided.Status
		}

		if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
			requestID, _ := c.Locals(requestIDHeader).(string)
			logger.Error("request failed",
				slog.String("method", c.Method()),
				slog.String("path", c.Path()),
				slog.String("request_id", requestID),
				slog.Any("error", err),
			)
		}
		return c.Status(status).JSON(body)
	}
}

func classify(err error) (errorKind, bool) {
	for _, kind := range errorKinds {
		if errors.Is(err, kind.target) {
			return kind, true
		}
	}
	return errorKind{}, false
}
