package authorization

import (
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/payfriend/payfriend/internal/payments"
	"github.com/payfriend/payfriend/internal/validate"
	"github.com/payfriend/payfriend/internal/verification"
)

// UserIDLocal is the fiber Locals key holding the authenticated user id.
const UserIDLocal = "user_id"

// RequesterFrom builds the Requester from the authenticated request.
func RequesterFrom(c *fiber.Ctx) (Requester, error) {
	uid, _ := c.Locals(UserIDLocal).(string)
	if uid == "" {
		return Requester{}, fiber.NewError(http.StatusUnauthorized, "unauthorized")
	}
	return Requester{UserID: uid}, nil
}

// Handler exposes the payment authorization endpoints.
type Handler struct {
	ctrl          *Controller
	publicBaseURL string
}

// NewHandler builds the handler. publicBaseURL, when set, replaces the
// request's scheme and host when reconstructing the signed callback URL.
func NewHandler(ctrl *Controller, publicBaseURL string) *Handler {
	return &Handler{ctrl: ctrl, publicBaseURL: publicBaseURL}
}

type submitRequest struct {
	Recipient string `json:"recipient" validate:"required,max=120"`
	Amount    int64  `json:"amount" validate:"gt=0"`
	Channel   string `json:"channel" validate:"oneof=push sms"`
}

type otpRequest struct {
	Code string `json:"code" validate:"required,numeric,min=4,max=10"`
}

type paymentResponse struct {
	PaymentID string          `json:"payment_id"`
	Recipient string          `json:"recipient"`
	Amount    int64           `json:"amount"`
	Status    payments.Status `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
}

// Submit creates a payment and requests approval on the chosen channel.
func (h *Handler) Submit(c *fiber.Ctx) error {
	r, err := RequesterFrom(c)
	if err != nil {
		return err
	}
	var req submitRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid JSON body")
	}
	if req.Channel == "" {
		req.Channel = string(ChannelPush)
	}
	if err := validate.Struct(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	payment, err := h.ctrl.Submit(c.UserContext(), r, SubmitInput{
		Recipient: req.Recipient,
		Amount:    req.Amount,
		Channel:   Channel(req.Channel),
		ClientIP:  c.IP(),
	})
	if err != nil {
		if payment.ID != "" {
			return withPaymentID(err, payment)
		}
		return err
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{
		"payment_id": payment.ID,
		"status":     payment.Status,
		"channel":    req.Channel,
	})
}

// List returns the caller's payments.
func (h *Handler) List(c *fiber.Ctx) error {
	r, err := RequesterFrom(c)
	if err != nil {
		return err
	}
	list, err := h.ctrl.List(c.UserContext(), r)
	if err != nil {
		return err
	}
	out := make([]paymentResponse, 0, len(list))
	for _, p := range list {
		out = append(out, paymentResponse{PaymentID: p.ID, Recipient: p.Recipient, Amount: p.Amount, Status: p.Status, CreatedAt: p.CreatedAt})
	}
	return c.JSON(fiber.Map{"payments": out})
}

// Status returns the stored status of one payment.
func (h *Handler) Status(c *fiber.Ctx) error {
	r, err := RequesterFrom(c)
	if err != nil {
		return err
	}
	id := c.Params("id")
	status, err := h.ctrl.Status(c.UserContext(), r, id)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"payment_id": id, "status": status})
}

// RequestSMS sends an OTP for a payment without a push request.
func (h *Handler) RequestSMS(c *fiber.Ctx) error {
	r, err := RequesterFrom(c)
	if err != nil {
		return err
	}
	payment, err := h.ctrl.RequestSMSApproval(c.UserContext(), r, c.Params("id"))
	if err != nil {
		return err
	}
	return c.Status(http.StatusAccepted).JSON(fiber.Map{
		"payment_id": payment.ID,
		"status":     payment.Status,
		"channel":    ChannelSMS,
	})
}

// CheckOTP approves a payment with its one-time code.
func (h *Handler) CheckOTP(c *fiber.Ctx) error {
	r, err := RequesterFrom(c)
	if err != nil {
		return err
	}
	var req otpRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid JSON body")
	}
	if err := validate.Struct(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	payment, err := h.ctrl.CheckOTP(c.UserContext(), r, c.Params("id"), req.Code)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"payment_id": payment.ID, "status": payment.Status})
}

// Callback receives OneTouch results. Every handled outcome is an empty 200;
// a failed signature is a bare 400.
func (h *Handler) Callback(c *fiber.Ctx) error {
	header := http.Header{}
	for k, values := range c.GetReqHeaders() {
		for _, v := range values {
			header.Add(k, v)
		}
	}
	err := h.ctrl.HandleCallback(c.UserContext(), CallbackRequest{
		Header: header,
		Method: c.Method(),
		URL:    h.callbackURL(c),
		Body:   append([]byte(nil), c.Body()...),
	})
	if errors.Is(err, verification.ErrAuthenticationFailed) {
		return c.SendStatus(http.StatusBadRequest)
	}
	if err != nil {
		return err
	}
	return c.SendStatus(http.StatusOK)
}

func (h *Handler) callbackURL(c *fiber.Ctx) string {
	if h.publicBaseURL != "" {
		return h.publicBaseURL + c.OriginalURL()
	}
	return c.BaseURL() + c.OriginalURL()
}

type paymentIDError struct {
	err     error
	payment payments.Payment
}

func (e *paymentIDError) Error() string { return e.err.Error() }
func (e *paymentIDError) Unwrap() error { return e.err }

// PaymentID exposes the payment created before the approval request failed.
func (e *paymentIDError) PaymentID() string { return e.payment.ID }

func withPaymentID(err error, payment payments.Payment) error {
	return &paymentIDError{err: err, payment: payment}
}
