package auth

import (
	"log/slog"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/payfriend/payfriend/internal/authorization"
	"github.com/payfriend/payfriend/internal/identity"
	"github.com/payfriend/payfriend/internal/logging"
	"github.com/payfriend/payfriend/internal/validate"
	"github.com/payfriend/payfriend/internal/verification"
)

// Handler exposes registration, login and phone verification endpoints.
type Handler struct {
	ids    *identity.Service
	svc    *Service
	ctrl   *authorization.Controller
	logger *slog.Logger
}

func NewHandler(ids *identity.Service, svc *Service, ctrl *authorization.Controller, logger *slog.Logger) *Handler {
	return &Handler{ids: ids, svc: svc, ctrl: ctrl, logger: logging.Component(logger, "auth")}
}

type registerRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8,max=72"`
	Phone    string `json:"phone" validate:"required,e164"`
	Channel  string `json:"channel" validate:"omitempty,oneof=sms call"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type verifyRequest struct {
	Code string `json:"code" validate:"required,numeric,min=4,max=10"`
}

type resendRequest struct {
	Channel string `json:"channel" validate:"omitempty,oneof=sms call"`
}

type sessionResponse struct {
	UserID      string `json:"user_id"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	Verified    bool   `json:"verified"`
	Enrollment  string `json:"enrollment,omitempty"`
}

// Register creates the user, issues a token and starts phone verification.
// A provider failure does not undo registration; the client can resend.
func (h *Handler) Register(c *fiber.Ctx) error {
	var req registerRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid JSON body")
	}
	if err := validate.Struct(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	user, err := h.ids.Register(c.UserContext(), identity.Registration{Email: req.Email, Password: req.Password, Phone: req.Phone})
	if err != nil {
		return err
	}
	token, err := h.svc.Issue(user)
	if err != nil {
		return err
	}

	message, err := h.ctrl.StartEnrollment(c.UserContext(), authorization.Requester{UserID: user.ID}, channelOrSMS(req.Channel))
	if err != nil {
		h.logger.Warn("enrollment start failed", slog.String("user_id", user.ID), slog.String("error", err.Error()))
		message = "We could not send a verification code. Request a new one."
	}

	h.logger.Info("user registered", slog.String("user_id", user.ID))
	return c.Status(http.StatusCreated).JSON(sessionResponse{
		UserID:      user.ID,
		AccessToken: token.AccessToken,
		ExpiresIn:   token.ExpiresIn,
		Enrollment:  message,
	})
}

// Login validates credentials and returns an access token.
func (h *Handler) Login(c *fiber.Ctx) error {
	var req loginRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid JSON body")
	}
	if err := validate.Struct(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	user, err := h.ids.Authenticate(c.UserContext(), req.Email, req.Password)
	if err != nil {
		return err
	}
	token, err := h.svc.Issue(user)
	if err != nil {
		return err
	}
	return c.JSON(sessionResponse{
		UserID:      user.ID,
		AccessToken: token.AccessToken,
		ExpiresIn:   token.ExpiresIn,
		Verified:    user.Verified(),
	})
}

// Verify completes phone enrollment with the received code.
func (h *Handler) Verify(c *fiber.Ctx) error {
	r, err := authorization.RequesterFrom(c)
	if err != nil {
		return err
	}
	var req verifyRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid JSON body")
	}
	if err := validate.Struct(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	user, err := h.ctrl.CompleteEnrollment(c.UserContext(), r, req.Code)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"user_id": user.ID, "verified": user.Verified()})
}

// Resend restarts phone enrollment.
func (h *Handler) Resend(c *fiber.Ctx) error {
	r, err := authorization.RequesterFrom(c)
	if err != nil {
		return err
	}
	var req resendRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid JSON body")
		}
	}
	if err := validate.Struct(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	message, err := h.ctrl.StartEnrollment(c.UserContext(), r, channelOrSMS(req.Channel))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"message": message})
}

func channelOrSMS(channel string) verification.Channel {
	if channel == "" {
		return verification.ChannelSMS
	}
	return verification.Channel(channel)
}
