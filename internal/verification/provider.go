package verification

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/payfriend/payfriend/internal/logging"
	"github.com/payfriend/payfriend/internal/verification/authy"
)

// Provider is the contract required from the external verification service.
// *authy.Client implements it.
type Provider interface {
	StartPhoneVerification(ctx context.Context, phone authy.Phone, via string) (string, error)
	CheckPhoneVerification(ctx context.Context, phone authy.Phone, code string) (string, error)
	CreateUser(ctx context.Context, email string, phone authy.Phone) (string, error)
	SendApprovalRequest(ctx context.Context, userID string, req authy.ApprovalRequest) (string, error)
	RequestSMS(ctx context.Context, userID, action, actionMessage string) error
	VerifyToken(ctx context.Context, userID, token, action string) error
	CallbackSecret() string
}

var _ Provider = (*authy.Client)(nil)

// SandboxProvider simulates the verification service in-process. Every code
// check accepts exactly the configured code.
type SandboxProvider struct {
	code   string
	signer authy.Signer
	secret string
	logger *slog.Logger
}

// NewSandboxProvider builds a sandbox that accepts code and signs callbacks
// with secret.
func NewSandboxProvider(code, secret string, logger *slog.Logger) *SandboxProvider {
	return &SandboxProvider{
		code:   code,
		signer: authy.NewSigner(secret),
		secret: secret,
		logger: logging.Component(logger, "sandbox_provider"),
	}
}

func (p *SandboxProvider) StartPhoneVerification(_ context.Context, phone authy.Phone, via string) (string, error) {
	p.logger.Info("sandbox verification started", slog.String("via", via), slog.Int("country_code", int(phone.CountryCode)))
	return fmt.Sprintf("Sandbox: enter %s to verify your phone.", p.code), nil
}

func (p *SandboxProvider) CheckPhoneVerification(_ context.Context, _ authy.Phone, code string) (string, error) {
	if code != p.code {
		return "", &authy.APIError{Status: http.StatusUnauthorized, Message: "Verification code is incorrect"}
	}
	return "Verification code is correct.", nil
}

func (p *SandboxProvider) CreateUser(_ context.Context, email string, _ authy.Phone) (string, error) {
	u := uuid.New()
	id := strconv.FormatUint(uint64(binary.BigEndian.Uint32(u[:4])>>1)+1, 10)
	p.logger.Info("sandbox user created", slog.String("provider_id", id))
	return id, nil
}

func (p *SandboxProvider) SendApprovalRequest(_ context.Context, userID string, req authy.ApprovalRequest) (string, error) {
	handle := uuid.NewString()
	p.logger.Info("sandbox approval request",
		slog.String("provider_id", userID),
		slog.String("push_id", handle),
		slog.Any("details", req.Details),
	)
	return handle, nil
}

func (p *SandboxProvider) RequestSMS(_ context.Context, userID, action, actionMessage string) error {
	p.logger.Info("sandbox sms token",
		slog.String("provider_id", userID),
		slog.String("action", action),
		slog.String("action_message", actionMessage),
		slog.String("code", p.code),
	)
	return nil
}

func (p *SandboxProvider) VerifyToken(_ context.Context, _, token, _ string) error {
	if token != p.code {
		return &authy.APIError{Status: http.StatusUnauthorized, Message: "Token is invalid"}
	}
	return nil
}

func (p *SandboxProvider) CallbackSecret() string {
	return p.secret
}

// SignCallback signs a callback body the way the real service would, so a
// developer can drive the webhook locally.
func (p *SandboxProvider) SignCallback(nonce, method, rawURL string, body []byte) (string, error) {
	return p.signer.Sign(nonce, method, rawURL, body)
}
