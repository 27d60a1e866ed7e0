package middleware

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/payfriend/payfriend/internal/auth"
	"github.com/payfriend/payfriend/internal/authorization"
	"github.com/payfriend/payfriend/internal/config"
	"github.com/payfriend/payfriend/internal/identity"
	"github.com/payfriend/payfriend/internal/logging"
	"github.com/payfriend/payfriend/internal/payments"
	"github.com/payfriend/payfriend/internal/verification"
)

func TestIPRateLimiterPerIP(t *testing.T) {
	l := NewIPRateLimiter(1, 2)
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("203.0.113.1"))
	assert.True(t, l.Allow("203.0.113.1"))
	assert.False(t, l.Allow("203.0.113.1"))
	assert.True(t, l.Allow("203.0.113.2"))

	now = now.Add(time.Second)
	assert.True(t, l.Allow("203.0.113.1"))
}

func TestIPRateLimiterHandler(t *testing.T) {
	app := fiber.New()
	app.Post("/cb", NewIPRateLimiter(0.001, 1).Handler(), func(c *fiber.Ctx) error {
		return c.SendStatus(http.StatusOK)
	})

	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/cb", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(http.MethodPost, "/cb", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestLoginRateLimitByEmail(t *testing.T) {
	mr := miniredis.RunT(t)
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { cache.Close() })

	app := fiber.New()
	app.Post("/login", LoginRateLimit(cache, 2), func(c *fiber.Ctx) error {
		return c.SendStatus(http.StatusOK)
	})

	login := func(email string) int {
		req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(fmt.Sprintf(`{"email":%q}`, email)))
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
		resp, err := app.Test(req)
		require.NoError(t, err)
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusOK, login("a@x.com"))
	assert.Equal(t, http.StatusOK, login("A@x.com"))
	assert.Equal(t, http.StatusTooManyRequests, login("a@x.com"))
	assert.Equal(t, http.StatusOK, login("b@x.com"))
}

func TestJWTAuthSetsUserID(t *testing.T) {
	tokens := auth.NewService(config.Config{JWTSecret: "s3cret", AppName: "PayFriend", AccessTokenTTL: time.Minute})
	tok, err := tokens.Issue(identity.User{ID: "u1", Email: "a@x.com"})
	require.NoError(t, err)

	app := fiber.New()
	app.Get("/me", JWTAuth(tokens), func(c *fiber.Ctx) error {
		r, err := authorization.RequesterFrom(c)
		if err != nil {
			return err
		}
		return c.SendString(r.UserID)
	})

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set(fiber.HeaderAuthorization, "Bearer "+tok.AccessToken)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req = httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set(fiber.HeaderAuthorization, "Bearer "+tok.AccessToken+"x")
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/me", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

type scopedErr struct{ error }

func (scopedErr) PaymentID() string { return "P1" }
func (e scopedErr) Unwrap() error   { return e.error }

func TestErrorHandlerMapsKinds(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("send: %w", verification.ErrProviderUnavailable), http.StatusServiceUnavailable, "provider_unavailable"},
		{verification.ErrIncorrect, http.StatusUnprocessableEntity, "incorrect_code"},
		{fmt.Errorf("%w: bad code", verification.ErrVerificationFailed), http.StatusUnprocessableEntity, "verification_failed"},
		{fmt.Errorf("%w: user suspended", verification.ErrApprovalRejected), http.StatusUnprocessableEntity, "approval_rejected"},
		{&payments.AlreadyDecidedError{Status: payments.StatusApproved}, http.StatusConflict, "already_decided"},
		{authorization.ErrEnrollmentRequired, http.StatusForbidden, "enrollment_required"},
		{authorization.ErrNotFound, http.StatusNotFound, "not_found"},
		{identity.ErrConflict, http.StatusConflict, "conflict"},
		{errors.New("pq: connection refused"), http.StatusInternalServerError, ""},
	}
	for _, tc := range cases {
		app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler(logging.Discard())})
		app.Get("/", func(*fiber.Ctx) error { return tc.err })

		resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil))
		require.NoError(t, err)
		assert.Equal(t, tc.status, resp.StatusCode, tc.err.Error())

		var body map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		if tc.code != "" {
			assert.Equal(t, tc.code, body["code"])
		}
		assert.NotContains(t, body["error"], "connection refused")
	}
}

func TestErrorHandlerAddsContext(t *testing.T) {
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler(logging.Discard())})
	app.Get("/decided", func(*fiber.Ctx) error { return &payments.AlreadyDecidedError{Status: payments.StatusDenied} })
	app.Get("/scoped", func(*fiber.Ctx) error { return scopedErr{verification.ErrProviderUnavailable} })

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/decided", nil))
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "denied", body["status"])

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/scoped", nil))
	require.NoError(t, err)
	body = map[string]any{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "P1", body["payment_id"])
}

func TestRequestIDEchoesOrReplaces(t *testing.T) {
	app := fiber.New()
	app.Use(RequestID())
	app.Get("/", func(c *fiber.Ctx) error {
		id, _ := c.Locals(requestIDHeader).(string)
		return c.SendString(id)
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(requestIDHeader, "abc-123")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, "abc-123", resp.Header.Get(requestIDHeader))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(requestIDHeader, strings.Repeat("x", maxRequestIDLen+1))
	resp, err = app.Test(req)
	require.NoError(t, err)
	got := resp.Header.Get(requestIDHeader)
	assert.Len(t, got, 36)
}

func TestAuditRendersHandlerErrors(t *testing.T) {
	var buf strings.Builder
	logger := logging.NewWithWriter(&buf, "debug", "json")

	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler(logger)})
	app.Use(RequestID(), Audit(logger))
	app.Get("/missing", func(c *fiber.Ctx) error {
		c.Locals(authorization.UserIDLocal, "u1")
		return payments.ErrNotFound
	})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/missing", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &entry))
	assert.Equal(t, "request rejected", entry["msg"])
	assert.Equal(t, float64(http.StatusNotFound), entry["status"])
	assert.Equal(t, "u1", entry["user_id"])
	assert.NotEmpty(t, entry["request_id"])
}
