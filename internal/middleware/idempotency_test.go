package middleware

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/payfriend/payfriend/internal/authorization"
	"github.com/payfriend/payfriend/internal/logging"
)

type idempotencyApp struct {
	app   *fiber.App
	calls *atomic.Int32
	fail  *atomic.Bool
}

func setupTestApp(t *testing.T) idempotencyApp {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}

	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		cache.Close()
		mr.Close()
	})

	calls := &atomic.Int32{}
	fail := &atomic.Bool{}
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		if uid := c.Get("X-Test-User"); uid != "" {
			c.Locals(authorization.UserIDLocal, uid)
		}
		return c.Next()
	})
	app.Use(Idempotency(cache, time.Minute, logging.Discard()))
	app.Post("/payments", func(c *fiber.Ctx) error {
		n := calls.Add(1)
		if fail.Load() {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "try again"})
		}
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{"payment": n})
	})

	return idempotencyApp{app: app, calls: calls, fail: fail}
}

func (a idempotencyApp) post(t *testing.T, key, user string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(fiber.MethodPost, "/payments", strings.NewReader("{}"))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	if key != "" {
		req.Header.Set(idempotencyKeyHeader, key)
	}
	if user != "" {
		req.Header.Set("X-Test-User", user)
	}
	resp, err := a.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, string(body)
}

func TestIdempotencyRequiresHeader(t *testing.T) {
	a := setupTestApp(t)

	status, _ := a.post(t, "", "u1")
	if status != fiber.StatusBadRequest {
		t.Fatalf("expected %d got %d", fiber.StatusBadRequest, status)
	}
	if a.calls.Load() != 0 {
		t.Fatalf("handler must not run without a key")
	}
}

func TestIdempotencyReturnsCachedResponse(t *testing.T) {
	a := setupTestApp(t)

	status, payload := a.post(t, "abc123", "u1")
	if status != fiber.StatusCreated {
		t.Fatalf("expected status %d got %d", fiber.StatusCreated, status)
	}

	// Second request should return the cached response without invoking handler again.
	status2, cached := a.post(t, "abc123", "u1")
	if status2 != fiber.StatusCreated {
		t.Fatalf("expected cached status %d got %d", fiber.StatusCreated, status2)
	}
	if cached != payload {
		t.Fatalf("expected cached payload %s got %s", payload, cached)
	}
	if a.calls.Load() != 1 {
		t.Fatalf("expected handler to run once, ran %d times", a.calls.Load())
	}

	var decoded map[string]any
	if err := json.Unmarshal([]byte(cached), &decoded); err != nil {
		t.Fatalf("cached payload invalid json: %v", err)
	}
}

func TestIdempotencyKeysAreScopedPerUser(t *testing.T) {
	a := setupTestApp(t)

	_, first := a.post(t, "same-key", "u1")
	_, second := a.post(t, "same-key", "u2")
	if first == second {
		t.Fatalf("another user's response was replayed: %s", second)
	}
	if a.calls.Load() != 2 {
		t.Fatalf("expected two handler runs, got %d", a.calls.Load())
	}
}

func TestIdempotencyDoesNotStoreServerErrors(t *testing.T) {
	a := setupTestApp(t)

	a.fail.Store(true)
	status, _ := a.post(t, "retry-me", "u1")
	if status != fiber.StatusServiceUnavailable {
		t.Fatalf("expected 503 got %d", status)
	}

	a.fail.Store(false)
	status, _ = a.post(t, "retry-me", "u1")
	if status != fiber.StatusCreated {
		t.Fatalf("expected retry to reach handler, got %d", status)
	}
	if a.calls.Load() != 2 {
		t.Fatalf("expected two handler runs, got %d", a.calls.Load())
	}
}
