package middleware

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/dispatch-pay/dispatch_pay/internal/logging"
)

type countingHandler struct {
	calls int
}

func (h *countingHandler) handle(c *fiber.Ctx) error {
	h.calls++
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"calls": h.calls})
}

func setupTestApp(t *testing.T) (*fiber.App, *countingHandler, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}

	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	app := fiber.New()
	app.Use(Idempotency(cache, time.Minute, logging.Discard()))

	handler := &countingHandler{}
	app.Post("/credits", handler.handle)
	app.Post("/wallets/:walletId/withdrawals", handler.handle)
	// Fails with 502 on the first attempt, succeeds afterwards.
	attempts := 0
	app.Post("/flaky", func(c *fiber.Ctx) error {
		attempts++
		if attempts == 1 {
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "gateway"})
		}
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{"ok": true})
	})

	cleanup := func() {
		cache.Close()
		mr.Close()
	}
	return app, handler, cleanup
}

func post(t *testing.T, app *fiber.App, path, key string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(fiber.MethodPost, path, strings.NewReader("{}"))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	if key != "" {
		req.Header.Set(idempotencyKeyHeader, key)
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, string(body)
}

func TestIdempotencyRequiresHeader(t *testing.T) {
	app, _, cleanup := setupTestApp(t)
	defer cleanup()

	status, _ := post(t, app, "/credits", "")
	if status != fiber.StatusBadRequest {
		t.Fatalf("expected %d got %d", fiber.StatusBadRequest, status)
	}
}

func TestIdempotencyReplaysFirstResponse(t *testing.T) {
	app, handler, cleanup := setupTestApp(t)
	defer cleanup()

	status, body := post(t, app, "/credits", "credit-d1")
	if status != fiber.StatusCreated {
		t.Fatalf("first request: expected %d got %d", fiber.StatusCreated, status)
	}

	status2, body2 := post(t, app, "/credits", "credit-d1")
	if status2 != fiber.StatusCreated || body2 != body {
		t.Fatalf("replay must match first response: %d %q vs %d %q", status, body, status2, body2)
	}
	if handler.calls != 1 {
		t.Fatalf("handler must run once, ran %d times", handler.calls)
	}
}

func TestIdempotencyKeysScopedPerRoute(t *testing.T) {
	app, handler, cleanup := setupTestApp(t)
	defer cleanup()

	post(t, app, "/credits", "shared-key")
	// Same key on another wallet's endpoint must not replay the credit response.
	status, _ := post(t, app, "/wallets/w1/withdrawals", "shared-key")
	if status != fiber.StatusCreated {
		t.Fatalf("expected fresh execution, got %d", status)
	}
	if handler.calls != 2 {
		t.Fatalf("each route must execute once, got %d calls", handler.calls)
	}

	// Different wallets in the path are distinct scopes too.
	post(t, app, "/wallets/w2/withdrawals", "shared-key")
	if handler.calls != 3 {
		t.Fatalf("distinct wallet must execute, got %d calls", handler.calls)
	}
}

func TestIdempotencyDoesNotCacheServerErrors(t *testing.T) {
	app, _, cleanup := setupTestApp(t)
	defer cleanup()

	if status, _ := post(t, app, "/flaky", "retry-me"); status != fiber.StatusBadGateway {
		t.Fatalf("expected %d, got %d", fiber.StatusBadGateway, status)
	}
	// A retry after a server error must hit the handler again, not a cached 502.
	if status, _ := post(t, app, "/flaky", "retry-me"); status != fiber.StatusCreated {
		t.Fatalf("retry must execute and succeed, got %d", status)
	}
}
