package middleware

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/coinledger/internal/ledger"
	"github.com/congo-pay/coinledger/internal/logging"
)

func newTestApp(logger *slog.Logger) *fiber.App {
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler(logger)})
	app.Use(RequestID())
	app.Use(Audit(logger))
	app.Use(IdempotencyKey())
	app.Post("/resource", func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{"key": IdempotencyKeyFrom(c)})
	})
	app.Get("/resource", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"ok": true})
	})
	app.Post("/broke", func(c *fiber.Ctx) error {
		return ledger.ErrStoreFailure
	})
	app.Post("/poor", func(c *fiber.Ctx) error {
		return &ledger.Error{Kind: ledger.KindInsufficientFunds, Message: "available 1.00, required 2.00"}
	})
	return app
}

func decodeError(t *testing.T, body io.Reader) errorDetail {
	t.Helper()
	var out errorBody
	require.NoError(t, json.NewDecoder(body).Decode(&out))
	return out.Error
}

func TestIdempotencyKeyRequiredOnPost(t *testing.T) {
	app := newTestApp(logging.Discard())

	resp, err := app.Test(httptest.NewRequest(fiber.MethodPost, "/resource", strings.NewReader("{}")))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	detail := decodeError(t, resp.Body)
	assert.Equal(t, "VALIDATION", detail.Kind)
	assert.NotEmpty(t, detail.RequestID)
}

func TestIdempotencyKeyRejectsOversizedKey(t *testing.T) {
	app := newTestApp(logging.Discard())
	req := httptest.NewRequest(fiber.MethodPost, "/resource", nil)
	req.Header.Set(IdempotencyKeyHeader, strings.Repeat("k", 256))

	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestIdempotencyKeyExposedToHandler(t *testing.T) {
	app := newTestApp(logging.Discard())
	req := httptest.NewRequest(fiber.MethodPost, "/resource", nil)
	req.Header.Set(IdempotencyKeyHeader, "  order-42 ")

	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusCreated, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "order-42", body["key"])
}

func TestSafeMethodsSkipIdempotencyKey(t *testing.T) {
	app := newTestApp(logging.Discard())
	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/resource", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestErrorHandlerMapsLedgerKinds(t *testing.T) {
	app := newTestApp(logging.Discard())

	req := httptest.NewRequest(fiber.MethodPost, "/poor", nil)
	req.Header.Set(IdempotencyKeyHeader, "k1")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnprocessableEntity, resp.StatusCode)
	detail := decodeError(t, resp.Body)
	assert.Equal(t, "INSUFFICIENT_FUNDS", detail.Kind)
	assert.Equal(t, "available 1.00, required 2.00", detail.Message)

	req = httptest.NewRequest(fiber.MethodPost, "/broke", nil)
	req.Header.Set(IdempotencyKeyHeader, "k2")
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusInternalServerError, resp.StatusCode)
	detail = decodeError(t, resp.Body)
	assert.Equal(t, "STORE_FAILURE", detail.Kind)
	assert.Equal(t, "internal error", detail.Message)
}

func TestStatusForKind(t *testing.T) {
	cases := map[ledger.Kind]int{
		ledger.KindValidation:        400,
		ledger.KindNotFound:          404,
		ledger.KindInsufficientFunds: 422,
		ledger.KindLockTimeout:       503,
		ledger.KindConflict:          409,
		ledger.KindStoreFailure:      500,
		ledger.Kind("other"):         500,
	}
	for kind, status := range cases {
		assert.Equal(t, status, StatusForKind(kind), fmt.Sprint(kind))
	}
}

func TestRequestIDPropagates(t *testing.T) {
	app := newTestApp(logging.Discard())
	req := httptest.NewRequest(fiber.MethodGet, "/resource", nil)
	req.Header.Set("X-Request-ID", "req-123")

	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, "req-123", resp.Header.Get("X-Request-ID"))

	resp, err = app.Test(httptest.NewRequest(fiber.MethodGet, "/resource", nil))
	require.NoError(t, err)
	assert.Len(t, resp.Header.Get("X-Request-ID"), 36)
}

func TestAuditLogsFinalStatus(t *testing.T) {
	var buf bytes.Buffer
	app := newTestApp(slog.New(slog.NewJSONHandler(&buf, nil)))
	req := httptest.NewRequest(fiber.MethodPost, "/poor", nil)
	req.Header.Set(IdempotencyKeyHeader, "audit-1")

	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnprocessableEntity, resp.StatusCode)

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "request completed", line["msg"])
	assert.Equal(t, float64(422), line["status"])
	assert.Equal(t, "audit-1", line["idempotency_key"])
}
