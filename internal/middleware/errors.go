package middleware

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/coinledger/internal/ledger"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

var statusByKind = map[ledger.Kind]int{
	ledger.KindValidation:        http.StatusBadRequest,
	ledger.KindNotFound:          http.StatusNotFound,
	ledger.KindInsufficientFunds: http.StatusUnprocessableEntity,
	ledger.KindLockTimeout:       http.StatusServiceUnavailable,
	ledger.KindConflict:          http.StatusConflict,
	ledger.KindStoreFailure:      http.StatusInternalServerError,
}

// StatusForKind maps a ledger error kind onto an HTTP status.
func StatusForKind(kind ledger.Kind) int {
	if status, ok := statusByKind[kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func kindForStatus(status int) ledger.Kind {
	switch {
	case status == http.StatusNotFound:
		return ledger.KindNotFound
	case status == http.StatusConflict:
		return ledger.KindConflict
	case status == http.StatusServiceUnavailable:
		return ledger.KindLockTimeout
	case status < http.StatusInternalServerError:
		return ledger.KindValidation
	default:
		return ledger.KindStoreFailure
	}
}

// ErrorHandler renders every error as {"error": {"kind", "message"}}.
// Store failures are logged and their detail is withheld from the client.
func ErrorHandler(logger *slog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		var (
			status  int
			kind    ledger.Kind
			message string
		)

		var fe *fiber.Error
		var le *ledger.Error
		switch {
		case errors.As(err, &le):
			kind = le.Kind
			status = StatusForKind(kind)
			message = le.Message
		case errors.As(err, &fe):
			status = fe.Code
			kind = kindForStatus(status)
			message = fe.Message
		default:
			status = http.StatusInternalServerError
			kind = ledger.KindStoreFailure
			message = err.Error()
		}

		if kind == ledger.KindStoreFailure {
			logger.Error("request failed", slog.String("path", c.Path()), slog.Any("error", err))
			message = "internal error"
		}

		return c.Status(status).JSON(errorBody{Error: errorDetail{
			Kind:      string(kind),
			Message:   message,
			RequestID: RequestIDFrom(c),
		}})
	}
}
