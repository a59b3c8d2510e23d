package wallet

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/coinledger/internal/ledger"
	"github.com/congo-pay/coinledger/internal/middleware"
)

// Handler exposes wallet HTTP endpoints.
type Handler struct {
	service  *Service
	validate *validator.Validate
}

// NewHandler builds a wallet HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service, validate: validator.New(validator.WithRequiredStructEnabled())}
}

// Topup credits a user's wallet from the treasury.
func (h *Handler) Topup(c *fiber.Ctx) error {
	var req TopupRequest
	if err := h.bind(c, &req); err != nil {
		return err
	}
	res, err := h.service.Topup(c.UserContext(), middleware.IdempotencyKeyFrom(c), req)
	if err != nil {
		return err
	}
	return respondResult(c, res)
}

// Bonus credits a user's wallet from the bonus pool.
func (h *Handler) Bonus(c *fiber.Ctx) error {
	var req BonusRequest
	if err := h.bind(c, &req); err != nil {
		return err
	}
	res, err := h.service.Bonus(c.UserContext(), middleware.IdempotencyKeyFrom(c), req)
	if err != nil {
		return err
	}
	return respondResult(c, res)
}

// Spend debits a user's wallet into revenue.
func (h *Handler) Spend(c *fiber.Ctx) error {
	var req SpendRequest
	if err := h.bind(c, &req); err != nil {
		return err
	}
	res, err := h.service.Spend(c.UserContext(), middleware.IdempotencyKeyFrom(c), req)
	if err != nil {
		return err
	}
	return respondResult(c, res)
}

// Balance returns the subject's balance for the asset in ?asset=.
func (h *Handler) Balance(c *fiber.Ctx) error {
	balance, err := h.service.Balance(c.UserContext(), c.Params("subject"), c.Query("asset"))
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(balance)
}

// History returns one page of the subject's transactions, newest first.
func (h *Handler) History(c *fiber.Ctx) error {
	limit, err := queryInt(c, "limit")
	if err != nil {
		return err
	}
	offset, err := queryInt(c, "offset")
	if err != nil {
		return err
	}
	q := ledger.HistoryQuery{
		Subject:       c.Params("subject"),
		AssetTypeCode: c.Query("asset"),
		Limit:         limit,
		Offset:        offset,
	}
	txns, err := h.service.History(c.UserContext(), q)
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(HistoryPage{
		Subject:       q.Subject,
		AssetTypeCode: q.AssetTypeCode,
		Limit:         limit,
		Offset:        offset,
		Transactions:  txns,
	})
}

// Entries returns the two ledger entries of a transaction.
func (h *Handler) Entries(c *fiber.Ctx) error {
	entries, err := h.service.Entries(c.UserContext(), c.Params("transactionId"))
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"entries": entries})
}

// AssetTypes lists the registered asset types.
func (h *Handler) AssetTypes(c *fiber.Ctx) error {
	assets, err := h.service.AssetTypes(c.UserContext())
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"asset_types": assets})
}

// Reconcile reports balance drift; an empty list means the ledger balances.
func (h *Handler) Reconcile(c *fiber.Ctx) error {
	drift, err := h.service.Reconcile(c.UserContext())
	if err != nil {
		return err
	}
	if drift == nil {
		drift = []ledger.Drift{}
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"balanced": len(drift) == 0, "drift": drift})
}

// CreateAssetType registers a currency.
func (h *Handler) CreateAssetType(c *fiber.Ctx) error {
	var req AssetTypeRequest
	if err := h.bind(c, &req); err != nil {
		return err
	}
	asset, err := h.service.CreateAssetType(c.UserContext(), req)
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(asset)
}

// DeactivateAssetType retires a currency. Its wallets and history are kept,
// but balance and history reads for it answer NOT_FOUND.
func (h *Handler) DeactivateAssetType(c *fiber.Ctx) error {
	if err := h.service.DeactivateAssetType(c.UserContext(), c.Params("code")); err != nil {
		return err
	}
	return c.SendStatus(http.StatusNoContent)
}

func (h *Handler) bind(c *fiber.Ctx, dst any) error {
	if err := c.BodyParser(dst); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
			}
			return fiber.NewError(http.StatusBadRequest, strings.Join(fields, "; "))
		}
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	return nil
}

// respondResult answers 201 with the stored body whether or not the result is
// a replay, so a duplicate submission looks exactly like the first one. The
// header only helps operators correlate retries.
func respondResult(c *fiber.Ctx, res ledger.Result) error {
	if res.Replayed {
		c.Set("Idempotent-Replayed", "true")
	}
	return c.Status(http.StatusCreated).JSON(res)
}

func queryInt(c *fiber.Ctx, key string) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fiber.NewError(http.StatusBadRequest, fmt.Sprintf("%s must be an integer", key))
	}
	return n, nil
}
