package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/coinledger/internal/idempotency"
	"github.com/congo-pay/coinledger/internal/ledger"
	"github.com/congo-pay/coinledger/internal/logging"
	"github.com/congo-pay/coinledger/internal/middleware"
)

type harness struct {
	app    *fiber.App
	engine *ledger.Engine
}

func newHarness(t *testing.T) harness {
	t.Helper()
	ctx := context.Background()
	logger := logging.Discard()

	store := ledger.NewInMemory(time.Second)
	system, err := ledger.NewSystemWallets(store, ledger.DefaultSystemSubjects())
	require.NoError(t, err)
	engine := ledger.NewEngine(store, idempotency.New(store, time.Hour, logger), system, logger)
	require.NoError(t, engine.SeedAssetTypes(ctx, ledger.DefaultAssetTypes()...))
	queries := ledger.NewQueries(store, ledger.DefaultHistoryLimit, ledger.MaxHistoryLimit)

	h := NewHandler(NewService(engine, queries))
	app := fiber.New(fiber.Config{ErrorHandler: middleware.ErrorHandler(logger)})
	app.Use(middleware.RequestID())
	wallets := app.Group("/wallets", middleware.IdempotencyKey())
	wallets.Post("/topup", h.Topup)
	wallets.Post("/bonus", h.Bonus)
	wallets.Post("/spend", h.Spend)
	wallets.Get("/:subject/balance", h.Balance)
	wallets.Get("/:subject/transactions", h.History)
	app.Get("/asset-types", h.AssetTypes)
	app.Get("/transactions/:transactionId/entries", h.Entries)
	app.Post("/admin/asset-types", h.CreateAssetType)
	app.Post("/admin/asset-types/:code/deactivate", h.DeactivateAssetType)
	app.Get("/admin/reconciliation", h.Reconcile)

	return harness{app: app, engine: engine}
}

func (h harness) post(t *testing.T, path, key string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(fiber.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	if key != "" {
		req.Header.Set(middleware.IdempotencyKeyHeader, key)
	}
	resp, err := h.app.Test(req)
	require.NoError(t, err)
	return resp
}

func (h harness) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := h.app.Test(httptest.NewRequest(fiber.MethodGet, path, nil))
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, r io.Reader) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(r).Decode(&out))
	return out
}

type errorEnvelope struct {
	Error struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

func TestTopupCreatesThenReplays(t *testing.T) {
	h := newHarness(t)
	body := TopupRequest{UserID: "alice", AssetTypeCode: "GOLD_COIN", Amount: decimal.RequireFromString("100")}

	first := h.post(t, "/wallets/topup", "topup-1", body)
	require.Equal(t, http.StatusCreated, first.StatusCode)
	firstRaw, err := io.ReadAll(first.Body)
	require.NoError(t, err)

	second := h.post(t, "/wallets/topup", "topup-1", body)
	require.Equal(t, http.StatusCreated, second.StatusCode)
	assert.Equal(t, "true", second.Header.Get("Idempotent-Replayed"))
	secondRaw, err := io.ReadAll(second.Body)
	require.NoError(t, err)
	assert.JSONEq(t, string(firstRaw), string(secondRaw))

	var res ledger.Result
	require.NoError(t, json.Unmarshal(firstRaw, &res))
	assert.Equal(t, ledger.TypeTopup, res.Type)
	assert.True(t, res.WalletBalanceAfter.Equal(decimal.NewFromInt(100)))

	bal := decode[ledger.Balance](t, h.get(t, "/wallets/alice/balance?asset=GOLD_COIN").Body)
	assert.True(t, bal.Amount.Equal(decimal.NewFromInt(100)), "balance %s", bal.Amount)
}

func TestTopupRequiresIdempotencyKey(t *testing.T) {
	h := newHarness(t)
	resp := h.post(t, "/wallets/topup", "", TopupRequest{UserID: "alice", AssetTypeCode: "GOLD_COIN", Amount: decimal.NewFromInt(1)})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION", decode[errorEnvelope](t, resp.Body).Error.Kind)
}

func TestTopupValidatesBody(t *testing.T) {
	h := newHarness(t)

	resp := h.post(t, "/wallets/topup", "k", map[string]any{"asset_type_code": "GOLD_COIN", "amount": "5"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = h.post(t, "/wallets/topup", "k2", TopupRequest{UserID: "alice", AssetTypeCode: "GOLD_COIN", Amount: decimal.RequireFromString("0.001")})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION", decode[errorEnvelope](t, resp.Body).Error.Kind)
}

func TestBonusRequiresReason(t *testing.T) {
	h := newHarness(t)
	resp := h.post(t, "/wallets/bonus", "b1", BonusRequest{UserID: "alice", AssetTypeCode: "DIAMOND", Amount: decimal.NewFromInt(5)})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = h.post(t, "/wallets/bonus", "b2", BonusRequest{UserID: "alice", AssetTypeCode: "DIAMOND", Amount: decimal.NewFromInt(5), Reason: "streak"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestSpendInsufficientFunds(t *testing.T) {
	h := newHarness(t)
	_, err := ledger.SeedBalance(context.Background(), h.engine, "bob", "GOLD_COIN", decimal.NewFromInt(10))
	require.NoError(t, err)

	resp := h.post(t, "/wallets/spend", "s1", SpendRequest{UserID: "bob", AssetTypeCode: "GOLD_COIN", Amount: decimal.NewFromInt(11), ItemID: "sword"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "INSUFFICIENT_FUNDS", decode[errorEnvelope](t, resp.Body).Error.Kind)

	resp = h.post(t, "/wallets/spend", "s2", SpendRequest{UserID: "bob", AssetTypeCode: "GOLD_COIN", Amount: decimal.NewFromInt(10), ItemID: "sword"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	res := decode[ledger.Result](t, resp.Body)
	assert.True(t, res.WalletBalanceAfter.IsZero())
}

func TestUnknownAssetIsNotFound(t *testing.T) {
	h := newHarness(t)
	resp := h.post(t, "/wallets/topup", "t1", TopupRequest{UserID: "alice", AssetTypeCode: "RUBY", Amount: decimal.NewFromInt(1)})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", decode[errorEnvelope](t, resp.Body).Error.Kind)
}

func TestHistoryPaging(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for range 3 {
		_, err := ledger.SeedBalance(ctx, h.engine, "carol", "GOLD_COIN", decimal.NewFromInt(1))
		require.NoError(t, err)
	}

	page := decode[HistoryPage](t, h.get(t, "/wallets/carol/transactions?asset=GOLD_COIN&limit=2").Body)
	assert.Len(t, page.Transactions, 2)
	assert.Equal(t, 2, page.Limit)

	page = decode[HistoryPage](t, h.get(t, "/wallets/carol/transactions?asset=GOLD_COIN&limit=2&offset=2").Body)
	assert.Len(t, page.Transactions, 1)

	page = decode[HistoryPage](t, h.get(t, "/wallets/nobody/transactions?asset=GOLD_COIN").Body)
	assert.Empty(t, page.Transactions)

	resp := h.get(t, "/wallets/carol/transactions?asset=GOLD_COIN&limit=abc")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = h.get(t, "/wallets/carol/transactions?asset=GOLD_COIN&limit=-1")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEntriesForTransaction(t *testing.T) {
	h := newHarness(t)
	res, err := ledger.SeedBalance(context.Background(), h.engine, "dave", "DIAMOND", decimal.NewFromInt(7))
	require.NoError(t, err)

	resp := h.get(t, "/transactions/"+res.TransactionID+"/entries")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[struct {
		Entries []ledger.LedgerEntry `json:"entries"`
	}](t, resp.Body)
	require.Len(t, body.Entries, 2)
	sum := body.Entries[0].Amount.Add(body.Entries[1].Amount)
	assert.True(t, sum.IsZero())

	resp = h.get(t, "/transactions/00000000-0000-0000-0000-000000000000/entries")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAssetTypeLifecycle(t *testing.T) {
	h := newHarness(t)

	resp := h.post(t, "/admin/asset-types", "", AssetTypeRequest{Code: "RUBY", Name: "Ruby"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	asset := decode[ledger.AssetType](t, resp.Body)
	assert.Equal(t, "RUBY", asset.Code)
	assert.True(t, asset.Active)

	resp = h.post(t, "/admin/asset-types", "", AssetTypeRequest{Code: "ruby", Name: "Ruby"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	list := decode[struct {
		AssetTypes []ledger.AssetType `json:"asset_types"`
	}](t, h.get(t, "/asset-types").Body)
	assert.Len(t, list.AssetTypes, 4)

	resp = h.post(t, "/admin/asset-types/RUBY/deactivate", "", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = h.post(t, "/wallets/topup", "r1", TopupRequest{UserID: "alice", AssetTypeCode: "RUBY", Amount: decimal.NewFromInt(1)})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = h.get(t, "/wallets/alice/balance?asset=RUBY")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestReconcileReportsBalanced(t *testing.T) {
	h := newHarness(t)
	_, err := ledger.SeedBalance(context.Background(), h.engine, "erin", "GOLD_COIN", decimal.NewFromInt(3))
	require.NoError(t, err)

	body := decode[struct {
		Balanced bool           `json:"balanced"`
		Drift    []ledger.Drift `json:"drift"`
	}](t, h.get(t, "/admin/reconciliation").Body)
	assert.True(t, body.Balanced)
	assert.Empty(t, body.Drift)
}
