package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/coinledger/internal/wallet"
)

// RegisterWalletRoutes wires the money-moving and read endpoints.
func RegisterWalletRoutes(r fiber.Router, h *wallet.Handler) {
	r.Post("/topup", h.Topup)
	r.Post("/bonus", h.Bonus)
	r.Post("/spend", h.Spend)
	r.Get("/:subject/balance", h.Balance)
	r.Get("/:subject/transactions", h.History)
}

// RegisterAssetTypeRoutes wires the currency catalogue.
func RegisterAssetTypeRoutes(r fiber.Router, h *wallet.Handler) {
	r.Get("/asset-types", h.AssetTypes)
	r.Get("/transactions/:transactionId/entries", h.Entries)
}

// RegisterAdminRoutes wires operator endpoints.
func RegisterAdminRoutes(r fiber.Router, h *wallet.Handler) {
	r.Post("/asset-types", h.CreateAssetType)
	r.Post("/asset-types/:code/deactivate", h.DeactivateAssetType)
	r.Get("/reconciliation", h.Reconcile)
}
