package routes

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/coinledger/internal/config"
	"github.com/congo-pay/coinledger/internal/idempotency"
	"github.com/congo-pay/coinledger/internal/ledger"
	"github.com/congo-pay/coinledger/internal/middleware"
	"github.com/congo-pay/coinledger/internal/notification"
	"github.com/congo-pay/coinledger/internal/wallet"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg      config.Config
	DB       *pgxpool.Pool
	Cache    *redis.Client
	Logger   *slog.Logger
	Notifier notification.Notifier
}

// Services is the application graph built from Deps.
type Services struct {
	Store   ledger.Store
	Engine  *ledger.Engine
	Queries *ledger.Queries
	Wallets *wallet.Service
}

// NewServices builds the ledger stack. Without a database the in-memory
// store is used, which is only allowed in development.
func NewServices(ctx context.Context, d Deps) (*Services, error) {
	if !d.Cfg.IsDevelopment() {
		if d.DB == nil {
			return nil, fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
		if d.Cache == nil {
			return nil, fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
	}

	var store ledger.Store
	if d.DB != nil {
		store = ledger.NewPostgresStore(d.DB, d.Cfg.LockTimeout)
	} else {
		store = ledger.NewInMemory(d.Cfg.LockTimeout)
	}

	var opts []idempotency.Option
	if d.Cache != nil {
		opts = append(opts, idempotency.WithFront(idempotency.NewRedisFront(d.Cache)))
	}
	receipts := idempotency.New(store, d.Cfg.IdempotencyTTL, d.Logger, opts...)

	system, err := ledger.NewSystemWallets(store, ledger.SystemSubjects{
		Treasury:  d.Cfg.TreasurySubject,
		BonusPool: d.Cfg.BonusPoolSubject,
		Revenue:   d.Cfg.RevenueSubject,
	})
	if err != nil {
		return nil, err
	}

	notifier := d.Notifier
	if notifier == nil {
		notifier = notification.NewLoggerNotifier(d.Logger)
	}
	engine := ledger.NewEngine(store, receipts, system, d.Logger, ledger.WithNotifier(notifier))
	if err := engine.SeedAssetTypes(ctx, ledger.DefaultAssetTypes()...); err != nil {
		return nil, fmt.Errorf("seed asset types: %w", err)
	}
	if err := engine.ProvisionSystemWallets(ctx); err != nil {
		return nil, fmt.Errorf("provision system wallets: %w", err)
	}

	queries := ledger.NewQueries(store, d.Cfg.HistoryDefaultLimit, d.Cfg.HistoryMaxLimit)
	return &Services{
		Store:   store,
		Engine:  engine,
		Queries: queries,
		Wallets: wallet.NewService(engine, queries),
	}, nil
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps, svc *Services) {
	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(middleware.Audit(d.Logger))

	RegisterHealthRoutes(app, d)

	h := wallet.NewHandler(svc.Wallets)

	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": middleware.RequestIDFrom(c),
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	RegisterWalletRoutes(api.Group("/wallets", middleware.IdempotencyKey()), h)
	RegisterAssetTypeRoutes(api, h)
	RegisterAdminRoutes(api.Group("/admin"), h)
}
