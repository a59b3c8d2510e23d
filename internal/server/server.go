package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/coinledger/internal/middleware"
	"github.com/congo-pay/coinledger/internal/routes"
)

// Server wraps the Fiber application and shared dependencies.
type Server struct {
	app      *fiber.App
	addr     string
	services *routes.Services
}

// New builds the ledger services and delegates route wiring to routes.Setup.
func New(ctx context.Context, d routes.Deps) (*Server, error) {
	svc, err := routes.NewServices(ctx, d)
	if err != nil {
		return nil, err
	}

	app := fiber.New(fiber.Config{
		AppName:      d.Cfg.AppName,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		ErrorHandler: middleware.ErrorHandler(loggerOrDefault(d.Logger)),
	})
	routes.Setup(app, d, svc)

	return &Server{app: app, addr: d.Cfg.Address(), services: svc}, nil
}

// App exposes the underlying Fiber app, mainly for tests.
func (s *Server) App() *fiber.App { return s.app }

// Services exposes the ledger graph for background workers.
func (s *Server) Services() *routes.Services { return s.services }

// Listen starts the HTTP server.
func (s *Server) Listen() error {
	return s.app.Listen(s.addr)
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func loggerOrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
