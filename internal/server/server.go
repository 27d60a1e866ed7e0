package server

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/payfriend/payfriend/internal/middleware"
	"github.com/payfriend/payfriend/internal/routes"
)

// Server wraps the Fiber application and the address it listens on.
type Server struct {
	app  *fiber.App
	addr string
}

// New instantiates the HTTP server and delegates route wiring to routes.Setup.
func New(deps routes.Deps) (*Server, error) {
	app := NewApp(deps)
	if err := routes.Setup(app, deps); err != nil {
		return nil, err
	}
	return &Server{app: app, addr: deps.Cfg.Address()}, nil
}

// NewApp builds the bare Fiber application with the shared error handler.
func NewApp(deps routes.Deps) *fiber.App {
	return fiber.New(fiber.Config{
		AppName:      deps.Cfg.AppName,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		ErrorHandler: middleware.ErrorHandler(deps.Logger),
	})
}

// App exposes the underlying Fiber application, mainly for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen starts the HTTP server.
func (s *Server) Listen() error {
	return s.app.Listen(s.addr)
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}
