// Package httpapi exposes a mailbridge service over HTTP.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/rbaliyan/mailbridge"
	"github.com/rbaliyan/mailbridge/bus"
)

// Server serves the email API.
type Server struct {
	app    *fiber.App
	svc    mailbridge.Service
	opts   *options
	logger *slog.Logger
}

// New builds the routes for svc.
func New(svc mailbridge.Service, opts ...Option) *Server {
	o := newOptions(opts...)
	s := &Server{svc: svc, opts: o, logger: o.logger}

	s.app = fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			var fe *fiber.Error
			if errors.As(err, &fe) {
				code = fe.Code
			}
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})

	s.app.Use(recover.New())
	s.app.Use(s.logRequests)
	if o.rateLimit > 0 {
		s.app.Use(limiter.New(limiter.Config{
			Max:        o.rateLimit,
			Expiration: o.rateWindow,
			LimitReached: func(c *fiber.Ctx) error {
				return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
					"error": "rate limit exceeded",
				})
			},
		}))
	}

	s.app.Get("/healthz", s.health)

	api := s.app.Group("/api/email")
	api.Get("/inbound", s.inbound)
	api.Get("/replay", s.replay)
	api.Get("/folders", s.folders)

	s.app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not found"})
	})
	return s
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App { return s.app }

// Listen serves on addr until Shutdown.
func (s *Server) Listen(addr string) error {
	s.logger.Info("http server listening", "addr", addr)
	return s.app.Listen(addr)
}

// Shutdown stops accepting connections and waits for active requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) logRequests(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	status := c.Response().StatusCode()
	if err != nil {
		var fe *fiber.Error
		if errors.As(err, &fe) {
			status = fe.Code
		} else {
			status = fiber.StatusInternalServerError
		}
	}
	s.logger.Info("request",
		"method", c.Method(),
		"path", c.Path(),
		"status", status,
		"duration", time.Since(start),
	)
	return err
}

func (s *Server) requestContext(c *fiber.Ctx) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.UserContext(), s.opts.requestTimeout)
}

// inboundResponse is an inbound page plus the partial publish summary.
type inboundResponse struct {
	*mailbridge.InboundPage
	Error string `json:"error,omitempty"`
}

func (s *Server) inbound(c *fiber.Ctx) error {
	pageNumber, pageSize, err := pageParams(c)
	if err != nil {
		return s.fail(c, err)
	}
	ctx, cancel := s.requestContext(c)
	defer cancel()

	page, err := s.svc.ListInboundPage(ctx, pageNumber, pageSize)
	if err != nil {
		if ppe, ok := mailbridge.IsPartialPublish(err); ok && page != nil && !brokerDown(ppe, err) {
			return c.Status(fiber.StatusMultiStatus).JSON(inboundResponse{InboundPage: page, Error: err.Error()})
		}
		return s.fail(c, err)
	}
	return c.JSON(inboundResponse{InboundPage: page})
}

func (s *Server) replay(c *fiber.Ctx) error {
	pageNumber, pageSize, err := pageParams(c)
	if err != nil {
		return s.fail(c, err)
	}
	ctx, cancel := s.requestContext(c)
	defer cancel()

	page, err := s.svc.ListReplayPage(ctx, c.Query("identity"), pageNumber, pageSize)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(page)
}

func (s *Server) folders(c *fiber.Ctx) error {
	ctx, cancel := s.requestContext(c)
	defer cancel()

	folders, err := s.svc.ListFoldersWithDetails(ctx)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(folders)
}

func (s *Server) health(c *fiber.Ctx) error {
	if !s.svc.IsConnected() {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "unavailable"})
	}
	return c.JSON(fiber.Map{
		"status":   "ok",
		"identity": s.svc.Identity(),
		"time":     time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) fail(c *fiber.Ctx, err error) error {
	code := StatusFor(err)
	if code >= fiber.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.Path(), "status", code, "error", err)
	}
	body := fiber.Map{"error": err.Error()}
	if ve, ok := mailbridge.IsValidationError(err); ok {
		body["field"] = ve.Field
	}
	return c.Status(code).JSON(body)
}

// StatusFor maps a service error to an HTTP status code.
func StatusFor(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if ppe, ok := mailbridge.IsPartialPublish(err); ok {
		if brokerDown(ppe, err) {
			return http.StatusServiceUnavailable
		}
		return http.StatusMultiStatus
	}
	switch {
	case errors.Is(err, mailbridge.ErrInvalidPage):
		return http.StatusBadRequest
	case mailbridge.IsAuthError(err):
		return http.StatusBadGateway
	case mailbridge.IsConnectionError(err),
		errors.Is(err, bus.ErrUnavailable),
		errors.Is(err, mailbridge.ErrNotConnected):
		return http.StatusServiceUnavailable
	case errors.Is(err, mailbridge.ErrFolderNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// brokerDown reports a page of which nothing was published because the bus
// was unreachable.
func brokerDown(ppe *mailbridge.PartialPublishError, err error) bool {
	return ppe.AllFailed() && errors.Is(err, bus.ErrUnavailable)
}

// pageParams reads pageNumber and pageSize. Missing values default to the
// first page of mailbridge.DefaultPageSize.
func pageParams(c *fiber.Ctx) (int, int, error) {
	pageNumber, err := intQuery(c, "pageNumber", 1)
	if err != nil {
		return 0, 0, err
	}
	pageSize, err := intQuery(c, "pageSize", mailbridge.DefaultPageSize)
	if err != nil {
		return 0, 0, err
	}
	return pageNumber, pageSize, nil
}

func intQuery(c *fiber.Ctx, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &mailbridge.ValidationError{Field: key, Message: "must be an integer"}
	}
	return n, nil
}
