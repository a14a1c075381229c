//nolint:revive // Package name 'api' is intentionally generic for the HTTP API layer
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/smartstorage/smartstorage/internal/health"
	"github.com/smartstorage/smartstorage/internal/history"
	"github.com/smartstorage/smartstorage/internal/model"
	"github.com/smartstorage/smartstorage/internal/progress"
	"github.com/smartstorage/smartstorage/internal/scheduler"
	"github.com/smartstorage/smartstorage/internal/websocket"
)

// Deps are the services the API exposes. Only Model is required.
type Deps struct {
	Model     *model.Service
	History   *history.Service
	Health    *health.Service
	Progress  *progress.Manager
	Scheduler *scheduler.Scheduler
	Logs      LogsProvider
	LogFile   string
	Hub       *websocket.Hub
}

// Server handles HTTP requests for the SmartStorage API.
type Server struct {
	echo   *echo.Echo
	deps   Deps
	logger zerolog.Logger
}

// NewServer creates a new API server instance.
func NewServer(deps Deps, logger zerolog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:   e,
		deps:   deps,
		logger: logger.With().Str("component", "api").Logger(),
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// setupMiddleware configures Echo middleware.
func (s *Server) setupMiddleware() {
	// Recovery middleware
	s.echo.Use(middleware.Recover())

	// Request ID
	s.echo.Use(middleware.RequestID())

	// CORS
	s.echo.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept},
	}))

	s.echo.Use(noStoreAPI())

	// Request logging
	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogMethod:    true,
		LogError:     true,
		LogRequestID: true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			if v.Error != nil {
				s.logger.Error().
					Str("method", v.Method).
					Str("uri", v.URI).
					Str("requestId", v.RequestID).
					Int("status", v.Status).
					Dur("latency", v.Latency).
					Err(v.Error).
					Msg("request error")
			} else {
				s.logger.Debug().
					Str("method", v.Method).
					Str("uri", v.URI).
					Str("requestId", v.RequestID).
					Int("status", v.Status).
					Dur("latency", v.Latency).
					Msg("request")
			}
			return nil
		},
	}))

	// Gzip compression
	s.echo.Use(middleware.GzipWithConfig(middleware.GzipConfig{
		Level: 5,
		Skipper: func(c echo.Context) bool {
			// Skip compression for WebSocket and log file downloads
			return c.Request().Header.Get("Upgrade") == "websocket" ||
				strings.HasSuffix(c.Path(), "/download")
		},
	}))
}

// noStoreAPI keeps clients from caching API responses; artifact status
// changes underneath them.
func noStoreAPI() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Content-Type-Options", "nosniff")
			if strings.HasPrefix(c.Request().URL.Path, "/api") {
				h.Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
				h.Set("Pragma", "no-cache")
			}
			return next(c)
		}
	}
}

// setupRoutes configures API routes.
func (s *Server) setupRoutes() {
	if s.deps.Health != nil {
		health.NewHandlers(s.deps.Health).RegisterRoutes(s.echo.Group("/health"))
	} else {
		s.echo.GET("/health", func(c echo.Context) error {
			return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
		})
	}

	if s.deps.Hub != nil {
		s.echo.GET("/ws", s.deps.Hub.HandleWebSocket)
	}

	api := s.echo.Group("/api/v1")

	modelGroup := api.Group("/model")
	modelHandlers := model.NewHandlers(s.deps.Model)
	modelHandlers.RegisterRoutes(modelGroup)
	if s.deps.Hub != nil {
		modelHandlers.RegisterRequests(s.deps.Hub)
	}

	if s.deps.History != nil {
		history.NewHandlers(s.deps.History).RegisterRoutes(modelGroup.Group("/history"))
	}

	if s.deps.Progress != nil {
		api.GET("/activities", func(c echo.Context) error {
			return c.JSON(http.StatusOK, s.deps.Progress.GetAllActivities())
		})
	}

	if s.deps.Scheduler != nil {
		scheduler.NewHandlers(s.deps.Scheduler).RegisterRoutes(api.Group("/scheduler"))
	}

	if s.deps.Logs != nil {
		NewLogsHandlers(s.deps.Logs, s.deps.LogFile).RegisterRoutes(api.Group("/logs"))
	}
}

// Start begins serving on address. It returns nil after a graceful
// Shutdown.
func (s *Server) Start(address string) error {
	s.logger.Info().Str("address", address).Msg("starting HTTP server")

	if err := s.echo.Start(address); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down HTTP server")
	return s.echo.Shutdown(ctx)
}

// Echo returns the underlying Echo instance.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}
