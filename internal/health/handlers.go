package health

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Handlers provides HTTP handlers for health endpoints.
type Handlers struct {
	health *Service
}

// NewHandlers creates new health handlers.
func NewHandlers(health *Service) *Handlers {
	return &Handlers{health: health}
}

// RegisterRoutes registers health routes on an Echo group.
func (h *Handlers) RegisterRoutes(g *echo.Group) {
	g.GET("", h.GetHealth)
}

// GetHealth returns the health report. Any error item turns the response
// into 503.
// GET /health
func (h *Handlers) GetHealth(c echo.Context) error {
	report := h.health.Check(c.Request().Context())
	code := http.StatusOK
	if report.Status == StatusError {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, report)
}
