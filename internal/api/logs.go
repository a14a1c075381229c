//nolint:revive // Package name 'api' is intentionally generic for the HTTP API layer
package api

import (
	"errors"
	"net/http"
	"os"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/smartstorage/smartstorage/internal/logger"
)

// LogsProvider provides access to buffered log entries.
// *logger.LogBroadcaster implements it.
type LogsProvider interface {
	Recent(limit int) []logger.LogEntry
}

// LogsHandlers handles log-related HTTP endpoints.
type LogsHandlers struct {
	provider LogsProvider
	filePath string
}

// NewLogsHandlers creates a new logs handlers instance. filePath is the
// active log file, or "" when logging to the console only.
func NewLogsHandlers(provider LogsProvider, filePath string) *LogsHandlers {
	return &LogsHandlers{provider: provider, filePath: filePath}
}

// RegisterRoutes registers log routes on the given group.
func (h *LogsHandlers) RegisterRoutes(g *echo.Group) {
	g.GET("", h.GetRecentLogs)
	g.GET("/download", h.DownloadLogFile)
}

// GetRecentLogs returns recent log entries from the ring buffer.
// GET /api/v1/logs?limit=N
func (h *LogsHandlers) GetRecentLogs(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	logs := h.provider.Recent(limit)
	if logs == nil {
		logs = []logger.LogEntry{}
	}
	return c.JSON(http.StatusOK, logs)
}

// DownloadLogFile serves the current log file for download.
// GET /api/v1/logs/download
func (h *LogsHandlers) DownloadLogFile(c echo.Context) error {
	logPath := h.filePath
	if logPath == "" {
		return echo.NewHTTPError(http.StatusNotFound, "no log file configured")
	}

	if _, err := os.Stat(logPath); errors.Is(err, os.ErrNotExist) {
		return echo.NewHTTPError(http.StatusNotFound, "log file not found")
	}

	return c.Attachment(logPath, logger.FileName)
}
