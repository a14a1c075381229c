package model

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/smartstorage/smartstorage/internal/artifact"
	"github.com/smartstorage/smartstorage/internal/websocket"
)

// MessageStatus is the websocket request type answered with the artifact
// status.
const MessageStatus = "model:status"

// Handlers provides HTTP handlers for model operations.
type Handlers struct {
	service *Service
}

// NewHandlers creates a new model handlers instance.
func NewHandlers(service *Service) *Handlers {
	return &Handlers{service: service}
}

// RegisterRoutes registers model routes on an Echo group.
func (h *Handlers) RegisterRoutes(g *echo.Group) {
	g.GET("/status", h.GetStatus)
	g.GET("/config", h.GetConfig)
	g.GET("/path", h.GetPath)
	g.GET("/operations", h.ListOperations)
	g.GET("/operations/:id", h.GetOperation)
	g.POST("/assemble", h.Assemble)
	g.POST("/download", h.Download)
	g.POST("/cancel", h.Cancel)
	g.POST("/verify", h.Verify)
	g.POST("/load", h.Load)
	g.POST("/unload", h.Unload)
	g.DELETE("", h.Delete)
}

// RegisterRequests answers websocket status requests.
func (h *Handlers) RegisterRequests(hub *websocket.Hub) {
	hub.Handle(MessageStatus, func(_ context.Context, _ json.RawMessage) (any, error) {
		return h.service.Status(), nil
	})
}

// GetStatus returns the artifact status.
// GET /api/v1/model/status
func (h *Handlers) GetStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, h.service.Status())
}

// GetConfig returns the download configuration.
// GET /api/v1/model/config
func (h *Handlers) GetConfig(c echo.Context) error {
	return c.JSON(http.StatusOK, h.service.Config())
}

// GetPath returns the verified artifact path.
// GET /api/v1/model/path
func (h *Handlers) GetPath(c echo.Context) error {
	path, err := h.service.Path()
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"path": path})
}

// ListOperations returns known operations.
// GET /api/v1/model/operations
func (h *Handlers) ListOperations(c echo.Context) error {
	return c.JSON(http.StatusOK, h.service.Operations())
}

// GetOperation returns one operation. With ?wait=<duration> it blocks until
// the operation finishes or the duration elapses.
// GET /api/v1/model/operations/:id
func (h *Handlers) GetOperation(c echo.Context) error {
	id := c.Param("id")

	if wait := c.QueryParam("wait"); wait != "" {
		d, err := time.ParseDuration(wait)
		if err != nil || d <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid wait duration")
		}
		ctx, cancel := context.WithTimeout(c.Request().Context(), d)
		defer cancel()

		op, err := h.service.Wait(ctx, id)
		if errors.Is(err, ErrOperationNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return c.JSON(http.StatusOK, op)
	}

	op, err := h.service.Operation(id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, op)
}

// Assemble starts assembly from bundled parts.
// POST /api/v1/model/assemble
func (h *Handlers) Assemble(c echo.Context) error {
	op, err := h.service.StartAssemble()
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"operationId": op.ID})
}

// Download starts a download.
// POST /api/v1/model/download
func (h *Handlers) Download(c echo.Context) error {
	op, err := h.service.StartDownload()
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"operationId": op.ID})
}

type cancelRequest struct {
	OperationID string `json:"operationId"`
}

// Cancel cancels an operation, or every download when no id is given.
// POST /api/v1/model/cancel
func (h *Handlers) Cancel(c echo.Context) error {
	var req cancelRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
	}

	if err := h.service.Cancel(req.OperationID); err != nil {
		if errors.Is(err, ErrOperationNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return errorResponse(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Verify re-digests the published artifact.
// POST /api/v1/model/verify
func (h *Handlers) Verify(c echo.Context) error {
	path, err := h.service.Verify(c.Request().Context())
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"path": path, "verified": true})
}

// Load loads the verified artifact into the session.
// POST /api/v1/model/load
func (h *Handlers) Load(c echo.Context) error {
	state, err := h.service.LoadModel()
	if err != nil {
		if errors.Is(err, ErrNotGGUF) {
			return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
		}
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, state)
}

// Unload clears the session.
// POST /api/v1/model/unload
func (h *Handlers) Unload(c echo.Context) error {
	return c.JSON(http.StatusOK, h.service.UnloadModel())
}

// Delete removes the published artifact.
// DELETE /api/v1/model
func (h *Handlers) Delete(c echo.Context) error {
	if err := h.service.Delete(); err != nil {
		return errorResponse(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// ErrorBody is the JSON shape of a failed artifact operation.
type ErrorBody struct {
	Error    string `json:"error"`
	Kind     string `json:"kind,omitempty"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
}

func errorResponse(c echo.Context, err error) error {
	body := ErrorBody{Error: err.Error()}

	var ae *artifact.Error
	if errors.As(err, &ae) {
		body.Kind = string(ae.Kind)
		body.Expected = ae.Expected
		body.Actual = ae.Actual
	}
	return c.JSON(statusForKind(artifact.KindOf(err)), body)
}

func statusForKind(kind artifact.Kind) int {
	switch kind {
	case artifact.KindManifestNotFound, artifact.KindPartNotFound:
		return http.StatusNotFound
	case artifact.KindManifestMalformed, artifact.KindPartSizeMismatch,
		artifact.KindTotalSizeMismatch, artifact.KindChecksumMismatch:
		return http.StatusUnprocessableEntity
	case artifact.KindTransferStartFailed, artifact.KindTransferInterrupted:
		return http.StatusBadGateway
	case artifact.KindInProgress, artifact.KindNotReady:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
