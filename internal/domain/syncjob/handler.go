package syncjob

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/sync/internal/platform/alerting"
)

// Handler exposes the job submission and monitoring API.
type Handler struct {
	svc    *Service
	alerts *alerting.Alerter
}

// NewHandler creates a sync job handler.
func NewHandler(svc *Service, alerts *alerting.Alerter) *Handler {
	return &Handler{svc: svc, alerts: alerts}
}

// RegisterRoutes binds the job routes to the given Echo group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("", h.Submit)
	g.GET("", h.List)
	g.GET("/:id", h.Get)
	g.POST("/:id/cancel", h.Cancel)
	g.POST("/:id/retry", h.Retry)
}

// RegisterOpsRoutes binds the operational endpoints.
func (h *Handler) RegisterOpsRoutes(g *echo.Group) {
	g.GET("/stats", h.Stats)
	g.GET("/alerts", h.Alerts)
	g.GET("/connections", h.Connections)
}

// Submit handles POST /jobs.
func (h *Handler) Submit(c echo.Context) error {
	var spec Spec
	if err := c.Bind(&spec); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	job, err := h.svc.Submit(c.Request().Context(), spec)
	if err != nil {
		switch {
		case errors.Is(err, ErrUnknownConnection):
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		case errors.Is(err, ErrInactiveConnection), errors.Is(err, ErrInvalidSpec):
			return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}
	return c.JSON(http.StatusAccepted, job)
}

// List handles GET /jobs.
func (h *Handler) List(c echo.Context) error {
	filter := ListFilter{
		Status:       Status(c.QueryParam("status")),
		Provider:     c.QueryParam("provider"),
		ConnectionID: c.QueryParam("connection_id"),
		EntityType:   c.QueryParam("entity_type"),
	}
	filter.Limit, _ = strconv.Atoi(c.QueryParam("limit"))
	if filter.Limit <= 0 {
		filter.Limit = 20
	}
	filter.Offset, _ = strconv.Atoi(c.QueryParam("offset"))
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	jobs, err := h.svc.List(c.Request().Context(), filter)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"data":   jobs,
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

// Get handles GET /jobs/:id.
func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid job id")
	}
	job, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "job not found")
	}
	return c.JSON(http.StatusOK, job)
}

// Cancel handles POST /jobs/:id/cancel.
func (h *Handler) Cancel(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid job id")
	}
	job, err := h.svc.Cancel(c.Request().Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, ErrJobNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "job not found")
		case errors.Is(err, ErrNotCancellable), errors.Is(err, ErrTerminalState):
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}
	return c.JSON(http.StatusOK, job)
}

// Retry handles POST /jobs/:id/retry. The retried job is a new
// submission; the original stays in its terminal state.
func (h *Handler) Retry(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid job id")
	}
	job, err := h.svc.Retry(c.Request().Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, ErrJobNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "job not found")
		case errors.Is(err, ErrInvalidSpec):
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}
	return c.JSON(http.StatusAccepted, job)
}

// Stats handles GET /stats.
func (h *Handler) Stats(c echo.Context) error {
	stats, err := h.svc.Stats(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, stats)
}

// Alerts handles GET /alerts.
func (h *Handler) Alerts(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 {
		limit = 50
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"data": h.alerts.Recent(limit),
	})
}

// Connections handles GET /connections.
func (h *Handler) Connections(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"data": h.svc.conns.List(),
	})
}
