package conflict

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// Handler exposes the conflict review API.
type Handler struct {
	svc *Service
}

// NewHandler creates a conflict review handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes binds the review routes to the given Echo group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("", h.List)
	g.GET("/:id", h.Get)
	g.POST("/:id/resolve", h.Resolve)
	g.POST("/:id/archive", h.Archive)
}

// List handles GET /conflicts.
func (h *Handler) List(c echo.Context) error {
	filter := ListFilter{
		EntityID: c.QueryParam("entity_id"),
		Severity: Severity(c.QueryParam("severity")),
	}
	if v := c.QueryParam("resolved"); v != "" {
		b := v == "true"
		filter.Resolved = &b
	}
	if v := c.QueryParam("archived"); v != "" {
		b := v == "true"
		filter.Archived = &b
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 {
		limit = 20
	}
	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	if offset < 0 {
		offset = 0
	}

	conflicts, total, err := h.svc.List(c.Request().Context(), filter, limit, offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"data":     conflicts,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
		"has_more": offset+limit < total,
	})
}

// Get handles GET /conflicts/:id.
func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid conflict id")
	}
	conflict, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "conflict not found")
	}
	return c.JSON(http.StatusOK, conflict)
}

// resolveRequest is the JSON body for manual resolution.
type resolveRequest struct {
	Value      interface{} `json:"value"`
	ResolvedBy string      `json:"resolved_by"`
}

// Resolve handles POST /conflicts/:id/resolve.
func (h *Handler) Resolve(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid conflict id")
	}
	var req resolveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.ResolvedBy == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "resolved_by is required")
	}

	resolved, err := h.svc.Resolve(c.Request().Context(), id, req.Value, req.ResolvedBy)
	if err != nil {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return c.JSON(http.StatusOK, resolved)
}

// Archive handles POST /conflicts/:id/archive.
func (h *Handler) Archive(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid conflict id")
	}
	if err := h.svc.Archive(c.Request().Context(), id); err != nil {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "archived"})
}
