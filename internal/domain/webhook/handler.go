package webhook

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// SignatureHeader carries the hex HMAC of the request body.
const SignatureHeader = "X-Webhook-Signature"

// Handler exposes the webhook ingestion endpoint and the event log.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes binds the ingestion route. The receive endpoint is
// authenticated by signature, not by bearer token, so it belongs on an
// unauthenticated group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/:provider", h.Receive)
}

// RegisterEventRoutes binds the authenticated event log routes.
func (h *Handler) RegisterEventRoutes(g *echo.Group) {
	g.GET("", h.List)
	g.GET("/:id", h.Get)
}

// Receive handles POST /webhooks/:provider.
func (h *Handler) Receive(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
	}
	signature := c.Request().Header.Get(SignatureHeader)

	event, duplicate, err := h.svc.Receive(
		c.Request().Context(), c.Param("provider"), body, signature)
	if err != nil {
		switch {
		case errors.Is(err, ErrUnknownProvider), errors.Is(err, ErrBadSignature):
			return echo.NewHTTPError(http.StatusUnauthorized, "signature verification failed")
		case errors.Is(err, ErrMalformed):
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		case errors.Is(err, ErrUnknownEvent):
			return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}

	resp := map[string]interface{}{
		"event_id":  event.ID,
		"duplicate": duplicate,
	}
	if event.DispatchedJobID != nil {
		resp["job_id"] = event.DispatchedJobID
	}
	return c.JSON(http.StatusOK, resp)
}

// List handles GET /webhook-events.
func (h *Handler) List(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 {
		limit = 20
	}
	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	if offset < 0 {
		offset = 0
	}
	events, err := h.svc.List(c.Request().Context(), c.QueryParam("provider"), limit, offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"data":   events,
		"limit":  limit,
		"offset": offset,
	})
}

// Get handles GET /webhook-events/:id.
func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid event id")
	}
	event, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "event not found")
	}
	return c.JSON(http.StatusOK, event)
}
