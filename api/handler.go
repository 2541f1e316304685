package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"

	"github.com/hotaru-social/nostr-ap-bridge/types"
)

var tracer = otel.Tracer("api")

type Handler struct {
	service *Service
}

func NewHandler(service *Service) Handler {
	return Handler{
		service,
	}
}

func (h Handler) Stats(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Stats")
	defer span.End()

	stats, err := h.service.Stats(ctx)
	if err != nil {
		span.RecordError(err)
		return c.String(http.StatusInternalServerError, "Internal server error: "+err.Error())
	}

	return c.JSON(http.StatusOK, echo.Map{"status": "ok", "content": stats})
}

// Resolve looks up a remote fediverse handle ("user@example.com" or an
// actor URL) and reports the nostr identity derived for it.
func (h Handler) Resolve(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Resolve")
	defer span.End()

	handle := c.QueryParam("handle")
	if handle == "" {
		return c.String(http.StatusBadRequest, "Invalid handle")
	}

	resolved, err := h.service.Resolve(ctx, handle)
	if err != nil {
		span.RecordError(err)
		return c.String(http.StatusNotFound, "entity not found")
	}

	return c.JSON(http.StatusOK, echo.Map{"status": "ok", "content": resolved})
}

func (h Handler) Actor(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Actor")
	defer span.End()

	id := c.Param("id")
	if id == "" {
		return c.String(http.StatusBadRequest, "Invalid username")
	}

	actor, err := h.service.Actor(ctx, id)
	if errors.Is(err, types.ErrNotFound) {
		return c.String(http.StatusNotFound, "entity not found")
	}
	if err != nil {
		span.RecordError(err)
		return c.String(http.StatusInternalServerError, "Internal server error: "+err.Error())
	}

	return c.JSON(http.StatusOK, echo.Map{"status": "ok", "content": actor})
}

func (h Handler) Followers(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Followers")
	defer span.End()

	id := c.Param("id")
	if id == "" {
		return c.String(http.StatusBadRequest, "Invalid username")
	}

	followers, err := h.service.Followers(ctx, id)
	if err != nil {
		span.RecordError(err)
		return c.String(http.StatusInternalServerError, "Internal server error: "+err.Error())
	}

	return c.JSON(http.StatusOK, echo.Map{"status": "ok", "content": followers})
}
