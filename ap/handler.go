package ap

import (
	"context"
	"io"
	"net/http"
	"slices"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"

	"github.com/hotaru-social/nostr-ap-bridge/types"
	"github.com/hotaru-social/nostr-ap-bridge/world"
)

var tracer = otel.Tracer("activitypub")

// inboxBodyLimit caps a delivered activity at 1MiB.
const inboxBodyLimit = 1 << 20

type Handler struct {
	service *Service
}

func NewHandler(service *Service) Handler {
	return Handler{service}
}

func (h Handler) WebFinger(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "WebFinger")
	defer span.End()

	resource := c.QueryParam("resource")
	result, err := h.service.WebFinger(ctx, resource)
	if err != nil {
		span.RecordError(err)
		return c.String(http.StatusNotFound, "resource not found")
	}

	c.Response().Header().Set("Content-Type", world.JRDJSONType)
	return c.JSON(http.StatusOK, result)
}

func (h Handler) HostMeta(c echo.Context) error {
	_, span := tracer.Start(c.Request().Context(), "HostMeta")
	defer span.End()

	xml := `<?xml version="1.0" encoding="UTF-8"?>
<XRD xmlns="http://docs.oasis-open.org/ns/xri/xrd-1.0">
  <Link rel="lrdd" template="https://` + h.service.config.FQDN + `/.well-known/webfinger?resource={uri}"/>
</XRD>`

	c.Response().Header().Set("Content-Type", "application/xrd+xml")
	return c.String(http.StatusOK, xml)
}

// NodeInfo handles nodeinfo requests
func (h Handler) NodeInfo(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "NodeInfo")
	defer span.End()

	result, err := h.service.NodeInfo(ctx)
	if err != nil {
		span.RecordError(err)
		return c.String(http.StatusInternalServerError, "Internal server error: "+err.Error())
	}

	c.Response().Header().Set("Content-Type", "application/json")
	return c.JSON(http.StatusOK, result)
}

func (h Handler) NodeInfoWellKnown(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "NodeInfoWellKnown")
	defer span.End()

	result, err := h.service.NodeInfoWellKnown(ctx)
	if err != nil {
		span.RecordError(err)
		return c.String(http.StatusInternalServerError, "Internal server error: "+err.Error())
	}

	c.Response().Header().Set("Content-Type", "application/json")
	return c.JSON(http.StatusOK, result)
}

// --

func (h Handler) User(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "User")
	defer span.End()

	id := c.Param("id")
	if id == "" {
		return c.String(http.StatusBadRequest, "Invalid username")
	}

	if !acceptsActivityJSON(c) {
		// browsers get the nostr web view instead
		return c.Redirect(http.StatusFound, "https://njump.me/"+id)
	}

	result, err := h.service.User(ctx, id)
	if err != nil {
		span.RecordError(err)
		return c.String(http.StatusNotFound, "entity not found")
	}

	c.Response().Header().Set("Content-Type", world.ActivityJSONType)
	return c.JSON(http.StatusOK, result)
}

func (h Handler) Note(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Note")
	defer span.End()

	id := c.Param("id")
	if id == "" {
		return c.String(http.StatusBadRequest, "Invalid noteID")
	}

	if !acceptsActivityJSON(c) {
		return c.Redirect(http.StatusFound, "https://njump.me/"+id)
	}

	result, err := h.service.Note(ctx, id)
	if err != nil {
		span.RecordError(err)
		return c.String(http.StatusNotFound, "note not found")
	}

	c.Response().Header().Set("Content-Type", world.ActivityJSONType)
	return c.JSON(http.StatusOK, result)
}

func (h Handler) Outbox(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Outbox")
	defer span.End()

	id := c.Param("id")
	if id == "" {
		return c.String(http.StatusBadRequest, "Invalid username")
	}

	result, err := h.service.Outbox(ctx, id)
	if err != nil {
		span.RecordError(err)
		return c.String(http.StatusNotFound, "entity not found")
	}

	c.Response().Header().Set("Content-Type", world.ActivityJSONType)
	return c.JSON(http.StatusOK, result)
}

// Inbox accepts deliveries addressed to a single bridged actor. The
// body is read raw because signature verification covers the original
// bytes and headers, not a rebound struct.
func (h Handler) Inbox(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "HandlerAPInbox")
	defer span.End()

	return h.inbox(ctx, c, c.Param("id"))
}

// SharedInbox accepts deliveries addressed to the instance.
func (h Handler) SharedInbox(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "HandlerAPSharedInbox")
	defer span.End()

	return h.inbox(ctx, c, "")
}

func (h Handler) inbox(ctx context.Context, c echo.Context, recipient string) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, inboxBodyLimit))
	if err != nil {
		return c.String(http.StatusBadRequest, "Invalid request body")
	}

	err = h.service.Inbox(ctx, c.Request(), body, recipient)
	if errors.Is(err, types.ErrSignatureInvalid) {
		return c.String(http.StatusUnauthorized, "signature verification failed")
	}
	if err != nil {
		return c.String(http.StatusInternalServerError, "Internal server error: "+err.Error())
	}

	return c.String(http.StatusAccepted, "accepted")
}

func acceptsActivityJSON(c echo.Context) bool {
	accept := strings.Split(c.Request().Header.Get("Accept"), ",")
	for i := range accept {
		accept[i] = strings.TrimSpace(strings.SplitN(accept[i], ";", 2)[0])
	}
	return slices.Contains(accept, "application/activity+json") ||
		slices.Contains(accept, "application/ld+json")
}
