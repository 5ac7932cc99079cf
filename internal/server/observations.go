package server

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/keepsakehq/keepsake/internal/ingest"
	"github.com/keepsakehq/keepsake/internal/runtime"
	"github.com/keepsakehq/keepsake/internal/store"
)

// ingestAPI is the gateway surface observation submissions pass through.
type ingestAPI interface {
	Submit(ctx context.Context, draft ingest.Draft) (string, error)
}

// observationStore reads persisted observations back for producers that
// want to verify their writes.
type observationStore interface {
	GetObservation(ctx context.Context, id string) (store.ObservationRecord, bool, error)
}

// ObservationsHandler accepts sensing records and serves per-id lookups.
type ObservationsHandler struct {
	Ingest ingestAPI
	Store  observationStore
}

func (h *ObservationsHandler) Register(g *echo.Group, secret []byte) {
	g.Use(runtime.EchoAuthMiddleware(secret))
	g.POST("", h.submit, runtime.RequireScopes(runtime.ScopeIngestWrite))
	g.GET("/:id", h.get, runtime.RequireScopes(runtime.ScopeMemoryRead))
}

// submit persists the draft and dispatches extraction. The 202 reflects
// that extraction is asynchronous; the row itself is durable on return.
func (h *ObservationsHandler) submit(c echo.Context) error {
	var draft ingest.Draft
	if err := c.Bind(&draft); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	id, err := h.Ingest.Submit(c.Request().Context(), draft)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusAccepted, IDResponse{ID: id})
}

func (h *ObservationsHandler) get(c echo.Context) error {
	rec, ok, err := h.Store.GetObservation(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "observation not found")
	}
	return c.JSON(http.StatusOK, toObservationPayload(rec))
}
