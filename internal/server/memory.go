package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/keepsakehq/keepsake/internal/compose"
	"github.com/keepsakehq/keepsake/internal/runtime"
	"github.com/keepsakehq/keepsake/internal/store"
)

const defaultSummaryLimit = 30

// composerAPI assembles context bundles for agent queries.
type composerAPI interface {
	Compose(ctx context.Context, query string, tier compose.Tier) (compose.Bundle, error)
}

// memoryStore is the Tier-1 read surface behind the facts and summaries
// endpoints.
type memoryStore interface {
	ListFacts(ctx context.Context) ([]store.FactRecord, error)
	ListRecentSummaries(ctx context.Context, limit int) ([]store.SummaryRecord, error)
}

// MemoryHandler serves composed context bundles and raw belief state.
type MemoryHandler struct {
	Composer composerAPI
	Store    memoryStore
}

func (h *MemoryHandler) Register(g *echo.Group, secret []byte) {
	auth := runtime.EchoAuthMiddleware(secret)
	read := runtime.RequireScopes(runtime.ScopeMemoryRead)
	g.POST("/compose", h.compose, auth, read)
	g.GET("/facts", h.facts, auth, read)
	g.GET("/summaries", h.summaries, auth, read)
}

func (h *MemoryHandler) compose(c echo.Context) error {
	var req ComposeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Query) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query required")
	}
	tier, err := compose.ParseTier(req.Tier)
	if err != nil {
		return httpError(err)
	}
	bundle, err := h.Composer.Compose(c.Request().Context(), req.Query, tier)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, bundle)
}

func (h *MemoryHandler) facts(c echo.Context) error {
	items, err := h.Store.ListFacts(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, toFactPayloads(items))
}

func (h *MemoryHandler) summaries(c echo.Context) error {
	limit := defaultSummaryLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}
	items, err := h.Store.ListRecentSummaries(c.Request().Context(), limit)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, toSummaryPayloads(items))
}
