package server

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/keepsakehq/keepsake/internal/runtime"
	"github.com/keepsakehq/keepsake/internal/store"
)

// lifecycleRunner is the scheduler surface behind manual runs and status.
type lifecycleRunner interface {
	Trigger(ctx context.Context, day time.Time) error
	Running() bool
	LastRun() time.Time
}

// lifecycleStore reports engine counters and job rows needing attention.
type lifecycleStore interface {
	Stats(ctx context.Context) (store.HealthStats, error)
	ListLifecycleJobsByStatus(ctx context.Context, statuses ...string) ([]store.LifecycleJobRecord, error)
}

// spoolInfo reports local volume pressure.
type spoolInfo interface {
	TotalBytes() (int64, error)
	Utilization(capacityBytes int64) (float64, error)
}

// LifecycleHandler exposes manual archival runs and the engine status view.
type LifecycleHandler struct {
	Runner        lifecycleRunner
	Store         lifecycleStore
	Spool         spoolInfo
	CapacityBytes int64
}

func (h *LifecycleHandler) Register(g *echo.Group, secret []byte) {
	g.Use(runtime.EchoAuthMiddleware(secret))
	g.POST("/archive/run", h.run, runtime.RequireScopes(runtime.ScopeLifecycleRun))
	g.GET("/status", h.status, runtime.RequireScopes(runtime.ScopeMemoryRead))
}

// run triggers one synchronous lifecycle pass. A pass already in flight
// surfaces as 409 through the consistency mapping.
func (h *LifecycleHandler) run(c echo.Context) error {
	var req LifecycleRunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	day := store.DayOf(time.Now().AddDate(0, 0, -1))
	if req.Day != "" {
		parsed, err := store.ParseDay(req.Day)
		if err != nil {
			return httpError(err)
		}
		day = parsed
	}
	if err := h.Runner.Trigger(c.Request().Context(), day); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, LifecycleRunResponse{Day: store.FormatDay(day), Status: "completed"})
}

func (h *LifecycleHandler) status(c echo.Context) error {
	ctx := c.Request().Context()
	stats, err := h.Store.Stats(ctx)
	if err != nil {
		return httpError(err)
	}
	jobs, err := h.Store.ListLifecycleJobsByStatus(ctx, store.JobStatusPending, store.JobStatusRunning, store.JobStatusFailed)
	if err != nil {
		return httpError(err)
	}
	resp := LifecycleStatusResponse{
		Running: h.Runner.Running(),
		Store:   stats,
		Jobs:    toJobPayloads(jobs),
	}
	if last := h.Runner.LastRun(); !last.IsZero() {
		resp.LastRunAt = &last
	}
	if total, err := h.Spool.TotalBytes(); err == nil {
		resp.SpoolBytes = total
	} else {
		log.Printf("spool size for status: %v", err)
	}
	if h.CapacityBytes > 0 {
		if util, err := h.Spool.Utilization(h.CapacityBytes); err == nil {
			resp.SpoolUtilization = util
		}
	}
	return c.JSON(http.StatusOK, resp)
}
