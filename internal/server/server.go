package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/keepsakehq/keepsake/config"
	"github.com/keepsakehq/keepsake/internal/archive"
	"github.com/keepsakehq/keepsake/internal/compose"
	"github.com/keepsakehq/keepsake/internal/extract"
	"github.com/keepsakehq/keepsake/internal/guardian"
	"github.com/keepsakehq/keepsake/internal/ingest"
	"github.com/keepsakehq/keepsake/internal/notify"
	"github.com/keepsakehq/keepsake/internal/queue/streams"
	"github.com/keepsakehq/keepsake/internal/runtime"
	"github.com/keepsakehq/keepsake/internal/scheduler"
	"github.com/keepsakehq/keepsake/internal/spool"
	"github.com/keepsakehq/keepsake/internal/telemetry"
	"github.com/keepsakehq/keepsake/provider"
)

// lifecycleStream carries day-archived events for downstream consumers.
const lifecycleStream = "lifecycle"

// Run wires the whole engine behind one HTTP gateway and serves until ctx
// is cancelled: store, spool, archive backend, summarizer, ingest gateway,
// composer, archival scheduler and spool guardian.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := log.New(log.Writer(), "[SERVER] ", log.LstdFlags)

	secret, err := runtime.LoadJWTSecret(cfg)
	if err != nil {
		return err
	}

	if err := Migrate("file://migrations", cfg.Storage.Postgres.DSN(), "up", 0); err != nil {
		logger.Printf("warn: migrate: %v", err)
	}

	st, reg, err := runtime.InitSchemaRegistry(ctx, cfg)
	if err != nil {
		return err
	}

	otelShutdown, _, promRegistry, err := runtime.SetupTelemetry(ctx, cfg.Telemetry, runtime.TelemetryOptions{
		ServiceName:    "keepsake",
		ServiceVersion: "0.1.0",
	})
	if err != nil {
		return err
	}
	tele := telemetry.NewTelemetry(cfg.Telemetry)

	sp, err := spool.New(cfg.Storage.Spool.Dir)
	if err != nil {
		return err
	}
	arch, err := archive.NewStore(ctx, cfg.Archive)
	if err != nil {
		return err
	}
	summarizer, err := provider.NewSummarizer(provider.Client(cfg.LLM.Client), cfg.LLM)
	if err != nil {
		return err
	}

	// Redis only comes up when a component actually publishes through it.
	var rdb *redis.Client
	if cfg.Ingest.Dispatch == "stream" || cfg.Notify.Mode == "redis" {
		rdb, err = runtime.OpenRedis(ctx, cfg)
		if err != nil {
			return err
		}
	}

	var (
		dispatcher ingest.Dispatcher
		pub        *streams.Publisher
	)
	if cfg.Ingest.Dispatch == "stream" {
		pub = streams.NewPublisher(rdb, reg)
		dispatcher = ingest.NewStreamDispatcher(pub, cfg.Ingest.Stream)
	} else {
		direct := ingest.NewDirectDispatcher(extract.New(st), cfg.Ingest.Workers)
		defer direct.Wait()
		dispatcher = direct
	}
	ing := ingest.New(st, dispatcher)
	composer := compose.New(st, arch, cfg.Compose)

	notifier, err := notify.New(cfg.Notify, rdb)
	if err != nil {
		return err
	}

	sched := scheduler.New(scheduler.Deps{
		Store:      st,
		Spool:      sp,
		Archive:    arch,
		Summarizer: summarizer,
		Redis:      rdb,
		Publisher:  pub,
		Stream:     lifecycleStream,
		Telemetry:  tele,
	}, cfg.Retention, cfg.LLM)
	guard := guardian.New(guardian.Deps{
		Store:     st,
		Spool:     sp,
		Archive:   arch,
		Notifier:  notifier,
		Telemetry: tele,
	}, cfg.Storage.Spool, cfg.Retention)

	go sched.Start(ctx)
	go guard.Start(ctx)

	e := newEcho(promRegistry)

	api := e.Group("/api")
	NewAuthHandler(st, secret).Register(api.Group("/auth"))
	(&ObservationsHandler{Ingest: ing, Store: st}).Register(api.Group("/observations"), secret)
	(&MemoryHandler{Composer: composer, Store: st}).Register(api, secret)
	(&LifecycleHandler{
		Runner:        sched,
		Store:         st,
		Spool:         sp,
		CapacityBytes: cfg.Storage.Spool.CapacityBytes,
	}).Register(api.Group("/lifecycle"), secret)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			logger.Printf("warn: http shutdown: %v", err)
		}
		if err := otelShutdown.Shutdown(shutdownCtx); err != nil {
			logger.Printf("warn: telemetry shutdown: %v", err)
		}
		tele.Shutdown()
	}()

	addr := cfg.Server.Address
	if addr == "" {
		addr = ":8080"
	}
	logger.Printf("listening on %s", addr)
	if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// newEcho builds the echo instance with recovery, CORS, the JSON error
// envelope and the unauthenticated health and metrics endpoints.
func newEcho(metrics *prometheus.Registry) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	httpLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		httpLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, HTTPError{Error: msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie", "Authorization"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(metrics, promhttp.HandlerOpts{})))
	return e
}
