package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/keepsakehq/keepsake/config"
	"github.com/keepsakehq/keepsake/internal/extract"
	"github.com/keepsakehq/keepsake/internal/queue/streams"
	"github.com/keepsakehq/keepsake/internal/runtime"
	"github.com/keepsakehq/keepsake/internal/worker"
)

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume the observation stream and extract facts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			if cfg.Ingest.Dispatch != "stream" {
				return fmt.Errorf("ingest.dispatch is %q; the worker only serves stream dispatch", cfg.Ingest.Dispatch)
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			st, registry, err := runtime.InitSchemaRegistry(ctx, cfg)
			if err != nil {
				return fmt.Errorf("worker registry init: %w", err)
			}
			rdb, err := runtime.OpenRedis(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = rdb.Close() }()

			telemetry, meter, _, err := runtime.SetupTelemetry(ctx, cfg.Telemetry, runtime.TelemetryOptions{
				ServiceName:    "keepsake-worker",
				ServiceVersion: "0.1.0",
			})
			if err != nil {
				return err
			}
			defer func() { _ = telemetry.Shutdown(context.Background()) }()

			if err := streams.EnsureGroup(ctx, rdb, cfg.Ingest.Stream, cfg.Ingest.Group); err != nil {
				return fmt.Errorf("worker ensure group: %w", err)
			}

			consumerName := fmt.Sprintf("extractor-%s", uuid.NewString()[:8])
			consumer := streams.NewConsumer(rdb, registry, cfg.Ingest.Group, consumerName)

			logger := log.New(os.Stdout, "[WORKER] ", log.LstdFlags)
			processor := worker.NewProcessor(logger, st, consumer, extract.New(st), cfg.Ingest.Stream, meter)
			return processor.Start(ctx)
		},
	}
}
