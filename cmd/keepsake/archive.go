package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/keepsakehq/keepsake/config"
	"github.com/keepsakehq/keepsake/internal/archive"
	"github.com/keepsakehq/keepsake/internal/runtime"
	"github.com/keepsakehq/keepsake/internal/scheduler"
	"github.com/keepsakehq/keepsake/internal/spool"
	"github.com/keepsakehq/keepsake/internal/store"
	"github.com/keepsakehq/keepsake/internal/telemetry"
	"github.com/keepsakehq/keepsake/provider"
)

func archiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Archival lifecycle operations",
	}
	cmd.AddCommand(archiveRunCmd())
	return cmd
}

// archiveRunCmd runs one lifecycle pass in-process, without the HTTP
// gateway. Useful from cron or for backfilling a day by hand.
func archiveRunCmd() *cobra.Command {
	var dayArg string
	run := &cobra.Command{
		Use:   "run",
		Short: "Run one summarize-archive-prune pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)

			day := store.DayOf(time.Now().AddDate(0, 0, -1))
			if dayArg != "" {
				parsed, err := store.ParseDay(dayArg)
				if err != nil {
					return err
				}
				day = parsed
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			st, err := runtime.OpenStore(ctx, cfg)
			if err != nil {
				return err
			}
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
			tele := telemetry.NewTelemetry(cfg.Telemetry)
			defer tele.Shutdown()

			sched := scheduler.New(scheduler.Deps{
				Store:      st,
				Spool:      sp,
				Archive:    arch,
				Summarizer: summarizer,
				Telemetry:  tele,
			}, cfg.Retention, cfg.LLM)

			if err := sched.Trigger(ctx, day); err != nil {
				return err
			}
			fmt.Printf("lifecycle pass for %s completed\n", store.FormatDay(day))
			return nil
		},
	}
	run.Flags().StringVar(&dayArg, "day", "", "day to cover (YYYY-MM-DD, default yesterday)")
	return run
}
