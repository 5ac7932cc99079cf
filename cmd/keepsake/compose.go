package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/keepsakehq/keepsake/config"
	"github.com/keepsakehq/keepsake/internal/archive"
	"github.com/keepsakehq/keepsake/internal/compose"
	"github.com/keepsakehq/keepsake/internal/runtime"
)

func composeCmd() *cobra.Command {
	var tierArg string
	cmd := &cobra.Command{
		Use:   "compose [query...]",
		Short: "Assemble a context bundle for a query",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)

			tier, err := compose.ParseTier(tierArg)
			if err != nil {
				return err
			}

			ctx := context.Background()
			st, err := runtime.OpenStore(ctx, cfg)
			if err != nil {
				return err
			}
			arch, err := archive.NewStore(ctx, cfg.Archive)
			if err != nil {
				return err
			}

			composer := compose.New(st, arch, cfg.Compose)
			bundle, err := composer.Compose(ctx, strings.Join(args, " "), tier)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(bundle); err != nil {
				return err
			}
			if bundle.Degraded {
				fmt.Fprintln(os.Stderr, "note: remote archive search degraded, bundle is local-only")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&tierArg, "tier", "medium", "context tier: simple, medium, complex or ultra")
	return cmd
}
