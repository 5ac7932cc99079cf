package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/keepsakehq/keepsake/config"
	"github.com/keepsakehq/keepsake/internal/runtime"
)

// tokenCmd mints scoped JWTs so sensing producers can be handed ingest-only
// credentials instead of a full login.
func tokenCmd() *cobra.Command {
	var (
		subject string
		scopes  []string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a scoped access token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			secret, err := runtime.LoadJWTSecret(cfg)
			if err != nil {
				return err
			}
			for _, scope := range scopes {
				switch scope {
				case runtime.ScopeIngestWrite, runtime.ScopeMemoryRead, runtime.ScopeLifecycleRun:
				default:
					return fmt.Errorf("unknown scope %q (valid: %s)", scope, strings.Join(runtime.DefaultScopes, ", "))
				}
			}
			signed, err := runtime.SignJWT(subject, secret, ttl, scopes...)
			if err != nil {
				return err
			}
			fmt.Println(signed)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject, e.g. the producer device id")
	cmd.Flags().StringSliceVar(&scopes, "scopes", []string{runtime.ScopeIngestWrite}, "scopes to grant")
	cmd.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
