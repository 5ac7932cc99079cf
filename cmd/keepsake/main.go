package main

import (
	"os"

	"github.com/spf13/cobra"
)

var cfgPath string

func main() {
	root := &cobra.Command{
		Use:   "keepsake",
		Short: "Tiered memory and storage lifecycle engine",
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is ./config)")

	root.AddCommand(serveCmd(), workerCmd(), migrateCmd(), archiveCmd(), composeCmd(), tokenCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
