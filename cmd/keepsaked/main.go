package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/keepsakehq/keepsake/config"
	"github.com/keepsakehq/keepsake/internal/server"
)

// keepsaked is the container entrypoint: config path from the environment,
// everything in one process.
func main() {
	cfg := config.LoadConfig(os.Getenv("KEEPSAKE_CONFIG"))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := server.Run(ctx, cfg); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
