// File: main.go
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/droidpilot/droidpilot/cmd"
	"github.com/droidpilot/droidpilot/internal/observability"
)

func main() {
	// Listen for interrupt signals so a session aborts between steps instead
	// of dying mid-command.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := cmd.Execute(ctx)
	observability.Sync()
	if err != nil {
		if errors.Is(err, context.Canceled) {
			os.Exit(0)
		}
		os.Exit(1)
	}
}
