package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"speaker-id/internal/app"
	"speaker-id/internal/centroids"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(openStore)
	root.SetOut(os.Stdout)
	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// openStore opens the centroid store described by the environment.
func openStore(ctx context.Context) (*centroids.Store, func() error, error) {
	deps, err := app.BuildStore(ctx)
	if err != nil {
		slog.Default().Error("failed to open centroid store", "err", err)
		return nil, nil, err
	}
	return deps.Store, deps.Close, nil
}
