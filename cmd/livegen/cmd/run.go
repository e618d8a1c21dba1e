package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/livegen/internal/config"
	"github.com/jmylchreest/livegen/internal/livegen"
	"github.com/jmylchreest/livegen/internal/metrics"
)

// runWithMetrics runs fn until it returns or the process is interrupted,
// serving the metrics endpoint alongside it when enabled.
func runWithMetrics(parent context.Context, cfg *config.Config, logger *slog.Logger, fn func(ctx context.Context) error) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	if cfg.Metrics.Enabled {
		g.Go(func() error {
			return metrics.Serve(gctx, cfg.Metrics.Address, logger)
		})
	}
	g.Go(func() error {
		defer cancel()
		err := fn(gctx)
		if livegen.IsCancelled(err) {
			logger.Info("stopped")
			return nil
		}
		return err
	})
	return g.Wait()
}
