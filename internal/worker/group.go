package worker

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Group runs several pools and stops them together
type Group struct {
	pools  []*Pool
	logger *slog.Logger
}

// NewGroup creates a Group over pools
func NewGroup(logger *slog.Logger, pools ...*Pool) *Group {
	return &Group{pools: pools, logger: logger}
}

// Run starts every pool and blocks until ctx is done and all in-flight
// attempts have finished. If one pool fails to start the others are stopped.
func (g *Group) Run(ctx context.Context) error {
	eg, egCtx := errgroup.WithContext(ctx)
	for _, p := range g.pools {
		eg.Go(func() error {
			return p.Run(egCtx)
		})
	}

	g.logger.Info("Worker pools running", slog.Int("pools", len(g.pools)))
	err := eg.Wait()
	g.logger.Info("Worker pools stopped")
	return err
}
