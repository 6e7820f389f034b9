package backend

import (
	"context"

	"github.com/meridianrobotics/slamkit/factor"
	"github.com/meridianrobotics/slamkit/viz"
)

// addVizEdge records factor adjacency in the render graph.
func (b *Backend) addVizEdge(ctx context.Context, from, to factor.FrameID) {
	if err := b.lockViz(ctx); err != nil {
		b.logger.Warnw("skipping viz edge update", "from", from, "to", to, "error", err)
		return
	}
	defer b.vizMu.Unlock()
	b.vizmap.AddEdge(from, to)
}

// MapSnapshot returns a deep copy of the render pose graph.
func (b *Backend) MapSnapshot(ctx context.Context) (*viz.PoseGraph, error) {
	if err := b.lockViz(ctx); err != nil {
		return nil, err
	}
	defer b.vizMu.Unlock()
	return b.vizmap.Clone(), nil
}

// requestDisplayRefresh snapshots the render graph and hands it to the
// renderer on the background worker. Best effort: an overloaded worker drops
// the older snapshot, and a missing renderer makes this a no-op.
func (b *Backend) requestDisplayRefresh(ctx context.Context) {
	if b.renderer == nil {
		return
	}
	snap, err := b.MapSnapshot(ctx)
	if err != nil {
		b.logger.Warnw("skipping display refresh", "error", err)
		return
	}
	di := viz.Snapshot{Taken: b.clk.Now(), Graph: snap}
	if err := b.refresher.Submit(func() {
		b.renderer.Render(context.Background(), di)
	}); err != nil {
		b.logger.Debugw("display refresher rejected snapshot", "error", err)
	}
}
