package backend

import (
	"context"

	"github.com/golang/geo/r3"

	"github.com/pkg/errors"

	"github.com/meridianrobotics/slamkit/factor"
	"github.com/meridianrobotics/slamkit/solver"
	"github.com/meridianrobotics/slamkit/spatialmath"
	"github.com/meridianrobotics/slamkit/viz"
)

// SpinOnce commits the pending batch: every queued factor, value, and
// changed-smart-factor marker goes to the estimator in one update, the
// refined values become the committed snapshot, and the batch is cleared.
// The solver lock is held for the whole update, so concurrent submissions
// land fully before or fully after a commit, never mid-update. A failed
// update leaves both the batch and the committed snapshot untouched.
func (b *Backend) SpinOnce(ctx context.Context) error {
	if err := b.lockSolver(ctx); err != nil {
		return err
	}
	if len(b.newFactors) == 0 && b.newValues.Len() == 0 && len(b.changedSmart) == 0 {
		b.solverMu.Unlock()
		return nil
	}

	b.state.Store(int32(stateCommitting))
	start := b.clk.Now()
	indices, err := b.estimator.Update(ctx, b.newFactors, b.newValues, b.changedSmart)
	if err != nil {
		b.state.Store(int32(stateAccumulating))
		pending := len(b.newFactors)
		b.solverMu.Unlock()
		return errors.Wrapf(err, "commit of %d pending factors failed", pending)
	}

	// Remember where each committed smart factor landed so later view
	// additions re-submit it as an update. Recorded before the solver lock
	// drops, so the index is never missing nor stale for a later observation.
	for i, idx := range indices {
		fid := b.pendingFIDs[i]
		if fid == factor.InvalidFactorID {
			continue
		}
		if _, ok := b.newFactors[i].(*solver.SmartStereo); ok {
			b.smartIndex[fid] = idx
		}
	}
	b.lastValues = b.estimator.Calculate()
	b.newFactors = nil
	b.pendingFIDs = nil
	b.newValues = solver.NewValues()
	b.changedSmart = map[solver.FactorIndex]struct{}{}
	b.state.Store(int32(stateIdle))
	elapsed := b.clk.Now().Sub(start)
	solvedCount := b.lastValues.Len()
	nodes := b.solvedVizNodes()
	b.solverMu.Unlock()

	b.applyVizNodes(ctx, nodes)
	b.requestDisplayRefresh(ctx)
	b.logger.Debugw("committed batch", "took", elapsed, "values", solvedCount)
	return nil
}

// solvedVizNodes snapshots the latest solved pose (and velocity, when
// carried) of every keyframe. The solver lock must be held; the keys lock is
// taken inside it, which the documented ordering allows.
func (b *Backend) solvedVizNodes() map[factor.FrameID]viz.Node {
	nodes := map[factor.FrameID]viz.Node{}
	if err := b.keysMu.LockTimeout(b.cfg.lockTimeout()); err != nil {
		b.logger.Warnw("skipping viz refresh", "error", err)
		return nodes
	}
	defer b.keysMu.Unlock()
	for id := range b.kfHasValue {
		tuple, err := b.keys.lookup(id)
		if err != nil {
			continue
		}
		pose, err := b.poseAt(tuple[keyIndexPose])
		if err != nil {
			continue
		}
		node := viz.Node{Pose: pose}
		if b.keys.numKeys() > 1 {
			if vel, err := b.velocityAt(tuple[keyIndexVel]); err == nil {
				node.Twist = spatialmath.Twist{Linear: r3.Vector(vel)}
				node.HasTwist = true
			}
		}
		nodes[id] = node
	}
	return nodes
}

// applyVizNodes writes solved nodes into the render graph under the viz lock,
// never nested inside the solver lock.
func (b *Backend) applyVizNodes(ctx context.Context, nodes map[factor.FrameID]viz.Node) {
	if len(nodes) == 0 {
		return
	}
	if err := b.lockViz(ctx); err != nil {
		b.logger.Warnw("skipping viz node refresh", "error", err)
		return
	}
	defer b.vizMu.Unlock()
	for id, n := range nodes {
		b.vizmap.SetNode(id, n)
	}
}

// PendingFactors reports how many factors await the next commit.
func (b *Backend) PendingFactors(ctx context.Context) (int, error) {
	if err := b.lockSolver(ctx); err != nil {
		return 0, err
	}
	defer b.solverMu.Unlock()
	return len(b.newFactors), nil
}

// CommittedFactor returns a factor already held by the estimator.
func (b *Backend) CommittedFactor(ctx context.Context, idx solver.FactorIndex) (solver.Factor, error) {
	if err := b.lockSolver(ctx); err != nil {
		return nil, err
	}
	defer b.solverMu.Unlock()
	return b.estimator.FactorAt(idx)
}

// CommittedFactorCount reports how many factors the estimator holds.
func (b *Backend) CommittedFactorCount(ctx context.Context) (int, error) {
	if err := b.lockSolver(ctx); err != nil {
		return 0, err
	}
	defer b.solverMu.Unlock()
	return b.estimator.NumFactors(), nil
}
