package backend

import (
	"context"
	"sort"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/meridianrobotics/slamkit/factor"
	"github.com/meridianrobotics/slamkit/solver"
	"github.com/meridianrobotics/slamkit/spatialmath"
	"github.com/meridianrobotics/slamkit/viz"
)

// AddKeyFrame registers a keyframe proposed by the front end and returns its
// framework id. The first keyframe of a session must be the root; the root's
// pose anchors the global frame and is never re-estimated.
func (b *Backend) AddKeyFrame(ctx context.Context, proposal factor.KeyFrameProposal) (factor.FrameID, error) {
	if proposal.Timestamp.IsZero() {
		return factor.InvalidFrame, errors.New("keyframe proposal without a timestamp")
	}
	var (
		id  factor.FrameID
		err error
	)
	if proposal.IsRoot {
		id, err = b.addRootKeyFrame(ctx, proposal)
	} else {
		id, err = b.addRegularKeyFrame(ctx, proposal)
	}
	if err != nil {
		return factor.InvalidFrame, err
	}
	b.requestDisplayRefresh(ctx)
	return id, nil
}

func (b *Backend) addRootKeyFrame(ctx context.Context, proposal factor.KeyFrameProposal) (factor.FrameID, error) {
	pose := spatialmath.NewZeroPose()
	if proposal.HasPose {
		pose = proposal.Pose
	}

	if err := b.lockKeys(ctx); err != nil {
		return factor.InvalidFrame, err
	}
	if b.rootKF != factor.InvalidFrame {
		b.keysMu.Unlock()
		return factor.InvalidFrame, errors.Wrapf(ErrSecondRoot, "root is keyframe %d", b.rootKF)
	}
	id := factor.FrameID(b.nextFrameID.Inc() - 1)
	tuple, err := b.keys.allocate(id)
	if err != nil {
		b.keysMu.Unlock()
		return factor.InvalidFrame, err
	}
	b.rootKF = id
	b.recordKeyFrameTime(id, proposal.Timestamp)
	b.updateLastCreated(id)
	numKeys := b.keys.numKeys()
	b.keysMu.Unlock()

	if err := b.lockSolver(ctx); err != nil {
		return factor.InvalidFrame, err
	}
	// The root pose is a fixed value: inserted so lookups resolve it, but
	// excluded from estimation.
	b.estimator.Fix(tuple[keyIndexPose])
	if err := b.newValues.Insert(tuple[keyIndexPose], solver.PoseVal{Pose: pose}); err != nil {
		b.solverMu.Unlock()
		return factor.InvalidFrame, err
	}
	if numKeys > 1 {
		if err := b.seedVelocity(tuple[keyIndexVel], solver.Velocity{}); err != nil {
			b.solverMu.Unlock()
			return factor.InvalidFrame, err
		}
	}
	b.kfHasValue[id] = struct{}{}
	b.recordKeyFrameSample(id, proposal.Timestamp)
	b.state.Store(int32(stateAccumulating))
	b.solverMu.Unlock()

	b.setVizNode(ctx, id, pose, spatialmath.Twist{}, false)
	b.logger.Debugw("added root keyframe", "id", id, "time", proposal.Timestamp)
	return id, nil
}

func (b *Backend) addRegularKeyFrame(ctx context.Context, proposal factor.KeyFrameProposal) (factor.FrameID, error) {
	if err := b.lockKeys(ctx); err != nil {
		return factor.InvalidFrame, err
	}
	if b.rootKF == factor.InvalidFrame {
		b.keysMu.Unlock()
		return factor.InvalidFrame, errors.New("first keyframe of a session must be the root")
	}
	id := factor.FrameID(b.nextFrameID.Inc() - 1)
	tuple, err := b.keys.allocate(id)
	if err != nil {
		b.keysMu.Unlock()
		return factor.InvalidFrame, err
	}
	closest, closestTime, haveClosest := b.closestKeyFrameInTime(proposal.Timestamp)
	b.recordKeyFrameTime(id, proposal.Timestamp)
	predecessor := b.lastKF
	b.updateLastCreated(id)
	numKeys := b.keys.numKeys()
	imus := b.takeActiveIMU()
	var closestTuple KeyTuple
	if haveClosest {
		closestTuple, err = b.keys.lookup(closest)
		if err != nil {
			b.keysMu.Unlock()
			return factor.InvalidFrame, err
		}
	}
	var predTuple KeyTuple
	if predecessor != factor.InvalidFrame {
		predTuple, err = b.keys.lookup(predecessor)
		if err != nil {
			b.keysMu.Unlock()
			return factor.InvalidFrame, err
		}
	}
	b.keysMu.Unlock()

	if err := b.lockSolver(ctx); err != nil {
		return factor.InvalidFrame, err
	}
	seed, seedVel := b.seedPose(proposal, closestTuple, haveClosest, closestTime, numKeys)
	if err := b.newValues.Insert(tuple[keyIndexPose], solver.PoseVal{Pose: seed}); err != nil {
		b.solverMu.Unlock()
		return factor.InvalidFrame, err
	}
	if numKeys > 1 {
		if err := b.seedVelocity(tuple[keyIndexVel], seedVel); err != nil {
			b.solverMu.Unlock()
			return factor.InvalidFrame, err
		}
	}
	b.kfHasValue[id] = struct{}{}
	b.recordKeyFrameSample(id, proposal.Timestamp)
	// Finalize inertial accumulators that were waiting for this keyframe.
	b.finalizeIMU(imus, predecessor, predTuple, id, tuple, proposal.Timestamp, numKeys)
	b.state.Store(int32(stateAccumulating))
	b.solverMu.Unlock()

	b.setVizNode(ctx, id, seed, spatialmath.Twist{Linear: r3.Vector(seedVel)}, numKeys > 1)
	b.logger.Debugw("added keyframe", "id", id, "time", proposal.Timestamp, "seed", seed.Point())
	return id, nil
}

// seedPose picks the initial estimate for a new keyframe: the proposal's pose
// hint when present, otherwise the closest-in-time known pose, extrapolated
// under the constant-velocity model when one is available and the gap is
// within the trusted interval. The solver lock must be held.
func (b *Backend) seedPose(
	proposal factor.KeyFrameProposal,
	closestTuple KeyTuple,
	haveClosest bool,
	closestTime time.Time,
	numKeys int,
) (spatialmath.Pose, solver.Velocity) {
	if proposal.HasPose {
		return proposal.Pose, solver.Velocity{}
	}
	if !haveClosest {
		return spatialmath.NewZeroPose(), solver.Velocity{}
	}
	base, err := b.poseAt(closestTuple[keyIndexPose])
	if err != nil {
		b.logger.Debugw("no solved pose for closest keyframe, seeding identity", "error", err)
		return spatialmath.NewZeroPose(), solver.Velocity{}
	}
	dt := proposal.Timestamp.Sub(closestTime)
	if numKeys > 1 && dt > 0 && dt <= b.cfg.maxKFInterval() {
		if vel, err := b.velocityAt(closestTuple[keyIndexVel]); err == nil {
			// Velocities live in the world frame, so extrapolation is a
			// straight translation of the closest pose.
			step := r3.Vector(vel).Mul(dt.Seconds())
			return spatialmath.NewPose(base.Point().Add(step), base.Rotation()), vel
		}
	}
	return base, solver.Velocity{}
}

// seedVelocity inserts a velocity initial value plus a weak prior so the
// variable stays observable before dynamics factors arrive. The solver lock
// must be held.
func (b *Backend) seedVelocity(k solver.Key, vel solver.Velocity) error {
	if err := b.newValues.Insert(k, vel); err != nil {
		return err
	}
	b.enqueueFactor(&solver.PriorVelocity{K: k, Prior: vel, Sigma: b.cfg.ConstVelStdVel}, factor.InvalidFactorID)
	return nil
}

// recordKeyFrameTime maintains the timestamp tables. The keys lock must be
// held.
func (b *Backend) recordKeyFrameTime(id factor.FrameID, t time.Time) {
	b.kfTimes[id] = t
	i := sort.Search(len(b.timeline), func(i int) bool { return b.timeline[i].t.After(t) })
	b.timeline = append(b.timeline, timeEntry{})
	copy(b.timeline[i+1:], b.timeline[i:])
	b.timeline[i] = timeEntry{t: t, id: id}
}

// closestKeyFrameInTime returns the registered keyframe nearest to t. The
// keys lock must be held.
func (b *Backend) closestKeyFrameInTime(t time.Time) (factor.FrameID, time.Time, bool) {
	if len(b.timeline) == 0 {
		return factor.InvalidFrame, time.Time{}, false
	}
	i := sort.Search(len(b.timeline), func(i int) bool { return !b.timeline[i].t.Before(t) })
	if i == len(b.timeline) {
		e := b.timeline[len(b.timeline)-1]
		return e.id, e.t, true
	}
	if i == 0 {
		e := b.timeline[0]
		return e.id, e.t, true
	}
	before, after := b.timeline[i-1], b.timeline[i]
	if t.Sub(before.t) <= after.t.Sub(t) {
		return before.id, before.t, true
	}
	return after.id, after.t, true
}

// updateLastCreated records the most recently created keyframe. The keys
// lock must be held.
func (b *Backend) updateLastCreated(id factor.FrameID) {
	b.lastKF = id
}

// recordKeyFrameSample stores the keyframe in the trajectory record as an
// identity offset from itself, so path reconstruction always follows the
// latest solved estimate. The solver lock must be held.
func (b *Backend) recordKeyFrameSample(id factor.FrameID, t time.Time) {
	b.trajectoryRec[t.UnixNano()] = trajRecord{
		loc: factor.UpdatedLocalization{
			Timestamp: t,
			Reference: id,
			RelPose:   spatialmath.NewZeroPose(),
		},
		isKeyFrame: true,
	}
}

// setVizNode refreshes the render graph's node for a keyframe.
func (b *Backend) setVizNode(ctx context.Context, id factor.FrameID, pose spatialmath.Pose, twist spatialmath.Twist, hasTwist bool) {
	if err := b.lockViz(ctx); err != nil {
		b.logger.Warnw("skipping viz node update", "keyframe", id, "error", err)
		return
	}
	defer b.vizMu.Unlock()
	b.vizmap.SetNode(id, viz.Node{Pose: pose, Twist: twist, HasTwist: hasTwist})
}
