package backend

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/meridianrobotics/slamkit/factor"
	"github.com/meridianrobotics/slamkit/solver"
)

// AddFactor translates one framework factor into its solver representation
// and files it into the pending batch, returning the framework factor id.
// The factor set is closed; dispatch is an explicit type switch.
//
// A dynamics factor across a time gap larger than the configured maximum is
// accepted but skipped: it returns factor.InvalidFactorID with no error and
// the pending batch is left unchanged.
func (b *Backend) AddFactor(ctx context.Context, f factor.Factor) (factor.FactorID, error) {
	if err := factor.Validate(f); err != nil {
		return factor.InvalidFactorID, multierr.Append(ErrMalformedFactor, err)
	}
	switch v := f.(type) {
	case factor.RelativePose:
		return b.addRelativePose(ctx, v)
	case factor.DynamicsConstVel:
		return b.addDynamics(ctx, v)
	case factor.StereoProjection:
		return b.addStereoProjection(ctx, v)
	case factor.SmartStereoProjection:
		return b.addSmartStereo(ctx, v)
	case factor.IMU:
		return b.addIMU(ctx, v)
	default:
		return factor.InvalidFactorID, errors.Wrapf(ErrMalformedFactor, "unhandled factor variant %T", f)
	}
}

// enqueueFactor appends a translated factor to the pending batch. The solver
// lock must be held.
func (b *Backend) enqueueFactor(f solver.Factor, fid factor.FactorID) {
	b.newFactors = append(b.newFactors, f)
	b.pendingFIDs = append(b.pendingFIDs, fid)
	b.state.Store(int32(stateAccumulating))
}

func (b *Backend) addRelativePose(ctx context.Context, v factor.RelativePose) (factor.FactorID, error) {
	if err := b.lockKeys(ctx); err != nil {
		return factor.InvalidFactorID, err
	}
	fromTuple, err := b.keys.lookup(v.From)
	if err == nil {
		var toTuple KeyTuple
		toTuple, err = b.keys.lookup(v.To)
		if err == nil {
			b.keysMu.Unlock()
			sigmas := v.Sigmas
			if sigmas == (solver.PoseSigmas{}) {
				sigmas = b.defaultRelPoseSigmas()
			}
			fid := factor.FactorID(b.nextFactorID.Inc() - 1)
			if err := b.lockSolver(ctx); err != nil {
				return factor.InvalidFactorID, err
			}
			b.enqueueFactor(&solver.BetweenPose{
				K1:       fromTuple[keyIndexPose],
				K2:       toTuple[keyIndexPose],
				Measured: v.RelPose,
				Sigmas:   sigmas,
			}, fid)
			b.solverMu.Unlock()
			b.addVizEdge(ctx, v.From, v.To)
			return fid, nil
		}
	}
	b.keysMu.Unlock()
	return factor.InvalidFactorID, multierr.Append(ErrMalformedFactor, err)
}

func (b *Backend) defaultRelPoseSigmas() solver.PoseSigmas {
	var s solver.PoseSigmas
	for i := 0; i < 3; i++ {
		s[i] = b.cfg.DefaultRelPoseStdPos
		s[i+3] = b.cfg.DefaultRelPoseStdRot
	}
	return s
}

func (b *Backend) addDynamics(ctx context.Context, v factor.DynamicsConstVel) (factor.FactorID, error) {
	if b.cfg.StateVector != StateVectorPoseVel {
		return factor.InvalidFactorID, errors.Wrap(ErrMalformedFactor, "dynamics factor requires a pose+velocity state vector")
	}
	if err := b.lockKeys(ctx); err != nil {
		return factor.InvalidFactorID, err
	}
	fromTuple, err1 := b.keys.lookup(v.From)
	toTuple, err2 := b.keys.lookup(v.To)
	fromTime, okFrom := b.kfTimes[v.From]
	toTime, okTo := b.kfTimes[v.To]
	b.keysMu.Unlock()
	if err := multierr.Combine(err1, err2); err != nil {
		return factor.InvalidFactorID, multierr.Append(ErrMalformedFactor, err)
	}
	if !okFrom || !okTo {
		return factor.InvalidFactorID, errors.Wrap(ErrMalformedFactor, "dynamics factor endpoints missing timestamps")
	}
	dt := toTime.Sub(fromTime)
	if dt <= 0 {
		return factor.InvalidFactorID, errors.Wrapf(ErrMalformedFactor, "dynamics factor with nonpositive gap %v", dt)
	}
	if dt > b.cfg.maxKFInterval() {
		// The kinematic continuity assumption is not trusted across large
		// gaps; accept the submission but skip the link.
		b.logger.Debugw("skipping dynamics factor across large gap",
			"from", v.From, "to", v.To, "gap", dt, "max", b.cfg.maxKFInterval())
		return factor.InvalidFactorID, nil
	}

	fid := factor.FactorID(b.nextFactorID.Inc() - 1)
	if err := b.lockSolver(ctx); err != nil {
		return factor.InvalidFactorID, err
	}
	b.enqueueFactor(&solver.ConstantVelocity{
		P1:       fromTuple[keyIndexPose],
		V1:       fromTuple[keyIndexVel],
		P2:       toTuple[keyIndexPose],
		V2:       toTuple[keyIndexVel],
		DT:       dt.Seconds(),
		SigmaPos: b.cfg.ConstVelStdPos,
		SigmaVel: b.cfg.ConstVelStdVel,
	}, fid)
	b.solverMu.Unlock()
	b.addVizEdge(ctx, v.From, v.To)
	return fid, nil
}

func (b *Backend) addStereoProjection(ctx context.Context, v factor.StereoProjection) (factor.FactorID, error) {
	if err := b.lockKeys(ctx); err != nil {
		return factor.InvalidFactorID, err
	}
	camera, okCam := b.cameras[v.Camera]
	landmarkKey, okLM := b.landmarks[v.Landmark]
	tuple, err := b.keys.lookup(v.Frame)
	b.keysMu.Unlock()
	if !okCam {
		return factor.InvalidFactorID, errors.Wrapf(ErrMalformedFactor, "unknown stereo camera %d", v.Camera)
	}
	if !okLM {
		return factor.InvalidFactorID, errors.Wrapf(ErrMalformedFactor, "unknown landmark %d", v.Landmark)
	}
	if err != nil {
		return factor.InvalidFactorID, multierr.Append(ErrMalformedFactor, err)
	}

	fid := factor.FactorID(b.nextFactorID.Inc() - 1)
	if err := b.lockSolver(ctx); err != nil {
		return factor.InvalidFactorID, err
	}
	b.enqueueFactor(&solver.StereoProjection{
		PoseKey:     tuple[keyIndexPose],
		LandmarkKey: landmarkKey,
		Camera:      camera,
		Measured:    v.Pixel,
		SigmaPx:     v.SigmaPx,
	}, fid)
	b.solverMu.Unlock()
	return fid, nil
}

// addSmartStereo creates a structureless factor on the first observation of a
// feature and registers its tri-map triple; later observations mutate the
// factor in place and, when it is already committed, mark it changed so the
// next commit re-submits it as an update rather than an insertion.
//
// A view addition mutates a factor the estimator may already hold, so the
// whole operation runs under the solver lock (keys lock nested inside for
// the identifier tables); it lands fully before or fully after any commit.
func (b *Backend) addSmartStereo(ctx context.Context, v factor.SmartStereoProjection) (factor.FactorID, error) {
	if err := b.lockSolver(ctx); err != nil {
		return factor.InvalidFactorID, err
	}
	defer b.solverMu.Unlock()
	if err := b.lockKeys(ctx); err != nil {
		return factor.InvalidFactorID, err
	}
	camera, okCam := b.cameras[v.Camera]
	if !okCam {
		b.keysMu.Unlock()
		return factor.InvalidFactorID, errors.Wrapf(ErrMalformedFactor, "unknown stereo camera %d", v.Camera)
	}
	tuple, err := b.keys.lookup(v.Frame)
	if err != nil {
		b.keysMu.Unlock()
		return factor.InvalidFactorID, multierr.Append(ErrMalformedFactor, err)
	}

	if _, fid, known := b.triMap.Feature(v.Feature); known {
		sf, ok := b.smartFactors[fid]
		b.keysMu.Unlock()
		if !ok {
			return factor.InvalidFactorID, errors.Wrapf(ErrNotFound, "smart factor %d", fid)
		}
		sf.AddView(tuple[keyIndexPose], v.Pixel)
		if idx, committed := b.smartIndex[fid]; committed {
			b.changedSmart[idx] = struct{}{}
			b.state.Store(int32(stateAccumulating))
		}
		return fid, nil
	}

	fid := factor.FactorID(b.nextFactorID.Inc() - 1)
	solverID := SolverID(b.nextSolverID.Inc() - 1)
	if err := b.triMap.Register(v.Feature, solverID, fid); err != nil {
		b.keysMu.Unlock()
		return factor.InvalidFactorID, err
	}
	sf := solver.NewSmartStereo(camera, v.SigmaPx)
	sf.AddView(tuple[keyIndexPose], v.Pixel)
	b.smartFactors[fid] = sf
	b.keysMu.Unlock()

	b.enqueueFactor(sf, fid)
	return fid, nil
}

// OnSmartFactorChanged is the host framework's notification that a smart
// factor was structurally modified outside AddFactor. A committed factor is
// marked for re-submission on the next commit; a still-pending one needs
// nothing, its next insertion already carries the new structure.
func (b *Backend) OnSmartFactorChanged(ctx context.Context, fid factor.FactorID) error {
	if err := b.lockSolver(ctx); err != nil {
		return err
	}
	defer b.solverMu.Unlock()
	if err := b.lockKeys(ctx); err != nil {
		return err
	}
	_, ok := b.smartFactors[fid]
	b.keysMu.Unlock()
	if !ok {
		return errors.Wrapf(ErrNotFound, "smart factor %d", fid)
	}
	idx, committed := b.smartIndex[fid]
	if !committed {
		return nil
	}
	b.changedSmart[idx] = struct{}{}
	b.state.Store(int32(stateAccumulating))
	return nil
}

// addIMU finalizes the preintegration immediately when both endpoint
// keyframes exist; otherwise the accumulator stays active until its terminal
// keyframe is created (or it expires past the trusted gap).
func (b *Backend) addIMU(ctx context.Context, v factor.IMU) (factor.FactorID, error) {
	if b.cfg.StateVector != StateVectorPoseVel {
		return factor.InvalidFactorID, errors.Wrap(ErrMalformedFactor, "imu factor requires a pose+velocity state vector")
	}
	if v.Pre.Finalized() {
		return factor.InvalidFactorID, errors.Wrap(ErrMalformedFactor, "imu preintegrator already finalized")
	}
	if err := b.lockKeys(ctx); err != nil {
		return factor.InvalidFactorID, err
	}
	fromTuple, errFrom := b.keys.lookup(v.From)
	if errFrom != nil {
		b.keysMu.Unlock()
		return factor.InvalidFactorID, multierr.Append(ErrMalformedFactor, errFrom)
	}
	fid := factor.FactorID(b.nextFactorID.Inc() - 1)
	toTuple, errTo := b.keys.lookup(v.To)
	if errTo != nil {
		// Terminal keyframe not created yet: park the accumulator.
		b.activeIMU = append(b.activeIMU, pendingIMU{from: v.From, pre: v.Pre, fid: fid})
		b.keysMu.Unlock()
		return fid, nil
	}
	b.keysMu.Unlock()

	pre, err := b.buildPreintegrated(v.Pre, fromTuple, toTuple)
	if err != nil {
		return factor.InvalidFactorID, multierr.Append(ErrMalformedFactor, err)
	}
	if err := b.lockSolver(ctx); err != nil {
		return factor.InvalidFactorID, err
	}
	b.enqueueFactor(pre, fid)
	b.solverMu.Unlock()
	b.addVizEdge(ctx, v.From, v.To)
	return fid, nil
}

func (b *Backend) buildPreintegrated(pre *factor.Preintegrator, fromTuple, toTuple KeyTuple) (*solver.Preintegrated, error) {
	dp, dv, dr, dt, err := pre.Finalize()
	if err != nil {
		return nil, err
	}
	return &solver.Preintegrated{
		P1:       fromTuple[keyIndexPose],
		V1:       fromTuple[keyIndexVel],
		P2:       toTuple[keyIndexPose],
		V2:       toTuple[keyIndexVel],
		DT:       dt,
		DeltaPos: dp,
		DeltaVel: dv,
		DeltaRot: dr,
		SigmaPos: pre.SigmaPos,
		SigmaVel: pre.SigmaVel,
		SigmaRot: pre.SigmaRot,
	}, nil
}

// takeActiveIMU drains the parked accumulators. The keys lock must be held.
func (b *Backend) takeActiveIMU() []pendingIMU {
	imus := b.activeIMU
	b.activeIMU = nil
	return imus
}

// finalizeIMU turns parked accumulators into preintegration factors against
// the keyframe that just arrived. Accumulators spanning more than the trusted
// gap expire silently, the same policy as the dynamics-model skip. The solver
// lock must be held.
func (b *Backend) finalizeIMU(
	imus []pendingIMU,
	predecessor factor.FrameID,
	predTuple KeyTuple,
	newID factor.FrameID,
	newTuple KeyTuple,
	t time.Time,
	numKeys int,
) {
	for _, imu := range imus {
		if numKeys < 2 {
			b.logger.Debugw("dropping imu accumulator, state vector has no velocity", "factor", imu.fid)
			continue
		}
		if imu.from != predecessor {
			b.logger.Warnw("dropping imu accumulator, not anchored at the previous keyframe",
				"factor", imu.fid, "from", imu.from, "previous", predecessor)
			continue
		}
		if imu.pre.Elapsed() > b.cfg.maxKFInterval() {
			b.logger.Debugw("expiring imu accumulator across large gap",
				"factor", imu.fid, "elapsed", imu.pre.Elapsed(), "max", b.cfg.maxKFInterval())
			continue
		}
		pre, err := b.buildPreintegrated(imu.pre, predTuple, newTuple)
		if err != nil {
			b.logger.Debugw("dropping empty imu accumulator", "factor", imu.fid, "error", err)
			continue
		}
		b.enqueueFactor(pre, imu.fid)
		b.logger.Debugw("finalized imu factor", "factor", imu.fid, "from", imu.from, "to", newID, "at", t)
	}
}
