package backend

import (
	"context"
	"sort"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/meridianrobotics/slamkit/factor"
	"github.com/meridianrobotics/slamkit/spatialmath"
	"github.com/meridianrobotics/slamkit/trajectory"
)

// AdvertiseUpdatedLocalization records a localization sample expressed
// relative to a reference keyframe. The latest sample is always kept for
// queries; intermediate (non-keyframe) samples enter the trajectory record
// only when trajectory saving is configured.
func (b *Backend) AdvertiseUpdatedLocalization(ctx context.Context, loc factor.UpdatedLocalization) error {
	if loc.Timestamp.IsZero() {
		return errors.New("localization update without a timestamp")
	}
	if _, err := b.lookupKeys(ctx, loc.Reference); err != nil {
		return err
	}

	if err := b.lockBounded(ctx, b.latestLocMu); err != nil {
		return err
	}
	b.latestLoc = loc
	b.haveLatestLoc = true
	b.latestLocMu.Unlock()

	if b.cfg.SaveTrajectoryPrefix == "" {
		return nil
	}
	if err := b.lockSolver(ctx); err != nil {
		return err
	}
	defer b.solverMu.Unlock()
	// Keyframe samples (stored at keyframe creation) win over localization
	// samples at the same instant.
	key := loc.Timestamp.UnixNano()
	if existing, ok := b.trajectoryRec[key]; ok && existing.isKeyFrame {
		return nil
	}
	b.trajectoryRec[key] = trajRecord{loc: loc}
	return nil
}

// LatestLocalization returns the most recent advertised sample.
func (b *Backend) LatestLocalization(ctx context.Context) (factor.UpdatedLocalization, error) {
	if err := b.lockBounded(ctx, b.latestLocMu); err != nil {
		return factor.UpdatedLocalization{}, err
	}
	defer b.latestLocMu.Unlock()
	if !b.haveLatestLoc {
		return factor.UpdatedLocalization{}, errors.New("no localization advertised yet")
	}
	return b.latestLoc, nil
}

// ReconstructWholePath rebuilds the full time-ordered trajectory: every
// sample's stored relative offset is composed with its reference keyframe's
// latest solved pose, so the whole path reflects ongoing optimization without
// history rewrites. Keyframes whose values are still pending resolve through
// the pending-first lookup.
func (b *Backend) ReconstructWholePath(ctx context.Context) (*trajectory.Path, error) {
	if err := b.lockSolver(ctx); err != nil {
		return nil, err
	}
	defer b.solverMu.Unlock()
	if err := b.lockKeys(ctx); err != nil {
		return nil, err
	}
	defer b.keysMu.Unlock()

	stamps := make([]int64, 0, len(b.trajectoryRec))
	for ns := range b.trajectoryRec {
		stamps = append(stamps, ns)
	}
	sort.Slice(stamps, func(i, j int) bool { return stamps[i] < stamps[j] })

	path := &trajectory.Path{Samples: make([]trajectory.Sample, 0, len(stamps))}
	var errs error
	for _, ns := range stamps {
		rec := b.trajectoryRec[ns]
		tuple, err := b.keys.lookup(rec.loc.Reference)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		refPose, err := b.poseAt(tuple[keyIndexPose])
		if err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "reference keyframe %d", rec.loc.Reference))
			continue
		}
		sample := trajectory.Sample{
			Time:  rec.loc.Timestamp,
			Frame: factor.InvalidFrame,
			Pose:  spatialmath.Compose(refPose, rec.loc.RelPose),
		}
		if rec.isKeyFrame {
			sample.Frame = rec.loc.Reference
		}
		if b.keys.numKeys() > 1 {
			if vel, err := b.velocityAt(tuple[keyIndexVel]); err == nil {
				sample.Twist = spatialmath.Twist{Linear: r3.Vector(vel)}
				sample.HasTwist = true
			}
		}
		path.Samples = append(path.Samples, sample)
	}
	if errs != nil {
		return path, errs
	}
	return path, nil
}
