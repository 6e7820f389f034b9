// Package factor defines the framework-level measurement and constraint
// variants a SLAM front end may submit to the estimation backend, modeled as a
// closed tagged-variant set: the backend dispatches on the concrete type and
// translates each variant into the solver's native representation.
package factor

import (
	"time"

	"github.com/pkg/errors"

	"github.com/meridianrobotics/slamkit/solver"
	"github.com/meridianrobotics/slamkit/spatialmath"
)

// FrameID identifies a keyframe at the framework level.
type FrameID uint64

// FeatureID is the front end's stable handle for one observed landmark.
type FeatureID uint64

// LandmarkID identifies an explicitly instantiated landmark variable.
type LandmarkID uint64

// CameraID identifies a previously registered stereo calibration.
type CameraID uint64

// FactorID identifies a translated factor at the framework level.
type FactorID uint64

// InvalidFrame marks an unset frame reference.
const InvalidFrame = FrameID(1<<64 - 1)

// InvalidFactorID is returned when a submission is accepted but deliberately
// skipped (for example a dynamics link across too large a time gap).
const InvalidFactorID = FactorID(1<<64 - 1)

// A Factor is one typed measurement or motion constraint. The set of variants
// is closed; new kinds require a new translation path in the backend.
type Factor interface {
	isFactor()
}

// RelativePose constrains the transform between two keyframes.
type RelativePose struct {
	From, To FrameID
	RelPose  spatialmath.Pose
	Sigmas   solver.PoseSigmas
}

// DynamicsConstVel links the pose and velocity variables of two keyframes
// under a constant-velocity model. The backend skips the link when the frames
// are further apart in time than the configured maximum.
type DynamicsConstVel struct {
	From, To FrameID
}

// StereoProjection is a direct observation of an explicit landmark variable
// from one keyframe.
type StereoProjection struct {
	Frame    FrameID
	Landmark LandmarkID
	Camera   CameraID
	Pixel    solver.StereoPixel
	SigmaPx  float64
}

// SmartStereoProjection is one observation of a landmark tracked only through
// its stable feature id; all observations of the same feature aggregate into
// a single structureless factor.
type SmartStereoProjection struct {
	Frame   FrameID
	Feature FeatureID
	Camera  CameraID
	Pixel   solver.StereoPixel
	SigmaPx float64
}

// IMU carries the preintegrated inertial motion between two consecutive
// keyframes.
type IMU struct {
	From, To FrameID
	Pre      *Preintegrator
}

func (RelativePose) isFactor()          {}
func (DynamicsConstVel) isFactor()      {}
func (StereoProjection) isFactor()      {}
func (SmartStereoProjection) isFactor() {}
func (IMU) isFactor()                   {}

// Validate rejects structurally bad variants before translation.
func Validate(f Factor) error {
	switch v := f.(type) {
	case RelativePose:
		if v.From == InvalidFrame || v.To == InvalidFrame || v.From == v.To {
			return errors.Errorf("relative-pose factor with bad endpoints %d->%d", v.From, v.To)
		}
	case DynamicsConstVel:
		if v.From == InvalidFrame || v.To == InvalidFrame || v.From == v.To {
			return errors.Errorf("dynamics factor with bad endpoints %d->%d", v.From, v.To)
		}
	case StereoProjection:
		if v.SigmaPx <= 0 {
			return errors.Errorf("stereo projection with nonpositive pixel sigma %v", v.SigmaPx)
		}
	case SmartStereoProjection:
		if v.SigmaPx <= 0 {
			return errors.Errorf("smart stereo projection with nonpositive pixel sigma %v", v.SigmaPx)
		}
	case IMU:
		if v.Pre == nil {
			return errors.New("imu factor without a preintegrator")
		}
		if v.From == InvalidFrame || v.To == InvalidFrame {
			return errors.Errorf("imu factor with bad endpoints %d->%d", v.From, v.To)
		}
	case nil:
		return errors.New("nil factor")
	default:
		return errors.Errorf("unknown factor variant %T", f)
	}
	return nil
}

// KeyFrameProposal is the front end's request to add a keyframe to the
// estimated trajectory.
type KeyFrameProposal struct {
	Timestamp time.Time
	// IsRoot marks the single fixed reference frame of the session.
	IsRoot bool
	// Pose is the proposed absolute pose; for the root it is installed as the
	// anchor, otherwise it is only a hint and may be empty.
	Pose    spatialmath.Pose
	HasPose bool
}

// UpdatedLocalization reports a (possibly non-keyframe) localization sample
// relative to a reference keyframe. Keeping samples relative lets the whole
// path be re-read under the reference frame's latest optimized pose.
type UpdatedLocalization struct {
	Timestamp time.Time
	Reference FrameID
	RelPose   spatialmath.Pose
}
