package solver

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/meridianrobotics/slamkit/spatialmath"
)

// A Factor is one probabilistic constraint over one or more variables. Error
// returns the whitened residual (residual divided by sigma), of length Dim.
type Factor interface {
	Keys() []Key
	Dim() int
	Error(vals Values) ([]float64, error)
}

// FactorIndex is a factor's position inside the estimator's cumulative graph.
type FactorIndex int

// Graph is an ordered factor list. Appending never reorders, so a factor's
// index is stable for the life of the estimator.
type Graph []Factor

// PoseSigmas are per-axis standard deviations over a pose's local coordinates:
// translation x/y/z then rotation x/y/z.
type PoseSigmas [spatialmath.PoseDim]float64

func (s PoseSigmas) validate() error {
	for i, v := range s {
		if v <= 0 {
			return errors.Errorf("solver: sigma %d must be positive, got %v", i, v)
		}
	}
	return nil
}

// UniformPoseSigmas returns equal translation and rotation sigmas.
func UniformPoseSigmas(sigma float64) PoseSigmas {
	var s PoseSigmas
	for i := range s {
		s[i] = sigma
	}
	return s
}

// PriorPose anchors one pose variable near a given transform.
type PriorPose struct {
	K      Key
	Prior  spatialmath.Pose
	Sigmas PoseSigmas
}

// Keys implements Factor.
func (f *PriorPose) Keys() []Key { return []Key{f.K} }

// Dim implements Factor.
func (f *PriorPose) Dim() int { return spatialmath.PoseDim }

// Error implements Factor.
func (f *PriorPose) Error(vals Values) ([]float64, error) {
	if err := f.Sigmas.validate(); err != nil {
		return nil, err
	}
	x, err := vals.Pose(f.K)
	if err != nil {
		return nil, err
	}
	d := spatialmath.LocalDelta(f.Prior, x)
	r := make([]float64, spatialmath.PoseDim)
	for i := range r {
		r[i] = d[i] / f.Sigmas[i]
	}
	return r, nil
}

// PriorVelocity anchors one velocity variable.
type PriorVelocity struct {
	K     Key
	Prior Velocity
	Sigma float64
}

// Keys implements Factor.
func (f *PriorVelocity) Keys() []Key { return []Key{f.K} }

// Dim implements Factor.
func (f *PriorVelocity) Dim() int { return 3 }

// Error implements Factor.
func (f *PriorVelocity) Error(vals Values) ([]float64, error) {
	if f.Sigma <= 0 {
		return nil, errors.Errorf("solver: velocity prior sigma must be positive, got %v", f.Sigma)
	}
	v, err := vals.Velocity(f.K)
	if err != nil {
		return nil, err
	}
	return []float64{
		(v.X - f.Prior.X) / f.Sigma,
		(v.Y - f.Prior.Y) / f.Sigma,
		(v.Z - f.Prior.Z) / f.Sigma,
	}, nil
}

// BetweenPose constrains the relative transform from pose K1 to pose K2.
type BetweenPose struct {
	K1, K2   Key
	Measured spatialmath.Pose
	Sigmas   PoseSigmas
}

// Keys implements Factor.
func (f *BetweenPose) Keys() []Key { return []Key{f.K1, f.K2} }

// Dim implements Factor.
func (f *BetweenPose) Dim() int { return spatialmath.PoseDim }

// Error implements Factor.
func (f *BetweenPose) Error(vals Values) ([]float64, error) {
	if err := f.Sigmas.validate(); err != nil {
		return nil, err
	}
	x1, err := vals.Pose(f.K1)
	if err != nil {
		return nil, err
	}
	x2, err := vals.Pose(f.K2)
	if err != nil {
		return nil, err
	}
	d := spatialmath.LocalDelta(f.Measured, spatialmath.Between(x1, x2))
	r := make([]float64, spatialmath.PoseDim)
	for i := range r {
		r[i] = d[i] / f.Sigmas[i]
	}
	return r, nil
}

// ConstantVelocity links pose and velocity variables of two frames under a
// constant-velocity motion model. Sigmas scale with sqrt(DT) so the modeled
// variance grows linearly with elapsed time.
type ConstantVelocity struct {
	P1, V1, P2, V2 Key
	DT             float64
	SigmaPos       float64
	SigmaVel       float64
}

// Keys implements Factor.
func (f *ConstantVelocity) Keys() []Key { return []Key{f.P1, f.V1, f.P2, f.V2} }

// Dim implements Factor.
func (f *ConstantVelocity) Dim() int { return 6 }

// Error implements Factor.
func (f *ConstantVelocity) Error(vals Values) ([]float64, error) {
	if f.DT <= 0 || f.SigmaPos <= 0 || f.SigmaVel <= 0 {
		return nil, errors.Errorf("solver: bad constant-velocity parameters dt=%v σp=%v σv=%v", f.DT, f.SigmaPos, f.SigmaVel)
	}
	p1, err := vals.Pose(f.P1)
	if err != nil {
		return nil, err
	}
	p2, err := vals.Pose(f.P2)
	if err != nil {
		return nil, err
	}
	v1, err := vals.Velocity(f.V1)
	if err != nil {
		return nil, err
	}
	v2, err := vals.Velocity(f.V2)
	if err != nil {
		return nil, err
	}
	sp := f.SigmaPos * math.Sqrt(f.DT)
	sv := f.SigmaVel * math.Sqrt(f.DT)
	dp := p2.Point().Sub(p1.Point()).Sub(r3.Vector(v1).Mul(f.DT))
	return []float64{
		dp.X / sp, dp.Y / sp, dp.Z / sp,
		(v2.X - v1.X) / sv, (v2.Y - v1.Y) / sv, (v2.Z - v1.Z) / sv,
	}, nil
}

// StereoProjection constrains one keyframe pose against an explicit landmark
// variable through a calibrated stereo observation.
type StereoProjection struct {
	PoseKey     Key
	LandmarkKey Key
	Camera      *StereoCamera
	Measured    StereoPixel
	SigmaPx     float64
}

// Keys implements Factor.
func (f *StereoProjection) Keys() []Key { return []Key{f.PoseKey, f.LandmarkKey} }

// Dim implements Factor.
func (f *StereoProjection) Dim() int { return 3 }

// Error implements Factor.
func (f *StereoProjection) Error(vals Values) ([]float64, error) {
	if err := f.Camera.Validate(); err != nil {
		return nil, err
	}
	if f.SigmaPx <= 0 {
		return nil, errors.Errorf("solver: pixel sigma must be positive, got %v", f.SigmaPx)
	}
	x, err := vals.Pose(f.PoseKey)
	if err != nil {
		return nil, err
	}
	lm, err := vals.Point(f.LandmarkKey)
	if err != nil {
		return nil, err
	}
	pred, err := f.Camera.Project(spatialmath.Invert(x).Transform(r3.Vector(lm)))
	if err != nil {
		return nil, err
	}
	return []float64{
		(pred.UL - f.Measured.UL) / f.SigmaPx,
		(pred.UR - f.Measured.UR) / f.SigmaPx,
		(pred.V - f.Measured.V) / f.SigmaPx,
	}, nil
}

// SmartStereo aggregates every stereo observation of one landmark without
// instantiating the landmark as an explicit variable: the landmark is
// triangulated from the current pose estimates on each evaluation and
// marginalized out. The factor is mutated in place as new views arrive.
type SmartStereo struct {
	Camera  *StereoCamera
	SigmaPx float64

	poseKeys []Key
	views    []StereoPixel
}

// NewSmartStereo returns an empty smart stereo factor for one landmark.
func NewSmartStereo(camera *StereoCamera, sigmaPx float64) *SmartStereo {
	return &SmartStereo{Camera: camera, SigmaPx: sigmaPx}
}

// AddView appends one more observation of the landmark from the given pose.
func (f *SmartStereo) AddView(poseKey Key, px StereoPixel) {
	f.poseKeys = append(f.poseKeys, poseKey)
	f.views = append(f.views, px)
}

// NumViews returns how many observations the factor aggregates.
func (f *SmartStereo) NumViews() int { return len(f.views) }

// Keys implements Factor.
func (f *SmartStereo) Keys() []Key {
	out := make([]Key, len(f.poseKeys))
	copy(out, f.poseKeys)
	return out
}

// Dim implements Factor.
func (f *SmartStereo) Dim() int { return 3 * len(f.views) }

// Triangulate estimates the landmark in world coordinates by averaging the
// backprojections of every view under the current pose estimates.
func (f *SmartStereo) Triangulate(vals Values) (r3.Vector, error) {
	if len(f.views) == 0 {
		return r3.Vector{}, errors.New("solver: smart factor has no views")
	}
	var sum r3.Vector
	for i, px := range f.views {
		x, err := vals.Pose(f.poseKeys[i])
		if err != nil {
			return r3.Vector{}, err
		}
		local, err := f.Camera.Backproject(px)
		if err != nil {
			return r3.Vector{}, err
		}
		sum = sum.Add(x.Transform(local))
	}
	return sum.Mul(1 / float64(len(f.views))), nil
}

// Error implements Factor.
func (f *SmartStereo) Error(vals Values) ([]float64, error) {
	if err := f.Camera.Validate(); err != nil {
		return nil, err
	}
	if f.SigmaPx <= 0 {
		return nil, errors.Errorf("solver: pixel sigma must be positive, got %v", f.SigmaPx)
	}
	lm, err := f.Triangulate(vals)
	if err != nil {
		return nil, err
	}
	r := make([]float64, 0, f.Dim())
	for i, px := range f.views {
		x, err := vals.Pose(f.poseKeys[i])
		if err != nil {
			return nil, err
		}
		pred, err := f.Camera.Project(spatialmath.Invert(x).Transform(lm))
		if err != nil {
			return nil, err
		}
		r = append(r,
			(pred.UL-px.UL)/f.SigmaPx,
			(pred.UR-px.UR)/f.SigmaPx,
			(pred.V-px.V)/f.SigmaPx,
		)
	}
	return r, nil
}

// Preintegrated constrains the poses and velocities of two consecutive frames
// by an inertial preintegration accumulated between them.
type Preintegrated struct {
	P1, V1, P2, V2 Key
	DT             float64
	DeltaPos       r3.Vector
	DeltaVel       r3.Vector
	DeltaRot       r3.Vector // rotation vector
	Gravity        r3.Vector
	SigmaPos       float64
	SigmaVel       float64
	SigmaRot       float64
}

// Keys implements Factor.
func (f *Preintegrated) Keys() []Key { return []Key{f.P1, f.V1, f.P2, f.V2} }

// Dim implements Factor.
func (f *Preintegrated) Dim() int { return 9 }

// Error implements Factor.
func (f *Preintegrated) Error(vals Values) ([]float64, error) {
	if f.DT <= 0 || f.SigmaPos <= 0 || f.SigmaVel <= 0 || f.SigmaRot <= 0 {
		return nil, errors.Errorf("solver: bad preintegration parameters dt=%v", f.DT)
	}
	x1, err := vals.Pose(f.P1)
	if err != nil {
		return nil, err
	}
	x2, err := vals.Pose(f.P2)
	if err != nil {
		return nil, err
	}
	v1, err := vals.Velocity(f.V1)
	if err != nil {
		return nil, err
	}
	v2, err := vals.Velocity(f.V2)
	if err != nil {
		return nil, err
	}
	r1inv := spatialmath.Invert(spatialmath.NewPose(r3.Vector{}, x1.Rotation()))

	dp := x2.Point().Sub(x1.Point()).
		Sub(r3.Vector(v1).Mul(f.DT)).
		Sub(f.Gravity.Mul(0.5 * f.DT * f.DT))
	dpBody := r1inv.Transform(dp).Sub(f.DeltaPos)

	dv := r3.Vector{X: v2.X - v1.X, Y: v2.Y - v1.Y, Z: v2.Z - v1.Z}.Sub(f.Gravity.Mul(f.DT))
	dvBody := r1inv.Transform(dv).Sub(f.DeltaVel)

	rel := spatialmath.Between(
		spatialmath.Compose(spatialmath.NewPose(r3.Vector{}, x1.Rotation()), spatialmath.NewPoseFromRotationVector(f.DeltaRot)),
		spatialmath.NewPose(r3.Vector{}, x2.Rotation()),
	)
	dr := spatialmath.QuatLog(rel.Rotation())

	return []float64{
		dpBody.X / f.SigmaPos, dpBody.Y / f.SigmaPos, dpBody.Z / f.SigmaPos,
		dvBody.X / f.SigmaVel, dvBody.Y / f.SigmaVel, dvBody.Z / f.SigmaVel,
		dr.X / f.SigmaRot, dr.Y / f.SigmaRot, dr.Z / f.SigmaRot,
	}, nil
}
