package factor

import (
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/meridianrobotics/slamkit/spatialmath"
)

// Preintegrator accumulates raw inertial samples between two consecutive
// keyframes into relative position, velocity, and rotation deltas expressed
// in the frame of the earlier keyframe. It is finalized once the later
// keyframe exists, after which further samples are rejected.
type Preintegrator struct {
	start     time.Time
	last      time.Time
	haveStart bool
	finalized bool

	deltaPos r3.Vector
	deltaVel r3.Vector
	deltaRot r3.Vector

	SigmaPos float64
	SigmaVel float64
	SigmaRot float64
}

// NewPreintegrator returns an empty accumulator with the given measurement
// sigmas.
func NewPreintegrator(sigmaPos, sigmaVel, sigmaRot float64) *Preintegrator {
	return &Preintegrator{SigmaPos: sigmaPos, SigmaVel: sigmaVel, SigmaRot: sigmaRot}
}

// Integrate folds one accelerometer/gyroscope sample into the accumulated
// deltas. accel is specific force in the body frame with gravity already
// removed; gyro is angular rate in rad/s.
func (p *Preintegrator) Integrate(t time.Time, accel, gyro r3.Vector) error {
	if p.finalized {
		return errors.New("preintegrator already finalized")
	}
	if !p.haveStart {
		p.start, p.last, p.haveStart = t, t, true
		return nil
	}
	dt := t.Sub(p.last).Seconds()
	if dt <= 0 {
		return errors.Errorf("non-monotonic imu sample at %v", t)
	}
	rot := spatialmath.NewPoseFromRotationVector(p.deltaRot)
	accWorld := rot.Transform(accel)
	p.deltaPos = p.deltaPos.Add(p.deltaVel.Mul(dt)).Add(accWorld.Mul(0.5 * dt * dt))
	p.deltaVel = p.deltaVel.Add(accWorld.Mul(dt))
	p.deltaRot = spatialmath.QuatLog(
		spatialmath.Compose(rot, spatialmath.NewPoseFromRotationVector(gyro.Mul(dt))).Rotation(),
	)
	p.last = t
	return nil
}

// Elapsed returns the time span covered so far.
func (p *Preintegrator) Elapsed() time.Duration {
	if !p.haveStart {
		return 0
	}
	return p.last.Sub(p.start)
}

// Finalize closes the accumulator and returns the integrated deltas. It fails
// if nothing was integrated.
func (p *Preintegrator) Finalize() (deltaPos, deltaVel, deltaRot r3.Vector, dt float64, err error) {
	if !p.haveStart || p.last == p.start {
		return r3.Vector{}, r3.Vector{}, r3.Vector{}, 0, errors.New("preintegrator holds no motion")
	}
	p.finalized = true
	return p.deltaPos, p.deltaVel, p.deltaRot, p.Elapsed().Seconds(), nil
}

// Finalized reports whether the accumulator was closed.
func (p *Preintegrator) Finalized() bool { return p.finalized }
