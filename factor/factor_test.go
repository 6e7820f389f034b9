package factor

import (
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

func TestValidate(t *testing.T) {
	good := RelativePose{From: 0, To: 1}
	test.That(t, Validate(good), test.ShouldBeNil)

	for _, bad := range []Factor{
		nil,
		RelativePose{From: 0, To: 0},
		RelativePose{From: InvalidFrame, To: 1},
		DynamicsConstVel{From: 2, To: 2},
		StereoProjection{Frame: 0, SigmaPx: 0},
		SmartStereoProjection{Frame: 0, SigmaPx: -1},
		IMU{From: 0, To: 1, Pre: nil},
		IMU{From: 0, To: InvalidFrame, Pre: NewPreintegrator(1, 1, 1)},
	} {
		test.That(t, Validate(bad), test.ShouldNotBeNil)
	}
}

func TestPreintegratorConstantAcceleration(t *testing.T) {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	pre := NewPreintegrator(0.1, 0.1, 0.01)

	accel := r3.Vector{X: 1}
	for _, offset := range []time.Duration{0, 500 * time.Millisecond, time.Second} {
		test.That(t, pre.Integrate(start.Add(offset), accel, r3.Vector{}), test.ShouldBeNil)
	}
	test.That(t, pre.Elapsed(), test.ShouldEqual, time.Second)

	dp, dv, dr, dt, err := pre.Finalize()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, dt, test.ShouldAlmostEqual, 1.0, 1e-12)
	test.That(t, dv.X, test.ShouldAlmostEqual, 1.0, 1e-9)
	test.That(t, dp.X, test.ShouldAlmostEqual, 0.5, 1e-9)
	test.That(t, dr.Norm(), test.ShouldAlmostEqual, 0, 1e-12)
	test.That(t, pre.Finalized(), test.ShouldBeTrue)

	// Closed accumulators reject further samples.
	err = pre.Integrate(start.Add(2*time.Second), accel, r3.Vector{})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestPreintegratorRotation(t *testing.T) {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	pre := NewPreintegrator(0.1, 0.1, 0.01)

	// Half a second of pure yaw at 1 rad/s.
	gyro := r3.Vector{Z: 1}
	test.That(t, pre.Integrate(start, r3.Vector{}, gyro), test.ShouldBeNil)
	test.That(t, pre.Integrate(start.Add(500*time.Millisecond), r3.Vector{}, gyro), test.ShouldBeNil)

	_, _, dr, _, err := pre.Finalize()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, dr.Z, test.ShouldAlmostEqual, 0.5, 1e-9)
}

func TestPreintegratorRejectsBadSamples(t *testing.T) {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	pre := NewPreintegrator(0.1, 0.1, 0.01)

	_, _, _, _, err := pre.Finalize()
	test.That(t, err, test.ShouldNotBeNil)

	pre = NewPreintegrator(0.1, 0.1, 0.01)
	test.That(t, pre.Integrate(start, r3.Vector{}, r3.Vector{}), test.ShouldBeNil)
	test.That(t, pre.Integrate(start.Add(time.Second), r3.Vector{}, r3.Vector{}), test.ShouldBeNil)
	err = pre.Integrate(start.Add(time.Second), r3.Vector{}, r3.Vector{})
	test.That(t, err, test.ShouldNotBeNil)
	err = pre.Integrate(start, r3.Vector{}, r3.Vector{})
	test.That(t, err, test.ShouldNotBeNil)
}
