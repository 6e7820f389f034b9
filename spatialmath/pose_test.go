package spatialmath

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

func TestComposeInvert(t *testing.T) {
	a := Compose(
		NewPoseFromPoint(r3.Vector{X: 1, Y: 2, Z: 3}),
		NewPoseFromRotationVector(r3.Vector{Z: math.Pi / 2}),
	)
	b := Compose(
		NewPoseFromPoint(r3.Vector{X: -4, Y: 0.5, Z: 0}),
		NewPoseFromRotationVector(r3.Vector{X: 0.3, Y: -0.2}),
	)

	ab := Compose(a, b)
	test.That(t, AlmostEqual(Compose(ab, Invert(b)), a, 1e-10), test.ShouldBeTrue)
	test.That(t, AlmostEqual(Compose(Invert(a), ab), b, 1e-10), test.ShouldBeTrue)
	test.That(t, AlmostEqual(Compose(a, Between(a, b)), b, 1e-10), test.ShouldBeTrue)
}

func TestTransformRotates(t *testing.T) {
	// 90 degrees about Z sends +X to +Y.
	p := NewPoseFromRotationVector(r3.Vector{Z: math.Pi / 2})
	got := p.Transform(r3.Vector{X: 1})
	test.That(t, got.X, test.ShouldAlmostEqual, 0, 1e-12)
	test.That(t, got.Y, test.ShouldAlmostEqual, 1, 1e-12)
	test.That(t, got.Z, test.ShouldAlmostEqual, 0, 1e-12)
}

func TestExpLogRoundTrip(t *testing.T) {
	for _, xi := range [][PoseDim]float64{
		{},
		{1, -2, 3, 0, 0, 0},
		{0, 0, 0, 0.5, 0, 0},
		{0.1, 0.2, -0.3, -0.4, 0.5, 0.6},
		{0, 0, 0, 0, 0, 3.0},
	} {
		p := Exp(xi)
		back := Log(p)
		for i := range xi {
			test.That(t, back[i], test.ShouldAlmostEqual, xi[i], 1e-9)
		}
	}
}

func TestRetractLocalDelta(t *testing.T) {
	a := Compose(
		NewPoseFromPoint(r3.Vector{X: 2, Y: -1, Z: 0.5}),
		NewPoseFromRotationVector(r3.Vector{X: 0.2, Z: -0.7}),
	)
	xi := [PoseDim]float64{0.3, -0.1, 0.05, 0.02, -0.03, 0.04}
	b := Retract(a, xi)
	got := LocalDelta(a, b)
	for i := range xi {
		test.That(t, got[i], test.ShouldAlmostEqual, xi[i], 1e-9)
	}
}

func TestInterpolate(t *testing.T) {
	a := NewZeroPose()
	b := NewPoseFromPoint(r3.Vector{X: 2, Y: 4, Z: -6})
	mid := Interpolate(a, b, 0.5)
	test.That(t, mid.Point().X, test.ShouldAlmostEqual, 1)
	test.That(t, mid.Point().Y, test.ShouldAlmostEqual, 2)
	test.That(t, mid.Point().Z, test.ShouldAlmostEqual, -3)
	test.That(t, AlmostEqual(Interpolate(a, b, 0), a, 1e-12), test.ShouldBeTrue)
	test.That(t, AlmostEqual(Interpolate(a, b, 1), b, 1e-12), test.ShouldBeTrue)
}

func TestTwistBetween(t *testing.T) {
	a := NewZeroPose()
	b := NewPoseFromPoint(r3.Vector{X: 3})
	tw := TwistBetween(a, b, 2)
	test.That(t, tw.Linear.X, test.ShouldAlmostEqual, 1.5)
	test.That(t, tw.Angular.Norm(), test.ShouldAlmostEqual, 0)

	test.That(t, TwistBetween(a, b, 0), test.ShouldResemble, Twist{})
}
