// Package spatialmath defines rigid transforms in 3-D space and the small set of
// operations on them the estimation backend needs: composition, inversion,
// relative poses, and the exp/log maps used for local (tangent) coordinates.
package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// PoseDim is the dimension of a pose's local coordinates: three for
// translation followed by three for a rotation vector.
const PoseDim = 6

// defaultAngleEpsilon is used to treat very small rotations as identity when
// converting between quaternions and rotation vectors.
const defaultAngleEpsilon = 1e-12

// Pose is a rigid transform: a rotation represented as a unit quaternion plus a
// translation. Applied to a point p it yields R*p + t.
type Pose struct {
	rot   quat.Number
	trans r3.Vector
}

// NewZeroPose returns the identity transform.
func NewZeroPose() Pose {
	return Pose{rot: quat.Number{Real: 1}}
}

// NewPose creates a pose from a translation and a unit rotation quaternion.
func NewPose(point r3.Vector, rotation quat.Number) Pose {
	return Pose{rot: Normalize(rotation), trans: point}
}

// NewPoseFromPoint creates a pure-translation pose.
func NewPoseFromPoint(point r3.Vector) Pose {
	return Pose{rot: quat.Number{Real: 1}, trans: point}
}

// NewPoseFromRotationVector creates a pure-rotation pose from a rotation
// vector (axis scaled by angle in radians).
func NewPoseFromRotationVector(rv r3.Vector) Pose {
	return Pose{rot: QuatExp(rv)}
}

// Point returns the translation component.
func (p Pose) Point() r3.Vector { return p.trans }

// Rotation returns the rotation component as a unit quaternion.
func (p Pose) Rotation() quat.Number { return p.rot }

// Transform applies the pose to a point.
func (p Pose) Transform(pt r3.Vector) r3.Vector {
	return RotateVec(p.rot, pt).Add(p.trans)
}

// Compose returns a ∘ b, the pose obtained by applying b first and a second.
func Compose(a, b Pose) Pose {
	return Pose{
		rot:   Normalize(quat.Mul(a.rot, b.rot)),
		trans: RotateVec(a.rot, b.trans).Add(a.trans),
	}
}

// Invert returns the inverse transform.
func Invert(p Pose) Pose {
	inv := quat.Conj(p.rot)
	return Pose{
		rot:   inv,
		trans: RotateVec(inv, p.trans.Mul(-1)),
	}
}

// Between returns the pose of b expressed in the frame of a, i.e. a⁻¹ ∘ b.
func Between(a, b Pose) Pose {
	return Compose(Invert(a), b)
}

// Interpolate returns the pose at fraction s (0..1) between a and b, with
// linear translation and spherical rotation interpolation.
func Interpolate(a, b Pose, s float64) Pose {
	rel := Between(a, b)
	step := Pose{
		rot:   QuatExp(QuatLog(rel.rot).Mul(s)),
		trans: rel.trans.Mul(s),
	}
	return Compose(a, step)
}

// Log maps a pose to its local coordinates (translation, rotation vector).
func Log(p Pose) [PoseDim]float64 {
	rv := QuatLog(p.rot)
	return [PoseDim]float64{p.trans.X, p.trans.Y, p.trans.Z, rv.X, rv.Y, rv.Z}
}

// Exp maps local coordinates back to a pose. Exp(Log(p)) == p.
func Exp(xi [PoseDim]float64) Pose {
	return Pose{
		rot:   QuatExp(r3.Vector{X: xi[3], Y: xi[4], Z: xi[5]}),
		trans: r3.Vector{X: xi[0], Y: xi[1], Z: xi[2]},
	}
}

// Retract perturbs a pose by local coordinates: translation is added in the
// world frame and the rotation delta is applied on the right.
func Retract(p Pose, xi [PoseDim]float64) Pose {
	return Pose{
		rot:   Normalize(quat.Mul(p.rot, QuatExp(r3.Vector{X: xi[3], Y: xi[4], Z: xi[5]}))),
		trans: p.trans.Add(r3.Vector{X: xi[0], Y: xi[1], Z: xi[2]}),
	}
}

// LocalDelta returns the local coordinates taking a to b under Retract, i.e.
// translation difference in the world frame and rotation difference on the
// right: Retract(a, LocalDelta(a, b)) == b.
func LocalDelta(a, b Pose) [PoseDim]float64 {
	rv := QuatLog(quat.Mul(quat.Conj(a.rot), b.rot))
	d := b.trans.Sub(a.trans)
	return [PoseDim]float64{d.X, d.Y, d.Z, rv.X, rv.Y, rv.Z}
}

// AlmostEqual reports whether two poses agree to within tol in every local
// coordinate.
func AlmostEqual(a, b Pose, tol float64) bool {
	d := LocalDelta(a, b)
	for _, v := range d {
		if math.Abs(v) > tol {
			return false
		}
	}
	return true
}

// RotateVec rotates a vector by a unit quaternion.
func RotateVec(q quat.Number, v r3.Vector) r3.Vector {
	qv := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	r := quat.Mul(quat.Mul(q, qv), quat.Conj(q))
	return r3.Vector{X: r.Imag, Y: r.Jmag, Z: r.Kmag}
}

// Normalize scales a quaternion to unit norm, returning identity for a
// degenerate all-zero input.
func Normalize(q quat.Number) quat.Number {
	n := math.Sqrt(q.Real*q.Real + q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag)
	if n < defaultAngleEpsilon {
		return quat.Number{Real: 1}
	}
	return quat.Scale(1/n, q)
}

// QuatExp converts a rotation vector to a unit quaternion.
func QuatExp(rv r3.Vector) quat.Number {
	theta := rv.Norm()
	if theta < defaultAngleEpsilon {
		return quat.Number{Real: 1, Imag: rv.X / 2, Jmag: rv.Y / 2, Kmag: rv.Z / 2}
	}
	s := math.Sin(theta/2) / theta
	return quat.Number{
		Real: math.Cos(theta / 2),
		Imag: rv.X * s,
		Jmag: rv.Y * s,
		Kmag: rv.Z * s,
	}
}

// QuatLog converts a unit quaternion to a rotation vector.
func QuatLog(q quat.Number) r3.Vector {
	if q.Real < 0 {
		q = quat.Scale(-1, q)
	}
	im := r3.Vector{X: q.Imag, Y: q.Jmag, Z: q.Kmag}
	sinHalf := im.Norm()
	if sinHalf < defaultAngleEpsilon {
		return im.Mul(2)
	}
	theta := 2 * math.Atan2(sinHalf, q.Real)
	return im.Mul(theta / sinHalf)
}
