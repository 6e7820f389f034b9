package spatialmath

import "github.com/golang/geo/r3"

// Twist is an instantaneous velocity: linear velocity in m/s and angular
// velocity as a rotation-rate vector in rad/s, both in the world frame.
type Twist struct {
	Linear  r3.Vector
	Angular r3.Vector
}

// ZeroTwist returns a twist with no motion.
func ZeroTwist() Twist { return Twist{} }

// TwistBetween estimates the constant twist carrying pose a to pose b over dt
// seconds.
func TwistBetween(a, b Pose, dt float64) Twist {
	if dt <= 0 {
		return Twist{}
	}
	d := LocalDelta(a, b)
	return Twist{
		Linear:  r3.Vector{X: d[0] / dt, Y: d[1] / dt, Z: d[2] / dt},
		Angular: r3.Vector{X: d[3] / dt, Y: d[4] / dt, Z: d[5] / dt},
	}
}
