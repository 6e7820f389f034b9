// Package solver provides the nonlinear least-squares estimator consumed by the
// SLAM backend: typed variable/value storage, native factor types, and two
// interchangeable drivers (incremental and full-batch) that accept a factor
// graph plus initial values and return refined values.
package solver

import (
	"sort"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/meridianrobotics/slamkit/spatialmath"
)

// Key identifies one variable inside the estimator. Keys are allocated by the
// caller and never reused.
type Key uint64

// ErrKeyNotFound is returned when a queried variable was never given a value.
var ErrKeyNotFound = errors.New("solver: key not found")

// A Value is the estimate of one variable. The set of value kinds is closed:
// spatialmath.Pose, Velocity, and Point.
type Value interface{ isValue() }

// Velocity is a linear velocity variable in m/s.
type Velocity r3.Vector

// Point is an explicit 3-D landmark variable.
type Point r3.Vector

// PoseVal wraps a rigid transform as a variable value.
type PoseVal struct{ Pose spatialmath.Pose }

func (PoseVal) isValue()  {}
func (Velocity) isValue() {}
func (Point) isValue()    {}

// valueDim returns the dimension of a value's local coordinates.
func valueDim(v Value) int {
	switch v.(type) {
	case PoseVal:
		return spatialmath.PoseDim
	case Velocity, Point:
		return 3
	default:
		return 0
	}
}

// retractValue perturbs a value by local coordinates of matching dimension.
func retractValue(v Value, delta []float64) Value {
	switch val := v.(type) {
	case PoseVal:
		var xi [spatialmath.PoseDim]float64
		copy(xi[:], delta)
		return PoseVal{Pose: spatialmath.Retract(val.Pose, xi)}
	case Velocity:
		return Velocity{X: val.X + delta[0], Y: val.Y + delta[1], Z: val.Z + delta[2]}
	case Point:
		return Point{X: val.X + delta[0], Y: val.Y + delta[1], Z: val.Z + delta[2]}
	default:
		return v
	}
}

// Values maps variable keys to their current estimates.
type Values struct {
	m map[Key]Value
}

// NewValues returns an empty value set.
func NewValues() Values {
	return Values{m: map[Key]Value{}}
}

// Len returns the number of stored values.
func (v Values) Len() int { return len(v.m) }

// Has reports whether the key holds a value.
func (v Values) Has(k Key) bool {
	_, ok := v.m[k]
	return ok
}

// Insert stores a value for a key not yet present.
func (v Values) Insert(k Key, val Value) error {
	if _, ok := v.m[k]; ok {
		return errors.Errorf("solver: key %d already has a value", k)
	}
	v.m[k] = val
	return nil
}

// Set stores a value, overwriting any previous one.
func (v Values) Set(k Key, val Value) {
	v.m[k] = val
}

// At returns the value for a key.
func (v Values) At(k Key) (Value, error) {
	val, ok := v.m[k]
	if !ok {
		return nil, errors.Wrapf(ErrKeyNotFound, "key %d", k)
	}
	return val, nil
}

// Pose returns the pose stored at a key, failing if the key is absent or holds
// a different kind of value.
func (v Values) Pose(k Key) (spatialmath.Pose, error) {
	val, err := v.At(k)
	if err != nil {
		return spatialmath.Pose{}, err
	}
	pv, ok := val.(PoseVal)
	if !ok {
		return spatialmath.Pose{}, errors.Errorf("solver: key %d holds a %T, not a pose", k, val)
	}
	return pv.Pose, nil
}

// Velocity returns the velocity stored at a key.
func (v Values) Velocity(k Key) (Velocity, error) {
	val, err := v.At(k)
	if err != nil {
		return Velocity{}, err
	}
	vel, ok := val.(Velocity)
	if !ok {
		return Velocity{}, errors.Errorf("solver: key %d holds a %T, not a velocity", k, val)
	}
	return vel, nil
}

// Point returns the landmark point stored at a key.
func (v Values) Point(k Key) (Point, error) {
	val, err := v.At(k)
	if err != nil {
		return Point{}, err
	}
	pt, ok := val.(Point)
	if !ok {
		return Point{}, errors.Errorf("solver: key %d holds a %T, not a point", k, val)
	}
	return pt, nil
}

// Keys returns all keys in ascending order.
func (v Values) Keys() []Key {
	keys := make([]Key, 0, len(v.m))
	for k := range v.m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Copy returns an independent copy of the value set.
func (v Values) Copy() Values {
	out := Values{m: make(map[Key]Value, len(v.m))}
	for k, val := range v.m {
		out.m[k] = val
	}
	return out
}

// MergeNew inserts every entry of other, failing on any key collision.
func (v Values) MergeNew(other Values) error {
	for k, val := range other.m {
		if err := v.Insert(k, val); err != nil {
			return err
		}
	}
	return nil
}
