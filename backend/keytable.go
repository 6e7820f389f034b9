package backend

import (
	"github.com/pkg/errors"

	"github.com/meridianrobotics/slamkit/factor"
	"github.com/meridianrobotics/slamkit/solver"
)

// Component indices into a keyframe's solver-key tuple.
const (
	keyIndexPose = iota
	keyIndexVel
	keyCount
)

// KeyTuple holds the solver keys of one keyframe. Only the first NumKeys
// entries are meaningful for the configured state-vector kind.
type KeyTuple [keyCount]solver.Key

// keyTable maps framework keyframe ids to solver key tuples and back. Keys
// are allocated once per keyframe and never reused.
type keyTable struct {
	kind    StateVector
	alloc   func() solver.Key
	forward map[factor.FrameID]KeyTuple
	inverse [keyCount]map[solver.Key]factor.FrameID
}

func newKeyTable(kind StateVector, alloc func() solver.Key) *keyTable {
	t := &keyTable{
		kind:    kind,
		alloc:   alloc,
		forward: map[factor.FrameID]KeyTuple{},
	}
	for i := range t.inverse {
		t.inverse[i] = map[solver.Key]factor.FrameID{}
	}
	return t
}

// allocate creates fresh solver keys for a keyframe, one per state component,
// and installs both directions of the mapping. Re-registering a keyframe id
// fails rather than overwriting.
func (t *keyTable) allocate(id factor.FrameID) (KeyTuple, error) {
	if _, ok := t.forward[id]; ok {
		return KeyTuple{}, errors.Wrapf(ErrKeyFrameExists, "keyframe %d", id)
	}
	n, err := t.kind.NumKeys()
	if err != nil {
		return KeyTuple{}, err
	}
	var tuple KeyTuple
	for i := 0; i < n; i++ {
		tuple[i] = t.alloc()
		t.inverse[i][tuple[i]] = id
	}
	t.forward[id] = tuple
	return tuple, nil
}

// lookup returns the key tuple of a registered keyframe.
func (t *keyTable) lookup(id factor.FrameID) (KeyTuple, error) {
	tuple, ok := t.forward[id]
	if !ok {
		return KeyTuple{}, errors.Wrapf(ErrUnknownKeyFrame, "keyframe %d", id)
	}
	return tuple, nil
}

// frameFor maps a solver key of the given component back to its keyframe.
func (t *keyTable) frameFor(component int, k solver.Key) (factor.FrameID, error) {
	if component < 0 || component >= keyCount {
		return 0, errors.Errorf("bad key component %d", component)
	}
	id, ok := t.inverse[component][k]
	if !ok {
		return 0, errors.Wrapf(ErrUnknownKeyFrame, "no keyframe for key %d (component %d)", k, component)
	}
	return id, nil
}

// numKeys returns how many components each tuple carries.
func (t *keyTable) numKeys() int {
	n, err := t.kind.NumKeys()
	if err != nil {
		return 0
	}
	return n
}
