package backend

import (
	"errors"
	"testing"

	"go.viam.com/test"

	"github.com/meridianrobotics/slamkit/factor"
	"github.com/meridianrobotics/slamkit/solver"
)

func sequentialAlloc() func() solver.Key {
	var next solver.Key
	return func() solver.Key {
		k := next
		next++
		return k
	}
}

func TestKeyTableTupleWidth(t *testing.T) {
	poseOnly := newKeyTable(StateVectorPose, sequentialAlloc())
	test.That(t, poseOnly.numKeys(), test.ShouldEqual, 1)

	poseVel := newKeyTable(StateVectorPoseVel, sequentialAlloc())
	test.That(t, poseVel.numKeys(), test.ShouldEqual, 2)

	tuple, err := poseVel.allocate(0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, tuple[keyIndexPose], test.ShouldNotEqual, tuple[keyIndexVel])
}

func TestKeyTableRoundTrip(t *testing.T) {
	tbl := newKeyTable(StateVectorPoseVel, sequentialAlloc())
	for id := 0; id < 5; id++ {
		tuple, err := tbl.allocate(factor.FrameID(id))
		test.That(t, err, test.ShouldBeNil)

		got, err := tbl.lookup(factor.FrameID(id))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, got, test.ShouldResemble, tuple)

		frame, err := tbl.frameFor(keyIndexPose, tuple[keyIndexPose])
		test.That(t, err, test.ShouldBeNil)
		test.That(t, frame, test.ShouldEqual, factor.FrameID(id))

		frame, err = tbl.frameFor(keyIndexVel, tuple[keyIndexVel])
		test.That(t, err, test.ShouldBeNil)
		test.That(t, frame, test.ShouldEqual, factor.FrameID(id))
	}
}

func TestKeyTableRejectsReRegistration(t *testing.T) {
	tbl := newKeyTable(StateVectorPose, sequentialAlloc())
	_, err := tbl.allocate(3)
	test.That(t, err, test.ShouldBeNil)
	_, err = tbl.allocate(3)
	test.That(t, errors.Is(err, ErrKeyFrameExists), test.ShouldBeTrue)
}

func TestKeyTableUnknownLookups(t *testing.T) {
	tbl := newKeyTable(StateVectorPose, sequentialAlloc())
	_, err := tbl.lookup(9)
	test.That(t, errors.Is(err, ErrUnknownKeyFrame), test.ShouldBeTrue)
	_, err = tbl.frameFor(keyIndexPose, 9)
	test.That(t, errors.Is(err, ErrUnknownKeyFrame), test.ShouldBeTrue)
	_, err = tbl.frameFor(-1, 0)
	test.That(t, err, test.ShouldNotBeNil)
}
