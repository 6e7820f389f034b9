package backend

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"github.com/meridianrobotics/slamkit/factor"
	"github.com/meridianrobotics/slamkit/spatialmath"
)

func TestAdvertiseUpdatedLocalization(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t, nil)
	root := addKF(t, b, factor.KeyFrameProposal{Timestamp: sessionStart, IsRoot: true})

	_, err := b.LatestLocalization(ctx)
	test.That(t, err, test.ShouldNotBeNil)

	loc := factor.UpdatedLocalization{
		Timestamp: sessionStart.Add(300 * time.Millisecond),
		Reference: root,
		RelPose:   spatialmath.NewPoseFromPoint(r3.Vector{X: 0.3}),
	}
	test.That(t, b.AdvertiseUpdatedLocalization(ctx, loc), test.ShouldBeNil)

	got, err := b.LatestLocalization(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got.Reference, test.ShouldEqual, root)
	test.That(t, spatialmath.AlmostEqual(got.RelPose, loc.RelPose, 1e-12), test.ShouldBeTrue)

	// Bad samples are rejected.
	err = b.AdvertiseUpdatedLocalization(ctx, factor.UpdatedLocalization{Reference: root})
	test.That(t, err, test.ShouldNotBeNil)
	err = b.AdvertiseUpdatedLocalization(ctx, factor.UpdatedLocalization{
		Timestamp: sessionStart,
		Reference: root + 50,
	})
	test.That(t, errors.Is(err, ErrUnknownKeyFrame), test.ShouldBeTrue)
}

func TestReconstructWholePath(t *testing.T) {
	ctx := context.Background()
	prefix := filepath.Join(t.TempDir(), "session")
	b := newTestBackend(t, func(cfg *Config) { cfg.SaveTrajectoryPrefix = prefix })

	root := addKF(t, b, factor.KeyFrameProposal{Timestamp: sessionStart, IsRoot: true})
	k1 := addKF(t, b, factor.KeyFrameProposal{Timestamp: sessionStart.Add(time.Second)})
	_, err := b.AddFactor(ctx, factor.RelativePose{
		From:    root,
		To:      k1,
		RelPose: spatialmath.NewPoseFromPoint(r3.Vector{X: 1}),
	})
	test.That(t, err, test.ShouldBeNil)

	// A mid-interval sample relative to the root.
	test.That(t, b.AdvertiseUpdatedLocalization(ctx, factor.UpdatedLocalization{
		Timestamp: sessionStart.Add(500 * time.Millisecond),
		Reference: root,
		RelPose:   spatialmath.NewPoseFromPoint(r3.Vector{X: 0.5}),
	}), test.ShouldBeNil)

	test.That(t, b.SpinOnce(ctx), test.ShouldBeNil)

	path, err := b.ReconstructWholePath(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, path.Len(), test.ShouldEqual, 3)
	test.That(t, path.TimeOrdered(), test.ShouldBeTrue)

	// Keyframe samples carry their frame id, intermediate ones do not.
	test.That(t, path.Samples[0].Frame, test.ShouldEqual, root)
	test.That(t, path.Samples[1].Frame, test.ShouldEqual, factor.InvalidFrame)
	test.That(t, path.Samples[2].Frame, test.ShouldEqual, k1)

	test.That(t, path.Samples[1].Pose.Point().X, test.ShouldAlmostEqual, 0.5, 1e-9)
	test.That(t, path.Samples[2].Pose.Point().X, test.ShouldAlmostEqual, 1, 1e-6)

	// Reconstruction never mutates the record.
	again, err := b.ReconstructWholePath(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, again.Len(), test.ShouldEqual, path.Len())
	for i := range path.Samples {
		test.That(t, again.Samples[i].Time.Equal(path.Samples[i].Time), test.ShouldBeTrue)
		test.That(t, spatialmath.AlmostEqual(again.Samples[i].Pose, path.Samples[i].Pose, 1e-12), test.ShouldBeTrue)
	}
}

func TestReconstructFollowsRefinedPoses(t *testing.T) {
	ctx := context.Background()
	prefix := filepath.Join(t.TempDir(), "session")
	b := newTestBackend(t, func(cfg *Config) { cfg.SaveTrajectoryPrefix = prefix })

	root := addKF(t, b, factor.KeyFrameProposal{Timestamp: sessionStart, IsRoot: true})
	k1 := addKF(t, b, factor.KeyFrameProposal{Timestamp: sessionStart.Add(time.Second)})
	test.That(t, b.AdvertiseUpdatedLocalization(ctx, factor.UpdatedLocalization{
		Timestamp: sessionStart.Add(1500 * time.Millisecond),
		Reference: k1,
		RelPose:   spatialmath.NewPoseFromPoint(r3.Vector{X: 0.25}),
	}), test.ShouldBeNil)

	// Before the commit the sample hangs off k1's seed (the origin).
	path, err := b.ReconstructWholePath(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, path.Samples[2].Pose.Point().X, test.ShouldAlmostEqual, 0.25, 1e-9)

	_, err = b.AddFactor(ctx, factor.RelativePose{
		From:    root,
		To:      k1,
		RelPose: spatialmath.NewPoseFromPoint(r3.Vector{X: 1}),
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, b.SpinOnce(ctx), test.ShouldBeNil)

	// After it, the same sample follows k1's refined pose.
	path, err = b.ReconstructWholePath(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, path.Samples[2].Pose.Point().X, test.ShouldAlmostEqual, 1.25, 1e-6)
}

func TestKeyFrameSampleWinsTimestampCollision(t *testing.T) {
	ctx := context.Background()
	prefix := filepath.Join(t.TempDir(), "session")
	b := newTestBackend(t, func(cfg *Config) { cfg.SaveTrajectoryPrefix = prefix })

	root := addKF(t, b, factor.KeyFrameProposal{Timestamp: sessionStart, IsRoot: true})
	test.That(t, b.AdvertiseUpdatedLocalization(ctx, factor.UpdatedLocalization{
		Timestamp: sessionStart,
		Reference: root,
		RelPose:   spatialmath.NewPoseFromPoint(r3.Vector{X: 9}),
	}), test.ShouldBeNil)

	path, err := b.ReconstructWholePath(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, path.Len(), test.ShouldEqual, 1)
	test.That(t, path.Samples[0].Frame, test.ShouldEqual, root)
	test.That(t, path.Samples[0].Pose.Point().X, test.ShouldAlmostEqual, 0, 1e-12)
}

func TestCloseSavesTrajectoryFiles(t *testing.T) {
	ctx := context.Background()
	prefix := filepath.Join(t.TempDir(), "session")
	b := newTestBackend(t, func(cfg *Config) { cfg.SaveTrajectoryPrefix = prefix })

	addKF(t, b, factor.KeyFrameProposal{Timestamp: sessionStart, IsRoot: true})
	test.That(t, b.SpinOnce(ctx), test.ShouldBeNil)
	test.That(t, b.Close(ctx), test.ShouldBeNil)

	for _, name := range []string{prefix + "_tum.txt", prefix + ".csv"} {
		info, err := os.Stat(name)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, info.Size(), test.ShouldBeGreaterThan, 0)
	}
}

func TestCloseSavesMap(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	b := newTestBackend(t, func(cfg *Config) {
		cfg.SaveMapAtEnd = true
		cfg.MapDirectory = dir
	})

	root := addKF(t, b, factor.KeyFrameProposal{Timestamp: sessionStart, IsRoot: true})
	k1 := addKF(t, b, factor.KeyFrameProposal{Timestamp: sessionStart.Add(time.Second)})
	_, err := b.AddFactor(ctx, factor.RelativePose{
		From:    root,
		To:      k1,
		RelPose: spatialmath.NewPoseFromPoint(r3.Vector{X: 1}),
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, b.SpinOnce(ctx), test.ShouldBeNil)
	test.That(t, b.Close(ctx), test.ShouldBeNil)

	entries, err := os.ReadDir(dir)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(entries), test.ShouldEqual, 1)
	test.That(t, filepath.Ext(entries[0].Name()), test.ShouldEqual, ".csv")
}
