package backend

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"github.com/meridianrobotics/slamkit/factor"
	"github.com/meridianrobotics/slamkit/spatialmath"
	"github.com/meridianrobotics/slamkit/viz"
)

type captureRenderer struct {
	mu    sync.Mutex
	snaps []viz.Snapshot
}

func (r *captureRenderer) Render(ctx context.Context, snap viz.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, snap)
}

func (r *captureRenderer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps)
}

func (r *captureRenderer) last() viz.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snaps[len(r.snaps)-1]
}

func TestMapSnapshot(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t, nil)

	root := addKF(t, b, factor.KeyFrameProposal{Timestamp: sessionStart, IsRoot: true})
	k1 := addKF(t, b, factor.KeyFrameProposal{Timestamp: sessionStart.Add(time.Second)})
	_, err := b.AddFactor(ctx, factor.RelativePose{
		From:    root,
		To:      k1,
		RelPose: spatialmath.NewPoseFromPoint(r3.Vector{X: 1}),
	})
	test.That(t, err, test.ShouldBeNil)

	snap, err := b.MapSnapshot(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(snap.Nodes), test.ShouldEqual, 2)
	test.That(t, snap.Edges, test.ShouldResemble, []viz.Edge{{From: root, To: k1}})

	// The snapshot is a copy: mutating it leaves the backend's graph alone.
	snap.AddEdge(k1, root)
	again, err := b.MapSnapshot(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(again.Edges), test.ShouldEqual, 1)
}

func TestMapSnapshotTracksSolvedPoses(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t, nil)

	root := addKF(t, b, factor.KeyFrameProposal{Timestamp: sessionStart, IsRoot: true})
	k1 := addKF(t, b, factor.KeyFrameProposal{Timestamp: sessionStart.Add(time.Second)})
	_, err := b.AddFactor(ctx, factor.RelativePose{
		From:    root,
		To:      k1,
		RelPose: spatialmath.NewPoseFromPoint(r3.Vector{X: 1}),
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, b.SpinOnce(ctx), test.ShouldBeNil)

	snap, err := b.MapSnapshot(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, snap.Nodes[k1].Pose.Point().X, test.ShouldAlmostEqual, 1, 1e-6)
}

func TestRendererReceivesSnapshots(t *testing.T) {
	ctx := context.Background()
	r := &captureRenderer{}
	cfg := DefaultConfig()
	cfg.SaveMapAtEnd = false
	b, err := New(cfg, golog.NewTestLogger(t), WithRenderer(r))
	test.That(t, err, test.ShouldBeNil)

	root := addKF(t, b, factor.KeyFrameProposal{Timestamp: sessionStart, IsRoot: true})
	test.That(t, b.SpinOnce(ctx), test.ShouldBeNil)
	test.That(t, b.Close(ctx), test.ShouldBeNil)

	test.That(t, r.count(), test.ShouldBeGreaterThanOrEqualTo, 1)
	snap := r.last()
	test.That(t, snap.Taken.IsZero(), test.ShouldBeFalse)
	_, ok := snap.Graph.Nodes[root]
	test.That(t, ok, test.ShouldBeTrue)
}
