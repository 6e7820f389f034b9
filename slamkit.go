// Package slamkit provides a keyframe and factor graph state estimation
// backend for simultaneous localization and mapping pipelines. The concrete
// implementation lives in the backend package; this package defines the
// capability surface a front end programs against.
package slamkit

import (
	"context"

	"github.com/meridianrobotics/slamkit/factor"
	"github.com/meridianrobotics/slamkit/solver"
	"github.com/meridianrobotics/slamkit/spatialmath"
	"github.com/meridianrobotics/slamkit/trajectory"
	"github.com/meridianrobotics/slamkit/viz"
)

// BackEnd is the full estimation surface a SLAM front end drives. Keyframes
// and factors are staged into a pending batch; SpinOnce commits the batch to
// the underlying solver and refreshes derived products (display graph,
// trajectory). All blocking operations honor context cancellation and the
// configured lock timeout.
type BackEnd interface {
	// AddKeyFrame registers a new keyframe and returns its framework id.
	// The first keyframe must be marked as root and anchors the estimate.
	AddKeyFrame(ctx context.Context, proposal factor.KeyFrameProposal) (factor.FrameID, error)

	// AddFactor stages a constraint between registered keyframes. Smart
	// stereo observations of an already-known feature fold into the
	// existing factor and return its original id.
	AddFactor(ctx context.Context, f factor.Factor) (factor.FactorID, error)

	// AdvertiseUpdatedLocalization records the current localization
	// relative to a reference keyframe.
	AdvertiseUpdatedLocalization(ctx context.Context, loc factor.UpdatedLocalization) error

	// LatestLocalization returns the most recently advertised sample.
	LatestLocalization(ctx context.Context) (factor.UpdatedLocalization, error)

	// OnSmartFactorChanged signals that a smart factor was structurally
	// modified outside AddFactor; a committed factor is re-submitted on
	// the next commit.
	OnSmartFactorChanged(ctx context.Context, fid factor.FactorID) error

	// SpinOnce commits the pending batch, if any, to the solver.
	SpinOnce(ctx context.Context) error

	// PoseOf returns the latest estimate of a keyframe's pose, preferring
	// values still pending over the last solved ones.
	PoseOf(ctx context.Context, id factor.FrameID) (spatialmath.Pose, error)

	// CreateStereoCamera registers a stereo calibration for projection
	// factors.
	CreateStereoCamera(ctx context.Context, calib solver.StereoCamera) (factor.CameraID, error)

	// CreateLandmark registers an explicit 3D landmark variable.
	CreateLandmark(ctx context.Context, initial solver.Point) (factor.LandmarkID, error)

	// ReconstructWholePath rebuilds the time-ordered trajectory against
	// the current estimate.
	ReconstructWholePath(ctx context.Context) (*trajectory.Path, error)

	// MapSnapshot returns a copy of the current display pose graph.
	MapSnapshot(ctx context.Context) (*viz.PoseGraph, error)

	// Lock and Unlock expose the internal state lock for callers that
	// need a consistent multi-read view. Lock is reentrant per goroutine.
	Lock(ctx context.Context) error
	Unlock()

	// Close flushes configured end-of-session outputs and releases
	// resources.
	Close(ctx context.Context) error
}
