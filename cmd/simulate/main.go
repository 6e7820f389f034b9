// Package main runs a synthetic estimation session: a robot driving a
// straight line at constant speed, with noiseless odometry links between
// consecutive keyframes and intermediate localization samples, committed
// through the backend and reconstructed at the end.
package main

import (
	"context"
	"time"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"go.uber.org/multierr"
	"go.viam.com/utils"

	"github.com/meridianrobotics/slamkit/backend"
	"github.com/meridianrobotics/slamkit/factor"
	"github.com/meridianrobotics/slamkit/solver"
	"github.com/meridianrobotics/slamkit/spatialmath"
)

var logger = golog.NewDevelopmentLogger("simulate")

func main() {
	utils.ContextualMain(mainWithArgs, logger)
}

// Arguments for the command.
type Arguments struct {
	KeyFrames        int     `flag:"keyframes,default=20,usage=number of keyframes to simulate"`
	Speed            float64 `flag:"speed,default=1.0,usage=forward speed in m/s"`
	Batch            bool    `flag:"batch,usage=use the full-batch solver instead of the incremental one"`
	TrajectoryPrefix string  `flag:"trajectory,usage=file prefix for the saved trajectory"`
	Interval         float64 `flag:"interval,default=0.05,usage=wall-clock seconds between simulated keyframes"`
}

func mainWithArgs(ctx context.Context, args []string, logger golog.Logger) error {
	var argsParsed Arguments
	if err := utils.ParseFlags(args, &argsParsed); err != nil {
		return err
	}

	cfg := backend.DefaultConfig()
	cfg.UseIncrementalSolver = !argsParsed.Batch
	cfg.SaveTrajectoryPrefix = argsParsed.TrajectoryPrefix
	cfg.SaveMapAtEnd = false

	b, err := backend.New(cfg, logger)
	if err != nil {
		return err
	}

	return runSession(ctx, b, argsParsed, logger)
}

func runSession(ctx context.Context, b *backend.Backend, args Arguments, logger golog.Logger) (err error) {
	defer func() {
		err = multierr.Combine(err, b.Close(ctx))
	}()

	start := time.Now()
	step := spatialmath.NewPoseFromPoint(r3.Vector{X: args.Speed})

	calib := solver.StereoCamera{Fx: 400, Fy: 400, Cx: 320, Cy: 240, Baseline: 0.1}
	cam, err := b.CreateStereoCamera(ctx, calib)
	if err != nil {
		return err
	}
	// One landmark tracked across the whole run, well ahead of the camera.
	beacon := r3.Vector{X: args.Speed * float64(args.KeyFrames) / 2, Z: 5}

	prev, err := b.AddKeyFrame(ctx, factor.KeyFrameProposal{Timestamp: start, IsRoot: true})
	if err != nil {
		return err
	}
	if err := observeBeacon(ctx, b, prev, spatialmath.NewZeroPose(), calib, cam, beacon); err != nil {
		return err
	}
	if err := b.SpinOnce(ctx); err != nil {
		return err
	}

	for i := 1; i < args.KeyFrames; i++ {
		if !utils.SelectContextOrWait(ctx, time.Duration(args.Interval*float64(time.Second))) {
			return ctx.Err()
		}

		stamp := start.Add(time.Duration(i) * time.Second)
		kf, err := b.AddKeyFrame(ctx, factor.KeyFrameProposal{Timestamp: stamp})
		if err != nil {
			return err
		}
		if _, err := b.AddFactor(ctx, factor.RelativePose{From: prev, To: kf, RelPose: step}); err != nil {
			return err
		}
		truth := spatialmath.NewPoseFromPoint(r3.Vector{X: args.Speed * float64(i)})
		if err := observeBeacon(ctx, b, kf, truth, calib, cam, beacon); err != nil {
			return err
		}
		// A localization sample halfway between the two keyframes.
		if err := b.AdvertiseUpdatedLocalization(ctx, factor.UpdatedLocalization{
			Timestamp: stamp.Add(-500 * time.Millisecond),
			Reference: prev,
			RelPose:   spatialmath.NewPoseFromPoint(r3.Vector{X: args.Speed / 2}),
		}); err != nil {
			return err
		}
		if err := b.SpinOnce(ctx); err != nil {
			return err
		}

		pose, err := b.PoseOf(ctx, kf)
		if err != nil {
			return err
		}
		logger.Infow("keyframe committed", "id", kf, "pose", pose.Point())
		prev = kf
	}

	pending, err := b.PendingFactors(ctx)
	if err != nil {
		return err
	}
	if pending > 0 {
		if err := b.SpinOnce(ctx); err != nil {
			return err
		}
	}

	path, err := b.ReconstructWholePath(ctx)
	if err != nil {
		return err
	}
	logger.Infow("session done", "keyframes", args.KeyFrames, "path_samples", path.Len(), "time_ordered", path.TimeOrdered())
	return nil
}

// observeBeacon submits one smart stereo observation of the beacon from a
// keyframe at the given ground-truth pose.
func observeBeacon(
	ctx context.Context,
	b *backend.Backend,
	kf factor.FrameID,
	truth spatialmath.Pose,
	calib solver.StereoCamera,
	cam factor.CameraID,
	beacon r3.Vector,
) error {
	px, err := calib.Project(spatialmath.Invert(truth).Transform(beacon))
	if err != nil {
		return err
	}
	_, err = b.AddFactor(ctx, factor.SmartStereoProjection{
		Frame:   kf,
		Feature: 1,
		Camera:  cam,
		Pixel:   px,
		SigmaPx: 1,
	})
	return err
}
