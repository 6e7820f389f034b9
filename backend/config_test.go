package backend

import (
	"testing"
	"time"

	"go.viam.com/test"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	test.That(t, cfg.Validate(), test.ShouldBeNil)
	test.That(t, cfg.StateVector, test.ShouldEqual, StateVectorPose)
	test.That(t, cfg.UseIncrementalSolver, test.ShouldBeTrue)
}

func TestConfigFromAttributes(t *testing.T) {
	cfg, err := ConfigFromAttributes(map[string]interface{}{
		"state_vector":                "pose_vel",
		"use_incremental_solver":      false,
		"additional_update_steps":     2,
		"save_trajectory_file_prefix": "/tmp/session",
		"lock_timeout_sec":            0.25,
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.StateVector, test.ShouldEqual, StateVectorPoseVel)
	test.That(t, cfg.UseIncrementalSolver, test.ShouldBeFalse)
	test.That(t, cfg.AdditionalUpdateSteps, test.ShouldEqual, 2)
	test.That(t, cfg.SaveTrajectoryPrefix, test.ShouldEqual, "/tmp/session")
	test.That(t, cfg.lockTimeout(), test.ShouldEqual, 250*time.Millisecond)
	// Untouched fields keep their defaults.
	test.That(t, cfg.MaxKFIntervalSec, test.ShouldEqual, DefaultConfig().MaxKFIntervalSec)
}

func TestConfigFromAttributesRejectsBadValues(t *testing.T) {
	_, err := ConfigFromAttributes(map[string]interface{}{"state_vector": "pose_twist_accel"})
	test.That(t, err, test.ShouldNotBeNil)

	_, err = ConfigFromAttributes(map[string]interface{}{"const_vel_model_std_pos": -1.0})
	test.That(t, err, test.ShouldNotBeNil)

	_, err = ConfigFromAttributes(map[string]interface{}{"lock_timeout_sec": 0.0})
	test.That(t, err, test.ShouldNotBeNil)

	_, err = ConfigFromAttributes(map[string]interface{}{"additional_update_steps": -3})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestStateVectorNumKeys(t *testing.T) {
	n, err := StateVectorPose.NumKeys()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, n, test.ShouldEqual, 1)

	n, err = StateVectorPoseVel.NumKeys()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, n, test.ShouldEqual, 2)

	_, err = StateVector("spline").NumKeys()
	test.That(t, err, test.ShouldNotBeNil)
}
