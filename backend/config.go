package backend

import (
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
)

// StateVector selects how much state each keyframe carries.
type StateVector string

// The supported state-vector kinds.
const (
	// StateVectorPose estimates only a pose per keyframe.
	StateVectorPose = StateVector("pose")
	// StateVectorPoseVel estimates a pose plus a linear velocity per
	// keyframe, enabling the constant-velocity dynamics model.
	StateVectorPoseVel = StateVector("pose_vel")
)

// NumKeys returns how many solver variables a keyframe of this kind needs.
func (s StateVector) NumKeys() (int, error) {
	switch s {
	case StateVectorPose:
		return 1, nil
	case StateVectorPoseVel:
		return 2, nil
	default:
		return 0, errors.Errorf("unknown state vector kind %q", s)
	}
}

// Config tunes the estimation backend.
type Config struct {
	// StateVector is the per-keyframe state kind; see StateVector.
	StateVector StateVector `json:"state_vector"`

	// UseIncrementalSolver selects the incremental estimator (continuous
	// cheap refinement) over the full-batch one (exact, slower).
	UseIncrementalSolver bool `json:"use_incremental_solver"`

	// AdditionalUpdateSteps adds refinement passes to every commit, trading
	// latency for faster convergence.
	AdditionalUpdateSteps int `json:"additional_update_steps"`

	// RelinearizeThreshold and RelinearizeSkip tune the incremental solver;
	// see solver.Options.
	RelinearizeThreshold float64 `json:"relinearize_threshold"`
	RelinearizeSkip      int     `json:"relinearize_skip"`

	// SaveTrajectoryPrefix, when nonempty, enables recording of non-keyframe
	// localization samples and saves the whole reconstructed trajectory under
	// this file prefix at session end.
	SaveTrajectoryPrefix string `json:"save_trajectory_file_prefix"`

	// SaveMapAtEnd persists the pose-graph map under MapDirectory at session
	// end.
	SaveMapAtEnd bool   `json:"save_map_at_end"`
	MapDirectory string `json:"map_base_directory"`

	// Constant-velocity model sigmas: position equation and velocity
	// equation, both scaled by sqrt of the elapsed time between keyframes.
	ConstVelStdPos float64 `json:"const_vel_model_std_pos"`
	ConstVelStdVel float64 `json:"const_vel_model_std_vel"`

	// MaxKFIntervalSec is the largest gap, in seconds, across which the
	// constant-velocity link (and an active inertial preintegration) is still
	// trusted; beyond it the link is skipped.
	MaxKFIntervalSec float64 `json:"max_interval_between_kfs_for_dynamic_model"`

	// LockTimeoutSec bounds every internal lock acquisition.
	LockTimeoutSec float64 `json:"lock_timeout_sec"`

	// RelPoseSigmas holds default relative-pose factor sigmas (translation,
	// rotation) used when the submitted factor carries none.
	DefaultRelPoseStdPos float64 `json:"default_rel_pose_std_pos"`
	DefaultRelPoseStdRot float64 `json:"default_rel_pose_std_rot"`
}

// DefaultConfig mirrors the defaults of a typical incremental session.
func DefaultConfig() Config {
	return Config{
		StateVector:          StateVectorPose,
		UseIncrementalSolver: true,
		RelinearizeThreshold: 0.1,
		RelinearizeSkip:      1,
		SaveMapAtEnd:         true,
		ConstVelStdPos:       0.1,
		ConstVelStdVel:       1.0,
		MaxKFIntervalSec:     5.0,
		LockTimeoutSec:       1.0,
		DefaultRelPoseStdPos: 0.05,
		DefaultRelPoseStdRot: 0.02,
	}
}

// ConfigFromAttributes decodes a framework attribute map over the defaults.
func ConfigFromAttributes(attributes map[string]interface{}) (Config, error) {
	cfg := DefaultConfig()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{TagName: "json", Result: &cfg})
	if err != nil {
		return Config{}, err
	}
	if err := decoder.Decode(attributes); err != nil {
		return Config{}, errors.Wrap(err, "decoding backend config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for usable values.
func (c Config) Validate() error {
	if _, err := c.StateVector.NumKeys(); err != nil {
		return err
	}
	if c.ConstVelStdPos <= 0 || c.ConstVelStdVel <= 0 {
		return errors.Errorf("constant-velocity sigmas must be positive (got %v, %v)", c.ConstVelStdPos, c.ConstVelStdVel)
	}
	if c.MaxKFIntervalSec <= 0 {
		return errors.Errorf("max keyframe interval must be positive, got %v", c.MaxKFIntervalSec)
	}
	if c.LockTimeoutSec <= 0 {
		return errors.Errorf("lock timeout must be positive, got %v", c.LockTimeoutSec)
	}
	if c.AdditionalUpdateSteps < 0 {
		return errors.Errorf("additional update steps must be nonnegative, got %d", c.AdditionalUpdateSteps)
	}
	if c.DefaultRelPoseStdPos <= 0 || c.DefaultRelPoseStdRot <= 0 {
		return errors.New("default relative-pose sigmas must be positive")
	}
	return nil
}

func (c Config) lockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutSec * float64(time.Second))
}

func (c Config) maxKFInterval() time.Duration {
	return time.Duration(c.MaxKFIntervalSec * float64(time.Second))
}
