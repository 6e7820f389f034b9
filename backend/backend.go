// Package backend implements the state-estimation core of the SLAM pipeline:
// it owns the mapping between framework-level keyframes/factors and the
// estimator's variables/factors, batches pending graph edits, commits them
// atomically, and maintains the consistent solved view consumed by
// localization queries, trajectory export, and visualization.
package backend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"github.com/meridianrobotics/slamkit"
	"github.com/meridianrobotics/slamkit/factor"
	"github.com/meridianrobotics/slamkit/rmutex"
	"github.com/meridianrobotics/slamkit/solver"
	"github.com/meridianrobotics/slamkit/spatialmath"
	"github.com/meridianrobotics/slamkit/viz"
	"github.com/meridianrobotics/slamkit/workerpool"
)

// commitState tracks the pending-batch lifecycle for observability.
type commitState int32

const (
	stateIdle commitState = iota
	stateAccumulating
	stateCommitting
)

func (s commitState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateAccumulating:
		return "accumulating"
	case stateCommitting:
		return "committing"
	default:
		return fmt.Sprintf("commitState(%d)", int32(s))
	}
}

var _ slamkit.BackEnd = (*Backend)(nil)

// Backend is the keyframe/factor lifecycle manager. All exported methods are
// safe for concurrent use by multiple front-end goroutines.
//
// Lock ordering: the keys lock may be taken while holding the solver or viz
// lock; the solver and viz locks are never nested in either order.
type Backend struct {
	logger    golog.Logger
	cfg       Config
	clk       clock.Clock
	sessionID uuid.UUID

	estimator solver.Estimator
	state     atomic.Int32

	// solverMu guards the pending batch, committed values, trajectory record,
	// and the estimator itself.
	solverMu      *rmutex.Mutex
	newFactors    solver.Graph
	newValues     solver.Values
	changedSmart  map[solver.FactorIndex]struct{}
	smartIndex    map[factor.FactorID]solver.FactorIndex // solver slot per committed smart factor
	pendingFIDs   []factor.FactorID // framework id per entry of newFactors
	lastValues    solver.Values
	kfHasValue    map[factor.FrameID]struct{}
	trajectoryRec map[int64]trajRecord

	// keysMu guards every identifier table.
	keysMu       *rmutex.Mutex
	keys         *keyTable
	triMap       *TriMap
	cameras      map[factor.CameraID]*solver.StereoCamera
	landmarks    map[factor.LandmarkID]solver.Key
	smartFactors map[factor.FactorID]*solver.SmartStereo
	kfTimes      map[factor.FrameID]time.Time
	timeline     []timeEntry // ascending by time
	rootKF       factor.FrameID
	lastKF       factor.FrameID
	activeIMU    []pendingIMU

	// vizMu guards the render-facing pose graph; independent of solverMu so
	// display consumers never stall estimation.
	vizMu  *rmutex.Mutex
	vizmap *viz.PoseGraph

	latestLocMu   *rmutex.Mutex
	latestLoc     factor.UpdatedLocalization
	haveLatestLoc bool

	refresher *workerpool.DropOldest
	renderer  viz.Renderer

	nextKey      atomic.Uint64
	nextFrameID  atomic.Uint64
	nextFactorID atomic.Uint64
	nextSolverID atomic.Uint64
	nextCameraID atomic.Uint64
	nextLandmark atomic.Uint64
}

type timeEntry struct {
	t  time.Time
	id factor.FrameID
}

// trajRecord is one entry of the relative-pose trajectory history.
type trajRecord struct {
	loc        factor.UpdatedLocalization
	isKeyFrame bool
}

type pendingIMU struct {
	from factor.FrameID
	pre  *factor.Preintegrator
	fid  factor.FactorID
}

// An Option customizes backend construction.
type Option func(*Backend)

// WithClock injects the clock used for commit timing and snapshots.
func WithClock(c clock.Clock) Option {
	return func(b *Backend) { b.clk = c }
}

// WithRenderer attaches the display consumer fed by the background refresher.
func WithRenderer(r viz.Renderer) Option {
	return func(b *Backend) { b.renderer = r }
}

// New builds a backend for one SLAM session.
func New(cfg Config, logger golog.Logger, opts ...Option) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b := &Backend{
		logger:        logger,
		cfg:           cfg,
		clk:           clock.New(),
		sessionID:     uuid.New(),
		solverMu:      rmutex.New("solver"),
		keysMu:        rmutex.New("keys"),
		vizMu:         rmutex.New("viz"),
		latestLocMu:   rmutex.New("latest-localization"),
		newValues:     solver.NewValues(),
		changedSmart:  map[solver.FactorIndex]struct{}{},
		lastValues:    solver.NewValues(),
		kfHasValue:    map[factor.FrameID]struct{}{},
		trajectoryRec: map[int64]trajRecord{},
		triMap:        NewTriMap(),
		cameras:       map[factor.CameraID]*solver.StereoCamera{},
		landmarks:     map[factor.LandmarkID]solver.Key{},
		smartFactors:  map[factor.FactorID]*solver.SmartStereo{},
		smartIndex:    map[factor.FactorID]solver.FactorIndex{},
		kfTimes:       map[factor.FrameID]time.Time{},
		rootKF:        factor.InvalidFrame,
		lastKF:        factor.InvalidFrame,
		vizmap:        viz.NewPoseGraph(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.keys = newKeyTable(cfg.StateVector, func() solver.Key {
		return solver.Key(b.nextKey.Inc() - 1)
	})
	solverOpts := solver.Options{
		ExtraUpdateSteps:     cfg.AdditionalUpdateSteps,
		RelinearizeThreshold: cfg.RelinearizeThreshold,
		RelinearizeSkip:      cfg.RelinearizeSkip,
	}
	if cfg.UseIncrementalSolver {
		b.estimator = solver.NewIncremental(solverOpts)
	} else {
		b.estimator = solver.NewBatch(solverOpts)
	}
	b.refresher = workerpool.NewDropOldest(logger)
	b.state.Store(int32(stateIdle))
	logger.Infow("estimation backend ready",
		"session", b.sessionID.String(),
		"state_vector", string(cfg.StateVector),
		"incremental", cfg.UseIncrementalSolver)
	return b, nil
}

// State returns the pending-batch lifecycle state.
func (b *Backend) State() string { return commitState(b.state.Load()).String() }

// Lock implements the host framework's whole-estimator lock: after it returns
// the caller may read a fully consistent view until Unlock. It is reentrant
// with every internal acquisition by the same goroutine.
func (b *Backend) Lock(ctx context.Context) error {
	if err := b.lockSolver(ctx); err != nil {
		return err
	}
	if err := b.lockKeys(ctx); err != nil {
		b.solverMu.Unlock()
		return err
	}
	return nil
}

// Unlock releases the whole-estimator lock.
func (b *Backend) Unlock() {
	b.keysMu.Unlock()
	b.solverMu.Unlock()
}

// at returns the freshest value for a key: the not-yet-committed queue takes
// precedence over the last committed snapshot. The solver lock must be held.
func (b *Backend) at(k solver.Key) (solver.Value, error) {
	if b.newValues.Has(k) {
		return b.newValues.At(k)
	}
	return b.lastValues.At(k)
}

// At returns the freshest value for a solver key, failing with
// solver.ErrKeyNotFound when the key exists in neither store.
func (b *Backend) At(ctx context.Context, k solver.Key) (solver.Value, error) {
	if err := b.lockSolver(ctx); err != nil {
		return nil, err
	}
	defer b.solverMu.Unlock()
	return b.at(k)
}

// PoseOf returns the freshest solved pose of a keyframe.
func (b *Backend) PoseOf(ctx context.Context, id factor.FrameID) (spatialmath.Pose, error) {
	tuple, err := b.lookupKeys(ctx, id)
	if err != nil {
		return spatialmath.Pose{}, err
	}
	if err := b.lockSolver(ctx); err != nil {
		return spatialmath.Pose{}, err
	}
	defer b.solverMu.Unlock()
	return b.poseAt(tuple[keyIndexPose])
}

// poseAt reads a pose through the pending-first lookup. The solver lock must
// be held.
func (b *Backend) poseAt(k solver.Key) (spatialmath.Pose, error) {
	v, err := b.at(k)
	if err != nil {
		return spatialmath.Pose{}, err
	}
	pv, ok := v.(solver.PoseVal)
	if !ok {
		return spatialmath.Pose{}, errors.Errorf("key %d holds a %T, not a pose", k, v)
	}
	return pv.Pose, nil
}

// velocityAt reads a velocity through the pending-first lookup. The solver
// lock must be held.
func (b *Backend) velocityAt(k solver.Key) (solver.Velocity, error) {
	v, err := b.at(k)
	if err != nil {
		return solver.Velocity{}, err
	}
	vel, ok := v.(solver.Velocity)
	if !ok {
		return solver.Velocity{}, errors.Errorf("key %d holds a %T, not a velocity", k, v)
	}
	return vel, nil
}

// CreateStereoCamera registers a calibrated stereo rig and returns its handle.
func (b *Backend) CreateStereoCamera(ctx context.Context, calib solver.StereoCamera) (factor.CameraID, error) {
	if err := calib.Validate(); err != nil {
		return 0, multierr.Append(ErrMalformedFactor, err)
	}
	if err := b.lockKeys(ctx); err != nil {
		return 0, err
	}
	defer b.keysMu.Unlock()
	id := factor.CameraID(b.nextCameraID.Inc() - 1)
	c := calib
	b.cameras[id] = &c
	return id, nil
}

// CreateLandmark instantiates an explicit landmark variable with an initial
// position guess and returns its handle.
func (b *Backend) CreateLandmark(ctx context.Context, initial solver.Point) (factor.LandmarkID, error) {
	if err := b.lockKeys(ctx); err != nil {
		return 0, err
	}
	id := factor.LandmarkID(b.nextLandmark.Inc() - 1)
	k := solver.Key(b.nextKey.Inc() - 1)
	b.landmarks[id] = k
	b.keysMu.Unlock()

	if err := b.lockSolver(ctx); err != nil {
		return 0, err
	}
	defer b.solverMu.Unlock()
	if err := b.newValues.Insert(k, initial); err != nil {
		return 0, err
	}
	b.state.Store(int32(stateAccumulating))
	return id, nil
}

// Close tears the session down: it stops the display refresher and honors the
// persistence contracts (trajectory by file prefix, map by directory).
func (b *Backend) Close(ctx context.Context) error {
	b.refresher.Close()

	var errs error
	if b.cfg.SaveTrajectoryPrefix != "" {
		path, err := b.ReconstructWholePath(ctx)
		if err != nil {
			errs = multierr.Append(errs, err)
		} else if err := path.Save(b.cfg.SaveTrajectoryPrefix); err != nil {
			errs = multierr.Append(errs, err)
		} else {
			b.logger.Infow("saved trajectory", "prefix", b.cfg.SaveTrajectoryPrefix, "samples", path.Len())
		}
	}
	if b.cfg.SaveMapAtEnd && b.cfg.MapDirectory != "" {
		errs = multierr.Append(errs, b.saveMap(ctx))
	}
	return errs
}

// saveMap persists the render pose graph as an edge/node listing.
func (b *Backend) saveMap(ctx context.Context) (err error) {
	if err := b.lockViz(ctx); err != nil {
		return err
	}
	snap := b.vizmap.Clone()
	b.vizMu.Unlock()

	name := filepath.Join(b.cfg.MapDirectory, b.sessionID.String()+".posegraph.csv")
	f, err := os.Create(name)
	if err != nil {
		return errors.Wrap(err, "saving map")
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	for _, id := range snap.FrameIDs() {
		n := snap.Nodes[id]
		p := n.Pose.Point()
		q := n.Pose.Rotation()
		if _, err := fmt.Fprintf(f, "node,%d,%g,%g,%g,%g,%g,%g,%g\n", id, p.X, p.Y, p.Z, q.Imag, q.Jmag, q.Kmag, q.Real); err != nil {
			return err
		}
	}
	for _, e := range snap.Edges {
		if _, err := fmt.Fprintf(f, "edge,%d,%d\n", e.From, e.To); err != nil {
			return err
		}
	}
	b.logger.Infow("saved map", "file", name, "nodes", len(snap.Nodes), "edges", len(snap.Edges))
	return nil
}

// lookupKeys fetches a keyframe's key tuple under the keys lock.
func (b *Backend) lookupKeys(ctx context.Context, id factor.FrameID) (KeyTuple, error) {
	if err := b.lockKeys(ctx); err != nil {
		return KeyTuple{}, err
	}
	defer b.keysMu.Unlock()
	return b.keys.lookup(id)
}

// The lock helpers bound every acquisition by the configured timeout so a
// contended guard surfaces as ErrLockTimeout instead of blocking forever.

func (b *Backend) lockSolver(ctx context.Context) error { return b.lockBounded(ctx, b.solverMu) }
func (b *Backend) lockKeys(ctx context.Context) error   { return b.lockBounded(ctx, b.keysMu) }
func (b *Backend) lockViz(ctx context.Context) error    { return b.lockBounded(ctx, b.vizMu) }

func (b *Backend) lockBounded(ctx context.Context, m *rmutex.Mutex) error {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.lockTimeout())
	defer cancel()
	return m.Lock(ctx)
}
