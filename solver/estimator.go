package solver

import (
	"context"
	"math"

	"github.com/pkg/errors"
)

// An Estimator accepts factor-graph additions plus initial values and
// maintains a refined estimate of every variable. An update is atomic: on any
// failure the previous estimate and graph are left untouched.
type Estimator interface {
	// Fix marks a key as anchored: its value is used but never re-estimated.
	Fix(k Key)
	// Update appends factors and initial values, refines the estimate, and
	// returns the indices the appended factors received. changed identifies
	// already-held factors (smart factors) whose structure mutated since the
	// last update and must be relinearized rather than re-inserted.
	Update(ctx context.Context, additions Graph, initial Values, changed map[FactorIndex]struct{}) ([]FactorIndex, error)
	// Calculate returns an independent copy of the current full estimate.
	Calculate() Values
	// Estimate returns the current value of one variable, or ErrKeyNotFound.
	Estimate(k Key) (Value, error)
	// NumFactors returns how many factors the estimator holds.
	NumFactors() int
	// FactorAt returns the factor at a given index.
	FactorAt(i FactorIndex) (Factor, error)
}

// Options tunes both estimator drivers. The zero value is usable.
type Options struct {
	// ExtraUpdateSteps adds refinement passes to every incremental update,
	// trading per-step latency for faster convergence.
	ExtraUpdateSteps int
	// RelinearizeThreshold stops iterating once the update step norm falls
	// below it.
	RelinearizeThreshold float64
	// RelinearizeSkip runs the extra refinement passes only every n-th
	// update.
	RelinearizeSkip int
	// MaxIterations bounds the batch driver's Levenberg-Marquardt loop.
	MaxIterations int
}

func (o Options) withDefaults() Options {
	if o.RelinearizeThreshold <= 0 {
		o.RelinearizeThreshold = 1e-8
	}
	if o.RelinearizeSkip < 1 {
		o.RelinearizeSkip = 1
	}
	if o.MaxIterations < 1 {
		o.MaxIterations = 50
	}
	return o
}

type estimatorState struct {
	graph  Graph
	values Values
	fixed  map[Key]struct{}
}

func newEstimatorState() estimatorState {
	return estimatorState{values: NewValues(), fixed: map[Key]struct{}{}}
}

func (s *estimatorState) fix(k Key) { s.fixed[k] = struct{}{} }

// stage builds the post-update graph and values on copies, validating the
// changed-factor set against the held graph.
func (s *estimatorState) stage(additions Graph, initial Values, changed map[FactorIndex]struct{}) (Graph, Values, []FactorIndex, error) {
	for idx := range changed {
		if int(idx) < 0 || int(idx) >= len(s.graph) {
			return nil, Values{}, nil, errors.Errorf("solver: changed factor index %d out of range (have %d factors)", idx, len(s.graph))
		}
	}
	g := make(Graph, len(s.graph), len(s.graph)+len(additions))
	copy(g, s.graph)
	indices := make([]FactorIndex, 0, len(additions))
	for _, f := range additions {
		indices = append(indices, FactorIndex(len(g)))
		g = append(g, f)
	}
	v := s.values.Copy()
	if err := v.MergeNew(initial); err != nil {
		return nil, Values{}, nil, err
	}
	return g, v, indices, nil
}

func (s *estimatorState) estimate(k Key) (Value, error) { return s.values.At(k) }

func (s *estimatorState) factorAt(i FactorIndex) (Factor, error) {
	if int(i) < 0 || int(i) >= len(s.graph) {
		return nil, errors.Errorf("solver: factor index %d out of range", i)
	}
	return s.graph[i], nil
}

// Incremental refines the estimate with a bounded number of Gauss-Newton
// passes per update, in the manner of an iSAM-style smoother: cheap steps on
// every update, full refinement only every RelinearizeSkip updates.
type Incremental struct {
	state   estimatorState
	opts    Options
	updates int
}

// NewIncremental returns an incremental estimator.
func NewIncremental(opts Options) *Incremental {
	return &Incremental{state: newEstimatorState(), opts: opts.withDefaults()}
}

// Fix implements Estimator.
func (e *Incremental) Fix(k Key) { e.state.fix(k) }

// Update implements Estimator.
func (e *Incremental) Update(ctx context.Context, additions Graph, initial Values, changed map[FactorIndex]struct{}) ([]FactorIndex, error) {
	g, v, indices, err := e.state.stage(additions, initial, changed)
	if err != nil {
		return nil, err
	}
	steps := 1 + e.opts.ExtraUpdateSteps
	if e.opts.RelinearizeSkip > 1 && (e.updates+1)%e.opts.RelinearizeSkip != 0 && len(changed) == 0 {
		steps = 1
	}
	for i := 0; i < steps; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		// A touch of damping keeps the normal equations positive definite
		// when a variable is only weakly constrained.
		res, err := step(g, v, e.state.fixed, 1e-9)
		if err != nil {
			return nil, err
		}
		v = res.values
		if res.dxNorm < e.opts.RelinearizeThreshold {
			break
		}
	}
	e.state.graph = g
	e.state.values = v
	e.updates++
	return indices, nil
}

// Calculate implements Estimator.
func (e *Incremental) Calculate() Values { return e.state.values.Copy() }

// Estimate implements Estimator.
func (e *Incremental) Estimate(k Key) (Value, error) { return e.state.estimate(k) }

// NumFactors implements Estimator.
func (e *Incremental) NumFactors() int { return len(e.state.graph) }

// FactorAt implements Estimator.
func (e *Incremental) FactorAt(i FactorIndex) (Factor, error) { return e.state.factorAt(i) }

// Batch re-optimizes the whole graph with Levenberg-Marquardt on every
// update: higher latency, exact in the nonlinear least-squares sense.
type Batch struct {
	state estimatorState
	opts  Options
}

// NewBatch returns a full-batch estimator.
func NewBatch(opts Options) *Batch {
	return &Batch{state: newEstimatorState(), opts: opts.withDefaults()}
}

// Fix implements Estimator.
func (e *Batch) Fix(k Key) { e.state.fix(k) }

// Update implements Estimator.
func (e *Batch) Update(ctx context.Context, additions Graph, initial Values, changed map[FactorIndex]struct{}) ([]FactorIndex, error) {
	g, v, indices, err := e.state.stage(additions, initial, changed)
	if err != nil {
		return nil, err
	}
	best, err := totalError(g, v)
	if err != nil {
		return nil, err
	}
	lambda := 1e-4
	for i := 0; i < e.opts.MaxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := step(g, v, e.state.fixed, lambda)
		if err != nil {
			// Retry with stronger damping before giving up.
			lambda *= 10
			if lambda > 1e10 {
				return nil, errors.Wrap(err, "solver: batch optimization diverged")
			}
			continue
		}
		cand, err := totalError(g, res.values)
		if err != nil {
			return nil, err
		}
		if cand <= best {
			v = res.values
			best = cand
			lambda = math.Max(lambda/10, 1e-12)
			if res.dxNorm < e.opts.RelinearizeThreshold {
				break
			}
		} else {
			lambda *= 10
			if lambda > 1e10 {
				break
			}
		}
	}
	e.state.graph = g
	e.state.values = v
	return indices, nil
}

// Calculate implements Estimator.
func (e *Batch) Calculate() Values { return e.state.values.Copy() }

// Estimate implements Estimator.
func (e *Batch) Estimate(k Key) (Value, error) { return e.state.estimate(k) }

// NumFactors implements Estimator.
func (e *Batch) NumFactors() int { return len(e.state.graph) }

// FactorAt implements Estimator.
func (e *Batch) FactorAt(i FactorIndex) (Factor, error) { return e.state.factorAt(i) }
