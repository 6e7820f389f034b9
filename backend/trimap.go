package backend

import (
	"github.com/pkg/errors"

	"github.com/meridianrobotics/slamkit/factor"
)

// SolverID is the estimator-side identifier of a structureless landmark
// factor, allocated independently of framework factor ids.
type SolverID uint64

// TriMap is the three-way, append-only mapping between a front-end feature
// id, the solver-side id, and the framework-level factor id of one landmark.
// Every triple is installed exactly once and the solver↔framework directions
// stay mutually inverse for the life of the session.
type TriMap struct {
	byFeature       map[factor.FeatureID]SolverID
	solver2frame    map[SolverID]factor.FactorID
	frame2solver    map[factor.FactorID]SolverID
	feature2frameID map[factor.FeatureID]factor.FactorID
}

// NewTriMap returns an empty mapping.
func NewTriMap() *TriMap {
	return &TriMap{
		byFeature:       map[factor.FeatureID]SolverID{},
		solver2frame:    map[SolverID]factor.FactorID{},
		frame2solver:    map[factor.FactorID]SolverID{},
		feature2frameID: map[factor.FeatureID]factor.FactorID{},
	}
}

// Register installs a triple once; any collision on any of the three ids
// fails with ErrAlreadyRegistered.
func (m *TriMap) Register(feature factor.FeatureID, solverID SolverID, frameworkID factor.FactorID) error {
	if _, ok := m.byFeature[feature]; ok {
		return errors.Wrapf(ErrAlreadyRegistered, "feature %d", feature)
	}
	if _, ok := m.solver2frame[solverID]; ok {
		return errors.Wrapf(ErrAlreadyRegistered, "solver id %d", solverID)
	}
	if _, ok := m.frame2solver[frameworkID]; ok {
		return errors.Wrapf(ErrAlreadyRegistered, "framework id %d", frameworkID)
	}
	m.byFeature[feature] = solverID
	m.solver2frame[solverID] = frameworkID
	m.frame2solver[frameworkID] = solverID
	m.feature2frameID[feature] = frameworkID
	return nil
}

// SolverToFramework maps a solver id to its framework id.
func (m *TriMap) SolverToFramework(id SolverID) (factor.FactorID, error) {
	fid, ok := m.solver2frame[id]
	if !ok {
		return 0, errors.Wrapf(ErrNotFound, "solver id %d", id)
	}
	return fid, nil
}

// FrameworkToSolver maps a framework id to its solver id.
func (m *TriMap) FrameworkToSolver(id factor.FactorID) (SolverID, error) {
	sid, ok := m.frame2solver[id]
	if !ok {
		return 0, errors.Wrapf(ErrNotFound, "framework id %d", id)
	}
	return sid, nil
}

// Feature returns the ids registered for a feature, if any.
func (m *TriMap) Feature(feature factor.FeatureID) (SolverID, factor.FactorID, bool) {
	sid, ok := m.byFeature[feature]
	if !ok {
		return 0, 0, false
	}
	return sid, m.feature2frameID[feature], true
}

// Len returns how many triples are registered.
func (m *TriMap) Len() int { return len(m.byFeature) }
