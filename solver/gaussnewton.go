package solver

import (
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// numericStepSize is the perturbation used for central-difference Jacobians.
const numericStepSize = 1e-6

// freeLayout assigns a column block to every non-fixed key referenced by the
// graph, in ascending key order.
func freeLayout(g Graph, vals Values, fixed map[Key]struct{}) ([]Key, map[Key]int, int, error) {
	seen := map[Key]struct{}{}
	var keys []Key
	for _, f := range g {
		for _, k := range f.Keys() {
			if _, isFixed := fixed[k]; isFixed {
				continue
			}
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	offsets := make(map[Key]int, len(keys))
	cols := 0
	for _, k := range keys {
		v, err := vals.At(k)
		if err != nil {
			return nil, nil, 0, err
		}
		offsets[k] = cols
		cols += valueDim(v)
	}
	return keys, offsets, cols, nil
}

// totalError returns half the squared norm of the whitened residual of the
// whole graph.
func totalError(g Graph, vals Values) (float64, error) {
	sum := 0.0
	for _, f := range g {
		r, err := f.Error(vals)
		if err != nil {
			return 0, err
		}
		for _, v := range r {
			sum += v * v
		}
	}
	return sum / 2, nil
}

type stepResult struct {
	values Values
	dxNorm float64
}

// step performs one damped Gauss-Newton iteration: numeric linearization of
// every factor about vals, a normal-equations solve, and a retraction of every
// free variable. vals is not modified.
func step(g Graph, vals Values, fixed map[Key]struct{}, lambda float64) (stepResult, error) {
	keys, offsets, cols, err := freeLayout(g, vals, fixed)
	if err != nil {
		return stepResult{}, err
	}
	rows := 0
	for _, f := range g {
		rows += f.Dim()
	}
	if cols == 0 || rows == 0 {
		return stepResult{values: vals.Copy()}, nil
	}

	jac := mat.NewDense(rows, cols, nil)
	resid := mat.NewVecDense(rows, nil)

	work := vals.Copy()
	row := 0
	for _, f := range g {
		r0, err := f.Error(vals)
		if err != nil {
			return stepResult{}, err
		}
		if len(r0) != f.Dim() {
			return stepResult{}, errors.Errorf("solver: factor returned %d residuals, declared %d", len(r0), f.Dim())
		}
		for i, v := range r0 {
			resid.SetVec(row+i, v)
		}
		for _, k := range f.Keys() {
			col, free := offsets[k]
			if !free {
				continue
			}
			base, err := vals.At(k)
			if err != nil {
				return stepResult{}, err
			}
			dim := valueDim(base)
			delta := make([]float64, dim)
			for j := 0; j < dim; j++ {
				delta[j] = numericStepSize
				work.Set(k, retractValue(base, delta))
				rPlus, err := f.Error(work)
				if err != nil {
					return stepResult{}, err
				}
				delta[j] = -numericStepSize
				work.Set(k, retractValue(base, delta))
				rMinus, err := f.Error(work)
				if err != nil {
					return stepResult{}, err
				}
				delta[j] = 0
				work.Set(k, base)
				for i := range r0 {
					jac.Set(row+i, col+j, (rPlus[i]-rMinus[i])/(2*numericStepSize))
				}
			}
		}
		row += f.Dim()
	}

	// Normal equations with Levenberg damping on the diagonal.
	var ata mat.SymDense
	ata.SymOuterK(1, jac.T())
	for i := 0; i < cols; i++ {
		ata.SetSym(i, i, ata.At(i, i)+lambda)
	}
	atb := mat.NewVecDense(cols, nil)
	atb.MulVec(jac.T(), resid)
	atb.ScaleVec(-1, atb)

	var chol mat.Cholesky
	if ok := chol.Factorize(&ata); !ok {
		return stepResult{}, errors.New("solver: normal equations not positive definite")
	}
	dx := mat.NewVecDense(cols, nil)
	if err := chol.SolveVecTo(dx, atb); err != nil {
		return stepResult{}, errors.Wrap(err, "solver: normal equations solve failed")
	}

	out := vals.Copy()
	for _, k := range keys {
		base, err := vals.At(k)
		if err != nil {
			return stepResult{}, err
		}
		dim := valueDim(base)
		off := offsets[k]
		delta := make([]float64, dim)
		for j := 0; j < dim; j++ {
			delta[j] = dx.AtVec(off + j)
		}
		out.Set(k, retractValue(base, delta))
	}
	return stepResult{values: out, dxNorm: mat.Norm(dx, 2)}, nil
}
