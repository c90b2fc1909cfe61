// Package panel estimates pooled linear models on longitudinal data and
// the covariance estimators that go with them: White, cluster,
// Driscoll-Kraay and the traditional least-squares form.
//
// Data is held as Y (T x N, periods by units) and X (N design blocks of
// T x K sharing the same K regressors). Row index t means the same
// calendar period in every block; the Driscoll-Kraay estimator depends
// on that alignment.
//
// Missing observations are handled by neutralization: the (y, x) row of
// an invalid (t, i) cell is zeroed so it contributes exactly nothing to
// any moment sum, and a validity mask records which cells are real.
// Neutralization is always an explicit caller step — left alone, NaNs
// propagate through every downstream result, which is the intended
// fail-fast behavior rather than an error.
package panel

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrRankDeficient reports a stacked design matrix without full
	// column rank.
	ErrRankDeficient = errors.New("panel: design matrix is rank-deficient")

	// ErrDimension reports incompatible input shapes.
	ErrDimension = errors.New("panel: dimension mismatch")

	// ErrClusterCount reports a cluster covariance request with fewer
	// than two distinct clusters.
	ErrClusterCount = errors.New("panel: need at least two distinct clusters")
)

// Data bundles one panel: Y is T x N, X holds one T x K design block per
// unit. The engine never retains a Data across calls; pure functions
// return fresh copies and the one mutating operation is explicitly
// named NeutralizeInPlace.
type Data struct {
	Y *mat.Dense
	X []*mat.Dense
}

// dims validates the panel shape and returns (T, K, N).
func (d *Data) dims() (T, K, N int, err error) {
	if d == nil || d.Y == nil || len(d.X) == 0 {
		return 0, 0, 0, fmt.Errorf("%w: empty panel", ErrDimension)
	}
	T, N = d.Y.Dims()
	if len(d.X) != N {
		return 0, 0, 0, fmt.Errorf("%w: Y has %d units, X has %d blocks", ErrDimension, N, len(d.X))
	}
	_, K = d.X[0].Dims()
	for i, xi := range d.X {
		r, c := xi.Dims()
		if r != T || c != K {
			return 0, 0, 0, fmt.Errorf("%w: X block %d is %d x %d, want %d x %d", ErrDimension, i, r, c, T, K)
		}
	}
	return T, K, N, nil
}

// Clone returns a deep copy of the panel.
func (d *Data) Clone() *Data {
	out := &Data{Y: mat.DenseCopyOf(d.Y), X: make([]*mat.Dense, len(d.X))}
	for i, xi := range d.X {
		out.X[i] = mat.DenseCopyOf(xi)
	}
	return out
}

// Mask records which (t, i) cells carry a real observation.
type Mask struct {
	// Valid[t][i] is true when period t of unit i is usable.
	Valid [][]bool
}

// allValid builds a mask marking every cell usable.
func allValid(T, N int) *Mask {
	v := make([][]bool, T)
	for t := range v {
		v[t] = make([]bool, N)
		for i := range v[t] {
			v[t][i] = true
		}
	}
	return &Mask{Valid: v}
}

// Counts returns the per-period number of valid observations Nb.
func (m *Mask) Counts() []float64 {
	nb := make([]float64, len(m.Valid))
	for t, row := range m.Valid {
		for _, ok := range row {
			if ok {
				nb[t]++
			}
		}
	}
	return nb
}

// Total returns the number of valid observations across the panel.
func (m *Mask) Total() int {
	n := 0
	for _, row := range m.Valid {
		for _, ok := range row {
			if ok {
				n++
			}
		}
	}
	return n
}

// Neutralize returns a copy of the panel in which every (t, i) cell with
// a NaN in y or any regressor has its y value and entire x row set to
// zero, together with the validity mask. The input is not modified.
func Neutralize(d *Data) (*Data, *Mask, error) {
	if _, _, _, err := d.dims(); err != nil {
		return nil, nil, err
	}
	out := d.Clone()
	mask, err := NeutralizeInPlace(out)
	if err != nil {
		return nil, nil, err
	}
	return out, mask, nil
}

// NeutralizeInPlace is the mutating variant of Neutralize: it zeroes the
// invalid rows of d itself and returns the mask. Callers opt into the
// mutation by choosing this function.
func NeutralizeInPlace(d *Data) (*Mask, error) {
	T, K, N, err := d.dims()
	if err != nil {
		return nil, err
	}

	mask := allValid(T, N)
	for i := 0; i < N; i++ {
		for t := 0; t < T; t++ {
			bad := math.IsNaN(d.Y.At(t, i))
			for k := 0; k < K && !bad; k++ {
				bad = math.IsNaN(d.X[i].At(t, k))
			}
			if !bad {
				continue
			}
			mask.Valid[t][i] = false
			d.Y.Set(t, i, 0)
			for k := 0; k < K; k++ {
				d.X[i].Set(t, k, 0)
			}
		}
	}
	return mask, nil
}
