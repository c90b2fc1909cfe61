// Package hac computes long-run covariance matrices of score series.
//
// Given a T x q matrix of per-period score (moment) vectors, LongRunCov
// returns the Bartlett-kernel weighted estimate of Var(sqrt(T) * gbar),
// the quantity every robust coefficient covariance in this module is
// built from. Bandwidth 0 degenerates to the heteroskedasticity-only
// (White) estimator; positive bandwidths add Newey-West autocovariance
// terms.
//
// Summation order follows the storage order of the input, so results may
// differ in the last floating-point digits across gonum versions.
package hac

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// ErrInsufficientObs is returned when the score matrix has no rows.
var ErrInsufficientObs = errors.New("hac: insufficient observations for requested bandwidth")

// Bartlett returns the Bartlett kernel weight 1 - s/(m+1) for lag s at
// bandwidth m. Weights are zero for s > m, which is what guarantees
// positive semidefiniteness of the weighted sum.
func Bartlett(s, m int) float64 {
	if s < 0 || s > m {
		return 0
	}
	return 1.0 - float64(s)/float64(m+1)
}

// LongRunCov estimates the long-run covariance of the T x q score matrix g.
//
// The columns of g are demeaned, then
//
//	S = gc'gc + sum_{s=1..m} w(s) * (L_s + L_s')
//
// where L_s = sum_{t=s+1..T} g_t g_{t-s}' and w(s) is the Bartlett
// weight. A bandwidth larger than T-1 is clamped to T-1; this clamp is
// the documented safe behavior, not a failure. A negative bandwidth is a
// dimension error.
func LongRunCov(g mat.Matrix, bandwidth int) (*mat.SymDense, error) {
	T, q := g.Dims()
	if T == 0 {
		return nil, ErrInsufficientObs
	}
	if bandwidth < 0 {
		return nil, fmt.Errorf("hac: bandwidth must be >= 0, got %d", bandwidth)
	}
	if bandwidth > T-1 {
		bandwidth = T - 1
	}

	// Demean each column of g.
	gc := mat.NewDense(T, q, nil)
	col := make([]float64, T)
	for j := 0; j < q; j++ {
		mat.Col(col, j, g)
		mean := stat.Mean(col, nil)
		for t := 0; t < T; t++ {
			gc.Set(t, j, col[t]-mean)
		}
	}

	// Lag-0 term: gc'gc.
	var s0 mat.Dense
	s0.Mul(gc.T(), gc)

	S := mat.NewDense(q, q, nil)
	S.CloneFrom(&s0)

	// Bartlett-weighted symmetrized lag terms.
	for s := 1; s <= bandwidth; s++ {
		w := Bartlett(s, bandwidth)

		lam := mat.NewDense(q, q, nil)
		for t := s; t < T; t++ {
			for i := 0; i < q; i++ {
				gi := gc.At(t, i)
				for j := 0; j < q; j++ {
					lam.Set(i, j, lam.At(i, j)+gi*gc.At(t-s, j))
				}
			}
		}

		for i := 0; i < q; i++ {
			for j := 0; j < q; j++ {
				S.Set(i, j, S.At(i, j)+w*(lam.At(i, j)+lam.At(j, i)))
			}
		}
	}

	// Force exact symmetry before handing back a SymDense; the loop above
	// is symmetric up to floating-point error only.
	out := mat.NewSymDense(q, nil)
	for i := 0; i < q; i++ {
		for j := i; j < q; j++ {
			out.SetSym(i, j, 0.5*(S.At(i, j)+S.At(j, i)))
		}
	}
	return out, nil
}
