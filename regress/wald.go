package regress

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// WaldResult holds a Wald test of linear restrictions on a coefficient
// vector.
type WaldResult struct {
	Stat   float64 // quadratic form (R theta - r)' (R V R')^(-1) (R theta - r)
	DF     int     // number of restrictions (rows of R)
	PValue float64 // upper chi-squared tail at Stat
}

// Wald tests the q linear restrictions R theta = r against the estimated
// covariance cov of theta. The row ordering of R must follow the same
// coefficient stacking as theta (for SURE: equation-major, see
// SUREResult.Theta).
func Wald(R *mat.Dense, r *mat.VecDense, theta *mat.VecDense, cov *mat.SymDense) (*WaldResult, error) {
	q, p := R.Dims()
	if r.Len() != q {
		return nil, fmt.Errorf("%w: R has %d rows, r has %d", ErrDimension, q, r.Len())
	}
	if theta.Len() != p {
		return nil, fmt.Errorf("%w: R has %d columns, theta has %d", ErrDimension, p, theta.Len())
	}
	if n := cov.SymmetricDim(); n != p {
		return nil, fmt.Errorf("%w: cov is %d x %d, theta has %d", ErrDimension, n, n, p)
	}

	// Discrepancy d = R theta - r.
	d := mat.NewVecDense(q, nil)
	d.MulVec(R, theta)
	d.SubVec(d, r)

	// Middle matrix R V R'.
	var rv, rvr mat.Dense
	rv.Mul(R, cov)
	rvr.Mul(&rv, R.T())

	var inv mat.Dense
	if err := inv.Inverse(&rvr); err != nil {
		return nil, fmt.Errorf("%w: restriction covariance is singular: %v", ErrRankDeficient, err)
	}

	var tmp mat.VecDense
	tmp.MulVec(&inv, d)
	stat := mat.Dot(d, &tmp)

	chi := distuv.ChiSquared{K: float64(q)}
	pv := chi.Survival(stat)
	if pv < 0 {
		pv = 0
	}
	if pv > 1 {
		pv = 1
	}

	return &WaldResult{Stat: stat, DF: q, PValue: pv}, nil
}
