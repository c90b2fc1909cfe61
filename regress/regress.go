// Package regress estimates single-equation and multi-equation
// (seemingly unrelated) linear regressions with IID or robust
// (White / Newey-West) coefficient covariances.
//
// All estimators are pure functions of their inputs: no state is kept
// between calls and input matrices are never modified. NaNs in the
// inputs propagate to NaNs in the outputs by design.
package regress

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrRankDeficient reports a design matrix without full column rank.
	// The point estimate is undefined in that case; no pseudo-inverse
	// fallback is attempted.
	ErrRankDeficient = errors.New("regress: design matrix is rank-deficient")

	// ErrDimension reports incompatible input shapes.
	ErrDimension = errors.New("regress: dimension mismatch")
)

// Options select the coefficient covariance estimator.
type Options struct {
	// Robust selects the heteroskedasticity/autocorrelation-robust
	// sandwich covariance. When false the IID (Gauss-Markov) form is used
	// and Bandwidth is ignored.
	Robust bool

	// Bandwidth is the Newey-West lag window for the robust covariance.
	// 0 gives the White (heteroskedasticity-only) estimator.
	Bandwidth int
}

// solveQR computes the least-squares coefficients of x*b = y through a QR
// factorization. Rank deficiency surfaces as ErrRankDeficient.
func solveQR(y mat.Matrix, x *mat.Dense) (*mat.Dense, error) {
	var qr mat.QR
	qr.Factorize(x)

	var b mat.Dense
	if err := qr.SolveTo(&b, false, y); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRankDeficient, err)
	}
	return &b, nil
}

// crossInverse returns (x'x)^(-1), the bread of every sandwich covariance
// in this package. The explicit inverse is required by the covariance
// formulas themselves; point estimation never goes through it.
func crossInverse(x *mat.Dense) (*mat.Dense, error) {
	var xtx mat.Dense
	xtx.Mul(x.T(), x)

	var inv mat.Dense
	if err := inv.Inverse(&xtx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRankDeficient, err)
	}
	return &inv, nil
}

// symmetrize copies a numerically symmetric matrix into a SymDense,
// averaging the off-diagonal pairs.
func symmetrize(m mat.Matrix) *mat.SymDense {
	n, _ := m.Dims()
	out := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			out.SetSym(i, j, 0.5*(m.At(i, j)+m.At(j, i)))
		}
	}
	return out
}
