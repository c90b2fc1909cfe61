package gmm

import (
	"fmt"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// JacobianFunc returns the q x k Jacobian D = d gbar / d theta' at theta.
// Callers with closed-form derivatives supply one through
// Options.Jacobian; otherwise the engine falls back to central finite
// differences on gbar.
type JacobianFunc func(theta []float64) (*mat.Dense, error)

// gbar returns the column means of a T x q moment matrix.
func gbar(g *mat.Dense) []float64 {
	T, q := g.Dims()
	out := make([]float64, q)
	col := make([]float64, T)
	for j := 0; j < q; j++ {
		mat.Col(col, j, g)
		out[j] = stat.Mean(col, nil)
	}
	return out
}

// jacobianAt evaluates the moment Jacobian at theta, preferring the
// caller-supplied analytic function and otherwise differencing gbar
// numerically. q is the moment dimension, used to size the numeric path.
func jacobianAt(f MomentFunc, analytic JacobianFunc, theta []float64, q int) (*mat.Dense, error) {
	if analytic != nil {
		D, err := analytic(theta)
		if err != nil {
			return nil, fmt.Errorf("gmm: analytic jacobian: %w", err)
		}
		dq, dk := D.Dims()
		if dq != q || dk != len(theta) {
			return nil, fmt.Errorf("%w: jacobian is %d x %d, want %d x %d", ErrDimension, dq, dk, q, len(theta))
		}
		return D, nil
	}

	// Numeric path: difference the mean moment vector. A moment-function
	// error inside the closure is carried out through evalErr because fd
	// callbacks cannot fail.
	var evalErr error
	eval := func(dst, x []float64) {
		g, err := f(x)
		if err != nil {
			if evalErr == nil {
				evalErr = err
			}
			for i := range dst {
				dst[i] = 0
			}
			return
		}
		copy(dst, gbar(g))
	}

	D := mat.NewDense(q, len(theta), nil)
	fd.Jacobian(D, eval, theta, &fd.JacobianSettings{Formula: fd.Central})
	if evalErr != nil {
		return nil, fmt.Errorf("gmm: moment function: %w", evalErr)
	}
	return D, nil
}
