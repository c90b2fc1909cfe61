package gmm

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// EstimateIterative repeats { W <- S(theta)^(-1); theta <- argmin
// gbar'W gbar } until the sup-norm change in theta falls below
// Options.Tol, performing at least one full iteration even if the
// starting weight is already near-optimal.
//
// Options.Weight seeds the first minimization (identity when nil);
// Options.MaxIter caps the number of weight updates. On hitting the cap
// the last iterate is returned with Converged false and ErrNotConverged.
// The final covariance uses the optimal-weight form (D'S^(-1)D)^(-1)/T.
func EstimateIterative(f MomentFunc, theta0 []float64, opts Options) (*Result, error) {
	opts.fill()
	k := len(theta0)
	if k == 0 {
		return nil, fmt.Errorf("%w: empty starting value", ErrDimension)
	}

	g0, err := f(theta0)
	if err != nil {
		return nil, fmt.Errorf("gmm: moment function: %w", err)
	}
	_, q := g0.Dims()
	if q < k {
		return nil, fmt.Errorf("%w: %d conditions for %d parameters", ErrUnderIdentified, q, k)
	}
	if q == k {
		// Exactly identified: the weight is irrelevant, the root is the
		// root. Delegate and count it as one iteration.
		return newtonSolve(f, theta0, q, opts)
	}

	// Loop-carried iteration state, deliberately local.
	theta := make([]float64, k)
	copy(theta, theta0)
	W := opts.Weight
	if W == nil {
		W = identity(q)
	}

	inner := opts

	converged := false
	iter := 0
	for iter = 1; iter <= opts.MaxIter; iter++ {
		inner.Weight = W
		res, err := Estimate(f, theta, inner)
		if err != nil && res == nil {
			return nil, err
		}

		delta := make([]float64, k)
		floats.SubTo(delta, res.Theta, theta)
		copy(theta, res.Theta)

		// Re-weight from the fresh iterate.
		S, err := momentCov(res.Moments, opts.Bandwidth)
		if err != nil {
			return nil, err
		}
		var sInv mat.Dense
		if err := sInv.Inverse(S); err != nil {
			return nil, fmt.Errorf("gmm: moment covariance is singular: %v", err)
		}
		W = symmetrize(&sInv)

		// Minimum one full iteration before testing the fixed point.
		if iter > 1 && floats.Norm(delta, math.Inf(1)) < opts.Tol {
			converged = true
			break
		}
	}

	g, err := f(theta)
	if err != nil {
		return nil, fmt.Errorf("gmm: moment function: %w", err)
	}
	res, err := finish(f, theta, g, gbar(g), iter, converged, opts, nil)
	if err != nil {
		return nil, err
	}
	if !converged {
		return res, ErrNotConverged
	}
	return res, nil
}

// EstimateCombined collapses q moment conditions into k effective ones
// through the caller-chosen k x q selection/combination matrix A and
// solves A gbar(theta) = 0 by Newton iteration. The covariance is
// (AD)^(-1) A S A' ((AD)^(-1))' / T.
func EstimateCombined(f MomentFunc, A *mat.Dense, theta0 []float64, opts Options) (*Result, error) {
	opts.fill()
	k := len(theta0)
	ak, aq := A.Dims()
	if ak != k {
		return nil, fmt.Errorf("%w: A has %d rows, theta has %d parameters", ErrDimension, ak, k)
	}

	g0, err := f(theta0)
	if err != nil {
		return nil, fmt.Errorf("gmm: moment function: %w", err)
	}
	T, q := g0.Dims()
	if aq != q {
		return nil, fmt.Errorf("%w: A has %d columns, moments have dimension %d", ErrDimension, aq, q)
	}

	theta := make([]float64, k)
	copy(theta, theta0)

	var (
		g  *mat.Dense
		gb []float64
	)
	converged := false
	iter := 0
	for iter = 0; iter < opts.MaxIter; iter++ {
		g, err = f(theta)
		if err != nil {
			return nil, fmt.Errorf("gmm: moment function: %w", err)
		}
		gb = gbar(g)

		// Combined conditions h = A gbar.
		h := mat.NewVecDense(k, nil)
		h.MulVec(A, mat.NewVecDense(q, gb))
		if floats.Norm(h.RawVector().Data, math.Inf(1)) < opts.Tol {
			converged = true
			break
		}

		D, err := jacobianAt(f, opts.Jacobian, theta, q)
		if err != nil {
			return nil, err
		}
		var ad mat.Dense
		ad.Mul(A, D)

		var step mat.VecDense
		if err := step.SolveVec(&ad, h); err != nil {
			return nil, fmt.Errorf("gmm: singular combined jacobian at iteration %d: %v", iter, err)
		}
		for j := 0; j < k; j++ {
			theta[j] -= step.AtVec(j)
		}
	}

	if g == nil {
		g, err = f(theta)
		if err != nil {
			return nil, fmt.Errorf("gmm: moment function: %w", err)
		}
		gb = gbar(g)
	}

	D, err := jacobianAt(f, opts.Jacobian, theta, q)
	if err != nil {
		return nil, err
	}
	S, err := momentCov(g, opts.Bandwidth)
	if err != nil {
		return nil, err
	}
	cov, err := combinedCov(A, D, S, T)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Theta:      theta,
		GBar:       gb,
		Moments:    g,
		Jacobian:   D,
		Cov:        cov,
		Converged:  converged,
		Iterations: iter,
	}
	if !converged {
		return res, ErrNotConverged
	}
	return res, nil
}

// combinedCov is (AD)^(-1) A S A' ((AD)^(-1))' / T.
func combinedCov(A, D *mat.Dense, S *mat.SymDense, T int) (*mat.SymDense, error) {
	var ad mat.Dense
	ad.Mul(A, D)

	var adInv mat.Dense
	if err := adInv.Inverse(&ad); err != nil {
		return nil, fmt.Errorf("gmm: AD is singular: %v", err)
	}

	var as, asa mat.Dense
	as.Mul(A, S)
	asa.Mul(&as, A.T())

	var left, v mat.Dense
	left.Mul(&adInv, &asa)
	v.Mul(&left, adInv.T())
	v.Scale(1.0/float64(T), &v)
	return symmetrize(&v), nil
}
