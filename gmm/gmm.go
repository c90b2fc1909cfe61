// Package gmm implements generalized-method-of-moments estimation.
//
// A model is described by a moment function returning the T x q matrix
// of per-period moment contributions at a parameter vector. Exactly
// identified systems (q equal to the parameter count) are solved by
// Newton root-finding on the mean moment vector; over-identified systems
// minimize the quadratic loss gbar' W gbar for a caller-supplied
// weighting matrix, optionally iterating the weight to the optimal
// S(theta)^(-1). All iteration state is local to the call; estimators
// retain nothing between invocations.
package gmm

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"github.com/dsetiawan/econometrics/hac"
)

var (
	// ErrNotConverged reports that an iteration hit its cap before
	// meeting tolerance. The accompanying Result still carries the last
	// iterate with Converged set to false.
	ErrNotConverged = errors.New("gmm: iteration failed to converge within max iterations")

	// ErrUnderIdentified reports fewer moment conditions than parameters.
	ErrUnderIdentified = errors.New("gmm: fewer moment conditions than parameters")

	// ErrDimension reports incompatible shapes between moments, weights,
	// Jacobians and the parameter vector.
	ErrDimension = errors.New("gmm: dimension mismatch")
)

// MomentFunc evaluates the model's moment conditions, returning the
// T x q matrix whose row t is the time-t contribution to the q stacked
// conditions.
type MomentFunc func(theta []float64) (*mat.Dense, error)

// Options configure one estimation call. The zero value selects an
// identity weighting matrix, a finite-difference Jacobian, bandwidth 0,
// tolerance 1e-8 and an iteration cap of 100.
type Options struct {
	// Weight is the symmetric PSD weighting matrix for the
	// over-identified loss. nil means identity. Ignored when the system
	// is exactly identified.
	Weight *mat.SymDense

	// Jacobian optionally supplies the analytic q x k moment Jacobian.
	// nil selects central finite differences.
	Jacobian JacobianFunc

	// Bandwidth is the Newey-West lag window used for the long-run
	// moment covariance entering the coefficient covariance.
	Bandwidth int

	// Tol is the sup-norm tolerance on the Newton step / weight
	// iteration. <= 0 selects 1e-8.
	Tol float64

	// MaxIter caps Newton steps and weight iterations. <= 0 selects 100.
	MaxIter int
}

func (o *Options) fill() {
	if o.Tol <= 0 {
		o.Tol = 1e-8
	}
	if o.MaxIter <= 0 {
		o.MaxIter = 100
	}
}

// Result bundles one GMM estimation.
type Result struct {
	// Theta is the estimated (or, when Converged is false, last-iterate)
	// parameter vector.
	Theta []float64

	// GBar is the mean moment vector at Theta.
	GBar []float64

	// Moments is the T x q moment matrix at Theta.
	Moments *mat.Dense

	// Jacobian is the q x k moment Jacobian at Theta.
	Jacobian *mat.Dense

	// Cov is the k x k asymptotic covariance of Theta.
	Cov *mat.SymDense

	// Converged reports whether the solver met tolerance within the
	// iteration cap. Iterations counts Newton steps, or weight-update
	// rounds for EstimateIterative.
	Converged  bool
	Iterations int
}

// Estimate solves the moment conditions from the starting value theta0.
//
// With q == len(theta0) the mean moments are driven to zero by Newton
// iteration. With q > len(theta0) the quadratic loss gbar' W gbar is
// minimized for Options.Weight (identity when nil). q < len(theta0) is
// an error. A non-converged run returns the last iterate together with
// ErrNotConverged.
func Estimate(f MomentFunc, theta0 []float64, opts Options) (*Result, error) {
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
		return newtonSolve(f, theta0, q, opts)
	}
	return minimizeLoss(f, theta0, q, opts)
}

// newtonSolve drives gbar(theta) to zero for the exactly identified case.
func newtonSolve(f MomentFunc, theta0 []float64, q int, opts Options) (*Result, error) {
	k := len(theta0)
	theta := make([]float64, k)
	copy(theta, theta0)

	var (
		g    *mat.Dense
		gb   []float64
		iter int
	)
	converged := false

	for iter = 0; iter < opts.MaxIter; iter++ {
		var err error
		g, err = f(theta)
		if err != nil {
			return nil, fmt.Errorf("gmm: moment function: %w", err)
		}
		gb = gbar(g)

		if floats.Norm(gb, math.Inf(1)) < opts.Tol {
			converged = true
			break
		}

		D, err := jacobianAt(f, opts.Jacobian, theta, q)
		if err != nil {
			return nil, err
		}

		// Newton step: solve D * step = gbar, theta -= step.
		var step mat.VecDense
		if err := step.SolveVec(D, mat.NewVecDense(q, gb)); err != nil {
			return nil, fmt.Errorf("gmm: singular jacobian at iteration %d: %v", iter, err)
		}
		for j := 0; j < k; j++ {
			theta[j] -= step.AtVec(j)
		}
	}

	if g == nil || !converged {
		// Re-evaluate at the final iterate so the result is coherent.
		var err error
		g, err = f(theta)
		if err != nil {
			return nil, fmt.Errorf("gmm: moment function: %w", err)
		}
		gb = gbar(g)
		converged = floats.Norm(gb, math.Inf(1)) < opts.Tol
	}

	res, err := finish(f, theta, g, gb, iter, converged, opts, nil)
	if err != nil {
		return nil, err
	}
	if !converged {
		return res, ErrNotConverged
	}
	return res, nil
}

// minimizeLoss minimizes gbar' W gbar for the over-identified case.
func minimizeLoss(f MomentFunc, theta0 []float64, q int, opts Options) (*Result, error) {
	k := len(theta0)
	W := opts.Weight
	if W == nil {
		W = identity(q)
	}
	if W.SymmetricDim() != q {
		return nil, fmt.Errorf("%w: weight is %d x %d, moments have dimension %d",
			ErrDimension, W.SymmetricDim(), W.SymmetricDim(), q)
	}

	var evalErr error
	loss := func(x []float64) float64 {
		g, err := f(x)
		if err != nil {
			if evalErr == nil {
				evalErr = err
			}
			return math.Inf(1)
		}
		gb := mat.NewVecDense(q, gbar(g))
		var wg mat.VecDense
		wg.MulVec(W, gb)
		return mat.Dot(gb, &wg)
	}

	problem := optimize.Problem{Func: loss}

	start := make([]float64, k)
	copy(start, theta0)
	settings := &optimize.Settings{MajorIterations: opts.MaxIter * 10}

	// Derivative-free minimization: the loss is cheap and low-dimensional,
	// and a simplex method sidesteps finite-difference gradient noise near
	// the optimum.
	sol, optErr := optimize.Minimize(problem, start, settings, &optimize.NelderMead{})
	if evalErr != nil {
		return nil, fmt.Errorf("gmm: moment function: %w", evalErr)
	}

	theta := start
	iters := 0
	if sol != nil {
		theta = sol.X
		iters = sol.MajorIterations
	}
	converged := optErr == nil && sol != nil && sol.Status != optimize.IterationLimit

	g, err := f(theta)
	if err != nil {
		return nil, fmt.Errorf("gmm: moment function: %w", err)
	}

	res, err := finish(f, theta, g, gbar(g), iters, converged, opts, W)
	if err != nil {
		return nil, err
	}
	if !converged {
		if optErr != nil {
			return res, fmt.Errorf("%w: %v", ErrNotConverged, optErr)
		}
		return res, ErrNotConverged
	}
	return res, nil
}

// finish evaluates the Jacobian and asymptotic covariance at theta and
// assembles the Result. fixedW selects the sub-optimal-weight sandwich;
// nil selects the optimal-weight form (D' S^(-1) D)^(-1)/T, which also
// covers the exactly identified case.
func finish(f MomentFunc, theta []float64, g *mat.Dense, gb []float64, iters int, converged bool, opts Options, fixedW *mat.SymDense) (*Result, error) {
	T, q := g.Dims()

	D, err := jacobianAt(f, opts.Jacobian, theta, q)
	if err != nil {
		return nil, err
	}

	S, err := momentCov(g, opts.Bandwidth)
	if err != nil {
		return nil, err
	}

	var cov *mat.SymDense
	if fixedW == nil {
		cov, err = optimalCov(D, S, T)
	} else {
		cov, err = sandwichCov(D, S, fixedW, T)
	}
	if err != nil {
		return nil, err
	}

	return &Result{
		Theta:      theta,
		GBar:       gb,
		Moments:    g,
		Jacobian:   D,
		Cov:        cov,
		Converged:  converged,
		Iterations: iters,
	}, nil
}

// momentCov is the long-run covariance of one period's moment vector:
// the hac estimate of Var(sqrt(T) gbar) scaled back by 1/T.
func momentCov(g *mat.Dense, bandwidth int) (*mat.SymDense, error) {
	T, q := g.Dims()
	Sraw, err := hac.LongRunCov(g, bandwidth)
	if err != nil {
		return nil, err
	}
	S := mat.NewSymDense(q, nil)
	for i := 0; i < q; i++ {
		for j := i; j < q; j++ {
			S.SetSym(i, j, Sraw.At(i, j)/float64(T))
		}
	}
	return S, nil
}

// optimalCov is (D' S^(-1) D)^(-1) / T.
func optimalCov(D *mat.Dense, S *mat.SymDense, T int) (*mat.SymDense, error) {
	var sInv mat.Dense
	if err := sInv.Inverse(S); err != nil {
		return nil, fmt.Errorf("gmm: moment covariance is singular: %v", err)
	}

	var ds, dsd mat.Dense
	ds.Mul(D.T(), &sInv)
	dsd.Mul(&ds, D)

	var v mat.Dense
	if err := v.Inverse(&dsd); err != nil {
		return nil, fmt.Errorf("gmm: D'S^(-1)D is singular: %v", err)
	}
	v.Scale(1.0/float64(T), &v)
	return symmetrize(&v), nil
}

// sandwichCov is (D'WD)^(-1) D'W S W D (D'WD)^(-1) / T for a fixed,
// possibly sub-optimal weighting matrix.
func sandwichCov(D *mat.Dense, S, W *mat.SymDense, T int) (*mat.SymDense, error) {
	var dw, dwd mat.Dense
	dw.Mul(D.T(), W)
	dwd.Mul(&dw, D)

	var bread mat.Dense
	if err := bread.Inverse(&dwd); err != nil {
		return nil, fmt.Errorf("gmm: D'WD is singular: %v", err)
	}

	var dws, dwsw, meat mat.Dense
	dws.Mul(&dw, S)
	dwsw.Mul(&dws, W)
	meat.Mul(&dwsw, D)

	var bm, v mat.Dense
	bm.Mul(&bread, &meat)
	v.Mul(&bm, &bread)
	v.Scale(1.0/float64(T), &v)
	return symmetrize(&v), nil
}

func identity(n int) *mat.SymDense {
	w := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		w.SetSym(i, i, 1)
	}
	return w
}

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
