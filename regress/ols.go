package regress

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/dsetiawan/econometrics/hac"
)

// OLSResult bundles the output of a single-equation regression.
type OLSResult struct {
	// Coef is the k-vector of least-squares coefficients, ordered as the
	// columns of the design matrix.
	Coef *mat.VecDense

	// Residuals and Fitted are the T-vectors y - x*coef and x*coef.
	Residuals *mat.VecDense
	Fitted    *mat.VecDense

	// R2 is 1 - Var(residuals)/Var(y).
	R2 float64

	// Cov is the k x k coefficient covariance under the selected
	// assumption (IID or robust).
	Cov *mat.SymDense

	// StdErr, TStats and PValues are per-coefficient diagnostics derived
	// from Cov. P-values are two-sided against Student's t with T-k
	// degrees of freedom.
	StdErr  []float64
	TStats  []float64
	PValues []float64
}

// OLS fits y = x*b + u by least squares.
//
// The point estimate is solved through a QR factorization; a
// rank-deficient design matrix is an error, never silently regularized.
// The coefficient covariance is sigma^2 (x'x)^(-1) under Options.Robust
// = false, and (x'x)^(-1) S (x'x)^(-1) with S the hac long-run covariance
// of the scores u_t * x_t otherwise.
func OLS(y *mat.VecDense, x *mat.Dense, opts Options) (*OLSResult, error) {
	T, k := x.Dims()
	if y.Len() != T {
		return nil, fmt.Errorf("%w: y has %d rows, x has %d", ErrDimension, y.Len(), T)
	}
	if T < k {
		return nil, fmt.Errorf("%w: %d observations for %d regressors", ErrRankDeficient, T, k)
	}

	b, err := solveQR(y, x)
	if err != nil {
		return nil, err
	}
	coef := mat.NewVecDense(k, nil)
	for j := 0; j < k; j++ {
		coef.SetVec(j, b.At(j, 0))
	}

	fitted := mat.NewVecDense(T, nil)
	fitted.MulVec(x, coef)
	resid := mat.NewVecDense(T, nil)
	resid.SubVec(y, fitted)

	r2 := 1.0 - stat.Variance(resid.RawVector().Data, nil)/stat.Variance(y.RawVector().Data, nil)

	xtxInv, err := crossInverse(x)
	if err != nil {
		return nil, err
	}

	cov, err := olsCov(resid, x, xtxInv, opts)
	if err != nil {
		return nil, err
	}

	res := &OLSResult{
		Coef:      coef,
		Residuals: resid,
		Fitted:    fitted,
		R2:        r2,
		Cov:       cov,
	}
	res.StdErr, res.TStats, res.PValues = coefDiagnostics(coef, cov, T-k)
	return res, nil
}

// olsCov builds the coefficient covariance for one equation.
func olsCov(resid *mat.VecDense, x *mat.Dense, xtxInv *mat.Dense, opts Options) (*mat.SymDense, error) {
	T, k := x.Dims()

	if !opts.Robust {
		sigma2 := residVariance(resid, T, k)
		var v mat.Dense
		v.Scale(sigma2, xtxInv)
		return symmetrize(&v), nil
	}

	g := scores(resid, x)
	S, err := hac.LongRunCov(g, opts.Bandwidth)
	if err != nil {
		return nil, err
	}

	var tmp, v mat.Dense
	tmp.Mul(xtxInv, S)
	v.Mul(&tmp, xtxInv)
	return symmetrize(&v), nil
}

// scores forms the T x k matrix of per-period score vectors u_t * x_t.
func scores(resid *mat.VecDense, x *mat.Dense) *mat.Dense {
	T, k := x.Dims()
	g := mat.NewDense(T, k, nil)
	for t := 0; t < T; t++ {
		u := resid.AtVec(t)
		for j := 0; j < k; j++ {
			g.Set(t, j, u*x.At(t, j))
		}
	}
	return g
}

// residVariance is RSS/(T-k), falling back to RSS/T when the model is
// saturated.
func residVariance(resid *mat.VecDense, T, k int) float64 {
	rss := mat.Dot(resid, resid)
	df := float64(T - k)
	if df <= 0 {
		df = float64(T)
	}
	return rss / df
}

// coefDiagnostics derives standard errors, t-statistics and two-sided
// p-values from a coefficient covariance. df <= 0 falls back to the
// number of coefficients to keep the t distribution defined.
func coefDiagnostics(coef *mat.VecDense, cov *mat.SymDense, df int) (se, ts, ps []float64) {
	k := coef.Len()
	se = make([]float64, k)
	ts = make([]float64, k)
	ps = make([]float64, k)

	nu := float64(df)
	if nu <= 0 {
		nu = float64(k)
	}
	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: nu}

	for j := 0; j < k; j++ {
		se[j] = math.Sqrt(cov.At(j, j))
		if se[j] > 0 {
			ts[j] = coef.AtVec(j) / se[j]
			ps[j] = 2.0 * dist.Survival(math.Abs(ts[j]))
		} else if coef.AtVec(j) != 0 {
			ts[j] = math.Inf(sign(coef.AtVec(j)))
			ps[j] = 0
		}
		if ps[j] < 0 {
			ps[j] = 0
		}
		if ps[j] > 1 {
			ps[j] = 1
		}
	}
	return se, ts, ps
}

func sign(v float64) int {
	if v < 0 {
		return -1
	}
	return 1
}
