// Package iv estimates linear models with endogenous regressors by
// two-stage least squares.
//
// Stage one regresses every column of the design matrix on the
// instrument set; stage two solves the structural equation on the fitted
// regressors. Residuals and fitted values reported to the caller are
// always computed from the original regressors, consistent with the
// structural model.
package iv

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/dsetiawan/econometrics/hac"
)

var (
	// ErrInstrumentRank reports an instrument matrix that cannot identify
	// the coefficients: fewer instruments than regressors, or singular z'z.
	ErrInstrumentRank = errors.New("iv: instrument matrix insufficient rank")

	// ErrDimension reports incompatible input shapes.
	ErrDimension = errors.New("iv: dimension mismatch")
)

// Options select the coefficient covariance estimator, as in package
// regress.
type Options struct {
	Robust    bool
	Bandwidth int
}

// FirstStage holds the stage-one diagnostics for a single regressor
// column.
type FirstStage struct {
	// Delta is the L-vector of instrument coefficients for this column.
	Delta *mat.VecDense

	// R2 measures how much of the column the instruments explain.
	// Diagnostic only; stage two does not consume it.
	R2 float64

	// StdErr holds the per-instrument coefficient standard errors under
	// the selected covariance assumption.
	StdErr []float64
}

// TSLSResult bundles the output of a two-stage least-squares fit.
type TSLSResult struct {
	// Coef is the k-vector of structural coefficients.
	Coef *mat.VecDense

	// Residuals and Fitted are computed against the original design
	// matrix, not the stage-one fitted values.
	Residuals *mat.VecDense
	Fitted    *mat.VecDense

	// R2 is 1 - Var(residuals)/Var(y) for the structural residuals.
	R2 float64

	// Cov is the k x k covariance of Coef.
	Cov *mat.SymDense

	// Stage1 holds one entry per regressor column.
	Stage1 []FirstStage
}

// TSLS fits y = x*b + u using the instrument matrix z.
//
// z must have at least as many columns as x and z'z must be invertible;
// otherwise ErrInstrumentRank is returned before any estimation.
func TSLS(y *mat.VecDense, x, z *mat.Dense, opts Options) (*TSLSResult, error) {
	T, k := x.Dims()
	zT, L := z.Dims()
	if y.Len() != T || zT != T {
		return nil, fmt.Errorf("%w: y has %d rows, x has %d, z has %d", ErrDimension, y.Len(), T, zT)
	}
	if L < k {
		return nil, fmt.Errorf("%w: %d instruments for %d regressors", ErrInstrumentRank, L, k)
	}

	// szzInv = (z'z)^(-1), shared by both stages.
	var szz mat.Dense
	szz.Mul(z.T(), z)
	var szzInv mat.Dense
	if err := szzInv.Inverse(&szz); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInstrumentRank, err)
	}

	// Stage one: delta = (z'z)^(-1) z'x, fitted xhat = z*delta.
	var ztx mat.Dense
	ztx.Mul(z.T(), x)
	var delta mat.Dense
	delta.Mul(&szzInv, &ztx)

	var xhat mat.Dense
	xhat.Mul(z, &delta)

	stage1, err := firstStageDiagnostics(x, z, &delta, &xhat, &szzInv, opts)
	if err != nil {
		return nil, err
	}

	// Stage two point estimate: least squares of y on xhat.
	var qr mat.QR
	qr.Factorize(&xhat)
	var b mat.Dense
	if err := qr.SolveTo(&b, false, y); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInstrumentRank, err)
	}
	coef := mat.NewVecDense(k, nil)
	for j := 0; j < k; j++ {
		coef.SetVec(j, b.At(j, 0))
	}

	// Structural residuals from the original x.
	fitted := mat.NewVecDense(T, nil)
	fitted.MulVec(x, coef)
	resid := mat.NewVecDense(T, nil)
	resid.SubVec(y, fitted)

	r2 := 1.0 - stat.Variance(resid.RawVector().Data, nil)/stat.Variance(y.RawVector().Data, nil)

	cov, err := tslsCov(resid, x, z, &szzInv, opts)
	if err != nil {
		return nil, err
	}

	return &TSLSResult{
		Coef:      coef,
		Residuals: resid,
		Fitted:    fitted,
		R2:        r2,
		Cov:       cov,
		Stage1:    stage1,
	}, nil
}

// firstStageDiagnostics reports, per regressor column, the instrument
// coefficients, R2 against the column's own fitted values, and the
// coefficient standard errors.
func firstStageDiagnostics(x, z, delta, xhat, szzInv *mat.Dense, opts Options) ([]FirstStage, error) {
	T, k := x.Dims()
	_, L := z.Dims()

	out := make([]FirstStage, k)
	for i := 0; i < k; i++ {
		di := mat.NewVecDense(L, nil)
		for j := 0; j < L; j++ {
			di.SetVec(j, delta.At(j, i))
		}

		xcol := make([]float64, T)
		ucol := make([]float64, T)
		mat.Col(xcol, i, x)
		resx := mat.NewVecDense(T, nil)
		for t := 0; t < T; t++ {
			ucol[t] = xcol[t] - xhat.At(t, i)
			resx.SetVec(t, ucol[t])
		}
		r2 := 1.0 - stat.Variance(ucol, nil)/stat.Variance(xcol, nil)

		var v *mat.Dense
		if opts.Robust {
			g := mat.NewDense(T, L, nil)
			for t := 0; t < T; t++ {
				for j := 0; j < L; j++ {
					g.Set(t, j, ucol[t]*z.At(t, j))
				}
			}
			S, err := hac.LongRunCov(g, opts.Bandwidth)
			if err != nil {
				return nil, err
			}
			var tmp mat.Dense
			tmp.Mul(szzInv, S)
			v = &mat.Dense{}
			v.Mul(&tmp, szzInv)
		} else {
			rss := mat.Dot(resx, resx)
			df := float64(T - L)
			if df <= 0 {
				df = float64(T)
			}
			v = &mat.Dense{}
			v.Scale(rss/df, szzInv)
		}

		se := make([]float64, L)
		for j := 0; j < L; j++ {
			se[j] = math.Sqrt(v.At(j, j))
		}

		out[i] = FirstStage{Delta: di, R2: r2, StdErr: se}
	}
	return out, nil
}

// tslsCov builds the stage-two coefficient covariance.
//
// With B = (x'z szzInv z'x)^(-1) x'z szzInv, the robust form is B S B'
// where S is the hac long-run covariance of the scores u_t * z_t; the
// IID form is Var(u) (x'z szzInv z'x)^(-1).
func tslsCov(resid *mat.VecDense, x, z *mat.Dense, szzInv *mat.Dense, opts Options) (*mat.SymDense, error) {
	T, k := x.Dims()
	_, L := z.Dims()

	var xtz mat.Dense
	xtz.Mul(x.T(), z)

	// M = x'z szzInv z'x, the identification cross-product.
	var xzs mat.Dense
	xzs.Mul(&xtz, szzInv)
	var m mat.Dense
	m.Mul(&xzs, xtz.T())

	var mInv mat.Dense
	if err := mInv.Inverse(&m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInstrumentRank, err)
	}

	if !opts.Robust {
		rss := mat.Dot(resid, resid)
		df := float64(T - k)
		if df <= 0 {
			df = float64(T)
		}
		var v mat.Dense
		v.Scale(rss/df, &mInv)
		return symmetrize(&v), nil
	}

	// B = mInv x'z szzInv.
	var B mat.Dense
	B.Mul(&mInv, &xzs)

	g := mat.NewDense(T, L, nil)
	for t := 0; t < T; t++ {
		u := resid.AtVec(t)
		for j := 0; j < L; j++ {
			g.Set(t, j, u*z.At(t, j))
		}
	}
	S, err := hac.LongRunCov(g, opts.Bandwidth)
	if err != nil {
		return nil, err
	}

	var tmp, v mat.Dense
	tmp.Mul(&B, S)
	v.Mul(&tmp, B.T())
	return symmetrize(&v), nil
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
