package regress

import (
	"fmt"
	"sync"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/dsetiawan/econometrics/hac"
)

// SUREResult bundles the output of a multi-equation regression sharing
// one design matrix.
type SUREResult struct {
	// Coef holds the per-equation coefficients, one k-column per
	// equation: Coef.At(j, i) is the j-th coefficient of equation i.
	Coef *mat.Dense

	// Theta is the stacked nk coefficient vector, equation-major:
	// Theta[i*k + j] = Coef.At(j, i). Restriction matrices for Wald must
	// follow this ordering.
	Theta *mat.VecDense

	// Residuals and Fitted are T x n, one column per equation.
	Residuals *mat.Dense
	Fitted    *mat.Dense

	// R2 holds the per-equation coefficients of determination.
	R2 []float64

	// Cov is the nk x nk covariance of Theta under the selected
	// assumption.
	Cov *mat.SymDense
}

// SURE jointly estimates n equations y_i = x*b_i + u_i, i = 1..n, that
// share the same design matrix.
//
// Point estimates are equation-by-equation OLS (identical x makes the
// joint GLS estimator collapse to OLS). The joint covariance of the
// stacked coefficient vector uses the Kronecker structure: under IID it
// is Cov(u) kron (x'x)^(-1); under Options.Robust it is the sandwich
// (I_n kron (x'x)^(-1)) S (I_n kron (x'x)^(-1)) with S the hac long-run
// covariance of the stacked scores u_t kron x_t.
func SURE(y *mat.Dense, x *mat.Dense, opts Options) (*SUREResult, error) {
	T, k := x.Dims()
	yT, n := y.Dims()
	if yT != T {
		return nil, fmt.Errorf("%w: y has %d rows, x has %d", ErrDimension, yT, T)
	}
	if n < 1 {
		return nil, fmt.Errorf("%w: y has no columns", ErrDimension)
	}
	if T < k {
		return nil, fmt.Errorf("%w: %d observations for %d regressors", ErrRankDeficient, T, k)
	}

	// One QR solve covers all equations at once: B is k x n.
	B, err := solveQR(y, x)
	if err != nil {
		return nil, err
	}

	fitted := mat.NewDense(T, n, nil)
	resid := mat.NewDense(T, n, nil)
	r2 := make([]float64, n)

	// Per-equation post-estimation. Each goroutine owns one output
	// column, so no synchronization beyond the join is needed.
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()

			bi := mat.NewVecDense(k, nil)
			for j := 0; j < k; j++ {
				bi.SetVec(j, B.At(j, i))
			}

			fi := mat.NewVecDense(T, nil)
			fi.MulVec(x, bi)

			ycol := make([]float64, T)
			ucol := make([]float64, T)
			mat.Col(ycol, i, y)
			for t := 0; t < T; t++ {
				ucol[t] = ycol[t] - fi.AtVec(t)
				fitted.Set(t, i, fi.AtVec(t))
				resid.Set(t, i, ucol[t])
			}
			r2[i] = 1.0 - stat.Variance(ucol, nil)/stat.Variance(ycol, nil)
		}(i)
	}
	wg.Wait()

	theta := mat.NewVecDense(n*k, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < k; j++ {
			theta.SetVec(i*k+j, B.At(j, i))
		}
	}

	xtxInv, err := crossInverse(x)
	if err != nil {
		return nil, err
	}

	cov, err := sureCov(resid, x, xtxInv, opts)
	if err != nil {
		return nil, err
	}

	return &SUREResult{
		Coef:      mat.DenseCopyOf(B),
		Theta:     theta,
		Residuals: resid,
		Fitted:    fitted,
		R2:        r2,
		Cov:       cov,
	}, nil
}

// sureCov builds the joint covariance of the stacked coefficient vector.
func sureCov(resid *mat.Dense, x *mat.Dense, xtxInv *mat.Dense, opts Options) (*mat.SymDense, error) {
	T, k := x.Dims()
	_, n := resid.Dims()

	if !opts.Robust {
		// Residual covariance with the same df correction as the
		// single-equation case, so n = 1 reproduces OLS exactly.
		var utu mat.Dense
		utu.Mul(resid.T(), resid)
		df := float64(T - k)
		if df <= 0 {
			df = float64(T)
		}
		sigmaU := mat.NewDense(n, n, nil)
		sigmaU.Scale(1.0/df, &utu)

		var v mat.Dense
		v.Kronecker(sigmaU, xtxInv)
		return symmetrize(&v), nil
	}

	// Stacked scores: row t is u_t kron x_t, equation-major.
	g := mat.NewDense(T, n*k, nil)
	for t := 0; t < T; t++ {
		for i := 0; i < n; i++ {
			u := resid.At(t, i)
			for j := 0; j < k; j++ {
				g.Set(t, i*k+j, u*x.At(t, j))
			}
		}
	}

	S, err := hac.LongRunCov(g, opts.Bandwidth)
	if err != nil {
		return nil, err
	}

	eye := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		eye.Set(i, i, 1)
	}
	var bread mat.Dense
	bread.Kronecker(eye, xtxInv)

	var tmp, v mat.Dense
	tmp.Mul(&bread, S)
	v.Mul(&tmp, &bread)
	return symmetrize(&v), nil
}
