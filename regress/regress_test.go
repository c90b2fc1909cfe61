package regress_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/dsetiawan/econometrics/regress"
)

// Exact-fit line: y = 1 + t on an intercept-and-trend design.
func TestOLSExactLine(t *testing.T) {
	y := mat.NewVecDense(4, []float64{1, 2, 3, 4})
	x := mat.NewDense(4, 2, []float64{
		1, 0,
		1, 1,
		1, 2,
		1, 3,
	})

	res, err := regress.OLS(y, x, regress.Options{})
	require.NoError(t, err)

	assert.InDelta(t, 1.0, res.Coef.AtVec(0), 1e-10)
	assert.InDelta(t, 1.0, res.Coef.AtVec(1), 1e-10)
	assert.InDelta(t, 1.0, res.R2, 1e-10)
	for i := 0; i < 4; i++ {
		assert.InDelta(t, 0.0, res.Residuals.AtVec(i), 1e-10)
		assert.InDelta(t, y.AtVec(i), res.Fitted.AtVec(i), 1e-10)
	}
}

// Residuals must be orthogonal to the column space of x.
func TestOLSResidualOrthogonality(t *testing.T) {
	y := mat.NewVecDense(6, []float64{2.1, -0.4, 3.3, 1.2, -1.8, 2.6})
	x := mat.NewDense(6, 3, []float64{
		1, 0.5, -1.2,
		1, 1.4, 0.3,
		1, -0.6, 2.2,
		1, 2.0, -0.8,
		1, -1.1, 1.5,
		1, 0.9, 0.4,
	})

	res, err := regress.OLS(y, x, regress.Options{})
	require.NoError(t, err)

	var xtu mat.VecDense
	xtu.MulVec(x.T(), res.Residuals)
	for j := 0; j < 3; j++ {
		assert.InDelta(t, 0.0, xtu.AtVec(j), 1e-9)
	}
}

func TestOLSRankDeficient(t *testing.T) {
	y := mat.NewVecDense(4, []float64{1, 2, 3, 4})
	// Second column is twice the first.
	x := mat.NewDense(4, 2, []float64{
		1, 2,
		2, 4,
		3, 6,
		4, 8,
	})

	_, err := regress.OLS(y, x, regress.Options{})
	require.ErrorIs(t, err, regress.ErrRankDeficient)
}

func TestOLSDimensionMismatch(t *testing.T) {
	y := mat.NewVecDense(3, []float64{1, 2, 3})
	x := mat.NewDense(4, 1, []float64{1, 1, 1, 1})
	_, err := regress.OLS(y, x, regress.Options{})
	require.ErrorIs(t, err, regress.ErrDimension)
}

// Robust covariance with bandwidth 0 is the White sandwich; under
// homoskedastic-looking data it stays in the same ballpark as IID but
// need not coincide.
func TestOLSRobustCovarianceShape(t *testing.T) {
	T := 30
	yData := make([]float64, T)
	xData := make([]float64, 2*T)
	for i := 0; i < T; i++ {
		xi := float64(i%7) - 3.0
		xData[2*i] = 1
		xData[2*i+1] = xi
		yData[i] = 0.5 + 2.0*xi + math.Sin(float64(i))*0.3
	}
	y := mat.NewVecDense(T, yData)
	x := mat.NewDense(T, 2, xData)

	iid, err := regress.OLS(y, x, regress.Options{})
	require.NoError(t, err)
	white, err := regress.OLS(y, x, regress.Options{Robust: true})
	require.NoError(t, err)
	nw, err := regress.OLS(y, x, regress.Options{Robust: true, Bandwidth: 3})
	require.NoError(t, err)

	// Point estimates are identical regardless of covariance choice.
	for j := 0; j < 2; j++ {
		assert.InDelta(t, iid.Coef.AtVec(j), white.Coef.AtVec(j), 1e-12)
		assert.InDelta(t, iid.Coef.AtVec(j), nw.Coef.AtVec(j), 1e-12)
	}
	for j := 0; j < 2; j++ {
		assert.Greater(t, white.StdErr[j], 0.0)
		assert.Greater(t, nw.StdErr[j], 0.0)
	}
	// Diagnostics are finite and p-values are probabilities.
	for j := 0; j < 2; j++ {
		assert.False(t, math.IsNaN(nw.TStats[j]))
		assert.GreaterOrEqual(t, nw.PValues[j], 0.0)
		assert.LessOrEqual(t, nw.PValues[j], 1.0)
	}
}

// A one-equation system must reproduce single-equation OLS exactly,
// point estimates and covariance alike.
func TestSURESingleEquationMatchesOLS(t *testing.T) {
	T := 12
	yData := make([]float64, T)
	xData := make([]float64, 2*T)
	for i := 0; i < T; i++ {
		xi := float64(i) - 5.5
		xData[2*i] = 1
		xData[2*i+1] = xi
		yData[i] = 1.0 - 0.7*xi + 0.2*float64(i%3)
	}
	yv := mat.NewVecDense(T, yData)
	ym := mat.NewDense(T, 1, yData)
	x := mat.NewDense(T, 2, xData)

	for _, opts := range []regress.Options{
		{},
		{Robust: true},
		{Robust: true, Bandwidth: 2},
	} {
		ols, err := regress.OLS(yv, x, opts)
		require.NoError(t, err)
		sure, err := regress.SURE(ym, x, opts)
		require.NoError(t, err)

		for j := 0; j < 2; j++ {
			assert.InDelta(t, ols.Coef.AtVec(j), sure.Theta.AtVec(j), 1e-12)
			for l := 0; l < 2; l++ {
				assert.InDelta(t, ols.Cov.At(j, l), sure.Cov.At(j, l), 1e-12)
			}
		}
		assert.InDelta(t, ols.R2, sure.R2[0], 1e-12)
	}
}

func TestSUREStackingOrder(t *testing.T) {
	// Two equations with known closed forms on the same design.
	x := mat.NewDense(4, 2, []float64{
		1, 0,
		1, 1,
		1, 2,
		1, 3,
	})
	y := mat.NewDense(4, 2, []float64{
		1, 3,
		2, 5,
		3, 7,
		4, 9,
	})

	res, err := regress.SURE(y, x, regress.Options{})
	require.NoError(t, err)

	// Equation 0: intercept 1, slope 1. Equation 1: intercept 3, slope 2.
	want := []float64{1, 1, 3, 2}
	require.Equal(t, 4, res.Theta.Len())
	for i, w := range want {
		assert.InDelta(t, w, res.Theta.AtVec(i), 1e-10)
	}
	// Coef matrix is k x n with the same numbers.
	assert.InDelta(t, 1.0, res.Coef.At(1, 0), 1e-10)
	assert.InDelta(t, 2.0, res.Coef.At(1, 1), 1e-10)
	assert.InDelta(t, 1.0, res.R2[0], 1e-10)
	assert.InDelta(t, 1.0, res.R2[1], 1e-10)
}

func TestWald(t *testing.T) {
	// theta = (1, 2), V = I. Test theta_0 = 0: stat = 1, df = 1.
	theta := mat.NewVecDense(2, []float64{1, 2})
	cov := mat.NewSymDense(2, []float64{1, 0, 0, 1})
	R := mat.NewDense(1, 2, []float64{1, 0})
	r := mat.NewVecDense(1, []float64{0})

	res, err := regress.Wald(R, r, theta, cov)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, res.Stat, 1e-12)
	assert.Equal(t, 1, res.DF)
	// Chi-squared(1) upper tail at 1.
	assert.InDelta(t, 0.3173, res.PValue, 1e-3)

	// Joint test of both coefficients: stat = 1 + 4 = 5, df = 2.
	R2 := mat.NewDense(2, 2, []float64{1, 0, 0, 1})
	r2 := mat.NewVecDense(2, []float64{0, 0})
	res2, err := regress.Wald(R2, r2, theta, cov)
	require.NoError(t, err)
	assert.InDelta(t, 5.0, res2.Stat, 1e-12)
	assert.Equal(t, 2, res2.DF)

	// Dimension mismatch surfaces as ErrDimension.
	_, err = regress.Wald(R, mat.NewVecDense(2, nil), theta, cov)
	require.ErrorIs(t, err, regress.ErrDimension)
}
