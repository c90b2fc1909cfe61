package panel_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"

	"github.com/dsetiawan/econometrics/panel"
	"github.com/dsetiawan/econometrics/regress"
)

// buildPanel assembles a T x N panel with K regressors from flat data.
func buildPanel(T, N, K int, y []float64, x [][]float64) *panel.Data {
	d := &panel.Data{
		Y: mat.NewDense(T, N, y),
		X: make([]*mat.Dense, N),
	}
	for i := 0; i < N; i++ {
		d.X[i] = mat.NewDense(T, K, x[i])
	}
	return d
}

// simulatedPanel draws a pooled model y = 1 + 2 x + e with cross-unit
// correlated errors from a seeded source.
func simulatedPanel(t *testing.T, T, N int, seed uint64) (*panel.Data, []float64) {
	t.Helper()
	src := rand.NewSource(seed)

	sigma := mat.NewSymDense(N, nil)
	for i := 0; i < N; i++ {
		for j := i; j < N; j++ {
			if i == j {
				sigma.SetSym(i, j, 1.0)
			} else {
				sigma.SetSym(i, j, 0.4)
			}
		}
	}
	dist, ok := distmv.NewNormal(make([]float64, N), sigma, src)
	require.True(t, ok)

	rng := rand.New(src)
	d := &panel.Data{Y: mat.NewDense(T, N, nil), X: make([]*mat.Dense, N)}
	for i := 0; i < N; i++ {
		d.X[i] = mat.NewDense(T, 2, nil)
	}
	e := make([]float64, N)
	for tt := 0; tt < T; tt++ {
		dist.Rand(e)
		for i := 0; i < N; i++ {
			x := rng.NormFloat64()
			d.X[i].Set(tt, 0, 1)
			d.X[i].Set(tt, 1, x)
			d.Y.Set(tt, i, 1.0+2.0*x+e[i])
		}
	}
	return d, []float64{1, 2}
}

// A single-unit panel with the Driscoll-Kraay covariance is the same
// regression as time-series least squares with a Newey-West covariance:
// same scores, same bread, same kernel.
func TestPooledSingleUnitMatchesOLSNeweyWest(t *testing.T) {
	T := 40
	rng := rand.New(rand.NewSource(7))
	yv := make([]float64, T)
	xv := make([]float64, 2*T)
	for tt := 0; tt < T; tt++ {
		x := rng.NormFloat64()
		xv[2*tt] = 1
		xv[2*tt+1] = x
		yv[tt] = 0.5 + 1.5*x + 0.3*rng.NormFloat64()
	}

	d := buildPanel(T, 1, 2, yv, [][]float64{xv})
	pres, err := panel.Pooled(d, nil, panel.Options{Bandwidth: 3})
	require.NoError(t, err)

	ores, err := regress.OLS(mat.NewVecDense(T, yv), mat.NewDense(T, 2, xv),
		regress.Options{Robust: true, Bandwidth: 3})
	require.NoError(t, err)

	for k := 0; k < 2; k++ {
		assert.InDelta(t, ores.Coef.AtVec(k), pres.Coef.AtVec(k), 1e-10)
		for l := 0; l < 2; l++ {
			assert.InDelta(t, ores.Cov.At(k, l), pres.CovDriscollKraay.At(k, l), 1e-10)
		}
	}
	assert.InDelta(t, ores.R2, pres.R2, 1e-10)
}

func TestPooledRecoversCoefficients(t *testing.T) {
	d, truth := simulatedPanel(t, 200, 6, 11)
	res, err := panel.Pooled(d, nil, panel.Options{Bandwidth: 2})
	require.NoError(t, err)

	for k, want := range truth {
		assert.InDelta(t, want, res.Coef.AtVec(k), 0.15)
	}
	assert.Greater(t, res.R2, 0.5)

	// All three always-on covariances are finite with positive diagonals.
	for _, cov := range []*mat.SymDense{res.CovWhite, res.CovDriscollKraay, res.CovLS} {
		for k := 0; k < 2; k++ {
			assert.False(t, math.IsNaN(cov.At(k, k)))
			assert.Greater(t, cov.At(k, k), 0.0)
		}
	}
	assert.Nil(t, res.CovCluster)
}

func TestPooledClusterCovariance(t *testing.T) {
	d, _ := simulatedPanel(t, 120, 6, 3)

	res, err := panel.Pooled(d, nil, panel.Options{ClusterIDs: []int{0, 0, 1, 1, 2, 2}})
	require.NoError(t, err)
	require.NotNil(t, res.CovCluster)
	for k := 0; k < 2; k++ {
		assert.Greater(t, res.CovCluster.At(k, k), 0.0)
	}

	// All units in one cluster is not enough to identify the estimator.
	_, err = panel.Pooled(d, nil, panel.Options{ClusterIDs: []int{5, 5, 5, 5, 5, 5}})
	require.ErrorIs(t, err, panel.ErrClusterCount)

	_, err = panel.Pooled(d, nil, panel.Options{ClusterIDs: []int{0, 1}})
	require.ErrorIs(t, err, panel.ErrDimension)
}

// Dropping one cell via NaN and neutralizing must shrink that period's
// count by one and leave the estimates near the balanced ones, while
// skipping neutralization poisons every output.
func TestPooledUnbalancedNeutralization(t *testing.T) {
	d, truth := simulatedPanel(t, 150, 5, 23)

	holed := d.Clone()
	holed.Y.Set(10, 2, math.NaN())

	clean, mask, err := panel.Neutralize(holed)
	require.NoError(t, err)
	assert.False(t, mask.Valid[10][2])
	assert.Equal(t, 150*5-1, mask.Total())

	res, err := panel.Pooled(clean, mask, panel.Options{Bandwidth: 2})
	require.NoError(t, err)
	assert.Equal(t, 4.0, res.Nobs[10])
	assert.Equal(t, 5.0, res.Nobs[11])

	balanced, err := panel.Pooled(d, nil, panel.Options{Bandwidth: 2})
	require.NoError(t, err)
	for k := range truth {
		assert.InDelta(t, balanced.Coef.AtVec(k), res.Coef.AtVec(k), 0.05)
	}

	// Neutralized cell contributes exact zeros downstream.
	assert.Equal(t, 0.0, res.Residuals.At(10, 2))
	assert.Equal(t, 0.0, res.Fitted.At(10, 2))

	// Without neutralization the NaN reaches every estimate.
	poisoned, err := panel.Pooled(holed, nil, panel.Options{})
	require.NoError(t, err)
	for k := 0; k < 2; k++ {
		assert.True(t, math.IsNaN(poisoned.Coef.AtVec(k)))
	}
}

func TestNeutralizeDoesNotMutateInput(t *testing.T) {
	y := []float64{1, math.NaN(), 3, 4}
	x := []float64{1, 1, 1, math.NaN(), 1, 5, 1, 7}
	d := buildPanel(2, 2, 2, y, [][]float64{x[:4], x[4:]})

	clean, mask, err := panel.Neutralize(d)
	require.NoError(t, err)

	// Original still carries its NaNs.
	assert.True(t, math.IsNaN(d.Y.At(0, 1)))
	assert.True(t, math.IsNaN(d.X[0].At(1, 1)))

	// Copy has the whole rows zeroed, y and x alike.
	assert.Equal(t, 0.0, clean.Y.At(0, 1))
	assert.Equal(t, 0.0, clean.Y.At(1, 0))
	assert.Equal(t, 0.0, clean.X[0].At(1, 0))
	assert.Equal(t, 0.0, clean.X[1].At(0, 0))
	assert.False(t, mask.Valid[0][1])
	assert.False(t, mask.Valid[1][0])
	assert.True(t, mask.Valid[0][0])
	assert.True(t, mask.Valid[1][1])

	// In-place variant mutates.
	mask2, err := panel.NeutralizeInPlace(d)
	require.NoError(t, err)
	assert.Equal(t, 0.0, d.Y.At(0, 1))
	assert.Equal(t, mask.Valid, mask2.Valid)
}

func TestWithinIndividualDemeaning(t *testing.T) {
	// Two units with different levels; within transform removes them.
	y := []float64{
		10, 100,
		12, 104,
		14, 108,
	}
	x := [][]float64{
		{1, 0, 1, 1, 1, 2},
		{1, 0, 1, 2, 1, 4},
	}
	d := buildPanel(3, 2, 2, y, x)

	w, err := panel.Within(d, panel.Individual, nil)
	require.NoError(t, err)

	// Unit means gone from y.
	for i := 0; i < 2; i++ {
		var sum float64
		for tt := 0; tt < 3; tt++ {
			sum += w.Y.At(tt, i)
		}
		assert.InDelta(t, 0.0, sum, 1e-12)
	}
	// The intercept column is structurally zero after demeaning.
	for i := 0; i < 2; i++ {
		for tt := 0; tt < 3; tt++ {
			assert.InDelta(t, 0.0, w.X[i].At(tt, 0), 1e-12)
		}
	}
	// Input untouched.
	assert.Equal(t, 10.0, d.Y.At(0, 0))
}

func TestWithinTwoWay(t *testing.T) {
	d, _ := simulatedPanel(t, 30, 4, 5)
	w, err := panel.Within(d, panel.TwoWay, nil)
	require.NoError(t, err)

	// Both margins of y average to ~zero.
	for i := 0; i < 4; i++ {
		var sum float64
		for tt := 0; tt < 30; tt++ {
			sum += w.Y.At(tt, i)
		}
		assert.InDelta(t, 0.0, sum/30, 1e-10)
	}
	for tt := 0; tt < 30; tt++ {
		var sum float64
		for i := 0; i < 4; i++ {
			sum += w.Y.At(tt, i)
		}
		assert.InDelta(t, 0.0, sum/4, 1e-10)
	}
}

func TestWithinRespectsMask(t *testing.T) {
	d, _ := simulatedPanel(t, 20, 3, 9)
	holed := d.Clone()
	holed.Y.Set(5, 1, math.NaN())
	clean, mask, err := panel.Neutralize(holed)
	require.NoError(t, err)

	w, err := panel.Within(clean, panel.Individual, mask)
	require.NoError(t, err)

	// Neutralized cell stays at exactly zero.
	assert.Equal(t, 0.0, w.Y.At(5, 1))
	for k := 0; k < 2; k++ {
		assert.Equal(t, 0.0, w.X[1].At(5, k))
	}
	// Valid cells of unit 1 still sum to ~zero over the 19 kept periods.
	var sum float64
	for tt := 0; tt < 20; tt++ {
		sum += w.Y.At(tt, 1)
	}
	assert.InDelta(t, 0.0, sum, 1e-10)
}

func TestPooledDimensionErrors(t *testing.T) {
	d := buildPanel(3, 2, 1, []float64{1, 2, 3, 4, 5, 6}, [][]float64{{1, 1, 1}, {1, 1, 1}})

	badMask := &panel.Mask{Valid: [][]bool{{true, true}}}
	_, err := panel.Pooled(d, badMask, panel.Options{})
	require.ErrorIs(t, err, panel.ErrDimension)

	// Mismatched block shape.
	d.X[1] = mat.NewDense(2, 1, []float64{1, 1})
	_, err = panel.Pooled(d, nil, panel.Options{})
	require.ErrorIs(t, err, panel.ErrDimension)
}

func TestPooledRankDeficient(t *testing.T) {
	// Duplicate regressor columns across every unit.
	T, N := 10, 2
	d := &panel.Data{Y: mat.NewDense(T, N, nil), X: make([]*mat.Dense, N)}
	rng := rand.New(rand.NewSource(2))
	for i := 0; i < N; i++ {
		d.X[i] = mat.NewDense(T, 2, nil)
		for tt := 0; tt < T; tt++ {
			v := rng.NormFloat64()
			d.X[i].Set(tt, 0, v)
			d.X[i].Set(tt, 1, v)
			d.Y.Set(tt, i, v)
		}
	}
	_, err := panel.Pooled(d, nil, panel.Options{})
	require.ErrorIs(t, err, panel.ErrRankDeficient)
}
