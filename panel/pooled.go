package panel

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/dsetiawan/econometrics/hac"
)

// Options configure one pooled estimation.
type Options struct {
	// Bandwidth is the Newey-West lag window for the Driscoll-Kraay
	// covariance.
	Bandwidth int

	// ClusterIDs assigns one time-invariant integer cluster per unit
	// (length N). nil skips the cluster covariance; fewer than two
	// distinct ids is an error.
	ClusterIDs []int
}

// Result bundles one pooled panel estimation. All four covariance
// variants are computed in the same call; the caller selects which to
// report.
type Result struct {
	// Coef is the K-vector of pooled coefficients, shared across units.
	Coef *mat.VecDense

	// Residuals and Fitted are T x N, aligned with Y. Neutralized cells
	// carry exact zeros in both.
	Residuals *mat.Dense
	Fitted    *mat.Dense

	// R2 is the pseudo R-squared over valid observations only.
	R2 float64

	// Nobs is the per-period count of valid observations Nb.
	Nobs []float64

	// CovWhite assumes no cross-unit or serial correlation.
	// CovDriscollKraay is robust to unrestricted cross-sectional plus
	// serial dependence. CovLS is the traditional sigma^2 (x'x)^(-1)
	// form. CovCluster is nil unless Options.ClusterIDs was supplied.
	CovWhite         *mat.SymDense
	CovCluster       *mat.SymDense
	CovDriscollKraay *mat.SymDense
	CovLS            *mat.SymDense
}

// Pooled stacks all T x N observations into one long regression and
// estimates the shared coefficient vector by least squares.
//
// mask marks which cells are real observations; nil treats every cell
// as valid. The mask affects the degrees of freedom, the R2 and the
// per-period counts — the moment sums themselves already ignore
// neutralized cells because their rows are zero. If the panel still
// contains NaNs (neutralization skipped), every downstream number is
// NaN by design.
func Pooled(d *Data, mask *Mask, opts Options) (*Result, error) {
	T, K, N, err := d.dims()
	if err != nil {
		return nil, err
	}
	if mask == nil {
		mask = allValid(T, N)
	} else if len(mask.Valid) != T || len(mask.Valid[0]) != N {
		return nil, fmt.Errorf("%w: mask is %d x %d, panel is %d x %d",
			ErrDimension, len(mask.Valid), len(mask.Valid[0]), T, N)
	}
	if opts.ClusterIDs != nil && len(opts.ClusterIDs) != N {
		return nil, fmt.Errorf("%w: %d cluster ids for %d units", ErrDimension, len(opts.ClusterIDs), N)
	}

	// Stack unit-major: block i occupies rows i*T..(i+1)*T-1. Zeroed
	// rows contribute 0 = 0'theta and drop out of x'x and x'y on their
	// own.
	stackX := mat.NewDense(T*N, K, nil)
	stackY := mat.NewVecDense(T*N, nil)
	for i := 0; i < N; i++ {
		for t := 0; t < T; t++ {
			r := i*T + t
			stackY.SetVec(r, d.Y.At(t, i))
			for k := 0; k < K; k++ {
				stackX.Set(r, k, d.X[i].At(t, k))
			}
		}
	}

	var qr mat.QR
	qr.Factorize(stackX)
	var b mat.Dense
	if err := qr.SolveTo(&b, false, stackY); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRankDeficient, err)
	}
	coef := mat.NewVecDense(K, nil)
	for k := 0; k < K; k++ {
		coef.SetVec(k, b.At(k, 0))
	}

	// Residuals and fitted per cell; zeroed cells stay exactly zero.
	fitted := mat.NewDense(T, N, nil)
	resid := mat.NewDense(T, N, nil)
	for i := 0; i < N; i++ {
		for t := 0; t < T; t++ {
			var f float64
			for k := 0; k < K; k++ {
				f += d.X[i].At(t, k) * coef.AtVec(k)
			}
			fitted.Set(t, i, f)
			resid.Set(t, i, d.Y.At(t, i)-f)
		}
	}

	// Pseudo R2 over valid cells only.
	var yv, ev []float64
	for t := 0; t < T; t++ {
		for i := 0; i < N; i++ {
			if mask.Valid[t][i] {
				yv = append(yv, d.Y.At(t, i))
				ev = append(ev, resid.At(t, i))
			}
		}
	}
	r2 := 1.0 - stat.Variance(ev, nil)/stat.Variance(yv, nil)

	var xtx mat.Dense
	xtx.Mul(stackX.T(), stackX)
	var xtxInv mat.Dense
	if err := xtxInv.Inverse(&xtx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRankDeficient, err)
	}

	res := &Result{
		Coef:      coef,
		Residuals: resid,
		Fitted:    fitted,
		R2:        r2,
		Nobs:      mask.Counts(),
	}

	if err := panelCovariances(res, d, resid, &xtxInv, mask, opts, T, K, N); err != nil {
		return nil, err
	}
	return res, nil
}

// panelCovariances fills the four covariance variants from the per-cell
// scores e_{t,i} x_{t,i}.
func panelCovariances(res *Result, d *Data, resid *mat.Dense, xtxInv *mat.Dense, mask *Mask, opts Options, T, K, N int) error {
	// scoreAt writes the K-vector score of cell (t, i) into s.
	scoreAt := func(t, i int, s []float64) {
		e := resid.At(t, i)
		for k := 0; k < K; k++ {
			s[k] = e * d.X[i].At(t, k)
		}
	}

	// White: sum of per-cell outer products.
	sWhite := mat.NewDense(K, K, nil)
	s := make([]float64, K)
	for t := 0; t < T; t++ {
		for i := 0; i < N; i++ {
			scoreAt(t, i, s)
			for a := 0; a < K; a++ {
				for c := 0; c < K; c++ {
					sWhite.Set(a, c, sWhite.At(a, c)+s[a]*s[c])
				}
			}
		}
	}
	res.CovWhite = sandwich(xtxInv, sWhite)

	// Cluster: sum scores within each cluster before outer-producing.
	if opts.ClusterIDs != nil {
		groups := map[int][]float64{}
		for i := 0; i < N; i++ {
			id := opts.ClusterIDs[i]
			if _, ok := groups[id]; !ok {
				groups[id] = make([]float64, K)
			}
			acc := groups[id]
			for t := 0; t < T; t++ {
				scoreAt(t, i, s)
				for k := 0; k < K; k++ {
					acc[k] += s[k]
				}
			}
		}
		if len(groups) < 2 {
			return fmt.Errorf("%w: got %d", ErrClusterCount, len(groups))
		}
		sClu := mat.NewDense(K, K, nil)
		for _, sc := range groups {
			for a := 0; a < K; a++ {
				for c := 0; c < K; c++ {
					sClu.Set(a, c, sClu.At(a, c)+sc[a]*sc[c])
				}
			}
		}
		res.CovCluster = sandwich(xtxInv, sClu)
	}

	// Driscoll-Kraay: cross-sectional score sums per period, then the
	// Newey-West kernel over time. Zeroed cells contribute zero to h_t;
	// no renormalization by the per-period count is applied.
	H := mat.NewDense(T, K, nil)
	for t := 0; t < T; t++ {
		for i := 0; i < N; i++ {
			scoreAt(t, i, s)
			for k := 0; k < K; k++ {
				H.Set(t, k, H.At(t, k)+s[k])
			}
		}
	}
	sDK, err := hac.LongRunCov(H, opts.Bandwidth)
	if err != nil {
		return err
	}
	res.CovDriscollKraay = sandwich(xtxInv, sDK)

	// Traditional LS: sigma^2 (x'x)^(-1) with the residual variance over
	// valid cells.
	var rss float64
	for t := 0; t < T; t++ {
		for i := 0; i < N; i++ {
			if mask.Valid[t][i] {
				e := resid.At(t, i)
				rss += e * e
			}
		}
	}
	df := float64(mask.Total() - K)
	if df <= 0 {
		df = float64(mask.Total())
	}
	var vLS mat.Dense
	vLS.Scale(rss/df, xtxInv)
	res.CovLS = symmetrize(&vLS)

	return nil
}

// sandwich is (x'x)^(-1) S (x'x)^(-1).
func sandwich(bread *mat.Dense, meat mat.Matrix) *mat.SymDense {
	var tmp, v mat.Dense
	tmp.Mul(bread, meat)
	v.Mul(&tmp, bread)
	return symmetrize(&v)
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
