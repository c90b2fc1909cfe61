package panel

import (
	"fmt"
)

// Mode selects which fixed effects the within transform removes.
type Mode int

const (
	// Individual subtracts each unit's own time average.
	Individual Mode = iota
	// Time subtracts each period's cross-sectional average.
	Time
	// TwoWay removes both, adding back the grand mean.
	TwoWay
)

// Within applies the fixed-effects (demeaning) transform to a copy of
// the panel and returns it; the input is untouched.
//
// Means are taken over valid cells only (every cell when mask is nil)
// and subtracted from valid cells only, so neutralized rows stay at
// exactly zero. After demeaning, an all-ones intercept column in X is
// structurally zero; restoring it to a nonzero constant to represent the
// demeaned model's mean level is the caller's responsibility.
func Within(d *Data, mode Mode, mask *Mask) (*Data, error) {
	T, K, N, err := d.dims()
	if err != nil {
		return nil, err
	}
	if mode != Individual && mode != Time && mode != TwoWay {
		return nil, fmt.Errorf("panel: unknown demeaning mode %d", mode)
	}
	if mask == nil {
		mask = allValid(T, N)
	} else if len(mask.Valid) != T || len(mask.Valid[0]) != N {
		return nil, fmt.Errorf("%w: mask is %d x %d, panel is %d x %d",
			ErrDimension, len(mask.Valid), len(mask.Valid[0]), T, N)
	}

	out := d.Clone()

	// One series at a time: y, then each regressor column.
	demeanSeries := func(at func(t, i int) float64, set func(t, i int, v float64)) {
		unitMean := make([]float64, N)
		unitCnt := make([]float64, N)
		timeMean := make([]float64, T)
		timeCnt := make([]float64, T)
		var grand, grandCnt float64

		for t := 0; t < T; t++ {
			for i := 0; i < N; i++ {
				if !mask.Valid[t][i] {
					continue
				}
				v := at(t, i)
				unitMean[i] += v
				unitCnt[i]++
				timeMean[t] += v
				timeCnt[t]++
				grand += v
				grandCnt++
			}
		}
		for i := 0; i < N; i++ {
			if unitCnt[i] > 0 {
				unitMean[i] /= unitCnt[i]
			}
		}
		for t := 0; t < T; t++ {
			if timeCnt[t] > 0 {
				timeMean[t] /= timeCnt[t]
			}
		}
		if grandCnt > 0 {
			grand /= grandCnt
		}

		for t := 0; t < T; t++ {
			for i := 0; i < N; i++ {
				if !mask.Valid[t][i] {
					continue
				}
				v := at(t, i)
				switch mode {
				case Individual:
					v -= unitMean[i]
				case Time:
					v -= timeMean[t]
				case TwoWay:
					v -= unitMean[i] + timeMean[t] - grand
				}
				set(t, i, v)
			}
		}
	}

	demeanSeries(
		func(t, i int) float64 { return d.Y.At(t, i) },
		func(t, i int, v float64) { out.Y.Set(t, i, v) },
	)
	for k := 0; k < K; k++ {
		k := k
		demeanSeries(
			func(t, i int) float64 { return d.X[i].At(t, k) },
			func(t, i int, v float64) { out.X[i].Set(t, k, v) },
		)
	}

	return out, nil
}
