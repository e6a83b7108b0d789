package detector

// Decomposition splits a series into additive components.
type Decomposition struct {
	Trend    []float64
	Seasonal []float64
	Residual []float64
}

// FitQuality is 1 - Var(R)/Var(S+R), clamped to [0, 1]. A value near 1 means
// the seasonal component explains most of the detrended variance.
func (d Decomposition) FitQuality() float64 {
	sr := make([]float64, len(d.Seasonal))
	for i := range sr {
		sr[i] = d.Seasonal[i] + d.Residual[i]
	}
	vsr := variance(sr)
	if vsr == 0 {
		return 0
	}
	return clamp01(1 - variance(d.Residual)/vsr)
}

// decompose runs a moving-average form of STL: cycle-subseries smoothing,
// a low-pass filter removing leakage of the level into the seasonal term,
// then a trend pass over the deseasonalized series. The passes repeat
// cfg.InnerIterations times.
func decompose(xs []float64, cfg STLConfig) Decomposition {
	n := len(xs)
	trend := make([]float64, n)
	seasonal := make([]float64, n)
	detrended := make([]float64, n)
	deseasonal := make([]float64, n)

	iterations := cfg.InnerIterations
	if iterations < 1 {
		iterations = 1
	}
	for iter := 0; iter < iterations; iter++ {
		for i := range xs {
			detrended[i] = xs[i] - trend[i]
		}
		cycle := smoothCycleSubseries(detrended, cfg.Period, cfg.SeasonalWindow)
		low := movingAverage(cycle, cfg.LowPassWindow)
		for i := range xs {
			seasonal[i] = cycle[i] - low[i]
			deseasonal[i] = xs[i] - seasonal[i]
		}
		trend = movingAverage(deseasonal, cfg.TrendWindow)
	}

	residual := make([]float64, n)
	for i := range xs {
		residual[i] = xs[i] - trend[i] - seasonal[i]
	}
	return Decomposition{Trend: trend, Seasonal: seasonal, Residual: residual}
}

func smoothCycleSubseries(xs []float64, period, window int) []float64 {
	out := make([]float64, len(xs))
	for phase := 0; phase < period; phase++ {
		var sub []float64
		for i := phase; i < len(xs); i += period {
			sub = append(sub, xs[i])
		}
		smoothed := movingAverage(sub, window)
		for j, i := 0, phase; i < len(xs); j, i = j+1, i+period {
			out[i] = smoothed[j]
		}
	}
	return out
}
