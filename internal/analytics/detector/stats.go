package detector

import (
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"
)

// popMeanStd returns the population mean and standard deviation.
func popMeanStd(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	mean := stat.Mean(xs, nil)
	var ss float64
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	return mean, math.Sqrt(ss / float64(len(xs)))
}

func variance(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	_, v := popMeanStd(xs)
	return v * v
}

// slope fits y against its index and returns intercept and slope.
func slope(y []float64) (float64, float64) {
	if len(y) < 2 {
		if len(y) == 1 {
			return y[0], 0
		}
		return 0, 0
	}
	x := make([]float64, len(y))
	for i := range x {
		x[i] = float64(i)
	}
	return stat.LinearRegression(x, y, nil, false)
}

// detrend removes the least-squares line.
func detrend(y []float64) []float64 {
	a, b := slope(y)
	out := make([]float64, len(y))
	for i, v := range y {
		out[i] = v - (a + b*float64(i))
	}
	return out
}

// autocorrelation returns the lag-k autocorrelation normalized by lag 0.
func autocorrelation(xs []float64, lag int) float64 {
	n := len(xs)
	if lag <= 0 || lag >= n {
		return 0
	}
	mean := stat.Mean(xs, nil)
	var c0, ck float64
	for i := 0; i < n; i++ {
		d := xs[i] - mean
		c0 += d * d
		if i+lag < n {
			ck += d * (xs[i+lag] - mean)
		}
	}
	if c0 == 0 {
		return 0
	}
	return ck / c0
}

// movingAverage is a centered moving average. The window is truncated at the
// series edges.
func movingAverage(xs []float64, window int) []float64 {
	n := len(xs)
	out := make([]float64, n)
	if n == 0 {
		return out
	}
	half := window / 2
	prefix := make([]float64, n+1)
	for i, x := range xs {
		prefix[i+1] = prefix[i] + x
	}
	for i := 0; i < n; i++ {
		lo := i - half
		if lo < 0 {
			lo = 0
		}
		hi := i + half + 1
		if hi > n {
			hi = n
		}
		out[i] = (prefix[hi] - prefix[lo]) / float64(hi-lo)
	}
	return out
}

func medianInterval(ts []time.Time) time.Duration {
	if len(ts) < 2 {
		return time.Second
	}
	diffs := make([]float64, 0, len(ts)-1)
	for i := 1; i < len(ts); i++ {
		diffs = append(diffs, float64(ts[i].Sub(ts[i-1])))
	}
	sort.Float64s(diffs)
	m := time.Duration(diffs[len(diffs)/2])
	if m <= 0 {
		return time.Second
	}
	return m
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
