// Package stats provides the robust statistics used for background and flux
// scaling estimates.
package stats

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// DefaultMaxIter matches the usual sigma-clipping iteration cap.
const DefaultMaxIter = 5

// Clipped holds sigma-clipped statistics.
type Clipped struct {
	Mean   float64
	Median float64
	Std    float64 // population standard deviation of the kept values
	N      int     // number of values kept
}

// SigmaClip iteratively rejects values further than nsigma standard
// deviations from the median. Non-finite values are ignored. An empty input
// yields NaN statistics.
func SigmaClip(data []float64, nsigma float64, maxIter int) Clipped {
	vals := make([]float64, 0, len(data))
	for _, v := range data {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			vals = append(vals, v)
		}
	}
	if len(vals) == 0 {
		return Clipped{Mean: math.NaN(), Median: math.NaN(), Std: math.NaN()}
	}
	if maxIter < 1 {
		maxIter = DefaultMaxIter
	}

	sort.Float64s(vals)
	for iter := 0; iter < maxIter; iter++ {
		med := medianSorted(vals)
		_, std := stat.PopMeanStdDev(vals, nil)
		lo := med - nsigma*std
		hi := med + nsigma*std
		start := sort.SearchFloat64s(vals, lo)
		end := sort.Search(len(vals), func(i int) bool { return vals[i] > hi })
		if start == 0 && end == len(vals) {
			break
		}
		if end <= start {
			break
		}
		vals = vals[start:end]
	}

	mean, std := stat.PopMeanStdDev(vals, nil)
	return Clipped{Mean: mean, Median: medianSorted(vals), Std: std, N: len(vals)}
}

// Median returns the median of the finite values, or NaN when there are none.
func Median(data []float64) float64 {
	vals := make([]float64, 0, len(data))
	for _, v := range data {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			vals = append(vals, v)
		}
	}
	if len(vals) == 0 {
		return math.NaN()
	}
	sort.Float64s(vals)
	return medianSorted(vals)
}

func medianSorted(vals []float64) float64 {
	n := len(vals)
	if n%2 == 1 {
		return vals[n/2]
	}
	return 0.5 * (vals[n/2-1] + vals[n/2])
}

// Mean returns the arithmetic mean.
func Mean(data []float64) float64 {
	if len(data) == 0 {
		return math.NaN()
	}
	return stat.Mean(data, nil)
}
