// Package metrics computes the per-exposure quality metrics stored
// alongside each document: sigma-clipped image statistics, flip
// asymmetry and pointing information for raw exposures, and source
// shape and zeropoint estimates for calibrated exposures.
package metrics

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Clipping defaults matching the usual astronomical convention.
const (
	clipSigma    = 3.0
	clipMaxIters = 5
)

// ClippedStats returns the mean, median and standard deviation of data
// after iterative sigma clipping about the median.
func ClippedStats(data []float64) (mean, median, std float64) {
	return SigmaClippedStats(data, clipSigma, clipMaxIters)
}

// SigmaClippedStats iteratively rejects values further than sigma
// standard deviations from the median, stopping after maxIters rounds
// or when no values are rejected. The returned statistics describe the
// surviving values. An empty input yields NaNs.
func SigmaClippedStats(data []float64, sigma float64, maxIters int) (mean, median, std float64) {
	if len(data) == 0 {
		nan := math.NaN()
		return nan, nan, nan
	}

	vals := append([]float64(nil), data...)
	sort.Float64s(vals)

	for iter := 0; iter < maxIters && len(vals) > 0; iter++ {
		median = sortedMedian(vals)
		std = popStd(vals)

		lo := median - sigma*std
		hi := median + sigma*std

		// Values on the bounds survive.
		start := sort.SearchFloat64s(vals, lo)
		end := sort.Search(len(vals), func(i int) bool { return vals[i] > hi })
		if start == 0 && end == len(vals) {
			break
		}
		vals = vals[start:end]
	}

	if len(vals) == 0 {
		nan := math.NaN()
		return nan, nan, nan
	}
	return stat.Mean(vals, nil), sortedMedian(vals), popStd(vals)
}

// popStd is the population standard deviation (divides by n).
func popStd(vals []float64) float64 {
	mean := stat.Mean(vals, nil)
	return math.Sqrt(stat.MomentAbout(2, vals, mean, nil))
}

// sortedMedian returns the median of an already sorted slice.
func sortedMedian(vals []float64) float64 {
	n := len(vals)
	if n == 0 {
		return math.NaN()
	}
	if n%2 == 1 {
		return vals[n/2]
	}
	return (vals[n/2-1] + vals[n/2]) / 2
}

// Median returns the median of data without modifying it.
func Median(data []float64) float64 {
	vals := append([]float64(nil), data...)
	sort.Float64s(vals)
	return sortedMedian(vals)
}
