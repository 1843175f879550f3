// Package features implements the feature transform (C1): log-return
// computation, rolling z-score normalization, and the inverse mapping
// back to price space.
//
// Pure and dependency-free: every reduction here is a linear scan, so
// gonum buys nothing. This is the one package in the module that
// legitimately has no third-party library — there is no normalization
// primitive in the reference corpus this would plausibly borrow from.
package features

import (
	"fmt"
	"math"

	"github.com/diffstock/coreengine/internal/errkind"
)

// EpsilonStd is the floor on the sample standard deviation a
// NormalizedWindow may be built from; windows whose raw std falls below
// this are rejected rather than silently inflated.
const EpsilonStd = 1e-6

// Window is a fixed-length standardized log-return sequence carrying the
// (mean, std) used to produce it, so it can be denormalized back to
// price space.
type Window struct {
	Z    []float64
	Mean float64
	Std  float64
}

// LogReturns converts a close-price series of length n into n-1
// log-returns. Fails with errkind.BadInput on any non-finite or
// non-positive close.
func LogReturns(closes []float64) ([]float64, error) {
	if len(closes) < 2 {
		return nil, errkind.New(errkind.BadInput, "features.LogReturns", "need at least 2 closes")
	}
	returns := make([]float64, len(closes)-1)
	for i := 0; i < len(closes)-1; i++ {
		if !isFinitePositive(closes[i]) || !isFinitePositive(closes[i+1]) {
			return nil, errkind.New(errkind.BadInput, "features.LogReturns",
				fmt.Sprintf("non-finite or non-positive close at index %d or %d", i, i+1))
		}
		returns[i] = math.Log(closes[i+1] / closes[i])
	}
	return returns, nil
}

// Normalize builds a Window from a log-return series: the sample mean
// and sample standard deviation of the series, and each entry
// standardized by them. Fails with errkind.BadInput if the resulting std
// floors below EpsilonStd or if any input is non-finite.
func Normalize(returns []float64) (Window, error) {
	if len(returns) == 0 {
		return Window{}, errkind.New(errkind.BadInput, "features.Normalize", "empty return series")
	}
	for i, r := range returns {
		if math.IsNaN(r) || math.IsInf(r, 0) {
			return Window{}, errkind.New(errkind.BadInput, "features.Normalize", fmt.Sprintf("non-finite return at index %d", i))
		}
	}

	mean := sampleMean(returns)
	std := sampleStd(returns, mean)
	if std < EpsilonStd {
		return Window{}, errkind.New(errkind.BadInput, "features.Normalize",
			fmt.Sprintf("std %.3g below floor %.3g", std, EpsilonStd))
	}

	z := make([]float64, len(returns))
	for i, r := range returns {
		z[i] = (r - mean) / std
	}
	return Window{Z: z, Mean: mean, Std: std}, nil
}

// Denormalize maps a standardized series back to log-return space using
// the carried (mean, std). It is the exact inverse of the standardization
// step in Normalize: denormalize(normalize(x)) == x within floating
// point tolerance (invariant 8.1).
func Denormalize(w Window) []float64 {
	returns := make([]float64, len(w.Z))
	for i, z := range w.Z {
		returns[i] = z*w.Std + w.Mean
	}
	return returns
}

// CompoundFromAnchor turns a log-return sequence into an absolute price
// path by cumulative exponential compounding from anchor: P_{t+1} =
// P_t * exp(r_{t+1}).
func CompoundFromAnchor(anchor float64, returns []float64) []float64 {
	prices := make([]float64, len(returns))
	p := anchor
	for i, r := range returns {
		p = p * math.Exp(r)
		prices[i] = p
	}
	return prices
}

func sampleMean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func sampleStd(xs []float64, mean float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	var ss float64
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(xs)-1))
}

func isFinitePositive(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0) && x > 0
}
