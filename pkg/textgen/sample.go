// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package textgen

import (
	"math"
)

// ApplyTemperature rescales the distribution probs: the log-probabilities are divided by temperature and
// renormalized with a softmax.
//
// Temperatures close to 0 concentrate the distribution on its most likely element, large temperatures
// flatten it toward uniform. Elements with probability 0 keep probability 0.
func ApplyTemperature(probs []float32, temperature float64) []float64 {
	scaled := make([]float64, len(probs))
	maxLogProb := math.Inf(-1)
	for ii, p := range probs {
		scaled[ii] = math.Log(float64(p))
		if scaled[ii] > maxLogProb {
			maxLogProb = scaled[ii]
		}
	}
	if math.IsInf(maxLogProb, 0) || math.IsNaN(maxLogProb) {
		// Degenerate distribution: fall back to uniform.
		for ii := range scaled {
			scaled[ii] = 1 / float64(len(scaled))
		}
		return scaled
	}
	// Shifted so the most likely element has logit 0: tiny temperatures send the others to -Inf.
	var sum float64
	for ii, logProb := range scaled {
		scaled[ii] = math.Exp((logProb - maxLogProb) / temperature)
		sum += scaled[ii]
	}
	for ii := range scaled {
		scaled[ii] /= sum
	}
	return scaled
}

// SampleIndex returns the index of the element of the distribution probs selected by u, a uniform
// random number in [0, 1), by inverting the cumulative distribution.
func SampleIndex(probs []float64, u float64) int {
	var cumulative float64
	last := -1
	for ii, p := range probs {
		if p <= 0 {
			continue
		}
		cumulative += p
		last = ii
		if u < cumulative {
			return ii
		}
	}
	// Rounding errors may leave the cumulative sum slightly below 1.
	if last == -1 {
		return 0
	}
	return last
}
