// Package degen implements the load-driven degeneration rate curve.
//
// The curve is zero at the configured threshold (the balance point) and
// scales linearly and independently on each side, so that rate is always
// the magnitude reached at load 0 (negative) and load 1 (positive).
package degen

import "math"

const (
	// BalanceEpsilon is the distance from the threshold inside which the
	// rate is reported as exactly zero.
	BalanceEpsilon = 1e-6

	// ThresholdMin and ThresholdMax bound a usable threshold. Values at the
	// exact edges make one side of the curve divide by zero.
	ThresholdMin = 0.001
	ThresholdMax = 0.999
)

// Rate returns the signed degeneration rate per day for the given load
// fraction. Positive means damage grows, negative means it recovers.
//
// rate must be >= 0, threshold and load are fractions in [0,1].
func Rate(rate, threshold, load float64) float64 {
	d := load - threshold
	if math.Abs(d) <= BalanceEpsilon {
		return 0
	}
	if d < 0 {
		if threshold <= 0 {
			return 0
		}
		return d / threshold * rate
	}
	span := 1 - threshold
	if span <= 0 {
		return 0
	}
	return d / span * rate
}

// Recovery is the negated Rate: positive means damage decreases.
func Recovery(rate, threshold, load float64) float64 {
	return -Rate(rate, threshold, load)
}

// ClampThreshold pulls threshold into [ThresholdMin, ThresholdMax].
// It reports whether the value was changed.
func ClampThreshold(threshold float64) (float64, bool) {
	switch {
	case math.IsNaN(threshold):
		return 0.5, true
	case threshold < ThresholdMin:
		return ThresholdMin, true
	case threshold > ThresholdMax:
		return ThresholdMax, true
	default:
		return threshold, false
	}
}

// ClampLoad pulls a load fraction into [0,1]. NaN is treated as 0.
func ClampLoad(load float64) float64 {
	switch {
	case math.IsNaN(load), load < 0:
		return 0
	case load > 1:
		return 1
	default:
		return load
	}
}
