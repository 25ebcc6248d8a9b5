package recovery

import (
	"math"

	"humanity/internal/degen"
)

const (
	// SecondsPerDay converts elapsed simulated seconds into the per-day rate unit.
	SecondsPerDay = 86400.0

	// DefaultIntervalSec is the simulated delay between two cycles.
	DefaultIntervalSec = 10.0
)

// Settings is the configuration snapshot a Scheduler runs with.
// It is treated as immutable: a settings change replaces it wholesale.
type Settings struct {
	Enabled bool `json:"enabled"`

	// Rate is the maximum degeneration/recovery per day, reached at load 0
	// (recovery) and load 1 (degeneration).
	Rate float64 `json:"rate"`
	// Threshold is the load fraction at which the rate is exactly zero.
	Threshold float64 `json:"threshold"`

	// IntervalSec is the simulated delay between cycles.
	IntervalSec float64 `json:"interval_sec"`

	// ResetSampleOnDetach zeroes the last sample time on detach so that the
	// detached span is not counted as elapsed time.
	ResetSampleOnDetach bool `json:"reset_sample_on_detach"`
}

// DefaultSettings returns enabled settings with a centered threshold.
func DefaultSettings() Settings {
	return Settings{
		Enabled:     true,
		Rate:        1,
		Threshold:   0.5,
		IntervalSec: DefaultIntervalSec,
	}
}

// Normalize returns a copy that is safe for the rate function: rate is
// non-negative and finite, threshold is clamped away from 0 and 1, and the
// interval is positive. adjusted lists the fields that were changed.
func (s Settings) Normalize() (out Settings, adjusted []string) {
	out = s
	if math.IsNaN(out.Rate) || math.IsInf(out.Rate, 0) || out.Rate < 0 {
		out.Rate = 0
		adjusted = append(adjusted, "rate")
	}
	if th, changed := degen.ClampThreshold(out.Threshold); changed {
		out.Threshold = th
		adjusted = append(adjusted, "threshold")
	}
	if math.IsNaN(out.IntervalSec) || out.IntervalSec <= 0 {
		out.IntervalSec = DefaultIntervalSec
		adjusted = append(adjusted, "interval")
	}
	return out, adjusted
}
