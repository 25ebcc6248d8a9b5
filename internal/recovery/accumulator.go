package recovery

import (
	"math"

	"humanity/internal/degen"
)

// State is the persisted per-subject accumulator state.
//
// LastSampleTimeSec == 0 means "never sampled". Remainder holds the recovery
// that has not yet added up to a whole unit; it stays in (-1, 1) under normal
// operation.
type State struct {
	LastSampleTimeSec float64 `json:"last_sample_time_sec"`
	Remainder         float64 `json:"remainder"`
}

// maxAmount caps one cycle's whole units; larger totals exceed any damage
// value anyway.
const maxAmount = math.MaxInt32

// Cycle describes the outcome of one Sample call.
type Cycle struct {
	Now          float64
	DeltaSec     float64
	Load         float64
	RecoveryRate float64 // per day, positive while recovering
	RawIncrement float64
	Amount       int
}

// Accumulator converts elapsed simulated time into whole recovery units
// without losing fractional increments to truncation.
type Accumulator struct {
	state State
}

func NewAccumulator(st State) *Accumulator {
	return &Accumulator{state: st}
}

// State returns the current persisted state.
func (a *Accumulator) State() State { return a.state }

// Restore replaces the state, e.g. after loading saved data.
func (a *Accumulator) Restore(st State) { a.state = st }

// Sample computes the recovery owed for the time since the previous sample
// and returns it as a whole number of damage units to remove.
func (a *Accumulator) Sample(now float64, s Settings, load float64) int {
	return a.sample(now, s, load).Amount
}

func (a *Accumulator) sample(now float64, s Settings, load float64) Cycle {
	delta := now - a.state.LastSampleTimeSec
	// Always move the sample point so elapsed time is never counted twice,
	// even when this call contributes nothing.
	a.state.LastSampleTimeSec = now

	c := Cycle{Now: now, DeltaSec: delta, Load: load}
	if !(now > 0) || !(delta > 0) {
		return c
	}

	dayFrac := delta / SecondsPerDay
	c.RecoveryRate = degen.Recovery(s.Rate, s.Threshold, load)
	raw := c.RecoveryRate * dayFrac
	c.RawIncrement = raw
	if !(raw > 0) {
		return c
	}

	total := a.state.Remainder + raw
	whole := math.Trunc(total)
	if whole >= maxAmount {
		a.state.Remainder = 0
		c.Amount = maxAmount
		return c
	}
	a.state.Remainder = total - whole
	c.Amount = int(whole)
	return c
}
