// Package simclock provides the simulated time base and the single-shot,
// cancelable delay primitive the recovery scheduler runs on.
//
// Simulated time is a float64 count of seconds. It may pause, run faster than
// wall time, or be zero before a session's time base exists.
package simclock

// Handle identifies one scheduled callback. NoTimer is never returned for a
// real timer.
type Handle uint64

// NoTimer is the "nothing scheduled" sentinel.
const NoTimer Handle = 0

// Clock reports the current simulated time in seconds.
type Clock interface {
	NowSeconds() float64
}

// Delayer schedules fn to run once after delaySec seconds of simulated time.
//
// Cancel must be idempotent and safe on fired or unknown handles. token names
// the callback for diagnostics.
type Delayer interface {
	Schedule(token string, delaySec float64, fn func()) Handle
	Cancel(h Handle)
}

// Host is the combined time and delay service.
type Host interface {
	Clock
	Delayer
}
