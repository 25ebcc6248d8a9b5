// Package recovery reduces accumulated humanity damage over simulated time.
//
// # Overview
//
// A Scheduler fires every Settings.IntervalSec seconds of simulated time. Each
// firing asks the Accumulator for this cycle's recovery, which converts the
// elapsed time and the load-driven rate (see package degen) into a whole
// number of damage units plus a carried fractional Remainder. The whole units
// are subtracted from the subject's DamageStore.
//
// # Execution model
//
// Everything in this package runs in a single execution context: the host's
// delay callbacks and the lifecycle calls (Attach, Detach, ApplySettings,
// Start, Stop) must never run concurrently. simclock.Loop provides such a
// context for standalone use. Controller.Status is the one exception: it
// returns a snapshot published after each change and may be read from any
// goroutine.
//
// # Persistence
//
// State (last sample time and remainder) is persisted per subject through a
// StateStore. A missing record means both values start at zero.
package recovery
