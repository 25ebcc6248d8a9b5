package simclock

import "sort"

// Manual is a deterministic Host driven explicitly by Advance.
//
// It is not safe for concurrent use; like the recovery core it expects a
// single execution context.
type Manual struct {
	now    float64
	seq    uint64
	timers map[Handle]*manualTimer
}

type manualTimer struct {
	handle Handle
	token  string
	due    float64
	fn     func()
}

// NewManual returns a Manual clock starting at start seconds.
func NewManual(start float64) *Manual {
	return &Manual{now: start, timers: map[Handle]*manualTimer{}}
}

func (m *Manual) NowSeconds() float64 { return m.now }

func (m *Manual) Schedule(token string, delaySec float64, fn func()) Handle {
	if fn == nil {
		return NoTimer
	}
	if delaySec < 0 {
		delaySec = 0
	}
	m.seq++
	h := Handle(m.seq)
	m.timers[h] = &manualTimer{handle: h, token: token, due: m.now + delaySec, fn: fn}
	return h
}

func (m *Manual) Cancel(h Handle) {
	if h == NoTimer {
		return
	}
	delete(m.timers, h)
}

// Pending returns the number of outstanding timers.
func (m *Manual) Pending() int { return len(m.timers) }

// Set jumps simulated time to sec without firing anything. Moving backwards
// is allowed; it models a restored or reset time base.
func (m *Manual) Set(sec float64) { m.now = sec }

// Advance moves simulated time forward by sec, firing every timer that comes
// due on the way. Each callback observes NowSeconds equal to its due time.
// Timers scheduled by callbacks fire too if they fall inside the window.
// It returns the number of callbacks run.
func (m *Manual) Advance(sec float64) int {
	if sec < 0 {
		sec = 0
	}
	end := m.now + sec
	fired := 0
	for {
		next := m.nextDue(end)
		if next == nil {
			break
		}
		delete(m.timers, next.handle)
		if next.due > m.now {
			m.now = next.due
		}
		next.fn()
		fired++
	}
	m.now = end
	return fired
}

// nextDue picks the earliest timer due at or before end. Ties go to the
// handle scheduled first.
func (m *Manual) nextDue(end float64) *manualTimer {
	if len(m.timers) == 0 {
		return nil
	}
	due := make([]*manualTimer, 0, len(m.timers))
	for _, t := range m.timers {
		if t.due <= end {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].due != due[j].due {
			return due[i].due < due[j].due
		}
		return due[i].handle < due[j].handle
	})
	return due[0]
}
