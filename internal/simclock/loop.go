package simclock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrLoopStopped is returned by Call once Run has exited.
var ErrLoopStopped = errors.New("simclock: loop stopped")

// Loop is a wall-clock driven Host.
//
// Simulated time advances at scale simulated seconds per wall second and
// freezes while paused. Every timer callback and every Post/Call function
// runs on the goroutine executing Run, so code driven by a Loop never needs
// its own locking.
type Loop struct {
	mu     sync.Mutex
	scale  float64
	base   float64   // simulated seconds at anchor
	anchor time.Time // wall time at anchor
	paused bool
	seq    uint64
	timers map[Handle]*loopTimer

	wall func() time.Time

	queue   chan func()
	done    chan struct{}
	runOnce sync.Once
	endOnce sync.Once
}

type loopTimer struct {
	token string
	due   float64
	fn    func()
	gen   uint64
	t     *time.Timer
}

// NewLoop returns a Loop whose simulated time starts at startSec.
// A non-positive scale is treated as 1.
func NewLoop(startSec, scale float64) *Loop {
	if scale <= 0 {
		scale = 1
	}
	l := &Loop{
		scale:  scale,
		base:   startSec,
		timers: map[Handle]*loopTimer{},
		wall:   time.Now,
		queue:  make(chan func(), 256),
		done:   make(chan struct{}),
	}
	l.anchor = l.wall()
	return l
}

func (l *Loop) NowSeconds() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nowLocked()
}

func (l *Loop) nowLocked() float64 {
	if l.paused {
		return l.base
	}
	return l.base + l.wall().Sub(l.anchor).Seconds()*l.scale
}

// TimeScale returns the current simulated seconds per wall second.
func (l *Loop) TimeScale() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.scale
}

// Paused reports whether simulated time is frozen.
func (l *Loop) Paused() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.paused
}

func (l *Loop) Schedule(token string, delaySec float64, fn func()) Handle {
	if fn == nil {
		return NoTimer
	}
	if delaySec < 0 {
		delaySec = 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	h := Handle(l.seq)
	lt := &loopTimer{token: token, due: l.nowLocked() + delaySec, fn: fn}
	l.timers[h] = lt
	if !l.paused {
		l.armLocked(h, lt)
	}
	return h
}

func (l *Loop) Cancel(h Handle) {
	if h == NoTimer {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	lt, ok := l.timers[h]
	if !ok {
		return
	}
	if lt.t != nil {
		lt.t.Stop()
	}
	delete(l.timers, h)
}

// Pause freezes simulated time. Outstanding timers keep their remaining
// simulated delay and are re-armed by Resume.
func (l *Loop) Pause() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.paused {
		return
	}
	l.base = l.nowLocked()
	l.paused = true
	for _, lt := range l.timers {
		l.disarmLocked(lt)
	}
}

// Resume unfreezes simulated time.
func (l *Loop) Resume() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.paused {
		return
	}
	l.paused = false
	l.anchor = l.wall()
	for h, lt := range l.timers {
		l.armLocked(h, lt)
	}
}

// SetTimeScale changes the simulated rate without moving simulated time.
// Outstanding timers are re-armed against the new rate.
func (l *Loop) SetTimeScale(scale float64) {
	if scale <= 0 {
		scale = 1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if scale == l.scale {
		return
	}
	l.base = l.nowLocked()
	l.anchor = l.wall()
	l.scale = scale
	if l.paused {
		return
	}
	for h, lt := range l.timers {
		l.disarmLocked(lt)
		l.armLocked(h, lt)
	}
}

func (l *Loop) armLocked(h Handle, lt *loopTimer) {
	remaining := lt.due - l.nowLocked()
	if remaining < 0 {
		remaining = 0
	}
	lt.gen++
	gen := lt.gen
	wait := time.Duration(remaining / l.scale * float64(time.Second))
	lt.t = time.AfterFunc(wait, func() {
		l.Post(func() { l.fire(h, gen) })
	})
}

func (l *Loop) disarmLocked(lt *loopTimer) {
	if lt.t != nil {
		lt.t.Stop()
		lt.t = nil
	}
	// Invalidate a callback that already left time.AfterFunc.
	lt.gen++
}

// fire runs on the loop goroutine. Stale generations (re-armed or paused
// timers) and cancelled handles are ignored.
func (l *Loop) fire(h Handle, gen uint64) {
	l.mu.Lock()
	lt, ok := l.timers[h]
	if !ok || lt.gen != gen || l.paused {
		l.mu.Unlock()
		return
	}
	delete(l.timers, h)
	fn := lt.fn
	l.mu.Unlock()
	fn()
}

// Pending returns the number of outstanding timers.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.timers)
}

// Post queues fn to run on the loop goroutine. It reports false when the
// loop has already stopped.
func (l *Loop) Post(fn func()) bool {
	if fn == nil {
		return false
	}
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.queue <- fn:
		return true
	case <-l.done:
		return false
	}
}

// Call runs fn on the loop goroutine and waits for it to finish.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrLoopStopped
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrLoopStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes queued work until ctx is done. A Loop runs at most once;
// outstanding timers are stopped on exit.
func (l *Loop) Run(ctx context.Context) error {
	started := false
	l.runOnce.Do(func() { started = true })
	if !started {
		return errors.New("simclock: loop already ran")
	}
	defer l.shutdown()
	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-l.queue:
			fn()
		}
	}
}

func (l *Loop) shutdown() {
	l.endOnce.Do(func() {
		close(l.done)
		l.mu.Lock()
		for h, lt := range l.timers {
			if lt.t != nil {
				lt.t.Stop()
			}
			delete(l.timers, h)
		}
		l.mu.Unlock()
	})
}
