package supervisor

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
	"time"
)

// Counters summarize launched goroutines. They are best-effort signals.
type Counters struct {
	Active  int64  `json:"active"`
	Started uint64 `json:"started"`
}

// GoroutineStats aggregates the runs of one named goroutine.
type GoroutineStats struct {
	Name        string        `json:"name"`
	Active      int64         `json:"active"`
	Started     uint64        `json:"started"`
	Panics      uint64        `json:"panics"`
	Restarts    uint64        `json:"restarts"`
	LastStartAt time.Time     `json:"last_start_at"`
	LastStopAt  time.Time     `json:"last_stop_at"`
	LastErr     string        `json:"last_err,omitempty"`
	LastErrAt   time.Time     `json:"last_err_at"`
	LastPanic   string        `json:"last_panic,omitempty"`
	LastRuntime time.Duration `json:"last_runtime"`
}

// Snapshot is what the status endpoint reports.
type Snapshot struct {
	Counters   Counters         `json:"counters"`
	FirstError string           `json:"first_error,omitempty"`
	Goroutines []GoroutineStats `json:"goroutines"`
}

type registry struct {
	mu sync.Mutex
	by map[string]*GoroutineStats
}

func newRegistry() *registry { return &registry{by: map[string]*GoroutineStats{}} }

func (r *registry) update(name string, fn func(*GoroutineStats)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.by[name]
	if !ok {
		st = &GoroutineStats{Name: name}
		r.by[name] = st
	}
	fn(st)
}

func (r *registry) started(name string, restart bool) time.Time {
	now := time.Now()
	r.update(name, func(st *GoroutineStats) {
		st.Started++
		st.Active++
		st.LastStartAt = now
		if restart {
			st.Restarts++
		}
	})
	return now
}

func (r *registry) stopped(name string, startedAt time.Time, err error) {
	now := time.Now()
	r.update(name, func(st *GoroutineStats) {
		st.Active = max(st.Active-1, 0)
		st.LastStopAt = now
		st.LastRuntime = now.Sub(startedAt)
		if err != nil {
			st.LastErr, st.LastErrAt = err.Error(), now
		}
	})
}

func (r *registry) panicked(name string, p any) {
	r.update(name, func(st *GoroutineStats) {
		st.Panics++
		st.LastPanic = fmt.Sprint(p)
	})
}

// list returns running goroutines first, then the most recently started.
func (r *registry) list() []GoroutineStats {
	r.mu.Lock()
	out := make([]GoroutineStats, 0, len(r.by))
	for _, st := range r.by {
		out = append(out, *st)
	}
	r.mu.Unlock()

	slices.SortFunc(out, func(a, b GoroutineStats) int {
		if c := cmp.Compare(b.Active, a.Active); c != 0 {
			return c
		}
		if c := b.LastStartAt.Compare(a.LastStartAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
	return out
}

func (s *Supervisor) Counters() Counters {
	if s == nil {
		return Counters{}
	}
	return Counters{Active: s.running.Load(), Started: s.launched.Load()}
}

func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	snap := Snapshot{Counters: s.Counters(), Goroutines: s.stats.list()}
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}
	return snap
}
