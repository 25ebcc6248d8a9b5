package autosave

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "humanity/pkg/logx"
)

const defaultSaveTimeout = 10 * time.Second

// SaveFunc persists the current recovery state.
type SaveFunc func(ctx context.Context) error

// Service runs SaveFunc on a wall-clock schedule. Overlapping runs are
// skipped; a slow save never queues up behind itself.
type Service struct {
	mu    sync.Mutex
	c     *cron.Cron
	raw   string
	entry cron.EntryID
	// unwatch detaches the stop hook registered on the Start context.
	unwatch func() bool

	save    SaveFunc
	timeout time.Duration
	log     logx.Logger

	runs     atomic.Uint64
	failures atomic.Uint64
	lastRun  atomic.Pointer[Run]
}

// Run describes the latest save attempt.
type Run struct {
	At    time.Time     `json:"at"`
	Took  time.Duration `json:"took"`
	Error string        `json:"error,omitempty"`
}

func New(save SaveFunc, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{save: save, timeout: defaultSaveTimeout, log: log}
}

// Apply installs raw as the schedule; "" disables autosave. An invalid
// schedule is rejected and the previous one stays registered.
func (s *Service) Apply(raw string) error {
	raw = strings.TrimSpace(raw)

	var sched cron.Schedule
	var parsed Plan
	if raw != "" {
		var err error
		if parsed, err = ParseSchedule(raw); err != nil {
			return err
		}
		if sched, err = parsed.Schedule(); err != nil {
			return fmt.Errorf("autosave schedule: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if raw == s.raw {
		return nil
	}
	s.raw = raw
	if s.c == nil {
		return nil
	}
	s.registerLocked(sched)
	if raw == "" {
		s.log.Info("autosave disabled")
	} else {
		s.log.Info("autosave scheduled", logx.String("schedule", parsed.String()), logx.String("kind", parsed.Kind.String()))
	}
	return nil
}

// Start begins triggering until Stop is called or ctx is done. Calling it
// twice is a no-op.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.c = cron.New(
		cron.WithParser(cronParser),
		cron.WithChain(cron.Recover(cronLogger{s.log}), cron.SkipIfStillRunning(cronLogger{s.log})),
		cron.WithLogger(cronLogger{s.log}),
	)
	if s.raw != "" {
		parsed, err := ParseSchedule(s.raw)
		if err != nil {
			s.c = nil
			return err
		}
		sched, err := parsed.Schedule()
		if err != nil {
			s.c = nil
			return err
		}
		s.registerLocked(sched)
	}
	c := s.c
	c.Start()
	s.unwatch = context.AfterFunc(ctx, func() {
		if s.detach(c) {
			c.Stop()
			s.log.Debug("autosave stopped with its context")
		}
	})
	s.log.Debug("autosave started", logx.String("schedule", s.raw))
	return nil
}

// Stop halts triggering and waits for a running save (bounded by ctx).
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	if c == nil {
		s.mu.Unlock()
		return
	}
	s.detachLocked()
	s.mu.Unlock()

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Debug("autosave stopped")
}

// detach clears c if it is still the active cron and reports whether it was.
func (s *Service) detach(c *cron.Cron) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != c {
		return false
	}
	s.detachLocked()
	return true
}

func (s *Service) detachLocked() {
	if s.unwatch != nil {
		s.unwatch()
		s.unwatch = nil
	}
	s.c = nil
	s.entry = 0
}

// SaveNow runs one save outside the schedule.
func (s *Service) SaveNow(ctx context.Context) error {
	return s.run(ctx)
}

// Stats returns counters and the latest attempt.
func (s *Service) Stats() (runs, failures uint64, last *Run) {
	return s.runs.Load(), s.failures.Load(), s.lastRun.Load()
}

// Entries reports how many schedules are registered (0 or 1).
func (s *Service) Entries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return 0
	}
	return len(s.c.Entries())
}

func (s *Service) registerLocked(sched cron.Schedule) {
	if s.entry != 0 {
		s.c.Remove(s.entry)
		s.entry = 0
	}
	if sched == nil {
		return
	}
	s.entry = s.c.Schedule(sched, cron.FuncJob(func() {
		if err := s.run(context.Background()); err != nil {
			s.log.Warn("autosave failed", logx.Err(err))
		}
	}))
}

func (s *Service) run(parent context.Context) error {
	if s.save == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()

	start := time.Now()
	err := s.save(ctx)
	r := &Run{At: start, Took: time.Since(start)}
	s.runs.Add(1)
	if err != nil {
		s.failures.Add(1)
		r.Error = err.Error()
	}
	s.lastRun.Store(r)
	return err
}

// cronLogger routes cron's own logging into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Trace("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Warn("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
