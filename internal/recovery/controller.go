package recovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"humanity/internal/degen"
	"humanity/internal/eventbus"
	"humanity/internal/simclock"
	logx "humanity/pkg/logx"
)

var (
	ErrNotAttached        = errors.New("recovery: no subject attached")
	ErrAlreadyAttached    = errors.New("recovery: subject already attached")
	ErrMissingSubjectID   = errors.New("recovery: subject id required")
	ErrMissingLoadSource  = errors.New("recovery: load source unavailable")
	ErrMissingDamageStore = errors.New("recovery: damage store unavailable")
)

// Event types published on the bus.
const (
	EventAttached = "recovery.attached"
	EventDetached = "recovery.detached"
	EventStarted  = "recovery.started"
	EventStopped  = "recovery.stopped"
	EventCycle    = "recovery.cycle"
	EventSettings = "recovery.settings"
)

// StateStore persists State per subject.
type StateStore interface {
	LoadState(ctx context.Context, subjectID string) (st State, ok bool, err error)
	SaveState(ctx context.Context, subjectID string, st State) error
}

// Status is a read-only snapshot of the controller.
type Status struct {
	SubjectID string   `json:"subject_id,omitempty"`
	Attached  bool     `json:"attached"`
	Active    bool     `json:"active"`
	Settings  Settings `json:"settings"`

	Damage       int     `json:"damage"`
	Load         float64 `json:"load"`
	Equipped     int     `json:"equipped"`
	Capacity     int     `json:"capacity"`
	RecoveryRate float64 `json:"recovery_rate"`

	State State `json:"state"`

	Cycles    uint64        `json:"cycles"`
	Recovered uint64        `json:"recovered"`
	LastCycle *CycleRecord  `json:"last_cycle,omitempty"`
	History   []CycleRecord `json:"history,omitempty"`
}

// Controller is the lifecycle glue around one subject's Scheduler: it reacts
// to attach, detach and settings changes.
//
// All methods except Status must be called from the host's execution context.
type Controller struct {
	host  simclock.Host
	store StateStore
	bus   eventbus.Bus
	log   logx.Logger

	settings Settings

	subject Subject
	acc     *Accumulator
	sched   *Scheduler

	status atomic.Pointer[Status]
}

type ControllerOption func(*Controller)

func WithStateStore(st StateStore) ControllerOption {
	return func(c *Controller) { c.store = st }
}

func WithEventBus(b eventbus.Bus) ControllerOption {
	return func(c *Controller) { c.bus = b }
}

func WithLogger(log logx.Logger) ControllerOption {
	return func(c *Controller) { c.log = log }
}

func NewController(host simclock.Host, settings Settings, opts ...ControllerOption) *Controller {
	c := &Controller{host: host}
	for _, o := range opts {
		o(c)
	}
	if c.log.IsZero() {
		c.log = logx.Nop()
	}
	c.settings, _ = settings.Normalize()
	c.publishStatus()
	return c
}

// Attach binds subj, restores its persisted state and starts recovery when
// enabled. A subject whose load source or damage store is missing is
// rejected before anything is scheduled.
func (c *Controller) Attach(ctx context.Context, subj Subject) error {
	if c.subject != nil {
		return ErrAlreadyAttached
	}
	if subj == nil {
		return ErrMissingLoadSource
	}
	id := strings.TrimSpace(subj.ID())
	if id == "" {
		return ErrMissingSubjectID
	}

	st := State{}
	restored := false
	if c.store != nil {
		loaded, ok, err := c.store.LoadState(ctx, id)
		if err != nil {
			return fmt.Errorf("load state for %q: %w", id, err)
		}
		if ok {
			st, restored = loaded, true
		}
	}

	c.subject = subj
	c.acc = NewAccumulator(st)
	c.sched = NewScheduler(SchedulerDeps{
		Host:        c.host,
		Accumulator: c.acc,
		Load:        subj,
		Damage:      subj,
		SubjectID:   id,
		Settings:    c.settings,
		OnCycle:     c.cycleDone,
		Log:         c.log.With(logx.String("subject", id)),
	})

	c.log.Info("subject attached",
		logx.String("subject", id),
		logx.Bool("restored", restored),
		logx.Float64("last_sample_sec", st.LastSampleTimeSec),
		logx.Float64("remainder", st.Remainder),
	)
	c.publish(EventAttached, c.snapshot())

	if c.settings.Enabled {
		c.startLocked()
	} else {
		c.publishStatus()
	}
	return nil
}

// AttachWith is Attach for collaborators supplied separately.
func (c *Controller) AttachWith(ctx context.Context, id string, load LoadSource, damage DamageStore) error {
	if load == nil {
		return ErrMissingLoadSource
	}
	if damage == nil {
		return ErrMissingDamageStore
	}
	return c.Attach(ctx, composite{id: id, LoadSource: load, DamageStore: damage})
}

type composite struct {
	id string
	LoadSource
	DamageStore
}

func (s composite) ID() string { return s.id }

// Detach stops recovery, persists the state and releases the subject.
// The last sample time is kept unless Settings.ResetSampleOnDetach is set.
func (c *Controller) Detach(ctx context.Context) error {
	if c.subject == nil {
		return ErrNotAttached
	}
	c.stopLocked()

	id := c.subject.ID()
	if c.settings.ResetSampleOnDetach {
		c.ResetSample()
	}
	st := c.acc.State()

	var err error
	if c.store != nil {
		if err = c.store.SaveState(ctx, id, st); err != nil {
			err = fmt.Errorf("save state for %q: %w", id, err)
			c.log.Warn("state save on detach failed", logx.String("subject", id), logx.Err(err))
		}
	}

	c.subject = nil
	c.sched = nil
	c.acc = nil

	c.log.Info("subject detached", logx.String("subject", id), logx.Float64("remainder", st.Remainder))
	c.publish(EventDetached, Status{SubjectID: id, State: st, Settings: c.settings})
	c.publishStatus()
	return err
}

// Attached reports whether a subject is bound.
func (c *Controller) Attached() bool { return c.subject != nil }

// ApplySettings replaces the settings snapshot and starts or stops
// recovery when Enabled changed.
func (c *Controller) ApplySettings(s Settings) {
	norm, adjusted := s.Normalize()
	if len(adjusted) > 0 {
		c.log.Warn("recovery settings adjusted",
			logx.String("fields", strings.Join(adjusted, ",")),
			logx.Float64("rate", norm.Rate),
			logx.Float64("threshold", norm.Threshold),
			logx.Float64("interval_sec", norm.IntervalSec),
		)
	}
	prev := c.settings
	c.settings = norm

	if c.sched != nil {
		c.sched.SetSettings(norm)
		switch {
		case norm.Enabled && !c.sched.IsActive():
			c.startLocked()
		case !norm.Enabled && c.sched.IsActive():
			c.stopLocked()
		case norm.IntervalSec != prev.IntervalSec && c.sched.IsActive():
			// Pick up the new interval now instead of after the pending firing.
			c.sched.Stop()
			c.sched.scheduleNext()
		}
	}

	c.log.Debug("recovery settings applied",
		logx.Bool("enabled", norm.Enabled),
		logx.Float64("rate", norm.Rate),
		logx.Float64("threshold", norm.Threshold),
		logx.Float64("interval_sec", norm.IntervalSec),
	)
	c.publish(EventSettings, norm)
	c.publishStatus()
}

// Settings returns the current settings snapshot.
func (c *Controller) Settings() Settings { return c.settings }

// Start begins recovery for the attached subject.
func (c *Controller) Start() error {
	if c.sched == nil {
		return ErrNotAttached
	}
	c.startLocked()
	return nil
}

// Stop halts recovery. It is safe to call repeatedly or while detached.
func (c *Controller) Stop() {
	if c.sched == nil {
		return
	}
	c.stopLocked()
}

// IsActive reports whether a recovery timer is outstanding.
func (c *Controller) IsActive() bool {
	return c.sched != nil && c.sched.IsActive()
}

// ResetSample zeroes the last sample time so the next cycle only
// re-establishes the time base.
func (c *Controller) ResetSample() {
	if c.acc == nil {
		return
	}
	st := c.acc.State()
	st.LastSampleTimeSec = 0
	c.acc.Restore(st)
	c.publishStatus()
}

// Snapshot returns the attached subject's id and state for persistence.
func (c *Controller) Snapshot() (subjectID string, st State, ok bool) {
	if c.subject == nil {
		return "", State{}, false
	}
	return c.subject.ID(), c.acc.State(), true
}

// Status returns the latest published snapshot. Safe from any goroutine.
func (c *Controller) Status() Status {
	if p := c.status.Load(); p != nil {
		return *p
	}
	return Status{}
}

func (c *Controller) startLocked() {
	if c.sched.Start() {
		c.publish(EventStarted, c.snapshot())
	}
	c.publishStatus()
}

func (c *Controller) stopLocked() {
	if !c.sched.IsActive() {
		return
	}
	c.sched.Stop()
	c.publish(EventStopped, c.snapshot())
	c.publishStatus()
}

func (c *Controller) cycleDone(rec CycleRecord) {
	c.publish(EventCycle, rec)
	c.publishStatus()
}

func (c *Controller) snapshot() Status {
	st := Status{Settings: c.settings}
	if c.subject == nil {
		return st
	}
	st.SubjectID = c.subject.ID()
	st.Attached = true
	st.Active = c.sched.IsActive()
	st.Damage = c.subject.Damage()
	st.Load = degen.ClampLoad(c.subject.LoadFraction())
	st.Equipped, st.Capacity = c.subject.Counts()
	st.RecoveryRate = degen.Recovery(c.settings.Rate, c.settings.Threshold, st.Load)
	st.State = c.acc.State()
	st.Cycles, st.Recovered = c.sched.Counters()
	st.History = c.sched.History()
	if n := len(st.History); n > 0 {
		last := st.History[n-1]
		st.LastCycle = &last
	}
	return st
}

func (c *Controller) publishStatus() {
	st := c.snapshot()
	c.status.Store(&st)
}

func (c *Controller) publish(typ string, data any) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(eventbus.Event{Type: typ, Data: data})
}
