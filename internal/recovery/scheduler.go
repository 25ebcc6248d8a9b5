package recovery

import (
	"time"

	"golang.org/x/time/rate"

	"humanity/internal/degen"
	"humanity/internal/simclock"
	logx "humanity/pkg/logx"
)

const (
	timerToken = "recovery:cycle"

	defaultHistorySize = 64
)

// CycleRecord is one executed cycle as kept in the scheduler history.
type CycleRecord struct {
	SubjectID    string    `json:"subject_id"`
	At           float64   `json:"at"`
	Wall         time.Time `json:"wall"`
	DeltaSec     float64   `json:"delta_sec"`
	Load         float64   `json:"load"`
	RecoveryRate float64   `json:"recovery_rate"`
	Amount       int       `json:"amount"`
	DamageBefore int       `json:"damage_before"`
	DamageAfter  int       `json:"damage_after"`
	Written      bool      `json:"written"`
	Remainder    float64   `json:"remainder"`
}

// Scheduler owns the single recurring recovery timer of one subject.
//
// States: idle (no timer) and scheduled (one timer outstanding). A firing runs
// one cycle and schedules the next one unconditionally.
type Scheduler struct {
	host    simclock.Host
	acc     *Accumulator
	load    LoadSource
	damage  DamageStore
	subject string

	settings Settings
	handle   simclock.Handle

	onCycle func(CycleRecord)

	log      logx.Logger
	logEvery rate.Sometimes

	cycles    uint64
	recovered uint64

	history     []CycleRecord
	historySize int
}

// SchedulerDeps are the collaborators a Scheduler runs against. All of them
// must stay valid while the scheduler is active.
type SchedulerDeps struct {
	Host        simclock.Host
	Accumulator *Accumulator
	Load        LoadSource
	Damage      DamageStore
	SubjectID   string
	Settings    Settings
	OnCycle     func(CycleRecord)
	Log         logx.Logger
	HistorySize int
}

func NewScheduler(d SchedulerDeps) *Scheduler {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	acc := d.Accumulator
	if acc == nil {
		acc = NewAccumulator(State{})
	}
	hs := d.HistorySize
	if hs <= 0 {
		hs = defaultHistorySize
	}
	settings, _ := d.Settings.Normalize()
	return &Scheduler{
		host:        d.Host,
		acc:         acc,
		load:        d.Load,
		damage:      d.Damage,
		subject:     d.SubjectID,
		settings:    settings,
		onCycle:     d.OnCycle,
		log:         log,
		logEvery:    rate.Sometimes{First: 1, Interval: time.Minute},
		historySize: hs,
	}
}

// SetSettings replaces the settings snapshot used by the following cycles.
func (s *Scheduler) SetSettings(st Settings) {
	s.settings, _ = st.Normalize()
}

// Settings returns the snapshot in use.
func (s *Scheduler) Settings() Settings { return s.settings }

// IsActive reports whether a timer is outstanding.
func (s *Scheduler) IsActive() bool { return s.handle != simclock.NoTimer }

// Start runs one cycle immediately, which schedules the next firing. It
// refuses to start a second timer and reports false when already active.
func (s *Scheduler) Start() bool {
	if s.IsActive() {
		s.log.Debug("start ignored (already scheduled)", logx.Uint64("handle", uint64(s.handle)))
		return false
	}
	s.log.Debug("recovery started", logx.Float64("interval_sec", s.settings.IntervalSec))
	s.cycle()
	return true
}

// Stop cancels the outstanding timer. Calling it while idle is a no-op.
func (s *Scheduler) Stop() {
	if s.handle == simclock.NoTimer {
		return
	}
	s.host.Cancel(s.handle)
	s.handle = simclock.NoTimer
	s.log.Debug("recovery stopped")
}

func (s *Scheduler) fire(h simclock.Handle) {
	// Stale callback from a timer that was cancelled or superseded.
	if h != s.handle {
		return
	}
	s.handle = simclock.NoTimer
	s.cycle()
}

// cycle runs one recovery step and always schedules the next firing.
func (s *Scheduler) cycle() {
	s.runOnce()
	s.scheduleNext()
}

func (s *Scheduler) scheduleNext() {
	var h simclock.Handle
	h = s.host.Schedule(timerToken, s.settings.IntervalSec, func() { s.fire(h) })
	s.handle = h
}

func (s *Scheduler) runOnce() CycleRecord {
	load := degen.ClampLoad(s.load.LoadFraction())
	now := s.host.NowSeconds()
	c := s.acc.sample(now, s.settings, load)
	before, after, written := ApplyRecovery(s.damage, c.Amount)

	rec := CycleRecord{
		SubjectID:    s.subject,
		At:           now,
		Wall:         time.Now(),
		DeltaSec:     c.DeltaSec,
		Load:         load,
		RecoveryRate: degen.Recovery(s.settings.Rate, s.settings.Threshold, load),
		Amount:       c.Amount,
		DamageBefore: before,
		DamageAfter:  after,
		Written:      written,
		Remainder:    s.acc.State().Remainder,
	}
	s.cycles++
	if written {
		s.recovered += uint64(before - after)
	}
	s.remember(rec)

	if written {
		s.log.Debug("damage recovered",
			logx.Int("amount", c.Amount),
			logx.Int("damage", after),
			logx.Float64("remainder", rec.Remainder),
		)
	} else {
		s.logEvery.Do(func() {
			s.log.Trace("recovery cycle",
				logx.Float64("now", now),
				logx.Float64("delta_sec", c.DeltaSec),
				logx.Float64("load", load),
				logx.Float64("recovery_rate", rec.RecoveryRate),
				logx.Float64("remainder", rec.Remainder),
			)
		})
	}

	if s.onCycle != nil {
		s.onCycle(rec)
	}
	return rec
}

func (s *Scheduler) remember(rec CycleRecord) {
	s.history = append(s.history, rec)
	if len(s.history) > s.historySize {
		s.history = s.history[len(s.history)-s.historySize:]
	}
}

// History returns a copy of the most recent cycles, oldest first.
func (s *Scheduler) History() []CycleRecord {
	return append([]CycleRecord(nil), s.history...)
}

// Counters returns the number of cycles run and units recovered.
func (s *Scheduler) Counters() (cycles, recovered uint64) {
	return s.cycles, s.recovered
}
