package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"humanity/internal/autosave"
	"humanity/internal/config"
	"humanity/internal/eventbus"
	"humanity/internal/recovery"
	rtsup "humanity/internal/runtime/supervisor"
	"humanity/internal/simclock"
	"humanity/internal/status"
	"humanity/internal/storage"
	"humanity/internal/subject"
	logx "humanity/pkg/logx"
)

// App wires the recovery controller to a standalone subject, a wall-clock
// host loop, persistence, autosave, the status server and config hot reload.
type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	loop       *simclock.Loop
	loopCancel context.CancelFunc
	loopDone   chan struct{}

	subj     *subject.Subject
	states   stateStore
	ctrl     *recovery.Controller
	autosave *autosave.Service
	metrics  *status.Metrics
	status   *status.Service

	notify   func(state string) (bool, error)
	version  string
	stopOnce sync.Once
}

type Option func(*App)

// WithNotifier replaces the systemd notifier (tests use a recorder).
func WithNotifier(fn func(state string) (bool, error)) Option {
	return func(a *App) { a.notify = fn }
}

func WithVersion(v string) Option { return func(a *App) { a.version = v } }

func NewApp(cfgPath string, opts ...Option) (_ *App, err error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := validateConfig(context.Background(), cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	a := &App{
		cfgm: cfgm,
		logs: logSvc,
		log:  log.Named("app"),
		bus:  eventbus.New(),
		notify: func(state string) (bool, error) {
			return daemon.SdNotify(false, state)
		},
	}
	for _, o := range opts {
		o(a)
	}
	defer func() {
		if err == nil {
			return
		}
		if a.store != nil {
			_ = a.store.Close()
		}
		_ = logSvc.Close()
	}()

	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log)
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		a.store = st
		a.log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	subjCfg := mapSubjectConfig(cfg)
	sess, err := restoreSession(context.Background(), a.store, cfg.Clock, subjCfg, time.Now())
	if err != nil {
		return nil, err
	}
	if sess.resumed {
		a.log.Info("resuming saved session", sess.fields()...)
	}
	subjCfg.Damage = sess.damage

	a.loop = simclock.NewLoop(sess.clockSec, cfg.Clock.TimeScaleOrDefault())
	a.subj = subject.New(subjCfg)
	a.subj.OnInvalidate(a.publishDamage)

	ctrlOpts := []recovery.ControllerOption{
		recovery.WithEventBus(a.bus),
		recovery.WithLogger(log.Named("recovery")),
	}
	if a.store != nil {
		a.states = stateStore{st: a.store, host: a.hostState}
		ctrlOpts = append(ctrlOpts, recovery.WithStateStore(a.states))
	}
	a.ctrl = recovery.NewController(a.loop, mapSettings(cfg), ctrlOpts...)

	a.autosave = autosave.New(a.saveState, log.Named("autosave"))
	if a.store != nil {
		if err := a.autosave.Apply(cfg.AutosaveSchedule()); err != nil {
			return nil, err
		}
	}

	stc, err := mapStatusConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.metrics = status.NewMetrics(a.bus)
	a.status = status.New(stc, a.ctrl, log.Named("status"),
		status.WithMetrics(a.metrics),
		status.WithVersion(a.version),
		status.WithExtra("autosave", a.autosaveStats),
		status.WithExtra("supervisor", func() any { return a.sup.Snapshot() }),
		status.WithExtra("clock", a.clockInfo),
	)
	return a, nil
}

// Controller exposes the recovery controller (its Status is goroutine-safe).
func (a *App) Controller() *recovery.Controller { return a.ctrl }

// Subject exposes the standalone subject.
func (a *App) Subject() *subject.Subject { return a.subj }

// StatusAddr returns the status server address, "" when not serving.
func (a *App) StatusAddr() string { return a.status.Addr() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.Named("config"))
	a.cfgm.SetValidator(validateConfig)

	// The loop outlives the supervisor so Stop can still detach on it.
	loopCtx, cancel := context.WithCancel(context.Background())
	a.loopCancel = cancel
	a.loopDone = make(chan struct{})
	go func() {
		defer close(a.loopDone)
		if err := a.loop.Run(loopCtx); err != nil {
			a.log.Error("host loop failed", logx.Err(err))
		}
	}()

	var attachErr error
	if err := a.loop.Call(ctx, func() { attachErr = a.ctrl.Attach(ctx, a.subj) }); err != nil {
		return err
	}
	a.audit(ctx, "attach", attachErr, nil)
	if attachErr != nil {
		return attachErr
	}

	if a.store != nil {
		if err := a.autosave.Start(a.sup.Context()); err != nil {
			return err
		}
	}
	a.status.Start(a.sup.Context())

	a.sup.Go("metrics", a.metrics.Run)
	a.sup.Go("eventbus.log", a.logEvents)
	a.sup.Go("config.reload", a.reloadLoop)
	a.sup.GoRestart("config.watch", a.cfgm.Watch)

	if ok, err := a.notify(daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}

	st := a.ctrl.Status()
	a.log.Info("app started",
		logx.String("subject", st.SubjectID),
		logx.Bool("active", st.Active),
		logx.Int("damage", st.Damage),
		logx.Float64("time_scale", a.loop.TimeScale()),
	)
	return nil
}

// Stop persists state and shuts every component down. It is safe to call
// more than once; later calls are no-ops.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	var err error
	a.stopOnce.Do(func() { err = a.stop(ctx, reason) })
	return err
}

func (a *App) stop(ctx context.Context, reason StopReason) error {
	start := time.Now()
	a.log.Info("stop requested", logx.String("reason", string(reason)))
	if _, err := a.notify(daemon.SdNotifyStopping); err != nil {
		a.log.Debug("sd_notify stopping failed", logx.Err(err))
	}

	a.autosave.Stop(ctx)

	var errs []error
	if a.loopDone != nil {
		var detachErr error
		callErr := a.loop.Call(ctx, func() {
			if a.ctrl.Attached() {
				detachErr = a.ctrl.Detach(ctx)
			}
		})
		a.audit(ctx, "detach", detachErr, map[string]any{"reason": reason})
		errs = append(errs, callErr, detachErr)
	}

	a.status.Stop(ctx)
	if a.sup != nil {
		if err := a.sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
	}

	if a.loopCancel != nil {
		a.loopCancel()
		select {
		case <-a.loopDone:
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
	}

	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	err := errors.Join(errs...)
	a.log.Info("app stopped", logx.Duration("took", time.Since(start)), logx.Err(err))
	_ = a.logs.Close()
	return err
}

// saveState is the autosave job: snapshot on the loop, write off it.
func (a *App) saveState(ctx context.Context) error {
	if a.store == nil {
		return storage.ErrDisabled
	}
	var (
		rec storage.StateRecord
		ok  bool
	)
	err := a.loop.Call(ctx, func() {
		var st recovery.State
		if rec.SubjectID, st, ok = a.ctrl.Snapshot(); !ok {
			return
		}
		rec.LastSampleTimeSec, rec.Remainder = st.LastSampleTimeSec, st.Remainder
		rec.HostSaved = true
		rec.ClockSec, rec.Damage = a.hostState()
	})
	if err != nil || !ok {
		return err
	}
	start := time.Now()
	err = a.states.save(ctx, rec)
	_ = a.store.AppendAudit(ctx, storage.AuditEntry{
		SubjectID: rec.SubjectID,
		Action:    "autosave",
		OK:        err == nil,
		Error:     errString(err),
		TookMS:    time.Since(start).Milliseconds(),
	})
	return err
}

func (a *App) audit(ctx context.Context, action string, err error, meta map[string]any) {
	if a.store == nil {
		return
	}
	e := storage.AuditEntry{
		SubjectID: a.subj.ID(),
		Action:    action,
		OK:        err == nil,
		Error:     errString(err),
	}
	if len(meta) > 0 {
		if b, mErr := json.Marshal(meta); mErr == nil {
			e.MetaJSON = string(b)
		}
	}
	if aErr := a.store.AppendAudit(ctx, e); aErr != nil {
		a.log.Debug("audit append failed", logx.String("action", action), logx.Err(aErr))
	}
}

// hostState reads the clock and damage saved alongside recovery state.
func (a *App) hostState() (float64, int) {
	return a.loop.NowSeconds(), a.subj.Damage()
}

// publishDamage forwards subject invalidations to the bus.
func (a *App) publishDamage(damage int) {
	a.bus.Publish(eventbus.Event{Type: eventDamageChanged, Data: damage})
}

func (a *App) logEvents(ctx context.Context) error {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			// Cycles are frequent; keep them at trace.
			if e.Type == recovery.EventCycle || e.Type == eventDamageChanged {
				a.log.Trace("event", logx.String("type", e.Type))
				continue
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

func (a *App) reloadLoop(ctx context.Context) error {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return nil
		case newCfg, ok := <-sub:
			if !ok {
				return nil
			}
			// Coalesce bursts: keep only the latest config.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					drained = true
				}
			}
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := map[string]bool{}
	for _, s := range sections {
		changed[s] = true
	}

	if changed["logging"] {
		a.logs.Apply(mapLogConfig(newCfg))
	}
	if changed["storage"] {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}
	if changed["clock"] {
		a.loop.SetTimeScale(newCfg.Clock.TimeScaleOrDefault())
		if oldCfg != nil && oldCfg.Clock.StartSec != newCfg.Clock.StartSec {
			a.log.Warn("clock.start_sec only applies at startup")
		}
	}
	if changed["subject"] {
		sc := mapSubjectConfig(newCfg)
		a.subj.SetEquipment(sc.Equipped, sc.Capacity)
		if oldCfg != nil && (oldCfg.Subject.IDOrDefault() != sc.ID || oldCfg.Subject.Damage != sc.Damage) {
			a.log.Warn("subject.id and subject.damage only apply at startup (saved sessions take precedence)")
		}
	}
	if changed["recovery"] {
		settings := mapSettings(newCfg)
		if !a.loop.Post(func() { a.ctrl.ApplySettings(settings) }) {
			a.log.Warn("recovery settings not applied: host loop stopped")
		}
		a.audit(ctx, "settings", nil, map[string]any{
			"enabled":   settings.Enabled,
			"rate":      settings.Rate,
			"threshold": settings.Threshold,
			"interval":  settings.IntervalSec,
		})
	}
	if changed["autosave"] && a.store != nil {
		if err := a.autosave.Apply(newCfg.AutosaveSchedule()); err != nil {
			a.log.Warn("invalid autosave schedule; keeping previous", logx.Err(err))
		}
	}
	if changed["status"] {
		stc, err := mapStatusConfig(newCfg)
		if err != nil {
			a.log.Warn("invalid status config; keeping previous", logx.Err(err))
		} else {
			a.status.Reconfigure(ctx, stc)
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) autosaveStats() any {
	runs, failures, last := a.autosave.Stats()
	return map[string]any{
		"enabled":  a.store != nil && a.autosave.Entries() > 0,
		"runs":     runs,
		"failures": failures,
		"last":     last,
	}
}

func (a *App) clockInfo() any {
	return map[string]any{
		"now_sec":    a.loop.NowSeconds(),
		"time_scale": a.loop.TimeScale(),
		"pending":    a.loop.Pending(),
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
