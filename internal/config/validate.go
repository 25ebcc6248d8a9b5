package config

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// ErrInvalid marks a config that parsed but failed validation.
var ErrInvalid = errors.New("invalid config")

const (
	DefaultInterval      = 10 * time.Second
	DefaultSubjectID     = "player"
	DefaultMaxDamage     = 100
	DefaultAutosave      = "@every 1m"
	DefaultStatusAddr    = "127.0.0.1:7070"
	DefaultStorageDriver = "none"
)

var storageDrivers = map[string]bool{"": true, "none": true, "file": true, "sqlite": true, "sqlite3": true}

// Validate checks value ranges and duration strings. Every problem found is
// reported in one error wrapping ErrInvalid.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalid)
	}
	var issues []string
	add := func(format string, args ...any) { issues = append(issues, fmt.Sprintf(format, args...)) }

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Format)) {
	case "", "console", "json":
	default:
		add("logging.format must be console or json (got %q)", cfg.Logging.Format)
	}

	r := cfg.Recovery
	if math.IsNaN(r.Rate) || math.IsInf(r.Rate, 0) || r.Rate < 0 {
		add("recovery.rate must be a finite value >= 0 (got %v)", r.Rate)
	}
	if math.IsNaN(r.Threshold) || r.Threshold < 0 || r.Threshold > 1 {
		add("recovery.threshold must be within [0,1] (got %v)", r.Threshold)
	}
	if strings.TrimSpace(r.Interval) != "" {
		d, err := ParseDurationField("recovery.interval", r.Interval)
		switch {
		case err != nil:
			add("%v", err)
		case d <= 0:
			add("recovery.interval must be > 0")
		}
	}

	if c := cfg.Clock; math.IsNaN(c.TimeScale) || math.IsInf(c.TimeScale, 0) || c.TimeScale < 0 {
		add("clock.time_scale must be a finite value >= 0 (got %v)", c.TimeScale)
	}
	if c := cfg.Clock; math.IsNaN(c.StartSec) || math.IsInf(c.StartSec, 0) || c.StartSec < 0 {
		add("clock.start_sec must be a finite value >= 0 (got %v)", c.StartSec)
	}

	s := cfg.Subject
	if s.MaxDamage < 0 {
		add("subject.max_damage must be >= 0")
	}
	if s.Damage < 0 {
		add("subject.damage must be >= 0")
	}
	if s.Equipped < 0 {
		add("subject.equipped must be >= 0")
	}
	if s.Capacity < 0 {
		add("subject.capacity must be >= 0")
	}

	if st := cfg.Storage; st != nil {
		drv := strings.ToLower(strings.TrimSpace(st.Driver))
		if !storageDrivers[drv] {
			add("storage.driver %q is not supported (none|file|sqlite|sqlite3)", st.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", st.BusyTimeout); err != nil {
			add("%v", err)
		}
	}

	for _, f := range []struct{ path, raw string }{
		{"status.read_timeout", cfg.Status.ReadTimeout},
		{"status.write_timeout", cfg.Status.WriteTimeout},
		{"status.idle_timeout", cfg.Status.IdleTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			add("%v", err)
		}
	}

	if len(issues) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(issues, "; "))
	}
	return nil
}

// RecoveryEnabled reports the effective enabled flag (default true).
func (r RecoveryConfig) RecoveryEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// IntervalOrDefault returns the configured cycle interval.
func (r RecoveryConfig) IntervalOrDefault() time.Duration {
	d, err := ParseDurationOrDefault("recovery.interval", r.Interval, DefaultInterval)
	if err != nil {
		return DefaultInterval
	}
	return d
}

// TimeScaleOrDefault returns the configured time scale, 1 when unset.
func (c ClockConfig) TimeScaleOrDefault() float64 {
	if c.TimeScale <= 0 {
		return 1
	}
	return c.TimeScale
}

// IDOrDefault returns the trimmed subject id or DefaultSubjectID.
func (s SubjectConfig) IDOrDefault() string {
	if id := strings.TrimSpace(s.ID); id != "" {
		return id
	}
	return DefaultSubjectID
}

// MaxDamageOrDefault returns the damage ceiling.
func (s SubjectConfig) MaxDamageOrDefault() int {
	if s.MaxDamage > 0 {
		return s.MaxDamage
	}
	return DefaultMaxDamage
}

// StorageDriver returns the normalized driver name; a nil section is "none".
func (c *Config) StorageDriver() string {
	if c == nil || c.Storage == nil {
		return DefaultStorageDriver
	}
	drv := strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	if drv == "" {
		return DefaultStorageDriver
	}
	return drv
}

// AutosaveSchedule returns the autosave schedule, or "" when autosave is off.
func (c *Config) AutosaveSchedule() string {
	if c == nil || c.Autosave == nil || !c.Autosave.Enabled {
		return ""
	}
	if s := strings.TrimSpace(c.Autosave.Schedule); s != "" {
		return s
	}
	return DefaultAutosave
}
