package app

import (
	"context"
	"fmt"
	"strings"

	"humanity/internal/autosave"
	"humanity/internal/config"
	"humanity/internal/recovery"
	"humanity/internal/status"
	"humanity/internal/subject"
	logx "humanity/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		Format:  cfg.Logging.Format,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// mapSettings converts the recovery section. Range normalization (threshold
// clamp, interval default) happens in recovery.Settings.Normalize.
func mapSettings(cfg *config.Config) recovery.Settings {
	r := cfg.Recovery
	return recovery.Settings{
		Enabled:             r.RecoveryEnabled(),
		Rate:                r.Rate,
		Threshold:           r.Threshold,
		IntervalSec:         r.IntervalOrDefault().Seconds(),
		ResetSampleOnDetach: r.ResetSampleOnDetach,
	}
}

func mapSubjectConfig(cfg *config.Config) subject.Config {
	s := cfg.Subject
	return subject.Config{
		ID:        s.IDOrDefault(),
		MaxDamage: s.MaxDamageOrDefault(),
		Damage:    s.Damage,
		Equipped:  s.Equipped,
		Capacity:  s.Capacity,
	}
}

func mapStatusConfig(cfg *config.Config) (status.Config, error) {
	sc := cfg.Status
	rt, err := config.ParseDurationOrDefault("status.read_timeout", sc.ReadTimeout, 0)
	if err != nil {
		return status.Config{}, err
	}
	wt, err := config.ParseDurationOrDefault("status.write_timeout", sc.WriteTimeout, 0)
	if err != nil {
		return status.Config{}, err
	}
	it, err := config.ParseDurationOrDefault("status.idle_timeout", sc.IdleTimeout, 0)
	if err != nil {
		return status.Config{}, err
	}
	return status.Config{
		Enabled:       sc.Enabled,
		Addr:          strings.TrimSpace(sc.Addr),
		Token:         strings.TrimSpace(sc.Token),
		AllowInsecure: sc.AllowInsecure,
		ReadTimeout:   rt,
		WriteTimeout:  wt,
		IdleTimeout:   it,
	}, nil
}

// validateConfig is installed as the hot-reload validator. It covers the
// checks config.Validate cannot do without importing component packages.
func validateConfig(_ context.Context, cfg *config.Config) error {
	if sched := cfg.AutosaveSchedule(); sched != "" {
		if _, err := autosave.ParseSchedule(sched); err != nil {
			return fmt.Errorf("autosave.schedule: %w", err)
		}
	}
	if _, err := mapStatusConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	return nil
}
