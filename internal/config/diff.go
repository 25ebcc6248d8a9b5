package config

import (
	"reflect"
	"sort"
	"strings"

	logx "humanity/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured attrs for logging. Secrets such as the status token are never
// included, only whether they are set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.String("logging.format", newCfg.Logging.Format),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	or, nr := oldCfg.Recovery, newCfg.Recovery
	if or.RecoveryEnabled() != nr.RecoveryEnabled() ||
		or.Rate != nr.Rate ||
		or.Threshold != nr.Threshold ||
		or.IntervalOrDefault() != nr.IntervalOrDefault() ||
		or.ResetSampleOnDetach != nr.ResetSampleOnDetach {
		changed = append(changed, "recovery")
		attrs = append(attrs,
			logx.Bool("recovery.enabled", nr.RecoveryEnabled()),
			logx.Float64("recovery.rate", nr.Rate),
			logx.Float64("recovery.threshold", nr.Threshold),
			logx.Duration("recovery.interval", nr.IntervalOrDefault()),
			logx.Bool("recovery.reset_sample_on_detach", nr.ResetSampleOnDetach),
		)
	}

	if oldCfg.Clock.TimeScaleOrDefault() != newCfg.Clock.TimeScaleOrDefault() ||
		oldCfg.Clock.StartSec != newCfg.Clock.StartSec ||
		oldCfg.Clock.CountOffline != newCfg.Clock.CountOffline {
		changed = append(changed, "clock")
		attrs = append(attrs,
			logx.Float64("clock.time_scale", newCfg.Clock.TimeScaleOrDefault()),
			logx.Float64("clock.start_sec", newCfg.Clock.StartSec),
			logx.Bool("clock.count_offline", newCfg.Clock.CountOffline),
		)
	}

	if !reflect.DeepEqual(oldCfg.Subject, newCfg.Subject) {
		changed = append(changed, "subject")
		attrs = append(attrs,
			logx.String("subject.id", newCfg.Subject.IDOrDefault()),
			logx.Int("subject.equipped", newCfg.Subject.Equipped),
			logx.Int("subject.capacity", newCfg.Subject.Capacity),
		)
	}

	// Storage: nil means disabled.
	var oBusy, nBusy string
	var oPathSet, nPathSet bool
	if oldCfg.Storage != nil {
		oBusy = strings.TrimSpace(oldCfg.Storage.BusyTimeout)
		oPathSet = strings.TrimSpace(oldCfg.Storage.Path) != ""
	}
	if newCfg.Storage != nil {
		nBusy = strings.TrimSpace(newCfg.Storage.BusyTimeout)
		nPathSet = strings.TrimSpace(newCfg.Storage.Path) != ""
	}
	if oldCfg.StorageDriver() != newCfg.StorageDriver() || oBusy != nBusy || oPathSet != nPathSet {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.StorageDriver()),
			logx.Bool("storage.path_set", nPathSet),
			logx.String("storage.busy_timeout", nBusy),
		)
	}

	if oldCfg.AutosaveSchedule() != newCfg.AutosaveSchedule() {
		changed = append(changed, "autosave")
		attrs = append(attrs,
			logx.Bool("autosave.enabled", newCfg.AutosaveSchedule() != ""),
			logx.String("autosave.schedule", newCfg.AutosaveSchedule()),
		)
	}

	oSt, nSt := oldCfg.Status, newCfg.Status
	if oSt.Enabled != nSt.Enabled ||
		strings.TrimSpace(oSt.Addr) != strings.TrimSpace(nSt.Addr) ||
		oSt.AllowInsecure != nSt.AllowInsecure ||
		strings.TrimSpace(oSt.ReadTimeout) != strings.TrimSpace(nSt.ReadTimeout) ||
		strings.TrimSpace(oSt.WriteTimeout) != strings.TrimSpace(nSt.WriteTimeout) ||
		strings.TrimSpace(oSt.IdleTimeout) != strings.TrimSpace(nSt.IdleTimeout) ||
		strings.TrimSpace(oSt.Token) != strings.TrimSpace(nSt.Token) {
		changed = append(changed, "status")
		attrs = append(attrs,
			logx.Bool("status.enabled", nSt.Enabled),
			logx.String("status.addr", strings.TrimSpace(nSt.Addr)),
			logx.Bool("status.token_set", strings.TrimSpace(nSt.Token) != ""),
			logx.Bool("status.allow_insecure", nSt.AllowInsecure),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
