package app

import (
	"context"
	"fmt"
	"time"

	"humanity/internal/config"
	"humanity/internal/recovery"
	"humanity/internal/storage"
	logx "humanity/pkg/logx"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	driver := cfg.StorageDriver()
	if driver == "none" {
		return storage.Config{}, false, nil
	}
	path := ""
	busyRaw := ""
	if cfg.Storage != nil {
		path = cfg.Storage.Path
		busyRaw = cfg.Storage.BusyTimeout
	}
	switch driver {
	case "file":
		if path == "" {
			path = "./humanity_store"
		}
		return storage.Config{Driver: driver, Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", busyRaw, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", driver)
	}
}

// stateStore adapts storage.Store to recovery.StateStore. With host set,
// every save also records the host clock and the subject's damage.
type stateStore struct {
	st   storage.Store
	host func() (clockSec float64, damage int)
}

func (s stateStore) LoadState(ctx context.Context, subjectID string) (recovery.State, bool, error) {
	rec, ok, err := s.st.LoadState(ctx, subjectID)
	if err != nil || !ok {
		return recovery.State{}, false, err
	}
	return recovery.State{LastSampleTimeSec: rec.LastSampleTimeSec, Remainder: rec.Remainder}, true, nil
}

// SaveState is called on the host loop, so host reads a clock and damage
// consistent with st.
func (s stateStore) SaveState(ctx context.Context, subjectID string, st recovery.State) error {
	rec := storage.StateRecord{
		SubjectID:         subjectID,
		LastSampleTimeSec: st.LastSampleTimeSec,
		Remainder:         st.Remainder,
	}
	if s.host != nil {
		rec.HostSaved = true
		rec.ClockSec, rec.Damage = s.host()
	}
	return s.save(ctx, rec)
}

func (s stateStore) save(ctx context.Context, rec storage.StateRecord) error {
	rec.UpdatedAt = time.Now().UTC()
	return s.st.SaveState(ctx, rec)
}

// OpenStore opens the store configured in cfg. It returns (nil, nil) when
// storage is disabled.
func OpenStore(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil || !enabled {
		return nil, err
	}
	return storage.Open(sc, log)
}
