package config

type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Recovery RecoveryConfig `json:"recovery"`
	Clock    ClockConfig    `json:"clock"`
	Subject  SubjectConfig  `json:"subject"`

	Storage  *StorageConfig  `json:"storage,omitempty"`
	Autosave *AutosaveConfig `json:"autosave,omitempty"`
	Status   StatusConfig    `json:"status,omitempty"`
}

// RecoveryConfig controls damage recovery.
//
// Enabled is a pointer so an omitted key keeps the default (true) while an
// explicit false turns recovery off.
//
// Defaults (when fields are omitted/zero):
//   - enabled: true
//   - interval: "10s" (simulated time)
type RecoveryConfig struct {
	Enabled *bool   `json:"enabled,omitempty"`
	Rate    float64 `json:"rate"`
	// Threshold is the load fraction where recovery switches to damage.
	// Values are clamped into [0.001, 0.999].
	Threshold float64 `json:"threshold"`
	// Interval is a Go duration string measured in simulated time.
	Interval string `json:"interval,omitempty"`

	ResetSampleOnDetach bool `json:"reset_sample_on_detach,omitempty"`
}

// ClockConfig controls the host loop's simulated clock.
type ClockConfig struct {
	// TimeScale is simulated seconds per wall second. Default 1.
	TimeScale float64 `json:"time_scale,omitempty"`
	// StartSec is the simulated time the loop starts at when no saved
	// session exists for the subject.
	StartSec float64 `json:"start_sec,omitempty"`
	// CountOffline advances a resumed clock by the wall time spent stopped,
	// scaled by TimeScale.
	CountOffline bool `json:"count_offline,omitempty"`
}

// SubjectConfig describes the standalone subject. Equipped and Capacity are
// hot-reloadable and drive the load fraction.
type SubjectConfig struct {
	ID        string `json:"id"`
	MaxDamage int    `json:"max_damage,omitempty"`
	Damage    int    `json:"damage"`
	Equipped  int    `json:"equipped"`
	Capacity  int    `json:"capacity"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./humanity_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// AutosaveConfig controls periodic persistence of the recovery state.
//
// Schedule accepts cron expressions, "@every 5m", Go durations and "HH:MM"
// intervals. Default: "@every 1m".
type AutosaveConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"`
}

// StatusConfig controls the optional status HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:7070").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type StatusConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:7070"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string `json:"level"`
	Console bool   `json:"console"`
	// Format is "console" (default) or "json" for the stderr sink.
	Format string      `json:"format,omitempty"`
	File   LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}
