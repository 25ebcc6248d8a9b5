package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled  = errors.New("storage disabled")
	ErrClosed    = errors.New("storage closed")
	ErrNoSubject = errors.New("storage: subject id required")
)

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (json snapshot + jsonl audit)
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// StateRecord is the persisted recovery state of one subject.
//
// Hosts that own the simulated clock and the damage value also record them
// (HostSaved) so a later session can resume on the same time base.
type StateRecord struct {
	SubjectID         string    `json:"subject_id"`
	LastSampleTimeSec float64   `json:"last_sample_time_sec"`
	Remainder         float64   `json:"remainder"`
	HostSaved         bool      `json:"host_saved,omitempty"`
	ClockSec          float64   `json:"clock_sec,omitempty"`
	Damage            int       `json:"damage,omitempty"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// AuditEntry records a lifecycle action (attach, detach, settings, autosave).
// Keep it compact and schema-stable.
type AuditEntry struct {
	At        time.Time `json:"at"`
	SubjectID string    `json:"subject_id,omitempty"`
	Action    string    `json:"action"`
	OK        bool      `json:"ok"`
	Error     string    `json:"error,omitempty"`
	TookMS    int64     `json:"took_ms,omitempty"`
	MetaJSON  string    `json:"meta,omitempty"`
}
