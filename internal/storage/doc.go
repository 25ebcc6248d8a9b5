// Package storage persists per-subject recovery state and an audit trail.
//
// Two drivers are available:
//   - "file": JSON snapshot of all states plus a JSON Lines audit log
//   - "sqlite": a single SQLite database (modernc.org/sqlite, no cgo)
//
// A missing record is not an error: callers get ok=false and start from the
// zero state.
package storage
