package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "humanity/pkg/logx"
)

//go:embed migrations.sql
var schema string

const (
	memoryPath  = ":memory:"
	busyDefault = 5 * time.Second
)

const (
	stateColumns = `subject_id, last_sample_time_sec, remainder, host_saved, clock_sec, damage, updated_at`

	qSelectState = `SELECT ` + stateColumns + ` FROM recovery_state WHERE subject_id = ?`
	qListStates  = `SELECT ` + stateColumns + ` FROM recovery_state ORDER BY subject_id`
	qUpsertState = `INSERT INTO recovery_state(` + stateColumns + `)
		VALUES(?,?,?,?,?,?,?)
		ON CONFLICT(subject_id) DO UPDATE SET
			last_sample_time_sec = excluded.last_sample_time_sec,
			remainder = excluded.remainder,
			host_saved = excluded.host_saved,
			clock_sec = excluded.clock_sec,
			damage = excluded.damage,
			updated_at = excluded.updated_at`
	qInsertAudit = `INSERT INTO audit(at, subject_id, action, ok, err, took_ms, meta)
		VALUES(?,?,?,?,?,?,?)`
)

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != memoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection: a single writer, and ":memory:" stays one database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}
	st.tune(cfg.BusyTimeout)
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

// tune applies best-effort pragmas; a failing pragma is logged, not fatal.
func (s *sqliteStore) tune(busy time.Duration) {
	if busy <= 0 {
		busy = busyDefault
	}
	for _, p := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := s.db.Exec(p); err != nil {
			s.log.Debug("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}
}

// addedColumns are recovery_state columns newer than the first schema.
// Databases created before them get the columns added in place.
var addedColumns = []struct{ name, ddl string }{
	{"host_saved", "INTEGER NOT NULL DEFAULT 0"},
	{"clock_sec", "REAL NOT NULL DEFAULT 0"},
	{"damage", "INTEGER NOT NULL DEFAULT 0"},
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return err
	}
	have, err := s.columns(ctx, "recovery_state")
	if err != nil {
		return err
	}
	for _, c := range addedColumns {
		if have[c.name] {
			continue
		}
		if _, err := s.db.ExecContext(ctx, "ALTER TABLE recovery_state ADD COLUMN "+c.name+" "+c.ddl); err != nil {
			return fmt.Errorf("add column %s: %w", c.name, err)
		}
		s.log.Info("sqlite column added", logx.String("table", "recovery_state"), logx.String("column", c.name))
	}
	return nil
}

func (s *sqliteStore) columns(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM pragma_table_info(?)", table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out[name] = true
	}
	return out, rows.Err()
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanState(r rowScanner) (StateRecord, error) {
	var (
		rec StateRecord
		at  string
	)
	if err := r.Scan(&rec.SubjectID, &rec.LastSampleTimeSec, &rec.Remainder, &rec.HostSaved, &rec.ClockSec, &rec.Damage, &at); err != nil {
		return StateRecord{}, err
	}
	if t, err := time.Parse(time.RFC3339Nano, at); err == nil {
		rec.UpdatedAt = t
	}
	return rec, nil
}

func (s *sqliteStore) LoadState(ctx context.Context, subjectID string) (StateRecord, bool, error) {
	id, err := checkSubject(subjectID)
	if err != nil {
		return StateRecord{}, false, err
	}
	rec, err := scanState(s.db.QueryRowContext(ctx, qSelectState, id))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return StateRecord{}, false, nil
	case err != nil:
		return StateRecord{}, false, err
	}
	return rec, true, nil
}

func (s *sqliteStore) SaveState(ctx context.Context, rec StateRecord) error {
	id, err := checkSubject(rec.SubjectID)
	if err != nil {
		return err
	}
	at := rec.UpdatedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, qUpsertState,
		id, rec.LastSampleTimeSec, rec.Remainder, rec.HostSaved, rec.ClockSec, rec.Damage, at.Format(time.RFC3339Nano))
	return err
}

func (s *sqliteStore) ListStates(ctx context.Context) ([]StateRecord, error) {
	rows, err := s.db.QueryContext(ctx, qListStates)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StateRecord
	for rows.Next() {
		rec, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	at := e.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, qInsertAudit,
		at.Format(time.RFC3339Nano), optional(e.SubjectID), e.Action, e.OK, optional(e.Error), e.TookMS, optional(e.MetaJSON))
	return err
}

// optional maps blank strings to SQL NULL.
func optional(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
