package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	logx "humanity/pkg/logx"
)

// Version 2 added the host fields of StateRecord; version 1 files load
// with them unset.
const snapshotVersion = 2

// snapshot is the on-disk layout of <prefix>.state.json.
type snapshot struct {
	Version int           `json:"version"`
	SavedAt time.Time     `json:"saved_at"`
	States  []StateRecord `json:"states"`
}

// fileStore keeps every subject in memory and rewrites <prefix>.state.json
// atomically on each save. Audit entries go to <prefix>.audit.jsonl.
// The prefix is the configured path without its extension.
type fileStore struct {
	log       logx.Logger
	statePath string

	mu     sync.Mutex
	closed bool
	states map[string]StateRecord
	audit  *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	prefix := strings.TrimSuffix(path, filepath.Ext(path))
	if err := os.MkdirAll(filepath.Dir(prefix), 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:       log,
		statePath: prefix + ".state.json",
		states:    map[string]StateRecord{},
	}
	if err := s.readSnapshot(); err != nil {
		return nil, err
	}
	audit, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	s.audit = audit

	log.Debug("file store ready", logx.String("state", s.statePath), logx.Int("subjects", len(s.states)))
	return s, nil
}

func (s *fileStore) readSnapshot() error {
	data, err := os.ReadFile(s.statePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode %s: %w", s.statePath, err)
	}
	if snap.Version > snapshotVersion {
		return fmt.Errorf("%s: snapshot version %d is newer than supported %d", s.statePath, snap.Version, snapshotVersion)
	}
	for _, rec := range snap.States {
		s.states[rec.SubjectID] = rec
	}
	return nil
}

// writeSnapshot replaces the state file via a synced temp file and rename.
func (s *fileStore) writeSnapshot() error {
	snap := snapshot{Version: snapshotVersion, SavedAt: time.Now().UTC(), States: s.sorted()}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.statePath), filepath.Base(s.statePath)+".*")
	if err != nil {
		return err
	}
	cleanup := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		return cleanup(err)
	}
	if err := tmp.Sync(); err != nil {
		return cleanup(err)
	}
	if err := tmp.Close(); err != nil {
		return cleanup(err)
	}
	if err := os.Rename(tmp.Name(), s.statePath); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return nil
}

func (s *fileStore) sorted() []StateRecord {
	out := make([]StateRecord, 0, len(s.states))
	for _, rec := range s.states {
		out = append(out, rec)
	}
	slices.SortFunc(out, func(a, b StateRecord) int { return strings.Compare(a.SubjectID, b.SubjectID) })
	return out
}

func (s *fileStore) LoadState(_ context.Context, subjectID string) (StateRecord, bool, error) {
	id, err := checkSubject(subjectID)
	if err != nil {
		return StateRecord{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return StateRecord{}, false, ErrClosed
	}
	rec, ok := s.states[id]
	return rec, ok, nil
}

// SaveState keeps the previous record in memory when the file write fails.
func (s *fileStore) SaveState(_ context.Context, rec StateRecord) error {
	id, err := checkSubject(rec.SubjectID)
	if err != nil {
		return err
	}
	rec.SubjectID = id
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	prev, existed := s.states[id]
	s.states[id] = rec
	if err := s.writeSnapshot(); err != nil {
		if existed {
			s.states[id] = prev
		} else {
			delete(s.states, id)
		}
		return fmt.Errorf("write state snapshot: %w", err)
	}
	return nil
}

func (s *fileStore) ListStates(context.Context) ([]StateRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.sorted(), nil
}

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	_, err = s.audit.Write(append(line, '\n'))
	return err
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.audit.Close()
}
