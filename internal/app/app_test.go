package app

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"humanity/internal/config"
	"humanity/internal/recovery"
	"humanity/internal/storage"
	"humanity/internal/subject"
	logx "humanity/pkg/logx"
)

type notifyRecorder struct {
	mu     sync.Mutex
	states []string
}

func (r *notifyRecorder) notify(state string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
	return true, nil
}

func (r *notifyRecorder) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.states...)
}

const testConfig = `
logging:
  level: error
recovery:
  rate: 2.5
  threshold: 0.5
  interval: 1h
clock:
  time_scale: 86400
  count_offline: %OFFLINE%
subject:
  id: player
  damage: 50
  equipped: %EQUIPPED%
  capacity: 4
storage:
  driver: file
  path: %STORE%
autosave:
  enabled: true
  schedule: "@every 1s"
`

// writeConfig renders testConfig. extra holds replacer pairs that take
// precedence over the defaults.
func writeConfig(t *testing.T, path, store, equipped string, extra ...string) {
	t.Helper()
	pairs := append(extra, "%STORE%", store, "%EQUIPPED%", equipped, "%OFFLINE%", "false")
	body := strings.NewReplacer(pairs...).Replace(testConfig)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return cond()
}

func newTestApp(t *testing.T, equipped string) (*App, *notifyRecorder, string) {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	store := filepath.Join(dir, "store")
	writeConfig(t, cfgPath, store, equipped)

	rec := &notifyRecorder{}
	a, err := NewApp(cfgPath, WithNotifier(rec.notify), WithVersion("test"))
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	return a, rec, store
}

func TestAppRecoversAndPersistsOnStop(t *testing.T) {
	a, rec, store := newTestApp(t, "0")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	st := a.Controller().Status()
	if !st.Attached || !st.Active {
		t.Fatalf("expected attached and active, got %+v", st)
	}
	if st.RecoveryRate != 2.5 {
		t.Fatalf("recovery rate: got %v want 2.5", st.RecoveryRate)
	}

	// One wall second is one simulated day: about 2.5 units per second.
	if !waitFor(t, 5*time.Second, func() bool { return a.Subject().Damage() < 50 }) {
		t.Fatalf("damage did not recover, still %d", a.Subject().Damage())
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := a.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if a.Controller().Status().Attached {
		t.Fatalf("controller still attached after stop")
	}

	calls := rec.calls()
	if len(calls) != 2 || calls[0] != "READY=1" || calls[1] != "STOPPING=1" {
		t.Fatalf("notify calls: %v", calls)
	}

	s, err := storage.Open(storage.Config{Driver: "file", Path: store}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer s.Close()
	saved, ok, err := s.LoadState(context.Background(), "player")
	if err != nil || !ok {
		t.Fatalf("LoadState: ok=%v err=%v", ok, err)
	}
	if saved.LastSampleTimeSec <= 0 {
		t.Fatalf("expected a sample time to be persisted, got %+v", saved)
	}
	if saved.Remainder < 0 || saved.Remainder >= 1 {
		t.Fatalf("remainder out of range: %v", saved.Remainder)
	}
}

func TestAppHotReloadsEquipment(t *testing.T) {
	a, _, store := newTestApp(t, "0")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = a.Stop(stopCtx, StopAppStop)
	}()

	// Give the watcher a moment to register before rewriting the file.
	time.Sleep(200 * time.Millisecond)
	writeConfig(t, a.cfgm.Path(), store, "4")

	ok := waitFor(t, 5*time.Second, func() bool {
		eq, total := a.Subject().Counts()
		return eq == 4 && total == 4
	})
	if !ok {
		eq, total := a.Subject().Counts()
		t.Fatalf("equipment not reloaded: %d/%d", eq, total)
	}
}

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	body := "recovery:\n  rate: 1\n  threshold: 0.5\nstorage:\n  driver: sqlite\n"
	if err := os.WriteFile(cfgPath, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewApp(cfgPath); err == nil {
		t.Fatalf("expected error for sqlite without path")
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()

	a, _, store := newTestApp(t, "0")
	sc, enabled, err := mapStorageConfig(a.cfgm.Get())
	if err != nil || !enabled {
		t.Fatalf("mapStorageConfig: enabled=%v err=%v", enabled, err)
	}
	if sc.Driver != "file" || sc.Path != store {
		t.Fatalf("unexpected storage config: %+v", sc)
	}
	_ = a.store.Close()
}

func stopApp(t *testing.T, a *App) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Stop(ctx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func loadSaved(t *testing.T, store string) storage.StateRecord {
	t.Helper()
	s, err := storage.Open(storage.Config{Driver: "file", Path: store}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()
	rec, ok, err := s.LoadState(context.Background(), "player")
	if err != nil || !ok {
		t.Fatalf("LoadState: ok=%v err=%v", ok, err)
	}
	return rec
}

func TestAppResumesSavedSession(t *testing.T) {
	first, _, store := newTestApp(t, "0")
	cfgPath := first.cfgm.Path()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := first.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !waitFor(t, 5*time.Second, func() bool { return first.Subject().Damage() <= 48 }) {
		t.Fatalf("damage did not recover, still %d", first.Subject().Damage())
	}
	stopApp(t, first)

	saved := loadSaved(t, store)
	if !saved.HostSaved || saved.Damage != first.Subject().Damage() {
		t.Fatalf("saved record %+v, want host fields with damage %d", saved, first.Subject().Damage())
	}
	if saved.ClockSec < saved.LastSampleTimeSec {
		t.Fatalf("saved clock %v is behind the last sample %v", saved.ClockSec, saved.LastSampleTimeSec)
	}

	second, err := NewApp(cfgPath, WithNotifier((&notifyRecorder{}).notify))
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	if got := second.Subject().Damage(); got != saved.Damage {
		t.Fatalf("resumed damage = %d, want %d", got, saved.Damage)
	}
	if now := second.loop.NowSeconds(); now < saved.ClockSec {
		t.Fatalf("resumed clock %v is behind the saved clock %v", now, saved.ClockSec)
	}

	cycles, unsub := second.bus.Subscribe(16, recovery.EventCycle)
	defer unsub()
	if err := second.Start(ctx); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	defer stopApp(t, second)

	select {
	case e := <-cycles:
		rec := e.Data.(recovery.CycleRecord)
		// The span between the last sample and the previous shutdown is
		// counted, not discarded as a backwards clock.
		if gap := saved.ClockSec - saved.LastSampleTimeSec; rec.DeltaSec < gap || rec.DeltaSec <= 0 {
			t.Fatalf("first resumed cycle delta = %v, want >= %v and > 0", rec.DeltaSec, gap)
		}
		if rec.DamageBefore > saved.Damage {
			t.Fatalf("first resumed cycle started at damage %d, above saved %d", rec.DamageBefore, saved.Damage)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no cycle after resume")
	}
}

func TestAppPublishesDamageChanges(t *testing.T) {
	a, _, _ := newTestApp(t, "0")
	changes, unsub := a.bus.Subscribe(64, "subject.")
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer stopApp(t, a)

	select {
	case e := <-changes:
		if e.Type != eventDamageChanged {
			t.Fatalf("event type = %q", e.Type)
		}
		if d, ok := e.Data.(int); !ok || d >= 50 {
			t.Fatalf("event data = %v, want damage below 50", e.Data)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no damage change published")
	}
}

func TestNewAppFailsOnUnreadableSession(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "state.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`CREATE TABLE recovery_state (
		subject_id TEXT PRIMARY KEY, last_sample_time_sec REAL, remainder REAL,
		host_saved INTEGER, clock_sec REAL, damage INTEGER, updated_at TEXT)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO recovery_state VALUES ('player', 'garbage', 0, 1, 0, 0, '')`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	_ = db.Close()

	cfgPath := filepath.Join(dir, "config.yaml")
	body := "recovery:\n  rate: 1\n  threshold: 0.5\nsubject:\n  id: player\nstorage:\n  driver: sqlite\n  path: " + dbPath + "\n"
	if err := os.WriteFile(cfgPath, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err = NewApp(cfgPath)
	if err == nil || !strings.Contains(err.Error(), "load saved session") {
		t.Fatalf("NewApp err = %v, want a saved session error", err)
	}
}

func TestRestoreSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	subj := subject.Config{ID: "player", Damage: 50}

	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "s")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	got, err := restoreSession(ctx, st, config.ClockConfig{StartSec: 7}, subj, now)
	if err != nil || got.resumed || got.clockSec != 7 || got.damage != 50 {
		t.Fatalf("no record: %+v err=%v", got, err)
	}

	if err := st.SaveState(ctx, storage.StateRecord{SubjectID: "player", LastSampleTimeSec: 900}); err != nil {
		t.Fatal(err)
	}
	if got, _ := restoreSession(ctx, st, config.ClockConfig{StartSec: 7}, subj, now); got.resumed {
		t.Fatalf("record without host fields must not resume: %+v", got)
	}

	rec := storage.StateRecord{
		SubjectID: "player", LastSampleTimeSec: 900, HostSaved: true,
		ClockSec: 1000, Damage: 12, UpdatedAt: now.Add(-10 * time.Second),
	}
	if err := st.SaveState(ctx, rec); err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name  string
		clock config.ClockConfig
		want  float64
	}{
		{"resume where stopped", config.ClockConfig{StartSec: 7}, 1000},
		{"count offline time", config.ClockConfig{TimeScale: 2, CountOffline: true}, 1020},
	}
	for _, tt := range tests {
		got, err := restoreSession(ctx, st, tt.clock, subj, now)
		if err != nil || !got.resumed || got.clockSec != tt.want || got.damage != 12 {
			t.Fatalf("%s: %+v err=%v, want clock %v damage 12", tt.name, got, err, tt.want)
		}
	}

	rec.ClockSec = 500
	if err := st.SaveState(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if got, _ := restoreSession(ctx, st, config.ClockConfig{}, subj, now); got.clockSec != 900 {
		t.Fatalf("clock behind the last sample must be raised to it, got %v", got.clockSec)
	}
}
