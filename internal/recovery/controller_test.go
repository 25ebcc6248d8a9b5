package recovery

import (
	"context"
	"errors"
	"testing"

	"humanity/internal/eventbus"
	"humanity/internal/simclock"
)

type memStore struct {
	states  map[string]State
	loadErr error
	saves   int
}

func newMemStore() *memStore { return &memStore{states: map[string]State{}} }

func (m *memStore) LoadState(_ context.Context, id string) (State, bool, error) {
	if m.loadErr != nil {
		return State{}, false, m.loadErr
	}
	st, ok := m.states[id]
	return st, ok, nil
}

func (m *memStore) SaveState(_ context.Context, id string, st State) error {
	m.states[id] = st
	m.saves++
	return nil
}

func TestControllerAttachRestoresAndStarts(t *testing.T) {
	ctx := context.Background()
	clock := simclock.NewManual(5000)
	store := newMemStore()
	store.states["player"] = State{LastSampleTimeSec: 5000, Remainder: 0.75}

	c := NewController(clock, scenario, WithStateStore(store))
	subj := newFakeSubject(0, 10)
	if err := c.Attach(ctx, subj); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if !c.IsActive() {
		t.Fatal("controller should start recovery on attach when enabled")
	}
	_, st, ok := c.Snapshot()
	if !ok || st.Remainder != 0.75 || st.LastSampleTimeSec != 5000 {
		t.Fatalf("snapshot = %+v ok=%v, want restored state", st, ok)
	}

	status := c.Status()
	if !status.Attached || !status.Active || status.SubjectID != "player" || status.Damage != 10 {
		t.Fatalf("unexpected status %+v", status)
	}
	if status.RecoveryRate != 2.5 {
		t.Fatalf("status recovery rate = %v, want 2.5", status.RecoveryRate)
	}
}

func TestControllerAttachPreconditions(t *testing.T) {
	ctx := context.Background()
	clock := simclock.NewManual(1)
	c := NewController(clock, scenario)

	if err := c.AttachWith(ctx, "player", nil, newFakeSubject(0, 1)); !errors.Is(err, ErrMissingLoadSource) {
		t.Fatalf("err = %v, want ErrMissingLoadSource", err)
	}
	if err := c.AttachWith(ctx, "player", newFakeSubject(0, 1), nil); !errors.Is(err, ErrMissingDamageStore) {
		t.Fatalf("err = %v, want ErrMissingDamageStore", err)
	}
	if err := c.AttachWith(ctx, " ", newFakeSubject(0, 1), newFakeSubject(0, 1)); !errors.Is(err, ErrMissingSubjectID) {
		t.Fatalf("err = %v, want ErrMissingSubjectID", err)
	}
	if clock.Pending() != 0 {
		t.Fatal("nothing may be scheduled when attach is rejected")
	}
	if err := c.Detach(ctx); !errors.Is(err, ErrNotAttached) {
		t.Fatalf("Detach err = %v, want ErrNotAttached", err)
	}
	if err := c.Start(); !errors.Is(err, ErrNotAttached) {
		t.Fatalf("Start err = %v, want ErrNotAttached", err)
	}
	c.Stop()

	if err := c.Attach(ctx, newFakeSubject(0, 1)); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := c.Attach(ctx, newFakeSubject(0, 1)); !errors.Is(err, ErrAlreadyAttached) {
		t.Fatalf("second Attach err = %v, want ErrAlreadyAttached", err)
	}
	if clock.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", clock.Pending())
	}
}

func TestControllerAttachLoadError(t *testing.T) {
	store := newMemStore()
	store.loadErr = errors.New("disk gone")
	c := NewController(simclock.NewManual(1), scenario, WithStateStore(store))
	err := c.Attach(context.Background(), newFakeSubject(0, 1))
	if err == nil || !errors.Is(err, store.loadErr) {
		t.Fatalf("err = %v, want wrapped load error", err)
	}
	if c.Attached() {
		t.Fatal("subject must not be attached after a failed restore")
	}
}

func TestControllerDetachPersistsAndCountsGap(t *testing.T) {
	ctx := context.Background()
	clock := simclock.NewManual(1000)
	store := newMemStore()
	store.states["player"] = State{LastSampleTimeSec: 1000}

	c := NewController(clock, scenario, WithStateStore(store))
	subj := newFakeSubject(0, 20)
	if err := c.Attach(ctx, subj); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	clock.Advance(100)
	if err := c.Detach(ctx); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if c.IsActive() || clock.Pending() != 0 {
		t.Fatal("detach must cancel the timer")
	}
	saved := store.states["player"]
	if saved.LastSampleTimeSec != 1100 {
		t.Fatalf("saved last sample = %v, want 1100", saved.LastSampleTimeSec)
	}
	if c.Status().Attached {
		t.Fatal("status should report detached")
	}

	// Two simulated days pass while detached; the gap counts on reattach.
	clock.Set(1100 + 2*SecondsPerDay)
	if err := c.Attach(ctx, subj); err != nil {
		t.Fatalf("reattach: %v", err)
	}
	if subj.damage != 15 {
		t.Fatalf("damage = %d, want 15", subj.damage)
	}
}

func TestControllerResetSampleOnDetach(t *testing.T) {
	ctx := context.Background()
	clock := simclock.NewManual(1000)
	store := newMemStore()
	settings := scenario
	settings.ResetSampleOnDetach = true

	c := NewController(clock, settings, WithStateStore(store))
	subj := newFakeSubject(0, 20)
	if err := c.Attach(ctx, subj); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	clock.Advance(50)
	if err := c.Detach(ctx); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if got := store.states["player"].LastSampleTimeSec; got != 0 {
		t.Fatalf("saved last sample = %v, want 0", got)
	}
}

func TestControllerApplySettingsTogglesScheduler(t *testing.T) {
	ctx := context.Background()
	clock := simclock.NewManual(1000)
	c := NewController(clock, scenario)
	if err := c.Attach(ctx, newFakeSubject(0, 5)); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	off := scenario
	off.Enabled = false
	c.ApplySettings(off)
	if c.IsActive() || clock.Pending() != 0 {
		t.Fatal("disabling must stop the scheduler")
	}

	c.ApplySettings(scenario)
	if !c.IsActive() || clock.Pending() != 1 {
		t.Fatal("enabling must restart the scheduler")
	}

	slow := scenario
	slow.IntervalSec = 60
	slow.Threshold = 0
	c.ApplySettings(slow)
	if clock.Pending() != 1 {
		t.Fatalf("pending = %d, want 1 after interval change", clock.Pending())
	}
	if got := c.Settings(); got.IntervalSec != 60 || got.Threshold != 0.001 {
		t.Fatalf("settings = %+v", got)
	}
}

func TestControllerPublishesEvents(t *testing.T) {
	ctx := context.Background()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(64)
	defer unsub()

	clock := simclock.NewManual(1000)
	c := NewController(clock, scenario, WithEventBus(bus))
	if err := c.Attach(ctx, newFakeSubject(0, 5)); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	clock.Advance(10)
	if err := c.Detach(ctx); err != nil {
		t.Fatalf("Detach: %v", err)
	}

	var types []string
	for len(ch) > 0 {
		types = append(types, (<-ch).Type)
	}
	want := []string{EventAttached, EventCycle, EventStarted, EventCycle, EventStopped, EventDetached}
	if len(types) != len(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("events = %v, want %v", types, want)
		}
	}
}
