package simclock

import (
	"reflect"
	"testing"
)

func TestManualFiresInDueOrder(t *testing.T) {
	m := NewManual(100)
	var got []string
	m.Schedule("b", 20, func() { got = append(got, "b") })
	m.Schedule("a", 10, func() { got = append(got, "a") })
	m.Schedule("c", 20, func() { got = append(got, "c") })
	m.Schedule("late", 60, func() { got = append(got, "late") })

	if n := m.Advance(30); n != 3 {
		t.Fatalf("Advance fired %d, want 3", n)
	}
	if want := []string{"a", "b", "c"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
	if m.NowSeconds() != 130 {
		t.Fatalf("now = %v, want 130", m.NowSeconds())
	}
	if m.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", m.Pending())
	}
}

func TestManualCallbackSeesDueTime(t *testing.T) {
	m := NewManual(0)
	var seen float64
	m.Schedule("x", 7.5, func() { seen = m.NowSeconds() })
	m.Advance(100)
	if seen != 7.5 {
		t.Fatalf("callback saw %v, want 7.5", seen)
	}
}

func TestManualRescheduleFromCallback(t *testing.T) {
	m := NewManual(0)
	count := 0
	var tick func()
	tick = func() {
		count++
		m.Schedule("tick", 10, tick)
	}
	m.Schedule("tick", 10, tick)
	m.Advance(95)
	if count != 9 {
		t.Fatalf("ticks = %d, want 9", count)
	}
	if m.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", m.Pending())
	}
}

func TestManualCancelIsIdempotent(t *testing.T) {
	m := NewManual(0)
	fired := false
	h := m.Schedule("x", 5, func() { fired = true })
	if h == NoTimer {
		t.Fatal("real timer returned NoTimer")
	}
	m.Cancel(h)
	m.Cancel(h)
	m.Cancel(NoTimer)
	m.Cancel(Handle(9999))
	m.Advance(10)
	if fired {
		t.Fatal("cancelled timer fired")
	}
}

func TestManualSetDoesNotFire(t *testing.T) {
	m := NewManual(50)
	fired := false
	m.Schedule("x", 5, func() { fired = true })
	m.Set(10)
	if fired {
		t.Fatal("Set must not fire timers")
	}
	if m.NowSeconds() != 10 {
		t.Fatalf("now = %v, want 10", m.NowSeconds())
	}
	m.Advance(45)
	if !fired {
		t.Fatal("timer due at 55 should fire once time reaches 55")
	}
}
