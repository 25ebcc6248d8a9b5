// Package subject provides a standalone controlled subject: an equipment load
// source and a capped humanity damage store.
package subject

import (
	"sync"
	"sync/atomic"
)

// Config describes the initial subject.
type Config struct {
	ID        string
	MaxDamage int
	Damage    int
	Equipped  int
	Capacity  int
}

// Subject is safe for concurrent use; the recovery core only touches it from
// the host loop but status readers may not.
type Subject struct {
	id string

	mu        sync.Mutex
	damage    int
	maxDamage int
	equipped  int
	capacity  int

	invalidations atomic.Uint64
	writes        atomic.Uint64

	lmu       sync.Mutex
	listeners []func(damage int)
}

// New builds a subject. Negative counts are treated as zero; a non-positive
// MaxDamage means the damage value is only clamped at zero.
func New(cfg Config) *Subject {
	s := &Subject{id: cfg.ID, maxDamage: cfg.MaxDamage}
	s.equipped, s.capacity = sanitizeCounts(cfg.Equipped, cfg.Capacity)
	s.damage = s.clamp(cfg.Damage)
	return s
}

func (s *Subject) ID() string { return s.id }

// LoadFraction is equipped/capacity clamped to [0,1]. Zero capacity
// reports an empty load.
func (s *Subject) LoadFraction() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.capacity <= 0 {
		return 0
	}
	f := float64(s.equipped) / float64(s.capacity)
	if f > 1 {
		return 1
	}
	return f
}

func (s *Subject) Counts() (equipped, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.equipped, s.capacity
}

// SetEquipment replaces the equipped and capacity counts.
func (s *Subject) SetEquipment(equipped, capacity int) {
	e, c := sanitizeCounts(equipped, capacity)
	s.mu.Lock()
	s.equipped, s.capacity = e, c
	s.mu.Unlock()
}

func (s *Subject) Damage() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.damage
}

func (s *Subject) SetDamage(v int) {
	s.mu.Lock()
	s.damage = s.clamp(v)
	s.mu.Unlock()
	s.writes.Add(1)
}

// MaxDamage returns the cap, 0 when uncapped.
func (s *Subject) MaxDamage() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxDamage
}

// Invalidate notifies listeners with the current damage value.
func (s *Subject) Invalidate() {
	s.invalidations.Add(1)
	d := s.Damage()
	s.lmu.Lock()
	ls := append([]func(int){}, s.listeners...)
	s.lmu.Unlock()
	for _, fn := range ls {
		fn(d)
	}
}

// OnInvalidate registers fn to run on every Invalidate.
func (s *Subject) OnInvalidate(fn func(damage int)) {
	if fn == nil {
		return
	}
	s.lmu.Lock()
	s.listeners = append(s.listeners, fn)
	s.lmu.Unlock()
}

// Invalidations counts Invalidate calls.
func (s *Subject) Invalidations() uint64 { return s.invalidations.Load() }

// Writes counts SetDamage calls.
func (s *Subject) Writes() uint64 { return s.writes.Load() }

func (s *Subject) clamp(v int) int {
	if v < 0 {
		return 0
	}
	if s.maxDamage > 0 && v > s.maxDamage {
		return s.maxDamage
	}
	return v
}

func sanitizeCounts(equipped, capacity int) (int, int) {
	if equipped < 0 {
		equipped = 0
	}
	if capacity < 0 {
		capacity = 0
	}
	return equipped, capacity
}
