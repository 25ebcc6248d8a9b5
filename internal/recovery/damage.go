package recovery

// LoadSource supplies the subject's current load fraction.
type LoadSource interface {
	// LoadFraction is the used share of equipped capacity, in [0,1].
	LoadFraction() float64
	// Counts returns the raw equipped and total counts behind the fraction.
	Counts() (equipped, total int)
}

// DamageStore holds the subject's integer damage value.
type DamageStore interface {
	Damage() int
	SetDamage(v int)
	// Invalidate tells dependents the value changed.
	Invalidate()
}

// Subject is an attachable entity: something with an identity, a load and
// damage.
type Subject interface {
	ID() string
	LoadSource
	DamageStore
}

// ApplyRecovery subtracts amount from store, never going below zero. When the
// resulting value equals the current one nothing is written and nothing is
// invalidated.
func ApplyRecovery(store DamageStore, amount int) (before, after int, changed bool) {
	before = store.Damage()
	after = before - amount
	if after < 0 {
		after = 0
	}
	if after == before {
		return before, after, false
	}
	store.SetDamage(after)
	store.Invalidate()
	return before, after, true
}
