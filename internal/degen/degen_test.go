package degen

import (
	"math"
	"testing"
)

func TestRateAtThresholdIsZero(t *testing.T) {
	t.Parallel()
	for _, r := range []float64{0, 0.5, 2.5, 10} {
		for _, th := range []float64{0.001, 0.1, 0.3, 0.5, 0.77, 0.999} {
			if got := Rate(r, th, th); got != 0 {
				t.Fatalf("Rate(%v, %v, %v) = %v, want 0", r, th, th, got)
			}
		}
	}
}

func TestRateEndpointsReachFullMagnitude(t *testing.T) {
	t.Parallel()
	for _, r := range []float64{0.5, 1, 2.5, 7.25} {
		for _, th := range []float64{0.1, 0.3, 0.5, 0.7, 0.9} {
			if got := Rate(r, th, 0); got != -r {
				t.Fatalf("Rate(%v, %v, 0) = %v, want %v", r, th, got, -r)
			}
			if got := Rate(r, th, 1); got != r {
				t.Fatalf("Rate(%v, %v, 1) = %v, want %v", r, th, got, r)
			}
		}
	}
}

func TestRateMonotonicInLoad(t *testing.T) {
	t.Parallel()
	for _, th := range []float64{0.05, 0.25, 0.5, 0.8} {
		prev := math.Inf(-1)
		for i := 0; i <= 1000; i++ {
			load := float64(i) / 1000
			got := Rate(3, th, load)
			if got < prev {
				t.Fatalf("threshold %v: Rate decreased at load %v (%v < %v)", th, load, got, prev)
			}
			prev = got
		}
	}
}

func TestRateScenario(t *testing.T) {
	t.Parallel()
	if got := Rate(2.5, 0.5, 0.75); got != 1.25 {
		t.Fatalf("Rate(2.5, 0.5, 0.75) = %v, want 1.25", got)
	}
	if got := Recovery(2.5, 0.5, 0.75); got != -1.25 {
		t.Fatalf("Recovery(2.5, 0.5, 0.75) = %v, want -1.25", got)
	}
	if got := Recovery(2.5, 0.5, 0.25); got != 1.25 {
		t.Fatalf("Recovery(2.5, 0.5, 0.25) = %v, want 1.25", got)
	}
}

func TestRateNearThresholdSnapsToZero(t *testing.T) {
	t.Parallel()
	if got := Rate(5, 0.5, 0.5+BalanceEpsilon/2); got != 0 {
		t.Fatalf("expected zero inside epsilon, got %v", got)
	}
	if got := Rate(5, 0.5, 0.5+10*BalanceEpsilon); got <= 0 {
		t.Fatalf("expected positive just outside epsilon, got %v", got)
	}
}

func TestRateDegenerateThresholdDoesNotDivideByZero(t *testing.T) {
	t.Parallel()
	if got := Rate(1, 0, -0.5); got != 0 {
		t.Fatalf("Rate(1, 0, -0.5) = %v, want 0", got)
	}
	if got := Rate(1, 1, 1.5); got != 0 {
		t.Fatalf("Rate(1, 1, 1.5) = %v, want 0", got)
	}
	if got := Rate(1, 0, 1); got != 1 {
		t.Fatalf("Rate(1, 0, 1) = %v, want 1", got)
	}
}

func TestClampThreshold(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      float64
		want    float64
		changed bool
	}{
		{0, ThresholdMin, true},
		{1, ThresholdMax, true},
		{0.5, 0.5, false},
		{-3, ThresholdMin, true},
		{math.NaN(), 0.5, true},
	}
	for _, tt := range tests {
		got, changed := ClampThreshold(tt.in)
		if got != tt.want || changed != tt.changed {
			t.Fatalf("ClampThreshold(%v) = (%v, %v), want (%v, %v)", tt.in, got, changed, tt.want, tt.changed)
		}
	}
}

func TestClampLoad(t *testing.T) {
	t.Parallel()
	if ClampLoad(-1) != 0 || ClampLoad(2) != 1 || ClampLoad(0.4) != 0.4 || ClampLoad(math.NaN()) != 0 {
		t.Fatal("ClampLoad out of contract")
	}
}
