package autosave

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	logx "humanity/pkg/logx"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     Kind
		source   string
		duration time.Duration
	}{
		{name: "cron", raw: "*/5 * * * *", kind: KindCron, source: "cron"},
		{name: "cron with seconds", raw: "*/30 * * * * *", kind: KindCron, source: "cron"},
		{name: "descriptor", raw: "@every 30s", kind: KindCron, source: "cron"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: KindCron, source: "cron"},
		{name: "duration", raw: "10m", kind: KindInterval, source: "duration", duration: 10 * time.Minute},
		{name: "prefixed interval", raw: "interval:45s", kind: KindInterval, source: "duration", duration: 45 * time.Second},
		{name: "every prefix", raw: "every: 00:05", kind: KindInterval, source: "hhmm", duration: 5 * time.Minute},
		{name: "hhmm", raw: "01:30", kind: KindInterval, source: "hhmm", duration: 90 * time.Minute},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if got.Form != tt.source {
				t.Fatalf("Form = %s, want %s", got.Form, tt.source)
			}
			if tt.kind == KindInterval && got.Every != tt.duration {
				t.Fatalf("Every = %v, want %v", got.Every, tt.duration)
			}
			if _, err := got.Schedule(); err != nil {
				t.Fatalf("Schedule(): %v", err)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "cron:", "61 * * * *", "00:75", "00:00", "500ms", "interval:-5s"} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Fatalf("ParseSchedule(%q): expected error", raw)
		}
	}
}

func TestServiceApplyRegistersSchedule(t *testing.T) {
	t.Parallel()
	s := New(func(context.Context) error { return nil }, logx.Nop())
	if err := s.Apply("@every 1h"); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(context.Background())

	if got := s.Entries(); got != 1 {
		t.Fatalf("entries = %d, want 1", got)
	}
	if err := s.Apply("bogus"); err == nil {
		t.Fatal("invalid schedule should be rejected")
	}
	if got := s.Entries(); got != 1 {
		t.Fatalf("entries after rejected apply = %d, want 1", got)
	}
	if err := s.Apply("30m"); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := s.Entries(); got != 1 {
		t.Fatalf("entries after reschedule = %d, want 1", got)
	}
	if err := s.Apply(""); err != nil {
		t.Fatalf("Apply(\"\"): %v", err)
	}
	if got := s.Entries(); got != 0 {
		t.Fatalf("entries after disable = %d, want 0", got)
	}
}

func TestServiceStopsWithStartContext(t *testing.T) {
	t.Parallel()
	s := New(func(context.Context) error { return nil }, logx.Nop())
	if err := s.Apply("@every 1h"); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := s.Entries(); got != 1 {
		t.Fatalf("entries = %d, want 1", got)
	}

	cancel()
	deadline := time.Now().Add(2 * time.Second)
	for s.Entries() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("autosave kept running after its context ended")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// A later Start runs again and is not torn down by the old context.
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer s.Stop(context.Background())
	if got := s.Entries(); got != 1 {
		t.Fatalf("entries after restart = %d, want 1", got)
	}
}

func TestServiceRunsOnSchedule(t *testing.T) {
	var saves atomic.Int32
	s := New(func(context.Context) error {
		saves.Add(1)
		return nil
	}, logx.Nop())
	if err := s.Apply("@every 1s"); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(context.Background())

	deadline := time.Now().Add(5 * time.Second)
	for saves.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("autosave never ran")
		}
		time.Sleep(50 * time.Millisecond)
	}
	if runs, failures, last := s.Stats(); runs == 0 || failures != 0 || last == nil {
		t.Fatalf("stats runs=%d failures=%d last=%v", runs, failures, last)
	}
}

func TestServiceSaveNowRecordsFailure(t *testing.T) {
	t.Parallel()
	boom := errors.New("disk full")
	s := New(func(context.Context) error { return boom }, logx.Nop())
	if err := s.SaveNow(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("SaveNow err = %v", err)
	}
	runs, failures, last := s.Stats()
	if runs != 1 || failures != 1 || last == nil || last.Error != "disk full" {
		t.Fatalf("stats runs=%d failures=%d last=%+v", runs, failures, last)
	}
}
