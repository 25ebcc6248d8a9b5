package status

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/common/expfmt"

	"humanity/internal/eventbus"
	"humanity/internal/recovery"
	logx "humanity/pkg/logx"
)

type fixedProvider struct{ st recovery.Status }

func (p fixedProvider) Status() recovery.Status { return p.st }

func testStatus() recovery.Status {
	return recovery.Status{
		SubjectID:    "player",
		Attached:     true,
		Active:       true,
		Settings:     recovery.Settings{Enabled: true, Rate: 2.5, Threshold: 0.5, IntervalSec: 10},
		Damage:       12,
		Load:         0.25,
		Equipped:     1,
		Capacity:     4,
		RecoveryRate: 1.25,
		State:        recovery.State{LastSampleTimeSec: 500, Remainder: 0.5},
		Cycles:       7,
		Recovered:    3,
	}
}

func newTestService(t *testing.T, cfg Config, opts ...Option) *Service {
	t.Helper()
	s := New(cfg, fixedProvider{st: testStatus()}, logx.Nop(), opts...)
	t.Cleanup(func() { s.Stop(context.Background()) })
	return s
}

func waitForHTTP(ctx context.Context, url string) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		reqCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, http.NoBody)
		if err != nil {
			cancel()
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		cancel()
		if err == nil && resp != nil {
			_ = resp.Body.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func get(t *testing.T, h http.Handler, target string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndStatus(t *testing.T) {
	t.Parallel()
	s := newTestService(t, Config{}, WithVersion("v1.2.3"), WithExtra("autosave", func() any { return "ok" }))
	h := s.Handler()

	if rec := get(t, h, "/healthz"); rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthz = %d %q", rec.Code, rec.Body.String())
	}

	rec := get(t, h, "/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d", rec.Code)
	}
	var body statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Version != "v1.2.3" || body.Recovery.Damage != 12 || body.Recovery.State.Remainder != 0.5 {
		t.Fatalf("status body = %+v", body)
	}
	if body.Extra["autosave"] != "ok" {
		t.Fatalf("extra = %+v", body.Extra)
	}
}

func TestPreview(t *testing.T) {
	t.Parallel()
	h := newTestService(t, Config{}).Handler()

	rec := get(t, h, "/preview?rate=2.5&threshold=0.5&load=0.75")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d body=%s", rec.Code, rec.Body.String())
	}
	var p Preview
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(p.Points) != 1 || p.Points[0].DegenRate != 1.25 || p.Points[0].RecoveryRate != -1.25 {
		t.Fatalf("preview = %+v", p)
	}

	rec = get(t, h, "/preview?steps=5")
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(p.Points) != 5 || p.Points[0].DegenRate != -2.5 || p.Points[4].DegenRate != 2.5 || p.Points[2].DegenRate != 0 {
		t.Fatalf("steps preview = %+v", p.Points)
	}
	if p.Rate != 2.5 || p.Threshold != 0.5 {
		t.Fatalf("defaults should come from current settings: %+v", p)
	}

	for _, q := range []string{"rate=-1", "threshold=2", "load=abc", "steps=1", "rate=NaN"} {
		if rec := get(t, h, "/preview?"+q); rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: code = %d, want 400", q, rec.Code)
		}
	}
}

func TestMetricsExposition(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	m := NewMetrics(bus)
	m.Observe(eventbus.Event{Type: recovery.EventCycle})
	m.Observe(eventbus.Event{Type: recovery.EventCycle})
	m.Observe(eventbus.Event{Type: recovery.EventAttached})

	h := newTestService(t, Config{}, WithMetrics(m)).Handler()
	rec := get(t, h, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}

	var parser expfmt.TextParser
	mfs, err := parser.TextToMetricFamilies(strings.NewReader(rec.Body.String()))
	if err != nil {
		t.Fatalf("parse: %v\n%s", err, rec.Body.String())
	}
	if v := mfs["humanity_damage"].GetMetric()[0].GetGauge().GetValue(); v != 12 {
		t.Fatalf("damage = %v", v)
	}
	if v := mfs["humanity_recovered_total"].GetMetric()[0].GetCounter().GetValue(); v != 3 {
		t.Fatalf("recovered_total = %v", v)
	}
	events := map[string]float64{}
	for _, mt := range mfs["humanity_events_total"].GetMetric() {
		events[mt.GetLabel()[0].GetValue()] = mt.GetCounter().GetValue()
	}
	if events[recovery.EventCycle] != 2 || events[recovery.EventAttached] != 1 {
		t.Fatalf("events = %v", events)
	}
}

func TestTokenAuth(t *testing.T) {
	t.Parallel()
	h := newTestService(t, Config{Token: "s3cret"}).Handler()

	if rec := get(t, h, "/status"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: code = %d", rec.Code)
	}
	if rec := get(t, h, "/status?token=wrong"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: code = %d", rec.Code)
	}
	if rec := get(t, h, "/status?token=s3cret"); rec.Code != http.StatusOK {
		t.Fatalf("query token: code = %d", rec.Code)
	}
	if rec := get(t, h, "/healthz", "Authorization", "Bearer s3cret"); rec.Code != http.StatusOK {
		t.Fatalf("bearer token: code = %d", rec.Code)
	}
}

func TestServerReconfigure(t *testing.T) {
	s := newTestService(t, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"})
	var addr string
	for addr == "" && ctx.Err() == nil {
		addr = s.Addr()
		time.Sleep(10 * time.Millisecond)
	}
	if addr == "" {
		t.Fatal("expected server to expose address")
	}
	if err := waitForHTTP(ctx, "http://"+addr+"/healthz"); err != nil {
		t.Fatalf("healthz not reachable: %v", err)
	}

	s.Reconfigure(ctx, Config{Enabled: false})
	if addr := s.Addr(); addr != "" {
		t.Fatalf("server should be stopped, addr=%q", addr)
	}
	if s.Supervisor() != nil {
		t.Fatal("supervisor should be released after stop")
	}
}

func TestServerRefusesInsecureBind(t *testing.T) {
	s := newTestService(t, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	s.Reconfigure(ctx, Config{Enabled: true, Addr: "0.0.0.0:0"})
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if sup := s.Supervisor(); sup != nil && sup.Err() != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if addr := s.Addr(); addr != "" {
		t.Fatalf("insecure bind should be refused, got addr %q", addr)
	}
	if sup := s.Supervisor(); sup == nil || sup.Err() == nil {
		t.Fatal("refusal should be published as supervisor error")
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	tests := map[string]bool{
		"127.0.0.1:7070": true,
		"localhost:80":   true,
		"[::1]:9000":     true,
		":7070":          false,
		"0.0.0.0:7070":   false,
		"10.0.0.5:7070":  false,
		"bad":            false,
	}
	for addr, want := range tests {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}
