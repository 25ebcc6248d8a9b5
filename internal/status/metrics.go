package status

import (
	"context"
	"io"
	"sort"
	"sync"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"humanity/internal/eventbus"
	"humanity/internal/recovery"
)

const metricPrefix = "humanity_"

// Metrics counts bus events and renders the controller snapshot in the
// Prometheus text format.
type Metrics struct {
	mu     sync.Mutex
	events map[string]uint64
	bus    eventbus.Bus
}

func NewMetrics(bus eventbus.Bus) *Metrics {
	return &Metrics{events: map[string]uint64{}, bus: bus}
}

// Run consumes recovery and subject events until ctx is done.
func (m *Metrics) Run(ctx context.Context) error {
	if m.bus == nil {
		<-ctx.Done()
		return nil
	}
	ch, unsub := m.bus.Subscribe(256, "recovery.", "subject.")
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(e)
		}
	}
}

// Observe counts one event.
func (m *Metrics) Observe(e eventbus.Event) {
	m.mu.Lock()
	m.events[e.Type]++
	m.mu.Unlock()
}

// Write renders every metric family for st.
func (m *Metrics) Write(w io.Writer, st recovery.Status) error {
	for _, mf := range m.families(st) {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) families(st recovery.Status) []*dto.MetricFamily {
	subject := []*dto.LabelPair{label("subject", st.SubjectID)}
	out := []*dto.MetricFamily{
		gauge("attached", "Whether a subject is attached.", boolf(st.Attached), nil),
		gauge("recovery_active", "Whether the recovery timer is scheduled.", boolf(st.Active), subject),
		gauge("damage", "Current integer damage of the subject.", float64(st.Damage), subject),
		gauge("load_fraction", "Equipped share of capacity.", st.Load, subject),
		gauge("recovery_rate_per_day", "Signed recovery rate; positive while recovering.", st.RecoveryRate, subject),
		gauge("remainder", "Fractional recovery carried to the next cycle.", st.State.Remainder, subject),
		gauge("last_sample_seconds", "Simulated time of the last sample.", st.State.LastSampleTimeSec, subject),
		counter("cycles_total", "Recovery cycles run since attach.", float64(st.Cycles), subject),
		counter("recovered_total", "Damage units removed since attach.", float64(st.Recovered), subject),
	}

	m.mu.Lock()
	types := make([]string, 0, len(m.events))
	for t := range m.events {
		types = append(types, t)
	}
	sort.Strings(types)
	ev := &dto.MetricFamily{
		Name: strptr(metricPrefix + "events_total"),
		Help: strptr("Recovery and subject events published on the bus."),
		Type: dto.MetricType_COUNTER.Enum(),
	}
	for _, t := range types {
		v := float64(m.events[t])
		ev.Metric = append(ev.Metric, &dto.Metric{
			Label:   []*dto.LabelPair{label("type", t)},
			Counter: &dto.Counter{Value: &v},
		})
	}
	m.mu.Unlock()
	if len(ev.Metric) > 0 {
		out = append(out, ev)
	}

	if m.bus != nil {
		out = append(out, counter("bus_dropped_total", "Events dropped for slow subscribers.", float64(eventbus.Dropped(m.bus)), nil))
	}
	return out
}

func gauge(name, help string, v float64, labels []*dto.LabelPair) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name:   strptr(metricPrefix + name),
		Help:   strptr(help),
		Type:   dto.MetricType_GAUGE.Enum(),
		Metric: []*dto.Metric{{Label: labels, Gauge: &dto.Gauge{Value: &v}}},
	}
}

func counter(name, help string, v float64, labels []*dto.LabelPair) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name:   strptr(metricPrefix + name),
		Help:   strptr(help),
		Type:   dto.MetricType_COUNTER.Enum(),
		Metric: []*dto.Metric{{Label: labels, Counter: &dto.Counter{Value: &v}}},
	}
}

func label(name, value string) *dto.LabelPair {
	return &dto.LabelPair{Name: strptr(name), Value: strptr(value)}
}

func strptr(s string) *string { return &s }

func boolf(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
