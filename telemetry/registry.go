package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/metric"
)

// maxLabelValues caps distinct values tracked per label key. Past the cap a
// value is replaced with "overflow" so a runaway label (task names, run IDs)
// cannot blow up the metric backend's cardinality.
const maxLabelValues = 100

// Registry implements core.MetricsRegistry. The guardrail pipeline emits its
// per-guardrail verdict counter through this via
// core.GetGlobalMetricsRegistry; NewProvider installs one at startup.
type Registry struct {
	meter metric.Meter

	mu         sync.Mutex
	counters   map[string]metric.Float64Counter
	gauges     map[string]metric.Float64Gauge
	histograms map[string]metric.Float64Histogram
	seenValues map[string]map[string]struct{} // label key -> distinct values
}

func newRegistry(meter metric.Meter) *Registry {
	return &Registry{
		meter:      meter,
		counters:   make(map[string]metric.Float64Counter),
		gauges:     make(map[string]metric.Float64Gauge),
		histograms: make(map[string]metric.Float64Histogram),
		seenValues: make(map[string]map[string]struct{}),
	}
}

// Counter increments a counter by 1. Labels are alternating key/value pairs;
// a trailing odd key is dropped.
func (r *Registry) Counter(name string, labels ...string) {
	r.mu.Lock()
	c, ok := r.counters[name]
	if !ok {
		var err error
		c, err = r.meter.Float64Counter(name)
		if err != nil {
			r.mu.Unlock()
			return
		}
		r.counters[name] = c
	}
	attrs := r.attrsLocked(labels)
	r.mu.Unlock()
	c.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

func (r *Registry) Gauge(name string, value float64, labels ...string) {
	r.mu.Lock()
	g, ok := r.gauges[name]
	if !ok {
		var err error
		g, err = r.meter.Float64Gauge(name)
		if err != nil {
			r.mu.Unlock()
			return
		}
		r.gauges[name] = g
	}
	attrs := r.attrsLocked(labels)
	r.mu.Unlock()
	g.Record(context.Background(), value, metric.WithAttributes(attrs...))
}

func (r *Registry) Histogram(name string, value float64, labels ...string) {
	r.mu.Lock()
	h, ok := r.histograms[name]
	if !ok {
		var err error
		h, err = r.meter.Float64Histogram(name)
		if err != nil {
			r.mu.Unlock()
			return
		}
		r.histograms[name] = h
	}
	attrs := r.attrsLocked(labels)
	r.mu.Unlock()
	h.Record(context.Background(), value, metric.WithAttributes(attrs...))
}

// EmitWithContext records value on a histogram, folding any baggage members
// on ctx into the label set.
func (r *Registry) EmitWithContext(ctx context.Context, name string, value float64, labels ...string) {
	for k, v := range r.GetBaggage(ctx) {
		labels = append(labels, k, v)
	}
	r.Histogram(name, value, labels...)
}

// GetBaggage returns the OTel baggage members on ctx as a plain map.
func (r *Registry) GetBaggage(ctx context.Context) map[string]string {
	members := baggage.FromContext(ctx).Members()
	if len(members) == 0 {
		return nil
	}
	out := make(map[string]string, len(members))
	for _, m := range members {
		out[m.Key()] = m.Value()
	}
	return out
}

// attrsLocked converts key/value pairs to attributes, applying the
// cardinality guard. Caller holds r.mu.
func (r *Registry) attrsLocked(labels []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		key, value := labels[i], labels[i+1]
		seen := r.seenValues[key]
		if seen == nil {
			seen = make(map[string]struct{})
			r.seenValues[key] = seen
		}
		if _, ok := seen[value]; !ok {
			if len(seen) >= maxLabelValues {
				value = "overflow"
			} else {
				seen[value] = struct{}{}
			}
		}
		attrs = append(attrs, attribute.String(key, value))
	}
	return attrs
}
