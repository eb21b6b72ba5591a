// Package metrics provides Prometheus-compatible metrics for the
// attestation daemon.
//
// Metrics are identified by name plus label set, so one name can carry a
// family of series (for example one counter per verdict). Output is the
// Prometheus text exposition format or JSON.
package metrics

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MetricType represents the type of metric.
type MetricType int

const (
	// TypeCounter is a monotonically increasing counter.
	TypeCounter MetricType = iota
	// TypeGauge is a value that can go up and down.
	TypeGauge
	// TypeHistogram is a distribution of values.
	TypeHistogram
)

// String returns the string representation of the metric type.
func (t MetricType) String() string {
	switch t {
	case TypeCounter:
		return "counter"
	case TypeGauge:
		return "gauge"
	case TypeHistogram:
		return "histogram"
	default:
		return "unknown"
	}
}

// Labels represents metric labels.
type Labels map[string]string

// String renders labels in exposition order, sorted by key.
func (l Labels) String() string {
	if len(l) == 0 {
		return ""
	}

	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(l))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf(`%s="%s"`, k, escapeLabel(l[k])))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// with returns a copy of l with an extra label.
func (l Labels) with(key, value string) Labels {
	out := make(Labels, len(l)+1)
	for k, v := range l {
		out[k] = v
	}
	out[key] = value
	return out
}

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

func escapeLabel(s string) string { return labelEscaper.Replace(s) }

type meta struct {
	name   string
	help   string
	labels Labels
}

// Name returns the metric name.
func (m *meta) Name() string { return m.name }

// Help returns the help text.
func (m *meta) Help() string { return m.help }

// Labels returns the series labels.
func (m *meta) Labels() Labels { return m.labels }

// Counter is a monotonically increasing counter.
type Counter struct {
	meta
	value atomic.Uint64
}

// NewCounter creates a new Counter.
func NewCounter(name, help string, labels Labels) *Counter {
	return &Counter{meta: meta{name, help, labels}}
}

// Inc increments the counter by 1.
func (c *Counter) Inc() { c.value.Add(1) }

// Add adds the given value to the counter.
func (c *Counter) Add(v uint64) { c.value.Add(v) }

// Value returns the current value.
func (c *Counter) Value() uint64 { return c.value.Load() }

// Type returns the metric type.
func (c *Counter) Type() MetricType { return TypeCounter }

// Gauge is a value that can go up and down.
type Gauge struct {
	meta
	value atomic.Int64
}

// NewGauge creates a new Gauge.
func NewGauge(name, help string, labels Labels) *Gauge {
	return &Gauge{meta: meta{name, help, labels}}
}

// Set sets the gauge to the given value.
func (g *Gauge) Set(v int64) { g.value.Store(v) }

// Inc increments the gauge by 1.
func (g *Gauge) Inc() { g.value.Add(1) }

// Dec decrements the gauge by 1.
func (g *Gauge) Dec() { g.value.Add(-1) }

// Add adds the given value to the gauge.
func (g *Gauge) Add(v int64) { g.value.Add(v) }

// Value returns the current value.
func (g *Gauge) Value() int64 { return g.value.Load() }

// Type returns the metric type.
func (g *Gauge) Type() MetricType { return TypeGauge }

// Histogram tracks the distribution of values.
type Histogram struct {
	meta
	buckets []float64

	mu     sync.Mutex
	counts []uint64 // per bucket, last is +Inf
	sum    float64
	count  uint64
}

// DurationBuckets are buckets for duration histograms (in seconds). A
// paced attestation over a slow link takes several seconds.
var DurationBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewHistogram creates a new Histogram.
func NewHistogram(name, help string, labels Labels, buckets []float64) *Histogram {
	if buckets == nil {
		buckets = DurationBuckets
	}
	sorted := append([]float64(nil), buckets...)
	sort.Float64s(sorted)

	return &Histogram{
		meta:    meta{name, help, labels},
		buckets: sorted,
		counts:  make([]uint64, len(sorted)+1),
	}
}

// Observe records a value.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.sum += v
	h.count++
	// Buckets are upper-inclusive.
	h.counts[sort.SearchFloat64s(h.buckets, v)]++
}

// ObserveDuration records a duration in seconds.
func (h *Histogram) ObserveDuration(d time.Duration) {
	h.Observe(d.Seconds())
}

// Type returns the metric type.
func (h *Histogram) Type() MetricType { return TypeHistogram }

// Sum returns the sum of observed values.
func (h *Histogram) Sum() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sum
}

// Count returns the count of observations.
func (h *Histogram) Count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Cumulative returns the cumulative count per bucket, +Inf last.
func (h *Histogram) Cumulative() []uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]uint64, len(h.counts))
	var running uint64
	for i, c := range h.counts {
		running += c
		out[i] = running
	}
	return out
}

// Registry holds all registered metrics.
type Registry struct {
	mu         sync.RWMutex
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram

	namespace string
	subsystem string
}

// NewRegistry creates a new Registry.
func NewRegistry(namespace, subsystem string) *Registry {
	return &Registry{
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
		namespace:  namespace,
		subsystem:  subsystem,
	}
}

// fullName returns the full metric name with namespace and subsystem.
func (r *Registry) fullName(name string) string {
	parts := []string{}
	if r.namespace != "" {
		parts = append(parts, r.namespace)
	}
	if r.subsystem != "" {
		parts = append(parts, r.subsystem)
	}
	parts = append(parts, name)
	return strings.Join(parts, "_")
}

func seriesKey(name string, labels Labels) string {
	return name + labels.String()
}

// RegisterCounter registers a counter series, returning the existing one
// for a repeated name and label set.
func (r *Registry) RegisterCounter(name, help string, labels Labels) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()

	full := r.fullName(name)
	key := seriesKey(full, labels)
	if c, ok := r.counters[key]; ok {
		return c
	}
	c := NewCounter(full, help, labels)
	r.counters[key] = c
	return c
}

// RegisterGauge registers a gauge series.
func (r *Registry) RegisterGauge(name, help string, labels Labels) *Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()

	full := r.fullName(name)
	key := seriesKey(full, labels)
	if g, ok := r.gauges[key]; ok {
		return g
	}
	g := NewGauge(full, help, labels)
	r.gauges[key] = g
	return g
}

// RegisterHistogram registers a histogram series.
func (r *Registry) RegisterHistogram(name, help string, labels Labels, buckets []float64) *Histogram {
	r.mu.Lock()
	defer r.mu.Unlock()

	full := r.fullName(name)
	key := seriesKey(full, labels)
	if h, ok := r.histograms[key]; ok {
		return h
	}
	h := NewHistogram(full, help, labels, buckets)
	r.histograms[key] = h
	return h
}

// GetCounter returns a counter series by unqualified name and labels.
func (r *Registry) GetCounter(name string, labels Labels) *Counter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counters[seriesKey(r.fullName(name), labels)]
}

// GetGauge returns a gauge series by unqualified name and labels.
func (r *Registry) GetGauge(name string, labels Labels) *Gauge {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.gauges[seriesKey(r.fullName(name), labels)]
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// WritePrometheus writes metrics in Prometheus text format. Series of one
// family share a single HELP and TYPE header.
func (r *Registry) WritePrometheus(w io.Writer) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ew := &errWriter{w: w}
	header := func(last *string, name, help string, t MetricType) {
		if *last == name {
			return
		}
		*last = name
		ew.printf("# HELP %s %s\n", name, help)
		ew.printf("# TYPE %s %s\n", name, t)
	}

	var last string
	for _, k := range sortedKeys(r.counters) {
		c := r.counters[k]
		header(&last, c.name, c.help, TypeCounter)
		ew.printf("%s%s %d\n", c.name, c.labels.String(), c.Value())
	}

	last = ""
	for _, k := range sortedKeys(r.gauges) {
		g := r.gauges[k]
		header(&last, g.name, g.help, TypeGauge)
		ew.printf("%s%s %d\n", g.name, g.labels.String(), g.Value())
	}

	last = ""
	for _, k := range sortedKeys(r.histograms) {
		h := r.histograms[k]
		header(&last, h.name, h.help, TypeHistogram)
		cum := h.Cumulative()
		for i, b := range h.buckets {
			ew.printf("%s_bucket%s %d\n", h.name, h.labels.with("le", formatBound(b)).String(), cum[i])
		}
		ew.printf("%s_bucket%s %d\n", h.name, h.labels.with("le", "+Inf").String(), cum[len(cum)-1])
		ew.printf("%s_sum%s %g\n", h.name, h.labels.String(), h.Sum())
		ew.printf("%s_count%s %d\n", h.name, h.labels.String(), h.Count())
	}

	return ew.err
}

func formatBound(b float64) string {
	return fmt.Sprintf("%g", b)
}

type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) printf(format string, args ...any) {
	if e.err != nil {
		return
	}
	_, e.err = fmt.Fprintf(e.w, format, args...)
}

// Snapshot returns current values keyed by series.
func (r *Registry) Snapshot() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshot := make(map[string]interface{})
	for k, c := range r.counters {
		snapshot[k] = c.Value()
	}
	for k, g := range r.gauges {
		snapshot[k] = g.Value()
	}
	for k, h := range r.histograms {
		snapshot[k+"_sum"] = h.Sum()
		snapshot[k+"_count"] = h.Count()
	}
	return snapshot
}

// WriteJSON writes the snapshot as indented JSON.
func (r *Registry) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r.Snapshot())
}

// HTTPHandler returns an HTTP handler for metrics.
func (r *Registry) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if strings.Contains(req.Header.Get("Accept"), "application/json") {
			w.Header().Set("Content-Type", "application/json")
			_ = r.WriteJSON(w)
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_ = r.WritePrometheus(w)
	})
}
