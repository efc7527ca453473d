// Package metrics provides Prometheus-compatible counters, gauges and
// histograms for the daemon, plus an HTTP handler that serves them in the
// text exposition format.
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Labels are constant labels attached to a metric.
type Labels map[string]string

// String renders labels as {k="v",...} sorted by key, or "" when empty.
func (l Labels) String() string {
	if len(l) == 0 {
		return ""
	}
	parts := make([]string, 0, len(l))
	for _, k := range sortedKeys(l) {
		parts = append(parts, fmt.Sprintf(`%s=%q`, k, l[k]))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// with returns the label set plus one extra pair, rendered for a histogram
// bucket line.
func (l Labels) with(key, value string) string {
	merged := make(Labels, len(l)+1)
	for k, v := range l {
		merged[k] = v
	}
	merged[key] = value
	return merged.String()
}

type desc struct {
	name   string
	help   string
	labels Labels
}

func (d desc) Name() string { return d.name }

func (d desc) header(w io.Writer, kind string) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s %s\n", d.name, d.help, d.name, kind)
}

// Counter only goes up.
type Counter struct {
	desc
	value atomic.Uint64
}

func (c *Counter) Inc()          { c.value.Add(1) }
func (c *Counter) Add(v uint64)  { c.value.Add(v) }
func (c *Counter) Value() uint64 { return c.value.Load() }

// Gauge can go up and down.
type Gauge struct {
	desc
	value atomic.Int64
}

func (g *Gauge) Set(v int64)  { g.value.Store(v) }
func (g *Gauge) Inc()         { g.value.Add(1) }
func (g *Gauge) Dec()         { g.value.Add(-1) }
func (g *Gauge) Add(v int64)  { g.value.Add(v) }
func (g *Gauge) Value() int64 { return g.value.Load() }

// DefaultBuckets suit request latencies in seconds.
var DefaultBuckets = []float64{
	0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5,
}

// Histogram tracks a distribution over fixed upper bounds. counts[i] is
// cumulative: observations <= buckets[i]; the last slot is +Inf.
type Histogram struct {
	desc
	buckets []float64

	mu     sync.Mutex
	counts []uint64
	sum    float64
	count  uint64
}

func newHistogram(d desc, buckets []float64) *Histogram {
	if buckets == nil {
		buckets = DefaultBuckets
	}
	sorted := append([]float64(nil), buckets...)
	sort.Float64s(sorted)
	return &Histogram{desc: d, buckets: sorted, counts: make([]uint64, len(sorted)+1)}
}

// Observe records v.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.sum += v
	h.count++
	// First bucket whose bound is >= v.
	for i := sort.SearchFloat64s(h.buckets, v); i < len(h.counts); i++ {
		h.counts[i]++
	}
}

// ObserveDuration records d in seconds.
func (h *Histogram) ObserveDuration(d time.Duration) {
	h.Observe(d.Seconds())
}

// Count returns the number of observations.
func (h *Histogram) Count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

func (h *Histogram) write(w io.Writer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.header(w, "histogram")
	for i, bound := range h.buckets {
		fmt.Fprintf(w, "%s_bucket%s %d\n", h.name, h.labels.with("le", fmt.Sprintf("%g", bound)), h.counts[i])
	}
	fmt.Fprintf(w, "%s_bucket%s %d\n", h.name, h.labels.with("le", "+Inf"), h.counts[len(h.buckets)])
	fmt.Fprintf(w, "%s_sum%s %g\n", h.name, h.labels, h.sum)
	fmt.Fprintf(w, "%s_count%s %d\n", h.name, h.labels, h.count)
}

// Registry holds metrics by full name. Registering an existing name
// returns the metric already there.
type Registry struct {
	prefix string

	mu         sync.RWMutex
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
}

// NewRegistry returns a registry whose metric names are prefixed with
// namespace and subsystem, joined by underscores. Either may be empty.
func NewRegistry(namespace, subsystem string) *Registry {
	var prefix string
	for _, p := range []string{namespace, subsystem} {
		if p != "" {
			prefix += p + "_"
		}
	}
	return &Registry{
		prefix:     prefix,
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
	}
}

func (r *Registry) desc(name, help string, labels Labels) desc {
	return desc{name: r.prefix + name, help: help, labels: labels}
}

func (r *Registry) RegisterCounter(name, help string, labels Labels) *Counter {
	d := r.desc(name, help, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[d.name]; ok {
		return c
	}
	c := &Counter{desc: d}
	r.counters[d.name] = c
	return c
}

func (r *Registry) RegisterGauge(name, help string, labels Labels) *Gauge {
	d := r.desc(name, help, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gauges[d.name]; ok {
		return g
	}
	g := &Gauge{desc: d}
	r.gauges[d.name] = g
	return g
}

func (r *Registry) RegisterHistogram(name, help string, labels Labels, buckets []float64) *Histogram {
	d := r.desc(name, help, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.histograms[d.name]; ok {
		return h
	}
	h := newHistogram(d, buckets)
	r.histograms[d.name] = h
	return h
}

// Counter looks up a counter by its unprefixed name.
func (r *Registry) Counter(name string) *Counter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counters[r.prefix+name]
}

// WritePrometheus writes every metric in text exposition format, sorted by
// name within each type so scrapes are stable.
func (r *Registry) WritePrometheus(w io.Writer) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range sortedKeys(r.counters) {
		c := r.counters[name]
		c.header(w, "counter")
		fmt.Fprintf(w, "%s%s %d\n", c.name, c.labels, c.Value())
	}
	for _, name := range sortedKeys(r.gauges) {
		g := r.gauges[name]
		g.header(w, "gauge")
		fmt.Fprintf(w, "%s%s %d\n", g.name, g.labels, g.Value())
	}
	for _, name := range sortedKeys(r.histograms) {
		r.histograms[name].write(w)
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Snapshot returns current values keyed by full name, for status replies.
// Histograms contribute <name>_count and <name>_sum.
func (r *Registry) Snapshot() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := make(map[string]any, len(r.counters)+len(r.gauges)+2*len(r.histograms))
	for name, c := range r.counters {
		snap[name] = c.Value()
	}
	for name, g := range r.gauges {
		snap[name] = g.Value()
	}
	for name, h := range r.histograms {
		h.mu.Lock()
		snap[name+"_count"] = h.count
		snap[name+"_sum"] = h.sum
		h.mu.Unlock()
	}
	return snap
}

// Reset zeroes every metric.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range r.counters {
		c.value.Store(0)
	}
	for _, g := range r.gauges {
		g.value.Store(0)
	}
	for _, h := range r.histograms {
		h.mu.Lock()
		h.sum, h.count = 0, 0
		clear(h.counts)
		h.mu.Unlock()
	}
}

// HTTPHandler serves the registry in Prometheus text format.
func (r *Registry) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.WritePrometheus(w)
	})
}
