// Metrics collection for the tankdrive host
//
// Counter, Gauge and Histogram families keyed by label set, rendered in
// the Prometheus text exposition format. Series within a family are
// written in label order so scrapes are stable.
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MetricType represents the type of metric
type MetricType int

const (
	TypeCounter MetricType = iota
	TypeGauge
	TypeHistogram
)

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

// Labels represents metric labels as key-value pairs
type Labels map[string]string

// Key generates a unique key for a label set
func (l Labels) Key() string {
	return labelKey(l)
}

// String returns labels in Prometheus format
func (l Labels) String() string {
	return formatLabels(l)
}

func sortedKeys(labels Labels) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func labelKey(labels Labels) string {
	if len(labels) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, k := range sortedKeys(labels) {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(labels[k])
	}
	return sb.String()
}

func formatLabels(labels Labels) string {
	if len(labels) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteByte('{')
	for i, k := range sortedKeys(labels) {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(k)
		sb.WriteString("=\"")
		sb.WriteString(escapeLabel(labels[k]))
		sb.WriteByte('"')
	}
	sb.WriteByte('}')
	return sb.String()
}

func escapeLabel(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\"", "\\\"")
	s = strings.ReplaceAll(s, "\n", "\\n")
	return s
}

func copyLabels(labels Labels) Labels {
	result := make(Labels, len(labels)+1)
	for k, v := range labels {
		result[k] = v
	}
	return result
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func writeHeader(sb *strings.Builder, name, help string, t MetricType) {
	fmt.Fprintf(sb, "# HELP %s %s\n# TYPE %s %s\n", name, help, name, t)
}

// series stores one value per label set and ranges over them in key order.
type series struct {
	m sync.Map // labelKey -> value
}

func (s *series) loadOrStore(labels Labels, fresh func() interface{}) interface{} {
	key := labelKey(labels)
	if v, ok := s.m.Load(key); ok {
		return v
	}
	v, _ := s.m.LoadOrStore(key, fresh())
	return v
}

func (s *series) load(labels Labels) (interface{}, bool) {
	return s.m.Load(labelKey(labels))
}

func (s *series) sorted() []interface{} {
	var keys []string
	vals := make(map[string]interface{})
	s.m.Range(func(k, v interface{}) bool {
		keys = append(keys, k.(string))
		vals[k.(string)] = v
		return true
	})
	sort.Strings(keys)
	out := make([]interface{}, len(keys))
	for i, k := range keys {
		out[i] = vals[k]
	}
	return out
}

// Metric is the interface for all metric types
type Metric interface {
	Name() string
	Help() string
	Type() MetricType
	Write(sb *strings.Builder)
}

// Counter is a monotonically increasing metric
type Counter struct {
	name   string
	help   string
	values series
}

type counterValue struct {
	labels Labels
	value  uint64
}

// NewCounter creates a new counter metric
func NewCounter(name, help string) *Counter {
	return &Counter{name: name, help: help}
}

func (c *Counter) Name() string     { return c.name }
func (c *Counter) Help() string     { return c.help }
func (c *Counter) Type() MetricType { return TypeCounter }

// Inc increments the counter by 1
func (c *Counter) Inc(labels Labels) {
	c.Add(labels, 1)
}

// Add increments the counter by delta
func (c *Counter) Add(labels Labels, delta uint64) {
	cv := c.values.loadOrStore(labels, func() interface{} {
		return &counterValue{labels: copyLabels(labels)}
	}).(*counterValue)
	atomic.AddUint64(&cv.value, delta)
}

// Get returns the current counter value for labels
func (c *Counter) Get(labels Labels) uint64 {
	v, ok := c.values.load(labels)
	if !ok {
		return 0
	}
	return atomic.LoadUint64(&v.(*counterValue).value)
}

func (c *Counter) Write(sb *strings.Builder) {
	writeHeader(sb, c.name, c.help, TypeCounter)
	for _, v := range c.values.sorted() {
		cv := v.(*counterValue)
		fmt.Fprintf(sb, "%s%s %d\n", c.name, formatLabels(cv.labels), atomic.LoadUint64(&cv.value))
	}
}

// Gauge is a metric that can go up and down
type Gauge struct {
	name   string
	help   string
	values series
}

type gaugeValue struct {
	labels Labels
	mu     sync.Mutex
	value  float64
}

// NewGauge creates a new gauge metric
func NewGauge(name, help string) *Gauge {
	return &Gauge{name: name, help: help}
}

func (g *Gauge) Name() string     { return g.name }
func (g *Gauge) Help() string     { return g.help }
func (g *Gauge) Type() MetricType { return TypeGauge }

func (g *Gauge) value(labels Labels) *gaugeValue {
	return g.values.loadOrStore(labels, func() interface{} {
		return &gaugeValue{labels: copyLabels(labels)}
	}).(*gaugeValue)
}

// Set sets the gauge to the given value
func (g *Gauge) Set(labels Labels, value float64) {
	gv := g.value(labels)
	gv.mu.Lock()
	gv.value = value
	gv.mu.Unlock()
}

// Add adds delta to the gauge
func (g *Gauge) Add(labels Labels, delta float64) {
	gv := g.value(labels)
	gv.mu.Lock()
	gv.value += delta
	gv.mu.Unlock()
}

func (g *Gauge) Inc(labels Labels) { g.Add(labels, 1) }
func (g *Gauge) Dec(labels Labels) { g.Add(labels, -1) }

// Get returns the current gauge value for labels
func (g *Gauge) Get(labels Labels) float64 {
	v, ok := g.values.load(labels)
	if !ok {
		return 0
	}
	gv := v.(*gaugeValue)
	gv.mu.Lock()
	defer gv.mu.Unlock()
	return gv.value
}

func (g *Gauge) Write(sb *strings.Builder) {
	writeHeader(sb, g.name, g.help, TypeGauge)
	for _, v := range g.values.sorted() {
		gv := v.(*gaugeValue)
		gv.mu.Lock()
		val := gv.value
		gv.mu.Unlock()
		fmt.Fprintf(sb, "%s%s %s\n", g.name, formatLabels(gv.labels), formatFloat(val))
	}
}

// Histogram tracks the distribution of observations
type Histogram struct {
	name    string
	help    string
	buckets []float64
	values  series
}

type histogramValue struct {
	labels  Labels
	mu      sync.Mutex
	count   uint64
	sum     float64
	buckets []uint64
}

// NewHistogram creates a histogram with the given upper bounds
func NewHistogram(name, help string, buckets []float64) *Histogram {
	sorted := make([]float64, len(buckets))
	copy(sorted, buckets)
	sort.Float64s(sorted)
	return &Histogram{name: name, help: help, buckets: sorted}
}

// DefaultBuckets returns default histogram buckets for latency metrics
func DefaultBuckets() []float64 {
	return []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}
}

// LinearBuckets creates count buckets starting at start with width intervals
func LinearBuckets(start, width float64, count int) []float64 {
	buckets := make([]float64, count)
	for i := range buckets {
		buckets[i] = start + float64(i)*width
	}
	return buckets
}

func (h *Histogram) Name() string     { return h.name }
func (h *Histogram) Help() string     { return h.help }
func (h *Histogram) Type() MetricType { return TypeHistogram }

// Observe records a value. Per-bucket counts are non-cumulative here and
// summed on output.
func (h *Histogram) Observe(labels Labels, value float64) {
	hv := h.values.loadOrStore(labels, func() interface{} {
		return &histogramValue{labels: copyLabels(labels), buckets: make([]uint64, len(h.buckets))}
	}).(*histogramValue)
	hv.mu.Lock()
	defer hv.mu.Unlock()
	hv.count++
	hv.sum += value
	for i, bound := range h.buckets {
		if value <= bound {
			hv.buckets[i]++
			break
		}
	}
}

// Timer returns a function that records the elapsed time when called
func (h *Histogram) Timer(labels Labels) func() {
	start := time.Now()
	return func() {
		h.Observe(labels, time.Since(start).Seconds())
	}
}

func (h *Histogram) Write(sb *strings.Builder) {
	writeHeader(sb, h.name, h.help, TypeHistogram)
	for _, v := range h.values.sorted() {
		snap := h.snapshot(v.(*histogramValue))
		hv := v.(*histogramValue)
		for _, bound := range h.buckets {
			bl := copyLabels(hv.labels)
			bl["le"] = formatFloat(bound)
			fmt.Fprintf(sb, "%s_bucket%s %d\n", h.name, formatLabels(bl), snap.Buckets[bound])
		}
		bl := copyLabels(hv.labels)
		bl["le"] = "+Inf"
		fmt.Fprintf(sb, "%s_bucket%s %d\n", h.name, formatLabels(bl), snap.Count)
		fmt.Fprintf(sb, "%s_sum%s %s\n", h.name, formatLabels(hv.labels), formatFloat(snap.Sum))
		fmt.Fprintf(sb, "%s_count%s %d\n", h.name, formatLabels(hv.labels), snap.Count)
	}
}

// HistogramSnapshot is a point-in-time copy with cumulative bucket counts
type HistogramSnapshot struct {
	Count   uint64
	Sum     float64
	Buckets map[float64]uint64
}

// GetSnapshot returns a snapshot of histogram values for the given labels
func (h *Histogram) GetSnapshot(labels Labels) HistogramSnapshot {
	v, ok := h.values.load(labels)
	if !ok {
		return HistogramSnapshot{Buckets: make(map[float64]uint64)}
	}
	return h.snapshot(v.(*histogramValue))
}

func (h *Histogram) snapshot(hv *histogramValue) HistogramSnapshot {
	hv.mu.Lock()
	defer hv.mu.Unlock()
	buckets := make(map[float64]uint64, len(h.buckets))
	cumulative := uint64(0)
	for i, bound := range h.buckets {
		cumulative += hv.buckets[i]
		buckets[bound] = cumulative
	}
	return HistogramSnapshot{Count: hv.count, Sum: hv.sum, Buckets: buckets}
}

// Registry holds registered metrics in registration order
type Registry struct {
	mu      sync.RWMutex
	metrics map[string]Metric
	order   []string
}

// NewRegistry creates a new metrics registry
func NewRegistry() *Registry {
	return &Registry{metrics: make(map[string]Metric)}
}

// Register adds a metric to the registry
func (r *Registry) Register(metric Metric) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := metric.Name()
	if _, exists := r.metrics[name]; exists {
		return fmt.Errorf("metric %q already registered", name)
	}
	r.metrics[name] = metric
	r.order = append(r.order, name)
	return nil
}

// MustRegister adds a metric and panics on error
func (r *Registry) MustRegister(metric Metric) {
	if err := r.Register(metric); err != nil {
		panic(err)
	}
}

// Get returns a metric by name
func (r *Registry) Get(name string) Metric {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.metrics[name]
}

// Gather renders all metrics in Prometheus text format
func (r *Registry) Gather() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var sb strings.Builder
	for _, name := range r.order {
		r.metrics[name].Write(&sb)
	}
	return sb.String()
}
