// Package metrics provides metrics collection and reporting for the scan
// engine. It includes interfaces for metric collection and a
// Prometheus-compatible implementation.
package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// =============================================================================
// Metrics Interface
// =============================================================================

// Collector is the interface for collecting and reporting metrics.
// Implement this interface to use custom metrics backends (Prometheus, StatsD, etc.).
type Collector interface {
	// Counter operations
	CounterInc(name string, labels ...string)
	CounterAdd(name string, value float64, labels ...string)

	// Gauge operations
	GaugeSet(name string, value float64, labels ...string)
	GaugeInc(name string, labels ...string)
	GaugeDec(name string, labels ...string)

	// Histogram operations
	HistogramObserve(name string, value float64, labels ...string)

	// Handler returns an HTTP handler for metrics endpoint
	Handler() http.Handler

	// Reset clears all metrics (for testing)
	Reset()
}

// =============================================================================
// Metric Types
// =============================================================================

// MetricType represents the type of metric.
type MetricType string

const (
	MetricTypeCounter   MetricType = "counter"
	MetricTypeGauge     MetricType = "gauge"
	MetricTypeHistogram MetricType = "histogram"
)

// MetricDefinition defines a metric with its metadata.
type MetricDefinition struct {
	Name    string     `json:"name"`
	Type    MetricType `json:"type"`
	Help    string     `json:"help"`
	Labels  []string   `json:"labels,omitempty"`
	Buckets []float64  `json:"buckets,omitempty"` // For histograms

	// Objectives are summary quantiles (e.g., 0.5, 0.9, 0.99)
	Objectives []float64 `json:"objectives,omitempty"`
}

// =============================================================================
// Default Metrics - Standard metrics for the scan engine
// =============================================================================

var (
	// Pipeline metrics
	FilesScannedTotal = MetricDefinition{
		Name:   "pocketshield_files_scanned_total",
		Type:   MetricTypeCounter,
		Help:   "Total number of files fully processed",
		Labels: []string{"result"},
	}
	FilesRejectedTotal = MetricDefinition{
		Name:   "pocketshield_files_rejected_total",
		Type:   MetricTypeCounter,
		Help:   "Total number of files rejected by the pre-filter",
		Labels: []string{"reason"},
	}
	FileScanDuration = MetricDefinition{
		Name:    "pocketshield_file_scan_duration_seconds",
		Type:    MetricTypeHistogram,
		Help:    "Per-file pipeline duration in seconds",
		Labels:  []string{},
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	}
	ThreatsTotal = MetricDefinition{
		Name:   "pocketshield_threats_total",
		Type:   MetricTypeCounter,
		Help:   "Total number of threats detected",
		Labels: []string{"level", "action"},
	}

	// Archive metrics
	ArchivesExpandedTotal = MetricDefinition{
		Name:   "pocketshield_archives_expanded_total",
		Type:   MetricTypeCounter,
		Help:   "Total number of archives expanded",
		Labels: []string{"format"},
	}
	ArchiveGuardTripsTotal = MetricDefinition{
		Name:   "pocketshield_archive_guard_trips_total",
		Type:   MetricTypeCounter,
		Help:   "Total number of archive guard trips (bomb, depth, budget)",
		Labels: []string{"guard"},
	}

	// Signature metrics
	SignatureMatchesTotal = MetricDefinition{
		Name:   "pocketshield_signature_matches_total",
		Type:   MetricTypeCounter,
		Help:   "Total number of signature rule matches",
		Labels: []string{"rule", "severity"},
	}

	// Reputation metrics
	ReputationLookupsTotal = MetricDefinition{
		Name:   "pocketshield_reputation_lookups_total",
		Type:   MetricTypeCounter,
		Help:   "Total number of reputation lookups by source and status",
		Labels: []string{"source", "status"},
	}
	ReputationCacheHits = MetricDefinition{
		Name:   "pocketshield_reputation_cache_hits_total",
		Type:   MetricTypeCounter,
		Help:   "Total number of reputation cache hits",
		Labels: []string{},
	}
	ReputationCacheMisses = MetricDefinition{
		Name:   "pocketshield_reputation_cache_misses_total",
		Type:   MetricTypeCounter,
		Help:   "Total number of reputation cache misses",
		Labels: []string{},
	}
	ReputationRateLimited = MetricDefinition{
		Name:   "pocketshield_reputation_rate_limited_total",
		Type:   MetricTypeCounter,
		Help:   "Total number of lookups skipped by rate limiting",
		Labels: []string{"source"},
	}

	// Session metrics
	SessionsTotal = MetricDefinition{
		Name:   "pocketshield_sessions_total",
		Type:   MetricTypeCounter,
		Help:   "Total number of scan sessions by terminal status",
		Labels: []string{"status"},
	}
	ActiveWorkers = MetricDefinition{
		Name:   "pocketshield_active_workers",
		Type:   MetricTypeGauge,
		Help:   "Number of currently busy pipeline workers",
		Labels: []string{},
	}
	QueueDepth = MetricDefinition{
		Name:   "pocketshield_queue_depth",
		Type:   MetricTypeGauge,
		Help:   "Current number of files waiting for a worker",
		Labels: []string{},
	}

	// Quarantine metrics
	QuarantinedTotal = MetricDefinition{
		Name:   "pocketshield_quarantined_total",
		Type:   MetricTypeCounter,
		Help:   "Total number of files moved to quarantine",
		Labels: []string{"status"},
	}
)

// =============================================================================
// NopCollector - No-operation implementation
// =============================================================================

// NopCollector is a no-op metrics collector that discards all metrics.
// Use this when metrics are not needed.
type NopCollector struct{}

func (c *NopCollector) CounterInc(name string, labels ...string)                      {}
func (c *NopCollector) CounterAdd(name string, value float64, labels ...string)       {}
func (c *NopCollector) GaugeSet(name string, value float64, labels ...string)         {}
func (c *NopCollector) GaugeInc(name string, labels ...string)                        {}
func (c *NopCollector) GaugeDec(name string, labels ...string)                        {}
func (c *NopCollector) HistogramObserve(name string, value float64, labels ...string) {}
func (c *NopCollector) Handler() http.Handler                                         { return http.NotFoundHandler() }
func (c *NopCollector) Reset()                                                        {}

// =============================================================================
// InMemoryCollector - Simple in-memory implementation for testing
// =============================================================================

// InMemoryCollector stores metrics in memory for testing purposes.
type InMemoryCollector struct {
	mu         sync.RWMutex
	counters   map[string]float64
	gauges     map[string]float64
	histograms map[string][]float64
}

// NewInMemoryCollector creates a new in-memory metrics collector.
func NewInMemoryCollector() *InMemoryCollector {
	return &InMemoryCollector{
		counters:   make(map[string]float64),
		gauges:     make(map[string]float64),
		histograms: make(map[string][]float64),
	}
}

func (c *InMemoryCollector) key(name string, labels []string) string {
	key := name
	for i := 0; i < len(labels); i += 2 {
		if i+1 < len(labels) {
			key += "," + labels[i] + "=" + labels[i+1]
		}
	}
	return key
}

func (c *InMemoryCollector) CounterInc(name string, labels ...string) {
	c.CounterAdd(name, 1, labels...)
}

func (c *InMemoryCollector) CounterAdd(name string, value float64, labels ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[c.key(name, labels)] += value
}

func (c *InMemoryCollector) GaugeSet(name string, value float64, labels ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gauges[c.key(name, labels)] = value
}

func (c *InMemoryCollector) GaugeInc(name string, labels ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gauges[c.key(name, labels)]++
}

func (c *InMemoryCollector) GaugeDec(name string, labels ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gauges[c.key(name, labels)]--
}

func (c *InMemoryCollector) HistogramObserve(name string, value float64, labels ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := c.key(name, labels)
	c.histograms[key] = append(c.histograms[key], value)
}

func (c *InMemoryCollector) Handler() http.Handler {
	return http.NotFoundHandler()
}

func (c *InMemoryCollector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters = make(map[string]float64)
	c.gauges = make(map[string]float64)
	c.histograms = make(map[string][]float64)
}

// GetCounter returns the value of a counter.
func (c *InMemoryCollector) GetCounter(name string, labels ...string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.counters[c.key(name, labels)]
}

// GetGauge returns the value of a gauge.
func (c *InMemoryCollector) GetGauge(name string, labels ...string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gauges[c.key(name, labels)]
}

// GetHistogram returns all observations of a histogram.
func (c *InMemoryCollector) GetHistogram(name string, labels ...string) []float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.histograms[c.key(name, labels)]
}

// =============================================================================
// Timer - Helper for timing operations
// =============================================================================

// Timer is a helper for timing operations and recording to histograms.
type Timer struct {
	start     time.Time
	collector Collector
	name      string
	labels    []string
}

// NewTimer creates a new timer that will record to the given histogram.
func NewTimer(collector Collector, name string, labels ...string) *Timer {
	return &Timer{
		start:     time.Now(),
		collector: collector,
		name:      name,
		labels:    labels,
	}
}

// ObserveDuration records the duration since the timer was created.
func (t *Timer) ObserveDuration() time.Duration {
	d := time.Since(t.start)
	t.collector.HistogramObserve(t.name, d.Seconds(), t.labels...)
	return d
}

// =============================================================================
// Global Default Collector
// =============================================================================

var defaultCollector Collector = &NopCollector{}
var defaultCollectorMu sync.RWMutex

// SetDefaultCollector sets the global default metrics collector.
func SetDefaultCollector(collector Collector) {
	defaultCollectorMu.Lock()
	defer defaultCollectorMu.Unlock()
	if collector == nil {
		collector = &NopCollector{}
	}
	defaultCollector = collector
}

// GetDefaultCollector returns the global default metrics collector.
func GetDefaultCollector() Collector {
	defaultCollectorMu.RLock()
	defer defaultCollectorMu.RUnlock()
	return defaultCollector
}

// =============================================================================
// Context-based Collector
// =============================================================================

type contextKey string

const collectorContextKey contextKey = "pocketshield_metrics_collector"

// WithCollector returns a new context with the collector attached.
func WithCollector(ctx context.Context, collector Collector) context.Context {
	return context.WithValue(ctx, collectorContextKey, collector)
}

// CollectorFromContext returns the collector from the context, or the default.
func CollectorFromContext(ctx context.Context) Collector {
	if collector, ok := ctx.Value(collectorContextKey).(Collector); ok {
		return collector
	}
	return GetDefaultCollector()
}

// =============================================================================
// Interface compliance
// =============================================================================

var (
	_ Collector = (*NopCollector)(nil)
	_ Collector = (*InMemoryCollector)(nil)
)
