package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/unisearch/reqcache/pkg/health"
	"github.com/unisearch/reqcache/pkg/types"
)

// Collector records cache and client metrics in a private Prometheus registry
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry
	logger   *slog.Logger

	// Prometheus metrics
	cacheRequests  *prometheus.CounterVec
	cacheEvictions *prometheus.CounterVec
	cacheExpiries  *prometheus.CounterVec
	storageErrors  *prometheus.CounterVec
	tierEntries    *prometheus.GaugeVec
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	retryCounter   *prometheus.CounterVec
	dedupJoins     prometheus.Counter

	// Internal tracking
	requests  map[string]*RequestMetrics
	lastReset time.Time

	// Component health served on /health
	health *health.Tracker

	// HTTP server for metrics endpoint
	server *http.Server
}

var _ types.MetricsRecorder = (*Collector)(nil)

// Config represents metrics configuration
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Port      int               `yaml:"port"`
	Path      string            `yaml:"path"`
	Labels    map[string]string `yaml:"labels"`
	Namespace string            `yaml:"namespace"`
	Subsystem string            `yaml:"subsystem"`
}

// RequestMetrics tracks upstream requests for one HTTP method
type RequestMetrics struct {
	Count         int64         `json:"count"`
	Errors        int64         `json:"errors"`
	Retries       int64         `json:"retries"`
	TotalDuration time.Duration `json:"total_duration"`
	AvgDuration   time.Duration `json:"avg_duration"`
	LastRequest   time.Time     `json:"last_request"`
}

// NewCollector creates a new metrics collector
func NewCollector(config *Config, logger *slog.Logger) (*Collector, error) {
	if config == nil {
		config = &Config{
			Enabled:   true,
			Port:      9090,
			Path:      "/metrics",
			Namespace: "reqcache",
			Labels:    make(map[string]string),
		}
	}
	if logger == nil {
		logger = slog.Default()
	}

	if !config.Enabled {
		return &Collector{config: config, logger: logger}, nil
	}

	collector := &Collector{
		config:    config,
		registry:  prometheus.NewRegistry(),
		logger:    logger.With("component", "metrics"),
		requests:  make(map[string]*RequestMetrics),
		lastReset: time.Now(),
	}

	collector.initMetrics()

	if err := collector.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return collector, nil
}

// Registry returns the collector's registry, nil when disabled
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	if c.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// SetHealthTracker makes /health report tracked component states.
func (c *Collector) SetHealthTracker(t *health.Tracker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.health = t
}

// Start serves the metrics endpoint until Stop is called
func (c *Collector) Start(_ context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, c.Handler())
	mux.HandleFunc("/health", c.healthHandler)
	mux.HandleFunc("/debug/requests", c.debugRequestsHandler)

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.logger.Error("Metrics server error", "error", err)
		}
	}()

	c.logger.Info("Metrics server started", "port", c.config.Port, "path", c.config.Path)
	return nil
}

// Stop stops the metrics collection server
func (c *Collector) Stop(ctx context.Context) error {
	if c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}

// RecordCacheRequest records a lookup against one tier
func (c *Collector) RecordCacheRequest(tier types.Tier, hit bool) {
	if !c.config.Enabled {
		return
	}

	c.cacheRequests.With(prometheus.Labels{
		"tier":   string(tier),
		"result": map[bool]string{true: "hit", false: "miss"}[hit],
	}).Inc()
}

// RecordEviction records a capacity eviction
func (c *Collector) RecordEviction(tier types.Tier) {
	if !c.config.Enabled {
		return
	}
	c.cacheEvictions.With(prometheus.Labels{"tier": string(tier)}).Inc()
}

// RecordExpiration records an entry removed for having expired
func (c *Collector) RecordExpiration(tier types.Tier) {
	if !c.config.Enabled {
		return
	}
	c.cacheExpiries.With(prometheus.Labels{"tier": string(tier)}).Inc()
}

// RecordStorageError records an absorbed storage failure
func (c *Collector) RecordStorageError(operation string, tier types.Tier) {
	if !c.config.Enabled {
		return
	}
	c.storageErrors.With(prometheus.Labels{
		"operation": operation,
		"tier":      string(tier),
	}).Inc()
}

// UpdateTierEntries sets the entry gauge for a tier
func (c *Collector) UpdateTierEntries(tier types.Tier, entries int64) {
	if !c.config.Enabled {
		return
	}
	c.tierEntries.With(prometheus.Labels{"tier": string(tier)}).Set(float64(entries))
}

// RecordHTTPRequest records one upstream request. status is 0 when no
// response was received.
func (c *Collector) RecordHTTPRequest(method string, status int, duration time.Duration) {
	if !c.config.Enabled {
		return
	}

	c.mu.Lock()
	m, ok := c.requests[method]
	if !ok {
		m = &RequestMetrics{}
		c.requests[method] = m
	}
	m.Count++
	if status == 0 || status >= 400 {
		m.Errors++
	}
	m.TotalDuration += duration
	m.AvgDuration = time.Duration(int64(m.TotalDuration) / m.Count)
	m.LastRequest = time.Now()
	c.mu.Unlock()

	c.httpRequests.With(prometheus.Labels{
		"method": method,
		"status": statusLabel(status),
	}).Inc()
	c.httpDuration.With(prometheus.Labels{
		"method": method,
	}).Observe(duration.Seconds())
}

// RecordRetry records a retry scheduled after a failed attempt
func (c *Collector) RecordRetry(method string, attempt int) {
	if !c.config.Enabled {
		return
	}

	c.mu.Lock()
	if m, ok := c.requests[method]; ok {
		m.Retries++
	}
	c.mu.Unlock()

	c.retryCounter.With(prometheus.Labels{
		"method":  method,
		"attempt": strconv.Itoa(attempt),
	}).Inc()
}

// RecordDedupJoin records a request served by joining an in-flight call
func (c *Collector) RecordDedupJoin() {
	if !c.config.Enabled {
		return
	}
	c.dedupJoins.Inc()
}

// GetMetrics returns a snapshot of per-method request tracking
func (c *Collector) GetMetrics() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	requests := make(map[string]RequestMetrics, len(c.requests))
	for k, v := range c.requests {
		requests[k] = *v
	}

	return map[string]interface{}{
		"requests":   requests,
		"last_reset": c.lastReset,
		"uptime":     time.Since(c.lastReset),
	}
}

// ResetMetrics resets the internal request tracking
func (c *Collector) ResetMetrics() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requests = make(map[string]*RequestMetrics)
	c.lastReset = time.Now()
}

// Helper methods

func (c *Collector) initMetrics() {
	ns, sub := c.config.Namespace, c.config.Subsystem
	labels := prometheus.Labels(c.config.Labels)

	c.cacheRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "cache_requests_total",
			Help:        "Total number of cache lookups per tier",
			ConstLabels: labels,
		},
		[]string{"tier", "result"},
	)

	c.cacheEvictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "cache_evictions_total",
			Help:        "Total number of capacity evictions",
			ConstLabels: labels,
		},
		[]string{"tier"},
	)

	c.cacheExpiries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "cache_expirations_total",
			Help:        "Total number of entries removed after expiry",
			ConstLabels: labels,
		},
		[]string{"tier"},
	)

	c.storageErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "cache_storage_errors_total",
			Help:        "Total number of absorbed storage failures",
			ConstLabels: labels,
		},
		[]string{"operation", "tier"},
	)

	c.tierEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "cache_entries",
			Help:        "Current number of entries per tier",
			ConstLabels: labels,
		},
		[]string{"tier"},
	)

	c.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "http_requests_total",
			Help:        "Total number of upstream HTTP requests",
			ConstLabels: labels,
		},
		[]string{"method", "status"},
	)

	c.httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "http_request_duration_seconds",
			Help:        "Duration of upstream HTTP requests in seconds",
			Buckets:     prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
			ConstLabels: labels,
		},
		[]string{"method"},
	)

	c.retryCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "http_retries_total",
			Help:        "Total number of upstream request retries",
			ConstLabels: labels,
		},
		[]string{"method", "attempt"},
	)

	c.dedupJoins = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "http_dedup_joins_total",
			Help:        "Total number of requests that joined an in-flight call",
			ConstLabels: labels,
		},
	)
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.cacheRequests,
		c.cacheEvictions,
		c.cacheExpiries,
		c.storageErrors,
		c.tierEntries,
		c.httpRequests,
		c.httpDuration,
		c.retryCounter,
		c.dedupJoins,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}

	return nil
}

func statusLabel(status int) string {
	if status == 0 {
		return "network_error"
	}
	return strconv.Itoa(status)
}

// HTTP handlers

func (c *Collector) healthHandler(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	tracker := c.health
	c.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if tracker == nil {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy","service":"reqcache-metrics"}`))
		return
	}

	report := tracker.Report()
	if report.Status == health.StateUnavailable {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(report)
}

func (c *Collector) debugRequestsHandler(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	w.Header().Set("Content-Type", "text/plain")

	writef := func(format string, args ...interface{}) { _, _ = fmt.Fprintf(w, format, args...) }

	writef("Upstream Requests Summary\n")
	writef("=========================\n\n")
	writef("Uptime: %v\n", time.Since(c.lastReset))
	writef("Last Reset: %v\n\n", c.lastReset)

	if len(c.requests) == 0 {
		writef("No requests recorded.\n")
		return
	}

	writef("%-8s %10s %10s %10s %12s %10s\n",
		"Method", "Count", "Errors", "Retries", "Avg Duration", "Last")
	writef("%-8s %10s %10s %10s %12s %10s\n",
		"------", "-----", "------", "-------", "------------", "----")

	for name, m := range c.requests {
		writef("%-8s %10d %10d %10d %12v %10s\n",
			name, m.Count, m.Errors, m.Retries, m.AvgDuration,
			m.LastRequest.Format("15:04:05"))
	}
}
