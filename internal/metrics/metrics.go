package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector manages all ProxyScout metrics
type Collector struct {
	// Counters
	validationsTotal  prometheus.Counter
	validationsOK     prometheus.Counter
	validationsFailed prometheus.Counter
	enrichmentsOK     prometheus.Counter
	enrichmentsFailed prometheus.Counter

	// Histograms
	probeDuration prometheus.Histogram
	proxyLatency  prometheus.Histogram

	// Gauges
	poolSize     prometheus.Gauge
	activeProbes prometheus.Gauge
	queueSize    prometheus.Gauge

	// Labels
	validationsPerKind *prometheus.CounterVec
	proxiesByAnonymity *prometheus.CounterVec
	errorsPerKind      *prometheus.CounterVec

	registry *prometheus.Registry
	server   *http.Server
	mutex    sync.Mutex
}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
	}

	c.initMetrics()
	c.registerMetrics()

	return c
}

func (c *Collector) initMetrics() {
	c.validationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "proxyscout_validations_total",
		Help: "Total number of proxy validations performed",
	})

	c.validationsOK = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "proxyscout_validations_success_total",
		Help: "Total number of successful proxy validations",
	})

	c.validationsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "proxyscout_validations_failed_total",
		Help: "Total number of failed proxy validations",
	})

	c.enrichmentsOK = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "proxyscout_enrichments_success_total",
		Help: "Total number of successful metadata enrichments",
	})

	c.enrichmentsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "proxyscout_enrichments_failed_total",
		Help: "Total number of failed metadata enrichments",
	})

	c.probeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "proxyscout_probe_duration_seconds",
		Help:    "Wall-clock duration of judge probes including retries",
		Buckets: prometheus.DefBuckets,
	})

	c.proxyLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "proxyscout_proxy_latency_seconds",
		Help:    "Measured round-trip latency of validated proxies",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 25},
	})

	c.poolSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "proxyscout_pool_size",
		Help: "Number of proxy records in the pool",
	})

	c.activeProbes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "proxyscout_active_probes",
		Help: "Number of probes currently holding a concurrency permit",
	})

	c.queueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "proxyscout_queue_size",
		Help: "Number of proxies waiting to be validated",
	})

	c.validationsPerKind = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxyscout_validations_per_kind_total",
			Help: "Total number of validations per proxy kind",
		},
		[]string{"kind"},
	)

	c.proxiesByAnonymity = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxyscout_proxies_by_anonymity_total",
			Help: "Validated proxies per anonymity class",
		},
		[]string{"anonymity"},
	)

	c.errorsPerKind = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxyscout_errors_per_kind_total",
			Help: "Total number of errors per error category",
		},
		[]string{"category"},
	)
}

func (c *Collector) registerMetrics() {
	c.registry.MustRegister(
		c.validationsTotal,
		c.validationsOK,
		c.validationsFailed,
		c.enrichmentsOK,
		c.enrichmentsFailed,
		c.probeDuration,
		c.proxyLatency,
		c.poolSize,
		c.activeProbes,
		c.queueSize,
		c.validationsPerKind,
		c.proxiesByAnonymity,
		c.errorsPerKind,
	)
}

// StartServer starts the metrics HTTP server
func (c *Collector) StartServer(addr string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.server != nil {
		return fmt.Errorf("metrics server already running")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	c.server = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		server := c.server
		if server != nil {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				// Metrics are best-effort; never crash the main application
			}
		}
	}()

	return nil
}

// StopServer stops the metrics HTTP server
func (c *Collector) StopServer() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := c.server.Shutdown(ctx)
	c.server = nil
	return err
}

// RecordValidation records a completed validation
func (c *Collector) RecordValidation(kind string, success bool, duration time.Duration) {
	c.validationsTotal.Inc()
	c.probeDuration.Observe(duration.Seconds())
	c.validationsPerKind.WithLabelValues(kind).Inc()

	if success {
		c.validationsOK.Inc()
	} else {
		c.validationsFailed.Inc()
	}
}

// RecordAnonymity records the anonymity class of a validated proxy
func (c *Collector) RecordAnonymity(anonymity string) {
	c.proxiesByAnonymity.WithLabelValues(anonymity).Inc()
}

// RecordEnrichment records a completed metadata lookup
func (c *Collector) RecordEnrichment(success bool) {
	if success {
		c.enrichmentsOK.Inc()
	} else {
		c.enrichmentsFailed.Inc()
	}
}

// RecordError records an error by category
func (c *Collector) RecordError(category string) {
	c.errorsPerKind.WithLabelValues(category).Inc()
}

// ObserveLatency records a measured proxy round-trip
func (c *Collector) ObserveLatency(latency time.Duration) {
	c.proxyLatency.Observe(latency.Seconds())
}

// SetPoolSize updates the pool size gauge
func (c *Collector) SetPoolSize(size int) {
	c.poolSize.Set(float64(size))
}

// SetActiveProbes updates the active probes gauge
func (c *Collector) SetActiveProbes(count int) {
	c.activeProbes.Set(float64(count))
}

// SetQueueSize updates the queue size gauge
func (c *Collector) SetQueueSize(size int) {
	c.queueSize.Set(float64(size))
}
