package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Node outcome labels
const (
	StatusSuccess  = "success"
	StatusSkipped  = "skipped"
	StatusArchived = "archived"
	StatusFailed   = "failed"
)

// Collector collects and exposes metrics
type Collector struct {
	registry         *prometheus.Registry
	nodesTotal       *prometheus.CounterVec
	bytesTotal       prometheus.Counter
	inflight         prometheus.Gauge
	executingTasks   prometheus.Gauge
	duration         prometheus.Histogram
	progressFlushErr prometheus.Counter
}

// New creates a collector registered on its own registry
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		nodesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "migrate_nodes_total",
				Help: "Total number of nodes processed",
			},
			[]string{"status"},
		),
		bytesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "migrate_bytes_total",
				Help: "Total bytes migrated",
			},
		),
		inflight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "migrate_inflight_transfers",
				Help: "Number of transfers currently running",
			},
		),
		executingTasks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "migrate_executing_tasks",
				Help: "Number of migration tasks executing in this process",
			},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "migrate_node_duration_seconds",
				Help:    "Time taken to migrate a node",
				Buckets: prometheus.DefBuckets,
			},
		),
		progressFlushErr: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "migrate_progress_flush_errors_total",
				Help: "Number of failed progress flushes",
			},
		),
	}

	c.registry.MustRegister(
		c.nodesTotal,
		c.bytesTotal,
		c.inflight,
		c.executingTasks,
		c.duration,
		c.progressFlushErr,
	)

	return c
}

// IncNode increments the node counter for an outcome
func (c *Collector) IncNode(status string) {
	c.nodesTotal.WithLabelValues(status).Inc()
}

// AddBytes adds to total bytes migrated
func (c *Collector) AddBytes(bytes int64) {
	c.bytesTotal.Add(float64(bytes))
}

// TransferStarted bumps the in-flight gauge
func (c *Collector) TransferStarted() {
	c.inflight.Inc()
}

// TransferDone lowers the in-flight gauge
func (c *Collector) TransferDone() {
	c.inflight.Dec()
}

// SetExecutingTasks sets the number of executing tasks
func (c *Collector) SetExecutingTasks(count int) {
	c.executingTasks.Set(float64(count))
}

// ObserveDuration observes node migration duration
func (c *Collector) ObserveDuration(duration time.Duration) {
	c.duration.Observe(duration.Seconds())
}

// IncFlushError counts a failed progress flush
func (c *Collector) IncFlushError() {
	c.progressFlushErr.Inc()
}

// Gatherer exposes the registry, mostly for tests
func (c *Collector) Gatherer() prometheus.Gatherer {
	return c.registry
}

// StartServer serves /metrics until ctx is cancelled
func (c *Collector) StartServer(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
