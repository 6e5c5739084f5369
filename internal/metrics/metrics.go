// ============================================================================
// grobid-batch Metrics - Prometheus collector
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
//
// Counters (monotonic, per process):
//   - grobid_documents_discovered_total
//   - grobid_documents_succeeded_total
//   - grobid_documents_failed_total{status}
//   - grobid_documents_skipped_total
//   - grobid_busy_retries_total
//   - grobid_artifact_write_failures_total
//   - grobid_batches_total
//
// Histogram:
//   - grobid_backend_call_seconds{class}   class = 2xx | 4xx | 5xx | transport
//
// Gauge:
//   - grobid_backend_in_flight
//
// Useful queries:
//   rate(grobid_documents_succeeded_total[1m])
//   histogram_quantile(0.95, rate(grobid_backend_call_seconds_bucket[5m]))
//   grobid_busy_retries_total / grobid_documents_discovered_total
//
// Every method is safe on a nil *Collector so components can run without metrics.
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the engine's Prometheus instruments.
type Collector struct {
	discovered    prometheus.Counter
	succeeded     prometheus.Counter
	failed        *prometheus.CounterVec
	skipped       prometheus.Counter
	busyRetries   prometheus.Counter
	writeFailures prometheus.Counter
	batches       prometheus.Counter

	callLatency *prometheus.HistogramVec
	inFlight    prometheus.Gauge
}

// NewCollector creates the instruments and registers them on reg.
// A nil reg uses prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		discovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grobid_documents_discovered_total",
			Help: "Total number of eligible input documents discovered",
		}),
		succeeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grobid_documents_succeeded_total",
			Help: "Total number of documents written as success artifacts",
		}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grobid_documents_failed_total",
			Help: "Total number of documents written as error artifacts, by status code",
		}, []string{"status"}),
		skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grobid_documents_skipped_total",
			Help: "Total number of documents skipped because a success artifact already existed",
		}),
		busyRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grobid_busy_retries_total",
			Help: "Total number of requests re-issued after a busy response",
		}),
		writeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grobid_artifact_write_failures_total",
			Help: "Total number of artifacts that could not be written",
		}),
		batches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grobid_batches_total",
			Help: "Total number of batches completed",
		}),
		callLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "grobid_backend_call_seconds",
			Help:    "Backend call latency in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"class"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "grobid_backend_in_flight",
			Help: "Current number of backend calls in flight",
		}),
	}

	reg.MustRegister(
		c.discovered,
		c.succeeded,
		c.failed,
		c.skipped,
		c.busyRetries,
		c.writeFailures,
		c.batches,
		c.callLatency,
		c.inFlight,
	)
	return c
}

func (c *Collector) RecordDiscovered(n int) {
	if c == nil {
		return
	}
	c.discovered.Add(float64(n))
}

func (c *Collector) RecordSucceeded() {
	if c == nil {
		return
	}
	c.succeeded.Inc()
}

func (c *Collector) RecordFailed(statusCode int) {
	if c == nil {
		return
	}
	c.failed.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

func (c *Collector) RecordSkipped() {
	if c == nil {
		return
	}
	c.skipped.Inc()
}

func (c *Collector) RecordBusyRetry() {
	if c == nil {
		return
	}
	c.busyRetries.Inc()
}

func (c *Collector) RecordWriteFailure() {
	if c == nil {
		return
	}
	c.writeFailures.Inc()
}

func (c *Collector) RecordBatch() {
	if c == nil {
		return
	}
	c.batches.Inc()
}

// CallStarted increments the in-flight gauge and returns the matching completion func.
func (c *Collector) CallStarted() func(statusCode int) {
	if c == nil {
		return func(int) {}
	}
	start := time.Now()
	c.inFlight.Inc()
	return func(statusCode int) {
		c.inFlight.Dec()
		c.callLatency.WithLabelValues(StatusClass(statusCode)).Observe(time.Since(start).Seconds())
	}
}

// StatusClass buckets an HTTP status code; codes < 100 are transport failures.
func StatusClass(statusCode int) string {
	if statusCode < 100 {
		return "transport"
	}
	return fmt.Sprintf("%dxx", statusCode/100)
}

// Server exposes /metrics for the duration of a run.
type Server struct {
	srv *http.Server
}

// StartServer serves the gatherer on :port in a background goroutine.
func StartServer(port int, gatherer prometheus.Gatherer, onError func(error)) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	s := &Server{srv: &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}}
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) && onError != nil {
			onError(err)
		}
	}()
	return s
}

// Shutdown stops the metrics server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
