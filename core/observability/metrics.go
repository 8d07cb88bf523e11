// Package observability exposes server counters through a Prometheus
// registry owned by each server instance.
package observability

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "super_server"

// Eviction and rejection reasons
const (
	ReasonTimeout  = "timeout"
	ReasonHangup   = "hangup"
	ReasonIOError  = "io_error"
	ReasonClose    = "close"
	ReasonShutdown = "shutdown"
	ReasonCapacity = "capacity"
	ReasonRate     = "rate"
)

// Metrics holds the server's collectors
type Metrics struct {
	registry *prometheus.Registry

	Accepted     prometheus.Counter
	Rejected     *prometheus.CounterVec
	Active       prometheus.Gauge
	Requests     *prometheus.CounterVec
	Latency      prometheus.Histogram
	Evictions    *prometheus.CounterVec
	QueueDepth   prometheus.Gauge
	BytesRead    prometheus.Counter
	BytesWritten prometheus.Counter
	TaskPanics   prometheus.Counter
}

// NewMetrics creates the collectors on a fresh registry
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_accepted_total",
			Help:      "Connections accepted on the listening socket",
		}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_rejected_total",
			Help:      "Connections refused with Server busy",
		}, []string{"reason"}),
		Active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Connections currently in the connection table",
		}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests answered, by status code",
		}, []string{"code"}),
		Latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_process_seconds",
			Help:      "Time spent parsing a request and building its response",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		}),
		Evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_closed_total",
			Help:      "Connections removed from the table, by reason",
		}, []string{"reason"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_queue_depth",
			Help:      "Tasks waiting for a worker",
		}),
		BytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "read_bytes_total",
			Help:      "Bytes read from client sockets",
		}),
		BytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "written_bytes_total",
			Help:      "Bytes written to client sockets",
		}),
		TaskPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_task_panics_total",
			Help:      "Worker tasks that panicked and were dropped",
		}),
	}

	m.registry.MustRegister(
		m.Accepted, m.Rejected, m.Active, m.Requests, m.Latency,
		m.Evictions, m.QueueDepth, m.BytesRead, m.BytesWritten, m.TaskPanics,
	)
	return m
}

// Registry returns the registry the collectors live on
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveRequest records one answered request
func (m *Metrics) ObserveRequest(code int, took time.Duration) {
	m.Requests.WithLabelValues(strconv.Itoa(code)).Inc()
	m.Latency.Observe(took.Seconds())
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
