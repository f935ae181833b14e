// Package metrics exposes replay counters to Prometheus.
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"querycheck/internal/domain"
)

// Work item results.
const (
	ResultCompleted = "completed"
	ResultAbandoned = "abandoned"
	ResultFailed    = "failed"
	ResultPoison    = "poison"
)

// Metrics holds the replay engine's collectors.
type Metrics struct {
	registry *prometheus.Registry

	rows      prometheus.Counter
	samples   prometheus.Counter
	replays   *prometheus.CounterVec
	workItems *prometheus.CounterVec
	inflight  prometheus.Gauge

	sampleWriteFailures prometheus.Counter
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		rows: f.NewCounter(prometheus.CounterOpts{
			Name: "querycheck_rows_total",
			Help: "Audit-log records decoded, including filtered and malformed ones.",
		}),
		samples: f.NewCounter(prometheus.CounterOpts{
			Name: "querycheck_samples_total",
			Help: "Distinct query shapes recorded as samples.",
		}),
		replays: f.NewCounterVec(prometheus.CounterOpts{
			Name: "querycheck_replays_total",
			Help: "Replayed queries by outcome.",
		}, []string{"status"}),
		workItems: f.NewCounterVec(prometheus.CounterOpts{
			Name: "querycheck_workitems_total",
			Help: "Work items handled by result.",
		}, []string{"result"}),
		inflight: f.NewGauge(prometheus.GaugeOpts{
			Name: "querycheck_replays_inflight",
			Help: "Replays currently holding a target connection.",
		}),
		sampleWriteFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "querycheck_sample_write_failures_total",
			Help: "Samples dropped because the sample store rejected the write.",
		}),
	}
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ReplayStarted marks a replay as in flight.
func (m *Metrics) ReplayStarted() { m.inflight.Inc() }

// ReplayFinished records a replay outcome.
func (m *Metrics) ReplayFinished(o domain.ReplayOutcome) {
	m.inflight.Dec()
	status := "ok"
	if o.Failed() {
		status = "error"
	}
	m.replays.WithLabelValues(status).Inc()
}

// ObserveRun records the row and sample counts of a finished decode.
func (m *Metrics) ObserveRun(rows, samples int64) {
	m.rows.Add(float64(rows))
	m.samples.Add(float64(samples))
}

// SampleWriteFailed counts n samples that could not be persisted.
func (m *Metrics) SampleWriteFailed(n int) {
	m.sampleWriteFailures.Add(float64(n))
}

// WorkItem records how a work item ended.
func (m *Metrics) WorkItem(result string) {
	m.workItems.WithLabelValues(result).Inc()
}

// Handler serves /metrics and /health.
func (m *Metrics) Handler() http.Handler {
	started := time.Now()

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status":         "ok",
			"uptime_seconds": int(time.Since(started).Seconds()),
		})
	})
	return r
}

// Serve runs the metrics server on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           m.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
