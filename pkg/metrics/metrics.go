// Package metrics exposes reconciliation cycle statistics over HTTP in the
// Prometheus text format.
package metrics

import (
	"codeberg.org/miketth/monitoggle/pkg/monitoggle"
	"context"
	"errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"net/http"
	"time"
)

const shutdownTimeout = 5 * time.Second

var _ monitoggle.Recorder = (*Metrics)(nil)

type Metrics struct {
	registry      *prometheus.Registry
	cycles        *prometheus.CounterVec
	cycleDuration *prometheus.HistogramVec
	staleRetries  *prometheus.CounterVec
	serial        prometheus.Gauge
	activeOutputs prometheus.Gauge
	lastRefresh   prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "monitoggle_cycles_total",
			Help: "Reconciliation cycles by operation and outcome",
		}, []string{"operation", "outcome"}),
		cycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "monitoggle_cycle_duration_seconds",
			Help:    "Wall time of reconciliation cycles",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
		}, []string{"operation"}),
		staleRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "monitoggle_stale_retries_total",
			Help: "Apply calls rejected for a stale serial and retried",
		}, []string{"operation"}),
		serial: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "monitoggle_config_serial",
			Help: "Serial of the most recently observed display configuration",
		}),
		activeOutputs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "monitoggle_active_outputs",
			Help: "Outputs backing a logical monitor in the latest snapshot",
		}),
		lastRefresh: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "monitoggle_last_refresh_timestamp_seconds",
			Help: "Unix time of the latest successful snapshot refresh",
		}),
	}

	m.registry.MustRegister(
		m.cycles,
		m.cycleDuration,
		m.staleRetries,
		m.serial,
		m.activeOutputs,
		m.lastRefresh,
	)

	return m
}

func (m *Metrics) CycleFinished(op, outcome string, took time.Duration) {
	m.cycles.WithLabelValues(op, outcome).Inc()
	if outcome != "busy" {
		m.cycleDuration.WithLabelValues(op).Observe(took.Seconds())
	}
}

func (m *Metrics) StaleRetry(op string) {
	m.staleRetries.WithLabelValues(op).Inc()
}

func (m *Metrics) SnapshotRefreshed(serial uint32, active int) {
	m.serial.Set(float64(serial))
	m.activeOutputs.Set(float64(active))
	m.lastRefresh.SetToCurrentTime()
}

// Router serves /metrics and /healthz. healthy may be nil, in which case the
// health check always passes.
func (m *Metrics) Router(healthy func() error) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if healthy != nil {
			if err := healthy(); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		_, _ = w.Write([]byte("ok\n"))
	})

	return r
}

// Serve listens on addr until ctx is done, then shuts down gracefully.
func (m *Metrics) Serve(ctx context.Context, addr string, healthy func() error, log *zap.SugaredLogger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           m.Router(healthy),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		log.Infow("serving metrics", "addr", addr)
		errChan <- srv.ListenAndServe()
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errChan; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
