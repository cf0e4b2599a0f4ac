// Package metrics exposes backup outcomes to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/lupppig/backupx/internal/backup"
	apperrors "github.com/lupppig/backupx/internal/errors"
	"github.com/lupppig/backupx/internal/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "backupx"

type Metrics struct {
	Backups     *prometheus.CounterVec
	Duration    prometheus.Histogram
	LastSize    prometheus.Gauge
	LastSuccess prometheus.Gauge
	Mirrors     *prometheus.CounterVec
}

// New registers the backupx collectors on reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Backups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backups_total",
			Help:      "Finished backup runs by outcome.",
		}, []string{"status"}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backup_duration_seconds",
			Help:      "Wall time of finished backup runs.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),
		LastSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_backup_size_bytes",
			Help:      "Size of the most recent successful archive.",
		}),
		LastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time the most recent successful backup finished.",
		}),
		Mirrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mirror_uploads_total",
			Help:      "Archive uploads to mirror targets by target and outcome.",
		}, []string{"target", "status"}),
	}

	for _, c := range []prometheus.Collector{m.Backups, m.Duration, m.LastSize, m.LastSuccess, m.Mirrors} {
		if err := reg.Register(c); err != nil {
			return nil, apperrors.Wrap(err, apperrors.TypeInternal, "failed to register metrics", "")
		}
	}
	return m, nil
}

func outcome(job *backup.Job) string {
	switch {
	case job.Status == backup.StatusSucceeded:
		return "succeeded"
	case apperrors.IsType(job.Err, apperrors.TypeInterrupted):
		return "interrupted"
	default:
		return "failed"
	}
}

func (m *Metrics) BackupFinished(job *backup.Job) {
	m.Backups.WithLabelValues(outcome(job)).Inc()
	m.Duration.Observe(job.Duration.Seconds())
	if job.Status == backup.StatusSucceeded {
		m.LastSize.Set(float64(job.Size))
		m.LastSuccess.Set(float64(job.StartTime.Add(job.Duration).Unix()))
	}
}

func (m *Metrics) RecordMirror(target string, err error) {
	status := "succeeded"
	if err != nil {
		status = "failed"
	}
	m.Mirrors.WithLabelValues(target, status).Inc()
}

func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx ends.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer, log *logger.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Serving metrics", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return apperrors.Wrap(err, apperrors.TypeConnection, "metrics listener failed", "Check metrics.listen.")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
