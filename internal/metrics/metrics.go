// Package metrics exposes the optional Prometheus surface netreduce serves
// on --metrics-address: connected-rank gauge, completed-job counter,
// per-stage latency histograms, and a bandwidth gauge fed by the same
// computation the bench driver uses for its log line.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every metric netreduce reports, registered against a
// private prometheus.Registry so importing this package never pollutes the
// default global registry.
type Registry struct {
	reg *prometheus.Registry

	ConnectedRanks prometheus.Gauge
	JobsCompleted  prometheus.Counter
	BandwidthBytes prometheus.Gauge
	StageLatency   *prometheus.HistogramVec
}

// New builds a fresh, independently-registered metric set.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		ConnectedRanks: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "netreduce",
			Name:      "connected_ranks",
			Help:      "Number of peers currently connected to this rank.",
		}),
		JobsCompleted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "netreduce",
			Name:      "jobs_completed_total",
			Help:      "Number of completed reduce stages (one per aggregator job round, one per ring step).",
		}),
		BandwidthBytes: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "netreduce",
			Name:      "bandwidth_bytes_per_second",
			Help:      "Most recently observed aggregate transfer bandwidth.",
		}),
		StageLatency: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "netreduce",
			Name:      "stage_latency_seconds",
			Help:      "Latency of a single recv/reduce/send/upstream stage invocation.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),
	}

	return r
}

// ObserveStage records how long a pipeline stage took.
func (r *Registry) ObserveStage(stage string, d time.Duration) {
	r.StageLatency.WithLabelValues(stage).Observe(d.Seconds())
}

// Serve starts an HTTP server exposing /metrics on addr until ctx is done.
func (r *Registry) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return srv.Close()
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("metrics: serve %s: %w", addr, err)
		}
		return nil
	}
}
