// Package rtmetrics registers the runtime core's Prometheus metrics and
// optionally exposes them over HTTP, following the teacher's
// internal/backend/firecracker/metrics.go registration style: package-level
// vars, an init() that registers and pre-seeds label combinations, and a
// bare net/http exporter rather than the excluded serving-façade router.
package rtmetrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Invocation-model label values used on InvocationsTotal.
const (
	ModelCoarseFences = "coarse_fences"
	ModelNone         = "none"
	ModelUnknown      = "unknown"

	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

var (
	// WorkerDrainDuration observes how long each Worker loop iteration
	// spends executing thunks drained from the pending queue.
	WorkerDrainDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sharktank_worker_drain_seconds",
			Help:    "Duration of a single Worker drain cycle.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"worker"},
	)

	// WorkerPendingThunks tracks the current depth of a Worker's
	// thread-safe thunk queue.
	WorkerPendingThunks = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sharktank_worker_pending_thunks",
			Help: "Number of thunks queued on a Worker awaiting the next drain.",
		},
		[]string{"worker"},
	)

	// QueueSignalTimepoint tracks the most recently allocated signal
	// timepoint per (device, queue).
	QueueSignalTimepoint = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sharktank_queue_signal_timepoint",
			Help: "Highest allocated semaphore timepoint for a device queue.",
		},
		[]string{"device", "queue"},
	)

	// InvocationsTotal counts completed invocations by calling convention
	// and outcome.
	InvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sharktank_invocations_total",
			Help: "Total number of resolved program invocations.",
		},
		[]string{"model", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(WorkerDrainDuration)
	prometheus.MustRegister(WorkerPendingThunks)
	prometheus.MustRegister(QueueSignalTimepoint)
	prometheus.MustRegister(InvocationsTotal)

	for _, model := range []string{ModelCoarseFences, ModelNone, ModelUnknown} {
		InvocationsTotal.WithLabelValues(model, OutcomeSuccess)
		InvocationsTotal.WithLabelValues(model, OutcomeFailure)
	}
}

// Serve starts a bare HTTP server exposing /metrics at addr and blocks until
// ctx is cancelled, at which point it shuts down gracefully. This is the one
// piece of the teacher's HTTP surface carried into the core: an ambient
// observability concern, not the excluded CLI/serving façade.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
