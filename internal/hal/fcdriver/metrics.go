package fcdriver

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for remote call outcomes.
const (
	outcomeSuccess = "success"
	outcomeFailed  = "failed"
)

var (
	vmBootDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sharktank_fcdriver_vm_boot_seconds",
			Help:    "Duration from microVM start to guest agent ready, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	activeVMs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sharktank_fcdriver_active_vms",
			Help: "Number of currently running Firecracker microVMs.",
		},
	)

	callDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sharktank_fcdriver_call_seconds",
			Help:    "Round-trip time of one remote function call over vsock, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	callsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sharktank_fcdriver_calls_total",
			Help: "Total number of remote function calls dispatched by the Firecracker driver.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(vmBootDuration)
	prometheus.MustRegister(activeVMs)
	prometheus.MustRegister(callDuration)
	prometheus.MustRegister(callsTotal)

	callsTotal.WithLabelValues(outcomeSuccess)
	callsTotal.WithLabelValues(outcomeFailed)
}
