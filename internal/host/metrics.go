package host

import "github.com/prometheus/client_golang/prometheus"

// Prometheus host runtime metrics.
var (
	hookPanics = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plughost_hook_panics_total",
			Help: "Plugin hook invocations that panicked, by hook.",
		},
		[]string{"hook"},
	)
	tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "plughost_tick_duration_seconds",
		Help:    "Time spent dispatching one tick to all plugins.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
	})
)

func init() {
	prometheus.MustRegister(hookPanics, tickDuration)
}
