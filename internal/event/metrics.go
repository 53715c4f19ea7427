package event

import "github.com/prometheus/client_golang/prometheus"

// Prometheus event bus metrics.
var (
	eventsPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "plughost_events_published_total",
		Help: "Total number of events accepted by the bus.",
	})
	eventsDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "plughost_event_deliveries_total",
		Help: "Total number of handler invocations.",
	})
	handlerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plughost_event_handler_failures_total",
			Help: "Handler invocations that returned an error or panicked.",
		},
		[]string{"kind"},
	)
	recursionLimitHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "plughost_event_recursion_limit_total",
		Help: "Nested publishes rejected by the depth ceiling.",
	})
)

func init() {
	prometheus.MustRegister(eventsPublished, eventsDelivered, handlerFailures, recursionLimitHits)
}
