package ws

import "github.com/prometheus/client_golang/prometheus"

var (
	wsClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "plughost_ws_clients",
		Help: "Connected event stream clients.",
	})
	wsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "plughost_ws_dropped_messages_total",
		Help: "Messages dropped because a client's buffer was full.",
	})
)

func init() {
	prometheus.MustRegister(wsClients, wsDropped)
}
