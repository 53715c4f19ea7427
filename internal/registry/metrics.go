package registry

import "github.com/prometheus/client_golang/prometheus"

var pluginStates = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "plughost_plugins",
		Help: "Number of registered plugins by lifecycle state.",
	},
	[]string{"state"},
)

func init() {
	prometheus.MustRegister(pluginStates)
}
