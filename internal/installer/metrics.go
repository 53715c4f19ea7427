package installer

import "github.com/prometheus/client_golang/prometheus"

var jobsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "plughost_install_jobs_total",
		Help: "Archives processed by the installer, by outcome.",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(jobsTotal)
}
