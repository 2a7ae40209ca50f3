package registry

import "github.com/prometheus/client_golang/prometheus"

var timeoutsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "comfyrelay_request_timeouts_total",
		Help: "Requests that hit their deadline before a terminal result arrived.",
	},
)

func init() {
	prometheus.MustRegister(timeoutsTotal)
}
