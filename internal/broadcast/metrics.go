package broadcast

import "github.com/prometheus/client_golang/prometheus"

var (
	legsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "broadcast_legs_total",
		Help: "Dispatched broadcast legs by action and outcome.",
	}, []string{"action", "outcome"})

	broadcastsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "broadcasts_total",
		Help: "Completed broadcast requests.",
	})
)

func init() {
	prometheus.MustRegister(legsTotal, broadcastsTotal)
}
