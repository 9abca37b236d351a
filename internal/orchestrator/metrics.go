package orchestrator

import "github.com/prometheus/client_golang/prometheus"

var (
	sweepsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_sweeps_total",
		Help: "Completed supervision sweeps by kind.",
	}, []string{"kind"})

	probeFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_probe_failures_total",
		Help: "Health probes that marked an instance offline.",
	})

	thresholdTrips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_threshold_trips_total",
		Help: "Safe switches triggered by a P&L threshold, by reason.",
	}, []string{"reason"})

	quotesPolled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_quotes_polled_total",
		Help: "Quote fetches by outcome.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(sweepsTotal, probeFailures, thresholdTrips, quotesPolled)
}
