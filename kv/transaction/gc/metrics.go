package gc

import "github.com/prometheus/client_golang/prometheus"

var (
	gcCollectedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "epochkv",
			Subsystem: "gc",
			Name:      "collected_total",
			Help:      "Counter of objects reclaimed by the garbage collector.",
		}, []string{"type"})

	gcSkippedCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "epochkv",
			Subsystem: "gc",
			Name:      "skipped_total",
			Help:      "Counter of records left for a later pass because they were locked.",
		})
)

func init() {
	prometheus.MustRegister(gcCollectedCounter)
	prometheus.MustRegister(gcSkippedCounter)
}
