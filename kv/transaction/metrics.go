package transaction

import "github.com/prometheus/client_golang/prometheus"

var (
	txCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "epochkv",
			Subsystem: "txn",
			Name:      "finished_total",
			Help:      "Counter of finished transactions by type and result.",
		}, []string{"type", "result"})

	abortReasonCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "epochkv",
			Subsystem: "txn",
			Name:      "abort_total",
			Help:      "Counter of aborted transactions by reason.",
		}, []string{"reason"})

	durableEpochGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "epochkv",
			Subsystem: "txn",
			Name:      "durable_epoch",
			Help:      "Newest epoch reported durable by the log.",
		})

	sessionGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "epochkv",
			Subsystem: "txn",
			Name:      "sessions",
			Help:      "Number of entered sessions.",
		})
)

func init() {
	prometheus.MustRegister(txCounter)
	prometheus.MustRegister(abortReasonCounter)
	prometheus.MustRegister(durableEpochGauge)
	prometheus.MustRegister(sessionGauge)
}
