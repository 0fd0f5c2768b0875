package epoch

import "github.com/prometheus/client_golang/prometheus"

var epochGauge = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "epochkv",
		Subsystem: "epoch",
		Name:      "current",
		Help:      "Current global epoch.",
	})

func init() {
	prometheus.MustRegister(epochGauge)
}
