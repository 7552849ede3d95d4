package provider

import "github.com/prometheus/client_golang/prometheus"

var UpdatesIn = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "blockdoc",
	Subsystem: "provider",
	Name:      "updates_in",
}, []string{"result"})

var UpdatesOut = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "blockdoc",
	Subsystem: "provider",
	Name:      "updates_out",
}, []string{"result"})

var Reconnects = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "blockdoc",
	Subsystem: "provider",
	Name:      "reconnects",
})

var States = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "blockdoc",
	Subsystem: "provider",
	Name:      "states",
}, []string{"state"})

// Metrics lists the provider collectors for registration.
func Metrics() []prometheus.Collector {
	return []prometheus.Collector{UpdatesIn, UpdatesOut, Reconnects, States}
}
