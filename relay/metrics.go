package relay

import "github.com/prometheus/client_golang/prometheus"

var Connections = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "blockdoc",
	Subsystem: "relay",
	Name:      "connections",
})

var FramesIn = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "blockdoc",
	Subsystem: "relay",
	Name:      "frames_in",
}, []string{"command"})

var FramesOut = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "blockdoc",
	Subsystem: "relay",
	Name:      "frames_out",
}, []string{"command"})

var Retained = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "blockdoc",
	Subsystem: "relay",
	Name:      "retained",
})

var Dropped = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "blockdoc",
	Subsystem: "relay",
	Name:      "dropped_connections",
}, []string{"reason"})

func Metrics() []prometheus.Collector {
	return []prometheus.Collector{Connections, FramesIn, FramesOut, Retained, Dropped}
}
