package realtime

import "github.com/prometheus/client_golang/prometheus"

var (
	activeClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowd",
		Subsystem: "realtime",
		Name:      "active_clients",
		Help:      "Currently connected WebSocket clients",
	})

	eventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "realtime",
		Name:      "events_total",
		Help:      "Deal lifecycle events broadcast to the live feed",
	}, []string{"type"})
)

func init() {
	prometheus.MustRegister(activeClients, eventsTotal)
}
