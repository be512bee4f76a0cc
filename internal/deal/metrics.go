package deal

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	dealTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "deal",
		Name:      "transitions_total",
		Help:      "Total deal status transitions by source and target status.",
	}, []string{"from", "to"})

	disputesOpened = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "deal",
		Name:      "disputes_opened_total",
		Help:      "Total disputes opened.",
	})

	disputesResolved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "deal",
		Name:      "disputes_resolved_total",
		Help:      "Total disputes resolved by action.",
	}, []string{"action"})

	autoFinalisedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "deal",
		Name:      "auto_finalised_total",
		Help:      "Total deals released automatically after the grace window.",
	})
)

func init() {
	prometheus.MustRegister(dealTransitions, disputesOpened, disputesResolved, autoFinalisedTotal)
}

func observeTransition(from, to Status) {
	dealTransitions.WithLabelValues(string(from), string(to)).Inc()
}
