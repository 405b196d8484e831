package connection

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "docservice_connection_state",
			Help: "Current storage connection state (1 for the active state).",
		},
		[]string{"service", "state"},
	)
	reconnectAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docservice_reconnect_attempts_total",
			Help: "Reconnect attempts scheduled after timeout-class connection errors.",
		},
		[]string{"service"},
	)
)

func observeState(service string, s State) {
	for _, candidate := range allStates {
		v := 0.0
		if candidate == s {
			v = 1
		}
		connectionState.WithLabelValues(service, candidate.String()).Set(v)
	}
}
