package broker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var actionDurationSeconds = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "docservice_action_duration_seconds",
		Help:    "Action call latency in seconds.",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"action", "outcome"},
)

func observeAction(action string, start time.Time, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	actionDurationSeconds.WithLabelValues(action, outcome).Observe(time.Since(start).Seconds())
}
