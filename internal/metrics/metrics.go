// Package metrics exposes Prometheus instrumentation for the backoff core
// and the serving layer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BackoffsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "osdd",
		Name:      "backoffs_created_total",
		Help:      "Backoffs created and sent to clients.",
	})
	BackoffsAcked = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "osdd",
		Name:      "backoffs_acked_total",
		Help:      "Block acknowledgments applied (new -> acked).",
	})
	BackoffsReleased = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "osdd",
		Name:      "backoffs_released_total",
		Help:      "Backoffs released by shard recovery.",
	})
	BackoffsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "osdd",
		Name:      "backoffs_active",
		Help:      "Backoffs currently linked to a session.",
	})
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "osdd",
		Name:      "sessions_active",
		Help:      "Connected client sessions.",
	})
	OpsBlocked = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "osdd",
		Name:      "ops_blocked_total",
		Help:      "Client operations held back by a backoff.",
	})
	OpsAdmitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "osdd",
		Name:      "ops_admitted_total",
		Help:      "Client operations admitted to a shard store.",
	})
)
