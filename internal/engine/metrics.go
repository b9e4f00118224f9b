package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricPushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "medisync_pushes_total",
		Help: "Record pushes by result (ok, conflict, transient, rejected).",
	}, []string{"result"})

	metricPulled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "medisync_pulled_records_total",
		Help: "Remote records applied into the local store.",
	})

	metricConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "medisync_conflicts_total",
		Help: "Resolved conflicts by winner.",
	}, []string{"winner"})

	metricRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "medisync_push_retries_total",
		Help: "Push attempts retried after transient failures.",
	})

	metricParked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "medisync_parked_entries_total",
		Help: "Change entries parked after repeated permanent rejections.",
	})

	metricQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "medisync_queue_depth",
		Help: "Pending change entries in the durable sync queue.",
	})

	metricState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "medisync_engine_state",
		Help: "Current engine state (1 for the active state, 0 otherwise).",
	}, []string{"state"})
)

func recordState(s State) {
	for _, st := range []State{StateIdle, StateDraining, StateBuffering, StatePulling, StateBackoff} {
		v := 0.0
		if st == s {
			v = 1.0
		}
		metricState.WithLabelValues(string(st)).Set(v)
	}
}
