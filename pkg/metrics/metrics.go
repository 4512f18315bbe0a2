// Package metrics exposes the keeper's operational counters on the
// diagnostic server's /metrics route.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Cycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "keeper_cycles_total",
		Help: "Reconciliation cycles completed, successful or not.",
	})

	MonitorFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "keeper_monitor_failures_total",
		Help: "Monitor round trips that failed.",
	})

	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "keeper_transitions_total",
		Help: "Role transitions attempted, by result.",
	}, []string{"result"})

	PartitionSuspicions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "keeper_partition_suspicions_total",
		Help: "Cycles where the node concluded it may be network partitioned.",
	})

	EngineRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "keeper_engine_running",
		Help: "Whether the local engine answered this cycle (1) or not (0).",
	})

	LastMonitorContact = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "keeper_last_monitor_contact_timestamp_seconds",
		Help: "Unix time of the last successful monitor contact.",
	})
)
