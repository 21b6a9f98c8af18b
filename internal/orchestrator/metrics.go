package orchestrator

import "github.com/prometheus/client_golang/prometheus"

var (
	spawnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "orchestrator",
			Name:      "spawns_total",
			Help:      "Server processes spawned, by outcome",
		},
		[]string{"outcome"},
	)

	orphanKillsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "orchestrator",
			Name:      "orphan_kills_total",
			Help:      "Orphaned server processes killed during startup recovery",
		},
	)

	evictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "orchestrator",
			Name:      "evictions_total",
			Help:      "Instances evicted after a failed health probe",
		},
	)

	runningInstances = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "inferd",
			Subsystem: "orchestrator",
			Name:      "running_instances",
			Help:      "Currently tracked server instances",
		},
	)
)

func init() {
	prometheus.MustRegister(spawnsTotal, orphanKillsTotal, evictionsTotal, runningInstances)
}
