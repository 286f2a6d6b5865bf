// Package metrics bundles the engine's prometheus collectors. The embedder
// owns the registry and decides whether anything is exported; nothing here
// opens a listener.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	RunsTotal       *prometheus.CounterVec
	DispatchesTotal prometheus.Counter
	RetriesTotal    prometheus.Counter
	EvictionsTotal  prometheus.Counter
	EventsDropped   prometheus.Counter

	ArenaBytesInUse    prometheus.Gauge
	ArenaFragmentation prometheus.Gauge
	DeviceBytesPlanned prometheus.Gauge

	WorkerSlots     *prometheus.GaugeVec
	HeartbeatMisses prometheus.Counter
	RespawnsTotal   prometheus.Counter
}

// New registers the engine collectors on reg. Pass a fresh registry per
// engine instance; tests use prometheus.NewRegistry().
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vortex", Subsystem: "controller", Name: "runs_total",
			Help: "Runs by terminal status.",
		}, []string{"status"}),
		DispatchesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vortex", Subsystem: "controller", Name: "dispatches_total",
			Help: "Jobs dispatched to workers.",
		}),
		RetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vortex", Subsystem: "controller", Name: "retries_total",
			Help: "Node retries after transient or resource-exhaustion failures.",
		}),
		EvictionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vortex", Subsystem: "arbiter", Name: "evictions_total",
			Help: "Memo entries evicted to fit the device budget or to free arena space.",
		}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vortex", Subsystem: "events", Name: "dropped_total",
			Help: "Progress events shed under subscriber pressure.",
		}),
		ArenaBytesInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vortex", Subsystem: "arena", Name: "bytes_in_use",
			Help: "Live allocation bytes in the arena tensor region.",
		}),
		ArenaFragmentation: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vortex", Subsystem: "arena", Name: "fragmentation_ratio",
			Help: "Largest free block over total free bytes.",
		}),
		DeviceBytesPlanned: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vortex", Subsystem: "arbiter", Name: "device_bytes_planned",
			Help: "Predicted peak device bytes for the current plan.",
		}),
		WorkerSlots: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "vortex", Subsystem: "supervisor", Name: "worker_slots",
			Help: "Worker slots by status.",
		}, []string{"status"}),
		HeartbeatMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vortex", Subsystem: "supervisor", Name: "heartbeat_misses_total",
			Help: "Slots declared dead after heartbeat timeout.",
		}),
		RespawnsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vortex", Subsystem: "supervisor", Name: "respawns_total",
			Help: "Worker processes respawned.",
		}),
	}
	reg.MustRegister(
		m.RunsTotal, m.DispatchesTotal, m.RetriesTotal, m.EvictionsTotal,
		m.EventsDropped, m.ArenaBytesInUse, m.ArenaFragmentation,
		m.DeviceBytesPlanned, m.WorkerSlots, m.HeartbeatMisses, m.RespawnsTotal,
	)
	return m
}

// Nop returns collectors registered on a throwaway registry, for callers
// that do not care about metrics.
func Nop() *Metrics {
	return New(prometheus.NewRegistry())
}
