// Package metrics groups the Prometheus instruments of the docqueue client.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/queueworks/docqueue/maintenance"
	"github.com/queueworks/docqueue/pubsub"
	"github.com/queueworks/docqueue/worker"
)

// Metrics holds every instrument, registered once at client construction.
// Using a caller-supplied registerer (instead of the default registry)
// keeps tests isolated and avoids global state.
type Metrics struct {
	DocsPicked       *prometheus.CounterVec
	DocsResolved     *prometheus.CounterVec
	WorkerExceptions *prometheus.CounterVec
	BatchDuration    *prometheus.HistogramVec

	MaintenanceTicks     prometheus.Counter
	MaintenanceProcessed prometheus.Counter

	BusEvents *prometheus.CounterVec
}

// New registers all instruments with reg and returns the populated struct.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DocsPicked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docqueue_docs_picked_total",
			Help: "Documents leased by worker pick cycles.",
		}, []string{"queue"}),

		DocsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docqueue_docs_resolved_total",
			Help: "Documents resolved, by declared action.",
		}, []string{"queue", "action"}),

		WorkerExceptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docqueue_worker_exceptions_total",
			Help: "Handler failures converted into worker-exception rejects.",
		}, []string{"queue"}),

		BatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "docqueue_batch_duration_seconds",
			Help:    "Wall time spent processing one leased batch.",
			Buckets: prometheus.DefBuckets,
		}, []string{"queue"}),

		MaintenanceTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "docqueue_maintenance_ticks_total",
			Help: "Maintenance daemon ticks.",
		}),

		MaintenanceProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "docqueue_maintenance_processed_total",
			Help: "Units of grooming work reported by the store.",
		}),

		BusEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docqueue_bus_events_total",
			Help: "Notification bus traffic, by direction.",
		}, []string{"direction"}),
	}

	reg.MustRegister(
		m.DocsPicked,
		m.DocsResolved,
		m.WorkerExceptions,
		m.BatchDuration,
		m.MaintenanceTicks,
		m.MaintenanceProcessed,
		m.BusEvents,
	)

	return m
}

// WorkerHooks returns the callbacks expected by worker.Hooks, centralising
// the observation calls so the worker package stays prometheus-free.
func (m *Metrics) WorkerHooks() worker.Hooks {
	return worker.Hooks{
		OnPick: func(queue string, docs int) {
			m.DocsPicked.WithLabelValues(queue).Add(float64(docs))
		},
		OnResolve: func(queue, action string) {
			m.DocsResolved.WithLabelValues(queue, action).Inc()
		},
		OnException: func(queue string) {
			m.WorkerExceptions.WithLabelValues(queue).Inc()
		},
		OnBatch: func(queue string, elapsed time.Duration) {
			m.BatchDuration.WithLabelValues(queue).Observe(elapsed.Seconds())
		},
	}
}

// MaintenanceHooks returns the callbacks expected by maintenance.Hooks.
func (m *Metrics) MaintenanceHooks() maintenance.Hooks {
	return maintenance.Hooks{
		OnTick: func(processed int) {
			m.MaintenanceTicks.Inc()
			m.MaintenanceProcessed.Add(float64(processed))
		},
	}
}

// BusHooks returns the callbacks expected by pubsub.Hooks.
func (m *Metrics) BusHooks() pubsub.Hooks {
	return pubsub.Hooks{
		OnPublish: func(string) { m.BusEvents.WithLabelValues("out").Inc() },
		OnDeliver: func(string) { m.BusEvents.WithLabelValues("in").Inc() },
	}
}
