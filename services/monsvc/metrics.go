package monsvc

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"iut/pkg/fleet"
)

// Metrics exposes the state of the monitoring service.
type Metrics struct {
	registry      *prometheus.Registry
	registrations prometheus.Counter
	updates       *prometheus.CounterVec
	rejected      *prometheus.CounterVec
	machines      *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		registrations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "iut",
			Subsystem: "monitoring",
			Name:      "registrations_total",
			Help:      "Machines registered in the monitoring service.",
		}),
		updates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "iut",
			Subsystem: "monitoring",
			Name:      "status_updates_total",
			Help:      "Status reports received, by reported status.",
		}, []string{"status"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "iut",
			Subsystem: "monitoring",
			Name:      "rejected_requests_total",
			Help:      "Requests rejected by the monitoring service, by reason.",
		}, []string{"reason"}),
		machines: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "iut",
			Subsystem: "monitoring",
			Name:      "machines",
			Help:      "Registered machines, by current status.",
		}, []string{"status"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.registrations, m.updates, m.rejected, m.machines,
	)
	return m
}

// Registry returns the registry to expose on /metrics.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) observe(store *Store) {
	counts := store.CountByStatus()
	for _, status := range fleet.Statuses {
		m.machines.WithLabelValues(status).Set(float64(counts[status]))
	}
}
