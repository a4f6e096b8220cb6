package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Storage metrics
	EntitiesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "modulo_entities_total",
			Help: "Total number of entities by model",
		},
		[]string{"model"},
	)

	EntitiesResident = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "modulo_entities_resident",
			Help: "Number of entities resident in the primary index",
		},
	)

	EntityOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modulo_entity_operations_total",
			Help: "Total number of committed entity mutations by operation",
		},
		[]string{"operation"},
	)

	EngineQuarantined = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "modulo_engine_quarantined",
			Help: "Whether the engine is in read-only quarantine (1 = quarantined)",
		},
	)

	// Bus metrics
	BusReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "modulo_bus_reconnects_total",
			Help: "Total number of broker reconnections",
		},
	)

	// Transport metrics
	TransportReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "modulo_transport_reconnects_total",
			Help: "Total number of TCP peer reconnections",
		},
	)

	DeadLettersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "modulo_dead_letters_total",
			Help: "Total number of envelopes drained to the dead-letter log",
		},
	)
)

func init() {
	prometheus.MustRegister(EntitiesTotal)
	prometheus.MustRegister(EntitiesResident)
	prometheus.MustRegister(EntityOperationsTotal)
	prometheus.MustRegister(EngineQuarantined)
	prometheus.MustRegister(BusReconnectsTotal)
	prometheus.MustRegister(TransportReconnectsTotal)
	prometheus.MustRegister(DeadLettersTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
