// metrics.go - Prometheus collectors for pool and operation telemetry

package odm

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.mongodb.org/mongo-driver/event"
)

var (
	PoolConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: "odm", Name: "pool_connections", Help: "Open driver connections by database."},
		[]string{"database"},
	)
	PoolCheckouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "odm", Name: "pool_checkouts_total", Help: "Connections checked out of the pool by database."},
		[]string{"database"},
	)
	Clients = prometheus.NewGauge(
		prometheus.GaugeOpts{Namespace: "odm", Name: "clients", Help: "Client handles cached by connection managers."},
	)
	Operations = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "odm", Name: "operations_total", Help: "Model operations by collection and operation."},
		[]string{"collection", "op"},
	)
	OperationErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "odm", Name: "operation_errors_total", Help: "Failed model operations by collection, operation and error kind."},
		[]string{"collection", "op", "kind"},
	)
)

// RegisterCollectors registers all collectors of this package with reg.
func RegisterCollectors(reg prometheus.Registerer) {
	reg.MustRegister(PoolConnections)
	reg.MustRegister(PoolCheckouts)
	reg.MustRegister(Clients)
	reg.MustRegister(Operations)
	reg.MustRegister(OperationErrors)
}

// poolMonitor feeds the pool collectors for one client.
func poolMonitor(database string) *event.PoolMonitor {
	return &event.PoolMonitor{
		Event: func(evt *event.PoolEvent) {
			switch evt.Type {
			case event.ConnectionCreated:
				PoolConnections.WithLabelValues(database).Inc()
			case event.ConnectionClosed:
				PoolConnections.WithLabelValues(database).Dec()
			case event.GetSucceeded:
				PoolCheckouts.WithLabelValues(database).Inc()
			}
		},
	}
}

func observe(collection, op string, err error) {
	Operations.WithLabelValues(collection, op).Inc()
	if err != nil {
		OperationErrors.WithLabelValues(collection, op, errorKind(err)).Inc()
	}
}
