// Package metrics exposes the engine's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the engine's collectors.
type Metrics struct {
	// Routing decisions by outcome: auto_approved, requires_approval, blocked.
	RoutingDecisions *prometheus.CounterVec

	// Reservation outcomes: reserved, insufficient_budget, released, consumed,
	// already_terminal.
	Reservations *prometheus.CounterVec

	// PO state transitions keyed by target state.
	POTransitions *prometheus.CounterVec
}

// New registers the collectors with reg. A nil registerer gets a private
// registry so tests can construct Metrics without global state.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		RoutingDecisions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "po_routing_decisions_total",
			Help: "Approval routing decisions by outcome.",
		}, []string{"outcome"}),

		Reservations: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "po_budget_reservations_total",
			Help: "Budget reservation operations by result.",
		}, []string{"result"}),

		POTransitions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "po_state_transitions_total",
			Help: "Purchase order state transitions by target state.",
		}, []string{"to"}),
	}
}
