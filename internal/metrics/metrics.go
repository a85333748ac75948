// Package metrics exposes Prometheus collectors for marketplace lifecycle
// events. HTTP traffic is instrumented separately by the HTTP middleware; the
// collectors here count domain outcomes so dashboards can track bookings and
// payment health independently of transport.
//
// Label cardinality is bounded: "entity" and "to" take values from the fixed
// status enums only.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Transitions counts committed state changes by entity and target state.
	Transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tuition_transitions_total",
			Help: "Committed lifecycle transitions by entity and target status.",
		},
		[]string{"entity", "to"},
	)

	// PaymentsCompleted counts sessions that produced a new payment record.
	PaymentsCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tuition_payments_completed_total",
			Help: "Payment sessions completed with a new payment record.",
		},
	)

	// PaymentReplays counts completion calls answered from an existing record.
	PaymentReplays = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tuition_payment_replays_total",
			Help: "Payment completions replayed idempotently.",
		},
	)

	// GatewayErrors counts failed calls to the payment gateway after retries.
	GatewayErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tuition_gateway_errors_total",
			Help: "Payment gateway failures by operation.",
		},
		[]string{"op"},
	)

	// EventPublishFailures counts lifecycle events that could not be published.
	EventPublishFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tuition_event_publish_failures_total",
			Help: "Lifecycle events dropped because the publisher failed.",
		},
	)
)

func init() {
	prometheus.MustRegister(Transitions, PaymentsCompleted, PaymentReplays, GatewayErrors, EventPublishFailures)
}

// Transition records one committed transition.
func Transition(entity, to string) {
	Transitions.WithLabelValues(entity, to).Inc()
}
