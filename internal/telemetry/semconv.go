package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys attached to paywatch metrics.
const (
	AttrEnvironment = attribute.Key("environment")
	AttrStrategy    = attribute.Key("checkout.strategy")
	AttrResult      = attribute.Key("result")
	AttrStatus      = attribute.Key("payment.status")
	AttrReason      = attribute.Key("reason")
	AttrOperation   = attribute.Key("operation")
	AttrBackend     = attribute.Key("store.backend")
	AttrOutcome     = attribute.Key("recovery.outcome")
)

// Result values.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultSkipped = "skipped"
)

// Recovery outcomes.
const (
	OutcomeResumed = "resumed"
	OutcomeExpired = "expired"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
)

// StrategyAttributes returns attributes for checkout attempt metrics.
func StrategyAttributes(environment, strategy, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrStrategy.String(strategy),
		AttrResult.String(result),
	}
}

// TransitionAttributes returns attributes for status transition metrics.
func TransitionAttributes(environment, status, reason string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrStatus.String(status),
	}
	if reason != "" {
		attrs = append(attrs, AttrReason.String(reason))
	}
	return attrs
}

// StoreAttributes returns attributes for snapshot store metrics.
func StoreAttributes(environment, backend, operation string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrBackend.String(backend),
		AttrOperation.String(operation),
	}
}
