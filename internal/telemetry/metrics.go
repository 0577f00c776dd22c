package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Instrument names.
const (
	MetricCheckoutAttempts         = "checkout.attempts"
	MetricCheckoutAttemptDuration  = "checkout.attempt.duration"
	MetricCheckoutExhausted        = "checkout.exhausted"
	MetricPollerTicks              = "poller.ticks"
	MetricPollerQueryDuration      = "poller.query.duration"
	MetricPollerTransitions        = "poller.transitions"
	MetricPollerActive             = "poller.active"
	MetricRecoverySessions         = "recovery.sessions"
	MetricRecoveryDuration         = "recovery.duration"
	MetricStatusStoreDegraded      = "statusstore.degraded"
	MetricStatusStoreSweptSessions = "statusstore.swept"
)

// Metrics bundles the instruments recorded by the checkout and reconciliation components.
// A nil *Metrics records nothing.
type Metrics struct {
	attempts        metric.Int64Counter
	attemptDuration metric.Float64Histogram
	exhausted       metric.Int64Counter
	ticks           metric.Int64Counter
	queryDuration   metric.Float64Histogram
	transitions     metric.Int64Counter
	active          metric.Int64UpDownCounter
	recovery        metric.Int64Counter
	recoveryTime    metric.Float64Histogram
	degraded        metric.Int64Counter
	swept           metric.Int64Counter
}

// NewMetrics registers the paywatch instruments on meter. A nil meter uses the global provider.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter("paywatch")
	}
	m := new(Metrics)
	var err error
	if m.attempts, err = meter.Int64Counter(MetricCheckoutAttempts,
		metric.WithDescription("Checkout attempts by strategy and result"),
		metric.WithUnit("{attempt}")); err != nil {
		return nil, fmt.Errorf("create %s: %w", MetricCheckoutAttempts, err)
	}
	if m.attemptDuration, err = meter.Float64Histogram(MetricCheckoutAttemptDuration,
		metric.WithDescription("Checkout attempt duration"),
		metric.WithUnit("ms")); err != nil {
		return nil, fmt.Errorf("create %s: %w", MetricCheckoutAttemptDuration, err)
	}
	if m.exhausted, err = meter.Int64Counter(MetricCheckoutExhausted,
		metric.WithDescription("Dispatches where every strategy failed"),
		metric.WithUnit("{dispatch}")); err != nil {
		return nil, fmt.Errorf("create %s: %w", MetricCheckoutExhausted, err)
	}
	if m.ticks, err = meter.Int64Counter(MetricPollerTicks,
		metric.WithDescription("Status poll ticks by result"),
		metric.WithUnit("{tick}")); err != nil {
		return nil, fmt.Errorf("create %s: %w", MetricPollerTicks, err)
	}
	if m.queryDuration, err = meter.Float64Histogram(MetricPollerQueryDuration,
		metric.WithDescription("Status query duration"),
		metric.WithUnit("ms")); err != nil {
		return nil, fmt.Errorf("create %s: %w", MetricPollerQueryDuration, err)
	}
	if m.transitions, err = meter.Int64Counter(MetricPollerTransitions,
		metric.WithDescription("Canonical status transitions"),
		metric.WithUnit("{transition}")); err != nil {
		return nil, fmt.Errorf("create %s: %w", MetricPollerTransitions, err)
	}
	if m.active, err = meter.Int64UpDownCounter(MetricPollerActive,
		metric.WithDescription("Pollers currently running"),
		metric.WithUnit("{poller}")); err != nil {
		return nil, fmt.Errorf("create %s: %w", MetricPollerActive, err)
	}
	if m.recovery, err = meter.Int64Counter(MetricRecoverySessions,
		metric.WithDescription("Sessions handled by recovery scans by outcome"),
		metric.WithUnit("{session}")); err != nil {
		return nil, fmt.Errorf("create %s: %w", MetricRecoverySessions, err)
	}
	if m.recoveryTime, err = meter.Float64Histogram(MetricRecoveryDuration,
		metric.WithDescription("Recovery scan duration"),
		metric.WithUnit("ms")); err != nil {
		return nil, fmt.Errorf("create %s: %w", MetricRecoveryDuration, err)
	}
	if m.degraded, err = meter.Int64Counter(MetricStatusStoreDegraded,
		metric.WithDescription("Snapshot store operations served from the in-memory mirror"),
		metric.WithUnit("{operation}")); err != nil {
		return nil, fmt.Errorf("create %s: %w", MetricStatusStoreDegraded, err)
	}
	if m.swept, err = meter.Int64Counter(MetricStatusStoreSweptSessions,
		metric.WithDescription("Expired snapshots removed by sweeps"),
		metric.WithUnit("{snapshot}")); err != nil {
		return nil, fmt.Errorf("create %s: %w", MetricStatusStoreSweptSessions, err)
	}
	return m, nil
}

// CheckoutAttempt records one dispatch attempt.
func (m *Metrics) CheckoutAttempt(ctx context.Context, strategy string, success bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := ResultSuccess
	if !success {
		result = ResultError
	}
	attrs := metric.WithAttributes(StrategyAttributes(Environment(), strategy, result)...)
	m.attempts.Add(ctx, 1, attrs)
	m.attemptDuration.Record(ctx, millis(elapsed), attrs)
}

// CheckoutExhausted records a dispatch where every strategy failed.
func (m *Metrics) CheckoutExhausted(ctx context.Context) {
	if m == nil {
		return
	}
	m.exhausted.Add(ctx, 1, metric.WithAttributes(AttrEnvironment.String(Environment())))
}

// PollerTick records one status query and its outcome.
func (m *Metrics) PollerTick(ctx context.Context, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrEnvironment.String(Environment()), AttrResult.String(result))
	m.ticks.Add(ctx, 1, attrs)
	if result != ResultSkipped {
		m.queryDuration.Record(ctx, millis(elapsed), attrs)
	}
}

// PollerTransition records a canonical status change.
func (m *Metrics) PollerTransition(ctx context.Context, status, reason string) {
	if m == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(TransitionAttributes(Environment(), status, reason)...))
}

// PollerActive adjusts the running poller gauge.
func (m *Metrics) PollerActive(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.active.Add(ctx, delta, metric.WithAttributes(AttrEnvironment.String(Environment())))
}

// RecoverySession records how a recovery scan handled one session.
func (m *Metrics) RecoverySession(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.recovery.Add(ctx, 1, metric.WithAttributes(AttrEnvironment.String(Environment()), AttrOutcome.String(outcome)))
}

// RecoveryScan records the duration of a full recovery scan.
func (m *Metrics) RecoveryScan(ctx context.Context, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.recoveryTime.Record(ctx, millis(elapsed), metric.WithAttributes(AttrEnvironment.String(Environment())))
}

// StoreDegraded records a backend failure absorbed by the in-memory mirror.
func (m *Metrics) StoreDegraded(ctx context.Context, backend, operation string) {
	if m == nil {
		return
	}
	m.degraded.Add(ctx, 1, metric.WithAttributes(StoreAttributes(Environment(), backend, operation)...))
}

// StoreSwept records expired snapshots removed by a sweep.
func (m *Metrics) StoreSwept(ctx context.Context, backend string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.swept.Add(ctx, int64(count), metric.WithAttributes(StoreAttributes(Environment(), backend, "sweep")...))
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
