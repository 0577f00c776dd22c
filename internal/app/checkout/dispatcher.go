// Package checkout creates provider checkout sessions, falling back across calling conventions.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/coachpo/paywatch/errs"
	"github.com/coachpo/paywatch/internal/domain/payment"
	"github.com/coachpo/paywatch/internal/observability"
	"github.com/coachpo/paywatch/internal/provider"
	"github.com/coachpo/paywatch/internal/telemetry"
)

// DefaultAttemptTimeout bounds a single checkout attempt.
const DefaultAttemptTimeout = 10 * time.Second

// Ranker orders strategies and absorbs attempt outcomes.
type Ranker interface {
	Rank() []string
	Record(attempt payment.CheckoutAttempt)
}

// Options configures a Dispatcher.
type Options struct {
	Policy         provider.CredentialPolicy
	AttemptTimeout time.Duration
	Clock          func() time.Time
	Logger         observability.Logger
	Metrics        *telemetry.Metrics
}

// Dispatcher creates checkout sessions one strategy at a time.
type Dispatcher struct {
	client   provider.Client
	selector Ranker
	policy   provider.CredentialPolicy
	timeout  time.Duration
	clock    func() time.Time
	logger   observability.Logger
	metrics  *telemetry.Metrics
}

// NewDispatcher wires a provider client to a strategy ranker.
func NewDispatcher(client provider.Client, selector Ranker, opts Options) *Dispatcher {
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = DefaultAttemptTimeout
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Dispatcher{
		client:   client,
		selector: selector,
		policy:   opts.Policy,
		timeout:  opts.AttemptTimeout,
		clock:    opts.Clock,
		logger:   observability.Or(opts.Logger),
		metrics:  opts.Metrics,
	}
}

// CreateCheckout tries every ranked strategy in order and returns the first session created.
// Malformed credentials fail before any network call. When every strategy fails the error
// carries CanonicalStrategiesExhausted and unwraps to *ExhaustedError.
func (d *Dispatcher) CreateCheckout(ctx context.Context, productID, credential string) (provider.Session, error) {
	if err := d.policy.Validate(credential); err != nil {
		return provider.Session{}, err
	}
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return provider.Session{}, errs.New("checkout", errs.CodeInvalid, errs.WithMessage("product id required"))
	}
	strategies := d.selector.Rank()
	if len(strategies) == 0 {
		return provider.Session{}, errs.New("checkout", errs.CodeInvalid, errs.WithMessage("no checkout strategies registered"))
	}

	// One key per dispatch so a provider that honours it collapses retried creations.
	req := provider.CheckoutRequest{
		ProductID:      productID,
		Credential:     credential,
		IdempotencyKey: uuid.NewString(),
	}
	hint := provider.Redact(credential)
	failures := make([]StrategyFailure, 0, len(strategies))
	for _, strategy := range strategies {
		if err := ctx.Err(); err != nil {
			return provider.Session{}, fmt.Errorf("checkout aborted after %d attempts: %w", len(failures), err)
		}
		session, elapsed, err := d.attempt(ctx, req, strategy)
		d.record(ctx, strategy, elapsed, err)
		if err == nil {
			d.logger.Info("checkout created",
				observability.F("strategy", strategy),
				observability.F("session_id", session.SessionID),
				observability.F("product_id", productID),
				observability.F("credential", hint),
				observability.F("duration_ms", elapsed.Milliseconds()))
			return session, nil
		}
		d.logger.Warn("checkout strategy failed",
			observability.F("strategy", strategy),
			observability.F("product_id", productID),
			observability.F("credential", hint),
			observability.F("error", err))
		failures = append(failures, StrategyFailure{Strategy: strategy, Err: err})
	}

	d.metrics.CheckoutExhausted(ctx)
	exhausted := &ExhaustedError{Failures: failures}
	return provider.Session{}, errs.New("checkout", errs.CodeProvider,
		errs.WithMessage(fmt.Sprintf("all %d checkout strategies failed", len(failures))),
		errs.WithCanonicalCode(errs.CanonicalStrategiesExhausted),
		errs.WithRemediation("retry the checkout later"),
		errs.WithCause(exhausted))
}

func (d *Dispatcher) attempt(ctx context.Context, req provider.CheckoutRequest, strategy string) (provider.Session, time.Duration, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	start := d.clock()
	session, err := d.client.CreateCheckout(attemptCtx, req, strategy)
	elapsed := d.clock().Sub(start)
	if err != nil {
		return provider.Session{}, elapsed, err
	}
	if !session.Valid() {
		return provider.Session{}, elapsed, errs.New("checkout", errs.CodeProvider,
			errs.WithMessage("provider returned an incomplete session"),
			errs.WithCanonicalCode(errs.CanonicalTransport))
	}
	if session.Strategy == "" {
		session.Strategy = strategy
	}
	return session, elapsed, nil
}

func (d *Dispatcher) record(ctx context.Context, strategy string, elapsed time.Duration, err error) {
	attempt := payment.CheckoutAttempt{
		Strategy:       strategy,
		Success:        err == nil,
		DurationMillis: elapsed.Milliseconds(),
		Timestamp:      d.clock().UTC(),
	}
	if err != nil {
		attempt.ErrorMessage = err.Error()
	}
	d.selector.Record(attempt)
	d.metrics.CheckoutAttempt(ctx, strategy, err == nil, elapsed)
}

// StrategyFailure pairs a strategy with the error it produced.
type StrategyFailure struct {
	Strategy string
	Err      error
}

// ExhaustedError lists one failure per strategy attempted, in attempt order.
type ExhaustedError struct {
	Failures []StrategyFailure
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, f.Strategy+": "+f.Err.Error())
	}
	return "strategies exhausted: " + strings.Join(parts, "; ")
}

// Unwrap exposes every per-strategy error.
func (e *ExhaustedError) Unwrap() []error {
	out := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		out = append(out, f.Err)
	}
	return out
}

// Last returns the final strategy error.
func (e *ExhaustedError) Last() error {
	if len(e.Failures) == 0 {
		return nil
	}
	return e.Failures[len(e.Failures)-1].Err
}

// AsExhausted extracts the per-strategy failures from a dispatch error.
func AsExhausted(err error) (*ExhaustedError, bool) {
	var exhausted *ExhaustedError
	if errors.As(err, &exhausted) {
		return exhausted, true
	}
	return nil, false
}
