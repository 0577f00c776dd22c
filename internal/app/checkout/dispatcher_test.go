package checkout

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/coachpo/paywatch/errs"
	"github.com/coachpo/paywatch/internal/app/strategy"
	"github.com/coachpo/paywatch/internal/infra/adapters/fake"
	"github.com/coachpo/paywatch/internal/provider"
)

const credential = "sk_live_0123456789"

func newDispatcher(p *fake.Provider) (*Dispatcher, *strategy.Selector) {
	selector := strategy.NewSelector(p.Variants())
	policy := provider.CredentialPolicy{Prefixes: []string{"sk_"}, MinLength: 8}
	return NewDispatcher(p, selector, Options{Policy: policy, AttemptTimeout: time.Second}), selector
}

func TestCreateCheckoutSingleCallWhenTopStrategySucceeds(t *testing.T) {
	p := fake.New(fake.Options{})
	d, selector := newDispatcher(p)

	session, err := d.CreateCheckout(context.Background(), "pro-monthly", credential)
	if err != nil {
		t.Fatalf("CreateCheckout: %v", err)
	}
	if session.Strategy != fake.DefaultVariants[0] {
		t.Fatalf("expected first variant, got %s", session.Strategy)
	}
	if p.TotalCreateCalls() != 1 || p.Sessions() != 1 {
		t.Fatalf("expected exactly one provider call, got %d", p.TotalCreateCalls())
	}
	ledger := selector.Ledger()
	if len(ledger) != 1 || !ledger[0].Success {
		t.Fatalf("expected one successful attempt recorded, got %+v", ledger)
	}
}

func TestCreateCheckoutFallsBack(t *testing.T) {
	p := fake.New(fake.Options{})
	p.FailVariant("json-body", errors.New("415 unsupported media type"))
	d, selector := newDispatcher(p)

	session, err := d.CreateCheckout(context.Background(), "pro-monthly", credential)
	if err != nil {
		t.Fatalf("CreateCheckout: %v", err)
	}
	if session.Strategy != "form-body" {
		t.Fatalf("expected fallback to form-body, got %s", session.Strategy)
	}
	if p.TotalCreateCalls() != 2 {
		t.Fatalf("expected two provider calls, got %d", p.TotalCreateCalls())
	}
	if best, _ := selector.Best(); best != "form-body" {
		t.Fatalf("expected form-body to rank first after fallback, got %s", best)
	}

	// The next dispatch starts from the new leader.
	if _, err := d.CreateCheckout(context.Background(), "pro-monthly", credential); err != nil {
		t.Fatalf("second CreateCheckout: %v", err)
	}
	if p.CreateCalls("json-body") != 1 {
		t.Fatalf("failing strategy retried first: %d calls", p.CreateCalls("json-body"))
	}
}

func TestCreateCheckoutExhausted(t *testing.T) {
	p := fake.New(fake.Options{})
	for _, v := range p.Variants() {
		p.FailVariant(v, errors.New("rejected "+v))
	}
	d, selector := newDispatcher(p)

	_, err := d.CreateCheckout(context.Background(), "pro-monthly", credential)
	if !errs.IsCanonical(err, errs.CanonicalStrategiesExhausted) {
		t.Fatalf("expected strategies exhausted, got %v", err)
	}
	exhausted, ok := AsExhausted(err)
	if !ok {
		t.Fatalf("expected ExhaustedError in chain")
	}
	if len(exhausted.Failures) != len(p.Variants()) {
		t.Fatalf("expected %d failures, got %d", len(p.Variants()), len(exhausted.Failures))
	}
	for i, f := range exhausted.Failures {
		if f.Strategy != p.Variants()[i] || f.Err == nil {
			t.Fatalf("failure %d out of order: %+v", i, f)
		}
	}
	if !errs.IsCanonical(exhausted.Last(), errs.CanonicalTransport) {
		t.Fatalf("expected last failure to be a transport error")
	}
	if len(selector.Ledger()) != len(p.Variants()) {
		t.Fatalf("expected every attempt recorded")
	}
}

func TestInvalidCredentialMakesNoCalls(t *testing.T) {
	p := fake.New(fake.Options{})
	d, selector := newDispatcher(p)
	for _, bad := range []string{"", "pk_live_0123456789", "sk_1", "sk_live 0123"} {
		_, err := d.CreateCheckout(context.Background(), "pro-monthly", bad)
		if !errs.IsCanonical(err, errs.CanonicalInvalidCredential) {
			t.Fatalf("credential %q: expected invalid credential, got %v", bad, err)
		}
	}
	if p.TotalCreateCalls() != 0 || len(selector.Ledger()) != 0 {
		t.Fatalf("invalid credentials must not reach the provider")
	}
}

func TestEmptyProductRejected(t *testing.T) {
	p := fake.New(fake.Options{})
	d, _ := newDispatcher(p)
	if _, err := d.CreateCheckout(context.Background(), "  ", credential); errs.CodeOf(err) != errs.CodeInvalid {
		t.Fatalf("expected invalid request, got %v", err)
	}
}

func TestAttemptTimeoutCountsAsFailure(t *testing.T) {
	p := fake.New(fake.Options{Latency: 200 * time.Millisecond})
	selector := strategy.NewSelector(p.Variants()[:2])
	d := NewDispatcher(p, selector, Options{AttemptTimeout: 10 * time.Millisecond})

	_, err := d.CreateCheckout(context.Background(), "pro-monthly", credential)
	exhausted, ok := AsExhausted(err)
	if !ok || len(exhausted.Failures) != 2 {
		t.Fatalf("expected two timed-out attempts, got %v", err)
	}
}

func TestCancelledContextStopsFallback(t *testing.T) {
	p := fake.New(fake.Options{})
	d, _ := newDispatcher(p)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := d.CreateCheckout(ctx, "pro-monthly", credential)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
	if p.TotalCreateCalls() != 0 {
		t.Fatalf("expected no calls after cancellation")
	}
}
