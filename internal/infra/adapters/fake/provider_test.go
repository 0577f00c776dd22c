package fake

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/coachpo/paywatch/errs"
	"github.com/coachpo/paywatch/internal/infra/config"
	"github.com/coachpo/paywatch/internal/provider"
)

func TestCreateCheckoutAndDefaultScript(t *testing.T) {
	p := New(Options{})
	ctx := context.Background()
	session, err := p.CreateCheckout(ctx, provider.CheckoutRequest{ProductID: "sku"}, "json-body")
	if err != nil {
		t.Fatalf("CreateCheckout: %v", err)
	}
	if !session.Valid() || session.Strategy != "json-body" {
		t.Fatalf("unexpected session %+v", session)
	}
	want := []string{"PENDING", "PENDING", "TRADE_SUCCESS", "TRADE_SUCCESS"}
	for i, w := range want {
		got, err := p.QueryStatus(ctx, session.SessionID, "")
		if err != nil {
			t.Fatalf("query %d: %v", i, err)
		}
		if got != w {
			t.Fatalf("query %d: got %q want %q", i, got, w)
		}
	}
	if p.QueryCalls(session.SessionID) != len(want) {
		t.Fatalf("unexpected query count %d", p.QueryCalls(session.SessionID))
	}
}

func TestFailVariant(t *testing.T) {
	p := New(Options{})
	p.FailVariant("json-body", errors.New("boom"))
	_, err := p.CreateCheckout(context.Background(), provider.CheckoutRequest{}, "json-body")
	if !errs.IsCanonical(err, errs.CanonicalTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	p.FailVariant("json-body", nil)
	if _, err := p.CreateCheckout(context.Background(), provider.CheckoutRequest{}, "json-body"); err != nil {
		t.Fatalf("expected variant restored: %v", err)
	}
	if p.CreateCalls("json-body") != 2 || p.TotalCreateCalls() != 2 || p.Sessions() != 1 {
		t.Fatalf("unexpected call accounting")
	}
	if _, err := p.CreateCheckout(context.Background(), provider.CheckoutRequest{}, "carrier-pigeon"); err == nil {
		t.Fatalf("expected unknown variant error")
	}
}

func TestFailQueries(t *testing.T) {
	p := New(Options{})
	p.ScriptStatus("cs_1", "PAID")
	p.FailQueries("cs_1", 2)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := p.QueryStatus(ctx, "cs_1", ""); err == nil {
			t.Fatalf("query %d: expected injected fault", i)
		}
	}
	if got, err := p.QueryStatus(ctx, "cs_1", ""); err != nil || got != "PAID" {
		t.Fatalf("expected PAID after faults, got %q %v", got, err)
	}
}

func TestLatencyHonoursContext(t *testing.T) {
	p := New(Options{Latency: time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := p.QueryStatus(ctx, "cs", ""); !errs.IsCanonical(err, errs.CanonicalTransport) {
		t.Fatalf("expected timeout surfaced as transport error, got %v", err)
	}
}

func TestRegisterFactory(t *testing.T) {
	reg := provider.NewRegistry()
	RegisterFactory(reg)
	client, err := reg.Create(context.Background(), config.ProviderConfig{Kind: "fake", Variants: []string{"only"}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if v := client.Variants(); len(v) != 1 || v[0] != "only" {
		t.Fatalf("unexpected variants %v", v)
	}
}
