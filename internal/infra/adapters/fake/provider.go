// Package fake provides an in-memory payment provider with scripted behaviour.
package fake

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coachpo/paywatch/errs"
	"github.com/coachpo/paywatch/internal/provider"
)

// DefaultVariants mirrors the calling conventions of the HTTP provider.
var DefaultVariants = []string{"json-body", "form-body", "query-string", "bearer-json"}

// DefaultStatusScript walks a session from pending to paid over three polls.
var DefaultStatusScript = []string{"PENDING", "PENDING", "TRADE_SUCCESS"}

// Options configures the fake provider.
type Options struct {
	Variants     []string
	Latency      time.Duration
	AmountMinor  int64
	Currency     string
	StatusScript []string
}

// Provider is a scripted provider.Client. It is safe for concurrent use.
type Provider struct {
	mu          sync.Mutex
	opts        Options
	failing     map[string]error
	scripts     map[string][]string
	queryFaults map[string]int
	createCalls map[string]int
	queryCalls  map[string]int
	sessions    map[string]provider.Session
}

// New constructs a fake provider.
func New(opts Options) *Provider {
	if len(opts.Variants) == 0 {
		opts.Variants = append([]string(nil), DefaultVariants...)
	}
	if opts.StatusScript == nil {
		opts.StatusScript = DefaultStatusScript
	}
	if opts.Currency == "" {
		opts.Currency = "CNY"
	}
	if opts.AmountMinor == 0 {
		opts.AmountMinor = 1990
	}
	return &Provider{
		opts:        opts,
		failing:     make(map[string]error),
		scripts:     make(map[string][]string),
		queryFaults: make(map[string]int),
		createCalls: make(map[string]int),
		queryCalls:  make(map[string]int),
		sessions:    make(map[string]provider.Session),
	}
}

// Variants implements provider.Client.
func (p *Provider) Variants() []string {
	return append([]string(nil), p.opts.Variants...)
}

// FailVariant makes every checkout through variant fail with err. A nil err restores the variant.
func (p *Provider) FailVariant(variant string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.failing, variant)
		return
	}
	p.failing[variant] = err
}

// ScriptStatus replaces the raw statuses returned for sessionID. The last status repeats.
func (p *Provider) ScriptStatus(sessionID string, statuses ...string) {
	p.mu.Lock()
	p.scripts[sessionID] = append([]string(nil), statuses...)
	p.mu.Unlock()
}

// FailQueries makes the next n status queries for sessionID fail. A negative n fails forever.
func (p *Provider) FailQueries(sessionID string, n int) {
	p.mu.Lock()
	p.queryFaults[sessionID] = n
	p.mu.Unlock()
}

// CreateCheckout implements provider.Client.
func (p *Provider) CreateCheckout(ctx context.Context, req provider.CheckoutRequest, variant string) (provider.Session, error) {
	if err := p.wait(ctx); err != nil {
		return provider.Session{}, transportError("create checkout", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.createCalls[variant]++
	if !p.knownVariant(variant) {
		return provider.Session{}, errs.New("fake", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("unknown variant %q", variant)))
	}
	if err := p.failing[variant]; err != nil {
		return provider.Session{}, transportError("create checkout via "+variant, err)
	}
	id := "cs_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	session := provider.Session{
		SessionID:   id,
		PaymentURL:  "https://pay.fake.local/checkout/" + id,
		QRPayload:   "fakepay://" + id,
		AmountMinor: p.opts.AmountMinor,
		Currency:    p.opts.Currency,
		Strategy:    variant,
	}
	p.sessions[id] = session
	if _, scripted := p.scripts[id]; !scripted {
		p.scripts[id] = append([]string(nil), p.opts.StatusScript...)
	}
	return session, nil
}

// QueryStatus implements provider.Client.
func (p *Provider) QueryStatus(ctx context.Context, sessionID, credential string) (string, error) {
	if err := p.wait(ctx); err != nil {
		return "", transportError("query status", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queryCalls[sessionID]++
	if faults := p.queryFaults[sessionID]; faults != 0 {
		if faults > 0 {
			p.queryFaults[sessionID] = faults - 1
		}
		return "", transportError("query status", fmt.Errorf("injected fault for %s", sessionID))
	}
	script := p.scripts[sessionID]
	if len(script) == 0 {
		return "PENDING", nil
	}
	status := script[0]
	if len(script) > 1 {
		p.scripts[sessionID] = script[1:]
	}
	return status, nil
}

// CreateCalls returns how many checkout attempts used variant.
func (p *Provider) CreateCalls(variant string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.createCalls[variant]
}

// TotalCreateCalls returns the number of checkout attempts across all variants.
func (p *Provider) TotalCreateCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, n := range p.createCalls {
		total += n
	}
	return total
}

// QueryCalls returns how many status queries hit sessionID.
func (p *Provider) QueryCalls(sessionID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queryCalls[sessionID]
}

// Sessions returns the number of sessions created.
func (p *Provider) Sessions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

func (p *Provider) knownVariant(variant string) bool {
	for _, v := range p.opts.Variants {
		if v == variant {
			return true
		}
	}
	return false
}

func (p *Provider) wait(ctx context.Context) error {
	if p.opts.Latency <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(p.opts.Latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func transportError(op string, err error) error {
	return errs.New("fake", errs.CodeNetwork,
		errs.WithMessage(op+" failed"),
		errs.WithCanonicalCode(errs.CanonicalTransport),
		errs.WithCause(err))
}

var _ provider.Client = (*Provider)(nil)
