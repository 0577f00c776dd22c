// Package httpprovider implements the payment provider over HTTP with pluggable calling conventions.
package httpprovider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/coachpo/paywatch/errs"
	"github.com/coachpo/paywatch/internal/infra/config"
	"github.com/coachpo/paywatch/internal/provider"
)

const (
	providerName       = "httpprovider"
	maxErrorBodyBytes  = 4 << 10
	defaultTimeout     = 10 * time.Second
	idempotencyHeader  = "Idempotency-Key"
	sessionPlaceholder = "{id}"

	defaultCheckoutPath = "/v1/checkout/sessions"
	defaultStatusPath   = "/v1/checkout/sessions/" + sessionPlaceholder
)

// Provider is a provider.Client speaking HTTP.
type Provider struct {
	baseURL      *url.URL
	checkoutPath string
	statusPath   string
	headers      map[string]string
	client       *http.Client
	limiter      *rate.Limiter
	variants     map[string]Variant
	order        []string
}

// Option customises the provider.
type Option func(*Provider)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Provider) {
		if client != nil {
			p.client = client
		}
	}
}

// WithVariant registers an additional calling convention after the configured ones.
func WithVariant(v Variant) Option {
	return func(p *Provider) {
		if v == nil {
			return
		}
		if _, exists := p.variants[v.Name()]; !exists {
			p.order = append(p.order, v.Name())
		}
		p.variants[v.Name()] = v
	}
}

// New builds a provider from configuration. Configured variants keep their order, scripts follow.
func New(cfg config.ProviderConfig, opts ...Option) (*Provider, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("httpprovider: invalid base url %q", cfg.BaseURL)
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	p := &Provider{
		baseURL:      base,
		checkoutPath: cfg.CheckoutPath,
		statusPath:   cfg.StatusPath,
		headers:      cfg.Headers,
		client:       &http.Client{Timeout: timeout},
		variants:     make(map[string]Variant),
	}
	if strings.TrimSpace(p.checkoutPath) == "" {
		p.checkoutPath = defaultCheckoutPath
	}
	if strings.TrimSpace(p.statusPath) == "" {
		p.statusPath = defaultStatusPath
	}
	if cfg.StatusRateLimit > 0 {
		burst := cfg.StatusBurst
		if burst <= 0 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(cfg.StatusRateLimit), burst)
	}

	names := cfg.Variants
	if len(names) == 0 && len(cfg.Scripts) == 0 {
		names = BuiltinVariants
	}
	for _, name := range names {
		v, err := lookupBuiltin(name)
		if err != nil {
			return nil, err
		}
		WithVariant(v)(p)
	}
	for _, script := range cfg.Scripts {
		var v *ScriptVariant
		if strings.TrimSpace(script.File) != "" {
			v, err = LoadScriptVariant(script.Name, script.File)
		} else {
			v, err = NewScriptVariant(script.Name, script.Source)
		}
		if err != nil {
			return nil, err
		}
		WithVariant(v)(p)
	}
	for _, opt := range opts {
		opt(p)
	}
	if len(p.order) == 0 {
		return nil, fmt.Errorf("httpprovider: no calling conventions configured")
	}
	return p, nil
}

// Variants implements provider.Client.
func (p *Provider) Variants() []string {
	return append([]string(nil), p.order...)
}

// CreateCheckout implements provider.Client.
func (p *Provider) CreateCheckout(ctx context.Context, req provider.CheckoutRequest, variant string) (provider.Session, error) {
	v, ok := p.variants[variant]
	if !ok {
		return provider.Session{}, errs.New(providerName, errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("unknown variant %q", variant)))
	}
	key := req.IdempotencyKey
	if key == "" {
		key = uuid.NewString()
	}
	spec, err := v.Build(BuildInput{
		ProductID:      req.ProductID,
		Credential:     req.Credential,
		IdempotencyKey: key,
		Metadata:       req.Metadata,
		CheckoutPath:   p.checkoutPath,
	})
	if err != nil {
		return provider.Session{}, errs.New(providerName, errs.CodeInvalid,
			errs.WithMessage("build request via "+variant),
			errs.WithCanonicalCode(errs.CanonicalTransport),
			errs.WithCause(err))
	}
	spec, err = spec.normalise(p.checkoutPath)
	if err != nil {
		return provider.Session{}, errs.New(providerName, errs.CodeInvalid,
			errs.WithMessage("build request via "+variant),
			errs.WithCanonicalCode(errs.CanonicalTransport),
			errs.WithCause(err))
	}
	httpReq, err := p.newRequest(ctx, spec)
	if err != nil {
		return provider.Session{}, transportError("create checkout", err)
	}
	httpReq.Header.Set(idempotencyHeader, key)

	fields, err := p.do(httpReq)
	if err != nil {
		return provider.Session{}, err
	}
	session := decodeSession(fields)
	session.Strategy = variant
	if !session.Valid() {
		return provider.Session{}, errs.New(providerName, errs.CodeProvider,
			errs.WithMessage("checkout response missing session id or payment target"),
			errs.WithCanonicalCode(errs.CanonicalTransport))
	}
	return session, nil
}

// QueryStatus implements provider.Client.
func (p *Provider) QueryStatus(ctx context.Context, sessionID, credential string) (string, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return "", transportError("status rate limit", err)
		}
	}
	path := strings.ReplaceAll(p.statusPath, sessionPlaceholder, url.PathEscape(sessionID))
	httpReq, err := p.newRequest(ctx, RequestSpec{Method: http.MethodGet, Path: path})
	if err != nil {
		return "", transportError("query status", err)
	}
	if credential != "" {
		httpReq.Header.Set("Authorization", "Bearer "+credential)
	}
	fields, err := p.do(httpReq)
	if err != nil {
		return "", err
	}
	status := firstString(fields, "status", "trade_status", "tradeStatus", "state")
	if status == "" {
		return "", errs.New(providerName, errs.CodeProvider,
			errs.WithMessage("status response missing status"),
			errs.WithCanonicalCode(errs.CanonicalTransport))
	}
	return status, nil
}

func (p *Provider) newRequest(ctx context.Context, spec RequestSpec) (*http.Request, error) {
	target := *p.baseURL
	target.Path = strings.TrimRight(p.baseURL.Path, "/") + spec.Path
	if len(spec.Query) > 0 {
		params := url.Values{}
		for k, v := range spec.Query {
			params.Set(k, v)
		}
		target.RawQuery = params.Encode()
	}

	var (
		body        io.Reader
		contentType string
	)
	switch {
	case len(spec.JSON) > 0:
		raw, err := json.Marshal(spec.JSON)
		if err != nil {
			return nil, fmt.Errorf("encode json body: %w", err)
		}
		body = bytes.NewReader(raw)
		contentType = "application/json"
	case len(spec.Form) > 0:
		form := url.Values{}
		for k, v := range spec.Form {
			form.Set(k, v)
		}
		body = strings.NewReader(form.Encode())
		contentType = "application/x-www-form-urlencoded"
	}

	req, err := http.NewRequestWithContext(ctx, spec.Method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range p.headers {
		req.Header.Set(k, v)
	}
	for k, v := range spec.Headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

func (p *Provider) do(req *http.Request) (map[string]any, error) {
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, transportError(req.Method+" "+req.URL.Path, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		code := errs.CodeNetwork
		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			code = errs.CodeAuth
		case resp.StatusCode == http.StatusTooManyRequests:
			code = errs.CodeRateLimited
		}
		return nil, errs.New(providerName, code,
			errs.WithHTTP(resp.StatusCode),
			errs.WithMessage(req.Method+" "+req.URL.Path+" rejected"),
			errs.WithRawMessage(strings.TrimSpace(string(body))),
			errs.WithCanonicalCode(errs.CanonicalTransport))
	}
	decoder := json.NewDecoder(resp.Body)
	decoder.UseNumber()
	var payload map[string]any
	if err := decoder.Decode(&payload); err != nil {
		return nil, errs.New(providerName, errs.CodeProvider,
			errs.WithMessage("decode response"),
			errs.WithCanonicalCode(errs.CanonicalTransport),
			errs.WithCause(err))
	}
	if data, ok := payload["data"].(map[string]any); ok {
		for k, v := range data {
			if _, exists := payload[k]; !exists {
				payload[k] = v
			}
		}
	}
	return payload, nil
}

func transportError(op string, err error) error {
	return errs.New(providerName, errs.CodeNetwork,
		errs.WithMessage(op+" failed"),
		errs.WithCanonicalCode(errs.CanonicalTransport),
		errs.WithCause(err))
}

var _ provider.Client = (*Provider)(nil)
