package httpprovider

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/paywatch/errs"
	"github.com/coachpo/paywatch/internal/infra/config"
	"github.com/coachpo/paywatch/internal/provider"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc, mutate func(*config.ProviderConfig)) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := config.ProviderConfig{Kind: config.ProviderHTTP, BaseURL: srv.URL}
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := New(cfg)
	require.NoError(t, err)
	return p
}

func TestDefaultVariantOrder(t *testing.T) {
	p := newTestProvider(t, func(http.ResponseWriter, *http.Request) {}, nil)
	assert.Equal(t, BuiltinVariants, p.Variants())
}

func TestJSONBodyVariant(t *testing.T) {
	var got map[string]any
	var idem string
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/checkout/sessions", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		idem = r.Header.Get("Idempotency-Key")
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = io.WriteString(w, `{"data":{"session_id":"cs_1","payment_url":"https://pay/cs_1","amount":"19.90","currency":"cny"}}`)
	}, nil)

	session, err := p.CreateCheckout(context.Background(), provider.CheckoutRequest{
		ProductID:  "pro-monthly",
		Credential: "sk_live_abcdef123",
	}, VariantJSONBody)
	require.NoError(t, err)
	assert.Equal(t, "cs_1", session.SessionID)
	assert.Equal(t, "https://pay/cs_1", session.PaymentURL)
	assert.Equal(t, int64(1990), session.AmountMinor)
	assert.Equal(t, "CNY", session.Currency)
	assert.Equal(t, VariantJSONBody, session.Strategy)
	assert.Equal(t, "pro-monthly", got["product_id"])
	assert.Equal(t, "sk_live_abcdef123", got["api_key"])
	assert.NotEmpty(t, idem)
}

func TestFormAndQueryVariants(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "sku", r.Form.Get("product_id"))
		assert.Equal(t, "sk_x", r.Form.Get("api_key"))
		_, _ = io.WriteString(w, `{"id":"cs_2","qr_code":"weixin://cs_2","amount_minor":500}`)
	}, nil)
	for _, variant := range []string{VariantFormBody, VariantQueryString} {
		session, err := p.CreateCheckout(context.Background(), provider.CheckoutRequest{ProductID: "sku", Credential: "sk_x"}, variant)
		require.NoError(t, err, variant)
		assert.Equal(t, "cs_2", session.SessionID)
		assert.Equal(t, "weixin://cs_2", session.QRPayload)
		assert.Equal(t, int64(500), session.AmountMinor)
	}
}

func TestBearerVariantSendsAuthorization(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk_token", r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, `{"sessionId":"cs_3","paymentUrl":"https://pay/cs_3"}`)
	}, nil)
	session, err := p.CreateCheckout(context.Background(), provider.CheckoutRequest{ProductID: "sku", Credential: "sk_token"}, VariantBearerJSON)
	require.NoError(t, err)
	assert.Equal(t, "cs_3", session.SessionID)
}

func TestScriptVariant(t *testing.T) {
	script := `
exports.build = function (req) {
  return {
    method: "PUT",
    path: "/v2/pay",
    headers: { "X-Api-Key": req.credential },
    json: { sku: req.productId, key: req.idempotencyKey }
  };
};`
	var gotKey string
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/v2/pay", r.URL.Path)
		gotKey = r.Header.Get("X-Api-Key")
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		assert.Equal(t, "sku", body["sku"])
		assert.Equal(t, r.Header.Get("Idempotency-Key"), body["key"])
		_, _ = io.WriteString(w, `{"session_id":"cs_4","url":"https://pay/cs_4"}`)
	}, func(cfg *config.ProviderConfig) {
		cfg.Variants = []string{VariantJSONBody}
		cfg.Scripts = []config.ScriptVariantConfig{{Name: "legacy-put", Source: script}}
	})
	assert.Equal(t, []string{VariantJSONBody, "legacy-put"}, p.Variants())

	session, err := p.CreateCheckout(context.Background(), provider.CheckoutRequest{ProductID: "sku", Credential: "sk_script"}, "legacy-put")
	require.NoError(t, err)
	assert.Equal(t, "cs_4", session.SessionID)
	assert.Equal(t, "sk_script", gotKey)
}

func TestScriptVariantErrors(t *testing.T) {
	_, err := NewScriptVariant("broken", "function (")
	require.Error(t, err)
	_, err = NewScriptVariant("nobuild", "var x = 1;")
	require.Error(t, err)

	v, err := NewScriptVariant("throws", `function build(req) { throw new Error("nope"); }`)
	require.NoError(t, err)
	_, err = v.Build(BuildInput{})
	require.Error(t, err)
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		status int
		code   errs.Code
	}{
		{http.StatusUnauthorized, errs.CodeAuth},
		{http.StatusForbidden, errs.CodeAuth},
		{http.StatusTooManyRequests, errs.CodeRateLimited},
		{http.StatusBadGateway, errs.CodeNetwork},
	}
	for _, tc := range cases {
		p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "denied", tc.status)
		}, nil)
		_, err := p.CreateCheckout(context.Background(), provider.CheckoutRequest{ProductID: "sku", Credential: "sk"}, VariantJSONBody)
		require.Error(t, err)
		assert.Equal(t, tc.code, errs.CodeOf(err), "status %d", tc.status)
		assert.True(t, errs.IsCanonical(err, errs.CanonicalTransport))
	}
}

func TestIncompleteSessionRejected(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"session_id":"cs_5"}`)
	}, nil)
	_, err := p.CreateCheckout(context.Background(), provider.CheckoutRequest{ProductID: "sku", Credential: "sk"}, VariantJSONBody)
	require.Error(t, err)
	assert.Equal(t, errs.CodeProvider, errs.CodeOf(err))
}

func TestUnknownVariant(t *testing.T) {
	p := newTestProvider(t, func(http.ResponseWriter, *http.Request) {}, nil)
	_, err := p.CreateCheckout(context.Background(), provider.CheckoutRequest{}, "smoke-signal")
	require.Error(t, err)
	_, err = New(config.ProviderConfig{BaseURL: "http://example.test", Variants: []string{"smoke-signal"}})
	require.Error(t, err)
	_, err = New(config.ProviderConfig{BaseURL: "::"})
	require.Error(t, err)
}

func TestQueryStatus(t *testing.T) {
	var calls atomic.Int32
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1/checkout/sessions/cs_9", r.URL.Path)
		assert.Equal(t, "Bearer sk_status", r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, `{"code":0,"data":{"trade_status":"TRADE_SUCCESS"}}`)
	}, func(cfg *config.ProviderConfig) {
		cfg.StatusRateLimit = 1000
		cfg.StatusBurst = 10
	})
	status, err := p.QueryStatus(context.Background(), "cs_9", "sk_status")
	require.NoError(t, err)
	assert.Equal(t, "TRADE_SUCCESS", status)
	assert.Equal(t, int32(1), calls.Load())
}

func TestQueryStatusMissingField(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"ok":true}`)
	}, nil)
	_, err := p.QueryStatus(context.Background(), "cs", "")
	require.Error(t, err)
}

func TestRegisterFactory(t *testing.T) {
	reg := provider.NewRegistry()
	RegisterFactory(reg)
	client, err := reg.Create(context.Background(), config.ProviderConfig{Kind: "http", BaseURL: "http://example.test"})
	require.NoError(t, err)
	assert.Len(t, client.Variants(), len(BuiltinVariants))
}
