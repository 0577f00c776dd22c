package httpprovider

import (
	"fmt"
	"net/http"
	"strings"
)

// Built-in calling conventions, in cold-start order.
const (
	VariantJSONBody    = "json-body"
	VariantFormBody    = "form-body"
	VariantQueryString = "query-string"
	VariantBearerJSON  = "bearer-json"
)

// BuiltinVariants lists the conventions compiled into the client.
var BuiltinVariants = []string{VariantJSONBody, VariantFormBody, VariantQueryString, VariantBearerJSON}

// BuildInput is handed to a variant when it formats a checkout request.
type BuildInput struct {
	ProductID      string            `json:"productId"`
	Credential     string            `json:"credential"`
	IdempotencyKey string            `json:"idempotencyKey"`
	Metadata       map[string]string `json:"metadata"`
	CheckoutPath   string            `json:"checkoutPath"`
}

// RequestSpec is the transport-neutral shape of a checkout request.
// At most one of JSON and Form is sent as the body.
type RequestSpec struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers"`
	Query   map[string]string `json:"query"`
	JSON    map[string]any    `json:"json"`
	Form    map[string]string `json:"form"`
}

// Variant formats checkout requests in one calling convention.
type Variant interface {
	Name() string
	Build(in BuildInput) (RequestSpec, error)
}

type builtinVariant struct {
	name  string
	build func(in BuildInput) RequestSpec
}

func (v builtinVariant) Name() string { return v.name }

func (v builtinVariant) Build(in BuildInput) (RequestSpec, error) {
	return v.build(in), nil
}

func lookupBuiltin(name string) (Variant, error) {
	switch name {
	case VariantJSONBody:
		return builtinVariant{name: name, build: func(in BuildInput) RequestSpec {
			body := map[string]any{"product_id": in.ProductID, "api_key": in.Credential}
			if len(in.Metadata) > 0 {
				body["metadata"] = in.Metadata
			}
			return RequestSpec{Method: http.MethodPost, Path: in.CheckoutPath, JSON: body}
		}}, nil
	case VariantFormBody:
		return builtinVariant{name: name, build: func(in BuildInput) RequestSpec {
			return RequestSpec{
				Method: http.MethodPost,
				Path:   in.CheckoutPath,
				Form:   map[string]string{"product_id": in.ProductID, "api_key": in.Credential},
			}
		}}, nil
	case VariantQueryString:
		return builtinVariant{name: name, build: func(in BuildInput) RequestSpec {
			return RequestSpec{
				Method: http.MethodPost,
				Path:   in.CheckoutPath,
				Query:  map[string]string{"product_id": in.ProductID, "api_key": in.Credential},
			}
		}}, nil
	case VariantBearerJSON:
		return builtinVariant{name: name, build: func(in BuildInput) RequestSpec {
			return RequestSpec{
				Method:  http.MethodPost,
				Path:    in.CheckoutPath,
				Headers: map[string]string{"Authorization": "Bearer " + in.Credential},
				JSON:    map[string]any{"product_id": in.ProductID},
			}
		}}, nil
	default:
		return nil, fmt.Errorf("httpprovider: unknown builtin variant %q", name)
	}
}

func (s RequestSpec) normalise(defaultPath string) (RequestSpec, error) {
	s.Method = strings.ToUpper(strings.TrimSpace(s.Method))
	if s.Method == "" {
		s.Method = http.MethodPost
	}
	if strings.TrimSpace(s.Path) == "" {
		s.Path = defaultPath
	}
	if !strings.HasPrefix(s.Path, "/") {
		return RequestSpec{}, fmt.Errorf("httpprovider: path %q must be absolute", s.Path)
	}
	if len(s.JSON) > 0 && len(s.Form) > 0 {
		return RequestSpec{}, fmt.Errorf("httpprovider: request declares both json and form bodies")
	}
	return s, nil
}
