// Package provider defines the contract between checkout orchestration and an external payment provider.
package provider

import (
	"context"
	"strings"
)

// Client talks to the payment provider. Every variant is one calling convention for checkout creation.
type Client interface {
	// CreateCheckout opens a checkout session using the named calling convention.
	CreateCheckout(ctx context.Context, req CheckoutRequest, variant string) (Session, error)
	// QueryStatus returns the provider's raw status tag for a session.
	QueryStatus(ctx context.Context, sessionID, credential string) (string, error)
	// Variants lists the calling conventions in their preferred cold-start order.
	Variants() []string
}

// CheckoutRequest carries the inputs of one checkout creation.
type CheckoutRequest struct {
	ProductID      string
	Credential     string
	IdempotencyKey string
	Metadata       map[string]string
}

// Session is a provider-side checkout session.
type Session struct {
	SessionID   string `json:"sessionId"`
	PaymentURL  string `json:"paymentUrl,omitempty"`
	QRPayload   string `json:"qrPayload,omitempty"`
	AmountMinor int64  `json:"amountMinor"`
	Currency    string `json:"currency,omitempty"`
	Strategy    string `json:"strategy,omitempty"`
}

// Valid reports whether the provider returned a usable session.
func (s Session) Valid() bool {
	return strings.TrimSpace(s.SessionID) != "" &&
		(strings.TrimSpace(s.PaymentURL) != "" || strings.TrimSpace(s.QRPayload) != "")
}
