package payment

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/paywatch/errs"
)

// Snapshot is the persisted record of a payment's canonical status and metadata.
type Snapshot struct {
	SessionID      string    `json:"sessionId"`
	Status         Status    `json:"status"`
	RawStatus      string    `json:"rawStatus,omitempty"`
	AmountMinor    int64     `json:"amountMinor"`
	Currency       string    `json:"currency,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	LastCheckedAt  time.Time `json:"lastCheckedAt"`
	RetryCount     int       `json:"retryCount"`
	LastError      string    `json:"lastError,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	ProductID      string    `json:"productId,omitempty"`
	Strategy       string    `json:"strategy,omitempty"`
	PaymentURL     string    `json:"paymentUrl,omitempty"`
	QRPayload      string    `json:"qrPayload,omitempty"`
	CredentialHint string    `json:"credentialHint,omitempty"`
}

// NewSnapshot seeds a pending snapshot for a freshly created checkout session.
func NewSnapshot(sessionID string, now time.Time) Snapshot {
	now = now.UTC()
	return Snapshot{
		SessionID:     strings.TrimSpace(sessionID),
		Status:        StatusPending,
		CreatedAt:     now,
		LastCheckedAt: now,
	}
}

// Validate ensures the snapshot can be persisted.
func (s Snapshot) Validate() error {
	if strings.TrimSpace(s.SessionID) == "" {
		return errs.New("payment/snapshot", errs.CodeInvalid, errs.WithMessage("session id required"))
	}
	if err := s.Status.Validate(); err != nil {
		return errs.New("payment/snapshot", errs.CodeInvalid, errs.WithMessage(err.Error()))
	}
	if s.CreatedAt.IsZero() {
		return errs.New("payment/snapshot", errs.CodeInvalid, errs.WithMessage("createdAt required"))
	}
	if s.AmountMinor < 0 {
		return errs.New("payment/snapshot", errs.CodeInvalid, errs.WithMessage("amount must be >= 0"))
	}
	return nil
}

// Terminal reports whether the snapshot reached a terminal status.
func (s Snapshot) Terminal() bool {
	return s.Status.Terminal()
}

// Age returns how long ago the session was created relative to now.
func (s Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.CreatedAt)
}

// Amount returns the amount in major units assuming a two-digit minor exponent.
func (s Snapshot) Amount() decimal.Decimal {
	return decimal.New(s.AmountMinor, -2)
}

// MinorUnits converts a major-unit decimal amount into minor units, rounding half away from zero.
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}
