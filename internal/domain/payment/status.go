// Package payment defines the canonical payment lifecycle shared by the dispatcher, pollers and stores.
package payment

import (
	"fmt"
	"strings"
)

// Status is the provider-agnostic payment lifecycle state.
type Status string

const (
	// StatusPending marks a session created but not yet acted on by the payer.
	StatusPending Status = "pending"
	// StatusProcessing marks a session the provider is working on.
	StatusProcessing Status = "processing"
	// StatusPaid marks a settled payment.
	StatusPaid Status = "paid"
	// StatusFailed marks a payment that cannot complete.
	StatusFailed Status = "failed"
	// StatusExpired marks a session closed by timeout.
	StatusExpired Status = "expired"
	// StatusCancelled marks a session cancelled by the payer or operator.
	StatusCancelled Status = "cancelled"
)

// Reasons attached to terminal snapshots.
const (
	ReasonPollingExhausted   = "polling_exhausted"
	ReasonProviderReported   = "provider_reported"
	ReasonRecoveryTTLElapsed = "recovery_ttl_elapsed"
	ReasonCancelledLocally   = "cancelled_locally"
)

// Terminal reports whether no further transition is permitted from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusPaid, StatusFailed, StatusExpired, StatusCancelled:
		return true
	default:
		return false
	}
}

// Validate ensures the status is one of the canonical values.
func (s Status) Validate() error {
	switch s {
	case StatusPending, StatusProcessing, StatusPaid, StatusFailed, StatusExpired, StatusCancelled:
		return nil
	default:
		return fmt.Errorf("payment: unknown status %q", string(s))
	}
}

func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusProcessing:
		return 1
	default:
		return 2
	}
}

// CanTransition reports whether moving from one status to another respects the lifecycle.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return from == to
	}
	return to.rank() >= from.rank()
}

// Advance applies next to current and returns the resulting status.
// Terminal states are sticky and processing never regresses to pending.
func Advance(current, next Status) Status {
	if next == "" || !CanTransition(current, next) {
		return current
	}
	return next
}

var rawStatusTable = map[string]Status{
	"PENDING":        StatusPending,
	"CREATED":        StatusPending,
	"OPEN":           StatusPending,
	"UNPAID":         StatusPending,
	"NOTPAY":         StatusPending,
	"WAIT_BUYER_PAY": StatusPending,

	"PROCESSING":  StatusProcessing,
	"IN_PROGRESS": StatusProcessing,
	"PAYING":      StatusProcessing,
	"USERPAYING":  StatusProcessing,

	"SUCCESS":        StatusPaid,
	"SUCCEEDED":      StatusPaid,
	"PAID":           StatusPaid,
	"COMPLETED":      StatusPaid,
	"TRADE_SUCCESS":  StatusPaid,
	"TRADE_FINISHED": StatusPaid,

	"FAILED":   StatusFailed,
	"FAIL":     StatusFailed,
	"PAYERROR": StatusFailed,
	"DECLINED": StatusFailed,
	"REJECTED": StatusFailed,

	"CLOSED":       StatusExpired,
	"EXPIRED":      StatusExpired,
	"TIMEOUT":      StatusExpired,
	"TRADE_CLOSED": StatusExpired,

	"CANCELLED": StatusCancelled,
	"CANCELED":  StatusCancelled,
	"REVOKED":   StatusCancelled,
}

// MapRawStatus converts a provider status tag to its canonical status.
// Unrecognised tags map to processing and report known=false.
func MapRawStatus(raw string) (status Status, known bool) {
	key := strings.ToUpper(strings.TrimSpace(raw))
	key = strings.ReplaceAll(key, "-", "_")
	if mapped, ok := rawStatusTable[key]; ok {
		return mapped, true
	}
	return StatusProcessing, false
}
