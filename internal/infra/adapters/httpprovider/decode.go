package httpprovider

import (
	"strings"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/paywatch/internal/domain/payment"
	"github.com/coachpo/paywatch/internal/provider"
)

// Providers in this family disagree on field spelling; each list is tried in order.
var (
	sessionIDKeys   = []string{"session_id", "sessionId", "checkout_id", "out_trade_no", "id"}
	paymentURLKeys  = []string{"payment_url", "paymentUrl", "checkout_url", "pay_url", "url"}
	qrPayloadKeys   = []string{"qr_code", "qrCode", "qr_payload", "qrPayload", "code_url"}
	amountMinorKeys = []string{"amount_minor", "amountMinor"}
	amountKeys      = []string{"amount", "total_amount", "price"}
	currencyKeys    = []string{"currency", "currency_code"}
)

func decodeSession(fields map[string]any) provider.Session {
	session := provider.Session{
		SessionID:  firstString(fields, sessionIDKeys...),
		PaymentURL: firstString(fields, paymentURLKeys...),
		QRPayload:  firstString(fields, qrPayloadKeys...),
		Currency:   strings.ToUpper(firstString(fields, currencyKeys...)),
	}
	if minor, ok := firstDecimal(fields, amountMinorKeys...); ok {
		session.AmountMinor = minor.Round(0).IntPart()
	} else if major, ok := firstDecimal(fields, amountKeys...); ok {
		session.AmountMinor = payment.MinorUnits(major)
	}
	return session
}

func firstString(fields map[string]any, keys ...string) string {
	for _, key := range keys {
		switch v := fields[key].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case json.Number:
			return v.String()
		}
	}
	return ""
}

func firstDecimal(fields map[string]any, keys ...string) (decimal.Decimal, bool) {
	for _, key := range keys {
		var raw string
		switch v := fields[key].(type) {
		case json.Number:
			raw = v.String()
		case string:
			raw = strings.TrimSpace(v)
		case float64:
			return decimal.NewFromFloat(v), true
		default:
			continue
		}
		if d, err := decimal.NewFromString(raw); err == nil {
			return d, true
		}
	}
	return decimal.Decimal{}, false
}
