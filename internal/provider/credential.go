package provider

import (
	"strings"
	"unicode"

	"github.com/coachpo/paywatch/errs"
)

// RedactedPrefixLen caps how many leading credential characters may appear in logs.
// Redact never shows more than a quarter of the credential.
const RedactedPrefixLen = 8

const redactionMask = "****"

// CredentialPolicy describes the credential format the provider accepts.
type CredentialPolicy struct {
	// Prefixes lists accepted credential prefixes. Empty accepts any prefix.
	Prefixes  []string
	MinLength int
}

// Validate rejects malformed credentials before any network call is made.
func (p CredentialPolicy) Validate(credential string) error {
	if credential == "" {
		return invalidCredential("credential required")
	}
	if strings.IndexFunc(credential, unicode.IsSpace) >= 0 {
		return invalidCredential("credential must not contain whitespace")
	}
	if p.MinLength > 0 && len(credential) < p.MinLength {
		return invalidCredential("credential too short")
	}
	if len(p.Prefixes) == 0 {
		return nil
	}
	for _, prefix := range p.Prefixes {
		if strings.HasPrefix(credential, prefix) {
			return nil
		}
	}
	return invalidCredential("credential prefix not accepted")
}

// Redact returns a log-safe rendering of credential: a short prefix followed by a mask.
func Redact(credential string) string {
	visible := min(RedactedPrefixLen, len(credential)/4)
	if visible == 0 || len(credential) <= RedactedPrefixLen {
		return redactionMask
	}
	return credential[:visible] + redactionMask
}

func invalidCredential(msg string) error {
	return errs.New("provider", errs.CodeInvalid,
		errs.WithMessage(msg),
		errs.WithCanonicalCode(errs.CanonicalInvalidCredential),
		errs.WithRemediation("supply a credential issued by the payment provider"))
}
