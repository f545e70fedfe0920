package verify

import (
	"crypto/ecdsa"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/keyproof/keyproof-core/pkg/assertion"
)

// SignatureEngine verifies an assertion's signature and temporal claims
// against a resolved public key.
type SignatureEngine interface {
	Verify(a *assertion.Assertion, key *ecdsa.PublicKey, now time.Time) error
}

// ES256Engine verifies ES256 assertions. The signature is checked over the
// original wire segments; the raw r||s signature format and constant-time
// comparison are handled by go-jose's ECDSA path. All failure causes —
// wrong algorithm, bad signature, token outside its validity window —
// collapse into CodeSigInvalidOrExpired.
type ES256Engine struct {
	// Skew is the symmetric tolerance applied to nbf and exp.
	Skew time.Duration
}

// Verify implements SignatureEngine.
func (e *ES256Engine) Verify(a *assertion.Assertion, key *ecdsa.PublicKey, now time.Time) error {
	jws, err := jose.ParseSigned(a.Compact(), []jose.SignatureAlgorithm{jose.ES256})
	if err != nil {
		return WrapError(CodeSigInvalidOrExpired, "signature or temporal validation failed", err)
	}

	if _, err := jws.Verify(key); err != nil {
		return WrapError(CodeSigInvalidOrExpired, "signature or temporal validation failed", err)
	}

	if nbf, ok := a.NumericClaim("nbf"); ok {
		if now.Add(e.Skew).Before(time.Unix(nbf, 0)) {
			return NewError(CodeSigInvalidOrExpired, "signature or temporal validation failed")
		}
	}

	exp, ok := a.NumericClaim("exp")
	if !ok {
		return NewError(CodeSigInvalidOrExpired, "signature or temporal validation failed")
	}
	if now.Add(-e.Skew).After(time.Unix(exp, 0)) {
		return NewError(CodeSigInvalidOrExpired, "signature or temporal validation failed")
	}

	return nil
}
