// Package assertion implements the three-segment signed assertion exchanged
// between holder and verifier.
//
// An assertion is a compact JWT on the wire: H.P.S, where H and P are
// base64url-encoded JSON and S is the raw r||s ECDSA signature over the
// byte string H || "." || P. The original segments are retained after
// parsing; the signing input is always the wire bytes, never re-serialized
// JSON.
package assertion

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformed is returned for any structural parse failure.
var ErrMalformed = errors.New("malformed assertion")

// Header is the decoded first segment.
type Header struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
	Kid string `json:"kid"`
}

// Assertion is a parsed token. The claims it exposes are unverified until a
// signature engine has checked the token; callers must treat them as
// untrusted input.
type Assertion struct {
	Header Header

	rawHeader    string
	rawPayload   string
	rawSignature string
	signature    []byte
	claims       map[string]json.RawMessage
}

// Parse splits a compact token into its three segments and decodes the
// header and claims. Any structural failure is reported as ErrMalformed.
func Parse(token string) (*Assertion, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: expected 3 segments, got %d", ErrMalformed, len(parts))
	}

	headerBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: header segment: %v", ErrMalformed, err)
	}
	var header Header
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, fmt.Errorf("%w: header json: %v", ErrMalformed, err)
	}

	payloadBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: payload segment: %v", ErrMalformed, err)
	}
	claims := map[string]json.RawMessage{}
	if err := json.Unmarshal(payloadBytes, &claims); err != nil {
		return nil, fmt.Errorf("%w: claims json: %v", ErrMalformed, err)
	}

	signature, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("%w: signature segment: %v", ErrMalformed, err)
	}

	return &Assertion{
		Header:       header,
		rawHeader:    parts[0],
		rawPayload:   parts[1],
		rawSignature: parts[2],
		signature:    signature,
		claims:       claims,
	}, nil
}

// Claim returns the named claim as a string, or "" if it is absent or not a
// JSON string.
func (a *Assertion) Claim(name string) string {
	raw, ok := a.claims[name]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// NumericClaim returns the named claim as Unix seconds.
func (a *Assertion) NumericClaim(name string) (int64, bool) {
	raw, ok := a.claims[name]
	if !ok {
		return 0, false
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, false
	}
	return int64(n), true
}

// Audiences returns the aud claim as a list. A string aud yields a
// single-element list.
func (a *Assertion) Audiences() []string {
	raw, ok := a.claims["aud"]
	if !ok {
		return nil
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return []string{single}
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		return many
	}
	return nil
}

// SigningInput returns the byte string the signature covers: the original
// header and payload segments joined by a period.
func (a *Assertion) SigningInput() []byte {
	return []byte(a.rawHeader + "." + a.rawPayload)
}

// SignatureBytes returns the decoded raw r||s signature.
func (a *Assertion) SignatureBytes() []byte {
	return a.signature
}

// Compact returns the original wire form H.P.S.
func (a *Assertion) Compact() string {
	return a.rawHeader + "." + a.rawPayload + "." + a.rawSignature
}
