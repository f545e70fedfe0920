// Package holder implements the proving side of the challenge-response
// flow: key generation, did:jwk derivation, assertion signing, and the
// two-phase HTTP exchange with the verifier.
package holder

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"fmt"

	"github.com/go-jose/go-jose/v4"

	"github.com/keyproof/keyproof-core/pkg/didjwk"
)

// ProofClaims is the claim set bound into a signed assertion.
type ProofClaims struct {
	Aud    string `json:"aud"`
	Nonce  string `json:"nonce"`
	Sub    string `json:"sub"`
	Method string `json:"method"`
	Path   string `json:"path"`
	IAT    int64  `json:"iat"`
	NBF    int64  `json:"nbf"`
	EXP    int64  `json:"exp"`
	JTI    string `json:"jti,omitempty"`
}

// Signer holds the holder's P-256 key pair and its derived did:jwk.
type Signer struct {
	key *ecdsa.PrivateKey
	did string
}

// NewSigner generates a fresh P-256 key pair.
func NewSigner() (*Signer, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return NewSignerFromKey(key)
}

// NewSignerFromKey wraps an existing P-256 private key.
func NewSignerFromKey(key *ecdsa.PrivateKey) (*Signer, error) {
	did, err := didjwk.Encode(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to derive did:jwk: %w", err)
	}
	return &Signer{key: key, did: did}, nil
}

// DID returns the holder's did:jwk identifier. The verifier extracts the
// public key from this string; no other key distribution happens.
func (s *Signer) DID() string {
	return s.did
}

// Sign produces a compact ES256 assertion over the claims, with the DID in
// the kid header.
func (s *Signer) Sign(claims ProofClaims) (string, error) {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.ES256, Key: s.key},
		(&jose.SignerOptions{}).
			WithType("JWT").
			WithHeader(jose.HeaderKey("kid"), s.did),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create signer: %w", err)
	}

	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("failed to marshal claims: %w", err)
	}

	jws, err := signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("failed to sign assertion: %w", err)
	}

	return jws.CompactSerialize()
}
