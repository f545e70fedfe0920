// Package didjwk resolves did:jwk identifiers into EC public keys.
//
// A did:jwk embeds its key material directly in the identifier:
//
//	did:jwk:<base64url(UTF-8(JWK))>
//
// The DID is self-verifying: the key needed to check a signature is carried
// inside the signer's identifier, so no registry or network lookup is ever
// performed.
package didjwk

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"go.uber.org/zap"
)

// Prefix is the method prefix for did:jwk identifiers.
const Prefix = "did:jwk:"

// P256CoordinateSize is the byte length of a P-256 affine coordinate.
const P256CoordinateSize = 32

// Common errors returned by this package.
var (
	ErrMissingPrefix      = errors.New("identifier does not start with did:jwk:")
	ErrInvalidEncoding    = errors.New("did:jwk suffix is not valid base64url")
	ErrInvalidJSON        = errors.New("did:jwk payload is not valid JSON")
	ErrUnsupportedKeyType = errors.New("unsupported key type (only EC supported)")
	ErrUnsupportedCurve   = errors.New("unsupported curve (only P-256 supported)")
	ErrInvalidCoordinate  = errors.New("invalid EC coordinate")
)

// JWK is the embedded key document. Exactly the keys kty, crv, x, y are
// expected; unknown top-level keys are tolerated with a warning to preserve
// forward compatibility.
type JWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

var knownJWKFields = map[string]struct{}{
	"kty": {}, "crv": {}, "x": {}, "y": {},
}

// Resolver reconstructs public keys from did:jwk identifiers.
type Resolver struct {
	logger *zap.Logger
}

// NewResolver creates a Resolver. A nil logger disables warnings.
func NewResolver(logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{logger: logger}
}

// Resolve parses a did:jwk identifier and reconstructs the P-256 public key
// it embeds. The reconstruction is bit-exact: coordinates must have the
// fixed width for the curve and the point must lie on it.
func (r *Resolver) Resolve(did string) (*ecdsa.PublicKey, error) {
	if len(did) < len(Prefix) || did[:len(Prefix)] != Prefix {
		return nil, ErrMissingPrefix
	}

	raw, err := base64.RawURLEncoding.DecodeString(did[len(Prefix):])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	for name := range fields {
		if _, ok := knownJWKFields[name]; !ok {
			r.logger.Warn("ignoring unknown JWK field", zap.String("field", name))
		}
	}

	var jwk JWK
	if err := json.Unmarshal(raw, &jwk); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}

	if jwk.Kty != "EC" {
		return nil, fmt.Errorf("%w: got kty=%q", ErrUnsupportedKeyType, jwk.Kty)
	}
	if jwk.Crv != "P-256" {
		return nil, fmt.Errorf("%w: got crv=%q", ErrUnsupportedCurve, jwk.Crv)
	}

	x, err := decodeCoordinate("x", jwk.X)
	if err != nil {
		return nil, err
	}
	y, err := decodeCoordinate("y", jwk.Y)
	if err != nil {
		return nil, err
	}

	key := &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(x),
		Y:     new(big.Int).SetBytes(y),
	}
	if !key.Curve.IsOnCurve(key.X, key.Y) {
		return nil, fmt.Errorf("%w: point not on curve", ErrInvalidCoordinate)
	}

	return key, nil
}

func decodeCoordinate(name, value string) ([]byte, error) {
	if value == "" {
		return nil, fmt.Errorf("%w: missing %s", ErrInvalidCoordinate, name)
	}
	decoded, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %s is not valid base64url: %v", ErrInvalidCoordinate, name, err)
	}
	if len(decoded) != P256CoordinateSize {
		return nil, fmt.Errorf("%w: %s must be %d bytes, got %d", ErrInvalidCoordinate, name, P256CoordinateSize, len(decoded))
	}
	return decoded, nil
}

// Encode derives the did:jwk identifier for a P-256 public key.
// Coordinates are emitted at the fixed width for the curve so the encoding
// round-trips through Resolve bit-exactly.
func Encode(key *ecdsa.PublicKey) (string, error) {
	if key == nil || key.Curve != elliptic.P256() {
		return "", ErrUnsupportedCurve
	}

	var x, y [P256CoordinateSize]byte
	key.X.FillBytes(x[:])
	key.Y.FillBytes(y[:])

	doc, err := json.Marshal(JWK{
		Kty: "EC",
		Crv: "P-256",
		X:   base64.RawURLEncoding.EncodeToString(x[:]),
		Y:   base64.RawURLEncoding.EncodeToString(y[:]),
	})
	if err != nil {
		return "", err
	}

	return Prefix + base64.RawURLEncoding.EncodeToString(doc), nil
}
