// Package challenge mints single-use nonce challenges.
package challenge

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/keyproof/keyproof-core/pkg/clock"
	"github.com/keyproof/keyproof-core/pkg/nonce"
)

// NonceSize is 16 bytes (128 bits of entropy).
const NonceSize = 16

var (
	// ErrNonceGeneration means the CSPRNG failed.
	ErrNonceGeneration = errors.New("failed to generate nonce")

	// ErrNonceCollision means a freshly drawn nonce already existed in the
	// store. Uniqueness is probabilistic, so a collision signals broken
	// entropy; the issuer never retries with the same nonce.
	ErrNonceCollision = errors.New("nonce collision on insert")
)

// Challenge is the value returned to the holder. Transmitted once.
type Challenge struct {
	Nonce     string    `json:"nonce"`
	ExpiresAt time.Time `json:"expires_at"`
	Audience  string    `json:"audience"`
}

// GenerateNonce draws size random bytes from the OS CSPRNG and encodes them
// as URL-safe base64 without padding.
func GenerateNonce(size int) (string, error) {
	if size <= 0 {
		size = NonceSize
	}

	bytes := make([]byte, size)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("%w: %v", ErrNonceGeneration, err)
	}

	return base64.RawURLEncoding.EncodeToString(bytes), nil
}

// Issuer mints challenges and registers their nonces in the store.
type Issuer struct {
	store    nonce.Store
	clock    clock.Clock
	ttl      time.Duration
	audience string
}

// NewIssuer creates an Issuer. A nil clk falls back to the system clock.
func NewIssuer(store nonce.Store, clk clock.Clock, ttl time.Duration, audience string) *Issuer {
	if clk == nil {
		clk = clock.System{}
	}
	return &Issuer{
		store:    store,
		clock:    clk,
		ttl:      ttl,
		audience: audience,
	}
}

// Issue mints a fresh challenge valid for the configured TTL.
func (i *Issuer) Issue(ctx context.Context) (*Challenge, error) {
	n, err := GenerateNonce(NonceSize)
	if err != nil {
		return nil, err
	}

	expiresAt := i.clock.Now().Add(i.ttl)
	ok, err := i.store.TryAdd(ctx, n, nonce.Record{ExpiresAt: expiresAt})
	if err != nil {
		return nil, fmt.Errorf("failed to register nonce: %w", err)
	}
	if !ok {
		return nil, ErrNonceCollision
	}

	return &Challenge{
		Nonce:     n,
		ExpiresAt: expiresAt,
		Audience:  i.audience,
	}, nil
}
