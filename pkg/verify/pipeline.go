// Package verify implements the verification pipeline: a linear sequence of
// guarded stages turning a raw token into a typed outcome.
//
// Stage ordering is part of the contract. Cheap structural checks run before
// the signature so malformed requests stay inexpensive, and the nonce is
// marked used only after the signature verifies — otherwise an attacker
// could burn nonces with unsigned garbage.
package verify

import (
	"context"
	"crypto/ecdsa"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/keyproof/keyproof-core/pkg/assertion"
	"github.com/keyproof/keyproof-core/pkg/clock"
	"github.com/keyproof/keyproof-core/pkg/nonce"
)

// KeyResolver turns a DID into the public key it embeds.
type KeyResolver interface {
	Resolve(did string) (*ecdsa.PublicKey, error)
}

// Config holds the pipeline's audience and request-binding expectations.
type Config struct {
	// Audience must match the aud claim exactly (case-sensitive).
	Audience string

	// Method is the expected method claim, compared case-insensitively.
	// Defaults to "POST".
	Method string

	// Path is the expected path claim, compared case-sensitively.
	// Defaults to "/verify".
	Path string

	// Skew is the symmetric tolerance applied to nbf/exp.
	Skew time.Duration
}

// Outcome is the success result of a verification.
type Outcome struct {
	Status     string    `json:"status"`
	HolderID   string    `json:"holder_id"`
	KID        string    `json:"kid"`
	VerifiedAt time.Time `json:"verified_at"`
}

// Pipeline orchestrates key resolution, claim checks, nonce lifecycle and
// signature verification in a fixed order.
type Pipeline struct {
	cfg      Config
	store    nonce.Store
	resolver KeyResolver
	engine   SignatureEngine
	clock    clock.Clock
	logger   *zap.Logger
}

// New creates a Pipeline. Nil engine, clock and logger fall back to the
// ES256 engine, the system clock and a no-op logger.
func New(cfg Config, store nonce.Store, resolver KeyResolver, engine SignatureEngine, clk clock.Clock, logger *zap.Logger) *Pipeline {
	if cfg.Method == "" {
		cfg.Method = "POST"
	}
	if cfg.Path == "" {
		cfg.Path = "/verify"
	}
	if engine == nil {
		engine = &ES256Engine{Skew: cfg.Skew}
	}
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		cfg:      cfg,
		store:    store,
		resolver: resolver,
		engine:   engine,
		clock:    clk,
		logger:   logger,
	}
}

// Verify runs the pipeline over a raw token. It returns either an Outcome or
// a *Error whose code identifies the first failing stage.
func (p *Pipeline) Verify(ctx context.Context, token string) (*Outcome, error) {
	now := p.clock.Now()

	// Stage 1: token presence.
	if strings.TrimSpace(token) == "" {
		return nil, NewError(CodeMissingToken, "token is missing or blank")
	}

	// Stage 2: structural parse.
	a, err := assertion.Parse(token)
	if err != nil {
		return nil, WrapError(CodeInvalidTokenFormat, "token could not be parsed", err)
	}

	// Stage 3: key resolution from the self-describing kid.
	kid := a.Header.Kid
	if kid == "" {
		return nil, NewError(CodeMissingKid, "header lacks a key id")
	}
	key, err := p.resolver.Resolve(kid)
	if err != nil {
		return nil, WrapError(CodeKeyResolutionFailed, "could not resolve key from kid", err)
	}

	// Stage 4: claim extraction.
	if !containsAudience(a.Audiences(), p.cfg.Audience) {
		return nil, NewError(CodeAudMismatch, "audience claim does not match")
	}
	nonceClaim := a.Claim("nonce")
	if nonceClaim == "" {
		return nil, NewError(CodeMissingNonce, "nonce claim is absent or empty")
	}
	holderID := a.Claim("sub")
	if holderID == "" {
		holderID = a.Claim("holder_id")
	}
	if holderID == "" {
		return nil, NewError(CodeMissingHolderID, "no sub or holder_id claim")
	}

	// Stage 5: nonce validation. Read-only; the mark happens after the
	// signature check.
	rec, found, err := p.store.TryGet(ctx, nonceClaim)
	if err != nil {
		return nil, WrapError(CodeInternal, "nonce store lookup failed", err)
	}
	if !found {
		return nil, NewError(CodeInvalidNonce, "nonce was never issued")
	}
	if rec.Used {
		return nil, NewError(CodeNonceUsed, "nonce already spent")
	}
	if now.After(rec.ExpiresAt) {
		return nil, NewError(CodeNonceExpired, "nonce validity window has passed")
	}

	// Stage 6: request binding.
	if !strings.EqualFold(a.Claim("method"), p.cfg.Method) {
		return nil, NewError(CodeMethodMismatch, "method claim does not match")
	}
	if a.Claim("path") != p.cfg.Path {
		return nil, NewError(CodePathMismatch, "path claim does not match")
	}

	// Stage 7: signature + temporal validation.
	if err := p.engine.Verify(a, key, now); err != nil {
		return nil, err
	}

	// Stage 8: consume the nonce. Losing the CAS means a concurrent
	// verification already spent it; a vanished record is an anomaly but
	// the signature already proved the holder.
	switch res, err := p.store.MarkUsed(ctx, nonceClaim); {
	case err != nil:
		return nil, WrapError(CodeInternal, "nonce store update failed", err)
	case res == nonce.AlreadyUsed:
		return nil, NewError(CodeNonceUsed, "nonce already spent")
	case res == nonce.NotFound:
		p.logger.Warn("nonce record vanished before mark-used",
			zap.String("nonce", nonceClaim))
	}

	return &Outcome{
		Status:     "valid",
		HolderID:   holderID,
		KID:        kid,
		VerifiedAt: now,
	}, nil
}

func containsAudience(audiences []string, expected string) bool {
	for _, aud := range audiences {
		if aud == expected {
			return true
		}
	}
	return false
}
