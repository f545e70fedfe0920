package verify

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyproof/keyproof-core/pkg/challenge"
	"github.com/keyproof/keyproof-core/pkg/clock"
	"github.com/keyproof/keyproof-core/pkg/didjwk"
	"github.com/keyproof/keyproof-core/pkg/nonce"
)

const (
	testAudience = "urn:example:verifier"
	testHolderID = "did:example:holder-123"
	testSkew     = 120 * time.Second
)

type fixture struct {
	fake     *clock.Fake
	store    *nonce.MemoryStore
	issuer   *challenge.Issuer
	pipeline *Pipeline
	key      *ecdsa.PrivateKey
	did      string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	fake := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := nonce.NewMemoryStore(nonce.MemoryConfig{Clock: fake})

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	did, err := didjwk.Encode(&key.PublicKey)
	require.NoError(t, err)

	return &fixture{
		fake:   fake,
		store:  store,
		issuer: challenge.NewIssuer(store, fake, 120*time.Second, testAudience),
		pipeline: New(Config{Audience: testAudience, Skew: testSkew},
			store, didjwk.NewResolver(nil), nil, fake, nil),
		key: key,
		did: did,
	}
}

// signClaims produces a compact ES256 token with the fixture's DID as kid.
func (f *fixture) signClaims(t *testing.T, claims map[string]any) string {
	t.Helper()
	return signWith(t, f.key, f.did, claims)
}

func signWith(t *testing.T, key any, kid string, claims map[string]any) string {
	t.Helper()

	alg := jose.ES256
	if _, ok := key.(ed25519.PrivateKey); ok {
		alg = jose.EdDSA
	}
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: alg, Key: key},
		(&jose.SignerOptions{}).WithType("JWT").WithHeader(jose.HeaderKey("kid"), kid),
	)
	require.NoError(t, err)

	payload, err := json.Marshal(claims)
	require.NoError(t, err)
	jws, err := signer.Sign(payload)
	require.NoError(t, err)
	token, err := jws.CompactSerialize()
	require.NoError(t, err)
	return token
}

// baseClaims builds a claim set bound to a freshly issued challenge.
func (f *fixture) baseClaims(ch *challenge.Challenge) map[string]any {
	now := f.fake.Now()
	return map[string]any{
		"aud":    ch.Audience,
		"nonce":  ch.Nonce,
		"sub":    testHolderID,
		"method": "POST",
		"path":   "/verify",
		"iat":    now.Unix(),
		"nbf":    now.Unix(),
		"exp":    now.Add(60 * time.Second).Unix(),
	}
}

func (f *fixture) issue(t *testing.T) *challenge.Challenge {
	t.Helper()
	ch, err := f.issuer.Issue(context.Background())
	require.NoError(t, err)
	return ch
}

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	vErr, ok := AsError(err)
	require.True(t, ok, "error %v is not a verify.Error", err)
	assert.Equal(t, code, vErr.Code)
	if code == CodeInternal {
		assert.Equal(t, http.StatusInternalServerError, vErr.Status)
	} else {
		assert.Equal(t, http.StatusBadRequest, vErr.Status)
	}
}

func TestHappyPath(t *testing.T) {
	f := newFixture(t)
	ch := f.issue(t)
	token := f.signClaims(t, f.baseClaims(ch))

	outcome, err := f.pipeline.Verify(context.Background(), token)
	require.NoError(t, err)

	assert.Equal(t, "valid", outcome.Status)
	assert.Equal(t, testHolderID, outcome.HolderID)
	assert.Equal(t, f.did, outcome.KID)
	assert.Equal(t, f.fake.Now(), outcome.VerifiedAt)

	// The record transitioned to used.
	rec, found, err := f.store.TryGet(context.Background(), ch.Nonce)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, rec.Used)
}

func TestReplayRejected(t *testing.T) {
	f := newFixture(t)
	ch := f.issue(t)
	token := f.signClaims(t, f.baseClaims(ch))

	_, err := f.pipeline.Verify(context.Background(), token)
	require.NoError(t, err)

	_, err = f.pipeline.Verify(context.Background(), token)
	assertCode(t, err, CodeNonceUsed)
}

func TestConcurrentVerifiesExactlyOneSucceeds(t *testing.T) {
	f := newFixture(t)
	ch := f.issue(t)
	token := f.signClaims(t, f.baseClaims(ch))

	const callers = 8
	errs := make([]error, callers)

	var start, done sync.WaitGroup
	start.Add(1)
	done.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer done.Done()
			start.Wait()
			_, errs[i] = f.pipeline.Verify(context.Background(), token)
		}(i)
	}
	start.Done()
	done.Wait()

	successes := 0
	for _, err := range errs {
		if err == nil {
			successes++
			continue
		}
		vErr, ok := AsError(err)
		require.True(t, ok)
		assert.Equal(t, CodeNonceUsed, vErr.Code)
	}
	assert.Equal(t, 1, successes, "exactly one concurrent verify must succeed")
}

func TestMissingToken(t *testing.T) {
	f := newFixture(t)

	_, err := f.pipeline.Verify(context.Background(), "")
	assertCode(t, err, CodeMissingToken)

	_, err = f.pipeline.Verify(context.Background(), "   \t\n")
	assertCode(t, err, CodeMissingToken)
}

func TestInvalidTokenFormat(t *testing.T) {
	f := newFixture(t)

	_, err := f.pipeline.Verify(context.Background(), "not-a-token")
	assertCode(t, err, CodeInvalidTokenFormat)
}

func rawToken(header, payload string) string {
	enc := base64.RawURLEncoding.EncodeToString
	return enc([]byte(header)) + "." + enc([]byte(payload)) + "." + enc([]byte{1, 2, 3})
}

func TestMissingKid(t *testing.T) {
	f := newFixture(t)
	token := rawToken(`{"alg":"ES256","typ":"JWT"}`, `{"aud":"x"}`)

	_, err := f.pipeline.Verify(context.Background(), token)
	assertCode(t, err, CodeMissingKid)
}

func TestKeyResolutionFailed(t *testing.T) {
	f := newFixture(t)

	// Wrong method.
	token := rawToken(`{"alg":"ES256","kid":"did:web:example.com"}`, `{}`)
	_, err := f.pipeline.Verify(context.Background(), token)
	assertCode(t, err, CodeKeyResolutionFailed)

	// did:jwk carrying an unsupported curve.
	doc := base64.RawURLEncoding.EncodeToString([]byte(`{"kty":"EC","crv":"P-384","x":"AA","y":"AA"}`))
	token = rawToken(`{"alg":"ES256","kid":"did:jwk:`+doc+`"}`, `{}`)
	_, err = f.pipeline.Verify(context.Background(), token)
	assertCode(t, err, CodeKeyResolutionFailed)
}

func TestAudMismatchBeforeSignature(t *testing.T) {
	f := newFixture(t)
	ch := f.issue(t)
	claims := f.baseClaims(ch)
	claims["aud"] = "urn:example:other"
	token := f.signClaims(t, claims)

	// Corrupt the signature segment: the rejection must still be
	// aud_mismatch, proving the signature is never examined.
	token = token[:len(token)-4] + "AAAA"

	_, err := f.pipeline.Verify(context.Background(), token)
	assertCode(t, err, CodeAudMismatch)
}

func TestMissingNonceClaim(t *testing.T) {
	f := newFixture(t)
	ch := f.issue(t)
	claims := f.baseClaims(ch)
	delete(claims, "nonce")

	_, err := f.pipeline.Verify(context.Background(), f.signClaims(t, claims))
	assertCode(t, err, CodeMissingNonce)
}

func TestMissingHolderID(t *testing.T) {
	f := newFixture(t)
	ch := f.issue(t)
	claims := f.baseClaims(ch)
	delete(claims, "sub")

	_, err := f.pipeline.Verify(context.Background(), f.signClaims(t, claims))
	assertCode(t, err, CodeMissingHolderID)
}

func TestHolderIDFallsBackToHolderIDClaim(t *testing.T) {
	f := newFixture(t)
	ch := f.issue(t)
	claims := f.baseClaims(ch)
	delete(claims, "sub")
	claims["holder_id"] = "did:example:fallback"

	outcome, err := f.pipeline.Verify(context.Background(), f.signClaims(t, claims))
	require.NoError(t, err)
	assert.Equal(t, "did:example:fallback", outcome.HolderID)
}

func TestSubTakesPrecedenceOverHolderID(t *testing.T) {
	f := newFixture(t)
	ch := f.issue(t)
	claims := f.baseClaims(ch)
	claims["holder_id"] = "did:example:fallback"

	outcome, err := f.pipeline.Verify(context.Background(), f.signClaims(t, claims))
	require.NoError(t, err)
	assert.Equal(t, testHolderID, outcome.HolderID)
}

func TestUnknownNonce(t *testing.T) {
	f := newFixture(t)
	ch := f.issue(t)
	claims := f.baseClaims(ch)
	claims["nonce"] = "never-issued"

	_, err := f.pipeline.Verify(context.Background(), f.signClaims(t, claims))
	assertCode(t, err, CodeInvalidNonce)
}

func TestNonceExpiryBoundary(t *testing.T) {
	f := newFixture(t)

	// Exactly at expires_at: accepted.
	ch := f.issue(t)
	token := f.signClaims(t, f.baseClaims(ch))
	f.fake.Set(ch.ExpiresAt)
	_, err := f.pipeline.Verify(context.Background(), token)
	require.NoError(t, err)

	// One second past: rejected.
	ch = f.issue(t)
	token = f.signClaims(t, f.baseClaims(ch))
	f.fake.Set(ch.ExpiresAt.Add(time.Second))
	_, err = f.pipeline.Verify(context.Background(), token)
	assertCode(t, err, CodeNonceExpired)
}

func TestMethodCompareIsCaseInsensitive(t *testing.T) {
	f := newFixture(t)
	ch := f.issue(t)
	claims := f.baseClaims(ch)
	claims["method"] = "post"

	_, err := f.pipeline.Verify(context.Background(), f.signClaims(t, claims))
	require.NoError(t, err)
}

func TestMethodMismatch(t *testing.T) {
	f := newFixture(t)
	ch := f.issue(t)
	claims := f.baseClaims(ch)
	claims["method"] = "GET"

	_, err := f.pipeline.Verify(context.Background(), f.signClaims(t, claims))
	assertCode(t, err, CodeMethodMismatch)
}

func TestPathCompareIsCaseSensitive(t *testing.T) {
	f := newFixture(t)

	ch := f.issue(t)
	claims := f.baseClaims(ch)
	claims["path"] = "/verify/"
	_, err := f.pipeline.Verify(context.Background(), f.signClaims(t, claims))
	assertCode(t, err, CodePathMismatch)

	ch = f.issue(t)
	claims = f.baseClaims(ch)
	claims["path"] = "/Verify"
	_, err = f.pipeline.Verify(context.Background(), f.signClaims(t, claims))
	assertCode(t, err, CodePathMismatch)
}

// resegment swaps the payload segment of a compact token.
func resegment(token string, payload []byte) string {
	parts := strings.Split(token, ".")
	parts[1] = base64.RawURLEncoding.EncodeToString(payload)
	return strings.Join(parts, ".")
}

func TestTamperedPayload(t *testing.T) {
	f := newFixture(t)
	ch := f.issue(t)
	token := f.signClaims(t, f.baseClaims(ch))

	parts := strings.Split(token, ".")
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	require.NoError(t, err)
	tampered := []byte(strings.Replace(string(payload), "holder-123", "holder-124", 1))

	_, err = f.pipeline.Verify(context.Background(), resegment(token, tampered))
	assertCode(t, err, CodeSigInvalidOrExpired)
}

func TestReencodedWhitespaceFailsWithoutResigning(t *testing.T) {
	f := newFixture(t)
	ch := f.issue(t)
	token := f.signClaims(t, f.baseClaims(ch))

	parts := strings.Split(token, ".")
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	require.NoError(t, err)

	// Same claims, different bytes. The signing input is the wire bytes,
	// so the old signature no longer covers the new segment.
	respaced := []byte(strings.Replace(string(payload), `":`, `": `, 1))
	require.NotEqual(t, payload, respaced)

	_, err = f.pipeline.Verify(context.Background(), resegment(token, respaced))
	assertCode(t, err, CodeSigInvalidOrExpired)
}

func TestExpiredAssertion(t *testing.T) {
	f := newFixture(t)
	ch := f.issue(t)
	claims := f.baseClaims(ch)
	claims["exp"] = f.fake.Now().Add(-testSkew - time.Minute).Unix()

	_, err := f.pipeline.Verify(context.Background(), f.signClaims(t, claims))
	assertCode(t, err, CodeSigInvalidOrExpired)
}

func TestNotYetValidAssertion(t *testing.T) {
	f := newFixture(t)
	ch := f.issue(t)
	claims := f.baseClaims(ch)
	claims["nbf"] = f.fake.Now().Add(testSkew + time.Minute).Unix()

	_, err := f.pipeline.Verify(context.Background(), f.signClaims(t, claims))
	assertCode(t, err, CodeSigInvalidOrExpired)
}

func TestSkewToleratesClockDrift(t *testing.T) {
	f := newFixture(t)
	ch := f.issue(t)
	claims := f.baseClaims(ch)
	// Just expired, but inside the symmetric skew window.
	claims["exp"] = f.fake.Now().Add(-testSkew + time.Second).Unix()
	claims["nbf"] = f.fake.Now().Add(testSkew - time.Second).Unix()

	_, err := f.pipeline.Verify(context.Background(), f.signClaims(t, claims))
	require.NoError(t, err)
}

func TestWrongAlgorithmRejected(t *testing.T) {
	f := newFixture(t)
	ch := f.issue(t)

	_, edKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	// EdDSA-signed token with a valid P-256 kid: key resolution succeeds,
	// the signature stage rejects.
	token := signWith(t, edKey, f.did, f.baseClaims(ch))
	_, err = f.pipeline.Verify(context.Background(), token)
	assertCode(t, err, CodeSigInvalidOrExpired)
}

func TestWrongKeyRejected(t *testing.T) {
	f := newFixture(t)
	ch := f.issue(t)

	otherKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	// Signed by a different key than the kid embeds.
	token := signWith(t, otherKey, f.did, f.baseClaims(ch))
	_, err = f.pipeline.Verify(context.Background(), token)
	assertCode(t, err, CodeSigInvalidOrExpired)
}

// markStubStore wraps a Store and overrides MarkUsed.
type markStubStore struct {
	nonce.Store
	result nonce.MarkResult
}

func (s markStubStore) MarkUsed(context.Context, string) (nonce.MarkResult, error) {
	return s.result, nil
}

func TestVanishedRecordIsAnomalyNotFailure(t *testing.T) {
	f := newFixture(t)
	ch := f.issue(t)
	token := f.signClaims(t, f.baseClaims(ch))

	p := New(Config{Audience: testAudience, Skew: testSkew},
		markStubStore{Store: f.store, result: nonce.NotFound},
		didjwk.NewResolver(nil), nil, f.fake, nil)

	outcome, err := p.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "valid", outcome.Status)
}

func TestLosingCASIsNonceUsed(t *testing.T) {
	f := newFixture(t)
	ch := f.issue(t)
	token := f.signClaims(t, f.baseClaims(ch))

	p := New(Config{Audience: testAudience, Skew: testSkew},
		markStubStore{Store: f.store, result: nonce.AlreadyUsed},
		didjwk.NewResolver(nil), nil, f.fake, nil)

	_, err := p.Verify(context.Background(), token)
	assertCode(t, err, CodeNonceUsed)
}

// failingStore errors on every lookup.
type failingStore struct {
	nonce.Store
}

func (failingStore) TryGet(context.Context, string) (nonce.Record, bool, error) {
	return nonce.Record{}, false, context.DeadlineExceeded
}

func TestStoreFailureIsInternal(t *testing.T) {
	f := newFixture(t)
	ch := f.issue(t)
	token := f.signClaims(t, f.baseClaims(ch))

	p := New(Config{Audience: testAudience, Skew: testSkew},
		failingStore{}, didjwk.NewResolver(nil), nil, f.fake, nil)

	_, err := p.Verify(context.Background(), token)
	assertCode(t, err, CodeInternal)
}

func TestFirstFailingStageWins(t *testing.T) {
	f := newFixture(t)

	// Wrong audience, unknown nonce and wrong binding: the reported code
	// belongs to the earliest failing stage.
	claims := map[string]any{
		"aud":    "urn:example:other",
		"nonce":  "never-issued",
		"sub":    testHolderID,
		"method": "DELETE",
		"path":   "/elsewhere",
		"iat":    f.fake.Now().Unix(),
		"nbf":    f.fake.Now().Unix(),
		"exp":    f.fake.Now().Add(time.Minute).Unix(),
	}

	_, err := f.pipeline.Verify(context.Background(), f.signClaims(t, claims))
	assertCode(t, err, CodeAudMismatch)
}
