package holder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/keyproof/keyproof-core/pkg/challenge"
)

// Client runs the two-phase proof-of-possession exchange against a verifier.
type Client struct {
	// BaseURL is the verifier base, e.g. http://localhost:8080.
	BaseURL string

	// ChallengeURL and VerifyURL override the derived endpoint URLs.
	ChallengeURL string
	VerifyURL    string

	// HolderID is the value of the sub claim.
	HolderID string

	// AssertionTTL bounds the assertion's own validity window (exp - iat).
	// Defaults to 60 seconds.
	AssertionTTL time.Duration

	HTTPClient *http.Client
	Signer     *Signer
}

// Result is the verifier's accepted outcome.
type Result struct {
	Status     string    `json:"status"`
	HolderID   string    `json:"holder_id"`
	KID        string    `json:"kid"`
	VerifiedAt time.Time `json:"verified_at"`
}

// NewClient creates a Client with a default 30-second HTTP timeout.
func NewClient(baseURL string, signer *Signer, holderID string) *Client {
	return &Client{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		HolderID:   holderID,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Signer:     signer,
	}
}

func (c *Client) challengeURL() string {
	if c.ChallengeURL != "" {
		return c.ChallengeURL
	}
	return c.BaseURL + "/challenge"
}

func (c *Client) verifyURL() string {
	if c.VerifyURL != "" {
		return c.VerifyURL
	}
	return c.BaseURL + "/verify"
}

// Prove fetches a challenge, signs an assertion binding its nonce, and
// submits it for verification.
func (c *Client) Prove(ctx context.Context) (*Result, error) {
	ch, err := c.fetchChallenge(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get challenge: %w", err)
	}

	token, err := c.buildAssertion(ch)
	if err != nil {
		return nil, fmt.Errorf("failed to build assertion: %w", err)
	}

	return c.submit(ctx, token)
}

func (c *Client) fetchChallenge(ctx context.Context) (*challenge.Challenge, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.challengeURL(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, parseErrorResponse(resp.StatusCode, body, "challenge")
	}

	var ch challenge.Challenge
	if err := json.Unmarshal(body, &ch); err != nil {
		return nil, fmt.Errorf("failed to parse challenge response: %w", err)
	}
	return &ch, nil
}

// buildAssertion binds the challenge nonce, the audience and the verify
// endpoint into a signed claim set.
func (c *Client) buildAssertion(ch *challenge.Challenge) (string, error) {
	verifyPath := "/verify"
	if u, err := url.Parse(c.verifyURL()); err == nil && u.Path != "" {
		verifyPath = u.Path
	}

	ttl := c.AssertionTTL
	if ttl <= 0 {
		ttl = 60 * time.Second
	}

	now := time.Now().UTC()
	return c.Signer.Sign(ProofClaims{
		Aud:    ch.Audience,
		Nonce:  ch.Nonce,
		Sub:    c.HolderID,
		Method: http.MethodPost,
		Path:   verifyPath,
		IAT:    now.Unix(),
		NBF:    now.Unix(),
		EXP:    now.Add(ttl).Unix(),
		JTI:    uuid.New().String(),
	})
}

func (c *Client) submit(ctx context.Context, token string) (*Result, error) {
	body, err := json.Marshal(map[string]string{"token": token})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.verifyURL(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, parseErrorResponse(resp.StatusCode, respBody, "verify")
	}

	var result Result
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to parse verify response: %w", err)
	}
	return &result, nil
}

// RejectionError is a non-200 response from the verifier.
type RejectionError struct {
	Phase  string
	Status int
	Code   string
	Detail string
}

func (e *RejectionError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s phase rejected (%d): %s: %s", e.Phase, e.Status, e.Code, e.Detail)
	}
	return fmt.Sprintf("%s phase rejected (%d): %s", e.Phase, e.Status, e.Code)
}

func parseErrorResponse(status int, body []byte, phase string) error {
	var errResp struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
		return &RejectionError{Phase: phase, Status: status, Code: errResp.Error, Detail: errResp.Detail}
	}

	detail := string(body)
	const maxBodyLen = 256
	if len(detail) > maxBodyLen {
		detail = detail[:maxBodyLen] + "...(truncated)"
	}
	return &RejectionError{Phase: phase, Status: status, Code: "unexpected_response", Detail: detail}
}
