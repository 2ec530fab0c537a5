package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// maxErrorBodySize bounds how much of an issuer error response is read.
const maxErrorBodySize = 4096

// TokenResponse is the issuer's reply to an exchange or refresh call.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
	TokenType    string `json:"token_type"`
}

// Scopes returns the granted scopes as a slice.
func (r *TokenResponse) Scopes() []string {
	if r.Scope == "" {
		return []string{}
	}
	return strings.Fields(r.Scope)
}

// ExpiresAt converts expires_in to an absolute expiry from now.
func (r *TokenResponse) ExpiresAt(now time.Time) time.Time {
	return now.Add(time.Duration(r.ExpiresIn) * time.Second)
}

// Issuer is the remote token issuer contract.
//
// Implementations must distinguish network failures (ErrTransientUpstream)
// from grant rejections (ErrInvalidGrant) so callers can decide between
// retrying and prompting for re-authorization.
type Issuer interface {
	Exchange(ctx context.Context, code string) (*TokenResponse, error)
	Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error)
	Revoke(ctx context.Context, token string) error
}

// IssuerConfig configures the HTTP issuer client.
type IssuerConfig struct {
	TokenURL     string
	RevokeURL    string
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// IssuerClient is the HTTP implementation of Issuer.
//
// It treats the issuer as an opaque remote dependency: connection errors
// and 5xx responses map to ErrTransientUpstream, invalid_grant responses
// to ErrInvalidGrant, and other 4xx responses to ErrPermanentUpstream.
type IssuerClient struct {
	cfg    IssuerConfig
	client *http.Client
}

// NewIssuerClient creates an issuer client with the given configuration.
// The http.Client timeout is left to the caller's per-attempt contexts.
func NewIssuerClient(cfg IssuerConfig) *IssuerClient {
	return &IssuerClient{
		cfg:    cfg,
		client: &http.Client{},
	}
}

// Exchange trades an authorization code for a token pair.
func (c *IssuerClient) Exchange(ctx context.Context, code string) (*TokenResponse, error) {
	form := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {c.cfg.RedirectURL},
	}
	return c.tokenCall(ctx, form)
}

// Refresh trades a refresh token for a new token pair.
//
// A refresh token is single-use at most issuers: concurrent refreshes with
// the same token can invalidate the credential entirely, which is why the
// Coordinator single-flights calls into this method.
func (c *IssuerClient) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}
	return c.tokenCall(ctx, form)
}

// Revoke invalidates a token at the issuer. Best effort: a missing revoke
// endpoint is not an error.
func (c *IssuerClient) Revoke(ctx context.Context, token string) error {
	if c.cfg.RevokeURL == "" {
		return nil
	}

	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.RevokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("building revoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransientUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: revoke returned %d", ErrTransientUpstream, resp.StatusCode)
	}
	return nil
}

// tokenCall posts a form to the token endpoint and classifies the outcome.
func (c *IssuerClient) tokenCall(ctx context.Context, form url.Values) (*TokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)

	resp, err := c.client.Do(req)
	if err != nil {
		// Network-level failure: retryable, distinguishable from local bugs.
		return nil, fmt.Errorf("%w: %w", ErrTransientUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.classifyError(resp)
	}

	var tokenResp TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return nil, fmt.Errorf("%w: decoding token response: %w", ErrTransientUpstream, err)
	}
	if tokenResp.AccessToken == "" {
		return nil, fmt.Errorf("%w: token response missing access_token", ErrPermanentUpstream)
	}

	return &tokenResp, nil
}

// issuerError is the OAuth error response shape.
type issuerError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// classifyError maps an issuer error response to the error taxonomy.
func (c *IssuerClient) classifyError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize)) //nolint:errcheck // body is advisory

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: issuer returned %d", ErrTransientUpstream, resp.StatusCode)
	}

	var ie issuerError
	if err := json.Unmarshal(body, &ie); err == nil && ie.Error != "" {
		if ie.Error == "invalid_grant" {
			return fmt.Errorf("%w: %s", ErrInvalidGrant, ie.ErrorDescription)
		}
		return fmt.Errorf("%w: %s: %s", ErrPermanentUpstream, ie.Error, ie.ErrorDescription)
	}

	return fmt.Errorf("%w: issuer returned %d", ErrPermanentUpstream, resp.StatusCode)
}

// IsRetryable reports whether a refresh failure may succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientUpstream)
}
