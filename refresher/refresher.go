// Package refresher exchanges a refresh token for a new token pair at an
// OAuth 2.0 token endpoint.
package refresher

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

	"github.com/jonboulle/clockwork"
	"golang.org/x/oauth2"

	"github.com/go-authgate/session-client/tokenstore"
)

// ErrRefreshTokenExpired indicates that the refresh token has expired or is invalid
var ErrRefreshTokenExpired = errors.New("refresh token expired or invalid")

// ErrorResponse is the OAuth 2.0 error body.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// TokenResponse is the token endpoint success body.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
	IdentityID   string `json:"identity_id"`
}

// Validate checks the fields a usable token response must carry.
func (r TokenResponse) Validate() error {
	return ValidateTokenResponse(r.AccessToken, r.TokenType, r.ExpiresIn)
}

// ValidateTokenResponse validates the OAuth token response
func ValidateTokenResponse(accessToken, tokenType string, expiresIn int) error {
	if accessToken == "" {
		return errors.New("access_token is empty")
	}

	if len(accessToken) < 10 {
		return fmt.Errorf("access_token is too short (length: %d)", len(accessToken))
	}

	if expiresIn <= 0 {
		return fmt.Errorf("expires_in must be positive, got: %d", expiresIn)
	}

	// Token type is optional in OAuth 2.0, but if present, should be "Bearer"
	if tokenType != "" && !strings.EqualFold(tokenType, "Bearer") {
		return fmt.Errorf("unexpected token_type: %s (expected Bearer)", tokenType)
	}

	return nil
}

// HTTP refreshes tokens with a form-encoded refresh_token grant. It never
// retries: one call to Refresh is one request to the token endpoint.
type HTTP struct {
	TokenURL string
	ClientID string

	// Client defaults to http.DefaultClient.
	Client *http.Client

	// Clock defaults to the real clock.
	Clock clockwork.Clock
}

// NewHTTP returns an HTTP refresher posting to tokenURL.
func NewHTTP(tokenURL, clientID string, client *http.Client) *HTTP {
	return &HTTP{
		TokenURL: tokenURL,
		ClientID: clientID,
		Client:   client,
	}
}

// Refresh exchanges current.RefreshToken for a new credential set.
func (h *HTTP) Refresh(ctx context.Context, current tokenstore.AuthTokens) (tokenstore.AuthTokens, error) {
	if !current.HasRefreshToken() {
		return tokenstore.AuthTokens{}, ErrRefreshTokenExpired
	}

	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", current.RefreshToken)
	if h.ClientID != "" {
		data.Set("client_id", h.ClientID)
	}

	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		h.TokenURL,
		strings.NewReader(data.Encode()),
	)
	if err != nil {
		return tokenstore.AuthTokens{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := h.client().Do(req)
	if err != nil {
		return tokenstore.AuthTokens{}, fmt.Errorf("refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return tokenstore.AuthTokens{}, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return tokenstore.AuthTokens{}, classify(resp, body)
	}

	var tokenResp TokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return tokenstore.AuthTokens{}, fmt.Errorf("failed to parse token response: %w", err)
	}

	if err := tokenResp.Validate(); err != nil {
		return tokenstore.AuthTokens{}, fmt.Errorf("invalid token response: %w", err)
	}

	return merge(current, tokenResp, h.clock().Now()), nil
}

func (h *HTTP) client() *http.Client {
	if h.Client != nil {
		return h.Client
	}
	return http.DefaultClient
}

func (h *HTTP) clock() clockwork.Clock {
	if h.Clock != nil {
		return h.Clock
	}
	return clockwork.NewRealClock()
}

// merge builds the new credential set from a token response.
//
// Refresh token rotation modes:
//   - rotation: the server returns a new refresh_token, which replaces the old one
//   - fixed: the server omits refresh_token, and the old one stays valid
func merge(current tokenstore.AuthTokens, resp TokenResponse, now time.Time) tokenstore.AuthTokens {
	refreshToken := resp.RefreshToken
	if refreshToken == "" {
		refreshToken = current.RefreshToken
	}

	identityID := resp.IdentityID
	if identityID == "" {
		identityID = current.IdentityID
	}

	return tokenstore.AuthTokens{
		AccessToken:  resp.AccessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    now.Add(time.Duration(resp.ExpiresIn) * time.Second),
		IdentityID:   identityID,
	}
}

// classify turns a non-200 token endpoint response into an error. Rejections
// of the refresh token itself wrap ErrRefreshTokenExpired.
func classify(resp *http.Response, body []byte) error {
	retrieveErr := &oauth2.RetrieveError{
		Response: resp,
		Body:     body,
	}

	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
		retrieveErr.ErrorCode = errResp.Error
		retrieveErr.ErrorDescription = errResp.ErrorDescription
	}

	if isRejection(resp.StatusCode, retrieveErr.ErrorCode) {
		return fmt.Errorf("%w: %w", ErrRefreshTokenExpired, retrieveErr)
	}
	return retrieveErr
}

func isRejection(status int, code string) bool {
	switch code {
	case "invalid_grant", "invalid_token":
		return true
	}
	return status == http.StatusBadRequest || status == http.StatusUnauthorized
}
