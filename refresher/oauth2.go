package refresher

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/go-authgate/session-client/tokenstore"
)

// OAuth2 refreshes tokens through an oauth2.Config token source.
type OAuth2 struct {
	Config *oauth2.Config

	// HTTPClient, when set, is used for the token request.
	HTTPClient *http.Client
}

// NewOAuth2 returns a refresher for config.
func NewOAuth2(config *oauth2.Config, client *http.Client) *OAuth2 {
	return &OAuth2{Config: config, HTTPClient: client}
}

// Refresh exchanges current.RefreshToken for a new credential set.
func (o *OAuth2) Refresh(ctx context.Context, current tokenstore.AuthTokens) (tokenstore.AuthTokens, error) {
	if !current.HasRefreshToken() {
		return tokenstore.AuthTokens{}, ErrRefreshTokenExpired
	}

	if o.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, o.HTTPClient)
	}

	// Only the refresh token is handed over, so the source always refreshes.
	src := o.Config.TokenSource(ctx, &oauth2.Token{RefreshToken: current.RefreshToken})

	tok, err := src.Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil &&
			isRejection(retrieveErr.Response.StatusCode, retrieveErr.ErrorCode) {
			return tokenstore.AuthTokens{}, fmt.Errorf("%w: %w", ErrRefreshTokenExpired, err)
		}
		return tokenstore.AuthTokens{}, fmt.Errorf("refresh request failed: %w", err)
	}

	if tok.AccessToken == "" {
		return tokenstore.AuthTokens{}, errors.New("invalid token response: access_token is empty")
	}

	// oauth2 keeps the old refresh token when the server does not rotate it.
	return tokenstore.FromOAuth2Token(tok, current.IdentityID), nil
}
