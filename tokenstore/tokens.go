// Package tokenstore holds the credential set of an authenticated session.
//
// A Store keeps exactly one AuthTokens record and replaces it as a whole, so a
// reader never sees an access token from one session next to a refresh token
// from another.
package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

// DefaultRecord is the name of the single durable record a store keeps.
const DefaultRecord = "session"

var (
	// ErrPartialTokens is returned by Save when only one of the access and
	// refresh tokens is set.
	ErrPartialTokens = errors.New("access and refresh tokens must be set together")

	// ErrCorruptRecord is returned when a persisted record cannot be decoded.
	ErrCorruptRecord = errors.New("token record corrupt")

	// ErrStoreUnavailable wraps failures of the storage backend itself.
	ErrStoreUnavailable = errors.New("token store unavailable")
)

// AuthTokens is the session's credential set. Empty strings and the zero time
// mean the field is absent.
type AuthTokens struct {
	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitzero"`
	IdentityID   string    `json:"identity_id,omitempty"`
}

// IsAuthenticated reports whether an access token is present.
func (t AuthTokens) IsAuthenticated() bool {
	return t.AccessToken != ""
}

// HasRefreshToken reports whether a refresh token is present.
func (t AuthTokens) HasRefreshToken() bool {
	return t.RefreshToken != ""
}

// IsZero reports whether no field is set.
func (t AuthTokens) IsZero() bool {
	return t.AccessToken == "" && t.RefreshToken == "" && t.ExpiresAt.IsZero() && t.IdentityID == ""
}

// Expired reports whether the advisory expiry has passed at now.
// Tokens without an expiry never report as expired.
func (t AuthTokens) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}

// Validate checks the set-together invariant of the token pair.
func (t AuthTokens) Validate() error {
	if (t.AccessToken == "") != (t.RefreshToken == "") {
		return ErrPartialTokens
	}
	return nil
}

// OAuth2Token converts the credential set to an oauth2.Token.
func (t AuthTokens) OAuth2Token() *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       t.ExpiresAt,
	}
	if t.IdentityID != "" {
		tok = tok.WithExtra(map[string]any{"identity_id": t.IdentityID})
	}
	return tok
}

// FromOAuth2Token builds AuthTokens from an oauth2.Token. identityID is used
// when the token carries no identity_id extra.
func FromOAuth2Token(tok *oauth2.Token, identityID string) AuthTokens {
	if tok == nil {
		return AuthTokens{}
	}
	if id, ok := tok.Extra("identity_id").(string); ok && id != "" {
		identityID = id
	}
	return AuthTokens{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
		IdentityID:   identityID,
	}
}

// Store is durable storage for one AuthTokens record.
type Store interface {
	// Get returns the current tokens, or the zero value if none were saved.
	Get(ctx context.Context) (AuthTokens, error)

	// Save atomically replaces all fields of the record.
	Save(ctx context.Context, tokens AuthTokens) error

	// Clear removes the record. Clearing an empty store is not an error.
	Clear(ctx context.Context) error
}

// IsAuthenticated reports whether s currently holds an access token.
// A store that cannot be read counts as unauthenticated.
func IsAuthenticated(ctx context.Context, s Store) bool {
	tokens, err := s.Get(ctx)
	if err != nil {
		return false
	}
	return tokens.IsAuthenticated()
}

// Encode serializes tokens as the single blob persisted by File and Redis.
func Encode(tokens AuthTokens) ([]byte, error) {
	data, err := json.Marshal(tokens)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tokens: %w", err)
	}
	return data, nil
}

// Decode parses a blob produced by Encode.
func Decode(data []byte) (AuthTokens, error) {
	var tokens AuthTokens
	if err := json.Unmarshal(data, &tokens); err != nil {
		return AuthTokens{}, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	return tokens, nil
}
