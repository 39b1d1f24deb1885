package main

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

	retry "github.com/appleboy/go-httpretry"
	"golang.org/x/oauth2"

	"github.com/go-authgate/session-client/refresher"
	"github.com/go-authgate/session-client/tokenstore"
	"github.com/go-authgate/session-client/tui"
)

// Timeout configuration for different operations
const (
	deviceCodeRequestTimeout = 10 * time.Second
	tokenExchangeTimeout     = 5 * time.Second
	maxPollInterval          = 60 * time.Second
)

// deviceFlow signs the user in with the OAuth device authorization grant (RFC 8628).
// It is the only place that obtains tokens from scratch; afterwards the session
// client keeps them fresh.
type deviceFlow struct {
	config *oauth2.Config
	client *retry.Client
	d      tui.Displayer
}

func newDeviceFlow(serverURL, clientID string, client *retry.Client, d tui.Displayer) *deviceFlow {
	return &deviceFlow{
		config: &oauth2.Config{
			ClientID: clientID,
			Endpoint: oauth2.Endpoint{
				DeviceAuthURL: serverURL + "/oauth/device/code",
				TokenURL:      serverURL + "/oauth/token",
			},
			Scopes: []string{"read", "write"},
		},
		client: client,
		d:      d,
	}
}

// login runs the whole flow and returns the tokens it obtained.
func (f *deviceFlow) login(ctx context.Context) (tokenstore.AuthTokens, error) {
	deviceAuth, err := f.requestDeviceCode(ctx)
	if err != nil {
		return tokenstore.AuthTokens{}, fmt.Errorf("device code request failed: %w", err)
	}

	f.d.DeviceCodeReady(
		deviceAuth.UserCode,
		deviceAuth.VerificationURI,
		deviceAuth.VerificationURIComplete,
		deviceAuth.Expiry,
	)

	f.d.WaitingForAuth()
	tokens, err := f.poll(ctx, deviceAuth)
	if err != nil {
		return tokenstore.AuthTokens{}, fmt.Errorf("token poll failed: %w", err)
	}

	f.d.AuthSuccess()
	return tokens, nil
}

// requestDeviceCode requests a device code from the OAuth server with retry logic
func (f *deviceFlow) requestDeviceCode(ctx context.Context) (*oauth2.DeviceAuthResponse, error) {
	reqCtx, cancel := context.WithTimeout(ctx, deviceCodeRequestTimeout)
	defer cancel()

	data := url.Values{}
	data.Set("client_id", f.config.ClientID)
	data.Set("scope", strings.Join(f.config.Scopes, " "))

	req, err := http.NewRequestWithContext(
		reqCtx,
		http.MethodPost,
		f.config.Endpoint.DeviceAuthURL,
		strings.NewReader(data.Encode()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create device code request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := f.client.DoWithContext(reqCtx, req)
	if err != nil {
		return nil, fmt.Errorf("device code request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf(
			"device code request failed with status %d: %s",
			resp.StatusCode,
			string(body),
		)
	}

	var deviceResp struct {
		DeviceCode              string `json:"device_code"`
		UserCode                string `json:"user_code"`
		VerificationURI         string `json:"verification_uri"`
		VerificationURIComplete string `json:"verification_uri_complete"`
		ExpiresIn               int    `json:"expires_in"`
		Interval                int    `json:"interval"`
	}

	if err := json.Unmarshal(body, &deviceResp); err != nil {
		return nil, fmt.Errorf("failed to parse device code response: %w", err)
	}

	if deviceResp.DeviceCode == "" {
		return nil, errors.New("device code response has no device_code")
	}

	return &oauth2.DeviceAuthResponse{
		DeviceCode:              deviceResp.DeviceCode,
		UserCode:                deviceResp.UserCode,
		VerificationURI:         deviceResp.VerificationURI,
		VerificationURIComplete: deviceResp.VerificationURIComplete,
		Expiry:                  time.Now().Add(time.Duration(deviceResp.ExpiresIn) * time.Second),
		Interval:                int64(deviceResp.Interval),
	}, nil
}

// poll exchanges the device code until the user decides.
// slow_down multiplies the interval by 1.5 each time, capped at one minute.
func (f *deviceFlow) poll(
	ctx context.Context,
	deviceAuth *oauth2.DeviceAuthResponse,
) (tokenstore.AuthTokens, error) {
	interval := deviceAuth.Interval
	if interval == 0 {
		interval = 5 // RFC 8628 default
	}

	pollInterval := time.Duration(interval) * time.Second
	backoffMultiplier := 1.0

	pollTicker := time.NewTicker(pollInterval)
	defer pollTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return tokenstore.AuthTokens{}, ctx.Err()

		case <-pollTicker.C:
			tokens, err := f.exchangeDeviceCode(ctx, deviceAuth.DeviceCode)
			if err == nil {
				return tokens, nil
			}

			var oauthErr *oauth2.RetrieveError
			if !errors.As(err, &oauthErr) || oauthErr.ErrorCode == "" {
				return tokenstore.AuthTokens{}, fmt.Errorf("token exchange failed: %w", err)
			}

			switch oauthErr.ErrorCode {
			case "authorization_pending":
				continue

			case "slow_down":
				backoffMultiplier *= 1.5
				pollInterval = min(
					time.Duration(float64(pollInterval)*backoffMultiplier),
					maxPollInterval,
				)
				pollTicker.Reset(pollInterval)
				f.d.PollSlowDown(pollInterval)
				continue

			case "expired_token":
				return tokenstore.AuthTokens{}, errors.New("device code expired, please restart the flow")

			case "access_denied":
				return tokenstore.AuthTokens{}, errors.New("user denied authorization")

			default:
				return tokenstore.AuthTokens{}, fmt.Errorf(
					"authorization failed: %s - %s",
					oauthErr.ErrorCode,
					oauthErr.ErrorDescription,
				)
			}
		}
	}
}

// exchangeDeviceCode exchanges device code for access token
func (f *deviceFlow) exchangeDeviceCode(ctx context.Context, deviceCode string) (tokenstore.AuthTokens, error) {
	reqCtx, cancel := context.WithTimeout(ctx, tokenExchangeTimeout)
	defer cancel()

	data := url.Values{}
	data.Set("grant_type", "urn:ietf:params:oauth:grant-type:device_code")
	data.Set("device_code", deviceCode)
	data.Set("client_id", f.config.ClientID)

	req, err := http.NewRequestWithContext(
		reqCtx,
		http.MethodPost,
		f.config.Endpoint.TokenURL,
		strings.NewReader(data.Encode()),
	)
	if err != nil {
		return tokenstore.AuthTokens{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := f.client.DoWithContext(reqCtx, req)
	if err != nil {
		return tokenstore.AuthTokens{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return tokenstore.AuthTokens{}, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		retrieveErr := &oauth2.RetrieveError{
			Response: resp,
			Body:     body,
		}
		var errResp refresher.ErrorResponse
		if json.Unmarshal(body, &errResp) == nil {
			retrieveErr.ErrorCode = errResp.Error
			retrieveErr.ErrorDescription = errResp.ErrorDescription
		}
		return tokenstore.AuthTokens{}, retrieveErr
	}

	var tokenResp refresher.TokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return tokenstore.AuthTokens{}, fmt.Errorf("failed to parse token response: %w", err)
	}

	if err := tokenResp.Validate(); err != nil {
		return tokenstore.AuthTokens{}, fmt.Errorf("invalid token response: %w", err)
	}

	tokens := tokenstore.AuthTokens{
		AccessToken:  tokenResp.AccessToken,
		RefreshToken: tokenResp.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second),
		IdentityID:   tokenResp.IdentityID,
	}

	// Without a refresh token the session could never be renewed.
	if !tokens.HasRefreshToken() {
		return tokenstore.AuthTokens{}, errors.New("token response has no refresh_token")
	}

	return tokens, nil
}
