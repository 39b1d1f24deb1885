// Package session keeps an HTTP client authenticated with a short-lived
// access token and a longer-lived refresh token.
//
// Every request sent through a Client carries the stored access token. When
// the server answers 401, the Client refreshes the token once, however many
// requests failed at the same time, and replays each of them with the new
// token. If the refresh fails, every waiting request fails with the same
// *SessionExpiredError, the token store is cleared and OnSessionExpired
// subscribers are notified.
//
//	client := session.New(store, refresher.NewHTTP(tokenURL, clientID, nil))
//	client.OnSessionExpired(func(ev session.SessionExpiredEvent) {
//		// route the user to sign in again
//	})
//	resp, err := client.Do(req)
//	if errors.Is(err, session.ErrSessionExpired) {
//		// signed out
//	}
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/go-authgate/session-client/tokenstore"
)

// DefaultRefreshTimeout bounds a single call to the refresh endpoint.
const DefaultRefreshTimeout = 10 * time.Second

// maxErrorBody caps how much of a final 401 body is kept in UnauthorizedError.
const maxErrorBody = 4 << 10

// Option configures a Client.
type Option func(*Client)

// WithTransport sets the transport requests are dispatched on.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) { c.transport = rt }
}

// WithRefreshTimeout bounds each refresh call. A timeout ends the session.
func WithRefreshTimeout(d time.Duration) Option {
	return func(c *Client) { c.refreshTimeout = d }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithObserver reports refresh cycles to o.
func WithObserver(o Observer) Option {
	return func(c *Client) { c.observer = o }
}

// WithClock sets the clock used for event timestamps.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Client) { c.clock = clock }
}

// Stats counts what a Client has done since it was created.
type Stats struct {
	Requests     int64
	Refreshes    int64
	Replays      int64
	Terminations int64
}

// Client sends requests with the session's access token and recovers from
// access token expiry. It is safe for concurrent use and also implements
// http.RoundTripper.
type Client struct {
	store          tokenstore.Store
	transport      http.RoundTripper
	refreshTimeout time.Duration
	logger         *zap.Logger
	observer       Observer
	clock          clockwork.Clock

	coordinator *coordinator
	terminator  *terminator

	requests atomic.Int64
	replays  atomic.Int64
}

var _ http.RoundTripper = (*Client)(nil)

// New returns a Client keeping its tokens in store and refreshing them with
// refresher.
func New(store tokenstore.Store, refresher Refresher, opts ...Option) *Client {
	c := &Client{
		store:          store,
		transport:      http.DefaultTransport.(*http.Transport).Clone(),
		refreshTimeout: DefaultRefreshTimeout,
		logger:         zap.NewNop(),
		observer:       noopObserver{},
		clock:          clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.terminator = &terminator{
		store:  store,
		logger: c.logger,
		now:    c.clock.Now,
	}
	c.coordinator = &coordinator{
		store:      store,
		refresher:  refresher,
		terminator: c.terminator,
		observer:   c.observer,
		logger:     c.logger,
		timeout:    c.refreshTimeout,
	}

	return c
}

// HTTPClient returns an *http.Client sending its requests through c.
func (c *Client) HTTPClient() *http.Client {
	return &http.Client{Transport: c}
}

// OnSessionExpired registers fn to be called once each time the session ends
// because a refresh failed or Logout was called. fn should return quickly:
// requests waiting on a failed refresh are released after it returns.
// The returned function unregisters fn.
func (c *Client) OnSessionExpired(fn func(SessionExpiredEvent)) func() {
	return c.terminator.subscribe(fn)
}

// IsAuthenticated reports whether the store holds an access token.
func (c *Client) IsAuthenticated(ctx context.Context) bool {
	return tokenstore.IsAuthenticated(ctx, c.store)
}

// Tokens returns the stored credential set.
func (c *Client) Tokens(ctx context.Context) (tokenstore.AuthTokens, error) {
	return c.store.Get(ctx)
}

// Login stores tokens obtained by the host application's sign-in flow.
func (c *Client) Login(ctx context.Context, tokens tokenstore.AuthTokens) error {
	if !tokens.IsAuthenticated() {
		return errors.New("login: access token is empty")
	}
	if err := c.store.Save(ctx, tokens); err != nil {
		return fmt.Errorf("failed to save tokens: %w", err)
	}
	c.logger.Info("session started", zap.String("identity_id", tokens.IdentityID))
	return nil
}

// Logout ends the session. It is a no-op when already logged out.
func (c *Client) Logout(ctx context.Context) error {
	_, err := c.terminator.terminate(ctx, ErrLoggedOut)
	return err
}

// Stats returns a snapshot of the client's counters.
func (c *Client) Stats() Stats {
	return Stats{
		Requests:     c.requests.Load(),
		Refreshes:    c.coordinator.refreshes.Load(),
		Replays:      c.replays.Load(),
		Terminations: c.coordinator.terminations.Load(),
	}
}

// RoundTrip implements http.RoundTripper.
func (c *Client) RoundTrip(req *http.Request) (*http.Response, error) {
	return c.Do(req)
}

// Do sends req with the current access token.
//
// A first 401 is never returned: the request waits for a token refresh and is
// replayed once with the new token. If the refresh fails, Do returns a
// *SessionExpiredError. If the replay is answered with 401 again, Do returns
// an *UnauthorizedError. Public requests bypass all of this.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	c.requests.Add(1)

	getBody, err := rewindable(req)
	if err != nil {
		return nil, err
	}

	tokens := c.currentTokens(req.Context())
	for {
		resp, err := c.dispatch(req, getBody, tokens)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode != http.StatusUnauthorized || IsPublic(req) {
			return resp, nil
		}

		if isRetried(req) {
			c.logger.Warn("replayed request still unauthorized", zap.String("url", req.URL.Redacted()))
			return nil, unauthorized(resp)
		}
		discard(resp)

		c.logger.Debug("access token rejected",
			zap.String("method", req.Method),
			zap.String("url", req.URL.Redacted()),
		)

		// A cycle that finished after this request was sent already replaced
		// the rejected token.
		if fresh := c.currentTokens(req.Context()); fresh.IsAuthenticated() && fresh.AccessToken != tokens.AccessToken {
			c.logger.Debug("access token already refreshed, replaying")
			tokens = fresh
		} else {
			tokens, err = c.coordinator.await(req.Context())
			if err != nil {
				return nil, err
			}
		}

		req = markRetried(req)
		c.replays.Add(1)
	}
}

// currentTokens reads the store for decoration. An unreadable store sends the
// request unauthenticated.
func (c *Client) currentTokens(ctx context.Context) tokenstore.AuthTokens {
	tokens, err := c.store.Get(ctx)
	if err != nil {
		c.logger.Warn("failed to read tokens", zap.Error(err))
		return tokenstore.AuthTokens{}
	}
	return tokens
}

func (c *Client) dispatch(req *http.Request, getBody func() (io.ReadCloser, error), tokens tokenstore.AuthTokens) (*http.Response, error) {
	out := decorate(req, tokens)
	if getBody != nil {
		body, err := getBody()
		if err != nil {
			return nil, fmt.Errorf("failed to rewind request body: %w", err)
		}
		out.Body = body
		out.GetBody = getBody
	}
	return c.transport.RoundTrip(out)
}

// rewindable returns a function producing fresh copies of req's body, so the
// same bytes can be sent again on replay. It returns nil for bodiless requests.
func rewindable(req *http.Request) (func() (io.ReadCloser, error), error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}

	if req.GetBody != nil {
		req.Body.Close()
		return req.GetBody, nil
	}

	data, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	return func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}, nil
}

func discard(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()
}

func unauthorized(resp *http.Response) error {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &UnauthorizedError{StatusCode: resp.StatusCode, Body: body}
}
