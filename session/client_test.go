package session

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-authgate/session-client/refresher"
	"github.com/go-authgate/session-client/tokenstore"
)

// fireConcurrently sends one GET per path and returns once every request has
// been answered 401 and queued behind the refresh cycle.
func fireConcurrently(t *testing.T, c *Client, srv *apiServer, paths ...string) (results []*http.Response, errs []error, wait func()) {
	t.Helper()

	results = make([]*http.Response, len(paths))
	errs = make([]error, len(paths))

	var wg sync.WaitGroup
	for i, path := range paths {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = c.Do(get(t, context.Background(), srv.URL+path))
		}()
	}

	waitForWaiters(t, c, len(paths))

	return results, errs, wg.Wait
}

func TestClient_SingleFlightRefresh(t *testing.T) {
	srv := newAPIServer(t, "tok-2")
	store := loggedIn("tok-1")

	release := make(chan struct{})
	ref := &stubRefresher{release: release}
	obs := &recordingObserver{}
	c := New(store, ref, WithObserver(obs))

	// Replays must only ever see tokens that are already saved.
	srv.onAccept = func(r *http.Request) {
		saved, err := store.Get(r.Context())
		assert.NoError(t, err)
		assert.Equal(t, "Bearer "+saved.AccessToken, r.Header.Get("Authorization"))
	}

	results, errs, wait := fireConcurrently(t, c, srv, "/a", "/b", "/c")
	assert.Equal(t, stateRefreshing, coordinatorState(c))
	assert.Equal(t, int32(1), ref.calls.Load())

	close(release)
	wait()

	for i, path := range []string{"/a", "/b", "/c"} {
		require.NoError(t, errs[i], path)
		assert.Equal(t, http.StatusOK, results[i].StatusCode)
		assert.Equal(t, path+" ", readBody(t, results[i]))
	}

	assert.Equal(t, int32(1), ref.calls.Load())
	assert.Equal(t, int32(3), srv.rejected.Load())
	assert.Equal(t, stateIdle, coordinatorState(c))

	var replays int
	for _, seen := range srv.requestsSeen() {
		if strings.HasSuffix(seen, "Bearer tok-2") {
			replays++
		}
	}
	assert.Equal(t, 3, replays)

	tokens, err := c.Tokens(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-2", tokens.AccessToken)
	assert.Equal(t, "refresh-2", tokens.RefreshToken)
	assert.Equal(t, "user-1", tokens.IdentityID)

	assert.Equal(t, Stats{Requests: 3, Refreshes: 1, Replays: 3}, c.Stats())
	assert.Equal(t, int32(1), obs.refreshing.Load())
	assert.Equal(t, int32(1), obs.ok.Load())
	assert.Equal(t, int32(0), obs.failed.Load())
}

func TestClient_RefreshFailureEndsSessionAtomically(t *testing.T) {
	srv := newAPIServer(t, "never-valid")
	store := loggedIn("tok-1")

	release := make(chan struct{})
	ref := &stubRefresher{release: release, err: refresher.ErrRefreshTokenExpired}
	obs := &recordingObserver{}
	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	c := New(store, ref, WithObserver(obs), WithClock(clock))

	var events []SessionExpiredEvent
	var eventsMu sync.Mutex
	c.OnSessionExpired(func(ev SessionExpiredEvent) {
		// The store is already cleared when subscribers run.
		assert.False(t, tokenstore.IsAuthenticated(context.Background(), store))
		eventsMu.Lock()
		events = append(events, ev)
		eventsMu.Unlock()
	})

	results, errs, wait := fireConcurrently(t, c, srv, "/a", "/b", "/c")
	close(release)
	wait()

	var first *SessionExpiredError
	for i := range errs {
		assert.Nil(t, results[i])
		require.Error(t, errs[i])
		assert.ErrorIs(t, errs[i], ErrSessionExpired)
		assert.ErrorIs(t, errs[i], refresher.ErrRefreshTokenExpired)

		var expired *SessionExpiredError
		require.ErrorAs(t, errs[i], &expired)
		if first == nil {
			first = expired
		}
		assert.Same(t, first, expired)
	}

	assert.False(t, c.IsAuthenticated(context.Background()))
	assert.Equal(t, int32(1), ref.calls.Load())

	require.Len(t, events, 1)
	assert.Equal(t, "user-1", events[0].IdentityID)
	assert.ErrorIs(t, events[0].Cause, refresher.ErrRefreshTokenExpired)
	assert.Equal(t, clock.Now(), events[0].At)

	// No replay was attempted.
	assert.Len(t, srv.requestsSeen(), 3)

	assert.Equal(t, Stats{Requests: 3, Refreshes: 1, Terminations: 1}, c.Stats())
	assert.Equal(t, int32(1), obs.failed.Load())
	assert.Equal(t, int32(0), obs.ok.Load())
}

func TestClient_ReplayRejectedAgain(t *testing.T) {
	srv := newAPIServer(t, "never-valid")
	ref := &stubRefresher{}
	c := New(loggedIn("tok-1"), ref)

	resp, err := c.Do(get(t, context.Background(), srv.URL+"/a"))
	assert.Nil(t, resp)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.NotErrorIs(t, err, ErrSessionExpired)

	var unauthorized *UnauthorizedError
	require.ErrorAs(t, err, &unauthorized)
	assert.Equal(t, http.StatusUnauthorized, unauthorized.StatusCode)
	assert.JSONEq(t, `{"error":"invalid_token"}`, string(unauthorized.Body))

	assert.Equal(t, int32(1), ref.calls.Load())
	assert.Equal(t, int32(2), srv.rejected.Load())
	assert.Equal(t, []string{"/a Bearer tok-1", "/a Bearer tok-2"}, srv.requestsSeen())

	// The refreshed session is kept.
	assert.True(t, c.IsAuthenticated(context.Background()))
}

func TestClient_IdleAfterEachCycle(t *testing.T) {
	srv := newAPIServer(t, "tok-2")
	ref := &stubRefresher{}
	c := New(loggedIn("tok-1"), ref)

	resp, err := c.Do(get(t, context.Background(), srv.URL+"/first"))
	require.NoError(t, err)
	assert.Equal(t, "/first ", readBody(t, resp))
	assert.Equal(t, stateIdle, coordinatorState(c))

	// The server revokes tok-2: a new 401 starts a new cycle.
	srv.valid.Store("tok-3")

	resp, err = c.Do(get(t, context.Background(), srv.URL+"/second"))
	require.NoError(t, err)
	assert.Equal(t, "/second ", readBody(t, resp))
	assert.Equal(t, int32(2), ref.calls.Load())

	tokens, err := c.Tokens(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-3", tokens.AccessToken)
}

func TestClient_IdleAfterFailedCycle(t *testing.T) {
	srv := newAPIServer(t, "tok-9")
	ref := &stubRefresher{err: refresher.ErrRefreshTokenExpired}
	c := New(loggedIn("tok-1"), ref)

	_, err := c.Do(get(t, context.Background(), srv.URL+"/a"))
	require.ErrorIs(t, err, ErrSessionExpired)
	assert.Equal(t, stateIdle, coordinatorState(c))

	// Signing in again restores normal operation.
	ref.err = nil
	require.NoError(t, c.Login(context.Background(), tokenstore.AuthTokens{
		AccessToken:  "tok-stale",
		RefreshToken: "refresh-1",
		IdentityID:   "user-1",
	}))

	srv.valid.Store("tok-3")
	resp, err := c.Do(get(t, context.Background(), srv.URL+"/b"))
	require.NoError(t, err)
	assert.Equal(t, "/b ", readBody(t, resp))
	assert.Equal(t, int32(2), ref.calls.Load())
}

func TestClient_NoRefreshTokenSkipsRefreshCall(t *testing.T) {
	srv := newAPIServer(t, "tok-1")
	ref := &stubRefresher{}
	c := New(&tokenstore.Memory{}, ref)

	fired := 0
	c.OnSessionExpired(func(SessionExpiredEvent) { fired++ })

	resp, err := c.Do(get(t, context.Background(), srv.URL+"/a"))
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.ErrorIs(t, err, ErrNoRefreshToken)

	assert.Equal(t, int32(0), ref.calls.Load())
	assert.Equal(t, []string{"/a "}, srv.requestsSeen())

	// Nothing to clear, so nothing to announce.
	assert.Equal(t, 0, fired)
	assert.Equal(t, int64(0), c.Stats().Terminations)
}

func TestClient_PublicRequests(t *testing.T) {
	srv := newAPIServer(t, "tok-1")
	ref := &stubRefresher{}
	c := New(loggedIn("tok-1"), ref)

	resp, err := c.Do(Public(get(t, context.Background(), srv.URL+"/login")))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	req := get(t, WithPublic(context.Background()), srv.URL+"/health")
	resp, err = c.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	assert.Equal(t, []string{"/login ", "/health "}, srv.requestsSeen())
	assert.Equal(t, int32(0), ref.calls.Load())
	assert.True(t, c.IsAuthenticated(context.Background()))
}

func TestClient_ReplaysRequestBody(t *testing.T) {
	srv := newAPIServer(t, "tok-2")

	tests := []struct {
		name string
		req  func() *http.Request
	}{
		{
			name: "with GetBody",
			req: func() *http.Request {
				req, err := http.NewRequest(http.MethodPost, srv.URL+"/echo", strings.NewReader("payload"))
				require.NoError(t, err)
				return req
			},
		},
		{
			name: "without GetBody",
			req: func() *http.Request {
				req, err := http.NewRequest(http.MethodPost, srv.URL+"/echo", strings.NewReader("payload"))
				require.NoError(t, err)
				req.GetBody = nil
				return req
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref := &stubRefresher{}
			c := New(loggedIn("tok-1"), ref)

			resp, err := c.Do(tt.req())
			require.NoError(t, err)
			assert.Equal(t, "/echo payload", readBody(t, resp))
			assert.Equal(t, int32(1), ref.calls.Load())
		})
	}
}

func TestClient_RequestNotModified(t *testing.T) {
	srv := newAPIServer(t, "tok-2")
	c := New(loggedIn("tok-1"), &stubRefresher{})

	req := get(t, context.Background(), srv.URL+"/a")
	req.Header.Set("X-Trace", "1")

	resp, err := c.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Empty(t, req.Header.Get("Authorization"))
	assert.Equal(t, "1", req.Header.Get("X-Trace"))
	assert.False(t, isRetried(req))
}

func TestClient_WaiterCancellation(t *testing.T) {
	srv := newAPIServer(t, "tok-2")
	release := make(chan struct{})
	ref := &stubRefresher{release: release}
	c := New(loggedIn("tok-1"), ref)

	var firstResp *http.Response
	var firstErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		firstResp, firstErr = c.Do(get(t, context.Background(), srv.URL+"/a"))
	}()
	waitForWaiters(t, c, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancelled := make(chan error, 1)
	go func() {
		_, err := c.Do(get(t, ctx, srv.URL+"/b"))
		cancelled <- err
	}()
	waitForWaiters(t, c, 2)

	cancel()
	assert.ErrorIs(t, <-cancelled, context.Canceled)
	waitForWaiters(t, c, 1)

	close(release)
	<-done

	require.NoError(t, firstErr)
	assert.Equal(t, "/a ", readBody(t, firstResp))
	assert.Equal(t, int32(1), ref.calls.Load())
}

func TestClient_OwnerCancellationDoesNotAbortRefresh(t *testing.T) {
	srv := newAPIServer(t, "tok-2")
	release := make(chan struct{})
	ref := &stubRefresher{release: release}
	c := New(loggedIn("tok-1"), ref)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := c.Do(get(t, ctx, srv.URL+"/a"))
		errc <- err
	}()
	waitForWaiters(t, c, 1)

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)

	close(release)
	require.Eventually(t, func() bool {
		return coordinatorState(c) == stateIdle
	}, 2*time.Second, time.Millisecond)

	tokens, err := c.Tokens(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-2", tokens.AccessToken)
}

func TestClient_RefreshTimeoutEndsSession(t *testing.T) {
	srv := newAPIServer(t, "tok-2")
	ref := &stubRefresher{release: make(chan struct{})}
	c := New(loggedIn("tok-1"), ref, WithRefreshTimeout(20*time.Millisecond))

	_, err := c.Do(get(t, context.Background(), srv.URL+"/a"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, c.IsAuthenticated(context.Background()))
}

func TestClient_TransportError(t *testing.T) {
	boom := errors.New("connection refused")
	rt := roundTripperFunc(func(*http.Request) (*http.Response, error) { return nil, boom })

	ref := &stubRefresher{}
	c := New(loggedIn("tok-1"), ref, WithTransport(rt))

	_, err := c.Do(get(t, context.Background(), "http://api.invalid/a"))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(0), ref.calls.Load())
	assert.True(t, c.IsAuthenticated(context.Background()))
}

func TestClient_HTTPClient(t *testing.T) {
	srv := newAPIServer(t, "tok-2")
	c := New(loggedIn("tok-1"), &stubRefresher{})

	resp, err := c.HTTPClient().Get(srv.URL + "/via-http-client")
	require.NoError(t, err)
	assert.Equal(t, "/via-http-client ", readBody(t, resp))
}

func TestClient_LoginLogout(t *testing.T) {
	c := New(&tokenstore.Memory{}, &stubRefresher{})
	ctx := context.Background()

	err := c.Login(ctx, tokenstore.AuthTokens{RefreshToken: "refresh-1"})
	assert.Error(t, err)
	assert.False(t, c.IsAuthenticated(ctx))

	require.NoError(t, c.Login(ctx, tokenstore.AuthTokens{AccessToken: "tok-1", RefreshToken: "refresh-1", IdentityID: "user-1"}))
	assert.True(t, c.IsAuthenticated(ctx))

	var fired atomic.Int32
	var cause error
	unsubscribe := c.OnSessionExpired(func(ev SessionExpiredEvent) {
		fired.Add(1)
		cause = ev.Cause
	})

	require.NoError(t, c.Logout(ctx))
	require.NoError(t, c.Logout(ctx))
	assert.False(t, c.IsAuthenticated(ctx))
	assert.Equal(t, int32(1), fired.Load())
	assert.ErrorIs(t, cause, ErrLoggedOut)

	unsubscribe()
	require.NoError(t, c.Login(ctx, tokenstore.AuthTokens{AccessToken: "tok-1", RefreshToken: "refresh-1"}))
	require.NoError(t, c.Logout(ctx))
	assert.Equal(t, int32(1), fired.Load())
}

func TestClient_LogoutDuringRefresh(t *testing.T) {
	srv := newAPIServer(t, "tok-2")
	release := make(chan struct{})
	ref := &stubRefresher{release: release}
	obs := &recordingObserver{}
	c := New(loggedIn("tok-1"), ref, WithObserver(obs))

	var fired atomic.Int32
	c.OnSessionExpired(func(SessionExpiredEvent) { fired.Add(1) })

	results, errs, wait := fireConcurrently(t, c, srv, "/a")
	require.Eventually(t, func() bool { return ref.calls.Load() == 1 }, 2*time.Second, time.Millisecond)

	require.NoError(t, c.Logout(context.Background()))
	close(release)
	wait()

	assert.Nil(t, results[0])
	assert.ErrorIs(t, errs[0], ErrSessionExpired)
	assert.ErrorIs(t, errs[0], ErrLoggedOut)

	// The refreshed tokens are dropped and the request is not replayed.
	assert.False(t, c.IsAuthenticated(context.Background()))
	assert.Equal(t, []string{"/a Bearer tok-1"}, srv.requestsSeen())
	assert.Equal(t, int32(1), ref.calls.Load())
	assert.Equal(t, int32(1), fired.Load())
	assert.Equal(t, int32(0), obs.ok.Load())
	assert.Equal(t, int32(1), obs.failed.Load())
	assert.Equal(t, stateIdle, coordinatorState(c))
}

func TestClient_LateRejectionUsesRefreshedToken(t *testing.T) {
	srv := newAPIServer(t, "tok-2")
	ref := &stubRefresher{}

	sent := make(chan struct{})
	proceed := make(chan struct{})
	rt := roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		if req.URL.Path == "/late" && !isRetried(req) {
			close(sent)
			<-proceed
		}
		return srv.Client().Transport.RoundTrip(req)
	})
	c := New(loggedIn("tok-1"), ref, WithTransport(rt))

	lateErr := make(chan error, 1)
	var lateResp *http.Response
	go func() {
		var err error
		lateResp, err = c.Do(get(t, context.Background(), srv.URL+"/late"))
		lateErr <- err
	}()
	<-sent

	resp, err := c.Do(get(t, context.Background(), srv.URL+"/a"))
	require.NoError(t, err)
	assert.Equal(t, "/a ", readBody(t, resp))

	// The late request still carries tok-1 and is rejected after the cycle
	// already saved tok-2.
	close(proceed)
	require.NoError(t, <-lateErr)
	assert.Equal(t, "/late ", readBody(t, lateResp))

	assert.Equal(t, int32(1), ref.calls.Load())
	assert.Equal(t, Stats{Requests: 2, Refreshes: 1, Replays: 2}, c.Stats())
}

// hangingStore never completes a Save before its context ends.
type hangingStore struct {
	*tokenstore.Memory
}

func (s hangingStore) Save(ctx context.Context, _ tokenstore.AuthTokens) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestClient_HungStoreDoesNotBlockWaiters(t *testing.T) {
	srv := newAPIServer(t, "tok-2")
	ref := &stubRefresher{}
	c := New(hangingStore{loggedIn("tok-1")}, ref, WithRefreshTimeout(50*time.Millisecond))

	start := time.Now()
	_, err := c.Do(get(t, context.Background(), srv.URL+"/a"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.Equal(t, int32(1), ref.calls.Load())
	assert.False(t, c.IsAuthenticated(context.Background()))
	assert.Equal(t, stateIdle, coordinatorState(c))
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }
