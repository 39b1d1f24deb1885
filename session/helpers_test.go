package session

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-authgate/session-client/tokenstore"
)

// stubRefresher hands out tok-2, tok-3, ... and counts calls. When release is
// set, each call blocks until release is closed or the context ends.
type stubRefresher struct {
	calls   atomic.Int32
	release chan struct{}
	err     error
}

func (s *stubRefresher) Refresh(ctx context.Context, current tokenstore.AuthTokens) (tokenstore.AuthTokens, error) {
	n := s.calls.Add(1)

	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return tokenstore.AuthTokens{}, ctx.Err()
		}
	}

	if s.err != nil {
		return tokenstore.AuthTokens{}, s.err
	}

	return tokenstore.AuthTokens{
		AccessToken:  fmt.Sprintf("tok-%d", n+1),
		RefreshToken: fmt.Sprintf("refresh-%d", n+1),
		ExpiresAt:    time.Now().Add(time.Hour),
		IdentityID:   current.IdentityID,
	}, nil
}

// apiServer accepts only the bearer token in valid and answers 401 otherwise.
type apiServer struct {
	*httptest.Server

	valid atomic.Value

	mu   sync.Mutex
	seen []string

	rejected atomic.Int32

	// onAccept runs for accepted requests before the response is written.
	onAccept func(r *http.Request)
}

func newAPIServer(t *testing.T, valid string) *apiServer {
	t.Helper()

	s := &apiServer{}
	s.valid.Store(valid)
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")

		s.mu.Lock()
		s.seen = append(s.seen, r.URL.Path+" "+auth)
		s.mu.Unlock()

		if auth != "Bearer "+s.valid.Load().(string) {
			s.rejected.Add(1)
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"error":"invalid_token"}`)
			return
		}

		if s.onAccept != nil {
			s.onAccept(r)
		}

		body, _ := io.ReadAll(r.Body)
		fmt.Fprintf(w, "%s %s", r.URL.Path, body)
	}))
	t.Cleanup(s.Close)

	return s
}

func (s *apiServer) requestsSeen() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.seen...)
}

func loggedIn(access string) *tokenstore.Memory {
	return tokenstore.NewMemory(tokenstore.AuthTokens{
		AccessToken:  access,
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(-time.Minute),
		IdentityID:   "user-1",
	})
}

func get(t *testing.T, ctx context.Context, url string) *http.Request {
	t.Helper()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	return req
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()

	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

// waitForWaiters blocks until n callers are queued on the refresh cycle.
func waitForWaiters(t *testing.T, c *Client, n int) {
	t.Helper()

	require.Eventually(t, func() bool {
		c.coordinator.mu.Lock()
		defer c.coordinator.mu.Unlock()
		return len(c.coordinator.waiters) == n
	}, 2*time.Second, time.Millisecond)
}

func coordinatorState(c *Client) refreshState {
	c.coordinator.mu.Lock()
	defer c.coordinator.mu.Unlock()
	return c.coordinator.state
}

// recordingObserver counts refresh cycle notifications.
type recordingObserver struct {
	refreshing atomic.Int32
	ok         atomic.Int32
	failed     atomic.Int32
}

func (o *recordingObserver) Refreshing()         { o.refreshing.Add(1) }
func (o *recordingObserver) RefreshOK()          { o.ok.Add(1) }
func (o *recordingObserver) RefreshFailed(error) { o.failed.Add(1) }
