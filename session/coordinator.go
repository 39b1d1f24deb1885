package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/go-authgate/session-client/tokenstore"
)

// Refresher exchanges the current refresh token for a new credential set.
// Implementations must return refresher.ErrRefreshTokenExpired (or any other
// error) on failure; every failure ends the session.
type Refresher interface {
	Refresh(ctx context.Context, current tokenstore.AuthTokens) (tokenstore.AuthTokens, error)
}

// Observer is told about refresh cycles. Only the cycle itself reports, never
// the individual requests waiting on it.
type Observer interface {
	Refreshing()
	RefreshOK()
	RefreshFailed(err error)
}

type noopObserver struct{}

func (noopObserver) Refreshing()         {}
func (noopObserver) RefreshOK()          {}
func (noopObserver) RefreshFailed(error) {}

// refreshState is the coordinator's mode.
type refreshState int

const (
	stateIdle refreshState = iota
	stateRefreshing
)

func (s refreshState) String() string {
	if s == stateRefreshing {
		return "refreshing"
	}
	return "idle"
}

// outcome settles a waiter: new tokens or the terminal error of the cycle.
type outcome struct {
	tokens tokenstore.AuthTokens
	err    error
}

// waiter is a caller suspended until the current refresh cycle settles.
type waiter struct {
	ch chan outcome
}

// coordinator guarantees at most one refresh call in flight. Callers that
// hit a 401 while a refresh is running queue behind it and all receive the
// same outcome.
type coordinator struct {
	store      tokenstore.Store
	refresher  Refresher
	terminator *terminator
	observer   Observer
	logger     *zap.Logger
	timeout    time.Duration

	refreshes    atomic.Int64
	terminations atomic.Int64

	// mu guards state and waiters. The Idle to Refreshing transition and the
	// waiter push happen under one lock so two callers can never both start a
	// cycle.
	mu      sync.Mutex
	state   refreshState
	waiters []*waiter
}

// await blocks until a refresh cycle settles and returns its outcome. It
// starts the cycle if none is running. Cancelling ctx detaches this caller
// only; the cycle and other waiters are unaffected.
func (c *coordinator) await(ctx context.Context) (tokenstore.AuthTokens, error) {
	w := &waiter{ch: make(chan outcome, 1)}

	c.mu.Lock()
	c.waiters = append(c.waiters, w)
	owner := c.state == stateIdle
	if owner {
		c.state = stateRefreshing
	}
	queued := len(c.waiters)
	c.mu.Unlock()

	if owner {
		// The cycle outlives the caller that started it.
		go c.run(context.WithoutCancel(ctx))
	} else {
		c.logger.Debug("refresh in flight, waiting", zap.Int("waiters", queued))
	}

	select {
	case o := <-w.ch:
		return o.tokens, o.err
	case <-ctx.Done():
		c.detach(w)
		return tokenstore.AuthTokens{}, ctx.Err()
	}
}

func (c *coordinator) detach(w *waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, cur := range c.waiters {
		if cur == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

// run performs one refresh cycle and settles every waiter queued on it.
func (c *coordinator) run(ctx context.Context) {
	tokens, err := c.refresh(ctx)

	c.mu.Lock()
	waiters := c.waiters
	c.waiters = nil
	c.state = stateIdle
	c.mu.Unlock()

	for _, w := range waiters {
		w.ch <- outcome{tokens: tokens, err: err}
	}
}

// refresh calls the refresh endpoint once and saves the result, or ends the
// session. New tokens are durably saved before any waiter is released. Store
// access is bounded by the refresh timeout too.
func (c *coordinator) refresh(ctx context.Context) (tokenstore.AuthTokens, error) {
	c.observer.Refreshing()

	epoch := c.terminator.current()

	storeCtx, cancel := context.WithTimeout(ctx, c.timeout)
	current, err := c.store.Get(storeCtx)
	cancel()
	if err != nil {
		c.logger.Warn("failed to read tokens for refresh", zap.Error(err))
		return tokenstore.AuthTokens{}, c.fail(ctx, err)
	}

	if !current.HasRefreshToken() {
		return tokenstore.AuthTokens{}, c.fail(ctx, ErrNoRefreshToken)
	}

	c.refreshes.Add(1)
	c.logger.Debug("refreshing access token", zap.String("identity_id", current.IdentityID))

	refreshCtx, cancel := context.WithTimeout(ctx, c.timeout)
	next, err := c.refresher.Refresh(refreshCtx, current)
	cancel()
	if err != nil {
		return tokenstore.AuthTokens{}, c.fail(ctx, err)
	}

	storeCtx, cancel = context.WithTimeout(ctx, c.timeout)
	err = c.terminator.save(storeCtx, epoch, next)
	cancel()

	var ended *SessionExpiredError
	if errors.As(err, &ended) {
		// The session ended while the refresh was in flight.
		c.logger.Info("discarding refreshed tokens of an ended session", zap.NamedError("cause", ended.Cause))
		c.observer.RefreshFailed(ended)
		return tokenstore.AuthTokens{}, ended
	}
	if err != nil {
		c.logger.Error("failed to save refreshed tokens", zap.Error(err))
		return tokenstore.AuthTokens{}, c.fail(ctx, err)
	}

	c.logger.Info("access token refreshed",
		zap.String("identity_id", next.IdentityID),
		zap.Time("expires_at", next.ExpiresAt),
	)
	c.observer.RefreshOK()

	return next, nil
}

// fail ends the session and returns the error every waiter of the cycle gets.
func (c *coordinator) fail(ctx context.Context, cause error) error {
	if errors.Is(cause, context.DeadlineExceeded) {
		c.logger.Warn("refresh timed out", zap.Duration("timeout", c.timeout))
	}

	expired := &SessionExpiredError{Cause: cause}
	c.observer.RefreshFailed(expired)

	termCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	terminated, err := c.terminator.terminate(termCtx, cause)
	if err != nil {
		c.logger.Error("failed to terminate session", zap.Error(err))
	}
	if terminated {
		c.terminations.Add(1)
	}

	return expired
}
