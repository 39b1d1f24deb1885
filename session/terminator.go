package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/go-authgate/session-client/tokenstore"
)

// SessionExpiredEvent is delivered to OnSessionExpired subscribers.
type SessionExpiredEvent struct {
	IdentityID string
	Cause      error
	At         time.Time
}

type subscriber struct {
	fn func(SessionExpiredEvent)
}

// terminator clears the session and signals the host application.
type terminator struct {
	store  tokenstore.Store
	logger *zap.Logger
	now    func() time.Time

	// mu serializes the read-and-clear so that one ended session fires one event.
	// epoch counts terminations; a refresh started in an older epoch must not
	// save its tokens.
	mu          sync.Mutex
	subscribers []*subscriber
	epoch       uint64
	lastCause   error
}

// current returns the termination epoch.
func (t *terminator) current() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.epoch
}

// save stores tokens unless the session was terminated since epoch, in which
// case it returns a *SessionExpiredError carrying the termination's cause.
func (t *terminator) save(ctx context.Context, epoch uint64, tokens tokenstore.AuthTokens) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.epoch != epoch {
		return &SessionExpiredError{Cause: t.lastCause}
	}
	return t.store.Save(ctx, tokens)
}

func (t *terminator) subscribe(fn func(SessionExpiredEvent)) func() {
	s := &subscriber{fn: fn}

	t.mu.Lock()
	t.subscribers = append(t.subscribers, s)
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		for i, cur := range t.subscribers {
			if cur == s {
				t.subscribers = append(t.subscribers[:i], t.subscribers[i+1:]...)
				return
			}
		}
	}
}

// terminate clears the store and notifies subscribers. It reports false,
// without notifying anyone, when the session was already cleared.
func (t *terminator) terminate(ctx context.Context, cause error) (bool, error) {
	t.mu.Lock()
	tokens, err := t.store.Get(ctx)
	if err != nil {
		// Unreadable tokens are unusable tokens: clear them anyway.
		t.logger.Warn("failed to read tokens before clearing", zap.Error(err))
	} else if tokens.IsZero() {
		t.mu.Unlock()
		t.logger.Debug("session already cleared")
		return false, nil
	}

	if err := t.store.Clear(ctx); err != nil {
		t.mu.Unlock()
		t.logger.Error("failed to clear tokens", zap.Error(err))
		return false, err
	}
	t.epoch++
	t.lastCause = cause
	subscribers := append([]*subscriber(nil), t.subscribers...)
	t.mu.Unlock()

	event := SessionExpiredEvent{
		IdentityID: tokens.IdentityID,
		Cause:      cause,
		At:         t.now(),
	}

	t.logger.Info("session terminated",
		zap.String("identity_id", event.IdentityID),
		zap.NamedError("cause", cause),
	)

	for _, s := range subscribers {
		s.fn(event)
	}

	return true, nil
}
