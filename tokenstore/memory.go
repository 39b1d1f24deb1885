package tokenstore

import (
	"context"
	"sync"
)

var _ Store = (*Memory)(nil)

// Memory keeps tokens in process memory. The zero value is ready to use.
type Memory struct {
	mu     sync.RWMutex
	tokens AuthTokens
}

// NewMemory returns a Memory store seeded with tokens.
func NewMemory(tokens AuthTokens) *Memory {
	return &Memory{tokens: tokens}
}

func (m *Memory) Get(_ context.Context) (AuthTokens, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.tokens, nil
}

func (m *Memory) Save(_ context.Context, tokens AuthTokens) error {
	if err := tokens.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.tokens = tokens
	return nil
}

func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tokens = AuthTokens{}
	return nil
}
