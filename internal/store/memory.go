package store

import (
	"context"
	"sync"

	"github.com/zorak1103/velux-active/internal/velux"
)

// Memory keeps token state in process memory only.
type Memory struct {
	mu     sync.Mutex
	states map[string]velux.TokenState
}

var _ Backend = (*Memory)(nil)

// NewMemory returns an empty Memory backend.
func NewMemory() *Memory {
	return &Memory{states: make(map[string]velux.TokenState)}
}

// LoadTokens implements velux.TokenBackend.
func (m *Memory) LoadTokens(_ context.Context, account string) (velux.TokenState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[account]
	return st, ok, nil
}

// SaveTokens implements velux.TokenBackend.
func (m *Memory) SaveTokens(_ context.Context, account string, st velux.TokenState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[account] = st
	return nil
}

// Close implements io.Closer.
func (m *Memory) Close() error { return nil }
