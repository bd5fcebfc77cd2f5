// Package velux implements a client for the VELUX ACTIVE cloud: token
// lifecycle, HTTP transport, the push WebSocket session, payload
// classification and a facade tying them together.
package velux

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zorak1103/velux-active/internal/logging"
)

// Credentials identify one configured account. They are immutable once built.
type Credentials struct {
	Username     string
	Password     string
	ClientID     string
	ClientSecret string
}

// Complete reports whether every field is set.
func (c Credentials) Complete() bool {
	return c.Username != "" && c.Password != "" && c.ClientID != "" && c.ClientSecret != ""
}

// TokenState is the persisted OAuth state of an account.
//
// AcquiredAt is the wall-clock time the access token was issued, in Unix
// milliseconds. Zero means unset.
type TokenState struct {
	AccessToken  string `json:"access_token" yaml:"access_token"`
	RefreshToken string `json:"refresh_token" yaml:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in" yaml:"expires_in"`
	ExpireIn     int64  `json:"expire_in" yaml:"expire_in"`
	AcquiredAt   int64  `json:"acquired_at" yaml:"acquired_at"`
}

// AccessTokenValid reports whether the access token can be used at now.
// The token is invalid at exactly AcquiredAt + ExpiresIn.
func (s TokenState) AccessTokenValid(now time.Time) bool {
	if s.AccessToken == "" || s.ExpiresIn <= 0 || s.AcquiredAt <= 0 {
		return false
	}
	return s.AcquiredAt+s.ExpiresIn*1000 > now.UnixMilli()
}

// RefreshTokenValid reports whether a refresh token is present.
func (s TokenState) RefreshTokenValid() bool {
	return s.RefreshToken != ""
}

// ExpiresAt returns the access token expiry, or the zero time if unknown.
func (s TokenState) ExpiresAt() time.Time {
	if s.AcquiredAt <= 0 || s.ExpiresIn <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(s.AcquiredAt + s.ExpiresIn*1000)
}

// TokenBackend persists token state per account. Implementations must write
// all fields of a state atomically.
type TokenBackend interface {
	LoadTokens(ctx context.Context, account string) (TokenState, bool, error)
	SaveTokens(ctx context.Context, account string, state TokenState) error
}

// TokenStore holds an account's credentials and token state. Setters mark the
// store changed; Save writes through to the backend only when something changed.
type TokenStore struct {
	mu      sync.Mutex
	creds   Credentials
	state   TokenState
	changed bool
	backend TokenBackend
	logger  *logging.Logger
}

// NewTokenStore creates a store for creds. backend may be nil, in which case
// persistence calls fail with ErrNoBackend.
func NewTokenStore(creds Credentials, backend TokenBackend, logger *logging.Logger) *TokenStore {
	if logger == nil {
		logger = logging.Discard()
	}
	return &TokenStore{
		creds:   creds,
		backend: backend,
		logger:  logger.Component("tokens"),
	}
}

// Credentials returns the account credentials.
func (s *TokenStore) Credentials() Credentials {
	return s.creds
}

// State returns a copy of the current token state.
func (s *TokenStore) State() TokenState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Changed reports whether the state differs from what was last loaded or saved.
func (s *TokenStore) Changed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changed
}

// SetAccessToken stores a new access token.
func (s *TokenStore) SetAccessToken(token string) {
	s.update(func(st *TokenState) { st.AccessToken = token })
}

// SetRefreshToken stores a new refresh token.
func (s *TokenStore) SetRefreshToken(token string) {
	s.update(func(st *TokenState) { st.RefreshToken = token })
}

// SetExpiresIn stores the access token lifetime in seconds.
func (s *TokenStore) SetExpiresIn(seconds int64) {
	s.update(func(st *TokenState) { st.ExpiresIn = seconds })
}

// SetExpireIn stores the secondary expiry value reported by the server.
func (s *TokenStore) SetExpireIn(seconds int64) {
	s.update(func(st *TokenState) { st.ExpireIn = seconds })
}

// SetAcquiredAt stamps the access token issue time.
func (s *TokenStore) SetAcquiredAt(t time.Time) {
	s.update(func(st *TokenState) { st.AcquiredAt = t.UnixMilli() })
}

// Apply replaces the whole token state.
func (s *TokenStore) Apply(state TokenState) {
	s.update(func(st *TokenState) { *st = state })
}

func (s *TokenStore) update(fn func(*TokenState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	before := s.state
	fn(&s.state)
	if s.state != before {
		s.changed = true
	}
}

// Save persists the token state if it changed since the last Load or Save.
func (s *TokenStore) Save(ctx context.Context) error {
	s.mu.Lock()
	if !s.changed {
		s.mu.Unlock()
		return nil
	}
	state := s.state
	s.mu.Unlock()

	if s.backend == nil {
		s.logger.Error("cannot persist tokens", "account", s.creds.Username, "error", ErrNoBackend)
		return ErrNoBackend
	}
	if err := s.backend.SaveTokens(ctx, s.creds.Username, state); err != nil {
		return fmt.Errorf("saving tokens for %s: %w", s.creds.Username, err)
	}

	s.mu.Lock()
	// A concurrent setter may have run while the backend was writing.
	if s.state == state {
		s.changed = false
	}
	s.mu.Unlock()
	s.logger.Debug("tokens persisted", "account", s.creds.Username)
	return nil
}

// Load restores the token state from the backend. A missing record is not an error.
func (s *TokenStore) Load(ctx context.Context) error {
	if s.backend == nil {
		s.logger.Error("cannot load tokens", "account", s.creds.Username, "error", ErrNoBackend)
		return ErrNoBackend
	}
	state, ok, err := s.backend.LoadTokens(ctx, s.creds.Username)
	if err != nil {
		return fmt.Errorf("loading tokens for %s: %w", s.creds.Username, err)
	}
	if !ok {
		return nil
	}

	s.mu.Lock()
	s.state = state
	s.changed = false
	s.mu.Unlock()
	s.logger.Debug("tokens restored", "account", s.creds.Username, "expires_at", state.ExpiresAt())
	return nil
}
