package velux

import (
	"context"
	"sync"
	"time"

	"github.com/zorak1103/velux-active/internal/logging"
)

// AuthManager owns the token lifecycle of one account. AccessToken walks the
// state machine valid token → refresh → password login, persisting every
// change. Calls are serialized so concurrent callers trigger one refresh.
type AuthManager struct {
	mu        sync.Mutex
	store     *TokenStore
	sender    Sender
	endpoints Endpoints
	now       func() time.Time
	logger    *logging.Logger
}

// AuthOption customizes an AuthManager.
type AuthOption func(*AuthManager)

// WithClock replaces the wall clock used for token expiry.
func WithClock(now func() time.Time) AuthOption {
	return func(a *AuthManager) { a.now = now }
}

// NewAuthManager creates an AuthManager for the account held in store.
func NewAuthManager(store *TokenStore, sender Sender, endpoints Endpoints, logger *logging.Logger, opts ...AuthOption) *AuthManager {
	if logger == nil {
		logger = logging.Discard()
	}
	a := &AuthManager{
		store:     store,
		sender:    sender,
		endpoints: endpoints,
		now:       time.Now,
		logger:    logger.Component("auth"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// AccessToken returns a valid access token, refreshing or logging in as
// needed. ok is false when no token could be obtained.
func (a *AuthManager) AccessToken(ctx context.Context) (token string, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	state := a.store.State()
	if state.AccessTokenValid(a.now()) {
		return state.AccessToken, true
	}

	if state.RefreshTokenValid() {
		if token, ok := a.refresh(ctx, state.RefreshToken); ok {
			return token, true
		}
		a.logger.Info("refresh failed, falling back to login")
	}

	return a.login(ctx)
}

// Invalidate drops the access token so the next AccessToken call refreshes.
// Used when the server rejects a token before its computed expiry.
func (a *AuthManager) Invalidate(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.store.SetAccessToken("")
	a.persist(ctx)
}

func (a *AuthManager) login(ctx context.Context) (string, bool) {
	creds := a.store.Credentials()
	if !creds.Complete() {
		a.logger.Error("cannot log in: credentials incomplete", "account", creds.Username)
		return "", false
	}

	a.logger.Debug("requesting token with password grant", "account", creds.Username)
	result := a.sender.Send(ctx, NewLoginRequest(a.endpoints, creds), false)
	return a.accept(ctx, result, "login")
}

func (a *AuthManager) refresh(ctx context.Context, refreshToken string) (string, bool) {
	creds := a.store.Credentials()
	a.logger.Debug("refreshing access token", "account", creds.Username)
	result := a.sender.Send(ctx, NewRefreshRequest(a.endpoints, creds, refreshToken), false)
	return a.accept(ctx, result, "refresh")
}

// accept stores a successful token response and persists it.
func (a *AuthManager) accept(ctx context.Context, result *GetPostResult, grant string) (string, bool) {
	var resp TokenResponse
	if err := result.Decode(&resp); err != nil {
		a.logger.Warn("token request failed", "grant", grant, "status", result.StatusCode, "error", err)
		return "", false
	}
	if resp.AccessToken == "" {
		a.logger.Warn("token response without access_token", "grant", grant)
		return "", false
	}

	acquired := a.now()
	a.store.SetAccessToken(resp.AccessToken)
	if resp.RefreshToken != "" {
		a.store.SetRefreshToken(resp.RefreshToken)
	}
	a.store.SetExpiresIn(resp.ExpiresIn)
	a.store.SetExpireIn(resp.ExpireIn)
	a.store.SetAcquiredAt(acquired)
	a.persist(ctx)

	a.logger.Info("access token acquired", "grant", grant, "expires_in", resp.ExpiresIn)
	return resp.AccessToken, true
}

// persist writes changed token state. Failures are logged; the in-memory
// token remains usable.
func (a *AuthManager) persist(ctx context.Context) {
	if err := a.store.Save(ctx); err != nil {
		a.logger.Warn("token state not persisted", "error", err)
	}
}
