package simulator

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// scope is the single OAuth scope the cloud grants the app.
const scope = "velux_scopes"

var errTokenInvalid = errors.New("access token invalid")

// tokenResponse mirrors the cloud's token endpoint reply.
type tokenResponse struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	Scope        []string `json:"scope"`
	ExpiresIn    int64    `json:"expires_in"`
	ExpireIn     int64    `json:"expire_in"`
}

// oauthError is the body of a rejected token request.
type oauthError struct {
	Error string `json:"error"`
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, oauthError{Error: "invalid_request"})
		return
	}
	if !equal(r.PostForm.Get("client_id"), s.cfg.ClientID) || !equal(r.PostForm.Get("client_secret"), s.cfg.ClientSecret) {
		s.logger.Warn("token request with wrong client", "client_id", r.PostForm.Get("client_id"))
		writeJSON(w, http.StatusBadRequest, oauthError{Error: "invalid_client"})
		return
	}

	var username string
	switch grant := r.PostForm.Get("grant_type"); grant {
	case "password":
		username = r.PostForm.Get("username")
		if username != s.cfg.Username {
			writeJSON(w, http.StatusBadRequest, oauthError{Error: "invalid_grant"})
			return
		}
		if err := bcrypt.CompareHashAndPassword(s.passwordHash, []byte(r.PostForm.Get("password"))); err != nil {
			s.logger.Warn("password grant rejected", "username", username)
			writeJSON(w, http.StatusBadRequest, oauthError{Error: "invalid_grant"})
			return
		}
	case "refresh_token":
		var ok bool
		username, ok = s.consumeRefreshToken(r.PostForm.Get("refresh_token"))
		if !ok {
			s.logger.Warn("refresh grant rejected")
			writeJSON(w, http.StatusBadRequest, oauthError{Error: "invalid_grant"})
			return
		}
	default:
		writeJSON(w, http.StatusBadRequest, oauthError{Error: "unsupported_grant_type"})
		return
	}

	resp, err := s.issueTokens(username)
	if err != nil {
		s.logger.Error("issuing tokens", "error", err)
		writeJSON(w, http.StatusInternalServerError, oauthError{Error: "server_error"})
		return
	}
	s.logger.Info("tokens issued", "grant", r.PostForm.Get("grant_type"), "username", username)
	writeJSON(w, http.StatusOK, resp)
}

// issueTokens signs a new access token and rotates in a new refresh token.
func (s *Server) issueTokens(username string) (tokenResponse, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		Subject:   username,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.TokenTTL)),
		ID:        uuid.NewString(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.SigningKey))
	if err != nil {
		return tokenResponse{}, fmt.Errorf("signing access token: %w", err)
	}

	refresh := uuid.NewString()
	s.mu.Lock()
	s.refresh[refresh] = username
	s.mu.Unlock()

	ttl := int64(s.cfg.TokenTTL.Seconds())
	return tokenResponse{
		AccessToken:  signed,
		RefreshToken: refresh,
		Scope:        []string{scope},
		ExpiresIn:    ttl,
		ExpireIn:     ttl,
	}, nil
}

// consumeRefreshToken invalidates token and returns its owner.
func (s *Server) consumeRefreshToken(token string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	username, ok := s.refresh[token]
	if ok {
		delete(s.refresh, token)
	}
	return username, ok
}

// parseAccessToken validates a signed access token and returns its subject.
func (s *Server) parseAccessToken(raw string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte(s.cfg.SigningKey), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return "", fmt.Errorf("%w: %w", errTokenInvalid, err)
	}
	if !token.Valid || claims.Subject == "" {
		return "", errTokenInvalid
	}
	return claims.Subject, nil
}

// bearerToken extracts the token from an Authorization header.
func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return ""
	}
	return h[len(prefix):]
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
