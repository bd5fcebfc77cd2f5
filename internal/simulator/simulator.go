// Package simulator is a local stand-in for the VELUX ACTIVE cloud. It serves
// the token and homes data endpoints and the push WebSocket from an embedded
// fixture, so the client can be exercised without an account.
package simulator

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/crypto/bcrypt"

	"github.com/zorak1103/velux-active/internal/logging"
)

//go:embed fixture/homesdata.json
var fixtureJSON []byte

// Fixture identifiers.
const (
	FixtureHomeID    = "5e1f2a3b4c5d6e7f80910111"
	FixtureGatewayID = "70:ee:50:3d:1a:2c"
	FixtureShutterID = "5c5e1a0000aa01"
	FixtureBlindID   = "5c5e1a0000aa02"
	FixtureWindowID  = "5c5e1a0000aa03"
)

// Errors returned by Push.
var (
	ErrUnknownHome  = errors.New("simulator: unknown home")
	ErrMissingID    = errors.New("simulator: module without id")
	ErrShuttingDown = errors.New("simulator: shutting down")
)

// Config configures a Server.
type Config struct {
	Username     string
	Password     string
	ClientID     string
	ClientSecret string
	// TokenTTL is the access token lifetime (default: 3 hours).
	TokenTTL time.Duration
	// SigningKey signs access tokens (HS256).
	SigningKey string
	// PushInterval moves the fixture shutter periodically in Run (0 disables).
	PushInterval time.Duration
}

// Server is the simulated cloud.
type Server struct {
	cfg          Config
	passwordHash []byte
	logger       *logging.Logger
	now          func() time.Time

	mu       sync.Mutex
	homes    []map[string]any
	user     map[string]any
	refresh  map[string]string // refresh token -> username
	subs     map[*subscriber]struct{}
	shutDown bool
}

// New creates a Server from cfg.
func New(cfg Config, logger *logging.Logger) (*Server, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	if cfg.Username == "" || cfg.Password == "" || cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, errors.New("simulator: username, password, client id and client secret are required")
	}
	if cfg.SigningKey == "" {
		return nil, errors.New("simulator: signing key is required")
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 3 * time.Hour
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(cfg.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hashing simulator password: %w", err)
	}

	var fixture struct {
		Homes []map[string]any `json:"homes"`
		User  map[string]any   `json:"user"`
	}
	if err := json.Unmarshal(fixtureJSON, &fixture); err != nil {
		return nil, fmt.Errorf("decoding fixture: %w", err)
	}
	fixture.User["email"] = cfg.Username

	return &Server{
		cfg:          cfg,
		passwordHash: hash,
		logger:       logger.Component("simulator"),
		now:          time.Now,
		homes:        fixture.Homes,
		user:         fixture.User,
		refresh:      make(map[string]string),
		subs:         make(map[*subscriber]struct{}),
	}, nil
}

// Handler returns the HTTP handler serving every simulated endpoint.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Post("/oauth2/token", s.handleToken)
	r.Route("/api", func(r chi.Router) {
		r.Post("/homesdata", s.handleHomesData)
	})
	r.Get("/ws/", s.handleWebSocket)
	return r
}

// ListenAndServe serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx ends.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("simulator listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serving simulator: %w", err)
	case <-ctx.Done():
	}

	s.closeSubscribers()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down simulator: %w", err)
	}
	return nil
}

// Run moves the fixture shutter every PushInterval until ctx ends. It returns
// immediately when PushInterval is zero.
func (s *Server) Run(ctx context.Context) {
	if s.cfg.PushInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.PushInterval)
	defer ticker.Stop()

	pos := 100
	step := -25
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if pos+step < 0 || pos+step > 100 {
				step = -step
			}
			pos += step
			err := s.Push(FixtureHomeID, map[string]any{
				"id":               FixtureShutterID,
				"current_position": pos,
				"target_position":  pos,
			})
			if err != nil {
				s.logger.Warn("demo push failed", "error", err)
			}
		}
	}
}

// Module returns a copy of the fixture module id in home homeID.
func (s *Server) Module(homeID, id string) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.findModuleLocked(homeID, id)
	if m == nil {
		return nil, false
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out, true
}

func (s *Server) findHomeLocked(homeID string) map[string]any {
	for _, h := range s.homes {
		if h["id"] == homeID {
			return h
		}
	}
	return nil
}

func (s *Server) findModuleLocked(homeID, id string) map[string]any {
	home := s.findHomeLocked(homeID)
	if home == nil {
		return nil
	}
	modules, _ := home["modules"].([]any)
	for _, raw := range modules {
		if m, ok := raw.(map[string]any); ok && m["id"] == id {
			return m
		}
	}
	return nil
}
