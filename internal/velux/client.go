package velux

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zorak1103/velux-active/internal/logging"
)

// Status is the account's reachability as seen by the client.
type Status string

// Account statuses.
const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// Config configures a Client.
type Config struct {
	Credentials Credentials
	Endpoints   Endpoints
	AppVersion  string
	Transport   TransportConfig
	// Session settings. URL and AppVersion are filled from the fields above, and
	// Proxy and HandshakeTimeout from the transport.
	Session   SessionConfig
	Reconnect ReconnectConfig
	// PollInterval is the homes data refresh period (default: 5 minutes).
	PollInterval time.Duration
	// InitialPollDelay is the wait before the first poll in Run (default: 3 seconds).
	InitialPollDelay time.Duration
	// Backend persists token state. Nil keeps tokens in memory only.
	Backend TokenBackend
}

// Option customizes a Client.
type Option func(*Client)

// WithSender replaces the HTTP transport.
func WithSender(s Sender) Option {
	return func(c *Client) { c.sender = s }
}

// WithAuthOptions passes options to the AuthManager.
func WithAuthOptions(opts ...AuthOption) Option {
	return func(c *Client) { c.authOpts = append(c.authOpts, opts...) }
}

// Client is the facade over one VELUX ACTIVE account: tokens, homes data,
// the push session and a cached snapshot kept current by live updates.
type Client struct {
	cfg        Config
	logger     *logging.Logger
	sender     Sender
	authOpts   []AuthOption
	store      *TokenStore
	auth       *AuthManager
	dispatcher *Dispatcher
	session    *Session
	reconnect  *ReconnectManager

	mu              sync.RWMutex
	snapshot        *HomesDataResponse
	status          Status
	statusHooks     []func(Status)
	snapshotHooks   []func(*HomesDataResponse)
	wsStopped       atomic.Bool
	reconnectSignal chan struct{}
	// backoffArmed is set by a reconnect attempt and cleared once a session
	// goes live. While set, every further attempt waits for the backoff.
	backoffArmed atomic.Bool
}

// New creates a Client and restores persisted tokens. A failed restore is
// logged and the client starts without tokens.
func New(ctx context.Context, cfg Config, logger *logging.Logger, opts ...Option) (*Client, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	if cfg.Endpoints.APIURL == "" || cfg.Endpoints.WSURL == "" {
		def := DefaultEndpoints()
		if cfg.Endpoints.APIURL == "" {
			cfg.Endpoints.APIURL = def.APIURL
		}
		if cfg.Endpoints.WSURL == "" {
			cfg.Endpoints.WSURL = def.WSURL
		}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Minute
	}
	if cfg.InitialPollDelay <= 0 {
		cfg.InitialPollDelay = 3 * time.Second
	}
	if cfg.Reconnect.InitialDelay <= 0 {
		cfg.Reconnect = DefaultReconnectConfig()
	}

	c := &Client{
		cfg:             cfg,
		logger:          logger.Component("client"),
		status:          StatusOffline,
		reconnectSignal: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.sender == nil {
		t, err := NewTransport(cfg.Transport, logger)
		if err != nil {
			return nil, fmt.Errorf("creating transport: %w", err)
		}
		c.sender = t
		cfg.Session.Proxy = t.Proxy()
		cfg.Session.HandshakeTimeout = t.Timeout()
	}

	c.store = NewTokenStore(cfg.Credentials, cfg.Backend, logger)
	if cfg.Backend != nil {
		if err := c.store.Load(ctx); err != nil {
			c.logger.Warn("could not restore tokens", "error", err)
		}
	}
	c.auth = NewAuthManager(c.store, c.sender, cfg.Endpoints, logger, c.authOpts...)
	c.dispatcher = NewDispatcher(logger)

	cfg.Session.URL = cfg.Endpoints.WSURL
	cfg.Session.AppVersion = cfg.AppVersion
	c.session = NewSession(cfg.Session, c.AccessToken, c.dispatcher, logger)
	c.session.AddListener(&snapshotListener{c: c})
	c.reconnect = NewReconnectManager(cfg.Reconnect)
	c.cfg = cfg

	return c, nil
}

// Store returns the account's token store.
func (c *Client) Store() *TokenStore { return c.store }

// Session returns the push session.
func (c *Client) Session() *Session { return c.session }

// AccessToken returns a valid access token, refreshing or logging in if needed.
func (c *Client) AccessToken(ctx context.Context) (string, bool) {
	token, ok := c.auth.AccessToken(ctx)
	if !ok {
		c.setStatus(StatusOffline)
	}
	return token, ok
}

// Login reports whether a valid access token can be obtained.
func (c *Client) Login(ctx context.Context) bool {
	_, ok := c.AccessToken(ctx)
	return ok
}

// HomesData fetches the account snapshot and caches it.
func (c *Client) HomesData(ctx context.Context) (*HomesDataResponse, error) {
	token, ok := c.AccessToken(ctx)
	if !ok {
		return nil, ErrOffline
	}

	result := c.sender.Send(ctx, NewHomesDataRequest(c.cfg.Endpoints, token, c.cfg.AppVersion), true)
	if result.StatusCode == http.StatusUnauthorized || result.StatusCode == http.StatusForbidden {
		c.logger.Warn("access token rejected", "status", result.StatusCode)
		c.auth.Invalidate(ctx)
	}

	var resp HomesDataResponse
	if err := result.Decode(&resp); err != nil {
		return nil, fmt.Errorf("fetching homes data: %w", err)
	}
	if !resp.OK() {
		return nil, fmt.Errorf("fetching homes data: %w: status %q", ErrRequestFailed, resp.Status)
	}

	c.mu.Lock()
	c.snapshot = &resp
	c.mu.Unlock()
	c.setStatus(StatusOnline)

	c.logger.Debug("homes data refreshed", "homes", len(resp.Body.Homes), "modules", len(resp.Modules()))
	return &resp, nil
}

// Snapshot returns the latest cached homes data, or nil before the first fetch.
// The returned value must be treated as read-only.
func (c *Client) Snapshot() *HomesDataResponse {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot
}

// Module returns the cached module with the given id, or nil.
func (c *Client) Module(id string) Module {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.snapshot == nil {
		return nil
	}
	for i := range c.snapshot.Body.Homes {
		if m := c.snapshot.Body.Homes[i].ModuleByID(id); m != nil {
			return m
		}
	}
	return nil
}

// StartReceivingWebSocketMessages opens the push session.
func (c *Client) StartReceivingWebSocketMessages(ctx context.Context) bool {
	c.wsStopped.Store(false)
	if err := c.session.Connect(ctx); err != nil {
		c.logger.Warn("websocket start failed", "error", err)
		return false
	}
	return true
}

// StopWebSocket closes the push session and suppresses reconnects until the
// next StartReceivingWebSocketMessages.
func (c *Client) StopWebSocket() {
	c.wsStopped.Store(true)
	c.reconnect.Stop()
	c.session.Disconnect()
}

// QueryRegisteredDevices returns every module of the account. On fetch
// failure the cached snapshot is used.
func (c *Client) QueryRegisteredDevices(ctx context.Context) []Module {
	resp, err := c.HomesData(ctx)
	if err != nil {
		c.logger.Warn("device query using cached snapshot", "error", err)
		resp = c.Snapshot()
	}
	return resp.Modules()
}

// PerformDeviceQuery returns the modules whose ids are in ids. A nil ids
// returns every module.
func (c *Client) PerformDeviceQuery(ctx context.Context, ids []string) []Module {
	all := c.QueryRegisteredDevices(ctx)
	if ids == nil {
		return all
	}
	var out []Module
	for _, m := range all {
		for _, id := range ids {
			if moduleMatches(m, id) {
				out = append(out, m)
				break
			}
		}
	}
	return out
}

// Command sets group/field on the cached module moduleID.
func (c *Client) Command(moduleID, group, field string, value any) error {
	return c.updateModule(moduleID, func(m Module) (Module, error) {
		if err := ApplyCommand(m, group, field, value); err != nil {
			return nil, err
		}
		return m, nil
	})
}

// Status returns the current account status.
func (c *Client) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// OnStatusChange registers fn to run whenever the status flips.
func (c *Client) OnStatusChange(fn func(Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statusHooks = append(c.statusHooks, fn)
}

// OnSnapshot registers fn to run after every successful poll in Run.
func (c *Client) OnSnapshot(fn func(*HomesDataResponse)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshotHooks = append(c.snapshotHooks, fn)
}

// AddListener registers a push session listener.
func (c *Client) AddListener(l Listener) { c.session.AddListener(l) }

// RemoveListener unregisters a push session listener.
func (c *Client) RemoveListener(l Listener) { c.session.RemoveListener(l) }

func (c *Client) setStatus(s Status) {
	c.mu.Lock()
	if c.status == s {
		c.mu.Unlock()
		return
	}
	c.status = s
	hooks := slices.Clone(c.statusHooks)
	c.mu.Unlock()

	c.logger.Info("account status changed", "status", s)
	for _, fn := range hooks {
		fn(s)
	}
}

// Run polls homes data every PollInterval and keeps the push session up
// until ctx ends. The session is closed on return.
func (c *Client) Run(ctx context.Context) error {
	go c.superviseSession(ctx)

	timer := time.NewTimer(c.cfg.InitialPollDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			c.StopWebSocket()
			return nil
		case <-timer.C:
			c.poll(ctx)
			timer.Reset(c.cfg.PollInterval)
		}
	}
}

func (c *Client) poll(ctx context.Context) {
	resp, err := c.HomesData(ctx)
	if err != nil {
		c.logger.Warn("poll failed", "error", err)
		return
	}

	c.mu.RLock()
	hooks := slices.Clone(c.snapshotHooks)
	c.mu.RUnlock()
	for _, fn := range hooks {
		fn(resp)
	}

	if !c.wsStopped.Load() && c.session.State() == StateDisconnected {
		c.requestReconnect()
	}
}

func (c *Client) requestReconnect() {
	select {
	case c.reconnectSignal <- struct{}{}:
	default:
	}
}

// superviseSession reconnects the push session on request with backoff.
func (c *Client) superviseSession(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.reconnectSignal:
			c.reconnectSession(ctx)
		}
	}
}

// reconnectSession reopens the session. The first attempt after a live
// session is immediate; later ones back off until a subscription succeeds.
func (c *Client) reconnectSession(ctx context.Context) {
	for !c.wsStopped.Load() && c.session.State() == StateDisconnected {
		if c.backoffArmed.Swap(true) {
			if err := c.reconnect.Wait(ctx); err != nil {
				if errors.Is(err, ErrMaxReconnectAttempts) {
					c.logger.Error("giving up on websocket until next poll", "attempts", c.reconnect.Attempts())
					c.reconnect.Reset()
				}
				return
			}
			if c.wsStopped.Load() {
				return
			}
		}

		err := c.session.Connect(ctx)
		if err == nil {
			return
		}
		c.logger.Warn("websocket reconnect failed", "attempt", c.reconnect.Attempts()+1, "error", err)
	}
}

// updateModule replaces the cached module id with the result of fn applied to
// a copy. Readers holding an older snapshot are unaffected.
func (c *Client) updateModule(id string, fn func(Module) (Module, error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snapshot == nil {
		return fmt.Errorf("%w: %s (no snapshot)", ErrModuleNotFound, id)
	}
	for hi := range c.snapshot.Body.Homes {
		for mi, m := range c.snapshot.Body.Homes[hi].Modules {
			if !moduleMatches(m, id) {
				continue
			}
			clone, err := cloneModule(m)
			if err != nil {
				return err
			}
			updated, err := fn(clone)
			if err != nil {
				return err
			}
			c.snapshot = replaceModule(c.snapshot, hi, mi, updated)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrModuleNotFound, id)
}

// mergeUpdate applies a pushed module update to the cached snapshot. Fields
// present in the push overwrite the cached module; absent fields are kept.
func (c *Client) mergeUpdate(msg *ModuleUpdateMsg) {
	raws := msg.ExtraParams.Home.RawModules()
	if len(raws) == 0 {
		for _, m := range msg.Modules() {
			data, err := json.Marshal(m)
			if err != nil {
				continue
			}
			raws = append(raws, data)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snapshot == nil {
		c.logger.Debug("module update before first snapshot", "home", msg.HomeID())
		return
	}
	hi := -1
	for i := range c.snapshot.Body.Homes {
		if c.snapshot.Body.Homes[i].ID == msg.HomeID() {
			hi = i
			break
		}
	}
	if hi < 0 {
		c.logger.Debug("module update for unknown home", "home", msg.HomeID())
		return
	}

	for _, raw := range raws {
		var head struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(raw, &head); err != nil || head.ID == "" {
			c.logger.Warn("module update without id")
			continue
		}

		mi := -1
		for i, m := range c.snapshot.Body.Homes[hi].Modules {
			if moduleMatches(m, head.ID) {
				mi = i
				break
			}
		}
		if mi < 0 {
			c.snapshot = appendModule(c.snapshot, hi, decodeModule(raw))
			c.logger.Info("module added by push", "module", head.ID)
			continue
		}

		clone, err := cloneModule(c.snapshot.Body.Homes[hi].Modules[mi])
		if err != nil {
			c.logger.Warn("cloning module", "module", head.ID, "error", err)
			continue
		}
		if _, unknown := clone.(*UnknownModule); unknown {
			clone = decodeModule(raw)
		} else if err := json.Unmarshal(raw, clone); err != nil {
			c.logger.Warn("merging module update", "module", head.ID, "error", err)
			continue
		}
		c.snapshot = replaceModule(c.snapshot, hi, mi, clone)
		c.logger.Debug("module updated by push", "module", head.ID)
	}
}

// cloneModule deep-copies m through its JSON form.
func cloneModule(m Module) (Module, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("copying module %s: %w", m.Basic().ID, err)
	}
	return decodeModule(data), nil
}

// replaceModule returns a copy of snap with home hi's module mi replaced.
func replaceModule(snap *HomesDataResponse, hi, mi int, m Module) *HomesDataResponse {
	next := copyHome(snap, hi)
	next.Body.Homes[hi].Modules[mi] = m
	return next
}

// appendModule returns a copy of snap with m appended to home hi.
func appendModule(snap *HomesDataResponse, hi int, m Module) *HomesDataResponse {
	next := copyHome(snap, hi)
	next.Body.Homes[hi].Modules = append(next.Body.Homes[hi].Modules, m)
	return next
}

func copyHome(snap *HomesDataResponse, hi int) *HomesDataResponse {
	next := *snap
	next.Body.Homes = append([]Home(nil), snap.Body.Homes...)
	next.Body.Homes[hi].Modules = append(ModuleList(nil), snap.Body.Homes[hi].Modules...)
	return &next
}

// snapshotListener keeps the client's snapshot and reconnect logic in step
// with the push session.
type snapshotListener struct {
	c *Client
}

func (l *snapshotListener) HandleMessage(msg Message) {
	if update, ok := msg.(*ModuleUpdateMsg); ok {
		l.c.mergeUpdate(update)
	}
}

func (l *snapshotListener) Connected() {
	l.c.backoffArmed.Store(false)
	l.c.reconnect.Reset()
}

func (l *snapshotListener) Disconnected(userRequested bool, reason string) {
	if userRequested || l.c.wsStopped.Load() {
		return
	}
	l.c.logger.Info("scheduling websocket reconnect", "reason", reason)
	l.c.requestReconnect()
}
