package simulator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const (
	subscribeTimeout = 10 * time.Second
	writeTimeout     = 5 * time.Second
	subscriberBuffer = 32
	maxFrameSize     = 64 * 1024
)

// subscriber is one acknowledged push channel.
type subscriber struct {
	username string
	send     chan []byte
}

// subscribeFrame is the first frame a client sends.
type subscribeFrame struct {
	Action      string `json:"action"`
	AccessToken string `json:"access_token"`
	AppType     string `json:"app_type"`
	Version     string `json:"version"`
	Filter      string `json:"filter"`
	Platform    string `json:"platform"`
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow() //nolint:errcheck // already closing
	conn.SetReadLimit(maxFrameSize)

	readCtx, cancel := context.WithTimeout(r.Context(), subscribeTimeout)
	_, data, err := conn.Read(readCtx)
	cancel()
	if err != nil {
		s.logger.Debug("no subscribe frame", "error", err)
		return
	}

	var frame subscribeFrame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Action != "Subscribe" {
		s.reject(r.Context(), conn, "expected Subscribe frame")
		return
	}
	username, err := s.parseAccessToken(frame.AccessToken)
	if err != nil {
		s.logger.Warn("subscribe with invalid token", "error", err)
		s.reject(r.Context(), conn, "invalid access token")
		return
	}

	sub := &subscriber{username: username, send: make(chan []byte, subscriberBuffer)}
	if !s.register(sub) {
		_ = conn.Close(websocket.StatusGoingAway, "simulator stopping")
		return
	}
	defer s.unregister(sub)

	if err := s.writeFrame(r.Context(), conn, s.statusFrame("ok")); err != nil {
		s.logger.Debug("writing subscribe ack", "error", err)
		return
	}
	s.logger.Info("push subscriber connected", "username", username, "app_version", frame.Version)

	// CloseRead discards client frames and answers pings.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("push subscriber disconnected", "username", username)
			return
		case msg, ok := <-sub.send:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "simulator stopping")
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				s.logger.Warn("writing push", "username", username, "error", err)
				return
			}
		}
	}
}

func (s *Server) reject(ctx context.Context, conn *websocket.Conn, reason string) {
	_ = s.writeFrame(ctx, conn, s.statusFrame("error"))
	_ = conn.Close(websocket.StatusPolicyViolation, reason)
}

func (s *Server) writeFrame(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

func (s *Server) register(sub *subscriber) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutDown {
		return false
	}
	s.subs[sub] = struct{}{}
	return true
}

// unregister removes sub. Only the goroutine that removes it closes its channel.
func (s *Server) unregister(sub *subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[sub]; ok {
		delete(s.subs, sub)
		close(sub.send)
	}
}

func (s *Server) closeSubscribers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutDown = true
	s.dropLocked()
}

// DropSubscribers closes every push channel with a going-away status, as the
// cloud does during maintenance. Clients may subscribe again.
func (s *Server) DropSubscribers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropLocked()
}

func (s *Server) dropLocked() {
	for sub := range s.subs {
		delete(s.subs, sub)
		close(sub.send)
	}
}

// Subscribers returns the number of acknowledged push channels.
func (s *Server) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Push merges module into the fixture home homeID and sends a module update
// to every subscriber. module must carry an "id"; an unknown id adds a module.
func (s *Server) Push(homeID string, module map[string]any) error {
	id, _ := module["id"].(string)
	if id == "" {
		return ErrMissingID
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutDown {
		return ErrShuttingDown
	}
	home := s.findHomeLocked(homeID)
	if home == nil {
		return fmt.Errorf("%w: %s", ErrUnknownHome, homeID)
	}

	if existing := s.findModuleLocked(homeID, id); existing != nil {
		for k, v := range module {
			existing[k] = v
		}
	} else {
		added := make(map[string]any, len(module))
		for k, v := range module {
			added[k] = v
		}
		modules, _ := home["modules"].([]any)
		home["modules"] = append(modules, added)
	}

	frame, err := s.moduleUpdateFrame(homeID, module)
	if err != nil {
		return err
	}

	dropped := 0
	for sub := range s.subs {
		select {
		case sub.send <- frame:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		s.logger.Warn("push dropped for slow subscribers", "module", id, "dropped", dropped)
	}
	s.logger.Debug("module pushed", "home", homeID, "module", id, "subscribers", len(s.subs))
	return nil
}

// moduleUpdateFrame builds the push envelope for one changed module.
func (s *Server) moduleUpdateFrame(homeID string, module map[string]any) ([]byte, error) {
	now := s.now()
	sec, usec := unixMicro(now)
	userID, _ := s.user["id"].(string)

	frame := map[string]any{
		"type":         "Websocket",
		"push_type":    "embedded_json",
		"app_type":     "app_velux",
		"user_id":      userID,
		"_id":          uuid.NewString(),
		"ts_generated": now.Unix(),
		"timestamp":    map[string]int64{"sec": sec, "usec": usec},
		"extra_params": map[string]any{
			"home": map[string]any{
				"id":      homeID,
				"modules": []any{module},
			},
			"timestamp": now.Unix(),
		},
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("encoding module update: %w", err)
	}
	return data, nil
}
