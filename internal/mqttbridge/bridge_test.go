package mqttbridge

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/go-cmp/cmp"

	"github.com/zorak1103/velux-active/internal/velux"
)

type fakeToken struct {
	err     error
	timeout bool
}

func (t *fakeToken) Wait() bool                     { return !t.timeout }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return !t.timeout }
func (t *fakeToken) Error() error                   { return t.err }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	Topic    string
	QoS      byte
	Retained bool
	Payload  string
}

type fakeClient struct {
	mu           sync.Mutex
	connected    bool
	token        *fakeToken
	messages     []published
	disconnected bool
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload any) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	var body string
	switch p := payload.(type) {
	case []byte:
		body = string(p)
	case string:
		body = p
	}
	c.messages = append(c.messages, published{Topic: topic, QoS: qos, Retained: retained, Payload: body})
	if c.token != nil {
		return c.token
	}
	return &fakeToken{}
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
	c.connected = false
}

func (c *fakeClient) sent() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]published(nil), c.messages...)
}

type mapSource map[string]velux.Module

func (s mapSource) Module(id string) velux.Module { return s[id] }

func TestTopics(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		prefix string
		got    func(Topics) string
		want   string
	}{
		{name: "status", prefix: "home/velux", got: Topics.Status, want: "home/velux/status"},
		{name: "session", prefix: "velux", got: Topics.Session, want: "velux/session"},
		{name: "default prefix", prefix: "", got: Topics.Status, want: "velux/status"},
		{name: "trimmed prefix", prefix: "/velux/", got: Topics.Session, want: "velux/session"},
		{
			name:   "gateway id sanitized",
			prefix: "velux",
			got:    func(t Topics) string { return t.ModuleState("h1", "70:ee:50:3d:1a:2c") },
			want:   "velux/h1/70-ee-50-3d-1a-2c/state",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.got(Topics{Prefix: tt.prefix}); got != tt.want {
				t.Errorf("topic = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBridge_Publish(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		connected bool
		qos       byte
		topic     string
		payload   []byte
		token     *fakeToken
		wantErr   error
	}{
		{name: "ok", connected: true, qos: 1, topic: "velux/x", payload: []byte("{}")},
		{name: "empty topic", connected: true, qos: 1, payload: []byte("{}"), wantErr: ErrInvalidTopic},
		{name: "bad qos", connected: true, qos: 3, topic: "velux/x", wantErr: ErrInvalidQoS},
		{name: "too large", connected: true, qos: 0, topic: "velux/x", payload: make([]byte, maxPayloadSize+1), wantErr: ErrPublishFailed},
		{name: "disconnected", qos: 1, topic: "velux/x", wantErr: ErrNotConnected},
		{name: "timeout", connected: true, qos: 1, topic: "velux/x", token: &fakeToken{timeout: true}, wantErr: ErrPublishFailed},
		{name: "broker error", connected: true, qos: 1, topic: "velux/x", token: &fakeToken{err: errors.New("denied")}, wantErr: ErrPublishFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			client := &fakeClient{connected: tt.connected, token: tt.token}
			b := newBridge(client, tt.qos, "velux", nil, nil)
			err := b.Publish(tt.topic, tt.payload, true)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Publish() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil && len(client.sent()) != 1 {
				t.Errorf("sent %d messages, want 1", len(client.sent()))
			}
		})
	}
}

const snapshotJSON = `{
	"status": "ok",
	"body": {"homes": [{
		"id": "home-1",
		"modules": [
			{"id": "70:ee:50:3d:1a:2c", "type": "NXG", "reachable": true},
			{"id": "aa01", "type": "NXO", "velux_type": "shutter", "current_position": 40, "target_position": 40}
		]
	}]}
}`

func TestBridge_PublishSnapshot(t *testing.T) {
	t.Parallel()

	var resp velux.HomesDataResponse
	if err := json.Unmarshal([]byte(snapshotJSON), &resp); err != nil {
		t.Fatalf("decoding fixture: %v", err)
	}

	client := &fakeClient{connected: true}
	b := newBridge(client, 1, "velux", nil, nil)
	if err := b.PublishSnapshot(&resp); err != nil {
		t.Fatalf("PublishSnapshot() error = %v", err)
	}

	sent := client.sent()
	var topics []string
	for _, m := range sent {
		topics = append(topics, m.Topic)
		if !m.Retained {
			t.Errorf("%s not retained", m.Topic)
		}
	}
	want := []string{"velux/home-1/70-ee-50-3d-1a-2c/state", "velux/home-1/aa01/state"}
	if diff := cmp.Diff(want, topics); diff != "" {
		t.Errorf("topics mismatch (-want +got):\n%s", diff)
	}
	if !strings.Contains(sent[1].Payload, `"current_position":40`) {
		t.Errorf("shutter payload = %s", sent[1].Payload)
	}

	if err := b.PublishSnapshot(nil); err != nil {
		t.Errorf("PublishSnapshot(nil) error = %v", err)
	}
}

func TestBridge_PublishSnapshotDisconnected(t *testing.T) {
	t.Parallel()

	var resp velux.HomesDataResponse
	if err := json.Unmarshal([]byte(snapshotJSON), &resp); err != nil {
		t.Fatalf("decoding fixture: %v", err)
	}
	b := newBridge(&fakeClient{}, 1, "velux", nil, nil)
	if err := b.PublishSnapshot(&resp); !errors.Is(err, ErrNotConnected) {
		t.Errorf("PublishSnapshot() error = %v, want ErrNotConnected", err)
	}
}

const pushJSON = `{
	"type": "Websocket",
	"push_type": "embedded_json",
	"extra_params": {"home": {"id": "home-1", "modules": [{"id": "aa01", "current_position": 75}]}}
}`

func TestBridge_HandleMessage(t *testing.T) {
	t.Parallel()

	var update velux.ModuleUpdateMsg
	if err := json.Unmarshal([]byte(pushJSON), &update); err != nil {
		t.Fatalf("decoding push: %v", err)
	}

	merged := &velux.NXOModule{
		BasicDeviceModule: velux.BasicDeviceModule{ID: "aa01", Type: velux.DeviceTypeActuator, Name: "Shutter"},
		VeluxType:         velux.VeluxTypeShutter,
		CurrentPosition:   75,
		TargetPosition:    75,
	}

	tests := []struct {
		name   string
		source ModuleSource
		want   []string
	}{
		{name: "merged from source", source: mapSource{"aa01": merged}, want: []string{`"name":"Shutter"`, `"current_position":75`}},
		{name: "pushed as received", want: []string{`"current_position":75`}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			client := &fakeClient{connected: true}
			b := newBridge(client, 1, "velux", tt.source, nil)
			b.HandleMessage(&update)
			b.HandleMessage(&velux.StatusMsg{})

			sent := client.sent()
			if len(sent) != 1 {
				t.Fatalf("sent %d messages, want 1", len(sent))
			}
			if sent[0].Topic != "velux/home-1/aa01/state" {
				t.Errorf("topic = %q", sent[0].Topic)
			}
			for _, w := range tt.want {
				if !strings.Contains(sent[0].Payload, w) {
					t.Errorf("payload %s missing %s", sent[0].Payload, w)
				}
			}
		})
	}
}

func TestBridge_SessionState(t *testing.T) {
	t.Parallel()

	client := &fakeClient{connected: true}
	b := newBridge(client, 0, "velux", nil, nil)
	b.Connected()
	b.Disconnected(false, "connection reset")

	sent := client.sent()
	if len(sent) != 2 {
		t.Fatalf("sent %d messages, want 2", len(sent))
	}

	var got map[string]any
	if err := json.Unmarshal([]byte(sent[1].Payload), &got); err != nil {
		t.Fatalf("decoding payload: %v", err)
	}
	want := map[string]any{"state": "disconnected", "user_requested": false, "reason": "connection reset"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("session payload mismatch (-want +got):\n%s", diff)
	}
	if sent[0].Topic != "velux/session" || sent[0].Payload != `{"state":"connected"}` {
		t.Errorf("connected message = %+v", sent[0])
	}
}

func TestBridge_Close(t *testing.T) {
	t.Parallel()

	client := &fakeClient{connected: true}
	b := newBridge(client, 1, "velux", nil, nil)
	if err := b.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	sent := client.sent()
	if len(sent) != 1 || sent[0].Topic != "velux/status" || !strings.Contains(sent[0].Payload, `"graceful_shutdown"`) {
		t.Errorf("close messages = %+v", sent)
	}
	if !client.disconnected {
		t.Error("client not disconnected")
	}
}

func TestStatusPayload(t *testing.T) {
	t.Parallel()

	var got map[string]string
	if err := json.Unmarshal([]byte(statusPayload("online", "")), &got); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if got["status"] != "online" || got["timestamp"] == "" {
		t.Errorf("payload = %v", got)
	}
	if _, ok := got["reason"]; ok {
		t.Error("empty reason included")
	}
}
