// Package mqttbridge republishes VELUX ACTIVE snapshots and live module
// updates to an MQTT broker.
//
// Module state is published retained on {prefix}/{home}/{module}/state.
// Bridge availability lives on {prefix}/status (with a last will), and
// WebSocket session changes on {prefix}/session.
package mqttbridge

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/zorak1103/velux-active/internal/config"
	"github.com/zorak1103/velux-active/internal/logging"
	"github.com/zorak1103/velux-active/internal/velux"
)

const (
	defaultConnectTimeout    = 10 * time.Second
	defaultPublishTimeout    = 5 * time.Second
	defaultDisconnectQuiesce = 1000 // milliseconds
	defaultKeepAlive         = 60 * time.Second
	maxQoS                   = 2
	maxPayloadSize           = 1 << 20
)

// pahoClient is the subset of pahomqtt.Client the bridge uses.
type pahoClient interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload any) pahomqtt.Token
	Disconnect(quiesce uint)
}

// ModuleSource resolves a module id to its merged state.
type ModuleSource interface {
	Module(id string) velux.Module
}

// Bridge publishes client data to MQTT. It implements velux.Listener.
type Bridge struct {
	client pahoClient
	qos    byte
	topics Topics
	source ModuleSource
	logger *logging.Logger
}

var _ velux.Listener = (*Bridge)(nil)

// Connect dials the broker described by cfg and returns a ready bridge.
// source may be nil, in which case pushed modules are published as received.
func Connect(cfg config.MQTTConfig, source ModuleSource, logger *logging.Logger) (*Bridge, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	topics := Topics{Prefix: cfg.TopicPrefix}
	opts := buildClientOptions(cfg)
	opts.SetWill(topics.Status(), statusPayload("offline", "unexpected_disconnect"), 1, true)

	b := &Bridge{
		qos:    byte(cfg.QoS),
		topics: topics,
		source: source,
		logger: logger.Component("mqtt"),
	}
	opts.SetOnConnectHandler(func(c pahomqtt.Client) {
		b.logger.Info("connected to broker")
		c.Publish(topics.Status(), b.qos, true, statusPayload("online", ""))
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		b.logger.Warn("broker connection lost", "error", err)
	})

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	b.client = client
	return b, nil
}

func newBridge(client pahoClient, qos byte, prefix string, source ModuleSource, logger *logging.Logger) *Bridge {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Bridge{
		client: client,
		qos:    qos,
		topics: Topics{Prefix: prefix},
		source: source,
		logger: logger.Component("mqtt"),
	}
}

func buildClientOptions(cfg config.MQTTConfig) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()

	scheme := "tcp"
	if cfg.TLS {
		scheme = "ssl"
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.Host, cfg.Port))
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)
	return opts
}

func statusPayload(status, reason string) string {
	payload := map[string]string{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if reason != "" {
		payload["reason"] = reason
	}
	data, _ := json.Marshal(payload) //nolint:errcheck // map of strings always marshals
	return string(data)
}

// Topics returns the topic builder in use.
func (b *Bridge) Topics() Topics { return b.topics }

// Publish sends payload to topic with the configured QoS.
func (b *Bridge) Publish(topic string, payload []byte, retained bool) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if b.qos > maxQoS {
		return ErrInvalidQoS
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(payload), maxPayloadSize)
	}
	if !b.client.IsConnected() {
		return ErrNotConnected
	}

	token := b.client.Publish(topic, b.qos, retained, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// PublishModule publishes the retained state of one module.
func (b *Bridge) PublishModule(homeID string, m velux.Module) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding module %s: %w", m.Basic().ID, err)
	}
	return b.Publish(b.topics.ModuleState(homeID, m.Basic().ID), data, true)
}

// PublishSnapshot publishes every module of every home in resp.
func (b *Bridge) PublishSnapshot(resp *velux.HomesDataResponse) error {
	if resp == nil {
		return nil
	}
	var errs []error
	for i := range resp.Body.Homes {
		home := &resp.Body.Homes[i]
		for _, m := range home.Modules {
			if err := b.PublishModule(home.ID, m); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// HandleMessage implements velux.Listener.
func (b *Bridge) HandleMessage(msg velux.Message) {
	update, ok := msg.(*velux.ModuleUpdateMsg)
	if !ok {
		return
	}
	for _, m := range update.Modules() {
		id := m.Basic().ID
		if b.source != nil {
			if merged := b.source.Module(id); merged != nil {
				m = merged
			}
		}
		if err := b.PublishModule(update.HomeID(), m); err != nil {
			b.logger.Warn("module update not published", "module", id, "error", err)
		}
	}
}

// Connected implements velux.Listener.
func (b *Bridge) Connected() {
	b.publishSession(map[string]any{"state": "connected"})
}

// Disconnected implements velux.Listener.
func (b *Bridge) Disconnected(userRequested bool, reason string) {
	b.publishSession(map[string]any{
		"state":          "disconnected",
		"user_requested": userRequested,
		"reason":         reason,
	})
}

func (b *Bridge) publishSession(payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := b.Publish(b.topics.Session(), data, true); err != nil {
		b.logger.Warn("session state not published", "error", err)
	}
}

// Close publishes a graceful offline status and disconnects.
func (b *Bridge) Close() error {
	if b.client == nil {
		return nil
	}
	if b.client.IsConnected() {
		token := b.client.Publish(b.topics.Status(), b.qos, true, statusPayload("offline", "graceful_shutdown"))
		token.WaitTimeout(defaultPublishTimeout)
	}
	b.client.Disconnect(defaultDisconnectQuiesce)
	return nil
}
