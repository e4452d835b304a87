// Package telemetry publishes relay observations to an MQTT broker.
package telemetry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mclisten-project/mclisten/internal/config"
	"github.com/mclisten-project/mclisten/internal/events"
	"github.com/mclisten-project/mclisten/internal/util"
)

// Topic suffixes, appended to the configured prefix.
const (
	TopicPackets  = "packets"
	TopicSessions = "sessions"
	TopicPhases   = "phases"
	TopicErrors   = "errors"
	TopicStatus   = "status"
)

const handlerPrefix = "mqtt."

// publisher is the part of mqtt.Client the handler uses.
type publisher interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTHandler publishes bus events as JSON messages.
type MQTTHandler struct {
	cfg      config.MQTTConfig
	eventBus *events.EventBus
	client   mqtt.Client
	pub      publisher
	logger   zerolog.Logger

	// Metadata included in every message
	metadata map[string]interface{}
}

// NewMQTTHandler creates a new MQTT telemetry handler.
func NewMQTTHandler(cfg *config.Config, eventBus *events.EventBus) (*MQTTHandler, error) {
	mqttCfg := cfg.GetMQTT()
	if !mqttCfg.Enabled {
		return nil, fmt.Errorf("MQTT is disabled")
	}

	sysInfo := util.GetSystemInfo()
	handler := newHandler(mqttCfg, eventBus, map[string]interface{}{
		"hostname": sysInfo.Hostname,
		"os":       sysInfo.OS,
		"upstream": cfg.GetProxy().UpstreamAddr(),
	})

	opts := mqtt.NewClientOptions()
	scheme := "tcp"
	if mqttCfg.UseTLS {
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, mqttCfg.BrokerURL, mqttCfg.Port))

	if mqttCfg.ClientID != "" {
		opts.SetClientID(mqttCfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("mclisten-%s", sysInfo.Hostname))
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(true)

	if mqttCfg.UseTLS {
		tlsConfig, err := buildTLSConfig(mqttCfg)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		handler.logger.Info().Msg("MQTT connected")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		handler.logger.Warn().Err(err).Msg("MQTT connection lost")
	})

	handler.client = mqtt.NewClient(opts)
	handler.pub = handler.client
	return handler, nil
}

func newHandler(cfg config.MQTTConfig, bus *events.EventBus, metadata map[string]interface{}) *MQTTHandler {
	return &MQTTHandler{
		cfg:      cfg,
		eventBus: bus,
		metadata: metadata,
		logger:   log.With().Str("component", "mqtt").Logger(),
	}
}

func buildTLSConfig(cfg config.MQTTConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read MQTT CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}

	// mTLS
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load MQTT TLS certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

// Start connects to the broker, publishes bus events until ctx is
// cancelled, then disconnects.
func (h *MQTTHandler) Start(ctx context.Context) error {
	h.logger.Info().
		Str("broker", h.cfg.BrokerURL).
		Int("port", h.cfg.Port).
		Msg("connecting to MQTT broker")

	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	h.subscribeEvents()
	defer h.unsubscribeEvents()

	<-ctx.Done()

	h.PublishShutdown()
	h.client.Disconnect(5000)
	h.logger.Info().Msg("MQTT disconnected")
	return nil
}

type subscription struct {
	event   events.EventType
	name    string
	handler events.HandlerFunc
}

func (h *MQTTHandler) subscriptions() []subscription {
	subs := []subscription{
		{events.EventSessionOpened, "sessionOpened", h.onSessionOpened},
		{events.EventSessionClosed, "sessionClosed", h.onSessionClosed},
		{events.EventSessionRejected, "sessionRejected", h.onSessionRejected},
		{events.EventPhaseChanged, "phaseChanged", h.onPhaseChanged},
		{events.EventDecodeError, "decodeError", h.onDecodeError},
		{events.EventUpstreamHealth, "upstreamHealth", h.onUpstreamHealth},
		{events.EventDiskAlert, "diskAlert", h.onDiskAlert},
	}
	// Per-packet publishing is opt-in; it is one message per frame.
	if h.cfg.Packets {
		subs = append(subs, subscription{events.EventPacket, "packet", h.onPacket})
	}
	return subs
}

func (h *MQTTHandler) subscribeEvents() {
	for _, s := range h.subscriptions() {
		if s.event == events.EventPacket {
			h.eventBus.SubscribeQueued(s.event, handlerPrefix+s.name, events.PacketQueueSize, s.handler)
			continue
		}
		h.eventBus.Subscribe(s.event, handlerPrefix+s.name, s.handler)
	}
}

func (h *MQTTHandler) unsubscribeEvents() {
	for _, s := range h.subscriptions() {
		h.eventBus.Unsubscribe(s.event, handlerPrefix+s.name)
	}
}

// topic joins the configured prefix and a suffix.
func (h *MQTTHandler) topic(suffix string) string {
	return h.cfg.TopicPrefix + "/" + suffix
}

// publish sends a JSON message to an MQTT topic.
func (h *MQTTHandler) publish(suffix string, payload interface{}) {
	if !h.pub.IsConnected() {
		return
	}
	topic := h.topic(suffix)

	data, err := json.Marshal(h.buildMessage(payload))
	if err != nil {
		h.logger.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}

	token := h.pub.Publish(topic, 1, false, data)
	go func() {
		token.Wait()
		if token.Error() != nil {
			h.logger.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
}

// buildMessage combines metadata with the event payload.
func (h *MQTTHandler) buildMessage(payload interface{}) map[string]interface{} {
	msg := make(map[string]interface{}, len(h.metadata)+2)
	for k, v := range h.metadata {
		msg[k] = v
	}
	msg["payload"] = payload
	msg["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	return msg
}

// Event handlers

func (h *MQTTHandler) onSessionOpened(ctx context.Context, event events.Event) error {
	h.publish(TopicSessions, map[string]interface{}{
		"event":   "opened",
		"session": event.Payload,
	})
	return nil
}

func (h *MQTTHandler) onSessionClosed(ctx context.Context, event events.Event) error {
	h.publish(TopicSessions, map[string]interface{}{
		"event":   "closed",
		"session": event.Payload,
	})
	return nil
}

func (h *MQTTHandler) onSessionRejected(ctx context.Context, event events.Event) error {
	h.publish(TopicSessions, map[string]interface{}{
		"event":   "rejected",
		"session": event.Payload,
	})
	return nil
}

func (h *MQTTHandler) onPhaseChanged(ctx context.Context, event events.Event) error {
	h.publish(TopicPhases, event.Payload)
	return nil
}

func (h *MQTTHandler) onDecodeError(ctx context.Context, event events.Event) error {
	h.publish(TopicErrors, event.Payload)
	return nil
}

func (h *MQTTHandler) onPacket(ctx context.Context, event events.Event) error {
	h.publish(TopicPackets, event.Payload)
	return nil
}

func (h *MQTTHandler) onUpstreamHealth(ctx context.Context, event events.Event) error {
	h.publish(TopicStatus, map[string]interface{}{
		"event":    "upstream_health",
		"upstream": event.Payload,
	})
	return nil
}

func (h *MQTTHandler) onDiskAlert(ctx context.Context, event events.Event) error {
	h.publish(TopicStatus, map[string]interface{}{
		"event": "disk_alert",
		"disk":  event.Payload,
	})
	return nil
}

// PublishShutdown announces that the proxy is going away.
func (h *MQTTHandler) PublishShutdown() {
	h.publish(TopicStatus, map[string]interface{}{
		"event": "shutdown",
	})
}
