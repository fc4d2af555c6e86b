package radio

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lazypower/tether/internal/config"
	"github.com/lazypower/tether/internal/telemetry"
)

// Topic layout, per device:
//
//	<prefix>/<id>/signal   radio -> tether  signalMessage
//	<prefix>/<id>/link     radio -> tether  linkMessage
//	<prefix>/<id>/command  tether -> radio  commandMessage
//	<prefix>/<id>/ack      radio -> tether  ackMessage
type signalMessage struct {
	Timestamp string   `json:"timestamp,omitempty"` // RFC3339
	RSSI      float64  `json:"rssi"`
	Battery   *float64 `json:"battery,omitempty"`
	Context   []string `json:"context,omitempty"`
}

type linkMessage struct {
	State string `json:"state"` // lost, up
}

type commandMessage struct {
	RequestID string `json:"request_id"`
	Action    string `json:"action"` // connect, disconnect, prepare
}

type ackMessage struct {
	RequestID string `json:"request_id"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
}

// broker is the slice of the paho client the bridge uses.
type broker interface {
	publish(ctx context.Context, topic string, payload []byte) error
	subscribe(topic string, handler mqtt.MessageHandler) error
	close()
}

type pahoBroker struct {
	client mqtt.Client
}

func (b *pahoBroker) publish(ctx context.Context, topic string, payload []byte) error {
	token := b.client.Publish(topic, 1, false, payload)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *pahoBroker) subscribe(topic string, handler mqtt.MessageHandler) error {
	token := b.client.Subscribe(topic, 1, handler)
	if token.Wait() && token.Error() != nil {
		return token.Error()
	}
	return nil
}

func (b *pahoBroker) close() {
	b.client.Disconnect(250)
}

// MQTT bridges a radio daemon that speaks JSON over an MQTT broker.
type MQTT struct {
	broker     broker
	prefix     string
	ackTimeout time.Duration
	log        *zap.Logger

	mu      sync.Mutex
	sink    Sink
	pending map[string]chan ackMessage
}

// NewMQTT connects to the configured broker.
func NewMQTT(cfg config.RadioConfig, log *zap.Logger) (*MQTT, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("mqtt")

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Info("connected to broker", zap.String("broker", cfg.Broker))
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn("broker connection lost", zap.Error(err))
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connect to MQTT broker %s: %w", cfg.Broker, ErrTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to MQTT broker %s: %w", cfg.Broker, err)
	}

	return newMQTT(&pahoBroker{client: client}, cfg.TopicPrefix, cfg.AckTimeout, log), nil
}

func newMQTT(b broker, prefix string, ackTimeout time.Duration, log *zap.Logger) *MQTT {
	if prefix == "" {
		prefix = "radio"
	}
	if ackTimeout <= 0 {
		ackTimeout = 5 * time.Second
	}
	return &MQTT{
		broker:     b,
		prefix:     strings.TrimSuffix(prefix, "/"),
		ackTimeout: ackTimeout,
		log:        log,
		pending:    make(map[string]chan ackMessage),
	}
}

// Attach subscribes to signal, link and ack topics for all devices.
func (m *MQTT) Attach(sink Sink) error {
	m.mu.Lock()
	m.sink = sink
	m.mu.Unlock()

	subs := []struct {
		kind    string
		handler mqtt.MessageHandler
	}{
		{"signal", m.handleSignal},
		{"link", m.handleLink},
		{"ack", m.handleAck},
	}
	for _, s := range subs {
		topic := m.prefix + "/+/" + s.kind
		if err := m.broker.subscribe(topic, s.handler); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		m.log.Info("subscribed", zap.String("topic", topic))
	}
	return nil
}

func (m *MQTT) Connect(ctx context.Context, deviceID string) error {
	return m.command(ctx, deviceID, "connect")
}

func (m *MQTT) Disconnect(ctx context.Context, deviceID string) error {
	return m.command(ctx, deviceID, "disconnect")
}

func (m *MQTT) Prepare(ctx context.Context, deviceID string) error {
	return m.command(ctx, deviceID, "prepare")
}

// Close disconnects from the broker.
func (m *MQTT) Close() error {
	m.broker.close()
	return nil
}

func (m *MQTT) topic(deviceID, kind string) string {
	return m.prefix + "/" + deviceID + "/" + kind
}

// command publishes an action and waits for the matching ack.
func (m *MQTT) command(ctx context.Context, deviceID, action string) error {
	req := commandMessage{RequestID: uuid.NewString(), Action: action}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode %s command: %w", action, err)
	}

	ch := make(chan ackMessage, 1)
	m.mu.Lock()
	m.pending[req.RequestID] = ch
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.pending, req.RequestID)
		m.mu.Unlock()
	}()

	if err := m.broker.publish(ctx, m.topic(deviceID, "command"), payload); err != nil {
		return fmt.Errorf("publish %s %s: %w", action, deviceID, err)
	}

	timer := time.NewTimer(m.ackTimeout)
	defer timer.Stop()
	select {
	case ack := <-ch:
		if !ack.OK {
			return fmt.Errorf("radio %s %s: %s", action, deviceID, ack.Error)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%s %s: %w", action, deviceID, ErrTimeout)
	case <-ctx.Done():
		return fmt.Errorf("%s %s: %w", action, deviceID, ErrTimeout)
	}
}

// deviceFromTopic extracts <id> from <prefix>/<id>/<kind>.
func (m *MQTT) deviceFromTopic(topic, kind string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, m.prefix+"/")
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, "/"+kind)
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

func (m *MQTT) currentSink() Sink {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sink
}

func (m *MQTT) handleSignal(_ mqtt.Client, msg mqtt.Message) {
	deviceID, ok := m.deviceFromTopic(msg.Topic(), "signal")
	if !ok {
		m.log.Warn("unexpected signal topic", zap.String("topic", msg.Topic()))
		return
	}

	var payload signalMessage
	if err := json.Unmarshal(msg.Payload(), &payload); err != nil {
		m.log.Warn("bad signal payload", zap.String("device", deviceID), zap.Error(err))
		return
	}
	flags, err := telemetry.ParseFlags(payload.Context)
	if err != nil {
		m.log.Debug("ignoring context flags", zap.String("device", deviceID), zap.Error(err))
		flags = 0
	}

	reading := telemetry.Reading{
		SignalDBm: payload.RSSI,
		Battery:   payload.Battery,
		Flags:     flags,
	}
	if payload.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339Nano, payload.Timestamp)
		if err != nil {
			m.log.Warn("bad signal timestamp", zap.String("device", deviceID), zap.Error(err))
			return
		}
		reading.Timestamp = ts
	}

	sink := m.currentSink()
	if sink == nil {
		return
	}
	if err := sink.OnSignalSample(deviceID, reading); err != nil {
		m.log.Debug("signal sample rejected", zap.String("device", deviceID), zap.Error(err))
	}
}

func (m *MQTT) handleLink(_ mqtt.Client, msg mqtt.Message) {
	deviceID, ok := m.deviceFromTopic(msg.Topic(), "link")
	if !ok {
		return
	}
	var payload linkMessage
	if err := json.Unmarshal(msg.Payload(), &payload); err != nil {
		m.log.Warn("bad link payload", zap.String("device", deviceID), zap.Error(err))
		return
	}
	if payload.State != "lost" {
		return
	}
	sink := m.currentSink()
	if sink == nil {
		return
	}
	if err := sink.OnLinkLost(deviceID); err != nil {
		m.log.Debug("link loss not applied", zap.String("device", deviceID), zap.Error(err))
	}
}

func (m *MQTT) handleAck(_ mqtt.Client, msg mqtt.Message) {
	var ack ackMessage
	if err := json.Unmarshal(msg.Payload(), &ack); err != nil {
		m.log.Warn("bad ack payload", zap.String("topic", msg.Topic()), zap.Error(err))
		return
	}

	m.mu.Lock()
	ch, ok := m.pending[ack.RequestID]
	m.mu.Unlock()
	if !ok {
		m.log.Debug("ack for unknown request", zap.String("request_id", ack.RequestID))
		return
	}
	select {
	case ch <- ack:
	default:
	}
}
