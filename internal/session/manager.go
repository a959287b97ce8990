// Package session owns the gateway's single MQTT connection.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/fleetlink/fleet-gateway/internal/config"
	"github.com/fleetlink/fleet-gateway/internal/topic"
)

// State is the connection state of the session
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Handler processes one inbound message. Returned errors are already
// logged by the handler and only traced here.
type Handler func(ctx context.Context, topic string, payload []byte) error

type inbound struct {
	topic   string
	payload []byte
}

// Manager keeps the broker connection alive, resubscribes after every
// connect and fans inbound messages out to workers sharded by device id.
type Manager struct {
	cfg     *config.MQTTConfig
	layout  topic.Layout
	handler Handler

	newClient func(*mqtt.ClientOptions) mqtt.Client
	client    mqtt.Client
	clientMu  sync.RWMutex
	state     atomic.Int32

	shards []chan inbound
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewManager creates a session manager. Nothing connects until Start.
func NewManager(cfg *config.MQTTConfig, layout topic.Layout, handler Handler) *Manager {
	return &Manager{
		cfg:       cfg,
		layout:    layout,
		handler:   handler,
		newClient: mqtt.NewClient,
	}
}

// State returns the current connection state
func (m *Manager) State() State {
	return State(m.state.Load())
}

// Start launches the workers and begins connecting. It does not wait for
// the broker: when it is unreachable the client keeps retrying at the
// configured interval.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.currentClient() != nil {
		return fmt.Errorf("mqtt session already started")
	}

	m.ctx, m.cancel = context.WithCancel(ctx)
	m.startWorkers()

	client := m.newClient(m.clientOptions())
	m.setClient(client)
	m.setState(StateConnecting)

	token := client.Connect()
	if token.WaitTimeout(m.cfg.ConnectTimeout) {
		if err := token.Error(); err != nil {
			m.cancel()
			m.wg.Wait()
			m.setClient(nil)
			m.setState(StateDisconnected)
			return fmt.Errorf("connect to %s: %w", m.cfg.BrokerURL, err)
		}
	} else {
		log.Warn().
			Str("broker", m.cfg.BrokerURL).
			Dur("retry_interval", m.cfg.ReconnectInterval).
			Msg("MQTT broker not reachable yet, retrying in background")
	}

	return nil
}

// Stop disconnects and waits for in-flight messages to finish
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	client := m.currentClient()
	if client == nil {
		return
	}

	m.setState(StateDisconnected)
	client.Disconnect(250)
	m.cancel()
	m.wg.Wait()
	m.setClient(nil)

	log.Info().Msg("MQTT session stopped")
}

func (m *Manager) clientOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(m.cfg.BrokerURL)
	opts.SetClientID(m.cfg.ClientID)

	if m.cfg.Username != "" {
		opts.SetUsername(m.cfg.Username)
		opts.SetPassword(m.cfg.Password)
	}

	opts.SetCleanSession(true)
	opts.SetOrderMatters(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(m.cfg.ReconnectInterval)
	opts.SetMaxReconnectInterval(m.cfg.ReconnectInterval)
	opts.SetConnectTimeout(m.cfg.ConnectTimeout)
	opts.SetKeepAlive(m.cfg.KeepAlive)

	opts.SetOnConnectHandler(m.onConnect)
	opts.SetConnectionLostHandler(m.onConnectionLost)
	opts.SetReconnectingHandler(m.onReconnecting)

	return opts
}

func (m *Manager) onConnect(client mqtt.Client) {
	m.setState(StateConnected)

	filters := make(map[string]byte)
	for _, filter := range m.layout.Subscriptions() {
		filters[filter] = m.cfg.QoS
	}

	token := client.SubscribeMultiple(filters, m.onMessage)
	if !token.WaitTimeout(m.cfg.SubscribeTimeout) {
		log.Error().Msg("MQTT subscribe timeout")
		return
	}
	if err := token.Error(); err != nil {
		log.Error().Err(err).Msg("MQTT subscribe failed")
		return
	}

	log.Info().
		Str("broker", m.cfg.BrokerURL).
		Int("subscriptions", len(filters)).
		Msg("MQTT session connected")
}

func (m *Manager) onConnectionLost(_ mqtt.Client, err error) {
	m.setState(StateConnecting)
	log.Warn().Err(err).Msg("MQTT connection lost, reconnecting")
}

func (m *Manager) onReconnecting(_ mqtt.Client, _ *mqtt.ClientOptions) {
	m.setState(StateConnecting)
	log.Debug().Str("broker", m.cfg.BrokerURL).Msg("MQTT reconnecting")
}

func (m *Manager) currentClient() mqtt.Client {
	m.clientMu.RLock()
	defer m.clientMu.RUnlock()
	return m.client
}

func (m *Manager) setClient(c mqtt.Client) {
	m.clientMu.Lock()
	m.client = c
	m.clientMu.Unlock()
}

func (m *Manager) setState(s State) {
	m.state.Store(int32(s))
}

// Publish sends payload and waits for the broker acknowledgement at qos.
// It fails fast with ErrNotConnected while the session is down and
// returns ErrDeliveryUnknown when no acknowledgement arrives in time.
func (m *Manager) Publish(ctx context.Context, topic string, payload []byte, qos byte) error {
	client := m.currentClient()
	if client == nil || m.State() != StateConnected {
		return &PublishError{Topic: topic, Err: ErrNotConnected}
	}

	token := client.Publish(topic, qos, false, payload)

	timer := time.NewTimer(m.cfg.PublishTimeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return &PublishError{Topic: topic, Err: err}
		}
		log.Debug().Str("topic", topic).Int("size", len(payload)).Msg("MQTT message published")
		return nil
	case <-timer.C:
		log.Warn().Str("topic", topic).Msg("MQTT publish timeout")
		return fmt.Errorf("publish to %s: %w", topic, ErrDeliveryUnknown)
	case <-ctx.Done():
		return fmt.Errorf("publish to %s: %w: %v", topic, ErrDeliveryUnknown, ctx.Err())
	}
}

func (m *Manager) startWorkers() {
	workers := m.cfg.Workers
	if workers <= 0 {
		workers = 1
	}

	m.shards = make([]chan inbound, workers)
	for i := range m.shards {
		m.shards[i] = make(chan inbound, m.cfg.QueueSize)
		m.wg.Add(1)
		go m.worker(m.shards[i])
	}
}

func (m *Manager) worker(queue <-chan inbound) {
	defer m.wg.Done()

	// Handlers run to completion even while the session shuts down.
	ctx := context.WithoutCancel(m.ctx)

	for {
		select {
		case <-m.ctx.Done():
			return
		case msg := <-queue:
			m.dispatch(ctx, msg)
		}
	}
}

func (m *Manager) dispatch(ctx context.Context, msg inbound) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("topic", msg.topic).
				Interface("panic", r).
				Msg("MQTT message handler panicked")
		}
	}()

	if err := m.handler(ctx, msg.topic, msg.payload); err != nil {
		log.Debug().Err(err).Str("topic", msg.topic).Msg("MQTT message not accepted")
	}
}

func (m *Manager) onMessage(_ mqtt.Client, msg mqtt.Message) {
	payload := msg.Payload()

	if !json.Valid(payload) {
		log.Warn().
			Str("topic", msg.Topic()).
			Int("size", len(payload)).
			Msg("Dropping non-JSON MQTT message")
		return
	}

	deviceID := m.layout.DeviceID(msg.Topic())
	queue := m.shards[shardFor(deviceID, len(m.shards))]

	// Never block paho's router: it also carries the acks our own
	// publishes wait for.
	select {
	case queue <- inbound{topic: msg.Topic(), payload: payload}:
	default:
		log.Warn().
			Str("device_id", deviceID).
			Str("topic", msg.Topic()).
			Int("queue_size", cap(queue)).
			Msg("Inbound queue full, dropping MQTT message")
	}
}

func shardFor(deviceID string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(deviceID))
	return int(h.Sum32() % uint32(n))
}
