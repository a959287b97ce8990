// Package dispatch publishes commands and credentials to devices.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fleetlink/fleet-gateway/internal/models"
	"github.com/fleetlink/fleet-gateway/internal/topic"
)

// Publisher is the transport the dispatcher writes to
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, qos byte) error
}

// Dispatcher serializes outbound messages and publishes them at least once.
// Every send returns only after the transport confirmed or failed delivery.
type Dispatcher struct {
	pub    Publisher
	layout topic.Layout
	qos    byte
	now    func() time.Time
}

// New creates a dispatcher. QoS 0 is raised to 1.
func New(pub Publisher, layout topic.Layout, qos byte) *Dispatcher {
	if qos < 1 {
		qos = 1
	}
	return &Dispatcher{
		pub:    pub,
		layout: layout,
		qos:    qos,
		now:    time.Now,
	}
}

// SendCommand publishes payload as JSON to the device's command topic
func (d *Dispatcher) SendCommand(ctx context.Context, deviceID string, payload any) error {
	return d.send(ctx, d.layout.Command(deviceID), payload)
}

// SendToken publishes a freshly issued token to the device's token topic
func (d *Dispatcher) SendToken(ctx context.Context, deviceID, token string, issuedAt time.Time) error {
	return d.send(ctx, d.layout.Token(deviceID), models.NewTokenMessage(token, issuedAt))
}

// SendCancel tells the device to abandon a mission
func (d *Dispatcher) SendCancel(ctx context.Context, deviceID, missionID string) error {
	msg := models.MissionCancel{
		MissionID: missionID,
		Timestamp: d.now().UnixMilli(),
	}
	return d.send(ctx, d.layout.Cancel(deviceID), msg)
}

func (d *Dispatcher) send(ctx context.Context, topicName string, payload any) error {
	data, err := marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal message for %s: %w", topicName, err)
	}

	if err := d.pub.Publish(ctx, topicName, data, d.qos); err != nil {
		log.Error().Err(err).Str("topic", topicName).Msg("Failed to dispatch message")
		return err
	}

	log.Debug().Str("topic", topicName).Msg("Message dispatched")
	return nil
}

// marshal passes raw JSON through untouched
func marshal(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, fmt.Errorf("invalid raw JSON")
		}
		return p, nil
	default:
		return json.Marshal(payload)
	}
}
