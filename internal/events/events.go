// Package events fans domain events out to backend services over NATS and
// accepts commands from them.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fleetlink/fleet-gateway/internal/directory"
	"github.com/fleetlink/fleet-gateway/internal/models"
)

// Emitter receives domain events. Emit never fails the caller.
type Emitter interface {
	Emit(ctx context.Context, event *models.Event)
}

// Nop discards events
type Nop struct{}

// Emit implements Emitter
func (Nop) Emit(context.Context, *models.Event) {}

// Conn is the subset of *nats.Conn used for publishing
type Conn interface {
	Publish(subj string, data []byte) error
}

// NATSPublisher publishes events as JSON on
// {prefix}.device.{id}.{type} and {prefix}.mission.{id}.{type}.
type NATSPublisher struct {
	nc     Conn
	prefix string
	now    func() time.Time
}

// NewNATSPublisher creates a publisher over nc
func NewNATSPublisher(nc Conn, prefix string) *NATSPublisher {
	return &NATSPublisher{
		nc:     nc,
		prefix: prefix,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Subject returns the subject an event is published on
func (p *NATSPublisher) Subject(event *models.Event) string {
	if event.IsMissionEvent() {
		return fmt.Sprintf("%s.mission.%s.%s", p.prefix, event.MissionID, event.Type)
	}
	return fmt.Sprintf("%s.device.%s.%s", p.prefix, event.DeviceID, event.Type)
}

// Emit implements Emitter
func (p *NATSPublisher) Emit(ctx context.Context, event *models.Event) {
	if event.Time.IsZero() {
		event.Time = p.now()
	}
	if event.Level == "" {
		event.Level = models.EventLevelInfo
	}

	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("type", string(event.Type)).Msg("Failed to marshal event")
		return
	}

	id := event.DeviceID
	if event.IsMissionEvent() {
		id = event.MissionID
	}
	if err := directory.ValidateDeviceID(id); err != nil {
		log.Warn().Err(err).Str("type", string(event.Type)).Msg("Event id is not a subject token, not publishing")
		return
	}

	subject := p.Subject(event)
	if err := p.nc.Publish(subject, data); err != nil {
		log.Error().Err(err).Str("subject", subject).Msg("Failed to publish event")
		return
	}

	log.Debug().Str("subject", subject).Msg("Event published")
}
