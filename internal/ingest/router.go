// Package ingest classifies inbound device messages and routes them to
// their sinks.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fleetlink/fleet-gateway/internal/directory"
	"github.com/fleetlink/fleet-gateway/internal/enrollment"
	"github.com/fleetlink/fleet-gateway/internal/events"
	"github.com/fleetlink/fleet-gateway/internal/gate"
	"github.com/fleetlink/fleet-gateway/internal/mission"
	"github.com/fleetlink/fleet-gateway/internal/storage"
	"github.com/fleetlink/fleet-gateway/internal/topic"
	"github.com/fleetlink/fleet-gateway/internal/validation"
)

var (
	// ErrMalformedMessage is returned for undecodable or incomplete payloads
	ErrMalformedMessage = errors.New("malformed message")
	// ErrIgnored is returned for topics the router does not handle
	ErrIgnored = errors.New("topic ignored")
)

// Router dispatches one message at a time. It holds no per-message state
// and is safe for concurrent use.
type Router struct {
	layout    topic.Layout
	gate      *gate.Gate
	enroller  *enrollment.Enroller
	dir       *directory.Directory
	series    storage.TimeseriesStore
	missions  *mission.Service
	events    events.Emitter
	validator *validation.Validator
	now       func() time.Time
	newID     func() string
}

// Config wires the router's collaborators
type Config struct {
	Layout   topic.Layout
	Gate     *gate.Gate
	Enroller *enrollment.Enroller
	Dir      *directory.Directory
	Series   storage.TimeseriesStore
	Missions *mission.Service
	Events   events.Emitter
}

// NewRouter creates a router
func NewRouter(cfg Config) *Router {
	emitter := cfg.Events
	if emitter == nil {
		emitter = events.Nop{}
	}
	return &Router{
		layout:    cfg.Layout,
		gate:      cfg.Gate,
		enroller:  cfg.Enroller,
		dir:       cfg.Dir,
		series:    cfg.Series,
		missions:  cfg.Missions,
		events:    emitter,
		validator: validation.NewValidator(),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     func() string { return uuid.New().String() },
	}
}

// Handle routes one raw message. Every error is logged here; callers
// only need it for tracing.
func (r *Router) Handle(ctx context.Context, topicName string, payload []byte) error {
	deviceID, kind := r.layout.Parse(topicName)

	var err error
	switch kind {
	case topic.KindRegister:
		err = r.handleRegister(ctx, deviceID, payload)
	case topic.KindAuth:
		err = r.handleAuth(ctx, deviceID, payload)
	case topic.KindTelemetry:
		err = r.handleTelemetry(ctx, deviceID, topicName, payload)
	case topic.KindHealth:
		err = r.handleHealth(ctx, deviceID, topicName, payload)
	case topic.KindMissionStatus:
		err = r.handleMissionStatus(ctx, deviceID, topicName, payload)
	default:
		// Includes our own mission commands echoed back by the broker.
		log.Debug().Str("topic", topicName).Msg("Ignoring message")
		return ErrIgnored
	}

	if errors.Is(err, ErrMalformedMessage) {
		log.Warn().
			Err(err).
			Str("device_id", deviceID).
			Str("topic", topicName).
			Msg("Dropping malformed message")
	}
	return err
}

// decode unmarshals and validates payload into msg
func (r *Router) decode(payload []byte, msg interface{}) error {
	if err := r.unmarshal(payload, msg); err != nil {
		return err
	}
	return r.validate(msg)
}

func (r *Router) unmarshal(payload []byte, msg interface{}) error {
	if err := json.Unmarshal(payload, msg); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return nil
}

func (r *Router) validate(msg interface{}) error {
	if err := r.validator.Validate(msg); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return nil
}
