package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/fleetlink/fleet-gateway/internal/auth"
	"github.com/fleetlink/fleet-gateway/internal/directory"
	"github.com/fleetlink/fleet-gateway/internal/enrollment"
	"github.com/fleetlink/fleet-gateway/internal/mission"
	"github.com/fleetlink/fleet-gateway/internal/models"
)

// handleRegister registers a device from its bootstrap topic
func (r *Router) handleRegister(ctx context.Context, deviceID string, payload []byte) error {
	var msg models.RegisterMessage
	if err := r.decode(payload, &msg); err != nil {
		return err
	}
	if msg.VehicleID != "" && msg.VehicleID != deviceID {
		return fmt.Errorf("%w: vehicleId %q does not match topic", ErrMalformedMessage, msg.VehicleID)
	}

	_, err := r.enroller.Register(ctx, deviceID, msg.Password, msg.Profile())
	switch {
	case errors.Is(err, directory.ErrAlreadyRegistered):
		log.Warn().Str("device_id", deviceID).Msg("Registration for existing device dropped")
	case errors.Is(err, directory.ErrInvalidDeviceID):
		log.Warn().Str("device_id", deviceID).Msg("Registration with invalid device id dropped")
	case err != nil:
		log.Error().Err(err).Str("device_id", deviceID).Msg("Registration failed")
	}
	return err
}

// handleAuth re-issues a token. Failures get no reply.
func (r *Router) handleAuth(ctx context.Context, deviceID string, payload []byte) error {
	var msg models.AuthMessage
	if err := r.decode(payload, &msg); err != nil {
		return err
	}
	if msg.VehicleID != "" && msg.VehicleID != deviceID {
		log.Warn().Str("device_id", deviceID).Str("claimed", msg.VehicleID).Msg("Authentication for another device dropped")
		return enrollment.ErrInvalidCredentials
	}

	_, err := r.enroller.Authenticate(ctx, deviceID, msg.Password)
	if err != nil && !errors.Is(err, enrollment.ErrInvalidCredentials) {
		log.Error().Err(err).Str("device_id", deviceID).Msg("Authentication failed")
	}
	return err
}

// authorize runs the gate before anything else looks at the payload
func (r *Router) authorize(ctx context.Context, deviceID, topicName, token string) error {
	if _, err := r.gate.Authorize(ctx, deviceID, topicName, token); err != nil {
		if !errors.Is(err, auth.ErrInvalidToken) {
			log.Error().Err(err).Str("device_id", deviceID).Msg("Authorization failed")
		}
		return err
	}
	return nil
}

// handleTelemetry stores a telemetry record and the last known position
func (r *Router) handleTelemetry(ctx context.Context, deviceID, topicName string, payload []byte) error {
	var msg models.TelemetryMessage
	if err := r.unmarshal(payload, &msg); err != nil {
		return err
	}
	if err := r.authorize(ctx, deviceID, topicName, msg.Token); err != nil {
		return err
	}
	if err := r.validate(&msg); err != nil {
		return err
	}

	record := msg.Record(r.newID(), deviceID, r.now())
	if err := r.series.InsertTelemetry(ctx, record); err != nil {
		log.Error().Err(err).Str("device_id", deviceID).Msg("Failed to store telemetry")
		return err
	}

	pos := &models.Position{Latitude: record.Latitude, Longitude: record.Longitude}
	if err := r.dir.TouchSeen(ctx, deviceID, pos); err != nil {
		log.Error().Err(err).Str("device_id", deviceID).Msg("Failed to update position")
		return err
	}

	r.events.Emit(ctx, &models.Event{
		Type:     models.EventTypeTelemetry,
		Level:    models.EventLevelInfo,
		DeviceID: deviceID,
		Details: models.Variables{
			"latitude":  record.Latitude,
			"longitude": record.Longitude,
			"timestamp": record.Timestamp.UnixMilli(),
		},
	})

	log.Debug().Str("device_id", deviceID).Msg("Telemetry stored")
	return nil
}

// handleHealth stores a health record; critical and error force maintenance
func (r *Router) handleHealth(ctx context.Context, deviceID, topicName string, payload []byte) error {
	var msg models.HealthMessage
	if err := r.unmarshal(payload, &msg); err != nil {
		return err
	}
	if err := r.authorize(ctx, deviceID, topicName, msg.Token); err != nil {
		return err
	}
	if err := r.validate(&msg); err != nil {
		return err
	}

	record := msg.Record(r.newID(), deviceID, r.now())
	if err := r.series.InsertHealth(ctx, record); err != nil {
		log.Error().Err(err).Str("device_id", deviceID).Msg("Failed to store health")
		return err
	}

	level := models.EventLevelInfo
	switch record.OverallStatus {
	case models.HealthStatusWarning:
		level = models.EventLevelWarning
	case models.HealthStatusCritical, models.HealthStatusError:
		level = models.EventLevelError
	}

	r.events.Emit(ctx, &models.Event{
		Type:     models.EventTypeHealth,
		Level:    level,
		DeviceID: deviceID,
		Details:  models.Variables{"overallStatus": string(record.OverallStatus)},
	})

	if record.OverallStatus.RequiresMaintenance() {
		r.forceMaintenance(ctx, deviceID, record.OverallStatus)
	}

	log.Debug().Str("device_id", deviceID).Msg("Health stored")
	return nil
}

func (r *Router) forceMaintenance(ctx context.Context, deviceID string, status models.HealthStatus) {
	changed, err := r.dir.SetStatus(ctx, deviceID, models.DeviceStatusMaintenance)
	if errors.Is(err, models.ErrInvalidTransition) {
		log.Warn().
			Str("device_id", deviceID).
			Str("health", string(status)).
			Msg("Device cannot enter maintenance from its current status")
		return
	}
	if err != nil {
		log.Error().Err(err).Str("device_id", deviceID).Msg("Failed to force maintenance")
		return
	}
	if !changed {
		return
	}

	log.Warn().
		Str("device_id", deviceID).
		Str("health", string(status)).
		Msg("Device moved to maintenance")

	r.events.Emit(ctx, &models.Event{
		Type:     models.EventTypeStatus,
		Level:    models.EventLevelWarning,
		DeviceID: deviceID,
		Details:  models.Variables{"to": string(models.DeviceStatusMaintenance), "health": string(status)},
	})
}

// handleMissionStatus stores the report, then drives the mission
func (r *Router) handleMissionStatus(ctx context.Context, deviceID, topicName string, payload []byte) error {
	var msg models.MissionStatusMessage
	if err := r.unmarshal(payload, &msg); err != nil {
		return err
	}
	if err := r.authorize(ctx, deviceID, topicName, msg.Token); err != nil {
		return err
	}
	if err := r.validate(&msg); err != nil {
		return err
	}

	record := msg.Record(r.newID(), deviceID, r.now())
	if err := r.series.InsertMissionStatus(ctx, record); err != nil {
		log.Error().Err(err).Str("device_id", deviceID).Msg("Failed to store mission status")
		return err
	}

	_, err := r.missions.ApplyReport(ctx, deviceID, record)
	switch {
	case errors.Is(err, mission.ErrNotFound), errors.Is(err, mission.ErrNotAssigned):
		log.Warn().
			Err(err).
			Str("device_id", deviceID).
			Str("mission_id", record.MissionID).
			Msg("Mission status kept as history only")
	case err != nil:
		log.Error().
			Err(err).
			Str("device_id", deviceID).
			Str("mission_id", record.MissionID).
			Msg("Failed to apply mission status")
	}
	return err
}
