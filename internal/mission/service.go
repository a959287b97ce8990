// Package mission manages missions and drives their lifecycle from
// device status reports.
package mission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fleetlink/fleet-gateway/internal/directory"
	"github.com/fleetlink/fleet-gateway/internal/events"
	"github.com/fleetlink/fleet-gateway/internal/models"
	"github.com/fleetlink/fleet-gateway/internal/storage"
	"github.com/fleetlink/fleet-gateway/internal/validation"
)

var (
	// ErrNotFound is returned for unknown mission ids
	ErrNotFound = errors.New("mission not found")
	// ErrVehicleInactive is returned when assigning to a device that is not active
	ErrVehicleInactive = errors.New("vehicle is not active")
	// ErrTerminal is returned when changing a completed, failed or cancelled mission
	ErrTerminal = errors.New("mission already finished")
	// ErrNotAssignable is returned when reassigning a mission already under way
	ErrNotAssignable = errors.New("mission cannot be assigned in its current state")
	// ErrNotAssigned is returned for a report from a device the mission is not assigned to
	ErrNotAssigned = errors.New("mission not assigned to reporting vehicle")
)

const maxUpdateAttempts = 3

// CommandSender delivers mission commands to devices
type CommandSender interface {
	SendCommand(ctx context.Context, deviceID string, payload any) error
	SendCancel(ctx context.Context, deviceID, missionID string) error
}

// CreateRequest describes a new mission
type CreateRequest struct {
	Name               string                 `json:"name" validate:"required,max=255"`
	Description        string                 `json:"description"`
	Type               models.MissionType     `json:"type" validate:"oneof=delivery patrol inspection survey custom"`
	Priority           models.MissionPriority `json:"priority" validate:"oneof=low medium high critical"`
	AssignedVehicleID  *string                `json:"assignedVehicleId"`
	Waypoints          models.Waypoints       `json:"waypoints"`
	Parameters         models.Variables       `json:"parameters"`
	ScheduledStartTime *time.Time             `json:"scheduledStartTime"`
}

// Service owns mission records
type Service struct {
	store     storage.Store
	series    storage.TimeseriesStore
	dir       *directory.Directory
	sender    CommandSender
	events    events.Emitter
	validator *validation.Validator
	now       func() time.Time
}

// NewService creates a mission service
func NewService(store storage.Store, series storage.TimeseriesStore, dir *directory.Directory, sender CommandSender, emitter events.Emitter) *Service {
	if emitter == nil {
		emitter = events.Nop{}
	}
	return &Service{
		store:     store,
		series:    series,
		dir:       dir,
		sender:    sender,
		events:    emitter,
		validator: validation.NewValidator(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Create stores a mission, assigned when a vehicle is given. The command
// is sent after the save; a delivery failure is returned with the mission.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*models.Mission, error) {
	if err := s.validator.Validate(&req); err != nil {
		return nil, err
	}

	m := &models.Mission{
		MissionID:          "MISSION-" + uuid.New().String(),
		Name:               req.Name,
		Description:        req.Description,
		Type:               req.Type,
		Priority:           req.Priority,
		State:              models.MissionStatePending,
		Waypoints:          req.Waypoints,
		Parameters:         req.Parameters,
		ScheduledStartTime: req.ScheduledStartTime,
	}
	if m.Type == "" {
		m.Type = models.MissionTypeCustom
	}
	if m.Priority == "" {
		m.Priority = models.MissionPriorityMedium
	}
	if m.Waypoints == nil {
		m.Waypoints = models.Waypoints{}
	}
	if m.Parameters == nil {
		m.Parameters = models.Variables{}
	}

	if req.AssignedVehicleID != nil {
		if err := s.checkVehicle(ctx, *req.AssignedVehicleID); err != nil {
			return nil, err
		}
		vehicleID := *req.AssignedVehicleID
		m.AssignedDeviceID = &vehicleID
		m.State = models.MissionStateAssigned
	}

	if err := s.store.CreateMission(ctx, m); err != nil {
		return nil, fmt.Errorf("create mission: %w", err)
	}

	log.Info().
		Str("mission_id", m.MissionID).
		Str("state", string(m.State)).
		Msg("Mission created")

	s.emit(ctx, models.EventTypeMissionCreated, m, nil)

	if m.AssignedDeviceID == nil {
		return m, nil
	}
	s.emit(ctx, models.EventTypeMissionAssigned, m, nil)
	return m, s.sender.SendCommand(ctx, *m.AssignedDeviceID, m.Command())
}

// Assign hands a pending or assigned mission to an active vehicle and sends
// it the mission command.
func (s *Service) Assign(ctx context.Context, missionID, deviceID string) (*models.Mission, error) {
	if err := s.checkVehicle(ctx, deviceID); err != nil {
		return nil, err
	}

	m, _, err := s.update(ctx, missionID, func(m *models.Mission) (bool, error) {
		if m.State.IsTerminal() {
			return false, ErrTerminal
		}
		if m.State != models.MissionStatePending && m.State != models.MissionStateAssigned {
			return false, ErrNotAssignable
		}
		m.AssignedDeviceID = &deviceID
		m.State = models.MissionStateAssigned
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("mission_id", missionID).
		Str("device_id", deviceID).
		Msg("Mission assigned")

	s.emit(ctx, models.EventTypeMissionAssigned, m, nil)
	return m, s.sender.SendCommand(ctx, deviceID, m.Command())
}

// Cancel moves a non-terminal mission to cancelled and tells its vehicle
func (s *Service) Cancel(ctx context.Context, missionID string) (*models.Mission, error) {
	m, _, err := s.update(ctx, missionID, func(m *models.Mission) (bool, error) {
		if m.State.IsTerminal() {
			return false, ErrTerminal
		}
		m.State = models.MissionStateCancelled
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().Str("mission_id", missionID).Msg("Mission cancelled")
	s.emit(ctx, models.EventTypeMissionCancelled, m, nil)

	if m.AssignedDeviceID == nil {
		return m, nil
	}
	return m, s.sender.SendCancel(ctx, *m.AssignedDeviceID, missionID)
}

// ApplyReport feeds a persisted status report from deviceID into the
// mission's state machine.
func (s *Service) ApplyReport(ctx context.Context, deviceID string, report *models.MissionStatusRecord) (*models.Mission, error) {
	var from models.MissionState

	m, changed, err := s.update(ctx, report.MissionID, func(m *models.Mission) (bool, error) {
		if !m.AssignedTo(deviceID) {
			return false, ErrNotAssigned
		}
		from = m.State
		return Apply(m, report, s.now()), nil
	})
	if err != nil {
		return nil, err
	}

	if changed && m.State != from {
		log.Info().
			Str("mission_id", m.MissionID).
			Str("from", string(from)).
			Str("to", string(m.State)).
			Msg("Mission state changed")

		s.emit(ctx, models.EventTypeMissionState, m, models.Variables{
			"from":               string(from),
			"to":                 string(m.State),
			"progressPercentage": m.ProgressPercentage,
		})
	}

	return m, nil
}

// Get returns a mission by id
func (s *Service) Get(ctx context.Context, missionID string) (*models.Mission, error) {
	m, err := s.store.GetMission(ctx, missionID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// List returns missions matching filter, newest first
func (s *Service) List(ctx context.Context, filter storage.MissionFilter, limit, offset int) ([]*models.Mission, int64, error) {
	return s.store.ListMissions(ctx, filter, limit, offset)
}

// Count counts missions, optionally in one state
func (s *Service) Count(ctx context.Context, state *models.MissionState) (int64, error) {
	return s.store.CountMissions(ctx, state)
}

// StatusHistory returns the reports recorded for a mission, newest first
func (s *Service) StatusHistory(ctx context.Context, missionID string, r storage.TimeRange, limit int) ([]*models.MissionStatusRecord, error) {
	if _, err := s.Get(ctx, missionID); err != nil {
		return nil, err
	}
	return s.series.FindMissionStatus(ctx, missionID, r, limit)
}

func (s *Service) checkVehicle(ctx context.Context, deviceID string) error {
	device, err := s.dir.FindByID(ctx, deviceID)
	if err != nil {
		return err
	}
	if !device.Operable() {
		return fmt.Errorf("%w: %s is %s", ErrVehicleInactive, deviceID, device.Status)
	}
	return nil
}

// update reads, mutates and writes a mission with compare-and-set on the
// version it was read at, retrying when another writer got there first.
func (s *Service) update(ctx context.Context, missionID string, mutate func(*models.Mission) (bool, error)) (*models.Mission, bool, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		m, err := s.Get(ctx, missionID)
		if err != nil {
			return nil, false, err
		}

		changed, err := mutate(m)
		if err != nil {
			return nil, false, err
		}
		if !changed {
			return m, false, nil
		}

		err = s.store.UpdateMission(ctx, m)
		if errors.Is(err, storage.ErrConflict) {
			log.Debug().Str("mission_id", missionID).Int("attempt", attempt+1).Msg("Mission update conflict, retrying")
			continue
		}
		if errors.Is(err, storage.ErrNotFound) {
			return nil, false, ErrNotFound
		}
		if err != nil {
			return nil, false, fmt.Errorf("update mission %s: %w", missionID, err)
		}
		return m, true, nil
	}

	return nil, false, fmt.Errorf("update mission %s: %w", missionID, storage.ErrConflict)
}

func (s *Service) emit(ctx context.Context, typ models.EventType, m *models.Mission, details models.Variables) {
	event := &models.Event{
		Type:      typ,
		Level:     models.EventLevelInfo,
		MissionID: m.MissionID,
		Details:   details,
	}
	if m.AssignedDeviceID != nil {
		event.DeviceID = *m.AssignedDeviceID
	}
	s.events.Emit(ctx, event)
}
