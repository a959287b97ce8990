package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// MissionState represents the mission lifecycle state
type MissionState string

const (
	MissionStatePending    MissionState = "pending"
	MissionStateAssigned   MissionState = "assigned"
	MissionStateInProgress MissionState = "in_progress"
	MissionStateCompleted  MissionState = "completed"
	MissionStateFailed     MissionState = "failed"
	MissionStateCancelled  MissionState = "cancelled"
)

// Valid reports whether s is a known state
func (s MissionState) Valid() bool {
	switch s {
	case MissionStatePending, MissionStateAssigned, MissionStateInProgress,
		MissionStateCompleted, MissionStateFailed, MissionStateCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no further device-driven transition is permitted
func (s MissionState) IsTerminal() bool {
	return s == MissionStateCompleted || s == MissionStateFailed || s == MissionStateCancelled
}

// MissionType represents the kind of mission
type MissionType string

const (
	MissionTypeDelivery   MissionType = "delivery"
	MissionTypePatrol     MissionType = "patrol"
	MissionTypeInspection MissionType = "inspection"
	MissionTypeSurvey     MissionType = "survey"
	MissionTypeCustom     MissionType = "custom"
)

// MissionPriority represents mission priority
type MissionPriority string

const (
	MissionPriorityLow      MissionPriority = "low"
	MissionPriorityMedium   MissionPriority = "medium"
	MissionPriorityHigh     MissionPriority = "high"
	MissionPriorityCritical MissionPriority = "critical"
)

// Waypoint is one stop of a mission route
type Waypoint struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Altitude  *float64 `json:"altitude,omitempty"`
	Action    string   `json:"action,omitempty"`
}

// Waypoints is an ordered route stored as JSON
type Waypoints []Waypoint

// Value implements driver.Valuer interface
func (w Waypoints) Value() (driver.Value, error) {
	if w == nil {
		return "[]", nil
	}
	return marshalString(w)
}

// Scan implements sql.Scanner interface
func (w *Waypoints) Scan(value interface{}) error {
	switch data := value.(type) {
	case nil:
		*w = nil
		return nil
	case []byte:
		return json.Unmarshal(data, w)
	case string:
		return json.Unmarshal([]byte(data), w)
	default:
		return fmt.Errorf("scan waypoints: unsupported type %T", value)
	}
}

// Mission represents a unit of work assigned to a vehicle
type Mission struct {
	BaseModel

	MissionID        string          `json:"missionId" db:"mission_id"`
	Name             string          `json:"name" db:"name"`
	Description      string          `json:"description,omitempty" db:"description"`
	Type             MissionType     `json:"type" db:"type"`
	Priority         MissionPriority `json:"priority" db:"priority"`
	State            MissionState    `json:"state" db:"state"`
	AssignedDeviceID *string         `json:"assignedVehicleId,omitempty" db:"assigned_device_id"`
	Waypoints        Waypoints       `json:"waypoints" db:"waypoints"`
	Parameters       Variables       `json:"parameters" db:"parameters"`

	ScheduledStartTime   *time.Time `json:"scheduledStartTime,omitempty" db:"scheduled_start_time"`
	ActualStartTime      *time.Time `json:"actualStartTime,omitempty" db:"actual_start_time"`
	ActualCompletionTime *time.Time `json:"actualCompletionTime,omitempty" db:"actual_completion_time"`
	ProgressPercentage   float64    `json:"progressPercentage" db:"progress_percentage"`

	// Version increments on every write; updates compare-and-set on it.
	Version int64 `json:"version" db:"version"`
}

// AssignedTo reports whether the mission is assigned to deviceID
func (m *Mission) AssignedTo(deviceID string) bool {
	return m.AssignedDeviceID != nil && *m.AssignedDeviceID == deviceID
}

// Command builds the outbound command message for the mission
func (m *Mission) Command() MissionCommand {
	return MissionCommand{
		MissionID:          m.MissionID,
		Name:               m.Name,
		Description:        m.Description,
		Type:               m.Type,
		Priority:           m.Priority,
		Waypoints:          m.Waypoints,
		Parameters:         m.Parameters,
		ScheduledStartTime: m.ScheduledStartTime,
	}
}
