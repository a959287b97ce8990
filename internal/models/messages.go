package models

import "time"

// RegisterMessage is the payload of a device registration request
type RegisterMessage struct {
	VehicleID    string    `json:"vehicleId,omitempty"`
	Password     string    `json:"password" validate:"required"`
	Name         string    `json:"name,omitempty"`
	Model        string    `json:"model,omitempty"`
	Manufacturer string    `json:"manufacturer,omitempty"`
	Capabilities Variables `json:"capabilities,omitempty"`
	Metadata     Variables `json:"metadata,omitempty"`
}

// Profile extracts the descriptive fields of the registration
func (m *RegisterMessage) Profile() DeviceProfile {
	return DeviceProfile{
		Name:         m.Name,
		Model:        m.Model,
		Manufacturer: m.Manufacturer,
		Capabilities: m.Capabilities,
		Metadata:     m.Metadata,
	}
}

// AuthMessage is the payload of an authentication request
type AuthMessage struct {
	VehicleID string `json:"vehicleId"`
	Password  string `json:"password" validate:"required"`
}

// TokenEnvelope is the part every protected payload carries
type TokenEnvelope struct {
	Token string `json:"token"`
}

// TelemetryMessage is a device telemetry report
type TelemetryMessage struct {
	Token          string     `json:"token"`
	Timestamp      *Timestamp `json:"timestamp,omitempty"`
	Latitude       *float64   `json:"latitude" validate:"required,min=-90,max=90"`
	Longitude      *float64   `json:"longitude" validate:"required,min=-180,max=180"`
	Altitude       *float64   `json:"altitude,omitempty"`
	Speed          *float64   `json:"speed,omitempty" validate:"min=0"`
	Heading        *float64   `json:"heading,omitempty" validate:"min=0,max=360"`
	BatteryLevel   *float64   `json:"batteryLevel,omitempty" validate:"min=0,max=100"`
	Sensors        Variables  `json:"sensors,omitempty"`
	AdditionalData Variables  `json:"additionalData,omitempty"`
}

// Record converts the message into a telemetry record
func (m *TelemetryMessage) Record(id, deviceID string, receivedAt time.Time) *TelemetryRecord {
	return &TelemetryRecord{
		ID:             id,
		DeviceID:       deviceID,
		Timestamp:      m.Timestamp.TimeOr(receivedAt),
		Latitude:       *m.Latitude,
		Longitude:      *m.Longitude,
		Altitude:       m.Altitude,
		Speed:          m.Speed,
		Heading:        m.Heading,
		BatteryLevel:   m.BatteryLevel,
		Sensors:        m.Sensors,
		AdditionalData: m.AdditionalData,
	}
}

// HealthMessage is a device health report
type HealthMessage struct {
	Token         string       `json:"token"`
	Timestamp     *Timestamp   `json:"timestamp,omitempty"`
	OverallStatus HealthStatus `json:"overallStatus" validate:"required,oneof=healthy warning critical error"`
	CPUUsage      *float64     `json:"cpuUsage,omitempty" validate:"min=0,max=100"`
	MemoryUsage   *float64     `json:"memoryUsage,omitempty" validate:"min=0,max=100"`
	DiskUsage     *float64     `json:"diskUsage,omitempty" validate:"min=0,max=100"`
	Temperature   *float64     `json:"temperature,omitempty"`
	BatteryHealth *float64     `json:"batteryHealth,omitempty" validate:"min=0,max=100"`
	SystemErrors  StringList   `json:"systemErrors,omitempty"`
	Warnings      StringList   `json:"warnings,omitempty"`
	Diagnostics   Variables    `json:"diagnostics,omitempty"`
}

// Record converts the message into a health record
func (m *HealthMessage) Record(id, deviceID string, receivedAt time.Time) *HealthRecord {
	return &HealthRecord{
		ID:            id,
		DeviceID:      deviceID,
		Timestamp:     m.Timestamp.TimeOr(receivedAt),
		OverallStatus: m.OverallStatus,
		CPUUsage:      m.CPUUsage,
		MemoryUsage:   m.MemoryUsage,
		DiskUsage:     m.DiskUsage,
		Temperature:   m.Temperature,
		BatteryHealth: m.BatteryHealth,
		SystemErrors:  m.SystemErrors,
		Warnings:      m.Warnings,
		Diagnostics:   m.Diagnostics,
	}
}

// MissionStatusMessage is a device mission progress report
type MissionStatusMessage struct {
	Token                  string       `json:"token"`
	MissionID              string       `json:"missionId" validate:"required"`
	Timestamp              *Timestamp   `json:"timestamp,omitempty"`
	CurrentState           MissionState `json:"currentState" validate:"required,oneof=pending assigned in_progress completed failed cancelled"`
	ProgressPercentage     *float64     `json:"progressPercentage,omitempty"`
	CurrentWaypointIndex   *int         `json:"currentWaypointIndex,omitempty" validate:"min=0"`
	CurrentLatitude        *float64     `json:"currentLatitude,omitempty" validate:"min=-90,max=90"`
	CurrentLongitude       *float64     `json:"currentLongitude,omitempty" validate:"min=-180,max=180"`
	DistanceRemaining      *float64     `json:"distanceRemaining,omitempty"`
	EstimatedTimeRemaining *float64     `json:"estimatedTimeRemaining,omitempty"`
	StatusMessage          *string      `json:"statusMessage,omitempty"`
}

// Record converts the message into a mission status record
func (m *MissionStatusMessage) Record(id, deviceID string, receivedAt time.Time) *MissionStatusRecord {
	return &MissionStatusRecord{
		ID:                     id,
		MissionID:              m.MissionID,
		DeviceID:               deviceID,
		Timestamp:              m.Timestamp.TimeOr(receivedAt),
		CurrentState:           m.CurrentState,
		ProgressPercentage:     m.ProgressPercentage,
		CurrentWaypointIndex:   m.CurrentWaypointIndex,
		CurrentLatitude:        m.CurrentLatitude,
		CurrentLongitude:       m.CurrentLongitude,
		DistanceRemaining:      m.DistanceRemaining,
		EstimatedTimeRemaining: m.EstimatedTimeRemaining,
		StatusMessage:          m.StatusMessage,
	}
}

// TokenMessage is sent to a device on its token topic
type TokenMessage struct {
	Token     string `json:"token"`
	Timestamp int64  `json:"timestamp"`
	IssuedAt  int64  `json:"issuedAt"`
}

// NewTokenMessage builds a token message stamped at issuedAt
func NewTokenMessage(token string, issuedAt time.Time) TokenMessage {
	ms := issuedAt.UnixMilli()
	return TokenMessage{Token: token, Timestamp: ms, IssuedAt: ms}
}

// MissionCommand mirrors the public fields of a mission
type MissionCommand struct {
	MissionID          string          `json:"missionId"`
	Name               string          `json:"name"`
	Description        string          `json:"description,omitempty"`
	Type               MissionType     `json:"type"`
	Priority           MissionPriority `json:"priority"`
	Waypoints          Waypoints       `json:"waypoints"`
	Parameters         Variables       `json:"parameters"`
	ScheduledStartTime *time.Time      `json:"scheduledStartTime,omitempty"`
}

// MissionCancel tells a device to stop a mission
type MissionCancel struct {
	MissionID string `json:"missionId"`
	Timestamp int64  `json:"timestamp"`
}
