package models

import "time"

// HealthStatus is the overall status a device reports about itself
type HealthStatus string

const (
	HealthStatusHealthy  HealthStatus = "healthy"
	HealthStatusWarning  HealthStatus = "warning"
	HealthStatusCritical HealthStatus = "critical"
	HealthStatusError    HealthStatus = "error"
)

// Valid reports whether s is a known health status
func (s HealthStatus) Valid() bool {
	switch s {
	case HealthStatusHealthy, HealthStatusWarning, HealthStatusCritical, HealthStatusError:
		return true
	}
	return false
}

// RequiresMaintenance reports whether the status forces the device into maintenance
func (s HealthStatus) RequiresMaintenance() bool {
	return s == HealthStatusCritical || s == HealthStatusError
}

// TelemetryRecord is an immutable point-in-time telemetry fact
type TelemetryRecord struct {
	ID             string    `json:"id" gorm:"primaryKey;size:36" dynamodbav:"id"`
	DeviceID       string    `json:"vehicleId" gorm:"size:128;not null;index:idx_telemetry_device_time,priority:1" dynamodbav:"device_id"`
	Timestamp      time.Time `json:"timestamp" gorm:"column:recorded_at;not null;index:idx_telemetry_device_time,priority:2" dynamodbav:"recorded_at"`
	Latitude       float64   `json:"latitude" dynamodbav:"latitude"`
	Longitude      float64   `json:"longitude" dynamodbav:"longitude"`
	Altitude       *float64  `json:"altitude,omitempty" dynamodbav:"altitude,omitempty"`
	Speed          *float64  `json:"speed,omitempty" dynamodbav:"speed,omitempty"`
	Heading        *float64  `json:"heading,omitempty" dynamodbav:"heading,omitempty"`
	BatteryLevel   *float64  `json:"batteryLevel,omitempty" dynamodbav:"battery_level,omitempty"`
	Sensors        Variables `json:"sensors,omitempty" gorm:"type:jsonb" dynamodbav:"sensors,omitempty"`
	AdditionalData Variables `json:"additionalData,omitempty" gorm:"type:jsonb" dynamodbav:"additional_data,omitempty"`
}

// TableName sets the gorm table name
func (TelemetryRecord) TableName() string { return "vehicle_telemetry" }

// HealthRecord is an immutable point-in-time health fact
type HealthRecord struct {
	ID            string       `json:"id" gorm:"primaryKey;size:36" dynamodbav:"id"`
	DeviceID      string       `json:"vehicleId" gorm:"size:128;not null;index:idx_health_device_time,priority:1" dynamodbav:"device_id"`
	Timestamp     time.Time    `json:"timestamp" gorm:"column:recorded_at;not null;index:idx_health_device_time,priority:2" dynamodbav:"recorded_at"`
	OverallStatus HealthStatus `json:"overallStatus" gorm:"size:16;not null" dynamodbav:"overall_status"`
	CPUUsage      *float64     `json:"cpuUsage,omitempty" dynamodbav:"cpu_usage,omitempty"`
	MemoryUsage   *float64     `json:"memoryUsage,omitempty" dynamodbav:"memory_usage,omitempty"`
	DiskUsage     *float64     `json:"diskUsage,omitempty" dynamodbav:"disk_usage,omitempty"`
	Temperature   *float64     `json:"temperature,omitempty" dynamodbav:"temperature,omitempty"`
	BatteryHealth *float64     `json:"batteryHealth,omitempty" dynamodbav:"battery_health,omitempty"`
	SystemErrors  StringList   `json:"systemErrors,omitempty" gorm:"type:jsonb" dynamodbav:"system_errors,omitempty"`
	Warnings      StringList   `json:"warnings,omitempty" gorm:"type:jsonb" dynamodbav:"warnings,omitempty"`
	Diagnostics   Variables    `json:"diagnostics,omitempty" gorm:"type:jsonb" dynamodbav:"diagnostics,omitempty"`
}

// TableName sets the gorm table name
func (HealthRecord) TableName() string { return "vehicle_health" }

// MissionStatusRecord is an immutable mission progress report
type MissionStatusRecord struct {
	ID                     string       `json:"id" gorm:"primaryKey;size:36" dynamodbav:"id"`
	MissionID              string       `json:"missionId" gorm:"size:128;not null;index:idx_mission_status_mission_time,priority:1" dynamodbav:"mission_id"`
	DeviceID               string       `json:"vehicleId" gorm:"size:128;not null;index" dynamodbav:"device_id"`
	Timestamp              time.Time    `json:"timestamp" gorm:"column:recorded_at;not null;index:idx_mission_status_mission_time,priority:2" dynamodbav:"recorded_at"`
	CurrentState           MissionState `json:"currentState" gorm:"size:32;not null" dynamodbav:"current_state"`
	ProgressPercentage     *float64     `json:"progressPercentage,omitempty" dynamodbav:"progress_percentage,omitempty"`
	CurrentWaypointIndex   *int         `json:"currentWaypointIndex,omitempty" dynamodbav:"current_waypoint_index,omitempty"`
	CurrentLatitude        *float64     `json:"currentLatitude,omitempty" dynamodbav:"current_latitude,omitempty"`
	CurrentLongitude       *float64     `json:"currentLongitude,omitempty" dynamodbav:"current_longitude,omitempty"`
	DistanceRemaining      *float64     `json:"distanceRemaining,omitempty" dynamodbav:"distance_remaining,omitempty"`
	EstimatedTimeRemaining *float64     `json:"estimatedTimeRemaining,omitempty" dynamodbav:"estimated_time_remaining,omitempty"`
	StatusMessage          *string      `json:"statusMessage,omitempty" dynamodbav:"status_message,omitempty"`
}

// TableName sets the gorm table name
func (MissionStatusRecord) TableName() string { return "mission_status" }
