package models

import "time"

// Event is a domain event fanned out to backend subscribers
type Event struct {
	Type      EventType  `json:"type"`
	Level     EventLevel `json:"level"`
	DeviceID  string     `json:"vehicleId,omitempty"`
	MissionID string     `json:"missionId,omitempty"`
	Time      time.Time  `json:"time"`
	Details   Variables  `json:"details,omitempty"`
}

// EventType represents event types
type EventType string

const (
	// Device events
	EventTypeRegistered    EventType = "registered"
	EventTypeAuthenticated EventType = "authenticated"
	EventTypeTelemetry     EventType = "telemetry"
	EventTypeHealth        EventType = "health"
	EventTypeStatus        EventType = "status"

	// Mission events
	EventTypeMissionCreated   EventType = "created"
	EventTypeMissionAssigned  EventType = "assigned"
	EventTypeMissionState     EventType = "state"
	EventTypeMissionCancelled EventType = "cancelled"
)

// EventLevel represents event severity levels
type EventLevel string

const (
	EventLevelInfo    EventLevel = "INFO"
	EventLevelWarning EventLevel = "WARNING"
	EventLevelError   EventLevel = "ERROR"
)

// IsMissionEvent reports whether the event belongs on a mission subject
func (e *Event) IsMissionEvent() bool {
	switch e.Type {
	case EventTypeMissionCreated, EventTypeMissionAssigned, EventTypeMissionState, EventTypeMissionCancelled:
		return true
	}
	return false
}
