package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTransition is returned for a lifecycle change the status graph forbids
var ErrInvalidTransition = errors.New("invalid status transition")

// DeviceStatus represents the device lifecycle status
type DeviceStatus string

const (
	DeviceStatusRegistered     DeviceStatus = "registered"
	DeviceStatusActive         DeviceStatus = "active"
	DeviceStatusInactive       DeviceStatus = "inactive"
	DeviceStatusMaintenance    DeviceStatus = "maintenance"
	DeviceStatusDecommissioned DeviceStatus = "decommissioned"
)

var deviceTransitions = map[DeviceStatus][]DeviceStatus{
	DeviceStatusRegistered: {
		DeviceStatusActive, DeviceStatusMaintenance, DeviceStatusInactive, DeviceStatusDecommissioned,
	},
	DeviceStatusActive: {
		DeviceStatusMaintenance, DeviceStatusInactive, DeviceStatusDecommissioned,
	},
	DeviceStatusMaintenance: {
		DeviceStatusActive, DeviceStatusInactive, DeviceStatusDecommissioned,
	},
	DeviceStatusInactive: {
		DeviceStatusDecommissioned,
	},
}

// Valid reports whether s is a known status
func (s DeviceStatus) Valid() bool {
	switch s {
	case DeviceStatusRegistered, DeviceStatusActive, DeviceStatusInactive,
		DeviceStatusMaintenance, DeviceStatusDecommissioned:
		return true
	}
	return false
}

// CanTransition reports whether the lifecycle allows moving from s to next.
// Staying in the same status is always allowed.
func (s DeviceStatus) CanTransition(next DeviceStatus) bool {
	if s == next {
		return true
	}
	for _, allowed := range deviceTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrInvalidTransition when s cannot move to next
func (s DeviceStatus) CheckTransition(next DeviceStatus) error {
	if !next.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, next)
	}
	if !s.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s, next)
	}
	return nil
}

// Position is a latitude/longitude pair
type Position struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// DeviceProfile is the descriptive part supplied at registration
type DeviceProfile struct {
	Name         string    `json:"name"`
	Model        string    `json:"model"`
	Manufacturer string    `json:"manufacturer"`
	Capabilities Variables `json:"capabilities,omitempty"`
	Metadata     Variables `json:"metadata,omitempty"`
}

// Device represents a fleet vehicle known to the gateway
type Device struct {
	BaseModel

	DeviceID     string       `json:"vehicleId" db:"device_id"`
	Name         string       `json:"name" db:"name"`
	Model        string       `json:"model" db:"model"`
	Manufacturer string       `json:"manufacturer" db:"manufacturer"`
	Status       DeviceStatus `json:"status" db:"status"`
	Capabilities Variables    `json:"capabilities,omitempty" db:"capabilities"`
	Metadata     Variables    `json:"metadata,omitempty" db:"metadata"`

	PasswordHash string  `json:"-" db:"password_hash"`
	CurrentToken *string `json:"-" db:"current_token"`

	LastSeenAt         *time.Time `json:"lastSeen,omitempty" db:"last_seen_at"`
	LastKnownLatitude  *float64   `json:"lastKnownLatitude,omitempty" db:"last_known_latitude"`
	LastKnownLongitude *float64   `json:"lastKnownLongitude,omitempty" db:"last_known_longitude"`
}

// Position returns the last known position, if any
func (d *Device) Position() *Position {
	if d.LastKnownLatitude == nil || d.LastKnownLongitude == nil {
		return nil
	}
	return &Position{Latitude: *d.LastKnownLatitude, Longitude: *d.LastKnownLongitude}
}

// Operable reports whether the device can take missions
func (d *Device) Operable() bool {
	return d.Status == DeviceStatusActive
}
