package storage

import (
	"context"
	"errors"
	"time"

	"github.com/fleetlink/fleet-gateway/internal/models"
)

// Common errors
var (
	ErrNotFound     = errors.New("not found")
	ErrDuplicateKey = errors.New("duplicate key")
	ErrConflict     = errors.New("concurrent update conflict")
)

// Store defines the primary store for devices and missions
type Store interface {
	// Device methods
	CreateDevice(ctx context.Context, device *models.Device) error
	GetDevice(ctx context.Context, deviceID string) (*models.Device, error)
	ListDevices(ctx context.Context, status *models.DeviceStatus, limit, offset int) ([]*models.Device, int64, error)
	SetDeviceToken(ctx context.Context, deviceID string, token *string, seenAt *time.Time) error
	CompareAndSetDeviceStatus(ctx context.Context, deviceID string, from, to models.DeviceStatus) error
	TouchDevice(ctx context.Context, deviceID string, seenAt time.Time, pos *models.Position) error
	CountDevices(ctx context.Context, status *models.DeviceStatus) (int64, error)

	// Mission methods
	CreateMission(ctx context.Context, mission *models.Mission) error
	GetMission(ctx context.Context, missionID string) (*models.Mission, error)
	ListMissions(ctx context.Context, filter MissionFilter, limit, offset int) ([]*models.Mission, int64, error)
	// UpdateMission writes mission only if the stored version still equals
	// mission.Version, then advances mission.Version. A lost race returns ErrConflict.
	UpdateMission(ctx context.Context, mission *models.Mission) error
	CountMissions(ctx context.Context, state *models.MissionState) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// MissionFilter narrows mission listings
type MissionFilter struct {
	State    *models.MissionState
	DeviceID *string
}

// TimeRange bounds a time-series query; zero ends are open
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the range
func (r TimeRange) Contains(t time.Time) bool {
	if !r.Start.IsZero() && t.Before(r.Start) {
		return false
	}
	if !r.End.IsZero() && t.After(r.End) {
		return false
	}
	return true
}

// DefaultQueryLimit caps time-series queries without an explicit limit
const DefaultQueryLimit = 1000

// TimeseriesStore stores the append-only fact records. Inserts are
// idempotent on record ID; finds return newest first.
type TimeseriesStore interface {
	InsertTelemetry(ctx context.Context, record *models.TelemetryRecord) error
	InsertHealth(ctx context.Context, record *models.HealthRecord) error
	InsertMissionStatus(ctx context.Context, record *models.MissionStatusRecord) error

	FindTelemetry(ctx context.Context, deviceID string, r TimeRange, limit int) ([]*models.TelemetryRecord, error)
	FindHealth(ctx context.Context, deviceID string, r TimeRange, limit int) ([]*models.HealthRecord, error)
	FindMissionStatus(ctx context.Context, missionID string, r TimeRange, limit int) ([]*models.MissionStatusRecord, error)

	Close() error
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > DefaultQueryLimit {
		return DefaultQueryLimit
	}
	return limit
}
