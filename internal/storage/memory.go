package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetlink/fleet-gateway/internal/models"
)

// MemoryStore is an in-process Store. Records are copied on the way in and
// out so callers never share mutable state with the store.
type MemoryStore struct {
	mu       sync.RWMutex
	devices  map[string]*models.Device
	missions map[string]*models.Mission
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices:  make(map[string]*models.Device),
		missions: make(map[string]*models.Mission),
	}
}

// Close is a no-op
func (s *MemoryStore) Close() error { return nil }

// Ping is a no-op
func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

// CreateDevice inserts a device, failing with ErrDuplicateKey on a taken id
func (s *MemoryStore) CreateDevice(ctx context.Context, device *models.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.devices[device.DeviceID]; exists {
		return ErrDuplicateKey
	}

	if device.ID == uuid.Nil {
		device.ID = uuid.New()
	}
	now := time.Now().UTC()
	device.CreatedAt = now
	device.UpdatedAt = now

	s.devices[device.DeviceID] = cloneDevice(device)
	return nil
}

// GetDevice gets a device by its external id
func (s *MemoryStore) GetDevice(ctx context.Context, deviceID string) (*models.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	device, ok := s.devices[deviceID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDevice(device), nil
}

// ListDevices lists devices newest first
func (s *MemoryStore) ListDevices(ctx context.Context, status *models.DeviceStatus, limit, offset int) ([]*models.Device, int64, error) {
	s.mu.RLock()
	var matched []*models.Device
	for _, device := range s.devices {
		if status == nil || device.Status == *status {
			matched = append(matched, cloneDevice(device))
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].DeviceID < matched[j].DeviceID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	return page(matched, limit, offset), int64(len(matched)), nil
}

// SetDeviceToken replaces the current token
func (s *MemoryStore) SetDeviceToken(ctx context.Context, deviceID string, token *string, seenAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	device, ok := s.devices[deviceID]
	if !ok {
		return ErrNotFound
	}

	device.CurrentToken = cloneString(token)
	if seenAt != nil {
		t := *seenAt
		device.LastSeenAt = &t
	}
	device.UpdatedAt = time.Now().UTC()
	return nil
}

// CompareAndSetDeviceStatus moves a device from one status to another
func (s *MemoryStore) CompareAndSetDeviceStatus(ctx context.Context, deviceID string, from, to models.DeviceStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	device, ok := s.devices[deviceID]
	if !ok {
		return ErrNotFound
	}
	if device.Status != from {
		return ErrConflict
	}

	device.Status = to
	device.UpdatedAt = time.Now().UTC()
	return nil
}

// TouchDevice advances last seen and, when given, the last known position
func (s *MemoryStore) TouchDevice(ctx context.Context, deviceID string, seenAt time.Time, pos *models.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	device, ok := s.devices[deviceID]
	if !ok {
		return ErrNotFound
	}

	if device.LastSeenAt == nil || seenAt.After(*device.LastSeenAt) {
		t := seenAt
		device.LastSeenAt = &t
	}
	if pos != nil {
		lat, lng := pos.Latitude, pos.Longitude
		device.LastKnownLatitude = &lat
		device.LastKnownLongitude = &lng
	}
	device.UpdatedAt = time.Now().UTC()
	return nil
}

// CountDevices counts devices, optionally by status
func (s *MemoryStore) CountDevices(ctx context.Context, status *models.DeviceStatus) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	for _, device := range s.devices {
		if status == nil || device.Status == *status {
			total++
		}
	}
	return total, nil
}

// CreateMission inserts a mission
func (s *MemoryStore) CreateMission(ctx context.Context, mission *models.Mission) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.missions[mission.MissionID]; exists {
		return ErrDuplicateKey
	}

	if mission.ID == uuid.Nil {
		mission.ID = uuid.New()
	}
	now := time.Now().UTC()
	mission.CreatedAt = now
	mission.UpdatedAt = now
	mission.Version = 1

	s.missions[mission.MissionID] = cloneMission(mission)
	return nil
}

// GetMission gets a mission by its external id
func (s *MemoryStore) GetMission(ctx context.Context, missionID string) (*models.Mission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mission, ok := s.missions[missionID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneMission(mission), nil
}

// ListMissions lists missions matching filter, newest first
func (s *MemoryStore) ListMissions(ctx context.Context, filter MissionFilter, limit, offset int) ([]*models.Mission, int64, error) {
	s.mu.RLock()
	var matched []*models.Mission
	for _, mission := range s.missions {
		if filter.State != nil && mission.State != *filter.State {
			continue
		}
		if filter.DeviceID != nil && !mission.AssignedTo(*filter.DeviceID) {
			continue
		}
		matched = append(matched, cloneMission(mission))
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].MissionID < matched[j].MissionID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	return page(matched, limit, offset), int64(len(matched)), nil
}

// UpdateMission writes mission if the stored version is still the one it was read at
func (s *MemoryStore) UpdateMission(ctx context.Context, mission *models.Mission) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.missions[mission.MissionID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != mission.Version {
		return ErrConflict
	}

	mission.Version++
	mission.ID = current.ID
	mission.CreatedAt = current.CreatedAt
	mission.UpdatedAt = time.Now().UTC()
	s.missions[mission.MissionID] = cloneMission(mission)
	return nil
}

// CountMissions counts missions, optionally by state
func (s *MemoryStore) CountMissions(ctx context.Context, state *models.MissionState) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	for _, mission := range s.missions {
		if state == nil || mission.State == *state {
			total++
		}
	}
	return total, nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func cloneDevice(d *models.Device) *models.Device {
	c := *d
	c.CurrentToken = cloneString(d.CurrentToken)
	c.LastSeenAt = cloneTime(d.LastSeenAt)
	c.LastKnownLatitude = cloneFloat(d.LastKnownLatitude)
	c.LastKnownLongitude = cloneFloat(d.LastKnownLongitude)
	c.Capabilities = cloneVariables(d.Capabilities)
	c.Metadata = cloneVariables(d.Metadata)
	return &c
}

func cloneMission(m *models.Mission) *models.Mission {
	c := *m
	c.AssignedDeviceID = cloneString(m.AssignedDeviceID)
	c.ScheduledStartTime = cloneTime(m.ScheduledStartTime)
	c.ActualStartTime = cloneTime(m.ActualStartTime)
	c.ActualCompletionTime = cloneTime(m.ActualCompletionTime)
	c.Parameters = cloneVariables(m.Parameters)
	if m.Waypoints != nil {
		c.Waypoints = append(models.Waypoints(nil), m.Waypoints...)
	}
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

func cloneVariables(v models.Variables) models.Variables {
	if v == nil {
		return nil
	}
	c := make(models.Variables, len(v))
	for k, val := range v {
		c[k] = val
	}
	return c
}
