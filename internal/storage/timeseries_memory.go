package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fleetlink/fleet-gateway/internal/models"
)

// MemoryTimeseriesStore is an in-process TimeseriesStore
type MemoryTimeseriesStore struct {
	mu            sync.RWMutex
	seen          map[string]struct{}
	telemetry     []*models.TelemetryRecord
	health        []*models.HealthRecord
	missionStatus []*models.MissionStatusRecord
}

// NewMemoryTimeseriesStore creates an empty in-memory time-series store
func NewMemoryTimeseriesStore() *MemoryTimeseriesStore {
	return &MemoryTimeseriesStore{seen: make(map[string]struct{})}
}

// Close is a no-op
func (s *MemoryTimeseriesStore) Close() error { return nil }

// InsertTelemetry appends a telemetry record
func (s *MemoryTimeseriesStore) InsertTelemetry(ctx context.Context, record *models.TelemetryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markSeen("telemetry", record.ID) {
		c := *record
		s.telemetry = append(s.telemetry, &c)
	}
	return nil
}

// InsertHealth appends a health record
func (s *MemoryTimeseriesStore) InsertHealth(ctx context.Context, record *models.HealthRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markSeen("health", record.ID) {
		c := *record
		s.health = append(s.health, &c)
	}
	return nil
}

// InsertMissionStatus appends a mission status record
func (s *MemoryTimeseriesStore) InsertMissionStatus(ctx context.Context, record *models.MissionStatusRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markSeen("mission_status", record.ID) {
		c := *record
		s.missionStatus = append(s.missionStatus, &c)
	}
	return nil
}

// markSeen reports whether id is new for kind
func (s *MemoryTimeseriesStore) markSeen(kind, id string) bool {
	key := kind + "/" + id
	if _, ok := s.seen[key]; ok {
		return false
	}
	s.seen[key] = struct{}{}
	return true
}

// FindTelemetry returns a device's telemetry in range, newest first
func (s *MemoryTimeseriesStore) FindTelemetry(ctx context.Context, deviceID string, r TimeRange, limit int) ([]*models.TelemetryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return findRecords(s.telemetry, r, limit, func(rec *models.TelemetryRecord) (string, time.Time) {
		return rec.DeviceID, rec.Timestamp
	}, deviceID), nil
}

// FindHealth returns a device's health records in range, newest first
func (s *MemoryTimeseriesStore) FindHealth(ctx context.Context, deviceID string, r TimeRange, limit int) ([]*models.HealthRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return findRecords(s.health, r, limit, func(rec *models.HealthRecord) (string, time.Time) {
		return rec.DeviceID, rec.Timestamp
	}, deviceID), nil
}

// FindMissionStatus returns a mission's status history in range, newest first
func (s *MemoryTimeseriesStore) FindMissionStatus(ctx context.Context, missionID string, r TimeRange, limit int) ([]*models.MissionStatusRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return findRecords(s.missionStatus, r, limit, func(rec *models.MissionStatusRecord) (string, time.Time) {
		return rec.MissionID, rec.Timestamp
	}, missionID), nil
}

func findRecords[T any](all []*T, r TimeRange, limit int, keyOf func(*T) (string, time.Time), key string) []*T {
	var out []*T
	for _, rec := range all {
		k, ts := keyOf(rec)
		if k == key && r.Contains(ts) {
			c := *rec
			out = append(out, &c)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		_, ti := keyOf(out[i])
		_, tj := keyOf(out[j])
		return ti.After(tj)
	})

	if limit = normalizeLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out
}
