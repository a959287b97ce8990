package storage

import (
	"context"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/fleetlink/fleet-gateway/internal/models"
)

// ConnectorFunc is used to inject a database connection method into NewGormTimeseriesStore
type ConnectorFunc func() (*gorm.DB, error)

// NewPostgresConnector opens a PostgreSQL (or TimescaleDB) connection
func NewPostgresConnector(dsn string) ConnectorFunc {
	return func() (*gorm.DB, error) {
		return gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
	}
}

// NewSQLiteConnector opens a SQLite database, e.g. "file::memory:?cache=shared"
func NewSQLiteConnector(dsn string) ConnectorFunc {
	return func() (*gorm.DB, error) {
		return gorm.Open(sqlite.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
	}
}

// GormTimeseriesStore keeps the fact records in SQL tables through gorm
type GormTimeseriesStore struct {
	db *gorm.DB
}

// NewGormTimeseriesStore connects and migrates the record tables
func NewGormTimeseriesStore(connect ConnectorFunc) (*GormTimeseriesStore, error) {
	db, err := connect()
	if err != nil {
		return nil, fmt.Errorf("connect timeseries database: %w", err)
	}

	if err := db.AutoMigrate(
		&models.TelemetryRecord{},
		&models.HealthRecord{},
		&models.MissionStatusRecord{},
	); err != nil {
		return nil, fmt.Errorf("migrate timeseries tables: %w", err)
	}

	return &GormTimeseriesStore{db: db}, nil
}

// Close closes the underlying connection pool
func (s *GormTimeseriesStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// InsertTelemetry appends a telemetry record
func (s *GormTimeseriesStore) InsertTelemetry(ctx context.Context, record *models.TelemetryRecord) error {
	return s.insert(ctx, record)
}

// InsertHealth appends a health record
func (s *GormTimeseriesStore) InsertHealth(ctx context.Context, record *models.HealthRecord) error {
	return s.insert(ctx, record)
}

// InsertMissionStatus appends a mission status record
func (s *GormTimeseriesStore) InsertMissionStatus(ctx context.Context, record *models.MissionStatusRecord) error {
	return s.insert(ctx, record)
}

func (s *GormTimeseriesStore) insert(ctx context.Context, record interface{}) error {
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(record)
	if result.Error != nil {
		return fmt.Errorf("insert %T: %w", record, result.Error)
	}
	return nil
}

// FindTelemetry returns a device's telemetry in range, newest first
func (s *GormTimeseriesStore) FindTelemetry(ctx context.Context, deviceID string, r TimeRange, limit int) ([]*models.TelemetryRecord, error) {
	var records []*models.TelemetryRecord
	err := s.rangeQuery(ctx, "device_id", deviceID, r, limit).Find(&records).Error
	return records, err
}

// FindHealth returns a device's health records in range, newest first
func (s *GormTimeseriesStore) FindHealth(ctx context.Context, deviceID string, r TimeRange, limit int) ([]*models.HealthRecord, error) {
	var records []*models.HealthRecord
	err := s.rangeQuery(ctx, "device_id", deviceID, r, limit).Find(&records).Error
	return records, err
}

// FindMissionStatus returns a mission's status history in range, newest first
func (s *GormTimeseriesStore) FindMissionStatus(ctx context.Context, missionID string, r TimeRange, limit int) ([]*models.MissionStatusRecord, error) {
	var records []*models.MissionStatusRecord
	err := s.rangeQuery(ctx, "mission_id", missionID, r, limit).Find(&records).Error
	return records, err
}

func (s *GormTimeseriesStore) rangeQuery(ctx context.Context, keyColumn, key string, r TimeRange, limit int) *gorm.DB {
	q := s.db.WithContext(ctx).Where(keyColumn+" = ?", key)
	if !r.Start.IsZero() {
		q = q.Where("recorded_at >= ?", r.Start.UTC())
	}
	if !r.End.IsZero() {
		q = q.Where("recorded_at <= ?", r.End.UTC())
	}
	return q.Order("recorded_at DESC").Limit(normalizeLimit(limit))
}
