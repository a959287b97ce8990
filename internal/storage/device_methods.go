package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fleetlink/fleet-gateway/internal/models"
)

// ========== Device Methods ==========

const deviceColumns = `
        id, device_id, name, model, manufacturer, status, capabilities, metadata,
        password_hash, current_token, last_seen_at, last_known_latitude,
        last_known_longitude, created_at, updated_at`

// CreateDevice inserts a device. The unique device_id constraint makes a
// concurrent duplicate fail with ErrDuplicateKey.
func (s *PostgresStore) CreateDevice(ctx context.Context, device *models.Device) error {
	if device.ID == uuid.Nil {
		device.ID = uuid.New()
	}

	now := time.Now().UTC()
	device.CreatedAt = now
	device.UpdatedAt = now

	query := `
        INSERT INTO devices (` + deviceColumns + `
        ) VALUES (
            $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15
        )`

	_, err := s.getDB().ExecContext(ctx, query,
		device.ID, device.DeviceID, device.Name, device.Model, device.Manufacturer,
		device.Status, device.Capabilities, device.Metadata,
		device.PasswordHash, device.CurrentToken, device.LastSeenAt,
		device.LastKnownLatitude, device.LastKnownLongitude,
		device.CreatedAt, device.UpdatedAt,
	)

	return mapError(err)
}

// GetDevice gets a device by its external id
func (s *PostgresStore) GetDevice(ctx context.Context, deviceID string) (*models.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE device_id = $1`

	device, err := scanDevice(s.getDB().QueryRowContext(ctx, query, deviceID))
	if err != nil {
		return nil, mapError(err)
	}
	return device, nil
}

// ListDevices lists devices, optionally by status
func (s *PostgresStore) ListDevices(ctx context.Context, status *models.DeviceStatus, limit, offset int) ([]*models.Device, int64, error) {
	total, err := s.CountDevices(ctx, status)
	if err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + deviceColumns + ` FROM devices`
	args := []interface{}{}
	if status != nil {
		query += ` WHERE status = $1`
		args = append(args, *status)
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.getDB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var devices []*models.Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, 0, err
		}
		devices = append(devices, device)
	}

	return devices, total, rows.Err()
}

// SetDeviceToken replaces the current token in a single statement, so
// concurrent writers resolve as last writer wins.
func (s *PostgresStore) SetDeviceToken(ctx context.Context, deviceID string, token *string, seenAt *time.Time) error {
	query := `
        UPDATE devices SET
            current_token = $2,
            last_seen_at = COALESCE($3, last_seen_at),
            updated_at = $4
        WHERE device_id = $1`

	result, err := s.getDB().ExecContext(ctx, query, deviceID, token, seenAt, time.Now().UTC())
	if err != nil {
		return err
	}
	return expectOneRow(result)
}

// CompareAndSetDeviceStatus moves a device from one status to another.
// It returns ErrConflict when the stored status is no longer from.
func (s *PostgresStore) CompareAndSetDeviceStatus(ctx context.Context, deviceID string, from, to models.DeviceStatus) error {
	query := `
        UPDATE devices SET status = $3, updated_at = $4
        WHERE device_id = $1 AND status = $2`

	result, err := s.getDB().ExecContext(ctx, query, deviceID, from, to, time.Now().UTC())
	if err != nil {
		return err
	}

	if err := expectOneRow(result); err != nil {
		if _, getErr := s.GetDevice(ctx, deviceID); getErr != nil {
			return getErr
		}
		return ErrConflict
	}
	return nil
}

// TouchDevice advances last seen and, when given, the last known position
func (s *PostgresStore) TouchDevice(ctx context.Context, deviceID string, seenAt time.Time, pos *models.Position) error {
	var lat, lng *float64
	if pos != nil {
		lat, lng = &pos.Latitude, &pos.Longitude
	}

	query := `
        UPDATE devices SET
            last_seen_at = GREATEST(last_seen_at, $2),
            last_known_latitude = COALESCE($3, last_known_latitude),
            last_known_longitude = COALESCE($4, last_known_longitude),
            updated_at = $5
        WHERE device_id = $1`

	result, err := s.getDB().ExecContext(ctx, query, deviceID, seenAt, lat, lng, time.Now().UTC())
	if err != nil {
		return err
	}
	return expectOneRow(result)
}

// CountDevices counts devices, optionally by status
func (s *PostgresStore) CountDevices(ctx context.Context, status *models.DeviceStatus) (int64, error) {
	query := `SELECT COUNT(*) FROM devices`
	args := []interface{}{}
	if status != nil {
		query += ` WHERE status = $1`
		args = append(args, *status)
	}

	var total int64
	if err := s.getDB().QueryRowContext(ctx, query, args...).Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDevice(row rowScanner) (*models.Device, error) {
	device := &models.Device{}
	err := row.Scan(
		&device.ID, &device.DeviceID, &device.Name, &device.Model, &device.Manufacturer,
		&device.Status, &device.Capabilities, &device.Metadata,
		&device.PasswordHash, &device.CurrentToken, &device.LastSeenAt,
		&device.LastKnownLatitude, &device.LastKnownLongitude,
		&device.CreatedAt, &device.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return device, nil
}

