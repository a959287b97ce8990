package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fleetlink/fleet-gateway/internal/models"
)

// ========== Mission Methods ==========

const missionColumns = `
        id, mission_id, name, description, type, priority, state,
        assigned_device_id, waypoints, parameters, scheduled_start_time,
        actual_start_time, actual_completion_time, progress_percentage,
        created_at, updated_at, version`

// CreateMission inserts a mission
func (s *PostgresStore) CreateMission(ctx context.Context, mission *models.Mission) error {
	if mission.ID == uuid.Nil {
		mission.ID = uuid.New()
	}

	now := time.Now().UTC()
	mission.CreatedAt = now
	mission.UpdatedAt = now
	mission.Version = 1

	query := `
        INSERT INTO missions (` + missionColumns + `
        ) VALUES (
            $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17
        )`

	_, err := s.getDB().ExecContext(ctx, query,
		mission.ID, mission.MissionID, mission.Name, mission.Description,
		mission.Type, mission.Priority, mission.State, mission.AssignedDeviceID,
		mission.Waypoints, mission.Parameters, mission.ScheduledStartTime,
		mission.ActualStartTime, mission.ActualCompletionTime, mission.ProgressPercentage,
		mission.CreatedAt, mission.UpdatedAt, mission.Version,
	)

	return mapError(err)
}

// GetMission gets a mission by its external id
func (s *PostgresStore) GetMission(ctx context.Context, missionID string) (*models.Mission, error) {
	query := `SELECT ` + missionColumns + ` FROM missions WHERE mission_id = $1`

	mission, err := scanMission(s.getDB().QueryRowContext(ctx, query, missionID))
	if err != nil {
		return nil, mapError(err)
	}
	return mission, nil
}

// ListMissions lists missions matching filter, newest first
func (s *PostgresStore) ListMissions(ctx context.Context, filter MissionFilter, limit, offset int) ([]*models.Mission, int64, error) {
	where := " WHERE 1=1"
	args := []interface{}{}
	argCount := 0

	if filter.State != nil {
		argCount++
		where += fmt.Sprintf(" AND state = $%d", argCount)
		args = append(args, *filter.State)
	}

	if filter.DeviceID != nil {
		argCount++
		where += fmt.Sprintf(" AND assigned_device_id = $%d", argCount)
		args = append(args, *filter.DeviceID)
	}

	var total int64
	if err := s.getDB().QueryRowContext(ctx, "SELECT COUNT(*) FROM missions"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + missionColumns + ` FROM missions` + where +
		fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", argCount+1, argCount+2)
	args = append(args, limit, offset)

	rows, err := s.getDB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var missions []*models.Mission
	for rows.Next() {
		mission, err := scanMission(rows)
		if err != nil {
			return nil, 0, err
		}
		missions = append(missions, mission)
	}

	return missions, total, rows.Err()
}

// UpdateMission writes the mutable mission fields if the stored version is
// still the one the mission was read at. A lost race returns ErrConflict.
func (s *PostgresStore) UpdateMission(ctx context.Context, mission *models.Mission) error {
	updatedAt := time.Now().UTC()

	query := `
        UPDATE missions SET
            name = $3, description = $4, type = $5, priority = $6, state = $7,
            assigned_device_id = $8, waypoints = $9, parameters = $10,
            scheduled_start_time = $11, actual_start_time = $12,
            actual_completion_time = $13, progress_percentage = $14,
            updated_at = $15, version = version + 1
        WHERE mission_id = $1 AND version = $2`

	result, err := s.getDB().ExecContext(ctx, query,
		mission.MissionID, mission.Version,
		mission.Name, mission.Description, mission.Type, mission.Priority, mission.State,
		mission.AssignedDeviceID, mission.Waypoints, mission.Parameters,
		mission.ScheduledStartTime, mission.ActualStartTime,
		mission.ActualCompletionTime, mission.ProgressPercentage,
		updatedAt,
	)
	if err != nil {
		return err
	}

	if err := expectOneRow(result); err != nil {
		if _, getErr := s.GetMission(ctx, mission.MissionID); getErr != nil {
			return getErr
		}
		return ErrConflict
	}

	mission.UpdatedAt = updatedAt
	mission.Version++
	return nil
}

// CountMissions counts missions, optionally by state
func (s *PostgresStore) CountMissions(ctx context.Context, state *models.MissionState) (int64, error) {
	query := `SELECT COUNT(*) FROM missions`
	args := []interface{}{}
	if state != nil {
		query += ` WHERE state = $1`
		args = append(args, *state)
	}

	var total int64
	if err := s.getDB().QueryRowContext(ctx, query, args...).Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

func scanMission(row rowScanner) (*models.Mission, error) {
	mission := &models.Mission{}
	err := row.Scan(
		&mission.ID, &mission.MissionID, &mission.Name, &mission.Description,
		&mission.Type, &mission.Priority, &mission.State, &mission.AssignedDeviceID,
		&mission.Waypoints, &mission.Parameters, &mission.ScheduledStartTime,
		&mission.ActualStartTime, &mission.ActualCompletionTime, &mission.ProgressPercentage,
		&mission.CreatedAt, &mission.UpdatedAt, &mission.Version,
	)
	if err != nil {
		return nil, err
	}
	return mission, nil
}
