package mission

import (
	"testing"
	"time"

	"github.com/fleetlink/fleet-gateway/internal/models"
)

func pct(v float64) *float64 { return &v }

func report(state models.MissionState, progress *float64) *models.MissionStatusRecord {
	return &models.MissionStatusRecord{MissionID: "M-1", CurrentState: state, ProgressPercentage: progress}
}

func TestApply(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	earlier := now.Add(-time.Hour)

	tests := []struct {
		name         string
		mission      models.Mission
		report       *models.MissionStatusRecord
		wantState    models.MissionState
		wantProgress float64
		wantChanged  bool
		wantStarted  bool
		wantDone     bool
	}{
		{
			name:         "first in_progress starts the mission",
			mission:      models.Mission{State: models.MissionStateAssigned},
			report:       report(models.MissionStateInProgress, pct(30)),
			wantState:    models.MissionStateInProgress,
			wantProgress: 30,
			wantChanged:  true,
			wantStarted:  true,
		},
		{
			name:         "later in_progress only adopts progress",
			mission:      models.Mission{State: models.MissionStateInProgress, ActualStartTime: &earlier, ProgressPercentage: 30},
			report:       report(models.MissionStateInProgress, pct(55)),
			wantState:    models.MissionStateInProgress,
			wantProgress: 55,
			wantChanged:  true,
			wantStarted:  true,
		},
		{
			name:         "completed forces full progress",
			mission:      models.Mission{State: models.MissionStateInProgress, ActualStartTime: &earlier, ProgressPercentage: 30},
			report:       report(models.MissionStateCompleted, pct(42)),
			wantState:    models.MissionStateCompleted,
			wantProgress: 100,
			wantChanged:  true,
			wantStarted:  true,
			wantDone:     true,
		},
		{
			name:         "failed keeps last progress",
			mission:      models.Mission{State: models.MissionStateInProgress, ActualStartTime: &earlier, ProgressPercentage: 30},
			report:       report(models.MissionStateFailed, nil),
			wantState:    models.MissionStateFailed,
			wantProgress: 30,
			wantChanged:  true,
			wantStarted:  true,
		},
		{
			name:         "other states adopt progress only",
			mission:      models.Mission{State: models.MissionStateAssigned},
			report:       report(models.MissionStatePending, pct(5)),
			wantState:    models.MissionStateAssigned,
			wantProgress: 5,
			wantChanged:  true,
		},
		{
			name:         "progress is clamped",
			mission:      models.Mission{State: models.MissionStateAssigned},
			report:       report(models.MissionStateInProgress, pct(140)),
			wantState:    models.MissionStateInProgress,
			wantProgress: 100,
			wantChanged:  true,
			wantStarted:  true,
		},
		{
			name:         "completed is sticky",
			mission:      models.Mission{State: models.MissionStateCompleted, ActualStartTime: &earlier, ActualCompletionTime: &earlier, ProgressPercentage: 100},
			report:       report(models.MissionStateInProgress, pct(10)),
			wantState:    models.MissionStateCompleted,
			wantProgress: 100,
			wantStarted:  true,
			wantDone:     true,
		},
		{
			name:         "failed is sticky",
			mission:      models.Mission{State: models.MissionStateFailed, ProgressPercentage: 30},
			report:       report(models.MissionStateCompleted, nil),
			wantState:    models.MissionStateFailed,
			wantProgress: 30,
		},
		{
			name:         "cancelled is sticky",
			mission:      models.Mission{State: models.MissionStateCancelled},
			report:       report(models.MissionStateInProgress, pct(10)),
			wantState:    models.MissionStateCancelled,
			wantProgress: 0,
		},
		{
			name:         "same progress is no change",
			mission:      models.Mission{State: models.MissionStateInProgress, ActualStartTime: &earlier, ProgressPercentage: 30},
			report:       report(models.MissionStateInProgress, pct(30)),
			wantState:    models.MissionStateInProgress,
			wantProgress: 30,
			wantStarted:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := tt.mission
			changed := Apply(&m, tt.report, now)

			if changed != tt.wantChanged {
				t.Errorf("changed = %v, want %v", changed, tt.wantChanged)
			}
			if m.State != tt.wantState {
				t.Errorf("state = %s, want %s", m.State, tt.wantState)
			}
			if m.ProgressPercentage != tt.wantProgress {
				t.Errorf("progress = %v, want %v", m.ProgressPercentage, tt.wantProgress)
			}
			if (m.ActualStartTime != nil) != tt.wantStarted {
				t.Errorf("start time = %v", m.ActualStartTime)
			}
			if (m.ActualCompletionTime != nil) != tt.wantDone {
				t.Errorf("completion time = %v", m.ActualCompletionTime)
			}
		})
	}
}

func TestApply_StartStampedOnce(t *testing.T) {
	m := models.Mission{State: models.MissionStateAssigned}
	first := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	Apply(&m, report(models.MissionStateInProgress, pct(10)), first)
	Apply(&m, report(models.MissionStateInProgress, pct(20)), first.Add(time.Minute))

	if !m.ActualStartTime.Equal(first) {
		t.Errorf("start time = %v, want %v", m.ActualStartTime, first)
	}
}
