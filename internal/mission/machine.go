package mission

import (
	"time"

	"github.com/fleetlink/fleet-gateway/internal/models"
)

// Apply advances m by one device status report and reports whether m
// changed. Reports are applied in arrival order. A terminal mission never
// changes, whatever the report says.
func Apply(m *models.Mission, report *models.MissionStatusRecord, now time.Time) bool {
	if m.State.IsTerminal() {
		return false
	}

	switch report.CurrentState {
	case models.MissionStateInProgress:
		changed := false
		if m.ActualStartTime == nil {
			started := now
			m.ActualStartTime = &started
			m.State = models.MissionStateInProgress
			changed = true
		}
		return adoptProgress(m, report.ProgressPercentage) || changed

	case models.MissionStateCompleted:
		completed := now
		m.State = models.MissionStateCompleted
		m.ActualCompletionTime = &completed
		m.ProgressPercentage = 100
		return true

	case models.MissionStateFailed:
		m.State = models.MissionStateFailed
		adoptProgress(m, report.ProgressPercentage)
		return true

	default:
		return adoptProgress(m, report.ProgressPercentage)
	}
}

// adoptProgress copies a reported percentage, clamped to [0,100]
func adoptProgress(m *models.Mission, reported *float64) bool {
	if reported == nil {
		return false
	}

	p := *reported
	switch {
	case p < 0:
		p = 0
	case p > 100:
		p = 100
	}

	if m.ProgressPercentage == p {
		return false
	}
	m.ProgressPercentage = p
	return true
}
