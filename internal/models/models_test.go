package models

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestTimestamp_Unmarshal(t *testing.T) {
	want := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		raw  string
	}{
		{"millis", `1714564800000`},
		{"rfc3339", `"2024-05-01T12:00:00Z"`},
		{"offset", `"2024-05-01T14:00:00+02:00"`},
		{"millis string", `"1714564800000"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ts Timestamp
			if err := json.Unmarshal([]byte(tt.raw), &ts); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if !ts.Equal(want) {
				t.Errorf("got %s, want %s", ts.Time, want)
			}
		})
	}
}

func TestTimestamp_Invalid(t *testing.T) {
	var ts Timestamp
	if err := json.Unmarshal([]byte(`"yesterday"`), &ts); err == nil {
		t.Error("expected error for unparseable timestamp")
	}
}

func TestTimestamp_TimeOr(t *testing.T) {
	fallback := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	var missing *Timestamp
	if got := missing.TimeOr(fallback); !got.Equal(fallback) {
		t.Errorf("nil timestamp: got %s", got)
	}

	var msg TelemetryMessage
	if err := json.Unmarshal([]byte(`{"token":"t","latitude":1,"longitude":2}`), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	rec := msg.Record("id", "V-1", fallback)
	if !rec.Timestamp.Equal(fallback) {
		t.Errorf("record timestamp = %s, want receipt time", rec.Timestamp)
	}
}

func TestDeviceStatus_CanTransition(t *testing.T) {
	tests := []struct {
		from, to DeviceStatus
		want     bool
	}{
		{DeviceStatusRegistered, DeviceStatusActive, true},
		{DeviceStatusActive, DeviceStatusMaintenance, true},
		{DeviceStatusMaintenance, DeviceStatusActive, true},
		{DeviceStatusActive, DeviceStatusActive, true},
		{DeviceStatusActive, DeviceStatusRegistered, false},
		{DeviceStatusInactive, DeviceStatusActive, false},
		{DeviceStatusInactive, DeviceStatusDecommissioned, true},
		{DeviceStatusDecommissioned, DeviceStatusActive, false},
		{DeviceStatusDecommissioned, DeviceStatusMaintenance, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}

	if err := DeviceStatusActive.CheckTransition("flying"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("unknown status: got %v", err)
	}
}

func TestMissionState_IsTerminal(t *testing.T) {
	for _, s := range []MissionState{MissionStateCompleted, MissionStateFailed, MissionStateCancelled} {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []MissionState{MissionStatePending, MissionStateAssigned, MissionStateInProgress} {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestTokenMessage_JSON(t *testing.T) {
	at := time.UnixMilli(1714564800000)
	data, err := json.Marshal(NewTokenMessage("abc", at))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"token":"abc","timestamp":1714564800000,"issuedAt":1714564800000}`
	if string(data) != want {
		t.Errorf("got %s, want %s", data, want)
	}
}

func TestVariables_Scan(t *testing.T) {
	var v Variables
	if err := v.Scan([]byte(`{"a":1}`)); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if v["a"] != float64(1) {
		t.Errorf("got %v", v["a"])
	}
	if err := v.Scan(42); err == nil {
		t.Error("expected error for unsupported type")
	}
}
