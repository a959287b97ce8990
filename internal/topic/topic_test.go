package topic

import "testing"

func TestLayout_Parse(t *testing.T) {
	l := NewLayout("device")

	tests := []struct {
		topic string
		id    string
		kind  Kind
	}{
		{"device/V-1/register", "V-1", KindRegister},
		{"device/V-1/auth", "V-1", KindAuth},
		{"device/V-1/telemetry", "V-1", KindTelemetry},
		{"device/V-1/health", "V-1", KindHealth},
		{"device/V-1/mission/status", "V-1", KindMissionStatus},
		{"device/V-1/mission/command", "V-1", KindMissionCommand},
		{"device/V-1/auth/token", "V-1", KindUnknown},
		{"device/V-1/mission/cancel", "V-1", KindUnknown},
		{"device/V-1/telemetry/extra", "V-1", KindUnknown},
		{"device/V-1", "", KindUnknown},
		{"device//telemetry", "", KindUnknown},
		{"vehicle/V-1/telemetry", "", KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			id, kind := l.Parse(tt.topic)
			if id != tt.id || kind != tt.kind {
				t.Errorf("Parse(%q) = (%q, %s), want (%q, %s)", tt.topic, id, kind, tt.id, tt.kind)
			}
		})
	}
}

func TestLayout_Outbound(t *testing.T) {
	l := NewLayout("/fleet/")

	if got := l.Token("V-1"); got != "fleet/V-1/auth/token" {
		t.Errorf("Token = %q", got)
	}
	if got := l.Command("V-1"); got != "fleet/V-1/mission/command" {
		t.Errorf("Command = %q", got)
	}
	if got := l.Cancel("V-1"); got != "fleet/V-1/mission/cancel" {
		t.Errorf("Cancel = %q", got)
	}

	for _, sub := range l.Subscriptions() {
		if sub == l.Token("+") {
			t.Errorf("token topic must not be subscribed")
		}
	}
}

func TestKind_Bootstrap(t *testing.T) {
	for kind := KindUnknown; kind <= KindMissionCommand; kind++ {
		want := kind == KindRegister || kind == KindAuth
		if kind.Bootstrap() != want {
			t.Errorf("%s.Bootstrap() = %v", kind, kind.Bootstrap())
		}
	}
}
