// Package topic describes the MQTT topic layout shared by devices and the gateway.
package topic

import "strings"

// Kind classifies an inbound topic by its suffix
type Kind int

const (
	KindUnknown Kind = iota
	KindRegister
	KindAuth
	KindTelemetry
	KindHealth
	KindMissionStatus
	KindMissionCommand
)

var suffixes = map[string]Kind{
	"register":        KindRegister,
	"auth":            KindAuth,
	"telemetry":       KindTelemetry,
	"health":          KindHealth,
	"mission/status":  KindMissionStatus,
	"mission/command": KindMissionCommand,
}

// String returns the topic suffix for k
func (k Kind) String() string {
	for suffix, kind := range suffixes {
		if kind == k {
			return suffix
		}
	}
	return "unknown"
}

// Bootstrap reports whether messages of this kind are accepted without a token
func (k Kind) Bootstrap() bool {
	return k == KindRegister || k == KindAuth
}

// Outbound suffixes
const (
	suffixToken   = "auth/token"
	suffixCommand = "mission/command"
	suffixCancel  = "mission/cancel"
)

// Layout builds and parses topics of the form {prefix}/{deviceID}/{suffix}
type Layout struct {
	prefix string
}

// NewLayout creates a layout rooted at prefix
func NewLayout(prefix string) Layout {
	return Layout{prefix: strings.Trim(prefix, "/")}
}

// Prefix returns the root segment
func (l Layout) Prefix() string {
	return l.prefix
}

// Subscriptions returns the fixed set of per-device wildcard filters
func (l Layout) Subscriptions() []string {
	return []string{
		l.prefix + "/+/register",
		l.prefix + "/+/auth",
		l.prefix + "/+/telemetry",
		l.prefix + "/+/health",
		l.prefix + "/+/mission/status",
		l.prefix + "/+/mission/command",
	}
}

// Parse extracts the device id and kind from an inbound topic. Topics
// outside the layout or with an unknown suffix yield KindUnknown.
func (l Layout) Parse(topic string) (string, Kind) {
	rest, ok := strings.CutPrefix(topic, l.prefix+"/")
	if !ok {
		return "", KindUnknown
	}

	deviceID, suffix, ok := strings.Cut(rest, "/")
	if !ok || deviceID == "" {
		return "", KindUnknown
	}

	kind, ok := suffixes[suffix]
	if !ok {
		return deviceID, KindUnknown
	}
	return deviceID, kind
}

// DeviceID returns the device segment of topic, or "" when absent
func (l Layout) DeviceID(topic string) string {
	id, _ := l.Parse(topic)
	return id
}

// Token is where freshly issued tokens are sent
func (l Layout) Token(deviceID string) string {
	return l.device(deviceID, suffixToken)
}

// Command is where mission commands are sent
func (l Layout) Command(deviceID string) string {
	return l.device(deviceID, suffixCommand)
}

// Cancel is where mission cancellations are sent
func (l Layout) Cancel(deviceID string) string {
	return l.device(deviceID, suffixCancel)
}

func (l Layout) device(deviceID, suffix string) string {
	return l.prefix + "/" + deviceID + "/" + suffix
}
