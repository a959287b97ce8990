package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalYAML = `
mqtt:
  broker_url: tcp://localhost:1883
database:
  driver: memory
timeseries:
  driver: memory
jwt:
  secret: test-secret
`

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.MQTT.ReconnectInterval != 5*time.Second {
		t.Errorf("reconnect interval = %s, want 5s", cfg.MQTT.ReconnectInterval)
	}
	if cfg.MQTT.TopicPrefix != "device" {
		t.Errorf("topic prefix = %q, want device", cfg.MQTT.TopicPrefix)
	}
	if cfg.MQTT.QoS != 1 {
		t.Errorf("qos = %d, want 1", cfg.MQTT.QoS)
	}
	if cfg.JWT.TokenTTL != 720*time.Hour {
		t.Errorf("token ttl = %s, want 720h", cfg.JWT.TokenTTL)
	}
	if cfg.NATS.SubjectPrefix != "fleet" {
		t.Errorf("subject prefix = %q, want fleet", cfg.NATS.SubjectPrefix)
	}
	if cfg.API.Port != 8080 {
		t.Errorf("api port = %d, want 8080", cfg.API.Port)
	}
}

func TestParse_Durations(t *testing.T) {
	data := minimalYAML + `
  token_ttl: 1h
`
	data = strings.Replace(data, "mqtt:\n", "mqtt:\n  publish_timeout: 250ms\n", 1)

	cfg, err := Parse([]byte(data))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.JWT.TokenTTL != time.Hour {
		t.Errorf("token ttl = %s, want 1h", cfg.JWT.TokenTTL)
	}
	if cfg.MQTT.PublishTimeout != 250*time.Millisecond {
		t.Errorf("publish timeout = %s, want 250ms", cfg.MQTT.PublishTimeout)
	}
}

func TestParse_EnvOverrides(t *testing.T) {
	t.Setenv("MQTT_BROKER_URL", "tcp://broker:1883")
	t.Setenv("JWT_SECRET", "generic")
	t.Setenv("VEHICLE_JWT_SECRET", "vehicle")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.MQTT.BrokerURL != "tcp://broker:1883" {
		t.Errorf("broker = %q", cfg.MQTT.BrokerURL)
	}
	if cfg.JWT.Secret != "vehicle" {
		t.Errorf("secret = %q, want vehicle", cfg.JWT.Secret)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log level = %q, want debug", cfg.Log.Level)
	}
}

func TestParse_Validation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing secret",
			yaml: "mqtt:\n  broker_url: tcp://x:1883\ndatabase:\n  driver: memory\ntimeseries:\n  driver: memory\n",
			want: "jwt.secret",
		},
		{
			name: "missing broker",
			yaml: "jwt:\n  secret: s\ndatabase:\n  driver: memory\ntimeseries:\n  driver: memory\n",
			want: "mqtt.broker_url",
		},
		{
			name: "postgres without dsn",
			yaml: "jwt:\n  secret: s\nmqtt:\n  broker_url: tcp://x:1883\ntimeseries:\n  driver: memory\n",
			want: "database.dsn",
		},
		{
			name: "unknown timeseries driver",
			yaml: "jwt:\n  secret: s\nmqtt:\n  broker_url: tcp://x:1883\ndatabase:\n  driver: memory\ntimeseries:\n  driver: influx\n",
			want: "timeseries.driver",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yml")
	if err := os.WriteFile(path, []byte(minimalYAML), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.JWT.Secret != "test-secret" {
		t.Errorf("secret = %q", cfg.JWT.Secret)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestParse_ClientID(t *testing.T) {
	a, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	b, _ := Parse([]byte(minimalYAML))

	if !strings.HasPrefix(a.MQTT.ClientID, "fleet-gateway-") {
		t.Errorf("client id = %q, want fleet-gateway- prefix", a.MQTT.ClientID)
	}
	if a.MQTT.ClientID == b.MQTT.ClientID {
		t.Errorf("default client ids collide: %q", a.MQTT.ClientID)
	}

	fixed, _ := Parse([]byte(strings.Replace(minimalYAML, "mqtt:\n", "mqtt:\n  client_id: gw-1\n", 1)))
	if fixed.MQTT.ClientID != "gw-1" {
		t.Errorf("client id = %q, want gw-1", fixed.MQTT.ClientID)
	}
}
