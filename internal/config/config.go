package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fleetlink/fleet-gateway/pkg/crypto"
)

// Config represents the application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	API        APIConfig        `yaml:"api"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Database   DatabaseConfig   `yaml:"database"`
	Timeseries TimeseriesConfig `yaml:"timeseries"`
	NATS       NATSConfig       `yaml:"nats"`
	JWT        JWTConfig        `yaml:"jwt"`
	Log        LogConfig        `yaml:"log"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// APIConfig represents API configuration
type APIConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// AdminToken protects the management routes when set.
	AdminToken string `yaml:"admin_token"`
}

// MQTTConfig represents the device bus connection
type MQTTConfig struct {
	BrokerURL         string        `yaml:"broker_url"`
	ClientID          string        `yaml:"client_id"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	TopicPrefix       string        `yaml:"topic_prefix"`
	QoS               byte          `yaml:"qos"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	KeepAlive         time.Duration `yaml:"keep_alive"`
	PublishTimeout    time.Duration `yaml:"publish_timeout"`
	SubscribeTimeout  time.Duration `yaml:"subscribe_timeout"`
	Workers           int           `yaml:"workers"`
	QueueSize         int           `yaml:"queue_size"`
}

// DatabaseConfig represents the primary store configuration
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// TimeseriesConfig represents the time-series store configuration
type TimeseriesConfig struct {
	Driver   string         `yaml:"driver"`
	DSN      string         `yaml:"dsn"`
	DynamoDB DynamoDBConfig `yaml:"dynamodb"`
}

// DynamoDBConfig configures the DynamoDB time-series backend
type DynamoDBConfig struct {
	Region             string `yaml:"region"`
	Endpoint           string `yaml:"endpoint"`
	TelemetryTable     string `yaml:"telemetry_table"`
	HealthTable        string `yaml:"health_table"`
	MissionStatusTable string `yaml:"mission_status_table"`
}

// NATSConfig represents NATS configuration
type NATSConfig struct {
	URL               string        `yaml:"url"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	SubjectPrefix     string        `yaml:"subject_prefix"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// JWTConfig represents device token configuration
type JWTConfig struct {
	Secret   string        `yaml:"secret"`
	TokenTTL time.Duration `yaml:"token_ttl"`
	Issuer   string        `yaml:"issuer"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Storage drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverDynamoDB = "dynamodb"
	DriverMemory   = "memory"
)

// Load loads configuration from file
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	return Parse(data)
}

// Parse builds a configuration from YAML bytes
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.setDefaults()

	// Apply environment overrides
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// setDefaults fills zero values
func (c *Config) setDefaults() {
	if c.Server.Name == "" {
		c.Server.Name = "fleet-gateway"
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	c.setDefaultMQTT()

	if c.Database.Driver == "" {
		c.Database.Driver = DriverPostgres
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 20
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = 30 * time.Minute
	}

	if c.Timeseries.Driver == "" {
		c.Timeseries.Driver = DriverPostgres
	}
	c.setDefaultDynamoDB()

	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "fleet"
	}
	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = -1
	}
	if c.NATS.ReconnectInterval == 0 {
		c.NATS.ReconnectInterval = 2 * time.Second
	}

	if c.JWT.TokenTTL == 0 {
		c.JWT.TokenTTL = 30 * 24 * time.Hour
	}
	if c.JWT.Issuer == "" {
		c.JWT.Issuer = "fleet-gateway"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
}

func (c *Config) setDefaultMQTT() {
	m := &c.MQTT
	if m.ClientID == "" {
		// Unique per process so two gateways do not evict each other
		m.ClientID = "fleet-gateway"
		if suffix, err := crypto.GenerateRandomString(4); err == nil {
			m.ClientID += "-" + suffix
		}
	}
	if m.TopicPrefix == "" {
		m.TopicPrefix = "device"
	}
	if m.QoS == 0 {
		m.QoS = 1
	}
	if m.ReconnectInterval == 0 {
		m.ReconnectInterval = 5 * time.Second
	}
	if m.ConnectTimeout == 0 {
		m.ConnectTimeout = 10 * time.Second
	}
	if m.KeepAlive == 0 {
		m.KeepAlive = 30 * time.Second
	}
	if m.PublishTimeout == 0 {
		m.PublishTimeout = 10 * time.Second
	}
	if m.SubscribeTimeout == 0 {
		m.SubscribeTimeout = 10 * time.Second
	}
	if m.Workers == 0 {
		m.Workers = 8
	}
	if m.QueueSize == 0 {
		m.QueueSize = 256
	}
}

func (c *Config) setDefaultDynamoDB() {
	d := &c.Timeseries.DynamoDB
	if d.TelemetryTable == "" {
		d.TelemetryTable = "vehicle_telemetry"
	}
	if d.HealthTable == "" {
		d.HealthTable = "vehicle_health"
	}
	if d.MissionStatusTable == "" {
		d.MissionStatusTable = "mission_status"
	}
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Database.DSN = dsn
	}

	if dsn := os.Getenv("TIMESERIES_DSN"); dsn != "" {
		c.Timeseries.DSN = dsn
	}

	if broker := os.Getenv("MQTT_BROKER_URL"); broker != "" {
		c.MQTT.BrokerURL = broker
	}

	if clientID := os.Getenv("MQTT_CLIENT_ID"); clientID != "" {
		c.MQTT.ClientID = clientID
	}

	if username := os.Getenv("MQTT_USERNAME"); username != "" {
		c.MQTT.Username = username
	}

	if password := os.Getenv("MQTT_PASSWORD"); password != "" {
		c.MQTT.Password = password
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.NATS.URL = natsURL
	}

	if jwtSecret := os.Getenv("JWT_SECRET"); jwtSecret != "" {
		c.JWT.Secret = jwtSecret
	}

	if jwtSecret := os.Getenv("VEHICLE_JWT_SECRET"); jwtSecret != "" {
		c.JWT.Secret = jwtSecret
	}

	if token := os.Getenv("API_ADMIN_TOKEN"); token != "" {
		c.API.AdminToken = token
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Log.Level = logLevel
	}
}

// Validate checks the settings that have no usable default
func (c *Config) Validate() error {
	var errs []error

	if c.JWT.Secret == "" {
		errs = append(errs, errors.New("jwt.secret is required"))
	}
	if c.MQTT.BrokerURL == "" {
		errs = append(errs, errors.New("mqtt.broker_url is required"))
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos %d out of range", c.MQTT.QoS))
	}

	switch c.Database.Driver {
	case DriverPostgres:
		if c.Database.DSN == "" {
			errs = append(errs, errors.New("database.dsn is required for postgres"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown database.driver %q", c.Database.Driver))
	}

	switch c.Timeseries.Driver {
	case DriverPostgres, DriverSQLite:
		if c.Timeseries.DSN == "" {
			errs = append(errs, fmt.Errorf("timeseries.dsn is required for %s", c.Timeseries.Driver))
		}
	case DriverDynamoDB, DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown timeseries.driver %q", c.Timeseries.Driver))
	}

	return errors.Join(errs...)
}

// PrintConfigSummary prints a configuration summary without secrets
func (c *Config) PrintConfigSummary() {
	fmt.Printf("=== Fleet Gateway Configuration ===\n")
	fmt.Printf("Server: %s v%s\n", c.Server.Name, c.Server.Version)
	fmt.Printf("API: %s:%d (admin token set: %v)\n", c.API.Host, c.API.Port, c.API.AdminToken != "")
	fmt.Printf("MQTT: %s as %s, prefix %q, qos %d\n", c.MQTT.BrokerURL, c.MQTT.ClientID, c.MQTT.TopicPrefix, c.MQTT.QoS)
	fmt.Printf("  Reconnect every %s, publish timeout %s, %d workers\n",
		c.MQTT.ReconnectInterval, c.MQTT.PublishTimeout, c.MQTT.Workers)
	fmt.Printf("Database: %s\n", c.Database.Driver)
	fmt.Printf("Timeseries: %s\n", c.Timeseries.Driver)
	if c.Timeseries.Driver == DriverDynamoDB {
		fmt.Printf("  Tables: %s, %s, %s\n",
			c.Timeseries.DynamoDB.TelemetryTable,
			c.Timeseries.DynamoDB.HealthTable,
			c.Timeseries.DynamoDB.MissionStatusTable)
	}
	if c.NATS.URL != "" {
		fmt.Printf("NATS: %s (prefix %q)\n", c.NATS.URL, c.NATS.SubjectPrefix)
	} else {
		fmt.Printf("NATS: disabled\n")
	}
	fmt.Printf("Token TTL: %s\n", c.JWT.TokenTTL)
	fmt.Printf("Log: %s/%s\n", c.Log.Level, c.Log.Format)
	fmt.Printf("===================================\n")
}
