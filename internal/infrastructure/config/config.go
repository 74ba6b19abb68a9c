package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g.
// CONNECTIVITY_DATABASE_PATH or CONNECTIVITY_SECURITY_JWT_SECRET.
const EnvPrefix = "CONNECTIVITY"

// Config is the root configuration of the connectivity service.
// It is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Instance     InstanceConfig     `yaml:"instance" envconfig:"INSTANCE"`
	Database     DatabaseConfig     `yaml:"database" envconfig:"DATABASE"`
	API          APIConfig          `yaml:"api" envconfig:"API"`
	WebSocket    WebSocketConfig    `yaml:"websocket" envconfig:"WEBSOCKET"`
	InfluxDB     InfluxDBConfig     `yaml:"influxdb" envconfig:"INFLUXDB"`
	Logging      LoggingConfig      `yaml:"logging" envconfig:"LOGGING"`
	Security     SecurityConfig     `yaml:"security" envconfig:"SECURITY"`
	Connectivity ConnectivityConfig `yaml:"connectivity" envconfig:"CONNECTIVITY"`
}

// InstanceConfig identifies this service instance.
type InstanceConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode" split_words:"true"`
	BusyTimeout int    `yaml:"busy_timeout" split_words:"true"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls" envconfig:"TLS"`
	Timeouts APITimeoutConfig `yaml:"timeouts" envconfig:"TIMEOUTS"`
	CORS     CORSConfig       `yaml:"cors" envconfig:"CORS"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file" split_words:"true"`
	KeyFile  string `yaml:"key_file" split_words:"true"`
}

// APITimeoutConfig contains HTTP timeouts in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" split_words:"true"`
}

// WebSocketConfig contains status stream settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size" split_words:"true"`
	PingInterval   int    `yaml:"ping_interval" split_words:"true"`
	PongTimeout    int    `yaml:"pong_timeout" split_words:"true"`
}

// InfluxDBConfig contains InfluxDB connection settings for connection
// metrics export.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size" split_words:"true"`
	FlushInterval int    `yaml:"flush_interval" split_words:"true"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains API security settings.
type SecurityConfig struct {
	JWT       JWTConfig       `yaml:"jwt" envconfig:"JWT"`
	RateLimit RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// JWTConfig contains bearer token validation settings.
type JWTConfig struct {
	Secret string `yaml:"secret"`
	Issuer string `yaml:"issuer"`
}

// RateLimitConfig contains API rate limiting settings.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute" split_words:"true"`
}

// ConnectivityConfig contains the connection client and pipeline
// defaults applied to every connection.
type ConnectivityConfig struct {
	// InitTimeout is how long a new client waits in DISCONNECTED before
	// opening a connection whose desired status is open.
	InitTimeout          time.Duration `yaml:"init_timeout" split_words:"true"`
	ConnectingTimeout    time.Duration `yaml:"connecting_timeout" split_words:"true"`
	DisconnectingTimeout time.Duration `yaml:"disconnecting_timeout" split_words:"true"`
	TestTimeout          time.Duration `yaml:"test_timeout" split_words:"true"`

	// ProcessorPoolSize bounds concurrent mapping work per connection
	// unless the connection sets its own.
	ProcessorPoolSize int           `yaml:"processor_pool_size" split_words:"true"`
	AckTimeout        time.Duration `yaml:"ack_timeout" split_words:"true"`
	MailboxSize       int           `yaml:"mailbox_size" split_words:"true"`

	// MetricsInterval is the InfluxDB flush cadence.
	MetricsInterval time.Duration `yaml:"metrics_interval" split_words:"true"`

	// DefinitionsDir, when set, is scanned at startup for *.yaml
	// connection definitions that are created if not yet stored.
	DefinitionsDir string `yaml:"definitions_dir" split_words:"true"`

	MQTT     MQTTDefaults     `yaml:"mqtt" envconfig:"MQTT"`
	Kafka    KafkaDefaults    `yaml:"kafka" envconfig:"KAFKA"`
	AMQP     AMQPDefaults     `yaml:"amqp" envconfig:"AMQP"`
	NATS     NATSDefaults     `yaml:"nats" envconfig:"NATS"`
	HTTPPush HTTPPushDefaults `yaml:"http_push" envconfig:"HTTP_PUSH"`
}

// MQTTDefaults are applied to every MQTT connection.
type MQTTDefaults struct {
	ClientIDPrefix   string        `yaml:"client_id_prefix" split_words:"true"`
	KeepAlive        time.Duration `yaml:"keep_alive" split_words:"true"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout" split_words:"true"`
	MaxReconnectWait time.Duration `yaml:"max_reconnect_wait" split_words:"true"`
	CleanSession     bool          `yaml:"clean_session" split_words:"true"`
}

// KafkaDefaults are applied to every Kafka connection.
type KafkaDefaults struct {
	ClientID    string        `yaml:"client_id" split_words:"true"`
	Version     string        `yaml:"version"`
	GroupPrefix string        `yaml:"consumer_group_prefix" split_words:"true"`
	DialTimeout time.Duration `yaml:"dial_timeout" split_words:"true"`
}

// AMQPDefaults are applied to every AMQP 0.9.1 connection.
type AMQPDefaults struct {
	Heartbeat time.Duration `yaml:"heartbeat"`
	Prefetch  int           `yaml:"prefetch"`
}

// NATSDefaults are applied to every NATS connection.
type NATSDefaults struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout" split_words:"true"`
	ReconnectWait  time.Duration `yaml:"reconnect_wait" split_words:"true"`
	MaxReconnects  int           `yaml:"max_reconnects" split_words:"true"`
}

// HTTPPushDefaults are applied to every HTTP push connection.
type HTTPPushDefaults struct {
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second" split_words:"true"`
	Burst             int           `yaml:"burst"`
}

// Load reads configuration from a YAML file and applies environment
// variable overrides.
//
// The configuration loading order is:
//  1. Default values (Default)
//  2. YAML file values (override defaults)
//  3. Environment variables with prefix CONNECTIVITY_ (override file values)
//
// An empty path skips step 2.
//
// Parameters:
//   - path: Path to the YAML configuration file, or ""
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("processing environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Default returns a Config with the service defaults. The JWT secret is
// left empty and must be configured.
func Default() *Config {
	return &Config{
		Instance: InstanceConfig{
			ID:   "connectivity-1",
			Name: "Connectivity",
		},
		Database: DatabaseConfig{
			Path:        "./data/connectivity.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     500,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{Issuer: "connectivity"},
			RateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerMinute: 300,
			},
		},
		Connectivity: ConnectivityConfig{
			InitTimeout:          5 * time.Second,
			ConnectingTimeout:    10 * time.Second,
			DisconnectingTimeout: 10 * time.Second,
			TestTimeout:          10 * time.Second,
			ProcessorPoolSize:    5,
			AckTimeout:           10 * time.Second,
			MailboxSize:          256,
			MetricsInterval:      30 * time.Second,
			MQTT: MQTTDefaults{
				ClientIDPrefix:   "connectivity-",
				KeepAlive:        30 * time.Second,
				ConnectTimeout:   10 * time.Second,
				MaxReconnectWait: time.Minute,
				CleanSession:     true,
			},
			Kafka: KafkaDefaults{
				ClientID:    "connectivity",
				Version:     "2.8.0",
				GroupPrefix: "connectivity-",
				DialTimeout: 10 * time.Second,
			},
			AMQP: AMQPDefaults{
				Heartbeat: 10 * time.Second,
				Prefetch:  10,
			},
			NATS: NATSDefaults{
				ConnectTimeout: 5 * time.Second,
				ReconnectWait:  2 * time.Second,
				MaxReconnects:  60,
			},
			HTTPPush: HTTPPushDefaults{
				Timeout:           10 * time.Second,
				RequestsPerSecond: 100,
			},
		},
	}
}

// Validate checks the configuration and reports every problem at once.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Instance.ID == "" {
		errs = append(errs, "instance.id is required")
	}
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}
	if c.API.TLS.Enabled && (c.API.TLS.CertFile == "" || c.API.TLS.KeyFile == "") {
		errs = append(errs, "api.tls.cert_file and api.tls.key_file are required when TLS is enabled")
	}
	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, "influxdb.url and influxdb.bucket are required when InfluxDB is enabled")
	}

	// The JWT secret signs control-plane tokens; a short one can be
	// brute forced offline.
	const minJWTSecretLength = 32
	if c.Security.JWT.Secret == "" {
		errs = append(errs, "security.jwt.secret is required (set "+EnvPrefix+"_SECURITY_JWT_SECRET)")
	} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters")
	}

	cc := c.Connectivity
	for name, d := range map[string]time.Duration{
		"init_timeout":          cc.InitTimeout,
		"connecting_timeout":    cc.ConnectingTimeout,
		"disconnecting_timeout": cc.DisconnectingTimeout,
		"test_timeout":          cc.TestTimeout,
		"ack_timeout":           cc.AckTimeout,
		"metrics_interval":      cc.MetricsInterval,
	} {
		if d <= 0 {
			errs = append(errs, "connectivity."+name+" must be positive")
		}
	}
	if cc.ProcessorPoolSize < 1 {
		errs = append(errs, "connectivity.processor_pool_size must be at least 1")
	}
	if cc.MailboxSize < 1 {
		errs = append(errs, "connectivity.mailbox_size must be at least 1")
	}
	if cc.HTTPPush.RequestsPerSecond <= 0 {
		errs = append(errs, "connectivity.http_push.requests_per_second must be positive")
	}

	if len(errs) > 0 {
		// Map iteration above is unordered.
		sort.Strings(errs)
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ReadTimeout returns the API read timeout as a Duration.
func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// WriteTimeout returns the API write timeout as a Duration.
func (c *Config) WriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// IdleTimeout returns the API idle timeout as a Duration.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
