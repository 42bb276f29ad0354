package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Broadcast kinds.
const (
	BroadcastNoop     = "noop"
	BroadcastLocal    = "local"
	BroadcastNATS     = "nats"
	BroadcastFileDrop = "filedrop"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Server          ServerConfig          `yaml:"server"`
	Database        DatabaseConfig        `yaml:"database"`
	Auth            AuthConfig            `yaml:"auth"`
	Worker          WorkerConfig          `yaml:"worker"`
	Log             LogConfig             `yaml:"log"`
	Feed            FeedConfig            `yaml:"feed"`
	Broadcast       BroadcastConfig       `yaml:"broadcast"`
	Client          ClientConfig          `yaml:"client"`
	Connectivity    ConnectivityConfig    `yaml:"connectivity"`
	SnapshotStorage SnapshotStorageConfig `yaml:"snapshot_storage"`

	// DevMode skips API key checks. Set from VIGIL_DEV_MODE only.
	DevMode bool `yaml:"-"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	// FeedBuffer is the per-connection change feed queue length.
	FeedBuffer int `yaml:"feed_buffer"`
}

// DatabaseConfig contains database settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig contains authentication settings.
type AuthConfig struct {
	APIKey string `yaml:"-"` // env-only, never in YAML
}

// WorkerConfig contains background worker settings.
type WorkerConfig struct {
	SnapshotInterval    Duration `yaml:"snapshot_interval"`
	CompactionInterval  Duration `yaml:"compaction_interval"`
	CompactionRetention Duration `yaml:"compaction_retention"`
	AuditDir            string   `yaml:"audit_dir"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// FeedConfig tunes the synchronization coordinator used by `vigil watch`.
type FeedConfig struct {
	Debounce            Duration `yaml:"debounce"`
	MaxRetries          int      `yaml:"max_retries"`
	HeartbeatInterval   Duration `yaml:"heartbeat_interval"`
	CrossReplicaEnabled bool     `yaml:"cross_replica_enabled"`
	CrossReplicaDelay   Duration `yaml:"cross_replica_delay"`
	RetryBaseDelay      Duration `yaml:"retry_base_delay"`
	RetryMaxDelay       Duration `yaml:"retry_max_delay"`
	Tables              []string `yaml:"tables"`
}

// BroadcastConfig selects the cross-replica transport.
type BroadcastConfig struct {
	// Kind is one of noop, local, nats or filedrop.
	Kind  string `yaml:"kind"`
	Topic string `yaml:"topic"`
	// URL is the NATS server for kind nats.
	URL string `yaml:"url"`
	// Dir is the shared drop directory for kind filedrop.
	Dir string `yaml:"dir"`
	// Retention is how long filedrop notices are kept.
	Retention Duration `yaml:"retention"`
}

// ClientConfig configures the API client used by CLI commands.
type ClientConfig struct {
	BaseURL            string   `yaml:"base_url"`
	Timeout            Duration `yaml:"timeout"`
	ReconnectBaseDelay Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  Duration `yaml:"reconnect_max_delay"`
}

// ConnectivityConfig tunes the network reachability monitor.
type ConnectivityConfig struct {
	Interval Duration `yaml:"interval"`
	Timeout  Duration `yaml:"timeout"`
}

// SnapshotStorageConfig contains S3-compatible snapshot upload settings.
// An empty Bucket disables uploads.
type SnapshotStorageConfig struct {
	Endpoint  string   `yaml:"endpoint"`
	Bucket    string   `yaml:"bucket"`
	Region    string   `yaml:"region"`
	UseSSL    *bool    `yaml:"use_ssl"`
	URLExpiry Duration `yaml:"url_expiry"`
	AccessKey string   `yaml:"-"` // env-only, never in YAML
	SecretKey string   `yaml:"-"` // env-only, never in YAML
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	cfg := newDefaults()

	// Determine config path
	configPath := getEnv("VIGIL_CONFIG_PATH", "config/vigil.yaml")

	// Load YAML file if it exists (missing file is not an error)
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and explicit path specification.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	// Load YAML file (file must exist for this function)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	useSSL := true
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
			FeedBuffer:      256,
		},
		Database: DatabaseConfig{
			Path: "data/vigil.db",
		},
		Worker: WorkerConfig{
			SnapshotInterval:    Duration(1 * time.Hour),
			CompactionInterval:  Duration(1 * time.Hour),
			CompactionRetention: Duration(72 * time.Hour),
			AuditDir:            "data/audit",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Feed: FeedConfig{
			Debounce:            Duration(time.Second),
			MaxRetries:          5,
			HeartbeatInterval:   Duration(30 * time.Second),
			CrossReplicaEnabled: true,
			CrossReplicaDelay:   Duration(500 * time.Millisecond),
			RetryBaseDelay:      Duration(time.Second),
			RetryMaxDelay:       Duration(10 * time.Second),
			Tables:              []string{"prayers", "prayer_responses"},
		},
		Broadcast: BroadcastConfig{
			Kind:      BroadcastNoop,
			Topic:     "vigil.inbox",
			URL:       "nats://127.0.0.1:4222",
			Dir:       "data/broadcast",
			Retention: Duration(time.Minute),
		},
		Client: ClientConfig{
			BaseURL:            "http://localhost:8080",
			Timeout:            Duration(30 * time.Second),
			ReconnectBaseDelay: Duration(time.Second),
			ReconnectMaxDelay:  Duration(30 * time.Second),
		},
		Connectivity: ConnectivityConfig{
			Interval: Duration(5 * time.Second),
			Timeout:  Duration(3 * time.Second),
		},
		SnapshotStorage: SnapshotStorageConfig{
			Region:    "us-east-1",
			UseSSL:    &useSSL,
			URLExpiry: Duration(15 * time.Minute),
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
// Missing file is not an error; we just use defaults.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Missing file is OK; use defaults
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

func envDuration(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "true" || v == "1"
	}
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Server
	envInt("VIGIL_PORT", &cfg.Server.Port)
	envDuration("VIGIL_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	envDuration("VIGIL_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	envDuration("VIGIL_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)
	envInt("VIGIL_FEED_BUFFER", &cfg.Server.FeedBuffer)

	// Database
	envString("VIGIL_DB_PATH", &cfg.Database.Path)

	// Auth
	envString("VIGIL_API_KEY", &cfg.Auth.APIKey)

	// Worker
	envDuration("VIGIL_SNAPSHOT_INTERVAL", &cfg.Worker.SnapshotInterval)
	envDuration("VIGIL_COMPACTION_INTERVAL", &cfg.Worker.CompactionInterval)
	envDuration("VIGIL_COMPACTION_RETENTION", &cfg.Worker.CompactionRetention)
	envString("VIGIL_AUDIT_DIR", &cfg.Worker.AuditDir)

	// Log
	envString("VIGIL_LOG_LEVEL", &cfg.Log.Level)
	envString("VIGIL_LOG_FORMAT", &cfg.Log.Format)

	// Feed
	envDuration("VIGIL_FEED_DEBOUNCE", &cfg.Feed.Debounce)
	envInt("VIGIL_FEED_MAX_RETRIES", &cfg.Feed.MaxRetries)
	envDuration("VIGIL_FEED_HEARTBEAT_INTERVAL", &cfg.Feed.HeartbeatInterval)
	envBool("VIGIL_CROSS_REPLICA_ENABLED", &cfg.Feed.CrossReplicaEnabled)
	envDuration("VIGIL_CROSS_REPLICA_DELAY", &cfg.Feed.CrossReplicaDelay)
	envDuration("VIGIL_FEED_RETRY_BASE_DELAY", &cfg.Feed.RetryBaseDelay)
	envDuration("VIGIL_FEED_RETRY_MAX_DELAY", &cfg.Feed.RetryMaxDelay)
	if v := os.Getenv("VIGIL_FEED_TABLES"); v != "" {
		cfg.Feed.Tables = splitList(v)
	}

	// Broadcast
	envString("VIGIL_BROADCAST_KIND", &cfg.Broadcast.Kind)
	envString("VIGIL_BROADCAST_TOPIC", &cfg.Broadcast.Topic)
	envString("VIGIL_NATS_URL", &cfg.Broadcast.URL)
	envString("VIGIL_BROADCAST_DIR", &cfg.Broadcast.Dir)
	envDuration("VIGIL_BROADCAST_RETENTION", &cfg.Broadcast.Retention)

	// Client
	envString("VIGIL_URL", &cfg.Client.BaseURL)
	envDuration("VIGIL_CLIENT_TIMEOUT", &cfg.Client.Timeout)
	envDuration("VIGIL_RECONNECT_BASE_DELAY", &cfg.Client.ReconnectBaseDelay)
	envDuration("VIGIL_RECONNECT_MAX_DELAY", &cfg.Client.ReconnectMaxDelay)

	// Connectivity
	envDuration("VIGIL_CONNECTIVITY_INTERVAL", &cfg.Connectivity.Interval)
	envDuration("VIGIL_CONNECTIVITY_TIMEOUT", &cfg.Connectivity.Timeout)

	// Snapshot storage
	envString("VIGIL_S3_ENDPOINT", &cfg.SnapshotStorage.Endpoint)
	envString("VIGIL_SNAPSHOT_BUCKET", &cfg.SnapshotStorage.Bucket)
	envString("VIGIL_S3_REGION", &cfg.SnapshotStorage.Region)
	envString("VIGIL_S3_ACCESS_KEY", &cfg.SnapshotStorage.AccessKey)
	envString("VIGIL_S3_SECRET_KEY", &cfg.SnapshotStorage.SecretKey)
	envDuration("VIGIL_S3_URL_EXPIRY", &cfg.SnapshotStorage.URLExpiry)
	if v := os.Getenv("VIGIL_S3_USE_SSL"); v != "" {
		useSSL := v == "true" || v == "1"
		cfg.SnapshotStorage.UseSSL = &useSSL
	}

	envBool("VIGIL_DEV_MODE", &cfg.DevMode)
}

// validate checks that required configuration values are set.
// In dev mode (VIGIL_DEV_MODE=true), API key validation is skipped.
func (c *Config) validate() error {
	switch c.Broadcast.Kind {
	case BroadcastNoop, BroadcastLocal, BroadcastNATS, BroadcastFileDrop:
	default:
		return fmt.Errorf("broadcast.kind %q must be one of noop, local, nats, filedrop", c.Broadcast.Kind)
	}
	if c.Feed.MaxRetries < 0 {
		return errors.New("feed.max_retries must not be negative")
	}

	// Dev mode bypasses API key validation
	if c.DevMode {
		return nil
	}

	if c.Auth.APIKey == "" {
		return errors.New("VIGIL_API_KEY is required")
	}
	return nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
