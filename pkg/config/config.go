// Package config loads the block-storage server's static configuration:
// logging, telemetry, metrics, storage paths, cluster topology, recovery,
// and client retry policy.
//
// Grounded on the teacher's pkg/config/config.go: same viper+mapstructure
// layering (env > file > defaults), the same ByteSize/time.Duration
// decode hooks, and the same Load/MustLoad/SaveConfig entry points,
// re-keyed from DittoFS's NFS/SMB/control-plane domain to the data-group
// storage domain this server implements.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/marmos91/blockgrid/internal/bytesize"
)

// Config is the static configuration for a blockgrid-server process.
//
// Configuration sources, highest precedence first:
//  1. Environment variables (BLOCKGRID_*)
//  2. Configuration file (YAML)
//  3. Default values
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Telemetry controls OpenTelemetry distributed tracing.
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`

	// Metrics configures the Prometheus metrics HTTP endpoint.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`

	// Storage configures the trunk allocator's backing store paths.
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`

	// Cluster configures this node's place in the data-group topology.
	Cluster ClusterConfig `mapstructure:"cluster" yaml:"cluster"`

	// Recovery configures the data-recovery rejoin pipeline.
	Recovery RecoveryConfig `mapstructure:"recovery" yaml:"recovery"`

	// Archive configures the optional off-box cold-trunk archival target.
	Archive ArchiveConfig `mapstructure:"archive" yaml:"archive"`

	// Client configures the default retry policy used by pkg/client.
	Client ClientConfig `mapstructure:"client" yaml:"client"`
}

// StorageConfig configures the trunk allocator.
type StorageConfig struct {
	// Paths lists the directories trunk files are created under; each
	// trunk's path is picked by its trunk ID.
	Paths []string `mapstructure:"paths" validate:"required,min=1,dive,required" yaml:"paths"`

	// Lanes is the number of per-writer allocation lanes, shared across
	// all storage paths.
	// Default: 8
	Lanes int `mapstructure:"lanes" validate:"omitempty,gt=0" yaml:"lanes"`

	// TrunkSize is read from the config but not passed to the trunk
	// allocator: every trunk file is trunk.TrunkFileSize (1GiB).
	// Supports human-readable formats: "1Gi", "512Mi".
	// Default: 1Gi
	TrunkSize bytesize.ByteSize `mapstructure:"trunk_size" yaml:"trunk_size,omitempty"`
}

// ClusterConfig describes this node's data-group membership.
type ClusterConfig struct {
	// DataGroupCount is the total number of data groups in the cluster,
	// used to compute hash_code mod data_group_count routing.
	DataGroupCount int `mapstructure:"data_group_count" validate:"required,gt=0" yaml:"data_group_count"`

	// DataGroupID identifies the data group this node belongs to.
	DataGroupID string `mapstructure:"data_group_id" validate:"required" yaml:"data_group_id"`

	// Role is either "master" or "slave" for DataGroupID.
	Role string `mapstructure:"role" validate:"required,oneof=master slave" yaml:"role"`

	// ListenAddr is the TCP address this node accepts client requests on.
	ListenAddr string `mapstructure:"listen_addr" validate:"required" yaml:"listen_addr"`

	// GRPCAddr is the address this node exposes its replication/recovery
	// grpc services on: a master dials each slave's GRPCAddr (listed in
	// its Slaves) to push fanned-out mutations, and a rejoining slave
	// dials its master's GRPCAddr to fetch its binlog tail.
	GRPCAddr string `mapstructure:"grpc_addr" validate:"required" yaml:"grpc_addr"`

	// Slaves lists the slave GRPCAddrs this master replicates to. Empty
	// when Role is "slave".
	Slaves []string `mapstructure:"slaves" yaml:"slaves,omitempty"`

	// MasterAddr is this node's master's GRPCAddr, used to fetch a
	// binlog tail during rejoin recovery. Required when Role is
	// "slave"; ignored when Role is "master".
	MasterAddr string `mapstructure:"master_addr" yaml:"master_addr,omitempty"`
}

// ArchiveConfig configures the optional S3 archival target trunk cold
// reclaim uploads underutilized trunks to. Cold reclaim does not
// truncate the local trunk files.
type ArchiveConfig struct {
	// Enabled controls whether cold reclaim runs at all. Off by default:
	// without an archival target, a trunk's only copy is local disk, and
	// reclaiming it would mean data loss.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Bucket is the S3 bucket cold trunks are archived to.
	Bucket string `mapstructure:"bucket" validate:"required_if=Enabled true" yaml:"bucket,omitempty"`

	// Region is the AWS region (optional, uses SDK default if empty).
	Region string `mapstructure:"region" yaml:"region,omitempty"`

	// Endpoint is an S3-compatible endpoint override (e.g. for MinIO).
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`

	// KeyPrefix is prepended to every archived trunk's object key.
	KeyPrefix string `mapstructure:"key_prefix" yaml:"key_prefix,omitempty"`

	// ForcePathStyle forces path-style addressing (required for Localstack/MinIO).
	ForcePathStyle bool `mapstructure:"force_path_style" yaml:"force_path_style,omitempty"`

	// MaxUtilization is the utilization fraction (used/free_start) at
	// or below which a trunk becomes a cold-reclaim candidate.
	// Default: 0.2 (below the 80% utilization threshold).
	MaxUtilization float64 `mapstructure:"max_utilization" validate:"omitempty,gte=0,lte=1" yaml:"max_utilization,omitempty"`

	// Interval is how often the cold-reclaim scan runs.
	// Default: 10m
	Interval time.Duration `mapstructure:"interval" yaml:"interval,omitempty"`
}

// RecoveryConfig configures the data-recovery rejoin pipeline.
type RecoveryConfig struct {
	// Dir is the directory the stage file and dedup badger store live
	// under.
	Dir string `mapstructure:"dir" validate:"required" yaml:"dir"`
}

// ClientConfig configures the default retry policy for pkg/client.
type ClientConfig struct {
	// MaxAttempts is the maximum number of send attempts before giving up.
	// Default: 5
	MaxAttempts int `mapstructure:"max_attempts" validate:"omitempty,gt=0" yaml:"max_attempts"`

	// InitialDelay is the first retry backoff delay.
	// Default: 50ms
	InitialDelay time.Duration `mapstructure:"initial_delay" yaml:"initial_delay"`

	// MaxDelay caps the exponential backoff delay.
	// Default: 2s
	MaxDelay time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output.
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive).
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format.
	// Valid values: text, json.
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written.
	// Valid values: stdout, stderr, or a file path.
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// TelemetryConfig controls OpenTelemetry distributed tracing.
type TelemetryConfig struct {
	// Enabled controls whether distributed tracing is enabled.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the OTLP collector endpoint (host:port).
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// Insecure controls whether to use a non-TLS connection.
	Insecure bool `mapstructure:"insecure" yaml:"insecure"`

	// SampleRate controls the trace sampling rate (0.0 to 1.0).
	SampleRate float64 `mapstructure:"sample_rate" validate:"omitempty,gte=0,lte=1" yaml:"sample_rate"`
}

// MetricsConfig configures the Prometheus metrics HTTP server.
type MetricsConfig struct {
	// Enabled controls whether metrics collection and the HTTP server
	// are enabled.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the HTTP port for the metrics endpoint.
	// Default: 9090
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// Load loads configuration from file, environment, and defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	if !found {
		return GetDefaultConfig(), nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration with helpful error messages when the
// config file is missing.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"Please initialize a configuration file first:\n"+
				"  blockgrid-server init\n\n"+
				"Or specify a custom config file:\n"+
				"  blockgrid-server serve --config /path/to/config.yaml",
				GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s\n\n"+
			"Please create the configuration file:\n"+
			"  blockgrid-server init --config %s",
			configPath, configPath)
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to path in YAML format.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("BLOCKGRID")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}

	configDir := getConfigDir()
	v.AddConfigPath(configDir)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}

	return true, nil
}

func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return bytesize.ParseByteSize(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "blockgrid")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "blockgrid")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists reports whether a config file exists at the
// default location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path.
func GetConfigDir() string {
	return getConfigDir()
}
