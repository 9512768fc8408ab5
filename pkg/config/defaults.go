package config

import (
	"strings"
	"time"

	"github.com/marmos91/blockgrid/internal/bytesize"
)

// ApplyDefaults fills in unspecified configuration fields with sensible
// defaults. Explicit values (including zero values the user actually set,
// where that's distinguishable) are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyTelemetryDefaults(&cfg.Telemetry)
	applyMetricsDefaults(&cfg.Metrics)
	applyStorageDefaults(&cfg.Storage)
	applyArchiveDefaults(&cfg.Archive)
	applyRecoveryDefaults(&cfg.Recovery)
	applyClientDefaults(&cfg.Client)

	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	// No defaults for cluster topology: data_group_count, data_group_id,
	// role, and listen_addr must be configured explicitly.
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyTelemetryDefaults(cfg *TelemetryConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1.0
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Port == 0 {
		cfg.Port = 9090
	}
}

func applyStorageDefaults(cfg *StorageConfig) {
	if cfg.Lanes == 0 {
		cfg.Lanes = 8
	}
	if cfg.TrunkSize == 0 {
		cfg.TrunkSize = bytesize.ByteSize(1 << 30)
	}
}

func applyArchiveDefaults(cfg *ArchiveConfig) {
	if cfg.MaxUtilization == 0 {
		cfg.MaxUtilization = 0.2
	}
	if cfg.Interval == 0 {
		cfg.Interval = 10 * time.Minute
	}
}

func applyRecoveryDefaults(cfg *RecoveryConfig) {
	if cfg.Dir == "" {
		cfg.Dir = "/var/lib/blockgrid/recovery"
	}
}

func applyClientDefaults(cfg *ClientConfig) {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.InitialDelay == 0 {
		cfg.InitialDelay = 50 * time.Millisecond
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = 2 * time.Second
	}
}

// GetDefaultConfig returns a Config populated entirely with default
// values, suitable for 'blockgrid-server init' to write out as a
// starting point.
func GetDefaultConfig() *Config {
	cfg := &Config{
		Storage: StorageConfig{
			Paths: []string{"/var/lib/blockgrid/store0"},
		},
		Cluster: ClusterConfig{
			DataGroupCount: 1,
			DataGroupID:    "dg-0",
			Role:           "master",
			ListenAddr:     "0.0.0.0:7000",
			GRPCAddr:       "0.0.0.0:7001",
		},
	}
	ApplyDefaults(cfg)
	return cfg
}
