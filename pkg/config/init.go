package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const initTemplate = `# blockgrid-server configuration file

logging:
  level: INFO
  format: text
  output: stdout

telemetry:
  enabled: false
  endpoint: localhost:4317
  insecure: true
  sample_rate: 1.0

metrics:
  enabled: true
  port: 9090

shutdown_timeout: 30s

storage:
  paths:
    - /var/lib/blockgrid/store0
  lanes: 8
  trunk_size: 1Gi

cluster:
  data_group_count: 1
  data_group_id: dg-0
  role: master
  listen_addr: 0.0.0.0:7000
  grpc_addr: 0.0.0.0:7001
  slaves: []
  # master_addr: <master's grpc_addr>  # required when role is "slave"

archive:
  enabled: false
  # bucket: my-cold-trunk-archive
  # region: us-east-1
  max_utilization: 0.2
  interval: 10m

recovery:
  dir: /var/lib/blockgrid/recovery

client:
  max_attempts: 5
  initial_delay: 50ms
  max_delay: 2s
`

// InitConfig writes a sample configuration file to the default config
// location. If force is false and a file already exists there, it
// returns an error instead of overwriting it.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	if err := InitConfigToPath(path, force); err != nil {
		return "", err
	}
	return path, nil
}

// InitConfigToPath writes a sample configuration file to path.
func InitConfigToPath(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", path)
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, []byte(initTemplate), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
