package config

import (
	"strings"
	"testing"
)

func TestValidate_ValidConfig(t *testing.T) {
	cfg := GetDefaultConfig()

	if err := Validate(cfg); err != nil {
		t.Errorf("expected valid config to pass validation, got error: %v", err)
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Logging.Level = "INVALID"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error for invalid log level")
	}
	if !strings.Contains(err.Error(), "oneof") {
		t.Errorf("expected 'oneof' validation error, got: %v", err)
	}
}

func TestValidate_InvalidLogFormat(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Logging.Format = "xml"

	if err := Validate(cfg); err == nil {
		t.Fatal("expected validation error for invalid log format")
	}
}

func TestValidate_InvalidMetricsPort(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Metrics.Port = 70000

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error for port out of range")
	}
	if !strings.Contains(err.Error(), "max") {
		t.Errorf("expected 'max' validation error, got: %v", err)
	}
}

func TestValidate_MissingStoragePaths(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Storage.Paths = nil

	if err := Validate(cfg); err == nil {
		t.Fatal("expected validation error for empty storage paths")
	}
}

func TestValidate_InvalidClusterRole(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Cluster.Role = "primary"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error for invalid cluster role")
	}
	if !strings.Contains(err.Error(), "oneof") {
		t.Errorf("expected 'oneof' validation error, got: %v", err)
	}
}

func TestValidate_MissingDataGroupID(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Cluster.DataGroupID = ""

	if err := Validate(cfg); err == nil {
		t.Fatal("expected validation error for missing data_group_id")
	}
}

func TestValidate_ZeroDataGroupCount(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Cluster.DataGroupCount = 0

	if err := Validate(cfg); err == nil {
		t.Fatal("expected validation error for zero data_group_count")
	}
}
