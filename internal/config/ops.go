package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// OpsConfig carries the ambient knobs SPEC_FULL.md adds on top of spec.md's
// XML server config: log level, health/metrics port, and the MQTT broker
// for the telemetry side-channel. Grounded on the teacher's
// internal/config/config.go (gopkg.in/yaml.v3, Load/Validate split).
type OpsConfig struct {
	InstanceID string `yaml:"instance_id"`
	LogLevel   string `yaml:"log_level"`
	Health     struct {
		Port int `yaml:"port"`
	} `yaml:"health"`
	Telemetry struct {
		Enabled bool   `yaml:"enabled"`
		Broker  string `yaml:"broker"`
		Topic   string `yaml:"topic"`
	} `yaml:"telemetry"`
	Audit struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"audit"`
}

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// LoadOpsConfig reads and validates the ops config, defaulting where the
// teacher's validator.go does.
func LoadOpsConfig(path string) (*OpsConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading ops config: %w", err)
	}

	var cfg OpsConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing ops config: %w", err)
	}
	if err := ValidateOpsConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ValidateOpsConfig checks required fields and injects defaults, mirroring
// the teacher's Validate.
func ValidateOpsConfig(cfg *OpsConfig) error {
	if cfg.InstanceID == "" {
		return fmt.Errorf("config: instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("config: instance_id must match pattern [a-z0-9-]+")
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Health.Port == 0 {
		cfg.Health.Port = 8080
	}
	if cfg.Telemetry.Enabled {
		if cfg.Telemetry.Broker == "" {
			return fmt.Errorf("config: telemetry.broker is required when telemetry.enabled is true")
		}
		if cfg.Telemetry.Topic == "" {
			cfg.Telemetry.Topic = fmt.Sprintf("igtlserver/health/%s", cfg.InstanceID)
		}
	}
	if cfg.Audit.Enabled && cfg.Audit.Path == "" {
		cfg.Audit.Path = fmt.Sprintf("igtlserver-audit-%s.log", cfg.InstanceID)
	}
	return nil
}
