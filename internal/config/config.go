// Package config provides YAML configuration loading and validation for the
// sentinel detection agent.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure for the sentinel agent.
type Config struct {
	// Collector selects the event source: "kernelprobe" or "audittail".
	// Defaults to "kernelprobe".
	Collector string `yaml:"collector"`

	// AuditLogPath is the file the audittail collector follows. Required
	// when Collector is "audittail".
	AuditLogPath string `yaml:"audit_log_path"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// RiskThreshold is the risk score that triggers HIGH_RISK alerts.
	// Defaults to 30.0.
	RiskThreshold float64 `yaml:"risk_threshold"`

	// WarmupPeriodSeconds is the length of the post-start suppression
	// window. Defaults to 180.
	WarmupPeriodSeconds float64 `yaml:"warmup_period_seconds"`

	// ExcludedProcesses is the process-name exclusion list. There is no
	// built-in list; no names are excluded unless listed here.
	ExcludedProcesses []string `yaml:"excluded_processes"`

	// ConnectionPattern holds the connection-pattern analyzer thresholds.
	ConnectionPattern ConnectionPatternConfig `yaml:"connection_pattern"`

	// Response configures the optional automated response executor.
	Response ResponseConfig `yaml:"response"`

	// Audit configures the tamper-evident alert audit log.
	Audit AuditConfig `yaml:"audit"`

	// Persist configures the local SQLite-backed queues.
	Persist PersistConfig `yaml:"persist"`

	// Exporter configures the optional HTTPS alert forwarder.
	Exporter ExporterConfig `yaml:"exporter"`

	// OpsServer configures the liveness/snapshot HTTP surface.
	OpsServer OpsServerConfig `yaml:"ops_server"`

	// ModelPath is the path to the serialized anomaly-detector model.
	ModelPath string `yaml:"model_path"`

	// SnapshotPath is the primary path the snapshot writer targets.
	// Defaults to /tmp/security_agent_state.json.
	SnapshotPath string `yaml:"snapshot_path"`
}

// ConnectionPatternConfig holds the beaconing/port-scan/exfiltration
// thresholds, defaults matching the analyzer this core was ported from.
type ConnectionPatternConfig struct {
	BeaconVarianceThreshold  float64 `yaml:"beacon_variance_threshold"`
	MinConnectionsForBeacon  int     `yaml:"min_connections_for_beacon"`
	MinBeaconInterval        float64 `yaml:"min_beacon_interval"`
	PortScanThreshold        int     `yaml:"port_scan_threshold"`
	PortScanTimeframeSeconds float64 `yaml:"port_scan_timeframe"`
	ExfiltrationThreshold    int64   `yaml:"exfiltration_threshold"`
}

// ResponseConfig gates the optional automated response executor. All
// actions default to disabled.
type ResponseConfig struct {
	EnableResponses bool    `yaml:"enable_responses"`
	EnableKill      bool    `yaml:"enable_kill"`
	EnableIsolation bool    `yaml:"enable_isolation"`
	WarnThreshold   float64 `yaml:"warn_threshold"`
	FreezeThreshold float64 `yaml:"freeze_threshold"`
	IsolateThresh   float64 `yaml:"isolate_threshold"`
	KillThreshold   float64 `yaml:"kill_threshold"`
}

// AuditConfig configures the hash-chained alert audit log.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// PersistConfig configures the local SQLite-backed durable queues.
type PersistConfig struct {
	ResponseQueuePath string `yaml:"response_queue_path"`
	ExportQueuePath   string `yaml:"export_queue_path"`
}

// ExporterConfig configures the optional HTTPS alert forwarder. Snapshots
// are not forwarded.
type ExporterConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Endpoint     string `yaml:"endpoint"`
	CertPath     string `yaml:"cert_path"`
	KeyPath      string `yaml:"key_path"`
	CAPath       string `yaml:"ca_path"`
	BearerToken  string `yaml:"bearer_token"`
	HostIdentity string `yaml:"host_identity"`
}

// OpsServerConfig configures the liveness/snapshot HTTP surface.
type OpsServerConfig struct {
	Addr             string `yaml:"addr"`
	JWTPublicKeyPath string `yaml:"jwt_public_key_path"`
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validCollectors = map[string]bool{
	"kernelprobe": true,
	"audittail":   true,
}

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all required fields. It returns a typed error
// describing every validation failure encountered.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// applyDefaults fills in zero-value optional fields with sensible defaults,
// the same defaults the detection engines were validated against.
func applyDefaults(cfg *Config) {
	if cfg.Collector == "" {
		cfg.Collector = "kernelprobe"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.RiskThreshold == 0 {
		cfg.RiskThreshold = 30.0
	}
	if cfg.WarmupPeriodSeconds == 0 {
		cfg.WarmupPeriodSeconds = 180
	}
	if cfg.SnapshotPath == "" {
		cfg.SnapshotPath = "/tmp/security_agent_state.json"
	}

	cp := &cfg.ConnectionPattern
	if cp.BeaconVarianceThreshold == 0 {
		cp.BeaconVarianceThreshold = 10.0
	}
	if cp.MinConnectionsForBeacon == 0 {
		cp.MinConnectionsForBeacon = 3
	}
	if cp.MinBeaconInterval == 0 {
		cp.MinBeaconInterval = 1.0
	}
	if cp.PortScanThreshold == 0 {
		cp.PortScanThreshold = 5
	}
	if cp.PortScanTimeframeSeconds == 0 {
		cp.PortScanTimeframeSeconds = 60
	}
	if cp.ExfiltrationThreshold == 0 {
		cp.ExfiltrationThreshold = 100 * 1024 * 1024
	}

	rc := &cfg.Response
	if rc.WarnThreshold == 0 {
		rc.WarnThreshold = 70
	}
	if rc.FreezeThreshold == 0 {
		rc.FreezeThreshold = 85
	}
	if rc.IsolateThresh == 0 {
		rc.IsolateThresh = 90
	}
	if rc.KillThreshold == 0 {
		rc.KillThreshold = 95
	}

	if cfg.Persist.ResponseQueuePath == "" {
		cfg.Persist.ResponseQueuePath = "/var/lib/sentinel/response_queue.db"
	}
	if cfg.Persist.ExportQueuePath == "" {
		cfg.Persist.ExportQueuePath = "/var/lib/sentinel/export_queue.db"
	}
	if cfg.OpsServer.Addr == "" {
		cfg.OpsServer.Addr = "127.0.0.1:9000"
	}
	if cfg.Audit.Path == "" {
		cfg.Audit.Path = "/var/lib/sentinel/alert_audit.jsonl"
	}
}

// validate checks that required fields are populated and enumerated fields
// contain only valid values, joining every failure found.
func validate(cfg *Config) error {
	var errs []error

	if !validCollectors[cfg.Collector] {
		errs = append(errs, fmt.Errorf("collector %q must be one of: kernelprobe, audittail", cfg.Collector))
	}
	if cfg.Collector == "audittail" && cfg.AuditLogPath == "" {
		errs = append(errs, errors.New("audit_log_path is required when collector is audittail"))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.RiskThreshold < 0 || cfg.RiskThreshold > 100 {
		errs = append(errs, fmt.Errorf("risk_threshold %.1f must be within [0, 100]", cfg.RiskThreshold))
	}
	if cfg.WarmupPeriodSeconds < 0 {
		errs = append(errs, errors.New("warmup_period_seconds must be >= 0"))
	}
	if cfg.ConnectionPattern.MinConnectionsForBeacon < 2 {
		errs = append(errs, errors.New("connection_pattern.min_connections_for_beacon must be >= 2"))
	}
	if cfg.ConnectionPattern.PortScanThreshold < 1 {
		errs = append(errs, errors.New("connection_pattern.port_scan_threshold must be >= 1"))
	}
	if cfg.Exporter.Enabled && cfg.Exporter.Endpoint == "" {
		errs = append(errs, errors.New("exporter.endpoint is required when exporter.enabled is true"))
	}

	return errors.Join(errs...)
}
