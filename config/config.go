package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultFileName is looked up in the working directory and next to the
// executable when no config path is given.
const DefaultFileName = "accessguard.yml"

// Config is the root configuration.
type Config struct {
	AccessGuard AccessGuardConfig `yaml:"accessguard"`
}

// AccessGuardConfig is the project configuration.
type AccessGuardConfig struct {
	Firewall    FirewallConfig    `yaml:"firewall"`
	Devices     DevicesConfig     `yaml:"devices"`
	Incidents   IncidentsConfig   `yaml:"incidents"`
	Sensor      SensorConfig      `yaml:"sensor"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Enforcement EnforcementConfig `yaml:"enforcement"`
	Status      StatusConfig      `yaml:"status"`
	Alerts      AlertsConfig      `yaml:"alerts"`
	Server      ServerConfig      `yaml:"server"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// FirewallConfig controls the pfSense API client and the managed aliases.
type FirewallConfig struct {
	URL                string        `yaml:"url"`
	APIKey             string        `yaml:"api_key"`
	Timeout            time.Duration `yaml:"timeout"`
	RateLimit          float64       `yaml:"rate_limit"`
	Burst              int           `yaml:"burst"`
	ApplyChanges       bool          `yaml:"apply_changes"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	AuthorizedAlias    string        `yaml:"authorized_alias"`
	BlockedAlias       string        `yaml:"blocked_alias"`
}

// DevicesConfig selects the device record backend.
type DevicesConfig struct {
	Backend string      `yaml:"backend"` // redis|memory
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig controls a Redis connection.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	Key          string        `yaml:"key"`
	KeyPrefix    string        `yaml:"key_prefix"`
	BlockTimeout time.Duration `yaml:"block_timeout"`
}

// IncidentsConfig controls incident persistence and output.
type IncidentsConfig struct {
	SQLitePath      string               `yaml:"sqlite_path"`
	DuplicateWindow time.Duration        `yaml:"duplicate_window"`
	Output          IncidentOutputConfig `yaml:"output"`
}

// IncidentOutputConfig controls the incident sink.
type IncidentOutputConfig struct {
	Mode       string                 `yaml:"mode"` // file|clickhouse|none
	File       FileOutputConfig       `yaml:"file"`
	ClickHouse ClickHouseOutputConfig `yaml:"clickhouse"`
}

// SensorConfig controls where sensor log lines come from.
type SensorConfig struct {
	Source      string      `yaml:"source"` // file|redis
	SpoolDir    string      `yaml:"spool_dir"`
	AllowedLogs []string    `yaml:"allowed_logs"`
	MaxLines    int         `yaml:"max_lines"`
	FromStart   bool        `yaml:"from_start"`
	Redis       RedisConfig `yaml:"redis"`
	RulesPath   string      `yaml:"rules_path"`
}

// PipelineConfig controls pipeline behavior.
type PipelineConfig struct {
	Workers       int           `yaml:"workers"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// EnforcementConfig controls the reconciliation engine.
type EnforcementConfig struct {
	CallTimeout        time.Duration `yaml:"call_timeout"`
	MinReasonLength    int           `yaml:"min_reason_length"`
	StrikeBudget       int           `yaml:"strike_budget"`
	AutoBlockAttackers bool          `yaml:"auto_block_attackers"`
}

// StatusConfig controls the lease status monitor.
type StatusConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// AlertsConfig controls the operator alert channel.
type AlertsConfig struct {
	HTTP HTTPOutputConfig `yaml:"http"`
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// ClickHouseOutputConfig config for ClickHouse HTTP JSONEachRow writes.
type ClickHouseOutputConfig struct {
	URL      string            `yaml:"url"`
	Database string            `yaml:"database"`
	Table    string            `yaml:"table"`
	Username string            `yaml:"username"`
	Password string            `yaml:"password"`
	Timeout  time.Duration     `yaml:"timeout"`
	Headers  map[string]string `yaml:"headers"`
}

// FileOutputConfig config for local JSON output.
type FileOutputConfig struct {
	Path string `yaml:"path"`
}

// HTTPOutputConfig config for remote output.
type HTTPOutputConfig struct {
	URL         string            `yaml:"url"`
	Timeout     time.Duration     `yaml:"timeout"`
	Headers     map[string]string `yaml:"headers"`
	MinSeverity string            `yaml:"min_severity"`
}

// LoggingConfig controls logging output.
type LoggingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level"`
	File    string `yaml:"file"`
	Console bool   `yaml:"console"`
}

// LoadConfig reads and parses a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	return &cfg, nil
}

// FindConfigFile resolves the config path: the given argument when it
// exists, then accessguard.yml in the working directory, then next to the
// executable.
func FindConfigFile(configArg string) string {
	if configArg != "" {
		if _, err := os.Stat(configArg); err == nil {
			return configArg
		}
		log.Printf("Warning: config file not found at %s, trying default locations", configArg)
	}

	if _, err := os.Stat(DefaultFileName); err == nil {
		return DefaultFileName
	}

	exePath, err := os.Executable()
	if err == nil {
		path := filepath.Join(filepath.Dir(exePath), DefaultFileName)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return DefaultFileName
}

// ApplyDefaults fills unset values.
func ApplyDefaults(cfg *Config) {
	c := &cfg.AccessGuard

	if c.Firewall.Timeout <= 0 {
		c.Firewall.Timeout = 10 * time.Second
	}
	if c.Firewall.AuthorizedAlias == "" {
		c.Firewall.AuthorizedAlias = "Authorized"
	}
	if c.Firewall.BlockedAlias == "" {
		c.Firewall.BlockedAlias = "Blocked"
	}

	if c.Devices.Backend == "" {
		c.Devices.Backend = "memory"
	}
	if c.Devices.Redis.Addr == "" {
		c.Devices.Redis.Addr = "127.0.0.1:6379"
	}
	if c.Devices.Redis.KeyPrefix == "" {
		c.Devices.Redis.KeyPrefix = "accessguard:devices"
	}

	if c.Incidents.SQLitePath == "" {
		c.Incidents.SQLitePath = "data/accessguard.db"
	}
	if c.Incidents.DuplicateWindow <= 0 {
		c.Incidents.DuplicateWindow = time.Hour
	}
	if c.Incidents.Output.Mode == "" {
		c.Incidents.Output.Mode = "file"
	}
	if c.Incidents.Output.File.Path == "" {
		c.Incidents.Output.File.Path = "output/incidents.jsonl"
	}
	if c.Incidents.Output.ClickHouse.Database == "" {
		c.Incidents.Output.ClickHouse.Database = "accessguard"
	}
	if c.Incidents.Output.ClickHouse.Table == "" {
		c.Incidents.Output.ClickHouse.Table = "incidents"
	}

	if c.Sensor.Source == "" {
		c.Sensor.Source = "file"
	}
	if c.Sensor.SpoolDir == "" {
		c.Sensor.SpoolDir = "/usr/local/zeek/logs/current"
	}
	if c.Sensor.MaxLines <= 0 {
		c.Sensor.MaxLines = 50
	}
	if c.Sensor.Redis.Addr == "" {
		c.Sensor.Redis.Addr = "127.0.0.1:6379"
	}
	if c.Sensor.Redis.Key == "" {
		c.Sensor.Redis.Key = "zeek_logs"
	}
	if c.Sensor.Redis.BlockTimeout <= 0 {
		c.Sensor.Redis.BlockTimeout = 5 * time.Second
	}

	if c.Pipeline.Workers <= 0 {
		c.Pipeline.Workers = 4
	}
	if c.Pipeline.BatchSize <= 0 {
		c.Pipeline.BatchSize = 100
	}
	if c.Pipeline.FlushInterval <= 0 {
		c.Pipeline.FlushInterval = 2 * time.Second
	}

	if c.Enforcement.CallTimeout <= 0 {
		c.Enforcement.CallTimeout = 10 * time.Second
	}
	if c.Enforcement.MinReasonLength <= 0 {
		c.Enforcement.MinReasonLength = 5
	}
	if c.Enforcement.StrikeBudget <= 0 {
		c.Enforcement.StrikeBudget = 3
	}

	if c.Status.Interval <= 0 {
		c.Status.Interval = 30 * time.Second
	}

	if c.Alerts.HTTP.Timeout <= 0 {
		c.Alerts.HTTP.Timeout = 5 * time.Second
	}
	if c.Alerts.HTTP.MinSeverity == "" {
		c.Alerts.HTTP.MinSeverity = "high"
	}

	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}
