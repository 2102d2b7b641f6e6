// Package config loads and validates tiering configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/warc-tiering/internal/storage/gcs"
	"github.com/JakeFAU/warc-tiering/internal/storage/local"
)

// Backend names shared by the pluggable sections.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
	BackendPubSub   = "pubsub"
	BackendNone     = "none"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Logging  LoggingConfig  `mapstructure:"logging"`
	Tiering  TieringConfig  `mapstructure:"tiering"`
	Probe    ProbeConfig    `mapstructure:"probe"`
	Watchdog WatchdogConfig `mapstructure:"watchdog"`
	Jobs     JobsConfig     `mapstructure:"jobs"`
	Service  ServiceConfig  `mapstructure:"service"`
	Database DatabaseConfig `mapstructure:"database"`
	Evidence EvidenceConfig `mapstructure:"evidence"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Server   ServerConfig   `mapstructure:"server"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TieringConfig locates the manifest and the cold-storage base mount.
type TieringConfig struct {
	ManifestPath      string `mapstructure:"manifest_path"`
	ColdBase          string `mapstructure:"cold_base"`
	RepairStaleMounts bool   `mapstructure:"repair_stale_mounts"`
	MountInfoPath     string `mapstructure:"mountinfo_path"`
}

// ProbeConfig bounds every filesystem probe.
type ProbeConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// WatchdogConfig drives the recovery cycle.
type WatchdogConfig struct {
	StateFile                    string `mapstructure:"state_file"`
	LockFile                     string `mapstructure:"lock_file"`
	MinFailureAgeSeconds         int    `mapstructure:"min_failure_age_seconds"`
	ConfirmRuns                  int    `mapstructure:"confirm_runs"`
	MaxRecoveriesPerTargetPerDay int    `mapstructure:"max_recoveries_per_target_per_day"`
	ProgressWindowSeconds        int    `mapstructure:"progress_window_seconds"`
	IntervalSeconds              int    `mapstructure:"interval_seconds"`
}

// JobsConfig selects the job registry and the stale-job thresholds.
type JobsConfig struct {
	Backend                  string `mapstructure:"backend"`
	OlderThanMinutes         int    `mapstructure:"older_than_minutes"`
	RequireNoProgressSeconds int    `mapstructure:"require_no_progress_seconds"`
	Source                   string `mapstructure:"source"`
	Limit                    int    `mapstructure:"limit"`
}

// ServiceConfig names the ingestion unit and how long to wait on it.
type ServiceConfig struct {
	Unit                 string `mapstructure:"unit"`
	SettleTimeoutSeconds int    `mapstructure:"settle_timeout_seconds"`
	PollIntervalMs       int    `mapstructure:"poll_interval_ms"`
}

// DatabaseConfig controls access to the job registry database.
type DatabaseConfig struct {
	DSN                    string `mapstructure:"dsn"`
	Table                  string `mapstructure:"table"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeMinutes int    `mapstructure:"max_conn_lifetime_minutes"`
}

// EvidenceConfig selects where evidence snapshots are written.
type EvidenceConfig struct {
	Backend string       `mapstructure:"backend"`
	Local   local.Config `mapstructure:"local"`
	GCS     gcs.Config   `mapstructure:"gcs"`
}

// NotifyConfig holds metadata for outcome notifications.
type NotifyConfig struct {
	Backend   string `mapstructure:"backend"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ServerConfig controls the status server.
type ServerConfig struct {
	Port                     int    `mapstructure:"port"`
	ReadHeaderTimeoutSeconds int    `mapstructure:"read_header_timeout_seconds"`
	// APIKey guards POST /v1/evidence when set.
	APIKey string `mapstructure:"api_key"`
}

// MetricsConfig names the exported series and the textfile location.
type MetricsConfig struct {
	Prefix       string `mapstructure:"prefix"`
	TextfileDir  string `mapstructure:"textfile_dir"`
	TextfileName string `mapstructure:"textfile_name"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TIERING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("tiering.manifest_path", "/etc/warc-tiering/tiering.manifest")
	v.SetDefault("tiering.cold_base", "")
	v.SetDefault("tiering.repair_stale_mounts", false)
	v.SetDefault("tiering.mountinfo_path", "/proc/self/mountinfo")
	v.SetDefault("probe.timeout_seconds", 5)
	v.SetDefault("watchdog.state_file", "/var/lib/warc-tiering/watchdog-state.json")
	v.SetDefault("watchdog.lock_file", "/run/warc-tiering/watchdog.lock")
	v.SetDefault("watchdog.min_failure_age_seconds", 120)
	v.SetDefault("watchdog.confirm_runs", 2)
	v.SetDefault("watchdog.max_recoveries_per_target_per_day", 3)
	v.SetDefault("watchdog.progress_window_seconds", 600)
	v.SetDefault("watchdog.interval_seconds", 60)
	v.SetDefault("jobs.backend", BackendPostgres)
	v.SetDefault("jobs.older_than_minutes", 30)
	v.SetDefault("jobs.require_no_progress_seconds", 0)
	v.SetDefault("jobs.source", "")
	v.SetDefault("jobs.limit", 0)
	v.SetDefault("service.unit", "warc-ingest.service")
	v.SetDefault("service.settle_timeout_seconds", 90)
	v.SetDefault("service.poll_interval_ms", 500)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.table", "ingest_jobs")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.max_conn_lifetime_minutes", 30)
	v.SetDefault("evidence.backend", BackendLocal)
	v.SetDefault("evidence.local.base_dir", "/var/lib/warc-tiering/evidence")
	v.SetDefault("evidence.gcs.bucket", "")
	v.SetDefault("evidence.gcs.prefix", "warc-tiering/evidence")
	v.SetDefault("notify.backend", BackendNone)
	v.SetDefault("notify.project_id", "")
	v.SetDefault("notify.topic", "")
	v.SetDefault("server.port", 9464)
	v.SetDefault("server.read_header_timeout_seconds", 5)
	v.SetDefault("server.api_key", "")
	v.SetDefault("metrics.prefix", "warc_tiering_watchdog")
	v.SetDefault("metrics.textfile_dir", "/var/lib/node_exporter/textfile_collector")
	v.SetDefault("metrics.textfile_name", "warc_tiering_watchdog.prom")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Probe.TimeoutSeconds <= 0 {
		return fmt.Errorf("probe.timeout_seconds must be > 0")
	}
	if c.Watchdog.StateFile == "" || c.Watchdog.LockFile == "" {
		return fmt.Errorf("watchdog.state_file and watchdog.lock_file are required")
	}
	if c.Watchdog.MaxRecoveriesPerTargetPerDay < 1 {
		return fmt.Errorf("watchdog.max_recoveries_per_target_per_day must be >= 1")
	}
	if c.Watchdog.MinFailureAgeSeconds < 0 || c.Watchdog.ProgressWindowSeconds < 0 {
		return fmt.Errorf("watchdog durations must not be negative")
	}
	if c.Watchdog.IntervalSeconds <= 0 {
		return fmt.Errorf("watchdog.interval_seconds must be > 0")
	}
	if c.Jobs.OlderThanMinutes < 0 || c.Jobs.RequireNoProgressSeconds < 0 || c.Jobs.Limit < 0 {
		return fmt.Errorf("jobs thresholds and limit must not be negative")
	}
	// database.dsn is checked when the registry is opened; commands that
	// never touch jobs run without one.
	switch c.Jobs.Backend {
	case BackendMemory, BackendPostgres:
	default:
		return fmt.Errorf("jobs.backend must be one of memory, postgres; got %q", c.Jobs.Backend)
	}
	if c.Service.Unit == "" {
		return fmt.Errorf("service.unit is required")
	}
	if c.Service.SettleTimeoutSeconds <= 0 || c.Service.PollIntervalMs <= 0 {
		return fmt.Errorf("service.settle_timeout_seconds and service.poll_interval_ms must be > 0")
	}
	switch c.Evidence.Backend {
	case BackendMemory:
	case BackendLocal:
		if c.Evidence.Local.BaseDir == "" {
			return fmt.Errorf("evidence.local.base_dir must be set when evidence.backend is local")
		}
	case BackendGCS:
		if c.Evidence.GCS.Bucket == "" {
			return fmt.Errorf("evidence.gcs.bucket must be set when evidence.backend is gcs")
		}
	default:
		return fmt.Errorf("evidence.backend must be one of memory, local, gcs; got %q", c.Evidence.Backend)
	}
	switch c.Notify.Backend {
	case BackendNone, BackendMemory:
	case BackendPubSub:
		if c.Notify.ProjectID == "" || c.Notify.Topic == "" {
			return fmt.Errorf("notify.project_id and notify.topic must be set when notify.backend is pubsub")
		}
	default:
		return fmt.Errorf("notify.backend must be one of none, memory, pubsub; got %q", c.Notify.Backend)
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Metrics.TextfileDir == "" || c.Metrics.TextfileName == "" {
		return fmt.Errorf("metrics.textfile_dir and metrics.textfile_name are required")
	}
	return nil
}

// ProbeTimeout returns the per-probe deadline.
func (c Config) ProbeTimeout() time.Duration {
	return time.Duration(c.Probe.TimeoutSeconds) * time.Second
}

// ServeInterval returns the watchdog serve loop period.
func (c Config) ServeInterval() time.Duration {
	return time.Duration(c.Watchdog.IntervalSeconds) * time.Second
}
