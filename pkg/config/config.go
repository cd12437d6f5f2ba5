// Package config loads and validates the scanner configuration file.
//
// Every tunable of the scan pipeline lives here with a sane default, so a
// scanner can run with no config file at all. Values from the YAML file
// override defaults; zero values are replaced by defaults after load.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pocketshield/scanengine/pkg/errors"
)

// Config is the top-level scanner configuration.
type Config struct {
	Scan       ScanConfig       `yaml:"scan"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Signature  SignatureConfig  `yaml:"signature"`
	Reputation ReputationConfig `yaml:"reputation"`
	Action     ActionConfig     `yaml:"action"`
	Quarantine QuarantineConfig `yaml:"quarantine"`
	Audit      AuditConfig      `yaml:"audit"`
	Store      StoreConfig      `yaml:"store"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// ScanConfig controls enumeration, pre-filtering and the worker pool.
type ScanConfig struct {
	// Roots are the directories to scan.
	Roots []string `yaml:"roots"`

	// Workers is the number of concurrent pipeline workers.
	Workers int `yaml:"workers"`

	// MaxFileSize rejects files larger than this many bytes.
	MaxFileSize int64 `yaml:"max_file_size"`

	// MaxFiles is a soft cap on enumerated files per session (0 = unlimited).
	MaxFiles int `yaml:"max_files"`

	// Extensions limits scanning to these extensions (empty = all).
	Extensions []string `yaml:"extensions"`

	// TransientExtensions rejects transient and system files by extension
	// (empty = validator defaults).
	TransientExtensions []string `yaml:"transient_extensions"`

	// ExcludeDirs are directory names skipped during enumeration.
	ExcludeDirs []string `yaml:"exclude_dirs"`

	// TrustedRoots mark files under them as coming from a trusted origin.
	TrustedRoots []string `yaml:"trusted_roots"`

	// CheckpointEvery persists the enumeration cursor after this many files.
	CheckpointEvery int `yaml:"checkpoint_every"`

	// FollowSymlinks enables following symbolic links during enumeration.
	FollowSymlinks bool `yaml:"follow_symlinks"`

	// FileTimeout bounds per-file pipeline processing.
	FileTimeout time.Duration `yaml:"file_timeout"`

	// Verbose enables debug logging.
	Verbose bool `yaml:"verbose"`
}

// ArchiveConfig controls archive expansion guards.
type ArchiveConfig struct {
	// Enabled toggles archive expansion entirely.
	Enabled bool `yaml:"enabled"`

	// MaxDepth is the maximum nesting depth for archives inside archives.
	MaxDepth int `yaml:"max_depth"`

	// MaxRatio trips the bomb guard when uncompressed/compressed exceeds it.
	MaxRatio float64 `yaml:"max_ratio"`

	// MaxExtractedBytes bounds total bytes extracted from one archive.
	MaxExtractedBytes int64 `yaml:"max_extracted_bytes"`

	// MaxEntries bounds the number of entries expanded from one archive.
	MaxEntries int `yaml:"max_entries"`

	// TempDir is the parent for scoped extraction directories ("" = system).
	TempDir string `yaml:"temp_dir"`
}

// SignatureConfig controls rule loading.
type SignatureConfig struct {
	// RulePaths are JSON rule files loaded on top of the builtin set.
	RulePaths []string `yaml:"rule_paths"`

	// DisableBuiltin skips the compiled-in rule set.
	DisableBuiltin bool `yaml:"disable_builtin"`

	// MaxScanBytes bounds how much of each file is matched against rules
	// (0 = whole file).
	MaxScanBytes int64 `yaml:"max_scan_bytes"`
}

// ReputationConfig controls hash reputation lookups and caching.
type ReputationConfig struct {
	// Enabled toggles reputation lookups entirely.
	Enabled bool `yaml:"enabled"`

	// CacheTTL is how long cached verdicts stay fresh.
	CacheTTL time.Duration `yaml:"cache_ttl"`

	// RateBurst is the token bucket capacity per source.
	RateBurst int `yaml:"rate_burst"`

	// RateWindow refills RateBurst tokens per window.
	RateWindow time.Duration `yaml:"rate_window"`

	// LookupTimeout bounds each remote lookup.
	LookupTimeout time.Duration `yaml:"lookup_timeout"`

	// Sources configures remote reputation providers.
	Sources []SourceConfig `yaml:"sources"`
}

// SourceConfig configures one remote reputation source.
type SourceConfig struct {
	Name    string `yaml:"name"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Enabled bool   `yaml:"enabled"`
}

// ActionConfig holds the response policy thresholds.
type ActionConfig struct {
	// QuarantineBelow quarantines files with reputation score under this.
	QuarantineBelow int `yaml:"quarantine_below"`

	// AlertBelow alerts on files with reputation score under this.
	AlertBelow int `yaml:"alert_below"`

	// MonitorRecentWithin treats executables modified within this window
	// as recently modified for the monitor rule.
	MonitorRecentWithin time.Duration `yaml:"monitor_recent_within"`

	// DryRun computes actions but never touches files.
	DryRun bool `yaml:"dry_run"`
}

// QuarantineConfig controls the quarantine store.
type QuarantineConfig struct {
	// Dir is the quarantine directory.
	Dir string `yaml:"dir"`

	// KeyFile holds the 32-byte encryption key ("" = derive per store).
	KeyFile string `yaml:"key_file"`
}

// AuditConfig controls the audit trail.
type AuditConfig struct {
	// Path is the JSONL audit log file.
	Path string `yaml:"path"`

	// BufferSize is the number of entries buffered before a forced flush.
	BufferSize int `yaml:"buffer_size"`

	// FlushInterval is how often buffered entries are written out.
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// StoreConfig controls the session/findings database.
type StoreConfig struct {
	// Path is the SQLite database file.
	Path string `yaml:"path"`

	// MinFreeBytes fails the health check when the disk holding Path
	// has less free space than this.
	MinFreeBytes uint64 `yaml:"min_free_bytes"`
}

// MetricsConfig controls the metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Default returns a Config with every tunable set to its default.
func Default() *Config {
	return &Config{
		Scan: ScanConfig{
			Workers:         4,
			MaxFileSize:     512 * 1024 * 1024,
			CheckpointEvery: 256,
			FileTimeout:     2 * time.Minute,
			ExcludeDirs:     []string{".git", "node_modules", "proc", "sys"},
		},
		Archive: ArchiveConfig{
			Enabled:           true,
			MaxDepth:          10,
			MaxRatio:          100,
			MaxExtractedBytes: 1 << 30,
			MaxEntries:        10000,
		},
		Signature: SignatureConfig{
			MaxScanBytes: 0,
		},
		Reputation: ReputationConfig{
			Enabled:       true,
			CacheTTL:      7 * 24 * time.Hour,
			RateBurst:     4,
			RateWindow:    time.Minute,
			LookupTimeout: 15 * time.Second,
		},
		Action: ActionConfig{
			QuarantineBelow:     30,
			AlertBelow:          60,
			MonitorRecentWithin: 24 * time.Hour,
		},
		Quarantine: QuarantineConfig{
			Dir: "quarantine",
		},
		Audit: AuditConfig{
			Path:          "audit.jsonl",
			BufferSize:    64,
			FlushInterval: 2 * time.Second,
		},
		Store: StoreConfig{
			Path:         "scanengine.db",
			MinFreeBytes: 64 * 1024 * 1024,
		},
		Metrics: MetricsConfig{
			Listen: ":9464",
		},
	}
}

// Load reads a YAML config file and merges it over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.E(errors.KindInvalidInput, "config.Load", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.E(errors.KindInvalidInput, "config.Load",
			fmt.Sprintf("parse %s", path), err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults replaces zero values left by partial config files.
func (c *Config) applyDefaults() {
	def := Default()
	if c.Scan.Workers <= 0 {
		c.Scan.Workers = def.Scan.Workers
	}
	if c.Scan.MaxFileSize <= 0 {
		c.Scan.MaxFileSize = def.Scan.MaxFileSize
	}
	if c.Scan.CheckpointEvery <= 0 {
		c.Scan.CheckpointEvery = def.Scan.CheckpointEvery
	}
	if c.Scan.FileTimeout <= 0 {
		c.Scan.FileTimeout = def.Scan.FileTimeout
	}
	if c.Archive.MaxDepth <= 0 {
		c.Archive.MaxDepth = def.Archive.MaxDepth
	}
	if c.Archive.MaxRatio <= 0 {
		c.Archive.MaxRatio = def.Archive.MaxRatio
	}
	if c.Archive.MaxExtractedBytes <= 0 {
		c.Archive.MaxExtractedBytes = def.Archive.MaxExtractedBytes
	}
	if c.Archive.MaxEntries <= 0 {
		c.Archive.MaxEntries = def.Archive.MaxEntries
	}
	if c.Reputation.CacheTTL <= 0 {
		c.Reputation.CacheTTL = def.Reputation.CacheTTL
	}
	if c.Reputation.RateBurst <= 0 {
		c.Reputation.RateBurst = def.Reputation.RateBurst
	}
	if c.Reputation.RateWindow <= 0 {
		c.Reputation.RateWindow = def.Reputation.RateWindow
	}
	if c.Reputation.LookupTimeout <= 0 {
		c.Reputation.LookupTimeout = def.Reputation.LookupTimeout
	}
	if c.Action.QuarantineBelow <= 0 {
		c.Action.QuarantineBelow = def.Action.QuarantineBelow
	}
	if c.Action.AlertBelow <= 0 {
		c.Action.AlertBelow = def.Action.AlertBelow
	}
	if c.Action.MonitorRecentWithin <= 0 {
		c.Action.MonitorRecentWithin = def.Action.MonitorRecentWithin
	}
	if c.Quarantine.Dir == "" {
		c.Quarantine.Dir = def.Quarantine.Dir
	}
	if c.Audit.Path == "" {
		c.Audit.Path = def.Audit.Path
	}
	if c.Audit.BufferSize <= 0 {
		c.Audit.BufferSize = def.Audit.BufferSize
	}
	if c.Audit.FlushInterval <= 0 {
		c.Audit.FlushInterval = def.Audit.FlushInterval
	}
	if c.Store.Path == "" {
		c.Store.Path = def.Store.Path
	}
	if c.Store.MinFreeBytes == 0 {
		c.Store.MinFreeBytes = def.Store.MinFreeBytes
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = def.Metrics.Listen
	}
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	const op = "config.Validate"
	if c.Action.AlertBelow < c.Action.QuarantineBelow {
		return errors.E(errors.KindInvalidInput, op,
			fmt.Sprintf("alert_below (%d) must be >= quarantine_below (%d)",
				c.Action.AlertBelow, c.Action.QuarantineBelow))
	}
	if c.Action.AlertBelow > 100 || c.Action.QuarantineBelow > 100 {
		return errors.E(errors.KindInvalidInput, op, "score thresholds must be <= 100")
	}
	if c.Archive.MaxDepth > 100 {
		return errors.E(errors.KindInvalidInput, op, "archive max_depth is unreasonably large")
	}
	for _, src := range c.Reputation.Sources {
		if src.Enabled && src.BaseURL == "" {
			return errors.E(errors.KindInvalidInput, op,
				fmt.Sprintf("reputation source %q has no base_url", src.Name))
		}
	}
	return nil
}
