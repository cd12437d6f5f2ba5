package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Scan.Workers != 4 {
		t.Errorf("Workers = %d, want 4", cfg.Scan.Workers)
	}
	if cfg.Archive.MaxDepth != 10 {
		t.Errorf("MaxDepth = %d, want 10", cfg.Archive.MaxDepth)
	}
	if cfg.Archive.MaxRatio != 100 {
		t.Errorf("MaxRatio = %v, want 100", cfg.Archive.MaxRatio)
	}
	if cfg.Reputation.CacheTTL != 7*24*time.Hour {
		t.Errorf("CacheTTL = %v, want 168h", cfg.Reputation.CacheTTL)
	}
	if cfg.Reputation.RateBurst != 4 || cfg.Reputation.RateWindow != time.Minute {
		t.Errorf("rate = %d/%v, want 4/1m", cfg.Reputation.RateBurst, cfg.Reputation.RateWindow)
	}
	if cfg.Action.QuarantineBelow != 30 || cfg.Action.AlertBelow != 60 {
		t.Errorf("thresholds = %d/%d, want 30/60", cfg.Action.QuarantineBelow, cfg.Action.AlertBelow)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoadPartialFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scanner.yaml")
	contents := `
scan:
  roots: ["/data"]
  workers: 8
reputation:
  cache_ttl: 1h
action:
  quarantine_below: 20
`
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Scan.Workers != 8 {
		t.Errorf("Workers = %d, want 8", cfg.Scan.Workers)
	}
	if len(cfg.Scan.Roots) != 1 || cfg.Scan.Roots[0] != "/data" {
		t.Errorf("Roots = %v, want [/data]", cfg.Scan.Roots)
	}
	if cfg.Reputation.CacheTTL != time.Hour {
		t.Errorf("CacheTTL = %v, want 1h", cfg.Reputation.CacheTTL)
	}
	if cfg.Action.QuarantineBelow != 20 {
		t.Errorf("QuarantineBelow = %d, want 20", cfg.Action.QuarantineBelow)
	}
	// Untouched fields keep their defaults.
	if cfg.Archive.MaxDepth != 10 {
		t.Errorf("MaxDepth = %d, want default 10", cfg.Archive.MaxDepth)
	}
	if cfg.Action.AlertBelow != 60 {
		t.Errorf("AlertBelow = %d, want default 60", cfg.Action.AlertBelow)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("scan: [not a map"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *Config) {},
		},
		{
			name: "alert below quarantine",
			mutate: func(c *Config) {
				c.Action.QuarantineBelow = 70
				c.Action.AlertBelow = 50
			},
			wantErr: true,
		},
		{
			name: "threshold over 100",
			mutate: func(c *Config) {
				c.Action.AlertBelow = 150
			},
			wantErr: true,
		},
		{
			name: "enabled source without url",
			mutate: func(c *Config) {
				c.Reputation.Sources = []SourceConfig{{Name: "cloud", Enabled: true}}
			},
			wantErr: true,
		},
		{
			name: "disabled source without url",
			mutate: func(c *Config) {
				c.Reputation.Sources = []SourceConfig{{Name: "cloud"}}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
