package action

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pocketshield/scanengine/pkg/audit"
	"github.com/pocketshield/scanengine/pkg/quarantine"
	"github.com/pocketshield/scanengine/pkg/scan"
	"github.com/pocketshield/scanengine/pkg/shared/severity"
)

func cleanFinding() *scan.Finding {
	return &scan.Finding{
		ID:        "f1",
		SessionID: "s1",
		File: scan.FileRecord{
			Path:          "/data/file.txt",
			Name:          "file.txt",
			TrustedOrigin: true,
			ModifiedAt:    time.Now().Add(-30 * 24 * time.Hour),
		},
		Digest: "deadbeef",
		Level:  scan.LevelClean,
	}
}

func TestDecideReputationThresholds(t *testing.T) {
	cfg := DefaultConfig()
	now := time.Now()

	tests := []struct {
		name  string
		score int
		want  scan.Action
	}{
		{"well below quarantine", 0, scan.ActionQuarantine},
		{"just below quarantine", 25, scan.ActionQuarantine},
		{"at quarantine threshold alerts", 30, scan.ActionAlert},
		{"mid band alerts", 45, scan.ActionAlert},
		{"just below alert", 59, scan.ActionAlert},
		{"at alert threshold", 60, scan.ActionNone},
		{"clean score", 90, scan.ActionNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := cleanFinding()
			f.Reputation = &scan.ReputationRecord{Score: tt.score, Source: "cloud"}
			d := Decide(f, cfg, now)
			if d.Action != tt.want {
				t.Errorf("score %d: action = %s, want %s", tt.score, d.Action, tt.want)
			}
		})
	}
}

func TestDecideDefaultCleanRecordIgnored(t *testing.T) {
	// The default-clean fallback record must not trip the thresholds even
	// though it carries a score.
	f := cleanFinding()
	f.Reputation = scan.DefaultCleanRecord(f.Digest)
	f.Reputation.Score = 0

	d := Decide(f, DefaultConfig(), time.Now())
	if d.Action != scan.ActionNone {
		t.Errorf("action = %s, want none for default-source record", d.Action)
	}
}

func TestDecideSignatureSeverity(t *testing.T) {
	now := time.Now()
	tests := []struct {
		sev  severity.Level
		want scan.Action
	}{
		{severity.Critical, scan.ActionQuarantine},
		{severity.High, scan.ActionQuarantine},
		{severity.Medium, scan.ActionNone},
		{severity.Low, scan.ActionNone},
	}
	for _, tt := range tests {
		f := cleanFinding()
		f.Matches = []scan.RuleMatch{{RuleName: "r", Severity: tt.sev, Confidence: 50}}
		d := Decide(f, DefaultConfig(), now)
		if d.Action != tt.want {
			t.Errorf("severity %s: action = %s, want %s", tt.sev, d.Action, tt.want)
		}
	}
}

func TestDecideMonitorRecentUntrustedExecutable(t *testing.T) {
	cfg := DefaultConfig()
	now := time.Now()

	f := cleanFinding()
	f.File.TrustedOrigin = false
	f.File.ModifiedAt = now.Add(-time.Hour)
	f.Sniff.DetectedType = "elf"

	d := Decide(f, cfg, now)
	if d.Action != scan.ActionMonitor {
		t.Fatalf("action = %s, want monitor", d.Action)
	}

	// Trusted origin suppresses the rule.
	f.File.TrustedOrigin = true
	if d := Decide(f, cfg, now); d.Action != scan.ActionNone {
		t.Errorf("trusted origin: action = %s, want none", d.Action)
	}

	// Old executables are not monitored.
	f.File.TrustedOrigin = false
	f.File.ModifiedAt = now.Add(-48 * time.Hour)
	if d := Decide(f, cfg, now); d.Action != scan.ActionNone {
		t.Errorf("old executable: action = %s, want none", d.Action)
	}

	// Non-executables are not monitored.
	f.File.ModifiedAt = now.Add(-time.Hour)
	f.Sniff.DetectedType = "pdf"
	if d := Decide(f, cfg, now); d.Action != scan.ActionNone {
		t.Errorf("non-executable: action = %s, want none", d.Action)
	}
}

func TestDecideStrictestActionWins(t *testing.T) {
	// Monitor conditions plus a bad reputation score: quarantine wins and
	// both reasons are kept.
	cfg := DefaultConfig()
	now := time.Now()

	f := cleanFinding()
	f.File.TrustedOrigin = false
	f.File.ModifiedAt = now.Add(-time.Hour)
	f.Sniff.DetectedType = "pe"
	f.Reputation = &scan.ReputationRecord{Score: 10, Source: "cloud"}

	d := Decide(f, cfg, now)
	if d.Action != scan.ActionQuarantine {
		t.Errorf("action = %s, want quarantine", d.Action)
	}
	if len(d.Reasons) != 2 {
		t.Errorf("reasons = %v, want both rules recorded", d.Reasons)
	}
}

func TestDecideCustomThresholds(t *testing.T) {
	cfg := &Config{QuarantineBelow: 50, AlertBelow: 80, MonitorRecentWithin: time.Hour}
	f := cleanFinding()
	f.Reputation = &scan.ReputationRecord{Score: 45, Source: "cloud"}

	d := Decide(f, cfg, time.Now())
	if d.Action != scan.ActionQuarantine {
		t.Errorf("action = %s, want quarantine under raised threshold", d.Action)
	}
}

func newVault(t *testing.T) *quarantine.Vault {
	t.Helper()
	dir := t.TempDir()
	v, err := quarantine.New(&quarantine.Config{
		Dir:     filepath.Join(dir, "vault"),
		KeyFile: filepath.Join(dir, "vault.key"),
	})
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func TestApplyQuarantine(t *testing.T) {
	vault := newVault(t)
	sink := audit.NewMemorySink()
	a := NewApplier(DefaultConfig(), sink, WithVault(vault))

	path := filepath.Join(t.TempDir(), "mal.bin")
	if err := os.WriteFile(path, []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}

	f := cleanFinding()
	f.File.Path = path
	f.Level = scan.LevelMalicious

	d := Decision{Action: scan.ActionQuarantine, Reasons: []string{"test"}}
	if err := a.Apply(f, d); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("file still present after quarantine")
	}
	entries := sink.ByType(audit.EventActionQuarantine)
	if len(entries) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(entries))
	}
	if entries[0].FilePath != path {
		t.Errorf("audit path = %s, want %s", entries[0].FilePath, path)
	}

	vaulted, err := vault.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(vaulted) != 1 {
		t.Errorf("vault entries = %d, want 1", len(vaulted))
	}
}

func TestApplyFailureStillAudited(t *testing.T) {
	vault := newVault(t)
	sink := audit.NewMemorySink()
	a := NewApplier(DefaultConfig(), sink, WithVault(vault))

	f := cleanFinding()
	f.File.Path = "/nonexistent/mal.bin"
	f.Level = scan.LevelMalicious

	d := Decision{Action: scan.ActionQuarantine, Reasons: []string{"test"}}
	err := a.Apply(f, d)
	if err == nil {
		t.Fatal("expected error for missing file")
	}

	entries := sink.ByType(audit.EventActionFailed)
	if len(entries) != 1 {
		t.Fatalf("failed-action audit entries = %d, want 1", len(entries))
	}
	if entries[0].Error == "" {
		t.Error("audit entry missing side effect error")
	}
}

func TestApplyDryRunLeavesFile(t *testing.T) {
	sink := audit.NewMemorySink()
	cfg := DefaultConfig()
	cfg.DryRun = true
	a := NewApplier(cfg, sink, WithVault(newVault(t)))

	path := filepath.Join(t.TempDir(), "mal.bin")
	if err := os.WriteFile(path, []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}
	f := cleanFinding()
	f.File.Path = path

	if err := a.Apply(f, Decision{Action: scan.ActionQuarantine}); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Error("dry run must not remove the file")
	}
	if len(sink.ByType(audit.EventActionQuarantine)) != 1 {
		t.Error("dry run still records the decision")
	}
}

func TestApplyNoneSkipsAudit(t *testing.T) {
	sink := audit.NewMemorySink()
	a := NewApplier(DefaultConfig(), sink)

	if err := a.Apply(cleanFinding(), Decision{Action: scan.ActionNone}); err != nil {
		t.Fatal(err)
	}
	if len(sink.Entries()) != 0 {
		t.Errorf("audit entries = %d, want 0 for none", len(sink.Entries()))
	}
}

func TestApplyAlertAndMonitorAudited(t *testing.T) {
	sink := audit.NewMemorySink()
	a := NewApplier(DefaultConfig(), sink)

	f := cleanFinding()
	if err := a.Apply(f, Decision{Action: scan.ActionAlert, Reasons: []string{"r"}}); err != nil {
		t.Fatal(err)
	}
	if err := a.Apply(f, Decision{Action: scan.ActionMonitor, Reasons: []string{"r"}}); err != nil {
		t.Fatal(err)
	}
	if len(sink.ByType(audit.EventActionAlert)) != 1 {
		t.Error("missing alert audit entry")
	}
	if len(sink.ByType(audit.EventActionMonitor)) != 1 {
		t.Error("missing monitor audit entry")
	}
}
