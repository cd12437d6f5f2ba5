package scan

import (
	"testing"
	"time"

	"github.com/pocketshield/scanengine/pkg/shared/severity"
)

func TestReputationRecord_Expired(t *testing.T) {
	now := time.Now()

	rec := &ReputationRecord{LastUpdated: now.Add(-time.Hour), TTL: 2 * time.Hour}
	if rec.Expired(now) {
		t.Error("record within TTL should not be expired")
	}

	rec = &ReputationRecord{LastUpdated: now.Add(-3 * time.Hour), TTL: 2 * time.Hour}
	if !rec.Expired(now) {
		t.Error("record past TTL should be expired")
	}

	rec = &ReputationRecord{LastUpdated: now.Add(-1000 * time.Hour), TTL: 0}
	if rec.Expired(now) {
		t.Error("zero TTL means no expiry")
	}
}

func TestExt(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/tmp/photo.JPG", "jpg"},
		{"/tmp/archive.tar.gz", "gz"},
		{"/tmp/README", ""},
		{"/tmp/.bashrc", "bashrc"},
		{"payload.jpg", "jpg"},
	}
	for _, tt := range tests {
		if got := Ext(tt.path); got != tt.want {
			t.Errorf("Ext(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestMaxLevel(t *testing.T) {
	tests := []struct {
		a, b, want ThreatLevel
	}{
		{LevelClean, LevelSuspicious, LevelSuspicious},
		{LevelMalicious, LevelSuspicious, LevelMalicious},
		{LevelClean, LevelClean, LevelClean},
		{LevelSuspicious, LevelMalicious, LevelMalicious},
	}
	for _, tt := range tests {
		if got := MaxLevel(tt.a, tt.b); got != tt.want {
			t.Errorf("MaxLevel(%s, %s) = %s, want %s", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestSessionStatus_Terminal(t *testing.T) {
	if StatusRunning.Terminal() {
		t.Error("running is not terminal")
	}
	for _, s := range []SessionStatus{StatusCompleted, StatusCancelled, StatusFailed} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
}

func TestFinding_HighestMatchSeverity(t *testing.T) {
	f := &Finding{
		Matches: []RuleMatch{
			{RuleName: "a", Severity: severity.Low},
			{RuleName: "b", Severity: severity.Critical},
			{RuleName: "c", Severity: severity.Medium},
		},
	}
	if got := f.HighestMatchSeverity(); got != severity.Critical {
		t.Errorf("HighestMatchSeverity() = %v, want critical", got)
	}

	empty := &Finding{}
	if got := empty.HighestMatchSeverity(); got != severity.Unknown {
		t.Errorf("HighestMatchSeverity() on empty = %v, want unknown", got)
	}
}

func TestFinding_IsThreat(t *testing.T) {
	if (&Finding{Level: LevelClean}).IsThreat() {
		t.Error("clean finding is not a threat")
	}
	if !(&Finding{Level: LevelMalicious}).IsThreat() {
		t.Error("malicious finding is a threat")
	}
	if (&Finding{Level: LevelSuspicious, Error: "hash failed"}).IsThreat() {
		t.Error("errored finding should not count as a threat")
	}
}
