package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pocketshield/scanengine/pkg/errors"
	"github.com/pocketshield/scanengine/pkg/scan"
	"github.com/pocketshield/scanengine/pkg/shared/severity"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(&Config{DatabasePath: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := &scan.Session{
		ID:        "sess-1",
		Status:    scan.StatusRunning,
		StartedAt: time.Now().UTC().Truncate(time.Second),
		Counters:  scan.StageCounters{Enumerated: 10, Hashed: 8},
	}
	if err := s.SaveSession(ctx, sess); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	got, err := s.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != scan.StatusRunning {
		t.Errorf("Status = %v, want running", got.Status)
	}
	if got.Counters.Enumerated != 10 || got.Counters.Hashed != 8 {
		t.Errorf("Counters = %+v", got.Counters)
	}
	if got.EndedAt != nil {
		t.Error("EndedAt should be nil for a running session")
	}

	// Update to terminal status.
	ended := time.Now().UTC().Truncate(time.Second)
	sess.Status = scan.StatusCompleted
	sess.EndedAt = &ended
	sess.ThreatsFound = 2
	if err := s.SaveSession(ctx, sess); err != nil {
		t.Fatalf("SaveSession update: %v", err)
	}

	got, err = s.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != scan.StatusCompleted || got.ThreatsFound != 2 {
		t.Errorf("got status=%v threats=%d", got.Status, got.ThreatsFound)
	}
	if got.EndedAt == nil {
		t.Error("EndedAt should be set")
	}
}

func TestGetSessionNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetSession(context.Background(), "missing")
	if !errors.Is(err, errors.ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestListSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	for i, id := range []string{"a", "b", "c"} {
		sess := &scan.Session{
			ID:        id,
			Status:    scan.StatusCompleted,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.SaveSession(ctx, sess); err != nil {
			t.Fatal(err)
		}
	}

	sessions, err := s.ListSessions(ctx, 2)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("got %d sessions, want 2", len(sessions))
	}
	if sessions[0].ID != "c" {
		t.Errorf("newest first: got %q, want c", sessions[0].ID)
	}
}

func TestFindingRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	f := &scan.Finding{
		ID:        "f-1",
		SessionID: "sess-1",
		File: scan.FileRecord{
			Path: "/data/evil.sh",
			Name: "evil.sh",
			Size: 128,
		},
		Digest:    "abc123",
		Algorithm: "sha256",
		Matches: []scan.RuleMatch{
			{RuleName: "crypto_miner", Severity: severity.High, Confidence: 85},
		},
		Level:     scan.LevelMalicious,
		Action:    scan.ActionQuarantine,
		Reasons:   []string{"signature match: crypto_miner"},
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	if err := s.SaveFinding(ctx, f); err != nil {
		t.Fatalf("SaveFinding: %v", err)
	}

	findings, err := s.GetFindings(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetFindings: %v", err)
	}
	if len(findings) != 1 {
		t.Fatalf("got %d findings, want 1", len(findings))
	}
	got := findings[0]
	if got.File.Path != "/data/evil.sh" {
		t.Errorf("Path = %q", got.File.Path)
	}
	if len(got.Matches) != 1 || got.Matches[0].RuleName != "crypto_miner" {
		t.Errorf("Matches = %+v", got.Matches)
	}
	if got.Action != scan.ActionQuarantine {
		t.Errorf("Action = %v", got.Action)
	}

	count, err := s.CountThreats(ctx, "sess-1")
	if err != nil {
		t.Fatalf("CountThreats: %v", err)
	}
	if count != 1 {
		t.Errorf("CountThreats = %d, want 1", count)
	}
}

func TestReputationCache(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	rec := &scan.ReputationRecord{
		Hash:        "deadbeef",
		Score:       15,
		ThreatNames: []string{"Trojan.Generic"},
		Severity:    severity.High,
		Source:      "cloud",
		FirstSeen:   now.Add(-time.Hour),
		LastUpdated: now,
		TTL:         time.Hour,
	}
	if err := s.PutReputation(ctx, rec); err != nil {
		t.Fatalf("PutReputation: %v", err)
	}

	got, err := s.GetReputation(ctx, "deadbeef")
	if err != nil {
		t.Fatalf("GetReputation: %v", err)
	}
	if got == nil {
		t.Fatal("expected cached record")
	}
	if got.Score != 15 || got.Severity != severity.High {
		t.Errorf("got score=%d severity=%v", got.Score, got.Severity)
	}
	if len(got.ThreatNames) != 1 || got.ThreatNames[0] != "Trojan.Generic" {
		t.Errorf("ThreatNames = %v", got.ThreatNames)
	}
	if got.TTL != time.Hour {
		t.Errorf("TTL = %v, want 1h", got.TTL)
	}

	// Unknown hash is a miss, not an error.
	missing, err := s.GetReputation(ctx, "cafebabe")
	if err != nil {
		t.Fatalf("GetReputation miss: %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for unknown hash, got %+v", missing)
	}
}

func TestPruneReputation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	expired := &scan.ReputationRecord{
		Hash:        "old",
		Score:       50,
		Source:      "cloud",
		LastUpdated: now.Add(-2 * time.Hour),
		TTL:         time.Hour,
	}
	fresh := &scan.ReputationRecord{
		Hash:        "fresh",
		Score:       90,
		Source:      "cloud",
		LastUpdated: now,
		TTL:         time.Hour,
	}
	pinned := &scan.ReputationRecord{
		Hash:        "pinned",
		Score:       0,
		Source:      "local",
		LastUpdated: now.Add(-100 * time.Hour),
		TTL:         0, // never expires
	}
	for _, rec := range []*scan.ReputationRecord{expired, fresh, pinned} {
		if err := s.PutReputation(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	pruned, err := s.PruneReputation(ctx, now)
	if err != nil {
		t.Fatalf("PruneReputation: %v", err)
	}
	if pruned != 1 {
		t.Errorf("pruned = %d, want 1", pruned)
	}

	if got, _ := s.GetReputation(ctx, "old"); got != nil {
		t.Error("expired record should be gone")
	}
	if got, _ := s.GetReputation(ctx, "fresh"); got == nil {
		t.Error("fresh record should survive")
	}
	if got, _ := s.GetReputation(ctx, "pinned"); got == nil {
		t.Error("zero-TTL record should survive")
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cp := &Checkpoint{
		SessionID:  "sess-1",
		Root:       "/data",
		Cursor:     "/data/sub/file_0400.bin",
		Enumerated: 400,
		UpdatedAt:  time.Now().UTC().Truncate(time.Second),
	}
	if err := s.SaveCheckpoint(ctx, cp); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}

	got, err := s.GetCheckpoint(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetCheckpoint: %v", err)
	}
	if got == nil {
		t.Fatal("expected checkpoint")
	}
	if got.Cursor != cp.Cursor || got.Enumerated != 400 {
		t.Errorf("got %+v", got)
	}

	// Advancing the cursor overwrites in place.
	cp.Cursor = "/data/sub/file_0800.bin"
	cp.Enumerated = 800
	if err := s.SaveCheckpoint(ctx, cp); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetCheckpoint(ctx, "sess-1")
	if got.Enumerated != 800 {
		t.Errorf("Enumerated = %d, want 800", got.Enumerated)
	}

	if err := s.DeleteCheckpoint(ctx, "sess-1"); err != nil {
		t.Fatalf("DeleteCheckpoint: %v", err)
	}
	got, err = s.GetCheckpoint(ctx, "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Error("checkpoint should be deleted")
	}
}
