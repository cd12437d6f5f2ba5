package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestLogger(t *testing.T) (*Logger, string) {
	t.Helper()
	dir := t.TempDir()
	logFile := filepath.Join(dir, "audit.log")

	logger, err := NewLogger(&LoggerConfig{
		LogFile:       logFile,
		BufferSize:    10,
		FlushInterval: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	return logger, logFile
}

func readEntries(t *testing.T, path string) []Entry {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}
	defer f.Close()

	var entries []Entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("unmarshal entry: %v", err)
		}
		entries = append(entries, e)
	}
	return entries
}

func TestLogger_RecordAndFlush(t *testing.T) {
	logger, logFile := newTestLogger(t)
	defer logger.Stop()

	logger.Record(Entry{
		Type:      EventThreatDetected,
		Severity:  SeverityWarning,
		SessionID: "sess-1",
		FilePath:  "/tmp/evil.exe",
		Hash:      "abc123",
		Message:   "threat detected",
	})
	logger.Flush()

	entries := readEntries(t, logFile)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Type != EventThreatDetected {
		t.Errorf("Type = %s", e.Type)
	}
	if e.ID == "" {
		t.Error("entry should be assigned an id")
	}
	if e.Timestamp.IsZero() {
		t.Error("entry should be timestamped")
	}
	if e.FilePath != "/tmp/evil.exe" || e.Hash != "abc123" {
		t.Errorf("unexpected entry: %+v", e)
	}
}

func TestLogger_ActionRecordedOnFailure(t *testing.T) {
	logger, logFile := newTestLogger(t)
	defer logger.Stop()

	logger.Action("sess-1", "/tmp/evil.exe", "abc123", "quarantine",
		[]string{"signature severity high"}, errors.New("disk full"))
	logger.Flush()

	entries := readEntries(t, logFile)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Type != EventActionFailed {
		t.Errorf("Type = %s, want %s", e.Type, EventActionFailed)
	}
	if e.Error != "disk full" {
		t.Errorf("Error = %q", e.Error)
	}
	if e.Action != "quarantine" {
		t.Errorf("Action = %q", e.Action)
	}
	if len(e.Reasons) != 1 {
		t.Errorf("Reasons = %v", e.Reasons)
	}
}

func TestLogger_BackgroundFlush(t *testing.T) {
	logger, logFile := newTestLogger(t)
	logger.Start()
	defer logger.Stop()

	logger.Info(EventScanStarted, "sess-2", "scan started", nil)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(readEntries(t, logFile)) == 1 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("background flush never wrote the entry")
}

func TestLogger_AppendOnly(t *testing.T) {
	logger, logFile := newTestLogger(t)

	logger.Record(Entry{Type: EventScanStarted, Message: "first"})
	logger.Flush()
	if err := logger.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// Reopening the same file must append, not truncate.
	logger2, err := NewLogger(&LoggerConfig{LogFile: logFile})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	logger2.Record(Entry{Type: EventScanCompleted, Message: "second"})
	logger2.Flush()
	defer logger2.Stop()

	entries := readEntries(t, logFile)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries after reopen, got %d", len(entries))
	}
	if entries[0].Message != "first" || entries[1].Message != "second" {
		t.Errorf("unexpected order: %v, %v", entries[0].Message, entries[1].Message)
	}
}

func TestMemorySink(t *testing.T) {
	sink := NewMemorySink()
	sink.Record(Entry{Type: EventActionQuarantine, FilePath: "/a"})
	sink.Record(Entry{Type: EventActionNone, FilePath: "/b"})
	sink.Record(Entry{Type: EventActionQuarantine, FilePath: "/c"})

	if len(sink.Entries()) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(sink.Entries()))
	}
	q := sink.ByType(EventActionQuarantine)
	if len(q) != 2 {
		t.Fatalf("expected 2 quarantine entries, got %d", len(q))
	}
	for _, e := range q {
		if e.ID == "" || e.Timestamp.IsZero() {
			t.Error("memory sink should assign id and timestamp")
		}
	}
}
