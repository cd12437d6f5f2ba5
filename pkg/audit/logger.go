// Package audit provides structured, append-only audit logging for scan
// operations.
//
// Every remediation decision taken by the engine is recorded here to enable:
// - Security monitoring and incident response
// - Compliance and audit trails
// - Post-scan review of quarantine/alert decisions
//
// Entries are never overwritten or deleted by the engine.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of audit event.
type EventType string

const (
	// Session lifecycle events
	EventScanStarted   EventType = "scan_started"
	EventScanCompleted EventType = "scan_completed"
	EventScanCancelled EventType = "scan_cancelled"
	EventScanFailed    EventType = "scan_failed"

	// Per-file events
	EventFileSkipped     EventType = "file_skipped"
	EventFileError       EventType = "file_error"
	EventThreatDetected  EventType = "threat_detected"
	EventArchiveBomb     EventType = "archive_bomb"
	EventNestingTooDeep  EventType = "nesting_too_deep"

	// Action events
	EventActionNone        EventType = "action_none"
	EventActionMonitor     EventType = "action_monitor"
	EventActionAlert       EventType = "action_alert"
	EventActionQuarantine  EventType = "action_quarantine"
	EventActionFailed      EventType = "action_failed"
	EventQuarantineRestore EventType = "quarantine_restore"

	// Reputation events
	EventReputationRateLimited EventType = "reputation_rate_limited"
	EventReputationDegraded    EventType = "reputation_degraded"
)

// Severity represents log severity level.
type Severity string

const (
	SeverityDebug    Severity = "DEBUG"
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARN"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

// Entry represents a single immutable audit record.
type Entry struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      EventType              `json:"type"`
	Severity  Severity               `json:"severity"`
	SessionID string                 `json:"session_id,omitempty"`
	FilePath  string                 `json:"file_path,omitempty"`
	Hash      string                 `json:"hash,omitempty"`
	Action    string                 `json:"action,omitempty"`
	Reasons   []string               `json:"reasons,omitempty"`
	Message   string                 `json:"message"`
	Error     string                 `json:"error,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Sink is the append-only audit destination. The engine never overwrites or
// deletes entries through this interface.
type Sink interface {
	Record(entry Entry)
}

// LoggerConfig configures the audit logger.
type LoggerConfig struct {
	// LogFile is the path to the audit log file.
	// Default: ~/.pocketshield/audit.log
	LogFile string

	// BufferSize is the number of entries to buffer before flushing.
	// Default: 100
	BufferSize int

	// FlushInterval is how often to flush buffered entries.
	// Default: 5 seconds
	FlushInterval time.Duration

	// Verbose enables console output of audit entries.
	Verbose bool
}

// DefaultLoggerConfig returns sensible defaults.
func DefaultLoggerConfig() *LoggerConfig {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}

	return &LoggerConfig{
		LogFile:       filepath.Join(home, ".pocketshield", "audit.log"),
		BufferSize:    100,
		FlushInterval: 5 * time.Second,
	}
}

// Logger is the file-backed audit sink. Entries are buffered in memory and
// appended to a JSONL file by a background flush loop.
type Logger struct {
	config *LoggerConfig
	file   *os.File
	mu     sync.Mutex

	buffer   []Entry
	bufferMu sync.Mutex

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewLogger creates a new audit logger.
func NewLogger(config *LoggerConfig) (*Logger, error) {
	if config == nil {
		config = DefaultLoggerConfig()
	}
	if config.LogFile == "" {
		config.LogFile = DefaultLoggerConfig().LogFile
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 100
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 5 * time.Second
	}

	dir := filepath.Dir(config.LogFile)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}

	// Append-only, 0640 = owner read/write, group read
	file, err := os.OpenFile(config.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	l := &Logger{
		config: config,
		file:   file,
		buffer: make([]Entry, 0, config.BufferSize),
		stopCh: make(chan struct{}),
	}

	return l, nil
}

// Start begins background flushing.
func (l *Logger) Start() {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.stopCh = make(chan struct{})
	l.mu.Unlock()

	l.wg.Add(1)
	go l.flushLoop()
}

// Stop stops the logger and flushes remaining entries.
func (l *Logger) Stop() error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return nil
	}
	l.running = false
	close(l.stopCh)
	l.mu.Unlock()

	l.wg.Wait()

	l.Flush()

	return l.file.Close()
}

// Record appends an audit entry. Implements Sink.
func (l *Logger) Record(entry Entry) {
	entry.Timestamp = time.Now()
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}

	l.bufferMu.Lock()
	l.buffer = append(l.buffer, entry)
	shouldFlush := len(l.buffer) >= l.config.BufferSize
	l.bufferMu.Unlock()

	if l.config.Verbose {
		l.printEntry(entry)
	}

	if shouldFlush {
		go l.Flush()
	}
}

// Convenience methods for common event types

// Info records an informational entry.
func (l *Logger) Info(eventType EventType, sessionID, message string, details map[string]interface{}) {
	l.Record(Entry{
		Type:      eventType,
		Severity:  SeverityInfo,
		SessionID: sessionID,
		Message:   message,
		Details:   details,
	})
}

// Error records an error entry.
func (l *Logger) Error(eventType EventType, sessionID, message string, err error, details map[string]interface{}) {
	entry := Entry{
		Type:      eventType,
		Severity:  SeverityError,
		SessionID: sessionID,
		Message:   message,
		Details:   details,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	l.Record(entry)
}

// Action records a remediation action taken on a file. The entry is written
// whether or not the action side effect succeeded; actErr captures a failed
// side effect.
func (l *Logger) Action(sessionID, filePath, hash, action string, reasons []string, actErr error) {
	eventType := EventType("action_" + action)
	sev := SeverityInfo
	entry := Entry{
		Type:      eventType,
		Severity:  sev,
		SessionID: sessionID,
		FilePath:  filePath,
		Hash:      hash,
		Action:    action,
		Reasons:   reasons,
		Message:   fmt.Sprintf("Action %s applied to %s", action, filePath),
	}
	if actErr != nil {
		entry.Type = EventActionFailed
		entry.Severity = SeverityError
		entry.Error = actErr.Error()
		entry.Message = fmt.Sprintf("Action %s failed for %s", action, filePath)
	}
	l.Record(entry)
}

// Flush writes buffered entries to disk.
func (l *Logger) Flush() {
	l.bufferMu.Lock()
	if len(l.buffer) == 0 {
		l.bufferMu.Unlock()
		return
	}
	entries := l.buffer
	l.buffer = make([]Entry, 0, l.config.BufferSize)
	l.bufferMu.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, entry := range entries {
		data, err := json.Marshal(entry)
		if err != nil {
			continue
		}
		_, _ = l.file.Write(data)
		_, _ = l.file.Write([]byte("\n"))
	}

	_ = l.file.Sync()
}

// flushLoop periodically flushes buffered entries.
func (l *Logger) flushLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.Flush()
		}
	}
}

// printEntry prints an entry to console in human-readable format.
func (l *Logger) printEntry(entry Entry) {
	timestamp := entry.Timestamp.Format("2006-01-02 15:04:05")
	fmt.Printf("[%s] [%s] %s: %s\n", timestamp, entry.Severity, entry.Type, entry.Message)
	if entry.Error != "" {
		fmt.Printf("  Error: %s\n", entry.Error)
	}
}

// MemorySink is an in-memory Sink for tests.
type MemorySink struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Record implements Sink.
func (s *MemorySink) Record(entry Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	s.entries = append(s.entries, entry)
}

// Entries returns a copy of all recorded entries.
func (s *MemorySink) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// ByType returns entries with the given event type.
func (s *MemorySink) ByType(t EventType) []Entry {
	var out []Entry
	for _, e := range s.Entries() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

var (
	_ Sink = (*Logger)(nil)
	_ Sink = (*MemorySink)(nil)
)
