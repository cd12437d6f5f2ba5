// Package scan defines the data model shared by all stages of the scan
// pipeline: file records, rule matches, reputation records, findings, and
// session state.
package scan

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/pocketshield/scanengine/pkg/shared/severity"
)

// =============================================================================
// File Records
// =============================================================================

// SourceTag identifies how a file entered the pipeline.
type SourceTag string

const (
	// SourceEnumerated marks files listed directly from a scan root.
	SourceEnumerated SourceTag = "enumerated"

	// SourceExtracted marks files produced by archive expansion.
	SourceExtracted SourceTag = "extracted"
)

// FileRecord describes a single candidate file. Records are immutable once
// produced by the enumerator or the archive expander; downstream stages
// consume them read-only.
type FileRecord struct {
	// Path is the absolute path (or extraction-area path) of the file.
	Path string `json:"path"`

	// Name is the logical file name.
	Name string `json:"name"`

	// Size is the file size in bytes.
	Size int64 `json:"size"`

	// Extension is the declared extension, lowercase, without the dot.
	Extension string `json:"extension"`

	// Source records whether the file was enumerated or extracted.
	Source SourceTag `json:"source"`

	// ArchiveDepth is the archive-nesting depth (0 for enumerated files).
	ArchiveDepth int `json:"archive_depth"`

	// ParentArchive is the path of the containing archive, if extracted.
	ParentArchive string `json:"parent_archive,omitempty"`

	// ModifiedAt is the file's last modification time.
	ModifiedAt time.Time `json:"modified_at"`

	// TrustedOrigin is true when the scan root the file came from is
	// configured as trusted. Extracted files inherit the flag from their
	// containing archive.
	TrustedOrigin bool `json:"trusted_origin"`
}

// Ext returns the extension of path in FileRecord.Extension form:
// lowercase, without the leading dot.
func Ext(path string) string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
}

// SniffResult is the outcome of magic-byte type detection for a file.
type SniffResult struct {
	// ExpectedType is the type implied by the declared extension.
	ExpectedType string `json:"expected_type"`

	// DetectedType is the type detected from leading magic bytes.
	DetectedType string `json:"detected_type"`

	// Mismatch is true when the detected type contradicts the extension.
	Mismatch bool `json:"mismatch"`

	// ExecutableMasquerade is true when the content is executable but the
	// extension claims otherwise. This always flags the file as suspicious.
	ExecutableMasquerade bool `json:"executable_masquerade"`
}

// =============================================================================
// Matches and Reputation
// =============================================================================

// RuleMatch records a signature rule firing against a file.
type RuleMatch struct {
	// RuleName is the unique rule identifier.
	RuleName string `json:"rule_name"`

	// Category is the rule's threat category (e.g., "miner", "ransomware").
	Category string `json:"category"`

	// MatchedHex lists the hex signatures that hit.
	MatchedHex []string `json:"matched_hex,omitempty"`

	// MatchedStrings lists the string/regex patterns that hit.
	MatchedStrings []string `json:"matched_strings,omitempty"`

	// Confidence is the scaled match confidence, 0-100.
	Confidence int `json:"confidence"`

	// Severity is inherited from the rule.
	Severity severity.Level `json:"severity"`
}

// ReputationRecord is a hash-keyed verdict from a reputation source.
type ReputationRecord struct {
	// Hash is the lowercase hex digest the record is keyed by.
	Hash string `json:"hash"`

	// Score is the reputation score: 0 = malicious, 100 = clean.
	Score int `json:"score"`

	// ThreatNames lists known threat/family names for the hash.
	ThreatNames []string `json:"threat_names,omitempty"`

	// Severity is the source's severity assessment.
	Severity severity.Level `json:"severity"`

	// Source identifies which source produced the record.
	Source string `json:"source"`

	// FirstSeen is when the hash was first observed by the source.
	FirstSeen time.Time `json:"first_seen"`

	// LastUpdated is when this record was fetched or refreshed.
	LastUpdated time.Time `json:"last_updated"`

	// TTL is how long the record remains valid after LastUpdated.
	TTL time.Duration `json:"ttl"`
}

// Expired reports whether the record is past its TTL at the given time.
func (r *ReputationRecord) Expired(now time.Time) bool {
	if r.TTL <= 0 {
		return false
	}
	return now.After(r.LastUpdated.Add(r.TTL))
}

// DefaultCleanRecord returns the record used when every reputation source is
// exhausted or unreachable.
func DefaultCleanRecord(hash string) *ReputationRecord {
	now := time.Now()
	return &ReputationRecord{
		Hash:        hash,
		Score:       100,
		Severity:    severity.Info,
		Source:      "default",
		FirstSeen:   now,
		LastUpdated: now,
	}
}

// =============================================================================
// Findings
// =============================================================================

// ThreatLevel classifies a file after all stages have run.
type ThreatLevel string

const (
	LevelClean      ThreatLevel = "clean"
	LevelSuspicious ThreatLevel = "suspicious"
	LevelMalicious  ThreatLevel = "malicious"
)

// Rank returns the ordering of a threat level for monotonicity checks.
func (l ThreatLevel) Rank() int {
	switch l {
	case LevelMalicious:
		return 2
	case LevelSuspicious:
		return 1
	default:
		return 0
	}
}

// MaxLevel returns the higher of two threat levels.
func MaxLevel(a, b ThreatLevel) ThreatLevel {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Action is the remediation decision for a finding.
type Action string

const (
	ActionNone       Action = "none"
	ActionMonitor    Action = "monitor"
	ActionAlert      Action = "alert"
	ActionQuarantine Action = "quarantine"
)

// Rank orders actions by strictness.
func (a Action) Rank() int {
	switch a {
	case ActionQuarantine:
		return 3
	case ActionAlert:
		return 2
	case ActionMonitor:
		return 1
	default:
		return 0
	}
}

// MaxAction returns the stricter of two actions.
func MaxAction(a, b Action) Action {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Finding is the per-file aggregate produced at the end of the pipeline.
// It is created once per processed file and never mutated afterwards.
type Finding struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`

	File      FileRecord  `json:"file"`
	Digest    string      `json:"digest,omitempty"`
	Algorithm string      `json:"algorithm,omitempty"`
	Sniff     SniffResult `json:"sniff"`

	Matches    []RuleMatch       `json:"matches,omitempty"`
	Reputation *ReputationRecord `json:"reputation,omitempty"`

	Level   ThreatLevel `json:"level"`
	Action  Action      `json:"action"`
	Reasons []string    `json:"reasons,omitempty"`

	// GuardSeverity is set when an archive guard (decompression bomb,
	// nesting depth) tripped on this file; it drives the severity bucket
	// when no signature matched.
	GuardSeverity severity.Level `json:"guard_severity,omitempty"`

	// Error is set when a recoverable per-file error stopped the pipeline
	// for this file (e.g., a hash I/O failure).
	Error string `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// IsThreat reports whether the finding counts toward the session threat
// total.
func (f *Finding) IsThreat() bool {
	return f.Level != LevelClean && f.Error == ""
}

// HighestMatchSeverity returns the highest severity among signature matches,
// or severity.Unknown when there are none.
func (f *Finding) HighestMatchSeverity() severity.Level {
	highest := severity.Unknown
	for _, m := range f.Matches {
		highest = severity.Max(highest, m.Severity)
	}
	return highest
}

// =============================================================================
// Sessions
// =============================================================================

// SessionStatus is the lifecycle state of a scan session.
type SessionStatus string

const (
	StatusRunning   SessionStatus = "running"
	StatusCompleted SessionStatus = "completed"
	StatusCancelled SessionStatus = "cancelled"
	StatusFailed    SessionStatus = "failed"
)

// Terminal reports whether the status can no longer change.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// Stage identifies a pipeline stage for counters and progress events.
type Stage string

const (
	StageEnumerate  Stage = "enumerate"
	StageValidate   Stage = "validate"
	StageExpand     Stage = "expand"
	StageHash       Stage = "hash"
	StageSignature  Stage = "signature"
	StageReputation Stage = "reputation"
	StageAction     Stage = "action"
)

// StageCounters tracks per-stage progress for a session.
type StageCounters struct {
	Enumerated        int64 `json:"enumerated"`
	Validated         int64 `json:"validated"`
	Rejected          int64 `json:"rejected"`
	Unpacked          int64 `json:"unpacked"`
	Hashed            int64 `json:"hashed"`
	SignatureMatched  int64 `json:"signature_matched"`
	ReputationChecked int64 `json:"reputation_checked"`
	Actioned          int64 `json:"actioned"`
}

// Session is the state of one scan run. It is owned and mutated exclusively
// by the orchestrator; once the status leaves StatusRunning it is terminal.
type Session struct {
	ID        string        `json:"id"`
	Status    SessionStatus `json:"status"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   time.Time     `json:"ended_at,omitempty"`

	Counters     StageCounters            `json:"counters"`
	ThreatsFound int64                    `json:"threats_found"`
	ErrorCount   int64                    `json:"error_count"`
	Severities   severity.CountBySeverity `json:"severities"`

	// FailureReason is set when the session ends in StatusFailed.
	FailureReason string `json:"failure_reason,omitempty"`
}

// ProgressEvent is published by the orchestrator as the scan advances.
type ProgressEvent struct {
	SessionID   string    `json:"session_id"`
	Stage       Stage     `json:"stage"`
	Processed   int64     `json:"processed"`
	Total       int64     `json:"total"`
	ThreatCount int64     `json:"threat_count"`
	Path        string    `json:"path,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}
