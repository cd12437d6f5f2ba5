// Package store provides SQLite-backed persistence for scan sessions,
// findings, the reputation cache, and enumeration checkpoints.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/pocketshield/scanengine/pkg/errors"
	"github.com/pocketshield/scanengine/pkg/scan"
	"github.com/pocketshield/scanengine/pkg/shared/severity"
)

// Config configures the store.
type Config struct {
	// DatabasePath is the SQLite database file.
	DatabasePath string
}

// DefaultConfig returns the default store configuration.
func DefaultConfig() *Config {
	return &Config{
		DatabasePath: "scanengine.db",
	}
}

// Store provides SQLite-based persistence for the scan engine.
type Store struct {
	db  *sql.DB
	mu  sync.RWMutex
	cfg *Config
}

// New opens (or creates) the database and initializes the schema.
func New(cfg *Config) (*Store, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	// Ensure directory exists
	dir := filepath.Dir(cfg.DatabasePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.E(errors.KindStorage, "store.New", err)
	}

	db, err := sql.Open("sqlite", cfg.DatabasePath)
	if err != nil {
		return nil, errors.E(errors.KindStorage, "store.New", err)
	}

	// Configure SQLite for better performance
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size=-64000", // 64MB cache
		"PRAGMA temp_store=MEMORY",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, errors.E(errors.KindStorage, "store.New", fmt.Sprintf("set pragma: %v", err))
		}
	}

	s := &Store{
		db:  db,
		cfg: cfg,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, errors.E(errors.KindStorage, "store.New", err)
	}

	return s, nil
}

// initSchema creates the database tables if they don't exist.
func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL DEFAULT 'running',
		started_at TIMESTAMP NOT NULL,
		ended_at TIMESTAMP,
		counters TEXT,
		severities TEXT,
		threats_found INTEGER DEFAULT 0,
		error_count INTEGER DEFAULT 0,
		failure_reason TEXT
	);

	CREATE TABLE IF NOT EXISTS findings (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		path TEXT NOT NULL,
		digest TEXT,
		algorithm TEXT,
		level TEXT NOT NULL,
		action TEXT NOT NULL,
		detail TEXT,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS reputation_cache (
		hash TEXT PRIMARY KEY,
		score INTEGER NOT NULL,
		threat_names TEXT,
		severity TEXT,
		source TEXT,
		first_seen TIMESTAMP,
		last_updated TIMESTAMP NOT NULL,
		ttl_seconds INTEGER NOT NULL DEFAULT 0,
		expires_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS checkpoints (
		session_id TEXT PRIMARY KEY,
		root TEXT NOT NULL,
		cursor TEXT NOT NULL,
		enumerated INTEGER NOT NULL DEFAULT 0,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_findings_session ON findings(session_id);
	CREATE INDEX IF NOT EXISTS idx_findings_level ON findings(level);
	CREATE INDEX IF NOT EXISTS idx_findings_digest ON findings(digest);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	CREATE INDEX IF NOT EXISTS idx_reputation_updated ON reputation_cache(last_updated);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// Sessions
// =============================================================================

// SaveSession inserts or updates a session record.
func (s *Store) SaveSession(ctx context.Context, sess *scan.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	countersJSON, err := json.Marshal(sess.Counters)
	if err != nil {
		countersJSON = []byte("{}")
	}
	severitiesJSON, err := json.Marshal(sess.Severities)
	if err != nil {
		severitiesJSON = []byte("{}")
	}

	var endedAt interface{}
	if sess.EndedAt != nil {
		endedAt = *sess.EndedAt
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (
			id, status, started_at, ended_at, counters, severities,
			threats_found, error_count, failure_reason
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			ended_at = excluded.ended_at,
			counters = excluded.counters,
			severities = excluded.severities,
			threats_found = excluded.threats_found,
			error_count = excluded.error_count,
			failure_reason = excluded.failure_reason
	`,
		sess.ID, sess.Status, sess.StartedAt, endedAt,
		string(countersJSON), string(severitiesJSON),
		sess.ThreatsFound, sess.ErrorCount, sess.FailureReason,
	)

	return err
}

// GetSession retrieves a session by ID. Returns ErrSessionNotFound when absent.
func (s *Store) GetSession(ctx context.Context, id string) (*scan.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sess scan.Session
	var endedAt sql.NullTime
	var countersJSON, severitiesJSON, failureReason sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT id, status, started_at, ended_at, counters, severities,
			threats_found, error_count, failure_reason
		FROM sessions WHERE id = ?
	`, id).Scan(
		&sess.ID, &sess.Status, &sess.StartedAt, &endedAt,
		&countersJSON, &severitiesJSON,
		&sess.ThreatsFound, &sess.ErrorCount, &failureReason,
	)
	if err == sql.ErrNoRows {
		return nil, errors.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}

	if endedAt.Valid {
		sess.EndedAt = &endedAt.Time
	}
	if failureReason.Valid {
		sess.FailureReason = failureReason.String
	}
	if countersJSON.Valid && countersJSON.String != "" {
		_ = json.Unmarshal([]byte(countersJSON.String), &sess.Counters)
	}
	if severitiesJSON.Valid && severitiesJSON.String != "" {
		_ = json.Unmarshal([]byte(severitiesJSON.String), &sess.Severities)
	}

	return &sess, nil
}

// ListSessions returns sessions newest first, up to limit (0 = all).
func (s *Store) ListSessions(ctx context.Context, limit int) ([]*scan.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, status, started_at, ended_at, counters, severities,
			threats_found, error_count, failure_reason
		FROM sessions ORDER BY started_at DESC
	`
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*scan.Session
	for rows.Next() {
		var sess scan.Session
		var endedAt sql.NullTime
		var countersJSON, severitiesJSON, failureReason sql.NullString

		if err := rows.Scan(
			&sess.ID, &sess.Status, &sess.StartedAt, &endedAt,
			&countersJSON, &severitiesJSON,
			&sess.ThreatsFound, &sess.ErrorCount, &failureReason,
		); err != nil {
			return nil, err
		}

		if endedAt.Valid {
			sess.EndedAt = &endedAt.Time
		}
		if failureReason.Valid {
			sess.FailureReason = failureReason.String
		}
		if countersJSON.Valid && countersJSON.String != "" {
			_ = json.Unmarshal([]byte(countersJSON.String), &sess.Counters)
		}
		if severitiesJSON.Valid && severitiesJSON.String != "" {
			_ = json.Unmarshal([]byte(severitiesJSON.String), &sess.Severities)
		}

		sessions = append(sessions, &sess)
	}

	return sessions, rows.Err()
}

// =============================================================================
// Findings
// =============================================================================

// findingDetail is the JSON blob stored alongside the indexed columns.
type findingDetail struct {
	File          scan.FileRecord        `json:"file"`
	Sniff         scan.SniffResult       `json:"sniff"`
	Matches       []scan.RuleMatch       `json:"matches,omitempty"`
	Reputation    *scan.ReputationRecord `json:"reputation,omitempty"`
	Reasons       []string               `json:"reasons,omitempty"`
	GuardSeverity severity.Level         `json:"guard_severity,omitempty"`
	Error         string                 `json:"error,omitempty"`
}

// SaveFinding persists one finding.
func (s *Store) SaveFinding(ctx context.Context, f *scan.Finding) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	detail := findingDetail{
		File:          f.File,
		Sniff:         f.Sniff,
		Matches:       f.Matches,
		Reputation:    f.Reputation,
		Reasons:       f.Reasons,
		GuardSeverity: f.GuardSeverity,
		Error:         f.Error,
	}
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		detailJSON = []byte("{}")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO findings (
			id, session_id, path, digest, algorithm, level, action, detail, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			level = excluded.level,
			action = excluded.action,
			detail = excluded.detail
	`,
		f.ID, f.SessionID, f.File.Path, f.Digest, f.Algorithm,
		f.Level, f.Action, string(detailJSON), f.CreatedAt,
	)

	return err
}

// GetFindings returns all findings for a session, oldest first.
func (s *Store) GetFindings(ctx context.Context, sessionID string) ([]*scan.Finding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, digest, algorithm, level, action, detail, created_at
		FROM findings
		WHERE session_id = ?
		ORDER BY created_at ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var findings []*scan.Finding
	for rows.Next() {
		var f scan.Finding
		var digest, algorithm, detailJSON sql.NullString

		if err := rows.Scan(
			&f.ID, &f.SessionID, &digest, &algorithm,
			&f.Level, &f.Action, &detailJSON, &f.CreatedAt,
		); err != nil {
			return nil, err
		}

		if digest.Valid {
			f.Digest = digest.String
		}
		if algorithm.Valid {
			f.Algorithm = algorithm.String
		}
		if detailJSON.Valid && detailJSON.String != "" {
			var detail findingDetail
			if err := json.Unmarshal([]byte(detailJSON.String), &detail); err == nil {
				f.File = detail.File
				f.Sniff = detail.Sniff
				f.Matches = detail.Matches
				f.Reputation = detail.Reputation
				f.Reasons = detail.Reasons
				f.GuardSeverity = detail.GuardSeverity
				f.Error = detail.Error
			}
		}

		findings = append(findings, &f)
	}

	return findings, rows.Err()
}

// CountThreats returns the number of non-clean findings in a session.
func (s *Store) CountThreats(ctx context.Context, sessionID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM findings
		WHERE session_id = ? AND level != ?
	`, sessionID, scan.LevelClean).Scan(&count)
	return count, err
}

// =============================================================================
// Reputation cache
// =============================================================================

// GetReputation returns a cached record, or nil when absent.
// Expiry is the caller's concern; the row is returned as stored.
func (s *Store) GetReputation(ctx context.Context, hash string) (*scan.ReputationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rec scan.ReputationRecord
	var threatNames sql.NullString
	var sev sql.NullString
	var firstSeen sql.NullTime
	var ttlSeconds int64

	err := s.db.QueryRowContext(ctx, `
		SELECT hash, score, threat_names, severity, source, first_seen, last_updated, ttl_seconds
		FROM reputation_cache WHERE hash = ?
	`, hash).Scan(
		&rec.Hash, &rec.Score, &threatNames, &sev, &rec.Source,
		&firstSeen, &rec.LastUpdated, &ttlSeconds,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if threatNames.Valid && threatNames.String != "" {
		_ = json.Unmarshal([]byte(threatNames.String), &rec.ThreatNames)
	}
	if sev.Valid {
		rec.Severity = severity.Level(sev.String)
	}
	if firstSeen.Valid {
		rec.FirstSeen = firstSeen.Time
	}
	rec.TTL = time.Duration(ttlSeconds) * time.Second

	return &rec, nil
}

// PutReputation inserts or replaces a cached record.
func (s *Store) PutReputation(ctx context.Context, rec *scan.ReputationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	namesJSON, err := json.Marshal(rec.ThreatNames)
	if err != nil {
		namesJSON = []byte("[]")
	}

	// A zero TTL means the record never expires.
	var expiresAt interface{}
	if rec.TTL > 0 {
		expiresAt = rec.LastUpdated.Add(rec.TTL)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO reputation_cache (
			hash, score, threat_names, severity, source, first_seen,
			last_updated, ttl_seconds, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(hash) DO UPDATE SET
			score = excluded.score,
			threat_names = excluded.threat_names,
			severity = excluded.severity,
			source = excluded.source,
			last_updated = excluded.last_updated,
			ttl_seconds = excluded.ttl_seconds,
			expires_at = excluded.expires_at
	`,
		rec.Hash, rec.Score, string(namesJSON), string(rec.Severity),
		rec.Source, rec.FirstSeen, rec.LastUpdated,
		int64(rec.TTL/time.Second), expiresAt,
	)

	return err
}

// PruneReputation deletes cache rows whose TTL has elapsed.
// Rows with a zero TTL never expire.
func (s *Store) PruneReputation(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, `
		DELETE FROM reputation_cache
		WHERE expires_at IS NOT NULL AND expires_at < ?
	`, now)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// =============================================================================
// Enumeration checkpoints
// =============================================================================

// Checkpoint records enumeration progress for resume.
type Checkpoint struct {
	SessionID  string    `json:"session_id"`
	Root       string    `json:"root"`
	Cursor     string    `json:"cursor"` // last enumerated path
	Enumerated int       `json:"enumerated"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// SaveCheckpoint inserts or updates the enumeration cursor for a session.
func (s *Store) SaveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (session_id, root, cursor, enumerated, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			root = excluded.root,
			cursor = excluded.cursor,
			enumerated = excluded.enumerated,
			updated_at = excluded.updated_at
	`, cp.SessionID, cp.Root, cp.Cursor, cp.Enumerated, cp.UpdatedAt)

	return err
}

// GetCheckpoint returns the checkpoint for a session, or nil when absent.
func (s *Store) GetCheckpoint(ctx context.Context, sessionID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var cp Checkpoint
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, root, cursor, enumerated, updated_at
		FROM checkpoints WHERE session_id = ?
	`, sessionID).Scan(&cp.SessionID, &cp.Root, &cp.Cursor, &cp.Enumerated, &cp.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

// DeleteCheckpoint removes the checkpoint once a session completes.
func (s *Store) DeleteCheckpoint(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE session_id = ?`, sessionID)
	return err
}

// Close closes the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Close()
}
