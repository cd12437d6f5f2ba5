package orchestrator

import (
	"fmt"
	"sort"
	"time"

	"github.com/pocketshield/scanengine/pkg/scan"
	"github.com/pocketshield/scanengine/pkg/shared/severity"
)

// ThreatSummary is one threat entry in the session report.
type ThreatSummary struct {
	Path     string           `json:"path"`
	Digest   string           `json:"digest,omitempty"`
	Level    scan.ThreatLevel `json:"level"`
	Action   scan.Action      `json:"action"`
	Severity severity.Level   `json:"severity"`
	Reasons  []string         `json:"reasons,omitempty"`
}

// Summary is the end-of-session report.
type Summary struct {
	SessionID string             `json:"session_id"`
	Status    scan.SessionStatus `json:"status"`
	Duration  time.Duration      `json:"duration"`

	FilesScanned int64 `json:"files_scanned"`
	FilesSkipped int64 `json:"files_skipped"`
	Unpacked     int64 `json:"unpacked"`
	Threats      int64 `json:"threats"`
	Errors       int64 `json:"errors"`

	Severities severity.CountBySeverity `json:"severities"`

	TopThreats []ThreatSummary `json:"top_threats,omitempty"`

	Recommendations []string `json:"recommendations,omitempty"`
}

// BuildSummary assembles the report for a finished session.
func BuildSummary(sess *scan.Session, findings []*scan.Finding) *Summary {
	s := &Summary{
		SessionID:    sess.ID,
		Status:       sess.Status,
		FilesScanned: sess.Counters.Actioned,
		FilesSkipped: sess.Counters.Rejected,
		Unpacked:     sess.Counters.Unpacked,
		Threats:      sess.ThreatsFound,
		Errors:       sess.ErrorCount,
		Severities:   sess.Severities,
	}
	if !sess.EndedAt.IsZero() {
		s.Duration = sess.EndedAt.Sub(sess.StartedAt)
	}

	var quarantined, masquerades int
	var threats []*scan.Finding
	for _, f := range findings {
		if f.IsThreat() {
			threats = append(threats, f)
		}
		if f.Action == scan.ActionQuarantine {
			quarantined++
		}
		if f.Sniff.ExecutableMasquerade {
			masquerades++
		}
	}

	sort.Slice(threats, func(i, j int) bool {
		a, b := threats[i], threats[j]
		if a.Level.Rank() != b.Level.Rank() {
			return a.Level.Rank() > b.Level.Rank()
		}
		return findingSeverity(a).Priority() > findingSeverity(b).Priority()
	})
	const maxTop = 10
	for i, f := range threats {
		if i >= maxTop {
			break
		}
		s.TopThreats = append(s.TopThreats, ThreatSummary{
			Path:     f.File.Path,
			Digest:   f.Digest,
			Level:    f.Level,
			Action:   f.Action,
			Severity: findingSeverity(f),
			Reasons:  f.Reasons,
		})
	}

	s.Recommendations = recommendations(sess, quarantined, masquerades)
	return s
}

func recommendations(sess *scan.Session, quarantined, masquerades int) []string {
	var recs []string
	if quarantined > 0 {
		recs = append(recs, fmt.Sprintf(
			"%d file(s) were quarantined; review them and purge or restore", quarantined))
	}
	if sess.Severities.Critical > 0 {
		recs = append(recs,
			"critical findings present; treat affected hosts as compromised until reviewed")
	}
	if masquerades > 0 {
		recs = append(recs, fmt.Sprintf(
			"%d file(s) hide executable content behind a non-executable extension", masquerades))
	}
	if sess.ErrorCount > 0 {
		recs = append(recs, fmt.Sprintf(
			"%d file(s) could not be fully scanned; re-run with elevated permissions if unexpected",
			sess.ErrorCount))
	}
	if sess.Status == scan.StatusCancelled {
		recs = append(recs, "scan was cancelled; resume to cover the remaining files")
	}
	if len(recs) == 0 && sess.Status == scan.StatusCompleted {
		recs = append(recs, "no threats found; no action needed")
	}
	return recs
}
