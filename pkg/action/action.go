// Package action turns finished findings into remediation decisions and
// carries them out. Decide is a pure policy function over the finding and
// the configured thresholds; Apply performs the side effect and records an
// audit entry whether or not the side effect succeeded.
package action

import (
	"time"

	"github.com/pocketshield/scanengine/pkg/audit"
	"github.com/pocketshield/scanengine/pkg/hashing"
	"github.com/pocketshield/scanengine/pkg/logging"
	"github.com/pocketshield/scanengine/pkg/metrics"
	"github.com/pocketshield/scanengine/pkg/quarantine"
	"github.com/pocketshield/scanengine/pkg/scan"
	"github.com/pocketshield/scanengine/pkg/shared/severity"
)

// Config holds the response policy thresholds.
type Config struct {
	// QuarantineBelow quarantines files whose reputation score is under
	// this value.
	QuarantineBelow int

	// AlertBelow alerts on files whose reputation score is under this
	// value (and at or above QuarantineBelow).
	AlertBelow int

	// MonitorRecentWithin is the modification window for the monitor rule.
	MonitorRecentWithin time.Duration

	// DryRun computes decisions but never touches files.
	DryRun bool
}

// DefaultConfig returns the default response policy.
func DefaultConfig() *Config {
	return &Config{
		QuarantineBelow:     30,
		AlertBelow:          60,
		MonitorRecentWithin: 24 * time.Hour,
	}
}

// Decision is the outcome of the policy for one finding.
type Decision struct {
	Action  scan.Action
	Reasons []string
}

// Decide evaluates the response policy for a finding. It is pure: no I/O,
// no clock reads (the caller passes now).
//
// Rules, first match wins for the action but all matching reasons are kept:
//
//  1. any signature match of high or critical severity: quarantine
//  2. reputation score under the quarantine threshold: quarantine
//  3. reputation score under the alert threshold: alert
//  4. recently modified executable from an untrusted origin: monitor
//  5. otherwise: none
func Decide(f *scan.Finding, cfg *Config, now time.Time) Decision {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var d Decision
	d.Action = scan.ActionNone

	if sev := f.HighestMatchSeverity(); sev.IsAtLeast(severity.High) {
		d.Action = scan.ActionQuarantine
		d.Reasons = append(d.Reasons, "signature match of severity "+sev.String())
	}

	if f.Reputation != nil && f.Reputation.Source != "default" {
		score := f.Reputation.Score
		switch {
		case score < cfg.QuarantineBelow:
			d.Action = scan.MaxAction(d.Action, scan.ActionQuarantine)
			d.Reasons = append(d.Reasons, "reputation score below quarantine threshold")
		case score < cfg.AlertBelow:
			d.Action = scan.MaxAction(d.Action, scan.ActionAlert)
			d.Reasons = append(d.Reasons, "reputation score below alert threshold")
		}
	}

	if isRecentUntrustedExecutable(f, cfg, now) {
		d.Action = scan.MaxAction(d.Action, scan.ActionMonitor)
		d.Reasons = append(d.Reasons, "recently modified executable from untrusted origin")
	}

	return d
}

func isRecentUntrustedExecutable(f *scan.Finding, cfg *Config, now time.Time) bool {
	if f.File.TrustedOrigin {
		return false
	}
	if !hashing.IsExecutableType(f.Sniff.DetectedType) {
		return false
	}
	if cfg.MonitorRecentWithin <= 0 {
		return false
	}
	return now.Sub(f.File.ModifiedAt) <= cfg.MonitorRecentWithin
}

// Applier carries out decisions and keeps the audit trail.
type Applier struct {
	cfg     *Config
	vault   *quarantine.Vault
	sink    audit.Sink
	logger  logging.Logger
	metrics metrics.Collector
}

// Option configures the applier.
type Option func(*Applier)

// WithVault sets the quarantine vault. Without one, quarantine decisions
// degrade to alerts.
func WithVault(v *quarantine.Vault) Option {
	return func(a *Applier) { a.vault = v }
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(a *Applier) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m metrics.Collector) Option {
	return func(a *Applier) {
		if m != nil {
			a.metrics = m
		}
	}
}

// NewApplier creates an applier writing audit entries to sink.
func NewApplier(cfg *Config, sink audit.Sink, opts ...Option) *Applier {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	a := &Applier{
		cfg:     cfg,
		sink:    sink,
		logger:  logging.NewNopLogger(),
		metrics: &metrics.NopCollector{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Apply performs the decided action for a finding. The audit entry is
// written in every case, including when the side effect fails; the returned
// error reports the failed side effect so the caller can count it, but the
// finding's action stands.
func (a *Applier) Apply(f *scan.Finding, d Decision) error {
	var actErr error

	switch d.Action {
	case scan.ActionQuarantine:
		actErr = a.applyQuarantine(f, d)
	case scan.ActionAlert:
		a.logger.Warn("ALERT %s: %v", f.File.Path, d.Reasons)
	case scan.ActionMonitor:
		a.logger.Info("monitoring %s: %v", f.File.Path, d.Reasons)
	case scan.ActionNone:
		// Clean files get no audit entry; the finding itself is the record.
		return nil
	}

	a.recordAudit(f, d, actErr)
	a.metrics.CounterInc(metrics.ThreatsTotal.Name,
		"level", string(f.Level), "action", string(d.Action))
	return actErr
}

func (a *Applier) applyQuarantine(f *scan.Finding, d Decision) error {
	if a.cfg.DryRun {
		a.logger.Info("dry run: would quarantine %s", f.File.Path)
		return nil
	}
	if a.vault == nil {
		a.logger.Warn("no quarantine vault configured, alerting on %s instead", f.File.Path)
		return nil
	}

	entry, err := a.vault.Quarantine(f.File.Path, quarantine.Entry{
		Digest:    f.Digest,
		Algorithm: f.Algorithm,
		SessionID: f.SessionID,
		Reason:    reasonSummary(d.Reasons),
	})
	if err != nil {
		return err
	}
	a.metrics.CounterInc(metrics.QuarantinedTotal.Name, "status", "ok")
	a.logger.Info("quarantined %s as %s", f.File.Path, entry.ID)
	return nil
}

// recordAudit writes the audit entry for a decision. Mirrors the shape the
// audit logger's Action helper produces so both sinks stay queryable by
// event type.
func (a *Applier) recordAudit(f *scan.Finding, d Decision, actErr error) {
	if a.sink == nil {
		return
	}
	entry := audit.Entry{
		Type:      audit.EventType("action_" + string(d.Action)),
		Severity:  audit.SeverityInfo,
		SessionID: f.SessionID,
		FilePath:  f.File.Path,
		Hash:      f.Digest,
		Action:    string(d.Action),
		Reasons:   d.Reasons,
		Message:   "action " + string(d.Action) + " applied to " + f.File.Path,
	}
	if actErr != nil {
		entry.Type = audit.EventActionFailed
		entry.Severity = audit.SeverityError
		entry.Error = actErr.Error()
		entry.Message = "action " + string(d.Action) + " failed for " + f.File.Path
		a.metrics.CounterInc(metrics.QuarantinedTotal.Name, "status", "failed")
	}
	a.sink.Record(entry)
}

func reasonSummary(reasons []string) string {
	if len(reasons) == 0 {
		return ""
	}
	s := reasons[0]
	for _, r := range reasons[1:] {
		s += "; " + r
	}
	return s
}
