package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/pocketshield/scanengine/pkg/action"
	"github.com/pocketshield/scanengine/pkg/audit"
	"github.com/pocketshield/scanengine/pkg/errors"
	"github.com/pocketshield/scanengine/pkg/hashing"
	"github.com/pocketshield/scanengine/pkg/metrics"
	"github.com/pocketshield/scanengine/pkg/scan"
	"github.com/pocketshield/scanengine/pkg/shared/severity"
	"github.com/pocketshield/scanengine/pkg/validate"
)

// processFile runs one record through the stage pipeline. Inner files from
// expanded archives are processed depth-first by the same worker before the
// extraction directory is cleaned up.
func (o *Orchestrator) processFile(ctx context.Context, rt *runtime, rec *scan.FileRecord) {
	if o.cfg.FileTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.FileTimeout)
		defer cancel()
	}

	timer := metrics.NewTimer(o.metrics, metrics.FileScanDuration.Name)
	f := o.scanOne(ctx, rt, rec)
	if f == nil {
		return
	}
	timer.ObserveDuration()

	d := action.Decide(f, o.deps.Policy, time.Now())
	f.Action = d.Action
	f.Reasons = append(f.Reasons, d.Reasons...)

	if o.deps.Applier != nil {
		if err := o.deps.Applier.Apply(f, d); err != nil {
			o.logger.Warn("applying %s to %s: %v", d.Action, f.File.Path, err)
			rt.mu.Lock()
			rt.session.ErrorCount++
			rt.mu.Unlock()
		}
	}

	rt.mu.Lock()
	rt.session.Counters.Actioned++
	if f.IsThreat() {
		rt.session.ThreatsFound++
		rt.session.Severities.Increment(findingSeverity(f))
	}
	if f.Error != "" {
		rt.session.ErrorCount++
	}
	processed := rt.session.Counters.Actioned
	total := rt.session.Counters.Enumerated
	threats := rt.session.ThreatsFound
	rt.mu.Unlock()

	o.metrics.CounterInc(metrics.FilesScannedTotal.Name, "result", string(f.Level))

	if f.IsThreat() {
		o.recordAudit(audit.Entry{
			Type:      audit.EventThreatDetected,
			Severity:  audit.SeverityWarning,
			SessionID: f.SessionID,
			FilePath:  f.File.Path,
			Hash:      f.Digest,
			Reasons:   f.Reasons,
			Message:   "threat detected: " + string(f.Level),
		})
	}

	if err := o.saveFinding(f); err != nil {
		o.fatal(rt, err)
		return
	}

	o.publish(scan.ProgressEvent{
		SessionID:   f.SessionID,
		Stage:       scan.StageAction,
		Processed:   processed,
		Total:       total,
		ThreatCount: threats,
		Path:        f.File.Path,
	})
}

// scanOne runs validation through reputation and returns the finding, or
// nil when the file was rejected before hashing.
func (o *Orchestrator) scanOne(ctx context.Context, rt *runtime, rec *scan.FileRecord) *scan.Finding {
	sessID := rt.session.ID

	// Validate. Rejected files produce no finding, only an audit entry.
	if err := o.deps.Validator.Validate(rec); err != nil {
		reason := validate.Reason(err)
		rt.mu.Lock()
		rt.session.Counters.Rejected++
		rt.mu.Unlock()
		o.metrics.CounterInc(metrics.FilesRejectedTotal.Name, "reason", reason)
		o.recordAudit(audit.Entry{
			Type:      audit.EventFileSkipped,
			Severity:  audit.SeverityDebug,
			SessionID: sessID,
			FilePath:  rec.Path,
			Message:   "file skipped: " + reason,
		})
		return nil
	}
	rt.mu.Lock()
	rt.session.Counters.Validated++
	rt.mu.Unlock()

	f := &scan.Finding{
		ID:        uuid.New().String(),
		SessionID: sessID,
		File:      *rec,
		Level:     scan.LevelClean,
		CreatedAt: time.Now().UTC(),
	}

	if ctx.Err() != nil {
		return nil
	}

	// Hash and sniff in one read.
	res, err := o.deps.Hasher.Process(ctx, rec)
	if err != nil {
		return o.failFinding(rt, f, err)
	}
	f.Digest = res.Digest
	f.Algorithm = res.Algorithm
	f.Sniff = res.Sniff
	rt.mu.Lock()
	rt.session.Counters.Hashed++
	rt.mu.Unlock()

	if f.Sniff.ExecutableMasquerade {
		f.Level = scan.MaxLevel(f.Level, scan.LevelSuspicious)
		f.Reasons = append(f.Reasons, "executable content disguised as ."+rec.Extension)
	}

	if ctx.Err() != nil {
		finishCancelled(f)
		return f
	}

	// Expand archives before matching, so inner files are scanned too.
	if o.cfg.ExpandArchives && o.deps.Expander != nil &&
		hashing.IsArchiveType(f.Sniff.DetectedType) {
		o.expand(ctx, rt, rec, f)
	}

	if ctx.Err() != nil {
		finishCancelled(f)
		return f
	}

	// Signature match.
	matches, err := o.deps.Signatures.Match(ctx, rec)
	if err != nil {
		if errors.IsSessionFatal(err) {
			o.fatal(rt, err)
			return nil
		}
		return o.failFinding(rt, f, err)
	}
	f.Matches = matches
	rt.mu.Lock()
	rt.session.Counters.SignatureMatched++
	rt.mu.Unlock()
	if len(matches) > 0 {
		f.Level = scan.MaxLevel(f.Level, scan.LevelSuspicious)
		if f.HighestMatchSeverity().IsAtLeast(severity.High) {
			f.Level = scan.LevelMalicious
		}
		for _, m := range matches {
			f.Reasons = append(f.Reasons, "signature "+m.RuleName+" matched")
			o.metrics.CounterInc(metrics.SignatureMatchesTotal.Name,
				"rule", m.RuleName, "severity", m.Severity.String())
		}
	}

	if ctx.Err() != nil {
		finishCancelled(f)
		return f
	}

	// Reputation. Failures here degrade to the default-clean record inside
	// the client; only a missing digest skips the stage.
	if o.cfg.CheckReputation && o.deps.Reputation != nil && f.Digest != "" {
		rep, err := o.deps.Reputation.Lookup(ctx, f.Digest, false)
		if err != nil {
			o.logger.Warn("reputation lookup for %s: %v", f.Digest, err)
		} else {
			f.Reputation = rep
			rt.mu.Lock()
			rt.session.Counters.ReputationChecked++
			rt.mu.Unlock()
			if rep.Source != "default" {
				switch {
				case rep.Score < o.deps.Policy.QuarantineBelow:
					f.Level = scan.LevelMalicious
					f.Reasons = append(f.Reasons, "known-bad reputation from "+rep.Source)
				case rep.Score < o.deps.Policy.AlertBelow:
					f.Level = scan.MaxLevel(f.Level, scan.LevelSuspicious)
					f.Reasons = append(f.Reasons, "poor reputation from "+rep.Source)
				}
			}
		}
	}

	return f
}

// expand runs the archive stage. Guard trips mark the outer file suspicious
// and stop extraction; inner files are scanned recursively.
func (o *Orchestrator) expand(ctx context.Context, rt *runtime, rec *scan.FileRecord, f *scan.Finding) {
	x, err := o.deps.Expander.Expand(ctx, rec, f.Sniff.DetectedType)
	if err != nil {
		switch errors.GetKind(err) {
		case errors.KindArchiveBomb:
			f.Level = scan.MaxLevel(f.Level, scan.LevelSuspicious)
			f.GuardSeverity = severity.Max(f.GuardSeverity, severity.High)
			f.Reasons = append(f.Reasons, "potential decompression bomb: compression guard tripped")
			o.metrics.CounterInc(metrics.ArchiveGuardTripsTotal.Name, "guard", "bomb")
			o.recordAudit(audit.Entry{
				Type:      audit.EventArchiveBomb,
				Severity:  audit.SeverityWarning,
				SessionID: f.SessionID,
				FilePath:  rec.Path,
				Message:   "potential decompression bomb: compression guard tripped",
			})
		case errors.KindNestingTooDeep:
			f.Level = scan.MaxLevel(f.Level, scan.LevelSuspicious)
			f.GuardSeverity = severity.Max(f.GuardSeverity, severity.High)
			f.Reasons = append(f.Reasons, "archive nesting limit exceeded")
			o.metrics.CounterInc(metrics.ArchiveGuardTripsTotal.Name, "guard", "depth")
			o.recordAudit(audit.Entry{
				Type:      audit.EventNestingTooDeep,
				Severity:  audit.SeverityWarning,
				SessionID: f.SessionID,
				FilePath:  rec.Path,
				Message:   "archive nesting limit exceeded",
			})
		case errors.KindUnsupportedType:
			// Recognized but not expandable (7z). Not a defect in the file.
			o.logger.Debug("not expanding %s: %v", rec.Path, err)
		default:
			o.logger.Warn("expanding %s: %v", rec.Path, err)
		}
		return
	}
	defer x.Cleanup()

	rt.mu.Lock()
	rt.session.Counters.Unpacked++
	rt.session.Counters.Enumerated += int64(len(x.Records))
	rt.mu.Unlock()
	o.metrics.CounterInc(metrics.ArchivesExpandedTotal.Name, "format", f.Sniff.DetectedType)

	for _, inner := range x.Records {
		if ctx.Err() != nil {
			return
		}
		o.processFile(ctx, rt, inner)
	}
}

// failFinding records a recoverable per-file error on the finding.
func (o *Orchestrator) failFinding(rt *runtime, f *scan.Finding, err error) *scan.Finding {
	f.Error = err.Error()
	o.logger.Warn("processing %s: %v", f.File.Path, err)
	o.recordAudit(audit.Entry{
		Type:      audit.EventFileError,
		Severity:  audit.SeverityWarning,
		SessionID: f.SessionID,
		FilePath:  f.File.Path,
		Message:   "per-file error",
		Error:     err.Error(),
	})
	return f
}

func finishCancelled(f *scan.Finding) {
	if f.Error == "" {
		f.Error = "cancelled before completion"
	}
}

func (o *Orchestrator) saveFinding(f *scan.Finding) error {
	if o.deps.Store == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return o.deps.Store.SaveFinding(ctx, f)
}

// findingSeverity maps a finding to the severity bucket for the session
// summary: signature severity when present, then archive guard severity,
// otherwise reputation-derived.
func findingSeverity(f *scan.Finding) severity.Level {
	if sev := f.HighestMatchSeverity(); sev != severity.Unknown {
		return sev
	}
	if f.GuardSeverity != "" && f.GuardSeverity != severity.Unknown {
		return f.GuardSeverity
	}
	if f.Reputation != nil && f.Reputation.Source != "default" {
		return severity.FromReputationScore(f.Reputation.Score)
	}
	if f.Level == scan.LevelSuspicious {
		return severity.Medium
	}
	return severity.Unknown
}
