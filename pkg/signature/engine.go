// Package signature matches file contents against a rule set of hex
// signatures, substring patterns and regexes. The engine is stateless
// after load and safe for concurrent use by all pipeline workers.
package signature

import (
	"bytes"
	"context"
	"io"
	"os"
	"path"

	"github.com/pocketshield/scanengine/pkg/errors"
	"github.com/pocketshield/scanengine/pkg/scan"
	"github.com/pocketshield/scanengine/pkg/shared/severity"
)

// Config configures the signature engine.
type Config struct {
	// RulePaths are JSON rule files loaded on top of the builtin set.
	RulePaths []string

	// DisableBuiltin skips the compiled-in rule set.
	DisableBuiltin bool

	// MaxScanBytes bounds how much of each file is matched (0 = whole file).
	MaxScanBytes int64
}

// DefaultConfig returns the default signature engine configuration.
func DefaultConfig() *Config {
	return &Config{}
}

// Engine matches files against the loaded rule set.
type Engine struct {
	cfg   *Config
	rules []*compiledRule
}

// New loads and validates the rule set. Any defect in any rule file makes
// the whole load fail with ErrCorruptRuleSet; a scanner must never run
// with a partially loaded rule set.
func New(cfg *Config) (*Engine, error) {
	const op = "signature.New"
	if cfg == nil {
		cfg = DefaultConfig()
	}

	e := &Engine{cfg: cfg}

	if !cfg.DisableBuiltin {
		rules, err := compileBuiltin()
		if err != nil {
			return nil, errors.E(errors.KindInternal, op, err.Error(), errors.ErrCorruptRuleSet)
		}
		e.rules = append(e.rules, rules...)
	}
	for _, p := range cfg.RulePaths {
		rules, err := loadRuleFile(p)
		if err != nil {
			return nil, errors.E(errors.KindInternal, op, err.Error(), errors.ErrCorruptRuleSet)
		}
		e.rules = append(e.rules, rules...)
	}

	return e, nil
}

// RuleCount returns the number of loaded rules.
func (e *Engine) RuleCount() int {
	return len(e.rules)
}

// Match reads the file (bounded by MaxScanBytes) and returns all rule
// matches. A read failure is a per-file error, never fatal.
func (e *Engine) Match(ctx context.Context, rec *scan.FileRecord) ([]scan.RuleMatch, error) {
	const op = "signature.Match"

	f, err := os.Open(rec.Path)
	if err != nil {
		if os.IsPermission(err) {
			return nil, errors.WithPath(errors.KindPermissionDenied, op, rec.Path, err)
		}
		return nil, errors.WithPath(errors.KindHashIO, op, rec.Path, err)
	}
	defer f.Close()

	var r io.Reader = f
	if e.cfg.MaxScanBytes > 0 {
		r = io.LimitReader(f, e.cfg.MaxScanBytes)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.WithPath(errors.KindHashIO, op, rec.Path, err)
	}

	select {
	case <-ctx.Done():
		return nil, errors.E(errors.KindCancelled, op, ctx.Err())
	default:
	}

	return e.MatchBytes(rec, data), nil
}

// MatchBytes matches in-memory content against the rule set.
func (e *Engine) MatchBytes(rec *scan.FileRecord, data []byte) []scan.RuleMatch {
	var matches []scan.RuleMatch
	lowered := bytes.ToLower(data)

	for _, rule := range e.rules {
		if !rule.applies(rec) {
			continue
		}
		if m, ok := rule.match(data, lowered); ok {
			matches = append(matches, m)
		}
	}
	return matches
}

// applies checks the rule's applicability filters against the file record.
func (r *compiledRule) applies(rec *scan.FileRecord) bool {
	if r.MinSize > 0 && rec.Size < r.MinSize {
		return false
	}
	if r.MaxSize > 0 && rec.Size > r.MaxSize {
		return false
	}
	if r.NameGlob != "" {
		ok, err := path.Match(r.NameGlob, rec.Name)
		if err != nil || !ok {
			return false
		}
	}
	return true
}

// match evaluates all patterns and applies the firing condition.
func (r *compiledRule) match(data, lowered []byte) (scan.RuleMatch, bool) {
	var hitHex, hitStrings []string
	hits := 0

	for i, pat := range r.hexPatterns {
		if bytes.Contains(data, pat) {
			hits++
			hitHex = append(hitHex, r.HexSignatures[i])
		}
	}
	for i, pat := range r.lowered {
		if bytes.Contains(lowered, []byte(pat)) {
			hits++
			hitStrings = append(hitStrings, r.Strings[i])
		}
	}
	for i, re := range r.regexes {
		if re.Match(data) {
			hits++
			hitStrings = append(hitStrings, r.Regexes[i])
		}
	}

	needed := r.MinMatches
	if needed <= 0 {
		needed = 1
	}
	if r.RequireAll {
		needed = r.patternCount()
	}
	if hits < needed {
		return scan.RuleMatch{}, false
	}

	return scan.RuleMatch{
		RuleName:       r.Name,
		Category:       r.Category,
		MatchedHex:     hitHex,
		MatchedStrings: hitStrings,
		Confidence:     confidence(hits, r.Severity),
		Severity:       r.Severity,
	}, true
}

// confidence scores a match: each hit is worth 25 points up to 100, then
// the severity multiplier scales the result, capped at 100.
func confidence(hits int, sev severity.Level) int {
	base := hits * 25
	if base > 100 {
		base = 100
	}
	scaled := int(float64(base) * sev.ConfidenceMultiplier())
	if scaled > 100 {
		scaled = 100
	}
	return scaled
}
