package signature

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"regexp"
	"strings"

	"github.com/pocketshield/scanengine/pkg/errors"
	"github.com/pocketshield/scanengine/pkg/shared/severity"
)

// Rule is one detection rule as declared in a rule file.
type Rule struct {
	// Name uniquely identifies the rule.
	Name string `json:"name"`

	// Category groups related rules (miner, backdoor, test, ...).
	Category string `json:"category"`

	// Severity drives the confidence multiplier and the action policy.
	Severity severity.Level `json:"severity"`

	// HexSignatures are byte patterns, hex encoded.
	HexSignatures []string `json:"hex_signatures,omitempty"`

	// Strings are case-insensitive substring patterns.
	Strings []string `json:"strings,omitempty"`

	// Regexes are regular expression patterns.
	Regexes []string `json:"regexes,omitempty"`

	// NameGlob restricts the rule to matching file names ("" = all).
	NameGlob string `json:"name_glob,omitempty"`

	// MinSize/MaxSize restrict the rule by file size (0 = unbounded).
	MinSize int64 `json:"min_size,omitempty"`
	MaxSize int64 `json:"max_size,omitempty"`

	// MinMatches is how many patterns must hit before the rule fires
	// (0 means 1).
	MinMatches int `json:"min_matches,omitempty"`

	// RequireAll requires every pattern to hit.
	RequireAll bool `json:"require_all,omitempty"`
}

// ruleFile is the on-disk JSON shape.
type ruleFile struct {
	Rules []Rule `json:"rules"`
}

// compiledRule is a rule with its patterns decoded and compiled.
type compiledRule struct {
	Rule

	hexPatterns [][]byte
	lowered     []string
	regexes     []*regexp.Regexp
}

func (r *Rule) patternCount() int {
	return len(r.HexSignatures) + len(r.Strings) + len(r.Regexes)
}

// compile validates and compiles one rule. Every defect is reported as
// a corrupt-rule-set error since a half-loaded rule set must never run.
func compile(r Rule) (*compiledRule, error) {
	if r.Name == "" {
		return nil, fmt.Errorf("rule with empty name")
	}
	if r.patternCount() == 0 {
		return nil, fmt.Errorf("rule %q has no patterns", r.Name)
	}
	switch r.Severity {
	case severity.Critical, severity.High, severity.Medium, severity.Low, severity.Info:
	case "":
		r.Severity = severity.Medium
	default:
		return nil, fmt.Errorf("rule %q has unknown severity %q", r.Name, r.Severity)
	}
	if r.MinMatches < 0 {
		return nil, fmt.Errorf("rule %q has negative min_matches", r.Name)
	}
	if r.MinMatches > r.patternCount() {
		return nil, fmt.Errorf("rule %q requires %d matches but has %d patterns",
			r.Name, r.MinMatches, r.patternCount())
	}
	if r.MaxSize > 0 && r.MinSize > r.MaxSize {
		return nil, fmt.Errorf("rule %q has min_size > max_size", r.Name)
	}
	if r.NameGlob != "" {
		if _, err := path.Match(r.NameGlob, "probe"); err != nil {
			return nil, fmt.Errorf("rule %q has bad name_glob: %v", r.Name, err)
		}
	}

	c := &compiledRule{Rule: r}
	for _, hs := range r.HexSignatures {
		b, err := hex.DecodeString(strings.ReplaceAll(hs, " ", ""))
		if err != nil {
			return nil, fmt.Errorf("rule %q has bad hex signature %q: %v", r.Name, hs, err)
		}
		if len(b) == 0 {
			return nil, fmt.Errorf("rule %q has empty hex signature", r.Name)
		}
		c.hexPatterns = append(c.hexPatterns, b)
	}
	for _, s := range r.Strings {
		if s == "" {
			return nil, fmt.Errorf("rule %q has empty string pattern", r.Name)
		}
		c.lowered = append(c.lowered, strings.ToLower(s))
	}
	for _, expr := range r.Regexes {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("rule %q has bad regex %q: %v", r.Name, expr, err)
		}
		c.regexes = append(c.regexes, re)
	}
	return c, nil
}

// loadRuleFile parses and compiles one JSON rule file.
func loadRuleFile(filePath string) ([]*compiledRule, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	var rf ruleFile
	if err := json.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filePath, err)
	}
	if len(rf.Rules) == 0 {
		return nil, fmt.Errorf("%s declares no rules", filePath)
	}

	compiled := make([]*compiledRule, 0, len(rf.Rules))
	for _, r := range rf.Rules {
		c, err := compile(r)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filePath, err)
		}
		compiled = append(compiled, c)
	}
	return compiled, nil
}

// builtinRules is the compiled-in detection set.
var builtinRules = []Rule{
	{
		Name:       "crypto_miner",
		Category:   "miner",
		Severity:   severity.High,
		Strings:    []string{"stratum+tcp://", "stratum+ssl://", "xmrig", "cryptonight", "minerd"},
		MinMatches: 1,
	},
	{
		Name:       "eicar_test",
		Category:   "test",
		Severity:   severity.Critical,
		Strings:    []string{"EICAR-STANDARD-ANTIVIRUS-TEST-FILE"},
		MinMatches: 1,
	},
	{
		Name:       "reverse_shell",
		Category:   "backdoor",
		Severity:   severity.High,
		Strings:    []string{"/dev/tcp/", "nc -e /bin/", "bash -i >&"},
		Regexes:    []string{`socket\.connect\(\(.{1,64}\)\);\s*os\.dup2`},
		MinMatches: 1,
	},
	{
		Name:       "stager_downloader",
		Category:   "dropper",
		Severity:   severity.Medium,
		Strings:    []string{"curl -s", "wget -q", "chmod +x", "| sh", "| bash"},
		MinMatches: 2,
	},
	{
		Name:       "ransom_note",
		Category:   "ransomware",
		Severity:   severity.Critical,
		Strings:    []string{"your files have been encrypted", "decryption key", "bitcoin wallet"},
		MinMatches: 2,
	},
	{
		Name:          "elf_packed_upx",
		Category:      "packer",
		Severity:      severity.Low,
		HexSignatures: []string{"55505821"}, // "UPX!"
		NameGlob:      "*",
		MinMatches:    1,
	},
	{
		Name:       "credential_harvester",
		Category:   "stealer",
		Severity:   severity.High,
		Strings:    []string{".ssh/id_rsa", "shadow", "wallet.dat"},
		Regexes:    []string{`(?i)passw(or)?d\s*[:=]`},
		MinMatches: 2,
	},
}

func compileBuiltin() ([]*compiledRule, error) {
	out := make([]*compiledRule, 0, len(builtinRules))
	for _, r := range builtinRules {
		c, err := compile(r)
		if err != nil {
			return nil, errors.E(errors.KindInternal, "signature.compileBuiltin", err)
		}
		out = append(out, c)
	}
	return out, nil
}
