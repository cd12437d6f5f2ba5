package reputation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pocketshield/scanengine/pkg/errors"
	"github.com/pocketshield/scanengine/pkg/scan"
	"github.com/pocketshield/scanengine/pkg/shared/severity"
)

const maxResponseBytes = 1 << 20

// ===== Local threat database =====

// LocalDBSource serves verdicts from a JSON file of known hashes. It is the
// first source in the chain: no network, no rate pressure.
type LocalDBSource struct {
	mu      sync.RWMutex
	entries map[string]localEntry
	path    string
}

type localEntry struct {
	Score       int      `json:"score"`
	ThreatNames []string `json:"threat_names,omitempty"`
	Severity    string   `json:"severity,omitempty"`
	FirstSeen   string   `json:"first_seen,omitempty"`
}

// NewLocalDBSource loads the hash database at path. The file maps lowercase
// hex digests to verdict entries.
func NewLocalDBSource(path string) (*LocalDBSource, error) {
	const op = "reputation.NewLocalDBSource"

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.E(errors.KindStorage, op, err)
	}

	entries := make(map[string]localEntry)
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, errors.E(errors.KindInvalidInput, op, fmt.Sprintf("parsing %s", path), err)
	}

	normalized := make(map[string]localEntry, len(entries))
	for hash, entry := range entries {
		normalized[strings.ToLower(hash)] = entry
	}
	return &LocalDBSource{entries: normalized, path: path}, nil
}

// NewStaticSource builds a local source from an in-memory map, keyed by
// lowercase hash.
func NewStaticSource(entries map[string]*scan.ReputationRecord) *LocalDBSource {
	converted := make(map[string]localEntry, len(entries))
	for hash, rec := range entries {
		converted[strings.ToLower(hash)] = localEntry{
			Score:       rec.Score,
			ThreatNames: rec.ThreatNames,
			Severity:    string(rec.Severity),
		}
	}
	return &LocalDBSource{entries: converted}
}

func (s *LocalDBSource) Name() string { return "local_db" }

// Count returns the number of known hashes.
func (s *LocalDBSource) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *LocalDBSource) Lookup(_ context.Context, hash string) (*scan.ReputationRecord, error) {
	s.mu.RLock()
	entry, ok := s.entries[strings.ToLower(hash)]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	rec := &scan.ReputationRecord{
		Hash:        strings.ToLower(hash),
		Score:       entry.Score,
		ThreatNames: entry.ThreatNames,
		Severity:    parseSeverity(entry.Severity),
		Source:      s.Name(),
	}
	if entry.FirstSeen != "" {
		if t, err := time.Parse(time.RFC3339, entry.FirstSeen); err == nil {
			rec.FirstSeen = t
		}
	}
	return rec, nil
}

// ===== PocketShield cloud API =====

// CloudSource queries the PocketShield reputation API: a GET per hash
// returning a JSON verdict, authenticated with an API key header.
type CloudSource struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewCloudSource creates a cloud API source.
func NewCloudSource(name, baseURL, apiKey string) *CloudSource {
	if name == "" {
		name = "pocketshield_cloud"
	}
	return &CloudSource{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *CloudSource) Name() string { return s.name }

type cloudVerdict struct {
	Hash        string   `json:"hash"`
	Score       int      `json:"score"`
	ThreatNames []string `json:"threat_names"`
	Severity    string   `json:"severity"`
	FirstSeen   string   `json:"first_seen"`
}

func (s *CloudSource) Lookup(ctx context.Context, hash string) (*scan.ReputationRecord, error) {
	const op = "reputation.CloudSource.Lookup"

	u := fmt.Sprintf("%s/v1/reputation/%s", s.baseURL, url.PathEscape(strings.ToLower(hash)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, errors.E(errors.KindInternal, op, err)
	}
	req.Header.Set("Accept", "application/json")
	if s.apiKey != "" {
		req.Header.Set("X-API-Key", s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errors.E(errors.KindReputationUnavailable, op, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, nil
	case http.StatusTooManyRequests:
		return nil, errors.E(errors.KindRateLimit, op, fmt.Sprintf("source %s throttled", s.name))
	default:
		return nil, errors.E(errors.KindReputationUnavailable, op,
			fmt.Sprintf("unexpected status %d from %s", resp.StatusCode, s.name))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, errors.E(errors.KindReputationUnavailable, op, err)
	}

	var verdict cloudVerdict
	if err := json.Unmarshal(body, &verdict); err != nil {
		return nil, errors.E(errors.KindReputationUnavailable, op, "malformed verdict payload", err)
	}

	rec := &scan.ReputationRecord{
		Hash:        strings.ToLower(hash),
		Score:       verdict.Score,
		ThreatNames: verdict.ThreatNames,
		Severity:    parseSeverity(verdict.Severity),
		Source:      s.name,
	}
	if verdict.FirstSeen != "" {
		if t, err := time.Parse(time.RFC3339, verdict.FirstSeen); err == nil {
			rec.FirstSeen = t
		}
	}
	return rec, nil
}

// ===== Sample exchange API =====

// ExchangeSource queries a malware sample exchange with a form-encoded POST,
// the MalwareBazaar wire shape. A hash that the exchange knows about is
// malicious by definition; score is derived from how it is tagged.
type ExchangeSource struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewExchangeSource creates a sample exchange source.
func NewExchangeSource(name, baseURL, apiKey string) *ExchangeSource {
	if name == "" {
		name = "sample_exchange"
	}
	return &ExchangeSource{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *ExchangeSource) Name() string { return s.name }

type exchangeResponse struct {
	QueryStatus string `json:"query_status"`
	Data        []struct {
		Signature string   `json:"signature"`
		FirstSeen string   `json:"first_seen"`
		Tags      []string `json:"tags"`
	} `json:"data"`
}

func (s *ExchangeSource) Lookup(ctx context.Context, hash string) (*scan.ReputationRecord, error) {
	const op = "reputation.ExchangeSource.Lookup"

	form := url.Values{}
	form.Set("query", "get_info")
	form.Set("hash", strings.ToLower(hash))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, errors.E(errors.KindInternal, op, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if s.apiKey != "" {
		req.Header.Set("Auth-Key", s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errors.E(errors.KindReputationUnavailable, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.E(errors.KindReputationUnavailable, op,
			fmt.Sprintf("unexpected status %d from %s", resp.StatusCode, s.name))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, errors.E(errors.KindReputationUnavailable, op, err)
	}

	var payload exchangeResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, errors.E(errors.KindReputationUnavailable, op, "malformed exchange payload", err)
	}

	switch payload.QueryStatus {
	case "ok":
	case "hash_not_found", "no_results":
		return nil, nil
	default:
		return nil, errors.E(errors.KindReputationUnavailable, op,
			fmt.Sprintf("query_status %q from %s", payload.QueryStatus, s.name))
	}
	if len(payload.Data) == 0 {
		return nil, nil
	}

	entry := payload.Data[0]
	rec := &scan.ReputationRecord{
		Hash:     strings.ToLower(hash),
		Score:    0,
		Severity: severity.Critical,
		Source:   s.name,
	}
	if entry.Signature != "" {
		rec.ThreatNames = []string{entry.Signature}
	}
	for _, tag := range entry.Tags {
		if tag != "" && tag != entry.Signature {
			rec.ThreatNames = append(rec.ThreatNames, tag)
		}
	}
	if entry.FirstSeen != "" {
		// The exchange timestamps are "2006-01-02 15:04:05" UTC.
		if t, err := time.Parse("2006-01-02 15:04:05", entry.FirstSeen); err == nil {
			rec.FirstSeen = t.UTC()
		}
	}
	return rec, nil
}

func parseSeverity(s string) severity.Level {
	if s == "" {
		return severity.Info
	}
	return severity.FromString(s)
}
