// Package quarantine isolates flagged files in an encrypted vault. Payloads
// are sealed with XChaCha20-Poly1305 so a quarantined sample can never run
// or be picked up by another scanner, and a sidecar metadata file keeps
// enough context to restore the original.
package quarantine

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/pocketshield/scanengine/pkg/errors"
	"github.com/pocketshield/scanengine/pkg/logging"
)

const (
	payloadExt  = ".bin"
	metadataExt = ".json"
)

// Config configures the quarantine vault.
type Config struct {
	// Dir is the vault directory. Created with mode 0700 if missing.
	Dir string `yaml:"dir"`

	// KeyFile holds the hex-encoded 32-byte vault key. When the file does
	// not exist a fresh key is generated and written there.
	KeyFile string `yaml:"key_file"`
}

// DefaultConfig returns the default quarantine configuration.
func DefaultConfig() *Config {
	return &Config{
		Dir:     "/var/lib/pocketshield/quarantine",
		KeyFile: "/var/lib/pocketshield/quarantine.key",
	}
}

// Entry describes one quarantined file.
type Entry struct {
	// ID is the vault-assigned identifier.
	ID string `json:"id"`

	// OriginalPath is where the file lived before quarantine.
	OriginalPath string `json:"original_path"`

	// Digest and Algorithm identify the quarantined content.
	Digest    string `json:"digest,omitempty"`
	Algorithm string `json:"algorithm,omitempty"`

	// Size is the plaintext size in bytes.
	Size int64 `json:"size"`

	// SessionID is the scan session that quarantined the file.
	SessionID string `json:"session_id,omitempty"`

	// Reason explains why the file was quarantined.
	Reason string `json:"reason,omitempty"`

	// QuarantinedAt is when the file entered the vault.
	QuarantinedAt time.Time `json:"quarantined_at"`
}

// Vault is an encrypted quarantine store.
type Vault struct {
	cfg    *Config
	aead   cipher.AEAD
	logger logging.Logger
}

// Option configures the vault.
type Option func(*Vault)

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(v *Vault) {
		if l != nil {
			v.logger = l
		}
	}
}

// New opens (or initializes) the vault at cfg.Dir.
func New(cfg *Config, opts ...Option) (*Vault, error) {
	const op = "quarantine.New"

	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Dir == "" {
		return nil, errors.E(errors.KindInvalidInput, op, "quarantine directory not set")
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, errors.E(errors.KindQuarantineWrite, op, err)
	}

	key, err := loadOrCreateKey(cfg.KeyFile)
	if err != nil {
		return nil, errors.E(errors.KindQuarantineWrite, op, err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, errors.E(errors.KindInternal, op, err)
	}

	v := &Vault{
		cfg:    cfg,
		aead:   aead,
		logger: logging.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// loadOrCreateKey reads the hex-encoded vault key, generating one when the
// key file does not exist yet.
func loadOrCreateKey(path string) ([]byte, error) {
	if path == "" {
		// Ephemeral key: entries from previous runs cannot be restored.
		key := make([]byte, chacha20poly1305.KeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, err
		}
		return key, nil
	}

	data, err := os.ReadFile(path)
	if err == nil {
		key, decErr := hex.DecodeString(strings.TrimSpace(string(data)))
		if decErr != nil {
			return nil, fmt.Errorf("decoding key file %s: %w", path, decErr)
		}
		if len(key) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("key file %s: got %d bytes, want %d", path, len(key), chacha20poly1305.KeySize)
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key)), 0o600); err != nil {
		return nil, err
	}
	return key, nil
}

// Quarantine seals the file at path into the vault and removes the original.
// The entry's Digest, Algorithm, SessionID and Reason come from the caller.
func (v *Vault) Quarantine(path string, entry Entry) (*Entry, error) {
	const op = "quarantine.Quarantine"

	plaintext, err := os.ReadFile(path)
	if err != nil {
		if os.IsPermission(err) {
			return nil, errors.WithPath(errors.KindPermissionDenied, op, path, err)
		}
		return nil, errors.WithPath(errors.KindQuarantineWrite, op, path, err)
	}

	entry.ID = uuid.New().String()
	entry.OriginalPath = path
	entry.Size = int64(len(plaintext))
	entry.QuarantinedAt = time.Now().UTC()

	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.E(errors.KindInternal, op, err)
	}
	sealed := v.aead.Seal(nonce, nonce, plaintext, []byte(entry.ID))

	payloadPath := filepath.Join(v.cfg.Dir, entry.ID+payloadExt)
	if err := os.WriteFile(payloadPath, sealed, 0o600); err != nil {
		return nil, errors.WithPath(errors.KindQuarantineWrite, op, payloadPath, err)
	}

	metaPath := filepath.Join(v.cfg.Dir, entry.ID+metadataExt)
	meta, err := json.MarshalIndent(&entry, "", "  ")
	if err != nil {
		os.Remove(payloadPath)
		return nil, errors.E(errors.KindInternal, op, err)
	}
	if err := os.WriteFile(metaPath, meta, 0o600); err != nil {
		os.Remove(payloadPath)
		return nil, errors.WithPath(errors.KindQuarantineWrite, op, metaPath, err)
	}

	if err := os.Remove(path); err != nil {
		v.logger.Warn("quarantined %s but could not remove original: %v", path, err)
	}

	v.logger.Info("quarantined %s as %s", path, entry.ID)
	return &entry, nil
}

// List returns all vault entries, newest first.
func (v *Vault) List() ([]Entry, error) {
	const op = "quarantine.List"

	names, err := filepath.Glob(filepath.Join(v.cfg.Dir, "*"+metadataExt))
	if err != nil {
		return nil, errors.E(errors.KindInternal, op, err)
	}

	entries := make([]Entry, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(name)
		if err != nil {
			v.logger.Warn("unreadable quarantine metadata %s: %v", name, err)
			continue
		}
		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			v.logger.Warn("corrupt quarantine metadata %s: %v", name, err)
			continue
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].QuarantinedAt.After(entries[j].QuarantinedAt)
	})
	return entries, nil
}

// Get returns one entry by id.
func (v *Vault) Get(id string) (*Entry, error) {
	const op = "quarantine.Get"

	data, err := os.ReadFile(filepath.Join(v.cfg.Dir, id+metadataExt))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.E(errors.KindInvalidInput, op, fmt.Sprintf("no quarantine entry %s", id))
		}
		return nil, errors.E(errors.KindQuarantineWrite, op, err)
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, errors.E(errors.KindInternal, op, fmt.Sprintf("corrupt metadata for %s", id), err)
	}
	return &entry, nil
}

// Restore decrypts an entry back to destPath. An empty destPath restores to
// the original location. The vault entry is kept; pair with Purge to drop it.
func (v *Vault) Restore(id, destPath string) (string, error) {
	const op = "quarantine.Restore"

	entry, err := v.Get(id)
	if err != nil {
		return "", err
	}
	if destPath == "" {
		destPath = entry.OriginalPath
	}

	sealed, err := os.ReadFile(filepath.Join(v.cfg.Dir, id+payloadExt))
	if err != nil {
		return "", errors.E(errors.KindQuarantineWrite, op, fmt.Sprintf("missing payload for %s", id), err)
	}
	if len(sealed) < v.aead.NonceSize() {
		return "", errors.E(errors.KindInternal, op, fmt.Sprintf("truncated payload for %s", id))
	}

	nonce, ciphertext := sealed[:v.aead.NonceSize()], sealed[v.aead.NonceSize():]
	plaintext, err := v.aead.Open(nil, nonce, ciphertext, []byte(id))
	if err != nil {
		return "", errors.E(errors.KindInternal, op, fmt.Sprintf("decrypting %s", id), err)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return "", errors.WithPath(errors.KindQuarantineWrite, op, destPath, err)
	}
	if err := os.WriteFile(destPath, plaintext, 0o600); err != nil {
		return "", errors.WithPath(errors.KindQuarantineWrite, op, destPath, err)
	}

	v.logger.Info("restored %s to %s", id, destPath)
	return destPath, nil
}

// Purge permanently deletes an entry and its payload.
func (v *Vault) Purge(id string) error {
	const op = "quarantine.Purge"

	if _, err := v.Get(id); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(v.cfg.Dir, id+payloadExt)); err != nil && !os.IsNotExist(err) {
		return errors.E(errors.KindQuarantineWrite, op, err)
	}
	if err := os.Remove(filepath.Join(v.cfg.Dir, id+metadataExt)); err != nil {
		return errors.E(errors.KindQuarantineWrite, op, err)
	}

	v.logger.Info("purged quarantine entry %s", id)
	return nil
}

// Dir returns the vault directory.
func (v *Vault) Dir() string { return v.cfg.Dir }
