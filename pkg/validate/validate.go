// Package validate implements the pre-filter stage of the scan pipeline.
// Validation is pure: it looks only at the enumerated file record, never at
// file contents, so rejected files cost no I/O.
package validate

import (
	"fmt"
	"strings"

	"github.com/pocketshield/scanengine/pkg/errors"
	"github.com/pocketshield/scanengine/pkg/scan"
)

// Config configures the validator.
type Config struct {
	// MaxFileSize rejects files larger than this many bytes (0 = no limit).
	MaxFileSize int64

	// Extensions limits scanning to these extensions (empty = all).
	// Entries are compared case-insensitively, with or without the dot.
	Extensions []string

	// TransientExtensions rejects transient and system files by extension
	// (nil = defaults, empty slice = disabled).
	TransientExtensions []string

	// SkipEmpty rejects zero-byte files.
	SkipEmpty bool
}

// DefaultConfig returns the default validator configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxFileSize:         512 * 1024 * 1024,
		TransientExtensions: []string{"tmp", "temp", "lock", "swp", "swx", "cache", "part", "crdownload"},
		SkipEmpty:           true,
	}
}

// Validator decides which enumerated files enter the pipeline.
type Validator struct {
	cfg        *Config
	extensions map[string]bool
	transient  map[string]bool
}

// New creates a validator.
func New(cfg *Config) *Validator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.TransientExtensions == nil {
		cfg.TransientExtensions = DefaultConfig().TransientExtensions
	}
	v := &Validator{
		cfg:       cfg,
		transient: make(map[string]bool, len(cfg.TransientExtensions)),
	}
	if len(cfg.Extensions) > 0 {
		v.extensions = make(map[string]bool, len(cfg.Extensions))
		for _, ext := range cfg.Extensions {
			v.extensions[normalizeExt(ext)] = true
		}
	}
	for _, ext := range cfg.TransientExtensions {
		v.transient[normalizeExt(ext)] = true
	}
	return v
}

// Validate returns nil when the file should be scanned, or a typed error
// naming the rejection reason. Rejections are never session-fatal.
func (v *Validator) Validate(rec *scan.FileRecord) error {
	const op = "validate.Validate"

	if rec.Path == "" {
		return errors.E(errors.KindInvalidInput, op, "empty path")
	}
	if rec.Size < 0 {
		return errors.E(errors.KindInvalidInput, op, "negative size")
	}
	if v.cfg.SkipEmpty && rec.Size == 0 {
		return errors.WithPath(errors.KindInvalidInput, op, rec.Path, errors.New("empty file"))
	}
	if v.cfg.MaxFileSize > 0 && rec.Size > v.cfg.MaxFileSize {
		return errors.WithPath(errors.KindFileTooLarge, op, rec.Path,
			fmt.Errorf("size %d exceeds limit %d", rec.Size, v.cfg.MaxFileSize))
	}
	if v.transient[normalizeExt(rec.Extension)] {
		return errors.WithPath(errors.KindUnsupportedType, op, rec.Path,
			fmt.Errorf("transient file extension %q: %w", rec.Extension, errTransientFile))
	}
	if v.extensions != nil && !v.extensions[normalizeExt(rec.Extension)] {
		return errors.WithPath(errors.KindUnsupportedType, op, rec.Path,
			fmt.Errorf("extension %q not in scan set", rec.Extension))
	}
	return nil
}

// errTransientFile distinguishes the transient-pattern rejection from the
// extension allowlist one, which shares its kind.
var errTransientFile = errors.New("transient file")

// Reason returns a short audit label for a rejection error.
func Reason(err error) string {
	if errors.Is(err, errTransientFile) {
		return "transient"
	}
	switch errors.GetKind(err) {
	case errors.KindFileTooLarge:
		return "too_large"
	case errors.KindUnsupportedType:
		return "extension_excluded"
	case errors.KindInvalidInput:
		return "invalid"
	default:
		return "rejected"
	}
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	return strings.TrimPrefix(ext, ".")
}
