// Package enumerate walks scan roots and emits file records into the
// pipeline. Enumeration is lazy and restartable: the walk order is lexical,
// so the last emitted path doubles as an opaque resume cursor.
package enumerate

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pocketshield/scanengine/pkg/errors"
	"github.com/pocketshield/scanengine/pkg/logging"
	"github.com/pocketshield/scanengine/pkg/scan"
)

// Config configures the enumerator.
type Config struct {
	// Roots are the directories to walk.
	Roots []string

	// ExcludeDirs are directory names skipped entirely.
	ExcludeDirs []string

	// TrustedRoots mark files under them as coming from a trusted origin.
	TrustedRoots []string

	// MaxFiles is a soft cap on emitted files (0 = unlimited). When hit,
	// enumeration stops cleanly and the session completes normally.
	MaxFiles int

	// ResumeAfter skips all paths at or before this cursor.
	ResumeAfter string

	// CheckpointEvery invokes the checkpoint callback after this many
	// emitted files.
	CheckpointEvery int

	// FollowSymlinks enables following symbolic links to files.
	FollowSymlinks bool
}

// DefaultConfig returns the default enumerator configuration.
func DefaultConfig() *Config {
	return &Config{
		ExcludeDirs:     []string{".git", "node_modules", "proc", "sys"},
		CheckpointEvery: 256,
	}
}

// CheckpointFunc persists enumeration progress. Errors are logged and
// ignored; losing a checkpoint only costs re-enumeration on resume.
type CheckpointFunc func(root, cursor string, enumerated int)

// Stats summarizes one enumeration run.
type Stats struct {
	Enumerated int
	Skipped    int // permission-denied and unreadable entries
	Capped     bool
}

// Enumerator walks roots and emits file records.
type Enumerator struct {
	cfg        *Config
	logger     logging.Logger
	checkpoint CheckpointFunc
	exclude    map[string]bool
}

// Option configures the enumerator.
type Option func(*Enumerator)

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(e *Enumerator) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithCheckpoint sets the checkpoint callback.
func WithCheckpoint(fn CheckpointFunc) Option {
	return func(e *Enumerator) { e.checkpoint = fn }
}

// New creates an enumerator.
func New(cfg *Config, opts ...Option) *Enumerator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.CheckpointEvery <= 0 {
		cfg.CheckpointEvery = 256
	}
	e := &Enumerator{
		cfg:     cfg,
		logger:  logging.NewNopLogger(),
		exclude: make(map[string]bool, len(cfg.ExcludeDirs)),
	}
	for _, d := range cfg.ExcludeDirs {
		e.exclude[d] = true
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// errStopWalk aborts the walk once the soft cap has been reached.
var errStopWalk = errors.New("enumeration cap reached")

// Run walks every configured root in order, invoking emit for each file
// that survives the cursor and exclusion checks. Unreadable entries are
// skipped and counted, never fatal. The context is checked per entry.
func (e *Enumerator) Run(ctx context.Context, emit func(*scan.FileRecord)) (*Stats, error) {
	const op = "enumerate.Run"
	stats := &Stats{}

	if len(e.cfg.Roots) == 0 {
		return nil, errors.E(errors.KindInvalidInput, op, "no scan roots configured")
	}

	for _, root := range e.cfg.Roots {
		root := filepath.Clean(root)
		if _, err := os.Stat(root); err != nil {
			return stats, errors.WithPath(errors.KindInvalidInput, op, root, err)
		}

		walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			if err != nil {
				stats.Skipped++
				e.logger.Debug("skipping unreadable entry %s: %v", path, err)
				if d != nil && d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}

			if d.IsDir() {
				if path != root && e.exclude[d.Name()] {
					return fs.SkipDir
				}
				return nil
			}

			if !d.Type().IsRegular() {
				if d.Type()&fs.ModeSymlink != 0 && e.cfg.FollowSymlinks {
					return e.emitSymlink(path, root, stats, emit)
				}
				return nil
			}

			// Cursor check: the walk is lexical, so anything at or
			// before the cursor was already emitted last time.
			if e.cfg.ResumeAfter != "" && path <= e.cfg.ResumeAfter {
				return nil
			}

			info, err := d.Info()
			if err != nil {
				stats.Skipped++
				e.logger.Debug("skipping %s: %v", path, err)
				return nil
			}

			e.emitRecord(path, root, info, stats, emit)

			if e.cfg.MaxFiles > 0 && stats.Enumerated >= e.cfg.MaxFiles {
				stats.Capped = true
				return errStopWalk
			}
			return nil
		})

		if walkErr != nil {
			if errors.Is(walkErr, errStopWalk) {
				e.logger.Info("enumeration stopped at soft cap of %d files", e.cfg.MaxFiles)
				return stats, nil
			}
			if ctx.Err() != nil {
				return stats, errors.E(errors.KindCancelled, op, ctx.Err())
			}
			return stats, errors.WithPath(errors.KindUnknown, op, root, walkErr)
		}
	}

	return stats, nil
}

func (e *Enumerator) emitSymlink(path, root string, stats *Stats, emit func(*scan.FileRecord)) error {
	target, err := os.Stat(path)
	if err != nil || !target.Mode().IsRegular() {
		stats.Skipped++
		return nil
	}
	if e.cfg.ResumeAfter != "" && path <= e.cfg.ResumeAfter {
		return nil
	}
	e.emitRecord(path, root, target, stats, emit)
	if e.cfg.MaxFiles > 0 && stats.Enumerated >= e.cfg.MaxFiles {
		stats.Capped = true
		return errStopWalk
	}
	return nil
}

func (e *Enumerator) emitRecord(path, root string, info fs.FileInfo, stats *Stats, emit func(*scan.FileRecord)) {
	rec := &scan.FileRecord{
		Path:          path,
		Name:          info.Name(),
		Size:          info.Size(),
		Extension:     scan.Ext(path),
		Source:        scan.SourceEnumerated,
		ModifiedAt:    info.ModTime(),
		TrustedOrigin: e.trusted(path),
	}
	emit(rec)
	stats.Enumerated++

	if e.checkpoint != nil && stats.Enumerated%e.cfg.CheckpointEvery == 0 {
		e.checkpoint(root, path, stats.Enumerated)
	}
}

func (e *Enumerator) trusted(path string) bool {
	for _, tr := range e.cfg.TrustedRoots {
		tr = filepath.Clean(tr)
		if path == tr || strings.HasPrefix(path, tr+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
