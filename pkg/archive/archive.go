// Package archive expands container files (zip family, tar, compressed tar)
// into scoped temp directories so inner entries flow through the same scan
// pipeline as enumerated files.
//
// Expansion is guarded: nesting depth, compression ratio, cumulative
// extracted bytes and entry count are all bounded, and a tripped guard
// surfaces as a typed error the pipeline turns into a finding.
package archive

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/pocketshield/scanengine/pkg/errors"
	"github.com/pocketshield/scanengine/pkg/hashing"
	"github.com/pocketshield/scanengine/pkg/logging"
	"github.com/pocketshield/scanengine/pkg/scan"
)

// Config configures the expander.
type Config struct {
	// MaxDepth bounds archive-in-archive nesting.
	MaxDepth int

	// MaxRatio trips the bomb guard when extracted/compressed exceeds it.
	MaxRatio float64

	// MaxExtractedBytes bounds cumulative bytes extracted from one archive.
	MaxExtractedBytes int64

	// MaxEntries bounds the number of entries expanded from one archive.
	MaxEntries int

	// TempDir is the parent for scoped extraction dirs ("" = system default).
	TempDir string
}

// DefaultConfig returns the default expander configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxDepth:          10,
		MaxRatio:          100,
		MaxExtractedBytes: 1 << 30,
		MaxEntries:        10000,
	}
}

// Expansion is the result of expanding one archive. Cleanup must be called
// once the inner records have been processed.
type Expansion struct {
	// Records are the extracted inner files, ready for the pipeline.
	Records []*scan.FileRecord

	// ExtractedBytes is the total uncompressed size written.
	ExtractedBytes int64

	dir string
}

// Cleanup removes the scoped extraction directory.
func (x *Expansion) Cleanup() {
	if x != nil && x.dir != "" {
		_ = os.RemoveAll(x.dir)
	}
}

// Expander expands archives with bomb and nesting guards.
type Expander struct {
	cfg    *Config
	logger logging.Logger
}

// New creates an expander.
func New(cfg *Config, logger logging.Logger) *Expander {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Expander{cfg: cfg, logger: logger}
}

// CanExpand reports whether the detected type is a container this expander
// opens. 7z is recognized by magic but deliberately not expanded.
func (e *Expander) CanExpand(detectedType string) bool {
	switch detectedType {
	case hashing.TypeZIP, hashing.TypeTar, hashing.TypeGZIP, hashing.TypeZstd:
		return true
	}
	return false
}

// Expand extracts the archive into a scoped temp dir and returns the inner
// file records. The temp dir is removed on every error path; on success the
// caller owns it via Expansion.Cleanup.
//
// Guard trips return typed errors: KindNestingTooDeep when the file already
// sits at max depth, KindArchiveBomb for ratio or budget violations,
// KindUnsupportedType for recognized-but-unsupported containers.
func (e *Expander) Expand(ctx context.Context, rec *scan.FileRecord, detectedType string) (*Expansion, error) {
	const op = "archive.Expand"

	if rec.ArchiveDepth >= e.cfg.MaxDepth {
		return nil, errors.WithPath(errors.KindNestingTooDeep, op, rec.Path,
			fmt.Errorf("archive at depth %d, max %d", rec.ArchiveDepth, e.cfg.MaxDepth))
	}
	if detectedType == hashing.TypeSevenZ {
		return nil, errors.WithPath(errors.KindUnsupportedType, op, rec.Path,
			errors.New("7z containers are recognized but not expanded"))
	}
	if !e.CanExpand(detectedType) {
		return nil, errors.WithPath(errors.KindUnsupportedType, op, rec.Path,
			fmt.Errorf("not an expandable container: %q", detectedType))
	}

	dir, err := os.MkdirTemp(e.cfg.TempDir, "scanengine-expand-*")
	if err != nil {
		return nil, errors.E(errors.KindStorage, op, err)
	}

	x := &Expansion{dir: dir}
	switch detectedType {
	case hashing.TypeZIP:
		err = e.expandZip(ctx, rec, x)
	default:
		err = e.expandStream(ctx, rec, detectedType, x)
	}
	if err != nil {
		x.Cleanup()
		return nil, err
	}

	e.logger.Debug("expanded %s: %d entries, %d bytes", rec.Path, len(x.Records), x.ExtractedBytes)
	return x, nil
}

// budget tracks cumulative extraction against the ratio and byte guards.
type budget struct {
	compressedSize int64
	maxRatio       float64
	maxBytes       int64
	written        int64
}

func (b *budget) add(n int64) error {
	b.written += n
	if b.maxBytes > 0 && b.written > b.maxBytes {
		return fmt.Errorf("extracted %d bytes exceeds budget %d", b.written, b.maxBytes)
	}
	if b.maxRatio > 0 && b.compressedSize > 0 {
		if float64(b.written) > b.maxRatio*float64(b.compressedSize) {
			return fmt.Errorf("expansion ratio %.0fx exceeds limit %.0fx",
				float64(b.written)/float64(b.compressedSize), b.maxRatio)
		}
	}
	return nil
}

func (e *Expander) newBudget(rec *scan.FileRecord) *budget {
	return &budget{
		compressedSize: rec.Size,
		maxRatio:       e.cfg.MaxRatio,
		maxBytes:       e.cfg.MaxExtractedBytes,
	}
}

func (e *Expander) expandZip(ctx context.Context, rec *scan.FileRecord, x *Expansion) error {
	const op = "archive.expandZip"

	zr, err := zip.OpenReader(rec.Path)
	if err != nil {
		// Insecure entry names are skipped per entry by securePath.
		if zr == nil || !errors.Is(err, zip.ErrInsecurePath) {
			return errors.WithPath(errors.KindInvalidInput, op, rec.Path, err)
		}
	}
	defer zr.Close()

	b := e.newBudget(rec)
	for _, f := range zr.File {
		select {
		case <-ctx.Done():
			return errors.E(errors.KindCancelled, op, ctx.Err())
		default:
		}

		if f.FileInfo().IsDir() {
			continue
		}
		if e.cfg.MaxEntries > 0 && len(x.Records) >= e.cfg.MaxEntries {
			return errors.WithPath(errors.KindArchiveBomb, op, rec.Path,
				fmt.Errorf("more than %d entries", e.cfg.MaxEntries))
		}

		// Fail fast on declared sizes; the real guard runs on written bytes.
		if err := checkDeclared(b, int64(f.UncompressedSize64)); err != nil {
			return errors.WithPath(errors.KindArchiveBomb, op, rec.Path, err)
		}

		rc, err := f.Open()
		if err != nil {
			e.logger.Debug("skipping zip entry %s: %v", f.Name, err)
			continue
		}
		written, entryErr := e.writeEntry(rec, x, b, f.Name, rc)
		rc.Close()
		if entryErr != nil {
			return entryErr
		}
		x.ExtractedBytes += written
	}
	return nil
}

// expandStream handles tar and compressed (gzip, zstd) inputs. A compressed
// stream that is not a tar inside is extracted as a single file.
func (e *Expander) expandStream(ctx context.Context, rec *scan.FileRecord, detectedType string, x *Expansion) error {
	const op = "archive.expandStream"

	f, err := os.Open(rec.Path)
	if err != nil {
		return errors.WithPath(errors.KindInvalidInput, op, rec.Path, err)
	}
	defer f.Close()

	var r io.Reader = f
	switch detectedType {
	case hashing.TypeGZIP:
		gz, err := gzip.NewReader(f)
		if err != nil {
			return errors.WithPath(errors.KindInvalidInput, op, rec.Path, err)
		}
		defer gz.Close()
		r = gz
	case hashing.TypeZstd:
		zr, err := zstd.NewReader(f)
		if err != nil {
			return errors.WithPath(errors.KindInvalidInput, op, rec.Path, err)
		}
		defer zr.Close()
		r = zr
	}

	b := e.newBudget(rec)

	if detectedType == hashing.TypeTar {
		return e.expandTar(ctx, rec, x, b, r)
	}

	// Peek the decompressed stream: tar.gz / tar.zst expand per entry,
	// a plain compressed file extracts whole.
	head := make([]byte, 512)
	n, _ := io.ReadFull(r, head)
	joined := io.MultiReader(bytes.NewReader(head[:n]), r)
	if hashing.DetectType(head[:n]) == hashing.TypeTar {
		return e.expandTar(ctx, rec, x, b, joined)
	}

	inner := strings.TrimSuffix(rec.Name, filepath.Ext(rec.Name))
	if inner == "" || inner == rec.Name {
		inner = rec.Name + ".out"
	}
	written, err := e.writeEntry(rec, x, b, inner, joined)
	if err != nil {
		return err
	}
	x.ExtractedBytes += written
	return nil
}

func (e *Expander) expandTar(ctx context.Context, rec *scan.FileRecord, x *Expansion, b *budget, r io.Reader) error {
	const op = "archive.expandTar"

	tr := tar.NewReader(r)
	for {
		select {
		case <-ctx.Done():
			return errors.E(errors.KindCancelled, op, ctx.Err())
		default:
		}

		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil && !errors.Is(err, tar.ErrInsecurePath) {
			return errors.WithPath(errors.KindInvalidInput, op, rec.Path, err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if e.cfg.MaxEntries > 0 && len(x.Records) >= e.cfg.MaxEntries {
			return errors.WithPath(errors.KindArchiveBomb, op, rec.Path,
				fmt.Errorf("more than %d entries", e.cfg.MaxEntries))
		}
		if err := checkDeclared(b, hdr.Size); err != nil {
			return errors.WithPath(errors.KindArchiveBomb, op, rec.Path, err)
		}

		written, entryErr := e.writeEntry(rec, x, b, hdr.Name, tr)
		if entryErr != nil {
			return entryErr
		}
		x.ExtractedBytes += written
	}
}

// checkDeclared fails fast when an entry's declared size alone would bust
// the budget, without trusting it for anything else.
func checkDeclared(b *budget, declared int64) error {
	if declared <= 0 {
		return nil
	}
	if b.maxBytes > 0 && b.written+declared > b.maxBytes {
		return fmt.Errorf("declared entry size %d exceeds remaining budget", declared)
	}
	if b.maxRatio > 0 && b.compressedSize > 0 {
		if float64(b.written+declared) > b.maxRatio*float64(b.compressedSize) {
			return fmt.Errorf("declared expansion ratio exceeds limit %.0fx", b.maxRatio)
		}
	}
	return nil
}

// writeEntry copies one entry into the scoped dir, enforcing the byte and
// ratio guards on actual written bytes, and records the inner file.
func (e *Expander) writeEntry(parent *scan.FileRecord, x *Expansion, b *budget, name string, r io.Reader) (int64, error) {
	const op = "archive.writeEntry"

	dest, err := securePath(x.dir, name)
	if err != nil {
		e.logger.Warn("skipping archive entry with unsafe path %q in %s", name, parent.Path)
		return 0, nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return 0, errors.E(errors.KindStorage, op, err)
	}

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return 0, errors.E(errors.KindStorage, op, err)
	}

	var written int64
	buf := make([]byte, 64*1024)
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			if err := b.add(int64(n)); err != nil {
				out.Close()
				_ = os.Remove(dest)
				return written, errors.WithPath(errors.KindArchiveBomb, op, parent.Path, err)
			}
			if _, werr := out.Write(buf[:n]); werr != nil {
				out.Close()
				return written, errors.E(errors.KindStorage, op, werr)
			}
			written += int64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			out.Close()
			return written, errors.WithPath(errors.KindInvalidInput, op, parent.Path, rerr)
		}
	}
	if err := out.Close(); err != nil {
		return written, errors.E(errors.KindStorage, op, err)
	}

	info, err := os.Stat(dest)
	if err != nil {
		return written, errors.E(errors.KindStorage, op, err)
	}

	x.Records = append(x.Records, &scan.FileRecord{
		Path:          dest,
		Name:          filepath.Base(dest),
		Size:          info.Size(),
		Extension:     scan.Ext(dest),
		Source:        scan.SourceExtracted,
		ArchiveDepth:  parent.ArchiveDepth + 1,
		ParentArchive: parent.Path,
		ModifiedAt:    info.ModTime(),
		TrustedOrigin: parent.TrustedOrigin,
	})
	return written, nil
}

// securePath joins an archive entry name under dir, rejecting entries that
// would escape it (zip-slip).
func securePath(dir, name string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("unsafe entry path %q", name)
	}
	dest := filepath.Join(dir, cleaned)
	if !strings.HasPrefix(dest, filepath.Clean(dir)+string(filepath.Separator)) {
		return "", fmt.Errorf("unsafe entry path %q", name)
	}
	return dest, nil
}
