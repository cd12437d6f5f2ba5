package archive

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/pocketshield/scanengine/pkg/errors"
	"github.com/pocketshield/scanengine/pkg/hashing"
	"github.com/pocketshield/scanengine/pkg/scan"
)

func writeArchiveFile(t *testing.T, dir, name string, data []byte) *scan.FileRecord {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	return &scan.FileRecord{
		Path:      path,
		Name:      name,
		Size:      int64(len(data)),
		Extension: scan.Ext(name),
		Source:    scan.SourceEnumerated,
	}
}

func buildZip(t *testing.T, entries map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, data := range entries {
		f, err := w.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := f.Write(data); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func buildTar(t *testing.T, entries map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := tar.NewWriter(&buf)
	for name, data := range entries {
		hdr := &tar.Header{Name: name, Mode: 0644, Size: int64(len(data))}
		if err := w.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write(data); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func zstdBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestExpandZip(t *testing.T) {
	dir := t.TempDir()
	data := buildZip(t, map[string][]byte{
		"inner.txt":     []byte("hello"),
		"sub/nested.sh": []byte("#!/bin/sh\necho hi\n"),
	})
	rec := writeArchiveFile(t, dir, "a.zip", data)

	e := New(DefaultConfig(), nil)
	x, err := e.Expand(context.Background(), rec, hashing.TypeZIP)
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	defer x.Cleanup()

	if len(x.Records) != 2 {
		t.Fatalf("got %d records, want 2", len(x.Records))
	}
	for _, inner := range x.Records {
		if inner.Source != scan.SourceExtracted {
			t.Errorf("%s: Source = %v", inner.Name, inner.Source)
		}
		if inner.ArchiveDepth != 1 {
			t.Errorf("%s: ArchiveDepth = %d, want 1", inner.Name, inner.ArchiveDepth)
		}
		if inner.ParentArchive != rec.Path {
			t.Errorf("%s: ParentArchive = %q", inner.Name, inner.ParentArchive)
		}
		if _, err := os.Stat(inner.Path); err != nil {
			t.Errorf("extracted file missing: %v", err)
		}
	}
	if x.ExtractedBytes == 0 {
		t.Error("ExtractedBytes = 0")
	}
}

func TestExpandCleanup(t *testing.T) {
	dir := t.TempDir()
	tempParent := t.TempDir()
	data := buildZip(t, map[string][]byte{"f.txt": []byte("x")})
	rec := writeArchiveFile(t, dir, "a.zip", data)

	cfg := DefaultConfig()
	cfg.TempDir = tempParent
	e := New(cfg, nil)

	x, err := e.Expand(context.Background(), rec, hashing.TypeZIP)
	if err != nil {
		t.Fatal(err)
	}
	x.Cleanup()

	entries, err := os.ReadDir(tempParent)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("temp dir not cleaned: %v", entries)
	}
}

func TestExpandNestingTooDeep(t *testing.T) {
	dir := t.TempDir()
	data := buildZip(t, map[string][]byte{"f.txt": []byte("x")})
	rec := writeArchiveFile(t, dir, "deep.zip", data)
	rec.ArchiveDepth = 10

	e := New(DefaultConfig(), nil)
	_, err := e.Expand(context.Background(), rec, hashing.TypeZIP)
	if errors.GetKind(err) != errors.KindNestingTooDeep {
		t.Errorf("kind = %v, want NestingTooDeep", errors.GetKind(err))
	}
}

func TestExpandBombRatio(t *testing.T) {
	dir := t.TempDir()
	tempParent := t.TempDir()

	// A megabyte of zeros compresses to well under 1% of its size.
	data := buildZip(t, map[string][]byte{"zeros.bin": make([]byte, 1<<20)})
	rec := writeArchiveFile(t, dir, "bomb.zip", data)

	cfg := DefaultConfig()
	cfg.MaxRatio = 100
	cfg.TempDir = tempParent
	e := New(cfg, nil)

	_, err := e.Expand(context.Background(), rec, hashing.TypeZIP)
	if errors.GetKind(err) != errors.KindArchiveBomb {
		t.Fatalf("kind = %v, want ArchiveBomb", errors.GetKind(err))
	}

	// The scoped dir must be gone on the error path.
	entries, _ := os.ReadDir(tempParent)
	if len(entries) != 0 {
		t.Errorf("temp dir left behind after guard trip: %v", entries)
	}
}

func TestExpandByteBudget(t *testing.T) {
	dir := t.TempDir()
	data := buildZip(t, map[string][]byte{"f.bin": bytes.Repeat([]byte("abcd1234"), 1024)})
	rec := writeArchiveFile(t, dir, "a.zip", data)

	cfg := DefaultConfig()
	cfg.MaxRatio = 0 // isolate the byte budget
	cfg.MaxExtractedBytes = 100
	e := New(cfg, nil)

	_, err := e.Expand(context.Background(), rec, hashing.TypeZIP)
	if errors.GetKind(err) != errors.KindArchiveBomb {
		t.Errorf("kind = %v, want ArchiveBomb", errors.GetKind(err))
	}
}

func TestExpandEntryCap(t *testing.T) {
	dir := t.TempDir()
	data := buildZip(t, map[string][]byte{
		"a.txt": []byte("a"),
		"b.txt": []byte("b"),
		"c.txt": []byte("c"),
	})
	rec := writeArchiveFile(t, dir, "many.zip", data)

	cfg := DefaultConfig()
	cfg.MaxEntries = 2
	e := New(cfg, nil)

	_, err := e.Expand(context.Background(), rec, hashing.TypeZIP)
	if errors.GetKind(err) != errors.KindArchiveBomb {
		t.Errorf("kind = %v, want ArchiveBomb", errors.GetKind(err))
	}
}

func TestExpandSevenZUnsupported(t *testing.T) {
	dir := t.TempDir()
	rec := writeArchiveFile(t, dir, "a.7z", []byte{0x37, 0x7A, 0xBC, 0xAF, 0x27, 0x1C, 0x00})

	e := New(DefaultConfig(), nil)
	_, err := e.Expand(context.Background(), rec, hashing.TypeSevenZ)
	if errors.GetKind(err) != errors.KindUnsupportedType {
		t.Errorf("kind = %v, want UnsupportedType", errors.GetKind(err))
	}
}

func TestExpandTarGz(t *testing.T) {
	dir := t.TempDir()
	tarData := buildTar(t, map[string][]byte{
		"one.txt": []byte("first"),
		"two.txt": []byte("second"),
	})
	rec := writeArchiveFile(t, dir, "a.tar.gz", gzipBytes(t, tarData))

	e := New(DefaultConfig(), nil)
	x, err := e.Expand(context.Background(), rec, hashing.TypeGZIP)
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	defer x.Cleanup()

	if len(x.Records) != 2 {
		t.Errorf("got %d records, want 2", len(x.Records))
	}
}

func TestExpandTarZstd(t *testing.T) {
	dir := t.TempDir()
	tarData := buildTar(t, map[string][]byte{"inner.bin": []byte("zstd payload")})
	rec := writeArchiveFile(t, dir, "a.tar.zst", zstdBytes(t, tarData))

	e := New(DefaultConfig(), nil)
	x, err := e.Expand(context.Background(), rec, hashing.TypeZstd)
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	defer x.Cleanup()

	if len(x.Records) != 1 || x.Records[0].Name != "inner.bin" {
		t.Errorf("records = %+v", x.Records)
	}
}

func TestExpandPlainGzip(t *testing.T) {
	dir := t.TempDir()
	rec := writeArchiveFile(t, dir, "notes.txt.gz", gzipBytes(t, []byte("plain text inside")))

	e := New(DefaultConfig(), nil)
	x, err := e.Expand(context.Background(), rec, hashing.TypeGZIP)
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	defer x.Cleanup()

	if len(x.Records) != 1 {
		t.Fatalf("got %d records, want 1", len(x.Records))
	}
	if x.Records[0].Name != "notes.txt" {
		t.Errorf("inner name = %q, want notes.txt", x.Records[0].Name)
	}
	content, err := os.ReadFile(x.Records[0].Path)
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "plain text inside" {
		t.Errorf("content = %q", content)
	}
}

func TestExpandZipSlipSkipped(t *testing.T) {
	dir := t.TempDir()

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	f, err := w.CreateHeader(&zip.FileHeader{Name: "../escape.txt"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write([]byte("evil")); err != nil {
		t.Fatal(err)
	}
	safe, _ := w.Create("ok.txt")
	_, _ = safe.Write([]byte("fine"))
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	rec := writeArchiveFile(t, dir, "slip.zip", buf.Bytes())
	e := New(DefaultConfig(), nil)
	x, err := e.Expand(context.Background(), rec, hashing.TypeZIP)
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	defer x.Cleanup()

	if len(x.Records) != 1 || x.Records[0].Name != "ok.txt" {
		t.Errorf("records = %+v, want just ok.txt", x.Records)
	}
	if _, err := os.Stat(filepath.Join(dir, "..", "escape.txt")); err == nil {
		t.Error("zip-slip entry escaped the scoped dir")
	}
}

func TestCanExpand(t *testing.T) {
	e := New(nil, nil)
	for _, typ := range []string{hashing.TypeZIP, hashing.TypeTar, hashing.TypeGZIP, hashing.TypeZstd} {
		if !e.CanExpand(typ) {
			t.Errorf("CanExpand(%q) = false", typ)
		}
	}
	for _, typ := range []string{hashing.TypeSevenZ, hashing.TypeRAR, hashing.TypeELF, ""} {
		if e.CanExpand(typ) {
			t.Errorf("CanExpand(%q) = true", typ)
		}
	}
}
