package hashing

import (
	"bytes"
	"strings"

	"github.com/pocketshield/scanengine/pkg/scan"
)

// sniffLen is how many leading bytes type detection needs. The tar
// magic sits at offset 257, everything else is in the first 16 bytes.
const sniffLen = 512

// File type names returned by Sniff.
const (
	TypeJPEG    = "jpeg"
	TypePNG     = "png"
	TypeGIF     = "gif"
	TypeZIP     = "zip"
	TypeGZIP    = "gzip"
	TypeZstd    = "zstd"
	TypeBzip2   = "bzip2"
	TypeTar     = "tar"
	TypeSevenZ  = "7z"
	TypeRAR     = "rar"
	TypeELF     = "elf"
	TypePE      = "pe"
	TypeMachO   = "macho"
	TypePDF     = "pdf"
	TypeScript  = "script"
	TypeUnknown = ""
)

type magicEntry struct {
	offset int
	magic  []byte
	typ    string
}

// Order matters: more specific magics first.
var magicTable = []magicEntry{
	{0, []byte{0xFF, 0xD8, 0xFF}, TypeJPEG},
	{0, []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}, TypePNG},
	{0, []byte("GIF87a"), TypeGIF},
	{0, []byte("GIF89a"), TypeGIF},
	{0, []byte{0x50, 0x4B, 0x03, 0x04}, TypeZIP},
	{0, []byte{0x50, 0x4B, 0x05, 0x06}, TypeZIP}, // empty archive
	{0, []byte{0x1F, 0x8B}, TypeGZIP},
	{0, []byte{0x28, 0xB5, 0x2F, 0xFD}, TypeZstd},
	{0, []byte("BZh"), TypeBzip2},
	{0, []byte{0x37, 0x7A, 0xBC, 0xAF, 0x27, 0x1C}, TypeSevenZ},
	{0, []byte("Rar!\x1a\x07"), TypeRAR},
	{0, []byte{0x7F, 0x45, 0x4C, 0x46}, TypeELF},
	{0, []byte("MZ"), TypePE},
	{0, []byte{0xFE, 0xED, 0xFA, 0xCE}, TypeMachO}, // 32-bit
	{0, []byte{0xFE, 0xED, 0xFA, 0xCF}, TypeMachO}, // 64-bit
	{0, []byte{0xCF, 0xFA, 0xED, 0xFE}, TypeMachO}, // 64-bit LE
	{0, []byte{0xCA, 0xFE, 0xBA, 0xBE}, TypeMachO}, // universal
	{0, []byte("%PDF"), TypePDF},
	{0, []byte("#!"), TypeScript},
	{257, []byte("ustar"), TypeTar},
}

// extensionTypes maps extensions to their expected content type.
var extensionTypes = map[string]string{
	"jpg": TypeJPEG, "jpeg": TypeJPEG,
	"png": TypePNG,
	"gif": TypeGIF,
	"zip": TypeZIP, "jar": TypeZIP, "apk": TypeZIP,
	"gz": TypeGZIP, "tgz": TypeGZIP,
	"zst": TypeZstd,
	"bz2": TypeBzip2,
	"tar": TypeTar,
	"7z":  TypeSevenZ,
	"rar": TypeRAR,
	"exe": TypePE, "dll": TypePE, "scr": TypePE, "com": TypePE,
	"so": TypeELF, "elf": TypeELF, "bin": TypeELF,
	"dylib": TypeMachO,
	"pdf":   TypePDF,
	"sh":    TypeScript,
}

// executableTypes are content types that can be directly executed.
var executableTypes = map[string]bool{
	TypeELF:   true,
	TypePE:    true,
	TypeMachO: true,
}

// DetectType returns the content type for the leading bytes of a file.
func DetectType(header []byte) string {
	for _, entry := range magicTable {
		end := entry.offset + len(entry.magic)
		if len(header) < end {
			continue
		}
		if bytes.Equal(header[entry.offset:end], entry.magic) {
			return entry.typ
		}
	}
	return TypeUnknown
}

// ExpectedType returns the content type implied by a file extension.
func ExpectedType(ext string) string {
	ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
	return extensionTypes[ext]
}

// IsArchiveType reports whether a detected type is a container the
// expander can open or recognize.
func IsArchiveType(typ string) bool {
	switch typ {
	case TypeZIP, TypeGZIP, TypeZstd, TypeTar, TypeSevenZ:
		return true
	}
	return false
}

// IsExecutableType reports whether a detected type can be directly executed.
func IsExecutableType(typ string) bool {
	return executableTypes[typ]
}

// Sniff compares the detected type of the header bytes against the type
// the extension claims. A detected executable whose extension does not
// claim an executable type is always flagged as a masquerade.
func Sniff(header []byte, ext string) scan.SniffResult {
	detected := DetectType(header)
	expected := ExpectedType(ext)

	res := scan.SniffResult{
		ExpectedType: expected,
		DetectedType: detected,
	}
	if expected != "" && detected != "" && expected != detected {
		res.Mismatch = true
	}
	if executableTypes[detected] && !executableTypes[expected] {
		res.Mismatch = true
		res.ExecutableMasquerade = true
	}
	return res
}
