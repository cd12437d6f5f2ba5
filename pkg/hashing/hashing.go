// Package hashing computes file digests and sniffs content types from
// magic bytes. Both run in a single pass over the file so each scanned
// file is read exactly once before signature matching.
package hashing

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"

	"github.com/pocketshield/scanengine/pkg/errors"
	"github.com/pocketshield/scanengine/pkg/scan"
)

// Algorithm names accepted by the engine.
const (
	AlgoSHA256 = "sha256"
	AlgoSHA1   = "sha1"
	AlgoMD5    = "md5"
)

// Config configures the hash engine.
type Config struct {
	// Algorithm selects the digest (sha256, sha1, md5).
	Algorithm string

	// ChunkSize is the streaming read size for large files.
	ChunkSize int

	// SmallFileThreshold reads files below this size in one call.
	SmallFileThreshold int64
}

// DefaultConfig returns the default hash engine configuration.
func DefaultConfig() *Config {
	return &Config{
		Algorithm:          AlgoSHA256,
		ChunkSize:          4 * 1024 * 1024,
		SmallFileThreshold: 1 * 1024 * 1024,
	}
}

// Engine hashes files and sniffs their content type.
type Engine struct {
	cfg *Config
}

// New creates a hash engine. An unknown algorithm is an error.
func New(cfg *Config) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Algorithm == "" {
		cfg.Algorithm = AlgoSHA256
	}
	switch cfg.Algorithm {
	case AlgoSHA256, AlgoSHA1, AlgoMD5:
	default:
		return nil, errors.E(errors.KindInvalidInput, "hashing.New",
			fmt.Sprintf("unsupported algorithm %q", cfg.Algorithm))
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultConfig().ChunkSize
	}
	if cfg.SmallFileThreshold <= 0 {
		cfg.SmallFileThreshold = DefaultConfig().SmallFileThreshold
	}
	return &Engine{cfg: cfg}, nil
}

// Algorithm returns the configured digest name.
func (e *Engine) Algorithm() string {
	return e.cfg.Algorithm
}

func (e *Engine) newHash() hash.Hash {
	switch e.cfg.Algorithm {
	case AlgoSHA1:
		return sha1.New()
	case AlgoMD5:
		return md5.New()
	default:
		return sha256.New()
	}
}

// Result carries the digest and sniff outcome of one pass.
type Result struct {
	Digest    string
	Algorithm string
	Sniff     scan.SniffResult
}

// Process hashes the file and sniffs its type in a single read. The
// context is checked only on entry; a file already being hashed runs to
// completion even when the session is cancelled mid-stream.
func (e *Engine) Process(ctx context.Context, rec *scan.FileRecord) (*Result, error) {
	const op = "hashing.Process"

	if err := ctx.Err(); err != nil {
		return nil, errors.WithPath(errors.KindCancelled, op, rec.Path, err)
	}

	f, err := os.Open(rec.Path)
	if err != nil {
		if os.IsPermission(err) {
			return nil, errors.WithPath(errors.KindPermissionDenied, op, rec.Path, err)
		}
		return nil, errors.WithPath(errors.KindHashIO, op, rec.Path, err)
	}
	defer f.Close()

	h := e.newHash()
	var header []byte

	if rec.Size <= e.cfg.SmallFileThreshold {
		// Small files are read whole.
		data, err := io.ReadAll(f)
		if err != nil {
			return nil, errors.WithPath(errors.KindHashIO, op, rec.Path, err)
		}
		h.Write(data)
		header = headerOf(data)
	} else {
		buf := make([]byte, e.cfg.ChunkSize)
		first := true
		for {
			n, err := f.Read(buf)
			if n > 0 {
				h.Write(buf[:n])
				if first {
					header = headerOf(buf[:n])
					first = false
				}
			}
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, errors.WithPath(errors.KindHashIO, op, rec.Path, err)
			}
		}
	}

	return &Result{
		Digest:    hex.EncodeToString(h.Sum(nil)),
		Algorithm: e.cfg.Algorithm,
		Sniff:     Sniff(header, rec.Extension),
	}, nil
}

// HashBytes digests an in-memory buffer with the configured algorithm.
func (e *Engine) HashBytes(data []byte) string {
	h := e.newHash()
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// headerOf copies up to sniffLen leading bytes for type detection.
func headerOf(data []byte) []byte {
	n := len(data)
	if n > sniffLen {
		n = sniffLen
	}
	out := make([]byte, n)
	copy(out, data[:n])
	return out
}
