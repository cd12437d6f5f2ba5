package quarantine

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	dir := t.TempDir()
	v, err := New(&Config{
		Dir:     filepath.Join(dir, "vault"),
		KeyFile: filepath.Join(dir, "vault.key"),
	})
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func writeSample(t *testing.T, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sample.exe")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestQuarantineRemovesOriginalAndEncrypts(t *testing.T) {
	v := newTestVault(t)
	content := []byte("MZ this is a fake executable payload")
	path := writeSample(t, content)

	entry, err := v.Quarantine(path, Entry{
		Digest:    "abc123",
		Algorithm: "sha256",
		SessionID: "sess-1",
		Reason:    "signature match: eicar_test",
	})
	if err != nil {
		t.Fatal(err)
	}
	if entry.ID == "" {
		t.Fatal("entry has no id")
	}
	if entry.OriginalPath != path {
		t.Errorf("original path = %s, want %s", entry.OriginalPath, path)
	}
	if entry.Size != int64(len(content)) {
		t.Errorf("size = %d, want %d", entry.Size, len(content))
	}

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("original file still present after quarantine")
	}

	sealed, err := os.ReadFile(filepath.Join(v.Dir(), entry.ID+payloadExt))
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(sealed, content) {
		t.Error("payload stored in plaintext")
	}
}

func TestRestoreRoundTrip(t *testing.T) {
	v := newTestVault(t)
	content := []byte("restore me")
	path := writeSample(t, content)

	entry, err := v.Quarantine(path, Entry{Reason: "test"})
	if err != nil {
		t.Fatal(err)
	}

	dest, err := v.Restore(entry.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	if dest != path {
		t.Errorf("restored to %s, want original %s", dest, path)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("restored content mismatch: %q", got)
	}
}

func TestRestoreToAlternatePath(t *testing.T) {
	v := newTestVault(t)
	content := []byte("alternate destination")
	path := writeSample(t, content)

	entry, err := v.Quarantine(path, Entry{})
	if err != nil {
		t.Fatal(err)
	}

	dest := filepath.Join(t.TempDir(), "nested", "restored.bin")
	got, err := v.Restore(entry.ID, dest)
	if err != nil {
		t.Fatal(err)
	}
	if got != dest {
		t.Errorf("restored to %s, want %s", got, dest)
	}
	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, content) {
		t.Error("restored content mismatch")
	}
}

func TestRestoreUnknownID(t *testing.T) {
	v := newTestVault(t)
	if _, err := v.Restore("does-not-exist", ""); err == nil {
		t.Error("expected error for unknown id")
	}
}

func TestListNewestFirst(t *testing.T) {
	v := newTestVault(t)

	var ids []string
	for i := 0; i < 3; i++ {
		path := writeSample(t, []byte("sample"))
		entry, err := v.Quarantine(path, Entry{})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, entry.ID)
		time.Sleep(5 * time.Millisecond)
	}

	entries, err := v.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("List() returned %d entries, want 3", len(entries))
	}
	if entries[0].ID != ids[2] {
		t.Errorf("newest entry first: got %s, want %s", entries[0].ID, ids[2])
	}
}

func TestPurge(t *testing.T) {
	v := newTestVault(t)
	path := writeSample(t, []byte("purge me"))

	entry, err := v.Quarantine(path, Entry{})
	if err != nil {
		t.Fatal(err)
	}
	if err := v.Purge(entry.ID); err != nil {
		t.Fatal(err)
	}

	entries, err := v.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("vault has %d entries after purge, want 0", len(entries))
	}
	if _, err := v.Restore(entry.ID, ""); err == nil {
		t.Error("restore succeeded after purge")
	}
	if err := v.Purge(entry.ID); err == nil {
		t.Error("second purge should fail")
	}
}

func TestKeyPersistsAcrossVaults(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{
		Dir:     filepath.Join(dir, "vault"),
		KeyFile: filepath.Join(dir, "vault.key"),
	}

	v1, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	content := []byte("survives reopen")
	path := writeSample(t, content)
	entry, err := v1.Quarantine(path, Entry{})
	if err != nil {
		t.Fatal(err)
	}

	// A second vault over the same dir and key file must decrypt entries
	// sealed by the first.
	v2, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	dest := filepath.Join(t.TempDir(), "out.bin")
	if _, err := v2.Restore(entry.ID, dest); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Error("content mismatch after reopen")
	}
}

func TestKeyFilePermissions(t *testing.T) {
	dir := t.TempDir()
	keyFile := filepath.Join(dir, "vault.key")
	if _, err := New(&Config{Dir: filepath.Join(dir, "vault"), KeyFile: keyFile}); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(keyFile)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("key file mode = %o, want 0600", perm)
	}
}

func TestQuarantineMissingFile(t *testing.T) {
	v := newTestVault(t)
	if _, err := v.Quarantine("/nonexistent/file.bin", Entry{}); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestTamperedPayloadFailsRestore(t *testing.T) {
	v := newTestVault(t)
	path := writeSample(t, []byte("integrity protected"))

	entry, err := v.Quarantine(path, Entry{})
	if err != nil {
		t.Fatal(err)
	}

	payloadPath := filepath.Join(v.Dir(), entry.ID+payloadExt)
	sealed, err := os.ReadFile(payloadPath)
	if err != nil {
		t.Fatal(err)
	}
	sealed[len(sealed)-1] ^= 0xff
	if err := os.WriteFile(payloadPath, sealed, 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := v.Restore(entry.ID, ""); err == nil {
		t.Error("restore succeeded on tampered payload")
	}
}
