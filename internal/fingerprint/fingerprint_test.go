package fingerprint

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// sha256("hello world")
const helloDigest = "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"

func TestReader(t *testing.T) {
	fp, err := Reader(strings.NewReader("hello world"))
	if err != nil {
		t.Fatalf("Reader: %v", err)
	}
	if fp.Digest != helloDigest {
		t.Errorf("digest = %s, want %s", fp.Digest, helloDigest)
	}
	if fp.Size != 11 {
		t.Errorf("size = %d, want 11", fp.Size)
	}
}

func TestReaderEmpty(t *testing.T) {
	fp, err := Reader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("Reader: %v", err)
	}
	if fp.IsZero() {
		t.Error("empty input still has a digest; IsZero should be false")
	}
	if fp.Size != 0 {
		t.Errorf("size = %d, want 0", fp.Size)
	}
}

func TestFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.png")
	if err := os.WriteFile(path, []byte("hello world"), 0o644); err != nil {
		t.Fatal(err)
	}

	fp, err := File(path)
	if err != nil {
		t.Fatalf("File: %v", err)
	}
	if fp.Digest != helloDigest {
		t.Errorf("digest = %s, want %s", fp.Digest, helloDigest)
	}

	if _, err := File(filepath.Join(t.TempDir(), "missing.png")); err == nil {
		t.Error("want error for missing file")
	}
}

func TestZeroAndEqual(t *testing.T) {
	var zero Fingerprint
	if !zero.IsZero() {
		t.Error("zero value should report IsZero")
	}

	a := Fingerprint{Digest: "d", Size: 1}
	if a.IsZero() {
		t.Error("non-empty digest should not report IsZero")
	}
	if !a.Equal(Fingerprint{Digest: "d", Size: 1}) {
		t.Error("identical fingerprints should be equal")
	}
	if a.Equal(Fingerprint{Digest: "d", Size: 2}) {
		t.Error("same digest with different size should not be equal")
	}
	if a.Equal(Fingerprint{Digest: "e", Size: 1}) {
		t.Error("different digests should not be equal")
	}
}
