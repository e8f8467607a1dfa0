// Package fingerprint computes content identities for transferred files.
// Two files with the same fingerprint hold bit-identical content,
// independent of name or path.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
)

// Fingerprint is a SHA-256 hex digest plus the byte size it was computed
// over. The zero value means "not fingerprinted".
type Fingerprint struct {
	Digest string
	Size   int64
}

// IsZero reports whether f carries no digest.
func (f Fingerprint) IsZero() bool { return f.Digest == "" }

// Equal reports whether two fingerprints identify the same content.
func (f Fingerprint) Equal(other Fingerprint) bool {
	return f.Digest == other.Digest && f.Size == other.Size
}

func (f Fingerprint) String() string { return f.Digest }

// File computes the fingerprint of a file on disk.
func File(path string) (Fingerprint, error) {
	f, err := os.Open(path)
	if err != nil {
		return Fingerprint{}, err
	}
	defer func() { _ = f.Close() }()
	return Reader(f)
}

// Reader computes the fingerprint of everything readable from r.
func Reader(r io.Reader) (Fingerprint, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return Fingerprint{}, err
	}
	return Fingerprint{Digest: hex.EncodeToString(h.Sum(nil)), Size: n}, nil
}
