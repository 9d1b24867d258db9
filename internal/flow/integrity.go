package flow

import (
	"bytes"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// Digest is the MD5 content hash used to verify transfers. The remote object
// store echoes the same hash as the upload's ETag.
type Digest [md5.Size]byte

// Hex returns the lowercase hex form, as found in ETags.
func (d Digest) Hex() string { return hex.EncodeToString(d[:]) }

// Base64 returns the base64 form, as sent in Content-MD5.
func (d Digest) Base64() string { return base64.StdEncoding.EncodeToString(d[:]) }

// Matches reports whether expected, given in hex or base64 and optionally
// quoted, names this digest.
func (d Digest) Matches(expected string) bool {
	want, ok := decodeDigest(expected)
	return ok && bytes.Equal(want, d[:])
}

func decodeDigest(s string) ([]byte, bool) {
	s = strings.Trim(strings.TrimSpace(s), `"`)
	if len(s) == hex.EncodedLen(md5.Size) {
		if b, err := hex.DecodeString(s); err == nil {
			return b, true
		}
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil && len(b) == md5.Size {
		return b, true
	}
	return nil, false
}

// DigestReader hashes everything read from r and returns the byte count.
func DigestReader(r io.Reader) (Digest, int64, error) {
	h := md5.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return Digest{}, n, err
	}
	var d Digest
	copy(d[:], h.Sum(nil))
	return d, n, nil
}

// Verifier decides whether a local artifact matches a digest reported by the
// other side of a transfer.
type Verifier interface {
	Verify(path, expected string) bool
}

// IntegrityVerifier verifies files of a FileStore by MD5.
type IntegrityVerifier struct {
	files  FileStore
	logger Logger
}

func NewIntegrityVerifier(files FileStore, logger Logger) *IntegrityVerifier {
	return &IntegrityVerifier{files: files, logger: logger}
}

// DigestFile hashes the file at path.
func (v *IntegrityVerifier) DigestFile(path string) (Digest, int64, error) {
	return digestFile(v.files, path)
}

func digestFile(files FileStore, path string) (Digest, int64, error) {
	f, err := files.Open(path)
	if err != nil {
		return Digest{}, 0, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	d, n, err := DigestReader(f)
	if err != nil {
		return Digest{}, 0, fmt.Errorf("reading %s: %w", path, err)
	}
	return d, n, nil
}

// Verify reports whether the file at path hashes to expected. Any read
// failure counts as a mismatch.
func (v *IntegrityVerifier) Verify(path, expected string) bool {
	d, _, err := v.DigestFile(path)
	if err != nil {
		v.logger.Warn("digest failed", "path", path, "error", err)
		return false
	}
	if !d.Matches(expected) {
		v.logger.Warn("digest mismatch", "path", path, "expected", expected, "actual", d.Hex())
		return false
	}
	return true
}
