// Package checksum computes SHA-256 digests. Audit exports carry the digest of their payload, and
// the same digest is stored on the export's audit entry, so a downloaded file can be matched
// against the trail later.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// SHA256 returns the lowercase hex digest of data.
func SHA256(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CalculateSHA256 returns the lowercase hex digest of everything read from reader.
func CalculateSHA256(reader io.Reader) (string, error) {
	hasher := sha256.New()
	if _, err := io.Copy(hasher, reader); err != nil {
		return "", fmt.Errorf("failed to calculate checksum: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// VerifySHA256 reports whether the content of reader matches expected. The comparison ignores
// case and surrounding whitespace, as digests are often pasted from headers or text files.
func VerifySHA256(reader io.Reader, expected string) (bool, error) {
	actual, err := CalculateSHA256(reader)
	if err != nil {
		return false, err
	}
	return strings.EqualFold(actual, strings.TrimSpace(expected)), nil
}
