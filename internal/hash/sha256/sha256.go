// Package sha256 writes sha256sum(1) checksum lines for evidence snapshots.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"path"
)

// Hasher implements evidence.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Checksum digests r and formats the sha256sum line for the object name.
// Only the base name is recorded, so `sha256sum -c` verifies the line from
// the directory the snapshot is downloaded to.
func (h *Hasher) Checksum(name string, r io.Reader) (digest, line string, err error) {
	sum := sha256.New()
	if _, err := io.Copy(sum, r); err != nil {
		return "", "", fmt.Errorf("digest %s: %w", name, err)
	}
	digest = hex.EncodeToString(sum.Sum(nil))
	return digest, fmt.Sprintf("%s  %s\n", digest, path.Base(name)), nil
}
