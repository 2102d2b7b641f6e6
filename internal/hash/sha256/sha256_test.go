package sha256

import (
	"errors"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecksumMatchesSha256sum(t *testing.T) {
	t.Parallel()

	h := New()
	digest, line, err := h.Checksum("2026/03/14/snap-1.json", strings.NewReader("hello world"))
	require.NoError(t, err)
	assert.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", digest)
	assert.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9  snap-1.json\n", line)

	digest, line, err = h.Checksum("snap-empty.json", strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", digest)
	assert.Equal(t, digest+"  snap-empty.json\n", line)
}

func TestChecksumReportsReadFailure(t *testing.T) {
	t.Parallel()

	boom := errors.New("object truncated")
	_, _, err := New().Checksum("snap-2.json", iotest.ErrReader(boom))
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "snap-2.json")
}
