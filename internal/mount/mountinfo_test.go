//go:build linux

package mount

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/moby/sys/mountinfo"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/warc-tiering/internal/tiering"
)

const sampleMountInfo = `22 1 8:1 / / rw,relatime shared:1 - ext4 /dev/sda1 rw
40 22 0:45 / /mnt/cold rw,nosuid,nodev shared:20 - fuse.rclone cold: rw,user_id=0,group_id=0
41 22 0:45 /warcs /srv/archive/warcs rw,nosuid,nodev shared:20 - fuse.rclone cold: rw,user_id=0,group_id=0
42 22 0:45 /crawls /srv/archive/crawls rw shared:20 - fuse.rclone cold: rw
43 22 8:1 /var/tmp/other /srv/archive/misc rw shared:1 - ext4 /dev/sda1 rw
44 22 8:1 /data/with\040space /srv/with\040space rw - ext4 /dev/sda1 rw
`

func writeTable(t *testing.T, content string) *Table {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mountinfo")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return NewTable(path)
}

func TestTableEntries(t *testing.T) {
	t.Parallel()

	entries, err := writeTable(t, sampleMountInfo).Entries(nil)
	require.NoError(t, err)
	require.Len(t, entries, 6)
	assert.Equal(t, tiering.MountInfo{
		MountPoint: "/srv/archive/warcs",
		Root:       "/warcs",
		Device:     "0:45",
		FSType:     "fuse.rclone",
		Source:     "cold:",
	}, entries[2])
	assert.Equal(t, "/srv/with space", entries[5].MountPoint)
	assert.Equal(t, "/data/with space", entries[5].Root)

	fuse, err := writeTable(t, sampleMountInfo).Entries(mountinfo.FSTypeFilter("fuse.rclone"))
	require.NoError(t, err)
	assert.Len(t, fuse, 3)
}

func TestTableRejectsTruncatedRow(t *testing.T) {
	t.Parallel()

	_, err := writeTable(t, "22 1 8:1 / / rw\n").Entries(nil)
	require.Error(t, err)
}

func TestTableLookupReturnsTopmostMount(t *testing.T) {
	t.Parallel()

	stacked := sampleMountInfo +
		"50 41 0:61 / /srv/archive/warcs rw - tmpfs tmpfs rw\n"
	info, ok, err := writeTable(t, stacked).Lookup("/srv/archive/warcs")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "tmpfs", info.FSType)
	assert.Equal(t, "0:61", info.Device)
}

func TestTableLookup(t *testing.T) {
	t.Parallel()

	table := writeTable(t, sampleMountInfo)

	ok, err := table.IsMountpoint("/srv/archive/warcs/")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = table.IsMountpoint("/srv/archive")
	require.NoError(t, err)
	assert.False(t, ok)

	info, ok, err := table.Lookup("/mnt/cold")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "fuse.rclone", info.FSType)
}

func TestTableSameSource(t *testing.T) {
	t.Parallel()

	table := writeTable(t, sampleMountInfo)

	cases := []struct {
		hot, cold string
		want      bool
	}{
		{"/srv/archive/warcs", "/mnt/cold/warcs", true},
		{"/srv/archive/crawls", "/mnt/cold/crawls", true},
		{"/srv/archive/crawls", "/mnt/cold/warcs", false},
		{"/srv/archive/misc", "/var/tmp/other", true},
		{"/srv/archive/misc", "/mnt/cold/other", false},
		{"/srv/archive/warcs", "/mnt/coldish/warcs", false},
		{"/srv/archive/unmounted", "/mnt/cold/unmounted", false},
	}
	for _, tc := range cases {
		got, err := table.SameSource(tc.hot, tc.cold)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "%s <- %s", tc.hot, tc.cold)
	}
}

func TestTableMissingFile(t *testing.T) {
	t.Parallel()

	table := NewTable(filepath.Join(t.TempDir(), "nope"))
	_, err := table.IsMountpoint("/")
	require.ErrorIs(t, err, os.ErrNotExist)
}
