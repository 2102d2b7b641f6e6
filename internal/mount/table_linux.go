//go:build linux

package mount

import (
	"fmt"
	"os"

	"github.com/moby/sys/mountinfo"
)

func (t *Table) mounts(filter mountinfo.FilterFunc) ([]*mountinfo.Info, error) {
	f, err := os.Open(t.path)
	if err != nil {
		return nil, fmt.Errorf("open mount table: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only

	infos, err := mountinfo.GetMountsFromReader(f, filter)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", t.path, err)
	}
	return infos, nil
}
