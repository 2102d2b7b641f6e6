package tiering

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LoadManifest reads and parses the manifest file at path.
func LoadManifest(path string) (Manifest, error) {
	if strings.TrimSpace(path) == "" {
		return Manifest{}, fmt.Errorf("%w: manifest path is required", ErrConfig)
	}
	f, err := os.Open(path) // #nosec G304 -- operator-supplied manifest
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Manifest{}, NewPathError("open manifest", path, ErrConfig, err)
		}
		return Manifest{}, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only

	m, err := ParseManifest(f)
	if err != nil {
		return Manifest{}, err
	}
	m.Source = path
	return m, nil
}

// ParseManifest parses "<coldPath> <hotPath>" lines. Blank lines and lines
// starting with '#' are skipped. Hot paths must be unique.
func ParseManifest(r io.Reader) (Manifest, error) {
	var m Manifest
	seen := make(map[string]int)
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return Manifest{}, fmt.Errorf("%w: line %d: expected \"<cold_path> <hot_path>\", got %d fields",
				ErrConfig, lineNo, len(fields))
		}
		cold, hot := fields[0], fields[1]
		if !filepath.IsAbs(cold) || !filepath.IsAbs(hot) {
			return Manifest{}, fmt.Errorf("%w: line %d: paths must be absolute", ErrConfig, lineNo)
		}
		cold, hot = filepath.Clean(cold), filepath.Clean(hot)
		if cold == hot {
			return Manifest{}, fmt.Errorf("%w: line %d: cold and hot path are identical", ErrConfig, lineNo)
		}
		if prev, dup := seen[hot]; dup {
			return Manifest{}, fmt.Errorf("%w: line %d: hot path %s already declared on line %d",
				ErrConfig, lineNo, hot, prev)
		}
		seen[hot] = lineNo
		m.Entries = append(m.Entries, ManifestEntry{ColdPath: cold, HotPath: hot, Line: lineNo})
	}
	if err := scanner.Err(); err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	return m, nil
}
