// Package state persists the recovery watchdog's cross-run bookkeeping.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"
)

// DayLayout formats recovery day buckets. Days are calendar days in UTC.
const DayLayout = "2006-01-02"

// DayKey returns the UTC calendar day bucket for t.
func DayKey(t time.Time) string {
	return t.UTC().Format(DayLayout)
}

// Broken tracks a target observed broken across consecutive cycles.
type Broken struct {
	FirstSeen time.Time `json:"first_seen"`
	Runs      int       `json:"runs"`
	Kind      string    `json:"kind,omitempty"`
}

// WatchdogState is the persisted watchdog document.
type WatchdogState struct {
	Enabled            bool      `json:"enabled"`
	LastRunTimestamp   time.Time `json:"last_run_timestamp"`
	LastApplyOk        bool      `json:"last_apply_ok"`
	LastApplyTimestamp time.Time `json:"last_apply_timestamp"`
	ApplyTotal         int64     `json:"apply_total"`
	// RecoveryCounts maps target -> UTC day -> recoveries acted on.
	RecoveryCounts map[string]map[string]int `json:"recovery_counts_by_target_and_day"`
	BrokenSince    map[string]Broken         `json:"broken_since"`
}

// Default returns the state used when no file exists yet.
func Default() *WatchdogState {
	return &WatchdogState{
		Enabled:        true,
		RecoveryCounts: map[string]map[string]int{},
		BrokenSince:    map[string]Broken{},
	}
}

// Load reads the state file. A missing file yields Default.
func Load(path string) (*WatchdogState, error) {
	s := Default()
	data, err := os.ReadFile(path) // #nosec G304 -- operator-configured path
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("decode state file %s: %w", path, err)
	}
	if s.RecoveryCounts == nil {
		s.RecoveryCounts = map[string]map[string]int{}
	}
	if s.BrokenSince == nil {
		s.BrokenSince = map[string]Broken{}
	}
	return s, nil
}

// Save atomically replaces the state file: temp file in the same directory,
// fsync, rename, then fsync of the directory.
func (s *WatchdogState) Save(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp state file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("replace state file: %w", err)
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

// Recoveries returns the count recorded for target on the UTC day of at.
func (s *WatchdogState) Recoveries(target string, at time.Time) int {
	return s.RecoveryCounts[target][DayKey(at)]
}

// RecordRecovery increments today's counter for target.
func (s *WatchdogState) RecordRecovery(target string, at time.Time) int {
	days, ok := s.RecoveryCounts[target]
	if !ok {
		days = map[string]int{}
		s.RecoveryCounts[target] = days
	}
	days[DayKey(at)]++
	return days[DayKey(at)]
}

// RecoveriesToday returns every target's count for the UTC day of at.
func (s *WatchdogState) RecoveriesToday(at time.Time) map[string]int {
	day := DayKey(at)
	out := make(map[string]int, len(s.RecoveryCounts))
	for target, days := range s.RecoveryCounts {
		if n := days[day]; n > 0 {
			out[target] = n
		}
	}
	return out
}

// Prune drops day buckets that fall outside the window of keepDays calendar
// days ending on the UTC day of now. keepDays below 1 keeps only today.
func (s *WatchdogState) Prune(now time.Time, keepDays int) {
	keepDays = max(keepDays, 1)
	y, m, d := now.UTC().Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	oldest := DayKey(today.AddDate(0, 0, -(keepDays - 1)))
	for target, days := range s.RecoveryCounts {
		for day := range days {
			// DayLayout sorts lexically in date order.
			if day < oldest {
				delete(days, day)
			}
		}
		if len(days) == 0 {
			delete(s.RecoveryCounts, target)
		}
	}
}

// ObserveBroken records one more broken observation of target and returns
// the updated record.
func (s *WatchdogState) ObserveBroken(target, kind string, now time.Time) Broken {
	b, ok := s.BrokenSince[target]
	if !ok {
		b = Broken{FirstSeen: now.UTC()}
	}
	b.Runs++
	b.Kind = kind
	s.BrokenSince[target] = b
	return b
}

// ClearBroken forgets a target that probed healthy.
func (s *WatchdogState) ClearBroken(target string) {
	delete(s.BrokenSince, target)
}

// RetainBroken drops broken records for targets no longer being watched.
func (s *WatchdogState) RetainBroken(targets []string) {
	for target := range s.BrokenSince {
		if !slices.Contains(targets, target) {
			delete(s.BrokenSince, target)
		}
	}
}

// MarkApply records the outcome of a live cycle that acted on something.
func (s *WatchdogState) MarkApply(ok bool, at time.Time) {
	s.LastApplyOk = ok
	s.LastApplyTimestamp = at.UTC()
	s.ApplyTotal++
}
