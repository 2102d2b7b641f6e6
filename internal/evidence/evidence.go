// Package evidence captures read-only diagnostic snapshots of the tiering
// subsystem for incident review. Capturing never takes the run lock and never
// mutates mounts, jobs or the ingestion service.
package evidence

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/warc-tiering/internal/jobs"
	"github.com/JakeFAU/warc-tiering/internal/service"
	"github.com/JakeFAU/warc-tiering/internal/state"
	"github.com/JakeFAU/warc-tiering/internal/storage"
	"github.com/JakeFAU/warc-tiering/internal/tiering"
)

// JobLister lists running jobs.
type JobLister interface {
	Running(ctx context.Context, sourceCode string) ([]jobs.Record, error)
}

// IDGenerator issues snapshot IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Hasher digests a stored snapshot and formats its checksum sidecar line.
type Hasher interface {
	Checksum(name string, r io.Reader) (digest, line string, err error)
}

// Request selects what to capture. Empty paths are skipped.
type Request struct {
	ManifestPath string `json:"manifest_path,omitempty"`
	ColdBase     string `json:"cold_base,omitempty"`
	StateFile    string `json:"state_file,omitempty"`
	// Reason is a free-form note stored with the snapshot.
	Reason string `json:"reason,omitempty"`
}

// PathEvidence is the probe and mount table view of one path.
type PathEvidence struct {
	Probe    tiering.ProbeResult `json:"probe"`
	Mount    *tiering.MountInfo  `json:"mount,omitempty"`
	ProbeErr string              `json:"probe_error,omitempty"`
	MountErr string              `json:"mount_error,omitempty"`
}

// Snapshot is the captured document. Collection errors are recorded next to
// the section they affect so a partial snapshot is still useful.
type Snapshot struct {
	ID         string    `json:"id"`
	CapturedAt time.Time `json:"captured_at"`
	Host       string    `json:"host,omitempty"`
	Reason     string    `json:"reason,omitempty"`

	Manifest    *tiering.Manifest `json:"manifest,omitempty"`
	ManifestErr string            `json:"manifest_error,omitempty"`

	HotPaths []PathEvidence `json:"hot_paths"`
	ColdBase *PathEvidence  `json:"cold_base,omitempty"`

	ServiceState string `json:"service_state,omitempty"`
	ServiceErr   string `json:"service_error,omitempty"`

	RunningJobs []jobs.Record `json:"running_jobs"`
	JobsErr     string        `json:"jobs_error,omitempty"`

	State    *state.WatchdogState `json:"watchdog_state,omitempty"`
	StateErr string               `json:"watchdog_state_error,omitempty"`
}

// Deps wires a Capturer. Service, Jobs, IDs and Hasher are optional.
type Deps struct {
	Prober  tiering.Prober
	Table   tiering.MountTable
	Service service.Controller
	Jobs    JobLister
	Store   storage.BlobStore
	Clock   tiering.Clock
	IDs     IDGenerator
	Hasher  Hasher
	Logger  *zap.Logger
	// Prefix is prepended to every object name.
	Prefix string
}

// Capturer collects and stores snapshots.
type Capturer struct {
	deps   Deps
	logger *zap.Logger
}

// New validates deps.
func New(deps Deps) (*Capturer, error) {
	switch {
	case deps.Prober == nil:
		return nil, errors.New("evidence: prober is required")
	case deps.Table == nil:
		return nil, errors.New("evidence: mount table is required")
	case deps.Store == nil:
		return nil, errors.New("evidence: blob store is required")
	case deps.Clock == nil:
		return nil, errors.New("evidence: clock is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Capturer{deps: deps, logger: deps.Logger}, nil
}

// Capture collects a snapshot and writes it as JSON to the blob store. It
// only fails when the snapshot cannot be encoded or stored.
func (c *Capturer) Capture(ctx context.Context, req Request) (Snapshot, string, error) {
	now := c.deps.Clock.Now().UTC()
	snap := Snapshot{
		ID:          c.snapshotID(now),
		CapturedAt:  now,
		Reason:      req.Reason,
		HotPaths:    []PathEvidence{},
		RunningJobs: []jobs.Record{},
	}
	if host, err := os.Hostname(); err == nil {
		snap.Host = host
	}

	if req.ManifestPath != "" {
		manifest, err := tiering.LoadManifest(req.ManifestPath)
		if err != nil {
			snap.ManifestErr = err.Error()
		} else {
			snap.Manifest = &manifest
			for _, hot := range manifest.HotPaths() {
				snap.HotPaths = append(snap.HotPaths, c.inspect(ctx, hot))
			}
		}
	}
	if req.ColdBase != "" {
		cold := c.inspect(ctx, req.ColdBase)
		snap.ColdBase = &cold
	}

	if c.deps.Service != nil {
		st, err := c.deps.Service.Status(ctx)
		if err != nil {
			snap.ServiceErr = err.Error()
		}
		snap.ServiceState = string(st)
	}

	if c.deps.Jobs != nil {
		running, err := c.deps.Jobs.Running(ctx, "")
		if err != nil {
			snap.JobsErr = err.Error()
		} else {
			snap.RunningJobs = running
		}
	}

	if req.StateFile != "" {
		// Read without the run lock; the state file is only ever replaced
		// by rename so a reader never sees a torn document.
		ws, err := state.Load(req.StateFile)
		if err != nil {
			snap.StateErr = err.Error()
		} else {
			snap.State = ws
		}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		return snap, "", fmt.Errorf("encode evidence snapshot: %w", err)
	}
	body := buf.Bytes()
	name := c.objectName(snap)
	uri, err := c.deps.Store.PutObject(ctx, name, "application/json", bytes.NewReader(body))
	if err != nil {
		return snap, "", fmt.Errorf("store evidence snapshot: %w", err)
	}
	digest := c.writeChecksum(ctx, name, body)
	c.logger.Info("evidence captured",
		zap.String("snapshot_id", snap.ID),
		zap.String("uri", uri),
		zap.String("sha256", digest),
		zap.Int("hot_paths", len(snap.HotPaths)),
		zap.Int("running_jobs", len(snap.RunningJobs)),
	)
	return snap, uri, nil
}

// writeChecksum stores a sha256sum-style sidecar next to the snapshot. A
// failure is logged; the snapshot itself is already stored.
func (c *Capturer) writeChecksum(ctx context.Context, name string, body []byte) string {
	if c.deps.Hasher == nil {
		return ""
	}
	digest, line, err := c.deps.Hasher.Checksum(name, bytes.NewReader(body))
	if err != nil {
		c.logger.Warn("hash evidence snapshot", zap.String("object", name), zap.Error(err))
		return ""
	}
	if _, err := c.deps.Store.PutObject(ctx, name+".sha256", "text/plain", strings.NewReader(line)); err != nil {
		c.logger.Warn("store evidence checksum", zap.String("object", name), zap.Error(err))
	}
	return digest
}

func (c *Capturer) inspect(ctx context.Context, p string) PathEvidence {
	ev := PathEvidence{Probe: c.deps.Prober.Probe(ctx, p)}
	if ev.Probe.Err != nil {
		ev.ProbeErr = ev.Probe.Err.Error()
	}
	info, ok, err := c.deps.Table.Lookup(p)
	switch {
	case err != nil:
		ev.MountErr = err.Error()
	case ok:
		ev.Mount = &info
	}
	return ev
}

func (c *Capturer) snapshotID(now time.Time) string {
	if c.deps.IDs != nil {
		if id, err := c.deps.IDs.NewID(); err == nil {
			return id
		}
	}
	return now.Format("20060102T150405.000000000Z")
}

// objectName lays snapshots out by UTC day: <prefix>/2006/01/02/<id>.json.
func (c *Capturer) objectName(s Snapshot) string {
	return path.Join(c.deps.Prefix, s.CapturedAt.Format("2006/01/02"), s.ID+".json")
}
