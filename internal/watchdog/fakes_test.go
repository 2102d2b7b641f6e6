package watchdog_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/warc-tiering/internal/jobs"
	"github.com/JakeFAU/warc-tiering/internal/metrics"
	pubmem "github.com/JakeFAU/warc-tiering/internal/publisher/memory"
	"github.com/JakeFAU/warc-tiering/internal/service"
	"github.com/JakeFAU/warc-tiering/internal/state"
	"github.com/JakeFAU/warc-tiering/internal/storage/memory"
	"github.com/JakeFAU/warc-tiering/internal/tiering"
	"github.com/JakeFAU/warc-tiering/internal/watchdog"
)

const (
	hotA     = "/srv/warc/hot/crawl-a"
	hotB     = "/srv/warc/hot/crawl-b"
	coldBase = "/mnt/warc-cold"
)

const testManifest = `# cold hot
/mnt/warc-cold/crawl-a /srv/warc/hot/crawl-a
/mnt/warc-cold/crawl-b /srv/warc/hot/crawl-b
`

// recorder is the shared call log every mutating fake appends to, so tests
// can assert cross-component ordering.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeProber struct {
	mu      sync.Mutex
	results map[string]tiering.ProbeResult
	probed  []string
}

func (p *fakeProber) Probe(_ context.Context, path string) tiering.ProbeResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probed = append(p.probed, path)
	if res, ok := p.results[path]; ok {
		return res
	}
	return tiering.ProbeResult{Path: path, Mounted: true, Readable: true, Kind: tiering.KindNone}
}

func (p *fakeProber) set(path string, res tiering.ProbeResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	res.Path = path
	p.results[path] = res
}

func (p *fakeProber) probes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.probed)
}

func staleProbe() tiering.ProbeResult {
	return tiering.ProbeResult{
		Mounted: true,
		Kind:    tiering.KindStale,
		Detail:  "transport endpoint is not connected",
		Err:     syscall.ENOTCONN,
	}
}

type fakeMounter struct {
	rec         *recorder
	mu          sync.Mutex
	mounts      map[string]bool
	failUnmount error
}

func (m *fakeMounter) IsMountpoint(path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mounts[path], nil
}

func (m *fakeMounter) Lookup(path string) (tiering.MountInfo, bool, error) {
	ok, _ := m.IsMountpoint(path)
	return tiering.MountInfo{MountPoint: path}, ok, nil
}

func (m *fakeMounter) SameSource(string, string) (bool, error) { return false, nil }

func (m *fakeMounter) BindMount(_, target string) error {
	m.rec.add("bind " + target)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mounts[target] = true
	return nil
}

func (m *fakeMounter) Unmount(target string) error {
	m.rec.add("unmount " + target)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failUnmount != nil {
		return m.failUnmount
	}
	delete(m.mounts, target)
	return nil
}

func (m *fakeMounter) LazyUnmount(target string) error {
	m.rec.add("lazy-unmount " + target)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failUnmount != nil {
		return m.failUnmount
	}
	delete(m.mounts, target)
	return nil
}

func (m *fakeMounter) MkdirAll(path string) error {
	m.rec.add("mkdir " + path)
	return nil
}

// fakeApplier returns errs in order, one per call, then succeeds. after runs
// once per successful apply.
type fakeApplier struct {
	rec   *recorder
	mu    sync.Mutex
	errs  []error
	after func()
}

func (a *fakeApplier) Apply(_ context.Context, m tiering.Manifest, opts tiering.ApplyOptions) (tiering.ApplyResult, error) {
	a.rec.add("reapply")
	a.mu.Lock()
	defer a.mu.Unlock()
	var err error
	if len(a.errs) > 0 {
		err, a.errs = a.errs[0], a.errs[1:]
	}
	if !opts.RepairStaleMounts {
		return tiering.ApplyResult{}, tiering.ErrConfig
	}
	if err == nil && a.after != nil {
		a.after()
	}
	return tiering.ApplyResult{Planned: len(m.Entries), MountedNow: len(m.Entries)}, err
}

type fakeService struct {
	rec      *recorder
	stopErr  error
	startErr error
}

func (s *fakeService) Stop(context.Context) error {
	s.rec.add("stop")
	return s.stopErr
}

func (s *fakeService) Start(context.Context) error {
	s.rec.add("start")
	return s.startErr
}

func (s *fakeService) Status(context.Context) (service.State, error) {
	return service.StateActive, nil
}

type env struct {
	rec      *recorder
	clock    *fakeClock
	prober   *fakeProber
	mounter  *fakeMounter
	applier  *fakeApplier
	service  *fakeService
	registry *memory.JobRegistry
	pub      *pubmem.Publisher
	exporter *metrics.Exporter
	wd       *watchdog.Watchdog
	cfg      watchdog.Config
}

var baseTime = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	manifestPath := filepath.Join(dir, "tiering.manifest")
	require.NoError(t, os.WriteFile(manifestPath, []byte(testManifest), 0o600))

	rec := &recorder{}
	e := &env{
		rec:      rec,
		clock:    &fakeClock{now: baseTime},
		prober:   &fakeProber{results: map[string]tiering.ProbeResult{}},
		mounter:  &fakeMounter{rec: rec, mounts: map[string]bool{hotA: true, hotB: true}},
		applier:  &fakeApplier{rec: rec},
		service:  &fakeService{rec: rec},
		registry: memory.NewJobRegistry(),
		pub:      pubmem.New(),
	}
	exporter, err := metrics.New("")
	require.NoError(t, err)
	e.exporter = exporter

	wd, err := watchdog.New(watchdog.Deps{
		Prober:    e.prober,
		Mounter:   e.mounter,
		Tiering:   e.applier,
		Jobs:      jobs.NewRecoverer(e.registry, e.clock, nil),
		Service:   e.service,
		Clock:     e.clock,
		Metrics:   exporter,
		Publisher: e.pub,
	})
	require.NoError(t, err)
	e.wd = wd

	e.cfg = watchdog.Config{
		ManifestPath:                 manifestPath,
		ColdBase:                     coldBase,
		StateFile:                    filepath.Join(dir, "state", "watchdog.json"),
		LockFile:                     filepath.Join(dir, "run", "watchdog.lock"),
		TextfileDir:                  filepath.Join(dir, "textfile"),
		TextfileName:                 "warc_tiering_watchdog.prom",
		Apply:                        true,
		MaxRecoveriesPerTargetPerDay: 2,
		ConfirmRuns:                  1,
		ProgressWindow:               10 * time.Minute,
	}
	return e
}

// runningJob seeds a running job whose last progress was ago before baseTime.
func (e *env) runningJob(id, outputDir string, ago time.Duration) {
	progress := baseTime.Add(-ago)
	e.registry.Put(jobs.Record{
		ID:             id,
		Status:         jobs.StatusRunning,
		SourceCode:     "cc-main",
		OutputDir:      outputDir,
		StartedAt:      baseTime.Add(-6 * time.Hour),
		LastProgressAt: &progress,
	})
}

func (e *env) jobStatus(t *testing.T, id string) jobs.Status {
	t.Helper()
	rec, err := e.registry.Get(context.Background(), id)
	require.NoError(t, err)
	return rec.Status
}

func (e *env) loadState(t *testing.T) *state.WatchdogState {
	t.Helper()
	st, err := state.Load(e.cfg.StateFile)
	require.NoError(t, err)
	return st
}

func (e *env) textfile(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(e.cfg.TextfileDir, e.cfg.TextfileName))
	require.NoError(t, err)
	return string(data)
}

func steps(results []watchdog.StepResult) []watchdog.Step {
	out := make([]watchdog.Step, 0, len(results))
	for _, r := range results {
		out = append(out, r.Step)
	}
	return out
}

func statuses(results []watchdog.StepResult) []watchdog.StepStatus {
	out := make([]watchdog.StepStatus, 0, len(results))
	for _, r := range results {
		out = append(out, r.Status)
	}
	return out
}
