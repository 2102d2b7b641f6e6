// Package app initializes and holds the long-lived tiering services, acting
// as the dependency injection container for the CLI. Services that need
// network credentials or a database are opened on first use, so commands
// that never touch them run without that configuration.
package app

import (
	"context"
	"fmt"
	"time"

	gcpubsub "cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/warc-tiering/internal/api"
	"github.com/JakeFAU/warc-tiering/internal/clock/system"
	"github.com/JakeFAU/warc-tiering/internal/config"
	"github.com/JakeFAU/warc-tiering/internal/evidence"
	"github.com/JakeFAU/warc-tiering/internal/hash/sha256"
	"github.com/JakeFAU/warc-tiering/internal/id/uuid"
	"github.com/JakeFAU/warc-tiering/internal/jobs"
	"github.com/JakeFAU/warc-tiering/internal/logging"
	"github.com/JakeFAU/warc-tiering/internal/metrics"
	"github.com/JakeFAU/warc-tiering/internal/mount"
	"github.com/JakeFAU/warc-tiering/internal/probe"
	memorypublisher "github.com/JakeFAU/warc-tiering/internal/publisher/memory"
	pubsubpublisher "github.com/JakeFAU/warc-tiering/internal/publisher/pubsub"
	"github.com/JakeFAU/warc-tiering/internal/service"
	"github.com/JakeFAU/warc-tiering/internal/state"
	"github.com/JakeFAU/warc-tiering/internal/storage"
	"github.com/JakeFAU/warc-tiering/internal/storage/gcs"
	"github.com/JakeFAU/warc-tiering/internal/storage/local"
	"github.com/JakeFAU/warc-tiering/internal/storage/memory"
	"github.com/JakeFAU/warc-tiering/internal/storage/postgres"
	"github.com/JakeFAU/warc-tiering/internal/tiering"
	"github.com/JakeFAU/warc-tiering/internal/watchdog"
)

// App holds the shared services for one CLI invocation.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  tiering.Clock

	mounter tiering.Mounter
	prober  *probe.Prober
	manager *tiering.Manager
	service service.Controller
	metrics *metrics.Exporter

	registry  jobs.Registry
	recoverer *jobs.Recoverer
	publisher watchdog.Publisher
	store     storage.BlobStore
	watchdog  *watchdog.Watchdog
	evidence  *evidence.Capturer

	closers []func()
}

// Option overrides a service NewApp would otherwise build from config.
type Option func(*App)

// WithLogger replaces the configured zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(a *App) { a.logger = logger }
}

// WithClock replaces the wall clock, e.g. with a pinned drill clock.
func WithClock(clock tiering.Clock) Option {
	return func(a *App) { a.clock = clock }
}

// WithMounter replaces the mount(2) backed mounter and mount table.
func WithMounter(m tiering.Mounter) Option {
	return func(a *App) { a.mounter = m }
}

// WithService replaces the systemd controller.
func WithService(c service.Controller) Option {
	return func(a *App) { a.service = c }
}

// WithJobRegistry replaces the configured job registry backend.
func WithJobRegistry(r jobs.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithPublisher replaces the configured notification backend.
func WithPublisher(p watchdog.Publisher) Option {
	return func(a *App) { a.publisher = p }
}

// WithBlobStore replaces the configured evidence store.
func WithBlobStore(s storage.BlobStore) Option {
	return func(a *App) { a.store = s }
}

// NewApp builds the local services from cfg. It fails fast when the logger
// or the metrics registry cannot be built.
func NewApp(cfg config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, opt := range opts {
		opt(a)
	}

	if a.logger == nil {
		logger, err := logging.New(cfg.Logging.Development, logging.WithLevel(cfg.Logging.Level))
		if err != nil {
			return nil, fmt.Errorf("init logger: %w", err)
		}
		a.logger = logger
	}
	if a.clock == nil {
		a.clock = system.New()
	}
	if a.mounter == nil {
		a.mounter = mount.NewMounter(mount.NewTable(cfg.Tiering.MountInfoPath))
	}
	a.prober = probe.New(a.mounter,
		probe.WithTimeout(cfg.ProbeTimeout()),
		probe.WithLogger(a.logger.Named("probe")),
	)
	a.manager = tiering.NewManager(a.mounter, a.prober, a.logger.Named("tiering"))
	if a.service == nil {
		a.service = service.NewSystemd(cfg.Service.Unit, service.ExecRunner{},
			service.WithSettleTimeout(time.Duration(cfg.Service.SettleTimeoutSeconds)*time.Second),
			service.WithPollInterval(time.Duration(cfg.Service.PollIntervalMs)*time.Millisecond),
			service.WithLogger(a.logger.Named("service")),
		)
	}
	exp, err := metrics.New(cfg.Metrics.Prefix)
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}
	a.metrics = exp

	return a, nil
}

// Config returns the configuration the app was built from.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Clock returns the clock every component shares.
func (a *App) Clock() tiering.Clock { return a.clock }

// Prober returns the bounded mount prober.
func (a *App) Prober() *probe.Prober { return a.prober }

// Tiering returns the bind-mount manager.
func (a *App) Tiering() *tiering.Manager { return a.manager }

// Metrics returns the watchdog exporter.
func (a *App) Metrics() *metrics.Exporter { return a.metrics }

// ApplyOptions maps config onto a manager run. Apply false plans only.
func (a *App) ApplyOptions(apply bool) tiering.ApplyOptions {
	return tiering.ApplyOptions{
		ColdBase:          a.cfg.Tiering.ColdBase,
		RepairStaleMounts: a.cfg.Tiering.RepairStaleMounts,
		DryRun:            !apply,
	}
}

// Jobs opens the job registry and returns the stale-job recoverer.
func (a *App) Jobs(ctx context.Context) (*jobs.Recoverer, error) {
	if a.recoverer != nil {
		return a.recoverer, nil
	}
	if a.registry == nil {
		switch a.cfg.Jobs.Backend {
		case config.BackendMemory:
			a.logger.Warn("using in-memory job registry; no jobs will be found")
			a.registry = memory.NewJobRegistry()
		case config.BackendPostgres:
			if a.cfg.Database.DSN == "" {
				return nil, fmt.Errorf("%w: database.dsn is required when jobs.backend is postgres", tiering.ErrConfig)
			}
			reg, err := postgres.NewJobRegistry(ctx, postgres.JobRegistryConfig{
				DSN:             a.cfg.Database.DSN,
				Table:           a.cfg.Database.Table,
				MaxConns:        a.cfg.Database.MaxConns,
				MinConns:        a.cfg.Database.MinConns,
				MaxConnLifetime: time.Duration(a.cfg.Database.MaxConnLifetimeMinutes) * time.Minute,
			})
			if err != nil {
				return nil, fmt.Errorf("open job registry: %w", err)
			}
			a.registry = reg
			a.closers = append(a.closers, reg.Close)
		default:
			return nil, fmt.Errorf("%w: unknown jobs backend %q", tiering.ErrConfig, a.cfg.Jobs.Backend)
		}
	}
	a.recoverer = jobs.NewRecoverer(a.registry, a.clock, a.logger.Named("jobs"))
	return a.recoverer, nil
}

// JobFilter maps the jobs section onto a recovery filter.
func (a *App) JobFilter() jobs.Filter {
	return jobs.Filter{
		OlderThan:         time.Duration(a.cfg.Jobs.OlderThanMinutes) * time.Minute,
		RequireNoProgress: time.Duration(a.cfg.Jobs.RequireNoProgressSeconds) * time.Second,
		SourceCode:        a.cfg.Jobs.Source,
		Limit:             a.cfg.Jobs.Limit,
	}
}

// Publisher returns the notification backend, or nil when notifications are
// off.
func (a *App) Publisher(ctx context.Context) (watchdog.Publisher, error) {
	if a.publisher != nil {
		return a.publisher, nil
	}
	switch a.cfg.Notify.Backend {
	case config.BackendNone, "":
		return nil, nil
	case config.BackendMemory:
		a.publisher = memorypublisher.New()
	case config.BackendPubSub:
		client, err := gcpubsub.NewClient(ctx, a.cfg.Notify.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("init pubsub client: %w", err)
		}
		pub := pubsubpublisher.New(client)
		a.publisher = pub
		a.closers = append(a.closers, func() {
			pub.Close()
			if err := client.Close(); err != nil {
				a.logger.Warn("close pubsub client", zap.Error(err))
			}
		})
		a.logger.Info("publishing watchdog notifications to pubsub",
			zap.String("project_id", a.cfg.Notify.ProjectID),
			zap.String("topic", a.cfg.Notify.Topic),
		)
	default:
		return nil, fmt.Errorf("%w: unknown notify backend %q", tiering.ErrConfig, a.cfg.Notify.Backend)
	}
	return a.publisher, nil
}

// Store returns the evidence blob store.
func (a *App) Store(ctx context.Context) (storage.BlobStore, error) {
	if a.store != nil {
		return a.store, nil
	}
	switch a.cfg.Evidence.Backend {
	case config.BackendMemory:
		a.store = memory.NewBlobStore()
	case config.BackendLocal:
		store, err := local.New(a.cfg.Evidence.Local)
		if err != nil {
			return nil, fmt.Errorf("init local evidence store: %w", err)
		}
		a.store = store
	case config.BackendGCS:
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init gcs client: %w", err)
		}
		store, err := gcs.New(client, a.cfg.Evidence.GCS)
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("init gcs evidence store: %w", err)
		}
		a.store = store
		a.closers = append(a.closers, func() {
			if err := client.Close(); err != nil {
				a.logger.Warn("close gcs client", zap.Error(err))
			}
		})
	default:
		return nil, fmt.Errorf("%w: unknown evidence backend %q", tiering.ErrConfig, a.cfg.Evidence.Backend)
	}
	return a.store, nil
}

// Watchdog builds the recovery watchdog with the job registry and the
// notification backend.
func (a *App) Watchdog(ctx context.Context) (*watchdog.Watchdog, error) {
	if a.watchdog != nil {
		return a.watchdog, nil
	}
	recoverer, err := a.Jobs(ctx)
	if err != nil {
		return nil, err
	}
	pub, err := a.Publisher(ctx)
	if err != nil {
		return nil, err
	}
	wd, err := watchdog.New(watchdog.Deps{
		Prober:    a.prober,
		Mounter:   a.mounter,
		Tiering:   a.manager,
		Jobs:      recoverer,
		Service:   a.service,
		Clock:     a.clock,
		Metrics:   a.metrics,
		Publisher: pub,
		Logger:    a.logger.Named("watchdog"),
	})
	if err != nil {
		return nil, err
	}
	a.watchdog = wd
	return wd, nil
}

// WatchdogConfig maps config onto one cycle. Apply is left false; callers
// opt in to mutations explicitly.
func (a *App) WatchdogConfig() watchdog.Config {
	return WatchdogConfig(a.cfg)
}

// WatchdogConfig maps cfg onto one watchdog cycle.
func WatchdogConfig(cfg config.Config) watchdog.Config {
	wc := watchdog.Config{
		ManifestPath:                 cfg.Tiering.ManifestPath,
		ColdBase:                     cfg.Tiering.ColdBase,
		StateFile:                    cfg.Watchdog.StateFile,
		LockFile:                     cfg.Watchdog.LockFile,
		TextfileDir:                  cfg.Metrics.TextfileDir,
		TextfileName:                 cfg.Metrics.TextfileName,
		MinFailureAge:                time.Duration(cfg.Watchdog.MinFailureAgeSeconds) * time.Second,
		ConfirmRuns:                  cfg.Watchdog.ConfirmRuns,
		MaxRecoveriesPerTargetPerDay: cfg.Watchdog.MaxRecoveriesPerTargetPerDay,
		ProgressWindow:               time.Duration(cfg.Watchdog.ProgressWindowSeconds) * time.Second,
	}
	if cfg.Notify.Backend != config.BackendNone {
		wc.NotifyTopic = cfg.Notify.Topic
	}
	return wc
}

// Evidence builds the read-only evidence capturer. A missing job registry
// or service is recorded in the snapshot rather than failing the capture.
func (a *App) Evidence(ctx context.Context) (*evidence.Capturer, error) {
	if a.evidence != nil {
		return a.evidence, nil
	}
	store, err := a.Store(ctx)
	if err != nil {
		return nil, err
	}
	deps := evidence.Deps{
		Prober:  a.prober,
		Table:   a.mounter,
		Service: a.service,
		Store:   store,
		Clock:   a.clock,
		IDs:     uuid.NewUUIDGenerator(),
		Hasher:  sha256.New(),
		Logger:  a.logger.Named("evidence"),
	}
	if recoverer, err := a.Jobs(ctx); err != nil {
		a.logger.Warn("evidence capture without job registry", zap.Error(err))
	} else {
		deps.Jobs = recoverer
	}
	capturer, err := evidence.New(deps)
	if err != nil {
		return nil, err
	}
	a.evidence = capturer
	return capturer, nil
}

// EvidenceRequest is the capture request the config describes.
func (a *App) EvidenceRequest(reason string) evidence.Request {
	return evidence.Request{
		ManifestPath: a.cfg.Tiering.ManifestPath,
		ColdBase:     a.cfg.Tiering.ColdBase,
		StateFile:    a.cfg.Watchdog.StateFile,
		Reason:       reason,
	}
}

// Server builds the status server over the watchdog and evidence capturer.
func (a *App) Server(ctx context.Context) (*api.Server, error) {
	wd, err := a.Watchdog(ctx)
	if err != nil {
		return nil, err
	}
	capturer, err := a.Evidence(ctx)
	if err != nil {
		return nil, err
	}
	if err := a.metrics.EnableHTTP(); err != nil {
		return nil, err
	}
	wc := a.WatchdogConfig()
	return api.NewServer(api.Deps{
		Metrics:         a.metrics,
		State:           func() (*state.WatchdogState, error) { return watchdog.Status(wc) },
		Outcomes:        wd,
		Evidence:        capturer,
		EvidenceRequest: a.EvidenceRequest("requested via status server"),
		APIKey:          a.cfg.Server.APIKey,
		Logger:          a.logger.Named("api"),
	})
}

// Close releases opened clients in reverse order and flushes the logger.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	// Sync reports EINVAL on terminals.
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
}
