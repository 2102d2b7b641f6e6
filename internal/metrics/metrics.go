// Package metrics exposes the watchdog health gauges, either as a Prometheus
// textfile for node_exporter or live through the status server.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultPrefix is the metric name prefix used when none is configured.
const DefaultPrefix = "warc_tiering_watchdog"

// Target states and skip reasons that are always exported, at zero when
// absent, so alert rules never see a missing series.
var (
	TargetStates = []string{"healthy", "pending", "capped", "recovered", "soft_recovered", "failed", "planned"}
	SkipReasons  = []string{"disabled", "pending", "cap", "lock_held_elsewhere"}
)

// Snapshot is everything the exporter publishes for one cycle.
type Snapshot struct {
	Enabled            bool
	ApplyTotal         int64
	LastApplyOk        bool
	LastApplyTimestamp time.Time
	LastRunTimestamp   time.Time
	// Targets counts targets per state in the last cycle.
	Targets map[string]int
	// Skipped counts skip decisions per reason in the last cycle.
	Skipped map[string]int
	// RecoveriesToday is the per-target recovery count for the current UTC day.
	RecoveriesToday map[string]int
}

// Exporter owns the watchdog collectors on a dedicated registry.
type Exporter struct {
	registry *prometheus.Registry

	enabled         prometheus.Gauge
	lastApplyOk     prometheus.Gauge
	lastApplyTS     prometheus.Gauge
	lastRunTS       prometheus.Gauge
	targets         *prometheus.GaugeVec
	lastRunSkipped  *prometheus.GaugeVec
	recoveriesToday *prometheus.GaugeVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	mu         sync.RWMutex
	applyTotal float64
}

// New registers the collectors against a fresh registry.
func New(prefix string) (*Exporter, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	prefix = strings.TrimSuffix(prefix, "_")
	name := func(s string) string { return prefix + "_" + s }

	e := &Exporter{
		registry: prometheus.NewRegistry(),
		enabled: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: name("enabled"),
			Help: "1 when automatic recovery is enabled.",
		}),
		lastApplyOk: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: name("last_apply_ok"),
			Help: "1 when the last cycle that acted succeeded.",
		}),
		lastApplyTS: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: name("last_apply_timestamp_seconds"),
			Help: "Unix time of the last cycle that acted.",
		}),
		lastRunTS: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: name("last_run_timestamp_seconds"),
			Help: "Unix time of the last completed cycle.",
		}),
		targets: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: name("targets"),
			Help: "Targets per state in the last cycle.",
		}, []string{"state"}),
		lastRunSkipped: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: name("last_run_skipped"),
			Help: "Skip decisions per reason in the last cycle.",
		}, []string{"reason"}),
		recoveriesToday: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: name("recoveries_today"),
			Help: "Recoveries acted on today (UTC) per target.",
		}, []string{"target"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: name("http_requests_total"),
			Help: "Status server requests, labeled by method and code.",
		}, []string{"method", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    name("http_request_duration_seconds"),
			Help:    "Status server latency, labeled by method and route.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"method", "route"}),
	}
	applyTotal := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: name("apply_total"),
		Help: "Cycles that acted on at least one target.",
	}, func() float64 {
		e.mu.RLock()
		defer e.mu.RUnlock()
		return e.applyTotal
	})

	for _, collector := range []prometheus.Collector{
		e.enabled,
		applyTotal,
		e.lastApplyOk,
		e.lastApplyTS,
		e.lastRunTS,
		e.targets,
		e.lastRunSkipped,
		e.recoveriesToday,
	} {
		if err := e.registry.Register(collector); err != nil {
			return nil, fmt.Errorf("register watchdog collector: %w", err)
		}
	}
	return e, nil
}

// Registry returns the registry the collectors live on.
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

// Update replaces every published value with the snapshot.
func (e *Exporter) Update(s Snapshot) {
	e.enabled.Set(boolFloat(s.Enabled))
	e.mu.Lock()
	e.applyTotal = float64(s.ApplyTotal)
	e.mu.Unlock()
	e.lastApplyOk.Set(boolFloat(s.LastApplyOk))
	e.lastApplyTS.Set(unixSeconds(s.LastApplyTimestamp))
	e.lastRunTS.Set(unixSeconds(s.LastRunTimestamp))

	setVec(e.targets, TargetStates, s.Targets)
	setVec(e.lastRunSkipped, SkipReasons, s.Skipped)
	setVec(e.recoveriesToday, nil, s.RecoveriesToday)
}

// MarkSkipped flags a cycle-level skip without touching the other series.
func (e *Exporter) MarkSkipped(reason string) {
	e.lastRunSkipped.WithLabelValues(reason).Set(1)
}

// WriteTextfile writes the registry in the textfile collector format. The
// underlying writer replaces the file atomically.
func (e *Exporter) WriteTextfile(dir, file string) error {
	if dir == "" || file == "" {
		return fmt.Errorf("textfile directory and file name are required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create textfile directory: %w", err)
	}
	path := filepath.Join(dir, file)
	if err := prometheus.WriteToTextfile(path, e.registry); err != nil {
		return fmt.Errorf("write metrics textfile %s: %w", path, err)
	}
	return nil
}

func setVec(vec *prometheus.GaugeVec, known []string, values map[string]int) {
	vec.Reset()
	for _, label := range known {
		vec.WithLabelValues(label).Set(0)
	}
	for label, v := range values {
		vec.WithLabelValues(label).Set(float64(v))
	}
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func unixSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.Unix())
}
