// Package probe checks whether tiered paths are live, readable mounts.
package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/warc-tiering/internal/tiering"
)

// DefaultTimeout bounds each filesystem call made by a probe.
const DefaultTimeout = 5 * time.Second

// Prober implements tiering.Prober. Every filesystem call runs in its own
// goroutine raced against the timeout; a call that hangs is abandoned and the
// path is reported stale.
type Prober struct {
	table   tiering.MountTable
	timeout time.Duration
	logger  *zap.Logger

	lstat   func(string) error
	readdir func(string) error
}

// Option customises a Prober.
type Option func(*Prober)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Prober) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Prober) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// New constructs a Prober. table may be nil, in which case Mounted is never set.
func New(table tiering.MountTable, opts ...Option) *Prober {
	p := &Prober{
		table:   table,
		timeout: DefaultTimeout,
		logger:  zap.NewNop(),
		lstat:   lstatPath,
		readdir: readOneEntry,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Probe checks path in three steps: existence, mount table membership, and a
// single directory read. It never returns an error; failures are classified
// into the result.
func (p *Prober) Probe(ctx context.Context, path string) (res tiering.ProbeResult) {
	start := time.Now()
	res.Path = path
	defer func() {
		res.Elapsed = time.Since(start)
	}()

	if p.table != nil {
		mounted, err := p.table.IsMountpoint(path)
		if err != nil {
			p.logger.Debug("mount table lookup failed", zap.String("path", path), zap.Error(err))
		}
		res.Mounted = mounted
	}

	if err := p.call(ctx, path, p.lstat); err != nil {
		return p.failed(res, err)
	}
	if err := p.call(ctx, path, p.readdir); err != nil {
		return p.failed(res, err)
	}
	res.Readable = true
	res.Kind = tiering.KindNone
	return res
}

func (p *Prober) failed(res tiering.ProbeResult, err error) tiering.ProbeResult {
	res.Kind = Classify(err)
	res.Err = err
	res.Detail = err.Error()
	p.logger.Debug("probe failed",
		zap.String("path", res.Path),
		zap.String("kind", string(res.Kind)),
		zap.Bool("mounted", res.Mounted),
		zap.Error(err),
	)
	return res
}

func (p *Prober) call(ctx context.Context, path string, fn func(string) error) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(path)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s: %s", ErrTimeout, p.timeout, path)
		}
		return ctx.Err()
	}
}

func lstatPath(path string) error {
	_, err := os.Lstat(path)
	return err
}

func readOneEntry(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close() //nolint:errcheck // read-only

	if _, err := f.Readdirnames(1); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
