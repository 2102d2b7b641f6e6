// Package service controls the ingestion service the watchdog stops and
// restarts around a mount repair.
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"slices"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// State is a systemd ActiveState value.
type State string

// Unit states reported by systemd.
const (
	StateActive       State = "active"
	StateInactive     State = "inactive"
	StateFailed       State = "failed"
	StateActivating   State = "activating"
	StateDeactivating State = "deactivating"
	StateUnknown      State = "unknown"
)

// ErrNotSettled is returned when a unit does not reach the wanted state in time.
var ErrNotSettled = errors.New("unit did not settle")

// Controller stops, starts and inspects the ingestion service. Stop and
// Start are idempotent.
type Controller interface {
	Stop(ctx context.Context) error
	Start(ctx context.Context) error
	Status(ctx context.Context) (State, error)
}

// Runner executes an external command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run executes name with args.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...) // #nosec G204 -- fixed binary, unit name from config
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return out.Bytes(), fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(out.String()))
	}
	return out.Bytes(), nil
}

// Systemd controls a unit through systemctl.
type Systemd struct {
	unit      string
	runner    Runner
	settle    time.Duration
	pollEvery time.Duration
	logger    *zap.Logger
}

// Option customises a Systemd controller.
type Option func(*Systemd)

// WithSettleTimeout bounds how long Stop and Start wait for the unit state.
func WithSettleTimeout(d time.Duration) Option {
	return func(s *Systemd) {
		if d > 0 {
			s.settle = d
		}
	}
}

// WithPollInterval sets the first wait between state checks.
func WithPollInterval(d time.Duration) Option {
	return func(s *Systemd) {
		if d > 0 {
			s.pollEvery = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Systemd) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSystemd returns a controller for unit. runner defaults to ExecRunner.
func NewSystemd(unit string, runner Runner, opts ...Option) *Systemd {
	if runner == nil {
		runner = ExecRunner{}
	}
	s := &Systemd{
		unit:      unit,
		runner:    runner,
		settle:    60 * time.Second,
		pollEvery: 500 * time.Millisecond,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Unit returns the controlled unit name.
func (s *Systemd) Unit() string {
	return s.unit
}

// Stop stops the unit and waits until it is no longer running.
func (s *Systemd) Stop(ctx context.Context) error {
	if _, err := s.runner.Run(ctx, "systemctl", "stop", s.unit); err != nil {
		return fmt.Errorf("stop %s: %w", s.unit, err)
	}
	return s.waitFor(ctx, StateInactive, StateFailed)
}

// Start starts the unit and waits until it is active.
func (s *Systemd) Start(ctx context.Context) error {
	if _, err := s.runner.Run(ctx, "systemctl", "start", s.unit); err != nil {
		return fmt.Errorf("start %s: %w", s.unit, err)
	}
	return s.waitFor(ctx, StateActive)
}

// Status reports the unit's ActiveState.
func (s *Systemd) Status(ctx context.Context) (State, error) {
	out, err := s.runner.Run(ctx, "systemctl", "show", "-p", "ActiveState", "--value", s.unit)
	if err != nil {
		return StateUnknown, fmt.Errorf("status %s: %w", s.unit, err)
	}
	state := State(strings.TrimSpace(string(out)))
	if state == "" {
		return StateUnknown, nil
	}
	return state, nil
}

func (s *Systemd) waitFor(ctx context.Context, want ...State) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.pollEvery
	bo.MaxInterval = 5 * s.pollEvery
	bo.MaxElapsedTime = s.settle

	var last State
	err := backoff.Retry(func() error {
		state, err := s.Status(ctx)
		if err != nil {
			return err
		}
		last = state
		if slices.Contains(want, state) {
			return nil
		}
		if state == StateFailed {
			return backoff.Permanent(fmt.Errorf("%w: %s entered failed state", ErrNotSettled, s.unit))
		}
		return fmt.Errorf("%w: %s is %s", ErrNotSettled, s.unit, state)
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		s.logger.Warn("unit did not reach wanted state",
			zap.String("unit", s.unit),
			zap.String("last_state", string(last)),
			zap.Error(err),
		)
		return err
	}
	s.logger.Info("unit settled", zap.String("unit", s.unit), zap.String("state", string(last)))
	return nil
}
