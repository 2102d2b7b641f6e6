// Package watchdog runs the lock-guarded recovery cycle: detect broken hot
// paths, decide whether automation may act, and execute an ordered repair.
package watchdog

import (
	"context"
	"errors"
	"time"

	"github.com/JakeFAU/warc-tiering/internal/jobs"
	"github.com/JakeFAU/warc-tiering/internal/tiering"
)

// Phase is a state of the recovery state machine.
type Phase string

// Cycle phases, recorded in order in RunOutcome.Trace.
const (
	PhaseIdle           Phase = "Idle"
	PhaseLocking        Phase = "Locking"
	PhaseDetecting      Phase = "Detecting"
	PhaseHealthy        Phase = "Healthy"
	PhaseEvaluating     Phase = "Evaluating"
	PhaseSkipped        Phase = "Skipped"
	PhaseRepairing      Phase = "Repairing"
	PhaseRecovered      Phase = "Recovered"
	PhasePartialFailure Phase = "PartialFailure"
)

// Step names one action of a repair plan.
type Step string

// Repair steps.
const (
	StepStop        Step = "stop"
	StepUnmount     Step = "unmount"
	StepReapply     Step = "reapply-tiering"
	StepRecoverJobs Step = "recover-jobs"
	StepStart       Step = "start"
)

// FullRepairPlan is the ordered full repair sequence.
func FullRepairPlan() []Step {
	return []Step{StepStop, StepUnmount, StepReapply, StepRecoverJobs, StepStart}
}

// SoftRecoveryPlan only releases the affected jobs.
func SoftRecoveryPlan() []Step {
	return []Step{StepRecoverJobs}
}

// SkipReason explains why automation did not act.
type SkipReason string

// Skip reasons. They double as metric label values.
const (
	SkipNone     SkipReason = ""
	SkipDisabled SkipReason = "disabled"
	SkipPending  SkipReason = "pending"
	SkipCap      SkipReason = "cap"
	SkipLockHeld SkipReason = "lock_held_elsewhere"
)

// Decision is the eligibility outcome for one target.
type Decision string

// Target decisions.
const (
	DecisionHealthy Decision = "healthy"
	DecisionSkip    Decision = "skip"
	DecisionSoft    Decision = "soft"
	DecisionFull    Decision = "full"
	// DecisionFailed marks a non-stale failure that is surfaced, never repaired.
	DecisionFailed Decision = "failed"
)

// StepStatus is the outcome of one plan step.
type StepStatus string

// Step statuses.
const (
	StepPlanned  StepStatus = "planned"
	StepOK       StepStatus = "ok"
	StepFailed   StepStatus = "failed"
	StepHalted   StepStatus = "halted"
	StepWithheld StepStatus = "withheld"
	StepSkipped  StepStatus = "skipped"
)

// StepResult records one executed or planned step.
type StepResult struct {
	Step   Step       `json:"step"`
	Status StepStatus `json:"status"`
	Detail string     `json:"detail,omitempty"`
	Err    error      `json:"-"`
}

// TargetOutcome is the decision and repair record for one watched path.
// State is the metrics label for the target after the cycle; MountPoint is
// the stale mountpoint the unmount step releases.
type TargetOutcome struct {
	Target       string              `json:"target"`
	Probe        tiering.ProbeResult `json:"probe"`
	Decision     Decision            `json:"decision"`
	Reason       SkipReason          `json:"reason,omitempty"`
	State        string              `json:"state"`
	Detail       string              `json:"detail,omitempty"`
	Plan         []Step              `json:"plan,omitempty"`
	Steps        []StepResult        `json:"steps,omitempty"`
	AffectedJobs []string            `json:"affected_jobs,omitempty"`
	MountPoint   string              `json:"mount_point,omitempty"`
	Err          error               `json:"-"`
}

// RunOutcome is the typed result of one cycle.
type RunOutcome struct {
	RunID      string          `json:"run_id"`
	DryRun     bool            `json:"dry_run"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Trace      []Phase         `json:"trace"`
	Skipped    SkipReason      `json:"skipped,omitempty"`
	Targets    []TargetOutcome `json:"targets"`
}

// Phase returns the last non-idle phase reached.
func (o RunOutcome) Phase() Phase {
	for i := len(o.Trace) - 1; i >= 0; i-- {
		if o.Trace[i] != PhaseIdle {
			return o.Trace[i]
		}
	}
	return PhaseIdle
}

// Acted reports whether any target got a soft or full decision.
func (o RunOutcome) Acted() bool {
	for _, t := range o.Targets {
		if t.Decision == DecisionSoft || t.Decision == DecisionFull {
			return true
		}
	}
	return false
}

// Err joins the per-target errors.
func (o RunOutcome) Err() error {
	var errs []error
	for _, t := range o.Targets {
		if t.Err != nil {
			errs = append(errs, t.Err)
		}
	}
	return errors.Join(errs...)
}

func (o *RunOutcome) enter(p Phase) {
	o.Trace = append(o.Trace, p)
}

// Applier re-applies the tiering manifest.
type Applier interface {
	Apply(ctx context.Context, manifest tiering.Manifest, opts tiering.ApplyOptions) (tiering.ApplyResult, error)
}

// JobRecoverer lists running jobs and releases stale ones.
type JobRecoverer interface {
	Running(ctx context.Context, sourceCode string) ([]jobs.Record, error)
	RecoverStale(ctx context.Context, f jobs.Filter, apply bool) (jobs.RecoveryResult, error)
}

// Publisher sends cycle notifications.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// IDGenerator issues run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
