package watchdog

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Notification is the message published after a live cycle that acted or
// found something an operator has to look at.
type Notification struct {
	RunID      string          `json:"run_id"`
	Phase      Phase           `json:"phase"`
	FinishedAt time.Time       `json:"finished_at"`
	Targets    []NotifyTarget  `json:"targets"`
	Skipped    SkipReason      `json:"skipped,omitempty"`
	Steps      map[string]Plan `json:"steps,omitempty"`
}

// NotifyTarget summarizes one non-healthy target.
type NotifyTarget struct {
	Target   string   `json:"target"`
	Decision Decision `json:"decision"`
	State    string   `json:"state"`
	Detail   string   `json:"detail,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// Plan is the executed step sequence for one target.
type Plan []StepResult

// notable reports whether out is worth paging on: anything acted on,
// failed or capped.
func notable(out *RunOutcome) bool {
	for _, t := range out.Targets {
		if t.Decision == DecisionSoft || t.Decision == DecisionFull || t.Decision == DecisionFailed {
			return true
		}
		if t.Reason == SkipCap {
			return true
		}
	}
	return false
}

// NewNotification builds the published summary of out.
func NewNotification(out RunOutcome) Notification {
	n := Notification{
		RunID:      out.RunID,
		Phase:      out.Phase(),
		FinishedAt: out.FinishedAt,
		Skipped:    out.Skipped,
		Steps:      map[string]Plan{},
	}
	for _, t := range out.Targets {
		if t.Decision == DecisionHealthy {
			continue
		}
		nt := NotifyTarget{Target: t.Target, Decision: t.Decision, State: t.State, Detail: t.Detail}
		if t.Err != nil {
			nt.Error = t.Err.Error()
		}
		n.Targets = append(n.Targets, nt)
		if len(t.Steps) > 0 {
			n.Steps[t.Target] = t.Steps
		}
	}
	return n
}

func (w *Watchdog) notify(ctx context.Context, c *cycle) {
	if w.deps.Publisher == nil || c.cfg.NotifyTopic == "" || !notable(c.out) {
		return
	}
	n := NewNotification(*c.out)
	n.FinishedAt = w.deps.Clock.Now().UTC()
	id, err := w.deps.Publisher.Publish(ctx, c.cfg.NotifyTopic, n)
	if err != nil {
		c.logger.Warn("publish watchdog notification", zap.String("topic", c.cfg.NotifyTopic), zap.Error(err))
		return
	}
	c.logger.Info("watchdog notification published", zap.String("topic", c.cfg.NotifyTopic), zap.String("message_id", id))
}
