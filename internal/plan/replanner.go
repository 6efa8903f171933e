package plan

import (
	"context"

	"github.com/hama-jp/open-harness/internal/config"
)

// Replanner re-invokes the Planner after a step failure, bounded by a
// per-goal allowance (spec §4.10, §3's replan_allowance). The
// Orchestrator holds one Replanner per goal so the allowance is
// charged across the whole goal, not per step.
type Replanner struct {
	planner   *Planner
	critic    *Critic
	allowance int
	used      int
}

// NewReplanner constructs a Replanner with the allowance spec §3 assigns
// the goal's complexity (0/1/2 for low/medium/high), capped by
// cfg.ReplanAllowance as a configured ceiling.
func NewReplanner(planner *Planner, critic *Critic, complexity Complexity, cfg config.Config) *Replanner {
	allowance := replanAllowanceFor(complexity)
	if cfg.ReplanAllowance >= 0 && cfg.ReplanAllowance < allowance {
		allowance = cfg.ReplanAllowance
	}
	return &Replanner{planner: planner, critic: critic, allowance: allowance}
}

// Exhausted reports whether the allowance has been fully spent.
func (r *Replanner) Exhausted() bool { return r.used >= r.allowance }

// Remaining returns how many replan attempts are left for this goal.
func (r *Replanner) Remaining() int {
	if r.used >= r.allowance {
		return 0
	}
	return r.allowance - r.used
}

// Replan spends one attempt from the allowance and returns a
// Critic-accepted revised plan, or a Failure describing why none could
// be produced. Returns ok=false without spending an attempt if the
// allowance is already exhausted.
func (r *Replanner) Replan(ctx context.Context, goal string, completed []StepOutcome, failedStep Step, failureReason string, tier config.Tier) (*Plan, *Failure, bool) {
	if r.Exhausted() {
		return nil, &Failure{Reason: "replan allowance exhausted", Recoverable: false}, false
	}
	r.used++

	revised, failure := r.planner.Replan(ctx, goal, completed, failedStep, failureReason, tier)
	if failure != nil {
		return nil, failure, true
	}

	if issues := r.critic.Validate(revised); len(issues) > 0 {
		return nil, &Failure{
			Reason:      "revised plan rejected by critic: " + joinIssues(issues),
			Recoverable: true,
		}, true
	}

	return revised, nil, true
}

func joinIssues(issues []string) string {
	out := ""
	for i, s := range issues {
		if i > 0 {
			out += "; "
		}
		out += s
	}
	return out
}
