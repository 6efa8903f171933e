// Package orchestrator implements the Goal Orchestrator (spec §4.11):
// the top-level driver that takes a goal, opens a checkpoint session,
// plans and critiques it, runs the Reasoner/Executor Loop per step,
// rolls back and replans on step failure, and finishes the checkpoint
// one way or the other.
//
// Grounded on original_source's open_harness/agent.py-equivalent
// run_goal orchestration (plan -> execute step -> snapshot -> next,
// degrade to direct execution on a planning failure) wired through this
// module's internal/plan, internal/checkpoint, internal/loop, and
// internal/contextstore instead of the source's single monolithic Agent
// class.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hama-jp/open-harness/internal/checkpoint"
	"github.com/hama-jp/open-harness/internal/compensation"
	"github.com/hama-jp/open-harness/internal/config"
	"github.com/hama-jp/open-harness/internal/contextstore"
	"github.com/hama-jp/open-harness/internal/events"
	"github.com/hama-jp/open-harness/internal/llm"
	"github.com/hama-jp/open-harness/internal/loop"
	"github.com/hama-jp/open-harness/internal/logging"
	"github.com/hama-jp/open-harness/internal/parser"
	"github.com/hama-jp/open-harness/internal/plan"
	"github.com/hama-jp/open-harness/internal/tools"
	"github.com/hama-jp/open-harness/internal/types"
)

// Status is the terminal disposition of a goal run.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Stats are the counters spec §4.11 step 4 requires on GoalCompleted.
type Stats struct {
	StepsPlanned     int
	StepsCompleted   int
	StepsFailed      int
	Replans          int
	ToolsRun         int
	PolicyViolations int
	DirectFallback   bool
}

// Result is run_goal's return contract (spec §4.11). PolicySummary is
// the Policy Engine's budget-usage summary (spec §12.2 supplement),
// empty when the orchestrator was built without a policy checker.
type Result struct {
	Status        Status
	Summary       string
	Stats         Stats
	PolicySummary string
}

// Orchestrator drives one workspace through the Plan/Critic/Execute/
// Replan cycle for successive goals. It is not safe for concurrent
// goals against the same workspace; spec §5 assigns that exclusion to
// the caller (the Task Queue holds the workspace mutex for the
// duration of RunGoal).
type Orchestrator struct {
	cfg      config.Config
	tier     config.Tier
	client   *llm.Client
	registry *tools.Registry
	policy   tools.PolicyChecker
	pipeline *compensation.Pipeline
	parser   *parser.Parser
	check    *checkpoint.Manager
	planner  *plan.Planner
	critic   *plan.Critic
	pub      events.Publisher
	log      *zap.Logger
}

// New constructs an Orchestrator for a single workspace.
func New(cfg config.Config, tier config.Tier, client *llm.Client, registry *tools.Registry, policy tools.PolicyChecker, check *checkpoint.Manager, pub events.Publisher, log *zap.Logger) *Orchestrator {
	log = logging.OrNop(log)
	p := parser.New(registry.Names())
	return &Orchestrator{
		cfg:      cfg,
		tier:     tier,
		client:   client,
		registry: registry,
		policy:   policy,
		pipeline: compensation.New(client, registry, p, cfg, log),
		parser:   p,
		check:    check,
		planner:  plan.NewPlanner(client, cfg),
		critic:   plan.NewCritic(cfg.MaxPlanSteps, registry),
		pub:      pub,
		log:      log,
	}
}

func (o *Orchestrator) publish(goalID string, t events.Type, data map[string]any) {
	if o.pub != nil {
		o.pub.Publish(events.Event{Type: t, GoalID: goalID, Data: data})
	}
}

// RunGoal implements spec §4.11's run_goal(goal) contract end to end.
func (o *Orchestrator) RunGoal(ctx context.Context, goalID, goal string) (res Result) {
	o.publish(goalID, events.TypeGoalStarted, map[string]any{"goal": goal})

	// A panic inside the goal ends this goal only: it is reported as
	// GoalFailed and returned as a failed Result.
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("panic: %v", r)
			o.log.Error("orchestrator: goal panicked", zap.String("goal_id", goalID), zap.String("panic", msg))
			o.publish(goalID, events.TypeGoalFailed, map[string]any{"error": msg})
			res = Result{Status: StatusFailed, Summary: msg}
		}
	}()

	epoch := time.Now().Unix()
	o.check.Enter(ctx, epoch)

	store := contextstore.New()
	store.System.Role = "You are an autonomous coding assistant working inside a real git repository. Use the available tools to make progress on the goal."
	store.System.ToolsDescription = renderToolDescriptions(o.registry.Descriptors())

	p, failure := o.planner.CreatePlan(ctx, goal, "", o.tier)
	stats := Stats{}
	if failure != nil || len(o.critic.Validate(p)) > 0 {
		p = directPlan(goal)
		stats.DirectFallback = true
	}
	stats.StepsPlanned = len(p.Steps)
	store.Plan.Steps = stepTitles(p.Steps)

	replanner := plan.NewReplanner(o.planner, o.critic, p.Complexity, o.cfg)

	var completed []plan.StepOutcome
	var lastGoodSnap *checkpoint.Snapshot // most recent real snapshot; nil means pre-goal state
	anySucceeded := false
	hardFailure := false
	var lastErr error

	i := 0
	for i < len(p.Steps) {
		if err := ctx.Err(); err != nil {
			hardFailure = true
			lastErr = err
			break
		}

		step := p.Steps[i]
		store.Plan.CurrentStep = i
		o.publish(goalID, events.TypePlanStepStarted, map[string]any{"step": step.Title})

		// Snapshot returns nil, nil when nothing changed since the last
		// one (spec §4.7 step 3's fast no-change path) — lastGoodSnap then
		// stays pointed at the previous real snapshot, not this no-op.
		if snap, _ := o.check.Snapshot(ctx, "before "+step.Title); snap != nil {
			lastGoodSnap = snap
		}

		stepBudget := step.MaxAgentSteps
		if stepBudget <= 0 {
			stepBudget = o.cfg.StepBudget
		}
		store.AddMessage(types.Message{Role: types.RoleUser, Content: step.ToPrompt()})
		l := loop.New(o.pipeline, o.registry, o.policy, store, o.pub, stepBudget, o.log)
		out := l.Run(ctx, goalID, llm.Request{Tier: o.tier}, o.registry.Descriptors(), o.cfg.ModelMaxTokens)
		stats.ToolsRun += l.StepCount()
		stats.PolicyViolations += l.PolicyViolations()

		if out.Kind != loop.KindFailed {
			stats.StepsCompleted++
			anySucceeded = true
			completed = append(completed, plan.StepOutcome{Step: step, Succeeded: true, Summary: out.AnswerText})
			o.publish(goalID, events.TypePlanStepCompleted, map[string]any{"step": step.Title})
			i++
			continue
		}

		stats.StepsFailed++
		failureReason := "unknown failure"
		if out.TerminalFail != nil {
			failureReason = out.TerminalFail.Error()
		}
		o.publish(goalID, events.TypePlanStepFailed, map[string]any{"step": step.Title, "reason": failureReason})

		o.check.Rollback(ctx, lastGoodSnap)

		revised, rfailure, attempted := replanner.Replan(ctx, goal, completed, step, failureReason, o.tier)
		if attempted && rfailure == nil {
			stats.Replans++
			p.Steps = append(append([]plan.Step{}, p.Steps[:i]...), revised.Steps...)
			store.Plan.Steps = stepTitles(p.Steps)
			continue
		}

		// Replan failed or its allowance is spent: fall back once to
		// direct execution of the whole goal, keeping the context store.
		if !stats.DirectFallback {
			stats.DirectFallback = true
			p.Steps = append(append([]plan.Step{}, p.Steps[:i]...), directPlan(goal).Steps...)
			store.Plan.Steps = stepTitles(p.Steps)
			continue
		}

		hardFailure = true
		lastErr = fmt.Errorf("step %q failed and could not be replanned: %s", step.Title, failureReason)
		break
	}

	policySummary := ""
	if o.policy != nil {
		policySummary = o.policy.Summary()
	}

	if hardFailure {
		// The failing step's own changes were already rolled back to the
		// last good snapshot above; a prior successful step's snapshot is
		// left intact so Finish can still squash-merge it.
		finishNote, _ := o.check.Finish(ctx, anySucceeded)
		o.publish(goalID, events.TypeGoalFailed, map[string]any{"error": lastErr.Error(), "checkpoint": finishNote, "policy_violations": stats.PolicyViolations})
		return Result{
			Status:        StatusFailed,
			Summary:       lastErr.Error(),
			Stats:         stats,
			PolicySummary: policySummary,
		}
	}

	finishNote, err := o.check.Finish(ctx, true)
	if err != nil {
		o.log.Warn("orchestrator: checkpoint finish failed", zap.Error(err))
	}
	summary := p.Summary()
	o.publish(goalID, events.TypeGoalCompleted, map[string]any{
		"steps_completed":   stats.StepsCompleted,
		"steps_failed":      stats.StepsFailed,
		"replans":           stats.Replans,
		"checkpoint":        finishNote,
		"policy_violations": stats.PolicyViolations,
	})
	return Result{Status: StatusCompleted, Summary: summary, Stats: stats, PolicySummary: policySummary}
}

// directPlan wraps a goal as a single step, the Orchestrator's fallback
// when the Planner or Critic rejects a structured plan (spec §4.10). It
// still estimates complexity so the single step gets a realistic
// agent-step budget; the replan allowance follows the same estimate and
// is zero for a low-complexity goal.
func directPlan(goal string) *plan.Plan {
	complexity := plan.EstimateComplexity(goal)
	return &plan.Plan{
		Goal:       goal,
		Complexity: complexity,
		Steps: []plan.Step{
			{ID: "step_1", Title: goal, Instruction: goal, MaxAgentSteps: plan.AgentStepBudgetFor(complexity)},
		},
	}
}

func stepTitles(steps []plan.Step) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.Title
	}
	return out
}

func renderToolDescriptions(descs []types.ToolDescriptor) string {
	var b strings.Builder
	for _, d := range descs {
		fmt.Fprintf(&b, "- %s: %s\n", d.Name, d.Description)
	}
	return b.String()
}
