// Package plan implements the Planner, Critic, and Replanner (spec
// §4.10): turning a goal into a small, rule-validated sequence of
// steps, and revising that sequence after a step fails.
//
// Grounded on original_source's open_harness/planner.py (Planner,
// PlanCritic, the JSON-extraction and step-limit-enforcing parse, the
// duplicate-title and vague-instruction checks) generalized to this
// module's LM Client/Classification types, plus the actionable-verb and
// tool-reachability checks spec §4.10 adds beyond the Python original.
package plan


// Complexity buckets a goal before asking the LM to plan it, so the
// step cap matches how much structure the goal actually needs.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// stepCapFor maps a Complexity to the maximum steps a plan for it may
// contain (spec §3: "a plan has 3/5/8 steps ... for low/medium/high
// respectively"), never exceeding the configured global max.
func stepCapFor(c Complexity, globalMax int) int {
	limit := globalMax
	switch c {
	case ComplexityLow:
		limit = 3
	case ComplexityMedium:
		limit = 5
	case ComplexityHigh:
		limit = 8
	}
	if limit > globalMax {
		limit = globalMax
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}

// AgentStepBudgetFor maps a Complexity to the maximum number of
// Reasoner/Executor Loop turns a single step may take before it's
// considered exhausted (spec §3: "8/12/15 agent-step budget ... for
// low/medium/high respectively").
func AgentStepBudgetFor(c Complexity) int {
	switch c {
	case ComplexityMedium:
		return 12
	case ComplexityHigh:
		return 15
	default:
		return 8
	}
}

// replanAllowanceFor maps a Complexity to how many times the Replanner
// may retry a failed step's plan for the whole goal (spec §3: "0/1/2
// replan allowance ... for low/medium/high respectively").
func replanAllowanceFor(c Complexity) int {
	switch c {
	case ComplexityMedium:
		return 1
	case ComplexityHigh:
		return 2
	default:
		return 0
	}
}

// genericSuccessCriterion fills in for a step the LM didn't give one
// (spec §4.10: Planner).
const genericSuccessCriterion = "tool invocation for this step completes without a terminal failure"

// Step is a single addressable unit of work within a Plan.
type Step struct {
	ID              string
	Title           string
	Instruction     string
	SuccessCriteria []string
	MaxAgentSteps   int
}

// ToPrompt renders a Step the way it is handed to the Reasoner/Executor
// Loop as the scoped instruction for that step.
func (s Step) ToPrompt() string {
	criteria := s.SuccessCriteria
	if len(criteria) == 0 {
		criteria = []string{genericSuccessCriterion}
	}
	out := "## Step: " + s.Title + "\n\n" + s.Instruction + "\n\nSuccess criteria:\n"
	for _, c := range criteria {
		out += "  - " + c + "\n"
	}
	out += "\nFocus ONLY on this step. Do not work on other steps."
	return out
}

// Plan is a structured decomposition of a goal.
type Plan struct {
	Goal        string
	Complexity  Complexity
	Steps       []Step
	Assumptions []string
}

// Summary renders a one-line-per-step overview for logs and the
// structured goal summary (spec §7's "user-visible behavior").
func (p Plan) Summary() string {
	out := ""
	for i, s := range p.Steps {
		if i > 0 {
			out += "\n"
		}
		out += s.Title
	}
	return out
}

// StepOutcome records how one already-attempted step went, for the
// Replanner's prompt (spec §4.10).
type StepOutcome struct {
	Step      Step
	Succeeded bool
	Summary   string
}

// Failure describes why the Planner could not produce a usable plan.
// Recoverable failures are retried by the Replanner up to its
// allowance. The Orchestrator does not consult Recoverable: it falls
// back to direct execution when the initial plan fails or is rejected,
// and once when a replan fails or the allowance is exhausted.
type Failure struct {
	Reason      string
	RawOutput   string
	Recoverable bool
}

func (f *Failure) Error() string { return "plan: " + f.Reason }
