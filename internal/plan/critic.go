package plan

import (
	"fmt"
	"strings"
)

// actionableVerbs is the set of leading verbs a step instruction is
// expected to open with. Not exhaustive, but covers the vocabulary a
// tool-driving plan step realistically uses.
var actionableVerbs = []string{
	"add", "append", "build", "change", "check", "clean", "commit",
	"configure", "create", "delete", "document", "edit", "ensure",
	"extract", "find", "fix", "implement", "inspect", "install",
	"invoke", "list", "migrate", "modify", "move", "open", "read",
	"refactor", "remove", "rename", "replace", "restructure", "run",
	"search", "set", "test", "update", "verify", "write",
}

// ToolCatalog is the narrow view the Critic needs of the Tool Registry:
// a flat description of every registered tool, used to decide whether
// a step's success criteria name something any tool could ever check.
type ToolCatalog interface {
	Names() []string
}

// Critic validates a Plan with rule-based checks, no LM call (spec
// §4.10). Grounded on original_source's PlanCritic.validate, extended
// with the actionable-verb and tool-reachability checks the spec adds.
type Critic struct {
	maxSteps int
	tools    ToolCatalog
}

// NewCritic constructs a Critic. tools may be nil, in which case the
// tool-reachability check is skipped (treated as always satisfied).
func NewCritic(maxSteps int, tools ToolCatalog) *Critic {
	if maxSteps < 1 {
		maxSteps = 5
	}
	return &Critic{maxSteps: maxSteps, tools: tools}
}

// Validate returns the list of issues found; an empty slice means the
// plan is accepted as-is.
func (c *Critic) Validate(p *Plan) []string {
	var issues []string

	if p == nil || len(p.Steps) == 0 {
		return []string{"plan has no steps"}
	}

	if len(p.Steps) > c.maxSteps {
		issues = append(issues, fmt.Sprintf("too many steps (%d > %d)", len(p.Steps), c.maxSteps))
	}

	seenTitles := map[string]bool{}
	var dupFound bool
	for _, s := range p.Steps {
		if strings.TrimSpace(s.Title) == "" {
			issues = append(issues, fmt.Sprintf("step %s has empty title", s.ID))
		}
		if strings.TrimSpace(s.Instruction) == "" {
			issues = append(issues, fmt.Sprintf("step %s has empty instruction", s.ID))
		} else if len(s.Instruction) < 10 {
			issues = append(issues, fmt.Sprintf("step %s instruction too vague: %q", s.ID, s.Instruction))
		} else if !hasActionableVerb(s.Instruction) {
			issues = append(issues, fmt.Sprintf("step %s instruction lacks an actionable verb", s.ID))
		}

		if !c.reachable(s.SuccessCriteria) {
			issues = append(issues, fmt.Sprintf("step %s success criteria unreachable by any registered tool", s.ID))
		}

		key := strings.ToLower(strings.TrimSpace(s.Title))
		if seenTitles[key] {
			dupFound = true
		}
		seenTitles[key] = true
	}
	if dupFound {
		issues = append(issues, "plan contains duplicate step titles (possible hallucination)")
	}

	return issues
}

func hasActionableVerb(instruction string) bool {
	fields := strings.Fields(strings.ToLower(instruction))
	if len(fields) == 0 {
		return false
	}
	for _, w := range fields {
		w = strings.Trim(w, ".,:;!?")
		for _, v := range actionableVerbs {
			if w == v || strings.HasPrefix(w, v) {
				return true
			}
		}
	}
	return false
}

// reachable reports whether at least one registered tool name appears
// to be invoked by the criteria text, or a catalog isn't wired, or the
// step left criteria empty (the Planner keeps a step's criteria empty
// when the model gave none; Step.ToPrompt renders the generic criterion
// for such a step).
func (c *Critic) reachable(criteria []string) bool {
	if c.tools == nil || len(criteria) == 0 {
		return true
	}
	names := c.tools.Names()
	if len(names) == 0 {
		return true
	}
	joined := strings.ToLower(strings.Join(criteria, " "))
	if strings.Contains(joined, genericSuccessCriterion) {
		return true
	}
	for _, n := range names {
		if strings.Contains(joined, strings.ToLower(n)) {
			return true
		}
	}
	// Fall back to a looser check: criteria that talk in verbs any tool
	// covers (read/write/run/test/commit/search) are plausibly
	// reachable even without naming a tool literally.
	looseHints := []string{"read", "write", "edit", "run", "test", "commit", "search", "list", "diff", "branch", "shell", "execute"}
	for _, h := range looseHints {
		if strings.Contains(joined, h) {
			return true
		}
	}
	return false
}
