package plan

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/hama-jp/open-harness/internal/config"
	"github.com/hama-jp/open-harness/internal/llm"
	"github.com/hama-jp/open-harness/internal/types"
)

const planningMaxTokens = 2048

var planSystemPromptTemplate = `You are a planning assistant. Given a goal, break it into a small number of concrete steps.

RULES:
- Maximum %d steps. Fewer is better.
- Each step must be independently verifiable.
- Steps should be ordered by dependency.
- Be specific and actionable - no vague steps.

Respond with ONLY a JSON object in this exact format (no markdown, no extra text):
{
  "steps": [
    {
      "title": "Short title",
      "instruction": "Detailed instruction for what to do",
      "success_criteria": ["How to verify this step succeeded"]
    }
  ],
  "assumptions": ["Any assumptions about the project"]
}`

var replanPromptTemplate = `The original goal was: %s

Completed steps:
%s

Step %q FAILED: %s

Create a revised plan for the REMAINING work only. The completed steps are already done.
Respond with ONLY a JSON object in the same format as before.`

// Planner turns a goal into a Plan via one LM turn, and revises a plan
// after a step failure via another (spec §4.10).
type Planner struct {
	client   *llm.Client
	globalMax int
}

// NewPlanner constructs a Planner bounded by cfg.MaxPlanSteps.
func NewPlanner(client *llm.Client, cfg config.Config) *Planner {
	globalMax := cfg.MaxPlanSteps
	if globalMax < 1 {
		globalMax = 5
	}
	return &Planner{client: client, globalMax: globalMax}
}

// CreatePlan generates a plan for goal, capping its step count by the
// goal's estimated Complexity.
func (p *Planner) CreatePlan(ctx context.Context, goal, planContext string, tier config.Tier) (*Plan, *Failure) {
	complexity := EstimateComplexity(goal)
	limit := stepCapFor(complexity, p.globalMax)
	system := fmt.Sprintf(planSystemPromptTemplate, limit)

	user := "GOAL: " + goal
	if planContext != "" {
		user += "\n\nCONTEXT:\n" + planContext
	}

	resp, err := p.client.Chat(ctx, llm.Request{
		Messages: []types.Message{
			{Role: types.RoleSystem, Content: system},
			{Role: types.RoleUser, Content: user},
		},
		Tier:        tier,
		MaxTokens:   planningMaxTokens,
		Temperature: 0.2,
	})
	if err != nil {
		return nil, &Failure{Reason: "LM error: " + err.Error(), Recoverable: true}
	}
	if strings.TrimSpace(resp.AssistantText) == "" {
		return nil, &Failure{Reason: "empty response from LM", Recoverable: true}
	}

	return parsePlan(goal, resp.AssistantText, limit, complexity)
}

// Replan asks the LM for a revised plan covering only the work that
// remains after failedStep failed, given the already-completed steps.
func (p *Planner) Replan(ctx context.Context, goal string, completed []StepOutcome, failedStep Step, failureReason string, tier config.Tier) (*Plan, *Failure) {
	complexity := EstimateComplexity(goal)
	limit := stepCapFor(complexity, p.globalMax)
	system := fmt.Sprintf(planSystemPromptTemplate, limit)

	completedText := "  (none)"
	if len(completed) > 0 {
		var b strings.Builder
		for i, c := range completed {
			if i > 0 {
				b.WriteByte('\n')
			}
			fmt.Fprintf(&b, "  %d. %s (DONE)", i+1, c.Step.Title)
		}
		completedText = b.String()
	}

	user := fmt.Sprintf(replanPromptTemplate, goal, completedText, failedStep.Title, failureReason)

	resp, err := p.client.Chat(ctx, llm.Request{
		Messages: []types.Message{
			{Role: types.RoleSystem, Content: system},
			{Role: types.RoleUser, Content: user},
		},
		Tier:        tier,
		MaxTokens:   planningMaxTokens,
		Temperature: 0.2,
	})
	if err != nil {
		return nil, &Failure{Reason: "replan LM error: " + err.Error(), Recoverable: true}
	}
	if strings.TrimSpace(resp.AssistantText) == "" {
		return nil, &Failure{Reason: "empty replan response", Recoverable: true}
	}

	return parsePlan(goal, resp.AssistantText, limit, complexity)
}

type rawPlan struct {
	Steps       []rawStep `json:"steps"`
	Assumptions []string  `json:"assumptions"`
}

type rawStep struct {
	Title           string      `json:"title"`
	Instruction     string      `json:"instruction"`
	SuccessCriteria interface{} `json:"success_criteria"`
}

func parsePlan(goal, raw string, limit int, complexity Complexity) (*Plan, *Failure) {
	jsonStr := extractJSON(raw)
	if jsonStr == "" {
		return nil, &Failure{Reason: "could not extract JSON from planner output", RawOutput: truncateRaw(raw), Recoverable: true}
	}

	var data rawPlan
	if err := json.Unmarshal([]byte(jsonStr), &data); err != nil {
		return nil, &Failure{Reason: "invalid JSON: " + err.Error(), RawOutput: truncateRaw(raw), Recoverable: true}
	}

	if len(data.Steps) == 0 {
		return nil, &Failure{Reason: "no steps in plan", RawOutput: truncateRaw(raw), Recoverable: true}
	}

	if len(data.Steps) > limit {
		data.Steps = data.Steps[:limit]
	}

	budget := AgentStepBudgetFor(complexity)
	steps := make([]Step, 0, len(data.Steps))
	for i, s := range data.Steps {
		title := s.Title
		if title == "" {
			title = fmt.Sprintf("Step %d", i+1)
		}
		instruction := s.Instruction
		if instruction == "" {
			instruction = title
		}
		steps = append(steps, Step{
			ID:              fmt.Sprintf("step_%d", i+1),
			Title:           title,
			Instruction:     instruction,
			SuccessCriteria: criteriaStrings(s.SuccessCriteria),
			MaxAgentSteps:   budget,
		})
	}

	if len(steps) == 0 {
		return nil, &Failure{Reason: "no valid steps parsed", RawOutput: truncateRaw(raw), Recoverable: true}
	}

	return &Plan{Goal: goal, Complexity: complexity, Steps: steps, Assumptions: data.Assumptions}, nil
}

// criteriaStrings normalizes success_criteria, which a weak LM may
// return as a string, a list, or omit entirely.
func criteriaStrings(v interface{}) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, c := range t {
			if s, ok := c.(string); ok {
				out = append(out, s)
			} else {
				out = append(out, fmt.Sprintf("%v", c))
			}
		}
		return out
	default:
		return nil
	}
}

func truncateRaw(s string) string {
	if len(s) > 500 {
		return s[:500]
	}
	return s
}

var (
	fencedJSONPattern = regexp.MustCompile(`(?s)` + "```" + `(?:json)?\s*(\{.*?\})\s*` + "```")
	bareJSONPattern   = regexp.MustCompile(`(?s)\{.*\}`)
)

// extractJSON pulls a JSON object out of potentially messy LM output:
// the whole text if it already starts with "{", else a fenced ```json
// block, else any {...} substring.
func extractJSON(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "{") {
		return text
	}
	if m := fencedJSONPattern.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	if m := bareJSONPattern.FindString(text); m != "" {
		return m
	}
	return ""
}
