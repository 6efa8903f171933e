// Package loop implements the Reasoner/Executor Loop (spec §4.9): one
// build-context -> LM -> parse -> execute cycle, with tool calls run
// strictly sequentially in declaration order and cancellation checked
// at every suspension point.
//
// Grounded on original_source's open_harness_v2/core/reasoner.py (the
// decide-what-to-do-next shape: EXECUTE_TOOLS / RESPOND / ERROR) and
// core/executor.py's sequential-execution default, driven through
// internal/compensation for the LM call and internal/tools for
// execution instead of the Python version's direct registry call.
package loop

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hama-jp/open-harness/internal/compensation"
	"github.com/hama-jp/open-harness/internal/contextstore"
	"github.com/hama-jp/open-harness/internal/events"
	"github.com/hama-jp/open-harness/internal/llm"
	"github.com/hama-jp/open-harness/internal/logging"
	"github.com/hama-jp/open-harness/internal/parser"
	"github.com/hama-jp/open-harness/internal/tools"
	"github.com/hama-jp/open-harness/internal/types"
)

// Outcome is what one Step call reports back to its caller (Orchestrator).
type Outcome struct {
	Kind         Kind
	AnswerText   string
	TerminalFail error // set when Kind == KindFailed
	ToolsRun     int
}

// Kind distinguishes the three ways a Step can end (mirrors
// original_source's ReasonerDecision.ActionType, minus CONTINUE which
// this Go loop never needs since tool execution happens inline).
type Kind string

const (
	KindAnswer Kind = "answer"
	KindTools  Kind = "tools"
	KindFailed Kind = "failed"
)

// Loop scopes one Reasoner/Executor cycle to a single goal or plan step.
type Loop struct {
	compensation *compensation.Pipeline
	registry     *tools.Registry
	policy       tools.PolicyChecker
	store        *contextstore.Store
	pub          events.Publisher
	log          *zap.Logger

	stepCount        int
	stepBudget       int
	policyViolations int
}

// New constructs a Loop bounded by stepBudget agent-steps (spec §4.9
// step 5 / §4.11 step 2's per-plan-step budget).
func New(comp *compensation.Pipeline, registry *tools.Registry, policy tools.PolicyChecker, store *contextstore.Store, pub events.Publisher, stepBudget int, log *zap.Logger) *Loop {
	return &Loop{
		compensation: comp,
		registry:     registry,
		policy:       policy,
		store:        store,
		pub:          pub,
		stepBudget:   stepBudget,
		log:          logging.OrNop(log),
	}
}

func (l *Loop) publish(e events.Event) {
	if l.pub != nil {
		l.pub.Publish(e)
	}
}

// StepCount reports how many turns this Loop has executed so far.
func (l *Loop) StepCount() int { return l.stepCount }

// PolicyViolations reports how many tool calls this Loop had the
// Policy Engine reject, for the goal result's violation summary (spec
// §4.11 step 4 / §12.2 supplement).
func (l *Loop) PolicyViolations() int { return l.policyViolations }

// Run drives the loop until it produces an answer or a terminal
// failure, or the step budget is exhausted (spec §4.9). maxTokens is
// the model's context window; the loop requests 75% of it per step
// (spec §4.9 step 1).
func (l *Loop) Run(ctx context.Context, goalID string, reqTemplate llm.Request, toolDescs []types.ToolDescriptor, maxTokens int) Outcome {
	for {
		if err := ctx.Err(); err != nil {
			return Outcome{Kind: KindFailed, TerminalFail: fmt.Errorf("loop: cancelled: %w", err)}
		}
		if l.stepBudget > 0 && l.stepCount >= l.stepBudget {
			return Outcome{Kind: KindFailed, TerminalFail: fmt.Errorf("loop: step budget (%d) exhausted", l.stepBudget)}
		}

		out := l.step(ctx, goalID, reqTemplate, toolDescs, maxTokens)
		l.stepCount++
		if out.Kind != KindTools {
			return out
		}
		// KindTools: the caller doesn't re-invoke Run per-tool-batch in
		// this design — tools already ran inside step(); loop again for
		// the model's next turn unless it was actually an answer.
	}
}

// step implements one iteration of spec §4.9.
func (l *Loop) step(ctx context.Context, goalID string, req llm.Request, toolDescs []types.ToolDescriptor, maxTokens int) Outcome {
	budget := int(float64(maxTokens) * 0.75)
	msgs, err := l.store.BuildMessages(budget)
	if err != nil {
		return Outcome{Kind: KindFailed, TerminalFail: err}
	}
	req.Messages = msgs
	req.Tools = toolDescs
	req.GoalID = goalID

	out, err := l.compensation.Run(ctx, req)
	if err != nil {
		return Outcome{Kind: KindFailed, TerminalFail: err}
	}

	if !out.Response.HasToolCalls() && len(out.Parsed.Calls) == 0 {
		l.store.AddMessage(types.Message{Role: types.RoleAssistant, Content: out.Response.AssistantText})
		return Outcome{Kind: KindAnswer, AnswerText: out.Response.AssistantText}
	}

	calls := toolCallsFromParsed(out.Parsed.Calls)
	l.store.AddMessage(types.Message{
		Role:      types.RoleAssistant,
		Content:   out.Response.AssistantText,
		ToolCalls: calls,
	})

	ran := 0
	for i, c := range out.Parsed.Calls {
		if err := ctx.Err(); err != nil {
			return Outcome{Kind: KindFailed, TerminalFail: fmt.Errorf("loop: cancelled mid-turn: %w", err)}
		}

		call := calls[i]
		l.publish(events.Event{Type: events.TypeToolStarted, GoalID: goalID, Data: map[string]any{"tool": c.Name}})

		res, execErr := l.registry.Execute(ctx, l.policy, call)
		if execErr != nil {
			return Outcome{Kind: KindFailed, TerminalFail: fmt.Errorf("loop: %w", execErr)}
		}
		if res.PolicyViolation {
			l.policyViolations++
			l.publish(events.Event{Type: events.TypePolicyViolation, GoalID: goalID, Data: map[string]any{"tool": c.Name, "reason": res.Result.Payload}})
		}
		if len(res.Missing) > 0 {
			msg := fmt.Sprintf("missing required arguments: %v", res.Missing)
			l.store.AddMessage(types.ToolResult{CallID: call.ID, OK: false, Payload: msg}.ToMessage(c.Name))
			l.publish(events.Event{Type: events.TypeToolCompleted, GoalID: goalID, Data: map[string]any{"tool": c.Name, "ok": false, "reason": "missing_args"}})
			ran++
			continue
		}

		l.store.AddMessage(res.Result.ToMessage(c.Name))
		if res.Result.OK {
			if t := l.registry.Get(c.Name); t != nil && t.Descriptor.SideEffect == types.SideEffectWrite {
				l.store.Summary.RecordWrite(pathArg(c.Arguments))
			}
		} else {
			l.store.Summary.RecordError(res.Result.Payload)
		}
		l.publish(events.Event{Type: events.TypeToolCompleted, GoalID: goalID, Data: map[string]any{"tool": c.Name, "ok": res.Result.OK}})
		ran++
	}

	return Outcome{Kind: KindTools, ToolsRun: ran}
}

// toolCallsFromParsed assigns each call a fresh uuid so two calls to the
// same tool in one turn (e.g. two edit_file calls) don't collide on ID
// and so ToolResult.CallID binds unambiguously back to its call.
func toolCallsFromParsed(calls []parser.Candidate) []types.ToolCall {
	out := make([]types.ToolCall, len(calls))
	for i, c := range calls {
		out[i] = types.ToolCall{ID: uuid.NewString(), Name: c.Name, Arguments: c.Arguments}
	}
	return out
}

func pathArg(args map[string]any) string {
	if p, ok := args["path"].(string); ok {
		return p
	}
	return ""
}
