// Package classifier implements the Error Classifier (spec §4.3):
// given a turn outcome, returns exactly one types.FailureClass, by
// evaluating the rules top-down as the spec lists them.
//
// Grounded on original_source's open_harness_v2/llm/error_recovery.py
// ErrorClassifier, generalized from its string-sniffing heuristics to
// the explicit TurnOutcome this Go module threads through the
// Reasoner/Executor Loop.
package classifier

import (
	"errors"

	"github.com/hama-jp/open-harness/internal/llm"
	"github.com/hama-jp/open-harness/internal/parser"
	"github.com/hama-jp/open-harness/internal/types"
)

// TurnOutcome is everything the classifier needs to know about one LM
// turn attempt to assign a FailureClass.
type TurnOutcome struct {
	// ParseResult is nil when the turn never reached parsing (transport
	// failure before a response arrived).
	ParseResult *parser.Result
	// ToolResult is set when a tool actually ran and is the source of
	// failure (tool_execution).
	ToolResult *types.ToolResult
	// PolicyRejected is set when the Policy Engine rejected the call
	// before execution.
	PolicyRejected bool
	PolicyDetail   string
	// TransportErr is the error returned by the LM Client, if any.
	TransportErr error
	// FinishReason is the LM response's reported finish_reason, when a
	// response was actually received.
	FinishReason string
}

// Classify assigns exactly one FailureClass by evaluating spec §4.3's
// rules top-down.
func Classify(o TurnOutcome) types.Classification {
	if o.TransportErr != nil {
		return classifyTransport(o.TransportErr)
	}

	if o.PolicyRejected {
		return types.Classification{Class: types.FailurePolicyViolation, Detail: o.PolicyDetail}
	}

	if o.ToolResult != nil && !o.ToolResult.OK {
		return types.Classification{Class: types.FailureToolExecution, Detail: o.ToolResult.Payload}
	}

	if o.FinishReason == "error" {
		return types.Classification{Class: types.FailureEmptyResponse, Detail: "finish_reason=error"}
	}

	if o.ParseResult == nil {
		return types.Classification{Class: types.FailureEmptyResponse, Detail: "no response received"}
	}
	pr := o.ParseResult

	if len(pr.Calls) == 0 {
		if pr.Narrative == "" {
			return types.Classification{Class: types.FailureEmptyResponse, Detail: "no assistant text and no tool calls"}
		}
		// Text exists but named no recognizable call: a plain answer, not
		// a failure — the loop treats this as the done/respond path.
		return types.Classification{}
	}

	c := pr.Calls[0]

	if c.FoundInProse && c.Arguments == nil && c.Name == "" {
		return types.Classification{Class: types.FailureProseWrapped, Detail: "recognizable call embedded in prose, not extracted"}
	}

	if c.JSONRepairErr != nil && c.Arguments == nil {
		return types.Classification{Class: types.FailureMalformedJSON, Detail: c.JSONRepairErr.Error()}
	}

	if c.Name == "" && c.RawName == "" {
		return types.Classification{Class: types.FailureMalformedJSON, Detail: "no tool name extracted"}
	}

	if c.Unresolved {
		detail := "unknown tool: " + c.RawName
		if c.NearestMatch != "" {
			detail += " (closest match: " + c.NearestMatch + ")"
		}
		return types.Classification{Class: types.FailureWrongToolName, Detail: detail}
	}

	if !c.FuzzyMatched && c.Arguments == nil {
		return types.Classification{Class: types.FailureMalformedJSON, Detail: "arguments failed to decode"}
	}

	return types.Classification{} // caller determines missing_args via tool-schema validation
}

// MissingArgs reports missing_args for a call known by name whose
// required arguments are absent — called by the Executor after name
// resolution succeeds (spec §4.5.3: validation failure here, not
// tool_execution).
func MissingArgs(missing []string) types.Classification {
	return types.Classification{Class: types.FailureMissingArgs, Detail: "missing required arguments: " + joinComma(missing)}
}

func classifyTransport(err error) types.Classification {
	var rl *llm.RateLimitedError
	if errors.As(err, &rl) {
		return types.Classification{Class: types.FailureRateLimited, Detail: err.Error(), RetryAfter: rl.Cooldown}
	}
	var to *llm.TimeoutError
	if errors.As(err, &to) {
		return types.Classification{Class: types.FailureTimeout, Detail: err.Error()}
	}
	return types.Classification{Class: types.FailureTransport, Detail: err.Error()}
}

func joinComma(items []string) string {
	out := ""
	for i, s := range items {
		if i > 0 {
			out += ", "
		}
		out += s
	}
	return out
}
