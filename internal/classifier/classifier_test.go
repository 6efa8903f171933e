package classifier

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hama-jp/open-harness/internal/llm"
	"github.com/hama-jp/open-harness/internal/parser"
	"github.com/hama-jp/open-harness/internal/types"
)

func TestClassify_EmptyResponse(t *testing.T) {
	got := Classify(TurnOutcome{ParseResult: &parser.Result{NoneFound: true}})
	require.Equal(t, types.FailureEmptyResponse, got.Class)
}

func TestClassify_WrongToolName(t *testing.T) {
	pr := &parser.Result{Calls: []parser.Candidate{{RawName: "frobnicate_file", Unresolved: true}}}
	got := Classify(TurnOutcome{ParseResult: pr})
	require.Equal(t, types.FailureWrongToolName, got.Class)
}

func TestClassify_MalformedJSON(t *testing.T) {
	pr := &parser.Result{Calls: []parser.Candidate{{JSONRepairErr: fmt.Errorf("bad json")}}}
	got := Classify(TurnOutcome{ParseResult: pr})
	require.Equal(t, types.FailureMalformedJSON, got.Class)
}

func TestClassify_RateLimited(t *testing.T) {
	got := Classify(TurnOutcome{TransportErr: &llm.RateLimitedError{Err: fmt.Errorf("429")}})
	require.Equal(t, types.FailureRateLimited, got.Class)
}

func TestClassify_RateLimited_CarriesCooldown(t *testing.T) {
	got := Classify(TurnOutcome{TransportErr: &llm.RateLimitedError{Err: fmt.Errorf("429"), Cooldown: 90 * time.Second}})
	require.Equal(t, types.FailureRateLimited, got.Class)
	require.Equal(t, 90*time.Second, got.RetryAfter)
}

func TestClassify_WrongToolName_IncludesNearestMatch(t *testing.T) {
	pr := &parser.Result{Calls: []parser.Candidate{{RawName: "read_fiel", Unresolved: true, NearestMatch: "read_file"}}}
	got := Classify(TurnOutcome{ParseResult: pr})
	require.Equal(t, types.FailureWrongToolName, got.Class)
	require.Contains(t, got.Detail, "read_file")
}

func TestClassify_FinishReasonError_RoutesToRecovery(t *testing.T) {
	got := Classify(TurnOutcome{ParseResult: &parser.Result{Narrative: "garbage"}, FinishReason: "error"})
	require.Equal(t, types.FailureEmptyResponse, got.Class)
}

func TestClassify_ToolExecution(t *testing.T) {
	tr := &types.ToolResult{OK: false, Payload: "boom"}
	got := Classify(TurnOutcome{ToolResult: tr})
	require.Equal(t, types.FailureToolExecution, got.Class)
}

func TestClassify_PolicyViolation(t *testing.T) {
	got := Classify(TurnOutcome{PolicyRejected: true, PolicyDetail: "budget exceeded"})
	require.Equal(t, types.FailurePolicyViolation, got.Class)
}

func TestClassify_PlainTextAnswer_NotAFailure(t *testing.T) {
	pr := &parser.Result{Narrative: "the file says hello"}
	got := Classify(TurnOutcome{ParseResult: pr})
	require.Empty(t, string(got.Class))
}

func TestClassify_Totality(t *testing.T) {
	// Every failing turn receives exactly one class (spec §8).
	outcomes := []TurnOutcome{
		{ParseResult: &parser.Result{NoneFound: true}},
		{ParseResult: &parser.Result{Calls: []parser.Candidate{{Unresolved: true, RawName: "x"}}}},
		{ToolResult: &types.ToolResult{OK: false}},
		{PolicyRejected: true},
		{TransportErr: &llm.TimeoutError{Err: fmt.Errorf("deadline")}},
	}
	for _, o := range outcomes {
		c := Classify(o)
		require.NotEmpty(t, string(c.Class))
	}
}
