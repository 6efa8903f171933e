package types

import "time"

// FailureClass is the closed taxonomy the Error Classifier assigns to a
// failing turn (spec §3, §4.3). Every failing turn receives exactly one.
type FailureClass string

const (
	FailureMalformedJSON  FailureClass = "malformed_json"
	FailureWrongToolName  FailureClass = "wrong_tool_name"
	FailureMissingArgs    FailureClass = "missing_args"
	FailureEmptyResponse  FailureClass = "empty_response"
	FailureProseWrapped   FailureClass = "prose_wrapped"
	FailureToolExecution  FailureClass = "tool_execution"
	FailurePolicyViolation FailureClass = "policy_violation"
	FailureTransport      FailureClass = "transport"
	FailureTimeout        FailureClass = "timeout"
	FailureRateLimited    FailureClass = "rate_limited"
)

// Classification pairs a FailureClass with a free-form detail, exactly
// as the classifier returns (spec §3).
type Classification struct {
	Class  FailureClass
	Detail string
	// RetryAfter is the endpoint-reported cooldown for a rate_limited
	// classification; zero when the class doesn't carry one.
	RetryAfter time.Duration
}
