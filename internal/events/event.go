package events

import "time"

// Type enumerates the event kinds emitted across the harness (spec §4.13).
type Type string

const (
	TypeLMTokenChunk        Type = "lm.token_chunk"
	TypeToolStarted         Type = "tool.started"
	TypeToolCompleted       Type = "tool.completed"
	TypeCompensation        Type = "compensation"
	TypePlanStepStarted     Type = "plan.step.started"
	TypePlanStepCompleted   Type = "plan.step.completed"
	TypePlanStepFailed      Type = "plan.step.failed"
	TypeCheckpointTaken     Type = "checkpoint.taken"
	TypeCheckpointRolledBack Type = "checkpoint.rolled_back"
	TypeGoalStarted         Type = "goal.started"
	TypeGoalCompleted       Type = "goal.completed"
	TypeGoalFailed          Type = "goal.failed"
	TypeTaskSubmitted       Type = "task.submitted"
	TypeTaskCompleted       Type = "task.completed"
	TypePolicyViolation     Type = "policy.violation"
	TypeConsumerLag         Type = "consumer.lag"
)

// Event is a single item on the bus. Data carries kind-specific
// payloads as a plain map so publishers never need to import every
// subscriber's package.
type Event struct {
	Seq       uint64
	Type      Type
	Timestamp time.Time
	GoalID    string
	Data      map[string]any
}

// Publisher is the narrow interface components depend on so that
// internal/llm, internal/tools, etc. never import the concrete Bus type
// and can be tested with a stub.
type Publisher interface {
	Publish(Event)
}
