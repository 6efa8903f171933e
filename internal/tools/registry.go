package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hama-jp/open-harness/internal/logging"
	"github.com/hama-jp/open-harness/internal/types"
)

// PolicyChecker is the narrow interface the Executor consults before
// running a tool (spec §4.6). Implemented by internal/policy.Engine;
// declared here to avoid a tools -> policy -> tools import cycle risk
// and to keep the registry testable with a stub.
type PolicyChecker interface {
	Check(ctx context.Context, toolName string, sideEffect types.SideEffectClass, args map[string]any) error
	Record(toolName string, sideEffect types.SideEffectClass)
	// Summary renders the current goal's budget usage for the goal
	// result (spec §12.2 supplement), without exposing the concrete
	// policy.Budget type to this package.
	Summary() string
}

// Registry holds all registered tools and executes them under policy.
// Thread-safe; supports registration at runtime (spec §4.5 names a
// fixed built-in set, but the registry itself places no such
// restriction, matching the teacher's runtime-registerable design).
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
	log   *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{tools: make(map[string]*Tool), log: logging.OrNop(log)}
}

// Register adds a tool. Returns an error if the name is already taken
// or the tool fails basic validation.
func (r *Registry) Register(t *Tool) error {
	if t.Descriptor.Name == "" {
		return ErrToolNameEmpty
	}
	if t.Execute == nil {
		return ErrToolExecuteNil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Descriptor.Name]; exists {
		return fmt.Errorf("%w: %s", ErrToolAlreadyRegistered, t.Descriptor.Name)
	}
	r.tools[t.Descriptor.Name] = t
	r.log.Debug("registered tool", zap.String("name", t.Descriptor.Name), zap.String("side_effect", string(t.Descriptor.SideEffect)))
	return nil
}

// Get returns a tool by name, or nil.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Descriptors returns every registered tool's descriptor, sorted by name,
// for advertising to the LM Client (spec §4.1's tool-schemas input).
func (r *Registry) Descriptors() []types.ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.ToolDescriptor, 0, len(r.tools))
	for _, n := range r.sortedNamesLocked() {
		out = append(out, r.tools[n].Descriptor)
	}
	return out
}

func (r *Registry) sortedNamesLocked() []string {
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ValidateArgs checks required arguments are present (spec §4.5.3).
// Returns the missing argument names, if any.
func ValidateArgs(d types.ToolDescriptor, args map[string]any) []string {
	var missing []string
	for _, name := range d.RequiredArgs() {
		if _, ok := args[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

// ExecResult is the outcome of Registry.Execute: either a types.ToolResult
// ready to hand back to the model, or a structural error (unknown tool,
// missing args) the caller classifies before ever running anything.
type ExecResult struct {
	Result          types.ToolResult
	Missing         []string // non-nil only on a missing_args structural failure
	PolicyViolation bool     // true when Result.OK == false because policy.Check rejected the call
}

// Execute validates, policy-checks, runs, and output-shapes a tool call.
// It never returns a Go error for a failure the model can adapt to
// (tool_execution, policy_violation) — those come back as
// ExecResult.Result.OK == false, per spec §7 ("the error is data").
// It does return an error for ErrToolNotFound, since that is a defect
// in the LM turn the caller (loop) must classify before this point is
// ever reached in practice — Execute still reports it defensively.
func (r *Registry) Execute(ctx context.Context, policy PolicyChecker, call types.ToolCall) (ExecResult, error) {
	t := r.Get(call.Name)
	if t == nil {
		return ExecResult{}, fmt.Errorf("%w: %s", ErrToolNotFound, call.Name)
	}

	if missing := ValidateArgs(t.Descriptor, call.Arguments); len(missing) > 0 {
		return ExecResult{Missing: missing}, nil
	}

	if policy != nil {
		if err := policy.Check(ctx, t.Descriptor.Name, t.Descriptor.SideEffect, call.Arguments); err != nil {
			return ExecResult{PolicyViolation: true, Result: types.ToolResult{
				CallID: call.ID, OK: false, Payload: "policy: " + err.Error(),
			}}, nil
		}
	}

	start := time.Now()
	out, err := t.Execute(ctx, call.Arguments)
	elapsed := time.Since(start)

	if policy != nil {
		policy.Record(t.Descriptor.Name, t.Descriptor.SideEffect)
	}

	if err != nil {
		r.log.Debug("tool execution failed", zap.String("name", t.Descriptor.Name), zap.Error(err))
		// A tool that captured real output before failing (e.g. shell's
		// non-zero exit, spec §4.5.4) reports that output, not the bare
		// Go error string, so the model sees what actually happened.
		payload := out
		if payload == "" {
			payload = err.Error()
		} else {
			payload += "\n" + err.Error()
		}
		text, note := Truncate(payload, OutputLimit(t.Descriptor.Name))
		return ExecResult{Result: types.ToolResult{
			CallID: call.ID, OK: false, Payload: text, ElapsedMS: elapsed.Milliseconds(), TruncationNote: note,
		}}, nil
	}

	text, note := Truncate(out, OutputLimit(t.Descriptor.Name))
	return ExecResult{Result: types.ToolResult{
		CallID: call.ID, OK: true, Payload: text, ElapsedMS: elapsed.Milliseconds(), TruncationNote: note,
	}}, nil
}
