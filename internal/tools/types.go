// Package tools implements the Tool Registry & Executor (spec §4.5):
// validating arguments, applying policy, running the tool, and bounding
// output. Grounded on the teacher's internal/tools/types.go and
// registry.go, generalized from codenerd's intent-category filtering to
// this spec's fixed built-in tool set and output-shaping rules.
package tools

import (
	"context"

	"github.com/hama-jp/open-harness/internal/types"
)

// ExecuteFunc is the signature every built-in tool implements.
type ExecuteFunc func(ctx context.Context, args map[string]any) (string, error)

// Tool is a registered tool: its descriptor plus the function that runs it.
type Tool struct {
	Descriptor types.ToolDescriptor
	Execute    ExecuteFunc
}

// Name is a convenience accessor.
func (t *Tool) Name() string { return t.Descriptor.Name }

// outputLimits are the per-tool byte budgets from spec §4.5.2.
var outputLimits = map[string]int{
	"read_file": 8 * 1024,
	"shell":     3 * 1024,
	"run_tests": 4 * 1024,
}

const defaultOutputLimit = 2 * 1024

// OutputLimit returns the byte budget for a tool by name.
func OutputLimit(name string) int {
	if n, ok := outputLimits[name]; ok {
		return n
	}
	return defaultOutputLimit
}
