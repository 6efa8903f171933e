package builtin

import (
	"context"
	"time"

	"github.com/hama-jp/open-harness/internal/types"
)

// defaultTestCommand is used when no per-project test runner is
// configured; run_tests otherwise inherits shell semantics (spec §4.5.4).
const defaultTestCommand = "go test ./..."

// NewRunTests returns an ExecuteFunc for "run_tests". target, if given,
// is appended to the configured test command (e.g. a package path or
// a -run pattern); outerCap bounds it regardless of the caller's
// "timeout" argument (spec §5's 10-minute outer cap).
func NewRunTests(testCommand string, outerCap time.Duration) func(context.Context, map[string]any) (string, error) {
	if testCommand == "" {
		testCommand = defaultTestCommand
	}
	return func(ctx context.Context, args map[string]any) (string, error) {
		command := testCommand
		if target, ok := stringArg(args, "target"); ok && target != "" {
			command += " " + target
		}
		return runShell(ctx, command, outerCap)
	}
}

var runTestsDescriptor = types.ToolDescriptor{
	Name:        "run_tests",
	Description: "Run the project's test suite, optionally scoped to a target.",
	SideEffect:  types.SideEffectShell,
	Args:        []types.ArgSpec{{Name: "target", Type: "string", Required: false}},
}
