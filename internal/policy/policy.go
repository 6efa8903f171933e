// Package policy implements the Policy Engine (spec §4.6): stateless
// rules plus per-goal counters, enforcing budgets, path restrictions,
// and shell pattern blocks. A violation here becomes a tool error fed
// back to the model (spec §7), never a hard Go error.
//
// Grounded on original_source's open_harness/policy.py (PolicyConfig,
// PRESETS, BudgetUsage, PolicyEngine.check/record/summary) and the
// teacher's internal/core/validator_exec.go / validator_file.go for the
// glob-based path/shell-pattern checking style.
package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hama-jp/open-harness/internal/config"
	"github.com/hama-jp/open-harness/internal/logging"
	"github.com/hama-jp/open-harness/internal/types"
)

var osUserHomeDir = os.UserHomeDir

// alwaysDeniedPaths are read-or-write-denied regardless of preset (spec §4.6).
var alwaysDeniedPaths = []string{
	"/etc/*", "/usr/*", "/bin/*", "/sbin/*", "/boot/*",
	"~/.ssh/*", "~/.gnupg/*", "**/.env", "**/.env.*",
	"**/credentials*", "**/secrets*",
}

// alwaysBlockedShellPatterns are substrings that block a shell command
// regardless of preset (spec §4.6).
var alwaysBlockedShellPatterns = []string{
	"rm -rf /", "mkfs", "dd if=",
	"chmod 777", "chmod -R 777", "> /dev/sd",
	"git push --force", "git reset --hard",
}

// pipeToShellHint catches "curl ... | sh" / "wget ... | sh" shapes.
const pipeToShellHint = "| sh"

// Budget is the per-goal monotonic counters (spec §3's Budget counters).
type Budget struct {
	FileWrites     int
	Shells         int
	GitCommits     int
	ExternalAgents int
	ToolCalls      map[string]int
	StartedAt      time.Time
}

// Summary renders the budget the way original_source's
// BudgetUsage.summary does, for the goal result (spec §12.2 supplement).
func (b Budget) Summary() string {
	var parts []string
	if b.FileWrites > 0 {
		parts = append(parts, fmt.Sprintf("writes:%d", b.FileWrites))
	}
	if b.Shells > 0 {
		parts = append(parts, fmt.Sprintf("shell:%d", b.Shells))
	}
	if b.GitCommits > 0 {
		parts = append(parts, fmt.Sprintf("commits:%d", b.GitCommits))
	}
	if b.ExternalAgents > 0 {
		parts = append(parts, fmt.Sprintf("external:%d", b.ExternalAgents))
	}
	total := 0
	for _, n := range b.ToolCalls {
		total += n
	}
	elapsed := time.Since(b.StartedAt)
	return fmt.Sprintf("tools:%d (%s) in %s", total, strings.Join(parts, ", "), elapsed.Round(time.Second))
}

// Violation describes why a call was blocked (spec §4.6).
type Violation struct {
	Rule    string
	Message string
	Tool    string
}

func (v *Violation) Error() string { return v.Message }

// Engine evaluates tool calls against the active preset and tracks
// per-goal budgets. Not safe for concurrent goals — spec §5 guarantees
// one active goal at a time per Engine instance.
type Engine struct {
	mu           sync.Mutex
	preset       config.PolicyPreset
	presetName   string
	projectRoot  string
	writablePaths []string
	budget       Budget
	blockedClasses map[string]bool // classes with an exceeded budget, blocked for rest of goal
	log          *zap.Logger
}

// New constructs an Engine for the named preset.
func New(cfg config.Config, presetName, projectRoot string, writablePaths []string, log *zap.Logger) *Engine {
	return &Engine{
		preset:         cfg.Preset(presetName),
		presetName:     presetName,
		projectRoot:    projectRoot,
		writablePaths:  writablePaths,
		budget:         Budget{ToolCalls: map[string]int{}, StartedAt: time.Now()},
		blockedClasses: map[string]bool{},
		log:            logging.OrNop(log),
	}
}

// BeginGoal resets budgets for a new goal (spec §4.6's per-goal counters).
func (e *Engine) BeginGoal() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.budget = Budget{ToolCalls: map[string]int{}, StartedAt: time.Now()}
	e.blockedClasses = map[string]bool{}
}

// Summary implements tools.PolicyChecker: renders the current goal's
// budget usage for the goal result (spec §12.2 supplement).
func (e *Engine) Summary() string {
	return e.Budget().Summary()
}

// Budget returns a snapshot of the current budget counters.
func (e *Engine) Budget() Budget {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := e.budget
	cp.ToolCalls = make(map[string]int, len(e.budget.ToolCalls))
	for k, v := range e.budget.ToolCalls {
		cp.ToolCalls[k] = v
	}
	return cp
}

// Check implements tools.PolicyChecker. It evaluates budgets, path
// restrictions, and shell patterns, returning a *Violation (never a
// bare error) when the call must be blocked.
func (e *Engine) Check(_ context.Context, toolName string, sideEffect types.SideEffectClass, args map[string]any) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if v := e.checkBudgetLocked(toolName, sideEffect); v != nil {
		return v
	}
	// Always-denied paths apply to every tool that takes a path, read or
	// write (spec §4.6) — not just write_file/edit_file and not just the
	// literal name "read_file", so list_dir/search_files can't read
	// /etc, ~/.ssh, etc. either.
	if sideEffect == types.SideEffectWrite || sideEffect == types.SideEffectRead {
		if path, ok := args["path"].(string); ok {
			if v := e.checkPath(path, toolName); v != nil {
				return v
			}
		}
	}
	if toolName == "shell" {
		if cmd, ok := args["command"].(string); ok {
			if v := checkShellPattern(cmd, toolName); v != nil {
				return v
			}
		}
	}
	return nil
}

// Record implements tools.PolicyChecker: budgets only increase (spec §3).
func (e *Engine) Record(toolName string, sideEffect types.SideEffectClass) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.budget.ToolCalls[toolName]++
	switch sideEffect {
	case types.SideEffectWrite:
		e.budget.FileWrites++
	case types.SideEffectShell:
		e.budget.Shells++
	case types.SideEffectGit:
		if toolName == "git_commit" {
			e.budget.GitCommits++
		}
	case types.SideEffectNetworkExternal:
		e.budget.ExternalAgents++
	}
}

func (e *Engine) checkBudgetLocked(toolName string, sideEffect types.SideEffectClass) *Violation {
	class, limit, current := "", 0, 0
	switch sideEffect {
	case types.SideEffectWrite:
		class, limit, current = "write", e.preset.FileWrites, e.budget.FileWrites
	case types.SideEffectShell:
		class, limit, current = "shell", e.preset.Shells, e.budget.Shells
	case types.SideEffectGit:
		if toolName != "git_commit" {
			return nil
		}
		class, limit, current = "git", e.preset.GitCommits, e.budget.GitCommits
	case types.SideEffectNetworkExternal:
		class, limit, current = "external", e.preset.ExternalAgents, e.budget.ExternalAgents
	default:
		return nil
	}

	if e.blockedClasses[class] {
		return &Violation{Rule: "budget_exceeded", Tool: toolName,
			Message: fmt.Sprintf("policy: %s budget exceeded", class)}
	}
	if limit == 0 {
		return nil // unlimited
	}
	if current >= limit {
		e.blockedClasses[class] = true
		return &Violation{Rule: "budget_exceeded", Tool: toolName,
			Message: fmt.Sprintf("policy: %s budget exceeded", class)}
	}
	return nil
}

func (e *Engine) checkPath(path, toolName string) *Violation {
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(e.projectRoot, abs)
	}
	for _, pattern := range alwaysDeniedPaths {
		denied := matchGlobPath(pattern, abs) || matchGlobPath(pattern, path)
		// A "dir/*" pattern also covers dir itself and anything deeper,
		// which filepath.Match's single-segment * does not reach.
		if exp := expandHome(pattern); strings.HasSuffix(exp, "/*") && !strings.Contains(strings.TrimSuffix(exp, "/*"), "*") {
			dir := strings.TrimSuffix(exp, "/*")
			denied = denied || within(dir, abs) || within(dir, expandHome(path))
		}
		if denied {
			return &Violation{Rule: "denied_path", Tool: toolName,
				Message: fmt.Sprintf("policy: path %q is always denied (%s)", path, pattern)}
		}
	}

	// write-only restriction: must fall under project root, a configured
	// writable path, or (preset "full") anywhere under the user's home.
	if strings.Contains(toolName, "write") || toolName == "edit_file" {
		if e.presetName == "full" {
			return nil
		}
		if within(e.projectRoot, abs) {
			return nil
		}
		for _, wp := range e.writablePaths {
			if matchGlobPath(wp, abs) {
				return nil
			}
		}
		return &Violation{Rule: "outside_writable_root", Tool: toolName,
			Message: fmt.Sprintf("policy: %q is outside the project root and no writable_paths glob matches", path)}
	}
	return nil
}

func checkShellPattern(cmd, toolName string) *Violation {
	lower := strings.ToLower(cmd)
	for _, pattern := range alwaysBlockedShellPatterns {
		if strings.Contains(lower, pattern) {
			return &Violation{Rule: "blocked_shell_pattern", Tool: toolName,
				Message: fmt.Sprintf("policy: shell command matches blocked pattern %q", pattern)}
		}
	}
	if strings.Contains(lower, pipeToShellHint) && (strings.Contains(lower, "curl") || strings.Contains(lower, "wget")) {
		return &Violation{Rule: "blocked_shell_pattern", Tool: toolName,
			Message: "policy: pipe-to-shell commands are blocked"}
	}
	return nil
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return !strings.HasPrefix(rel, "..")
}

func matchGlobPath(pattern, path string) bool {
	expanded := expandHome(pattern)
	path = expandHome(path)
	if strings.Contains(expanded, "**") {
		return matchDoubleStarGlob(expanded, path)
	}
	ok, _ := filepath.Match(expanded, path)
	return ok
}

// matchDoubleStarGlob handles the "**/x" shape filepath.Match cannot,
// by matching the suffix pattern against every path segment boundary.
func matchDoubleStarGlob(pattern, path string) bool {
	suffix := strings.TrimPrefix(pattern, "**/")
	if suffix == pattern {
		return false
	}
	base := filepath.Base(path)
	if ok, _ := filepath.Match(suffix, base); ok {
		return true
	}
	ok, _ := filepath.Match(suffix, path)
	return ok
}

func expandHome(p string) string {
	if strings.HasPrefix(p, "~/") {
		if home, err := osUserHomeDir(); err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	return p
}
