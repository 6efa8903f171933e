package builtin

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/hama-jp/open-harness/internal/types"
)

// git runs a git subprocess rooted at dir, matching internal/checkpoint's
// own subprocess helper (these tools are model-facing and intentionally
// independent of the Checkpoint Manager's session state).
func git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var out, errb bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errb
	if err := cmd.Run(); err != nil {
		combined := strings.TrimSpace(out.String() + "\n" + errb.String())
		return combined, fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return out.String(), nil
}

// NewGitStatus returns the "git_status" ExecuteFunc rooted at root.
func NewGitStatus(root string) func(context.Context, map[string]any) (string, error) {
	return func(ctx context.Context, _ map[string]any) (string, error) {
		out, err := git(ctx, root, "status", "--porcelain=v1", "--branch")
		if err != nil {
			return out, fmt.Errorf("git_status: %w", err)
		}
		// --branch always prints one "## <branch>" header line; a tree
		// with nothing beyond that header is clean.
		trimmed := strings.TrimSpace(out)
		if trimmed == "" || (strings.HasPrefix(trimmed, "## ") && !strings.Contains(trimmed, "\n")) {
			return "clean", nil
		}
		return out, nil
	}
}

// NewGitDiff returns the "git_diff" ExecuteFunc rooted at root.
func NewGitDiff(root string) func(context.Context, map[string]any) (string, error) {
	return func(ctx context.Context, args map[string]any) (string, error) {
		gitArgs := []string{"diff"}
		if boolArg(args, "staged") {
			gitArgs = append(gitArgs, "--staged")
		}
		out, err := git(ctx, root, gitArgs...)
		if err != nil {
			return out, fmt.Errorf("git_diff: %w", err)
		}
		if strings.TrimSpace(out) == "" {
			return "no changes", nil
		}
		return out, nil
	}
}

// NewGitCommit returns the "git_commit" ExecuteFunc rooted at root.
func NewGitCommit(root string) func(context.Context, map[string]any) (string, error) {
	return func(ctx context.Context, args map[string]any) (string, error) {
		message, _ := stringArg(args, "message")

		addArgs := []string{"add"}
		if raw, ok := args["paths"]; ok {
			if list, ok := raw.([]any); ok && len(list) > 0 {
				for _, p := range list {
					if s, ok := p.(string); ok {
						addArgs = append(addArgs, s)
					}
				}
			} else {
				addArgs = append(addArgs, "-A")
			}
		} else {
			addArgs = append(addArgs, "-A")
		}
		if out, err := git(ctx, root, addArgs...); err != nil {
			return out, fmt.Errorf("git_commit: add: %w", err)
		}

		out, err := git(ctx, root, "commit", "-m", message)
		if err != nil {
			return out, fmt.Errorf("git_commit: %w", err)
		}
		return out, nil
	}
}

// NewGitBranch returns the "git_branch" ExecuteFunc rooted at root.
// action defaults to "list" when absent; "create"/"switch" require name.
func NewGitBranch(root string) func(context.Context, map[string]any) (string, error) {
	return func(ctx context.Context, args map[string]any) (string, error) {
		action, _ := stringArg(args, "action")
		name, _ := stringArg(args, "name")
		if action == "" {
			action = "list"
		}

		switch action {
		case "list":
			out, err := git(ctx, root, "branch", "--list")
			if err != nil {
				return out, fmt.Errorf("git_branch: %w", err)
			}
			return out, nil
		case "create":
			if name == "" {
				return "", fmt.Errorf("git_branch: action=create requires name")
			}
			out, err := git(ctx, root, "branch", name)
			if err != nil {
				return out, fmt.Errorf("git_branch: %w", err)
			}
			return fmt.Sprintf("created branch %s", name), nil
		case "switch":
			if name == "" {
				return "", fmt.Errorf("git_branch: action=switch requires name")
			}
			out, err := git(ctx, root, "checkout", name)
			if err != nil {
				return out, fmt.Errorf("git_branch: %w", err)
			}
			return fmt.Sprintf("switched to branch %s", name), nil
		default:
			return "", fmt.Errorf("git_branch: unknown action %q", action)
		}
	}
}

// NewGitLog returns the "git_log" ExecuteFunc rooted at root.
func NewGitLog(root string) func(context.Context, map[string]any) (string, error) {
	return func(ctx context.Context, args map[string]any) (string, error) {
		count := 10
		if v, ok := args["count"]; ok {
			if n, ok := v.(float64); ok && n > 0 {
				count = int(n)
			}
		}
		out, err := git(ctx, root, "log", "-n", strconv.Itoa(count), "--oneline")
		if err != nil {
			return out, fmt.Errorf("git_log: %w", err)
		}
		return out, nil
	}
}

var (
	gitStatusDescriptor = types.ToolDescriptor{
		Name:        "git_status",
		Description: "Show the working tree status.",
		SideEffect:  types.SideEffectRead,
	}
	gitDiffDescriptor = types.ToolDescriptor{
		Name:        "git_diff",
		Description: "Show unstaged (or staged) changes.",
		SideEffect:  types.SideEffectRead,
		Args:        []types.ArgSpec{{Name: "staged", Type: "boolean", Required: false}},
	}
	gitCommitDescriptor = types.ToolDescriptor{
		Name:        "git_commit",
		Description: "Stage and commit changes with a message.",
		SideEffect:  types.SideEffectGit,
		Args: []types.ArgSpec{
			{Name: "message", Type: "string", Required: true},
			{Name: "paths", Type: "object", Required: false, Brief: "list of paths to stage; defaults to all"},
		},
	}
	gitBranchDescriptor = types.ToolDescriptor{
		Name:        "git_branch",
		Description: "List, create, or switch branches.",
		SideEffect:  types.SideEffectGit,
		Args: []types.ArgSpec{
			{Name: "name", Type: "string", Required: false},
			{Name: "action", Type: "string", Required: false, Brief: "list (default) | create | switch"},
		},
	}
	gitLogDescriptor = types.ToolDescriptor{
		Name:        "git_log",
		Description: "Show recent commits, one line each.",
		SideEffect:  types.SideEffectRead,
		Args:        []types.ArgSpec{{Name: "count", Type: "integer", Required: false}},
	}
)
