package builtin

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"syscall"
	"time"

	"github.com/hama-jp/open-harness/internal/types"
)

// grimDuration is the grace period between SIGTERM and SIGKILL when a
// shell command is cancelled mid-flight (spec §5).
const grimDuration = 2 * time.Second

// NewShell returns an ExecuteFunc for the "shell" tool bound to a
// default timeout; a per-call "timeout" argument (seconds) overrides it.
func NewShell(defaultTimeout time.Duration) func(ctx context.Context, args map[string]any) (string, error) {
	return func(ctx context.Context, args map[string]any) (string, error) {
		command, _ := stringArg(args, "command")
		timeout := defaultTimeout
		if v, ok := args["timeout"]; ok {
			if secs, ok := v.(float64); ok && secs > 0 {
				timeout = time.Duration(secs) * time.Second
			}
		}
		return runShell(ctx, command, timeout)
	}
}

func runShell(ctx context.Context, command string, timeout time.Duration) (string, error) {
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	shell, flag := "/bin/sh", "-c"
	if runtime.GOOS == "windows" {
		shell, flag = "cmd", "/C"
	}
	cmd := exec.Command(shell, flag, command)
	setupProcessGroup(cmd)

	var combined bytes.Buffer
	cmd.Stdout = &combined
	cmd.Stderr = &combined

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("shell: start: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			return combined.String(), fmt.Errorf("shell: %w", err)
		}
		return combined.String(), nil
	case <-execCtx.Done():
		terminateProcessGroup(cmd)
		select {
		case <-done:
		case <-time.After(grimDuration):
			killProcessGroup(cmd)
			<-done
		}
		return combined.String(), fmt.Errorf("shell: %w", execCtx.Err())
	}
}

func setupProcessGroup(cmd *exec.Cmd) {
	if runtime.GOOS == "windows" {
		return
	}
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

func terminateProcessGroup(cmd *exec.Cmd) {
	if runtime.GOOS == "windows" {
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		return
	}
	if cmd.Process == nil {
		return
	}
	if pgid, err := syscall.Getpgid(cmd.Process.Pid); err == nil {
		syscall.Kill(-pgid, syscall.SIGTERM)
		return
	}
	cmd.Process.Signal(syscall.SIGTERM)
}

func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if runtime.GOOS == "windows" {
		cmd.Process.Kill()
		return
	}
	if pgid, err := syscall.Getpgid(cmd.Process.Pid); err == nil {
		syscall.Kill(-pgid, syscall.SIGKILL)
		return
	}
	cmd.Process.Kill()
}

var shellDescriptor = types.ToolDescriptor{
	Name:        "shell",
	Description: "Run a single shell command and return its combined stdout and stderr.",
	SideEffect:  types.SideEffectShell,
	Args: []types.ArgSpec{
		{Name: "command", Type: "string", Required: true},
		{Name: "timeout", Type: "integer", Required: false, Brief: "seconds, overrides the configured default"},
	},
}
