package builtin

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hama-jp/open-harness/internal/logging"
	"github.com/hama-jp/open-harness/internal/types"
)

// agentOrder is the fixed cyclic fallback order of spec §4.5.5.
var agentOrder = []string{"claude_code", "codex", "gemini_cli"}

// agentSpec describes how to invoke one external coder CLI.
type agentSpec struct {
	binary     string
	stdinArg   bool     // prompt is piped to stdin rather than passed as an arg
	argsBefore []string // flags that precede the prompt
}

var agentSpecs = map[string]agentSpec{
	"claude_code": {binary: "claude", stdinArg: false, argsBefore: []string{"-p"}},
	"codex":       {binary: "codex", stdinArg: true, argsBefore: []string{"exec", "-"}},
	"gemini_cli":  {binary: "gemini", stdinArg: false, argsBefore: []string{"-p"}},
}

// isRateLimitError checks for the rate-limit lexicon of spec §4.5.5,
// grounded on the teacher's own isRateLimitError in internal/perception.
func isRateLimitError(s string) bool {
	lower := strings.ToLower(s)
	return strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "rate_limit") ||
		strings.Contains(lower, "too many requests") ||
		strings.Contains(lower, "429") ||
		strings.Contains(lower, "quota exceeded")
}

// ExternalAgents tracks per-agent cooldowns and performs the
// cyclic-fallback invocation of spec §4.5.5.
type ExternalAgents struct {
	mu        sync.Mutex
	cooldowns map[string]time.Time
	available map[string]bool
	timeout   time.Duration
	log       *zap.Logger
}

// NewExternalAgents constructs a manager with every agent assumed
// available; call Probe to narrow that down to what's actually installed.
func NewExternalAgents(timeout time.Duration, log *zap.Logger) *ExternalAgents {
	a := &ExternalAgents{
		cooldowns: map[string]time.Time{},
		available: map[string]bool{},
		timeout:   timeout,
		log:       logging.OrNop(log),
	}
	for _, name := range agentOrder {
		a.available[name] = true
	}
	return a
}

// Probe checks each agent's binary is on PATH, disabling the ones that
// aren't (spec §4.5.5: "probes availability at startup and only
// registers the agents that respond"). The three lookups fan out
// concurrently under errgroup, cancellable as a group if ctx is done
// before they finish (spec §5's "process may await several I/O
// operations simultaneously").
func (a *ExternalAgents) Probe(ctx context.Context) {
	results := make(map[string]bool, len(agentOrder))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range agentOrder {
		name := name
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			spec := agentSpecs[name]
			_, lookErr := exec.LookPath(spec.binary)
			mu.Lock()
			results[name] = lookErr == nil
			mu.Unlock()
			if lookErr != nil {
				a.log.Debug("external agent not available", zap.String("agent", name), zap.Error(lookErr))
			}
			return nil
		})
	}
	_ = g.Wait() // per-agent lookup failures are recorded above, not fatal to the probe as a whole

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, name := range agentOrder {
		a.available[name] = results[name]
	}
}

// Available reports the agents Probe found installed, in fallback order.
func (a *ExternalAgents) Available() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, name := range agentOrder {
		if a.available[name] {
			out = append(out, name)
		}
	}
	return out
}

func (a *ExternalAgents) inCooldown(name string) bool {
	until, ok := a.cooldowns[name]
	return ok && time.Now().Before(until)
}

func (a *ExternalAgents) setCooldown(name string, d time.Duration) {
	a.cooldowns[name] = time.Now().Add(d)
}

// fallbackFrom returns the cyclic order starting at start.
func fallbackFrom(start string) []string {
	idx := 0
	for i, n := range agentOrder {
		if n == start {
			idx = i
			break
		}
	}
	out := make([]string, 0, len(agentOrder))
	for i := 0; i < len(agentOrder); i++ {
		out = append(out, agentOrder[(idx+i)%len(agentOrder)])
	}
	return out
}

// rateLimitCooldown is the wait recorded for an agent after any
// rate-limited reply; a retry duration named in the reply is not parsed.
const rateLimitCooldown = 10 * time.Minute

// Invoke runs prompt against start, cycling through the fallback order
// on a rate-limited reply (spec §4.5.5). When every agent is in
// cooldown it returns a single rate-limited failure naming them all.
func (a *ExternalAgents) Invoke(ctx context.Context, start, prompt string) (output, usedAgent string, err error) {
	a.mu.Lock()
	order := fallbackFrom(start)
	var tried []string
	for _, name := range order {
		if !a.available[name] || a.inCooldown(name) {
			continue
		}
		tried = append(tried, name)
	}
	a.mu.Unlock()

	if len(tried) == 0 {
		return "", "", fmt.Errorf("all external agents rate-limited or unavailable: %s", strings.Join(order, ", "))
	}

	for _, name := range tried {
		out, execErr := a.run(ctx, name, prompt)
		if execErr == nil {
			return out, name, nil
		}
		if isRateLimitError(out + "\n" + execErr.Error()) {
			a.mu.Lock()
			a.setCooldown(name, rateLimitCooldown)
			a.mu.Unlock()
			a.log.Info("external agent rate-limited, falling back", zap.String("agent", name))
			continue
		}
		return out, name, execErr
	}
	return "", "", fmt.Errorf("all external agents rate-limited: %s", strings.Join(tried, ", "))
}

func (a *ExternalAgents) run(ctx context.Context, name, prompt string) (string, error) {
	spec := agentSpecs[name]
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	var args []string
	if spec.stdinArg {
		args = append(args, spec.argsBefore...)
	} else {
		args = append(args, spec.argsBefore...)
		args = append(args, prompt)
	}

	cmd := exec.CommandContext(ctx, spec.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if spec.stdinArg {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return "", fmt.Errorf("%s: stdin pipe: %w", name, err)
		}
		if err := cmd.Start(); err != nil {
			return "", fmt.Errorf("%s: start: %w", name, err)
		}
		io.WriteString(stdin, prompt)
		stdin.Close()
		if err := cmd.Wait(); err != nil {
			return combinedOutput(stdout, stderr), fmt.Errorf("%s: %w", name, err)
		}
		return stdout.String(), nil
	}

	if err := cmd.Run(); err != nil {
		return combinedOutput(stdout, stderr), fmt.Errorf("%s: %w", name, err)
	}
	return stdout.String(), nil
}

func combinedOutput(stdout, stderr bytes.Buffer) string {
	out := stdout.String()
	if s := stderr.String(); s != "" {
		if out != "" {
			out += "\n"
		}
		out += s
	}
	return out
}

// NewExternalAgentTool returns an ExecuteFunc for one of the three
// external-agent tool names, routed through the shared ExternalAgents
// manager so a rate-limited reply transparently falls back (spec §4.5.5).
func NewExternalAgentTool(agents *ExternalAgents, name string) func(context.Context, map[string]any) (string, error) {
	return func(ctx context.Context, args map[string]any) (string, error) {
		prompt, _ := stringArg(args, "prompt")
		out, used, err := agents.Invoke(ctx, name, prompt)
		if err != nil {
			return out, err
		}
		if used != name {
			return fmt.Sprintf("[handled by %s after %s was rate-limited]\n%s", used, name, out), nil
		}
		return out, nil
	}
}

func externalAgentDescriptor(name string) types.ToolDescriptor {
	return types.ToolDescriptor{
		Name:        name,
		Description: fmt.Sprintf("Delegate a coding task to the %s external agent.", name),
		SideEffect:  types.SideEffectNetworkExternal,
		Args:        []types.ArgSpec{{Name: "prompt", Type: "string", Required: true}},
	}
}
