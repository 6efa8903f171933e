// Command harness is the CLI entrypoint wiring the core engine
// together for a single goal run (spec §6's CLI surface). Config-file
// discovery, project-type detection, and the terminal dashboard/REPL
// are external collaborators (spec §1) this command does not
// implement; it only loads config.Default(), optionally overlaid by
// --config, and drives one goal through the Orchestrator.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hama-jp/open-harness/internal/checkpoint"
	"github.com/hama-jp/open-harness/internal/config"
	"github.com/hama-jp/open-harness/internal/events"
	"github.com/hama-jp/open-harness/internal/llm"
	"github.com/hama-jp/open-harness/internal/logging"
	"github.com/hama-jp/open-harness/internal/orchestrator"
	"github.com/hama-jp/open-harness/internal/policy"
	"github.com/hama-jp/open-harness/internal/taskqueue"
	"github.com/hama-jp/open-harness/internal/tools"
	"github.com/hama-jp/open-harness/internal/tools/builtin"
)

var (
	configPath string
	tierFlag   string
	goalFlag   string
	verbose    bool
	presetFlag string
)

var rootCmd = &cobra.Command{
	Use:   "harness",
	Short: "open_harness — a self-driving agent harness for weak local LMs",
	Long: `open_harness drives a weak local language model through a tool-use
loop against a local source tree, compensating for malformed tool calls,
hallucinated tool names, and lost context along the way.

Run with --goal to execute one goal synchronously against the current
workspace. A failed goal returns exit 0 with the failure surfaced in
output; only catastrophic startup failures (bad config, unreachable
workspace) return non-zero.`,
	RunE: runGoalCmd,
}

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Inspect and enqueue tasks on the background task queue",
}

var taskSubmitCmd = &cobra.Command{
	Use:   "submit [goal text]",
	Short: "Enqueue a goal; the id is printed immediately (spec §4.12 submit)",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runTaskSubmit,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every task, newest first",
	RunE:  runTaskList,
}

var taskResultCmd = &cobra.Command{
	Use:   "result [task-id]",
	Short: "Show one task's status, log path, and result",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskResult,
}

var serveQueueCmd = &cobra.Command{
	Use:   "serve-queue",
	Short: "Run the background task queue worker until interrupted",
	Long: `Starts the single FIFO worker goroutine that drains the task queue
(spec §4.12). Crash recovery scrubs any task left "running" by a prior
process before the worker begins. Blocks until SIGINT/SIGTERM.`,
	RunE: runServeQueue,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to open_harness.yaml (default: built-in config)")
	rootCmd.PersistentFlags().StringVar(&tierFlag, "tier", "medium", "model tier: small, medium, or large")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose (development-mode) logging")
	rootCmd.PersistentFlags().StringVar(&presetFlag, "policy", "", "policy preset override: safe, balanced, or full")
	rootCmd.Flags().StringVar(&goalFlag, "goal", "", "goal text to execute against the current workspace")

	taskCmd.AddCommand(taskSubmitCmd, taskListCmd, taskResultCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(serveQueueCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	data, err := os.ReadFile(configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("read config: %w", err)
	}
	return config.Parse(data)
}

type harnessDeps struct {
	cfg    config.Config
	log    *zap.Logger
	bus    *events.Bus
	client *llm.Client
	reg    *tools.Registry
	pol    *policy.Engine
	check  *checkpoint.Manager
	root   string
}

func buildDeps(ctx context.Context) (*harnessDeps, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if presetFlag != "" {
		cfg.PolicyPreset = presetFlag
	}

	log, err := logging.New(verbose)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	root, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("cwd: %w", err)
	}

	bus := events.NewBus(log)
	client := llm.New(cfg, bus, log)

	reg := tools.NewRegistry(log)
	if _, err := builtin.Register(ctx, reg, cfg, root, log); err != nil {
		return nil, fmt.Errorf("register tools: %w", err)
	}

	pol := policy.New(cfg, cfg.PolicyPreset, root, nil, log)
	check := checkpoint.New(root, log)

	return &harnessDeps{cfg: cfg, log: log, bus: bus, client: client, reg: reg, pol: pol, check: check, root: root}, nil
}

func runGoalCmd(cmd *cobra.Command, args []string) error {
	if goalFlag == "" {
		return cmd.Help()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	deps, err := buildDeps(ctx)
	if err != nil {
		return err
	}
	defer deps.log.Sync()

	orch := orchestrator.New(deps.cfg, config.Tier(tierFlag), deps.client, deps.reg, deps.pol, deps.check, deps.bus, deps.log)
	result := orch.RunGoal(ctx, goalID(), goalFlag)

	fmt.Println(result.Summary)
	fmt.Printf("status=%s steps_completed=%d steps_failed=%d replans=%d policy_violations=%d\n",
		result.Status, result.Stats.StepsCompleted, result.Stats.StepsFailed, result.Stats.Replans, result.Stats.PolicyViolations)
	if result.PolicySummary != "" {
		fmt.Println(result.PolicySummary)
	}
	return nil
}

// runTaskSubmit only opens the store and inserts a row — it does not
// start the worker goroutine. A separate `serve-queue` process (or the
// same one, in a single-binary deployment) drains the queue (spec
// §4.12: submit returns the id synchronously, independent of whether
// anything is currently consuming the queue).
func runTaskSubmit(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	deps, err := buildDeps(ctx)
	if err != nil {
		return err
	}
	defer deps.log.Sync()

	q, err := openQueue(deps)
	if err != nil {
		return err
	}
	defer q.Close()

	goal := args[0]
	for _, a := range args[1:] {
		goal += " " + a
	}
	id, err := q.Submit(goal)
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	fmt.Println(id)
	return nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	deps, err := buildDeps(ctx)
	if err != nil {
		return err
	}
	defer deps.log.Sync()

	q, err := openQueue(deps)
	if err != nil {
		return err
	}
	defer q.Close()

	tasks, err := q.List()
	if err != nil {
		return fmt.Errorf("list: %w", err)
	}
	for _, t := range tasks {
		fmt.Printf("%s\t%s\t%s\n", t.ID, t.Status, t.Goal)
	}
	return nil
}

func runTaskResult(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	deps, err := buildDeps(ctx)
	if err != nil {
		return err
	}
	defer deps.log.Sync()

	q, err := openQueue(deps)
	if err != nil {
		return err
	}
	defer q.Close()

	task, err := q.Result(args[0])
	if err != nil {
		return fmt.Errorf("result: %w", err)
	}
	fmt.Printf("id=%s status=%s goal=%q\n", task.ID, task.Status, task.Goal)
	fmt.Printf("log=%s\n", task.LogPath)
	if task.Result != "" {
		fmt.Printf("result=%s\n", task.Result)
	}
	return nil
}

// runServeQueue runs the single background worker goroutine of spec
// §4.12 in the foreground until interrupted, so a `task submit` from
// another invocation of this same binary has something to drain it.
func runServeQueue(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	deps, err := buildDeps(ctx)
	if err != nil {
		return err
	}
	defer deps.log.Sync()

	q, err := openQueue(deps)
	if err != nil {
		return err
	}
	defer q.Close()

	q.Start()
	deps.log.Info("serve-queue: worker started; waiting for tasks")
	<-ctx.Done()
	deps.log.Info("serve-queue: shutdown signal received, draining current task")
	return nil
}

func openQueue(deps *harnessDeps) (*taskqueue.Queue, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("home dir: %w", err)
	}
	base := filepath.Join(home, ".open_harness")
	runner := queueRunner{deps: deps}
	return taskqueue.Open(filepath.Join(base, "tasks.db"), filepath.Join(base, "logs"), runner, deps.bus, deps.log)
}

// queueRunner adapts an Orchestrator to taskqueue.Runner, giving each
// task its own Orchestrator and context store (spec §4.12: "no
// cross-task state").
type queueRunner struct {
	deps *harnessDeps
}

func (r queueRunner) RunGoal(ctx context.Context, goalID, goal string) (string, bool) {
	orch := orchestrator.New(r.deps.cfg, config.Tier(tierFlag), r.deps.client, r.deps.reg, r.deps.pol, r.deps.check, r.deps.bus, r.deps.log)
	result := orch.RunGoal(ctx, goalID, goal)
	return result.Summary, result.Status == orchestrator.StatusCompleted
}

func goalID() string {
	return fmt.Sprintf("goal-%d", os.Getpid())
}
