// Package contextstore implements the Context Store (spec §4.8): a
// layered, budget-aware assembler of the message sequence handed to the
// LM Client each turn, plus a structured summary that survives
// compression.
//
// Grounded on original_source's open_harness_v2/core/context.py
// (SystemLayer/PlanLayer/HistoryLayer/WorkingLayer, the L1 tool-pair
// summarization and L2 run-coalescing passes, promote-to-history), with
// the L1/L2 thresholds, working-layer sizing, and overflow-on-system-
// layer behavior adjusted to spec §4.8's exact algorithm.
package contextstore

import (
	"hash/fnv"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/hama-jp/open-harness/internal/types"
)

// ErrContextOverflow is returned when even the minimal layer set (system
// layer alone, after trimming its memory section) cannot fit the
// budget. Spec §4.8 step 4: surfaced to the orchestrator, never to the model.
var ErrContextOverflow = errors.New("contextstore: context_overflow")

// l2RunLength is N in spec §4.8 step 3: consecutive L1 lines coalesced
// into one aggregate record once a run reaches this length.
const l2RunLength = 4

// Summary is the structured summary preserved across compression (spec
// §4.8): a running picture of what happened, rendered into the system
// layer so the model never needs to re-discover it by repeating tool calls.
type Summary struct {
	FilesModified  map[string]struct{}
	LastTestResult *TestResult
	RecentErrors   []string
}

// TestResult is the last-known outcome of a run_tests invocation.
type TestResult struct {
	Passed   int
	Failed   int
	OutputHead string
}

const maxRecentErrors = 10

// NewSummary returns an empty structured summary.
func NewSummary() *Summary {
	return &Summary{FilesModified: map[string]struct{}{}}
}

// RecordWrite notes a file touched by write_file/edit_file.
func (s *Summary) RecordWrite(path string) { s.FilesModified[path] = struct{}{} }

// RecordTestResult updates the last known test outcome.
func (s *Summary) RecordTestResult(passed, failed int, outputHead string) {
	s.LastTestResult = &TestResult{Passed: passed, Failed: failed, OutputHead: outputHead}
}

// RecordError appends to the bounded recent-errors ring.
func (s *Summary) RecordError(msg string) {
	s.RecentErrors = append(s.RecentErrors, msg)
	if len(s.RecentErrors) > maxRecentErrors {
		s.RecentErrors = s.RecentErrors[len(s.RecentErrors)-maxRecentErrors:]
	}
}

// Render produces the text block folded into the system layer.
func (s *Summary) Render() string {
	if len(s.FilesModified) == 0 && s.LastTestResult == nil && len(s.RecentErrors) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Session Summary\n")
	if len(s.FilesModified) > 0 {
		names := make([]string, 0, len(s.FilesModified))
		for f := range s.FilesModified {
			names = append(names, f)
		}
		b.WriteString(fmt.Sprintf("Files modified: %s\n", strings.Join(names, ", ")))
	}
	if s.LastTestResult != nil {
		b.WriteString(fmt.Sprintf("Last test result: %d passed, %d failed\n", s.LastTestResult.Passed, s.LastTestResult.Failed))
		if s.LastTestResult.OutputHead != "" {
			b.WriteString(s.LastTestResult.OutputHead + "\n")
		}
	}
	if len(s.RecentErrors) > 0 {
		b.WriteString("Recent errors:\n")
		for _, e := range s.RecentErrors {
			b.WriteString("  - " + e + "\n")
		}
	}
	return b.String()
}

// SystemLayer is never compressed (spec §4.8 step 1). It folds in the
// structured summary via SummaryText, refreshed before each build.
type SystemLayer struct {
	Role              string
	ToolsDescription  string
	ProjectContext    string
	SummaryText       string
	memoryTrimmed     bool
}

func (l *SystemLayer) toText() string {
	var parts []string
	if l.Role != "" {
		parts = append(parts, l.Role)
	}
	if l.ToolsDescription != "" {
		parts = append(parts, "## Available Tools\n\n"+l.ToolsDescription)
	}
	if !l.memoryTrimmed && l.ProjectContext != "" {
		parts = append(parts, "## Project Context\n\n"+l.ProjectContext)
	}
	if l.SummaryText != "" {
		parts = append(parts, l.SummaryText)
	}
	return strings.Join(parts, "\n\n")
}

// PlanLayer shows the current step plus a lookahead window.
type PlanLayer struct {
	Steps       []string
	CurrentStep int
	Lookahead   int // default 2
}

func (l *PlanLayer) toText() string {
	if len(l.Steps) == 0 {
		return ""
	}
	lookahead := l.Lookahead
	if lookahead <= 0 {
		lookahead = 2
	}
	end := l.CurrentStep + lookahead + 1
	if end > len(l.Steps) {
		end = len(l.Steps)
	}
	if l.CurrentStep >= end {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "## Current Plan (step %d/%d)\n", l.CurrentStep+1, len(l.Steps))
	for i := l.CurrentStep; i < end; i++ {
		marker := " "
		if i == l.CurrentStep {
			marker = "→"
		}
		fmt.Fprintf(&b, "  %s %d. %s\n", marker, i+1, l.Steps[i])
	}
	return b.String()
}

// Advance moves to the next plan step. Returns false if already at the end.
func (l *PlanLayer) Advance() bool {
	if l.CurrentStep >= len(l.Steps)-1 {
		return false
	}
	l.CurrentStep++
	return true
}

// entry is one message plus a marker for what compression stage produced it.
type entry struct {
	msg   types.Message
	stage stage
}

type stage int

const (
	stageRaw stage = iota
	stageL1
	stageL2
)

// Store assembles the message sequence for one LM turn (spec §4.8's
// public contract, BuildMessages).
type Store struct {
	System   SystemLayer
	Plan     PlanLayer
	Summary  *Summary

	working []types.Message // protected tail, most recent W turns
	history []entry         // oldest-first

	workingMin int // W = max(2, ceil(budget/8192)), recomputed per build
}

// New constructs an empty Store.
func New() *Store {
	return &Store{Summary: NewSummary(), workingMin: 2}
}

// AddMessage appends a message to history (spec §5: strict append order).
func (s *Store) AddMessage(m types.Message) {
	s.history = append(s.history, entry{msg: m, stage: stageRaw})
}

// BuildMessages implements the public contract: build_messages(budget_tokens).
func (s *Store) BuildMessages(budgetTokens int) ([]types.Message, error) {
	s.System.SummaryText = s.Summary.Render()

	w := s.workingWindow(budgetTokens)
	if w > len(s.history) {
		w = len(s.history)
	}
	working := s.history[len(s.history)-w:]
	historical := s.history[:len(s.history)-w]

	systemMsg := types.Message{Role: types.RoleSystem, Content: s.System.toText()}
	systemTokens := EstimateTokens(systemMsg.Content)

	planText := s.Plan.toText()
	var planMsgs []types.Message
	if planText != "" {
		planMsgs = []types.Message{{Role: types.RoleSystem, Content: planText}}
	}
	planTokens := EstimateMessagesTokens(textsOf(planMsgs))

	workingMsgs := make([]types.Message, len(working))
	for i, e := range working {
		workingMsgs[i] = e.msg
	}
	workingTokens := EstimateMessagesTokens(textsOf(workingMsgs))

	fixed := systemTokens + planTokens + workingTokens
	if fixed > budgetTokens && budgetTokens > 0 {
		// Step 4: trim the memory section (project context), then fail.
		s.System.memoryTrimmed = true
		systemMsg.Content = s.System.toText()
		systemTokens = EstimateTokens(systemMsg.Content)
		fixed = systemTokens + planTokens + workingTokens
		if fixed > budgetTokens {
			return nil, fmt.Errorf("%w: fixed layers need ~%d tokens, budget is %d", ErrContextOverflow, fixed, budgetTokens)
		}
	}
	s.System.memoryTrimmed = false

	historyBudget := budgetTokens - fixed
	if budgetTokens <= 0 {
		historyBudget = -1 // unlimited
	}
	histMsgs := s.compressHistory(historical, historyBudget)

	out := make([]types.Message, 0, 1+len(planMsgs)+len(histMsgs)+len(workingMsgs))
	out = append(out, systemMsg)
	out = append(out, planMsgs...)
	out = append(out, histMsgs...)
	out = append(out, workingMsgs...)
	return out, nil
}

func (s *Store) workingWindow(budgetTokens int) int {
	w := s.workingMin
	if budgetTokens > 0 {
		byBudget := (budgetTokens + 8191) / 8192
		if byBudget > w {
			w = byBudget
		}
	}
	if w < 2 {
		w = 2
	}
	return w
}

// compressHistory implements spec §4.8 steps 2-4: L1 pair summarization,
// then L2 run-coalescing, then oldest-first dropping, over the
// oldest-to-newest history excluding the protected working window. When
// historyBudget < 0 the call is unbounded (no compression at all).
func (s *Store) compressHistory(historical []entry, historyBudget int) []types.Message {
	msgs := make([]types.Message, len(historical))
	for i, e := range historical {
		msgs[i] = e.msg
	}
	if historyBudget < 0 || EstimateMessagesTokens(textsOf(msgs)) <= historyBudget {
		return msgs
	}

	l1 := l1Compress(msgs)
	if EstimateMessagesTokens(textsOf(l1)) > historyBudget {
		l1 = l2Compress(l1)
	}
	for len(l1) > 0 && EstimateMessagesTokens(textsOf(l1)) > historyBudget {
		l1 = l1[1:]
	}
	return l1
}

// l1Prefix marks a message as an L1 pair summary so l1Compress is a
// no-op on output it already produced (idempotence, spec §8) and so
// l2Compress can recognize a run of them.
const l1Prefix = "tool="

// l1Compress folds each assistant-tool-call + tool-result pair into a
// one-line "tool=X args_hash=Y ok=true|false" summary (spec §3's
// ContextLayers history-layer L1 format).
func l1Compress(msgs []types.Message) []types.Message {
	var out []types.Message
	for i := 0; i < len(msgs); i++ {
		m := msgs[i]
		if m.Role == types.RoleAssistant && len(m.ToolCalls) > 0 && i+1 < len(msgs) && msgs[i+1].Role == types.RoleTool {
			next := msgs[i+1]
			ok := !strings.Contains(strings.ToLower(next.Content), "error") && !strings.HasPrefix(next.Content, "policy:")
			name := "unknown"
			var argsHash uint32
			if len(m.ToolCalls) > 0 {
				name = m.ToolCalls[0].Name
				argsHash = hashArgs(m.ToolCalls[0].Arguments)
			}
			out = append(out, types.Message{
				Role:    types.RoleUser,
				Content: fmt.Sprintf("%s%s args_hash=%x ok=%t", l1Prefix, name, argsHash, ok),
			})
			i++
			continue
		}
		out = append(out, m)
	}
	return out
}

// l2Compress coalesces runs of >= l2RunLength consecutive L1 summary
// lines into a single "n tool calls (k writes, m failures)" aggregate
// record (spec §3).
func l2Compress(msgs []types.Message) []types.Message {
	var out []types.Message
	var run []types.Message

	flush := func() {
		if len(run) == 0 {
			return
		}
		if len(run) >= l2RunLength {
			writes, failures := 0, 0
			for _, r := range run {
				if !strings.Contains(r.Content, "ok=true") {
					failures++
				}
				if strings.HasPrefix(r.Content, l1Prefix+"write_file") || strings.HasPrefix(r.Content, l1Prefix+"edit_file") {
					writes++
				}
			}
			out = append(out, types.Message{
				Role:    types.RoleUser,
				Content: fmt.Sprintf("%d tool calls (%d writes, %d failures)", len(run), writes, failures),
			})
		} else {
			out = append(out, run...)
		}
		run = nil
	}

	for _, m := range msgs {
		if strings.HasPrefix(m.Content, l1Prefix) {
			run = append(run, m)
			continue
		}
		flush()
		out = append(out, m)
	}
	flush()
	return out
}

// hashArgs produces a short, deterministic hash of a tool call's
// arguments for the L1 "args_hash=" field; keys are sorted before
// marshaling so the hash does not depend on map iteration order.
func hashArgs(args map[string]any) uint32 {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make([]any, 0, len(keys)*2)
	for _, k := range keys {
		ordered = append(ordered, k, args[k])
	}
	data, _ := json.Marshal(ordered)
	h := fnv.New32a()
	h.Write(data)
	return h.Sum32()
}

func textsOf(msgs []types.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}
