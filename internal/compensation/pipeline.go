// Package compensation implements the Compensation Pipeline (spec
// §4.4): wraps one LM turn, applying the cheapest-first repair for the
// classified failure before ever re-spending an LM roundtrip it doesn't
// need, and gives up after a bounded number of attempts with a terminal
// error.
//
// Grounded on original_source's open_harness_v2/llm/error_recovery.py
// (ErrorRecoveryMiddleware: the refine_prompt/add_examples correction
// messages, the attempt-indexed strategy picker, escalate-on-
// empty_response) and open_harness/checkpoint.py's exponential-backoff
// style for transport retries, generalized to the explicit per-class
// table spec §4.4 specifies (the Python version only classified into a
// handful of ad hoc buckets; this pipeline drives off
// internal/classifier's full FailureClass taxonomy instead).
package compensation

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hama-jp/open-harness/internal/classifier"
	"github.com/hama-jp/open-harness/internal/config"
	"github.com/hama-jp/open-harness/internal/llm"
	"github.com/hama-jp/open-harness/internal/logging"
	"github.com/hama-jp/open-harness/internal/parser"
	"github.com/hama-jp/open-harness/internal/tools"
	"github.com/hama-jp/open-harness/internal/types"
)

// defaultRateLimitCooldown applies when a rate_limited classification
// carries no RetryAfter of its own.
const defaultRateLimitCooldown = time.Second

// endpointCooldowns tracks the rate-limit cooldown per LM endpoint
// across goals. Orchestrator/Pipeline are rebuilt fresh for every
// RunGoal call (spec §4.4's "honor cooldown" must outlive a single
// goal), so this state lives at package scope rather than on Pipeline,
// mirroring internal/tools/builtin/external.go's per-agent cooldown map.
var (
	cooldownMu        sync.Mutex
	endpointCooldowns = map[string]time.Time{}
)

func cooldownRemaining(endpoint string) time.Duration {
	if endpoint == "" {
		return 0
	}
	cooldownMu.Lock()
	until, ok := endpointCooldowns[endpoint]
	cooldownMu.Unlock()
	if !ok {
		return 0
	}
	if remaining := time.Until(until); remaining > 0 {
		return remaining
	}
	return 0
}

func setCooldown(endpoint string, d time.Duration) {
	if endpoint == "" || d <= 0 {
		return
	}
	cooldownMu.Lock()
	endpointCooldowns[endpoint] = time.Now().Add(d)
	cooldownMu.Unlock()
}

// ErrTerminal wraps the last classification when every applicable
// repair has been exhausted (spec §4.4: "raises a terminal failure").
type ErrTerminal struct {
	Classification types.Classification
	Attempts       int
}

func (e *ErrTerminal) Error() string {
	return fmt.Sprintf("compensation: terminal failure after %d attempts: %s (%s)", e.Attempts, e.Classification.Class, e.Classification.Detail)
}

// backoffBase and backoffCap implement spec §4.4's transport/timeout
// retry schedule: 100ms * 2^k, capped at 4s.
const (
	backoffBase = 100 * time.Millisecond
	backoffCap  = 4 * time.Second
)

// Outcome is a successfully recovered (or first-try clean) LM turn.
type Outcome struct {
	Response types.LMResponse
	Parsed   parser.Result
}

// Pipeline drives repeated LM attempts for one turn, applying spec
// §4.4's per-class repair table between attempts.
type Pipeline struct {
	client     *llm.Client
	registry   *tools.Registry
	parser     *parser.Parser
	maxRetries int
	log        *zap.Logger
	sleep      func(time.Duration)
}

// New constructs a Pipeline. registry is used only to validate
// fuzzy-matched tool names before auto-accepting them.
func New(client *llm.Client, registry *tools.Registry, p *parser.Parser, cfg config.Config, log *zap.Logger) *Pipeline {
	return &Pipeline{
		client:     client,
		registry:   registry,
		parser:     p,
		maxRetries: cfg.MaxRetries,
		log:        logging.OrNop(log),
		sleep:      time.Sleep,
	}
}

// Run executes one logical turn: one or more physical LM calls, each
// repaired per spec §4.4's table, until it either produces a usable
// LMResponse or exhausts its retry budget with a terminal error.
func (p *Pipeline) Run(ctx context.Context, req llm.Request) (Outcome, error) {
	strategiesUsed := map[string]bool{}
	attempt := 0
	maxAttempts := p.maxRetries
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	endpoint := p.client.Endpoint(req.Tier)

	for attempt <= maxAttempts {
		if remaining := cooldownRemaining(endpoint); remaining > 0 {
			p.log.Info("compensation: honoring endpoint cooldown before retrying", zap.Duration("remaining", remaining))
			if waitCtx(ctx, p.sleep, remaining) {
				return Outcome{}, ctx.Err()
			}
		}

		resp, err := p.client.Chat(ctx, req)
		if err != nil {
			class := classifier.Classify(classifier.TurnOutcome{TransportErr: err})
			ok, nextReq := p.repairTransport(ctx, endpoint, class, req, attempt, maxAttempts)
			if !ok {
				return Outcome{}, &ErrTerminal{Classification: class, Attempts: attempt + 1}
			}
			req = nextReq
			attempt++
			continue
		}

		parsed := p.parse(resp)
		class := classifier.Classify(classifier.TurnOutcome{ParseResult: &parsed, FinishReason: resp.FinishReason})
		if class.Class == "" {
			return Outcome{Response: resp, Parsed: parsed}, nil
		}

		if accepted := p.tryAutoAcceptFuzzyMatch(class, &parsed); accepted {
			return Outcome{Response: resp, Parsed: parsed}, nil
		}

		if attempt >= maxAttempts {
			return Outcome{}, &ErrTerminal{Classification: class, Attempts: attempt + 1}
		}

		nextReq, terminal := p.repair(class, req, resp, strategiesUsed)
		if terminal {
			return Outcome{}, &ErrTerminal{Classification: class, Attempts: attempt + 1}
		}
		req = nextReq
		attempt++
	}

	return Outcome{}, &ErrTerminal{Classification: types.Classification{Class: types.FailureEmptyResponse, Detail: "retries exhausted"}, Attempts: attempt}
}

func (p *Pipeline) parse(resp types.LMResponse) parser.Result {
	if resp.HasToolCalls() {
		return p.parser.ParseNative(resp.ToolCalls)
	}
	return p.parser.ParseText(resp.AssistantText)
}

// tryAutoAcceptFuzzyMatch implements spec §4.4's wrong_tool_name first
// action: "Auto-accept fuzzy match iff args validate."
func (p *Pipeline) tryAutoAcceptFuzzyMatch(class types.Classification, parsed *parser.Result) bool {
	if class.Class != types.FailureWrongToolName || p.registry == nil || len(parsed.Calls) == 0 {
		return false
	}
	c := parsed.Calls[0]
	if !c.FuzzyMatched {
		return false
	}
	t := p.registry.Get(c.Name)
	if t == nil {
		return false
	}
	if missing := tools.ValidateArgs(t.Descriptor, c.Arguments); len(missing) > 0 {
		return false
	}
	return true
}

// repairTransport implements the transport/timeout/rate_limited rows of
// spec §4.4's table, which act before even parsing a response.
func (p *Pipeline) repairTransport(ctx context.Context, endpoint string, class types.Classification, req llm.Request, attempt, maxAttempts int) (bool, llm.Request) {
	if attempt >= maxAttempts {
		return false, req
	}
	switch class.Class {
	case types.FailureRateLimited:
		cooldown := class.RetryAfter
		if cooldown <= 0 {
			cooldown = defaultRateLimitCooldown
		}
		setCooldown(endpoint, cooldown)
		if waitCtx(ctx, p.sleep, cooldown) {
			return false, req
		}
		return true, req
	case types.FailureTransport, types.FailureTimeout:
		backoff := time.Duration(math.Min(
			float64(backoffCap),
			float64(backoffBase)*math.Pow(2, float64(attempt)),
		))
		if waitCtx(ctx, p.sleep, backoff) {
			return false, req
		}
		return true, req
	default:
		return false, req
	}
}

func waitCtx(ctx context.Context, sleep func(time.Duration), d time.Duration) bool {
	done := make(chan struct{})
	timer := time.AfterFunc(d, func() { close(done) })
	select {
	case <-ctx.Done():
		timer.Stop()
		return true
	case <-done:
		return false
	}
}

// repair applies spec §4.4's cheapest-first repair for the remaining
// classes that need an LM roundtrip. malformed_json, wrong_tool_name and
// prose_wrapped refine the prompt on every attempt; missing_args refines
// once and then escalates the model tier; empty_response escalates.
// There is no add_examples strategy.
func (p *Pipeline) repair(class types.Classification, req llm.Request, resp types.LMResponse, used map[string]bool) (llm.Request, bool) {
	switch class.Class {
	case types.FailureMalformedJSON:
		return p.refinePrompt(req, resp, "Your previous response contained invalid JSON: "+class.Detail), false

	case types.FailureWrongToolName:
		hint := fmt.Sprintf("Unknown tool. %s\nAvailable tools: %s", class.Detail, strings.Join(p.toolList(), ", "))
		return p.refinePrompt(req, resp, hint), false

	case types.FailureMissingArgs:
		if !used["refine_prompt"] {
			used["refine_prompt"] = true
			return p.refinePrompt(req, resp, class.Detail+". Re-emit the call with every required argument."), false
		}
		return p.escalate(req), false

	case types.FailureEmptyResponse:
		return p.escalate(req), false

	case types.FailureProseWrapped:
		return p.refinePrompt(req, resp, "Respond with the tool call as JSON only, with no surrounding prose."), false

	default:
		return req, true
	}
}

func (p *Pipeline) refinePrompt(req llm.Request, resp types.LMResponse, correction string) llm.Request {
	msgs := append([]types.Message{}, req.Messages...)
	msgs = append(msgs, types.Message{Role: types.RoleAssistant, Content: resp.AssistantText})
	msgs = append(msgs, types.Message{Role: types.RoleUser, Content: correction})
	req.Messages = msgs
	return req
}

func (p *Pipeline) escalate(req llm.Request) llm.Request {
	req.Tier = config.Escalate(req.Tier)
	return req
}

func (p *Pipeline) toolList() []string {
	if p.registry == nil {
		return nil
	}
	names := p.registry.Names()
	sort.Strings(names)
	return names
}
