// Package llm implements the LM Client (spec §4.1): issuing
// chat-completion requests to an OpenAI-compatible endpoint, streaming
// or non-streaming, and normalizing the reply into types.LMResponse.
//
// Grounded on the teacher's internal/perception/client_openai.go
// (request/retry/streaming shape) and client_tool_helpers.go (tool-call
// mapping), adapted from a fixed model string to a tier lookup
// (config.Config.ResolveTier) and from codenerd's generic retry-on-429
// loop to the spec's explicit rate_limited/transport/timeout
// classification with cooldown parsing.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/hama-jp/open-harness/internal/config"
	"github.com/hama-jp/open-harness/internal/events"
	"github.com/hama-jp/open-harness/internal/logging"
	"github.com/hama-jp/open-harness/internal/types"
)

// Request is the input to a single chat-completion turn (spec §4.1).
type Request struct {
	Messages    []types.Message
	Tier        config.Tier
	Stream      bool
	MaxTokens   int
	Stop        []string
	Temperature float64
	Tools       []types.ToolDescriptor
	GoalID      string // for event correlation, may be empty
}

// Client speaks the OpenAI-compatible chat-completions protocol.
type Client struct {
	cfg    config.Config
	http   *http.Client
	events events.Publisher
	log    *zap.Logger
}

// New constructs a Client. events may be nil (no-op publisher used).
func New(cfg config.Config, pub events.Publisher, log *zap.Logger) *Client {
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.LMRequestTimeout},
		events: pub,
		log:    logging.OrNop(log),
	}
}

func (c *Client) publish(e events.Event) {
	if c.events != nil {
		c.events.Publish(e)
	}
}

// Endpoint resolves the base URL a tier's requests go to, used to key
// per-endpoint state (e.g. rate-limit cooldowns) that must survive past
// a single Client/Pipeline instance.
func (c *Client) Endpoint(t config.Tier) string {
	tierCfg, err := c.cfg.ResolveTier(t)
	if err != nil {
		return ""
	}
	return tierCfg.BaseURL
}

// Chat issues one turn, dispatching to the streaming or non-streaming
// path per req.Stream, and returns a normalized types.LMResponse.
func (c *Client) Chat(ctx context.Context, req Request) (types.LMResponse, error) {
	tierCfg, err := c.cfg.ResolveTier(req.Tier)
	if err != nil {
		return types.LMResponse{}, fmt.Errorf("llm: %w", err)
	}

	body := chatRequest{
		Model:       tierCfg.Model,
		Messages:    toWireMessages(req.Messages),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      req.Stream,
		Stop:        req.Stop,
		Tools:       toWireTools(req.Tools),
	}

	if req.Stream {
		return c.chatStreaming(ctx, tierCfg, body, req.GoalID)
	}
	return c.chatOnce(ctx, tierCfg, body)
}

func (c *Client) chatOnce(ctx context.Context, tc config.TierConfig, body chatRequest) (types.LMResponse, error) {
	raw, status, err := c.post(ctx, tc, body)
	if err != nil {
		return types.LMResponse{}, err
	}
	if status != http.StatusOK {
		return types.LMResponse{}, c.classifyHTTPError(status, string(raw))
	}

	var resp chatResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return types.LMResponse{}, &TransportError{Err: fmt.Errorf("decode response: %w", err)}
	}
	if resp.Error != nil {
		if looksRateLimited(status, resp.Error.Message) {
			return types.LMResponse{}, &RateLimitedError{
				Err:      fmt.Errorf("%s", resp.Error.Message),
				Cooldown: parseCooldown(resp.Error.Message),
			}
		}
		return types.LMResponse{}, &TransportError{Err: fmt.Errorf("%s", resp.Error.Message)}
	}
	if len(resp.Choices) == 0 {
		return types.LMResponse{}, &TransportError{Err: fmt.Errorf("no choices returned")}
	}

	choice := resp.Choices[0]
	lm := types.LMResponse{
		FinishReason: choice.FinishReason,
		RawChunks:    string(raw),
	}
	if choice.Message != nil {
		lm.AssistantText = choice.Message.Content
		lm.ToolCalls = fromWireToolCalls(choice.Message.ToolCalls)
	}
	if resp.Usage != nil {
		lm.Usage = types.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	return lm, nil
}

func (c *Client) post(ctx context.Context, tc config.TierConfig, body chatRequest) ([]byte, int, error) {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, 0, fmt.Errorf("llm: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, tc.BaseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return nil, 0, fmt.Errorf("llm: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if tc.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+tc.APIKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, &TimeoutError{Err: ctx.Err()}
		}
		return nil, 0, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, &TransportError{Err: fmt.Errorf("read body: %w", err)}
	}
	return raw, resp.StatusCode, nil
}

func (c *Client) classifyHTTPError(status int, body string) error {
	if looksRateLimited(status, body) {
		return &RateLimitedError{
			Err:      fmt.Errorf("status %d: %s", status, body),
			Cooldown: parseCooldown(body),
		}
	}
	if status >= 500 {
		return &TransportError{Err: fmt.Errorf("status %d: %s", status, body)}
	}
	return &TransportError{Err: fmt.Errorf("status %d: %s", status, body)}
}

// chatStreaming consumes server-sent events prefixed "data: ", emitting
// an LMTokenChunk per delta, terminated by "data: [DONE]" (spec §6).
func (c *Client) chatStreaming(ctx context.Context, tc config.TierConfig, body chatRequest, goalID string) (types.LMResponse, error) {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return types.LMResponse{}, fmt.Errorf("llm: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, tc.BaseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return types.LMResponse{}, fmt.Errorf("llm: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if tc.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+tc.APIKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return types.LMResponse{}, &TimeoutError{Err: ctx.Err()}
		}
		return types.LMResponse{}, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return types.LMResponse{}, c.classifyHTTPError(resp.StatusCode, string(raw))
	}

	var (
		text      strings.Builder
		toolCalls = map[int]*wireToolCall{}
		finish    string
		usage     *chatUsage
		rawLines  strings.Builder
	)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return types.LMResponse{}, &TimeoutError{Err: ctx.Err()}
		}
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		rawLines.WriteString(data)
		rawLines.WriteByte('\n')
		if data == "[DONE]" {
			break
		}

		var chunk chatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Error != nil {
			return types.LMResponse{}, &TransportError{Err: fmt.Errorf("%s", chunk.Error.Message)}
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		ch := chunk.Choices[0]
		if ch.FinishReason != "" {
			finish = ch.FinishReason
		}
		if ch.Delta == nil {
			continue
		}
		if ch.Delta.Content != "" {
			text.WriteString(ch.Delta.Content)
			c.publish(events.Event{
				Type:   events.TypeLMTokenChunk,
				GoalID: goalID,
				Data:   map[string]any{"delta": ch.Delta.Content},
			})
		}
		for i, tc := range ch.Delta.ToolCalls {
			idx := i
			existing, ok := toolCalls[idx]
			if !ok {
				cp := tc
				toolCalls[idx] = &cp
				continue
			}
			existing.Function.Arguments += tc.Function.Arguments
			if tc.Function.Name != "" {
				existing.Function.Name = tc.Function.Name
			}
			if tc.ID != "" {
				existing.ID = tc.ID
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return types.LMResponse{}, &TransportError{Err: err}
	}

	lm := types.LMResponse{
		AssistantText: text.String(),
		FinishReason:  finish,
		RawChunks:     rawLines.String(),
	}
	for i := 0; i < len(toolCalls); i++ {
		if tc, ok := toolCalls[i]; ok {
			lm.ToolCalls = append(lm.ToolCalls, fromWireToolCall(*tc))
		}
	}
	if usage != nil {
		lm.Usage = types.Usage{
			PromptTokens:     usage.PromptTokens,
			CompletionTokens: usage.CompletionTokens,
			TotalTokens:      usage.TotalTokens,
		}
	}
	return lm, nil
}
