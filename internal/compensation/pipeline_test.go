package compensation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hama-jp/open-harness/internal/config"
	"github.com/hama-jp/open-harness/internal/llm"
	"github.com/hama-jp/open-harness/internal/parser"
	"github.com/hama-jp/open-harness/internal/tools"
	"github.com/hama-jp/open-harness/internal/types"
)

func testConfig(baseURL string) config.Config {
	cfg := config.Default()
	cfg.Tiers[config.TierMedium] = config.TierConfig{Model: "m", BaseURL: baseURL}
	cfg.MaxRetries = 3
	return cfg
}

func writeChatResponse(w http.ResponseWriter, content string) {
	resp := map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"role": "assistant", "content": content}, "finish_reason": "stop"},
		},
	}
	json.NewEncoder(w).Encode(resp)
}

func TestRun_SucceedsOnFirstCleanToolCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeChatResponse(w, "```json\n{\"tool\": \"read_file\", \"arguments\": {\"path\": \"a.go\"}}\n```")
	}))
	defer srv.Close()

	reg := tools.NewRegistry(nil)
	require.NoError(t, reg.Register(&tools.Tool{
		Descriptor: types.ToolDescriptor{Name: "read_file", Args: []types.ArgSpec{{Name: "path", Required: true}}},
		Execute:    func(ctx context.Context, args map[string]any) (string, error) { return "ok", nil },
	}))

	cfg := testConfig(srv.URL)
	client := llm.New(cfg, nil, nil)
	p := New(client, reg, parser.New(reg.Names()), cfg, nil)

	out, err := p.Run(context.Background(), llm.Request{Tier: config.TierMedium, Messages: []types.Message{{Role: types.RoleUser, Content: "go"}}})
	require.NoError(t, err)
	require.Len(t, out.Parsed.Calls, 1)
	assert.Equal(t, "read_file", out.Parsed.Calls[0].Name)
}

func TestRun_RefinesPromptOnProseWrappedCallThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n == 1 {
			writeChatResponse(w, `{"tool": "read_file", "arguments": {"path": "a.go"}}`) // unfenced: no extractor recognizes the envelope, only the bare tool name is found, yields prose_wrapped
			return
		}
		writeChatResponse(w, "```json\n{\"tool\": \"read_file\", \"arguments\": {\"path\": \"a.go\"}}\n```")
	}))
	defer srv.Close()

	reg := tools.NewRegistry(nil)
	require.NoError(t, reg.Register(&tools.Tool{
		Descriptor: types.ToolDescriptor{Name: "read_file", Args: []types.ArgSpec{{Name: "path", Required: true}}},
		Execute:    func(ctx context.Context, args map[string]any) (string, error) { return "ok", nil },
	}))

	cfg := testConfig(srv.URL)
	client := llm.New(cfg, nil, nil)
	p := New(client, reg, parser.New(reg.Names()), cfg, nil)

	out, err := p.Run(context.Background(), llm.Request{Tier: config.TierMedium, Messages: []types.Message{{Role: types.RoleUser, Content: "go"}}})
	require.NoError(t, err)
	require.Len(t, out.Parsed.Calls, 1)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRun_TerminalFailureAfterExhaustingRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeChatResponse(w, "") // always empty -> empty_response every time
	}))
	defer srv.Close()

	reg := tools.NewRegistry(nil)
	cfg := testConfig(srv.URL)
	cfg.Tiers[config.TierLarge] = config.TierConfig{Model: "large-model", BaseURL: srv.URL}
	cfg.MaxRetries = 2
	client := llm.New(cfg, nil, nil)
	p := New(client, reg, parser.New(reg.Names()), cfg, nil)

	_, err := p.Run(context.Background(), llm.Request{Tier: config.TierMedium, Messages: []types.Message{{Role: types.RoleUser, Content: "go"}}})
	require.Error(t, err)
	var term *ErrTerminal
	require.ErrorAs(t, err, &term)
	assert.Equal(t, types.FailureEmptyResponse, term.Classification.Class)
}

func TestRun_EscalatesTierOnEmptyResponse(t *testing.T) {
	var lastModel atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		lastModel.Store(body["model"])
		writeChatResponse(w, "")
	}))
	defer srv.Close()

	reg := tools.NewRegistry(nil)
	cfg := testConfig(srv.URL)
	cfg.Tiers[config.TierLarge] = config.TierConfig{Model: "large-model", BaseURL: srv.URL}
	cfg.MaxRetries = 2
	client := llm.New(cfg, nil, nil)
	p := New(client, reg, parser.New(reg.Names()), cfg, nil)

	_, _ = p.Run(context.Background(), llm.Request{Tier: config.TierMedium, Messages: []types.Message{{Role: types.RoleUser, Content: "go"}}})
	assert.Equal(t, "large-model", lastModel.Load())
}
