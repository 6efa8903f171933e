package llm

import (
	"encoding/json"

	"github.com/hama-jp/open-harness/internal/types"
)

func toWireMessages(msgs []types.Message) []chatMessage {
	out := make([]chatMessage, 0, len(msgs))
	for _, m := range msgs {
		wm := chatMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
		}
		for _, tc := range m.ToolCalls {
			args, _ := json.Marshal(tc.Arguments)
			wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: wireToolFunction{
					Name:      tc.Name,
					Arguments: string(args),
				},
			})
		}
		out = append(out, wm)
	}
	return out
}

func toWireTools(descs []types.ToolDescriptor) []wireTool {
	if len(descs) == 0 {
		return nil
	}
	out := make([]wireTool, 0, len(descs))
	for _, d := range descs {
		props := map[string]any{}
		var required []string
		for _, a := range d.Args {
			props[a.Name] = map[string]any{"type": a.Type, "description": a.Brief}
			if a.Required {
				required = append(required, a.Name)
			}
		}
		out = append(out, wireTool{
			Type: "function",
			Function: wireToolFunDecl{
				Name:        d.Name,
				Description: d.Description,
				Parameters: map[string]any{
					"type":       "object",
					"properties": props,
					"required":   required,
				},
			},
		})
	}
	return out
}

func fromWireToolCalls(calls []wireToolCall) []types.ToolCall {
	out := make([]types.ToolCall, 0, len(calls))
	for _, c := range calls {
		out = append(out, fromWireToolCall(c))
	}
	return out
}

func fromWireToolCall(c wireToolCall) types.ToolCall {
	var args map[string]any
	_ = json.Unmarshal([]byte(c.Function.Arguments), &args)
	if args == nil {
		args = map[string]any{}
	}
	return types.ToolCall{ID: c.ID, Name: c.Function.Name, Arguments: args}
}
