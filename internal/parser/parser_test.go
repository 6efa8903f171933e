package parser

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/hama-jp/open-harness/internal/types"
)

var registeredTools = []string{"read_file", "write_file", "edit_file", "shell"}

func TestParseText_MalformedJSONRepaired(t *testing.T) {
	p := New(registeredTools)
	text := "Sure, let me do that.\nedit_file(path='a.py', find='x', replace='y',)"
	res := p.ParseText(text)
	require.Len(t, res.Calls, 1)
	c := res.Calls[0]
	require.True(t, c.JSONRepairErr == nil || c.JSONRepairErr.Error() != "", "repair should not hard-fail")
	require.Equal(t, "edit_file", c.Name)
	require.Equal(t, "a.py", c.Arguments["path"])
	require.Equal(t, "x", c.Arguments["find"])
	require.Equal(t, "y", c.Arguments["replace"])
}

func TestParseText_FencedJSONBlock(t *testing.T) {
	p := New(registeredTools)
	text := "```json\n{\"tool\": \"read_file\", \"arguments\": {\"path\": \"src/x.py\"}}\n```"
	res := p.ParseText(text)
	require.Len(t, res.Calls, 1)
	require.Equal(t, "read_file", res.Calls[0].Name)
	require.Equal(t, "src/x.py", res.Calls[0].Arguments["path"])
}

func TestParseText_WrongToolNameFuzzyMatch(t *testing.T) {
	p := New(registeredTools)
	text := "```json\n{\"tool\": \"read_files\", \"arguments\": {\"path\": \"src/x.py\"}}\n```"
	res := p.ParseText(text)
	require.Len(t, res.Calls, 1)
	require.True(t, res.Calls[0].FuzzyMatched)
	require.Equal(t, "read_file", res.Calls[0].Name)
	require.Equal(t, "read_files", res.Calls[0].RawName)
}

func TestParseText_UnresolvedName_RecordsNearestMatch(t *testing.T) {
	p := New(registeredTools)
	text := "```json\n{\"tool\": \"shell_exec\", \"arguments\": {\"command\": \"ls\"}}\n```"
	res := p.ParseText(text)
	require.Len(t, res.Calls, 1)
	require.True(t, res.Calls[0].Unresolved)
	require.Equal(t, "shell", res.Calls[0].NearestMatch)
}

func TestParseText_XMLTagSpan(t *testing.T) {
	p := New(registeredTools)
	text := "<tool_call>{\"tool\": \"shell\", \"arguments\": {\"command\": \"ls\"}}</tool_call>"
	res := p.ParseText(text)
	require.Len(t, res.Calls, 1)
	require.Equal(t, "shell", res.Calls[0].Name)
}

func TestParseText_EmptyText(t *testing.T) {
	p := New(registeredTools)
	res := p.ParseText("   ")
	require.True(t, res.NoneFound)
}

func TestParseNative_TrustsTransportField(t *testing.T) {
	p := New(registeredTools)
	res := p.ParseNative([]types.ToolCall{{Name: "shell", Arguments: map[string]any{"command": "ls"}}})
	require.Len(t, res.Calls, 1)
	require.Equal(t, "shell", res.Calls[0].Name)
}

// TestParseText_RoundTripsThroughArbitraryProse exercises spec §8's
// "Parser round-trip" property: a canonical tool-call list embedded in
// arbitrary wrapping prose comes back out the same, regardless of how
// much narrative surrounds it.
func TestParseText_RoundTripsThroughArbitraryProse(t *testing.T) {
	canonical := map[string]any{"path": "internal/foo.go", "find": "bar", "replace": "baz"}
	wrappers := []string{
		"%s",
		"Let me fix that for you.\n\n%s\n\nDone.",
		"Thinking about this... here's the call:\n%s",
		"%s\nHope that helps!",
	}

	for _, w := range wrappers {
		body := fmt.Sprintf("```json\n{\"tool\": \"edit_file\", \"arguments\": %s}\n```",
			`{"path": "internal/foo.go", "find": "bar", "replace": "baz"}`)
		text := fmt.Sprintf(w, body)

		p := New(registeredTools)
		res := p.ParseText(text)
		require.Len(t, res.Calls, 1, "wrapper %q", w)
		require.Equal(t, "edit_file", res.Calls[0].Name)
		if diff := cmp.Diff(canonical, res.Calls[0].Arguments); diff != "" {
			t.Errorf("recovered arguments differ for wrapper %q:\n%s", w, diff)
		}
	}
}
