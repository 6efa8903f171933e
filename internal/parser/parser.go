// Package parser implements the Response Parser (spec §4.2): extracting
// structured ToolCalls from a possibly noisy assistant message.
//
// The parser is schema-first — the registered tool names are compiled
// into an alternation and used to locate candidate call sites — with a
// JSON repair pass and fuzzy tool-name matching, as specified. Grounded
// on the teacher's internal/perception/client_tool_helpers.go for the
// native-tool_calls trust-path, and original_source's
// open_harness_v2/llm/response_parser.py for the prose-extraction
// priority order this spec names explicitly.
package parser

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/hama-jp/open-harness/internal/types"
)

// Candidate is one extracted tool call before argument validation, plus
// how confidently it was found — used by the Error Classifier to tell
// malformed_json apart from wrong_tool_name apart from prose_wrapped.
type Candidate struct {
	Name          string
	Arguments     map[string]any
	RawName       string // the text the model wrote, before fuzzy correction
	FuzzyMatched  bool
	Unresolved    bool   // name matches no registered tool, even after fuzzy matching
	NearestMatch  string // closest registered name by edit distance, set when Unresolved
	JSONRepairErr error
	FoundInProse  bool // true when a priority-3 extractor or the bare-name fallback matched
}

// Result is the parser's output for one assistant turn.
type Result struct {
	Calls     []Candidate
	Narrative string // residual prose with all call sites stripped
	NoneFound bool
}

// Parser locates and repairs tool calls in assistant text against a
// fixed registry of known tool names.
type Parser struct {
	toolNames   []string
	toolNameSet map[string]bool
	alternation *regexp.Regexp
}

// New compiles the schema-first alternation over the given tool names.
func New(toolNames []string) *Parser {
	set := make(map[string]bool, len(toolNames))
	quoted := make([]string, len(toolNames))
	for i, n := range toolNames {
		set[n] = true
		quoted[i] = regexp.QuoteMeta(n)
	}
	var alt *regexp.Regexp
	if len(quoted) > 0 {
		alt = regexp.MustCompile(`\b(` + strings.Join(quoted, "|") + `)\b`)
	}
	return &Parser{toolNames: toolNames, toolNameSet: set, alternation: alt}
}

// fencedJSONPattern matches priority-2 shapes: fenced code blocks tagged json.
var fencedJSONPattern = regexp.MustCompile("(?s)```json\\s*(.*?)\\s*```")

// callLinePattern matches priority-3 shapes: name({...}) or name args={...}.
var callLinePattern = regexp.MustCompile(`(?m)([A-Za-z_][A-Za-z0-9_]*)\s*\(\s*(\{.*?\})\s*\)|([A-Za-z_][A-Za-z0-9_]*)\s+args\s*=\s*(\{.*?\})`)

// kwargsCallPattern matches the keyword-argument form of priority 3:
// name(key='v', ...), tried when no name({...}) shape was found.
var kwargsCallPattern = regexp.MustCompile(`(?m)\b([A-Za-z_][A-Za-z0-9_]*)\(\s*([A-Za-z_][A-Za-z0-9_]*\s*=.*)\)`)

// kwargKeyPattern finds each "key=" of a kwargs list so it can be
// rewritten as a quoted JSON key before repair.
var kwargKeyPattern = regexp.MustCompile(`(^|,)\s*([A-Za-z_][A-Za-z0-9_]*)\s*=`)

// xmlTagPattern matches priority-4 shapes: <tool_call>...</tool_call>.
var xmlTagPattern = regexp.MustCompile(`(?s)<tool_call>\s*(.*?)\s*</tool_call>`)

// ParseNative handles priority-1: a structured tool_calls field the
// transport already parsed. When present it is trusted outright.
func (p *Parser) ParseNative(calls []types.ToolCall) Result {
	out := make([]Candidate, 0, len(calls))
	for _, c := range calls {
		cand := Candidate{Name: c.Name, Arguments: c.Arguments, RawName: c.Name}
		p.resolveFuzzy(&cand)
		out = append(out, cand)
	}
	return Result{Calls: out}
}

// ParseText runs priorities 2-4 against raw assistant content.
func (p *Parser) ParseText(text string) Result {
	if strings.TrimSpace(text) == "" {
		return Result{NoneFound: true}
	}

	var candidates []Candidate
	remaining := text

	// Priority 2: fenced ```json blocks.
	for _, m := range fencedJSONPattern.FindAllStringSubmatch(text, -1) {
		candidates = append(candidates, p.parseJSONEnvelope(m[1], false)...)
		remaining = strings.Replace(remaining, m[0], "", 1)
	}

	// Priority 3: name({...}) / name args={...} surrounded by prose.
	if len(candidates) == 0 {
		for _, m := range callLinePattern.FindAllStringSubmatch(text, -1) {
			name, argsText := m[1], m[2]
			if name == "" {
				name, argsText = m[3], m[4]
			}
			c := p.parseOneJSON(argsText)
			c.Name = name
			c.RawName = name
			c.FoundInProse = true
			candidates = append(candidates, c)
			remaining = strings.Replace(remaining, m[0], "", 1)
		}
	}
	if len(candidates) == 0 {
		for _, m := range kwargsCallPattern.FindAllStringSubmatch(text, -1) {
			c := p.parseOneJSON("{" + kwargKeyPattern.ReplaceAllString(m[2], `$1"$2":`) + "}")
			c.Name, c.RawName, c.FoundInProse = m[1], m[1], true
			candidates = append(candidates, c)
			remaining = strings.Replace(remaining, m[0], "", 1)
		}
	}

	// Priority 4: <tool_call>...</tool_call> spans.
	if len(candidates) == 0 {
		for _, m := range xmlTagPattern.FindAllStringSubmatch(text, -1) {
			candidates = append(candidates, p.parseJSONEnvelope(m[1], true)...)
			remaining = strings.Replace(remaining, m[0], "", 1)
		}
	}

	if len(candidates) == 0 {
		// Nothing matched priorities 2-4. If the schema-first alternation
		// still finds a known tool name mentioned in prose, surface it as
		// prose_wrapped so the classifier/compensator can react, without
		// fabricating arguments we cannot extract.
		if p.alternation != nil && p.alternation.MatchString(text) {
			return Result{
				Calls:     []Candidate{{RawName: p.alternation.FindString(text), FoundInProse: true}},
				Narrative: text,
			}
		}
		return Result{Narrative: text, NoneFound: true}
	}

	for i := range candidates {
		p.resolveFuzzy(&candidates[i])
	}
	return Result{Calls: candidates, Narrative: strings.TrimSpace(remaining)}
}

// parseJSONEnvelope parses {"tool": name, "arguments": {...}} or a list
// of such, as used by priority-2 and priority-4 extractors.
func (p *Parser) parseJSONEnvelope(raw string, fromXML bool) []Candidate {
	raw = strings.TrimSpace(raw)
	repaired, repairErr := Repair(raw)

	var asList []map[string]any
	if err := json.Unmarshal([]byte(repaired), &asList); err == nil {
		out := make([]Candidate, 0, len(asList))
		for _, item := range asList {
			out = append(out, envelopeToCandidate(item, repairErr))
		}
		return out
	}

	var single map[string]any
	if err := json.Unmarshal([]byte(repaired), &single); err == nil {
		return []Candidate{envelopeToCandidate(single, repairErr)}
	}

	return []Candidate{{JSONRepairErr: fmt.Errorf("envelope decode: %w", repairErr)}}
}

func envelopeToCandidate(item map[string]any, repairErr error) Candidate {
	name, _ := item["tool"].(string)
	args, _ := item["arguments"].(map[string]any)
	if args == nil {
		args = map[string]any{}
	}
	return Candidate{Name: name, RawName: name, Arguments: args, JSONRepairErr: repairErr}
}

// parseOneJSON parses a single {...} blob as the arguments object
// directly (priority-3 shape has no "tool"/"arguments" envelope).
func (p *Parser) parseOneJSON(raw string) Candidate {
	repaired, repairErr := Repair(raw)
	var args map[string]any
	if err := json.Unmarshal([]byte(repaired), &args); err != nil {
		return Candidate{JSONRepairErr: fmt.Errorf("args decode: %w", err)}
	}
	return Candidate{Arguments: args, JSONRepairErr: repairErr}
}

// resolveFuzzy fills in fuzzy-matched names for unknown tool names
// (edit distance <= 2, case-insensitive), per spec §4.2.
func (p *Parser) resolveFuzzy(c *Candidate) {
	if c.Name == "" && c.RawName != "" {
		c.Name = c.RawName
	}
	if c.Name == "" || p.toolNameSet[c.Name] {
		return
	}
	if match, ok := FuzzyMatch(c.Name, p.toolNames, 2); ok {
		c.FuzzyMatched = true
		c.RawName = c.Name
		c.Name = match
		return
	}
	c.Unresolved = true
	c.NearestMatch = NearestName(c.Name, p.toolNames)
}
