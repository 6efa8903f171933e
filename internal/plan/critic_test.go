package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeCatalog struct{ names []string }

func (f fakeCatalog) Names() []string { return f.names }

func TestCritic_Validate_AcceptsGoodPlan(t *testing.T) {
	c := NewCritic(5, fakeCatalog{names: []string{"read_file", "shell"}})
	p := &Plan{
		Goal: "fix the bug",
		Steps: []Step{
			{ID: "step_1", Title: "Read the file", Instruction: "Read main.go to find the bug", SuccessCriteria: []string{"read_file succeeds"}},
			{ID: "step_2", Title: "Fix the bug", Instruction: "Edit main.go to correct the logic"},
		},
	}
	assert.Empty(t, c.Validate(p))
}

func TestCritic_Validate_RejectsZeroSteps(t *testing.T) {
	c := NewCritic(5, nil)
	assert.Contains(t, c.Validate(&Plan{Goal: "g"}), "plan has no steps")
}

func TestCritic_Validate_RejectsTooManySteps(t *testing.T) {
	c := NewCritic(2, nil)
	p := &Plan{Steps: []Step{
		{ID: "1", Title: "a", Instruction: "Run the first command"},
		{ID: "2", Title: "b", Instruction: "Run the second command"},
		{ID: "3", Title: "c", Instruction: "Run the third command"},
	}}
	issues := c.Validate(p)
	assert.Contains(t, issues, "too many steps (3 > 2)")
}

func TestCritic_Validate_RejectsEmptyAndVagueInstructions(t *testing.T) {
	c := NewCritic(5, nil)
	p := &Plan{Steps: []Step{
		{ID: "1", Title: "empty", Instruction: ""},
		{ID: "2", Title: "vague", Instruction: "do it"},
	}}
	issues := c.Validate(p)
	assert.Contains(t, issues, "step 1 has empty instruction")
	found := false
	for _, i := range issues {
		if i == `step 2 instruction too vague: "do it"` {
			found = true
		}
	}
	assert.True(t, found, issues)
}

func TestCritic_Validate_RejectsNonActionableInstruction(t *testing.T) {
	c := NewCritic(5, nil)
	p := &Plan{Steps: []Step{
		{ID: "1", Title: "title", Instruction: "The configuration file for the server component"},
	}}
	issues := c.Validate(p)
	found := false
	for _, i := range issues {
		if i == "step 1 instruction lacks an actionable verb" {
			found = true
		}
	}
	assert.True(t, found, issues)
}

func TestCritic_Validate_RejectsDuplicateTitles(t *testing.T) {
	c := NewCritic(5, nil)
	p := &Plan{Steps: []Step{
		{ID: "1", Title: "Do the thing", Instruction: "Run the first part of it"},
		{ID: "2", Title: "do the thing", Instruction: "Run the second part of it"},
	}}
	assert.Contains(t, c.Validate(p), "plan contains duplicate step titles (possible hallucination)")
}

func TestCritic_Validate_RejectsUnreachableSuccessCriteria(t *testing.T) {
	c := NewCritic(5, fakeCatalog{names: []string{"read_file"}})
	p := &Plan{Steps: []Step{
		{ID: "1", Title: "t", Instruction: "Verify the moon is made of cheese", SuccessCriteria: []string{"the moon tastes like cheddar"}},
	}}
	issues := c.Validate(p)
	found := false
	for _, i := range issues {
		if i == "step 1 success criteria unreachable by any registered tool" {
			found = true
		}
	}
	assert.True(t, found, issues)
}

func TestCritic_Validate_NilCatalogSkipsReachabilityCheck(t *testing.T) {
	c := NewCritic(5, nil)
	p := &Plan{Steps: []Step{
		{ID: "1", Title: "t", Instruction: "Verify the moon is made of cheese", SuccessCriteria: []string{"anything at all"}},
	}}
	assert.Empty(t, c.Validate(p))
}
