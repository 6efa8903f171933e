package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimateComplexity_ShortSimpleGoal(t *testing.T) {
	assert.Equal(t, ComplexityLow, EstimateComplexity("fix the typo"))
}

func TestEstimateComplexity_RefactorVerbEscalates(t *testing.T) {
	assert.Equal(t, ComplexityMedium, EstimateComplexity("refactor the logging package"))
}

func TestEstimateComplexity_LongGoalWithFilesAndTests(t *testing.T) {
	goal := "Refactor internal/policy/policy.go and internal/checkpoint/checkpoint.go so the budget accounting is " +
		"consistent across both, then add tests and run the test suite to confirm coverage did not regress"
	assert.Equal(t, ComplexityHigh, EstimateComplexity(goal))
}

func TestEstimateComplexity_TestKeywordAloneStaysLow(t *testing.T) {
	// A single weight (the test keyword) isn't enough on its own to
	// cross the medium threshold.
	assert.Equal(t, ComplexityLow, EstimateComplexity("add a regression test for the parser"))
}
