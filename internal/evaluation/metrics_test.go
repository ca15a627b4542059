package evaluation

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ragops/backend/internal/storage/models"
)

func TestPercentileEmptyAndSingle(t *testing.T) {
	assert.Equal(t, 0.0, Percentile(nil, 0.95))
	assert.Equal(t, 42.0, Percentile([]float64{42}, 0.95))
}

func TestPercentileLinearInterpolation(t *testing.T) {
	// rank = (10-1)*0.95 = 8.55 -> 500 + 0.55*(5000-500)
	values := []float64{100, 150, 200, 250, 300, 350, 400, 450, 500, 5000}
	assert.InDelta(t, 2975.0, Percentile(values, 0.95), 1e-9)

	// median of an even-length set interpolates halfway
	assert.InDelta(t, 2.5, Percentile([]float64{1, 2, 3, 4}, 0.5), 1e-9)
}

func TestPercentileUnsortedInput(t *testing.T) {
	values := []float64{5000, 500, 100, 450, 150, 400, 200, 350, 250, 300}
	assert.InDelta(t, 2975.0, Percentile(values, 0.95), 1e-9)
}

func TestAggregateExcludesErroredCases(t *testing.T) {
	results := []models.EvalResult{
		{Status: models.CaseStatusPassed, GroundednessScore: 1.0, SchemaCompliant: true, ToolCallsCorrect: true, LatencyMS: 100},
		{Status: models.CaseStatusFailed, GroundednessScore: 0.4, HallucinationDetected: true, ToolCallsCorrect: true, LatencyMS: 200},
		{Status: models.CaseStatusPassed, GroundednessScore: 0.7, SchemaCompliant: true, ToolCallsCorrect: true, LatencyMS: 300},
		{Status: models.CaseStatusError, ErrorMessage: "turn failed"},
	}

	metrics := Aggregate(results)

	assert.InDelta(t, 0.7, metrics.GroundednessScore, 1e-9)
	assert.InDelta(t, 1.0/3.0, metrics.HallucinationRate, 1e-9)
	assert.InDelta(t, 2.0/3.0, metrics.SchemaCompliance, 1e-9)
	assert.InDelta(t, 1.0, metrics.ToolCorrectness, 1e-9)
	assert.InDelta(t, 290.0, metrics.LatencyP95MS, 1e-9)
}

func TestAggregateAllErrored(t *testing.T) {
	results := []models.EvalResult{
		{Status: models.CaseStatusError},
		{Status: models.CaseStatusError},
	}

	metrics := Aggregate(results)

	assert.Zero(t, metrics.GroundednessScore)
	assert.Zero(t, metrics.LatencyP95MS)
}
