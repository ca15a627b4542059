package evaluation

import (
	"sort"

	"github.com/ragops/backend/internal/storage/models"
)

// Percentile computes the p-th percentile (0..1) with linear interpolation
// between closest ranks.
func Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	if len(sorted) == 1 {
		return sorted[0]
	}

	rank := float64(len(sorted)-1) * p
	lo := int(rank)
	frac := rank - float64(lo)
	if lo+1 >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}

// Aggregate computes run metrics over the non-errored case results.
// Errored cases count toward completion but never toward quality scores.
func Aggregate(results []models.EvalResult) *models.EvalMetrics {
	metrics := &models.EvalMetrics{}

	var scored []models.EvalResult
	for _, r := range results {
		if r.Status != models.CaseStatusError {
			scored = append(scored, r)
		}
	}
	if len(scored) == 0 {
		return metrics
	}

	var groundedness float64
	var hallucinated, compliant, toolsCorrect int
	latencies := make([]float64, 0, len(scored))

	for _, r := range scored {
		groundedness += r.GroundednessScore
		if r.HallucinationDetected {
			hallucinated++
		}
		if r.SchemaCompliant {
			compliant++
		}
		if r.ToolCallsCorrect {
			toolsCorrect++
		}
		latencies = append(latencies, float64(r.LatencyMS))
	}

	n := float64(len(scored))
	metrics.GroundednessScore = groundedness / n
	metrics.HallucinationRate = float64(hallucinated) / n
	metrics.SchemaCompliance = float64(compliant) / n
	metrics.ToolCorrectness = float64(toolsCorrect) / n
	metrics.LatencyP95MS = Percentile(latencies, 0.95)

	return metrics
}
