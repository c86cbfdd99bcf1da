package validation

import "github.com/modelexchange/mxf/pkg/models"

// scoreRisk implements pipeline stage 5: combine the tool's declared
// baseline with its observed error rate for {tool, agent}, producing a
// probability and the dispatch level it maps to.
func scoreRisk(baseline, errorRate float64) models.RiskAssessment {
	probability := clamp01(0.6*baseline + 0.4*errorRate)

	var reasons []string
	if baseline > 0 {
		reasons = append(reasons, "tool risk baseline contributes to score")
	}
	if errorRate > 0 {
		reasons = append(reasons, "observed error rate for this agent/tool elevates risk")
	}

	var level models.RiskLevel
	switch {
	case probability < 0.2:
		level = models.RiskAsync
	case probability < 0.8:
		level = models.RiskBlocking
	default:
		level = models.RiskStrict
	}

	return models.RiskAssessment{Probability: probability, Reasons: reasons, Level: level}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
