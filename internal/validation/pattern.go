package validation

import (
	"sync"

	"github.com/modelexchange/mxf/pkg/models"
)

// history is the running tally of outcomes tracked per {tool, agent};
// every recorded outcome counts and none ages out.
type history struct {
	total     int
	failed    int
	lastFail  string // dominant failure mode message
}

// PatternLearner correlates a tool-call input shape with past failures
// for the same tool and agent.
type PatternLearner struct {
	mu  sync.Mutex
	byKey map[string]*history
}

// NewPatternLearner builds an empty PatternLearner.
func NewPatternLearner() *PatternLearner {
	return &PatternLearner{byKey: make(map[string]*history)}
}

func patternKey(toolName, agentID string) string {
	return toolName + "|" + agentID
}

// Record tracks one tool-call outcome for future pattern checks.
func (p *PatternLearner) Record(toolName, agentID string, success bool, failureMode string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := patternKey(toolName, agentID)
	h, ok := p.byKey[key]
	if !ok {
		h = &history{}
		p.byKey[key] = h
	}
	h.total++
	if !success {
		h.failed++
		if failureMode != "" {
			h.lastFail = failureMode
		}
	}
}

// ErrorRate returns the observed failure fraction for {tool, agent} over
// every outcome recorded so far, used by the risk-scoring stage.
func (p *PatternLearner) ErrorRate(toolName, agentID string) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.byKey[patternKey(toolName, agentID)]
	if !ok || h.total == 0 {
		return 0
	}
	return float64(h.failed) / float64(h.total)
}

// Check implements stage 4: if a tool/agent pair has a meaningfully high
// failure rate, raise a medium warning naming the dominant failure mode.
func (p *PatternLearner) Check(toolName, agentID string) []models.Finding {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.byKey[patternKey(toolName, agentID)]
	if !ok || h.total < 3 {
		return nil
	}
	rate := float64(h.failed) / float64(h.total)
	if rate < 0.3 {
		return nil
	}
	msg := "this input shape has failed before for this tool/agent pair"
	if h.lastFail != "" {
		msg = "recurring failure mode: " + h.lastFail
	}
	return []models.Finding{{Kind: models.FindingBusiness, Severity: models.SeverityMedium, Message: msg}}
}
