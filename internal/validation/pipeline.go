// Package validation implements the pre-execution tool-call validation
// pipeline: cache probe, schema check, security check, business/pattern
// check, risk scoring, optional auto-correction, and optional
// ML-assisted prediction with a deterministic heuristic fallback. New
// package — the security stage's allow-list model follows
// internal/tools/policy, and structural schema validation uses
// santhosh-tekuri/jsonschema/v5, the same library pkg/pluginsdk and
// internal/gateway already depend on.
package validation

import (
	"context"
	"time"

	"github.com/modelexchange/mxf/internal/config"
	"github.com/modelexchange/mxf/internal/observability"
	"github.com/modelexchange/mxf/internal/storage"
	"github.com/modelexchange/mxf/pkg/models"
)

// EmitFunc publishes an observability event; nil is a valid no-op.
type EmitFunc func(models.Event)

// Pipeline runs every validation stage for one tool-call request.
type Pipeline struct {
	l1       *l1Cache
	l2       storage.ValidationCacheL2
	compiler *schemaCompiler
	security SecurityChecker
	patterns *PatternLearner
	ml       MLCollaborator
	fallback *HeuristicCollaborator

	config  config.ValidationConfig
	metrics *observability.Metrics
	onEmit  EmitFunc
}

// Option configures optional Pipeline collaborators.
type Option func(*Pipeline)

// WithL2Cache wires a cross-process cache collaborator.
func WithL2Cache(l2 storage.ValidationCacheL2) Option {
	return func(p *Pipeline) { p.l2 = l2 }
}

// WithSecurityChecker overrides the default path/protocol checker.
func WithSecurityChecker(s SecurityChecker) Option {
	return func(p *Pipeline) { p.security = s }
}

// WithMLCollaborator wires a trainable predictor; absent, the pipeline
// always falls back to the heuristic.
func WithMLCollaborator(ml MLCollaborator) Option {
	return func(p *Pipeline) { p.ml = ml }
}

// New builds a Pipeline. cfg supplies thresholds and toggles, loaded from
// internal/config's validation section.
func New(cfg config.ValidationConfig, metrics *observability.Metrics, onEmit EmitFunc, opts ...Option) *Pipeline {
	p := &Pipeline{
		l1:       newL1Cache(1024),
		compiler: newSchemaCompiler(),
		security: NewDefaultSecurityChecker(),
		patterns: NewPatternLearner(),
		fallback: NewHeuristicCollaborator(),
		config:   cfg,
		metrics:  metrics,
		onEmit:   onEmit,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Patterns exposes the pattern learner so the dispatcher can record
// outcomes after execution completes.
func (p *Pipeline) Patterns() *PatternLearner { return p.patterns }

// Validate runs every stage against one tool-call request and produces a
// verdict.
func (p *Pipeline) Validate(ctx context.Context, def models.ToolDefinition, req models.ToolCallRequest) models.Verdict {
	start := time.Now()

	// The risk level is cheap (baseline + error-rate lookup, no I/O), so
	// compute it once up front and fold it into the cache key rather than
	// probing with a placeholder level.
	risk := scoreRisk(def.RiskBaseline, p.patterns.ErrorRate(req.ToolName, req.AgentID))
	key := fingerprint(req.ToolName, req.Input, req.AgentID, risk.Level)

	if cached, ok := p.cacheProbe(ctx, key); ok {
		p.observeDuration(true, start)
		return cached
	}

	var errors, warnings, suggestions []models.Finding

	errors = append(errors, schemaCheck(p.compiler, def, req.Input)...)
	errors = append(errors, p.security.Check(req.ToolName, req.Input)...)
	warnings = append(warnings, p.patterns.Check(req.ToolName, req.AgentID)...)

	input := req.Input
	var correctedInput map[string]any
	if p.config.AutoCorrect && canAutoCorrect(errors) {
		if corrected, changed := autoCorrect(def.InputSchema, input); changed {
			correctedInput = corrected
			errors = schemaCheck(p.compiler, def, corrected)
		}
	}

	if p.config.MLPrediction {
		features := Features{
			ToolComplexity:  def.RiskBaseline,
			ParamCount:      float64(len(req.Input)),
			PatternMatch:    p.patterns.ErrorRate(req.ToolName, req.AgentID),
			AgentExperience: 0.5,
			ErrorRate:       p.patterns.ErrorRate(req.ToolName, req.AgentID),
			TimeOfDay:       float64(start.Hour()),
			DayOfWeek:       float64(start.Weekday()),
			AvgLatencyMs:    float64(req.Timeout),
		}
		pred, fellBack := predict(p.ml, p.fallback, features)
		if fellBack {
			if p.metrics != nil {
				p.metrics.ValidationFallbacks.Inc()
			}
			if p.onEmit != nil {
				p.onEmit(models.Event{Kind: models.EventInferenceFallback, AgentID: req.AgentID, ChannelID: req.ChannelID, Timestamp: models.NowMs()})
			}
		}
		if pred.ErrorProbability > risk.Probability {
			risk.Probability = pred.ErrorProbability
			risk.Reasons = append(risk.Reasons, "ml/heuristic prediction elevated risk")
		}
		if pred.AnomalyScore > 0.8 {
			warnings = append(warnings, models.Finding{Kind: models.FindingPattern, Severity: models.SeverityMedium, Message: "anomalous input shape relative to historical baseline"})
		}
		risk.Level = levelFor(risk.Probability)
	}

	blockThreshold := p.config.BlockThreshold
	if blockThreshold <= 0 {
		blockThreshold = 0.9
	}

	verdict := models.Verdict{
		Valid:          !hasHighSeverity(errors) && risk.Probability < blockThreshold,
		Errors:         errors,
		Warnings:       warnings,
		Suggestions:    suggestions,
		Confidence:     1 - risk.Probability,
		Risk:           risk,
		Cached:         false,
		ElapsedMs:      time.Since(start).Milliseconds(),
		CorrectedInput: correctedInput,
	}

	p.cacheStore(ctx, key, verdict)
	p.observeDuration(false, start)
	if p.metrics != nil && !verdict.Valid {
		p.metrics.ValidationRejects.WithLabelValues(string(risk.Level)).Inc()
	}
	return verdict
}

func levelFor(probability float64) models.RiskLevel {
	switch {
	case probability < 0.2:
		return models.RiskAsync
	case probability < 0.8:
		return models.RiskBlocking
	default:
		return models.RiskStrict
	}
}

func hasHighSeverity(findings []models.Finding) bool {
	for _, f := range findings {
		if f.Severity == models.SeverityHigh {
			return true
		}
	}
	return false
}

func (p *Pipeline) observeDuration(cached bool, start time.Time) {
	if p.metrics == nil {
		return
	}
	label := "false"
	if cached {
		label = "true"
	}
	p.metrics.ValidationDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
}
