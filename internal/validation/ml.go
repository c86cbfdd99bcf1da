package validation

import "math"

// Features is the 12-feature vector the ML and heuristic stages score.
type Features struct {
	ToolComplexity      float64
	ParamCount          float64
	PatternMatch        float64
	AgentExperience     float64
	ErrorRate           float64
	TimeOfDay           float64
	DayOfWeek           float64
	SystemLoad          float64
	ConcurrentRequests  float64
	RecentErrors        float64
	RecentSuccesses     float64
	AvgLatencyMs        float64
}

func (f Features) vector() []float64 {
	return []float64{
		f.ToolComplexity, f.ParamCount, f.PatternMatch, f.AgentExperience,
		f.ErrorRate, f.TimeOfDay, f.DayOfWeek, f.SystemLoad,
		f.ConcurrentRequests, f.RecentErrors, f.RecentSuccesses, f.AvgLatencyMs,
	}
}

// Prediction is the ML/heuristic stage's output: an error-probability
// estimate plus an independent anomaly score.
type Prediction struct {
	ErrorProbability float64
	Confidence       float64
	AnomalyScore     float64
	Fallback         bool
}

// MLCollaborator is the trainable error/anomaly predictor capability
// named in the design notes: Predict estimates error probability from
// Features, Reconstruct computes an autoencoder-style reconstruction
// error used as the anomaly score.
type MLCollaborator interface {
	Trained() bool
	Predict(f Features) (probability, confidence float64)
	Reconstruct(f Features) float64
}

// HeuristicCollaborator is the always-available fallback used when no
// MLCollaborator is configured or it reports itself untrained: a fixed
// error probability and a distance-based isolation score.
type HeuristicCollaborator struct {
	centroid Features
}

// NewHeuristicCollaborator builds a fallback scored against a centroid
// of "normal" feature values.
func NewHeuristicCollaborator() *HeuristicCollaborator {
	return &HeuristicCollaborator{
		centroid: Features{
			ToolComplexity: 0.3, ParamCount: 3, PatternMatch: 0, AgentExperience: 0.5,
			ErrorRate: 0.1, TimeOfDay: 12, DayOfWeek: 3, SystemLoad: 0.4,
			ConcurrentRequests: 1, RecentErrors: 0, RecentSuccesses: 5, AvgLatencyMs: 200,
		},
	}
}

func (h *HeuristicCollaborator) Trained() bool { return false }

func (h *HeuristicCollaborator) Predict(Features) (float64, float64) {
	return 0.3, 0.5
}

// Reconstruct computes a normalized Euclidean distance from the centroid
// as an isolation-style anomaly score in [0,1].
func (h *HeuristicCollaborator) Reconstruct(f Features) float64 {
	a, b := f.vector(), h.centroid.vector()
	var sumSq float64
	for i := range a {
		d := a[i] - b[i]
		sumSq += d * d
	}
	dist := math.Sqrt(sumSq)
	return dist / (dist + 1) // maps [0,inf) -> [0,1)
}

// predict runs pipeline stage 7, preferring ml when present and trained,
// and falling back to the heuristic otherwise. The caller is responsible
// for emitting inference_fallback when fellBack is true.
func predict(ml MLCollaborator, fallback *HeuristicCollaborator, f Features) (pred Prediction, fellBack bool) {
	if ml != nil && ml.Trained() {
		prob, conf := ml.Predict(f)
		return Prediction{ErrorProbability: prob, Confidence: conf, AnomalyScore: ml.Reconstruct(f)}, false
	}
	prob, conf := fallback.Predict(f)
	return Prediction{ErrorProbability: prob, Confidence: conf, AnomalyScore: fallback.Reconstruct(f), Fallback: true}, true
}
