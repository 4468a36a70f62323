package predictor

import (
	"math"

	"github.com/davidleathers/guardian-core/internal/domain/activity"
	"github.com/davidleathers/guardian-core/internal/domain/errors"
	"github.com/davidleathers/guardian-core/internal/domain/risk"
	"github.com/davidleathers/guardian-core/internal/infrastructure/config"
)

// Scorer turns a feature snapshot and recent assessments into a risk
// assessment. Implementations must keep the score in [0,1], never lower it
// when a tag is added, and reproduce the previous score on steady state.
type Scorer interface {
	Score(snapshot risk.FeatureSnapshot, history risk.History) risk.Assessment
}

// Weights assigns an anomaly weight to each tag kind
type Weights map[risk.TagKind]float64

// RuleScorer is the default Scorer. The anomaly signal is the weighted tag
// sum mapped onto [0,1) by 1-exp(-x); a rising score trend over the last
// HistorySize assessments amplifies it.
type RuleScorer struct {
	weights     Weights
	trendGain   float64
	saturation  float64
	historySize int
	clock       activity.Clock
}

// NewRuleScorer validates the weights and builds a scorer
func NewRuleScorer(cfg config.PredictorConfig, clock activity.Clock) (*RuleScorer, error) {
	weights := Weights{
		risk.TagNovelCategory:      cfg.NoveltyWeight,
		risk.TagSequenceAnomaly:    cfg.SequenceWeight,
		risk.TagSuspiciousActivity: cfg.SuspiciousWeight,
		risk.TagCriticalActivity:   cfg.CriticalWeight,
		risk.TagBurst:              cfg.BurstWeight,
	}
	for kind, w := range weights {
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return nil, errors.NewConfigurationError("predictor weight for " + string(kind) + " must be a non-negative number")
		}
	}
	if cfg.ConfidenceSaturation <= 0 {
		return nil, errors.NewConfigurationError("predictor confidence saturation must be positive")
	}
	if cfg.HistorySize < 2 {
		return nil, errors.NewConfigurationError("predictor history size must be at least 2")
	}
	if clock == nil {
		clock = activity.RealClock{}
	}
	return &RuleScorer{
		weights:     weights,
		trendGain:   cfg.TrendGain,
		saturation:  cfg.ConfidenceSaturation,
		historySize: cfg.HistorySize,
		clock:       clock,
	}, nil
}

func (s *RuleScorer) Score(snapshot risk.FeatureSnapshot, history risk.History) risk.Assessment {
	var signal float64
	for _, tag := range snapshot.Tags {
		signal += s.weights[tag.Kind]
	}
	base := 1 - math.Exp(-signal)

	amp := math.Min(1, s.trendGain*s.trend(history))
	score := 1 - (1-base)*(1-amp)

	n := float64(snapshot.EventCount)
	confidence := n / (n + s.saturation)

	return risk.Assessment{
		Score:         clamp01(score),
		Confidence:    clamp01(confidence),
		Tags:          snapshot.TagStrings(),
		StartSequence: snapshot.StartSequence,
		EndSequence:   snapshot.EndSequence,
		AssessedAt:    s.clock.Now().UTC(),
	}
}

// trend is the positive part of the least-squares slope of the most recent
// scores, per assessment
func (s *RuleScorer) trend(history risk.History) float64 {
	scores := history.Scores()
	if len(scores) > s.historySize {
		scores = scores[len(scores)-s.historySize:]
	}
	n := float64(len(scores))
	if n < 2 {
		return 0
	}

	var sumX, sumY, sumXY, sumXX float64
	for i, y := range scores {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	slope := (n*sumXY - sumX*sumY) / denom
	// float noise on a flat series must not register as a rise
	if slope < 1e-12 {
		return 0
	}
	return slope
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
