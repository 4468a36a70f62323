package predictor

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidleathers/guardian-core/internal/domain/activity"
	"github.com/davidleathers/guardian-core/internal/domain/risk"
	"github.com/davidleathers/guardian-core/internal/infrastructure/config"
)

func newScorer(t *testing.T) *RuleScorer {
	t.Helper()
	s, err := NewRuleScorer(config.Defaults().Predictor, activity.NewMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, err)
	return s
}

var allKinds = []risk.TagKind{
	risk.TagLowConfidence,
	risk.TagNovelCategory,
	risk.TagSequenceAnomaly,
	risk.TagSuspiciousActivity,
	risk.TagCriticalActivity,
	risk.TagBurst,
}

func randomSnapshot(r *rand.Rand) risk.FeatureSnapshot {
	n := r.Intn(8)
	tags := make([]risk.Tag, n)
	for i := range tags {
		tags[i] = risk.Tag{Kind: allKinds[r.Intn(len(allKinds))], Subject: string(rune('a' + i))}
	}
	return risk.FeatureSnapshot{EventCount: r.Intn(100), Tags: tags}
}

func randomHistory(r *rand.Rand) risk.History {
	h := make(risk.History, r.Intn(6))
	for i := range h {
		h[i] = risk.Assessment{Score: r.Float64()}
	}
	return h
}

func TestScore_Monotonic(t *testing.T) {
	s := newScorer(t)
	r := rand.New(rand.NewSource(7))

	for i := 0; i < 500; i++ {
		snap := randomSnapshot(r)
		hist := randomHistory(r)
		before := s.Score(snap, hist).Score

		extra := snap
		extra.Tags = append(append([]risk.Tag{}, snap.Tags...), risk.Tag{Kind: allKinds[r.Intn(len(allKinds))], Subject: "extra"})
		after := s.Score(extra, hist).Score

		assert.GreaterOrEqual(t, after, before, "iteration %d", i)
	}
}

func TestScore_Bounded(t *testing.T) {
	s := newScorer(t)
	r := rand.New(rand.NewSource(11))

	for i := 0; i < 500; i++ {
		a := s.Score(randomSnapshot(r), randomHistory(r))
		assert.GreaterOrEqual(t, a.Score, 0.0)
		assert.LessOrEqual(t, a.Score, 1.0)
		assert.GreaterOrEqual(t, a.Confidence, 0.0)
		assert.LessOrEqual(t, a.Confidence, 1.0)
	}

	flood := risk.FeatureSnapshot{EventCount: 1000}
	for i := 0; i < 200; i++ {
		flood.Tags = append(flood.Tags, risk.Tag{Kind: risk.TagCriticalActivity})
	}
	rising := risk.History{{Score: 0}, {Score: 0.5}, {Score: 1}}
	assert.LessOrEqual(t, s.Score(flood, rising).Score, 1.0)
}

func TestScore_StableOnSteadyState(t *testing.T) {
	s := newScorer(t)
	snap := risk.FeatureSnapshot{
		EventCount: 12,
		Tags: []risk.Tag{
			{Kind: risk.TagSuspiciousActivity, Subject: "4"},
			{Kind: risk.TagNovelCategory, Subject: "usb.insert"},
		},
	}

	first := s.Score(snap, nil)
	hist := risk.History{}
	for i := 0; i < 5; i++ {
		hist = hist.Push(first, 5)
	}
	again := s.Score(snap, hist)
	assert.InDelta(t, first.Score, again.Score, 1e-9)
}

func TestScore_RisingTrendAmplifies(t *testing.T) {
	s := newScorer(t)
	snap := risk.FeatureSnapshot{EventCount: 10, Tags: []risk.Tag{{Kind: risk.TagSuspiciousActivity}}}

	flat := risk.History{{Score: 0.2}, {Score: 0.2}, {Score: 0.2}}
	rising := risk.History{{Score: 0.1}, {Score: 0.2}, {Score: 0.3}}
	falling := risk.History{{Score: 0.3}, {Score: 0.2}, {Score: 0.1}}

	assert.Greater(t, s.Score(snap, rising).Score, s.Score(snap, flat).Score)
	assert.InDelta(t, s.Score(snap, flat).Score, s.Score(snap, falling).Score, 1e-12)
}

func TestScore_ConfidenceGrowsWithWindow(t *testing.T) {
	s := newScorer(t)
	prev := -1.0
	for _, n := range []int{0, 1, 5, 20, 100} {
		c := s.Score(risk.FeatureSnapshot{EventCount: n}, nil).Confidence
		assert.Greater(t, c, prev)
		prev = c
	}
	assert.Zero(t, s.Score(risk.FeatureSnapshot{}, nil).Confidence)
}

func TestScore_CarriesWindowAndTags(t *testing.T) {
	s := newScorer(t)
	snap := risk.FeatureSnapshot{
		StartSequence: 3,
		EndSequence:   9,
		EventCount:    7,
		Tags:          []risk.Tag{{Kind: risk.TagBurst, Subject: "auth.failed"}},
	}
	a := s.Score(snap, nil)
	assert.Equal(t, uint64(3), a.StartSequence)
	assert.Equal(t, uint64(9), a.EndSequence)
	assert.Equal(t, []string{"burst:auth.failed"}, a.Tags)
}

func TestNewRuleScorer_RejectsInvalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.PredictorConfig)
	}{
		{"negative weight", func(c *config.PredictorConfig) { c.CriticalWeight = -1 }},
		{"zero saturation", func(c *config.PredictorConfig) { c.ConfidenceSaturation = 0 }},
		{"short history", func(c *config.PredictorConfig) { c.HistorySize = 1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Defaults().Predictor
			tt.mutate(&cfg)
			_, err := NewRuleScorer(cfg, nil)
			assert.Error(t, err)
		})
	}
}
