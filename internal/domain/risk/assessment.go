package risk

import "time"

// Assessment is the output of one predictive scoring pass
type Assessment struct {
	Score         float64   `json:"score"`
	Confidence    float64   `json:"confidence"`
	Tags          []string  `json:"tags,omitempty"`
	StartSequence uint64    `json:"start_sequence"`
	EndSequence   uint64    `json:"end_sequence"`
	AssessedAt    time.Time `json:"assessed_at"`
}

// History holds recent assessments, oldest first
type History []Assessment

// Scores returns the score series
func (h History) Scores() []float64 {
	out := make([]float64, len(h))
	for i, a := range h {
		out[i] = a.Score
	}
	return out
}

// Last returns the most recent assessment
func (h History) Last() (Assessment, bool) {
	if len(h) == 0 {
		return Assessment{}, false
	}
	return h[len(h)-1], true
}

// Push appends a and keeps at most limit entries
func (h History) Push(a Assessment, limit int) History {
	h = append(h, a)
	if limit > 0 && len(h) > limit {
		h = append(History(nil), h[len(h)-limit:]...)
	}
	return h
}
