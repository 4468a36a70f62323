package risk

import (
	"sort"

	"github.com/davidleathers/guardian-core/internal/domain/activity"
)

// TagKind classifies an anomaly signal found in a window
type TagKind string

const (
	TagLowConfidence      TagKind = "low-confidence"
	TagNovelCategory      TagKind = "novel-category"
	TagSequenceAnomaly    TagKind = "sequence-anomaly"
	TagSuspiciousActivity TagKind = "suspicious-activity"
	TagCriticalActivity   TagKind = "critical-activity"
	TagBurst              TagKind = "burst"
)

// Tag is a single anomaly signal; Subject narrows it (category, transition, sequence)
type Tag struct {
	Kind    TagKind `json:"kind"`
	Subject string  `json:"subject,omitempty"`
}

func (t Tag) String() string {
	if t.Subject == "" {
		return string(t.Kind)
	}
	return string(t.Kind) + ":" + t.Subject
}

// FeatureSnapshot is derived from one evaluation window. It is recomputable
// from the log and never stored as authoritative state.
type FeatureSnapshot struct {
	StartSequence uint64                    `json:"start_sequence"`
	EndSequence   uint64                    `json:"end_sequence"`
	EventCount    int                       `json:"event_count"`
	Frequencies   map[activity.Category]int `json:"frequencies"`
	Novel         []activity.Category       `json:"novel"`
	Tags          []Tag                     `json:"tags"`
}

// HasTag reports whether a tag of the given kind is present
func (s FeatureSnapshot) HasTag(kind TagKind) bool {
	for _, t := range s.Tags {
		if t.Kind == kind {
			return true
		}
	}
	return false
}

// CountTags returns the number of tags of the given kind
func (s FeatureSnapshot) CountTags(kind TagKind) int {
	n := 0
	for _, t := range s.Tags {
		if t.Kind == kind {
			n++
		}
	}
	return n
}

// TagStrings renders tags in their canonical order
func (s FeatureSnapshot) TagStrings() []string {
	out := make([]string, 0, len(s.Tags))
	for _, t := range s.Tags {
		out = append(out, t.String())
	}
	return out
}

// SortTags puts tags into canonical order and drops duplicates
func SortTags(tags []Tag) []Tag {
	sort.Slice(tags, func(i, j int) bool {
		if tags[i].Kind != tags[j].Kind {
			return tags[i].Kind < tags[j].Kind
		}
		return tags[i].Subject < tags[j].Subject
	})
	out := tags[:0]
	for i, t := range tags {
		if i > 0 && t == tags[i-1] {
			continue
		}
		out = append(out, t)
	}
	return out
}
