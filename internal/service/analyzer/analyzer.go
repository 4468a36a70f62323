package analyzer

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/davidleathers/guardian-core/internal/domain/activity"
	"github.com/davidleathers/guardian-core/internal/domain/errors"
	"github.com/davidleathers/guardian-core/internal/domain/risk"
	"github.com/davidleathers/guardian-core/internal/infrastructure/config"
)

// Config controls window selection and feature extraction
type Config struct {
	// WindowSize is the event count of a window; used when WindowDuration is zero
	WindowSize int
	// WindowDuration switches to time-based windows when positive
	WindowDuration time.Duration
	// NoveltyWindows is K, how many prior windows a category must be absent from
	NoveltyWindows int
	// BurstThreshold tags a category seen at least this often in one window; zero disables
	BurstThreshold int
	// Baseline transitions never count as anomalies
	Baseline []Transition
	// Ignore lists categories excluded from analysis
	Ignore []activity.Category
}

// ConfigFrom builds analyzer settings from the loaded configuration
func ConfigFrom(c config.AnalyzerConfig) (Config, error) {
	cfg := Config{
		WindowSize:     c.WindowSize,
		WindowDuration: c.WindowDuration,
		NoveltyWindows: c.NoveltyWindows,
		BurstThreshold: c.BurstThreshold,
	}
	for _, raw := range c.BaselineTransitions {
		t, err := ParseTransition(raw)
		if err != nil {
			return Config{}, err
		}
		cfg.Baseline = append(cfg.Baseline, t)
	}
	for _, cat := range c.IgnoreCategories {
		cfg.Ignore = append(cfg.Ignore, activity.Category(cat))
	}
	return cfg, nil
}

// Transition is an ordered pair of consecutive categories
type Transition struct {
	From activity.Category
	To   activity.Category
}

func (t Transition) String() string {
	return string(t.From) + ">" + string(t.To)
}

// ParseTransition parses the "from>to" form
func ParseTransition(s string) (Transition, error) {
	from, to, ok := strings.Cut(s, ">")
	from, to = strings.TrimSpace(from), strings.TrimSpace(to)
	if !ok || from == "" || to == "" {
		return Transition{}, errors.NewConfigurationError(fmt.Sprintf("invalid baseline transition %q", s))
	}
	return Transition{From: activity.Category(from), To: activity.Category(to)}, nil
}

// Window is the slice of the log one analysis pass looks at. Prior holds up
// to K earlier windows, most recent first.
type Window struct {
	Events []activity.Event
	Prior  [][]activity.Event
}

// Analyzer derives feature snapshots from windows. It holds only
// configuration, so Analyze is a pure function of its input.
type Analyzer struct {
	cfg      Config
	baseline map[Transition]struct{}
	ignore   map[activity.Category]struct{}
}

func New(cfg Config) (*Analyzer, error) {
	if cfg.WindowSize < 1 {
		return nil, errors.NewConfigurationError("analyzer window size must be at least 1")
	}
	if cfg.NoveltyWindows < 1 {
		return nil, errors.NewConfigurationError("analyzer novelty windows must be at least 1")
	}
	a := &Analyzer{
		cfg:      cfg,
		baseline: make(map[Transition]struct{}, len(cfg.Baseline)),
		ignore:   make(map[activity.Category]struct{}, len(cfg.Ignore)),
	}
	for _, t := range cfg.Baseline {
		a.baseline[t] = struct{}{}
	}
	for _, c := range cfg.Ignore {
		a.ignore[c] = struct{}{}
	}
	return a, nil
}

// SelectWindow cuts the current window and its prior windows from a tail of
// the log (oldest first). Ignored categories are dropped before cutting.
func (a *Analyzer) SelectWindow(tail []activity.Event, now time.Time) Window {
	events := a.filter(tail)
	if a.cfg.WindowDuration > 0 {
		return a.selectByDuration(events, now)
	}
	return a.selectByCount(events)
}

func (a *Analyzer) selectByCount(events []activity.Event) Window {
	size := a.cfg.WindowSize
	end := len(events)
	start := max(0, end-size)
	w := Window{Events: events[start:end]}
	for k := 0; k < a.cfg.NoveltyWindows && start > 0; k++ {
		end = start
		start = max(0, end-size)
		w.Prior = append(w.Prior, events[start:end])
	}
	return w
}

func (a *Analyzer) selectByDuration(events []activity.Event, now time.Time) Window {
	d := a.cfg.WindowDuration
	bucket := func(lo, hi time.Time) []activity.Event {
		var out []activity.Event
		for _, ev := range events {
			if ev.Timestamp.After(lo) && !ev.Timestamp.After(hi) {
				out = append(out, ev)
			}
		}
		return out
	}

	w := Window{Events: bucket(now.Add(-d), now)}
	if len(events) == 0 {
		return w
	}
	// prior windows that end before the retained history are unknown, not empty
	oldest := events[0].Timestamp
	for k := 1; k <= a.cfg.NoveltyWindows; k++ {
		hi := now.Add(-time.Duration(k) * d)
		if hi.Before(oldest) {
			break
		}
		w.Prior = append(w.Prior, bucket(hi.Add(-d), hi))
	}
	return w
}

func (a *Analyzer) filter(events []activity.Event) []activity.Event {
	if len(a.ignore) == 0 {
		return events
	}
	out := make([]activity.Event, 0, len(events))
	for _, ev := range events {
		if _, skip := a.ignore[ev.Category]; !skip {
			out = append(out, ev)
		}
	}
	return out
}

// Analyze extracts features from w. An empty window yields a zero snapshot
// tagged low-confidence.
func (a *Analyzer) Analyze(w Window) risk.FeatureSnapshot {
	events := a.filter(w.Events)
	snap := risk.FeatureSnapshot{
		Frequencies: make(map[activity.Category]int),
		Novel:       []activity.Category{},
		Tags:        []risk.Tag{},
	}
	if len(events) == 0 {
		snap.Tags = append(snap.Tags, risk.Tag{Kind: risk.TagLowConfidence})
		return snap
	}

	snap.StartSequence = events[0].Sequence
	snap.EndSequence = events[len(events)-1].Sequence
	snap.EventCount = len(events)

	var tags []risk.Tag
	for _, ev := range events {
		snap.Frequencies[ev.Category]++
		switch ev.Severity {
		case activity.SeveritySuspicious:
			tags = append(tags, risk.Tag{Kind: risk.TagSuspiciousActivity, Subject: strconv.FormatUint(ev.Sequence, 10)})
		case activity.SeverityCritical:
			tags = append(tags, risk.Tag{Kind: risk.TagCriticalActivity, Subject: strconv.FormatUint(ev.Sequence, 10)})
		}
	}

	if a.cfg.BurstThreshold > 0 {
		for cat, n := range snap.Frequencies {
			if n >= a.cfg.BurstThreshold {
				tags = append(tags, risk.Tag{Kind: risk.TagBurst, Subject: string(cat)})
			}
		}
	}

	prior := make([][]activity.Event, 0, len(w.Prior))
	for _, p := range w.Prior {
		prior = append(prior, a.filter(p))
	}

	if len(prior) > 0 {
		seen := make(map[activity.Category]struct{})
		for _, p := range prior {
			for _, ev := range p {
				seen[ev.Category] = struct{}{}
			}
		}
		for cat := range snap.Frequencies {
			if _, ok := seen[cat]; !ok {
				snap.Novel = append(snap.Novel, cat)
				tags = append(tags, risk.Tag{Kind: risk.TagNovelCategory, Subject: string(cat)})
			}
		}
		sort.Slice(snap.Novel, func(i, j int) bool { return snap.Novel[i] < snap.Novel[j] })
	}

	reference := a.referenceTransitions(prior)
	if len(reference) > 0 {
		for i := 0; i+1 < len(events); i++ {
			t := Transition{From: events[i].Category, To: events[i+1].Category}
			if _, ok := reference[t]; !ok {
				tags = append(tags, risk.Tag{Kind: risk.TagSequenceAnomaly, Subject: t.String()})
			}
		}
	}

	snap.Tags = risk.SortTags(tags)
	if snap.Tags == nil {
		snap.Tags = []risk.Tag{}
	}
	return snap
}

// referenceTransitions is the baseline plus every transition seen in the
// prior windows
func (a *Analyzer) referenceTransitions(prior [][]activity.Event) map[Transition]struct{} {
	ref := make(map[Transition]struct{}, len(a.baseline))
	for t := range a.baseline {
		ref[t] = struct{}{}
	}
	for _, p := range prior {
		for i := 0; i+1 < len(p); i++ {
			ref[Transition{From: p[i].Category, To: p[i+1].Category}] = struct{}{}
		}
	}
	return ref
}
