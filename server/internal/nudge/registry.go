package nudge

import (
	"fmt"
	"math"
	"strings"
)

// Registry is a validated, immutable set of thresholds in definition order.
type Registry struct {
	thresholds []Threshold
}

// LoadRegistry validates every definition and returns a Registry holding
// copies of them. The first invalid definition aborts the load.
func LoadRegistry(defs []Threshold) (*Registry, error) {
	out := make([]Threshold, 0, len(defs))
	for i, t := range defs {
		if err := validateThreshold(t); err != nil {
			return nil, prefixField(err, fmt.Sprintf("thresholds[%d]", i))
		}
		out = append(out, cloneThreshold(t))
	}
	return &Registry{thresholds: out}, nil
}

// All returns the thresholds in definition order. The slice is a copy.
func (r *Registry) All() []Threshold {
	out := make([]Threshold, len(r.thresholds))
	for i, t := range r.thresholds {
		out[i] = cloneThreshold(t)
	}
	return out
}

// Len returns the number of thresholds.
func (r *Registry) Len() int { return len(r.thresholds) }

// ArticleKeys returns the distinct article keys referenced by the thresholds,
// in first-reference order.
func (r *Registry) ArticleKeys() []string {
	seen := make(map[string]struct{})
	var keys []string
	for _, t := range r.thresholds {
		if t.ArticleKey == "" {
			continue
		}
		if _, ok := seen[t.ArticleKey]; ok {
			continue
		}
		seen[t.ArticleKey] = struct{}{}
		keys = append(keys, t.ArticleKey)
	}
	return keys
}

// DefaultThresholds returns the built-in rule set used when no thresholds are
// configured.
func DefaultThresholds() []Threshold {
	return []Threshold{
		{
			Metric:     "wet_diapers_last_24h",
			Min:        Float(6),
			Channel:    ChannelPush,
			ArticleKey: "hydration-tracking-basics",
			Title:      "Hydration check",
			Message:    "Diaper counts dipped below the recommended range. Review hydration tips.",
		},
		{
			Metric:     "night_sleep_hours",
			Min:        Float(8),
			Channel:    ChannelEmail,
			ArticleKey: "sleep-routine-blueprint",
			Title:      "Sleep support",
			Message:    "Night sleep totals look light. Here are calming routines to try tonight.",
		},
		{
			Metric:  "parent_mood_score",
			Max:     Float(3),
			Channel: ChannelChat,
			Title:   "Check-in reminder",
			Message: "Mood check-ins show a tough day. Reach out to your support circle.",
		},
	}
}

func validateThreshold(t Threshold) error {
	if strings.TrimSpace(t.Metric) == "" {
		return &ValidationError{Field: "metric", Reason: "must not be empty"}
	}
	if t.Min == nil && t.Max == nil {
		return &ValidationError{Field: "min/max", Reason: "at least one bound must be set"}
	}
	if t.Min != nil && !finite(*t.Min) {
		return &ValidationError{Field: "min", Reason: "must be finite"}
	}
	if t.Max != nil && !finite(*t.Max) {
		return &ValidationError{Field: "max", Reason: "must be finite"}
	}
	if t.Min != nil && t.Max != nil && *t.Min > *t.Max {
		return &ValidationError{Field: "min/max", Reason: fmt.Sprintf("min %v is greater than max %v", *t.Min, *t.Max)}
	}
	if !t.Channel.Valid() {
		return &ValidationError{Field: "channel", Reason: fmt.Sprintf("%q is not one of EMAIL|PUSH|CHAT|IN_APP", string(t.Channel))}
	}
	if strings.TrimSpace(t.Title) == "" {
		return &ValidationError{Field: "title", Reason: "must not be empty"}
	}
	if strings.TrimSpace(t.Message) == "" {
		return &ValidationError{Field: "message", Reason: "must not be empty"}
	}
	return nil
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

// cloneThreshold copies the bound pointers so callers cannot reach the
// registry's values.
func cloneThreshold(t Threshold) Threshold {
	if t.Min != nil {
		t.Min = Float(*t.Min)
	}
	if t.Max != nil {
		t.Max = Float(*t.Max)
	}
	return t
}
