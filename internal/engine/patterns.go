package engine

import (
	"math"
	"sort"
	"time"

	"steward/internal/repo"
)

// PatternKey identifies one completion-time bucket. Exactly one of the
// dimension fields is set per key; the others stay empty.
type PatternKey struct {
	Category  string `json:"category,omitempty"`
	Priority  string `json:"priority,omitempty"`
	TimeOfDay string `json:"time_of_day,omitempty"`
	Weekday   string `json:"weekday,omitempty"`
}

type PatternStats struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean_hours"`
	Median float64 `json:"median_hours"`
	StdDev float64 `json:"stddev_hours"`
	Min    float64 `json:"min_hours"`
	Max    float64 `json:"max_hours"`
}

type Pattern struct {
	Key   PatternKey   `json:"key"`
	Stats PatternStats `json:"stats"`
}

// PatternSet is the analyzer output for one rebuild pass.
type PatternSet struct {
	Patterns  []Pattern `json:"patterns"`
	Samples   int       `json:"samples"`
	RebuiltAt string    `json:"rebuilt_at" format:"date-time"`
}

// BuildPatterns groups completion durations by category, priority,
// time of day, and weekday. Buckets with no samples are omitted rather
// than reported as zeros.
func BuildPatterns(completed []repo.CompletedItem, now time.Time) *PatternSet {
	groups := map[PatternKey][]float64{}
	for _, c := range completed {
		started, err := time.Parse(time.RFC3339, c.CreatedAt)
		if err != nil {
			continue
		}
		keys := []PatternKey{
			{Category: c.Category},
			{Priority: c.Priority},
			{TimeOfDay: timeOfDay(started)},
			{Weekday: started.Weekday().String()},
		}
		for _, k := range keys {
			groups[k] = append(groups[k], c.Hours)
		}
	}

	set := &PatternSet{
		Samples:   len(completed),
		RebuiltAt: now.Format(time.RFC3339),
	}
	for k, hours := range groups {
		set.Patterns = append(set.Patterns, Pattern{Key: k, Stats: summarize(hours)})
	}
	sort.Slice(set.Patterns, func(i, j int) bool {
		a, b := set.Patterns[i].Key, set.Patterns[j].Key
		if a.Category != b.Category {
			return a.Category < b.Category
		}
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.TimeOfDay != b.TimeOfDay {
			return a.TimeOfDay < b.TimeOfDay
		}
		return a.Weekday < b.Weekday
	})
	return set
}

func timeOfDay(t time.Time) string {
	switch h := t.Hour(); {
	case h >= 5 && h < 12:
		return "morning"
	case h >= 12 && h < 17:
		return "afternoon"
	default:
		return "evening"
	}
}

func summarize(hours []float64) PatternStats {
	sorted := append([]float64(nil), hours...)
	sort.Float64s(sorted)

	n := len(sorted)
	st := PatternStats{Count: n, Min: sorted[0], Max: sorted[n-1]}
	var sum float64
	for _, h := range sorted {
		sum += h
	}
	st.Mean = sum / float64(n)
	if n%2 == 1 {
		st.Median = sorted[n/2]
	} else {
		st.Median = (sorted[n/2-1] + sorted[n/2]) / 2
	}
	var sq float64
	for _, h := range sorted {
		d := h - st.Mean
		sq += d * d
	}
	st.StdDev = math.Sqrt(sq / float64(n))
	return st
}

// Patterns returns the cached analyzer output, or an empty set when no
// rebuild has run yet.
func (e *Engine) Patterns() *PatternSet {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.patterns == nil {
		return &PatternSet{RebuiltAt: e.now().UTC().Format(time.RFC3339)}
	}
	return e.patterns
}
