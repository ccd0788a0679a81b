package engine

import (
	"context"
	"log"
	"sort"
	"time"

	"steward/internal/domain"
	"steward/internal/repo"
)

// RebuildProfiles discards and rebuilds the per-user performance cache
// from the trailing history window, then retrains the model predictor if
// one is configured. A failed history load degrades to an empty profile
// set; callers must treat a missing profile as "unknown, use defaults".
func (e *Engine) RebuildProfiles(ctx context.Context) (int, error) {
	now := e.now().UTC()
	since := now.AddDate(0, 0, -e.Config.Profiles.WindowDays).Format(time.RFC3339)

	completed, err := e.Repo.CompletedItems(ctx, since)
	if err != nil {
		log.Printf("profiles: load history failed, keeping empty set: %v", err)
		completed = nil
	}
	assigned, err := e.Repo.AssignedCounts(ctx, since)
	if err != nil {
		log.Printf("profiles: load assigned counts failed: %v", err)
		assigned = map[string]int{}
	}

	profiles := buildProfiles(completed, assigned, now)
	patterns := BuildPatterns(completed, now)

	e.mu.Lock()
	e.profiles = profiles
	e.patterns = patterns
	e.mu.Unlock()

	if model, ok := e.Predictor.(*ModelPredictor); ok {
		model.Train(completed)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err == nil {
		defer tx.Rollback()
		if err := e.Events.Append(ctx, tx, "profiles.rebuilt", e.Config.Org.ID, "profile", "", "system", map[string]any{
			"users":   len(profiles),
			"history": len(completed),
		}); err == nil {
			_ = tx.Commit()
		}
	}
	return len(profiles), nil
}

func buildProfiles(completed []repo.CompletedItem, assigned map[string]int, now time.Time) map[string]domain.UserProfile {
	type catAccum struct {
		count   int
		hours   float64
		success int
	}
	type accum struct {
		count int
		hours float64
		cats  map[string]*catAccum
	}
	acc := map[string]*accum{}
	for _, c := range completed {
		a := acc[c.UserID]
		if a == nil {
			a = &accum{cats: map[string]*catAccum{}}
			acc[c.UserID] = a
		}
		a.count++
		a.hours += c.Hours
		ca := a.cats[c.Category]
		if ca == nil {
			ca = &catAccum{}
			a.cats[c.Category] = ca
		}
		ca.count++
		ca.hours += c.Hours
		if onTime(c) {
			ca.success++
		}
	}
	rebuilt := now.Format(time.RFC3339)
	profiles := make(map[string]domain.UserProfile, len(acc))
	for userID, a := range acc {
		totalAssigned := assigned[userID]
		if totalAssigned < a.count {
			totalAssigned = a.count
		}
		p := domain.UserProfile{
			UserID:         userID,
			TotalAssigned:  totalAssigned,
			TotalCompleted: a.count,
			Reliability:    float64(a.count) / float64(totalAssigned),
			AvgHours:       a.hours / float64(a.count),
			Categories:     make(map[string]domain.CategoryStats, len(a.cats)),
			RebuiltAt:      rebuilt,
		}
		for cat, ca := range a.cats {
			p.Categories[cat] = domain.CategoryStats{
				Count:       ca.count,
				AvgHours:    ca.hours / float64(ca.count),
				SuccessRate: float64(ca.success) / float64(ca.count),
			}
		}
		profiles[userID] = p
	}
	return profiles
}

// onTime treats a completion without a due date as a success.
func onTime(c repo.CompletedItem) bool {
	if c.DueAt == "" {
		return true
	}
	done, err1 := time.Parse(time.RFC3339, c.CompletedAt)
	due, err2 := time.Parse(time.RFC3339, c.DueAt)
	if err1 != nil || err2 != nil {
		return true
	}
	return !done.After(due)
}

// Profile returns the cached profile for a user, or nil when unknown.
func (e *Engine) Profile(userID string) *domain.UserProfile {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if p, ok := e.profiles[userID]; ok {
		return &p
	}
	return nil
}

// Profiles returns all cached profiles sorted by user id.
func (e *Engine) Profiles() []domain.UserProfile {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]domain.UserProfile, 0, len(e.profiles))
	for _, p := range e.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
