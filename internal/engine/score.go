package engine

import (
	"steward/internal/domain"
)

// ScoreCandidate ranks a user for a work item; higher is better, never
// negative. Users with no profile keep the role-fit, experience and
// priority terms so cold-start candidates are under-informed, not
// excluded.
func (e *Engine) ScoreCandidate(item domain.WorkItem, cand Candidate) float64 {
	cfg := e.Config
	score := 0.0
	if cand.Profile != nil {
		if cs, ok := cand.Profile.Categories[item.Category]; ok {
			score += cfg.Scoring.CategorySuccessMax * clamp01(cs.SuccessRate)
			if cs.AvgHours > 0 {
				// Faster average completion earns more, with diminishing
				// returns as times grow.
				score += cfg.Scoring.CategorySpeedMax / (1 + cs.AvgHours/8)
			}
		}
		score += cfg.Scoring.ReliabilityMax * clamp01(cand.Profile.Reliability)
	}
	score -= cfg.Scoring.WorkloadPenalty * float64(cand.ActiveItems)
	score += cfg.Scoring.RoleFitMax * cfg.RoleFit(cand.User.Role, item.Category)
	score += cfg.Scoring.ExperienceMax * cfg.ExperienceWeight(cand.User.Experience)
	score *= cfg.PriorityMultiplier(string(item.Priority))
	if score < 0 {
		return 0
	}
	return score
}

// bestCandidate returns the top-scoring candidate, ties broken by lowest
// current workload and then user id for determinism. Returns false when
// nobody scores above zero.
func (e *Engine) bestCandidate(item domain.WorkItem, pool []Candidate) (Candidate, float64, bool) {
	var best Candidate
	bestScore := 0.0
	found := false
	for _, cand := range pool {
		s := e.ScoreCandidate(item, cand)
		if s <= 0 {
			continue
		}
		switch {
		case !found || s > bestScore:
		case s == bestScore && cand.ActiveItems < best.ActiveItems:
		case s == bestScore && cand.ActiveItems == best.ActiveItems && cand.User.ID < best.User.ID:
		default:
			continue
		}
		best = cand
		bestScore = s
		found = true
	}
	return best, bestScore, found
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func hasRole(roles []string, role string) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

// eligibleFor filters the pool down to users matching the item's required
// roles; items without explicit role requirements accept anyone.
func eligibleFor(item domain.WorkItem, pool []Candidate) []Candidate {
	if len(item.RequiredRoles) == 0 {
		return pool
	}
	var out []Candidate
	for _, cand := range pool {
		if hasRole(item.RequiredRoles, cand.User.Role) {
			out = append(out, cand)
		}
	}
	return out
}
