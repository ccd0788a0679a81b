package engine

import (
	"testing"

	"pgregory.net/rapid"

	"steward/internal/config"
	"steward/internal/domain"
)

func scoringEngine() *Engine {
	return &Engine{Config: config.Default("acme")}
}

func auditItem(priority string) domain.WorkItem {
	return domain.WorkItem{
		ID: "t-1", Kind: domain.KindTask, Category: "audit",
		Priority: domain.Priority(priority), OrgID: "acme",
	}
}

func auditorProfile(successRate, avgHours, reliability float64) *domain.UserProfile {
	return &domain.UserProfile{
		UserID: "u-1", TotalAssigned: 10, TotalCompleted: 8,
		Reliability: reliability, AvgHours: avgHours,
		Categories: map[string]domain.CategoryStats{
			"audit": {Count: 8, AvgHours: avgHours, SuccessRate: successRate},
		},
	}
}

func TestScoreCandidateNeverNegative(t *testing.T) {
	e := scoringEngine()
	cand := Candidate{
		User:        domain.User{ID: "u-1", Role: "analyst", Experience: "junior"},
		ActiveItems: 50,
	}
	if got := e.ScoreCandidate(auditItem("low"), cand); got != 0 {
		t.Fatalf("overloaded candidate should floor at 0, got %v", got)
	}
}

func TestScoreCandidateColdStartStillScores(t *testing.T) {
	e := scoringEngine()
	cand := Candidate{User: domain.User{ID: "u-1", Role: "compliance_auditor", Experience: "senior"}}
	if got := e.ScoreCandidate(auditItem("medium"), cand); got <= 0 {
		t.Fatalf("profileless candidate with good role fit must score positive, got %v", got)
	}
}

func TestScoreCandidateRewardsTrackRecord(t *testing.T) {
	e := scoringEngine()
	strong := Candidate{
		User:    domain.User{ID: "a", Role: "compliance_auditor", Experience: "mid"},
		Profile: auditorProfile(0.95, 3, 0.9),
	}
	weak := Candidate{
		User:    domain.User{ID: "b", Role: "compliance_auditor", Experience: "mid"},
		Profile: auditorProfile(0.3, 12, 0.5),
	}
	if e.ScoreCandidate(auditItem("medium"), strong) <= e.ScoreCandidate(auditItem("medium"), weak) {
		t.Fatal("stronger history must outscore weaker history")
	}
}

func TestScoreCandidateWorkloadMonotone(t *testing.T) {
	e := scoringEngine()
	rapid.Check(t, func(t *rapid.T) {
		role := rapid.SampledFrom([]string{"compliance_auditor", "analyst", "sector_manager"}).Draw(t, "role")
		exp := rapid.SampledFrom([]string{"junior", "mid", "senior", "expert"}).Draw(t, "exp")
		prio := rapid.SampledFrom([]string{"critical", "high", "medium", "low"}).Draw(t, "prio")
		w1 := rapid.IntRange(0, 20).Draw(t, "w1")
		w2 := rapid.IntRange(0, 20).Draw(t, "w2")
		if w1 > w2 {
			w1, w2 = w2, w1
		}
		cand := Candidate{
			User:    domain.User{ID: "u", Role: role, Experience: exp},
			Profile: auditorProfile(0.8, 4, 0.85),
		}
		item := auditItem(prio)
		lighter := cand
		lighter.ActiveItems = w1
		heavier := cand
		heavier.ActiveItems = w2
		if e.ScoreCandidate(item, lighter) < e.ScoreCandidate(item, heavier) {
			t.Fatalf("score must not grow with workload: %d vs %d", w1, w2)
		}
	})
}

func TestBestCandidateDeterministicTieBreak(t *testing.T) {
	e := scoringEngine()
	item := auditItem("medium")
	pool := []Candidate{
		{User: domain.User{ID: "b", Role: "analyst", Experience: "mid"}},
		{User: domain.User{ID: "a", Role: "analyst", Experience: "mid"}},
	}
	best, score, ok := e.bestCandidate(item, pool)
	if !ok || score <= 0 {
		t.Fatalf("candidate expected: %v %v", ok, score)
	}
	if best.User.ID != "a" {
		t.Fatalf("ties break on user id, got %s", best.User.ID)
	}
}

func TestBestCandidateEmptyPool(t *testing.T) {
	e := scoringEngine()
	if _, _, ok := e.bestCandidate(auditItem("medium"), nil); ok {
		t.Fatal("empty pool must yield no candidate")
	}
}

func TestEligibleForFiltersRequiredRoles(t *testing.T) {
	item := auditItem("medium")
	item.RequiredRoles = []string{"compliance_auditor"}
	pool := []Candidate{
		{User: domain.User{ID: "a", Role: "analyst"}},
		{User: domain.User{ID: "b", Role: "compliance_auditor"}},
	}
	got := eligibleFor(item, pool)
	if len(got) != 1 || got[0].User.ID != "b" {
		t.Fatalf("only role holders are eligible: %+v", got)
	}
	item.RequiredRoles = nil
	if got := eligibleFor(item, pool); len(got) != 2 {
		t.Fatalf("no required roles accepts everyone: %+v", got)
	}
}

func TestRankByWorkload(t *testing.T) {
	users := []domain.User{
		{ID: "remote", OrgID: "other"},
		{ID: "busy", OrgID: "acme"},
		{ID: "idle", OrgID: "acme"},
		{ID: "overdue", OrgID: "acme"},
	}
	active := map[string]int{"busy": 3, "overdue": 1}
	overdue := map[string]int{"overdue": 2}

	ranked := rankByWorkload(users, "acme", active, overdue, 0)
	want := []string{"idle", "busy", "overdue", "remote"}
	for i, id := range want {
		if ranked[i].ID != id {
			t.Fatalf("rank %d: want %s, got %s (%+v)", i, id, ranked[i].ID, ranked)
		}
	}
	if got := rankByWorkload(users, "acme", active, overdue, 2); len(got) != 2 {
		t.Fatalf("shortlist should truncate: %+v", got)
	}
}
