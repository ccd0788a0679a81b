package engine

import (
	"database/sql"
	"sync"
	"time"

	"steward/internal/config"
	"steward/internal/domain"
	"steward/internal/events"
	"steward/internal/repo"
)

// Engine owns assignment decisions and SLA tracking. The profile and
// pattern caches are derived data: they can be discarded and rebuilt from
// history at any time and are never the system of record.
type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Now       func() time.Time
	Predictor Predictor

	mu       sync.RWMutex
	profiles map[string]domain.UserProfile
	patterns *PatternSet
}

func New(db *sql.DB, cfg *config.Config) *Engine {
	e := &Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
	heuristic := HeuristicPredictor{Config: cfg}
	if cfg != nil && cfg.Predictor.Strategy == "model" {
		e.Predictor = NewModelPredictor(cfg)
	} else {
		e.Predictor = heuristic
	}
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Candidate bundles everything the scorer and predictor need about one user.
type Candidate struct {
	User        domain.User
	Profile     *domain.UserProfile
	ActiveItems int
}

// EstimateHours asks the configured predictor for an estimate and falls
// back to the heuristic formula when the model cannot answer. It never
// returns an error: prediction failure is not allowed to block assignment.
func (e *Engine) EstimateHours(item domain.WorkItem, cand Candidate) float64 {
	hours, err := e.Predictor.Predict(item, cand)
	if err == nil && hours > 0 {
		return hours
	}
	hours, err = HeuristicPredictor{Config: e.Config}.Predict(item, cand)
	if err != nil || hours <= 0 {
		return e.Config.Predictor.MinHours
	}
	return hours
}

// candidatePool pairs users with their cached profile and current workload.
func (e *Engine) candidatePool(users []domain.User, activeCounts map[string]int) []Candidate {
	pool := make([]Candidate, 0, len(users))
	for _, u := range users {
		pool = append(pool, Candidate{
			User:        u,
			Profile:     e.Profile(u.ID),
			ActiveItems: activeCounts[u.ID],
		})
	}
	return pool
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
