package engine

import (
	"errors"
	"math"
	"sync"
	"time"

	"steward/internal/config"
	"steward/internal/domain"
	"steward/internal/repo"
)

// Predictor estimates hours-to-complete for a task and candidate pair.
// Implementations must be deterministic for identical inputs at a given
// model state.
type Predictor interface {
	Predict(item domain.WorkItem, cand Candidate) (float64, error)
}

var ErrModelNotReady = errors.New("prediction model not trained")

// HeuristicPredictor is the deterministic formula used when no trained
// model is available: base hours per category scaled by priority,
// experience and current workload.
type HeuristicPredictor struct {
	Config *config.Config
}

func (p HeuristicPredictor) Predict(item domain.WorkItem, cand Candidate) (float64, error) {
	cfg := p.Config
	hours := cfg.BaseHours(item.Category) *
		cfg.PriorityFactor(string(item.Priority)) *
		cfg.ExperienceFactor(cand.User.Experience) *
		(1 + float64(cand.ActiveItems)*0.1)
	if hours < cfg.Predictor.MinHours {
		hours = cfg.Predictor.MinHours
	}
	return hours, nil
}

// ModelPredictor fits an ordinary-least-squares regression over a fixed
// feature encoding of historical completions. Training happens on profile
// rebuild, never mid-batch, so predictions stay stable within a run.
type ModelPredictor struct {
	Config     *config.Config
	MinSamples int

	mu      sync.RWMutex
	weights []float64
	samples int
}

func NewModelPredictor(cfg *config.Config) *ModelPredictor {
	min := cfg.Predictor.MinSamples
	if min <= 0 {
		min = 50
	}
	return &ModelPredictor{Config: cfg, MinSamples: min}
}

const featureCount = 5

func (p *ModelPredictor) features(category, priority, experience, createdAt string) []float64 {
	cfg := p.Config
	hour := 12.0
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		hour = float64(t.UTC().Hour())
	}
	return []float64{
		1,
		cfg.BaseHours(category),
		cfg.PriorityFactor(priority),
		cfg.ExperienceFactor(experience),
		hour / 24.0,
	}
}

// Train fits weights from completed history. With fewer samples than the
// threshold the model stays unfit and Predict keeps failing over to the
// heuristic.
func (p *ModelPredictor) Train(history []repo.CompletedItem) {
	if len(history) < p.MinSamples {
		p.mu.Lock()
		p.weights = nil
		p.samples = len(history)
		p.mu.Unlock()
		return
	}
	// Normal equations with a small ridge term for numeric stability.
	var xtx [featureCount][featureCount]float64
	var xty [featureCount]float64
	for _, h := range history {
		if h.Hours <= 0 || math.IsNaN(h.Hours) {
			continue
		}
		f := p.features(h.Category, h.Priority, h.Experience, h.CreatedAt)
		for i := 0; i < featureCount; i++ {
			xty[i] += f[i] * h.Hours
			for j := 0; j < featureCount; j++ {
				xtx[i][j] += f[i] * f[j]
			}
		}
	}
	const ridge = 1e-3
	for i := 0; i < featureCount; i++ {
		xtx[i][i] += ridge
	}
	weights, ok := solveLinear(xtx, xty)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.samples = len(history)
	if !ok {
		p.weights = nil
		return
	}
	p.weights = weights
}

func (p *ModelPredictor) Predict(item domain.WorkItem, cand Candidate) (float64, error) {
	p.mu.RLock()
	weights := p.weights
	p.mu.RUnlock()
	if weights == nil {
		return 0, ErrModelNotReady
	}
	f := p.features(item.Category, string(item.Priority), cand.User.Experience, item.CreatedAt)
	var hours float64
	for i, w := range weights {
		hours += w * f[i]
	}
	// The training rows carry no live workload, so the workload surcharge
	// is applied the same way the heuristic does it.
	hours *= 1 + float64(cand.ActiveItems)*0.1
	if math.IsNaN(hours) || math.IsInf(hours, 0) {
		return 0, errors.New("model produced non-finite estimate")
	}
	if hours < p.Config.Predictor.MinHours {
		hours = p.Config.Predictor.MinHours
	}
	return hours, nil
}

// solveLinear solves Ax=b by Gaussian elimination with partial pivoting.
func solveLinear(a [featureCount][featureCount]float64, b [featureCount]float64) ([]float64, bool) {
	n := featureCount
	for col := 0; col < n; col++ {
		pivot := col
		for row := col + 1; row < n; row++ {
			if math.Abs(a[row][col]) > math.Abs(a[pivot][col]) {
				pivot = row
			}
		}
		if math.Abs(a[pivot][col]) < 1e-12 {
			return nil, false
		}
		a[col], a[pivot] = a[pivot], a[col]
		b[col], b[pivot] = b[pivot], b[col]
		for row := col + 1; row < n; row++ {
			factor := a[row][col] / a[col][col]
			for k := col; k < n; k++ {
				a[row][k] -= factor * a[col][k]
			}
			b[row] -= factor * b[col]
		}
	}
	x := make([]float64, n)
	for row := n - 1; row >= 0; row-- {
		sum := b[row]
		for k := row + 1; k < n; k++ {
			sum -= a[row][k] * x[k]
		}
		x[row] = sum / a[row][row]
	}
	return x, true
}
