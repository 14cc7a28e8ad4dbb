// Package anomaly — engine.go
//
// The OCTOREFLEX anomaly engine: per-PID streaming baselines producing a
// Mahalanobis distance + entropy delta composite score (spec §4.3).
//
// Score formula:
//   A = (x-μ)ᵀ Σ⁻¹ (x-μ) + wₑ |H_current - H_baseline|
//
// If Σ is singular, the Mahalanobis term falls back to squared Euclidean
// distance. If the baseline has fewer than MinSamples folded in, Score
// returns 0 without error (invariant B1 — not yet eligible to score).

package anomaly

import (
	"fmt"
	"math"
	"sync"
)

// Engine computes anomaly scores for process feature vectors.
// Thread-safe: multiple goroutines may call Score concurrently, though
// per the ownership model each PID's Baseline is only ever touched by
// its own worker.
type Engine struct {
	mu            sync.RWMutex
	entropyWeight float64 // wₑ ∈ [0.0, 1.0]
	minSamples    int
}

// NewEngine creates an anomaly engine with the given entropy weight and
// minimum sample count before a baseline is eligible to score.
// Panics if entropyWeight is out of [0.0, 1.0].
func NewEngine(entropyWeight float64, minSamples int) *Engine {
	if entropyWeight < 0.0 || entropyWeight > 1.0 {
		panic(fmt.Sprintf("anomaly.NewEngine: entropyWeight %f out of range [0.0, 1.0]", entropyWeight))
	}
	if minSamples < 0 {
		minSamples = 0
	}
	return &Engine{entropyWeight: entropyWeight, minSamples: minSamples}
}

// Score computes the anomaly score A for feature vector x against baseline.
// Returns 0.0 if baseline is nil or has fewer than MinSamples folded in.
func (e *Engine) Score(x []float64, baseline *Baseline, currentEntropy float64) (float64, error) {
	if baseline == nil {
		return 0.0, nil
	}

	e.mu.RLock()
	wE := e.entropyWeight
	minSamples := e.minSamples
	e.mu.RUnlock()

	if baseline.SampleCount < minSamples {
		return 0.0, nil
	}

	n := len(baseline.MeanVector)
	if len(x) != n {
		return 0.0, fmt.Errorf(
			"anomaly.Score: dimension mismatch: x has %d features, baseline has %d", len(x), n)
	}

	diff := make([]float64, n)
	for i := range diff {
		diff[i] = x[i] - baseline.MeanVector[i]
	}

	var mahal float64
	if baseline.InvCovariance != nil {
		mahal = mahalanobisSquared(diff, baseline.InvCovariance)
	} else {
		mahal = euclideanSquared(diff)
	}

	entropyDelta := math.Abs(currentEntropy - baseline.BaselineEntropy)
	return mahal + wE*entropyDelta, nil
}

// SetEntropyWeight updates wₑ, e.g. on config hot-reload.
func (e *Engine) SetEntropyWeight(w float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entropyWeight = w
}

// mahalanobisSquared computes vᵀ M v. Complexity O(n²).
func mahalanobisSquared(v []float64, M [][]float64) float64 {
	n := len(v)
	Mv := make([]float64, n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			Mv[i] += M[i][j] * v[j]
		}
	}
	var result float64
	for i := 0; i < n; i++ {
		result += v[i] * Mv[i]
	}
	return result
}

// euclideanSquared computes the squared Euclidean norm of v.
func euclideanSquared(v []float64) float64 {
	var sum float64
	for _, vi := range v {
		sum += vi * vi
	}
	return sum
}
