// Package simulate runs the OCTOREFLEX dominance simulation (spec.md §8
// scenario 6): it models the attacker's mutation rate against the
// agent's containment utility over many steps, and checks whether the
// containment response dominates the attacker across many independent
// runs rather than just one.
//
// Mathematical model:
//
//	m_{t+1} = clamp(m_t + λ₁·A_t − λ₂·(1−U_t), 0, 1)
//
// m_t is the attacker's mutation rate at step t, A_t is the sampled
// anomaly score, U_t is containment utility, λ₁ is the attacker's
// adaptation rate, and λ₂ is the defender's suppression rate.
//
// Dominance condition: P(m_T < m_0) > 0.95 across many independent
// simulation runs.
package simulate

import (
	"fmt"
	"math"
	"math/rand"
)

// Distribution selects the anomaly-score sampling model for a run.
type Distribution string

const (
	// DistHalfNormal samples |N(0,1)|·2.5 — the teacher's original model,
	// a realistic "mostly-quiet, occasional spike" anomaly signal.
	DistHalfNormal Distribution = "halfnormal"

	// DistPareto samples a heavy-tailed Pareto(alpha) distribution, modeling
	// an attacker capable of occasional extreme bursts far more often than
	// the half-normal tail allows.
	DistPareto Distribution = "pareto"

	// DistAdversarial samples a bimodal mixture: mostly near-zero (evading
	// detection) with a minority of steps at or near the maximum score
	// (a probing attacker alternating stealth and aggression).
	DistAdversarial Distribution = "adversarial"
)

// ParseDistribution validates a --dist flag value.
func ParseDistribution(s string) (Distribution, error) {
	switch Distribution(s) {
	case DistHalfNormal, DistPareto, DistAdversarial:
		return Distribution(s), nil
	default:
		return "", fmt.Errorf("unknown distribution %q (want halfnormal, pareto, or adversarial)", s)
	}
}

// Config parameterizes a single simulation run.
type Config struct {
	Steps       int
	Lambda1     float64
	Lambda2     float64
	M0          float64
	U           float64
	Dist        Distribution
	ParetoAlpha float64 // shape parameter for DistPareto; default 3.0 if zero
	Seed        int64
}

// Validate checks the invariants the teacher's original flag parsing
// enforced (m0, U in [0,1], lambdas non-negative) plus the distribution tag.
func (c Config) Validate() error {
	if c.M0 < 0 || c.M0 > 1 {
		return fmt.Errorf("m0 must be in [0, 1], got %f", c.M0)
	}
	if c.U < 0 || c.U > 1 {
		return fmt.Errorf("U must be in [0, 1], got %f", c.U)
	}
	if c.Lambda1 < 0 || c.Lambda2 < 0 {
		return fmt.Errorf("lambda1 and lambda2 must be >= 0")
	}
	if c.Steps < 1 {
		return fmt.Errorf("steps must be >= 1, got %d", c.Steps)
	}
	if _, err := ParseDistribution(string(c.Dist)); err != nil {
		return err
	}
	return nil
}

// StepResult holds the output of a single simulation step.
type StepResult struct {
	Step         int
	MutationRate float64
	AnomalyScore float64
	SuccessProb  float64
}

// RunResult holds the full per-step trace and summary of one simulation run.
type RunResult struct {
	Steps             []StepResult
	FinalMutationRate float64
	Dominated         bool // FinalMutationRate < cfg.M0
}

// Simulator runs the dominance simulation for a single configuration.
type Simulator struct {
	cfg Config
	rng *rand.Rand
}

// NewSimulator creates a configured Simulator. cfg.Seed seeds the PRNG
// directly; callers running many independent simulations (RunMonteCarlo)
// must vary the seed themselves or every run will be identical.
func NewSimulator(cfg Config) *Simulator {
	return &Simulator{cfg: cfg, rng: rand.New(rand.NewSource(cfg.Seed))}
}

// Run executes the simulation and returns the per-step trace.
// Complexity: O(steps). Memory: O(steps) for the result slice.
func (s *Simulator) Run() RunResult {
	steps := make([]StepResult, s.cfg.Steps)
	m := s.cfg.M0

	for t := 0; t < s.cfg.Steps; t++ {
		A := s.sampleAnomaly()

		delta := s.cfg.Lambda1*A - s.cfg.Lambda2*(1.0-s.cfg.U)
		m = clamp(m+delta, 0.0, 1.0)

		pSucc := logistic(1.0 - m)

		steps[t] = StepResult{
			Step:         t,
			MutationRate: m,
			AnomalyScore: A,
			SuccessProb:  pSucc,
		}
	}

	final := steps[len(steps)-1].MutationRate
	return RunResult{
		Steps:             steps,
		FinalMutationRate: final,
		Dominated:         final < s.cfg.M0,
	}
}

// sampleAnomaly draws one anomaly score under the configured distribution.
func (s *Simulator) sampleAnomaly() float64 {
	switch s.cfg.Dist {
	case DistPareto:
		alpha := s.cfg.ParetoAlpha
		if alpha <= 0 {
			alpha = 3.0
		}
		// Inverse-CDF sampling: X = x_m / U^(1/alpha), x_m = 1.
		u := s.rng.Float64()
		if u <= 0 {
			u = 1e-12
		}
		return 1.0 / math.Pow(u, 1.0/alpha)
	case DistAdversarial:
		// 80% near-zero (stealth), 20% near-max (aggressive probing).
		if s.rng.Float64() < 0.8 {
			return s.rng.Float64() * 0.5
		}
		return 4.0 + s.rng.Float64()*2.0
	case DistHalfNormal:
		fallthrough
	default:
		return math.Abs(s.rng.NormFloat64()) * 2.5
	}
}

// MonteCarloResult aggregates many independent Simulator runs.
type MonteCarloResult struct {
	Runs                     []RunResult
	DominanceProbability     float64 // fraction of runs with FinalMutationRate < cfg.M0
	PassedDominanceCondition bool    // DominanceProbability > 0.95
}

// RunMonteCarlo executes `runs` independent simulations of cfg, each
// seeded deterministically off cfg.Seed (cfg.Seed+i) so results are
// reproducible given the same (cfg, runs) pair, and aggregates the
// dominance condition across all of them rather than a single trace.
func RunMonteCarlo(cfg Config, runs int) MonteCarloResult {
	results := make([]RunResult, runs)
	dominatedCount := 0

	for i := 0; i < runs; i++ {
		runCfg := cfg
		runCfg.Seed = cfg.Seed + int64(i)
		r := NewSimulator(runCfg).Run()
		results[i] = r
		if r.Dominated {
			dominatedCount++
		}
	}

	prob := 0.0
	if runs > 0 {
		prob = float64(dominatedCount) / float64(runs)
	}

	return MonteCarloResult{
		Runs:                     results,
		DominanceProbability:     prob,
		PassedDominanceCondition: prob > 0.95,
	}
}

// logistic computes the logistic (sigmoid) function: 1 / (1 + e^(-x)).
func logistic(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

// clamp restricts v to the range [lo, hi].
func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
