// Package main — cmd/octoreflex-sim/main.go
//
// OCTOREFLEX Dominance Simulator CLI.
//
// Validates the mathematical dominance condition before release: the
// containment response's suppression of the attacker's mutation rate
// must hold with P(m_T < m_0) > 0.95, evaluated over many independent
// simulation runs (spec.md §8 scenario 6), not just one trace.
//
// See internal/simulate for the model itself.
package main

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/octoreflex/octoreflex/internal/simulate"
)

func main() {
	var (
		steps       int
		lambda1     float64
		lambda2     float64
		m0          float64
		u           float64
		seed        int64
		runs        int
		distFlag    string
		paretoAlpha float64
		csvOut      bool
	)

	cmd := &cobra.Command{
		Use:   "octoreflex-sim",
		Short: "Validate the OCTOREFLEX attacker-dominance condition",
		RunE: func(cmd *cobra.Command, args []string) error {
			dist, err := simulate.ParseDistribution(distFlag)
			if err != nil {
				return err
			}

			cfg := simulate.Config{
				Steps:       steps,
				Lambda1:     lambda1,
				Lambda2:     lambda2,
				M0:          m0,
				U:           u,
				Dist:        dist,
				ParetoAlpha: paretoAlpha,
				Seed:        seed,
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			if runs <= 1 {
				result := simulate.NewSimulator(cfg).Run()
				if csvOut {
					writeCSV(os.Stdout, result.Steps)
				}
				printSingleRunSummary(os.Stderr, cfg, result)
				if !result.Dominated {
					os.Exit(2)
				}
				return nil
			}

			mc := simulate.RunMonteCarlo(cfg, runs)
			if csvOut {
				writeCSV(os.Stdout, mc.Runs[len(mc.Runs)-1].Steps)
			}
			printMonteCarloSummary(os.Stderr, cfg, runs, mc)
			if !mc.PassedDominanceCondition {
				os.Exit(2)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&steps, "steps", 10000, "Number of simulation steps per run")
	cmd.Flags().Float64Var(&lambda1, "lambda1", 0.4, "Attacker adaptation rate λ1")
	cmd.Flags().Float64Var(&lambda2, "lambda2", 0.6, "Defender suppression rate λ2")
	cmd.Flags().Float64Var(&m0, "m0", 0.2, "Initial mutation rate m0 in [0,1]")
	cmd.Flags().Float64Var(&u, "U", 1.0, "OCTOREFLEX utility U in [0,1]")
	cmd.Flags().Int64Var(&seed, "seed", time.Now().UnixNano(), "Random seed (base seed when --runs > 1)")
	cmd.Flags().IntVar(&runs, "runs", 1, "Number of independent Monte Carlo runs (1 = single trace)")
	cmd.Flags().StringVar(&distFlag, "dist", "halfnormal", "Anomaly score distribution: halfnormal, pareto, or adversarial")
	cmd.Flags().Float64Var(&paretoAlpha, "pareto-alpha", 3.0, "Shape parameter when --dist=pareto")
	cmd.Flags().BoolVar(&csvOut, "csv", true, "Write the per-step CSV trace to stdout")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func writeCSV(f *os.File, steps []simulate.StepResult) {
	w := csv.NewWriter(f)
	_ = w.Write([]string{"step", "mutation_rate", "anomaly_score", "success_prob"})
	for _, r := range steps {
		_ = w.Write([]string{
			strconv.Itoa(r.Step),
			strconv.FormatFloat(r.MutationRate, 'f', 6, 64),
			strconv.FormatFloat(r.AnomalyScore, 'f', 6, 64),
			strconv.FormatFloat(r.SuccessProb, 'f', 6, 64),
		})
	}
	w.Flush()
}

func printSingleRunSummary(f *os.File, cfg simulate.Config, result simulate.RunResult) {
	fmt.Fprintf(f, "\n=== DOMINANCE CONDITION RESULT (single run, dist=%s) ===\n", cfg.Dist)
	fmt.Fprintf(f, "Initial mutation rate m0: %.4f\n", cfg.M0)
	fmt.Fprintf(f, "Final mutation rate m_T:  %.4f\n", result.FinalMutationRate)
	fmt.Fprintf(f, "Dominated (m_T < m0):     %v\n", result.Dominated)
	if result.Dominated {
		fmt.Fprintln(f, "RESULT: PASS — OCTOREFLEX dominates attacker on this run")
	} else {
		fmt.Fprintln(f, "RESULT: FAIL — dominance condition not satisfied on this run")
		fmt.Fprintln(f, "  Adjust λ2 (defender suppression rate) or U (utility), or rerun with --runs > 1 for a statistical verdict.")
	}
}

func printMonteCarloSummary(f *os.File, cfg simulate.Config, runs int, mc simulate.MonteCarloResult) {
	fmt.Fprintf(f, "\n=== DOMINANCE CONDITION RESULT (%d runs, dist=%s) ===\n", runs, cfg.Dist)
	fmt.Fprintf(f, "Initial mutation rate m0:       %.4f\n", cfg.M0)
	fmt.Fprintf(f, "P(m_T < m0) across all runs:    %.4f\n", mc.DominanceProbability)
	fmt.Fprintf(f, "Dominance condition (P > 0.95): %v\n", mc.PassedDominanceCondition)
	if mc.PassedDominanceCondition {
		fmt.Fprintln(f, "RESULT: PASS — OCTOREFLEX dominates attacker")
	} else {
		fmt.Fprintln(f, "RESULT: FAIL — dominance condition not satisfied")
		fmt.Fprintln(f, "  Adjust λ2 (defender suppression rate) or U (utility).")
	}
}
