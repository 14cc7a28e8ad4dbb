// Package anomaly — baseline.go
//
// Per-PID streaming baseline (μ, Σ, n) over a fixed-dimensional feature
// vector, updated with Welford's online algorithm so the full sample
// history never needs to be retained.
//
// Invariant B1: when SampleCount < minSamples the baseline is not
// eligible to produce an anomaly score (Engine.Score returns 0).
//
// Complexity: O(n²) per update and O(n³) per inversion, where n is the
// feature dimension (n ≤ 16 for OCTOREFLEX's feature set). Update never
// inverts; inversion only runs when the caller asks for it, and the
// escalation engine does so after every Update.

package anomaly

import (
	"fmt"
	"math"
)

// Baseline holds the statistical parameters for a single process binary.
// Not safe for concurrent use — each Baseline is exclusively owned by the
// PID worker that updates it (spec ownership model).
type Baseline struct {
	// MeanVector is the per-feature running mean μ.
	MeanVector []float64

	// CovarianceMatrix is the n×n running sample covariance Σ.
	CovarianceMatrix [][]float64

	// InvCovariance is Σ⁻¹, nil if Σ is singular or not yet computed.
	InvCovariance [][]float64

	// BaselineEntropy is the Shannon entropy of the baseline event distribution.
	BaselineEntropy float64

	// SampleCount n is the number of samples folded into this baseline.
	SampleCount int

	// m2 is Welford's running sum of squared deviations, same shape as
	// CovarianceMatrix; CovarianceMatrix[i][j] = m2[i][j] / (n-1).
	m2 [][]float64
}

// NewBaseline allocates a zeroed baseline for the given feature dimension.
func NewBaseline(dim int) *Baseline {
	b := &Baseline{
		MeanVector:       make([]float64, dim),
		CovarianceMatrix: make([][]float64, dim),
		m2:               make([][]float64, dim),
	}
	for i := 0; i < dim; i++ {
		b.CovarianceMatrix[i] = make([]float64, dim)
		b.m2[i] = make([]float64, dim)
	}
	return b
}

// Update folds one new feature-vector sample into the baseline using
// Welford's online mean/covariance update, then updates BaselineEntropy
// towards the sample entropy with the same weighting, and invalidates the
// cached inverse (callers needing a fresh Σ⁻¹ call Invert explicitly —
// inversion is O(n³) and Update never runs it).
func (b *Baseline) Update(x []float64, sampleEntropy float64) error {
	n := len(b.MeanVector)
	if len(x) != n {
		return fmt.Errorf("anomaly.Baseline.Update: dimension mismatch: x has %d, baseline has %d", len(x), n)
	}

	b.SampleCount++
	count := float64(b.SampleCount)

	// Multivariate Welford update: delta uses the pre-update mean, delta2
	// uses the post-update mean; m2 accumulates sum((x_i-mean_i)(x_j-mean2_j)).
	delta := make([]float64, n)
	for i := 0; i < n; i++ {
		delta[i] = x[i] - b.MeanVector[i]
		b.MeanVector[i] += delta[i] / count
	}
	delta2 := make([]float64, n)
	for i := 0; i < n; i++ {
		delta2[i] = x[i] - b.MeanVector[i]
	}
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			b.m2[i][j] += delta[i] * delta2[j]
		}
	}

	if b.SampleCount > 1 {
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				b.CovarianceMatrix[i][j] = b.m2[i][j] / (count - 1)
			}
		}
	}

	b.BaselineEntropy += (sampleEntropy - b.BaselineEntropy) / count
	b.InvCovariance = nil
	return nil
}

// Invert (re)computes InvCovariance from CovarianceMatrix via Cholesky
// decomposition. Leaves InvCovariance nil (Euclidean fallback) if the
// matrix is singular or not positive-definite. Costs O(n³).
func (b *Baseline) Invert() {
	b.InvCovariance = InvertCovariance(b.CovarianceMatrix)
}

// InvertCovariance computes the inverse of a symmetric positive-definite
// matrix using Cholesky decomposition (LLᵀ = Σ). Returns nil if the
// matrix is singular or not positive-definite.
func InvertCovariance(cov [][]float64) [][]float64 {
	n := len(cov)
	if n == 0 {
		return nil
	}

	L := choleskyDecompose(cov)
	if L == nil {
		return nil
	}

	Linv := invertLowerTriangular(L)
	if Linv == nil {
		return nil
	}

	// Σ⁻¹ = (Lᵀ)⁻¹ L⁻¹ since Σ = L Lᵀ.
	inv := make([][]float64, n)
	for i := range inv {
		inv[i] = make([]float64, n)
		for j := 0; j < n; j++ {
			for k := 0; k < n; k++ {
				inv[i][j] += Linv[k][i] * Linv[k][j]
			}
		}
	}
	return inv
}

func choleskyDecompose(A [][]float64) [][]float64 {
	n := len(A)
	L := make([][]float64, n)
	for i := range L {
		L[i] = make([]float64, n)
	}

	for i := 0; i < n; i++ {
		for j := 0; j <= i; j++ {
			sum := A[i][j]
			for k := 0; k < j; k++ {
				sum -= L[i][k] * L[j][k]
			}
			if i == j {
				if sum <= 0 {
					return nil // Not positive-definite.
				}
				L[i][j] = math.Sqrt(sum)
			} else {
				if L[j][j] == 0 {
					return nil // Singular.
				}
				L[i][j] = sum / L[j][j]
			}
		}
	}
	return L
}

func invertLowerTriangular(L [][]float64) [][]float64 {
	n := len(L)
	inv := make([][]float64, n)
	for i := range inv {
		inv[i] = make([]float64, n)
	}

	for j := 0; j < n; j++ {
		if L[j][j] == 0 {
			return nil
		}
		inv[j][j] = 1.0 / L[j][j]
		for i := j + 1; i < n; i++ {
			var sum float64
			for k := j; k < i; k++ {
				sum -= L[i][k] * inv[k][j]
			}
			inv[i][j] = sum / L[i][i]
		}
	}
	return inv
}

// MergeBaseline folds a federated BaselineShare into the local baseline,
// weighting the remote contribution by at most trustWeight (spec §4.3,
// §4.9 invariant P3): w = min(trustWeight, nRemote/(nLocal+nRemote)).
// Local data always contributes at least (1 - trustWeight).
func (b *Baseline) MergeBaseline(remoteMean []float64, remoteCov [][]float64, remoteEntropy float64, nRemote int, trustWeight float64) error {
	n := len(b.MeanVector)
	if len(remoteMean) != n {
		return fmt.Errorf("anomaly.Baseline.MergeBaseline: dimension mismatch: remote has %d, local has %d", len(remoteMean), n)
	}
	if b.SampleCount == 0 {
		return fmt.Errorf("anomaly.Baseline.MergeBaseline: local baseline has no samples to merge into")
	}

	w := trustWeight
	denom := float64(b.SampleCount + nRemote)
	if denom > 0 {
		if frac := float64(nRemote) / denom; frac < w {
			w = frac
		}
	}
	if w < 0 {
		w = 0
	}

	for i := 0; i < n; i++ {
		b.MeanVector[i] = (1-w)*b.MeanVector[i] + w*remoteMean[i]
		for j := 0; j < n; j++ {
			if remoteCov != nil {
				b.CovarianceMatrix[i][j] = (1-w)*b.CovarianceMatrix[i][j] + w*remoteCov[i][j]
			}
		}
	}
	b.BaselineEntropy = (1-w)*b.BaselineEntropy + w*remoteEntropy
	b.InvCovariance = nil
	return nil
}
