// Package anomaly — entropy.go
//
// Shannon entropy computation for the OCTOREFLEX anomaly engine.
//
// Entropy is computed over the distribution of event types observed in a
// sliding window. A process with uniform event distribution has high entropy
// (normal behaviour). A process suddenly emitting only one event type
// (e.g., only socket_connect events) has low entropy — a strong anomaly
// signal for exfiltration or C2 beaconing.
//
// Formula:
//   H = -Σ p(eᵢ) * log₂(p(eᵢ))
//
// Bounds:
//   H = 0.0  when all events are the same type (minimum entropy).
//   H = log₂(k) when all k event types are equally probable (maximum entropy).

package anomaly

import "math"

// EventCounts holds the count of each event type in a window.
// Index 0 is unused (event types start at 1 per the kernel event header).
// Index 1 = socket_connect, 2 = file_open, 3 = setuid.
type EventCounts [4]uint64

// ShannonEntropy computes H = -Σ p(eᵢ) * log₂(p(eᵢ)) over the event counts.
//
// Returns 0.0 if the total count is zero (empty window) or only one event
// type is present (degenerate distribution). Result is in bits.
func ShannonEntropy(counts EventCounts) float64 {
	var total uint64
	for _, c := range counts {
		total += c
	}
	if total == 0 {
		return 0.0
	}

	fTotal := float64(total)
	var H float64
	for _, c := range counts {
		if c == 0 {
			continue // 0 * log(0) = 0 by convention.
		}
		p := float64(c) / fTotal
		H -= p * math.Log2(p)
	}
	return H
}

// MaxEntropy returns the maximum possible entropy for k non-zero event types.
func MaxEntropy(k int) float64 {
	if k <= 1 {
		return 0.0
	}
	return math.Log2(float64(k))
}

// NormalisedEntropy returns H / H_max, giving a value in [0.0, 1.0].
func NormalisedEntropy(counts EventCounts, numTypes int) float64 {
	hMax := MaxEntropy(numTypes)
	if hMax == 0.0 {
		return 0.0
	}
	return ShannonEntropy(counts) / hMax
}
