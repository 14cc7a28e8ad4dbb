// Package governance provides Layer 0 constitutional kernel integration for OCTOREFLEX.
//
// This package bridges OCTOREFLEX's Tier 0 (kernel reflex) with Project-AI's
// Constitutional Kernel, ensuring all containment actions comply with
// Project-AI's foundational axioms.
//
// CONSTITUTIONAL AXIOMS (from Atlas Ω Layer 0):
// 1. Determinism > Interpretation — All escalations must be reproducible
// 2. Probability > Narrative — Decisions based on evidence, not assumptions
// 3. Evidence > Agency — Actions require audit trail
// 4. Isolation > Contamination — Containment must prevent lateral movement
// 5. Reproducibility > Authority — All decisions must be cryptographically verifiable
// 6. Bounded Inputs > Open Chaos — All parameters must be within bounds
// 7. Abort > Drift — Violations trigger immediate halt
//
// SCOPE: These axioms apply to OCTOREFLEX's autonomous containment decisions.
// They do NOT override Project-AI Triumvirate authority or baseline governance.

package governance

import (
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ViolationType represents constitutional constraint violations.
type ViolationType string

const (
	ViolationNonDeterministic   ViolationType = "non_deterministic_decision"
	ViolationUnboundedParameter ViolationType = "unbounded_parameter"
	ViolationNonMonotonicTime   ViolationType = "non_monotonic_time"
	ViolationMissingAudit       ViolationType = "missing_audit_trail"
	ViolationNaNInf             ViolationType = "nan_inf_detected"
	ViolationHashMismatch       ViolationType = "hash_mismatch"
	ViolationStateContamination ViolationType = "state_contamination"
)

// ConstitutionalViolation represents a violation of foundational constraints.
type ConstitutionalViolation struct {
	Type      ViolationType          `json:"type"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Context   map[string]interface{} `json:"context"`
}

func (v *ConstitutionalViolation) Error() string {
	return fmt.Sprintf("CONSTITUTIONAL VIOLATION [%s]: %s", v.Type, v.Message)
}

// ParameterBounds defines allowed ranges for OCTOREFLEX parameters.
type ParameterBounds struct {
	SeverityMin float64
	SeverityMax float64
	AnomalyMin  float64
	AnomalyMax  float64
	QuorumMin   float64
	QuorumMax   float64
	PressureMin float64
	PressureMax float64

	// State values must be in [0, 5] (NORMAL to TERMINATED)
	StateMin uint8
	StateMax uint8

	TimestampSkewTolerance time.Duration
}

// DefaultBounds returns production-grade parameter bounds.
func DefaultBounds() ParameterBounds {
	return ParameterBounds{
		SeverityMin:            0.0,
		SeverityMax:            10.0,
		AnomalyMin:             0.0,
		AnomalyMax:             1.0,
		QuorumMin:              0.0,
		QuorumMax:              1.0,
		PressureMin:            0.0,
		PressureMax:            1.0,
		StateMin:               0,
		StateMax:               5,
		TimestampSkewTolerance: 5 * time.Second,
	}
}

// ConstitutionalKernel enforces foundational constraints on all OCTOREFLEX actions.
type ConstitutionalKernel struct {
	mu                sync.RWMutex
	bounds            ParameterBounds
	lastTimestamp     time.Time
	lastDecisionHash  string
	violationCount    int64
	decisionsVerified int64
	logger            *zap.Logger
	strict            bool // If true, violations trigger panic (test mode only)
}

// NewConstitutionalKernel creates a new kernel with default bounds.
func NewConstitutionalKernel(logger *zap.Logger, strict bool) *ConstitutionalKernel {
	ck := &ConstitutionalKernel{
		bounds:        DefaultBounds(),
		lastTimestamp: time.Now(),
		logger:        logger,
		strict:        strict,
	}

	logger.Info("ConstitutionalKernel initialized",
		zap.Bool("strict_mode", strict),
		zap.Float64("severity_max", ck.bounds.SeverityMax),
		zap.Duration("time_skew_tolerance", ck.bounds.TimestampSkewTolerance),
	)

	return ck
}

// ValidateDecision enforces constitutional constraints on an escalation
// decision, collecting every violation found (via multierr) rather than
// stopping at the first, so a rejected decision's log line names
// everything wrong with it at once. On success, sets DecisionHash,
// ParentHash, and ConstitutionalOK on the record.
func (ck *ConstitutionalKernel) ValidateDecision(decision *DecisionRecord) error {
	ck.mu.Lock()
	defer ck.mu.Unlock()

	var errs error

	if err := ck.checkTimeMonotonicity(decision.Timestamp); err != nil {
		errs = multierr.Append(errs, err)
	}
	if err := ck.checkParameterBounds(decision); err != nil {
		errs = multierr.Append(errs, err)
	}
	if math.IsNaN(decision.Severity) || math.IsInf(decision.Severity, 0) {
		errs = multierr.Append(errs, &ConstitutionalViolation{
			Type:      ViolationNaNInf,
			Message:   fmt.Sprintf("severity is NaN or Inf: %f", decision.Severity),
			Timestamp: time.Now(),
			Context:   map[string]interface{}{"pid": decision.PID},
		})
	}
	if len(decision.Inputs) == 0 {
		errs = multierr.Append(errs, &ConstitutionalViolation{
			Type:      ViolationMissingAudit,
			Message:   "decision inputs not recorded",
			Timestamp: time.Now(),
			Context:   map[string]interface{}{"pid": decision.PID},
		})
	}

	if errs != nil {
		return ck.handleViolation(errs)
	}

	decisionHash, err := decision.canonicalHash()
	if err != nil {
		return fmt.Errorf("governance: compute decision hash: %w", err)
	}
	decision.DecisionHash = decisionHash
	decision.ParentHash = ck.lastDecisionHash
	ck.lastDecisionHash = decisionHash

	ck.lastTimestamp = decision.Timestamp
	ck.decisionsVerified++
	decision.ConstitutionalOK = true

	ck.logger.Debug("decision validated",
		zap.Uint32("pid", decision.PID),
		zap.Uint8("to_state", decision.ToState),
		zap.String("hash", decisionHash[:16]),
		zap.Int64("verified_count", ck.decisionsVerified),
	)

	return nil
}

// LastDecisionHash returns the tip of the constitutional hash chain, for
// callers (e.g. storage) that need to cross-check a persisted chain against
// the in-memory tip before an append (invariant D1/L1).
func (ck *ConstitutionalKernel) LastDecisionHash() string {
	ck.mu.RLock()
	defer ck.mu.RUnlock()
	return ck.lastDecisionHash
}

// SeedChain sets the in-memory chain tip to a previously persisted hash,
// used on startup to resume the chain after a restart rather than silently
// starting a new one rooted at "".
func (ck *ConstitutionalKernel) SeedChain(hash string) {
	ck.mu.Lock()
	defer ck.mu.Unlock()
	ck.lastDecisionHash = hash
}

func (ck *ConstitutionalKernel) checkTimeMonotonicity(ts time.Time) error {
	if ts.Before(ck.lastTimestamp) {
		return &ConstitutionalViolation{
			Type:      ViolationNonMonotonicTime,
			Message:   fmt.Sprintf("time went backwards: %v < %v", ts, ck.lastTimestamp),
			Timestamp: time.Now(),
			Context: map[string]interface{}{
				"current":  ts.Format(time.RFC3339Nano),
				"previous": ck.lastTimestamp.Format(time.RFC3339Nano),
			},
		}
	}

	skew := ts.Sub(ck.lastTimestamp)
	if skew > ck.bounds.TimestampSkewTolerance {
		ck.logger.Warn("large timestamp skew detected",
			zap.Duration("skew", skew),
			zap.Duration("tolerance", ck.bounds.TimestampSkewTolerance),
		)
	}

	return nil
}

// checkParameterBounds enforces Axiom 6, collecting every bound violation
// found (not just the first) via multierr.
func (ck *ConstitutionalKernel) checkParameterBounds(decision *DecisionRecord) error {
	var errs error

	// ±Inf severity is reported once, as NaN/Inf by ValidateDecision.
	if !math.IsInf(decision.Severity, 0) && (decision.Severity < ck.bounds.SeverityMin || decision.Severity > ck.bounds.SeverityMax) {
		errs = multierr.Append(errs, &ConstitutionalViolation{
			Type:      ViolationUnboundedParameter,
			Message:   fmt.Sprintf("severity %.2f outside bounds [%.2f, %.2f]", decision.Severity, ck.bounds.SeverityMin, ck.bounds.SeverityMax),
			Timestamp: time.Now(),
			Context: map[string]interface{}{
				"parameter": "severity", "value": decision.Severity,
				"min": ck.bounds.SeverityMin, "max": ck.bounds.SeverityMax,
			},
		})
	}

	if decision.ToState < ck.bounds.StateMin || decision.ToState > ck.bounds.StateMax {
		errs = multierr.Append(errs, &ConstitutionalViolation{
			Type:      ViolationUnboundedParameter,
			Message:   fmt.Sprintf("to_state %d outside bounds [%d, %d]", decision.ToState, ck.bounds.StateMin, ck.bounds.StateMax),
			Timestamp: time.Now(),
			Context: map[string]interface{}{
				"parameter": "to_state", "value": decision.ToState,
				"min": ck.bounds.StateMin, "max": ck.bounds.StateMax,
			},
		})
	}

	type boundedInput struct {
		key      string
		min, max float64
	}
	for _, bi := range []boundedInput{
		{"anomaly_score", ck.bounds.AnomalyMin, ck.bounds.AnomalyMax},
		{"quorum_signal", ck.bounds.QuorumMin, ck.bounds.QuorumMax},
		{"pressure_score", ck.bounds.PressureMin, ck.bounds.PressureMax},
	} {
		raw, ok := decision.Inputs[bi.key].(float64)
		if !ok {
			continue
		}
		if math.IsNaN(raw) || math.IsInf(raw, 0) {
			errs = multierr.Append(errs, &ConstitutionalViolation{
				Type:      ViolationNaNInf,
				Message:   fmt.Sprintf("%s is NaN or Inf: %f", bi.key, raw),
				Timestamp: time.Now(),
				Context:   map[string]interface{}{"pid": decision.PID, "parameter": bi.key},
			})
			continue
		}
		if raw < bi.min || raw > bi.max {
			errs = multierr.Append(errs, &ConstitutionalViolation{
				Type:      ViolationUnboundedParameter,
				Message:   fmt.Sprintf("%s %.2f outside bounds [%.2f, %.2f]", bi.key, raw, bi.min, bi.max),
				Timestamp: time.Now(),
				Context:   map[string]interface{}{"parameter": bi.key, "value": raw},
			})
		}
	}

	return errs
}

// handleViolation logs and counts a constitutional violation (possibly an
// aggregated multierr of several). In strict mode (testing), it panics.
func (ck *ConstitutionalKernel) handleViolation(err error) error {
	ck.violationCount++

	for _, single := range multierr.Errors(err) {
		violation, ok := single.(*ConstitutionalViolation)
		if !ok {
			violation = &ConstitutionalViolation{Type: ViolationType("unknown"), Message: single.Error(), Timestamp: time.Now()}
		}
		ck.logger.Error("CONSTITUTIONAL VIOLATION",
			zap.String("type", string(violation.Type)),
			zap.String("message", violation.Message),
			zap.Any("context", violation.Context),
			zap.Int64("total_violations", ck.violationCount),
		)
	}

	if ck.strict {
		panic(fmt.Sprintf("CONSTITUTIONAL VIOLATION IN STRICT MODE: %v", err))
	}

	return err
}

// Stats returns kernel statistics.
type Stats struct {
	DecisionsVerified int64  `json:"decisions_verified"`
	ViolationCount    int64  `json:"violation_count"`
	LastDecisionHash  string `json:"last_decision_hash"`
}

// GetStats returns current kernel statistics.
func (ck *ConstitutionalKernel) GetStats() Stats {
	ck.mu.RLock()
	defer ck.mu.RUnlock()

	return Stats{
		DecisionsVerified: ck.decisionsVerified,
		ViolationCount:    ck.violationCount,
		LastDecisionHash:  ck.lastDecisionHash,
	}
}
