package governance

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// DecisionRecord is the single persisted/chained form of an escalation
// decision: it carries the constitutional hash chain (DecisionHash,
// ParentHash, ConstitutionalOK) that used to live only in the in-memory
// EscalationDecision, and the durable audit fields (BudgetRemaining,
// NodeID) that used to live only in storage.LedgerEntry. Every decision
// the escalation engine makes produces exactly one of these, which is
// validated here and then persisted as-is by internal/storage — there is
// no second, unchained copy.
type DecisionRecord struct {
	PID              uint32                 `json:"pid"`
	FromState        uint8                  `json:"from_state"`
	ToState          uint8                  `json:"to_state"`
	Severity         float64                `json:"severity"`
	Timestamp        time.Time              `json:"timestamp"`
	NodeID           string                 `json:"node_id"`
	Inputs           map[string]interface{} `json:"inputs"`
	BudgetRemaining  int                    `json:"budget_remaining"`
	DecisionHash     string                 `json:"decision_hash"`
	ParentHash       string                 `json:"parent_hash"`
	ConstitutionalOK bool                   `json:"constitutional_ok"`

	// IsDecay marks a record produced by the cool-down scheduler stepping a
	// PID back down, never by the escalation path (spec.md §4.7/§8).
	IsDecay bool `json:"is_decay,omitempty"`

	// ConstitutionalViolation marks a record the kernel refused to validate:
	// the decision never committed, but the rejection itself is ledgered
	// (spec.md §4.10/§7).
	ConstitutionalViolation bool `json:"constitutional_violation,omitempty"`

	// BudgetExhausted marks a record produced when the token bucket could not
	// cover the transition's cost; the escalation is deferred, not committed
	// (spec.md §4.6 step 5/§8).
	BudgetExhausted bool `json:"budget_exhausted,omitempty"`

	// OperatorReset marks a record produced by the operator "reset" override
	// (spec.md §4.13/§7). Operator carries the identity the spec requires as
	// a canonical input; the justification token's length (not the token
	// itself) travels in Inputs["justification_len"].
	OperatorReset bool   `json:"operator_reset,omitempty"`
	Operator      string `json:"operator,omitempty"`

	// ConstitutionalOK is left false on every record of the four kinds
	// above: none of them represents a kernel-validated committed
	// transition, so AppendOverride (not AppendLedger) is the only path
	// that will ever persist them.
}

// canonicalHash computes the deterministic SHA256 hash of the fields that
// define this decision (invariant D1). BudgetRemaining and the chain
// fields themselves are excluded: they are consequences of the decision,
// not inputs to it. The four decision-kind flags are included: they are
// part of what the decision *is*, not a side effect of it.
func (d *DecisionRecord) canonicalHash() (string, error) {
	canonical := map[string]interface{}{
		"pid":                      d.PID,
		"from_state":               d.FromState,
		"to_state":                 d.ToState,
		"severity":                 fmt.Sprintf("%.8f", d.Severity),
		"timestamp":                d.Timestamp.UnixNano(),
		"node_id":                  d.NodeID,
		"inputs":                   d.Inputs,
		"is_decay":                 d.IsDecay,
		"constitutional_violation": d.ConstitutionalViolation,
		"budget_exhausted":         d.BudgetExhausted,
		"operator_reset":           d.OperatorReset,
		"operator":                 d.Operator,
	}
	jsonBytes, err := json.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("governance.DecisionRecord.canonicalHash: marshal: %w", err)
	}
	hash := sha256.Sum256(jsonBytes)
	return hex.EncodeToString(hash[:]), nil
}

// Seal computes and assigns DecisionHash for a decision that never goes
// through ConstitutionalKernel.ValidateDecision — a decay, budget-exhausted,
// constitutional-violation or operator-reset record. ParentHash must already
// be set by the caller. ConstitutionalOK is left false: these records are
// ledgered precisely because nothing validated them.
func (d *DecisionRecord) Seal() error {
	hash, err := d.canonicalHash()
	if err != nil {
		return err
	}
	d.DecisionHash = hash
	return nil
}
