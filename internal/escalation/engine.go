// Package escalation — engine.go
//
// Engine is the per-node orchestrator that turns a stream of kernel events
// into isolation-state transitions (spec.md §4.6). It is the seam where
// every other module meets: anomaly scoring feeds the pressure accumulator,
// the severity formula decides a target state, the budget manager paces
// how fast containment can escalate, the constitutional kernel vetoes any
// decision outside its bounds, the ledger durably commits the decision
// before anything observable happens, and only then do the BPF filter map,
// the userspace actuators, the camouflage engine and the T1 sink see the
// new state.
//
// Import-cycle note: budget, actuator and sink all import this package for
// escalation.State, so Engine cannot import them back. It depends on small
// local interfaces instead (Budget, Actuator, Sink below) and the concrete
// adapters are wired up in cmd/octoreflex/main.go. governance, gossip,
// anomaly, storage, bpf, observability and config import nothing from this
// package, so Engine uses their concrete types directly.
package escalation

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/octoreflex/octoreflex/internal/anomaly"
	"github.com/octoreflex/octoreflex/internal/bpf"
	"github.com/octoreflex/octoreflex/internal/config"
	"github.com/octoreflex/octoreflex/internal/gossip"
	"github.com/octoreflex/octoreflex/internal/governance"
)

// featureDim is the dimensionality of the per-PID feature vector handed to
// the anomaly engine: one decayed event-rate counter per non-zero
// bpf.EventType (socket_connect, file_open, setuid). anomaly.EventCounts[0] is
// reserved (no EventType is 0), so the vector is EventCounts[1:4].
const featureDim = 3

// countDecay is the per-event decay applied to the event-rate histogram
// before the new event is folded in, giving a short exponential window
// instead of an unbounded lifetime count.
const countDecay = 0.9

// FilterMap is the subset of *bpf.Objects the engine needs to push and
// clear kernel-visible process state. Satisfied directly by *bpf.Objects.
type FilterMap interface {
	SetProcessState(pid uint32, state bpf.OctoState) error
	DeleteProcessState(pid uint32) error
}

// Budget paces state transitions against the token bucket (spec.md §4.8).
// A concrete adapter over *budget.Bucket is wired in cmd/octoreflex, since
// the budget package imports escalation for CostModel keys and therefore
// cannot be imported back here.
type Budget interface {
	ConsumeForTransition(from, to State) (cost int, ok bool)
	Refund(cost int)
	Remaining() int
}

// Actuator applies the OS-level containment action for a target state. A
// concrete adapter over *actuator.Actuator is wired in cmd/octoreflex.
type Actuator interface {
	Apply(ctx context.Context, pid uint32, target State) error
}

// Sink publishes a committed decision to the T1 fire-and-forget downlink
// (spec.md §6). A concrete adapter over *sink.Publisher is wired in
// cmd/octoreflex.
type Sink interface {
	Publish(pid uint32, subject string, from, to State, severity, mutationRate float64, decisionHash, parentHash, nodeID string)
}

// Ledger is the durable, hash-chained audit trail. Satisfied directly by
// *storage.DB.
type Ledger interface {
	TipHash() string
	AppendLedger(rec governance.DecisionRecord) error

	// AppendOverride persists a decision the constitutional kernel never
	// validated (decay, budget-exhausted, constitutional-violation,
	// operator-reset). Satisfied directly by *storage.DB.
	AppendOverride(rec governance.DecisionRecord) error
}

// IntegrityChecker scores I_t, the externally-supplied integrity hint in
// [0,1] that spec.md §5.1.7 attributes to "the kernel filter layer"
// ({..., entropy_hint, integrity_hint, cpu}). The teacher's BPF object
// (internal/bpf.KernelEvent) only carries {pid, uid, event_type,
// timestamp_ns} — it predates that richer wire format — so this is a seam
// for a future kernel-side integrity producer (IMA measurement, binary
// signature verification) rather than something fabricated here. The
// zero-value checker keeps I_t at 0 and the severity formula degrades
// gracefully to S = w1*A + w2*Q + w4*P.
type IntegrityChecker interface {
	Score(pid uint32, subject string) float64
}

// ZeroIntegrityChecker is the default IntegrityChecker: always 0.
type ZeroIntegrityChecker struct{}

// Score implements IntegrityChecker.
func (ZeroIntegrityChecker) Score(uint32, string) float64 { return 0 }

// Config is everything the engine needs that isn't a wired dependency.
// FromAppConfig builds one from the on-disk config.Config.
type Config struct {
	NodeID     string
	Weights    Weights
	Thresholds Thresholds

	PressureAlpha    float64
	CooldownDuration time.Duration

	AdversarialFloorEnabled bool
	AMinFloor               float64

	// PI extension (spec.md §4.5): an optional anti-windup integral term
	// layered on top of the base severity formula, distinct from I_t
	// (IntegrityChecker above) despite the shared "I" letter. When enabled,
	// severity gains IntegralWeight * integral, where integral tracks a
	// clamped EWMA of the anomaly score per PID and resets to 0 whenever
	// that PID decays back to NORMAL.
	PIEnabled      bool
	IntegralAlpha  float64
	IntegralMax    float64
	IntegralWeight float64

	ControlLaw ControlLawParams

	// SeverityMax scales ComputeSeverity's output into AnomalySignalFromSeverity's
	// (0,1) sigmoid, both for the camouflage control law's A_t and for the
	// normalized anomaly_score/pressure_score fields persisted to the audit
	// ledger (see boundedSignal). Distinct from config.ControlLawConfig's
	// SigmoidGain, which AnomalySignalFromSeverity's fixed sigmoid does not use.
	SeverityMax float64
}

// FromAppConfig maps the on-disk config.Config onto an escalation.Config.
func FromAppConfig(c config.Config) Config {
	e := c.Escalation
	return Config{
		NodeID: c.NodeID,
		Weights: Weights{
			Anomaly:   e.WeightAnomaly,
			Quorum:    e.WeightQuorum,
			Integrity: e.WeightIntegrity,
			Pressure:  e.WeightPressure,
		},
		Thresholds: Thresholds{
			Pressure:    e.ThresholdPressure,
			Isolated:    e.ThresholdIsolated,
			Frozen:      e.ThresholdFrozen,
			Quarantined: e.ThresholdQuarantined,
			Terminated:  e.ThresholdTerminated,
		},
		PressureAlpha:           e.PressureAlpha,
		CooldownDuration:        e.CooldownDuration,
		AdversarialFloorEnabled: c.Anomaly.AdversarialFloorEnabled,
		AMinFloor:               c.Anomaly.AMinFloor,
		PIEnabled:               e.PIEnabled,
		IntegralAlpha:           e.IntegralAlpha,
		IntegralMax:             e.IntegralMax,
		IntegralWeight:          e.IntegralWeight,
		ControlLaw: ControlLawParams{
			Lambda1: e.ControlLaw.Lambda1,
			Lambda2: e.ControlLaw.Lambda2,
		},
		SeverityMax: e.ControlLaw.SeverityMax,
	}
}

// pidState bundles the per-PID mutable trackers the engine threads an
// event through. The state machine and accumulator already guard their own
// fields, so pidState's own mutex only protects the feature histogram, the
// PI integral and the cached mutation rate.
type pidState struct {
	mu           sync.Mutex
	state        *ProcessState
	pressure     *Accumulator
	baseline     *anomaly.Baseline
	counts       anomaly.EventCounts
	integral     float64
	mutationRate float64
	subject      string
}

func newPIDState(pid uint32, pressureAlpha float64, subject string) *pidState {
	return &pidState{
		state:    NewProcessState(pid),
		pressure: NewAccumulator(pressureAlpha),
		baseline: anomaly.NewBaseline(featureDim),
		subject:  subject,
	}
}

// observe decays the event-rate histogram, folds in evt, and returns the
// feature vector plus its Shannon entropy for anomaly scoring.
func (p *pidState) observe(et bpf.EventType) ([]float64, float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.counts {
		p.counts[i] = uint64(float64(p.counts[i]) * countDecay)
	}
	if int(et) < len(p.counts) {
		p.counts[et]++
	}

	x := make([]float64, featureDim)
	for i := 0; i < featureDim; i++ {
		x[i] = float64(p.counts[i+1])
	}
	return x, anomaly.ShannonEntropy(p.counts)
}

// updateIntegral advances the PI-extension accumulator and returns its
// current (clamped) value, or 0 if the extension is disabled.
func (p *pidState) updateIntegral(cfg Config, anomalyScore float64) float64 {
	if !cfg.PIEnabled {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.integral = p.integral*(1-cfg.IntegralAlpha) + cfg.IntegralAlpha*anomalyScore
	if p.integral > cfg.IntegralMax {
		p.integral = cfg.IntegralMax
	} else if p.integral < -cfg.IntegralMax {
		p.integral = -cfg.IntegralMax
	}
	return p.integral
}

// resetIntegral clears the PI accumulator; called on decay to NORMAL.
func (p *pidState) resetIntegral() {
	p.mu.Lock()
	p.integral = 0
	p.mu.Unlock()
}

// updateMutationRate advances the camouflage control law m_t for this PID
// and returns the new value (spec.md §4.11).
func (p *pidState) updateMutationRate(cfg Config, state State, severity float64) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	a := AnomalySignalFromSeverity(severity, cfg.SeverityMax)
	u := DefenderUtilityFromState(state)
	p.mutationRate = MutationRateFromControlLaw(p.mutationRate, a, u, cfg.ControlLaw)
	return p.mutationRate
}

// Stats is a point-in-time snapshot of engine activity. cmd/octoreflex
// adapts this into operator.AgentStats (escalation cannot import operator:
// operator imports escalation for State).
type Stats struct {
	EventsProcessed uint64
	EventsRejected  uint64
	TrackedPIDs     int
	BudgetRemaining int
}

// Engine is the per-node escalation orchestrator.
type Engine struct {
	cfg atomic.Pointer[Config]
	log *zap.Logger

	anomalyEngine *anomaly.Engine
	quorum        *gossip.Quorum
	kernel        *governance.ConstitutionalKernel
	camouflage    *CamouflageEngine
	integrity     IntegrityChecker

	budget    Budget
	ledger    Ledger
	filterMap FilterMap
	actuators Actuator
	sink      Sink

	mu        sync.Mutex
	processes map[uint32]*pidState

	eventsProcessed uint64
	eventsRejected  uint64
}

// NewEngine wires every module the orchestrator touches. quorum, kernel,
// camouflage, filterMap, actuators and sink may be nil; a nil dependency
// simply disables the corresponding step of HandleEvent. integrity may be
// nil, in which case ZeroIntegrityChecker is used.
func NewEngine(
	cfg Config,
	anomalyEngine *anomaly.Engine,
	quorum *gossip.Quorum,
	kernel *governance.ConstitutionalKernel,
	camouflage *CamouflageEngine,
	integrity IntegrityChecker,
	budget Budget,
	ledger Ledger,
	filterMap FilterMap,
	actuators Actuator,
	sink Sink,
	log *zap.Logger,
) *Engine {
	if integrity == nil {
		integrity = ZeroIntegrityChecker{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	e := &Engine{
		log:           log,
		anomalyEngine: anomalyEngine,
		quorum:        quorum,
		kernel:        kernel,
		camouflage:    camouflage,
		integrity:     integrity,
		budget:        budget,
		ledger:        ledger,
		filterMap:     filterMap,
		actuators:     actuators,
		sink:          sink,
		processes:     make(map[uint32]*pidState),
	}
	e.cfg.Store(&cfg)
	return e
}

// getCfg returns the engine's current config snapshot.
func (e *Engine) getCfg() Config {
	return *e.cfg.Load()
}

// UpdateConfig atomically swaps the engine's live config (weights,
// thresholds, and every other tunable in Config), for SIGHUP hot-reload
// (spec.md §4.14). Safe to call concurrently with HandleEvent/Decay: each
// call reads one consistent snapshot via getCfg, never a torn mix of old
// and new fields.
func (e *Engine) UpdateConfig(cfg Config) {
	e.cfg.Store(&cfg)
}

// SetCamouflage wires the camouflage engine after construction. This breaks
// the constructor cycle between Engine and CamouflageEngine: the
// camouflage engine needs Engine as its DecoyEventSink, but Engine needs a
// *CamouflageEngine to activate/deactivate camouflage actions. Callers must
// set this before HandleEvent is ever invoked — it is not safe to call
// concurrently with event processing.
func (e *Engine) SetCamouflage(c *CamouflageEngine) {
	e.camouflage = c
}

// stateFor returns the pidState for pid, creating one in NORMAL if this is
// the first event seen for it. subject identifies the process across the
// gossip quorum and the storage baseline key (typically the binary path,
// falling back to "pid:<n>" when unknown).
func (e *Engine) stateFor(pid uint32, subject string) *pidState {
	e.mu.Lock()
	defer e.mu.Unlock()
	ps, ok := e.processes[pid]
	if !ok {
		ps = newPIDState(pid, e.getCfg().PressureAlpha, subject)
		e.processes[pid] = ps
	}
	return ps
}

func subjectOrPID(subject string, pid uint32) string {
	if subject != "" {
		return subject
	}
	return fmt.Sprintf("pid:%d", pid)
}

// HandleEvent runs a single kernel event through the full escalation
// pipeline (spec.md §4.6):
//
//  1. fold the event into the PID's feature histogram and score it
//  2. update the EWMA pressure accumulator and the PI integral
//  3. compute the composite severity S and its target state
//  4. no-op if the target does not exceed the current state
//  5. no-op if the PID is operator-pinned
//  6. consult the budget for the cost of the jump, beyond PRESSURE only;
//     on exhaustion, ledger a BudgetExhausted decision and defer
//  7. build and constitutionally validate the DecisionRecord; on
//     rejection, refund the budget and ledger a ConstitutionalViolation
//  8. durably append the validated decision to the ledger (refunding
//     budget on any failure)
//  9. commit the in-memory state transition
//  10. push the new state into the BPF filter map
//  11. invoke the actuator and, if the camouflage engine is wired, advance
//     its control law and activate/refresh decoys
//  12. publish the decision to the T1 sink, fire-and-forget
//
// Returns the committed DecisionRecord, or (nil, nil) if no transition was
// warranted, or (nil, err) if a constitutional or durability failure
// stopped the transition before anything observable happened.
func (e *Engine) HandleEvent(ctx context.Context, evt bpf.KernelEvent, subject string) (*governance.DecisionRecord, error) {
	atomic.AddUint64(&e.eventsProcessed, 1)
	subject = subjectOrPID(subject, evt.PID)
	ps := e.stateFor(evt.PID, subject)
	// stateFor only uses subject to seed a newly created pidState; once a PID
	// is tracked its subject is fixed, so later calls (in particular the
	// decoy replay in Emit, which always passes "") stay keyed consistently
	// for the gossip quorum and storage baseline.
	subject = ps.subject
	cfg := e.getCfg()

	x, sampleEntropy := ps.observe(evt.EventType)

	var anomalyScore float64
	if e.anomalyEngine != nil {
		var err error
		anomalyScore, err = e.anomalyEngine.Score(x, ps.baseline, sampleEntropy)
		if err != nil {
			atomic.AddUint64(&e.eventsRejected, 1)
			return nil, fmt.Errorf("escalation: anomaly score pid=%d: %w", evt.PID, err)
		}
		if cfg.AdversarialFloorEnabled && anomalyScore < cfg.AMinFloor {
			anomalyScore = cfg.AMinFloor
		}
	}
	if err := ps.baseline.Update(x, sampleEntropy); err == nil {
		ps.baseline.Invert()
	}

	pressure := ps.pressure.Update(anomalyScore)
	ps.state.UpdatePressure(pressure)
	ps.state.TouchEvent(time.Now())

	var quorumSignal float64
	if e.quorum != nil {
		e.quorum.Record(subject, cfg.NodeID, anomalyScore)
		quorumSignal = e.quorum.Signal(subject)
	}

	integrityScore := e.integrity.Score(evt.PID, subject)
	integral := ps.updateIntegral(cfg, anomalyScore)

	severity := ComputeSeverity(Inputs{
		AnomalyScore:   anomalyScore,
		QuorumSignal:   quorumSignal,
		IntegrityScore: integrityScore,
		PressureScore:  pressure,
	}, cfg.Weights)
	if cfg.PIEnabled {
		severity += cfg.IntegralWeight * integral
	}

	target := TargetState(severity, cfg.Thresholds)
	current := ps.state.Current()
	if target <= current {
		return nil, nil
	}
	if ps.state.Pinned() {
		e.log.Debug("escalation: transition suppressed, pid is pinned",
			zap.Uint32("pid", evt.PID), zap.String("target", target.String()))
		return nil, nil
	}

	inputs := map[string]interface{}{
		"anomaly_score":   boundedSignal(anomalyScore, cfg.SeverityMax),
		"quorum_signal":   quorumSignal,
		"integrity_score": integrityScore,
		"pressure_score":  boundedSignal(pressure, cfg.SeverityMax),
	}

	// Budget is only consulted beyond PRESSURE (invariant G1, spec.md §4.6
	// step 5: "if c > PRESSURE cost, attempt to consume"). CostModel is
	// strictly increasing and additive, so any target beyond PRESSURE
	// always costs more than PRESSURE's own cost — a brand-new PID's first
	// PRESSURE escalation never touches the bucket.
	cost := 0
	budgetRemaining := 0
	if e.budget != nil {
		budgetRemaining = e.budget.Remaining()
	}
	if target > StatePressure && e.budget != nil {
		var ok bool
		cost, ok = e.budget.ConsumeForTransition(current, target)
		if !ok {
			atomic.AddUint64(&e.eventsRejected, 1)
			e.log.Warn("escalation: budget exhausted, deferring transition",
				zap.Uint32("pid", evt.PID), zap.String("target", target.String()))
			e.recordBudgetExhausted(evt.PID, current, target, severity, cfg, inputs)
			return nil, nil
		}
		budgetRemaining = e.budget.Remaining()
	}

	rec := &governance.DecisionRecord{
		PID:             evt.PID,
		FromState:       uint8(current),
		ToState:         uint8(target),
		Severity:        severity,
		Timestamp:       time.Now().UTC(),
		NodeID:          cfg.NodeID,
		Inputs:          inputs,
		BudgetRemaining: budgetRemaining,
	}
	if e.ledger != nil {
		rec.ParentHash = e.ledger.TipHash()
	}

	if e.kernel != nil {
		if err := e.kernel.ValidateDecision(rec); err != nil {
			if e.budget != nil {
				e.budget.Refund(cost)
			}
			atomic.AddUint64(&e.eventsRejected, 1)
			e.recordConstitutionalViolation(rec)
			return nil, fmt.Errorf("escalation: constitutional validation rejected pid=%d: %w", evt.PID, err)
		}
	}

	if e.ledger != nil {
		if err := e.ledger.AppendLedger(*rec); err != nil {
			if e.budget != nil {
				e.budget.Refund(cost)
			}
			atomic.AddUint64(&e.eventsRejected, 1)
			e.log.Error("escalation: ledger append failed, budget refunded",
				zap.Uint32("pid", evt.PID), zap.Error(err))
			return nil, fmt.Errorf("escalation: ledger append pid=%d: %w", evt.PID, err)
		}
	}

	newState, _ := ps.state.Escalate(target)

	if e.filterMap != nil {
		if err := e.filterMap.SetProcessState(evt.PID, bpf.OctoState(newState)); err != nil {
			e.log.Error("escalation: filter map update failed",
				zap.Uint32("pid", evt.PID), zap.Error(err))
		}
	}

	if e.actuators != nil {
		if err := e.actuators.Apply(ctx, evt.PID, newState); err != nil {
			e.log.Warn("escalation: actuator failed, state transition stands",
				zap.Uint32("pid", evt.PID), zap.String("state", newState.String()), zap.Error(err))
		}
	}

	var mt float64
	if e.camouflage != nil {
		mt = ps.updateMutationRate(cfg, newState, severity)
		e.camouflage.Activate(evt.PID, newState, severity, mt)
	}

	if e.sink != nil {
		e.sink.Publish(evt.PID, subject, current, newState, severity, mt, rec.DecisionHash, rec.ParentHash, cfg.NodeID)
	}

	return rec, nil
}

// recordBudgetExhausted ledgers the deferred transition a drained bucket
// blocked (spec.md §4.6 step 5, §8 Scenario 2), rather than letting the
// defer vanish with no audit trail. Never validated by the constitutional
// kernel, so it is sealed and appended directly.
func (e *Engine) recordBudgetExhausted(pid uint32, from, to State, severity float64, cfg Config, inputs map[string]interface{}) {
	if e.ledger == nil {
		return
	}
	rec := &governance.DecisionRecord{
		PID:             pid,
		FromState:       uint8(from),
		ToState:         uint8(to),
		Severity:        severity,
		Timestamp:       time.Now().UTC(),
		NodeID:          cfg.NodeID,
		Inputs:          inputs,
		BudgetRemaining: e.budget.Remaining(),
		BudgetExhausted: true,
		ParentHash:      e.ledger.TipHash(),
	}
	if err := rec.Seal(); err != nil {
		e.log.Error("escalation: budget-exhausted decision seal failed", zap.Uint32("pid", pid), zap.Error(err))
		return
	}
	if err := e.ledger.AppendOverride(*rec); err != nil {
		e.log.Error("escalation: budget-exhausted ledger append failed", zap.Uint32("pid", pid), zap.Error(err))
	}
}

// recordConstitutionalViolation ledgers a decision the kernel refused to
// validate (spec.md §4.10, §7: "recorded as a dedicated ledger entry").
// rec.ParentHash is already set by the caller, from before validation was
// attempted; nothing else has appended to the chain since.
func (e *Engine) recordConstitutionalViolation(rec *governance.DecisionRecord) {
	if e.ledger == nil {
		return
	}
	rec.ConstitutionalViolation = true
	rec.ConstitutionalOK = false
	if err := rec.Seal(); err != nil {
		e.log.Error("escalation: violation decision seal failed", zap.Uint32("pid", rec.PID), zap.Error(err))
		return
	}
	if err := e.ledger.AppendOverride(*rec); err != nil {
		e.log.Error("escalation: violation ledger append failed", zap.Uint32("pid", rec.PID), zap.Error(err))
	}
}

// boundedSignal squashes an unbounded non-negative signal into [0,1] via
// the same sigmoid the camouflage control law uses, so the audit record
// satisfies the constitutional kernel's [0,1] bound on anomaly_score and
// pressure_score (severity.go documents both as [0, inf)). scale is the
// value considered "saturating"; ComputeSeverity itself still uses the raw
// signal, only the persisted audit field is normalized.
func boundedSignal(raw, scale float64) float64 {
	if scale <= 0 {
		scale = 1
	}
	return AnomalySignalFromSeverity(raw, scale)
}

// Emit implements DecoyEventSink: a connection to a camouflage decoy is
// itself a strong anomaly signal, so it is folded back into the owning
// PID's pipeline as a synthetic socket-connect event rather than only
// being logged. Per the DecoyEventSink contract this must not block.
func (e *Engine) Emit(evt DecoyEvent) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		synthetic := bpf.KernelEvent{
			PID:         evt.PID,
			EventType:   bpf.EventSocketConnect,
			TimestampNS: evt.Timestamp.UnixNano(),
		}
		if _, err := e.HandleEvent(ctx, synthetic, ""); err != nil {
			e.log.Warn("escalation: decoy-triggered re-evaluation failed",
				zap.Uint32("pid", evt.PID), zap.Error(err))
		}
	}()
}

// Decay advances the cool-down scheduler for a single PID (spec.md §4.7):
// userspace-only, decay-only, never invoked from event processing.
// TERMINATED never decays and a pinned PID is left untouched. Returns the
// resulting state and whether a transition actually happened.
func (e *Engine) Decay(pid uint32) (State, bool) {
	e.mu.Lock()
	ps, ok := e.processes[pid]
	e.mu.Unlock()
	if !ok {
		return StateNormal, false
	}
	if ps.state.Pinned() {
		return ps.state.Current(), false
	}

	current := ps.state.Current()
	newState, changed := ps.state.Decay()
	if !changed {
		return newState, false
	}

	e.recordDecay(pid, current, newState)

	if e.filterMap != nil {
		var err error
		if newState == StateNormal {
			err = e.filterMap.DeleteProcessState(pid)
		} else {
			err = e.filterMap.SetProcessState(pid, bpf.OctoState(newState))
		}
		if err != nil {
			e.log.Error("escalation: filter map update failed during decay",
				zap.Uint32("pid", pid), zap.Error(err))
		}
	}

	if newState == StateNormal {
		ps.pressure.Reset()
		ps.resetIntegral()
		if e.camouflage != nil {
			e.camouflage.Deactivate(pid)
		}
	}

	e.log.Info("escalation: decay", zap.Uint32("pid", pid), zap.String("state", newState.String()))
	return newState, true
}

// recordDecay ledgers a cool-down step-down (spec.md §4.6 Decay, invariant
// L1, §8 is_decay=true) before the new state is allowed to touch the BPF
// filter map. Never validated by the constitutional kernel, so it is sealed
// and appended directly.
func (e *Engine) recordDecay(pid uint32, from, to State) {
	if e.ledger == nil {
		return
	}
	rec := &governance.DecisionRecord{
		PID:        pid,
		FromState:  uint8(from),
		ToState:    uint8(to),
		Timestamp:  time.Now().UTC(),
		NodeID:     e.getCfg().NodeID,
		Inputs:     map[string]interface{}{"reason": "cooldown_quiescence"},
		IsDecay:    true,
		ParentHash: e.ledger.TipHash(),
	}
	if err := rec.Seal(); err != nil {
		e.log.Error("escalation: decay decision seal failed", zap.Uint32("pid", pid), zap.Error(err))
		return
	}
	if err := e.ledger.AppendOverride(*rec); err != nil {
		e.log.Error("escalation: decay ledger append failed", zap.Uint32("pid", pid), zap.Error(err))
	}
}

// RunCooldown periodically decays every tracked PID that has been quiescent
// for at least CooldownDuration. It runs until ctx is cancelled.
func (e *Engine) RunCooldown(ctx context.Context, tick time.Duration) {
	if tick <= 0 {
		tick = 10 * time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweepCooldown()
		}
	}
}

func (e *Engine) sweepCooldown() {
	e.mu.Lock()
	pids := make([]uint32, 0, len(e.processes))
	for pid := range e.processes {
		pids = append(pids, pid)
	}
	e.mu.Unlock()

	for _, pid := range pids {
		e.mu.Lock()
		ps, ok := e.processes[pid]
		e.mu.Unlock()
		if !ok {
			continue
		}
		current := ps.state.Current()
		if current == StateNormal || current == StateTerminated || ps.state.Pinned() {
			continue
		}
		if time.Since(ps.state.LastEventAt()) >= e.getCfg().CooldownDuration {
			e.Decay(pid)
		}
	}
}

// Pin forces pid into state and forbids further automated transitions
// until Unpin is called (operator interface, spec.md §7). Returns the
// state pid was in before pinning.
func (e *Engine) Pin(pid uint32, state State) State {
	ps := e.stateFor(pid, "")
	prev := ps.state.Pin(state)
	if e.filterMap != nil {
		if err := e.filterMap.SetProcessState(pid, bpf.OctoState(state)); err != nil {
			e.log.Error("escalation: filter map update failed during pin",
				zap.Uint32("pid", pid), zap.Error(err))
		}
	}
	return prev
}

// Unpin releases a PID back to automated escalation/decay.
func (e *Engine) Unpin(pid uint32) {
	e.mu.Lock()
	ps, ok := e.processes[pid]
	e.mu.Unlock()
	if ok {
		ps.state.Unpin()
	}
}

// GetState returns the current state of a tracked PID.
func (e *Engine) GetState(pid uint32) (State, bool) {
	e.mu.Lock()
	ps, ok := e.processes[pid]
	e.mu.Unlock()
	if !ok {
		return StateNormal, false
	}
	return ps.state.Current(), true
}

// IsPinned reports whether pid is currently operator-pinned.
func (e *Engine) IsPinned(pid uint32) bool {
	e.mu.Lock()
	ps, ok := e.processes[pid]
	e.mu.Unlock()
	return ok && ps.state.Pinned()
}

// ResetState forces pid back to NORMAL and clears its pressure accumulator
// and PI integral, for the operator "reset" command (spec.md §7, §4.13).
// Returns the state pid was in before the reset. A pin is left in place —
// reset does not imply unpin. operator identifies who issued the override
// and justification is the raw justification token; only its length is
// recorded in the ledger (spec.md §4.13: "canonical inputs record the
// operator identity and justification token length").
func (e *Engine) ResetState(pid uint32, operator, justification string) State {
	ps := e.stateFor(pid, "")
	prev := ps.state.Current()
	ps.state.ForceState(StateNormal)
	ps.pressure.Reset()
	ps.resetIntegral()

	e.recordOperatorReset(pid, prev, operator, justification)

	if e.filterMap != nil {
		if err := e.filterMap.DeleteProcessState(pid); err != nil {
			e.log.Error("escalation: filter map clear failed during reset",
				zap.Uint32("pid", pid), zap.Error(err))
		}
	}
	return prev
}

// recordOperatorReset ledgers the explicit override decision spec.md §4.13
// requires every operator reset to issue, before the filter map is cleared.
func (e *Engine) recordOperatorReset(pid uint32, prev State, operator, justification string) {
	if e.ledger == nil {
		return
	}
	rec := &governance.DecisionRecord{
		PID:       pid,
		FromState: uint8(prev),
		ToState:   uint8(StateNormal),
		Timestamp: time.Now().UTC(),
		NodeID:    e.getCfg().NodeID,
		Inputs: map[string]interface{}{
			"justification_len": len(justification),
		},
		OperatorReset: true,
		Operator:      operator,
		ParentHash:    e.ledger.TipHash(),
	}
	if err := rec.Seal(); err != nil {
		e.log.Error("escalation: operator-reset decision seal failed", zap.Uint32("pid", pid), zap.Error(err))
		return
	}
	if err := e.ledger.AppendOverride(*rec); err != nil {
		e.log.Error("escalation: operator-reset ledger append failed", zap.Uint32("pid", pid), zap.Error(err))
	}
}

// PressureScore returns the current EWMA pressure for a tracked PID, 0 if
// the PID is not tracked.
func (e *Engine) PressureScore(pid uint32) float64 {
	e.mu.Lock()
	ps, ok := e.processes[pid]
	e.mu.Unlock()
	if !ok {
		return 0
	}
	return ps.pressure.Value()
}

// ListAll returns a snapshot of every tracked PID's state, pin status and
// pressure, for the operator "list" command.
func (e *Engine) ListAll() []ProcessSnapshot {
	e.mu.Lock()
	pids := make([]*pidState, 0, len(e.processes))
	for _, ps := range e.processes {
		pids = append(pids, ps)
	}
	e.mu.Unlock()

	out := make([]ProcessSnapshot, 0, len(pids))
	for _, ps := range pids {
		out = append(out, ProcessSnapshot{
			PID:      ps.state.PID(),
			State:    ps.state.Current(),
			Pinned:   ps.state.Pinned(),
			Pressure: ps.pressure.Value(),
		})
	}
	return out
}

// ProcessSnapshot is a point-in-time view of one tracked PID, shaped to
// adapt directly into operator.PIDStatus in cmd/octoreflex (escalation
// cannot import operator: operator imports escalation for State).
type ProcessSnapshot struct {
	PID      uint32
	State    State
	Pinned   bool
	Pressure float64
}

// Stats returns a point-in-time activity snapshot.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	tracked := len(e.processes)
	e.mu.Unlock()
	remaining := 0
	if e.budget != nil {
		remaining = e.budget.Remaining()
	}
	return Stats{
		EventsProcessed: atomic.LoadUint64(&e.eventsProcessed),
		EventsRejected:  atomic.LoadUint64(&e.eventsRejected),
		TrackedPIDs:     tracked,
		BudgetRemaining: remaining,
	}
}
