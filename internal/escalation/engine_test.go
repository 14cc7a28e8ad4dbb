package escalation_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/octoreflex/octoreflex/internal/anomaly"
	"github.com/octoreflex/octoreflex/internal/bpf"
	"github.com/octoreflex/octoreflex/internal/escalation"
	"github.com/octoreflex/octoreflex/internal/governance"
)

// fakeIntegrity lets tests drive I_t deterministically without depending on
// the Mahalanobis anomaly engine's own convergence.
type fakeIntegrity struct{ score float64 }

func (f fakeIntegrity) Score(uint32, string) float64 { return f.score }

type fakeBudget struct {
	mu       sync.Mutex
	allow    bool
	cost     int
	consumed int
	refunded int
	remain   int
}

func (b *fakeBudget) ConsumeForTransition(from, to escalation.State) (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.allow {
		return b.cost, false
	}
	b.consumed += b.cost
	b.remain -= b.cost
	return b.cost, true
}

func (b *fakeBudget) Refund(cost int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refunded += cost
	b.remain += cost
}

func (b *fakeBudget) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remain
}

type fakeLedger struct {
	mu       sync.Mutex
	tip      string
	appended []governance.DecisionRecord
}

func (l *fakeLedger) TipHash() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tip
}

func (l *fakeLedger) AppendLedger(rec governance.DecisionRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.appended = append(l.appended, rec)
	l.tip = rec.DecisionHash
	return nil
}

func (l *fakeLedger) AppendOverride(rec governance.DecisionRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.appended = append(l.appended, rec)
	l.tip = rec.DecisionHash
	return nil
}

type fakeFilterMap struct {
	mu      sync.Mutex
	set     map[uint32]bpf.OctoState
	deleted []uint32
}

func newFakeFilterMap() *fakeFilterMap {
	return &fakeFilterMap{set: make(map[uint32]bpf.OctoState)}
}

func (f *fakeFilterMap) SetProcessState(pid uint32, state bpf.OctoState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.set[pid] = state
	return nil
}

func (f *fakeFilterMap) DeleteProcessState(pid uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.set, pid)
	f.deleted = append(f.deleted, pid)
	return nil
}

type fakeActuator struct {
	mu    sync.Mutex
	calls []escalation.State
}

func (a *fakeActuator) Apply(_ context.Context, _ uint32, target escalation.State) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, target)
	return nil
}

type fakeSink struct {
	mu    sync.Mutex
	calls int
}

func (s *fakeSink) Publish(pid uint32, subject string, from, to escalation.State, severity, mt float64, decisionHash, parentHash, nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
}

func testConfig() escalation.Config {
	return escalation.Config{
		NodeID:           "test-node",
		Weights:          escalation.DefaultWeights(),
		Thresholds:       escalation.DefaultThresholds(),
		PressureAlpha:    0.7,
		CooldownDuration: time.Minute,
		SeverityMax:      20,
	}
}

func newTestEngine(t *testing.T, integrity escalation.IntegrityChecker, budget *fakeBudget, ledger *fakeLedger, fm *fakeFilterMap, act *fakeActuator, sink *fakeSink) *escalation.Engine {
	t.Helper()
	anomalyEngine := anomaly.NewEngine(0.3, 0)
	kernel := governance.NewConstitutionalKernel(zap.NewNop(), false)
	return escalation.NewEngine(testConfig(), anomalyEngine, nil, kernel, nil, integrity, budget, ledger, fm, act, sink, zap.NewNop())
}

func TestHandleEvent_BelowThreshold_NoTransition(t *testing.T) {
	budget := &fakeBudget{allow: true, cost: 1, remain: 100}
	ledger := &fakeLedger{}
	fm := newFakeFilterMap()
	act := &fakeActuator{}
	sink := &fakeSink{}
	eng := newTestEngine(t, fakeIntegrity{score: 0}, budget, ledger, fm, act, sink)

	rec, err := eng.HandleEvent(context.Background(), bpf.KernelEvent{PID: 100, EventType: bpf.EventFileOpen}, "")
	require.NoError(t, err)
	assert.Nil(t, rec)

	state, ok := eng.GetState(100)
	require.True(t, ok)
	assert.Equal(t, escalation.StateNormal, state)
	assert.Empty(t, ledger.appended)
	assert.Equal(t, 0, sink.calls)
}

func TestHandleEvent_EscalatesCommitsAndPublishes(t *testing.T) {
	budget := &fakeBudget{allow: true, cost: 5, remain: 100}
	ledger := &fakeLedger{}
	fm := newFakeFilterMap()
	act := &fakeActuator{}
	sink := &fakeSink{}

	cfg := testConfig()
	cfg.Weights = escalation.Weights{Integrity: 5}
	anomalyEngine := anomaly.NewEngine(0.3, 0)
	kernel := governance.NewConstitutionalKernel(zap.NewNop(), false)
	eng := escalation.NewEngine(cfg, anomalyEngine, nil, kernel, nil, fakeIntegrity{score: 1}, budget, ledger, fm, act, sink, zap.NewNop())

	rec, err := eng.HandleEvent(context.Background(), bpf.KernelEvent{PID: 200, EventType: bpf.EventSocketConnect}, "binary:attacker")
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.Equal(t, uint8(escalation.StateIsolated), rec.ToState)
	assert.True(t, rec.ConstitutionalOK)
	assert.NotEmpty(t, rec.DecisionHash)
	assert.Len(t, ledger.appended, 1)
	assert.Equal(t, 95, budget.Remaining())

	state, ok := eng.GetState(200)
	require.True(t, ok)
	assert.Equal(t, escalation.StateIsolated, state)

	assert.Equal(t, bpf.OctoState(escalation.StateIsolated), fm.set[200])
	assert.Len(t, act.calls, 1)
	assert.Equal(t, 1, sink.calls)
}

func TestHandleEvent_BudgetExhausted_Defers(t *testing.T) {
	budget := &fakeBudget{allow: false, cost: 5}
	ledger := &fakeLedger{}
	fm := newFakeFilterMap()
	act := &fakeActuator{}
	sink := &fakeSink{}

	cfg := testConfig()
	cfg.Weights = escalation.Weights{Integrity: 5}
	anomalyEngine := anomaly.NewEngine(0.3, 0)
	kernel := governance.NewConstitutionalKernel(zap.NewNop(), false)
	eng := escalation.NewEngine(cfg, anomalyEngine, nil, kernel, nil, fakeIntegrity{score: 1}, budget, ledger, fm, act, sink, zap.NewNop())

	rec, err := eng.HandleEvent(context.Background(), bpf.KernelEvent{PID: 300, EventType: bpf.EventSocketConnect}, "")
	require.NoError(t, err)
	assert.Nil(t, rec)

	require.Len(t, ledger.appended, 1)
	entry := ledger.appended[0]
	assert.True(t, entry.BudgetExhausted)
	assert.Equal(t, uint32(300), entry.PID)
	assert.Equal(t, uint8(escalation.StateIsolated), entry.ToState)
	assert.NotEmpty(t, entry.DecisionHash)

	state, ok := eng.GetState(300)
	require.True(t, ok)
	assert.Equal(t, escalation.StateNormal, state)
}

func TestHandleEvent_PinnedSuppressesAutomaticTransition(t *testing.T) {
	budget := &fakeBudget{allow: true, cost: 5, remain: 100}
	ledger := &fakeLedger{}
	fm := newFakeFilterMap()
	act := &fakeActuator{}
	sink := &fakeSink{}

	cfg := testConfig()
	cfg.Weights = escalation.Weights{Integrity: 100}
	anomalyEngine := anomaly.NewEngine(0.3, 0)
	kernel := governance.NewConstitutionalKernel(zap.NewNop(), false)
	// Severity 10 targets a state above the pinned ISOLATED, so only the pin
	// can stop the transition.
	eng := escalation.NewEngine(cfg, anomalyEngine, nil, kernel, nil, fakeIntegrity{score: 0.1}, budget, ledger, fm, act, sink, zap.NewNop())

	eng.Pin(400, escalation.StateIsolated)
	require.True(t, eng.IsPinned(400))

	rec, err := eng.HandleEvent(context.Background(), bpf.KernelEvent{PID: 400, EventType: bpf.EventSocketConnect}, "")
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.Empty(t, ledger.appended)

	state, ok := eng.GetState(400)
	require.True(t, ok)
	assert.Equal(t, escalation.StateIsolated, state)
}

func TestHandleEvent_ConstitutionalRejection_RefundsBudget(t *testing.T) {
	budget := &fakeBudget{allow: true, cost: 5, remain: 100}
	ledger := &fakeLedger{}
	fm := newFakeFilterMap()
	act := &fakeActuator{}
	sink := &fakeSink{}

	cfg := testConfig()
	cfg.Weights = escalation.Weights{Integrity: 20} // severity 20 > governance.DefaultBounds().SeverityMax (10)
	anomalyEngine := anomaly.NewEngine(0.3, 0)
	kernel := governance.NewConstitutionalKernel(zap.NewNop(), false)
	eng := escalation.NewEngine(cfg, anomalyEngine, nil, kernel, nil, fakeIntegrity{score: 1}, budget, ledger, fm, act, sink, zap.NewNop())

	rec, err := eng.HandleEvent(context.Background(), bpf.KernelEvent{PID: 500, EventType: bpf.EventSocketConnect}, "")
	assert.Error(t, err)
	assert.Nil(t, rec)

	require.Len(t, ledger.appended, 1)
	entry := ledger.appended[0]
	assert.True(t, entry.ConstitutionalViolation)
	assert.False(t, entry.ConstitutionalOK)
	assert.Equal(t, uint32(500), entry.PID)
	assert.NotEmpty(t, entry.DecisionHash)

	assert.Equal(t, 5, budget.refunded)
	assert.Equal(t, 100, budget.Remaining())

	state, ok := eng.GetState(500)
	require.True(t, ok)
	assert.Equal(t, escalation.StateNormal, state, "rejected decisions must not commit a state transition")
}

func TestDecay_StepsDownOneLevelAndClearsFilterMapAtNormal(t *testing.T) {
	budget := &fakeBudget{allow: true, remain: 100}
	ledger := &fakeLedger{}
	fm := newFakeFilterMap()
	act := &fakeActuator{}
	sink := &fakeSink{}
	eng := newTestEngine(t, fakeIntegrity{score: 0}, budget, ledger, fm, act, sink)

	eng.Pin(600, escalation.StateIsolated)
	eng.Unpin(600)

	state, changed := eng.Decay(600)
	assert.True(t, changed)
	assert.Equal(t, escalation.StatePressure, state)
	assert.Equal(t, bpf.OctoState(escalation.StatePressure), fm.set[600])

	state, changed = eng.Decay(600)
	assert.True(t, changed)
	assert.Equal(t, escalation.StateNormal, state)
	assert.NotContains(t, fm.set, 600)
	assert.Contains(t, fm.deleted, uint32(600))

	// NORMAL never decays further.
	_, changed = eng.Decay(600)
	assert.False(t, changed)

	require.Len(t, ledger.appended, 2)
	for _, entry := range ledger.appended {
		assert.True(t, entry.IsDecay)
		assert.Equal(t, uint32(600), entry.PID)
		assert.NotEmpty(t, entry.DecisionHash)
	}
	assert.Equal(t, uint8(escalation.StateIsolated), ledger.appended[0].FromState)
	assert.Equal(t, uint8(escalation.StatePressure), ledger.appended[0].ToState)
	assert.Equal(t, uint8(escalation.StatePressure), ledger.appended[1].FromState)
	assert.Equal(t, uint8(escalation.StateNormal), ledger.appended[1].ToState)
}

func TestDecay_UnknownPIDIsNoop(t *testing.T) {
	budget := &fakeBudget{allow: true}
	eng := newTestEngine(t, fakeIntegrity{score: 0}, budget, &fakeLedger{}, newFakeFilterMap(), &fakeActuator{}, &fakeSink{})

	state, changed := eng.Decay(9999)
	assert.False(t, changed)
	assert.Equal(t, escalation.StateNormal, state)
}

func TestStats_ReflectsProcessedEvents(t *testing.T) {
	budget := &fakeBudget{allow: true, remain: 42}
	eng := newTestEngine(t, fakeIntegrity{score: 0}, budget, &fakeLedger{}, newFakeFilterMap(), &fakeActuator{}, &fakeSink{})

	_, err := eng.HandleEvent(context.Background(), bpf.KernelEvent{PID: 700, EventType: bpf.EventFileOpen}, "")
	require.NoError(t, err)
	_, err = eng.HandleEvent(context.Background(), bpf.KernelEvent{PID: 701, EventType: bpf.EventFileOpen}, "")
	require.NoError(t, err)

	stats := eng.Stats()
	assert.Equal(t, uint64(2), stats.EventsProcessed)
	assert.Equal(t, 2, stats.TrackedPIDs)
	assert.Equal(t, 42, stats.BudgetRemaining)
}

func TestResetState_ClearsStateAndPressureButKeepsPin(t *testing.T) {
	budget := &fakeBudget{allow: true, remain: 100}
	ledger := &fakeLedger{}
	fm := newFakeFilterMap()
	act := &fakeActuator{}
	sink := &fakeSink{}
	eng := newTestEngine(t, fakeIntegrity{score: 0}, budget, ledger, fm, act, sink)

	eng.Pin(900, escalation.StateFrozen)
	prev := eng.ResetState(900, "test-operator", "incident-4471")
	assert.Equal(t, escalation.StateFrozen, prev)

	state, ok := eng.GetState(900)
	require.True(t, ok)
	assert.Equal(t, escalation.StateNormal, state)
	assert.True(t, eng.IsPinned(900), "reset must not implicitly unpin")
	assert.NotContains(t, fm.set, 900)
	assert.Contains(t, fm.deleted, uint32(900))

	require.Len(t, ledger.appended, 1)
	entry := ledger.appended[0]
	assert.True(t, entry.OperatorReset)
	assert.Equal(t, "test-operator", entry.Operator)
	assert.Equal(t, len("incident-4471"), entry.Inputs["justification_len"])
	assert.Equal(t, uint8(escalation.StateFrozen), entry.FromState)
	assert.NotEmpty(t, entry.DecisionHash)
}

func TestListAll_ReflectsTrackedPIDs(t *testing.T) {
	budget := &fakeBudget{allow: true, remain: 100}
	eng := newTestEngine(t, fakeIntegrity{score: 0}, budget, &fakeLedger{}, newFakeFilterMap(), &fakeActuator{}, &fakeSink{})

	_, err := eng.HandleEvent(context.Background(), bpf.KernelEvent{PID: 950, EventType: bpf.EventFileOpen}, "")
	require.NoError(t, err)

	snaps := eng.ListAll()
	require.Len(t, snaps, 1)
	assert.Equal(t, uint32(950), snaps[0].PID)
	assert.Equal(t, escalation.StateNormal, snaps[0].State)
	assert.False(t, snaps[0].Pinned)
}

func TestPressureScore_UnknownPIDIsZero(t *testing.T) {
	budget := &fakeBudget{allow: true, remain: 100}
	eng := newTestEngine(t, fakeIntegrity{score: 0}, budget, &fakeLedger{}, newFakeFilterMap(), &fakeActuator{}, &fakeSink{})
	assert.Zero(t, eng.PressureScore(12345))
}

func TestUpdateConfig_AppliesNewThresholdsToSubsequentEvents(t *testing.T) {
	budget := &fakeBudget{allow: true, remain: 100}
	ledger := &fakeLedger{}
	fm := newFakeFilterMap()
	act := &fakeActuator{}
	sink := &fakeSink{}
	eng := newTestEngine(t, fakeIntegrity{score: 1}, budget, ledger, fm, act, sink)

	// With default weights (Integrity 0.2) this first event's severity is
	// about 0.66, below the PRESSURE threshold, so it should not escalate.
	rec, err := eng.HandleEvent(context.Background(), bpf.KernelEvent{PID: 1000, EventType: bpf.EventSocketConnect}, "")
	require.NoError(t, err)
	assert.Nil(t, rec)

	cfg := testConfig()
	cfg.Weights = escalation.Weights{Integrity: 5}
	eng.UpdateConfig(cfg)

	rec, err = eng.HandleEvent(context.Background(), bpf.KernelEvent{PID: 1000, EventType: bpf.EventSocketConnect}, "")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, uint8(escalation.StateIsolated), rec.ToState)
}

func TestDecoyEmit_FeedsSyntheticEventBackIntoPipeline(t *testing.T) {
	budget := &fakeBudget{allow: true, cost: 5, remain: 100}
	ledger := &fakeLedger{}
	fm := newFakeFilterMap()
	act := &fakeActuator{}
	sink := &fakeSink{}

	cfg := testConfig()
	cfg.Weights = escalation.Weights{Integrity: 5}
	anomalyEngine := anomaly.NewEngine(0.3, 0)
	kernel := governance.NewConstitutionalKernel(zap.NewNop(), false)
	eng := escalation.NewEngine(cfg, anomalyEngine, nil, kernel, nil, fakeIntegrity{score: 1}, budget, ledger, fm, act, sink, zap.NewNop())

	eng.Emit(escalation.DecoyEvent{PID: 800, RemoteAddr: "203.0.113.9:4444", DecoyPort: 31337, Timestamp: time.Now()})

	require.Eventually(t, func() bool {
		state, ok := eng.GetState(800)
		return ok && state == escalation.StateIsolated
	}, 2*time.Second, 10*time.Millisecond)
}
