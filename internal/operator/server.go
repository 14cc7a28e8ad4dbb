// Package operator — server.go
//
// Unix domain socket server for OCTOREFLEX operator overrides.
//
// Protocol: newline-delimited JSON over a Unix domain socket.
// Socket path: /run/octoreflex/operator.sock (configurable).
// Permissions: 0600, owned by root. Only root can connect.
//
// Commands (JSON request → JSON response):
//
//   {"cmd":"reset","pid":1234}
//     → Resets PID 1234 to NORMAL state, zeroes its pressure accumulator,
//       and removes it from the BPF process_state_map.
//     → Response: {"ok":true,"pid":1234,"prev_state":"FROZEN"}
//
//   {"cmd":"pin","pid":1234,"state":"ISOLATED"}
//     → Pins PID 1234 to the specified state. The escalation engine will
//       not escalate or decay this PID until unpinned.
//     → Response: {"ok":true,"pid":1234,"pinned_state":"ISOLATED"}
//
//   {"cmd":"unpin","pid":1234}
//     → Removes the pin on PID 1234, resuming normal escalation.
//     → Response: {"ok":true,"pid":1234}
//
//   {"cmd":"status","pid":1234}
//     → Returns the current state, pressure score, and pin status.
//     → Response: {"ok":true,"pid":1234,"state":"PRESSURE","pressure":2.3,"pinned":false}
//
//   {"cmd":"list"}
//     → Returns all tracked PIDs with their current states.
//     → Response: {"ok":true,"pids":[{"pid":1234,"state":"PRESSURE","pinned":false},...]}
//
//   {"cmd":"stats"}
//     → Returns agent-level counters (events processed/dropped, tracked PIDs,
//       remaining escalation budget, uptime).
//     → Response: {"ok":true,"stats":{...}}
//
//   {"cmd":"governance_stats"}
//     → Returns constitutional-kernel counters (decisions validated, violations
//       by type, current chain tip).
//     → Response: {"ok":true,"governance_stats":{...}}
//
//   {"cmd":"semantic_hint","ip":"203.0.113.7","risk_level":2}
//     → Pushes an externally-derived risk hint for a connect-target IP into
//       the BPF semantic_hints map, letting kernel-side enforcement react to
//       userspace-only signals (e.g. a threat-intel match) ahead of the next
//       escalation cycle. Mirrors the same downlink T1 can push over HTTP
//       (see internal/sink.HintReceiver).
//     → Response: {"ok":true}
//
// Authentication (when an operator key store is configured):
//   - Requests carry "key_id", "nonce" (strictly increasing per key_id), and
//     "mac" = hex(HMAC-SHA256(key, cmd|pid|state|nonce)).
//   - A nonce at or below the last accepted nonce for that key is rejected as
//     a replay.
//   - Requests are additionally rate limited per key (default 10/min).
//
// Security:
//   - Socket is created with 0600 permissions; only root can connect.
//   - Each connection is handled in a separate goroutine.
//   - Max concurrent connections: 4 (operator use only, not high-throughput).
//   - Max request size: 4096 bytes (prevents memory exhaustion).
//   - Connection timeout: 10s read, 10s write.
//   - reset, pin, unpin and semantic_hint are logged; only reset reaches the
//     audit ledger, through the registry's ResetState.

package operator

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/octoreflex/octoreflex/internal/escalation"
	"github.com/octoreflex/octoreflex/internal/governance"
	"github.com/octoreflex/octoreflex/internal/observability"
)

const (
	maxConcurrentConns = 4
	maxRequestBytes    = 4096
	connTimeout        = 10 * time.Second

	// defaultRateLimitPerMinute is used when AuthConfig.RateLimitPerMinute <= 0.
	defaultRateLimitPerMinute = 10
)

// StateRegistry is the interface the operator server uses to read and
// mutate process states. Implemented by the agent's PID state map.
type StateRegistry interface {
	// GetState returns the current state for a PID, or (StateNormal, false)
	// if the PID is not tracked.
	GetState(pid uint32) (escalation.State, bool)

	// ResetState resets a PID to NORMAL and zeroes its pressure accumulator,
	// recording operator and justification as the override's canonical
	// inputs (spec.md §4.13). Returns the previous state.
	ResetState(pid uint32, operator, justification string) escalation.State

	// PinState pins a PID to a specific state, preventing escalation/decay.
	PinState(pid uint32, state escalation.State)

	// UnpinState removes the pin on a PID.
	UnpinState(pid uint32)

	// IsPinned returns true if the PID has an active pin.
	IsPinned(pid uint32) bool

	// PressureScore returns the current EWMA pressure for a PID.
	PressureScore(pid uint32) float64

	// ListAll returns all tracked PIDs with their current states.
	ListAll() []PIDStatus
}

// PIDStatus is a snapshot of a single PID's state.
type PIDStatus struct {
	PID      uint32           `json:"pid"`
	State    escalation.State `json:"state"`
	Pinned   bool             `json:"pinned"`
	Pressure float64          `json:"pressure"`
}

// AgentStats is a snapshot of agent-level counters, surfaced by the "stats"
// command. Populated by whatever the caller wires in via WithStats.
type AgentStats struct {
	EventsProcessed uint64  `json:"events_processed"`
	EventsDropped   uint64  `json:"events_dropped"`
	TrackedPIDs     int     `json:"tracked_pids"`
	BudgetRemaining int     `json:"budget_remaining"`
	UptimeSeconds   float64 `json:"uptime_seconds"`
}

// StatsProvider exposes agent-level counters for the "stats" command.
type StatsProvider interface {
	Stats() AgentStats
}

// GovernanceStatsProvider exposes constitutional-kernel counters for the
// "governance_stats" command.
type GovernanceStatsProvider interface {
	GovernanceStats() governance.Stats
}

// SemanticHintSetter pushes an externally-derived risk hint into the BPF
// semantic_hints map for the "semantic_hint" command.
type SemanticHintSetter interface {
	SetSemanticHint(ip string, riskLevel uint8) error
}

// Request is the JSON structure for operator commands.
type Request struct {
	Cmd           string `json:"cmd"`                    // reset|pin|unpin|status|list|stats|governance_stats|semantic_hint
	PID           uint32 `json:"pid,omitempty"`          // target PID
	State         string `json:"state,omitempty"`        // target state for pin command
	IP            string `json:"ip,omitempty"`           // connect-target for semantic_hint
	RiskLevel     uint8  `json:"risk_level,omitempty"`   // for semantic_hint
	Justification string `json:"justification,omitempty"` // required rationale for "reset" (spec.md §4.13)

	// Authentication (optional, required only when the server has a key
	// store configured via WithAuth). KeyID also doubles as the operator
	// identity recorded on an OperatorReset ledger entry.
	KeyID string `json:"key_id,omitempty"`
	Nonce uint64 `json:"nonce,omitempty"`
	MAC   string `json:"mac,omitempty"` // hex(HMAC-SHA256(key, cmd|pid|state|nonce))
}

// Response is the JSON structure for operator command responses.
type Response struct {
	OK              bool             `json:"ok"`
	Error           string           `json:"error,omitempty"`
	PID             uint32           `json:"pid,omitempty"`
	State           string           `json:"state,omitempty"`
	PrevState       string           `json:"prev_state,omitempty"`
	PinnedState     string           `json:"pinned_state,omitempty"`
	Pinned          bool             `json:"pinned,omitempty"`
	Pressure        float64          `json:"pressure,omitempty"`
	PIDs            []PIDStatus      `json:"pids,omitempty"`
	Stats           *AgentStats      `json:"stats,omitempty"`
	GovernanceStats *governance.Stats `json:"governance_stats,omitempty"`
}

// Server is the operator Unix domain socket server.
type Server struct {
	socketPath string
	registry   StateRegistry
	log        *zap.Logger
	sem        chan struct{} // Semaphore: max concurrent connections.

	stats    StatsProvider           // optional
	govStats GovernanceStatsProvider // optional
	hints    SemanticHintSetter      // optional

	authKeys           map[string][]byte // keyID -> shared secret; nil/empty disables auth
	rateLimitPerMinute int
	metrics            *observability.Metrics // optional

	nonceMu   sync.Mutex
	lastNonce map[string]uint64

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

// Option configures optional Server capabilities.
type Option func(*Server)

// WithAuth enables HMAC request authentication, per-key nonce replay
// protection, and per-key rate limiting (defaultRateLimitPerMinute if
// ratePerMinute <= 0). keys maps key_id to its shared secret.
func WithAuth(keys map[string][]byte, ratePerMinute int) Option {
	return func(s *Server) {
		s.authKeys = keys
		if ratePerMinute <= 0 {
			ratePerMinute = defaultRateLimitPerMinute
		}
		s.rateLimitPerMinute = ratePerMinute
	}
}

// WithStats wires the "stats" command to p.
func WithStats(p StatsProvider) Option {
	return func(s *Server) { s.stats = p }
}

// WithGovernanceStats wires the "governance_stats" command to p.
func WithGovernanceStats(p GovernanceStatsProvider) Option {
	return func(s *Server) { s.govStats = p }
}

// WithSemanticHints wires the "semantic_hint" command to h.
func WithSemanticHints(h SemanticHintSetter) Option {
	return func(s *Server) { s.hints = h }
}

// WithMetrics records rejected operator requests against m's
// operator_auth_failed_total counter.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

func (s *Server) recordAuthFailure(reason string) {
	if s.metrics != nil {
		s.metrics.OperatorAuthFailedTotal.WithLabelValues(reason).Inc()
	}
}

// NewServer creates an operator Server.
func NewServer(socketPath string, registry StateRegistry, log *zap.Logger, opts ...Option) *Server {
	s := &Server{
		socketPath: socketPath,
		registry:   registry,
		log:        log,
		sem:        make(chan struct{}, maxConcurrentConns),
		lastNonce:  make(map[string]uint64),
		limiters:   make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// authEnabled reports whether requests must carry a valid HMAC.
func (s *Server) authEnabled() bool {
	return len(s.authKeys) > 0
}

// authenticate validates req's MAC, rejects nonce replays, and enforces the
// per-key rate limit. No-op (always succeeds) when auth is not configured.
func (s *Server) authenticate(req Request) error {
	if !s.authEnabled() {
		return nil
	}
	secret, ok := s.authKeys[req.KeyID]
	if !ok || req.KeyID == "" {
		s.recordAuthFailure("unknown_key")
		return fmt.Errorf("unknown key_id %q", req.KeyID)
	}

	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%s|%d|%s|%d", req.Cmd, req.PID, req.State, req.Nonce)
	expected := mac.Sum(nil)

	given, err := hex.DecodeString(req.MAC)
	if err != nil || subtle.ConstantTimeCompare(expected, given) != 1 {
		s.recordAuthFailure("bad_mac")
		return fmt.Errorf("invalid mac")
	}

	s.nonceMu.Lock()
	last := s.lastNonce[req.KeyID]
	if req.Nonce <= last {
		s.nonceMu.Unlock()
		s.recordAuthFailure("replay")
		return fmt.Errorf("nonce replay: got %d, last accepted %d", req.Nonce, last)
	}
	s.lastNonce[req.KeyID] = req.Nonce
	s.nonceMu.Unlock()

	if !s.limiterFor(req.KeyID).Allow() {
		s.recordAuthFailure("rate_limited")
		return fmt.Errorf("rate limit exceeded")
	}
	return nil
}

func (s *Server) limiterFor(keyID string) *rate.Limiter {
	s.limiterMu.Lock()
	defer s.limiterMu.Unlock()
	lim, ok := s.limiters[keyID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(s.rateLimitPerMinute)/60.0), s.rateLimitPerMinute)
		s.limiters[keyID] = lim
	}
	return lim
}

// ListenAndServe starts the operator socket server.
// Removes any stale socket file before binding.
// Blocks until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	// Remove stale socket.
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("operator: remove stale socket %q: %w", s.socketPath, err)
	}

	// Ensure parent directory exists.
	if err := os.MkdirAll("/run/octoreflex", 0o700); err != nil {
		return fmt.Errorf("operator: mkdir /run/octoreflex: %w", err)
	}

	lis, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("operator: listen %q: %w", s.socketPath, err)
	}
	defer lis.Close()

	// Set socket permissions to 0600 (root only).
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("operator: chmod %q: %w", s.socketPath, err)
	}

	s.log.Info("operator socket listening", zap.String("path", s.socketPath))

	// Close listener on context cancellation.
	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil // Clean shutdown.
			default:
				s.log.Error("operator: accept error", zap.Error(err))
				continue
			}
		}

		// Acquire semaphore (non-blocking; reject if at capacity).
		select {
		case s.sem <- struct{}{}:
		default:
			s.log.Warn("operator: max connections reached, rejecting")
			_ = conn.Close()
			continue
		}

		go func(c net.Conn) {
			defer func() { <-s.sem }()
			defer c.Close()
			s.handleConn(c)
		}(conn)
	}
}

// handleConn handles a single operator connection.
// Reads one JSON request, executes the command, writes one JSON response.
func (s *Server) handleConn(conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(connTimeout))

	// Read request (max maxRequestBytes).
	buf := make([]byte, maxRequestBytes)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		s.log.Warn("operator: read error", zap.Error(err))
		return
	}

	var req Request
	if err := json.Unmarshal(buf[:n], &req); err != nil {
		s.writeResponse(conn, Response{OK: false, Error: "invalid JSON: " + err.Error()})
		return
	}

	if err := s.authenticate(req); err != nil {
		s.log.Warn("operator: authentication failed",
			zap.String("cmd", req.Cmd), zap.String("key_id", req.KeyID), zap.Error(err))
		s.writeResponse(conn, Response{OK: false, Error: "authentication failed"})
		return
	}

	resp := s.dispatch(req)
	s.writeResponse(conn, resp)
}

// dispatch routes a request to the appropriate handler.
func (s *Server) dispatch(req Request) Response {
	switch req.Cmd {
	case "reset":
		return s.cmdReset(req)
	case "pin":
		return s.cmdPin(req)
	case "unpin":
		return s.cmdUnpin(req)
	case "status":
		return s.cmdStatus(req)
	case "list":
		return s.cmdList()
	case "stats":
		return s.cmdStats()
	case "governance_stats":
		return s.cmdGovernanceStats()
	case "semantic_hint":
		return s.cmdSemanticHint(req)
	default:
		return Response{OK: false, Error: fmt.Sprintf("unknown command %q", req.Cmd)}
	}
}

func (s *Server) cmdReset(req Request) Response {
	if req.PID == 0 {
		return Response{OK: false, Error: "pid required for reset"}
	}
	operator := req.KeyID
	if operator == "" {
		operator = "unauthenticated"
	}
	prev := s.registry.ResetState(req.PID, operator, req.Justification)
	s.log.Info("operator: PID reset to NORMAL",
		zap.Uint32("pid", req.PID),
		zap.String("prev_state", prev.String()),
		zap.String("operator", operator),
		zap.Int("justification_len", len(req.Justification)))
	return Response{OK: true, PID: req.PID, PrevState: prev.String()}
}

func (s *Server) cmdPin(req Request) Response {
	if req.PID == 0 {
		return Response{OK: false, Error: "pid required for pin"}
	}
	target, err := parseState(req.State)
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	s.registry.PinState(req.PID, target)
	s.log.Info("operator: PID pinned",
		zap.Uint32("pid", req.PID),
		zap.String("state", target.String()))
	return Response{OK: true, PID: req.PID, PinnedState: target.String()}
}

func (s *Server) cmdUnpin(req Request) Response {
	if req.PID == 0 {
		return Response{OK: false, Error: "pid required for unpin"}
	}
	s.registry.UnpinState(req.PID)
	s.log.Info("operator: PID unpinned", zap.Uint32("pid", req.PID))
	return Response{OK: true, PID: req.PID}
}

func (s *Server) cmdStatus(req Request) Response {
	if req.PID == 0 {
		return Response{OK: false, Error: "pid required for status"}
	}
	state, tracked := s.registry.GetState(req.PID)
	if !tracked {
		return Response{OK: false, Error: fmt.Sprintf("pid %d not tracked", req.PID)}
	}
	return Response{
		OK:       true,
		PID:      req.PID,
		State:    state.String(),
		Pinned:   s.registry.IsPinned(req.PID),
		Pressure: s.registry.PressureScore(req.PID),
	}
}

func (s *Server) cmdList() Response {
	return Response{OK: true, PIDs: s.registry.ListAll()}
}

func (s *Server) cmdStats() Response {
	if s.stats == nil {
		return Response{OK: false, Error: "stats not available"}
	}
	st := s.stats.Stats()
	return Response{OK: true, Stats: &st}
}

func (s *Server) cmdGovernanceStats() Response {
	if s.govStats == nil {
		return Response{OK: false, Error: "governance_stats not available"}
	}
	st := s.govStats.GovernanceStats()
	return Response{OK: true, GovernanceStats: &st}
}

func (s *Server) cmdSemanticHint(req Request) Response {
	if req.IP == "" {
		return Response{OK: false, Error: "ip required for semantic_hint"}
	}
	if req.RiskLevel < 1 || req.RiskLevel > 3 {
		return Response{OK: false, Error: "risk_level must be in [1,3]"}
	}
	if s.hints == nil {
		return Response{OK: false, Error: "semantic hints not available"}
	}
	if err := s.hints.SetSemanticHint(req.IP, req.RiskLevel); err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	s.log.Info("operator: semantic hint set",
		zap.String("ip", req.IP), zap.Uint8("risk_level", req.RiskLevel))
	return Response{OK: true}
}

func (s *Server) writeResponse(conn net.Conn, resp Response) {
	data, _ := json.Marshal(resp)
	data = append(data, '\n')
	_, _ = conn.Write(data)
}

// parseState converts a state name string to an escalation.State.
func parseState(name string) (escalation.State, error) {
	switch name {
	case "NORMAL":
		return escalation.StateNormal, nil
	case "PRESSURE":
		return escalation.StatePressure, nil
	case "ISOLATED":
		return escalation.StateIsolated, nil
	case "FROZEN":
		return escalation.StateFrozen, nil
	case "QUARANTINED":
		return escalation.StateQuarantined, nil
	case "TERMINATED":
		return escalation.StateTerminated, nil
	default:
		return escalation.StateNormal, fmt.Errorf("unknown state %q (valid: NORMAL PRESSURE ISOLATED FROZEN QUARANTINED TERMINATED)", name)
	}
}

// ─── Mutex-protected in-memory registry (used by the agent) ──────────────────

// MemRegistry is a thread-safe in-memory implementation of StateRegistry.
// The agent embeds this and passes it to both the operator server and the
// escalation engine workers.
type MemRegistry struct {
	mu     sync.RWMutex
	states map[uint32]*processEntry
}

type processEntry struct {
	state    escalation.State
	pinned   bool
	pressure float64
}

// NewMemRegistry creates an empty MemRegistry.
func NewMemRegistry() *MemRegistry {
	return &MemRegistry{states: make(map[uint32]*processEntry)}
}

func (r *MemRegistry) GetState(pid uint32) (escalation.State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.states[pid]
	if !ok {
		return escalation.StateNormal, false
	}
	return e.state, true
}

// ResetState resets pid to NORMAL. MemRegistry has no ledger, so operator
// and justification are accepted only to satisfy StateRegistry and are not
// recorded anywhere — callers that need an audited reset use the engine's
// own registry adapter, which does have ledger access.
func (r *MemRegistry) ResetState(pid uint32, operator, justification string) escalation.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.states[pid]
	if !ok {
		return escalation.StateNormal
	}
	prev := e.state
	e.state = escalation.StateNormal
	e.pressure = 0.0
	e.pinned = false
	return prev
}

func (r *MemRegistry) PinState(pid uint32, state escalation.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.states[pid]; !ok {
		r.states[pid] = &processEntry{}
	}
	r.states[pid].state = state
	r.states[pid].pinned = true
}

func (r *MemRegistry) UnpinState(pid uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.states[pid]; ok {
		e.pinned = false
	}
}

func (r *MemRegistry) IsPinned(pid uint32) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.states[pid]
	return ok && e.pinned
}

func (r *MemRegistry) PressureScore(pid uint32) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.states[pid]; ok {
		return e.pressure
	}
	return 0.0
}

func (r *MemRegistry) ListAll() []PIDStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PIDStatus, 0, len(r.states))
	for pid, e := range r.states {
		out = append(out, PIDStatus{
			PID:      pid,
			State:    e.state,
			Pinned:   e.pinned,
			Pressure: e.pressure,
		})
	}
	return out
}
