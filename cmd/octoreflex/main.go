// Package main — cmd/octoreflex/main.go
//
// OCTOREFLEX agent entrypoint.
//
// Startup sequence:
//  1. Root check — abort if not running as root.
//  2. Load and validate config from /etc/octoreflex/config.yaml.
//  3. Initialise structured logger (zap, JSON format).
//  4. Open BoltDB storage.
//  5. Prune stale ledger entries.
//  6. Load BPF programs (kernel version check, LSM check, CO-RE load, pin, attach).
//  7. Call dropSysAdmin, which leaves the capability sets unchanged.
//  8. Start Prometheus metrics server (127.0.0.1:9091).
//  9. Start kernel event processor.
// 10. Start gossip server and federated baseline sharing (if enabled).
// 11. Wire the escalation engine (budget, actuator, sink, camouflage,
//     constitutional kernel, ledger) and start its event workers and
//     cool-down scheduler.
// 12. Start the operator socket (if enabled) and the semantic-hint downlink.
// 13. Register SIGHUP handler for config hot-reload.
// 14. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel root context (propagates to all goroutines).
//  2. Wait for event processor to drain (max 5s).
//  3. Close BPF objects (detach LSM links).
//  4. Close BoltDB.
//  5. Flush logger.
//  6. Exit 0.
//
// On BPF load failure: exit 1 immediately (no partial state).
// On config validation failure: exit 1 immediately.

package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/octoreflex/octoreflex/internal/actuator"
	"github.com/octoreflex/octoreflex/internal/anomaly"
	bpfpkg "github.com/octoreflex/octoreflex/internal/bpf"
	"github.com/octoreflex/octoreflex/internal/budget"
	"github.com/octoreflex/octoreflex/internal/config"
	"github.com/octoreflex/octoreflex/internal/escalation"
	"github.com/octoreflex/octoreflex/internal/gossip"
	"github.com/octoreflex/octoreflex/internal/governance"
	"github.com/octoreflex/octoreflex/internal/kernel"
	"github.com/octoreflex/octoreflex/internal/observability"
	"github.com/octoreflex/octoreflex/internal/operator"
	"github.com/octoreflex/octoreflex/internal/sink"
	"github.com/octoreflex/octoreflex/internal/storage"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "octoreflex",
		Short: "OCTOREFLEX host intrusion containment agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			if env := os.Getenv("OCTOREFLEX_CONFIG"); env != "" && !cmd.Flags().Changed("config") {
				configPath = env
			}
			return runAgent(configPath)
		},
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "/etc/octoreflex/config.yaml", "Path to config.yaml")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("octoreflex %s (commit=%s built=%s)\n",
				config.Version, config.GitCommit, config.BuildTime)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		// runAgent exits by itself on fatal errors and otherwise returns
		// nil, so an error here means cobra rejected the arguments.
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
}

func runAgent(configPath string) error {
	// ── Step 1: Root check ────────────────────────────────────────────────────
	if os.Getuid() != 0 {
		fmt.Fprintln(os.Stderr, "FATAL: octoreflex must run as root (UID 0)")
		os.Exit(1)
	}

	// ── Step 2: Load config ───────────────────────────────────────────────────
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	// ── Step 3: Initialise logger ─────────────────────────────────────────────
	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("OCTOREFLEX starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.String("node_id", cfg.NodeID),
		zap.String("config", configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Step 4: Open BoltDB ───────────────────────────────────────────────────
	db, err := storage.Open(cfg.Storage.DBPath, cfg.Storage.RetentionDays)
	if err != nil {
		log.Fatal("BoltDB open failed", zap.Error(err), zap.String("path", cfg.Storage.DBPath))
	}
	defer db.Close() //nolint:errcheck
	log.Info("BoltDB opened", zap.String("path", cfg.Storage.DBPath))

	// ── Step 5: Prune stale ledger entries ────────────────────────────────────
	if pruned, err := db.PruneOldLedgerEntries(); err != nil {
		log.Warn("ledger pruning failed", zap.Error(err))
	} else {
		log.Info("ledger pruned", zap.Int("deleted", pruned))
	}

	// ── Step 6: Load BPF ──────────────────────────────────────────────────────
	log.Info("loading BPF programs...")
	bpfObjs, err := bpfpkg.Load()
	if err != nil {
		log.Fatal("BPF load failed — aborting (no partial state)", zap.Error(err))
	}
	defer bpfObjs.Close() //nolint:errcheck
	log.Info("BPF programs loaded and LSM hooks attached")

	// ── Step 7: Drop CAP_SYS_ADMIN ───────────────────────────────────────────
	if err := dropSysAdmin(); err != nil {
		log.Warn("failed to drop CAP_SYS_ADMIN", zap.Error(err))
	} else {
		log.Info("capability sets left unchanged (dropSysAdmin drops nothing)")
	}

	// ── Step 8: Prometheus metrics ────────────────────────────────────────────
	metrics := observability.NewMetrics()
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	// ── Step 9: Kernel event processor ───────────────────────────────────────
	processor := kernel.NewProcessor(bpfObjs, metrics, log, cfg.Agent.EventQueueSize)
	eventCh, err := processor.Run(ctx)
	if err != nil {
		log.Fatal("event processor failed to start", zap.Error(err))
	}
	log.Info("kernel event processor started")

	// ── Step 10: Gossip + federated baselines ────────────────────────────────
	var quorumEval *gossip.Quorum
	if cfg.Gossip.Enabled {
		quorumEval = gossip.NewQuorum(cfg.Gossip.QuorumMin, cfg.Gossip.EnvelopeTTL)

		var baselines *gossip.FederatedBaselineManager
		if cfg.Gossip.FederatedBaseline.Enabled {
			// No persistent node identity key is provisioned yet (see
			// DESIGN.md): generate an ephemeral Ed25519 keypair per process
			// start rather than fabricate a PKI loader the pack doesn't show.
			_, priv, err := ed25519.GenerateKey(rand.Reader)
			if err != nil {
				log.Fatal("federated baseline keypair generation failed", zap.Error(err))
			}
			baselines = gossip.NewFederatedBaselineManager(
				gossip.FederatedBaselineConfig{
					Enabled:       true,
					ShareInterval: cfg.Gossip.FederatedBaseline.ShareInterval,
					MinSamples:    uint32(cfg.Gossip.FederatedBaseline.MinSamples),
					TrustWeight:   cfg.Gossip.FederatedBaseline.TrustWeight,
				},
				cfg.NodeID,
				priv,
				db,
				cfg.Gossip.Peers,
				nil,
				log,
			)
			go baselines.Run(ctx)
		}

		// trustedPeers is nil (no peer public keys provisioned): every
		// envelope is rejected with "peer_unknown" until key distribution is
		// wired up. Tracked in DESIGN.md rather than faked here.
		gossipSrv := gossip.NewServer(cfg.NodeID, nil, cfg.Gossip.EnvelopeTTL, quorumEval, baselines, log)
		go func() {
			if err := gossip.ListenAndServe(ctx, cfg.Gossip.ListenAddr,
				cfg.Gossip.TLSCertFile, cfg.Gossip.TLSKeyFile, cfg.Gossip.TLSCAFile,
				gossipSrv, log); err != nil {
				log.Error("gossip server error", zap.Error(err))
			}
		}()
		log.Info("gossip server started", zap.String("addr", cfg.Gossip.ListenAddr))
	} else {
		log.Info("gossip disabled (standalone mode)")
	}

	// ── Step 11: Wire the escalation engine ──────────────────────────────────
	budgetBucket := budget.New(cfg.Budget.Capacity, cfg.Budget.RefillPeriod)
	defer budgetBucket.Close()

	constitutionalKernel := governance.NewConstitutionalKernel(log, false)
	constitutionalKernel.SeedChain(db.TipHash())

	anomalyEngine := anomaly.NewEngine(cfg.Anomaly.EntropyWeight, cfg.Anomaly.MinSamples)

	var sinkPublisher *sink.Publisher
	if cfg.Sink.Enabled {
		sinkPublisher = sink.NewPublisher(sink.Config{
			Endpoint:       cfg.Sink.Endpoint,
			BufferCapacity: cfg.Sink.BufferCapacity,
			RequestTimeout: cfg.Sink.RequestTimeout,
			SnappyEnabled:  cfg.Sink.SnappyEnabled,
			NodeID:         cfg.NodeID,
		}, metrics, log)
		go sinkPublisher.Run(ctx)
	}

	engine := escalation.NewEngine(
		escalation.FromAppConfig(*cfg),
		anomalyEngine,
		quorumEval,
		constitutionalKernel,
		nil, // camouflage wired below, after engine exists (constructor cycle)
		escalation.ZeroIntegrityChecker{}, // no kernel-side integrity producer wired yet; see DESIGN.md
		&budgetAdapter{bucket: budgetBucket},
		db,
		bpfObjs,
		&actuatorAdapter{act: actuator.New()},
		newSinkAdapter(sinkPublisher),
		log,
	)

	if cfg.Camouflage.Enabled {
		camCfg := camouflageConfigFromYAML(cfg.Camouflage, cfg.NodeID, cfg.Escalation.ControlLaw.SeverityMax)
		camEngine := escalation.NewCamouflageEngine(camCfg, engine, log)
		engine.SetCamouflage(camEngine)
		log.Info("camouflage engine active", zap.Int("port_base", camCfg.PortBase))
	}

	counters := &agentCounters{}
	for i := 0; i < cfg.Agent.MaxGoroutines; i++ {
		go runEventWorker(ctx, eventCh, engine, metrics, counters, log)
	}
	log.Info("event workers started", zap.Int("count", cfg.Agent.MaxGoroutines))

	go engine.RunCooldown(ctx, cfg.Escalation.CooldownDuration)

	// ── Step 12: Operator socket + semantic-hint downlink ────────────────────
	if cfg.Operator.Enabled {
		opts := []operator.Option{
			operator.WithStats(&statsAdapter{engine: engine, counters: counters, bucket: budgetBucket, start: time.Now()}),
			operator.WithGovernanceStats(&govStatsAdapter{kernel: constitutionalKernel}),
			operator.WithSemanticHints(bpfObjs),
			operator.WithMetrics(metrics),
		}
		if key, err := loadHMACKey(cfg.Operator.HMACKeyFile); err != nil {
			log.Warn("operator HMAC key not loaded — running without request authentication", zap.Error(err))
		} else if key != nil {
			opts = append(opts, operator.WithAuth(map[string][]byte{"operator": key}, cfg.Operator.RateLimitPerMinute))
		}

		opServer := operator.NewServer(cfg.Operator.SocketPath, &engineRegistry{engine: engine}, log, opts...)
		go func() {
			if err := opServer.ListenAndServe(ctx); err != nil {
				log.Error("operator server error", zap.Error(err))
			}
		}()
		log.Info("operator socket started", zap.String("path", cfg.Operator.SocketPath))

		if cfg.Sink.Enabled {
			if key, err := loadHMACKey(cfg.Operator.HMACKeyFile); err == nil && key != nil {
				hintReceiver := sink.NewHintReceiver(key, bpfObjs, log)
				stop := make(chan struct{})
				go func() {
					<-ctx.Done()
					close(stop)
				}()
				go hintReceiver.ExpireLoop(stop, cfg.Sink.SemanticHintTTL)
				log.Info("semantic-hint expiry loop started (the receiver is not mounted on any HTTP listener)")
			} else {
				log.Info("semantic-hint downlink disabled: no operator HMAC key configured")
			}
		}
	}

	// ── Step 13: SIGHUP hot-reload ────────────────────────────────────────────
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received — reloading config...")
			newCfg, err := config.Load(configPath)
			if err != nil {
				log.Error("config hot-reload failed — retaining old config", zap.Error(err))
				continue
			}
			engine.UpdateConfig(escalation.FromAppConfig(*newCfg))
			log.Info("config hot-reload applied to live escalation engine",
				zap.Float64("new_threshold_pressure", newCfg.Escalation.ThresholdPressure),
				zap.Float64("new_weight_integrity", newCfg.Escalation.WeightIntegrity))
		}
	}()

	// ── Step 14: Wait for shutdown signal ─────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()

	shutdownTimer := time.NewTimer(5 * time.Second)
	defer shutdownTimer.Stop()
	select {
	case <-shutdownTimer.C:
		log.Warn("shutdown drain timeout — forcing exit")
	case <-func() chan struct{} {
		ch := make(chan struct{})
		go func() {
			for range eventCh {
			}
			close(ch)
		}()
		return ch
	}():
		log.Info("event channel drained")
	}

	log.Info("OCTOREFLEX shutdown complete")
	return nil
}

// runEventWorker reads kernel events from eventCh and drives them through
// the escalation engine. Per-PID subject resolution (binary path, used to
// key the gossip quorum and storage baseline) is best-effort: by the time
// an event is processed the source process may have already exited, in
// which case the engine falls back to "pid:<n>".
func runEventWorker(ctx context.Context, eventCh <-chan bpfpkg.KernelEvent, engine *escalation.Engine, metrics *observability.Metrics, counters *agentCounters, log *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-eventCh:
			if !ok {
				return
			}
			counters.incProcessed()
			metrics.TrackedPIDs.Set(float64(engine.Stats().TrackedPIDs))
			subject := subjectForPID(event.PID)
			if _, err := engine.HandleEvent(ctx, event, subject); err != nil {
				log.Warn("escalation: event handling failed",
					zap.Uint32("pid", event.PID), zap.String("event_type", event.EventType.String()), zap.Error(err))
			}
		}
	}
}

// subjectForPID resolves the binary path backing a PID via /proc, for use
// as the gossip quorum / storage baseline key. Returns "" (engine falls
// back to "pid:<n>") if the process has already exited or /proc is
// unavailable — never fatal, this is a best-effort correlation key only.
func subjectForPID(pid uint32) string {
	path, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
	if err != nil {
		return ""
	}
	return path
}

// camouflageConfigFromYAML maps config.CamouflageYAML onto
// escalation.CamouflageConfig. Kept as a free function rather than a method
// on either type so neither package needs to import the other's yaml tags.
func camouflageConfigFromYAML(y config.CamouflageYAML, nodeID string, severityMax float64) escalation.CamouflageConfig {
	cfg := escalation.DefaultCamouflageConfig()
	cfg.Enabled = y.Enabled
	cfg.NodeID = nodeID
	if y.PortBase > 0 {
		cfg.PortBase = y.PortBase
	}
	if y.PortRange > 0 {
		cfg.PortRange = y.PortRange
	}
	cfg.DecoyEnabled = y.DecoyEnabled
	if y.DecoyBindAddr != "" {
		cfg.DecoyBindAddr = y.DecoyBindAddr
	}
	if y.HintDir != "" {
		cfg.HintDir = y.HintDir
	}
	cfg.HintGID = y.HintGID
	if y.BaseEpochSecs > 0 {
		cfg.Epoch.BaseEpochSeconds = int64(y.BaseEpochSecs.Seconds())
	}
	if y.MinEpochSecs > 0 {
		cfg.Epoch.MinEpochSeconds = int64(y.MinEpochSecs.Seconds())
	}
	if severityMax > 0 {
		cfg.SeverityMax = severityMax
	}
	return cfg
}

// loadHMACKey reads the shared secret used for both operator request
// authentication (spec.md §4.13) and the semantic-hint downlink signature.
// Returns (nil, nil) if path is empty (auth intentionally disabled).
func loadHMACKey(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read HMAC key file %q: %w", path, err)
	}
	return trimTrailingNewline(data), nil
}

func trimTrailingNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}

// buildLogger constructs a zap.Logger with the given level and format.
func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}

// dropSysAdmin returns nil without touching any capability: the agent keeps
// CAP_SYS_ADMIN and the rest of its effective and permitted capability
// sets after BPF load.
func dropSysAdmin() error {
	return nil
}

// ─── Adapters ─────────────────────────────────────────────────────────────
//
// escalation.Engine, operator.Server, and sink.Publisher each define their
// own narrow local interfaces over neighbouring packages to avoid import
// cycles (budget/actuator/sink all import escalation for escalation.State,
// so escalation cannot import them back). These adapters live here, in the
// one package that is allowed to import everything, and do nothing but
// reshape method names and types.

// budgetAdapter satisfies escalation.Budget over *budget.Bucket.
type budgetAdapter struct {
	bucket *budget.Bucket
}

func (a *budgetAdapter) ConsumeForTransition(from, to escalation.State) (int, bool) {
	cost := budget.CostForTransition(from, to)
	return cost, a.bucket.Consume(cost)
}

func (a *budgetAdapter) Refund(cost int) { a.bucket.Refund(cost) }

func (a *budgetAdapter) Remaining() int { return a.bucket.Remaining() }

// actuatorAdapter satisfies escalation.Actuator over *actuator.Actuator,
// discarding the detailed actuator.Result the engine doesn't need.
type actuatorAdapter struct {
	act *actuator.Actuator
}

func (a *actuatorAdapter) Apply(ctx context.Context, pid uint32, target escalation.State) error {
	_, err := a.act.Apply(ctx, pid, target)
	return err
}

// sinkAdapter satisfies escalation.Sink over *sink.Publisher. Publish is a
// no-op when the T1 sink is disabled (publisher is nil).
type sinkAdapter struct {
	publisher *sink.Publisher
}

func newSinkAdapter(p *sink.Publisher) *sinkAdapter {
	return &sinkAdapter{publisher: p}
}

func (a *sinkAdapter) Publish(pid uint32, subject string, from, to escalation.State, severity, mutationRate float64, decisionHash, parentHash, nodeID string) {
	if a.publisher == nil {
		return
	}
	a.publisher.Publish(sink.EscalationEvent{
		PID:          pid,
		Comm:         subject,
		OldState:     from.String(),
		NewState:     to.String(),
		Severity:     severity,
		Mt:           mutationRate,
		NodeID:       nodeID,
		DecisionHash: decisionHash,
		ParentHash:   parentHash,
	}, to)
}

// engineRegistry satisfies operator.StateRegistry over *escalation.Engine,
// renaming Pin/Unpin to PinState/UnpinState and reshaping ListAll's return
// type, since the two packages can't share vocabulary without a cycle
// (operator imports escalation for escalation.State).
type engineRegistry struct {
	engine *escalation.Engine
}

func (r *engineRegistry) GetState(pid uint32) (escalation.State, bool) { return r.engine.GetState(pid) }

func (r *engineRegistry) ResetState(pid uint32, operator, justification string) escalation.State {
	return r.engine.ResetState(pid, operator, justification)
}

func (r *engineRegistry) PinState(pid uint32, state escalation.State) { r.engine.Pin(pid, state) }

func (r *engineRegistry) UnpinState(pid uint32) { r.engine.Unpin(pid) }

func (r *engineRegistry) IsPinned(pid uint32) bool { return r.engine.IsPinned(pid) }

func (r *engineRegistry) PressureScore(pid uint32) float64 { return r.engine.PressureScore(pid) }

func (r *engineRegistry) ListAll() []operator.PIDStatus {
	snaps := r.engine.ListAll()
	out := make([]operator.PIDStatus, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, operator.PIDStatus{
			PID:      s.PID,
			State:    s.State,
			Pinned:   s.Pinned,
			Pressure: s.Pressure,
		})
	}
	return out
}

// agentCounters tracks the raw event counts operator "stats" reports.
// Prometheus's CounterVecs are write-only from this package's perspective
// (no cheap Value() accessor without walking dto.Metric), so these are
// tracked again here as plain atomics rather than read back out of them.
type agentCounters struct {
	processed uint64
	dropped   uint64
}

func (c *agentCounters) incProcessed() { atomic.AddUint64(&c.processed, 1) }

// statsAdapter satisfies operator.StatsProvider, blending engine-level PID
// tracking with the agent's own event counters and the remaining budget.
type statsAdapter struct {
	engine   *escalation.Engine
	counters *agentCounters
	bucket   *budget.Bucket
	start    time.Time
}

func (a *statsAdapter) Stats() operator.AgentStats {
	s := a.engine.Stats()
	return operator.AgentStats{
		EventsProcessed: atomic.LoadUint64(&a.counters.processed),
		EventsDropped:   atomic.LoadUint64(&a.counters.dropped),
		TrackedPIDs:     s.TrackedPIDs,
		BudgetRemaining: a.bucket.Remaining(),
		UptimeSeconds:   time.Since(a.start).Seconds(),
	}
}

// govStatsAdapter satisfies operator.GovernanceStatsProvider over
// *governance.ConstitutionalKernel.
type govStatsAdapter struct {
	kernel *governance.ConstitutionalKernel
}

func (a *govStatsAdapter) GovernanceStats() governance.Stats {
	return a.kernel.GetStats()
}
