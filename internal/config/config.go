// Package config provides configuration loading, validation, and hot-reload
// for the OCTOREFLEX agent.
//
// Configuration file: /etc/octoreflex/config.yaml (default), overridable via
// OCTOREFLEX_CONFIG. Schema version: 1.
//
// Hot-reload:
//   - Agent listens for SIGHUP.
//   - On SIGHUP: re-read and re-validate config.yaml.
//   - Apply the escalation engine's settings only (thresholds, weights and
//     the rest of escalation.FromAppConfig). The log level and all other
//     sections keep their startup values until restart.
//   - Destructive changes (DB path, BPF pin path, gossip port) require restart.
//   - If the new config is invalid, the old config remains active and an
//     error is logged. The agent does NOT crash on invalid hot-reload config.
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges enforced (e.g., alpha ∈ [0,1], weights ≥ 0).
//   - Invalid config on startup: agent refuses to start (fatal error).
//   - Invalid config on hot-reload: logged, old config retained.

package config

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/octoreflex/octoreflex/contrib"
)

// Version, GitCommit, BuildTime are injected by the Makefile via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure for OCTOREFLEX.
// All fields have defaults; see Defaults() for values.
type Config struct {
	// SchemaVersion must be "1". Future versions will trigger migration.
	SchemaVersion string `yaml:"schema_version"`

	// NodeID is a unique identifier for this OCTOREFLEX node.
	// Used in gossip envelopes and ledger entries. Default: hostname.
	NodeID string `yaml:"node_id"`

	Agent         AgentConfig         `yaml:"agent"`
	Anomaly       AnomalyConfig       `yaml:"anomaly"`
	Escalation    EscalationConfig    `yaml:"escalation"`
	Budget        BudgetConfig        `yaml:"budget"`
	Storage       StorageConfig       `yaml:"storage"`
	Gossip        GossipConfig        `yaml:"gossip"`
	Observability ObservabilityConfig `yaml:"observability"`
	Operator      OperatorConfig      `yaml:"operator"`
	Sink          SinkConfig          `yaml:"sink"`
	Camouflage    CamouflageYAML      `yaml:"camouflage"`
}

// AgentConfig holds agent-level operational parameters.
type AgentConfig struct {
	MaxGoroutines         int           `yaml:"max_goroutines"`
	EventQueueSize        int           `yaml:"event_queue_size"`
	MaxTrackedPIDs        int           `yaml:"max_tracked_pids"`
	WindowDuration        time.Duration `yaml:"window_duration"`
	WindowEvictionTimeout time.Duration `yaml:"window_eviction_timeout"`

	// LightweightMode disables Prometheus metrics and gossip to reduce
	// resource consumption on edge/low-power nodes.
	LightweightMode bool `yaml:"lightweight_mode"`

	// AnomalyScorer names the anomaly scorer: "mahalanobis" (the built-in
	// engine) or a name registered with contrib.RegisterScorer. Validate
	// rejects any other name, so an unknown name is a fatal init error.
	// The escalation engine scores with the built-in Mahalanobis engine
	// whatever name is set.
	AnomalyScorer string `yaml:"anomaly_scorer"`
}

// OperatorConfig holds operator override parameters.
type OperatorConfig struct {
	// SocketPath is the Unix domain socket path for the operator CLI.
	// Permissions: 0600, owned by root. Default: /run/octoreflex/operator.sock.
	SocketPath string `yaml:"socket_path"`

	// Enabled controls whether the operator socket is active.
	Enabled bool `yaml:"enabled"`

	// HMACKeyFile holds the shared key used to authenticate operator
	// requests (spec §4.13: HMAC-SHA256 over command+nonce).
	HMACKeyFile string `yaml:"hmac_key_file"`

	// RateLimitPerMinute bounds accepted requests per operator key.
	// Default: 10.
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
}

// AnomalyConfig holds anomaly engine parameters.
type AnomalyConfig struct {
	// EntropyWeight is wₑ in the anomaly formula A = mahal + wₑ|ΔH|.
	EntropyWeight float64 `yaml:"entropy_weight"`

	// MaxEvalsPerSecond caps the anomaly evaluation rate.
	MaxEvalsPerSecond int `yaml:"max_evals_per_second"`

	// MinSamples is the minimum baseline sample count before scoring is
	// eligible (invariant B1).
	MinSamples int `yaml:"min_samples"`

	// AMinFloor, when AdversarialFloorEnabled is set, is substituted for
	// A_t whenever the raw score is below it — a defense against a
	// control-law stall under an adversary that drives A_t -> 0 (spec §9).
	AdversarialFloorEnabled bool    `yaml:"adversarial_floor_enabled"`
	AMinFloor               float64 `yaml:"a_min_floor"`
}

// EscalationConfig holds severity weights, thresholds, and the control law.
type EscalationConfig struct {
	WeightAnomaly   float64 `yaml:"weight_anomaly"`
	WeightQuorum    float64 `yaml:"weight_quorum"`
	WeightIntegrity float64 `yaml:"weight_integrity"`
	WeightPressure  float64 `yaml:"weight_pressure"`

	ThresholdPressure    float64 `yaml:"threshold_pressure"`
	ThresholdIsolated    float64 `yaml:"threshold_isolated"`
	ThresholdFrozen      float64 `yaml:"threshold_frozen"`
	ThresholdQuarantined float64 `yaml:"threshold_quarantined"`
	ThresholdTerminated  float64 `yaml:"threshold_terminated"`

	PressureAlpha    float64       `yaml:"pressure_alpha"`
	CooldownDuration time.Duration `yaml:"cooldown_duration"`

	// IMax bounds the integrity score contribution (spec §4.10 I_t ∈ [0,P_max]
	// analogue for integrity); also used as the semantic-hint risk-boost unit
	// (I_max/3 per risk level, per spec §9's documented constant).
	IMax float64 `yaml:"i_max"`

	// PI extension (spec §4.5): optional anti-windup integral term.
	PIEnabled       bool    `yaml:"pi_enabled"`
	IntegralAlpha   float64 `yaml:"integral_alpha"`
	IntegralMax     float64 `yaml:"integral_max"`
	IntegralWeight  float64 `yaml:"integral_weight"`

	ControlLaw ControlLawConfig `yaml:"control_law"`
}

// ControlLawConfig parameterizes the m_t mutation-rate control law (spec §4.11).
type ControlLawConfig struct {
	Lambda1     float64 `yaml:"lambda1"`
	Lambda2     float64 `yaml:"lambda2"`
	SigmoidGain float64 `yaml:"sigmoid_gain"`
	SeverityMax float64 `yaml:"severity_max"`
}

// BudgetConfig holds token bucket parameters.
type BudgetConfig struct {
	Capacity     int           `yaml:"capacity"`
	RefillPeriod time.Duration `yaml:"refill_period"`
}

// StorageConfig holds BoltDB parameters.
type StorageConfig struct {
	DBPath        string `yaml:"db_path"`
	RetentionDays int    `yaml:"retention_days"`
}

// GossipConfig holds the optional distributed quorum parameters.
type GossipConfig struct {
	Enabled bool `yaml:"enabled"`

	// ListenAddr is the mTLS listen address. Default: 0.0.0.0:9443.
	ListenAddr string `yaml:"listen_addr"`

	Peers []string `yaml:"peers"`

	QuorumMin   int           `yaml:"quorum_min"`
	EnvelopeTTL time.Duration `yaml:"envelope_ttl"`

	// PartitionThreshold θ and PartitionFactor φ per spec §4.9/§8.
	PartitionThreshold float64 `yaml:"partition_threshold"`
	PartitionFactor    float64 `yaml:"partition_factor"`

	TLSCertFile string `yaml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file"`
	TLSCAFile   string `yaml:"tls_ca_file"`

	FederatedBaseline FederatedBaselineConfig `yaml:"federated_baseline"`
}

// FederatedBaselineConfig controls anonymized baseline sharing via gossip.
type FederatedBaselineConfig struct {
	Enabled       bool          `yaml:"enabled"`
	ShareInterval time.Duration `yaml:"share_interval"`
	MinSamples    int           `yaml:"min_samples"`
	TrustWeight   float64       `yaml:"trust_weight"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
}

// SinkConfig configures the fire-and-forget T1 escalation publish and its
// local priority buffer (spec §6).
type SinkConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Endpoint        string        `yaml:"endpoint"`
	BufferCapacity  int           `yaml:"buffer_capacity"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	SnappyEnabled   bool          `yaml:"snappy_enabled"`
	SemanticHintTTL time.Duration `yaml:"semantic_hint_ttl"`
}

// CamouflageYAML mirrors escalation.CamouflageConfig for YAML decoding;
// kept as a distinct type so the escalation package doesn't need yaml tags.
type CamouflageYAML struct {
	Enabled       bool          `yaml:"enabled"`
	PortBase      int           `yaml:"port_base"`
	PortRange     int           `yaml:"port_range"`
	DecoyEnabled  bool          `yaml:"decoy_enabled"`
	DecoyBindAddr string        `yaml:"decoy_bind_addr"`
	HintDir       string        `yaml:"hint_dir"`
	HintGID       int           `yaml:"hint_gid"`
	BaseEpochSecs time.Duration `yaml:"base_epoch"`
	MinEpochSecs  time.Duration `yaml:"min_epoch"`
}

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	hostname, _ := os.Hostname()
	return Config{
		SchemaVersion: "1",
		NodeID:        hostname,
		Agent: AgentConfig{
			MaxGoroutines:         4,
			EventQueueSize:        10000,
			MaxTrackedPIDs:        8192,
			WindowDuration:        5 * time.Second,
			WindowEvictionTimeout: 60 * time.Second,
			AnomalyScorer:         "mahalanobis",
		},
		Anomaly: AnomalyConfig{
			EntropyWeight:     0.3,
			MaxEvalsPerSecond: 10000,
			MinSamples:        30,
		},
		Escalation: EscalationConfig{
			WeightAnomaly:        0.4,
			WeightQuorum:         0.2,
			WeightIntegrity:      0.2,
			WeightPressure:       0.2,
			ThresholdPressure:    1.0,
			ThresholdIsolated:    3.0,
			ThresholdFrozen:      6.0,
			ThresholdQuarantined: 9.0,
			ThresholdTerminated:  12.0,
			PressureAlpha:        0.8,
			CooldownDuration:     30 * time.Second,
			IMax:                 1.0,
			IntegralAlpha:        0.1,
			IntegralMax:          10.0,
			IntegralWeight:       0.1,
			ControlLaw: ControlLawConfig{
				Lambda1:     0.4,
				Lambda2:     0.6,
				SigmoidGain: 4.0,
				SeverityMax: 10.0,
			},
		},
		Budget: BudgetConfig{
			Capacity:     100,
			RefillPeriod: 60 * time.Second,
		},
		Storage: StorageConfig{
			DBPath:        DefaultDBPath,
			RetentionDays: 30,
		},
		Gossip: GossipConfig{
			Enabled:            false,
			ListenAddr:         "0.0.0.0:9443",
			QuorumMin:          2,
			EnvelopeTTL:        30 * time.Second,
			PartitionThreshold: 0.5,
			PartitionFactor:    0.5,
			FederatedBaseline: FederatedBaselineConfig{
				Enabled:       false,
				ShareInterval: 5 * time.Minute,
				MinSamples:    100,
				TrustWeight:   0.3,
			},
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		Operator: OperatorConfig{
			Enabled:            true,
			SocketPath:         "/run/octoreflex/operator.sock",
			RateLimitPerMinute: 10,
		},
		Sink: SinkConfig{
			Enabled:         false,
			BufferCapacity:  10000,
			RequestTimeout:  5 * time.Second,
			SemanticHintTTL: 5 * time.Minute,
		},
		Camouflage: CamouflageYAML{
			Enabled:       false,
			PortBase:      32768,
			PortRange:     16384,
			DecoyEnabled:  true,
			DecoyBindAddr: "127.0.0.1",
			HintDir:       "/run/octoreflex",
			BaseEpochSecs: time.Hour,
			MinEpochSecs:  5 * time.Minute,
		},
	}
}

// DefaultDBPath mirrors the storage package constant for use in config defaults.
const DefaultDBPath = "/var/lib/octoreflex/octoreflex.db"

// Load reads and validates a config file from the given path.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks all config fields for correctness, collecting every
// violation via multierr rather than stopping at the first one, so a
// single failed load reports everything wrong with it at once.
func Validate(cfg *Config) error {
	var errs error

	if cfg.SchemaVersion != "1" {
		errs = multierr.Append(errs, fmt.Errorf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.NodeID == "" {
		errs = multierr.Append(errs, fmt.Errorf("node_id must not be empty"))
	}
	if cfg.Agent.MaxGoroutines < 1 || cfg.Agent.MaxGoroutines > 64 {
		errs = multierr.Append(errs, fmt.Errorf("agent.max_goroutines must be in [1, 64], got %d", cfg.Agent.MaxGoroutines))
	}
	if cfg.Agent.EventQueueSize < 100 {
		errs = multierr.Append(errs, fmt.Errorf("agent.event_queue_size must be >= 100, got %d", cfg.Agent.EventQueueSize))
	}
	if cfg.Agent.MaxTrackedPIDs < 1 || cfg.Agent.MaxTrackedPIDs > 65536 {
		errs = multierr.Append(errs, fmt.Errorf("agent.max_tracked_pids must be in [1, 65536], got %d", cfg.Agent.MaxTrackedPIDs))
	}
	if s := cfg.Agent.AnomalyScorer; s != "mahalanobis" {
		if _, err := contrib.GetScorer(s); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("agent.anomaly_scorer: %w", err))
		}
	}
	if cfg.Anomaly.EntropyWeight < 0.0 || cfg.Anomaly.EntropyWeight > 1.0 {
		errs = multierr.Append(errs, fmt.Errorf("anomaly.entropy_weight must be in [0.0, 1.0], got %f", cfg.Anomaly.EntropyWeight))
	}
	if cfg.Anomaly.MinSamples < 0 {
		errs = multierr.Append(errs, fmt.Errorf("anomaly.min_samples must be >= 0, got %d", cfg.Anomaly.MinSamples))
	}
	if cfg.Escalation.PressureAlpha < 0.0 || cfg.Escalation.PressureAlpha > 1.0 {
		errs = multierr.Append(errs, fmt.Errorf("escalation.pressure_alpha must be in [0.0, 1.0], got %f", cfg.Escalation.PressureAlpha))
	}
	if cfg.Escalation.WeightAnomaly < 0 || cfg.Escalation.WeightQuorum < 0 ||
		cfg.Escalation.WeightIntegrity < 0 || cfg.Escalation.WeightPressure < 0 {
		errs = multierr.Append(errs, fmt.Errorf("all escalation weights must be >= 0"))
	}
	if !strictlyIncreasing(
		cfg.Escalation.ThresholdPressure,
		cfg.Escalation.ThresholdIsolated,
		cfg.Escalation.ThresholdFrozen,
		cfg.Escalation.ThresholdQuarantined,
		cfg.Escalation.ThresholdTerminated,
	) {
		errs = multierr.Append(errs, fmt.Errorf(
			"escalation thresholds must be strictly increasing: pressure=%f isolated=%f frozen=%f quarantined=%f terminated=%f",
			cfg.Escalation.ThresholdPressure, cfg.Escalation.ThresholdIsolated,
			cfg.Escalation.ThresholdFrozen, cfg.Escalation.ThresholdQuarantined,
			cfg.Escalation.ThresholdTerminated))
	}
	if cfg.Budget.Capacity < 1 {
		errs = multierr.Append(errs, fmt.Errorf("budget.capacity must be >= 1, got %d", cfg.Budget.Capacity))
	}
	if cfg.Budget.RefillPeriod < time.Second {
		errs = multierr.Append(errs, fmt.Errorf("budget.refill_period must be >= 1s, got %s", cfg.Budget.RefillPeriod))
	}
	if cfg.Storage.DBPath == "" {
		errs = multierr.Append(errs, fmt.Errorf("storage.db_path must not be empty"))
	}
	if cfg.Storage.RetentionDays < 1 {
		errs = multierr.Append(errs, fmt.Errorf("storage.retention_days must be >= 1, got %d", cfg.Storage.RetentionDays))
	}
	if cfg.Gossip.Enabled {
		if cfg.Gossip.TLSCertFile == "" || cfg.Gossip.TLSKeyFile == "" || cfg.Gossip.TLSCAFile == "" {
			errs = multierr.Append(errs, fmt.Errorf("gossip.tls_cert_file, tls_key_file, and tls_ca_file are required when gossip is enabled"))
		}
		if cfg.Gossip.QuorumMin < 1 {
			errs = multierr.Append(errs, fmt.Errorf("gossip.quorum_min must be >= 1, got %d", cfg.Gossip.QuorumMin))
		}
		if cfg.Gossip.PartitionThreshold <= 0 || cfg.Gossip.PartitionThreshold > 1 {
			errs = multierr.Append(errs, fmt.Errorf("gossip.partition_threshold must be in (0, 1], got %f", cfg.Gossip.PartitionThreshold))
		}
		if cfg.Gossip.FederatedBaseline.Enabled {
			if cfg.Gossip.FederatedBaseline.TrustWeight < 0.0 || cfg.Gossip.FederatedBaseline.TrustWeight > 1.0 {
				errs = multierr.Append(errs, fmt.Errorf(
					"gossip.federated_baseline.trust_weight must be in [0.0, 1.0], got %f",
					cfg.Gossip.FederatedBaseline.TrustWeight))
			}
			if cfg.Gossip.FederatedBaseline.MinSamples < 1 {
				errs = multierr.Append(errs, fmt.Errorf(
					"gossip.federated_baseline.min_samples must be >= 1, got %d",
					cfg.Gossip.FederatedBaseline.MinSamples))
			}
		}
	}
	if cfg.Agent.LightweightMode && cfg.Gossip.Enabled {
		errs = multierr.Append(errs, fmt.Errorf("agent.lightweight_mode=true is incompatible with gossip.enabled=true"))
	}
	if cfg.Operator.Enabled && cfg.Operator.RateLimitPerMinute < 1 {
		errs = multierr.Append(errs, fmt.Errorf("operator.rate_limit_per_minute must be >= 1, got %d", cfg.Operator.RateLimitPerMinute))
	}

	return errs
}

func strictlyIncreasing(vs ...float64) bool {
	for i := 1; i < len(vs); i++ {
		if vs[i] <= vs[i-1] {
			return false
		}
	}
	return true
}
