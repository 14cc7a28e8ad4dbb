// Package gossip — server.go
//
// mTLS 1.3 server for the OCTOREFLEX gossip layer. Speaks the
// length-prefixed JSON wire format defined in wire.go over
// net.Listen/tls.Dial — see SPEC_FULL.md's "Dropped from the teacher's
// stack" section for why this replaces a gRPC transport (the teacher
// depends on a generated protobuf package this module does not have).
//
// Transport security:
//   - TLS 1.3 only (tls.VersionTLS13).
//   - Mutual TLS: client must present a certificate signed by the configured CA.
//   - Certificate type: Ed25519 (as per spec §6.1).
//
// Envelope verification (per §6.2):
//   1. Reject if timestamp older than EnvelopeTTL (default 30s).
//   2. Reject if Ed25519 signature invalid.
//   3. Reject if peer node_id not in trusted peer list.
//
// Quorum accumulation:
//   - Accepted envelopes are forwarded to the quorum evaluator.
//   - The quorum evaluator is injected as a dependency (interface).

package gossip

import (
	"crypto/ed25519"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"fmt"
	"math"
	"net"
	"os"
	"time"

	"go.uber.org/zap"
)

// QuorumAccumulator is the interface the server uses to forward accepted
// envelopes to the quorum evaluator.
type QuorumAccumulator interface {
	Record(processHash string, nodeID string, anomalyScore float64)
}

// Server handles incoming gossip connections: observation sharing, baseline
// sharing, and health probes.
type Server struct {
	nodeID       string
	trustedPeers map[string]ed25519.PublicKey // node_id → public key
	envelopeTTL  time.Duration
	quorum       QuorumAccumulator
	baselines    *FederatedBaselineManager // may be nil if federated baselines disabled
	log          *zap.Logger
	startTime    time.Time
}

// NewServer creates a gossip server. trustedPeers maps node_id to Ed25519
// public key for envelope verification. baselines may be nil if federated
// baseline sharing is disabled.
func NewServer(
	nodeID string,
	trustedPeers map[string]ed25519.PublicKey,
	envelopeTTL time.Duration,
	quorum QuorumAccumulator,
	baselines *FederatedBaselineManager,
	log *zap.Logger,
) *Server {
	return &Server{
		nodeID:       nodeID,
		trustedPeers: trustedPeers,
		envelopeTTL:  envelopeTTL,
		quorum:       quorum,
		baselines:    baselines,
		log:          log,
		startTime:    time.Now(),
	}
}

// ShareObservation verifies the envelope and forwards it to the quorum accumulator.
func (s *Server) ShareObservation(env *Envelope) AckResponse {
	envTime := time.Unix(0, env.TimestampUnixNs)
	age := time.Since(envTime)
	if age > s.envelopeTTL || age < -5*time.Second {
		s.log.Warn("gossip envelope rejected: stale timestamp",
			zap.String("node_id", env.NodeID), zap.Duration("age", age))
		return AckResponse{Accepted: false, RejectionReason: "timestamp_stale"}
	}

	pubKey, trusted := s.trustedPeers[env.NodeID]
	if !trusted {
		s.log.Warn("gossip envelope rejected: unknown peer", zap.String("node_id", env.NodeID))
		return AckResponse{Accepted: false, RejectionReason: "peer_unknown"}
	}

	msg := envelopeSignatureMessage(env)
	if !ed25519.Verify(pubKey, msg, env.Signature) {
		s.log.Warn("gossip envelope rejected: invalid signature", zap.String("node_id", env.NodeID))
		return AckResponse{Accepted: false, RejectionReason: "signature_invalid"}
	}

	s.quorum.Record(env.ProcessHash, env.NodeID, env.AnomalyScore)

	s.log.Debug("gossip envelope accepted",
		zap.String("node_id", env.NodeID),
		zap.String("process_hash", env.ProcessHash),
		zap.Float64("anomaly_score", env.AnomalyScore))

	return AckResponse{Accepted: true}
}

// ShareBaseline verifies and merges an incoming federated baseline envelope.
func (s *Server) ShareBaseline(env *BaselineEnvelope) AckResponse {
	if s.baselines == nil {
		return AckResponse{Accepted: false, RejectionReason: "federated_baseline_disabled"}
	}
	pubKey, trusted := s.trustedPeers[env.NodeID]
	if !trusted {
		return AckResponse{Accepted: false, RejectionReason: "peer_unknown"}
	}
	if err := s.baselines.ReceiveBaseline(env, pubKey, s.envelopeTTL); err != nil {
		s.log.Warn("gossip baseline envelope rejected", zap.String("node_id", env.NodeID), zap.Error(err))
		return AckResponse{Accepted: false, RejectionReason: err.Error()}
	}
	return AckResponse{Accepted: true}
}

// HealthCheck reports node liveness.
func (s *Server) HealthCheck() HealthResponse {
	return HealthResponse{
		NodeID:        s.nodeID,
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
	}
}

// envelopeSignatureMessage constructs the canonical byte sequence that is
// signed by the sender and verified by the receiver.
//
// Message = node_id_bytes || timestamp_bytes (8 LE) || process_hash_bytes ||
//           anomaly_score_bytes (8 LE IEEE 754) || impact_score_bytes (8 LE)
func envelopeSignatureMessage(env *Envelope) []byte {
	var buf []byte
	buf = append(buf, []byte(env.NodeID)...)
	ts := make([]byte, 8)
	binary.LittleEndian.PutUint64(ts, uint64(env.TimestampUnixNs))
	buf = append(buf, ts...)
	buf = append(buf, []byte(env.ProcessHash)...)
	as := make([]byte, 8)
	binary.LittleEndian.PutUint64(as, math.Float64bits(env.AnomalyScore))
	buf = append(buf, as...)
	is := make([]byte, 8)
	binary.LittleEndian.PutUint64(is, math.Float64bits(env.ImpactScore))
	buf = append(buf, is...)
	return buf
}

// ListenAndServe starts the mTLS server on the given address.
// Blocks until ctx is cancelled (via a background goroutine closing the listener).
func ListenAndServe(
	ctx interface{ Done() <-chan struct{} },
	addr string,
	certFile, keyFile, caFile string,
	srv *Server,
	log *zap.Logger,
) error {
	tlsCfg, err := buildServerTLS(certFile, keyFile, caFile)
	if err != nil {
		return fmt.Errorf("gossip TLS config: %w", err)
	}

	lis, err := tls.Listen("tcp", addr, tlsCfg)
	if err != nil {
		return fmt.Errorf("gossip listen %s: %w", addr, err)
	}

	log.Info("gossip server listening", zap.String("addr", addr))

	go func() {
		<-ctx.Done()
		_ = lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				log.Warn("gossip accept error", zap.Error(err))
				continue
			}
		}
		go srv.handleConn(conn, log)
	}
}

// handleConn services one request/response round-trip and closes the connection.
func (s *Server) handleConn(conn net.Conn, log *zap.Logger) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))

	var req requestFrame
	if err := readFrame(conn, &req); err != nil {
		log.Warn("gossip: read request frame", zap.Error(err))
		return
	}

	var resp interface{}
	switch req.Kind {
	case "share_observation":
		if req.Envelope == nil {
			resp = AckResponse{Accepted: false, RejectionReason: "missing_envelope"}
		} else {
			resp = s.ShareObservation(req.Envelope)
		}
	case "share_baseline":
		if req.Baseline == nil {
			resp = AckResponse{Accepted: false, RejectionReason: "missing_envelope"}
		} else {
			resp = s.ShareBaseline(req.Baseline)
		}
	case "health":
		resp = s.HealthCheck()
	default:
		resp = AckResponse{Accepted: false, RejectionReason: "unknown_request_kind"}
	}

	if err := writeFrame(conn, resp); err != nil {
		log.Warn("gossip: write response frame", zap.Error(err))
	}
}

// buildServerTLS constructs a TLS 1.3-only mTLS config for the gossip server.
// Loads the certificate and key (their key type is not checked, so a
// non-Ed25519 pair is accepted too), and a CA certificate for client
// verification.
func buildServerTLS(certFile, keyFile, caFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load server cert/key: %w", err)
	}

	caData, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read CA file %q: %w", caFile, err)
	}
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caData) {
		return nil, fmt.Errorf("failed to parse CA certificate from %q", caFile)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    caPool,
		MinVersion:   tls.VersionTLS13,
		// TLS 1.3 cipher suites are not configurable in Go's crypto/tls;
		// Go automatically uses TLS_AES_256_GCM_SHA384 and
		// TLS_CHACHA20_POLY1305_SHA256. Both are acceptable per spec.
	}, nil
}

// buildClientTLS constructs the matching client-side mTLS config. Nothing
// in this package calls it: FederatedBaselineManager uses the tls.Config
// passed to its constructor.
func buildClientTLS(certFile, keyFile, caFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load client cert/key: %w", err)
	}
	caData, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read CA file %q: %w", caFile, err)
	}
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caData) {
		return nil, fmt.Errorf("failed to parse CA certificate from %q", caFile)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      caPool,
		MinVersion:   tls.VersionTLS13,
	}, nil
}
