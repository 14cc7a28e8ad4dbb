// Package gossip — wire.go
//
// The gossip wire format: length-prefixed JSON frames over a single mTLS
// 1.3 connection (see server.go "Dropped from the teacher's stack" in
// SPEC_FULL.md for why this replaces the teacher's gRPC transport — no
// generated protobuf package is available in this module).
//
// Frame = uint32 big-endian length || JSON body. One request frame per
// connection, one response frame back, then the connection is closed —
// gossip envelopes are small and infrequent enough that connection reuse
// isn't worth the complexity.

package gossip

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// maxFrameSize bounds a single gossip frame (64 KiB, matching the
// teacher's grpc.MaxRecvMsgSize).
const maxFrameSize = 64 * 1024

// Envelope is a single-observation gossip message (spec §6.2).
type Envelope struct {
	NodeID          string  `json:"node_id"`
	TimestampUnixNs int64   `json:"timestamp_unix_ns"`
	ProcessHash     string  `json:"process_hash"`
	AnomalyScore    float64 `json:"anomaly_score"`
	ImpactScore     float64 `json:"impact_score"`
	Signature       []byte  `json:"signature"`
}

// BaselineEnvelope carries an anonymized federated baseline share (spec §4.9).
type BaselineEnvelope struct {
	NodeID             string    `json:"node_id"`
	TimestampUnixNs    int64     `json:"timestamp_unix_ns"`
	ProcessHash        string    `json:"process_hash"`
	MeanVector         []float64 `json:"mean_vector"`
	CovarianceDiagonal []float64 `json:"covariance_diagonal"`
	SampleCount        uint32    `json:"sample_count"`
	BaselineEntropy    float64   `json:"baseline_entropy"`
	Signature          []byte    `json:"signature"`
}

// AckResponse acknowledges (or rejects) a received envelope.
type AckResponse struct {
	Accepted        bool   `json:"accepted"`
	RejectionReason string `json:"rejection_reason,omitempty"`
}

// HealthResponse answers a health probe.
type HealthResponse struct {
	NodeID        string `json:"node_id"`
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// requestFrame is the outer envelope that multiplexes the three RPCs this
// package needs over one wire format.
type requestFrame struct {
	Kind     string            `json:"kind"` // "share_observation" | "share_baseline" | "health"
	Envelope *Envelope         `json:"envelope,omitempty"`
	Baseline *BaselineEnvelope `json:"baseline,omitempty"`
}

// writeFrame writes a length-prefixed JSON frame to w.
func writeFrame(w io.Writer, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gossip: marshal frame: %w", err)
	}
	if len(body) > maxFrameSize {
		return fmt.Errorf("gossip: frame too large: %d bytes > %d", len(body), maxFrameSize)
	}
	hdr := make([]byte, 4)
	binary.BigEndian.PutUint32(hdr, uint32(len(body)))
	if _, err := w.Write(hdr); err != nil {
		return fmt.Errorf("gossip: write frame header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("gossip: write frame body: %w", err)
	}
	return nil
}

// readFrame reads a length-prefixed JSON frame from r into v.
func readFrame(r io.Reader, v interface{}) error {
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return fmt.Errorf("gossip: read frame header: %w", err)
	}
	n := binary.BigEndian.Uint32(hdr)
	if n > maxFrameSize {
		return fmt.Errorf("gossip: incoming frame too large: %d bytes", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("gossip: read frame body: %w", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("gossip: unmarshal frame: %w", err)
	}
	return nil
}
