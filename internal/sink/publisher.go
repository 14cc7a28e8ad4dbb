// Package sink implements the T1 escalation publisher and semantic-hint
// downlink receiver (spec.md §6).
//
// Publish is fire-and-forget: HandleEvent never blocks the escalation
// engine on network I/O. Events that cannot be sent immediately (T1
// unreachable, request in flight) are held in a bounded priority buffer
// and retried by a background worker; on overflow the lowest-priority
// entry, old or new, is evicted, so emerging high-severity
// escalations are never starved by a backlog of low-severity ones.
package sink

import (
	"bytes"
	"container/heap"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/octoreflex/octoreflex/internal/escalation"
	"github.com/octoreflex/octoreflex/internal/observability"
)

// EscalationEvent is the wire shape POSTed to the configured T1 sink.
type EscalationEvent struct {
	PID          uint32    `json:"pid"`
	Comm         string    `json:"comm,omitempty"`
	OldState     string    `json:"old_state"`
	NewState     string    `json:"new_state"`
	Severity     float64   `json:"severity"`
	Mt           float64   `json:"m_t"`
	Timestamp    time.Time `json:"timestamp"`
	NodeID       string    `json:"node_id"`
	DecisionHash string    `json:"decision_hash"`
	ParentHash   string    `json:"parent_hash"`
}

// priority returns the buffer ordering key: severity·10 + state_value, so
// higher-severity and deeper-isolation events survive overflow eviction
// longest (spec.md §6).
func priority(evt EscalationEvent, newState escalation.State) float64 {
	return evt.Severity*10 + float64(newState)
}

// item wraps a buffered event with its heap bookkeeping.
type item struct {
	id       string
	evt      EscalationEvent
	priority float64
	index    int
}

// priorityQueue is a min-heap on priority so the lowest-priority entry is
// always at the root, ready for O(log n) eviction on overflow.
type priorityQueue []*item

func (pq priorityQueue) Len() int            { return len(pq) }
func (pq priorityQueue) Less(i, j int) bool  { return pq[i].priority < pq[j].priority }
func (pq priorityQueue) Swap(i, j int)       { pq[i], pq[j] = pq[j], pq[i]; pq[i].index, pq[j].index = i, j }
func (pq *priorityQueue) Push(x interface{}) {
	n := len(*pq)
	it := x.(*item)
	it.index = n
	*pq = append(*pq, it)
}
func (pq *priorityQueue) Pop() interface{} {
	old := *pq
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*pq = old[:n-1]
	return it
}

// Compressor optionally compresses outbound event bodies. Identity is
// always available; Snappy is a config-gated seam (see DESIGN.md — no
// teacher-eligible repo in the retrieval pack imports a Snappy binding).
type Compressor interface {
	Name() string
	Compress(p []byte) ([]byte, error)
}

// Identity is the no-op Compressor.
type Identity struct{}

func (Identity) Name() string                    { return "identity" }
func (Identity) Compress(p []byte) ([]byte, error) { return p, nil }

// snappyCompressor is an interface seam for optional Snappy compression.
// Not wired to a real implementation: see DESIGN.md for why.
type snappyCompressor struct{}

func (snappyCompressor) Name() string { return "snappy" }
func (snappyCompressor) Compress(p []byte) ([]byte, error) {
	return nil, fmt.Errorf("sink: snappy compression requested but not available in this build")
}

// Config configures a Publisher.
type Config struct {
	Endpoint        string
	BufferCapacity  int
	RequestTimeout  time.Duration
	SnappyEnabled   bool
	NodeID          string
}

// Publisher buffers and fire-and-forget-POSTs escalation events to the
// configured T1 sink.
type Publisher struct {
	cfg        Config
	client     *http.Client
	compressor Compressor
	metrics    *observability.Metrics
	log        *zap.Logger

	mu  sync.Mutex
	pq  priorityQueue
	ids map[string]*item

	notify chan struct{}
}

// NewPublisher creates a Publisher. If cfg.Endpoint is empty, Publish
// becomes a local-buffer-only no-op sender (used in tests/simulate mode).
func NewPublisher(cfg Config, metrics *observability.Metrics, log *zap.Logger) *Publisher {
	if cfg.BufferCapacity <= 0 {
		cfg.BufferCapacity = 10000
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	var comp Compressor = Identity{}
	if cfg.SnappyEnabled {
		comp = snappyCompressor{}
	}
	p := &Publisher{
		cfg:        cfg,
		client:     &http.Client{Timeout: cfg.RequestTimeout},
		compressor: comp,
		metrics:    metrics,
		log:        log,
		ids:        make(map[string]*item),
		notify:     make(chan struct{}, 1),
	}
	heap.Init(&p.pq)
	return p
}

// Publish enqueues evt for delivery and, if the buffer is then over
// capacity, evicts the lowest-priority event (which may be evt itself).
// Never blocks on network I/O.
func (p *Publisher) Publish(evt EscalationEvent, newState escalation.State) {
	it := &item{id: uuid.NewString(), evt: evt, priority: priority(evt, newState)}

	p.mu.Lock()
	heap.Push(&p.pq, it)
	p.ids[it.id] = it
	if len(p.pq) > p.cfg.BufferCapacity {
		evicted := heap.Pop(&p.pq).(*item)
		delete(p.ids, evicted.id)
		if p.metrics != nil {
			p.metrics.BufferDroppedTotal.WithLabelValues("priority_evicted").Inc()
		}
	}
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Run drains the buffer, POSTing the highest-priority event first, until
// ctx is cancelled. Safe to run as a single background goroutine.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.notify:
			p.drain(ctx)
		case <-ticker.C:
			p.drain(ctx)
		}
	}
}

// drain POSTs buffered events highest-priority-first until the buffer is
// empty or a send fails (left events remain buffered for the next tick).
func (p *Publisher) drain(ctx context.Context) {
	for {
		p.mu.Lock()
		if len(p.pq) == 0 {
			p.mu.Unlock()
			return
		}
		// Peek the highest-priority item without removing it yet, so a
		// failed send leaves it in place for retry.
		top := p.pq[0]
		p.mu.Unlock()

		if p.cfg.Endpoint == "" {
			// No sink configured: treat as delivered so the buffer doesn't
			// grow unbounded in simulate/test runs.
			p.remove(top.id)
			continue
		}

		if err := p.send(ctx, top.evt); err != nil {
			p.log.Warn("sink: T1 publish failed, will retry", zap.Error(err), zap.String("event_id", top.id))
			return
		}
		p.remove(top.id)
	}
}

func (p *Publisher) remove(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	it, ok := p.ids[id]
	if !ok || it.index < 0 || it.index >= len(p.pq) || p.pq[it.index] != it {
		return
	}
	heap.Remove(&p.pq, it.index)
	delete(p.ids, id)
}

func (p *Publisher) send(ctx context.Context, evt EscalationEvent) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal escalation event: %w", err)
	}
	body, err = p.compressor.Compress(body)
	if err != nil {
		return fmt.Errorf("compress escalation event: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, p.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", p.compressor.Name())

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", p.cfg.Endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("POST %s: status %d", p.cfg.Endpoint, resp.StatusCode)
	}
	return nil
}

// BufferDepth returns the current number of buffered, undelivered events.
func (p *Publisher) BufferDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pq)
}
