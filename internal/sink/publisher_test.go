package sink_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/octoreflex/octoreflex/internal/escalation"
	"github.com/octoreflex/octoreflex/internal/observability"
	"github.com/octoreflex/octoreflex/internal/sink"
)

func TestPublisher_DeliversToEndpoint(t *testing.T) {
	var received int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt sink.EscalationEvent
		require.NoError(t, json.NewDecoder(r.Body).Decode(&evt))
		atomic.AddInt32(&received, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := observability.NewMetrics()
	p := sink.NewPublisher(sink.Config{Endpoint: srv.URL, BufferCapacity: 10}, m, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	p.Publish(sink.EscalationEvent{PID: 1, Severity: 5, NodeID: "n1"}, escalation.StateIsolated)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&received) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPublisher_EvictsLowestPriorityOnOverflow(t *testing.T) {
	m := observability.NewMetrics()
	p := sink.NewPublisher(sink.Config{Endpoint: "", BufferCapacity: 2}, m, zap.NewNop())

	p.Publish(sink.EscalationEvent{PID: 1, Severity: 1}, escalation.StatePressure) // priority 11
	p.Publish(sink.EscalationEvent{PID: 2, Severity: 10}, escalation.StateTerminated) // priority 105
	assert.Equal(t, 2, p.BufferDepth())

	p.Publish(sink.EscalationEvent{PID: 3, Severity: 20}, escalation.StateTerminated) // priority 205, should evict PID 1
	assert.Equal(t, 2, p.BufferDepth())
}

func TestPublisher_NoEndpointDrainsWithoutGrowingUnbounded(t *testing.T) {
	m := observability.NewMetrics()
	p := sink.NewPublisher(sink.Config{Endpoint: "", BufferCapacity: 10}, m, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	p.Publish(sink.EscalationEvent{PID: 1}, escalation.StatePressure)
	require.Eventually(t, func() bool { return p.BufferDepth() == 0 }, time.Second, 10*time.Millisecond)
}
