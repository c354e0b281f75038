package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAndRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.FrameSent()
	m.FrameSent()
	m.Written(10)
	m.Written(5)
	m.Written(0)
	m.Read(7)
	m.ConnectFailure("refused")
	m.ConnectFailure("refused")
	m.InboundDrop("stale")
	m.RequestsDiscardedN(3)
	m.SetState(4)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.FramesSent))
	assert.Equal(t, 15.0, testutil.ToFloat64(m.BytesWritten))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.BytesRead))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ConnectFailures.WithLabelValues("refused")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.InboundDropped.WithLabelValues("stale")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.RequestsDiscarded))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.State))

	n, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Greater(t, n, 0)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.FrameSent()
		m.Written(1)
		m.Read(1)
		m.FrameReceived()
		m.ConnectAttempt()
		m.ConnectFailure("x")
		m.Reconnect()
		m.HandshakeRejection()
		m.InboundDrop("x")
		m.RequestsDiscardedN(1)
		m.RequestTimedOut()
		m.SetState(1)
	})
}

func TestQueueDepthGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	depth := 0
	require.NoError(t, RegisterQueueDepth(reg, "outbound", func() int { return depth }))
	depth = 5

	n, err := testutil.GatherAndCount(reg, "stmgr_link_queue_depth")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoError(t, RegisterQueueDepth(nil, "inbound", func() int { return 0 }))
}
