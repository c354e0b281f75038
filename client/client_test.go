package client

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"stmgr-link/codec"
	"stmgr-link/eventloop"
	"stmgr-link/message"
	"stmgr-link/metrics"
	"stmgr-link/protocol"
	"stmgr-link/queue"
	"stmgr-link/registry"
	"stmgr-link/reqid"
	"stmgr-link/transport"
)

// peerConn is the Stream Manager's end of one instance connection.
type peerConn struct {
	net.Conn
	mu sync.Mutex
}

func (p *peerConn) send(f *protocol.Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return protocol.WriteFrame(p.Conn, f)
}

// fakeStmgr answers register requests over blocking sockets and hands every
// later frame to onFrame.
type fakeStmgr struct {
	ln net.Listener
	cd codec.Codec

	status        message.StatusCode
	silent        bool
	afterRegister func(pc *peerConn)
	onFrame       func(pc *peerConn, f *protocol.Frame)

	registered chan reqid.REQID
	accepted   atomic.Int32
	// hungUp receives the read error once a silent peer sees the client go away.
	hungUp     chan error

	mu    sync.Mutex
	conns []*peerConn
}

func startFakeStmgr(t *testing.T, configure func(s *fakeStmgr)) *fakeStmgr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &fakeStmgr{
		ln:         ln,
		cd:         codec.GetCodec(codec.CodecTypeProto),
		status:     message.StatusOK,
		registered: make(chan reqid.REQID, 16),
		hungUp:     make(chan error, 16),
	}
	if configure != nil {
		configure(s)
	}
	go s.acceptLoop()
	t.Cleanup(s.close)
	return s
}

func (s *fakeStmgr) addr() string { return s.ln.Addr().String() }

func (s *fakeStmgr) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.accepted.Add(1)
		pc := &peerConn{Conn: conn}
		s.mu.Lock()
		s.conns = append(s.conns, pc)
		s.mu.Unlock()
		go s.serve(pc)
	}
}

func (s *fakeStmgr) serve(pc *peerConn) {
	defer pc.Close()

	f, err := protocol.ReadFrame(pc)
	if err != nil || f.TypeName != message.TypeRegisterInstanceRequest {
		return
	}
	var req message.RegisterInstanceRequest
	if err := s.cd.Decode(f.Payload, &req); err != nil {
		return
	}
	if s.silent {
		// Hold the connection open without answering.
		_, err := protocol.ReadFrame(pc)
		s.hungUp <- err
		return
	}

	resp := &message.RegisterInstanceResponse{Status: message.Status{Code: s.status}}
	if s.status == message.StatusOK {
		resp.PhysicalPlan = testPlan(req.Instance)
	} else {
		resp.Status.Message = "instance not in physical plan"
	}
	payload, _ := s.cd.Encode(resp)
	if err := pc.send(&protocol.Frame{TypeName: message.TypeRegisterInstanceResponse, ID: f.ID, Payload: payload}); err != nil {
		return
	}
	s.registered <- f.ID
	if s.status != message.StatusOK {
		return
	}
	if s.afterRegister != nil {
		s.afterRegister(pc)
	}

	for {
		f, err := protocol.ReadFrame(pc)
		if err != nil {
			return
		}
		if s.onFrame != nil {
			s.onFrame(pc, f)
		}
	}
}

func (s *fakeStmgr) dropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pc := range s.conns {
		pc.Close()
	}
	s.conns = nil
}

func (s *fakeStmgr) close() {
	s.ln.Close()
	s.dropConnections()
}

func (s *fakeStmgr) waitRegistered(t *testing.T) reqid.REQID {
	t.Helper()
	select {
	case id := <-s.registered:
		return id
	case <-time.After(5 * time.Second):
		t.Fatal("instance never registered")
		return reqid.Zero
	}
}

func testInstance() message.Instance {
	return message.Instance{InstanceID: "container_1_word_2", StmgrID: "stmgr-1", TaskID: 2, ComponentIndex: 0, ComponentName: "word"}
}

func testPlan(self message.Instance) *message.PhysicalPlan {
	return &message.PhysicalPlan{
		Topology: message.Topology{ID: "wordcount-1", Name: "wordcount", State: message.TopologyRunning},
		Stmgrs:   []message.StMgr{{ID: "stmgr-1", HostName: "127.0.0.1", DataPort: 7000}},
		Instances: []message.Instance{
			self,
			{InstanceID: "container_1_count_3", StmgrID: "stmgr-1", TaskID: 3, ComponentName: "count"},
		},
	}
}

type fixture struct {
	client *Client
	loop   *eventloop.Loop
	out    *queue.Queue[Outbound]
	in     *queue.Queue[Inbound]
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryInterval = 20 * time.Millisecond
	cfg.MaxRetryAttempts = 3
	cfg.ConnectTimeout = 2 * time.Second
	cfg.HandshakeTimeout = 2 * time.Second
	return cfg
}

func newFixture(t *testing.T, cfg Config, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		loop: eventloop.New(),
		out:  queue.New[Outbound](256),
		in:   queue.New[Inbound](256),
	}
	base := []Option{
		WithLogger(zaptest.NewLogger(t)),
		WithRegistration(&message.RegisterInstanceRequest{
			Instance:     testInstance(),
			TopologyName: "wordcount",
			TopologyID:   "wordcount-1",
		}),
	}
	c, err := New(f.loop, cfg, f.out, f.in, append(base, opts...)...)
	require.NoError(t, err)
	f.client = c

	go f.loop.Run(context.Background())
	t.Cleanup(func() {
		f.loop.ExitLoop()
		<-f.loop.Done()
	})
	return f
}

func (f *fixture) next(t *testing.T) Inbound {
	t.Helper()
	in, ok := f.in.Poll(5 * time.Second)
	require.True(t, ok, "no inbound entry within 5s")
	return in
}

// startReady starts the client and consumes the register response.
func (f *fixture) startReady(t *testing.T, s *fakeStmgr) {
	t.Helper()
	require.NoError(t, f.client.Start())
	s.waitRegistered(t)
	resp := f.next(t)
	require.Equal(t, message.TypeRegisterInstanceResponse, resp.TypeName)
	require.Equal(t, Ready, f.client.State())
}

func TestRegisterEndToEnd(t *testing.T) {
	s := startFakeStmgr(t, nil)
	f := newFixture(t, testConfig(), WithAddress(s.addr()))

	start := time.Now()
	require.NoError(t, f.client.Start())
	sentID := s.waitRegistered(t)

	in := f.next(t)
	assert.Less(t, time.Since(start), 5*time.Second)
	require.NoError(t, in.Err)
	assert.Equal(t, message.TypeRegisterInstanceResponse, in.TypeName)
	assert.Equal(t, sentID, in.ID, "response must carry the request's REQID")
	assert.False(t, in.ID.IsSentinel())

	var resp message.RegisterInstanceResponse
	require.NoError(t, f.client.Decode(in, &resp))
	require.True(t, resp.Status.OK())
	require.NotNil(t, resp.PhysicalPlan)
	assert.Equal(t, 1, resp.PhysicalPlan.StmgrsCount())
	assert.Equal(t, 2, resp.PhysicalPlan.InstancesCount())
	assert.Equal(t, Ready, f.client.State())
}

func TestRetryBoundWithRefusingPeer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	var resolves, failures atomic.Int32
	var reported error
	resolver := registry.ResolverFunc(func(context.Context) (string, error) {
		resolves.Add(1)
		return addr, nil
	})
	m := metrics.New(nil)
	f := newFixture(t, testConfig(),
		WithResolver(resolver),
		WithMetrics(m),
		WithOnFailure(func(err error) {
			failures.Add(1)
			reported = err
		}))

	require.NoError(t, f.client.Start())
	select {
	case <-f.client.Failed():
	case <-time.After(5 * time.Second):
		t.Fatal("client never gave up")
	}
	<-f.loop.Done()

	assert.Equal(t, int32(3), resolves.Load(), "exactly MaxRetryAttempts connect cycles")
	assert.Equal(t, int32(1), failures.Load(), "failure reported exactly once")
	assert.Equal(t, Failed, f.client.State())
	assert.ErrorIs(t, reported, ErrRetriesExhausted)
	assert.ErrorIs(t, f.client.Err(), ErrRetriesExhausted)

	var term *TerminalError
	require.ErrorAs(t, f.client.Err(), &term)
	assert.Equal(t, 3, term.Attempts)
	assert.Equal(t, addr, term.Address)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.ConnectAttempts))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Reconnects))

	_, err = f.client.Send("test.Tuple", nil, FireAndForget)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
}

func TestHandshakeRejectedCountsTowardRetries(t *testing.T) {
	s := startFakeStmgr(t, func(s *fakeStmgr) { s.status = message.StatusInvalidInstance })
	cfg := testConfig()
	cfg.MaxRetryAttempts = 2
	f := newFixture(t, cfg, WithAddress(s.addr()))

	require.NoError(t, f.client.Start())
	select {
	case <-f.client.Failed():
	case <-time.After(5 * time.Second):
		t.Fatal("client never gave up")
	}

	assert.Equal(t, int32(2), s.accepted.Load())
	err := f.client.Err()
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.ErrorIs(t, err, ErrHandshakeRejected)
	var hs *HandshakeError
	require.ErrorAs(t, err, &hs)
	assert.Equal(t, int32(message.StatusInvalidInstance), hs.Code)
	assert.Equal(t, 0, f.in.Len(), "a rejected handshake delivers nothing")
}

func TestHandshakeTimeout(t *testing.T) {
	s := startFakeStmgr(t, func(s *fakeStmgr) { s.silent = true })
	cfg := testConfig()
	cfg.MaxRetryAttempts = 1
	cfg.HandshakeTimeout = 50 * time.Millisecond
	f := newFixture(t, cfg, WithAddress(s.addr()))

	require.NoError(t, f.client.Start())
	select {
	case <-f.client.Failed():
	case <-time.After(5 * time.Second):
		t.Fatal("handshake timeout never fired")
	}
	assert.ErrorIs(t, f.client.Err(), ErrHandshakeTimeout)
}

func TestSocketReleasedBeforeFailureReport(t *testing.T) {
	s := startFakeStmgr(t, func(s *fakeStmgr) { s.silent = true })
	cfg := testConfig()
	cfg.MaxRetryAttempts = 1
	cfg.HandshakeTimeout = 50 * time.Millisecond

	type report struct {
		state   State
		peerErr error
		closed  bool
	}
	reports := make(chan report, 2)
	var f *fixture
	f = newFixture(t, cfg, WithAddress(s.addr()), WithOnFailure(func(error) {
		r := report{state: f.client.State()}
		// The peer only sees EOF if our end is already closed.
		select {
		case r.peerErr = <-s.hungUp:
			r.closed = true
		case <-time.After(2 * time.Second):
		}
		reports <- r
	}))

	require.NoError(t, f.client.Start())
	select {
	case <-f.client.Failed():
	case <-time.After(5 * time.Second):
		t.Fatal("client never gave up")
	}
	r := <-reports
	assert.Equal(t, Failed, r.state)
	require.True(t, r.closed, "socket still open when failure was reported")
	assert.Error(t, r.peerErr)
	assert.Len(t, reports, 0, "failure reported exactly once")
}

func TestSendRejectsOversizedFrame(t *testing.T) {
	s := startFakeStmgr(t, func(s *fakeStmgr) {
		s.onFrame = func(*peerConn, *protocol.Frame) {}
	})
	f := newFixture(t, testConfig(), WithAddress(s.addr()))
	f.startReady(t, s)

	for _, policy := range []CorrelationPolicy{FireAndForget, ExpectResponse} {
		id, err := f.client.Send("test.Big", make([]byte, protocol.MaxFrameSize), policy)
		assert.ErrorIs(t, err, protocol.ErrPayloadTooLarge)
		assert.True(t, id.IsSentinel())
	}
	// Exactly one byte over the limit.
	payload := make([]byte, protocol.MaxFrameSize-protocol.MinBodySize-len("test.Big")+1)
	_, err := f.client.Send("test.Big", payload, FireAndForget)
	assert.ErrorIs(t, err, protocol.ErrPayloadTooLarge)
	assert.Equal(t, 0, f.out.Len(), "rejected frames never reach the outbound queue")
}

func TestSendBeforeReady(t *testing.T) {
	f := newFixture(t, testConfig(), WithAddress("127.0.0.1:1"))
	_, err := f.client.Send("test.Tuple", []byte("x"), FireAndForget)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestFireAndForgetPreservesOrder(t *testing.T) {
	const n = 200
	got := make(chan *protocol.Frame, n)
	s := startFakeStmgr(t, func(s *fakeStmgr) {
		s.onFrame = func(_ *peerConn, f *protocol.Frame) { got <- f }
	})
	f := newFixture(t, testConfig(), WithAddress(s.addr()))
	f.startReady(t, s)

	for i := 0; i < n; i++ {
		id, err := f.client.Send(message.TypeTupleStreamMessage, []byte(strconv.Itoa(i)), FireAndForget)
		require.NoError(t, err)
		require.True(t, id.IsSentinel())
	}
	for i := 0; i < n; i++ {
		select {
		case fr := <-got:
			assert.Equal(t, strconv.Itoa(i), string(fr.Payload))
			assert.True(t, fr.ID.IsSentinel())
		case <-time.After(5 * time.Second):
			t.Fatalf("frame %d never arrived", i)
		}
	}
}

func TestRequestCorrelationDropsStaleResponses(t *testing.T) {
	s := startFakeStmgr(t, func(s *fakeStmgr) {
		s.onFrame = func(pc *peerConn, f *protocol.Frame) {
			if f.TypeName != "test.Ping" {
				return
			}
			pc.send(&protocol.Frame{TypeName: "test.Pong", ID: reqid.Generate(), Payload: []byte("stale")})
			pc.send(&protocol.Frame{TypeName: "test.Pong", ID: f.ID, Payload: f.Payload})
		}
	})
	m := metrics.New(nil)
	f := newFixture(t, testConfig(), WithAddress(s.addr()), WithMetrics(m))
	f.startReady(t, s)

	id, err := f.client.Send("test.Ping", []byte("hello"), ExpectResponse)
	require.NoError(t, err)
	require.False(t, id.IsSentinel())

	in := f.next(t)
	require.NoError(t, in.Err)
	assert.Equal(t, "test.Pong", in.TypeName)
	assert.Equal(t, id, in.ID)
	assert.Equal(t, "hello", string(in.Payload))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.InboundDropped.WithLabelValues("stale")))

	_, ok := f.in.Poll(50 * time.Millisecond)
	assert.False(t, ok, "the stale response must not be delivered")
}

func TestRequestTimeout(t *testing.T) {
	s := startFakeStmgr(t, nil)
	cfg := testConfig()
	cfg.RequestTimeout = 50 * time.Millisecond
	f := newFixture(t, cfg, WithAddress(s.addr()))
	f.startReady(t, s)

	id, err := f.client.Send("test.Ping", nil, ExpectResponse)
	require.NoError(t, err)

	in := f.next(t)
	assert.Equal(t, id, in.ID)
	assert.Equal(t, "test.Ping", in.TypeName)
	assert.ErrorIs(t, in.Err, ErrRequestTimeout)
	assert.ErrorIs(t, f.client.Decode(in, &message.TupleStreamMessage{}), ErrRequestTimeout)
}

func TestReconnectDiscardsPendingRequests(t *testing.T) {
	slow := make(chan reqid.REQID, 4)
	s := startFakeStmgr(t, func(s *fakeStmgr) {
		s.onFrame = func(_ *peerConn, f *protocol.Frame) { slow <- f.ID }
	})
	m := metrics.New(nil)
	f := newFixture(t, testConfig(), WithAddress(s.addr()), WithMetrics(m))
	require.NoError(t, f.client.Start())
	firstHandshake := s.waitRegistered(t)
	f.next(t)

	id1, err := f.client.Send("test.Slow", nil, ExpectResponse)
	require.NoError(t, err)
	id2, err := f.client.Send("test.Slow", nil, ExpectResponse)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		select {
		case <-slow:
		case <-time.After(5 * time.Second):
			t.Fatal("stream manager never saw the requests")
		}
	}

	s.dropConnections()

	for _, want := range []reqid.REQID{id1, id2} {
		in := f.next(t)
		assert.Equal(t, want, in.ID)
		assert.ErrorIs(t, in.Err, ErrRequestDiscarded)
	}

	// The handshake is re-run from scratch with a fresh REQID.
	secondHandshake := s.waitRegistered(t)
	assert.NotEqual(t, firstHandshake, secondHandshake)
	in := f.next(t)
	assert.Equal(t, message.TypeRegisterInstanceResponse, in.TypeName)
	assert.Equal(t, secondHandshake, in.ID)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RequestsDiscarded))

	require.Eventually(t, func() bool { return f.client.State() == Ready }, 5*time.Second, 5*time.Millisecond)
	_, err = f.client.Send("test.Slow", nil, ExpectResponse)
	assert.NoError(t, err)
}

func TestCorruptFrameForcesReconnect(t *testing.T) {
	var corrupted atomic.Bool
	s := startFakeStmgr(t, func(s *fakeStmgr) {
		s.afterRegister = func(pc *peerConn) {
			if corrupted.CompareAndSwap(false, true) {
				// Declared length shorter than the minimal body.
				pc.Write([]byte{0, 0, 0, 3, 1, 2, 3})
			}
		}
	})
	m := metrics.New(nil)
	f := newFixture(t, testConfig(), WithAddress(s.addr()), WithMetrics(m))
	require.NoError(t, f.client.Start())

	s.waitRegistered(t)
	s.waitRegistered(t)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectFailures.WithLabelValues("corrupt")))
	assert.Equal(t, int32(2), s.accepted.Load())
}

func TestHandlerReceivesUnsolicitedAssignment(t *testing.T) {
	s := startFakeStmgr(t, func(s *fakeStmgr) {
		s.afterRegister = func(pc *peerConn) {
			msg := &message.NewInstanceAssignmentMessage{PhysicalPlan: *testPlan(testInstance())}
			payload, _ := s.cd.Encode(msg)
			pc.send(&protocol.Frame{TypeName: msg.TypeName(), ID: reqid.Zero, Payload: payload})
		}
	})
	got := make(chan Inbound, 1)
	f := newFixture(t, testConfig(), WithAddress(s.addr()),
		WithHandler(message.TypeNewInstanceAssignment, func(in Inbound) { got <- in }))
	f.startReady(t, s)

	select {
	case in := <-got:
		assert.True(t, in.ID.IsSentinel())
		var msg message.NewInstanceAssignmentMessage
		require.NoError(t, f.client.Decode(in, &msg))
		assert.Equal(t, 2, msg.PhysicalPlan.InstancesCount())
	case <-time.After(5 * time.Second):
		t.Fatal("handler never called")
	}
	assert.Equal(t, 0, f.in.Len(), "handled frames bypass the inbound queue")
}

func TestLargeFrameSurvivesPartialWrites(t *testing.T) {
	got := make(chan *protocol.Frame, 1)
	s := startFakeStmgr(t, func(s *fakeStmgr) {
		s.onFrame = func(_ *peerConn, f *protocol.Frame) { got <- f }
	})
	cfg := testConfig()
	cfg.Socket = transport.Options{NoDelay: true, WriteBufferSize: 4096}
	cfg.WriteHighWater = 1 << 20
	m := metrics.New(nil)
	f := newFixture(t, cfg, WithAddress(s.addr()), WithMetrics(m))
	f.startReady(t, s)
	registerBytes := testutil.ToFloat64(m.BytesWritten)
	assert.Greater(t, registerBytes, 0.0)

	payload := make([]byte, 4<<20)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	_, err := f.client.Send(message.TypeTupleStreamMessage, payload, FireAndForget)
	require.NoError(t, err)

	select {
	case fr := <-got:
		assert.Equal(t, payload, fr.Payload)
	case <-time.After(10 * time.Second):
		t.Fatal("large frame never arrived")
	}
	// Bytes count once the kernel takes them, across every partial write.
	frame := &protocol.Frame{TypeName: message.TypeTupleStreamMessage, Payload: payload}
	want := registerBytes + float64(frame.Size())
	assert.Eventually(t, func() bool { return testutil.ToFloat64(m.BytesWritten) == want }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.FramesSent))
}

func TestSendRateLimit(t *testing.T) {
	const n = 10
	got := make(chan struct{}, n)
	s := startFakeStmgr(t, func(s *fakeStmgr) {
		s.onFrame = func(*peerConn, *protocol.Frame) { got <- struct{}{} }
	})
	cfg := testConfig()
	cfg.DrainBatch = 1
	cfg.MaxSendRate = 50
	f := newFixture(t, cfg, WithAddress(s.addr()))
	f.startReady(t, s)

	start := time.Now()
	for i := 0; i < n; i++ {
		_, err := f.client.Send(message.TypeTupleStreamMessage, nil, FireAndForget)
		require.NoError(t, err)
	}
	for i := 0; i < n; i++ {
		select {
		case <-got:
		case <-time.After(5 * time.Second):
			t.Fatalf("frame %d never arrived", i)
		}
	}
	// One token up front, then one every 20ms.
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestCloseDiscardsAndRefusesSends(t *testing.T) {
	s := startFakeStmgr(t, func(s *fakeStmgr) {
		s.onFrame = func(*peerConn, *protocol.Frame) {}
	})
	f := newFixture(t, testConfig(), WithAddress(s.addr()))
	f.startReady(t, s)

	id, err := f.client.Send("test.Slow", nil, ExpectResponse)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.out.Len() == 0 }, 5*time.Second, 5*time.Millisecond)

	f.client.Close()
	in := f.next(t)
	assert.Equal(t, id, in.ID)
	assert.ErrorIs(t, in.Err, ErrRequestDiscarded)

	require.Eventually(t, func() bool { return f.client.State() == Disconnected }, 5*time.Second, 5*time.Millisecond)
	_, err = f.client.Send("test.Tuple", nil, FireAndForget)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNewValidates(t *testing.T) {
	loop := eventloop.New()
	out, in := queue.New[Outbound](1), queue.New[Inbound](1)
	reg := WithRegistration(&message.RegisterInstanceRequest{})

	_, err := New(loop, testConfig(), out, in, reg)
	assert.Error(t, err, "no address")

	_, err = New(loop, testConfig(), out, in, WithAddress("127.0.0.1:1"))
	assert.Error(t, err, "no registration")

	bad := testConfig()
	bad.MaxRetryAttempts = 0
	bad.RetryInterval = 0
	_, err = New(loop, bad, out, in, reg, WithAddress("127.0.0.1:1"))
	assert.Error(t, err)

	_, err = New(loop, testConfig(), out, in, reg, WithAddress("127.0.0.1:1"))
	assert.NoError(t, err)
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "ready", Ready.String())
	assert.Equal(t, "reconnecting", Reconnecting.String())
	assert.Equal(t, "state(42)", State(42).String())
	assert.True(t, errors.Is(&HandshakeError{Code: 2}, ErrHandshakeRejected))
}
