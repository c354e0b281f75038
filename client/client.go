// Package client implements an instance's connection to its Stream Manager.
//
// The connection is driven entirely by an eventloop.Loop: dialing results,
// handshake, reads, writes, timers and reconnects all run on the loop
// goroutine. Worker goroutines interact with it through two queues:
//
//	workers ──Send──→ outbound queue ──drain──→ encode → Channel → socket
//	workers ←─Poll─── inbound queue  ←─deliver── decode ← Channel ← socket
//
// Requests sent with ExpectResponse are correlated by REQID; their response,
// timeout or discard is delivered to the inbound queue as one Inbound entry.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

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

// CorrelationPolicy says whether a send expects a response routed back to it.
type CorrelationPolicy int

const (
	// FireAndForget sends with the sentinel REQID.
	FireAndForget CorrelationPolicy = iota
	// ExpectResponse sends with a fresh REQID and tracks it until answered.
	ExpectResponse
)

// Outbound is one entry of the outbound queue.
type Outbound struct {
	TypeName string
	ID       reqid.REQID
	Payload  []byte
	Policy   CorrelationPolicy
}

// Inbound is one entry of the inbound queue. Err is set, and Payload empty,
// when a correlated request completed without a response.
type Inbound struct {
	TypeName string
	ID       reqid.REQID
	Payload  []byte
	Err      error
}

// Handler consumes frames of one type on the loop goroutine. It must not block.
type Handler func(in Inbound)

type pendingRequest struct {
	typeName string
	seq      uint64
	timer    *eventloop.Timer
}

type Client struct {
	loop     *eventloop.Loop
	cfg      Config
	out      *queue.Queue[Outbound]
	in       *queue.Queue[Inbound]
	logger   *zap.Logger
	metrics  *metrics.Metrics
	resolver registry.Resolver
	codec    codec.Codec
	register *message.RegisterInstanceRequest
	handlers map[string]Handler
	onFail   func(error)
	dialer   net.Dialer

	state   atomic.Int32
	started atomic.Bool
	failed  chan struct{}
	termErr atomic.Pointer[TerminalError]

	ctx    context.Context
	cancel context.CancelFunc

	closed atomic.Bool

	// Owned by the loop goroutine.
	gen            uint64
	attempts       int
	addr           string
	ch             *transport.Channel
	dec            *protocol.Decoder
	readBuf        []byte
	writeArmed     bool
	handshakeID    reqid.REQID
	handshakeTimer *eventloop.Timer
	retryTimer     *eventloop.Timer
	rateTimer      *eventloop.Timer
	limiter        *rate.Limiter
	pending        map[reqid.REQID]*pendingRequest
	sendSeq        uint64
}

type Option func(*Client)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithResolver sets where to connect. It is consulted on every attempt.
func WithResolver(r registry.Resolver) Option {
	return func(c *Client) { c.resolver = r }
}

// WithAddress connects to a fixed address.
func WithAddress(addr string) Option {
	return WithResolver(registry.Static(addr))
}

// WithCodec sets the payload codec; the Stream Manager must use the same one.
func WithCodec(cd codec.Codec) Option {
	return func(c *Client) {
		if cd != nil {
			c.codec = cd
		}
	}
}

// WithRegistration sets the register request sent on every handshake.
func WithRegistration(req *message.RegisterInstanceRequest) Option {
	return func(c *Client) { c.register = req }
}

// WithHandler routes frames of typeName to h instead of the inbound queue.
func WithHandler(typeName string, h Handler) Option {
	return func(c *Client) { c.handlers[typeName] = h }
}

// WithOnFailure is called once, on the loop goroutine, when the client gives up.
func WithOnFailure(fn func(error)) Option {
	return func(c *Client) { c.onFail = fn }
}

// New creates a client that runs on loop and bridges to workers through out
// and in. Call Start to begin connecting.
func New(loop *eventloop.Loop, cfg Config, out *queue.Queue[Outbound], in *queue.Queue[Inbound], opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if loop == nil || out == nil || in == nil {
		return nil, errors.New("client: loop and both queues are required")
	}

	c := &Client{
		loop:     loop,
		cfg:      cfg,
		out:      out,
		in:       in,
		logger:   zap.NewNop(),
		codec:    codec.GetCodec(codec.CodecTypeProto),
		handlers: make(map[string]Handler),
		failed:   make(chan struct{}),
		dec:      protocol.NewDecoder(),
		readBuf:  make([]byte, cfg.ReadBufferSize),
		pending:  make(map[reqid.REQID]*pendingRequest),
		dialer:   net.Dialer{Timeout: cfg.ConnectTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.resolver == nil {
		return nil, errors.New("client: no stream manager address or resolver")
	}
	if c.register == nil {
		return nil, errors.New("client: no registration request")
	}
	if cfg.MaxSendRate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.MaxSendRate), cfg.DrainBatch)
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.logger = c.logger.With(zap.String("component", "stmgr-client"))

	out.OnOffer(loop.Wakeup)
	return c, nil
}

// Start begins the first connect cycle. It is safe to call from any goroutine;
// only the first call has an effect.
func (c *Client) Start() error {
	if !c.started.CompareAndSwap(false, true) {
		return nil
	}
	ok := c.loop.Post(func() {
		if c.closed.Load() {
			return
		}
		c.loop.AddWakeupTask(c.drain)
		c.loop.OnExit(c.shutdown)
		c.connect()
	})
	if !ok {
		return ErrLoopStopped
	}
	return nil
}

// Close tears the connection down without reconnecting. Unanswered requests
// are completed with ErrRequestDiscarded.
func (c *Client) Close() {
	c.loop.Post(c.shutdown)
}

func (c *Client) State() State {
	return State(c.state.Load())
}

// Failed is closed when the client has given up reconnecting.
func (c *Client) Failed() <-chan struct{} {
	return c.failed
}

// Err returns the terminal error once Failed is closed, nil before.
func (c *Client) Err() error {
	if err := c.termErr.Load(); err != nil {
		return err
	}
	return nil
}

// Send queues one frame for the Stream Manager and returns the REQID it will
// carry (the sentinel for FireAndForget). It waits at most OfferTimeout for
// room in the outbound queue and returns queue.ErrFull if none frees up.
//
// Entries already queued when the connection drops stay queued and go out
// after the next successful handshake.
func (c *Client) Send(typeName string, payload []byte, policy CorrelationPolicy) (reqid.REQID, error) {
	switch c.State() {
	case Ready:
	case Failed:
		return reqid.Zero, c.Err()
	default:
		if c.closed.Load() {
			return reqid.Zero, ErrClosed
		}
		return reqid.Zero, ErrNotReady
	}
	if len(typeName) > protocol.MaxTypeName {
		return reqid.Zero, protocol.ErrTypeNameTooLong
	}
	if protocol.MinBodySize+len(typeName)+len(payload) > protocol.MaxFrameSize {
		return reqid.Zero, protocol.ErrPayloadTooLarge
	}

	id := reqid.Zero
	if policy == ExpectResponse {
		id = reqid.Generate()
	}
	entry := Outbound{TypeName: typeName, ID: id, Payload: payload, Policy: policy}
	if err := c.out.Offer(entry, c.cfg.OfferTimeout); err != nil {
		return reqid.Zero, err
	}
	return id, nil
}

// SendMessage encodes m with the client's codec and sends it under m's type name.
func (c *Client) SendMessage(m message.Message, policy CorrelationPolicy) (reqid.REQID, error) {
	payload, err := c.codec.Encode(m)
	if err != nil {
		return reqid.Zero, fmt.Errorf("client: encode %s: %w", m.TypeName(), err)
	}
	return c.Send(m.TypeName(), payload, policy)
}

// Decode decodes an inbound payload with the client's codec.
func (c *Client) Decode(in Inbound, v any) error {
	if in.Err != nil {
		return in.Err
	}
	return c.codec.Decode(in.Payload, v)
}

func (c *Client) setState(s State) {
	prev := State(c.state.Swap(int32(s)))
	c.metrics.SetState(int(s))
	if prev != s {
		c.logger.Debug("state change", zap.Stringer("from", prev), zap.Stringer("to", s))
	}
}

// connect starts one connect cycle. Resolution and dialing happen off the
// loop; the outcome is posted back and ignored if the cycle has been
// superseded in the meantime.
func (c *Client) connect() {
	c.retryTimer = nil
	c.attempts++
	c.gen++
	gen := c.gen
	c.setState(Connecting)
	c.metrics.ConnectAttempt()

	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.ConnectTimeout)
	go func() {
		defer cancel()
		addr, err := c.resolver.Resolve(ctx)
		var conn net.Conn
		if err == nil {
			conn, err = c.dialer.DialContext(ctx, "tcp", addr)
		}
		posted := c.loop.Post(func() { c.onDialed(gen, addr, conn, err) })
		if !posted && conn != nil {
			conn.Close()
		}
	}()
}

func (c *Client) onDialed(gen uint64, addr string, conn net.Conn, err error) {
	if gen != c.gen || c.closed.Load() || c.State() != Connecting {
		if conn != nil {
			conn.Close()
		}
		return
	}
	c.addr = addr
	log := c.logger.With(zap.String("address", addr), zap.Int("attempt", c.attempts))
	if err != nil {
		log.Warn("connect failed", zap.Error(err))
		c.attemptFailed("dial", err)
		return
	}

	ch, err := transport.NewChannel(conn, c.cfg.Socket)
	if err != nil {
		conn.Close()
		log.Warn("cannot use connection", zap.Error(err))
		c.attemptFailed("socket", err)
		return
	}
	c.ch = ch
	c.dec.Reset()
	c.writeArmed = false
	log.Info("connected to stream manager")

	c.setState(Handshaking)
	c.loop.RegisterRead(ch, c.onReadable)
	c.sendHandshake()
}

func (c *Client) sendHandshake() {
	payload, err := c.codec.Encode(c.register)
	if err != nil {
		c.connectionLost("handshake", fmt.Errorf("client: encode register request: %w", err))
		return
	}
	c.handshakeID = reqid.Generate()
	frame := &protocol.Frame{TypeName: message.TypeRegisterInstanceRequest, ID: c.handshakeID, Payload: payload}
	if err := c.enqueueFrame(frame); err != nil {
		c.connectionLost("handshake", err)
		return
	}
	c.logger.Debug("register request sent", zap.Stringer("reqid", c.handshakeID))

	gen := c.gen
	c.handshakeTimer = c.loop.AfterFunc(c.cfg.HandshakeTimeout, func() {
		c.handshakeTimer = nil
		if gen == c.gen && c.State() == Handshaking {
			c.connectionLost("handshake_timeout", ErrHandshakeTimeout)
		}
	})
	c.flush()
}

func (c *Client) enqueueFrame(f *protocol.Frame) error {
	buf, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	c.ch.Enqueue(buf)
	c.metrics.FrameSent()
	return nil
}

// drain moves up to DrainBatch entries from the outbound queue onto the
// channel. It runs at the start of every loop iteration.
func (c *Client) drain() {
	if c.State() != Ready || c.ch == nil {
		return
	}
	for i := 0; i < c.cfg.DrainBatch; i++ {
		if c.ch.PendingBytes() >= c.cfg.WriteHighWater || c.out.Len() == 0 {
			break
		}
		if c.limiter != nil && !c.limiter.Allow() {
			c.waitForToken()
			break
		}
		entry, ok := c.out.TryPoll()
		if !ok {
			break
		}
		c.write(entry)
		if i == c.cfg.DrainBatch-1 && c.out.Len() > 0 {
			// Yield to readiness events, then come back for the rest.
			c.loop.Wakeup()
		}
	}
	c.flush()
}

func (c *Client) write(entry Outbound) {
	frame := &protocol.Frame{TypeName: entry.TypeName, ID: entry.ID, Payload: entry.Payload}
	if err := c.enqueueFrame(frame); err != nil {
		c.logger.Error("dropping unencodable frame",
			zap.String("type", entry.TypeName), zap.Stringer("reqid", entry.ID), zap.Error(err))
		if entry.Policy == ExpectResponse {
			c.deliver(Inbound{TypeName: entry.TypeName, ID: entry.ID, Err: err})
		}
		return
	}
	if entry.Policy != ExpectResponse {
		return
	}

	c.sendSeq++
	p := &pendingRequest{typeName: entry.TypeName, seq: c.sendSeq}
	if c.cfg.RequestTimeout > 0 {
		id := entry.ID
		p.timer = c.loop.AfterFunc(c.cfg.RequestTimeout, func() { c.expire(id) })
	}
	c.pending[entry.ID] = p
}

func (c *Client) expire(id reqid.REQID) {
	p, ok := c.pending[id]
	if !ok {
		return
	}
	delete(c.pending, id)
	c.metrics.RequestTimedOut()
	c.logger.Warn("request timed out", zap.String("type", p.typeName), zap.Stringer("reqid", id))
	c.deliver(Inbound{TypeName: p.typeName, ID: id, Err: ErrRequestTimeout})
}

func (c *Client) waitForToken() {
	if c.rateTimer != nil {
		return
	}
	d := time.Duration(float64(time.Second) / float64(c.limiter.Limit()))
	c.rateTimer = c.loop.AfterFunc(d, func() { c.rateTimer = nil })
}

// flush writes what the channel has buffered. While a write watcher is armed
// the flush is left to onWritable.
func (c *Client) flush() {
	if c.ch == nil || c.writeArmed || c.ch.PendingBytes() == 0 {
		return
	}
	n, err := c.ch.Flush()
	c.metrics.Written(n)
	if err != nil {
		c.connectionLost("write", err)
		return
	}
	if c.ch.PendingBytes() > 0 {
		c.writeArmed = true
		c.loop.RegisterWrite(c.ch, c.onWritable)
	}
}

func (c *Client) onWritable() {
	n, err := c.ch.Flush()
	c.metrics.Written(n)
	if err != nil {
		c.connectionLost("write", err)
		return
	}
	if c.ch.PendingBytes() == 0 {
		c.writeArmed = false
		c.loop.UnregisterWrite(c.ch)
	}
}

func (c *Client) onReadable() {
	ch := c.ch
	for i := 0; i < c.cfg.ReadBatch; i++ {
		n, err := ch.TryRead(c.readBuf)
		if errors.Is(err, transport.ErrWouldBlock) {
			return
		}
		if err != nil {
			c.connectionLost("read", err)
			return
		}
		c.metrics.Read(n)
		if err := c.dec.DecodeAll(c.readBuf[:n], c.handleFrame); err != nil {
			reason := "read"
			if errors.Is(err, protocol.ErrCorruptFrame) {
				reason = "corrupt"
			} else if errors.Is(err, ErrHandshakeRejected) {
				reason = "rejected"
			}
			c.connectionLost(reason, err)
			return
		}
	}
}

// handleFrame routes one decoded frame. A returned error tears the connection down.
func (c *Client) handleFrame(f *protocol.Frame) error {
	c.metrics.FrameReceived()
	in := Inbound{TypeName: f.TypeName, ID: f.ID, Payload: f.Payload}

	if c.State() == Handshaking {
		if f.TypeName != message.TypeRegisterInstanceResponse || f.ID != c.handshakeID {
			c.metrics.InboundDrop("before_ready")
			c.logger.Warn("unexpected frame during handshake", zap.String("type", f.TypeName), zap.Stringer("reqid", f.ID))
			return nil
		}
		return c.completeHandshake(in)
	}

	if !f.ID.IsSentinel() {
		p, ok := c.pending[f.ID]
		if !ok {
			c.metrics.InboundDrop("stale")
			c.logger.Debug("dropping response to unknown request", zap.String("type", f.TypeName), zap.Stringer("reqid", f.ID))
			return nil
		}
		p.timer.Stop()
		delete(c.pending, f.ID)
	}
	c.deliver(in)
	return nil
}

func (c *Client) completeHandshake(in Inbound) error {
	var resp message.RegisterInstanceResponse
	if err := c.codec.Decode(in.Payload, &resp); err != nil {
		return fmt.Errorf("client: decode register response: %w", err)
	}
	if !resp.Status.OK() {
		c.metrics.HandshakeRejection()
		return &HandshakeError{Code: int32(resp.Status.Code), Message: resp.Status.Message}
	}

	c.handshakeTimer.Stop()
	c.handshakeTimer = nil
	c.attempts = 0
	c.setState(Ready)

	fields := []zap.Field{zap.String("address", c.addr), zap.Stringer("reqid", in.ID)}
	if resp.PhysicalPlan != nil {
		fields = append(fields,
			zap.Int("stmgrs", resp.PhysicalPlan.StmgrsCount()),
			zap.Int("instances", resp.PhysicalPlan.InstancesCount()))
	}
	c.logger.Info("registered with stream manager", fields...)
	c.deliver(in)
	return nil
}

func (c *Client) deliver(in Inbound) {
	if in.Err == nil {
		if h, ok := c.handlers[in.TypeName]; ok {
			h(in)
			return
		}
	}
	if err := c.in.Offer(in, c.cfg.InboundOfferTimeout); err != nil {
		c.metrics.InboundDrop("queue_full")
		c.logger.Warn("inbound queue full, dropping frame", zap.String("type", in.TypeName), zap.Stringer("reqid", in.ID))
	}
}

// connectionLost handles any error on an open connection.
func (c *Client) connectionLost(reason string, cause error) {
	c.logger.Warn("connection lost",
		zap.String("address", c.addr), zap.String("reason", reason),
		zap.Stringer("state", c.State()), zap.Error(cause))
	c.teardown()
	c.attemptFailed(reason, cause)
}

// teardown releases the socket and completes every unanswered request.
func (c *Client) teardown() {
	c.setState(Closing)
	c.handshakeTimer.Stop()
	c.handshakeTimer = nil
	if c.ch != nil {
		c.loop.Unregister(c.ch)
		c.ch.Close()
		c.ch = nil
	}
	c.writeArmed = false
	c.dec.Reset()
	c.discardPending()
}

func (c *Client) discardPending() {
	if len(c.pending) == 0 {
		return
	}
	type discarded struct {
		id reqid.REQID
		p  *pendingRequest
	}
	list := make([]discarded, 0, len(c.pending))
	for id, p := range c.pending {
		p.timer.Stop()
		list = append(list, discarded{id, p})
	}
	clear(c.pending)
	sort.Slice(list, func(i, j int) bool { return list[i].p.seq < list[j].p.seq })

	c.metrics.RequestsDiscardedN(len(list))
	c.logger.Info("discarding unanswered requests", zap.Int("count", len(list)))
	for _, d := range list {
		c.deliver(Inbound{TypeName: d.p.typeName, ID: d.id, Err: ErrRequestDiscarded})
	}
}

func (c *Client) attemptFailed(reason string, cause error) {
	c.metrics.ConnectFailure(reason)
	if c.closed.Load() {
		c.setState(Disconnected)
		return
	}
	if c.attempts >= c.cfg.MaxRetryAttempts {
		c.fail(cause)
		return
	}
	c.setState(Reconnecting)
	c.metrics.Reconnect()
	c.logger.Info("reconnecting",
		zap.Int("attempt", c.attempts+1), zap.Int("max_attempts", c.cfg.MaxRetryAttempts),
		zap.Duration("retry_interval", c.cfg.RetryInterval))
	c.retryTimer = c.loop.AfterFunc(c.cfg.RetryInterval, c.connect)
}

// fail is reached with the socket already released. It reports exactly once.
func (c *Client) fail(cause error) {
	if c.State() == Failed {
		return
	}
	c.setState(Failed)
	err := &TerminalError{Address: c.addr, Attempts: c.attempts, Cause: cause}
	c.termErr.Store(err)
	close(c.failed)
	c.logger.Error("stream manager unreachable", zap.Error(err))
	if c.onFail != nil {
		c.onFail(err)
	}
	c.loop.ExitLoop()
}

// shutdown runs on the loop goroutine, from Close or when the loop exits.
func (c *Client) shutdown() {
	if c.closed.Swap(true) {
		return
	}
	c.cancel()
	c.gen++
	c.retryTimer.Stop()
	c.retryTimer = nil
	c.rateTimer.Stop()
	c.rateTimer = nil

	if c.State().connected() {
		c.teardown()
	}
	if c.State() != Failed {
		c.setState(Disconnected)
	}
	c.logger.Debug("client closed")
}
