// Package server implements the Stream Manager end of the instance link.
//
// It uses plain blocking sockets, one reader goroutine per connection:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → first frame: register request, answered inline
//	  → every later frame: go handleRequest (parallel)
//	    → Middleware Chain → handler for the frame's type → reply with the same REQID
//
// Registered connections can also receive unsolicited frames through Push.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"stmgr-link/codec"
	"stmgr-link/message"
	"stmgr-link/middleware"
	"stmgr-link/protocol"
	"stmgr-link/registry"
	"stmgr-link/reqid"
)

var (
	ErrServerClosed   = errors.New("server: closed")
	ErrAlreadyServing = errors.New("server: already serving")
)

// RegisterFunc decides how to answer an instance's register request.
type RegisterFunc func(ctx context.Context, req *message.RegisterInstanceRequest) *message.RegisterInstanceResponse

// Server is a Stream Manager peer that instances register with.
type Server struct {
	logger      *zap.Logger
	codec       codec.Codec
	handlers    map[string]middleware.HandlerFunc // frame type → handler
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc // middleware(middleware(...(dispatch)))
	onRegister  RegisterFunc

	registry registry.Registry // nil if not publishing the endpoint
	endpoint registry.Endpoint
	ttl      int64

	listener net.Listener
	ready    chan struct{}
	wg       sync.WaitGroup // in-flight requests
	shutdown atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc

	mu    sync.Mutex
	conns map[*conn]struct{}
}

// conn is one instance connection. Writes from concurrent request goroutines
// and Push are serialized by mu so frames never interleave.
type conn struct {
	net.Conn
	mu         sync.Mutex
	registered bool
	instance   message.Instance
}

func (c *conn) send(f *protocol.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return protocol.WriteFrame(c.Conn, f)
}

type Option func(*Server)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithCodec sets the payload codec; instances must use the same one.
func WithCodec(cd codec.Codec) Option {
	return func(s *Server) {
		if cd != nil {
			s.codec = cd
		}
	}
}

// WithRegistry publishes ep on Serve and withdraws it on Shutdown. A zero
// port in ep is replaced with the listener's port.
func WithRegistry(reg registry.Registry, ep registry.Endpoint, ttl int64) Option {
	return func(s *Server) {
		s.registry = reg
		s.endpoint = ep
		s.ttl = ttl
	}
}

// WithRegisterFunc overrides how register requests are answered.
func WithRegisterFunc(fn RegisterFunc) Option {
	return func(s *Server) { s.onRegister = fn }
}

// WithPhysicalPlan accepts every instance and hands it plan.
func WithPhysicalPlan(plan *message.PhysicalPlan) Option {
	return WithRegisterFunc(func(context.Context, *message.RegisterInstanceRequest) *message.RegisterInstanceResponse {
		return &message.RegisterInstanceResponse{Status: message.Status{Code: message.StatusOK}, PhysicalPlan: plan}
	})
}

func NewServer(opts ...Option) *Server {
	s := &Server{
		logger:   zap.NewNop(),
		codec:    codec.GetCodec(codec.CodecTypeProto),
		handlers: make(map[string]middleware.HandlerFunc),
		ready:    make(chan struct{}),
		conns:    make(map[*conn]struct{}),
		ttl:      10,
	}
	s.onRegister = func(context.Context, *message.RegisterInstanceRequest) *message.RegisterInstanceResponse {
		return &message.RegisterInstanceResponse{Status: message.Status{Code: message.StatusOK}}
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Handle registers h for frames of typeName. Call before Serve.
func (s *Server) Handle(typeName string, h middleware.HandlerFunc) {
	s.handlers[typeName] = h
}

// Use registers a middleware. Middlewares apply in the order they are added.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts instance connections on ln until Shutdown. It publishes the
// endpoint to the registry first, if one is configured.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	switch {
	case s.shutdown.Load():
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	case s.listener != nil:
		s.mu.Unlock()
		ln.Close()
		return ErrAlreadyServing
	}
	s.listener = ln
	s.mu.Unlock()

	// Build the chain once at startup, not per request.
	s.handler = middleware.Chain(s.middlewares...)(s.dispatch)

	if s.registry != nil {
		if s.endpoint.Port == 0 {
			if _, port, err := net.SplitHostPort(ln.Addr().String()); err == nil {
				s.endpoint.Port, _ = strconv.Atoi(port)
			}
		}
		if err := s.registry.Register(s.ctx, s.endpoint, s.ttl); err != nil {
			ln.Close()
			return fmt.Errorf("server: publish endpoint: %w", err)
		}
	}
	close(s.ready)
	s.logger.Info("stream manager listening", zap.Stringer("address", ln.Addr()))

	for {
		nc, err := ln.Accept()
		if err != nil {
			// Shutdown closes the listener; that Accept error is expected.
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		go s.handleConn(nc)
	}
}

// Ready is closed once Serve is accepting connections.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr is the listening address; nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) handleConn(nc net.Conn) {
	c := &conn{Conn: nc}
	log := s.logger.With(zap.Stringer("remote", nc.RemoteAddr()))
	s.track(c, true)
	defer func() {
		s.track(c, false)
		nc.Close()
	}()

	if err := s.handshake(c); err != nil {
		log.Warn("handshake failed", zap.Error(err))
		return
	}
	log = log.With(zap.String("instance", c.instance.InstanceID))

	for {
		f, err := protocol.ReadFrame(c)
		if err != nil {
			if !s.shutdown.Load() {
				log.Debug("instance connection closed", zap.Error(err))
			}
			return
		}
		if !s.beginRequest() {
			return
		}
		// Without the goroutine a slow handler would stall every later frame
		// on this connection.
		go s.handleRequest(c, f)
	}
}

// handshake answers the first frame, which must be a register request.
func (s *Server) handshake(c *conn) error {
	f, err := protocol.ReadFrame(c)
	if err != nil {
		return err
	}
	if f.TypeName != message.TypeRegisterInstanceRequest {
		return fmt.Errorf("server: expected %s, got %q", message.TypeRegisterInstanceRequest, f.TypeName)
	}

	var req message.RegisterInstanceRequest
	if err := s.codec.Decode(f.Payload, &req); err != nil {
		return err
	}
	resp := s.onRegister(s.ctx, &req)
	payload, err := s.codec.Encode(resp)
	if err != nil {
		return err
	}
	if err := c.send(&protocol.Frame{TypeName: message.TypeRegisterInstanceResponse, ID: f.ID, Payload: payload}); err != nil {
		return err
	}
	if !resp.Status.OK() {
		return fmt.Errorf("server: rejected instance %q with status %s", req.Instance.InstanceID, resp.Status.Code)
	}

	s.mu.Lock()
	c.registered = true
	c.instance = req.Instance
	s.mu.Unlock()
	s.logger.Info("instance registered",
		zap.String("instance", req.Instance.InstanceID),
		zap.String("topology", req.TopologyName),
		zap.Stringer("reqid", f.ID))
	return nil
}

// beginRequest counts a request as in flight unless shutdown has started.
func (s *Server) beginRequest() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown.Load() {
		return false
	}
	s.wg.Add(1)
	return true
}

// handleRequest runs one frame through the middleware chain and writes the reply, if any.
func (s *Server) handleRequest(c *conn, req *protocol.Frame) {
	defer s.wg.Done()

	reply, err := s.handler(s.ctx, req)
	if err != nil || reply == nil {
		return
	}
	// Replies always answer the request they belong to.
	reply.ID = req.ID
	if reply.TypeName == "" {
		reply.TypeName = req.TypeName
	}
	if err := c.send(reply); err != nil {
		s.logger.Warn("failed to write reply", zap.String("type", reply.TypeName), zap.Error(err))
	}
}

// dispatch is the innermost handler: it looks up the handler for the frame's type.
func (s *Server) dispatch(ctx context.Context, req *protocol.Frame) (*protocol.Frame, error) {
	h, ok := s.handlers[req.TypeName]
	if !ok {
		return nil, fmt.Errorf("server: no handler for %q", req.TypeName)
	}
	return h(ctx, req)
}

func (s *Server) track(c *conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[c] = struct{}{}
	} else {
		delete(s.conns, c)
	}
}

// Push sends an unsolicited frame to every registered instance and returns how
// many it reached. The frame carries the sentinel REQID.
func (s *Server) Push(f *protocol.Frame) int {
	s.mu.Lock()
	targets := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		if c.registered {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()

	out := *f
	out.ID = reqid.Zero
	sent := 0
	for _, c := range targets {
		if err := c.send(&out); err != nil {
			s.logger.Warn("push failed", zap.String("instance", c.instance.InstanceID), zap.Error(err))
			continue
		}
		sent++
	}
	return sent
}

// PushMessage encodes m with the server's codec and pushes it.
func (s *Server) PushMessage(m message.Message) (int, error) {
	payload, err := s.codec.Encode(m)
	if err != nil {
		return 0, err
	}
	return s.Push(&protocol.Frame{TypeName: m.TypeName(), Payload: payload}), nil
}

// Connections is the number of open instance connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Shutdown performs graceful shutdown:
//  1. Withdraw the endpoint (instances stop resolving to us)
//  2. Set the shutdown flag (so the Accept error is recognized as intentional)
//  3. Close the listener
//  4. Wait for in-flight requests, bounded by timeout
//  5. Close instance connections
func (s *Server) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	already := s.shutdown.Swap(true)
	ln := s.listener
	s.mu.Unlock()
	if already {
		return nil
	}
	if s.registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := s.registry.Deregister(ctx, s.endpoint.Topology, s.endpoint.StmgrID); err != nil {
			s.logger.Warn("failed to withdraw endpoint", zap.Error(err))
		}
		cancel()
	}
	if ln != nil {
		ln.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = fmt.Errorf("server: timeout waiting for in-flight requests")
	}

	s.cancel()
	s.mu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	return err
}
