package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"stmgr-link/codec"
	"stmgr-link/logging"
	"stmgr-link/message"
	"stmgr-link/middleware"
	"stmgr-link/protocol"
	"stmgr-link/registry"
	"stmgr-link/server"
)

type stmgrOptions struct {
	pushInterval    time.Duration
	handlerTimeout  time.Duration
	handlerRetries  int
	retryDelay      time.Duration
	rateLimit       float64
	shutdownTimeout time.Duration
}

func newStmgrCommand() *cobra.Command {
	opts := stmgrOptions{}
	cmd := &cobra.Command{
		Use:   "stmgr",
		Short: "Run a Stream Manager peer that instances can register with",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStmgr(cmd.Context(), opts)
		},
	}
	cmd.Flags().DurationVar(&opts.pushInterval, "push-interval", 0, "re-send the physical plan to every instance this often (0 disables)")
	cmd.Flags().DurationVar(&opts.handlerTimeout, "handler-timeout", 5*time.Second, "per-request handler deadline")
	cmd.Flags().IntVar(&opts.handlerRetries, "handler-retries", 0, "re-run a handler that hit its deadline this many times")
	cmd.Flags().DurationVar(&opts.retryDelay, "retry-delay", 50*time.Millisecond, "delay before the first handler retry, doubled each time")
	cmd.Flags().Float64Var(&opts.rateLimit, "rate-limit", 0, "requests per second across all instances (0 disables)")
	cmd.Flags().DurationVar(&opts.shutdownTimeout, "shutdown-timeout", 5*time.Second, "how long to wait for in-flight requests")
	return cmd
}

// planner tracks the physical plan as instances register.
type planner struct {
	mu   sync.Mutex
	plan message.PhysicalPlan
}

func (p *planner) register(req *message.RegisterInstanceRequest) (*message.RegisterInstanceResponse, message.PhysicalPlan) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.plan.Topology.Name != "" && req.TopologyName != p.plan.Topology.Name {
		return &message.RegisterInstanceResponse{Status: message.Status{
			Code:    message.StatusInvalidInstance,
			Message: fmt.Sprintf("topology %q is not served here", req.TopologyName),
		}}, p.plan
	}
	replaced := false
	for i, inst := range p.plan.Instances {
		if inst.InstanceID == req.Instance.InstanceID {
			p.plan.Instances[i] = req.Instance
			replaced = true
		}
	}
	if !replaced {
		p.plan.Instances = append(p.plan.Instances, req.Instance)
	}
	snapshot := p.snapshot()
	return &message.RegisterInstanceResponse{Status: message.Status{Code: message.StatusOK}, PhysicalPlan: &snapshot}, snapshot
}

func (p *planner) current() message.PhysicalPlan {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshot()
}

func (p *planner) snapshot() message.PhysicalPlan {
	out := p.plan
	out.Stmgrs = append([]message.StMgr(nil), p.plan.Stmgrs...)
	out.Instances = append([]message.Instance(nil), p.plan.Instances...)
	return out
}

// middlewares lists the request chain, outermost first. Retry sits outside the
// timeout so each attempt gets a fresh deadline.
func (o stmgrOptions) middlewares(logger *zap.Logger) []middleware.Middleware {
	mws := []middleware.Middleware{middleware.LoggingMiddleware(logger)}
	if o.rateLimit > 0 {
		mws = append(mws, middleware.RateLimitMiddleware(o.rateLimit, int(o.rateLimit)+1))
	}
	if o.handlerRetries > 0 {
		mws = append(mws, middleware.RetryMiddleware(o.handlerRetries, o.retryDelay))
	}
	return append(mws, middleware.TimeOutMiddleware(o.handlerTimeout))
}

func runStmgr(parent context.Context, opts stmgrOptions) error {
	logger, err := logging.New(cfg.LogOptions())
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", cfg.Stmgr.Listen)
	if err != nil {
		return err
	}
	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	dataPort, _ := strconv.ParseInt(portStr, 10, 32)

	p := &planner{plan: message.PhysicalPlan{
		Topology: message.Topology{ID: cfg.Instance.TopologyID, Name: cfg.Instance.TopologyName, State: message.TopologyRunning},
		Stmgrs:   []message.StMgr{{ID: cfg.Stmgr.ID, HostName: cfg.Stmgr.AdvertiseHost, DataPort: int32(dataPort)}},
	}}

	var svr *server.Server
	serverOpts := []server.Option{
		server.WithLogger(logger),
		server.WithCodec(codec.GetCodec(cfg.CodecType())),
		server.WithRegisterFunc(func(_ context.Context, req *message.RegisterInstanceRequest) *message.RegisterInstanceResponse {
			resp, plan := p.register(req)
			if resp.Status.OK() {
				// Already-registered instances learn about the newcomer.
				go pushPlan(logger, svr, plan)
			}
			return resp
		}),
	}
	if cfg.Registry.Type == "etcd" {
		reg, err := registry.NewEtcdRegistry(cfg.Registry.Endpoints, cfg.Registry.DialTimeout)
		if err != nil {
			ln.Close()
			return fmt.Errorf("connect etcd: %w", err)
		}
		defer reg.Close()
		ep := registry.Endpoint{Topology: cfg.Instance.TopologyName, StmgrID: cfg.Stmgr.ID, Host: cfg.Stmgr.AdvertiseHost}
		serverOpts = append(serverOpts, server.WithRegistry(reg, ep, cfg.Registry.TTL))
	}
	svr = server.NewServer(serverOpts...)

	for _, mw := range opts.middlewares(logger) {
		svr.Use(mw)
	}
	svr.Handle(message.TypeTupleStreamMessage, tupleHandler(logger, codec.GetCodec(cfg.CodecType())))

	serveErr := make(chan error, 1)
	go func() { serveErr <- svr.Serve(ln) }()

	var tick <-chan time.Time
	if opts.pushInterval > 0 {
		t := time.NewTicker(opts.pushInterval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case err := <-serveErr:
			return err
		case <-tick:
			pushPlan(logger, svr, p.current())
		case <-ctx.Done():
			logger.Info("shutting down", zap.Int("connections", svr.Connections()))
			if err := svr.Shutdown(opts.shutdownTimeout); err != nil {
				logger.Warn("shutdown incomplete", zap.Error(err))
			}
			return <-serveErr
		}
	}
}

func pushPlan(logger *zap.Logger, svr *server.Server, plan message.PhysicalPlan) {
	n, err := svr.PushMessage(&message.NewInstanceAssignmentMessage{PhysicalPlan: plan})
	if err != nil {
		logger.Warn("failed to push assignment", zap.Error(err))
		return
	}
	logger.Debug("pushed assignment", zap.Int("instances", n), zap.Int("plan_instances", plan.InstancesCount()))
}

// tupleHandler accepts tuple sets and acknowledges them with an empty reply.
func tupleHandler(logger *zap.Logger, cd codec.Codec) middleware.HandlerFunc {
	return func(_ context.Context, req *protocol.Frame) (*protocol.Frame, error) {
		var msg message.TupleStreamMessage
		if err := cd.Decode(req.Payload, &msg); err != nil {
			return nil, err
		}
		logger.Debug("tuples received",
			zap.Int32("task", msg.TaskID),
			zap.Int32("src_task", msg.SrcTaskID),
			zap.Int("set_bytes", len(msg.Set)))
		if req.ID.IsSentinel() {
			return nil, nil
		}
		return &protocol.Frame{}, nil
	}
}
