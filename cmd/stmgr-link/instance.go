package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"stmgr-link/client"
	"stmgr-link/codec"
	"stmgr-link/eventloop"
	"stmgr-link/logging"
	"stmgr-link/message"
	"stmgr-link/metrics"
	"stmgr-link/queue"
	"stmgr-link/registry"
)

func newInstanceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "instance",
		Short: "Connect to the Stream Manager, register and print control messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInstance(cmd.Context())
		},
	}
	return cmd
}

func runInstance(parent context.Context) error {
	logger, err := logging.New(cfg.LogOptions())
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	promReg := newPromRegistry()
	m := metrics.New(promReg)
	out := queue.New[client.Outbound](cfg.Queue.OutboundCapacity)
	in := queue.New[client.Inbound](cfg.Queue.InboundCapacity)
	if err := metrics.RegisterQueueDepth(promReg, "outbound", out.Len); err != nil {
		return err
	}
	if err := metrics.RegisterQueueDepth(promReg, "inbound", in.Len); err != nil {
		return err
	}
	stopMetrics := serveMetrics(logger, promReg, cfg.Metrics.Listen)
	defer stopMetrics()

	resolver, closeResolver, err := newResolver()
	if err != nil {
		return err
	}
	defer closeResolver()

	loop := eventloop.New(eventloop.WithLogger(logger))
	cd := codec.GetCodec(cfg.CodecType())
	c, err := client.New(loop, cfg.ClientConfig(), out, in,
		client.WithLogger(logger),
		client.WithMetrics(m),
		client.WithResolver(resolver),
		client.WithCodec(cd),
		client.WithRegistration(cfg.RegisterRequest()),
	)
	if err != nil {
		return err
	}

	loopErr := make(chan error, 1)
	go func() { loopErr <- loop.Run(ctx) }()
	if err := c.Start(); err != nil {
		return err
	}
	go printInbound(ctx, logger, cd, in)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		c.Close()
		loop.ExitLoop()
	case <-c.Failed():
	case err := <-loopErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("event loop stopped", zap.Error(err))
		}
	}
	<-loop.Done()
	return c.Err()
}

// printInbound logs every control message the Stream Manager delivers.
func printInbound(ctx context.Context, logger *zap.Logger, cd codec.Codec, in *queue.Queue[client.Inbound]) {
	for {
		entry, err := in.PollContext(ctx)
		if err != nil {
			return
		}
		if entry.Err != nil {
			logger.Warn("request failed", zap.Stringer("reqid", entry.ID), zap.Error(entry.Err))
			continue
		}
		switch entry.TypeName {
		case message.TypeRegisterInstanceResponse:
			var resp message.RegisterInstanceResponse
			if err := cd.Decode(entry.Payload, &resp); err != nil {
				logger.Warn("undecodable register response", zap.Error(err))
				continue
			}
			logPlan(logger, "registered", resp.PhysicalPlan)
		case message.TypeNewInstanceAssignment:
			var msg message.NewInstanceAssignmentMessage
			if err := cd.Decode(entry.Payload, &msg); err != nil {
				logger.Warn("undecodable assignment", zap.Error(err))
				continue
			}
			logPlan(logger, "new assignment", &msg.PhysicalPlan)
		default:
			logger.Info("inbound message",
				zap.String("type", entry.TypeName),
				zap.Stringer("reqid", entry.ID),
				zap.Int("payload_bytes", len(entry.Payload)))
		}
	}
}

func logPlan(logger *zap.Logger, msg string, plan *message.PhysicalPlan) {
	if plan == nil {
		logger.Info(msg, zap.Bool("physical_plan", false))
		return
	}
	logger.Info(msg,
		zap.String("topology", plan.Topology.Name),
		zap.Int("stmgrs", plan.StmgrsCount()),
		zap.Int("instances", plan.InstancesCount()))
}

// newResolver returns how the client finds its Stream Manager, and a cleanup func.
func newResolver() (registry.Resolver, func(), error) {
	switch cfg.Registry.Type {
	case "etcd":
		reg, err := registry.NewEtcdRegistry(cfg.Registry.Endpoints, cfg.Registry.DialTimeout)
		if err != nil {
			return nil, nil, fmt.Errorf("connect etcd: %w", err)
		}
		return registry.NewResolver(reg, cfg.Instance.TopologyName, cfg.Stmgr.ID), func() { reg.Close() }, nil
	default:
		return registry.Static(cfg.Stmgr.Address), func() {}, nil
	}
}
