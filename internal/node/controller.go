// Package node provides the bootstrap pipeline for mesh nodes.
package node

import (
	"context"
	"fmt"
	"net"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/iggydv12/mycelia/internal/api/rest"
	"github.com/iggydv12/mycelia/internal/compute"
	"github.com/iggydv12/mycelia/internal/config"
	"github.com/iggydv12/mycelia/internal/discovery"
	"github.com/iggydv12/mycelia/internal/mesh"
	"github.com/iggydv12/mycelia/internal/router"
	"github.com/iggydv12/mycelia/internal/shard"
)

// Controller bootstraps the node, wires all components, and runs until shutdown.
type Controller struct {
	cfg    *config.Config
	role   router.Role
	logger *zap.Logger
}

// NewController creates a Controller for the given role.
func NewController(cfg *config.Config, role router.Role, logger *zap.Logger) *Controller {
	return &Controller{
		cfg:    cfg,
		role:   role,
		logger: logger,
	}
}

// Run bootstraps all components and blocks until SIGINT/SIGTERM or ctx is
// cancelled. In-flight requests are dropped and shards are not handed off on
// exit; the remaining peers rebalance once discovery reports this node gone.
func (c *Controller) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- 1. Identity ---
	priv, id, err := discovery.GenerateIdentity()
	if err != nil {
		return err
	}
	logger := c.logger.With(zap.String("peerID", id.String()))
	logger.Info("Starting mesh node", zap.String("role", c.role.String()))

	// --- 2. Discovery ---
	transport, err := discovery.NewLibP2PTransport(c.cfg.Mesh, priv, logger)
	if err != nil {
		return fmt.Errorf("discovery init: %w", err)
	}
	defer transport.Close()

	// --- 3. Registry over an injected shard table ---
	registry := mesh.NewRegistry(transport, shard.NewTable(), logger)
	if err := registry.Start(ctx); err != nil {
		return err
	}

	// --- 4. Router and REST API ---
	rt := router.New(c.role, registry, compute.Placeholder{}, c.cfg.Node.Port, c.cfg.Router, logger)
	srv := rest.New(registry, rt, logger)
	addr := net.JoinHostPort(c.cfg.Node.BindHost, strconv.Itoa(c.cfg.Node.Port))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(addr); err != nil {
			return fmt.Errorf("REST serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down, dropping in-flight requests")
		return srv.Close()
	})

	// --- 5. Schedulers ---
	if interval := c.cfg.Schedule.Rebalance; interval > 0 {
		g.Go(func() error {
			runRebalancer(gctx, registry, interval)
			return nil
		})
	}

	logger.Info("Node running",
		zap.String("role", c.role.String()),
		zap.String("REST", addr),
	)
	return g.Wait()
}

type rebalancer interface {
	ScheduledRebalance() shard.Result
}

// runRebalancer catches orphans that slipped past expiry-triggered passes,
// such as shards assigned to a peer that was never live.
func runRebalancer(ctx context.Context, r rebalancer, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ScheduledRebalance()
		}
	}
}
