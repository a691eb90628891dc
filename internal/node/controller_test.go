package node

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iggydv12/mycelia/internal/config"
	"github.com/iggydv12/mycelia/internal/router"
	"github.com/iggydv12/mycelia/internal/shard"
)

type countingRebalancer struct{ n atomic.Int32 }

func (c *countingRebalancer) ScheduledRebalance() shard.Result {
	c.n.Add(1)
	return shard.Result{}
}

func TestRebalancerTicksUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &countingRebalancer{}
	done := make(chan struct{})
	go func() {
		runRebalancer(ctx, r, 10*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool { return r.n.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("rebalancer did not stop")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	if testing.Short() {
		t.Skip("starts a libp2p host and multicast discovery")
	}
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Node.BindHost = "127.0.0.1"
	cfg.Node.Port = 0
	cfg.Mesh.ListenAddr = "/ip4/127.0.0.1/tcp/0"

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	ctrl := NewController(cfg, router.RoleWorker, zap.NewNop())
	assert.NoError(t, ctrl.Run(ctx))
}
