package cluster

import (
	"context"

	"github.com/go-kit/log/level"

	"github.com/opencluster/opencluster/pkg/transport"
)

// shutdownTickEvent rearms a bucket's shutdown_timer (spec §4.6's
// "Otherwise: rearm shutdown_timer with TIMEOUT_SHUTDOWN and re-enter").
type shutdownTickEvent struct{ bucketIndex uint64 }

// BucketShutdown implements spec §4.6's per-bucket drain.
func (c *Controller) BucketShutdown(ctx context.Context, idx uint64) {
	r, ok := c.bt.Replica(idx)
	if !ok {
		return
	}

	if r.Role == RoleSecondary {
		c.finishBucketShutdown(ctx, r)
		return
	}

	if r.Role != RolePrimary {
		return
	}

	if len(c.registry.All()) == 0 {
		c.finishBucketShutdown(ctx, r)
		return
	}

	if r.PeerBackup != "" {
		if n, ok := c.registry.Get(r.PeerBackup); ok && n.State == StateActive && n.Conn != nil {
			r.Promotion = Promoting
			payload := transport.Promote{Hash: idx}.Marshal()
			if err := n.Conn.Send(ctx, frameFor(transport.CmdPromote, transport.CmdReplyPromoteAck, 0, payload)); err != nil {
				level.Warn(c.logger).Log("msg", "PROMOTE send failed during shutdown", "bucket", idx, "err", err)
			}
			return
		}
	}

	// Open Question 2: a primary with peers available but no reachable
	// backup begins an outbound migration instead of stalling, and the
	// shutdown tick retries once that migration finalizes.
	if !r.MigratingAway() && r.Transfer == nil && !c.counters.bucketTransfer {
		if peer, ok := c.pickAnyReachablePeer(); ok {
			if err := c.beginTransfer(ctx, RebalancePlan{Decision: DecisionSendUnbacked, BucketIndex: idx, Kind: TransferMigrate}, peer); err != nil {
				level.Warn(c.logger).Log("msg", "shutdown migration failed to start", "bucket", idx, "err", err)
			} else {
				r.ShutdownInFlight = true
			}
		}
	}

	r.ShutdownTimer = c.sched.Arm(c.cfg.TimeoutShutdown, shutdownTickEvent{bucketIndex: idx})
}

// onPromoteAck completes the Promoting path once the backup ACKs PROMOTE.
func (c *Controller) onPromoteAck(ctx context.Context, idx uint64) {
	r, ok := c.bt.Replica(idx)
	if !ok || r.Promotion != Promoting {
		return
	}
	c.finishBucketShutdown(ctx, r)
}

// finishBucketShutdown destroys the replica's contents, broadcasts the
// cleared HashMaskEntry, and frees the slot, per spec §4.6 "When done".
func (c *Controller) finishBucketShutdown(ctx context.Context, r *BucketReplica) {
	idx := r.Index
	cancelTimer(r.ShutdownTimer)
	r.ShutdownTimer = nil

	switch r.Role {
	case RolePrimary:
		c.counters.primaryCount--
		if r.PeerBackup == "" {
			c.counters.unbackedCount--
		}
	case RoleSecondary:
		c.counters.secondaryCount--
	}

	entry := c.bt.Entry(idx)
	if entry.PrimaryAddr == c.cfg.ListenAddr {
		entry.PrimaryAddr = ""
	}
	if entry.SecondaryAddr == c.cfg.ListenAddr {
		entry.SecondaryAddr = ""
	}
	c.bt.SetEntry(idx, entry)
	c.bt.Clear(idx)
	c.broadcastHashMaskUpdate(ctx, idx)
}

// pickAnyReachablePeer returns the address of the first Active peer with a
// live connection, for the Open-Question-2 "migrate to shed an unbacked
// primary" shutdown path. Whether that peer is itself mid-transfer is not
// checked.
func (c *Controller) pickAnyReachablePeer() (string, bool) {
	for _, n := range c.registry.All() {
		if n.State == StateActive && n.Conn != nil {
			return n.Addr, true
		}
	}
	return "", false
}

// NodeShutdown drains every bucket this node hosts, then the connection
// registry itself (spec §4.6 "Per-node shutdown").
func (c *Controller) NodeShutdown(ctx context.Context) {
	for i := uint64(0); i < c.bt.Mask().Size(); i++ {
		if _, ok := c.bt.Replica(i); ok {
			c.BucketShutdown(ctx, i)
		}
	}
	for _, n := range c.registry.All() {
		c.registry.NodeShutdown(n.Addr)
	}
}
